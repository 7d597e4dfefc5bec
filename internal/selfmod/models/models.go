// internal/selfmod/models/models.go
package models

import (
	"time"
)

// Operation is the kind of change a suggestion proposes.
type Operation string

const (
	OpCreate  Operation = "create"
	OpEdit    Operation = "edit"
	OpReplace Operation = "replace"
	OpAppend  Operation = "append"
)

// RiskLevel is the approval tier assigned to a change.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ParseRiskLevel maps a config string onto a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	switch RiskLevel(s) {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return RiskLevel(s), true
	}
	return "", false
}

// CodeSuggestion is a single change proposal extracted from free-form model output.
// It is created by the parser, consumed once and never mutated.
type CodeSuggestion struct {
	FilePath   string    `json:"file_path"`
	Language   string    `json:"language"`
	Code       string    `json:"code"`
	Operation  Operation `json:"operation"`
	Confidence float64   `json:"confidence"` // 0.0 to 1.0
	Reason     string    `json:"reason"`
	OldCode    string    `json:"old_code,omitempty"` // Anchor, required for OpEdit.
}

// ApprovalStatus is the risk classifier's verdict for one suggestion.
type ApprovalStatus struct {
	Approved              bool      `json:"approved"`
	RequiresHumanApproval bool      `json:"requires_human_approval"`
	RiskLevel             RiskLevel `json:"risk_level"`
	Reason                string    `json:"reason"`
}

// Backup is an immutable snapshot of a file taken right before it was modified.
type Backup struct {
	ID           string    `json:"id"`
	OriginalPath string    `json:"original_path"`
	BackupPath   string    `json:"backup_path"`
	Timestamp    time.Time `json:"timestamp"`
	Size         int64     `json:"size"`
	Hash         string    `json:"hash"` // SHA-256 of the snapshot content.
}

// ModificationAction is the terminal action taken for a modification.
type ModificationAction string

const (
	ActionApplied    ModificationAction = "applied"
	ActionRolledBack ModificationAction = "rolled-back"
	ActionSkipped    ModificationAction = "skipped"
)

// CommitInfo describes the version-control commit created for an applied change.
type CommitInfo struct {
	Hash    string   `json:"hash"`
	Message string   `json:"message"`
	Files   []string `json:"files"`
}

// ModificationResult is the outcome of applying (or refusing to apply) a change.
type ModificationResult struct {
	Success           bool               `json:"success"`
	Action            ModificationAction `json:"action"`
	FilePath          string             `json:"file_path,omitempty"`
	Backup            *Backup            `json:"backup,omitempty"`
	Validation        *ValidationResult  `json:"validation,omitempty"`
	Commit            *CommitInfo        `json:"commit,omitempty"`
	RollbackAvailable bool               `json:"rollback_available"`
	Error             string             `json:"error,omitempty"`
}

// ErrorType classifies the raw error fed to the pipeline.
type ErrorType string

const (
	ErrorTypeType    ErrorType = "type"
	ErrorTypeSyntax  ErrorType = "syntax"
	ErrorTypeRuntime ErrorType = "runtime"
	ErrorTypeTest    ErrorType = "test"
	ErrorTypeConfig  ErrorType = "config"
)

// Severity of an analyzed error. Shares the vocabulary of RiskLevel.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Location points at the origin of an error.
type Location struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

// ErrorAnalysis is the output of the analyze phase.
type ErrorAnalysis struct {
	ErrorType      ErrorType `json:"error_type"`
	Severity       Severity  `json:"severity"`
	Location       Location  `json:"location"`
	RootCause      string    `json:"root_cause"`
	SuggestedFixes []string  `json:"suggested_fixes"` // Ranked, best first.
	Context        string    `json:"context,omitempty"`
	RawError       string    `json:"raw_error,omitempty"`
}

// FixProposal is an anchor-based replacement proposed for a single file.
type FixProposal struct {
	FilePath    string    `json:"file_path"`
	OldCode     string    `json:"old_code"`
	NewCode     string    `json:"new_code"`
	Confidence  float64   `json:"confidence"`
	RiskLevel   RiskLevel `json:"risk_level"`
	Description string    `json:"description"`
}

// StaticResult is the outcome of the static validation layer.
type StaticResult struct {
	SyntaxValid bool     `json:"syntax_valid"`
	TypesValid  bool     `json:"types_valid"`
	LintPassed  bool     `json:"lint_passed"`
	Passed      bool     `json:"passed"`
	Errors      []string `json:"errors,omitempty"`
}

// SemanticResult is the outcome of the semantic validation layer.
type SemanticResult struct {
	RootCauseAddressed bool     `json:"root_cause_addressed"`
	SideEffects        []string `json:"side_effects,omitempty"`
	LogicScore         float64  `json:"logic_score"`
	Passed             bool     `json:"passed"`
}

// RegressionResult is the outcome of the regression validation layer.
type RegressionResult struct {
	TestsRun      int      `json:"tests_run"`
	TestsPassed   int      `json:"tests_passed"`
	TestsFailed   int      `json:"tests_failed"`
	AffectedFiles []string `json:"affected_files,omitempty"`
	Passed        bool     `json:"passed"`
}

// ValidationResult aggregates the three independent validation layers.
type ValidationResult struct {
	Static     StaticResult     `json:"static"`
	Semantic   SemanticResult   `json:"semantic"`
	Regression RegressionResult `json:"regression"`
	Approved   bool             `json:"approved"`
	Confidence float64          `json:"confidence"`
	Issues     []string         `json:"issues,omitempty"`
}

// PipelineResult is the outcome of one pipeline run.
type PipelineResult struct {
	Success      bool                `json:"success"`
	Iterations   int                 `json:"iterations"`
	Analysis     *ErrorAnalysis      `json:"analysis,omitempty"`
	Proposal     *FixProposal        `json:"proposal,omitempty"`
	Validation   *ValidationResult   `json:"validation,omitempty"`
	Modification *ModificationResult `json:"modification,omitempty"`
	Duration     time.Duration       `json:"duration"`
	Timestamp    time.Time           `json:"timestamp"`
	Error        string              `json:"error,omitempty"`
}

// RateLimiterState is the serializable state of the rate limiter.
type RateLimiterState struct {
	Modifications       []time.Time `json:"modifications"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Paused              bool        `json:"paused"`
}

// AuditEntry is one append-only record in the audit trail.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Success   bool           `json:"success"`
	Details   map[string]any `json:"details,omitempty"`
}
