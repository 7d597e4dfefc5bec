// internal/selfmod/models/events.go
package models

// Topic names an event published on the bus. The string values are part of the
// external contract and must not change.
type Topic string

const (
	// --- Pipeline lifecycle ---
	TopicPipelineStarted            Topic = "pipeline:started"
	TopicPipelinePhase              Topic = "pipeline:phase"
	TopicPipelineIteration          Topic = "pipeline:iteration"
	TopicPipelineAnalyzed           Topic = "pipeline:analyzed"
	TopicPipelineFixGenerated       Topic = "pipeline:fix-generated"
	TopicPipelineLowConfidence      Topic = "pipeline:low-confidence"
	TopicPipelineValidated          Topic = "pipeline:validated"
	TopicPipelineValidationFailed   Topic = "pipeline:validation-failed"
	TopicPipelineCompleted          Topic = "pipeline:completed"
	TopicPipelineModificationFailed Topic = "pipeline:modification-failed"
	TopicPipelineFailed             Topic = "pipeline:failed"

	// --- Edit engine and applier ---
	TopicFileEdited    Topic = "self-mod:file-edited"
	TopicFileCreated   Topic = "self-mod:file-created"
	TopicBackupCreated Topic = "self-mod:backup-created"
	TopicApplied       Topic = "self-mod:applied"
	TopicRolledBack    Topic = "self-mod:rolled-back"
	TopicFailed        Topic = "self-mod:failed"

	// --- Approval workflow ---
	TopicApprovalNeeded   Topic = "self-mod:approval-needed"
	TopicApprovalReceived Topic = "self-mod:approval-received"
	TopicApprovalRejected Topic = "self-mod:approval-rejected"
)

// Phase is a state of the validation pipeline's state machine.
type Phase string

const (
	PhaseAnalyzingError       Phase = "AnalyzingError"
	PhaseGeneratingFix        Phase = "GeneratingFix"
	PhaseValidatingFix        Phase = "ValidatingFix"
	PhaseApplyingModification Phase = "ApplyingModification"
	PhaseSucceeded            Phase = "Succeeded"
	PhaseRetrying             Phase = "Retrying"
	PhaseAborted              Phase = "Aborted"
)

// PhaseEvent is the payload of TopicPipelinePhase.
type PhaseEvent struct {
	Phase Phase  `json:"phase"`
	Name  string `json:"name"`
}

// IterationEvent is the payload of TopicPipelineIteration.
type IterationEvent struct {
	Iteration int `json:"iteration"`
	Max       int `json:"max"`
}

// CompletedEvent is the payload of TopicPipelineCompleted.
type CompletedEvent struct {
	Success    bool   `json:"success"`
	File       string `json:"file"`
	Iterations int    `json:"iterations"`
}

// ErrorEvent is the payload of the failure topics.
type ErrorEvent struct {
	Error string `json:"error"`
}

// IssuesEvent is the payload of TopicPipelineValidationFailed.
type IssuesEvent struct {
	Issues []string `json:"issues"`
}

// FileEvent is the payload of the self-mod file topics.
type FileEvent struct {
	Path   string  `json:"path"`
	Backup *Backup `json:"backup,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

// ApprovalNeededEvent is the payload of TopicApprovalNeeded.
type ApprovalNeededEvent struct {
	SessionID   string           `json:"sessionId"`
	Suggestions []CodeSuggestion `json:"suggestions"`
}

// ApprovalReceivedEvent is the payload of TopicApprovalReceived and TopicApprovalRejected.
type ApprovalReceivedEvent struct {
	SessionID     string   `json:"sessionId"`
	Approved      bool     `json:"approved"`
	SelectedFiles []string `json:"selectedFiles,omitempty"`
}
