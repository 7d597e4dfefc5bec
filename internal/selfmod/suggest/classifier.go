// internal/selfmod/suggest/classifier.go
package suggest

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
	"github.com/xkilldash9x/selfmod/internal/selfmod/policy"
)

// DefaultMinConfidence is the confidence below which a change always needs a human.
const DefaultMinConfidence = 0.7

// RiskConfig parameterizes the classifier.
type RiskConfig struct {
	ProtectedPatterns []string
	MinConfidence     float64
	AutoApply         bool
}

// Classifier assigns an approval tier to a suggestion. It performs no I/O and
// is deterministic for a given configuration.
type Classifier struct {
	protected     *policy.Matcher
	minConfidence float64
	autoApply     bool
}

// NewClassifier builds a classifier. Nil patterns fall back to the defaults.
func NewClassifier(cfg RiskConfig) *Classifier {
	patterns := cfg.ProtectedPatterns
	if patterns == nil {
		patterns = policy.DefaultProtectedPatterns
	}
	return &Classifier{
		protected:     policy.NewMatcher(patterns),
		minConfidence: cfg.MinConfidence,
		autoApply:     cfg.AutoApply,
	}
}

// AssessRisk classifies s. Checks run in a fixed order and the first that
// applies decides.
func (c *Classifier) AssessRisk(s models.CodeSuggestion) models.ApprovalStatus {
	// 1. Protected files always need a human.
	if pattern, ok := c.protected.Match(s.FilePath); ok {
		return models.ApprovalStatus{
			RequiresHumanApproval: true,
			RiskLevel:             models.RiskCritical,
			Reason:                fmt.Sprintf("%s matches protected pattern %q", s.FilePath, pattern),
		}
	}

	// 2. Low confidence.
	if s.Confidence < c.minConfidence {
		return models.ApprovalStatus{
			RequiresHumanApproval: true,
			RiskLevel:             models.RiskHigh,
			Reason:                fmt.Sprintf("confidence %.2f is below the minimum %.2f", s.Confidence, c.minConfidence),
		}
	}

	// 3. Additive or anchored changes.
	additive := s.Operation == models.OpCreate || s.Operation == models.OpAppend
	anchored := s.Operation == models.OpEdit && strings.TrimSpace(s.OldCode) != ""
	if additive || anchored {
		status := models.ApprovalStatus{
			Approved:              c.autoApply,
			RequiresHumanApproval: !c.autoApply,
			RiskLevel:             models.RiskLow,
		}
		if c.autoApply {
			status.Reason = fmt.Sprintf("%s is low risk and auto-apply is enabled", s.Operation)
		} else {
			status.Reason = fmt.Sprintf("%s is low risk but auto-apply is disabled", s.Operation)
		}
		return status
	}

	// 4. Full-file overwrites and anchorless edits.
	return models.ApprovalStatus{
		RequiresHumanApproval: true,
		RiskLevel:             models.RiskMedium,
		Reason:                fmt.Sprintf("%s without an anchor overwrites existing content", s.Operation),
	}
}

// Split partitions suggestions into auto-approved and pending sets, keeping
// the input order within each.
func (c *Classifier) Split(suggestions []models.CodeSuggestion) (approved, pending []models.CodeSuggestion) {
	for _, s := range suggestions {
		if c.AssessRisk(s).Approved {
			approved = append(approved, s)
		} else {
			pending = append(pending, s)
		}
	}
	return approved, pending
}
