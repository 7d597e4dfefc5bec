// internal/selfmod/models/errors.go
package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the self-modification packages. Callers match
// them with errors.Is; wrapped forms carry the details.
var (
	// ErrAmbiguousEdit means the anchor matched more than once.
	ErrAmbiguousEdit = errors.New("anchor matches more than once")
	// ErrStaleAnchor means the anchor no longer occurs in the file.
	ErrStaleAnchor = errors.New("anchor not found in current file content")
	// ErrProtectedFile means the target is in a protected directory or matches a critical pattern.
	ErrProtectedFile = errors.New("file is protected")
	// ErrOutsideWorkspace means the path escapes the workspace root.
	ErrOutsideWorkspace = errors.New("path is outside the workspace root")
	// ErrFileTooLarge means the file exceeds the configured size cap.
	ErrFileTooLarge = errors.New("file exceeds the maximum editable size")
	// ErrFileExists means a create targeted an existing path.
	ErrFileExists = errors.New("file already exists")
	// ErrRateLimitExceeded means the limiter refused the modification.
	ErrRateLimitExceeded = errors.New("modification rate limit exceeded")
	// ErrCriticalRiskAbort means the change was classified critical and needs a human.
	ErrCriticalRiskAbort = errors.New("critical risk: human review required")
	// ErrApprovalRequired means a change that needs a human was submitted without one.
	ErrApprovalRequired = errors.New("change requires human approval")
	// ErrBatchTooLarge means a batch exceeded the configured maximum size.
	ErrBatchTooLarge = errors.New("batch exceeds the maximum batch size")
	// ErrSubprocessTimeout means an external tool did not finish before its deadline.
	ErrSubprocessTimeout = errors.New("subprocess timed out")
	// ErrSubprocessFailure means an external tool could not be run or exited non-zero.
	ErrSubprocessFailure = errors.New("subprocess failed")
)

// ValidationLayer names one of the three validation layers.
type ValidationLayer string

const (
	LayerStatic     ValidationLayer = "static"
	LayerSemantic   ValidationLayer = "semantic"
	LayerRegression ValidationLayer = "regression"
	LayerPostApply  ValidationLayer = "post-apply"
)

// ValidationFailure reports which layer rejected a change.
type ValidationFailure struct {
	Layer  ValidationLayer
	Issues []string
}

func (e *ValidationFailure) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("validation failed in %s layer", e.Layer)
	}
	return fmt.Sprintf("validation failed in %s layer: %s", e.Layer, e.Issues[0])
}
