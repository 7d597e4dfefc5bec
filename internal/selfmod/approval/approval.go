// internal/selfmod/approval/approval.go
package approval

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/selfmod/audit"
	"github.com/xkilldash9x/selfmod/internal/selfmod/bus"
	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
	"github.com/xkilldash9x/selfmod/internal/selfmod/pipeline"
	"github.com/xkilldash9x/selfmod/internal/selfmod/policy"
	"github.com/xkilldash9x/selfmod/internal/selfmod/suggest"
)

var (
	// ErrUnknownSession means no suggestions are queued for the session.
	ErrUnknownSession = errors.New("no pending suggestions for session")
	// ErrNothingSelected means none of the selected files are queued.
	ErrNothingSelected = errors.New("none of the selected files are pending")
)

// Applier is the batch apply path the workflow hands suggestions to.
type Applier interface {
	ApplySuggestions(ctx context.Context, suggestions []models.CodeSuggestion, opts pipeline.ApplyOptions) (*pipeline.BatchResult, error)
}

// Decision is a human's answer for one session.
type Decision struct {
	SessionID string
	Approved  bool
	// SelectedFiles limits an approval to these paths. Empty means all.
	SelectedFiles []string
}

// SubmitResult reports what Submit did with a batch.
type SubmitResult struct {
	SessionID string
	// Applied is nil when nothing was auto-approved.
	Applied *pipeline.BatchResult
	// Pending is the session's queue after the submit.
	Pending []models.CodeSuggestion
}

// Workflow splits suggestions into auto-approved and pending sets and applies
// pending ones once a human decides.
type Workflow struct {
	applier    Applier
	classifier *suggest.Classifier
	publisher  bus.Publisher
	audit      audit.Recorder
	logger     *zap.Logger

	mu      sync.Mutex
	pending map[string][]models.CodeSuggestion
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithPublisher publishes approval events.
func WithPublisher(p bus.Publisher) Option {
	return func(w *Workflow) { w.publisher = p }
}

// WithAuditor records resolved decisions.
func WithAuditor(r audit.Recorder) Option {
	return func(w *Workflow) { w.audit = r }
}

// NewWorkflow creates a workflow.
func NewWorkflow(applier Applier, classifier *suggest.Classifier, logger *zap.Logger, opts ...Option) *Workflow {
	w := &Workflow{
		applier:    applier,
		classifier: classifier,
		publisher:  bus.Nop{},
		audit:      audit.Nop{},
		logger:     logger.Named("approval"),
		pending:    make(map[string][]models.CodeSuggestion),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Submit applies the auto-approved part of suggestions and queues the rest
// under sessionID. An empty sessionID starts a new session.
func (w *Workflow) Submit(ctx context.Context, sessionID string, suggestions []models.CodeSuggestion) (*SubmitResult, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	approved, pending := w.classifier.Split(suggestions)
	result := &SubmitResult{SessionID: sessionID}

	// 1. Queue first so a failed auto-apply does not lose the pending set.
	if len(pending) > 0 {
		w.mu.Lock()
		w.pending[sessionID] = append(w.pending[sessionID], pending...)
		queue := slices.Clone(w.pending[sessionID])
		w.mu.Unlock()

		result.Pending = queue
		w.logger.Info("Suggestions queued for approval.", zap.String("session", sessionID), zap.Int("pending", len(queue)))
		w.publish(ctx, models.TopicApprovalNeeded, models.ApprovalNeededEvent{SessionID: sessionID, Suggestions: queue})
	} else {
		result.Pending = w.Pending(sessionID)
	}

	// 2. Apply the rest.
	if len(approved) == 0 {
		return result, nil
	}
	applied, err := w.applier.ApplySuggestions(ctx, approved, pipeline.ApplyOptions{Source: "session " + sessionID})
	result.Applied = applied
	if err != nil {
		return result, fmt.Errorf("failed to apply auto-approved suggestions: %w", err)
	}
	return result, nil
}

// Resolve applies or discards a session's queue. The queue is cleared once
// the decision has been acted on. A rejection returns a nil result.
func (w *Workflow) Resolve(ctx context.Context, d Decision) (*pipeline.BatchResult, error) {
	w.mu.Lock()
	queue, ok := w.pending[d.SessionID]
	if !ok {
		w.mu.Unlock()
		return nil, fmt.Errorf("session %q: %w", d.SessionID, ErrUnknownSession)
	}
	selected := queue
	if d.Approved && len(d.SelectedFiles) > 0 {
		selected = selectFiles(queue, d.SelectedFiles)
		if len(selected) == 0 {
			w.mu.Unlock()
			return nil, fmt.Errorf("session %q: %w", d.SessionID, ErrNothingSelected)
		}
	}
	delete(w.pending, d.SessionID)
	w.mu.Unlock()

	w.publish(ctx, models.TopicApprovalReceived, models.ApprovalReceivedEvent{
		SessionID:     d.SessionID,
		Approved:      d.Approved,
		SelectedFiles: d.SelectedFiles,
	})
	w.audit.Record(context.WithoutCancel(ctx), audit.ActionApprovalResolved, true, map[string]any{
		"session":  d.SessionID,
		"approved": d.Approved,
		"queued":   len(queue),
		"selected": len(selected),
	})

	if !d.Approved {
		w.logger.Info("Pending suggestions rejected.", zap.String("session", d.SessionID), zap.Int("count", len(queue)))
		w.publish(ctx, models.TopicApprovalRejected, models.ApprovalReceivedEvent{SessionID: d.SessionID})
		return nil, nil
	}

	w.logger.Info("Applying approved suggestions.", zap.String("session", d.SessionID), zap.Int("count", len(selected)))
	res, err := w.applier.ApplySuggestions(ctx, selected, pipeline.ApplyOptions{
		HumanApproved: true,
		Source:        "approval " + d.SessionID,
	})
	if err != nil {
		return res, fmt.Errorf("failed to apply approved suggestions: %w", err)
	}
	return res, nil
}

// ApplyPreApproved applies one suggestion a human already signed off.
func (w *Workflow) ApplyPreApproved(ctx context.Context, s models.CodeSuggestion) (*pipeline.BatchResult, error) {
	return w.applier.ApplySuggestions(ctx, []models.CodeSuggestion{s}, pipeline.ApplyOptions{
		HumanApproved: true,
		Source:        "pre-approved",
	})
}

// Pending returns a copy of the session's queue.
func (w *Workflow) Pending(sessionID string) []models.CodeSuggestion {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.pending[sessionID])
}

func (w *Workflow) publish(ctx context.Context, topic models.Topic, payload any) {
	if err := w.publisher.Post(context.WithoutCancel(ctx), topic, payload); err != nil {
		w.logger.Debug("Failed to publish event.", zap.String("topic", string(topic)), zap.Error(err))
	}
}

func selectFiles(queue []models.CodeSuggestion, files []string) []models.CodeSuggestion {
	want := make(map[string]bool, len(files))
	for _, f := range files {
		want[policy.Normalize(f)] = true
	}
	var out []models.CodeSuggestion
	for _, s := range queue {
		if want[policy.Normalize(s.FilePath)] {
			out = append(out, s)
		}
	}
	return out
}
