// internal/selfmod/pipeline/apply.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/selfmod/audit"
	"github.com/xkilldash9x/selfmod/internal/selfmod/editor"
	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
	"github.com/xkilldash9x/selfmod/internal/selfmod/vcs"
)

// ApplyOptions qualify a batch submitted to ApplySuggestions.
type ApplyOptions struct {
	// HumanApproved marks every suggestion in the batch as signed off.
	HumanApproved bool
	// Source is recorded in the audit trail and the commit message.
	Source string
}

// BatchResult is the outcome of ApplySuggestions.
type BatchResult struct {
	Success bool
	Results []*models.ModificationResult
	Commit  *models.CommitInfo
	Error   string
}

// ApplySuggestions writes a batch all-or-nothing: every file is backed up and
// written, post-apply checks run once over the batch, then the batch is either
// committed or restored in reverse order.
func (p *Pipeline) ApplySuggestions(ctx context.Context, suggestions []models.CodeSuggestion, opts ApplyOptions) (*BatchResult, error) {
	out := &BatchResult{}
	if len(suggestions) == 0 {
		out.Success = true
		return out, nil
	}

	// 1. Batch-level gates. Nothing is written when any of them refuses.
	reject := func(err error) (*BatchResult, error) {
		out.Error = err.Error()
		p.logger.Warn("Batch rejected.", zap.Int("size", len(suggestions)), zap.Error(err))
		p.audit.Record(context.WithoutCancel(ctx), audit.ActionBatchRejected, false, map[string]any{
			"size":   len(suggestions),
			"source": opts.Source,
			"error":  out.Error,
		})
		return out, err
	}
	if len(suggestions) > p.cfg.MaxBatchSize {
		return reject(fmt.Errorf("%d suggestions (max %d): %w", len(suggestions), p.cfg.MaxBatchSize, models.ErrBatchTooLarge))
	}
	for _, s := range suggestions {
		status := p.classifier.AssessRisk(s)
		switch {
		case opts.HumanApproved:
		case status.RiskLevel == models.RiskCritical:
			return reject(fmt.Errorf("%s: %s: %w", s.FilePath, status.Reason, models.ErrCriticalRiskAbort))
		case status.RequiresHumanApproval:
			return reject(fmt.Errorf("%s: %s: %w", s.FilePath, status.Reason, models.ErrApprovalRequired))
		}
	}
	release, ok := p.limiter.Reserve(len(suggestions))
	if !ok {
		return reject(fmt.Errorf("batch of %d exceeds remaining capacity %d: %w",
			len(suggestions), p.limiter.Remaining(), models.ErrRateLimitExceeded))
	}

	// 2. Write everything with backups.
	tx := p.begin()
	for _, s := range suggestions {
		res := tx.apply(ctx, s)
		mod := &models.ModificationResult{FilePath: s.FilePath, Action: models.ActionSkipped}
		out.Results = append(out.Results, mod)
		if res.Success {
			mod.FilePath = res.Path
			mod.Backup = res.Backup
			continue
		}

		mod.Error = res.Err().Error()
		p.publish(ctx, models.TopicFailed, models.FileEvent{Path: s.FilePath, Reason: mod.Error})
		written := tx.files()
		tx.rollback(ctx)
		for _, prev := range out.Results[:len(out.Results)-1] {
			prev.Action = models.ActionRolledBack
		}
		out.Error = fmt.Sprintf("failed to apply %s: %s", s.FilePath, mod.Error)
		release()
		p.limiter.RecordFailure()
		p.audit.Record(context.WithoutCancel(ctx), audit.ActionRollback, false, map[string]any{
			"files":  written,
			"source": opts.Source,
			"error":  out.Error,
		})
		return out, fmt.Errorf("failed to apply %s: %w", s.FilePath, res.Err())
	}

	// 3. Post-apply checks decide between commit and restore.
	written := tx.files()
	if issues := p.postApplyChecks(ctx, written); len(issues) > 0 {
		tx.rollback(ctx)
		failure := &models.ValidationFailure{Layer: models.LayerPostApply, Issues: issues}
		for _, mod := range out.Results {
			mod.Action = models.ActionRolledBack
			mod.Error = failure.Error()
		}
		out.Error = failure.Error()
		release()
		p.limiter.RecordFailure()
		p.audit.Record(context.WithoutCancel(ctx), audit.ActionRollback, false, map[string]any{
			"files":  written,
			"source": opts.Source,
			"issues": issues,
		})
		return out, failure
	}

	// 4. Commit.
	message := fmt.Sprintf("selfmod: apply %d suggestion(s)", len(suggestions))
	if opts.Source != "" {
		message += " from " + opts.Source
	}
	var body []string
	for _, s := range suggestions {
		body = append(body, fmt.Sprintf("- %s %s: %s", s.Operation, s.FilePath, s.Reason))
	}
	out.Commit = p.commit(ctx, written, message+"\n\n"+strings.Join(body, "\n"))

	for _, mod := range out.Results {
		mod.Success = true
		mod.Action = models.ActionApplied
		mod.Commit = out.Commit
		mod.RollbackAvailable = mod.Backup != nil
		p.publish(ctx, models.TopicApplied, models.FileEvent{Path: mod.FilePath, Backup: mod.Backup, Reason: opts.Source})
	}
	out.Success = true
	p.limiter.RecordSuccess()
	p.audit.Record(context.WithoutCancel(ctx), audit.ActionBatchApplied, true, map[string]any{
		"files":          written,
		"source":         opts.Source,
		"human_approved": opts.HumanApproved,
		"committed":      out.Commit != nil,
	})
	p.logger.Info("Batch applied.", zap.Int("files", len(out.Results)), zap.String("source", opts.Source))
	return out, nil
}

// applyProposal writes a validated fix and keeps it only if the post-apply
// checks pass.
func (p *Pipeline) applyProposal(ctx context.Context, proposal *models.FixProposal, validation *models.ValidationResult) *models.ModificationResult {
	mod := &models.ModificationResult{FilePath: proposal.FilePath, Action: models.ActionSkipped, Validation: validation}

	// Last line of defence for the critical invariant.
	if proposal.RiskLevel == models.RiskCritical {
		mod.Error = models.ErrCriticalRiskAbort.Error()
		return mod
	}
	release, ok := p.limiter.Reserve(1)
	if !ok {
		mod.Error = models.ErrRateLimitExceeded.Error()
		return mod
	}

	tx := p.begin()
	res := tx.edit(ctx, proposal.FilePath, proposal.OldCode, proposal.NewCode, proposal.Description)
	if !res.Success {
		release()
		mod.Error = res.Err().Error()
		p.publish(ctx, models.TopicFailed, models.FileEvent{Path: proposal.FilePath, Reason: mod.Error})
		return mod
	}
	mod.FilePath = res.Path
	mod.Backup = res.Backup

	if issues := p.postApplyChecks(ctx, tx.files()); len(issues) > 0 {
		tx.rollback(ctx)
		mod.Action = models.ActionRolledBack
		mod.Error = (&models.ValidationFailure{Layer: models.LayerPostApply, Issues: issues}).Error()
		release()
		p.limiter.RecordFailure()
		p.audit.Record(context.WithoutCancel(ctx), audit.ActionRollback, false, map[string]any{
			"file":   res.Path,
			"backup": res.Backup.BackupPath,
			"issues": issues,
		})
		return mod
	}

	message := fmt.Sprintf("selfmod: %s\n\nRisk: %s\nConfidence: %.2f", proposal.Description, proposal.RiskLevel, proposal.Confidence)
	mod.Commit = p.commit(ctx, tx.files(), message)
	mod.Success = true
	mod.Action = models.ActionApplied
	mod.RollbackAvailable = true
	p.limiter.RecordSuccess()
	p.publish(ctx, models.TopicApplied, models.FileEvent{Path: res.Path, Backup: res.Backup, Reason: proposal.Description})
	p.audit.Record(context.WithoutCancel(ctx), audit.ActionModification, true, map[string]any{
		"file":       res.Path,
		"backup":     res.Backup.BackupPath,
		"risk_level": string(proposal.RiskLevel),
		"confidence": proposal.Confidence,
		"committed":  mod.Commit != nil,
	})
	return mod
}

// postApplyChecks type-checks the written files and runs their related tests.
// Lint failures are logged but never fail the change.
func (p *Pipeline) postApplyChecks(ctx context.Context, files []string) []string {
	if tc := p.checker.TypeCheck(ctx, files...); !tc.Passed {
		return []string{checkFailure("post-apply type check", tc)}
	}

	var tests []string
	seen := make(map[string]bool)
	for _, f := range files {
		for _, t := range RelatedTests(p.engine.Root(), f) {
			if !seen[t] {
				seen[t] = true
				tests = append(tests, t)
			}
		}
	}
	if len(tests) > 0 {
		report := p.checker.RunTests(ctx, tests...)
		if !report.Passed || report.TestsFailed > 0 {
			return []string{fmt.Sprintf("post-apply tests: %d of %d failed: %s",
				report.TestsFailed, report.TestsRun, checkFailure("tests", report.CheckResult))}
		}
	}

	if lint := p.checker.Lint(ctx, files...); !lint.Passed && !lint.Skipped {
		p.logger.Warn("Post-apply lint reported problems.", zap.Strings("files", files), zap.Error(lint.Err))
	}
	return nil
}

// commit records files in version control when enabled. A failed commit
// leaves the applied change in place.
func (p *Pipeline) commit(ctx context.Context, files []string, message string) *models.CommitInfo {
	if !p.cfg.AutoCommit {
		return nil
	}
	info, err := p.committer.Commit(context.WithoutCancel(ctx), files, message)
	if err != nil {
		if !errors.Is(err, vcs.ErrNothingToCommit) {
			p.logger.Warn("Failed to commit applied change.", zap.Strings("files", files), zap.Error(err))
			p.audit.Record(context.WithoutCancel(ctx), audit.ActionCommitFailed, false, map[string]any{
				"files": files,
				"error": err.Error(),
			})
		}
		return nil
	}
	return info
}

// -- Transaction --

// change is one write made inside a transaction.
type change struct {
	path    string
	backup  *models.Backup
	created bool
}

// transaction tracks writes so they can be undone in reverse order.
type transaction struct {
	p       *Pipeline
	changes []change
}

func (p *Pipeline) begin() *transaction {
	return &transaction{p: p}
}

func (t *transaction) edit(ctx context.Context, path, oldCode, newCode, reason string) *editor.EditResult {
	res := t.p.engine.EditFile(ctx, path, oldCode, newCode, reason)
	t.track(res, false)
	return res
}

// apply maps a suggestion onto the matching engine operation. A replace of a
// missing file becomes a create.
func (t *transaction) apply(ctx context.Context, s models.CodeSuggestion) *editor.EditResult {
	e := t.p.engine
	var res *editor.EditResult
	created := false
	switch s.Operation {
	case models.OpCreate:
		res, created = e.CreateFile(ctx, s.FilePath, s.Code, s.Reason), true
	case models.OpEdit:
		res = e.EditFile(ctx, s.FilePath, s.OldCode, s.Code, s.Reason)
	case models.OpAppend:
		res = e.AppendFile(ctx, s.FilePath, s.Code, s.Reason)
		created = res.Success && res.Backup == nil
	case models.OpReplace:
		res = e.ReplaceFile(ctx, s.FilePath, s.Code, s.Reason)
		if res.Error != nil && res.Error.Code == editor.CodeFileNotFound {
			res, created = e.CreateFile(ctx, s.FilePath, s.Code, s.Reason), true
		}
	default:
		res = &editor.EditResult{Path: s.FilePath, Error: &editor.EditError{
			Code:    editor.CodeIOError,
			Message: fmt.Sprintf("unknown operation %q", s.Operation),
		}}
	}
	t.track(res, created)
	return res
}

func (t *transaction) track(res *editor.EditResult, created bool) {
	if res.Success {
		t.changes = append(t.changes, change{path: res.Path, backup: res.Backup, created: created})
	}
}

func (t *transaction) files() []string {
	out := make([]string, 0, len(t.changes))
	for _, c := range t.changes {
		out = append(out, c.path)
	}
	return out
}

// rollback restores backups and removes created files in reverse order. It
// runs to completion even when ctx has ended.
func (t *transaction) rollback(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := len(t.changes) - 1; i >= 0; i-- {
		c := t.changes[i]
		var res *editor.EditResult
		action := audit.ActionBackupRestored
		if c.created {
			action = audit.ActionFileDeleted
			res = t.p.engine.RemoveCreated(ctx, c.path)
			if res.Success {
				t.p.publish(ctx, models.TopicRolledBack, models.FileEvent{Path: c.path, Reason: "removed created file"})
			}
		} else {
			res = t.p.engine.RestoreBackup(ctx, c.backup.BackupPath)
		}
		if !res.Success {
			t.p.logger.Error("Failed to undo change during rollback.", zap.String("path", c.path), zap.Error(res.Err()))
			continue
		}
		t.p.audit.Record(ctx, action, true, map[string]any{"file": c.path})
	}
	t.changes = nil
}
