// internal/selfmod/pipeline/pipeline.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/selfmod/audit"
	"github.com/xkilldash9x/selfmod/internal/selfmod/bus"
	"github.com/xkilldash9x/selfmod/internal/selfmod/editor"
	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
	"github.com/xkilldash9x/selfmod/internal/selfmod/suggest"
	"github.com/xkilldash9x/selfmod/internal/selfmod/toolchain"
	"github.com/xkilldash9x/selfmod/internal/selfmod/vcs"
)

// Timeouts bound each phase of a run. Zero disables the phase deadline.
type Timeouts struct {
	Analyze  time.Duration
	Generate time.Duration
	Validate time.Duration
	Apply    time.Duration
}

// Config controls the iteration loop and the apply policy.
type Config struct {
	MaxIterations     int
	MinConfidence     float64
	AllowedRiskLevels []models.RiskLevel
	AutoCommit        bool
	MaxBatchSize      int
	Timeouts          Timeouts
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxIterations:     3,
		MinConfidence:     0.7,
		AllowedRiskLevels: []models.RiskLevel{models.RiskLow, models.RiskMedium},
		MaxBatchSize:      10,
		Timeouts: Timeouts{
			Analyze:  10 * time.Second,
			Generate: 30 * time.Second,
			Validate: 5 * time.Minute,
			Apply:    5 * time.Minute,
		},
	}
}

// RateLimiter is the part of the rate limiter the pipeline consumes. Writes
// are admitted through Reserve, which checks and claims capacity atomically.
type RateLimiter interface {
	CanModify() bool
	Remaining() int
	Reserve(n int) (release func(), ok bool)
	RecordSuccess()
	RecordFailure()
}

// RunRequest is the input of one pipeline run.
type RunRequest struct {
	ErrorText string
	// FilePath is used when the error text carries no readable location.
	FilePath string
}

// Pipeline drives the Analyze, Generate, Validate, Apply loop and owns the
// transactional apply path shared with batch application.
type Pipeline struct {
	cfg        Config
	engine     *editor.Engine
	limiter    RateLimiter
	checker    toolchain.Checker
	analyzer   *Analyzer
	generator  FixGenerator
	validator  *Validator
	classifier *suggest.Classifier
	committer  vcs.Committer
	audit      audit.Recorder
	publisher  bus.Publisher
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithGenerator replaces the heuristic fix generator.
func WithGenerator(g FixGenerator) Option {
	return func(p *Pipeline) { p.generator = g }
}

// WithSkill sets the strategy consulted by the heuristic generator.
func WithSkill(s Skill) Option {
	return func(p *Pipeline) { p.generator = NewHeuristicFixGenerator(p.engine, s, p.logger) }
}

// WithClassifier sets the risk classifier used for protected paths and batches.
func WithClassifier(c *suggest.Classifier) Option {
	return func(p *Pipeline) { p.classifier = c }
}

// WithCommitter enables commits of applied changes when AutoCommit is set.
func WithCommitter(c vcs.Committer) Option {
	return func(p *Pipeline) { p.committer = c }
}

// WithAuditor records terminal outcomes.
func WithAuditor(r audit.Recorder) Option {
	return func(p *Pipeline) { p.audit = r }
}

// WithPublisher publishes pipeline and self-mod events.
func WithPublisher(pub bus.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New builds a Pipeline. The engine, limiter and checker are required.
func New(cfg Config, engine *editor.Engine, limiter RateLimiter, checker toolchain.Checker, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	if engine == nil || limiter == nil || checker == nil {
		return nil, errors.New("pipeline requires an edit engine, a rate limiter and a checker")
	}
	if cfg.MaxIterations <= 0 {
		return nil, fmt.Errorf("max iterations must be positive, got %d", cfg.MaxIterations)
	}
	if cfg.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("max batch size must be positive, got %d", cfg.MaxBatchSize)
	}

	log := logger.Named("pipeline")
	if i := slices.Index(cfg.AllowedRiskLevels, models.RiskCritical); i >= 0 {
		log.Warn("Critical risk can never be auto-applied; ignoring it in the allowed levels.")
		cfg.AllowedRiskLevels = slices.Delete(slices.Clone(cfg.AllowedRiskLevels), i, i+1)
	}

	p := &Pipeline{
		cfg:       cfg,
		engine:    engine,
		limiter:   limiter,
		checker:   checker,
		analyzer:  NewAnalyzer(engine, log),
		validator: NewValidator(engine, checker, log),
		committer: vcs.Nop{},
		audit:     audit.Nop{},
		publisher: bus.Nop{},
		logger:    log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.generator == nil {
		p.generator = NewHeuristicFixGenerator(engine, nil, log)
	}
	if p.classifier == nil {
		p.classifier = suggest.NewClassifier(suggest.RiskConfig{MinConfidence: suggest.DefaultMinConfidence})
	}
	return p, nil
}

// Run executes at most MaxIterations passes for one error. The returned
// error carries the taxonomy sentinel of a terminal failure; the result is
// always non-nil.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*models.PipelineResult, error) {
	start := p.now()
	result := &models.PipelineResult{Timestamp: start}
	p.publish(ctx, models.TopicPipelineStarted, req)
	p.logger.Info("Pipeline run started.", zap.String("file", req.FilePath))

	// 1. Rate limit gate.
	if !p.limiter.CanModify() {
		return p.fail(ctx, result, start, audit.ActionRateLimited, models.ErrRateLimitExceeded)
	}

	// 2. Analyze. Critical severity stops before any iteration.
	p.enter(ctx, models.PhaseAnalyzingError)
	actx, cancel := withTimeout(ctx, p.cfg.Timeouts.Analyze)
	analysis, err := p.analyzer.Analyze(actx, req.ErrorText, req.FilePath)
	cancel()
	if err != nil {
		return p.fail(ctx, result, start, audit.ActionPipelineFailed, fmt.Errorf("failed to analyze error: %w", err))
	}
	result.Analysis = analysis
	p.publish(ctx, models.TopicPipelineAnalyzed, analysis)
	if analysis.Severity == models.SeverityCritical {
		p.enter(ctx, models.PhaseAborted)
		return p.fail(ctx, result, start, audit.ActionCriticalAbort, models.ErrCriticalRiskAbort)
	}

	// 3. Iterate.
	var issues []string
	var lastErr error
	for i := 1; i <= p.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			p.enter(ctx, models.PhaseAborted)
			return p.fail(ctx, result, start, audit.ActionPipelineFailed, err)
		}
		result.Iterations = i
		p.publish(ctx, models.TopicPipelineIteration, models.IterationEvent{Iteration: i, Max: p.cfg.MaxIterations})
		if i > 1 {
			p.enter(ctx, models.PhaseRetrying)
		}

		// 3a. Generate.
		p.enter(ctx, models.PhaseGeneratingFix)
		gctx, cancel := withTimeout(ctx, p.cfg.Timeouts.Generate)
		proposal, err := p.generator.Generate(gctx, FixRequest{Analysis: analysis, Iteration: i, Issues: issues})
		cancel()
		if err != nil {
			p.logger.Info("Fix generation failed.", zap.Int("iteration", i), zap.Error(err))
			lastErr, issues = err, []string{err.Error()}
			continue
		}
		p.enforceProtection(proposal)
		result.Proposal = proposal
		p.publish(ctx, models.TopicPipelineFixGenerated, proposal)

		if proposal.Confidence < p.cfg.MinConfidence {
			p.publish(ctx, models.TopicPipelineLowConfidence, proposal)
			lastErr = fmt.Errorf("fix confidence %.2f is below %.2f", proposal.Confidence, p.cfg.MinConfidence)
			issues = []string{lastErr.Error()}
			continue
		}

		// 3b. Validate, unless policy already rules the risk out.
		p.enter(ctx, models.PhaseValidatingFix)
		if !p.riskAllowed(proposal.RiskLevel) {
			issue := fmt.Sprintf("risk level %s is not allowed", proposal.RiskLevel)
			lastErr = &models.ValidationFailure{Layer: models.LayerStatic, Issues: []string{issue}}
			issues = []string{issue}
			p.publish(ctx, models.TopicPipelineValidationFailed, models.IssuesEvent{Issues: issues})
			continue
		}
		vctx, cancel := withTimeout(ctx, p.cfg.Timeouts.Validate)
		validation, err := p.validator.Validate(vctx, analysis, proposal)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				p.enter(ctx, models.PhaseAborted)
				return p.fail(ctx, result, start, audit.ActionPipelineFailed, ctx.Err())
			}
			lastErr = fmt.Errorf("validation did not finish: %w", models.ErrSubprocessTimeout)
			issues = []string{lastErr.Error()}
			p.publish(ctx, models.TopicPipelineValidationFailed, models.IssuesEvent{Issues: issues})
			continue
		}
		result.Validation = validation
		if !validation.Approved {
			lastErr = &models.ValidationFailure{Layer: failedLayer(validation), Issues: validation.Issues}
			issues = validation.Issues
			p.publish(ctx, models.TopicPipelineValidationFailed, models.IssuesEvent{Issues: issues})
			continue
		}
		p.publish(ctx, models.TopicPipelineValidated, validation)

		// 3c. Apply inside one transaction.
		p.enter(ctx, models.PhaseApplyingModification)
		apctx, cancel := withTimeout(ctx, p.cfg.Timeouts.Apply)
		mod := p.applyProposal(apctx, proposal, validation)
		cancel()
		result.Modification = mod

		switch mod.Action {
		case models.ActionApplied:
			p.enter(ctx, models.PhaseSucceeded)
			result.Success = true
			result.Duration = p.now().Sub(start)
			p.record(ctx, audit.ActionPipelineCompleted, true, result)
			p.publish(ctx, models.TopicPipelineCompleted, models.CompletedEvent{Success: true, File: proposal.FilePath, Iterations: i})
			p.logger.Info("Pipeline run succeeded.", zap.String("file", proposal.FilePath), zap.Int("iterations", i))
			return result, nil
		case models.ActionRolledBack:
			p.publish(ctx, models.TopicPipelineModificationFailed, models.ErrorEvent{Error: mod.Error})
			p.enter(ctx, models.PhaseAborted)
			return p.fail(ctx, result, start, audit.ActionPipelineFailed,
				&models.ValidationFailure{Layer: models.LayerPostApply, Issues: []string{mod.Error}})
		default:
			// The write itself was refused, so nothing changed on disk.
			p.publish(ctx, models.TopicPipelineModificationFailed, models.ErrorEvent{Error: mod.Error})
			lastErr = errors.New(mod.Error)
			issues = []string{mod.Error}
		}
	}

	// 4. Exhausted.
	p.limiter.RecordFailure()
	p.enter(ctx, models.PhaseAborted)
	if lastErr == nil {
		lastErr = errors.New("no iterations were attempted")
	}
	return p.fail(ctx, result, start, audit.ActionPipelineFailed,
		fmt.Errorf("no valid fix after %d iterations: %w", result.Iterations, lastErr))
}

// enforceProtection raises the proposal to critical when its path is protected.
func (p *Pipeline) enforceProtection(proposal *models.FixProposal) {
	status := p.classifier.AssessRisk(models.CodeSuggestion{
		FilePath:   proposal.FilePath,
		Operation:  models.OpEdit,
		OldCode:    proposal.OldCode,
		Confidence: proposal.Confidence,
	})
	if status.RiskLevel == models.RiskCritical {
		proposal.RiskLevel = models.RiskCritical
	}
}

func (p *Pipeline) riskAllowed(level models.RiskLevel) bool {
	return level != models.RiskCritical && slices.Contains(p.cfg.AllowedRiskLevels, level)
}

// fail finalizes a failed run.
func (p *Pipeline) fail(ctx context.Context, result *models.PipelineResult, start time.Time, action string, err error) (*models.PipelineResult, error) {
	result.Success = false
	result.Error = err.Error()
	result.Duration = p.now().Sub(start)

	p.logger.Warn("Pipeline run failed.", zap.String("action", action), zap.Int("iterations", result.Iterations), zap.Error(err))
	p.record(ctx, action, false, result)
	p.publish(ctx, models.TopicPipelineFailed, models.ErrorEvent{Error: result.Error})

	file := ""
	if result.Analysis != nil {
		file = result.Analysis.Location.File
	}
	p.publish(ctx, models.TopicPipelineCompleted, models.CompletedEvent{Success: false, File: file, Iterations: result.Iterations})
	return result, err
}

func (p *Pipeline) record(ctx context.Context, action string, success bool, result *models.PipelineResult) {
	details := map[string]any{
		"iterations":  result.Iterations,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if result.Analysis != nil {
		details["file"] = result.Analysis.Location.File
		details["error_type"] = string(result.Analysis.ErrorType)
		details["severity"] = string(result.Analysis.Severity)
	}
	if result.Proposal != nil {
		details["risk_level"] = string(result.Proposal.RiskLevel)
		details["confidence"] = result.Proposal.Confidence
	}
	if result.Modification != nil {
		details["action"] = string(result.Modification.Action)
	}
	if result.Error != "" {
		details["error"] = result.Error
	}
	p.audit.Record(context.WithoutCancel(ctx), action, success, details)
}

func (p *Pipeline) enter(ctx context.Context, phase models.Phase) {
	p.logger.Debug("Entering phase.", zap.String("phase", string(phase)))
	p.publish(ctx, models.TopicPipelinePhase, models.PhaseEvent{Phase: phase, Name: phaseNames[phase]})
}

func (p *Pipeline) publish(ctx context.Context, topic models.Topic, payload any) {
	if err := p.publisher.Post(context.WithoutCancel(ctx), topic, payload); err != nil {
		p.logger.Debug("Failed to publish event.", zap.String("topic", string(topic)), zap.Error(err))
	}
}

var phaseNames = map[models.Phase]string{
	models.PhaseAnalyzingError:       "Analyzing error",
	models.PhaseGeneratingFix:        "Generating fix",
	models.PhaseValidatingFix:        "Validating fix",
	models.PhaseApplyingModification: "Applying modification",
	models.PhaseSucceeded:            "Succeeded",
	models.PhaseRetrying:             "Retrying",
	models.PhaseAborted:              "Aborted",
}

// failedLayer names the first layer that rejected v.
func failedLayer(v *models.ValidationResult) models.ValidationLayer {
	switch {
	case !v.Static.Passed:
		return models.LayerStatic
	case !v.Semantic.Passed:
		return models.LayerSemantic
	default:
		return models.LayerRegression
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
