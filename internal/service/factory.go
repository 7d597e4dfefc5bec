// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/config"
	"github.com/xkilldash9x/selfmod/internal/selfmod/approval"
	"github.com/xkilldash9x/selfmod/internal/selfmod/audit"
	"github.com/xkilldash9x/selfmod/internal/selfmod/bus"
	"github.com/xkilldash9x/selfmod/internal/selfmod/editor"
	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
	"github.com/xkilldash9x/selfmod/internal/selfmod/pipeline"
	"github.com/xkilldash9x/selfmod/internal/selfmod/ratelimit"
	"github.com/xkilldash9x/selfmod/internal/selfmod/suggest"
	"github.com/xkilldash9x/selfmod/internal/selfmod/toolchain"
	"github.com/xkilldash9x/selfmod/internal/selfmod/vcs"
)

// eventBufferSize is the per-subscriber buffer of the event bus.
const eventBufferSize = 64

// ComponentFactory creates the set of components a command runs against.
// Commands depend on this interface so tests can substitute it.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// FactoryOption configures the production factory.
type FactoryOption func(*concreteFactory)

// WithPoolOpener replaces how the audit mirror database is opened.
func WithPoolOpener(open PoolOpener) FactoryOption {
	return func(f *concreteFactory) { f.openPool = open }
}

// WithSkill sets the fix strategy consulted by the pipeline.
func WithSkill(s pipeline.Skill) FactoryOption {
	return func(f *concreteFactory) { f.skill = s }
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	openPool PoolOpener
	skill    pipeline.Skill
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory(opts ...FactoryOption) ComponentFactory {
	f := &concreteFactory{openPool: InitializePostgresPool}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create wires every component from cfg. When a step fails, everything built
// so far is shut down before the error is returned.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (c *Components, err error) {
	components := &Components{logger: logger, consumerWG: &sync.WaitGroup{}}
	defer func() {
		if err != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(err))
			components.Shutdown()
		}
	}()

	// 1. Workspace root
	root, err := filepath.Abs(cfg.Workspace().Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	components.Root = root
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}

	// 2. Event bus and its logger
	components.Bus = bus.New(logger, eventBufferSize)
	StartEventLogger(components.consumerWG, components.Bus, logger)

	// 3. Edit engine
	ws := cfg.Workspace()
	engine, err := editor.NewEngine(editor.Config{
		Root:             root,
		BackupDir:        resolve(ws.BackupDir),
		ProtectedDirs:    ws.ProtectedDirs,
		CriticalPatterns: ws.CriticalPatterns,
		MaxFileSize:      ws.MaxFileSize,
	}, logger, editor.WithPublisher(components.Bus))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize edit engine: %w", err)
	}
	components.Engine = engine
	logger.Debug("Edit engine initialized.", zap.String("root", engine.Root()))

	// 4. Rate limiter
	rl := cfg.RateLimit()
	limiter, err := ratelimit.New(ratelimit.Config{
		MaxPerHour:       rl.MaxPerHour,
		FailureThreshold: rl.FailureThreshold,
		StateFile:        resolve(rl.StateFile),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
	}
	components.Limiter = limiter

	// 5. Audit trail, mirrored to Postgres when configured
	var auditOpts []audit.Option
	if url := cfg.Audit().PostgresURL; url != "" {
		pool, closePool, err := f.openPool(ctx, url, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect audit mirror: %w", err)
		}
		components.closeDB = closePool
		sink, err := audit.NewPostgresSink(ctx, pool, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audit mirror: %w", err)
		}
		auditOpts = append(auditOpts, audit.WithSink(sink))
	}
	auditLog, err := audit.NewLogger(resolve(cfg.Audit().LogFile), logger, auditOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
	}
	components.Audit = auditLog

	// 6. External checks and version control
	tc := cfg.Toolchain()
	components.Toolchain = toolchain.New(root, toolchain.Config{
		TypeCheckCommand: toolchain.ParseCommand(tc.TypeCheckCommand),
		LintCommand:      toolchain.ParseCommand(tc.LintCommand),
		TestCommand:      toolchain.ParseCommand(tc.TestCommand),
		CheckTimeout:     tc.CheckTimeout,
		TestTimeout:      tc.TestTimeout,
	}, logger)
	components.Committer = vcs.NewGitCommitter(root, vcs.Author{
		Name:  cfg.Git().AuthorName,
		Email: cfg.Git().AuthorEmail,
	}, logger)

	// 7. Suggestion parsing and classification
	risk := cfg.Risk()
	components.Parser = suggest.NewParser(suggest.DefaultExtractors()...)
	components.Classifier = suggest.NewClassifier(suggest.RiskConfig{
		ProtectedPatterns: risk.ProtectedPatterns,
		MinConfidence:     risk.MinConfidence,
		AutoApply:         risk.AutoApply,
	})

	// 8. Pipeline
	pipeCfg, err := PipelineConfig(cfg.Pipeline())
	if err != nil {
		return nil, err
	}
	opts := []pipeline.Option{
		pipeline.WithClassifier(components.Classifier),
		pipeline.WithCommitter(components.Committer),
		pipeline.WithAuditor(auditLog),
		pipeline.WithPublisher(components.Bus),
	}
	if f.skill != nil {
		opts = append(opts, pipeline.WithSkill(f.skill))
	}
	p, err := pipeline.New(pipeCfg, engine, limiter, components.Toolchain, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	components.Pipeline = p

	// 9. Approval workflow
	components.Approval = approval.NewWorkflow(p, components.Classifier, logger,
		approval.WithPublisher(components.Bus),
		approval.WithAuditor(auditLog),
	)

	logger.Debug("All components initialized.")
	return components, nil
}

// PipelineConfig translates the pipeline section of the configuration.
func PipelineConfig(pc config.PipelineConfig) (pipeline.Config, error) {
	levels := make([]models.RiskLevel, 0, len(pc.AllowedRiskLevels))
	for _, s := range pc.AllowedRiskLevels {
		lvl, ok := models.ParseRiskLevel(s)
		if !ok {
			return pipeline.Config{}, fmt.Errorf("unknown risk level %q", s)
		}
		levels = append(levels, lvl)
	}
	return pipeline.Config{
		MaxIterations:     pc.MaxIterations,
		MinConfidence:     pc.MinConfidence,
		AllowedRiskLevels: levels,
		AutoCommit:        pc.AutoCommit,
		MaxBatchSize:      pc.MaxBatchSize,
		Timeouts: pipeline.Timeouts{
			Analyze:  pc.Timeouts.Analyze,
			Generate: pc.Timeouts.Generate,
			Validate: pc.Timeouts.Validate,
			Apply:    pc.Timeouts.Apply,
		},
	}, nil
}
