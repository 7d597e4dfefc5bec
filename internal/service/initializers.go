// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/selfmod/audit"
	"github.com/xkilldash9x/selfmod/internal/selfmod/bus"
	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
)

// PoolOpener connects to the audit mirror database. It returns the pool and
// a function that closes it.
type PoolOpener func(ctx context.Context, url string, logger *zap.Logger) (audit.DBPool, func(), error)

// InitializePostgresPool opens and verifies a pgx connection pool.
func InitializePostgresPool(ctx context.Context, url string, logger *zap.Logger) (audit.DBPool, func(), error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	// The mirror writes one row per audit entry; a small pool is plenty.
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	logger.Info("Connected to audit mirror database.", zap.String("host", poolConfig.ConnConfig.Host))
	return pool, pool.Close, nil
}

// EventTopics lists every topic the event logger follows.
var EventTopics = []models.Topic{
	models.TopicPipelineStarted,
	models.TopicPipelinePhase,
	models.TopicPipelineIteration,
	models.TopicPipelineAnalyzed,
	models.TopicPipelineFixGenerated,
	models.TopicPipelineLowConfidence,
	models.TopicPipelineValidated,
	models.TopicPipelineValidationFailed,
	models.TopicPipelineCompleted,
	models.TopicPipelineModificationFailed,
	models.TopicPipelineFailed,
	models.TopicFileEdited,
	models.TopicFileCreated,
	models.TopicBackupCreated,
	models.TopicApplied,
	models.TopicRolledBack,
	models.TopicFailed,
	models.TopicApprovalNeeded,
	models.TopicApprovalReceived,
	models.TopicApprovalRejected,
}

// StartEventLogger subscribes to every event topic and writes each event to
// the log. It runs until the bus shuts down and manages wg itself.
func StartEventLogger(wg *sync.WaitGroup, b *bus.Bus, logger *zap.Logger) {
	events, unsubscribe := b.Subscribe(EventTopics...)
	log := logger.Named("events")

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer unsubscribe()

		for msg := range events {
			log.Debug("Event published.",
				zap.String("topic", string(msg.Topic)),
				zap.String("id", msg.ID),
				zap.Any("payload", msg.Payload),
			)
			b.Acknowledge(msg)
		}
	}()
}
