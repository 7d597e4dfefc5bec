// internal/selfmod/audit/postgres.go
package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
)

// DBPool abstracts pgxpool.Pool so the sink can be mocked in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CreateTableSQL provisions the mirror table.
const CreateTableSQL = `CREATE TABLE IF NOT EXISTS selfmod_audit (
	id         BIGSERIAL PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	action     TEXT NOT NULL,
	success    BOOLEAN NOT NULL,
	details    JSONB
)`

const insertSQL = `INSERT INTO selfmod_audit (ts, action, success, details) VALUES ($1, $2, $3, $4)`

// PostgresSink mirrors audit entries into the selfmod_audit table.
type PostgresSink struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgresSink verifies the connection and ensures the table exists.
func NewPostgresSink(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresSink, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, CreateTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return &PostgresSink{
		pool: pool,
		log:  logger.Named("audit_pg"),
	}, nil
}

// Write inserts one entry.
func (s *PostgresSink) Write(ctx context.Context, entry models.AuditEntry) error {
	var details []byte
	if len(entry.Details) > 0 {
		var err error
		details, err = json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
	}

	tag, err := s.pool.Exec(ctx, insertSQL, entry.Timestamp, entry.Action, entry.Success, details)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	s.log.Debug("Mirrored audit entry.", zap.String("action", entry.Action), zap.Int64("rows", tag.RowsAffected()))
	return nil
}
