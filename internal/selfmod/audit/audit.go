// internal/selfmod/audit/audit.go
package audit

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
)

// Action names recorded in the audit trail.
const (
	ActionPipelineCompleted = "pipeline_completed"
	ActionPipelineFailed    = "pipeline_failed"
	ActionCriticalAbort     = "critical_abort"
	ActionRateLimited       = "rate_limited"
	ActionModification      = "modification"
	ActionRollback          = "rollback"
	ActionCommitFailed      = "commit_failed"
	ActionBatchApplied      = "batch_applied"
	ActionBatchRejected     = "batch_rejected"
	ActionFileEdited        = "file_edited"
	ActionFileCreated       = "file_created"
	ActionFileDeleted       = "file_deleted"
	ActionBackupRestored    = "backup_restored"
	ActionApprovalResolved  = "approval_resolved"
)

// maxLineSize bounds a single audit record when reading the log back. Longer
// lines are skipped as malformed.
const maxLineSize = 1024 * 1024

// Recorder is what producers of audit entries depend on.
type Recorder interface {
	Record(ctx context.Context, action string, success bool, details map[string]any)
}

// Sink mirrors audit entries to a secondary store.
type Sink interface {
	Write(ctx context.Context, entry models.AuditEntry) error
}

// Logger is an append-only JSON-lines audit trail. Writes are serialized.
type Logger struct {
	path   string
	logger *zap.Logger
	sink   Sink
	now    func() time.Time

	mu sync.Mutex
}

// Option configures a Logger.
type Option func(*Logger)

// WithSink mirrors every entry to s. Mirror failures are logged, never returned.
func WithSink(s Sink) Option {
	return func(l *Logger) { l.sink = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger creates an audit logger writing to path. The parent directory is
// created when missing.
func NewLogger(path string, logger *zap.Logger, opts ...Option) (*Logger, error) {
	if path == "" {
		return nil, errors.New("audit log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	l := &Logger{
		path:   path,
		logger: logger.Named("audit"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the audit file location.
func (l *Logger) Path() string { return l.path }

// Record appends an entry. Write failures are logged; the audit trail must not
// take down the caller.
func (l *Logger) Record(ctx context.Context, action string, success bool, details map[string]any) {
	entry := models.AuditEntry{
		Timestamp: l.now().UTC(),
		Action:    action,
		Success:   success,
		Details:   details,
	}
	if err := l.Append(ctx, entry); err != nil {
		l.logger.Error("Failed to write audit entry.", zap.String("action", action), zap.Error(err))
	}
}

// Append writes one entry as a single JSON line.
func (l *Logger) Append(ctx context.Context, entry models.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	l.mu.Lock()
	err = l.appendLine(data)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	if l.sink != nil {
		if sinkErr := l.sink.Write(ctx, entry); sinkErr != nil {
			l.logger.Warn("Failed to mirror audit entry.", zap.String("action", entry.Action), zap.Error(sinkErr))
		}
	}
	return nil
}

func (l *Logger) appendLine(data []byte) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// GetRecentEntries returns up to n of the newest entries, oldest first.
// Malformed lines are skipped. A missing log yields no entries.
func (l *Logger) GetRecentEntries(n int) ([]models.AuditEntry, error) {
	if n <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	// Ring of the last n parsed entries.
	ring := make([]models.AuditEntry, 0, n)
	start := 0

	r := bufio.NewReaderSize(f, 64*1024)
	var buf []byte
	skipped := 0
	for {
		line, oversized, readErr := nextLine(r, buf)
		buf = line
		if oversized {
			skipped++
		} else if rec := bytes.TrimSpace(line); len(rec) > 0 {
			var entry models.AuditEntry
			if err := json.Unmarshal(rec, &entry); err != nil || entry.Action == "" {
				skipped++
			} else if len(ring) < n {
				ring = append(ring, entry)
			} else {
				ring[start] = entry
				start = (start + 1) % n
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to read audit log: %w", readErr)
		}
	}
	if skipped > 0 {
		l.logger.Debug("Skipped malformed audit lines.", zap.Int("count", skipped))
	}

	out := make([]models.AuditEntry, 0, len(ring))
	out = append(out, ring[start:]...)
	out = append(out, ring[:start]...)
	return out, nil
}

// Nop discards every entry.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, string, bool, map[string]any) {}

// nextLine reads one line into buf, without keeping more than maxLineSize
// bytes of it. An over-long line is consumed to its end and reported as
// oversized. At the end of the file the final partial line is returned with
// io.EOF.
func nextLine(r *bufio.Reader, buf []byte) (line []byte, oversized bool, err error) {
	buf = buf[:0]
	for {
		chunk, readErr := r.ReadSlice('\n')
		if !oversized {
			if len(buf)+len(chunk) > maxLineSize {
				oversized = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(readErr, bufio.ErrBufferFull) {
			continue
		}
		return buf, oversized, readErr
	}
}
