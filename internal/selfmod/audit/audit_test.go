package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
)

func newTestAuditLogger(t *testing.T, opts ...Option) *Logger {
	t.Helper()
	l, err := NewLogger(filepath.Join(t.TempDir(), "data", "audit.jsonl"), zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return l
}

func TestLogger_RecordAndRead(t *testing.T) {
	l := newTestAuditLogger(t)
	ctx := context.Background()

	l.Record(ctx, ActionModification, true, map[string]any{"file": "src/a.ts"})
	l.Record(ctx, ActionRollback, false, nil)

	entries, err := l.GetRecentEntries(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionModification, entries[0].Action)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "src/a.ts", entries[0].Details["file"])
	assert.Equal(t, ActionRollback, entries[1].Action)
	assert.False(t, entries[1].Success)
}

func TestLogger_GetRecentEntriesReturnsTail(t *testing.T) {
	l := newTestAuditLogger(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		l.Record(ctx, fmt.Sprintf("action-%d", i), true, nil)
	}

	entries, err := l.GetRecentEntries(3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "action-4", entries[0].Action)
	assert.Equal(t, "action-5", entries[1].Action)
	assert.Equal(t, "action-6", entries[2].Action)
}

func TestLogger_SkipsMalformedLines(t *testing.T) {
	l := newTestAuditLogger(t)
	ctx := context.Background()

	l.Record(ctx, "first", true, nil)
	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("this is not json\n{\"truncated\": \n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	l.Record(ctx, "second", false, nil)

	entries, err := l.GetRecentEntries(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Action)
	assert.Equal(t, "second", entries[1].Action)
}

func TestLogger_SkipsOversizedLines(t *testing.T) {
	l := newTestAuditLogger(t)
	ctx := context.Background()

	l.Record(ctx, "before", true, nil)
	l.Record(ctx, "huge", false, map[string]any{"error": strings.Repeat("x", 2*maxLineSize)})
	l.Record(ctx, "after", true, map[string]any{"file": "src/a.ts"})

	entries, err := l.GetRecentEntries(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "before", entries[0].Action)
	assert.Equal(t, "after", entries[1].Action)
	assert.Equal(t, "src/a.ts", entries[1].Details["file"])
}

func TestLogger_ReadsFinalLineWithoutNewline(t *testing.T) {
	l := newTestAuditLogger(t)
	l.Record(context.Background(), "first", true, nil)

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"timestamp":"2026-03-01T12:00:00Z","action":"last","success":true}`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := l.GetRecentEntries(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "last", entries[1].Action)
}

func TestLogger_MissingFileYieldsNoEntries(t *testing.T) {
	l := newTestAuditLogger(t)

	entries, err := l.GetRecentEntries(5)
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = l.GetRecentEntries(0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogger_IsAppendOnly(t *testing.T) {
	l := newTestAuditLogger(t)
	ctx := context.Background()

	l.Record(ctx, "one", true, nil)
	before, err := os.ReadFile(l.Path())
	require.NoError(t, err)

	l.Record(ctx, "two", true, nil)
	after, err := os.ReadFile(l.Path())
	require.NoError(t, err)

	assert.Equal(t, before, after[:len(before)], "existing records are never rewritten")
}

func TestLogger_ConcurrentWrites(t *testing.T) {
	l := newTestAuditLogger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Record(ctx, fmt.Sprintf("concurrent-%d", i), true, map[string]any{"i": i})
		}(i)
	}
	wg.Wait()

	entries, err := l.GetRecentEntries(100)
	require.NoError(t, err)
	assert.Len(t, entries, 40, "no interleaved or lost lines")
}

type recordingSink struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	err     error
}

func (s *recordingSink) Write(_ context.Context, e models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func TestLogger_MirrorsToSink(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sink := &recordingSink{}
	l := newTestAuditLogger(t, WithSink(sink), WithClock(func() time.Time { return fixed }))

	l.Record(context.Background(), ActionBatchApplied, true, map[string]any{"count": 2})

	require.Len(t, sink.entries, 1)
	assert.Equal(t, fixed, sink.entries[0].Timestamp)
	assert.Equal(t, ActionBatchApplied, sink.entries[0].Action)
}

func TestLogger_SinkFailureIsNotFatal(t *testing.T) {
	sink := &recordingSink{err: errors.New("db down")}
	l := newTestAuditLogger(t, WithSink(sink))

	require.NoError(t, l.Append(context.Background(), models.AuditEntry{Action: "x", Timestamp: time.Now()}))

	entries, err := l.GetRecentEntries(1)
	require.NoError(t, err)
	require.Len(t, entries, 1, "local trail is written even when the mirror fails")
}

func TestNewLogger_RequiresPath(t *testing.T) {
	_, err := NewLogger("", zaptest.NewLogger(t))
	assert.Error(t, err)
}
