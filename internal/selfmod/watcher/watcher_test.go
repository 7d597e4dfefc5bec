// internal/selfmod/watcher/watcher_test.go
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

// --- Unit Tests (Block Assembly) ---

func feedAll(a *assembler, lines ...string) [][]string {
	var blocks [][]string
	for _, l := range lines {
		if done, _ := a.feed(l); len(done) > 0 {
			blocks = append(blocks, done)
		}
	}
	if rest := a.flush(); len(rest) > 0 {
		blocks = append(blocks, rest)
	}
	return blocks
}

func TestAssembler(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		lines []string
		want  [][]string
	}{
		{
			name: "Node stack ends at next entry",
			lines: []string{
				"[2024-01-01 10:00:00] INFO started",
				"TypeError: Cannot read properties of undefined (reading 'name')",
				"    at getName (src/user.ts:3:18)",
				"    at main (src/index.ts:1:1)",
				"[2024-01-01 10:00:01] INFO next",
			},
			want: [][]string{{
				"TypeError: Cannot read properties of undefined (reading 'name')",
				"    at getName (src/user.ts:3:18)",
				"    at main (src/index.ts:1:1)",
			}},
		},
		{
			name: "Go panic keeps blank and frame lines",
			lines: []string{
				"panic: runtime error: invalid memory address or nil pointer dereference",
				"",
				"goroutine 1 [running]:",
				"main.process()",
				"\t/app/src/processor.go:42 +0x1d",
			},
			want: [][]string{{
				"panic: runtime error: invalid memory address or nil pointer dereference",
				"",
				"goroutine 1 [running]:",
				"main.process()",
				"\t/app/src/processor.go:42 +0x1d",
			}},
		},
		{
			name: "Python traceback includes the final error line",
			lines: []string{
				"Traceback (most recent call last):",
				`  File "app/main.py", line 3, in <module>`,
				"    print(user.name)",
				"AttributeError: 'NoneType' object has no attribute 'name'",
			},
			want: [][]string{{
				"Traceback (most recent call last):",
				`  File "app/main.py", line 3, in <module>`,
				"    print(user.name)",
				"AttributeError: 'NoneType' object has no attribute 'name'",
			}},
		},
		{
			name: "Error entry directly after another starts a new block",
			lines: []string{
				`ERROR first failure: boom`,
				`    at a (src/a.ts:1:1)`,
				`ERROR second failure: bang`,
			},
			want: [][]string{
				{`ERROR first failure: boom`, `    at a (src/a.ts:1:1)`},
				{`ERROR second failure: bang`},
			},
		},
		{
			name:  "Ordinary lines are ignored",
			lines: []string{"INFO listening on :8080", "request served", "WARN slow request"},
			want:  nil,
		},
		{
			name:  "Carriage returns are stripped",
			lines: []string{"SyntaxError: Unexpected token\r", "    at x.js:1:1\r"},
			want:  [][]string{{"SyntaxError: Unexpected token", "    at x.js:1:1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var a assembler
			assert.Equal(t, tt.want, feedAll(&a, tt.lines...))
		})
	}
}

func TestAssembler_SizeCap(t *testing.T) {
	var a assembler
	_, open := a.feed("Error: overflow")
	require.True(t, open)
	for i := 1; i < maxBlockLines; i++ {
		done, _ := a.feed("    at frame")
		require.Empty(t, done)
	}
	done, _ := a.feed("    at one too many")
	assert.Len(t, done, maxBlockLines)
	assert.Empty(t, a.flush(), "lines past the cap do not open a new block by themselves")
}

func TestBlockText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Error: x\n    at a.js:1:1", blockText([]string{"Error: x", "    at a.js:1:1", "", "  "}))
	assert.Empty(t, blockText([]string{"", " "}))

	structured := `{"level":"error","ts":1700000000,"msg":"Request failed.","error":"TypeError: boom","stacktrace":"main.handle\n\tsrc/server.go:12"}`
	assert.Equal(t, "TypeError: boom\nRequest failed.\nmain.handle\n\tsrc/server.go:12", blockText([]string{structured}))

	// Malformed JSON is kept verbatim.
	assert.Equal(t, `{"level":"error", broken`, blockText([]string{`{"level":"error", broken`}))
}

func TestWatcher_Duplicate(t *testing.T) {
	w, err := New(Config{LogFile: "app.log", Cooldown: time.Minute}, func(context.Context, Block) {}, zaptest.NewLogger(t))
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	assert.False(t, w.duplicate("Error: x", now))
	assert.True(t, w.duplicate("Error: x", now.Add(30*time.Second)))
	assert.False(t, w.duplicate("Error: y", now.Add(30*time.Second)))
	assert.False(t, w.duplicate("Error: x", now.Add(2*time.Minute)), "expired entries are forgotten")
}

func TestNew_Validation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, err := New(Config{}, func(context.Context, Block) {}, logger)
	assert.Error(t, err)
	_, err = New(Config{LogFile: "app.log"}, nil, logger)
	assert.Error(t, err)

	w, err := New(Config{LogFile: "app.log"}, func(context.Context, Block) {}, logger)
	require.NoError(t, err)
	assert.Equal(t, DefaultIdleFlush, w.cfg.IdleFlush)
}

// --- Integration Tests (Log Tailing) ---

func setupWatcher(t *testing.T, cfg Config) (*Watcher, string, <-chan Block) {
	t.Helper()
	logFile := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(logFile, nil, 0o644))

	blocks := make(chan Block, 10)
	cfg.LogFile = logFile
	cfg.FromStart = true
	cfg.Poll = true
	if cfg.IdleFlush == 0 {
		cfg.IdleFlush = 50 * time.Millisecond
	}
	w, err := New(cfg, func(_ context.Context, b Block) { blocks <- b }, zaptest.NewLogger(t))
	require.NoError(t, err)
	return w, logFile, blocks
}

func appendLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func waitBlock(t *testing.T, blocks <-chan Block) Block {
	t.Helper()
	select {
	case b := <-blocks:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an error block")
		return Block{}
	}
}

func TestWatcher_Run(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	w, logFile, blocks := setupWatcher(t, Config{Cooldown: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Terminated by the next entry.
	appendLog(t, logFile, "[2024-01-01 10:00:00] INFO started\n"+
		"TypeError: Cannot read properties of undefined (reading 'name')\n"+
		"    at getName (src/user.ts:3:18)\n"+
		"[2024-01-01 10:00:01] INFO next\n")
	b := waitBlock(t, blocks)
	assert.Equal(t, "TypeError: Cannot read properties of undefined (reading 'name')\n    at getName (src/user.ts:3:18)", b.Text)
	assert.NotEmpty(t, b.ID)
	assert.False(t, b.DetectedAt.IsZero())

	// Terminated by the idle timer.
	appendLog(t, logFile, "panic: runtime error: index out of range\n\tsrc/main.go:10\n")
	b = waitBlock(t, blocks)
	assert.True(t, strings.HasPrefix(b.Text, "panic: runtime error: index out of range"))

	// The same block again inside the cooldown is not dispatched.
	appendLog(t, logFile, "panic: runtime error: index out of range\n\tsrc/main.go:10\n")
	select {
	case b := <-blocks:
		t.Fatalf("duplicate block dispatched: %q", b.Text)
	case <-time.After(700 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_RunMissingFile(t *testing.T) {
	w, err := New(Config{LogFile: filepath.Join(t.TempDir(), "missing.log")}, func(context.Context, Block) {}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Error(t, w.Run(context.Background()))
}
