// internal/selfmod/watcher/watcher.go
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hpcloud/tail"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const (
	// DefaultIdleFlush is how long a block may stay open without new lines.
	DefaultIdleFlush = 200 * time.Millisecond
	// DefaultCooldown suppresses identical blocks reported in quick succession.
	DefaultCooldown = time.Minute

	maxBlockLines = 200
	queueSize     = 16
)

// -- Regex Definitions --
var (
	// A line that begins a new log entry and so terminates an open block.
	newEntryRegex = regexp.MustCompile(`^(\d{4}[-/]\d{2}[-/]\d{2}|\[\d{4}[-/]|\{.*"(?:ts|time|level)":|(?:INFO|WARN|WARNING|ERROR|DEBUG|FATAL)\b)`)
	// A line that opens an error block.
	errorStartRegex = regexp.MustCompile(`(?i)(^panic:|^fatal error:|^traceback \(most recent call last\)|\b\w*(?:error|exception)\b\s*[:\[]|"level":"(?:error|dpanic|panic|fatal)"|^\s*FAIL\b|\berror TS\d+)`)
)

// Block is one grouped error report read from the log.
type Block struct {
	ID         string
	Lines      []string
	Text       string
	DetectedAt time.Time
}

// Handler receives completed blocks. Calls are serialized.
type Handler func(ctx context.Context, b Block)

// Config controls what is tailed and how blocks are grouped.
type Config struct {
	LogFile string
	// IdleFlush closes an open block after this long without new lines.
	IdleFlush time.Duration
	// Cooldown drops a block identical to one dispatched within this window.
	Cooldown time.Duration
	// FromStart reads the existing content instead of only new lines.
	FromStart bool
	// Poll uses stat polling instead of filesystem notifications.
	Poll bool
}

// Watcher tails an application log and dispatches error blocks.
type Watcher struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// New creates a watcher. The log file must be configured.
func New(cfg Config, handler Handler, logger *zap.Logger) (*Watcher, error) {
	if cfg.LogFile == "" {
		return nil, errors.New("watcher.log_file must be configured")
	}
	if handler == nil {
		return nil, errors.New("watcher requires a handler")
	}
	if cfg.IdleFlush <= 0 {
		cfg.IdleFlush = DefaultIdleFlush
	}
	return &Watcher{
		cfg:     cfg,
		handler: handler,
		logger:  logger.Named("watcher"),
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}, nil
}

// Run tails the log until ctx is done. Blocks still being assembled when ctx
// ends are dropped; a block already handed to the handler finishes first.
func (w *Watcher) Run(ctx context.Context) error {
	whence := io.SeekEnd
	if w.cfg.FromStart {
		whence = io.SeekStart
	}
	t, err := tail.TailFile(w.cfg.LogFile, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Poll:      w.cfg.Poll,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail log file: %w", err)
	}
	w.logger.Info("Watching log for errors.", zap.String("log_file", w.cfg.LogFile))

	queue := make(chan Block, queueSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for b := range queue {
			w.handler(ctx, b)
		}
	}()

	w.monitorLoop(ctx, t, queue)
	close(queue)
	wg.Wait()

	// The tailer blocks on unread lines, so keep draining until it closes.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range t.Lines {
		}
	}()
	if err := t.Stop(); err != nil {
		w.logger.Debug("Tailer stopped with error.", zap.Error(err))
	}
	<-drained
	t.Cleanup()
	return nil
}

func (w *Watcher) monitorLoop(ctx context.Context, t *tail.Tail, queue chan<- Block) {
	var asm assembler
	idle := time.NewTimer(w.cfg.IdleFlush)
	if !idle.Stop() {
		<-idle.C
	}
	stopIdle := func() {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
	}
	dispatch := func(lines []string) {
		if len(lines) > 0 {
			w.dispatch(queue, lines)
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopIdle()
			w.logger.Info("Stopping log watcher.")
			return

		case line, ok := <-t.Lines:
			if !ok {
				dispatch(asm.flush())
				w.logger.Info("Log tailer closed.")
				return
			}
			if line.Err != nil {
				w.logger.Warn("Error reading from log file.", zap.Error(line.Err))
				continue
			}
			done, open := asm.feed(line.Text)
			dispatch(done)
			stopIdle()
			if open {
				idle.Reset(w.cfg.IdleFlush)
			}

		case <-idle.C:
			dispatch(asm.flush())
		}
	}
}

// dispatch hands a block to the worker unless it is a recent duplicate or
// the queue is full.
func (w *Watcher) dispatch(queue chan<- Block, lines []string) {
	text := blockText(lines)
	if text == "" {
		return
	}
	now := w.now()
	if w.duplicate(text, now) {
		w.logger.Debug("Skipping repeated error block.")
		return
	}

	b := Block{ID: uuid.NewString(), Lines: lines, Text: text, DetectedAt: now}
	select {
	case queue <- b:
		w.logger.Info("Error block detected.", zap.String("id", b.ID), zap.Int("lines", len(lines)))
	default:
		w.logger.Warn("Handler is busy; dropping error block.", zap.String("id", b.ID))
	}
}

func (w *Watcher) duplicate(text string, now time.Time) bool {
	if w.cfg.Cooldown <= 0 {
		return false
	}
	sum := sha256.Sum256([]byte(text))
	key := hex.EncodeToString(sum[:])

	w.mu.Lock()
	defer w.mu.Unlock()
	for k, at := range w.seen {
		if now.Sub(at) >= w.cfg.Cooldown {
			delete(w.seen, k)
		}
	}
	if _, ok := w.seen[key]; ok {
		return true
	}
	w.seen[key] = now
	return false
}

// -- Block assembly --

// assembler groups raw lines into error blocks. An error line opens a block;
// every following line joins it until a new log entry starts, the size cap
// is hit or the caller flushes on idle.
type assembler struct {
	lines []string
}

// feed consumes one line. It returns a completed block, if any, and whether
// a block is open afterwards.
func (a *assembler) feed(line string) (done []string, open bool) {
	line = strings.TrimRight(line, "\r")
	isNewEntry := newEntryRegex.MatchString(line)
	isError := errorStartRegex.MatchString(line)

	if len(a.lines) > 0 && (isNewEntry || len(a.lines) >= maxBlockLines) {
		done = a.flush()
	}
	switch {
	case len(a.lines) > 0:
		a.lines = append(a.lines, line)
	case isError:
		a.lines = []string{line}
	}
	return done, len(a.lines) > 0
}

func (a *assembler) flush() []string {
	out := a.lines
	a.lines = nil
	return out
}

// zapEntry is the subset of a structured log line used to rebuild a trace.
type zapEntry struct {
	Msg        string `json:"msg"`
	Error      string `json:"error"`
	Stacktrace string `json:"stacktrace"`
}

// blockText renders a block. A structured first line is expanded into its
// message, error and embedded stack trace.
func blockText(lines []string) string {
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return ""
	}

	first := strings.TrimSpace(lines[0])
	if strings.HasPrefix(first, "{") {
		var entry zapEntry
		if err := json.UnmarshalFromString(first, &entry); err == nil {
			var parts []string
			for _, p := range []string{entry.Error, entry.Msg, entry.Stacktrace} {
				if p != "" {
					parts = append(parts, p)
				}
			}
			parts = append(parts, lines[1:]...)
			return strings.Join(parts, "\n")
		}
	}
	return strings.Join(lines, "\n")
}
