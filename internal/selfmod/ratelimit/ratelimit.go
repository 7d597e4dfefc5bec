// internal/selfmod/ratelimit/ratelimit.go
package ratelimit

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/selfmod/internal/selfmod/fsutil"
	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
)

// Window is the trailing period over which modifications are counted.
const Window = time.Hour

// Config controls the limiter's cap and breaker.
type Config struct {
	MaxPerHour       int
	FailureThreshold int
	// StateFile, when set, persists the limiter state across process runs.
	StateFile string
}

// Limiter is a sliding-window rate limiter with a consecutive-failure circuit
// breaker. It is safe for concurrent use.
type Limiter struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	state models.RateLimiterState

	warn rate.Sometimes
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New builds a Limiter. When cfg.StateFile exists, its state is loaded.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Limiter, error) {
	if cfg.MaxPerHour <= 0 {
		return nil, fmt.Errorf("max modifications per hour must be positive, got %d", cfg.MaxPerHour)
	}
	if cfg.FailureThreshold <= 0 {
		return nil, fmt.Errorf("failure threshold must be positive, got %d", cfg.FailureThreshold)
	}

	l := &Limiter{
		cfg:    cfg,
		logger: logger.Named("rate_limiter"),
		now:    time.Now,
		warn:   rate.Sometimes{Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(l)
	}

	if cfg.StateFile != "" {
		if err := l.load(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// CanModify reports whether another modification is permitted right now.
func (l *Limiter) CanModify() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.Paused {
		l.warn.Do(func() {
			l.logger.Warn("Auto-modification is paused by the circuit breaker.",
				zap.Int("consecutive_failures", l.state.ConsecutiveFailures))
		})
		return false
	}

	count := len(l.pruneLocked())
	if count >= l.cfg.MaxPerHour {
		l.warn.Do(func() {
			l.logger.Warn("Modification rate limit reached.",
				zap.Int("count", count), zap.Int("max_per_hour", l.cfg.MaxPerHour))
		})
		return false
	}
	return true
}

// Remaining returns how many modifications the window still admits. A paused
// limiter admits none.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.Paused {
		return 0
	}
	remaining := l.cfg.MaxPerHour - len(l.pruneLocked())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordModification appends now to the window and resets the failure counter.
func (l *Limiter) RecordModification() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked()
	l.state.Modifications = append(l.state.Modifications, l.now())
	l.state.ConsecutiveFailures = 0
	l.persistLocked()
}

// Reserve checks and claims n modifications under one lock hold, so
// concurrent callers can never admit more than the cap between them. The
// claimed slots count against the window until release is called; release
// is for changes that were refused or rolled back and is safe to call more
// than once.
func (l *Limiter) Reserve(n int) (release func(), ok bool) {
	if n <= 0 {
		return func() {}, true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.Paused {
		l.warn.Do(func() {
			l.logger.Warn("Auto-modification is paused by the circuit breaker.",
				zap.Int("consecutive_failures", l.state.ConsecutiveFailures))
		})
		return nil, false
	}
	count := len(l.pruneLocked())
	if count+n > l.cfg.MaxPerHour {
		l.warn.Do(func() {
			l.logger.Warn("Modification rate limit reached.",
				zap.Int("count", count), zap.Int("requested", n), zap.Int("max_per_hour", l.cfg.MaxPerHour))
		})
		return nil, false
	}

	at := l.now()
	for i := 0; i < n; i++ {
		l.state.Modifications = append(l.state.Modifications, at)
	}
	l.persistLocked()

	var once sync.Once
	return func() { once.Do(func() { l.unreserve(at, n) }) }, true
}

// RecordSuccess resets the failure counter after a reserved change was kept.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.ConsecutiveFailures == 0 {
		return
	}
	l.state.ConsecutiveFailures = 0
	l.persistLocked()
}

// unreserve drops up to n timestamps equal to at.
func (l *Limiter) unreserve(at time.Time, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.state.Modifications[:0]
	for _, ts := range l.state.Modifications {
		if n > 0 && ts.Equal(at) {
			n--
			continue
		}
		kept = append(kept, ts)
	}
	l.state.Modifications = kept
	l.persistLocked()
}

// RecordFailure increments the failure counter and trips the breaker at the threshold.
func (l *Limiter) RecordFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state.ConsecutiveFailures++
	if !l.state.Paused && l.state.ConsecutiveFailures >= l.cfg.FailureThreshold {
		l.state.Paused = true
		l.logger.Error("Circuit breaker tripped; auto-modification paused until resumed.",
			zap.Int("consecutive_failures", l.state.ConsecutiveFailures))
	}
	l.persistLocked()
}

// Resume clears the paused flag and the failure counter.
func (l *Limiter) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state.Paused = false
	l.state.ConsecutiveFailures = 0
	l.logger.Info("Auto-modification resumed.")
	l.persistLocked()
}

// State returns a copy of the current state with expired timestamps dropped.
func (l *Limiter) State() models.RateLimiterState {
	l.mu.Lock()
	defer l.mu.Unlock()

	mods := l.pruneLocked()
	out := l.state
	out.Modifications = append([]time.Time(nil), mods...)
	return out
}

// pruneLocked drops timestamps older than the window. Caller holds mu.
func (l *Limiter) pruneLocked() []time.Time {
	cutoff := l.now().Add(-Window)
	kept := l.state.Modifications[:0]
	for _, ts := range l.state.Modifications {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.state.Modifications = kept
	return kept
}

func (l *Limiter) load() error {
	data, err := os.ReadFile(l.cfg.StateFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read rate limiter state: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &l.state); err != nil {
		// A corrupt state file must not block the process; start fresh.
		l.logger.Warn("Ignoring unreadable rate limiter state file.",
			zap.String("path", l.cfg.StateFile), zap.Error(err))
		l.state = models.RateLimiterState{}
	}
	return nil
}

// persistLocked writes the state file atomically. Failures are logged only.
func (l *Limiter) persistLocked() {
	if l.cfg.StateFile == "" {
		return
	}
	data, err := json.MarshalIndent(l.state, "", "  ")
	if err != nil {
		l.logger.Error("Failed to encode rate limiter state.", zap.Error(err))
		return
	}
	if err := fsutil.AtomicWrite(l.cfg.StateFile, data, 0o644); err != nil {
		l.logger.Error("Failed to persist rate limiter state.", zap.String("path", l.cfg.StateFile), zap.Error(err))
	}
}
