// File: internal/service/components.go
package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/selfmod/approval"
	"github.com/xkilldash9x/selfmod/internal/selfmod/audit"
	"github.com/xkilldash9x/selfmod/internal/selfmod/bus"
	"github.com/xkilldash9x/selfmod/internal/selfmod/editor"
	"github.com/xkilldash9x/selfmod/internal/selfmod/pipeline"
	"github.com/xkilldash9x/selfmod/internal/selfmod/ratelimit"
	"github.com/xkilldash9x/selfmod/internal/selfmod/suggest"
	"github.com/xkilldash9x/selfmod/internal/selfmod/toolchain"
	"github.com/xkilldash9x/selfmod/internal/selfmod/vcs"
)

// eventDrainTimeout bounds how long Shutdown waits for the event logger.
const eventDrainTimeout = 5 * time.Second

// Components holds every initialized service a command needs and owns their
// shutdown order.
type Components struct {
	Root       string
	Bus        *bus.Bus
	Engine     *editor.Engine
	Limiter    *ratelimit.Limiter
	Audit      *audit.Logger
	Toolchain  *toolchain.Toolchain
	Committer  vcs.Committer
	Parser     *suggest.Parser
	Classifier *suggest.Classifier
	Pipeline   *pipeline.Pipeline
	Approval   *approval.Workflow

	logger *zap.Logger
	// closeDB releases the audit mirror's connection pool, when one was opened.
	closeDB func()
	// consumerWG tracks the event logger goroutine.
	consumerWG *sync.WaitGroup
}

// Shutdown releases resources in reverse dependency order. It is safe to call
// on partially initialized components.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Stop the bus. Subscriber channels close, which ends the event logger.
	if c.Bus != nil {
		c.Bus.Shutdown()
		logger.Debug("Event bus shut down.")
	}

	// 2. Wait for the event logger to finish.
	if c.consumerWG != nil {
		if !timedWait(c.consumerWG, eventDrainTimeout) {
			logger.Warn("Timed out waiting for the event logger to stop.")
		}
	}

	// 3. Close the database pool behind the audit mirror.
	if c.closeDB != nil {
		c.closeDB()
		c.closeDB = nil
		logger.Debug("Database connection pool closed.")
	}

	logger.Debug("All components shut down.")
}

// timedWait waits for wg and reports whether it finished within timeout.
func timedWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
