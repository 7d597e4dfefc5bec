// File: internal/service/initializers_test.go
package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/selfmod/internal/selfmod/bus"
	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
)

func TestStartEventLogger(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	b := bus.New(zap.NewNop(), 4)
	wg := &sync.WaitGroup{}
	StartEventLogger(wg, b, logger)

	ctx := context.Background()
	require.NoError(t, b.Post(ctx, models.TopicApplied, models.FileEvent{Path: "src/a.ts"}))
	require.NoError(t, b.Post(ctx, models.TopicApprovalRejected, nil))

	b.Shutdown()
	require.True(t, timedWait(wg, time.Second), "event logger must exit once the bus shuts down")

	entries := logs.FilterMessage("Event published.").All()
	topics := make([]string, 0, len(entries))
	for _, e := range entries {
		topics = append(topics, e.ContextMap()["topic"].(string))
	}
	// Buffered events may be drained by the bus instead of the logger.
	assert.Subset(t, []string{string(models.TopicApplied), string(models.TopicApprovalRejected)}, topics)
}

func TestInitializePostgresPool_BadURL(t *testing.T) {
	_, _, err := InitializePostgresPool(context.Background(), "postgres://user@localhost:notaport/db", zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to parse PGX pool config")
}

func TestTimedWait(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		wg := &sync.WaitGroup{}
		wg.Add(1)
		go func() {
			time.Sleep(10 * time.Millisecond)
			wg.Done()
		}()
		assert.True(t, timedWait(wg, time.Second))
	})

	t.Run("Timeout", func(t *testing.T) {
		wg := &sync.WaitGroup{}
		wg.Add(1)
		assert.False(t, timedWait(wg, 10*time.Millisecond))
		wg.Done()
	})
}

func TestComponents_ShutdownPartial(t *testing.T) {
	closed := 0
	c := &Components{closeDB: func() { closed++ }}
	c.Shutdown()
	c.Shutdown()
	assert.Equal(t, 1, closed)
}
