// internal/selfmod/pipeline/mocks_test.go
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/selfmod/internal/selfmod/editor"
	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
	"github.com/xkilldash9x/selfmod/internal/selfmod/toolchain"
)

// MockGenerator is a mock implementation of FixGenerator.
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, req FixRequest) (*models.FixProposal, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	// Hand out a copy so the pipeline's mutations do not leak between iterations.
	p := *args.Get(0).(*models.FixProposal)
	return &p, args.Error(1)
}

// MockCommitter is a mock implementation of vcs.Committer.
type MockCommitter struct {
	mock.Mock
}

func (m *MockCommitter) Commit(ctx context.Context, files []string, message string) (*models.CommitInfo, error) {
	args := m.Called(ctx, files, message)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CommitInfo), args.Error(1)
}

// fakeChecker passes everything unless a hook says otherwise.
type fakeChecker struct {
	mu        sync.Mutex
	typeCheck func(files []string) toolchain.CheckResult
	lint      func(files []string) toolchain.CheckResult
	tests     func(files []string) toolchain.TestReport

	typeCalls [][]string
	lintCalls [][]string
	testCalls [][]string
}

func (c *fakeChecker) TypeCheck(_ context.Context, files ...string) toolchain.CheckResult {
	c.mu.Lock()
	c.typeCalls = append(c.typeCalls, files)
	hook := c.typeCheck
	c.mu.Unlock()
	if hook != nil {
		return hook(files)
	}
	return toolchain.CheckResult{Name: "typecheck", Passed: true}
}

func (c *fakeChecker) Lint(_ context.Context, files ...string) toolchain.CheckResult {
	c.mu.Lock()
	c.lintCalls = append(c.lintCalls, files)
	hook := c.lint
	c.mu.Unlock()
	if hook != nil {
		return hook(files)
	}
	return toolchain.CheckResult{Name: "lint", Passed: true}
}

func (c *fakeChecker) RunTests(_ context.Context, files ...string) toolchain.TestReport {
	c.mu.Lock()
	c.testCalls = append(c.testCalls, files)
	hook := c.tests
	c.mu.Unlock()
	if hook != nil {
		return hook(files)
	}
	return toolchain.TestReport{
		CheckResult: toolchain.CheckResult{Name: "tests", Passed: true},
		TestsRun:    len(files),
		TestsPassed: len(files),
	}
}

func (c *fakeChecker) calls() (types, lints, tests int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.typeCalls), len(c.lintCalls), len(c.testCalls)
}

func failedTests(run, failed int) toolchain.TestReport {
	return toolchain.TestReport{
		CheckResult: toolchain.CheckResult{Name: "tests", ExitCode: 1, Output: "FAIL", Err: models.ErrSubprocessFailure},
		TestsRun:    run,
		TestsPassed: run - failed,
		TestsFailed: failed,
	}
}

// fakeLimiter hands out a fixed number of modifications.
type fakeLimiter struct {
	mu        sync.Mutex
	remaining int
	mods      int
	successes int
	failures  int
}

func (l *fakeLimiter) CanModify() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining > 0
}

func (l *fakeLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining
}

func (l *fakeLimiter) Reserve(n int) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remaining < n {
		return nil, false
	}
	l.remaining -= n
	l.mods += n
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.remaining += n
			l.mods -= n
		})
	}, true
}

func (l *fakeLimiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes++
}

func (l *fakeLimiter) RecordFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
}

// recordingPublisher keeps every topic in publish order.
type recordingPublisher struct {
	mu     sync.Mutex
	topics []models.Topic
}

func (p *recordingPublisher) Post(_ context.Context, topic models.Topic, _ interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) all() []models.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Topic(nil), p.topics...)
}

// recordingAuditor keeps every action in record order.
type recordingAuditor struct {
	mu      sync.Mutex
	actions []string
	details []map[string]any
}

func (a *recordingAuditor) Record(_ context.Context, action string, _ bool, details map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
	a.details = append(a.details, details)
}

func (a *recordingAuditor) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.actions...)
}

// -- Test Helpers --

const userSource = `export function getName(user) {
  const profile = user.profile;
  return profile.name;
}
`

const userError = "TypeError: Cannot read properties of undefined (reading 'name')\n" +
	"    at getName (src/user.ts:3:18)\n" +
	"    at Object.<anonymous> (node_modules/jest-circus/build/run.js:10:5)"

func setupEngine(t *testing.T) *editor.Engine {
	t.Helper()
	e, err := editor.NewEngine(editor.Config{Root: t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	return full
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
