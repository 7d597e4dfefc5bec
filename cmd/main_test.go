// File: cmd/main_test.go
package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/selfmod/internal/config"
	"github.com/xkilldash9x/selfmod/internal/observability"
	"github.com/xkilldash9x/selfmod/internal/service"
)

// resetForTest provides the single source of truth for resetting test state.
func resetForTest(t *testing.T) {
	t.Helper()

	// 1. Reset package-level flag variables from root.go.
	cfgFile = ""
	workspaceRoot = ""

	// 2. Silence the global logger. PersistentPreRunE cannot replace it
	// because initialization only happens once.
	observability.ResetForTest()
	observability.Initialize(config.LoggerConfig{Level: "fatal", Format: "console"}, zapcore.AddSync(io.Discard))
	t.Cleanup(observability.ResetForTest)
}

// MockComponentFactory is a testify mock of service.ComponentFactory.
type MockComponentFactory struct {
	mock.Mock
}

func (m *MockComponentFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*service.Components, error) {
	args := m.Called(ctx, cfg, logger)
	components, _ := args.Get(0).(*service.Components)
	return components, args.Error(1)
}

// newTestConfig returns defaults rooted at a fresh workspace with every
// external check disabled.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.SetWorkspaceRoot(t.TempDir())
	cfg.ToolchainCfg = config.ToolchainConfig{CheckTimeout: time.Second, TestTimeout: time.Second}
	return cfg
}

// writeWorkspaceFile creates rel under the workspace root with content.
func writeWorkspaceFile(t *testing.T, cfg *config.Config, rel, content string) string {
	t.Helper()
	full := filepath.Join(cfg.Workspace().Root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	return full
}

// writeTestConfigFile writes a selfmod.yaml that disables external checks and
// appends extra YAML.
func writeTestConfigFile(t *testing.T, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "selfmod.yaml")
	content := strings.Join([]string{
		"toolchain:",
		`  type_check_command: ""`,
		`  lint_command: ""`,
		`  test_command: ""`,
		extra,
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// executeCommand runs the full command tree with args and returns its output.
func executeCommand(t *testing.T, factory service.ComponentFactory, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(factory)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// syncBuffer is a bytes.Buffer safe for a writer and a reader goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
