package toolchain

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
)

func TestRunner_Run(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(dir, zaptest.NewLogger(t))
	ctx := context.Background()

	t.Run("should pass on zero exit and capture output", func(t *testing.T) {
		res := r.Run(ctx, "echo", []string{"sh", "-c", "echo out; echo err 1>&2"}, time.Second*5)
		assert.True(t, res.Passed)
		assert.NoError(t, res.Err)
		assert.Contains(t, res.Output, "out")
		assert.Contains(t, res.Output, "err")
	})

	t.Run("should run in the workspace directory", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("here"), 0o644))
		res := r.Run(ctx, "cat", []string{"cat", "marker.txt"}, time.Second*5)
		require.True(t, res.Passed)
		assert.Equal(t, "here", res.Output)
	})

	t.Run("should report non-zero exit as a failure", func(t *testing.T) {
		res := r.Run(ctx, "fail", []string{"sh", "-c", "exit 3"}, time.Second*5)
		assert.False(t, res.Passed)
		assert.Equal(t, 3, res.ExitCode)
		assert.ErrorIs(t, res.Err, models.ErrSubprocessFailure)
	})

	t.Run("should report timeouts", func(t *testing.T) {
		res := r.Run(ctx, "slow", []string{"sleep", "5"}, 100*time.Millisecond)
		assert.False(t, res.Passed)
		assert.True(t, res.TimedOut)
		assert.ErrorIs(t, res.Err, models.ErrSubprocessTimeout)
		assert.Less(t, res.Duration, 4*time.Second)
	})

	t.Run("should report a missing binary as a failure", func(t *testing.T) {
		res := r.Run(ctx, "missing", []string{"definitely-not-a-real-binary-xyz"}, time.Second)
		assert.False(t, res.Passed)
		assert.ErrorIs(t, res.Err, models.ErrSubprocessFailure)
	})

	t.Run("should skip an empty command", func(t *testing.T) {
		res := r.Run(ctx, "none", nil, time.Second)
		assert.True(t, res.Passed)
		assert.True(t, res.Skipped)
	})
}

func TestCappedBuffer(t *testing.T) {
	var b cappedBuffer
	n, err := b.Write([]byte(strings.Repeat("x", maxOutput+10)))
	require.NoError(t, err)
	assert.Equal(t, maxOutput+10, n)
	assert.True(t, strings.HasSuffix(b.String(), "[output truncated]"))
}

func TestExpand(t *testing.T) {
	assert.Equal(t, []string{"npx", "eslint", "a.ts", "b.ts"},
		Expand(ParseCommand(DefaultLintCommand), "a.ts", "b.ts"))
	assert.Equal(t, []string{"npx", "tsc", "--noEmit"},
		Expand(ParseCommand(DefaultTypeCheckCommand), "a.ts"))
	assert.Equal(t, []string{"npx", "jest", "--passWithNoTests"},
		Expand(ParseCommand(DefaultTestCommand)))
	assert.Empty(t, ParseCommand("   "))
}

func TestParseTestOutput(t *testing.T) {
	tests := []struct {
		name   string
		result CheckResult
		want   [3]int // run, passed, failed
	}{
		{
			name:   "jest summary",
			result: CheckResult{Passed: false, Output: "FAIL src/a.test.ts\nTests:       1 failed, 3 passed, 4 total\nTime: 1s\n"},
			want:   [3]int{4, 3, 1},
		},
		{
			name:   "vitest summary",
			result: CheckResult{Passed: true, Output: " Test Files  2 passed (2)\n      Tests  5 passed (5)\n"},
			want:   [3]int{5, 5, 0},
		},
		{
			name:   "go test verbose",
			result: CheckResult{Passed: false, Output: "=== RUN   TestA\n--- PASS: TestA (0.00s)\n=== RUN   TestB\n--- FAIL: TestB (0.00s)\nFAIL\n"},
			want:   [3]int{2, 1, 1},
		},
		{
			name:   "failure without counts",
			result: CheckResult{Passed: false, Output: "boom"},
			want:   [3]int{1, 0, 1},
		},
		{
			name:   "skipped runner",
			result: CheckResult{Passed: true, Skipped: true},
			want:   [3]int{0, 0, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := ParseTestOutput(tt.result)
			assert.Equal(t, tt.want, [3]int{report.TestsRun, report.TestsPassed, report.TestsFailed})
		})
	}
}

func TestToolchain_UsesConfiguredCommands(t *testing.T) {
	dir := t.TempDir()
	tc := New(dir, Config{
		TypeCheckCommand: []string{"sh", "-c", "exit 0"},
		LintCommand:      []string{"sh", "-c", "exit 1"},
		TestCommand:      []string{"sh", "-c", "echo 'Tests: 2 passed, 2 total'"},
		CheckTimeout:     5 * time.Second,
		TestTimeout:      5 * time.Second,
	}, zaptest.NewLogger(t))

	var checker Checker = tc
	ctx := context.Background()
	assert.True(t, checker.TypeCheck(ctx, "a.ts").Passed)
	assert.False(t, checker.Lint(ctx, "a.ts").Passed)

	report := checker.RunTests(ctx)
	assert.True(t, report.Passed)
	assert.Equal(t, 2, report.TestsRun)
	assert.Equal(t, 2, report.TestsPassed)
}

func TestCheckSyntax(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		content string
		wantErr bool
	}{
		{"valid go", "main.go", "package main\n\nfunc main() {}\n", false},
		{"invalid go", "main.go", "package main\n\nfunc main() {\n", true},
		{"valid json", "package.json", `{"name": "x"}`, false},
		{"invalid json", "package.json", `{"name": }`, true},
		{"typescript", "a.ts", "const s: string = \"(\";\n// ) in comment\n/* ] */\nexport function f(): number[] { return [1, (2)]; }\n", false},
		{"typescript generics", "a.ts", "const m = new Map<string, number>();\n", false},
		{"regex literal with bracket", "src/a.ts", "export const parts = (s: string) => s.split(/[)]/);\n", false},
		{"template literal", "a.ts", "const s = `line1\n${x}\nline2`;\n", false},
		{"tsx element", "view.tsx", "export const V = () => <div className=\"a\">{name}</div>;\n", false},
		{"unbalanced ts", "a.ts", "function f() { return [1, 2; }\n", true},
		{"missing paren", "a.ts", "if (x { y(); }\n", true},
		{"extra closer", "a.js", "f());\n", true},
		{"python docstring", "x.py", "def f():\n    \"\"\"Don't (worry).\"\"\"\n    return {'a': [1]}\n", false},
		{"python hash comment", "x.py", "x = [1, 2]  # don't ]\n", false},
		{"python unbalanced", "x.py", "x = (1, 2\n", true},
		{"java", "A.java", "class A { int f() { return 1; } }\n", false},
		{"broken java", "A.java", "class A { int f() { return 1; }\n", true},
		{"markdown is not checked", "README.md", "Don't ( worry", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckSyntax(tt.path, []byte(tt.content))
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "syntax error")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
