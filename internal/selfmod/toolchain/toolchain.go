// internal/selfmod/toolchain/toolchain.go
package toolchain

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Default commands target a TypeScript project.
const (
	DefaultTypeCheckCommand = "npx tsc --noEmit"
	DefaultLintCommand      = "npx eslint " + FilesPlaceholder
	DefaultTestCommand      = "npx jest --passWithNoTests " + FilesPlaceholder
)

// Config selects the external tools and their deadlines.
type Config struct {
	TypeCheckCommand []string
	LintCommand      []string
	TestCommand      []string
	CheckTimeout     time.Duration
	TestTimeout      time.Duration
}

// TestReport is a CheckResult plus the counts parsed from the runner output.
type TestReport struct {
	CheckResult
	TestsRun    int
	TestsPassed int
	TestsFailed int
}

// Checker is the set of external checks the pipeline relies on.
type Checker interface {
	TypeCheck(ctx context.Context, files ...string) CheckResult
	Lint(ctx context.Context, files ...string) CheckResult
	RunTests(ctx context.Context, testFiles ...string) TestReport
}

// Toolchain runs the configured commands through a Runner.
type Toolchain struct {
	runner *Runner
	cfg    Config
	logger *zap.Logger
}

// New builds a Toolchain for the workspace at dir.
func New(dir string, cfg Config, logger *zap.Logger) *Toolchain {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 30 * time.Second
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = 3 * time.Minute
	}
	return &Toolchain{
		runner: NewRunner(dir, logger),
		cfg:    cfg,
		logger: logger.Named("toolchain"),
	}
}

// TypeCheck runs the type checker.
func (t *Toolchain) TypeCheck(ctx context.Context, files ...string) CheckResult {
	return t.runner.Run(ctx, "typecheck", Expand(t.cfg.TypeCheckCommand, files...), t.cfg.CheckTimeout)
}

// Lint runs the linter.
func (t *Toolchain) Lint(ctx context.Context, files ...string) CheckResult {
	return t.runner.Run(ctx, "lint", Expand(t.cfg.LintCommand, files...), t.cfg.CheckTimeout)
}

// RunTests runs the test runner on testFiles and parses the counts.
func (t *Toolchain) RunTests(ctx context.Context, testFiles ...string) TestReport {
	res := t.runner.Run(ctx, "test", Expand(t.cfg.TestCommand, testFiles...), t.cfg.TestTimeout)
	report := ParseTestOutput(res)
	t.logger.Debug("Test run finished.",
		zap.Int("run", report.TestsRun), zap.Int("passed", report.TestsPassed), zap.Int("failed", report.TestsFailed))
	return report
}

var (
	// jest and vitest summaries: "Tests:  1 failed, 3 passed, 4 total" / "Tests  1 failed | 3 passed (4)".
	summaryLine  = regexp.MustCompile(`(?m)^\s*Tests:?\s+(.*)$`)
	summaryCount = regexp.MustCompile(`(\d+)\s+(failed|passed)`)
	goPass       = regexp.MustCompile(`(?m)^\s*--- PASS: `)
	goFail       = regexp.MustCompile(`(?m)^\s*--- FAIL: `)
)

// ParseTestOutput derives counts from jest, vitest or go test output. A
// failing run with no parseable counts is reported as one failure.
func ParseTestOutput(res CheckResult) TestReport {
	report := TestReport{CheckResult: res}

	if m := summaryLine.FindAllStringSubmatch(res.Output, -1); len(m) > 0 {
		summary := m[len(m)-1][1]
		for _, c := range summaryCount.FindAllStringSubmatch(summary, -1) {
			n, _ := strconv.Atoi(c[1])
			switch c[2] {
			case "failed":
				report.TestsFailed += n
			case "passed":
				report.TestsPassed += n
			}
		}
	} else if strings.Contains(res.Output, "--- ") {
		report.TestsPassed = len(goPass.FindAllStringIndex(res.Output, -1))
		report.TestsFailed = len(goFail.FindAllStringIndex(res.Output, -1))
	}

	if !res.Passed && !res.Skipped && report.TestsFailed == 0 {
		report.TestsFailed = 1
	}
	report.TestsRun = report.TestsPassed + report.TestsFailed
	return report
}
