// internal/selfmod/toolchain/runner.go
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
)

// maxOutput caps the captured stdout+stderr kept per command.
const maxOutput = 64 * 1024

// FilesPlaceholder in a command template is replaced by the files under check.
const FilesPlaceholder = "{files}"

// CheckResult is the outcome of one external tool invocation. Non-zero exit,
// start failure and timeout all yield Passed=false with Err set; the runner
// never returns them as Go errors.
type CheckResult struct {
	Name     string
	Passed   bool
	Skipped  bool
	TimedOut bool
	ExitCode int
	Output   string
	Duration time.Duration
	Err      error
}

// Runner executes external commands in a working directory.
type Runner struct {
	dir    string
	logger *zap.Logger
}

// NewRunner creates a runner rooted at dir.
func NewRunner(dir string, logger *zap.Logger) *Runner {
	return &Runner{dir: dir, logger: logger.Named("runner")}
}

// Run executes argv with a deadline. An empty argv is reported as skipped and passing.
func (r *Runner) Run(ctx context.Context, name string, argv []string, timeout time.Duration) CheckResult {
	res := CheckResult{Name: name}
	if len(argv) == 0 {
		res.Passed = true
		res.Skipped = true
		return res
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = r.dir
	var out cappedBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Children holding the pipes open must not outlive the deadline by much.
	cmd.WaitDelay = 2 * time.Second

	r.logger.Debug("Running command.", zap.String("check", name), zap.String("command", strings.Join(argv, " ")))
	start := time.Now()
	err := cmd.Run()
	res.Duration = time.Since(start)
	res.Output = out.String()

	switch {
	case err == nil:
		res.Passed = true
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
		res.Err = fmt.Errorf("%s exceeded %s: %w", name, timeout, models.ErrSubprocessTimeout)
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Err = fmt.Errorf("%s cancelled: %w", name, ctx.Err())
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Err = fmt.Errorf("%s exited with code %d: %w", name, res.ExitCode, models.ErrSubprocessFailure)
		} else {
			res.ExitCode = -1
			res.Err = fmt.Errorf("failed to start %s: %v: %w", name, err, models.ErrSubprocessFailure)
		}
	}

	if res.Passed {
		r.logger.Debug("Command passed.", zap.String("check", name), zap.Duration("duration", res.Duration))
	} else {
		r.logger.Info("Command failed.", zap.String("check", name), zap.Int("exit_code", res.ExitCode),
			zap.Bool("timed_out", res.TimedOut), zap.Duration("duration", res.Duration))
	}
	return res
}

// Expand substitutes files for FilesPlaceholder in template. A template
// without the placeholder is returned unchanged.
func Expand(template []string, files ...string) []string {
	out := make([]string, 0, len(template)+len(files))
	for _, arg := range template {
		if arg == FilesPlaceholder {
			out = append(out, files...)
			continue
		}
		out = append(out, arg)
	}
	return out
}

// ParseCommand splits a configured command line on whitespace.
func ParseCommand(s string) []string {
	return strings.Fields(s)
}

// cappedBuffer keeps the first maxOutput bytes written to it.
type cappedBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if remaining := maxOutput - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
