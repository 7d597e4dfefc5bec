// File: cmd/selfmod/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/selfmod/cmd"
	"github.com/xkilldash9x/selfmod/internal/config"
	"github.com/xkilldash9x/selfmod/internal/observability"
)

// panicLogFile receives the stack of a crash so it can be fed to "selfmod fix".
var panicLogFile = filepath.Join(config.DataDir, "panic.log")

// Injected for tests.
var (
	osWriteFile = os.WriteFile
	osMkdirAll  = os.MkdirAll
	osExit      = os.Exit
)

func main() {
	defer handlePanic()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			osExit(0)
			return
		}
		osExit(1)
	}
}

// handlePanic records a crash to panicLogFile and exits non-zero.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := writePanicLog(panicMessage); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
		osExit(2)
		return
	}

	fmt.Fprintf(os.Stderr, "\n----------------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "selfmod crashed. Details logged to %s\n", panicLogFile)
	fmt.Fprintf(os.Stderr, "Run \"selfmod fix %s\" to attempt an automatic repair.\n", panicLogFile)
	fmt.Fprintf(os.Stderr, "----------------------------------------------------------------\n")
	osExit(2)
}

func writePanicLog(message string) error {
	if err := osMkdirAll(filepath.Dir(panicLogFile), 0o755); err != nil {
		return err
	}
	return osWriteFile(panicLogFile, []byte(message), 0o644)
}
