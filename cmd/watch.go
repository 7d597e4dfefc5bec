// File: cmd/watch.go
package cmd

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/config"
	"github.com/xkilldash9x/selfmod/internal/observability"
	"github.com/xkilldash9x/selfmod/internal/selfmod/pipeline"
	"github.com/xkilldash9x/selfmod/internal/selfmod/watcher"
	"github.com/xkilldash9x/selfmod/internal/service"
)

func newWatchCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		logFile   string
		fromStart bool
	)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail an application log and fix errors as they appear",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if logFile != "" {
				cfg.SetWatcherLogFile(logFile)
			}
			return runWatch(ctx, cfg, factory, logger, fromStart, cmd.OutOrStdout())
		},
	}

	watchCmd.Flags().StringVarP(&logFile, "log-file", "l", "", "log file to watch (overrides watcher.log_file)")
	watchCmd.Flags().BoolVar(&fromStart, "from-start", false, "process the existing log content, not only new lines")
	return watchCmd
}

// runWatch feeds every error block from the log into the pipeline until ctx
// is cancelled.
func runWatch(ctx context.Context, cfg config.Interface, factory service.ComponentFactory, logger *zap.Logger, fromStart bool, out io.Writer) error {
	wc := cfg.Watcher()
	if wc.LogFile == "" {
		return errors.New("no log file to watch; set watcher.log_file or pass --log-file")
	}

	components, err := initComponents(ctx, cfg, factory, logger)
	if err != nil {
		return err
	}
	defer components.Shutdown()

	handler := func(ctx context.Context, b watcher.Block) {
		result, err := components.Pipeline.Run(ctx, pipeline.RunRequest{ErrorText: b.Text})
		if result != nil {
			printPipelineResult(out, result)
		}
		if err != nil {
			logger.Warn("Automatic fix failed.", zap.String("block", b.ID), zap.Error(err))
		}
	}

	w, err := watcher.New(watcher.Config{
		LogFile:   resolveUnder(components.Root, wc.LogFile),
		IdleFlush: wc.IdleFlush,
		Cooldown:  wc.Cooldown,
		FromStart: fromStart || wc.FromStart,
		Poll:      wc.Poll,
	}, handler, logger)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
