// File: cmd/fix.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/config"
	"github.com/xkilldash9x/selfmod/internal/observability"
	"github.com/xkilldash9x/selfmod/internal/selfmod/pipeline"
	"github.com/xkilldash9x/selfmod/internal/service"
)

func newFixCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		hintFile string
		asJSON   bool
		commit   bool
	)

	fixCmd := &cobra.Command{
		Use:   "fix [error-file|-]",
		Short: "Analyze an error report and try to fix it",
		Long: `Runs the analyze, generate, validate and apply loop over one error report.
The report is read from a file, or from stdin when the argument is "-" or missing.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("commit") {
				cfg.SetAutoCommit(commit)
			}

			var text []byte
			if len(args) == 0 || args[0] == "-" {
				text, err = io.ReadAll(cmd.InOrStdin())
			} else {
				text, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to read error report: %w", err)
			}

			req := pipeline.RunRequest{ErrorText: string(text), FilePath: hintFile}
			return runFix(ctx, cfg, factory, logger, req, asJSON, cmd.OutOrStdout())
		},
	}

	fixCmd.Flags().StringVarP(&hintFile, "file", "f", "", "file to fix when the report has no usable location")
	fixCmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	fixCmd.Flags().BoolVar(&commit, "commit", false, "commit the fix (overrides pipeline.auto_commit)")
	return fixCmd
}

// runFix executes one pipeline run. A failed run is reported and returned as
// an error so the exit code reflects it.
func runFix(ctx context.Context, cfg config.Interface, factory service.ComponentFactory, logger *zap.Logger, req pipeline.RunRequest, asJSON bool, out io.Writer) error {
	if strings.TrimSpace(req.ErrorText) == "" {
		return errors.New("error report is empty")
	}

	components, err := initComponents(ctx, cfg, factory, logger)
	if err != nil {
		return err
	}
	defer components.Shutdown()

	result, runErr := components.Pipeline.Run(ctx, req)
	if result != nil {
		if asJSON {
			if err := writeJSON(out, result); err != nil {
				return err
			}
		} else {
			printPipelineResult(out, result)
		}
	}
	if runErr != nil {
		return fmt.Errorf("fix failed: %w", runErr)
	}
	return nil
}
