// File: cmd/apply.go
package cmd

import (
	"bufio"
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
	"github.com/xkilldash9x/selfmod/internal/selfmod/approval"
	"github.com/xkilldash9x/selfmod/internal/service"
)

// applyOptions carries everything runApply needs besides its components.
type applyOptions struct {
	// Text holds the assistant output to mine for code suggestions.
	Text      string
	SessionID string
	// Yes approves every pending suggestion without asking.
	Yes bool
	// Files limits an approval to these paths.
	Files []string
	// Prompt answers the interactive approval question. Nil means no
	// terminal is available and anything pending is rejected.
	Prompt io.Reader
	Out    io.Writer
}

func newApplyCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		sessionID string
		yes       bool
		autoApply bool
		commit    bool
		files     []string
	)

	applyCmd := &cobra.Command{
		Use:   "apply [file|-]",
		Short: "Extract code suggestions from assistant output and apply them",
		Long: `Reads assistant output from a file, or from stdin when the argument is "-" or missing,
extracts the code suggestions it contains and applies them as one transaction.
Low-risk suggestions are applied directly when auto-apply is enabled; everything
else waits for approval.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("auto-apply") {
				cfg.SetAutoApply(autoApply)
			}
			if cmd.Flags().Changed("commit") {
				cfg.SetAutoCommit(commit)
			}

			// Prompting needs stdin, so it is only offered when the text came from a file.
			var prompt io.Reader
			var text []byte
			if len(args) == 0 || args[0] == "-" {
				text, err = io.ReadAll(cmd.InOrStdin())
			} else {
				text, err = os.ReadFile(args[0])
				prompt = cmd.InOrStdin()
			}
			if err != nil {
				return fmt.Errorf("failed to read suggestions: %w", err)
			}

			return runApply(ctx, cfg, factory, logger, applyOptions{
				Text:      string(text),
				SessionID: sessionID,
				Yes:       yes,
				Files:     files,
				Prompt:    prompt,
				Out:       cmd.OutOrStdout(),
			})
		},
	}

	applyCmd.Flags().StringVar(&sessionID, "session", "", "session ID to queue pending suggestions under (default: new)")
	applyCmd.Flags().BoolVarP(&yes, "yes", "y", false, "approve all pending suggestions without prompting")
	applyCmd.Flags().BoolVar(&autoApply, "auto-apply", false, "apply low-risk suggestions without approval (overrides risk.auto_apply)")
	applyCmd.Flags().BoolVar(&commit, "commit", false, "commit applied changes (overrides pipeline.auto_commit)")
	applyCmd.Flags().StringSliceVar(&files, "files", nil, "only approve suggestions for these files")
	return applyCmd
}

// runApply parses suggestions, submits them and resolves whatever is left
// pending.
func runApply(ctx context.Context, cfg config.Interface, factory service.ComponentFactory, logger *zap.Logger, opts applyOptions) error {
	components, err := initComponents(ctx, cfg, factory, logger)
	if err != nil {
		return err
	}
	defer components.Shutdown()

	// 1. Extract.
	suggestions := components.Parser.Parse(opts.Text)
	if len(suggestions) == 0 {
		fmt.Fprintln(opts.Out, "No code suggestions found.")
		return nil
	}
	fmt.Fprintf(opts.Out, "Found %d suggestion(s):\n", len(suggestions))
	for _, s := range suggestions {
		status := components.Classifier.AssessRisk(s)
		fmt.Fprintf(opts.Out, "  %-8s %-7s %s (%.2f) - %s\n", s.Operation, status.RiskLevel, s.FilePath, s.Confidence, status.Reason)
	}

	// 2. Submit. Auto-approved suggestions are applied here.
	submitted, err := components.Approval.Submit(ctx, opts.SessionID, suggestions)
	if submitted != nil && submitted.Applied != nil {
		fmt.Fprintln(opts.Out, "Applied automatically:")
		printBatch(opts.Out, submitted.Applied)
	}
	if err != nil {
		return err
	}
	if len(submitted.Pending) == 0 {
		return batchError(submitted.Applied)
	}

	// 3. Decide on the rest.
	decision := approval.Decision{SessionID: submitted.SessionID, SelectedFiles: opts.Files}
	switch {
	case opts.Yes:
		decision.Approved = true
	case opts.Prompt != nil:
		decision.Approved, err = confirm(opts.Prompt, opts.Out,
			fmt.Sprintf("Apply %d pending suggestion(s)? [y/N]: ", len(submitted.Pending)))
		if err != nil {
			return err
		}
	default:
		fmt.Fprintf(opts.Out, "%d suggestion(s) need approval; rerun with --yes to apply them.\n", len(submitted.Pending))
	}

	res, err := components.Approval.Resolve(ctx, decision)
	if errors.Is(err, approval.ErrNothingSelected) {
		return fmt.Errorf("none of %s are pending", strings.Join(opts.Files, ", "))
	}
	if !decision.Approved {
		if err == nil {
			fmt.Fprintln(opts.Out, "Pending suggestions rejected.")
		}
		return err
	}
	fmt.Fprintln(opts.Out, "Applied after approval:")
	printBatch(opts.Out, res)
	if err != nil {
		return err
	}
	return batchError(res)
}

// confirm asks question and reads a yes/no answer. Anything but y or yes is no.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprint(out, question)
	reader := bufio.NewReader(in)
	answer, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
