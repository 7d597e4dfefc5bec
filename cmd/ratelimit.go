// File: cmd/ratelimit.go
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/config"
	"github.com/xkilldash9x/selfmod/internal/observability"
	"github.com/xkilldash9x/selfmod/internal/service"
)

func newRateLimitCmd(factory service.ComponentFactory) *cobra.Command {
	rateLimitCmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect or reset the modification rate limiter",
	}

	var asJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show remaining capacity and whether modifications are paused",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runRateLimitStatus(ctx, cfg, factory, observability.GetLogger(), asJSON, cmd.OutOrStdout())
		},
	}
	statusCmd.Flags().BoolVar(&asJSON, "json", false, "print the state as JSON")

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Clear a pause caused by consecutive failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runRateLimitResume(ctx, cfg, factory, observability.GetLogger(), cmd.OutOrStdout())
		},
	}

	rateLimitCmd.AddCommand(statusCmd, resumeCmd)
	return rateLimitCmd
}

// rateLimitStatus is the printed view of the limiter.
type rateLimitStatus struct {
	Remaining           int  `json:"remaining"`
	MaxPerHour          int  `json:"max_per_hour"`
	UsedLastHour        int  `json:"used_last_hour"`
	ConsecutiveFailures int  `json:"consecutive_failures"`
	Paused              bool `json:"paused"`
}

func runRateLimitStatus(ctx context.Context, cfg config.Interface, factory service.ComponentFactory, logger *zap.Logger, asJSON bool, out io.Writer) error {
	components, err := initComponents(ctx, cfg, factory, logger)
	if err != nil {
		return err
	}
	defer components.Shutdown()

	state := components.Limiter.State()
	status := rateLimitStatus{
		Remaining:           components.Limiter.Remaining(),
		MaxPerHour:          cfg.RateLimit().MaxPerHour,
		UsedLastHour:        len(state.Modifications),
		ConsecutiveFailures: state.ConsecutiveFailures,
		Paused:              state.Paused,
	}
	if asJSON {
		return writeJSON(out, status)
	}

	fmt.Fprintf(out, "Remaining:            %d of %d per hour\n", status.Remaining, status.MaxPerHour)
	fmt.Fprintf(out, "Consecutive failures: %d of %d\n", status.ConsecutiveFailures, cfg.RateLimit().FailureThreshold)
	if status.Paused {
		fmt.Fprintln(out, "Status:               PAUSED (run \"selfmod ratelimit resume\")")
	} else {
		fmt.Fprintln(out, "Status:               active")
	}
	return nil
}

func runRateLimitResume(ctx context.Context, cfg config.Interface, factory service.ComponentFactory, logger *zap.Logger, out io.Writer) error {
	components, err := initComponents(ctx, cfg, factory, logger)
	if err != nil {
		return err
	}
	defer components.Shutdown()

	wasPaused := components.Limiter.State().Paused
	components.Limiter.Resume()
	if wasPaused {
		fmt.Fprintln(out, "Modifications resumed.")
	} else {
		fmt.Fprintln(out, "Modifications were not paused.")
	}
	return nil
}
