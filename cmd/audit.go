// File: cmd/audit.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/config"
	"github.com/xkilldash9x/selfmod/internal/observability"
	"github.com/xkilldash9x/selfmod/internal/service"
)

func newAuditCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the most recent audit trail entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runAudit(ctx, cfg, factory, observability.GetLogger(), limit, asJSON, cmd.OutOrStdout())
		},
	}
	auditCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	auditCmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return auditCmd
}

func runAudit(ctx context.Context, cfg config.Interface, factory service.ComponentFactory, logger *zap.Logger, limit int, asJSON bool, out io.Writer) error {
	if limit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", limit)
	}

	components, err := initComponents(ctx, cfg, factory, logger)
	if err != nil {
		return err
	}
	defer components.Shutdown()

	entries, err := components.Audit.GetRecentEntries(limit)
	if err != nil {
		return fmt.Errorf("failed to read audit trail: %w", err)
	}
	if asJSON {
		return writeJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries.")
		return nil
	}

	for _, e := range entries {
		status := "ok"
		if !e.Success {
			status = "FAIL"
		}
		fmt.Fprintf(out, "%s  %-4s  %-20s %s\n", e.Timestamp.Local().Format(time.DateTime), status, e.Action, formatDetails(e.Details))
	}
	return nil
}

// formatDetails renders details as sorted key=value pairs.
func formatDetails(details map[string]any) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, " ")
}
