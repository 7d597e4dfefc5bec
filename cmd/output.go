// File: cmd/output.go
package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
	"github.com/xkilldash9x/selfmod/internal/selfmod/pipeline"
)

// writeJSON prints v as indented JSON followed by a newline.
func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// printBatch summarizes a batch application, one line per file.
func printBatch(w io.Writer, res *pipeline.BatchResult) {
	if res == nil {
		return
	}
	for _, r := range res.Results {
		line := fmt.Sprintf("  %-12s %s", r.Action, r.FilePath)
		if r.Error != "" {
			line += " (" + r.Error + ")"
		}
		fmt.Fprintln(w, line)
	}
	if res.Commit != nil {
		fmt.Fprintf(w, "Committed %s: %s\n", shortHash(res.Commit.Hash), firstLine(res.Commit.Message))
	}
	if !res.Success && res.Error != "" {
		fmt.Fprintf(w, "Batch failed: %s\n", res.Error)
	}
}

// printPipelineResult summarizes one Analyze/Generate/Validate/Apply run.
func printPipelineResult(w io.Writer, res *models.PipelineResult) {
	status := "FAILED"
	if res.Success {
		status = "FIXED"
	}
	fmt.Fprintf(w, "%s after %d iteration(s) in %s\n", status, res.Iterations, res.Duration.Round(time.Millisecond))
	if a := res.Analysis; a != nil {
		fmt.Fprintf(w, "  error:    %s (%s, %s)\n", a.RootCause, a.ErrorType, a.Severity)
		if a.Location.File != "" {
			fmt.Fprintf(w, "  location: %s:%d\n", a.Location.File, a.Location.Line)
		}
	}
	if p := res.Proposal; p != nil {
		fmt.Fprintf(w, "  proposal: %s (confidence %.2f, %s risk)\n", p.Description, p.Confidence, p.RiskLevel)
	}
	if m := res.Modification; m != nil {
		fmt.Fprintf(w, "  action:   %s %s\n", m.Action, m.FilePath)
		if m.Backup != nil {
			fmt.Fprintf(w, "  backup:   %s\n", m.Backup.BackupPath)
		}
		if m.Commit != nil {
			fmt.Fprintf(w, "  commit:   %s\n", shortHash(m.Commit.Hash))
		}
	}
	if res.Error != "" {
		fmt.Fprintf(w, "  reason:   %s\n", res.Error)
	}
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// batchError turns an unsuccessful batch into an error for the exit code.
func batchError(res *pipeline.BatchResult) error {
	if res == nil || res.Success {
		return nil
	}
	return fmt.Errorf("batch was not applied: %s", res.Error)
}
