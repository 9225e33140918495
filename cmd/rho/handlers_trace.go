package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rho-agent/rho/internal/state"
	"github.com/rho-agent/rho/internal/telemetry"
	"github.com/rho-agent/rho/pkg/models"
)

// traceReport is the JSON shape of rho trace --json.
type traceReport struct {
	Valid  bool             `json:"valid"`
	Issues []string         `json:"issues,omitempty"`
	Events int              `json:"events"`
	Stats  *models.RunStats `json:"stats"`
}

func runTrace(cmd *cobra.Command, path string, jsonOut bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	events, err := state.ReadTrace(f)
	if err != nil {
		return fmt.Errorf("read trace: %w", err)
	}

	issues := state.ValidateTrace(events)
	stats := telemetry.CollectStats(events)

	if jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(traceReport{
			Valid:  len(issues) == 0,
			Issues: issues,
			Events: len(events),
			Stats:  stats,
		}); err != nil {
			return err
		}
		if len(issues) > 0 {
			return fmt.Errorf("trace validation failed with %d issue(s)", len(issues))
		}
		return nil
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Session\t%s\n", stats.SessionID)
	fmt.Fprintf(w, "Events\t%d\n", len(events))
	fmt.Fprintf(w, "Turns\t%d\n", stats.Turns)
	fmt.Fprintf(w, "Tool calls\t%d (%s)\n", stats.ToolCalls, stats.ToolWallTime.Round(time.Millisecond))
	if !stats.StartedAt.IsZero() {
		fmt.Fprintf(w, "Wall time\t%s\n", stats.WallTime.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Tokens\t%d in / %d out ($%.4f)\n",
		stats.Usage.InputTokens, stats.Usage.OutputTokens, stats.Usage.CostUSD)
	if stats.Compactions > 0 {
		fmt.Fprintf(w, "Compactions\t%d\n", stats.Compactions)
	}
	if stats.Errors > 0 {
		fmt.Fprintf(w, "Errors\t%d\n", stats.Errors)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(issues) == 0 {
		fmt.Fprintln(out, "\nTrace is valid.")
		return nil
	}
	fmt.Fprintf(out, "\n%d issue(s):\n", len(issues))
	for _, issue := range issues {
		fmt.Fprintf(out, "  - %s\n", issue)
	}
	return fmt.Errorf("trace validation failed with %d issue(s)", len(issues))
}
