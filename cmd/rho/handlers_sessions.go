package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rho-agent/rho/internal/logging"
	"github.com/rho-agent/rho/internal/sessions"
	"github.com/rho-agent/rho/internal/signals"
	"github.com/rho-agent/rho/internal/state"
	"github.com/rho-agent/rho/internal/telemetry"
	"github.com/rho-agent/rho/pkg/models"
)

func runSessionsList(cmd *cobra.Command, configPath string) error {
	cfg, err := loadHarnessConfig(configPath)
	if err != nil {
		return err
	}
	metas, err := sessions.List(cfg.Sessions.Dir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(metas) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tMODEL\tSTATUS\tPID\tSTARTED")
	for _, m := range metas {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			m.SessionID, m.Model, m.Status, m.PID, m.StartedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, configPath, sessionID string) error {
	cfg, err := loadHarnessConfig(configPath)
	if err != nil {
		return err
	}
	dir, err := sessions.Open(cfg.Sessions.Dir, sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return fmt.Errorf("no session %q under %s", sessionID, cfg.Sessions.Dir)
		}
		return err
	}
	meta, err := dir.LoadMeta()
	if err != nil {
		return err
	}
	st, err := dir.ReplayState()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Session\t%s\n", meta.SessionID)
	fmt.Fprintf(w, "Model\t%s\n", meta.Model)
	fmt.Fprintf(w, "Status\t%s\n", meta.Status)
	fmt.Fprintf(w, "Started\t%s\n", meta.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Messages\t%d\n", st.Len())
	usage := st.Usage()
	fmt.Fprintf(w, "Tokens\t%d in / %d out ($%.4f)\n", usage.InputTokens, usage.OutputTokens, usage.CostUSD)
	fmt.Fprintf(w, "Trace\t%s\n", dir.TracePath())
	if err := w.Flush(); err != nil {
		return err
	}

	// Turn and tool stats come from the raw trace; skip them when it
	// cannot be read rather than failing the whole command.
	f, err := os.Open(dir.TracePath())
	if err != nil {
		return nil
	}
	defer f.Close()
	events, err := state.ReadTrace(f)
	if err != nil || len(events) == 0 {
		return nil
	}
	stats := telemetry.CollectStats(events)
	fmt.Fprintf(out, "\nTurns %d, tool calls %d, wall time %s\n",
		stats.Turns, stats.ToolCalls, stats.WallTime.Round(time.Second))
	return nil
}

func runSessionsExport(cmd *cobra.Command, configPath, sessionID string) error {
	cfg, err := loadHarnessConfig(configPath)
	if err != nil {
		return err
	}
	dir, err := sessions.Open(cfg.Sessions.Dir, sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return fmt.Errorf("no session %q under %s", sessionID, cfg.Sessions.Dir)
		}
		return err
	}
	st, err := dir.ReplayState()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, msg := range st.Messages() {
		if i > 0 {
			fmt.Fprintln(out)
		}
		header := string(msg.Role)
		if msg.Role == models.RoleTool && msg.ToolCallID != "" {
			header = fmt.Sprintf("%s (%s)", msg.Role, msg.ToolCallID)
		}
		fmt.Fprintf(out, "--- %s ---\n", header)
		if msg.Content != "" {
			fmt.Fprintln(out, msg.Content)
		}
		for _, call := range msg.ToolCalls {
			fmt.Fprintf(out, "[tool call %s] %s %s\n", call.ID, call.Name, clipString(call.Arguments, 200))
		}
	}
	return nil
}

func runSessionsWatch(cmd *cobra.Command, configPath, sessionID string) error {
	cfg, err := loadHarnessConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fc, err := signals.NewFileControl(cfg.Signals.Dir, signals.WithFileControlLogger(logging.Nop()))
	if err != nil {
		return err
	}
	ch, err := fc.WatchResponses(ctx, sessionID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Watching %s (ctrl-c to stop)\n", sessionID)
	for resp := range ch {
		fmt.Fprintf(out, "\n--- response %d ---\n%s\n", resp.Seq, resp.Content)
	}
	return nil
}
