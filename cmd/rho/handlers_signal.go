package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rho-agent/rho/internal/logging"
	"github.com/rho-agent/rho/internal/signals"
)

// signalControl opens the control plane for the signal subcommands.
func signalControl(ctx context.Context, configPath string) (signals.SessionControl, func(), error) {
	cfg, err := loadHarnessConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	return openControl(ctx, cfg, logging.New(cfg.Logging))
}

func runSignalCancel(cmd *cobra.Command, configPath string, args []string, prefix string) error {
	prefix = strings.TrimSpace(prefix)
	if (len(args) == 0) == (prefix == "") {
		return fmt.Errorf("give a session id or --prefix, not both")
	}

	ctx := cmd.Context()
	control, closeControl, err := signalControl(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeControl()

	out := cmd.OutOrStdout()
	if prefix != "" {
		n, err := control.CancelByPrefix(ctx, prefix)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Cancelled %d session(s) matching %s\n", n, prefix)
		return nil
	}
	if err := control.RequestCancel(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "Cancel requested for %s\n", args[0])
	return nil
}

func runSignalPause(cmd *cobra.Command, configPath string, args []string, all bool) error {
	if (len(args) == 0) == !all {
		return fmt.Errorf("give a session id or --all, not both")
	}

	ctx := cmd.Context()
	control, closeControl, err := signalControl(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeControl()

	out := cmd.OutOrStdout()
	if all {
		n, err := control.PauseAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Paused %d session(s)\n", n)
		return nil
	}
	if err := control.RequestPause(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "Pause requested for %s\n", args[0])
	return nil
}

func runSignalResume(cmd *cobra.Command, configPath string, args []string, all bool) error {
	if (len(args) == 0) == !all {
		return fmt.Errorf("give a session id or --all, not both")
	}

	ctx := cmd.Context()
	control, closeControl, err := signalControl(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeControl()

	out := cmd.OutOrStdout()
	if all {
		n, err := control.ResumeAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Resumed %d session(s)\n", n)
		return nil
	}
	if err := control.ClearPause(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "Resumed %s\n", args[0])
	return nil
}

func runSignalDirective(cmd *cobra.Command, configPath, sessionID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("directive text is required")
	}

	ctx := cmd.Context()
	control, closeControl, err := signalControl(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeControl()

	if err := control.QueueDirective(ctx, sessionID, text); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Directive queued for %s\n", sessionID)
	return nil
}

func runSignalList(cmd *cobra.Command, configPath string) error {
	ctx := cmd.Context()
	control, closeControl, err := signalControl(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeControl()

	running, err := control.ListRunning(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(running) == 0 {
		fmt.Fprintln(out, "No running sessions.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPID\tMODEL\tSTARTED\tINSTRUCTION")
	for _, s := range running {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			s.SessionID, s.PID, s.Model, s.StartedAt.Format(time.RFC3339),
			clipString(s.InstructionPreview, 60))
	}
	return w.Flush()
}

func runSignalGC(cmd *cobra.Command, configPath string) error {
	ctx := cmd.Context()
	control, closeControl, err := signalControl(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeControl()

	n, err := control.CollectGarbage(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d stale session(s)\n", n)
	return nil
}
