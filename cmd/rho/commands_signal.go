package main

import (
	"github.com/spf13/cobra"
)

func buildSignalCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Signal running sessions",
		Long: `Signal writes control-plane flags that running sessions poll at
their next yield point. Cancel stops a run, pause parks it until
resumed, and directive queues text the agent sees at its next turn.`,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	var cancelPrefix string
	cancelCmd := &cobra.Command{
		Use:   "cancel [session-id]",
		Short: "Request cancellation of a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignalCancel(cmd, configPath, args, cancelPrefix)
		},
	}
	cancelCmd.Flags().StringVar(&cancelPrefix, "prefix", "", "Cancel every running session whose id has this prefix")

	var pauseAll bool
	pauseCmd := &cobra.Command{
		Use:   "pause [session-id]",
		Short: "Pause a session at its next yield point",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignalPause(cmd, configPath, args, pauseAll)
		},
	}
	pauseCmd.Flags().BoolVar(&pauseAll, "all", false, "Pause every running session")

	var resumeAll bool
	resumeCmd := &cobra.Command{
		Use:   "resume [session-id]",
		Short: "Clear a session's pause flag",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignalResume(cmd, configPath, args, resumeAll)
		},
	}
	resumeCmd.Flags().BoolVar(&resumeAll, "all", false, "Resume every paused session")

	directiveCmd := &cobra.Command{
		Use:   "directive [session-id] [text]",
		Short: "Queue a directive for injection at the next turn",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignalDirective(cmd, configPath, args[0], args[1])
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered running sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignalList(cmd, configPath)
		},
	}

	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove registrations whose process is gone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignalGC(cmd, configPath)
		},
	}

	cmd.AddCommand(cancelCmd, pauseCmd, resumeCmd, directiveCmd, listCmd, gcCmd)
	return cmd
}
