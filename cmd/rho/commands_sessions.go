package main

import (
	"github.com/spf13/cobra"
)

func buildSessionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect session directories",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, configPath)
		},
	}

	showCmd := &cobra.Command{
		Use:   "show [session-id]",
		Short: "Show one session's metadata and usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, configPath, args[0])
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export [session-id]",
		Short: "Print the session transcript replayed from its trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsExport(cmd, configPath, args[0])
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch [session-id]",
		Short: "Stream responses published by a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsWatch(cmd, configPath, args[0])
		},
	}

	cmd.AddCommand(listCmd, showCmd, exportCmd, watchCmd)
	return cmd
}
