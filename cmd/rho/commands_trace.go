package main

import (
	"github.com/spf13/cobra"
)

func buildTraceCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "trace [file]",
		Short: "Validate a trace file and summarize the run",
		Long: `Trace reads a JSONL trace, checks its structural invariants
(version, ordering, terminal record), and prints aggregate statistics.

Exit status is non-zero when the trace fails validation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd, args[0], jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit the report as JSON")

	return cmd
}
