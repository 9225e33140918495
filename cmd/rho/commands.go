package main

import (
	"github.com/spf13/cobra"
)

// runOptions carries the run command's flag values into the handler.
type runOptions struct {
	configPath       string
	model            string
	profileName      string
	system           string
	workdir          string
	maxTurns         int
	contextWindow    int
	noAutoCompact    bool
	evalNudge        bool
	tracePath        string
	telemetryBackend string
	metricsAddr      string
	approve          string
	dbPath           string
}

func buildRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [instruction]",
		Short: "Run the agent on a single instruction",
		Long: `Run starts a new session, drives the agent loop until the model
produces a final answer, and streams text and tool activity to stdout.

The run stops early when a gated tool call needs approval and stdin is
not a terminal; the pending state is saved and can be settled later with
"rho resume".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model identifier (overrides config)")
	cmd.Flags().StringVar(&opts.profileName, "profile", "", "Capability profile name or file path")
	cmd.Flags().StringVar(&opts.system, "system", "", "System prompt (overrides config)")
	cmd.Flags().StringVar(&opts.workdir, "workdir", "", "Working directory for tool execution")
	cmd.Flags().IntVar(&opts.maxTurns, "max-turns", 0, "Abort after this many turns (0 = config default)")
	cmd.Flags().IntVar(&opts.contextWindow, "context-window", 0, "Context window size in tokens (0 = config default)")
	cmd.Flags().BoolVar(&opts.noAutoCompact, "no-auto-compact", false, "Disable automatic history compaction")
	cmd.Flags().BoolVar(&opts.evalNudge, "eval-nudge", false, "Nudge the agent to keep working instead of asking questions")
	cmd.Flags().StringVar(&opts.tracePath, "trace", "", "Write a second copy of the event trace to this file")
	cmd.Flags().StringVar(&opts.telemetryBackend, "telemetry", "", "Telemetry backend: sqlite, postgres, otlp, or none")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	cmd.Flags().StringVar(&opts.approve, "approve", "", "Approval mode override: none, dangerous, or all")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "SQLite database exposed to the db_query tool")

	return cmd
}

func buildResumeCmd() *cobra.Command {
	var (
		configPath string
		approveAll bool
		rejectAll  bool
		decide     string
	)

	cmd := &cobra.Command{
		Use:   "resume [run-id]",
		Short: "Resume an interrupted run with approval decisions",
		Long: `Resume loads the saved state of a run that stopped for tool approval,
applies the given decisions, and continues the loop from where it left off.

Decisions are per tool call:

  rho resume <run-id> --decide call_1=yes,call_2=no
  rho resume <run-id> --approve-all`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, configPath, args[0], approveAll, rejectAll, decide)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().BoolVar(&approveAll, "approve-all", false, "Approve every pending tool call")
	cmd.Flags().BoolVar(&rejectAll, "reject-all", false, "Reject every pending tool call")
	cmd.Flags().StringVar(&decide, "decide", "", "Comma-separated call decisions (id=yes|no)")

	return cmd
}

func buildConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect harness configuration",
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the config file and report the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema for the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}

	cmd.AddCommand(validateCmd, schemaCmd)
	return cmd
}
