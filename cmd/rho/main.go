// Package main provides the CLI entry point for the rho agent harness.
//
// rho runs a tool-using model agent against a single instruction,
// streams its output, and persists everything needed to inspect,
// signal, or resume the run from another process.
//
// # Basic Usage
//
// Run an instruction under the default profile:
//
//	rho run "summarize the failing tests" --model claude-sonnet-4-20250514
//
// Resume a run that stopped for tool approval:
//
//	rho resume <run-id> --decide <call-id>=yes
//
// Inspect sessions and traces:
//
//	rho sessions list
//	rho trace ~/.config/rho-agent/sessions/<id>/trace.jsonl
//
// Signal a running session from another terminal:
//
//	rho signal cancel <session-id>
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - ANTHROPIC_API_KEY: Anthropic API key for claude* models
//   - OPENAI_API_KEY: OpenAI API key for everything else
//   - RHO_AGENT_SIGNAL_DIR: Signal directory override
//   - RHO_AGENT_OUTPUT_MAX_CHARS: Tool output truncation budget
//   - RHO_AGENT_PREVIEW_LINES: Tool output preview lines
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// A local .env keeps API keys out of shell history. Missing is fine.
	_ = godotenv.Load()

	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rho",
		Short: "rho - tool-using agent harness",
		Long: `rho drives an LLM agent through a turn loop: stream a completion,
execute the tool calls it requests, feed results back, and repeat until
the model answers in plain text.

Capability profiles bound what the agent may touch; dangerous calls are
gated behind approval and can be decided out-of-band via rho resume.
Every run leaves a session directory with a replayable JSONL trace.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildResumeCmd(),
		buildSessionsCmd(),
		buildSignalCmd(),
		buildTraceCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rho %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
			return nil
		},
	}
}
