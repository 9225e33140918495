package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/term"

	"github.com/rho-agent/rho/internal/agent"
)

// promptApproval returns the approval callback for interactive runs.
// When stdin is not a terminal there is nobody to ask, so every gated
// call interrupts the run for out-of-band settlement via rho resume.
func promptApproval(in *os.File, out io.Writer) agent.ApprovalCallback {
	if !term.IsTerminal(int(in.Fd())) {
		return func(ctx context.Context, toolName string, args map[string]any) (agent.ApprovalDecision, error) {
			return agent.Interrupt, nil
		}
	}

	reader := bufio.NewReader(in)
	return func(ctx context.Context, toolName string, args map[string]any) (agent.ApprovalDecision, error) {
		fmt.Fprintf(out, "\nApproval required: %s\n", toolName)
		for _, k := range sortedKeys(args) {
			fmt.Fprintf(out, "  %s: %s\n", k, clipString(fmt.Sprintf("%v", args[k]), 200))
		}

		for {
			fmt.Fprint(out, "approve? [y]es / [n]o / [i]nterrupt: ")
			line, err := reader.ReadString('\n')
			if err != nil {
				// Lost the terminal mid-prompt; freeze instead of guessing.
				return agent.Interrupt, nil
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return agent.Approved, nil
			case "n", "no":
				return agent.Rejected, nil
			case "i", "interrupt":
				return agent.Interrupt, nil
			}
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseDecisions parses the --decide flag: comma-separated id=yes|no
// pairs.
func parseDecisions(raw string) (map[string]bool, error) {
	decisions := make(map[string]bool)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, value, ok := strings.Cut(pair, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid decision %q (want id=yes|no)", pair)
		}
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "yes", "y", "approve", "true":
			decisions[id] = true
		case "no", "n", "reject", "false":
			decisions[id] = false
		default:
			return nil, fmt.Errorf("invalid decision value %q for %s (want yes or no)", value, id)
		}
	}
	if len(decisions) == 0 {
		return nil, fmt.Errorf("no decisions given")
	}
	return decisions, nil
}
