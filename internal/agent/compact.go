package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rho-agent/rho/pkg/models"
)

// Compaction triggers recorded on compact events.
const (
	CompactTriggerAuto   = "auto"
	CompactTriggerManual = "manual"
)

// defaultCompactThreshold is the fraction of the context window at
// which auto-compaction fires.
const defaultCompactThreshold = 0.7

// SummaryPrefix marks the synthetic user message a compaction leaves
// behind, so replay and humans can tell it from real input.
const SummaryPrefix = "[Conversation summary]\n\n"

// toolResultClip bounds how much of each tool result is fed to the
// summarizer.
const toolResultClip = 500

const compactSystemPrompt = `You are writing a checkpoint summary of an agent session so it can continue in a fresh context window. The summary fully replaces the conversation: anything you leave out is gone.

Cover, in this order:
1. The task: what the user asked for, with every constraint they stated.
2. Progress: what has been done and verified so far.
3. Decisions: choices made along the way and why.
4. Remaining work: what is not done yet, in execution order.
5. References: exact file paths, identifiers, commands, and values the continuation will need.

Be specific and factual. No preamble, no pleasantries.`

// CompactResult reports one completed compaction.
type CompactResult struct {
	Summary      string
	TokensBefore int
	TokensAfter  int
	Trigger      string
}

// Compact summarizes the conversation and replaces history with the
// summary plus the most recent user messages. Manual entry point; the
// loop triggers the same path automatically at the context threshold.
func (s *Session) Compact(ctx context.Context) (*CompactResult, error) {
	return s.compact(ctx, CompactTriggerManual)
}

func (s *Session) compact(ctx context.Context, trigger string) (*CompactResult, error) {
	messages := s.state.Messages()
	if len(messages) == 0 {
		return nil, errors.New("compact: nothing to summarize")
	}
	tokensBefore := s.state.EstimateTokens(s.agent.SystemPrompt)

	system := compactSystemPrompt
	if s.opts.compactGuidance != "" {
		system += "\n\nAdditional guidance:\n" + s.opts.compactGuidance
	}
	request := []models.Message{
		models.NewSystemMessage(system),
		models.NewUserMessage("Summarize this conversation for handoff:\n\n" + renderForSummary(messages)),
	}

	summary, usage, err := s.client.Complete(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("compact: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, errors.New("compact: model returned an empty summary")
	}
	s.state.UpdateUsage(usage)

	// Keep the latest user messages verbatim so fresh instructions
	// survive the squash, then the summary as the newest turn.
	recent := s.state.UserMessages()
	s.state.ReplaceWithSummary(SummaryPrefix+summary, recent)

	// The measured prompt size is stale now; fall back to estimates
	// until the next model call reports one.
	s.lastInputTokens = 0

	return &CompactResult{
		Summary:      summary,
		TokensBefore: tokensBefore,
		TokensAfter:  s.state.EstimateTokens(s.agent.SystemPrompt),
		Trigger:      trigger,
	}, nil
}

// renderForSummary flattens history into the plain-text form the
// summarizer reads. Tool results are clipped; call arguments are
// dropped in favor of the tool name.
func renderForSummary(messages []models.Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case models.RoleUser:
			b.WriteString("User: " + m.Content + "\n")
		case models.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				for _, call := range m.ToolCalls {
					b.WriteString("Assistant called tool: " + call.Name + "\n")
				}
				continue
			}
			b.WriteString("Assistant: " + m.Content + "\n")
		case models.RoleTool:
			b.WriteString("Tool result: " + clip(m.Content, toolResultClip) + "\n")
		}
	}
	return b.String()
}
