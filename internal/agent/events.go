package agent

import (
	"time"

	"github.com/rho-agent/rho/pkg/models"
)

// Event constructors for the loop. Sequence, timestamp, session id and
// turn are stamped by the state when the event is recorded.

func textEvent(content string) models.AgentEvent {
	return models.AgentEvent{
		Type: models.EventText,
		Text: &models.TextPayload{Content: content},
	}
}

func toolStartEvent(call models.ToolCallSpec) models.AgentEvent {
	return models.AgentEvent{
		Type: models.EventToolStart,
		Tool: &models.ToolPayload{CallID: call.ID, Name: call.Name, Arguments: call.Arguments},
	}
}

func toolEndEvent(call models.ToolCallSpec, content string, success bool, metadata map[string]any, elapsed time.Duration) models.AgentEvent {
	return models.AgentEvent{
		Type: models.EventToolEnd,
		Tool: &models.ToolPayload{
			CallID:   call.ID,
			Name:     call.Name,
			Content:  content,
			Success:  success,
			Metadata: metadata,
			Elapsed:  elapsed,
		},
	}
}

func toolBlockedEvent(call models.ToolCallSpec, content string) models.AgentEvent {
	return models.AgentEvent{
		Type: models.EventToolBlocked,
		Tool: &models.ToolPayload{CallID: call.ID, Name: call.Name, Content: content},
	}
}

func apiCallEvent(delta models.Usage, contextSize int) models.AgentEvent {
	return models.AgentEvent{
		Type:  models.EventAPICallComplete,
		Model: &models.ModelPayload{Delta: delta, ContextSize: contextSize},
	}
}

func turnCompleteEvent(usage models.Usage, contextSize int) models.AgentEvent {
	return models.AgentEvent{
		Type:    models.EventTurnComplete,
		TurnEnd: &models.TurnPayload{Usage: usage, ContextSize: contextSize},
	}
}

func compactStartEvent(trigger string, tokensBefore int) models.AgentEvent {
	return models.AgentEvent{
		Type:    models.EventCompactStart,
		Compact: &models.CompactPayload{Trigger: trigger, TokensBefore: tokensBefore},
	}
}

func compactEndEvent(res *CompactResult) models.AgentEvent {
	return models.AgentEvent{
		Type: models.EventCompactEnd,
		Compact: &models.CompactPayload{
			Trigger:      res.Trigger,
			TokensBefore: res.TokensBefore,
			TokensAfter:  res.TokensAfter,
			Summary:      res.Summary,
		},
	}
}

func errorEvent(message string) models.AgentEvent {
	return models.AgentEvent{
		Type:  models.EventError,
		Error: &models.ErrorPayload{Message: message},
	}
}

func cancelledEvent() models.AgentEvent {
	return models.AgentEvent{Type: models.EventCancelled}
}

func interruptionEvent(pending []models.ToolApprovalItem) models.AgentEvent {
	return models.AgentEvent{
		Type:      models.EventInterruption,
		Interrupt: &models.InterruptPayload{Pending: pending},
	}
}
