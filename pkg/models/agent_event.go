package models

import (
	"time"
)

// AgentEvent is the unified event model for the per-run event stream
// and the JSONL trace.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering guarantees within a session
type AgentEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type AgentEventType `json:"event"`

	// Time is when the event occurred.
	Time time.Time `json:"ts"`

	// Sequence is monotonic within a session for ordering guarantees.
	Sequence uint64 `json:"seq"`

	// SessionID identifies the owning session.
	SessionID string `json:"session_id,omitempty"`

	// Turn is the 0-based turn number within the run.
	Turn int `json:"turn,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Text      *TextPayload      `json:"text,omitempty"`
	Tool      *ToolPayload      `json:"tool,omitempty"`
	Model     *ModelPayload     `json:"model,omitempty"`
	TurnEnd   *TurnPayload      `json:"turn_end,omitempty"`
	Compact   *CompactPayload   `json:"compact,omitempty"`
	Error     *ErrorPayload     `json:"error,omitempty"`
	Message   *MessagePayload   `json:"message,omitempty"`
	Usage     *UsagePayload     `json:"usage,omitempty"`
	Interrupt *InterruptPayload `json:"interrupt,omitempty"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	// Model streaming
	EventText            AgentEventType = "text"
	EventToolStart       AgentEventType = "tool_start"
	EventToolEnd         AgentEventType = "tool_end"
	EventToolBlocked     AgentEventType = "tool_blocked"
	EventAPICallComplete AgentEventType = "api_call_complete"

	// Turn lifecycle
	EventTurnComplete AgentEventType = "turn_complete"
	EventCompactStart AgentEventType = "compact_start"
	EventCompactEnd   AgentEventType = "compact_end"
	EventError        AgentEventType = "error"
	EventCancelled    AgentEventType = "cancelled"
	EventInterruption AgentEventType = "interruption"

	// Trace-only records
	EventMessage AgentEventType = "message"
	EventUsage   AgentEventType = "usage"
	EventCompact AgentEventType = "compact"
)

// TextPayload carries an incremental completion chunk.
type TextPayload struct {
	Content string `json:"content"`
}

// ToolPayload describes tool calls and their results.
type ToolPayload struct {
	CallID string `json:"call_id,omitempty"`
	Name   string `json:"name,omitempty"`

	// Arguments is the raw JSON argument string (tool_start).
	Arguments string `json:"arguments,omitempty"`

	// For tool_end and tool_blocked:
	Content  string         `json:"content,omitempty"`
	Success  bool           `json:"success,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Elapsed  time.Duration  `json:"elapsed,omitempty"`
}

// ModelPayload reports one completed model call.
type ModelPayload struct {
	// Delta is the usage of this call only.
	Delta Usage `json:"delta"`

	// ContextSize is the measured prompt-token count of this call.
	ContextSize int `json:"context_size,omitempty"`
}

// TurnPayload reports session-cumulative totals at turn completion.
type TurnPayload struct {
	Usage Usage `json:"usage"`

	// ContextSize is the last observed prompt-token count, not an estimate.
	ContextSize int `json:"context_size,omitempty"`
}

// CompactPayload describes a history compaction.
type CompactPayload struct {
	Trigger      string `json:"trigger"` // auto or manual
	TokensBefore int    `json:"tokens_before,omitempty"`
	TokensAfter  int    `json:"tokens_after,omitempty"`
	Summary      string `json:"summary,omitempty"`
}

// ErrorPayload standardizes errors on the event stream.
type ErrorPayload struct {
	Message string `json:"message"`
}

// MessagePayload mirrors a history mutation into the trace.
type MessagePayload struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []ToolCallSpec `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// UsagePayload is the trace record carrying cumulative totals.
type UsagePayload struct {
	Usage    Usage         `json:"usage"`
	Status   SessionStatus `json:"status,omitempty"`
	RunCount uint64        `json:"run_count,omitempty"`
}

// InterruptPayload lists the calls frozen by an approval interrupt.
type InterruptPayload struct {
	Pending []ToolApprovalItem `json:"pending"`
}

// Terminal reports whether the event ends a turn. turn_complete, error,
// cancelled, and interruption are the only terminal kinds.
func (t AgentEventType) Terminal() bool {
	switch t {
	case EventTurnComplete, EventError, EventCancelled, EventInterruption:
		return true
	}
	return false
}
