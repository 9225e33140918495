package models

import (
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusCreated     SessionStatus = "created"
	StatusRunning     SessionStatus = "running"
	StatusCompleted   SessionStatus = "completed"
	StatusCancelled   SessionStatus = "cancelled"
	StatusError       SessionStatus = "error"
	StatusInterrupted SessionStatus = "interrupted"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusCompleted, StatusCancelled,
		StatusError, StatusInterrupted:
		return true
	}
	return false
}

// ToolApprovalItem is one frozen tool call awaiting an approval decision.
type ToolApprovalItem struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	ToolArgs   string `json:"tool_args"`
}

// RunState is the serializable snapshot of an interrupted run. It holds
// everything needed to resume out-of-band: the history up to the
// interruption, usage totals, and the calls still awaiting approval.
type RunState struct {
	SessionID        string             `json:"session_id"`
	SystemPrompt     string             `json:"system_prompt,omitempty"`
	History          []Message          `json:"history"`
	Usage            Usage              `json:"usage"`
	LastInputTokens  int                `json:"last_input_tokens,omitempty"`
	PendingApprovals []ToolApprovalItem `json:"pending_approvals,omitempty"`
}

// RunResult is what one Session.Run call produces.
type RunResult struct {
	// Text is the final assistant text of the run (empty when the run
	// did not complete normally).
	Text string `json:"text,omitempty"`

	// Events is every event emitted during the run, in order.
	Events []AgentEvent `json:"events,omitempty"`

	// Status is the terminal status of the run.
	Status SessionStatus `json:"status"`

	// Usage is the session-cumulative usage after the run.
	Usage Usage `json:"usage"`

	// Interruptions lists human-readable interruption reasons.
	Interruptions []string `json:"interruptions,omitempty"`

	// State is populated iff Status is interrupted, so callers can
	// round-trip into Session.Resume.
	State *RunState `json:"state,omitempty"`
}

// RunStats is an aggregated summary derived from an event stream.
type RunStats struct {
	SessionID string `json:"session_id,omitempty"`

	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	WallTime   time.Duration `json:"wall_time,omitempty"`

	Turns     int `json:"turns,omitempty"`
	ToolCalls int `json:"tool_calls,omitempty"`

	ToolWallTime time.Duration `json:"tool_wall_time,omitempty"`

	Usage Usage `json:"usage"`

	ContextSize int  `json:"context_size,omitempty"`
	Compactions int  `json:"compactions,omitempty"`
	Errors      int  `json:"errors,omitempty"`
	Cancelled   bool `json:"cancelled,omitempty"`
	Interrupted bool `json:"interrupted,omitempty"`
}
