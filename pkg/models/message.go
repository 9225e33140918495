// Package models provides the shared domain types for the rho agent harness.
package models

// Role indicates the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one record in a conversation trajectory.
//
// The role determines which fields are populated:
//   - user/system: Content only
//   - assistant: exactly one of Content or ToolCalls
//   - tool: Content plus the ToolCallID it answers
type Message struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []ToolCallSpec `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// NewUserMessage builds a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage builds an assistant text message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewAssistantToolCalls builds an assistant message carrying tool calls.
// Content stays empty; any text the model produced alongside tool calls
// is reported through events only.
func NewAssistantToolCalls(calls []ToolCallSpec) Message {
	return Message{Role: RoleAssistant, ToolCalls: calls}
}

// NewToolMessage builds a tool-result message answering callID.
func NewToolMessage(callID, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Content: content}
}

// NewSystemMessage builds a system message. Used only as a summary
// marker inside history; the live system prompt lives on the Agent.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// ToolCallSpec is a tool call as emitted by the model. Arguments is the
// raw JSON string produced by the provider, decoded lazily at dispatch.
type ToolCallSpec struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolInvocation is the decoded form of a tool call used during dispatch.
type ToolInvocation struct {
	CallID    string
	ToolName  string
	Arguments map[string]any
}

// ToolOutput is the result of one tool invocation.
//
// Metadata carries tool-specific counters (rows, lines, exit_code,
// duration_ms, ...) consumed by output summarizers and telemetry.
type ToolOutput struct {
	Content  string         `json:"content"`
	Success  bool           `json:"success"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FailedOutput builds a failure ToolOutput with the given message.
func FailedOutput(message string) ToolOutput {
	return ToolOutput{Content: message, Success: false}
}
