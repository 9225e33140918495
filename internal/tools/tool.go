// Package tools defines the tool contract and the registry that exposes
// tools to the model and dispatches invocations.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rho-agent/rho/pkg/models"
)

// Tool is the contract every capability implements. Implementations may
// hold long-lived resources (DB pools, sandbox handles); the harness
// imposes no per-call lifecycle.
type Tool interface {
	// Name is the stable identifier the model calls the tool by.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Parameters returns the JSON Schema object describing arguments.
	Parameters() map[string]any

	// RequiresApproval marks the tool as dangerous; the profile's
	// approval mode decides whether the flag gates dispatch.
	RequiresApproval() bool

	// Enabled reports whether the tool is currently exposed. Disabled
	// tools are absent from specs and rejected by dispatch.
	Enabled() bool

	// Handle executes one invocation. Blocking I/O is expected; ctx
	// carries cancellation and the per-call deadline.
	Handle(ctx context.Context, inv models.ToolInvocation) (models.ToolOutput, error)
}

// Spec is the wire shape of a tool sent to the model.
type Spec struct {
	Type     string   `json:"type"`
	Function SpecBody `json:"function"`
}

// SpecBody carries the function fields of a Spec.
type SpecBody struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// NewSpec builds the wire spec for a tool.
func NewSpec(t Tool) Spec {
	return Spec{
		Type: "function",
		Function: SpecBody{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// ParseArguments decodes a raw model-produced argument string into the
// map form used during dispatch. The empty string decodes to an empty
// map since providers emit "" for zero-argument calls.
func ParseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decode tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// Invocation builds a ToolInvocation from a model tool call, decoding
// the argument string lazily.
func Invocation(call models.ToolCallSpec) (models.ToolInvocation, error) {
	args, err := ParseArguments(call.Arguments)
	if err != nil {
		return models.ToolInvocation{}, err
	}
	return models.ToolInvocation{
		CallID:    call.ID,
		ToolName:  call.Name,
		Arguments: args,
	}, nil
}
