package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rho-agent/rho/internal/logging"
	"github.com/rho-agent/rho/internal/profile"
	"github.com/rho-agent/rho/internal/state"
	"github.com/rho-agent/rho/pkg/models"
)

// DelegateToolName is the registry name of the sub-agent tool.
const DelegateToolName = "delegate_task"

// defaultDelegateMaxTurns bounds a child run so a confused sub-agent
// cannot burn the parent's budget.
const defaultDelegateMaxTurns = 15

// DelegateTool lets the model hand a self-contained task to a child
// agent and get back its final answer as the tool result. The child
// runs under the parent's profile stripped of delegation, so the tree
// is always one level deep.
//
// The tool is built before the parent agent exists (it is part of the
// parent's registry), so the parent is bound after construction.
type DelegateTool struct {
	parent   func() *Agent
	maxTurns int
	log      *logging.Logger
}

// DelegateOption customizes a DelegateTool.
type DelegateOption func(*DelegateTool)

// WithDelegateMaxTurns caps the child run's model calls.
func WithDelegateMaxTurns(n int) DelegateOption {
	return func(d *DelegateTool) {
		if n > 0 {
			d.maxTurns = n
		}
	}
}

// WithDelegateLogger sets the logger handed to child sessions.
func WithDelegateLogger(l *logging.Logger) DelegateOption {
	return func(d *DelegateTool) { d.log = l }
}

// NewDelegateTool builds the tool. parent supplies the current parent
// agent at call time, so reconfigured agents are picked up without
// rebuilding the registry.
func NewDelegateTool(parent func() *Agent, opts ...DelegateOption) *DelegateTool {
	d := &DelegateTool{
		parent:   parent,
		maxTurns: defaultDelegateMaxTurns,
		log:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DelegateTool) Name() string { return DelegateToolName }

func (d *DelegateTool) Description() string {
	return "Delegate a self-contained task to a sub-agent and return its final answer. " +
		"The sub-agent has its own fresh context; include every detail it needs in the task text."
}

func (d *DelegateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "Complete description of the task, self-contained",
			},
			"profile": map[string]any{
				"type":        "string",
				"description": "Optional capability profile for the sub-agent (defaults to the caller's, minus delegation)",
			},
		},
		"required": []string{"task"},
	}
}

func (d *DelegateTool) RequiresApproval() bool { return false }

func (d *DelegateTool) Enabled() bool { return d.parent != nil }

func (d *DelegateTool) Handle(ctx context.Context, inv models.ToolInvocation) (models.ToolOutput, error) {
	task, _ := inv.Arguments["task"].(string)
	if task == "" {
		return models.FailedOutput("delegate_task requires a non-empty 'task'"), nil
	}
	parent := d.parent()
	if parent == nil {
		return models.FailedOutput("delegate_task is not bound to an agent"), nil
	}

	childProfile := parent.Profile.WithoutDelegate()
	if name, _ := inv.Arguments["profile"].(string); name != "" {
		p, err := profile.Resolve(name)
		if err != nil {
			return models.FailedOutput(fmt.Sprintf("unknown sub-agent profile %q: %v", name, err)), nil
		}
		childProfile = p.WithoutDelegate()
	}

	child, err := parent.Reconfigure(childProfile)
	if err != nil {
		return models.FailedOutput(fmt.Sprintf("configure sub-agent: %v", err)), nil
	}

	childID := "delegate-" + uuid.NewString()[:8]
	session, err := NewSession(child, state.New(childID),
		WithMaxTurns(d.maxTurns),
		WithLogger(d.log),
	)
	if err != nil {
		return models.FailedOutput(fmt.Sprintf("start sub-agent: %v", err)), nil
	}

	res, err := session.Run(ctx, task)
	if err != nil {
		return models.FailedOutput(fmt.Sprintf("sub-agent run: %v", err)), nil
	}
	if res.Status != models.StatusCompleted {
		return models.FailedOutput(fmt.Sprintf("sub-agent ended with status %s", res.Status)), nil
	}
	return models.ToolOutput{
		Content: res.Text,
		Success: true,
		Metadata: map[string]any{
			"session_id":    childID,
			"input_tokens":  res.Usage.InputTokens,
			"output_tokens": res.Usage.OutputTokens,
		},
	}, nil
}
