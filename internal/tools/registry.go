package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rho-agent/rho/pkg/models"
)

const (
	// MaxToolNameLength bounds tool names to keep specs sane.
	MaxToolNameLength = 256
)

// ErrDuplicateTool is returned when registering a name twice.
var ErrDuplicateTool = errors.New("tool already registered")

// Registry is a named collection of tools. It emits wire specs sorted
// by name (any ordering change invalidates the provider's cached prompt
// prefix), coerces model-produced argument types, and dispatches
// invocations without ever raising for tool-caused failures.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	strict  bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStrictValidation makes dispatch validate full argument documents
// against the tool schema and return a structured failure instead of
// passing unvalidated values through.
func WithStrictValidation() RegistryOption {
	return func(r *Registry) { r.strict = true }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. The tool's parameter schema is compiled here so
// configuration bugs surface at construction, not mid-run.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return errors.New("tool is nil")
	}
	name := t.Name()
	if name == "" {
		return errors.New("tool name is empty")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name %q exceeds %d characters", name[:32], MaxToolNameLength)
	}

	schema, err := compileParameters(name, t.Parameters())
	if err != nil {
		return fmt.Errorf("tool %q: invalid parameter schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, name)
	}
	r.tools[name] = t
	r.schemas[name] = schema
	return nil
}

// Unregister removes a tool by name. Removing an absent name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Clear removes every tool.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]Tool)
	r.schemas = make(map[string]*jsonschema.Schema)
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Specs returns the wire specs of every enabled tool, sorted ascending
// by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		if !t.Enabled() {
			continue
		}
		specs = append(specs, NewSpec(t))
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Function.Name < specs[j].Function.Name
	})
	return specs
}

// RequiresApproval reports the static approval flag of the named tool.
// Unknown tools never require approval; they fail at dispatch instead.
func (r *Registry) RequiresApproval(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return ok && t.RequiresApproval()
}

// Dispatch runs one invocation. Tool-caused failures come back as
// ToolOutput{Success: false}, never as an error: absent or disabled
// tools, handler errors, and handler panics are all converted so the
// model can self-correct on the next turn. The returned error is
// reserved for the session's own cancellation.
func (r *Registry) Dispatch(ctx context.Context, inv models.ToolInvocation) (models.ToolOutput, error) {
	r.mu.RLock()
	t, ok := r.tools[inv.ToolName]
	schema := r.schemas[inv.ToolName]
	strict := r.strict
	r.mu.RUnlock()

	if !ok {
		return models.FailedOutput(fmt.Sprintf("Tool %q is not available.", inv.ToolName)), nil
	}
	if !t.Enabled() {
		return models.FailedOutput(fmt.Sprintf("Tool %q is disabled.", inv.ToolName)), nil
	}

	inv.Arguments = coerceArguments(t.Parameters(), inv.Arguments)

	if strict && schema != nil {
		if err := validateArguments(schema, inv.Arguments); err != nil {
			return models.FailedOutput(fmt.Sprintf("Invalid arguments for %q: %v", inv.ToolName, err)), nil
		}
	}

	out, err := r.invoke(ctx, t, inv)
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			// The session cancelled the call; propagate instead of
			// feeding a synthetic failure back to the model.
			return models.ToolOutput{}, err
		}
		argsJSON, _ := json.Marshal(inv.Arguments)
		return models.FailedOutput(fmt.Sprintf("Tool %q failed: %v (arguments: %s)", inv.ToolName, err, argsJSON)), nil
	}
	return out, nil
}

// invoke calls the handler with panic recovery.
func (r *Registry) invoke(ctx context.Context, t Tool, inv models.ToolInvocation) (out models.ToolOutput, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return t.Handle(ctx, inv)
}

func compileParameters(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString(name+".schema.json", string(raw))
}

func validateArguments(schema *jsonschema.Schema, args map[string]any) error {
	// Round-trip through JSON so numbers take the float64 form the
	// validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
