package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rho-agent/rho/pkg/models"
)

// stubTool is a scriptable Tool for registry tests.
type stubTool struct {
	name     string
	params   map[string]any
	approval bool
	disabled bool
	handler  func(ctx context.Context, inv models.ToolInvocation) (models.ToolOutput, error)
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub tool " + s.name }
func (s *stubTool) Parameters() map[string]any {
	if s.params != nil {
		return s.params
	}
	return map[string]any{"type": "object"}
}
func (s *stubTool) RequiresApproval() bool { return s.approval }
func (s *stubTool) Enabled() bool          { return !s.disabled }
func (s *stubTool) Handle(ctx context.Context, inv models.ToolInvocation) (models.ToolOutput, error) {
	if s.handler != nil {
		return s.handler(ctx, inv)
	}
	return models.ToolOutput{Content: "ok", Success: true}, nil
}

func TestSpecsSortedByName(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(&stubTool{name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	specs := r.Specs()
	if len(specs) != 3 {
		t.Fatalf("got %d specs, want 3", len(specs))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, spec := range specs {
		if spec.Function.Name != want[i] {
			t.Errorf("spec[%d] = %q, want %q", i, spec.Function.Name, want[i])
		}
		if spec.Type != "function" {
			t.Errorf("spec type = %q", spec.Type)
		}
	}
}

func TestSpecsExcludeDisabled(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "on"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&stubTool{name: "off", disabled: true}); err != nil {
		t.Fatal(err)
	}

	specs := r.Specs()
	if len(specs) != 1 || specs[0].Function.Name != "on" {
		t.Fatalf("disabled tool leaked into specs: %+v", specs)
	}
}

func TestDispatchUnknownToolNeverRaises(t *testing.T) {
	r := NewRegistry()
	out, err := r.Dispatch(context.Background(), models.ToolInvocation{ToolName: "ghost"})
	if err != nil {
		t.Fatalf("unknown tool must not error: %v", err)
	}
	if out.Success {
		t.Fatal("unknown tool should produce a failure output")
	}
	if !strings.Contains(out.Content, "ghost") {
		t.Fatalf("failure should name the tool: %q", out.Content)
	}
}

func TestDispatchDisabledTool(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "dark", disabled: true}); err != nil {
		t.Fatal(err)
	}
	out, err := r.Dispatch(context.Background(), models.ToolInvocation{ToolName: "dark"})
	if err != nil || out.Success {
		t.Fatalf("disabled dispatch: out=%+v err=%v", out, err)
	}
}

func TestDispatchWrapsHandlerError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("connection refused")
	if err := r.Register(&stubTool{
		name: "db",
		handler: func(context.Context, models.ToolInvocation) (models.ToolOutput, error) {
			return models.ToolOutput{}, boom
		},
	}); err != nil {
		t.Fatal(err)
	}

	out, err := r.Dispatch(context.Background(), models.ToolInvocation{
		ToolName:  "db",
		Arguments: map[string]any{"query": "SELECT 1"},
	})
	if err != nil {
		t.Fatalf("handler error must convert, not propagate: %v", err)
	}
	if out.Success {
		t.Fatal("handler error should mark output failed")
	}
	if !strings.Contains(out.Content, "connection refused") || !strings.Contains(out.Content, "SELECT 1") {
		t.Fatalf("failure should carry error and arguments: %q", out.Content)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{
		name: "bomb",
		handler: func(context.Context, models.ToolInvocation) (models.ToolOutput, error) {
			panic("kaboom")
		},
	}); err != nil {
		t.Fatal(err)
	}

	out, err := r.Dispatch(context.Background(), models.ToolInvocation{ToolName: "bomb"})
	if err != nil {
		t.Fatalf("panic must convert: %v", err)
	}
	if out.Success || !strings.Contains(out.Content, "kaboom") {
		t.Fatalf("panic not surfaced in failure output: %q", out.Content)
	}
}

func TestDispatchPropagatesSessionCancellation(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{
		name: "slow",
		handler: func(ctx context.Context, _ models.ToolInvocation) (models.ToolOutput, error) {
			<-ctx.Done()
			return models.ToolOutput{}, ctx.Err()
		},
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Dispatch(ctx, models.ToolInvocation{ToolName: "slow"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation should propagate, got %v", err)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "echo"}); err != nil {
		t.Fatal(err)
	}
	err := r.Register(&stubTool{name: "echo"})
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("want ErrDuplicateTool, got %v", err)
	}
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&stubTool{
		name:   "bad",
		params: map[string]any{"type": "object", "properties": map[string]any{"x": map[string]any{"type": 42}}},
	})
	if err == nil {
		t.Fatal("invalid schema must fail at registration")
	}
}

func TestRegisterUnregisterRoundTrip(t *testing.T) {
	r := NewRegistry()
	before := len(r.Specs())

	if err := r.Register(&stubTool{name: "transient"}); err != nil {
		t.Fatal(err)
	}
	r.Unregister("transient")

	if got := len(r.Specs()); got != before {
		t.Fatalf("registry not restored: %d specs, want %d", got, before)
	}
	if r.Has("transient") {
		t.Fatal("tool still present after unregister")
	}
}

func TestRequiresApproval(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "safe"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&stubTool{name: "danger", approval: true}); err != nil {
		t.Fatal(err)
	}

	if r.RequiresApproval("safe") {
		t.Error("safe tool flagged")
	}
	if !r.RequiresApproval("danger") {
		t.Error("dangerous tool not flagged")
	}
	if r.RequiresApproval("absent") {
		t.Error("unknown tool flagged")
	}
}

func TestStrictValidationRejectsBadArguments(t *testing.T) {
	r := NewRegistry(WithStrictValidation())
	if err := r.Register(&stubTool{
		name: "typed",
		params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"count": map[string]any{"type": "integer"},
			},
			"required": []any{"count"},
		},
	}); err != nil {
		t.Fatal(err)
	}

	out, err := r.Dispatch(context.Background(), models.ToolInvocation{
		ToolName:  "typed",
		Arguments: map[string]any{"count": "not-a-number"},
	})
	if err != nil {
		t.Fatalf("validation failure must not error: %v", err)
	}
	if out.Success {
		t.Fatal("invalid arguments should fail dispatch in strict mode")
	}
}

func TestDispatchCoercesBooleanStrings(t *testing.T) {
	for _, tc := range []struct {
		raw  string
		want bool
	}{
		{"true", true}, {"false", false},
		{"1", true}, {"0", false},
		{"yes", true}, {"no", false},
	} {
		t.Run(tc.raw, func(t *testing.T) {
			r := NewRegistry()
			var received any
			if err := r.Register(&stubTool{
				name: "flagged",
				params: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"enabled": map[string]any{"type": "boolean"},
					},
				},
				handler: func(_ context.Context, inv models.ToolInvocation) (models.ToolOutput, error) {
					received = inv.Arguments["enabled"]
					return models.ToolOutput{Success: true}, nil
				},
			}); err != nil {
				t.Fatal(err)
			}

			if _, err := r.Dispatch(context.Background(), models.ToolInvocation{
				ToolName:  "flagged",
				Arguments: map[string]any{"enabled": tc.raw},
			}); err != nil {
				t.Fatal(err)
			}
			got, ok := received.(bool)
			if !ok {
				t.Fatalf("handler received %T, want bool", received)
			}
			if got != tc.want {
				t.Fatalf("coerced %q to %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestParseArguments(t *testing.T) {
	args, err := ParseArguments(`{"text":"hi","n":3}`)
	if err != nil {
		t.Fatal(err)
	}
	if args["text"] != "hi" {
		t.Fatalf("args = %+v", args)
	}

	empty, err := ParseArguments("")
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty arguments: %+v, %v", empty, err)
	}

	if _, err := ParseArguments("{broken"); err == nil {
		t.Fatal("malformed JSON should error")
	}
}

func TestConcurrentDispatch(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "echo", handler: func(_ context.Context, inv models.ToolInvocation) (models.ToolOutput, error) {
		return models.ToolOutput{Content: fmt.Sprint(inv.Arguments["i"]), Success: true}, nil
	}}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				_, _ = r.Dispatch(context.Background(), models.ToolInvocation{
					ToolName:  "echo",
					Arguments: map[string]any{"i": i},
				})
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
