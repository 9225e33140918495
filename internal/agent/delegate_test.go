package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/rho-agent/rho/pkg/models"
)

func TestDelegateTool_RunsChildSession(t *testing.T) {
	client := &scriptedClient{turns: [][]StreamEvent{
		{toolChunk("c1", DelegateToolName, `{"task":"count the files in the workspace"}`), doneChunk(30, 5)},
		{textChunk("There are 4 files."), doneChunk(12, 6)},
		{textChunk("Delegated: 4 files."), doneChunk(40, 8)},
	}}
	a := testAgent(t, client)
	deleg := NewDelegateTool(func() *Agent { return a })
	if err := a.Registry.Register(deleg); err != nil {
		t.Fatalf("register delegate: %v", err)
	}
	sess := newTestSession(t, a)

	res, err := sess.Run(context.Background(), "how many files are there?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s: %v", res.Status, res.Events)
	}
	if res.Text != "Delegated: 4 files." {
		t.Errorf("text = %q", res.Text)
	}
	if client.callCount() != 3 {
		t.Errorf("model calls = %d, want 3 (parent, child, parent)", client.callCount())
	}

	// The child's final answer is the parent's tool result.
	msgs := sess.State().Messages()
	if msgs[2].Role != models.RoleTool || msgs[2].Content != "There are 4 files." {
		t.Errorf("tool result = %+v", msgs[2])
	}

	var end *models.ToolPayload
	for _, ev := range res.Events {
		if ev.Type == models.EventToolEnd {
			end = ev.Tool
		}
	}
	if end == nil || !end.Success {
		t.Fatalf("tool_end = %+v", end)
	}
	childID, _ := end.Metadata["session_id"].(string)
	if !strings.HasPrefix(childID, "delegate-") {
		t.Errorf("child session id = %q", childID)
	}
	if in, _ := end.Metadata["input_tokens"].(int); in != 12 {
		t.Errorf("child input tokens = %v", end.Metadata["input_tokens"])
	}

	// Child usage is kept out of the parent session's totals; the
	// model only sees it through the metadata.
	if u := sess.State().Usage(); u.InputTokens != 70 {
		t.Errorf("parent usage = %+v", u)
	}
}

func TestDelegateTool_ChildFailureBecomesToolFailure(t *testing.T) {
	client := &scriptedClient{turns: [][]StreamEvent{
		{toolChunk("c1", DelegateToolName, `{"task":"try the flaky thing"}`), doneChunk(10, 2)},
		{errChunk("boom")},
		{textChunk("The sub-agent failed."), doneChunk(10, 2)},
	}}
	a := testAgent(t, client)
	deleg := NewDelegateTool(func() *Agent { return a })
	if err := a.Registry.Register(deleg); err != nil {
		t.Fatalf("register delegate: %v", err)
	}
	sess := newTestSession(t, a)

	res, err := sess.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	msgs := sess.State().Messages()
	if !strings.Contains(msgs[2].Content, "sub-agent ended with status error") {
		t.Errorf("tool result = %q", msgs[2].Content)
	}
}

func TestDelegateTool_MissingTask(t *testing.T) {
	deleg := NewDelegateTool(func() *Agent { return nil })
	out, err := deleg.Handle(context.Background(), models.ToolInvocation{
		CallID:    "c1",
		ToolName:  DelegateToolName,
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Success || !strings.Contains(out.Content, "non-empty 'task'") {
		t.Errorf("output = %+v", out)
	}
}

func TestDelegateTool_UnknownProfile(t *testing.T) {
	a := testAgent(t, &scriptedClient{})
	deleg := NewDelegateTool(func() *Agent { return a })
	out, err := deleg.Handle(context.Background(), models.ToolInvocation{
		Arguments: map[string]any{"task": "do it", "profile": "no-such-profile"},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Success || !strings.Contains(out.Content, `unknown sub-agent profile "no-such-profile"`) {
		t.Errorf("output = %+v", out)
	}
}

func TestDelegateTool_UnboundParent(t *testing.T) {
	deleg := NewDelegateTool(func() *Agent { return nil })
	out, err := deleg.Handle(context.Background(), models.ToolInvocation{
		Arguments: map[string]any{"task": "do it"},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Success || !strings.Contains(out.Content, "not bound") {
		t.Errorf("output = %+v", out)
	}

	if NewDelegateTool(nil).Enabled() {
		t.Errorf("tool enabled with no parent binding")
	}
}
