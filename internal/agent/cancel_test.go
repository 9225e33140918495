package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rho-agent/rho/pkg/models"
)

func TestRun_CancelDuringStream(t *testing.T) {
	var sess *Session
	client := &funcClient{stream: func(context.Context, Prompt) (<-chan StreamEvent, error) {
		ch := make(chan StreamEvent)
		go func() {
			defer close(ch)
			ch <- textChunk("partial")
			sess.RequestCancel()
			ch <- textChunk(" more")
			ch <- doneChunk(5, 5)
		}()
		return ch, nil
	}}
	sess = newTestSession(t, testAgent(t, client))

	res, err := sess.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}
	last := res.Events[len(res.Events)-1]
	if last.Type != models.EventCancelled {
		t.Fatalf("terminal event = %s", last.Type)
	}
	// Cancelled partial text is discarded, not committed to history.
	for _, m := range sess.State().Messages() {
		if m.Role == models.RoleAssistant {
			t.Errorf("assistant message survived cancellation: %q", m.Content)
		}
	}
	if sess.State().Status() != models.StatusCancelled {
		t.Errorf("state status = %s", sess.State().Status())
	}
}

func TestRun_CancelBetweenTools(t *testing.T) {
	var sess *Session
	first := &stubTool{name: "first", handler: func(context.Context, models.ToolInvocation) (models.ToolOutput, error) {
		sess.RequestCancel()
		return models.ToolOutput{Content: "finished anyway", Success: true}, nil
	}}
	second := &stubTool{name: "second", handler: func(context.Context, models.ToolInvocation) (models.ToolOutput, error) {
		t.Error("second tool ran after cancellation")
		return models.ToolOutput{Success: true}, nil
	}}
	client := &scriptedClient{turns: [][]StreamEvent{
		{
			toolChunk("c1", "first", `{}`),
			toolChunk("c2", "second", `{}`),
			doneChunk(10, 2),
		},
	}}
	sess = newTestSession(t, testAgent(t, client, first, second))

	res, err := sess.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}

	// The in-flight call keeps its real result; the unexecuted one is
	// answered with the cancellation text so no id is left dangling.
	msgs := sess.State().Messages()
	if len(msgs) != 4 {
		t.Fatalf("history = %d messages, want 4", len(msgs))
	}
	if msgs[2].ToolCallID != "c1" || msgs[2].Content != "finished anyway" {
		t.Errorf("c1 result = %+v", msgs[2])
	}
	if msgs[3].ToolCallID != "c2" || msgs[3].Content != CancelledToolResult {
		t.Errorf("c2 result = %+v", msgs[3])
	}

	wantEventTypes(t, res.Events,
		models.EventToolStart, models.EventToolStart, models.EventAPICallComplete,
		models.EventToolEnd, models.EventToolEnd, models.EventCancelled)
	if res.Events[4].Tool.CallID != "c2" || res.Events[4].Tool.Success {
		t.Errorf("synthetic tool_end = %+v", res.Events[4].Tool)
	}
}

func TestRun_ContextCancelledBeforeStart(t *testing.T) {
	client := &scriptedClient{turns: [][]StreamEvent{
		{textChunk("never"), doneChunk(1, 1)},
	}}
	sess := newTestSession(t, testAgent(t, client))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := sess.Run(ctx, "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}
	if client.callCount() != 0 {
		t.Errorf("model calls = %d, want 0", client.callCount())
	}
	// History untouched: the prompt was never committed.
	if sess.State().Len() != 0 {
		t.Errorf("history = %d messages, want 0", sess.State().Len())
	}
}

func TestRun_CancelCheckOption(t *testing.T) {
	cancelNow := false
	client := &scriptedClient{turns: [][]StreamEvent{
		{toolChunk("c1", "flip", `{}`), doneChunk(5, 1)},
		{textChunk("never reached"), doneChunk(5, 1)},
	}}
	flip := &stubTool{name: "flip", handler: func(context.Context, models.ToolInvocation) (models.ToolOutput, error) {
		cancelNow = true
		return models.ToolOutput{Content: "flipped", Success: true}, nil
	}}
	sess := newTestSession(t, testAgent(t, client, flip),
		WithCancelCheck(func() bool { return cancelNow }))

	res, err := sess.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}
	// The second model call never happens.
	if client.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", client.callCount())
	}
}

func TestRun_ToolTimeoutBecomesFailureResult(t *testing.T) {
	slow := &stubTool{name: "slow", handler: func(ctx context.Context, _ models.ToolInvocation) (models.ToolOutput, error) {
		select {
		case <-ctx.Done():
			return models.ToolOutput{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return models.ToolOutput{Content: "too late", Success: true}, nil
		}
	}}
	client := &scriptedClient{turns: [][]StreamEvent{
		{toolChunk("c1", "slow", `{}`), doneChunk(5, 1)},
		{textChunk("acknowledged the timeout"), doneChunk(5, 1)},
	}}
	a := testAgent(t, client, slow)
	a.Profile.ToolTimeout = 20 * time.Millisecond
	sess := newTestSession(t, a)

	res, err := sess.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// A per-call timeout is the model's problem, not the run's: the
	// loop feeds the failure back and keeps going.
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	msgs := sess.State().Messages()
	if !strings.Contains(msgs[2].Content, `Tool "slow" timed out after`) {
		t.Errorf("timeout result = %q", msgs[2].Content)
	}
	if client.callCount() != 2 {
		t.Errorf("model calls = %d, want 2", client.callCount())
	}
}

func TestRun_ContextCancelDuringToolPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocker := &stubTool{name: "block", handler: func(ctx context.Context, _ models.ToolInvocation) (models.ToolOutput, error) {
		cancel()
		<-ctx.Done()
		return models.ToolOutput{}, ctx.Err()
	}}
	client := &scriptedClient{turns: [][]StreamEvent{
		{toolChunk("c1", "block", `{}`), doneChunk(5, 1)},
	}}
	sess := newTestSession(t, testAgent(t, client, blocker))

	res, err := sess.Run(ctx, "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}
	msgs := sess.State().Messages()
	if msgs[2].Content != CancelledToolResult {
		t.Errorf("c1 result = %q", msgs[2].Content)
	}
}
