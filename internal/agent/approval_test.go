package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rho-agent/rho/internal/state"
	"github.com/rho-agent/rho/pkg/models"
)

// approvalScript answers gated calls in order and records what it was
// asked about.
type approvalScript struct {
	mu        sync.Mutex
	decisions []ApprovalDecision
	err       error
	asked     []string
}

func (a *approvalScript) callback(_ context.Context, toolName string, _ map[string]any) (ApprovalDecision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.asked = append(a.asked, toolName)
	if a.err != nil {
		return Approved, a.err
	}
	if len(a.decisions) == 0 {
		return Approved, nil
	}
	d := a.decisions[0]
	a.decisions = a.decisions[1:]
	return d, nil
}

func (a *approvalScript) askedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.asked)
}

func deployTool(t *testing.T, ran *[]string) *stubTool {
	t.Helper()
	var mu sync.Mutex
	return &stubTool{
		name:      "deploy",
		dangerous: true,
		handler: func(_ context.Context, inv models.ToolInvocation) (models.ToolOutput, error) {
			mu.Lock()
			*ran = append(*ran, inv.CallID)
			mu.Unlock()
			return models.ToolOutput{Content: "deployed " + inv.CallID, Success: true}, nil
		},
	}
}

func TestRun_RejectionBlocksBatch(t *testing.T) {
	var ran []string
	tool := deployTool(t, &ran)
	client := &scriptedClient{turns: [][]StreamEvent{
		{
			toolChunk("c1", "deploy", `{"value":"prod"}`),
			toolChunk("c2", "deploy", `{"value":"staging"}`),
			doneChunk(20, 5),
		},
	}}
	script := &approvalScript{decisions: []ApprovalDecision{Rejected}}
	sess := newTestSession(t, testAgent(t, client, tool), WithApprovalCallback(script.callback))

	res, err := sess.Run(context.Background(), "deploy everywhere")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if len(ran) != 0 {
		t.Fatalf("handlers ran for %v despite rejection", ran)
	}
	// One question: the rest of the batch is skipped without asking.
	if script.askedCount() != 1 {
		t.Errorf("callback asked %d times, want 1", script.askedCount())
	}

	msgs := sess.State().Messages()
	// user, assistant tool calls, tool result c1, tool result c2
	if len(msgs) != 4 {
		t.Fatalf("history = %d messages, want 4", len(msgs))
	}
	if msgs[2].ToolCallID != "c1" || msgs[2].Content != RejectedToolResult {
		t.Errorf("rejected result = %+v", msgs[2])
	}
	if msgs[3].ToolCallID != "c2" || msgs[3].Content != SkippedToolResult {
		t.Errorf("skipped result = %+v", msgs[3])
	}

	wantEventTypes(t, res.Events,
		models.EventToolStart, models.EventToolStart, models.EventAPICallComplete,
		models.EventToolBlocked, models.EventToolBlocked, models.EventTurnComplete)
	if client.callCount() != 1 {
		t.Errorf("model calls = %d, want 1 (rejection ends the turn)", client.callCount())
	}
}

func TestRun_InterruptFreezesPendingCalls(t *testing.T) {
	var ran []string
	tool := deployTool(t, &ran)
	client := &scriptedClient{turns: [][]StreamEvent{
		{
			toolChunk("c1", "deploy", `{"value":"a"}`),
			toolChunk("c2", "deploy", `{"value":"b"}`),
			doneChunk(33, 7),
		},
	}}
	script := &approvalScript{decisions: []ApprovalDecision{Interrupt}}
	sess := newTestSession(t, testAgent(t, client, tool), WithApprovalCallback(script.callback))

	res, err := sess.Run(context.Background(), "deploy with care")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.StatusInterrupted {
		t.Fatalf("status = %s, want interrupted", res.Status)
	}
	if len(ran) != 0 {
		t.Fatalf("handlers ran for %v before any decision", ran)
	}
	if len(res.Interruptions) != 1 || !strings.Contains(res.Interruptions[0], "deploy") {
		t.Errorf("interruptions = %v", res.Interruptions)
	}

	last := res.Events[len(res.Events)-1]
	if last.Type != models.EventInterruption {
		t.Fatalf("terminal event = %s", last.Type)
	}
	if len(last.Interrupt.Pending) != 2 {
		t.Fatalf("pending on event = %d, want 2", len(last.Interrupt.Pending))
	}

	rs := res.State
	if rs == nil {
		t.Fatal("interrupted run must carry a RunState")
	}
	if rs.SessionID != "sess-test" {
		t.Errorf("run state session = %q", rs.SessionID)
	}
	if len(rs.PendingApprovals) != 2 {
		t.Fatalf("pending approvals = %d, want 2", len(rs.PendingApprovals))
	}
	if rs.PendingApprovals[0].ToolCallID != "c1" || rs.PendingApprovals[0].ToolName != "deploy" {
		t.Errorf("pending[0] = %+v", rs.PendingApprovals[0])
	}
	if rs.PendingApprovals[1].ToolArgs != `{"value":"b"}` {
		t.Errorf("pending[1] args = %q", rs.PendingApprovals[1].ToolArgs)
	}
	// History holds the model's request but no results yet.
	if len(rs.History) != 2 {
		t.Fatalf("run state history = %d messages, want 2", len(rs.History))
	}
	if rs.Usage.InputTokens != 33 {
		t.Errorf("run state usage = %+v", rs.Usage)
	}
	if rs.LastInputTokens != 33 {
		t.Errorf("run state last input tokens = %d", rs.LastInputTokens)
	}
}

func TestResume_DecisionsSkipCallback(t *testing.T) {
	var ran []string
	tool := deployTool(t, &ran)
	client := &scriptedClient{turns: [][]StreamEvent{
		{
			toolChunk("c1", "deploy", `{"value":"a"}`),
			toolChunk("c2", "deploy", `{"value":"b"}`),
			doneChunk(10, 2),
		},
		{textChunk("both deployed"), doneChunk(12, 3)},
	}}
	script := &approvalScript{decisions: []ApprovalDecision{Interrupt}}
	sess := newTestSession(t, testAgent(t, client, tool), WithApprovalCallback(script.callback))

	res, err := sess.Run(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.StatusInterrupted {
		t.Fatalf("status = %s", res.Status)
	}
	askedBefore := script.askedCount()

	resumed, err := sess.Resume(context.Background(), res.State, map[string]bool{"c1": true, "c2": true})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != models.StatusCompleted {
		t.Fatalf("resumed status = %s", resumed.Status)
	}
	if resumed.Text != "both deployed" {
		t.Errorf("resumed text = %q", resumed.Text)
	}
	if script.askedCount() != askedBefore {
		t.Errorf("callback consulted on resume despite recorded decisions")
	}
	if len(ran) != 2 || ran[0] != "c1" || ran[1] != "c2" {
		t.Errorf("executed calls = %v", ran)
	}
	// Both results and the final text are in history.
	msgs := sess.State().Messages()
	if msgs[2].Content != "deployed c1" || msgs[3].Content != "deployed c2" {
		t.Errorf("tool results = %q, %q", msgs[2].Content, msgs[3].Content)
	}
}

func TestResume_RejectionDecisionEndsTurn(t *testing.T) {
	var ran []string
	tool := deployTool(t, &ran)
	client := &scriptedClient{turns: [][]StreamEvent{
		{
			toolChunk("c1", "deploy", `{"value":"a"}`),
			toolChunk("c2", "deploy", `{"value":"b"}`),
			doneChunk(10, 2),
		},
	}}
	script := &approvalScript{decisions: []ApprovalDecision{Interrupt}}
	sess := newTestSession(t, testAgent(t, client, tool), WithApprovalCallback(script.callback))

	res, err := sess.Run(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	resumed, err := sess.Resume(context.Background(), res.State, map[string]bool{"c1": true, "c2": false})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != models.StatusCompleted {
		t.Fatalf("resumed status = %s", resumed.Status)
	}
	if len(ran) != 1 || ran[0] != "c1" {
		t.Errorf("executed calls = %v, want only c1", ran)
	}
	msgs := sess.State().Messages()
	if msgs[2].Content != "deployed c1" {
		t.Errorf("c1 result = %q", msgs[2].Content)
	}
	if msgs[3].ToolCallID != "c2" || msgs[3].Content != RejectedToolResult {
		t.Errorf("c2 result = %+v", msgs[3])
	}
	// No extra model call: the rejection hands control back to the user.
	if client.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", client.callCount())
	}
}

func TestResume_CrossProcessRestoresHistory(t *testing.T) {
	var ran []string
	tool := deployTool(t, &ran)
	client := &scriptedClient{turns: [][]StreamEvent{
		{toolChunk("c1", "deploy", `{"value":"a"}`), doneChunk(10, 2)},
		{textChunk("restored and finished"), doneChunk(15, 4)},
	}}
	script := &approvalScript{decisions: []ApprovalDecision{Interrupt}}
	sess := newTestSession(t, testAgent(t, client, tool), WithApprovalCallback(script.callback))

	res, err := sess.Run(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State == nil {
		t.Fatal("no run state")
	}

	// A fresh process: same session id, empty in-memory state.
	fresh, err := NewSession(testAgent(t, client, tool), state.New("sess-test"),
		WithApprovalCallback(script.callback))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	resumed, err := fresh.Resume(context.Background(), res.State, map[string]bool{"c1": true})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != models.StatusCompleted {
		t.Fatalf("resumed status = %s", resumed.Status)
	}
	if resumed.Text != "restored and finished" {
		t.Errorf("text = %q", resumed.Text)
	}
	msgs := fresh.State().Messages()
	if len(msgs) != 4 {
		t.Fatalf("history = %d messages, want 4", len(msgs))
	}
	if msgs[0].Content != "deploy" || msgs[2].Content != "deployed c1" {
		t.Errorf("restored history mismatch: %+v", msgs)
	}
	if fresh.State().Usage().InputTokens != res.State.Usage.InputTokens+15 {
		t.Errorf("usage after resume = %+v", fresh.State().Usage())
	}
}

func TestResume_SessionMismatch(t *testing.T) {
	client := &scriptedClient{}
	sess := newTestSession(t, testAgent(t, client))

	rs := &models.RunState{
		SessionID: "someone-else",
		History:   []models.Message{models.NewUserMessage("hi")},
	}
	res, err := sess.Resume(context.Background(), rs, nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Status != models.StatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	wantEventTypes(t, res.Events, models.EventError)
	if !strings.Contains(res.Events[0].Error.Message, "different session") {
		t.Errorf("error = %q", res.Events[0].Error.Message)
	}
	if client.callCount() != 0 {
		t.Errorf("model calls = %d, want 0", client.callCount())
	}
}

func TestResume_EmptyRunState(t *testing.T) {
	sess := newTestSession(t, testAgent(t, &scriptedClient{}))
	res, err := sess.Resume(context.Background(), &models.RunState{SessionID: "sess-test"}, nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Status != models.StatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if !strings.Contains(res.Events[0].Error.Message, "no history") {
		t.Errorf("error = %q", res.Events[0].Error.Message)
	}
}

func TestRun_ApprovalCallbackErrorFailsRun(t *testing.T) {
	var ran []string
	tool := deployTool(t, &ran)
	client := &scriptedClient{turns: [][]StreamEvent{
		{
			toolChunk("c1", "deploy", `{"value":"a"}`),
			toolChunk("c2", "deploy", `{"value":"b"}`),
			doneChunk(10, 2),
		},
	}}
	script := &approvalScript{err: errors.New("tty gone")}
	sess := newTestSession(t, testAgent(t, client, tool), WithApprovalCallback(script.callback))

	res, err := sess.Run(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.StatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if len(ran) != 0 {
		t.Errorf("handlers ran: %v", ran)
	}
	// Both calls still get answered so the history stays well formed.
	msgs := sess.State().Messages()
	if len(msgs) != 4 {
		t.Fatalf("history = %d messages, want 4", len(msgs))
	}
	if msgs[2].Content != CancelledToolResult || msgs[3].Content != CancelledToolResult {
		t.Errorf("results = %q, %q", msgs[2].Content, msgs[3].Content)
	}
	last := res.Events[len(res.Events)-1]
	if last.Type != models.EventError || !strings.Contains(last.Error.Message, "approval callback failed") {
		t.Errorf("terminal event = %+v", last)
	}
}

func TestRun_DangerousToolWithoutCallbackProceeds(t *testing.T) {
	var ran []string
	tool := deployTool(t, &ran)
	client := &scriptedClient{turns: [][]StreamEvent{
		{toolChunk("c1", "deploy", `{"value":"a"}`), doneChunk(10, 2)},
		{textChunk("shipped"), doneChunk(12, 3)},
	}}
	sess := newTestSession(t, testAgent(t, client, tool))

	res, err := sess.Run(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if len(ran) != 1 {
		t.Errorf("handler should run without a gate, ran = %v", ran)
	}
}

func TestApprovalDecision_String(t *testing.T) {
	cases := map[ApprovalDecision]string{
		Approved:             "approved",
		Rejected:             "rejected",
		Interrupt:            "interrupt",
		ApprovalDecision(99): "unknown",
	}
	for d, want := range cases {
		if got := d.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", d, got, want)
		}
	}
}
