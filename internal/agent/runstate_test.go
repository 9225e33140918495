package agent

import (
	"errors"
	"testing"

	"github.com/rho-agent/rho/pkg/models"
)

func TestFreezeThawApprovalItems(t *testing.T) {
	calls := []models.ToolCallSpec{
		{ID: "c1", Name: "deploy", Arguments: `{"env":"prod"}`},
		{ID: "c2", Name: "restart", Arguments: `{}`},
	}
	items := freezeApprovalItems(calls)
	if len(items) != 2 || items[0].ToolCallID != "c1" || items[1].ToolName != "restart" {
		t.Fatalf("items = %+v", items)
	}
	back := thawApprovalItems(items)
	for i := range calls {
		if back[i] != calls[i] {
			t.Errorf("round trip[%d] = %+v, want %+v", i, back[i], calls[i])
		}
	}
}

func TestRestoreRunState_SameLengthLeavesLiveHistory(t *testing.T) {
	sess := newTestSession(t, testAgent(t, &scriptedClient{}))
	sess.State().AddUserMessage("live one")
	sess.State().AddAssistantMessage("live two")

	rs := &models.RunState{
		SessionID: "sess-test",
		History: []models.Message{
			models.NewUserMessage("snapshot one"),
			models.NewAssistantMessage("snapshot two"),
		},
		LastInputTokens: 42,
	}
	if err := sess.restoreRunState(rs); err != nil {
		t.Fatalf("restoreRunState: %v", err)
	}

	// Same length means the session already holds this history; the
	// live copy wins so nothing recorded since the snapshot is lost.
	msgs := sess.State().Messages()
	if msgs[0].Content != "live one" || msgs[1].Content != "live two" {
		t.Errorf("history replaced: %+v", msgs)
	}
	if sess.lastInputTokens != 42 {
		t.Errorf("lastInputTokens = %d", sess.lastInputTokens)
	}
}

func TestRestoreRunState_DifferentLengthReplaces(t *testing.T) {
	sess := newTestSession(t, testAgent(t, &scriptedClient{}))

	rs := &models.RunState{
		SessionID: "sess-test",
		History: []models.Message{
			models.NewUserMessage("snapshot one"),
			models.NewAssistantMessage("snapshot two"),
		},
		Usage: models.Usage{InputTokens: 9, OutputTokens: 3},
	}
	if err := sess.restoreRunState(rs); err != nil {
		t.Fatalf("restoreRunState: %v", err)
	}
	msgs := sess.State().Messages()
	if len(msgs) != 2 || msgs[0].Content != "snapshot one" {
		t.Errorf("history = %+v", msgs)
	}
	if u := sess.State().Usage(); u.InputTokens != 9 || u.OutputTokens != 3 {
		t.Errorf("usage = %+v", u)
	}
}

func TestRestoreRunState_EmptySessionIDMatchesAny(t *testing.T) {
	sess := newTestSession(t, testAgent(t, &scriptedClient{}))
	rs := &models.RunState{
		History: []models.Message{models.NewUserMessage("hello")},
	}
	if err := sess.restoreRunState(rs); err != nil {
		t.Fatalf("restoreRunState: %v", err)
	}
}

func TestRestoreRunState_Errors(t *testing.T) {
	sess := newTestSession(t, testAgent(t, &scriptedClient{}))

	if err := sess.restoreRunState(nil); !errors.Is(err, ErrEmptyRunState) {
		t.Errorf("nil snapshot: %v", err)
	}
	if err := sess.restoreRunState(&models.RunState{SessionID: "sess-test"}); !errors.Is(err, ErrEmptyRunState) {
		t.Errorf("empty history: %v", err)
	}
	rs := &models.RunState{
		SessionID: "someone-else",
		History:   []models.Message{models.NewUserMessage("hello")},
	}
	if err := sess.restoreRunState(rs); !errors.Is(err, ErrSessionMismatch) {
		t.Errorf("mismatch: %v", err)
	}
}
