package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestUsageAddAccumulates(t *testing.T) {
	var u Usage
	u.Add(Usage{InputTokens: 10, OutputTokens: 5, CostUSD: 0.01})
	u.Add(Usage{InputTokens: 15, OutputTokens: 3, CachedTokens: 7})

	if u.InputTokens != 25 || u.OutputTokens != 8 {
		t.Fatalf("unexpected totals: %+v", u)
	}
	if u.CachedTokens != 7 {
		t.Fatalf("cached tokens = %d, want 7", u.CachedTokens)
	}
	if u.TotalTokens() != 33 {
		t.Fatalf("total = %d, want 33", u.TotalTokens())
	}
}

func TestUsageAddIgnoresNegativeDeltas(t *testing.T) {
	u := Usage{InputTokens: 100, OutputTokens: 50}
	u.Add(Usage{InputTokens: -10, OutputTokens: -5, CostUSD: -1})

	if u.InputTokens != 100 || u.OutputTokens != 50 || u.CostUSD != 0 {
		t.Fatalf("counters decreased: %+v", u)
	}
}

func TestSessionStatusValid(t *testing.T) {
	valid := []SessionStatus{
		StatusCreated, StatusRunning, StatusCompleted,
		StatusCancelled, StatusError, StatusInterrupted,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if SessionStatus("paused").Valid() {
		t.Error("unknown status should be invalid")
	}
}

func TestEventTerminal(t *testing.T) {
	terminal := []AgentEventType{EventTurnComplete, EventError, EventCancelled, EventInterruption}
	for _, typ := range terminal {
		if !typ.Terminal() {
			t.Errorf("%q should be terminal", typ)
		}
	}
	for _, typ := range []AgentEventType{EventText, EventToolStart, EventToolEnd, EventAPICallComplete} {
		if typ.Terminal() {
			t.Errorf("%q should not be terminal", typ)
		}
	}
}

func TestAgentEventJSONRoundTrip(t *testing.T) {
	original := AgentEvent{
		Version:   1,
		Type:      EventToolEnd,
		Time:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Sequence:  42,
		SessionID: "sess-1",
		Turn:      2,
		Tool: &ToolPayload{
			CallID:  "t1",
			Name:    "run_shell",
			Content: "ok",
			Success: true,
			Elapsed: 250 * time.Millisecond,
		},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded AgentEvent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != EventToolEnd || decoded.Sequence != 42 {
		t.Fatalf("envelope lost: %+v", decoded)
	}
	if decoded.Tool == nil || decoded.Tool.CallID != "t1" || !decoded.Tool.Success {
		t.Fatalf("payload lost: %+v", decoded.Tool)
	}
}

func TestRunStateJSONRoundTrip(t *testing.T) {
	state := RunState{
		SessionID:    "sess-9",
		SystemPrompt: "be brief",
		History: []Message{
			NewUserMessage("hi"),
			NewAssistantToolCalls([]ToolCallSpec{{ID: "t1", Name: "echo", Arguments: `{"text":"hi"}`}}),
		},
		Usage:           Usage{InputTokens: 10, OutputTokens: 4},
		LastInputTokens: 10,
		PendingApprovals: []ToolApprovalItem{
			{ToolCallID: "t1", ToolName: "echo", ToolArgs: `{"text":"hi"}`},
		},
	}

	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded RunState
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.History) != 2 || decoded.History[1].ToolCalls[0].ID != "t1" {
		t.Fatalf("history lost: %+v", decoded.History)
	}
	if len(decoded.PendingApprovals) != 1 || decoded.PendingApprovals[0].ToolName != "echo" {
		t.Fatalf("pending approvals lost: %+v", decoded.PendingApprovals)
	}
}
