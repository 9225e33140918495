package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/rho-agent/rho/pkg/models"
)

func TestCompact_SquashesHistory(t *testing.T) {
	var got []models.Message
	client := &scriptedClient{completeFunc: func(messages []models.Message) (string, models.Usage, error) {
		got = messages
		return "  Drafted the report; sources verified.  ", models.Usage{InputTokens: 50, OutputTokens: 10}, nil
	}}
	sess := newTestSession(t, testAgent(t, client))

	st := sess.State()
	st.AddUserMessage("draft the report")
	st.AddAssistantToolCalls([]models.ToolCallSpec{{ID: "c1", Name: "search", Arguments: `{"q":"report"}`}})
	st.AddToolResult("c1", strings.Repeat("result ", 120))
	st.AddAssistantMessage("drafted")
	st.AddUserMessage("now tighten the intro")
	sess.lastInputTokens = 77

	res, err := sess.Compact(context.Background())
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.Trigger != CompactTriggerManual {
		t.Errorf("trigger = %q", res.Trigger)
	}
	if res.Summary != "Drafted the report; sources verified." {
		t.Errorf("summary = %q", res.Summary)
	}
	if res.TokensAfter >= res.TokensBefore {
		t.Errorf("tokens after %d, before %d", res.TokensAfter, res.TokensBefore)
	}
	if sess.lastInputTokens != 0 {
		t.Errorf("lastInputTokens = %d after compaction", sess.lastInputTokens)
	}

	// Recent user messages survive verbatim, the summary lands last.
	msgs := st.Messages()
	if len(msgs) != 3 {
		t.Fatalf("history = %d messages, want 3", len(msgs))
	}
	if msgs[0].Content != "draft the report" || msgs[1].Content != "now tighten the intro" {
		t.Errorf("kept users = %q, %q", msgs[0].Content, msgs[1].Content)
	}
	last := msgs[2]
	if last.Role != models.RoleUser || !strings.HasPrefix(last.Content, SummaryPrefix) {
		t.Errorf("summary message = %+v", last)
	}
	if !strings.HasSuffix(last.Content, "Drafted the report; sources verified.") {
		t.Errorf("summary content = %q", last.Content)
	}

	// The summarizer call itself is billed to the session.
	if u := st.Usage(); u.InputTokens != 50 || u.OutputTokens != 10 {
		t.Errorf("usage = %+v", u)
	}

	// The summarization request renders the conversation flat.
	if len(got) != 2 || got[0].Role != models.RoleSystem {
		t.Fatalf("summarizer request = %+v", got)
	}
	if !strings.HasPrefix(got[1].Content, "Summarize this conversation for handoff:") {
		t.Errorf("request prefix = %q", got[1].Content[:40])
	}
	for _, want := range []string{"User: draft the report", "Assistant called tool: search", "Tool result: ", "Assistant: drafted"} {
		if !strings.Contains(got[1].Content, want) {
			t.Errorf("request missing %q", want)
		}
	}
}

func TestCompact_KeepsLastThreeUserMessages(t *testing.T) {
	client := &scriptedClient{completeFunc: func([]models.Message) (string, models.Usage, error) {
		return "summary", models.Usage{}, nil
	}}
	sess := newTestSession(t, testAgent(t, client))
	for _, m := range []string{"one", "two", "three", "four", "five"} {
		sess.State().AddUserMessage(m)
	}

	if _, err := sess.Compact(context.Background()); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	msgs := sess.State().Messages()
	if len(msgs) != 4 {
		t.Fatalf("history = %d messages, want 4", len(msgs))
	}
	for i, want := range []string{"three", "four", "five"} {
		if msgs[i].Content != want {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, want)
		}
	}
}

func TestCompact_EmptyHistory(t *testing.T) {
	sess := newTestSession(t, testAgent(t, &scriptedClient{}))
	if _, err := sess.Compact(context.Background()); err == nil || !strings.Contains(err.Error(), "nothing to summarize") {
		t.Fatalf("err = %v", err)
	}
}

func TestCompact_EmptySummaryLeavesHistoryIntact(t *testing.T) {
	client := &scriptedClient{completeFunc: func([]models.Message) (string, models.Usage, error) {
		return "   \n", models.Usage{}, nil
	}}
	sess := newTestSession(t, testAgent(t, client))
	sess.State().AddUserMessage("hello")
	sess.State().AddAssistantMessage("hi")

	_, err := sess.Compact(context.Background())
	if err == nil || !strings.Contains(err.Error(), "empty summary") {
		t.Fatalf("err = %v", err)
	}
	if sess.State().Len() != 2 {
		t.Errorf("history = %d messages, want 2", sess.State().Len())
	}
}

func TestCompact_SummarizerErrorLeavesHistoryIntact(t *testing.T) {
	client := &scriptedClient{completeFunc: func([]models.Message) (string, models.Usage, error) {
		return "", models.Usage{}, context.DeadlineExceeded
	}}
	sess := newTestSession(t, testAgent(t, client))
	sess.State().AddUserMessage("hello")

	_, err := sess.Compact(context.Background())
	if err == nil || !strings.Contains(err.Error(), "compact:") {
		t.Fatalf("err = %v", err)
	}
	if sess.State().Len() != 1 {
		t.Errorf("history = %d messages, want 1", sess.State().Len())
	}
}

func TestCompact_GuidanceReachesSummarizer(t *testing.T) {
	var system string
	client := &scriptedClient{completeFunc: func(messages []models.Message) (string, models.Usage, error) {
		system = messages[0].Content
		return "summary", models.Usage{}, nil
	}}
	sess := newTestSession(t, testAgent(t, client),
		WithCompactGuidance("Keep every file path."))
	sess.State().AddUserMessage("hello")

	if _, err := sess.Compact(context.Background()); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !strings.Contains(system, "Additional guidance:\nKeep every file path.") {
		t.Errorf("system prompt missing guidance:\n%s", system)
	}
}

func TestRun_AutoCompactsAtThreshold(t *testing.T) {
	completeCalls := 0
	client := &scriptedClient{
		turns: [][]StreamEvent{
			{textChunk("carrying on"), doneChunk(20, 5)},
		},
		completeFunc: func([]models.Message) (string, models.Usage, error) {
			completeCalls++
			return "State summary.", models.Usage{InputTokens: 50, OutputTokens: 10}, nil
		},
	}
	a := testAgent(t, client)
	a.ContextWindow = 100
	sess := newTestSession(t, a)

	// Old bulk that should be squashed, then a few short instructions
	// that must survive verbatim.
	st := sess.State()
	st.AddUserMessage(strings.Repeat("x", 400))
	st.AddAssistantMessage("noted")
	st.AddUserMessage("small a")
	st.AddUserMessage("small b")
	st.AddUserMessage("small c")

	res, err := sess.Run(context.Background(), "next step")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s: %v", res.Status, res.Events)
	}
	if completeCalls != 1 {
		t.Fatalf("summarizer calls = %d, want 1", completeCalls)
	}

	wantEventTypes(t, res.Events,
		models.EventCompactStart, models.EventCompactEnd,
		models.EventText, models.EventAPICallComplete, models.EventTurnComplete)
	start, end := res.Events[0], res.Events[1]
	if start.Compact.Trigger != CompactTriggerAuto || start.Compact.TokensBefore < 70 {
		t.Errorf("compact_start = %+v", start.Compact)
	}
	if end.Compact.Summary != "State summary." || end.Compact.TokensAfter >= 70 {
		t.Errorf("compact_end = %+v", end.Compact)
	}

	msgs := st.Messages()
	if len(msgs) != 6 {
		t.Fatalf("history = %d messages, want 6", len(msgs))
	}
	for i, want := range []string{"small a", "small b", "small c"} {
		if msgs[i].Content != want {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, want)
		}
	}
	if !strings.HasPrefix(msgs[3].Content, SummaryPrefix) {
		t.Errorf("msgs[3] = %q", msgs[3].Content)
	}
	if msgs[4].Content != "next step" || msgs[5].Content != "carrying on" {
		t.Errorf("tail = %q, %q", msgs[4].Content, msgs[5].Content)
	}

	// Summarizer tokens plus the model call itself.
	if u := res.Usage; u.InputTokens != 70 || u.OutputTokens != 15 {
		t.Errorf("usage = %+v", u)
	}
}

func TestRun_AutoCompactUsesMeasuredPromptSize(t *testing.T) {
	client := &scriptedClient{
		turns: [][]StreamEvent{
			{textChunk("first"), doneChunk(80, 5)},
			{textChunk("second"), doneChunk(10, 2)},
		},
		completeFunc: func([]models.Message) (string, models.Usage, error) {
			return "summary", models.Usage{}, nil
		},
	}
	a := testAgent(t, client)
	a.ContextWindow = 100
	sess := newTestSession(t, a)

	first, err := sess.Run(context.Background(), "short prompt")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	for _, ev := range first.Events {
		if ev.Type == models.EventCompactStart {
			t.Fatalf("first run compacted: %+v", ev)
		}
	}

	// The provider reported 80 prompt tokens; the estimate alone would
	// never cross the threshold.
	second, err := sess.Run(context.Background(), "again")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Events[0].Type != models.EventCompactStart {
		t.Fatalf("second run events = %v", eventTypes(second.Events))
	}
	if second.Status != models.StatusCompleted {
		t.Errorf("status = %s", second.Status)
	}
}

func TestRun_AutoCompactFailureEndsRun(t *testing.T) {
	client := &scriptedClient{completeFunc: func([]models.Message) (string, models.Usage, error) {
		return "", models.Usage{}, context.DeadlineExceeded
	}}
	a := testAgent(t, client)
	a.ContextWindow = 100
	sess := newTestSession(t, a)
	sess.State().AddUserMessage(strings.Repeat("x", 400))

	res, err := sess.Run(context.Background(), "next step")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.StatusError {
		t.Fatalf("status = %s", res.Status)
	}
	wantEventTypes(t, res.Events, models.EventCompactStart, models.EventError)
	if !strings.Contains(res.Events[1].Error.Message, "compact:") {
		t.Errorf("error = %q", res.Events[1].Error.Message)
	}
	// History untouched, prompt never committed: the run can simply be
	// retried.
	msgs := sess.State().Messages()
	if len(msgs) != 1 || len(msgs[0].Content) != 400 {
		t.Errorf("history = %+v", msgs)
	}
	if client.callCount() != 0 {
		t.Errorf("model calls = %d, want 0", client.callCount())
	}
}

func TestRun_AutoCompactDisabled(t *testing.T) {
	client := &scriptedClient{turns: [][]StreamEvent{
		{textChunk("ok"), doneChunk(5, 1)},
	}}
	a := testAgent(t, client)
	a.ContextWindow = 100
	sess := newTestSession(t, a, WithAutoCompact(false))
	sess.State().AddUserMessage(strings.Repeat("x", 400))

	res, err := sess.Run(context.Background(), "next step")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	for _, ev := range res.Events {
		if ev.Type == models.EventCompactStart || ev.Type == models.EventCompactEnd {
			t.Errorf("unexpected compaction event %s", ev.Type)
		}
	}
}

func TestRun_NoAutoCompactWithoutContextWindow(t *testing.T) {
	client := &scriptedClient{turns: [][]StreamEvent{
		{textChunk("ok"), doneChunk(5, 1)},
	}}
	sess := newTestSession(t, testAgent(t, client))
	sess.State().AddUserMessage(strings.Repeat("x", 4000))

	res, err := sess.Run(context.Background(), "next step")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, ev := range res.Events {
		if ev.Type == models.EventCompactStart {
			t.Errorf("compacted with no context window configured")
		}
	}
	if res.Status != models.StatusCompleted {
		t.Errorf("status = %s", res.Status)
	}
}
