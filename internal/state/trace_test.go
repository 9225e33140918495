package state

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rho-agent/rho/pkg/models"
)

func TestTraceWriterOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	w, err := NewTraceWriter(path)
	if err != nil {
		t.Fatalf("NewTraceWriter: %v", err)
	}
	defer w.Close()

	s := New("sess-trace")
	s.AttachTrace(w)
	s.AddUserMessage("line one")
	s.AddAssistantMessage("line two")
	s.UpdateUsage(models.Usage{InputTokens: 7})

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
		var ev models.AgentEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines, err)
		}
		if ev.Sequence != uint64(lines) {
			t.Errorf("line %d: sequence %d", lines, ev.Sequence)
		}
	}
	if lines != 3 {
		t.Errorf("trace has %d lines, want 3", lines)
	}
}

func TestTraceWriterRedaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	w, err := NewTraceWriter(path, WithRedactor(func(s string) string {
		return strings.ReplaceAll(s, "hunter2", "[REDACTED]")
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	s := New("sess-redact")
	s.AttachTrace(w)
	s.AddUserMessage("the password is hunter2")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Error("secret leaked into trace")
	}
	if !strings.Contains(string(data), "[REDACTED]") {
		t.Error("redaction marker missing")
	}
}

func TestTraceWriterClosedWriteFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	w, err := NewTraceWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(models.AgentEvent{Type: models.EventText}); err == nil {
		t.Error("write after close should fail")
	}
}

func TestReplayReconstructsState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.jsonl")
	w, err := NewTraceWriter(path)
	if err != nil {
		t.Fatal(err)
	}

	s := New("sess-replay")
	s.AttachTrace(w)
	s.AddUserMessage("investigate the bug")
	s.AddAssistantToolCalls([]models.ToolCallSpec{{ID: "c1", Name: "read_file", Arguments: `{"path":"main.go"}`}})
	s.AddToolResult("c1", "package main")
	s.AddAssistantMessage("found it")
	s.UpdateUsage(models.Usage{InputTokens: 90, OutputTokens: 30})
	// Loop events carry no state and must not confuse replay.
	s.RecordEvent(models.AgentEvent{Type: models.EventToolStart, Tool: &models.ToolPayload{CallID: "c1", Name: "read_file"}})
	s.RecordEvent(models.AgentEvent{Type: models.EventTurnComplete, TurnEnd: &models.TurnPayload{Usage: s.Usage()}})
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	restored, err := Replay(f)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if restored.SessionID() != "sess-replay" {
		t.Errorf("session id %q", restored.SessionID())
	}
	if restored.Len() != 4 {
		t.Fatalf("replayed %d messages, want 4", restored.Len())
	}
	if restored.Usage().InputTokens != 90 {
		t.Errorf("replayed input tokens %d, want 90", restored.Usage().InputTokens)
	}
}

func TestReplayHonorsCompaction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.jsonl")
	w, err := NewTraceWriter(path)
	if err != nil {
		t.Fatal(err)
	}

	s := New("sess-compact")
	s.AttachTrace(w)
	s.AddUserMessage("first")
	s.AddAssistantMessage("reply")
	s.AddUserMessage("second")
	s.ReplaceWithSummary("[summary] compacted", s.UserMessages())
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	restored, err := Replay(f)
	if err != nil {
		t.Fatal(err)
	}

	want, got := s.Messages(), restored.Messages()
	if len(got) != len(want) {
		t.Fatalf("replayed %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Content != want[i].Content {
			t.Errorf("message %d: %q, want %q", i, got[i].Content, want[i].Content)
		}
	}
}

func TestValidateTrace(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ok := []models.AgentEvent{
		{Version: 1, Type: models.EventMessage, Time: base, Sequence: 1},
		{Version: 1, Type: models.EventText, Time: base, Sequence: 2},
		{Version: 1, Type: models.EventTurnComplete, Time: base, Sequence: 3},
	}
	if issues := ValidateTrace(ok); len(issues) != 0 {
		t.Errorf("valid trace reported issues: %v", issues)
	}

	if issues := ValidateTrace(nil); len(issues) == 0 {
		t.Error("empty trace must report an issue")
	}

	dupSeq := []models.AgentEvent{
		{Version: 1, Type: models.EventMessage, Sequence: 1},
		{Version: 1, Type: models.EventMessage, Sequence: 1},
	}
	if issues := ValidateTrace(dupSeq); len(issues) == 0 {
		t.Error("duplicate sequence must report an issue")
	}

	truncated := []models.AgentEvent{
		{Version: 1, Type: models.EventMessage, Sequence: 1},
		{Version: 1, Type: models.EventToolStart, Sequence: 2},
	}
	if issues := ValidateTrace(truncated); len(issues) == 0 {
		t.Error("trace ending mid-turn must report an issue")
	}
}

func TestConcurrentWritersKeepTraceOrdered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	w, err := NewTraceWriter(path)
	if err != nil {
		t.Fatal(err)
	}

	s := New("sess-parallel")
	s.AttachTrace(w)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 25; j++ {
				s.AddUserMessage("probe")
				s.UpdateUsage(models.Usage{InputTokens: 1})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if s.Len() != 200 {
		t.Fatalf("state has %d messages, want 200", s.Len())
	}
	if got := s.Usage().InputTokens; got != 200 {
		t.Errorf("usage input tokens %d, want 200", got)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	events, err := ReadTrace(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 400 {
		t.Fatalf("trace has %d events, want 400", len(events))
	}
	if issues := ValidateTrace(events); len(issues) != 0 {
		t.Errorf("trace from concurrent writers invalid: %v", issues)
	}
}

func TestReadTraceSkipsBlankLines(t *testing.T) {
	input := `{"version":1,"event":"message","seq":1}

{"version":1,"event":"usage","seq":2}
`
	events, err := ReadTrace(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("got %d events, want 2", len(events))
	}
}
