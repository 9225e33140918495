package state

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rho-agent/rho/pkg/models"
)

// TraceWriter appends events to a JSONL trace file, one line per event,
// synced after every write so a crash loses at most the line in flight.
type TraceWriter struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	redactor func(string) string
}

// TraceOption configures a TraceWriter.
type TraceOption func(*TraceWriter)

// WithRedactor applies fn to every serialized line before it is
// written. Shared with the logging redaction patterns so secrets in
// tool arguments never land on disk.
func WithRedactor(fn func(string) string) TraceOption {
	return func(w *TraceWriter) { w.redactor = fn }
}

// NewTraceWriter opens (or creates) the trace file at path in append
// mode, creating parent directories as needed.
func NewTraceWriter(path string, opts ...TraceOption) (*TraceWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("trace: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	w := &TraceWriter{file: f, path: path}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the trace file path.
func (w *TraceWriter) Path() string {
	return w.path
}

// Write appends one event as a single JSON line and syncs.
func (w *TraceWriter) Write(ev models.AgentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("trace: marshal event: %w", err)
	}
	line := string(data)
	if w.redactor != nil {
		line = w.redactor(line)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("trace: writer closed")
	}
	if _, err := w.file.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("trace: write: %w", err)
	}
	return w.file.Sync()
}

// Close closes the underlying file. Subsequent writes fail.
func (w *TraceWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func encodeLine(buf *bytes.Buffer, ev models.AgentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("state: marshal event: %w", err)
	}
	buf.Write(data)
	buf.WriteByte('\n')
	return nil
}

// ReadTrace parses a JSONL trace stream into events. Blank lines are
// skipped; a malformed line fails the whole read since traces are
// written one complete line at a time.
func ReadTrace(r io.Reader) ([]models.AgentEvent, error) {
	var events []models.AgentEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev models.AgentEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("trace: line %d: %w", lineNo, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("trace: read: %w", err)
	}
	return events, nil
}

// Replay reconstructs a State from a trace stream: message events
// rebuild history, usage events set totals/status/run_count, and a
// compact event resets history (the re-appended messages follow it as
// ordinary message events). Loop events (tool_start, text, ...) carry
// no state and are skipped.
func Replay(r io.Reader) (*State, error) {
	events, err := ReadTrace(r)
	if err != nil {
		return nil, err
	}

	var sessionID string
	for _, ev := range events {
		if ev.SessionID != "" {
			sessionID = ev.SessionID
			break
		}
	}

	s := New(sessionID)
	for _, ev := range events {
		switch ev.Type {
		case models.EventMessage:
			if ev.Message == nil {
				continue
			}
			s.messages = append(s.messages, models.Message{
				Role:       ev.Message.Role,
				Content:    ev.Message.Content,
				ToolCalls:  ev.Message.ToolCalls,
				ToolCallID: ev.Message.ToolCallID,
			})
		case models.EventUsage:
			if ev.Usage == nil {
				continue
			}
			s.usage = ev.Usage.Usage
			if ev.Usage.Status.Valid() {
				s.status = ev.Usage.Status
			}
			if ev.Usage.RunCount > 0 {
				s.runCount = ev.Usage.RunCount
			}
		case models.EventCompact:
			s.messages = s.messages[:0]
		}
		if ev.Sequence > s.seq {
			s.seq = ev.Sequence
		}
	}
	return s, nil
}

// ValidateTrace checks structural invariants of a trace and returns a
// human-readable issue per violation: events must be present, versions
// known, sequences strictly increasing, and a finished trace ends on a
// terminal event.
func ValidateTrace(events []models.AgentEvent) []string {
	var issues []string
	if len(events) == 0 {
		return []string{"trace is empty"}
	}

	var lastSeq uint64
	for i, ev := range events {
		if ev.Version != 1 {
			issues = append(issues, fmt.Sprintf("event %d: unknown version %d", i, ev.Version))
		}
		if ev.Type == "" {
			issues = append(issues, fmt.Sprintf("event %d: missing kind", i))
		}
		if ev.Sequence <= lastSeq {
			issues = append(issues, fmt.Sprintf("event %d: sequence %d not increasing (previous %d)", i, ev.Sequence, lastSeq))
		}
		lastSeq = ev.Sequence
	}

	last := events[len(events)-1]
	if !last.Type.Terminal() && last.Type != models.EventUsage && last.Type != models.EventMessage {
		issues = append(issues, fmt.Sprintf("trace ends on %q, not a terminal event", last.Type))
	}
	return issues
}
