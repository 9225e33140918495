// Package state holds the conversation state of a session: message
// history, usage accounting, lifecycle status, and the JSONL trace that
// mirrors every mutation.
package state

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/rho-agent/rho/pkg/models"
)

// Observer receives every event the state records. Observers run
// synchronously on the mutating goroutine; panics are swallowed so a
// misbehaving observer cannot corrupt a run.
type Observer func(models.AgentEvent)

// State is the single source of truth for one conversation. All methods
// are safe for concurrent use, though a Session owns its State
// exclusively while a run is in flight.
//
// Messages are append-only except through ReplaceWithSummary. Usage
// counters only grow.
type State struct {
	mu        sync.Mutex
	sessionID string
	messages  []models.Message
	usage     models.Usage
	status    models.SessionStatus
	runCount  uint64
	turn      int
	seq       uint64
	metadata  map[string]any

	trace     *TraceWriter
	observers []Observer
	debugHook func(recovered any)
}

// New creates an empty State for the given session.
func New(sessionID string) *State {
	return &State{
		sessionID: sessionID,
		status:    models.StatusCreated,
		metadata:  make(map[string]any),
	}
}

// SessionID returns the owning session's id.
func (s *State) SessionID() string {
	return s.sessionID
}

// AttachTrace mirrors every recorded event to w. Passing nil detaches.
func (s *State) AttachTrace(w *TraceWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = w
}

// Observe registers an observer for every recorded event.
func (s *State) Observe(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// SetDebugHook installs a hook that receives recovered observer panics
// and trace write errors. Nil disables the hook.
func (s *State) SetDebugHook(fn func(recovered any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debugHook = fn
}

// SetTurn sets the turn number stamped on subsequently recorded events.
func (s *State) SetTurn(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn = n
}

// RecordEvent stamps ev with version, timestamp, session id, turn, and
// the next sequence number, then mirrors it to the trace and observers.
// The stamped event is returned so callers can forward it downstream.
func (s *State) RecordEvent(ev models.AgentEvent) models.AgentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(ev)
}

func (s *State) recordLocked(ev models.AgentEvent) models.AgentEvent {
	s.seq++
	ev.Version = 1
	ev.Sequence = s.seq
	ev.SessionID = s.sessionID
	ev.Turn = s.turn
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	if s.trace != nil {
		if err := s.trace.Write(ev); err != nil && s.debugHook != nil {
			s.debugHook(err)
		}
	}
	for _, fn := range s.observers {
		s.notify(fn, ev)
	}
	return ev
}

func (s *State) notify(fn Observer, ev models.AgentEvent) {
	defer func() {
		if r := recover(); r != nil && s.debugHook != nil {
			s.debugHook(r)
		}
	}()
	fn(ev)
}

// AddUserMessage appends a user message.
func (s *State) AddUserMessage(content string) {
	s.addMessage(models.NewUserMessage(content))
}

// AddAssistantMessage appends an assistant text message.
func (s *State) AddAssistantMessage(content string) {
	s.addMessage(models.NewAssistantMessage(content))
}

// AddAssistantToolCalls appends an assistant message carrying tool calls.
func (s *State) AddAssistantToolCalls(calls []models.ToolCallSpec) {
	s.addMessage(models.NewAssistantToolCalls(calls))
}

// AddToolResult appends a tool-result message answering callID.
func (s *State) AddToolResult(callID, content string) {
	s.addMessage(models.NewToolMessage(callID, content))
}

// AddSystemMessage appends a system message.
func (s *State) AddSystemMessage(content string) {
	s.addMessage(models.NewSystemMessage(content))
}

func (s *State) addMessage(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(msg)
}

func (s *State) appendLocked(msg models.Message) {
	s.messages = append(s.messages, msg)
	s.recordLocked(models.AgentEvent{
		Type: models.EventMessage,
		Message: &models.MessagePayload{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCalls:  msg.ToolCalls,
			ToolCallID: msg.ToolCallID,
		},
	})
}

// UpdateUsage accumulates a per-call delta into the session totals and
// records a usage trace event carrying the new cumulative values.
func (s *State) UpdateUsage(delta models.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.Add(delta)
	s.recordUsageLocked()
}

func (s *State) recordUsageLocked() {
	s.recordLocked(models.AgentEvent{
		Type: models.EventUsage,
		Usage: &models.UsagePayload{
			Usage:    s.usage,
			Status:   s.status,
			RunCount: s.runCount,
		},
	})
}

// ReplaceWithSummary is the compaction primitive: it clears history,
// re-appends the last up-to-three of recentUsers, then appends one
// synthetic user message carrying the summary. Recent messages come
// first so the chronological prefix remains plausible.
func (s *State) ReplaceWithSummary(summary string, recentUsers []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(recentUsers) > 3 {
		recentUsers = recentUsers[len(recentUsers)-3:]
	}

	s.messages = s.messages[:0]
	s.recordLocked(models.AgentEvent{
		Type:    models.EventCompact,
		Compact: &models.CompactPayload{Summary: summary},
	})
	for _, msg := range recentUsers {
		s.appendLocked(models.NewUserMessage(msg.Content))
	}
	s.appendLocked(models.NewUserMessage(summary))
}

// Restore replaces history and usage wholesale from a snapshot. Each
// restored message is recorded so a fresh trace stays replayable.
func (s *State) Restore(history []models.Message, usage models.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = s.messages[:0]
	s.recordLocked(models.AgentEvent{
		Type:    models.EventCompact,
		Compact: &models.CompactPayload{},
	})
	for _, msg := range history {
		s.appendLocked(msg)
	}
	s.usage = usage
	s.recordUsageLocked()
}

// Messages returns a copy of the history.
func (s *State) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// UserMessages returns a copy of the user-role messages, in order.
func (s *State) UserMessages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, msg := range s.messages {
		if msg.Role == models.RoleUser {
			out = append(out, msg)
		}
	}
	return out
}

// Len returns the number of messages in history.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Usage returns the cumulative usage totals.
func (s *State) Usage() models.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Status returns the session lifecycle status.
func (s *State) Status() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus transitions the lifecycle status. Unknown statuses are
// rejected so persisted states never hold an unreadable value.
func (s *State) SetStatus(status models.SessionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("state: invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.recordUsageLocked()
	return nil
}

// RunCount returns the number of completed run invocations.
func (s *State) RunCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCount
}

// IncrementRunCount bumps the run counter and returns the new value.
func (s *State) IncrementRunCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCount++
	s.recordUsageLocked()
	return s.runCount
}

// SetMetadata attaches a key to the session, e.g. telemetry_degraded.
func (s *State) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

// Metadata returns a copy of the session metadata.
func (s *State) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// EstimateTokens approximates the prompt size in tokens: total
// characters of the system prompt plus every message's content and
// serialized tool calls, divided by four. Providers supply measured
// counts; this estimate is only a stand-in until the first completion.
func (s *State) EstimateTokens(systemPrompt string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	chars := len(systemPrompt)
	for _, msg := range s.messages {
		chars += len(msg.Content)
		chars += len(msg.ToolCallID)
		for _, call := range msg.ToolCalls {
			chars += len(call.Name) + len(call.Arguments)
		}
	}
	return chars / 4
}

// ToJSONL serializes the state: one JSON object per message plus a
// final usage record carrying totals, status, and run_count.
func (s *State) ToJSONL() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	seq := uint64(0)
	now := time.Now().UTC()
	for _, msg := range s.messages {
		seq++
		ev := models.AgentEvent{
			Version:   1,
			Type:      models.EventMessage,
			Time:      now,
			Sequence:  seq,
			SessionID: s.sessionID,
			Message: &models.MessagePayload{
				Role:       msg.Role,
				Content:    msg.Content,
				ToolCalls:  msg.ToolCalls,
				ToolCallID: msg.ToolCallID,
			},
		}
		if err := encodeLine(&buf, ev); err != nil {
			return nil, err
		}
	}
	seq++
	usage := models.AgentEvent{
		Version:   1,
		Type:      models.EventUsage,
		Time:      now,
		Sequence:  seq,
		SessionID: s.sessionID,
		Usage: &models.UsagePayload{
			Usage:    s.usage,
			Status:   s.status,
			RunCount: s.runCount,
		},
	}
	if err := encodeLine(&buf, usage); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FromJSONL reconstructs a State from ToJSONL output (or any trace).
// Absent fields default to zero values.
func FromJSONL(data []byte) (*State, error) {
	return Replay(bytes.NewReader(data))
}
