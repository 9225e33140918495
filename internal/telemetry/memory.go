package telemetry

import (
	"context"
	"sync"
)

// MemoryExporter keeps everything in process. Used by tests and by
// trace inspection, where records are aggregated and thrown away.
type MemoryExporter struct {
	mu         sync.Mutex
	Turns      []TurnContext
	Summaries  []TurnSummary
	Tools      []ToolExecution
	ModelCalls []ModelCall
	Increments map[string]int
	closed     bool
}

// NewMemoryExporter returns an empty in-memory exporter.
func NewMemoryExporter() *MemoryExporter {
	return &MemoryExporter{Increments: make(map[string]int)}
}

func (m *MemoryExporter) StartTurn(_ context.Context, turn TurnContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Turns = append(m.Turns, turn)
	return nil
}

func (m *MemoryExporter) EndTurn(_ context.Context, summary TurnSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Summaries = append(m.Summaries, summary)
	return nil
}

func (m *MemoryExporter) RecordToolExecution(_ context.Context, exec ToolExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tools = append(m.Tools, exec)
	return nil
}

func (m *MemoryExporter) RecordModelCall(_ context.Context, call ModelCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ModelCalls = append(m.ModelCalls, call)
	return nil
}

func (m *MemoryExporter) IncrementToolCalls(_ context.Context, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Increments[turnID]++
	return nil
}

func (m *MemoryExporter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Snapshot returns copies of the recorded slices, safe to inspect
// while the processor is still running.
func (m *MemoryExporter) Snapshot() (turns []TurnContext, summaries []TurnSummary, tools []ToolExecution, calls []ModelCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TurnContext(nil), m.Turns...),
		append([]TurnSummary(nil), m.Summaries...),
		append([]ToolExecution(nil), m.Tools...),
		append([]ModelCall(nil), m.ModelCalls...)
}

// Closed reports whether Close was called.
func (m *MemoryExporter) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
