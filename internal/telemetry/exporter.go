// Package telemetry turns the per-run event stream into durable
// records. A Processor taps the stream without disturbing it, derives
// turn, tool, and model-call records, and hands them to an Exporter on
// a background worker with bounded retry. Telemetry failures degrade:
// they are counted and logged, never surfaced into the run.
package telemetry

import (
	"context"
	"time"

	"github.com/rho-agent/rho/pkg/models"
)

// TurnContext identifies one wrapped run.
type TurnContext struct {
	SessionID string
	TurnID    string
	StartedAt time.Time
}

// TurnSummary is the terminal record for one run.
type TurnSummary struct {
	TurnContext
	FinishedAt time.Time
	Status     string
	Usage      models.Usage
	ToolCalls  int
	ModelCalls int
	Errors     int
}

// ToolExecution is one tool call as observed on the stream: from its
// tool_start to the matching tool_end or tool_blocked.
type ToolExecution struct {
	SessionID string
	TurnID    string
	CallID    string
	Name      string
	StartedAt time.Time
	Elapsed   time.Duration
	Success   bool
	Blocked   bool
}

// ModelCall is one completed provider call.
type ModelCall struct {
	SessionID   string
	TurnID      string
	At          time.Time
	Delta       models.Usage
	ContextSize int
}

// Exporter persists derived telemetry. Implementations must tolerate
// being called from a single background goroutine and should make each
// method idempotent enough to survive a retry.
type Exporter interface {
	StartTurn(ctx context.Context, turn TurnContext) error
	EndTurn(ctx context.Context, summary TurnSummary) error
	RecordToolExecution(ctx context.Context, exec ToolExecution) error
	RecordModelCall(ctx context.Context, call ModelCall) error
	// IncrementToolCalls bumps the live tool counter for a turn, so
	// dashboards move before the turn finishes.
	IncrementToolCalls(ctx context.Context, turnID string) error
	Close() error
}
