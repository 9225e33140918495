// Package signals implements the cross-process control plane: a way
// for other processes (or other terminals) to discover running
// sessions and signal them: cancel, pause, inject directives, request
// a context export, and read published responses.
//
// Two implementations exist: FileControl, sentinel files in a shared
// directory, which needs nothing but a filesystem; and
// PostgresControl, the same contract over a shared database for
// fleets that span hosts.
package signals

import (
	"context"
	"time"
)

// RunningSession describes one registered session.
type RunningSession struct {
	SessionID          string    `json:"session_id"`
	PID                int       `json:"pid"`
	Hostname           string    `json:"hostname,omitempty"`
	Model              string    `json:"model,omitempty"`
	InstructionPreview string    `json:"instruction_preview,omitempty"`
	StartedAt          time.Time `json:"started_at"`
}

// SessionControl is the control-plane contract. Sessions register on
// start and poll the read side at their yield points; the CLI drives
// the write side from other processes.
//
// Loop-side reads (IsCancelRequested, IsPaused) return false on any
// backend error: a broken control plane must never stop a run.
type SessionControl interface {
	// Register announces a session; Deregister removes it and clears
	// its outstanding signals.
	Register(ctx context.Context, info RunningSession) error
	Deregister(ctx context.Context, sessionID string) error

	// ListRunning returns the currently registered sessions.
	ListRunning(ctx context.Context) ([]RunningSession, error)

	// Cancel flag.
	RequestCancel(ctx context.Context, sessionID string) error
	ClearCancel(ctx context.Context, sessionID string) error
	IsCancelRequested(ctx context.Context, sessionID string) bool

	// Pause flag.
	RequestPause(ctx context.Context, sessionID string) error
	ClearPause(ctx context.Context, sessionID string) error
	IsPaused(ctx context.Context, sessionID string) bool

	// Directives queue user text for injection at the next turn
	// boundary. ConsumeDirectives drains the queue in FIFO order.
	QueueDirective(ctx context.Context, sessionID, text string) error
	ConsumeDirectives(ctx context.Context, sessionID string) ([]string, error)

	// Export: request a transcript, and the session's answer.
	RequestExport(ctx context.Context, sessionID string) error
	TakeExportRequest(ctx context.Context, sessionID string) bool
	WriteContext(ctx context.Context, sessionID, content string) error
	ReadContext(ctx context.Context, sessionID string) (string, error)

	// PublishResponse stores a completed response under the next
	// sequence number and returns it.
	PublishResponse(ctx context.Context, sessionID, content string) (int, error)
	// ReadResponse returns the response with the given sequence.
	ReadResponse(ctx context.Context, sessionID string, seq int) (string, error)

	// CollectGarbage removes sessions whose process is gone and
	// returns how many were removed.
	CollectGarbage(ctx context.Context) (int, error)

	// Bulk operations over registered sessions.
	CancelByPrefix(ctx context.Context, prefix string) (int, error)
	PauseAll(ctx context.Context) (int, error)
	ResumeAll(ctx context.Context) (int, error)
}
