package agent

import "errors"

var (
	// ErrSessionBusy is returned when Run or Resume is called while
	// another run holds the session.
	ErrSessionBusy = errors.New("session is already running")

	// ErrSessionMismatch is returned when a run state snapshot is
	// resumed on a session with a different id.
	ErrSessionMismatch = errors.New("run state belongs to a different session")

	// ErrEmptyRunState is returned when a resume snapshot carries no
	// history to restore.
	ErrEmptyRunState = errors.New("run state has no history")
)
