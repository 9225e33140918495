// Package runstore persists interrupted-run snapshots. A run that
// stops for tool approval is frozen into a models.RunState and saved
// here; the process may exit, and a later invocation loads the
// snapshot, applies the human's decisions, and resumes the session.
package runstore

import (
	"context"
	"errors"

	"github.com/rho-agent/rho/pkg/models"
)

// ErrNotFound is returned by Load when no snapshot exists for the id.
var ErrNotFound = errors.New("runstore: run state not found")

// Store persists run-state snapshots keyed by run id. Saving over an
// existing id replaces the snapshot; a successful resume deletes it.
type Store interface {
	Save(ctx context.Context, runID string, state *models.RunState) error

	// Load returns the snapshot for runID, or ErrNotFound.
	Load(ctx context.Context, runID string) (*models.RunState, error)

	// Delete removes a snapshot. Deleting an absent id is not an error.
	Delete(ctx context.Context, runID string) error

	// List returns stored run ids, most recently saved first.
	List(ctx context.Context) ([]string, error)

	Close() error
}
