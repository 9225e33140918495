package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/rho-agent/rho/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS run_states (
	run_id     TEXT PRIMARY KEY,
	state      BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
`

// SQLiteStore keeps snapshots in a local database file so interrupted
// runs survive process exit and reboots.
type SQLiteStore struct {
	db *sql.DB
}

// DefaultPath is where the harness keeps interrupted-run snapshots.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rho-agent", "runs.db")
	}
	return filepath.Join(home, ".config", "rho-agent", "runs.db")
}

// NewSQLiteStore opens (creating if needed) the database at path and
// prepares the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultPath()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("runstore: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runstore: open sqlite: %w", err)
	}
	// A single writer keeps sqlite's locking simple.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("runstore: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("runstore: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, runID string, state *models.RunState) error {
	if runID == "" {
		return errors.New("runstore: run id is required")
	}
	if state == nil {
		return errors.New("runstore: nil run state")
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("runstore: encode state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_states (run_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
		runID, blob, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("runstore: save %s: %w", runID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, runID string) (*models.RunState, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM run_states WHERE run_id = ?`, runID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: load %s: %w", runID, err)
	}
	var state models.RunState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("runstore: decode %s: %w", runID, err)
	}
	return &state, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM run_states WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("runstore: delete %s: %w", runID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM run_states ORDER BY updated_at DESC, run_id`)
	if err != nil {
		return nil, fmt.Errorf("runstore: list: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("runstore: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
