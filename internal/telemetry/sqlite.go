package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/rho-agent/rho/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS turns (
	turn_id      TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	finished_at  TEXT,
	status       TEXT NOT NULL DEFAULT 'running',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd     REAL NOT NULL DEFAULT 0,
	tool_calls   INTEGER NOT NULL DEFAULT 0,
	model_calls  INTEGER NOT NULL DEFAULT 0,
	errors       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tool_executions (
	turn_id    TEXT NOT NULL,
	session_id TEXT NOT NULL,
	call_id    TEXT NOT NULL,
	tool_name  TEXT NOT NULL,
	started_at TEXT NOT NULL,
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	success    INTEGER NOT NULL DEFAULT 0,
	blocked    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (turn_id, call_id)
);

CREATE TABLE IF NOT EXISTS model_calls (
	turn_id       TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	at            TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cached_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	context_size  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id);
CREATE INDEX IF NOT EXISTS idx_tools_session ON tool_executions(session_id);
`

// SQLiteExporter persists telemetry to a local database file, the
// default durable sink. Writes are idempotent per record so retries
// after partial failures are safe.
type SQLiteExporter struct {
	db *sql.DB
}

// DefaultSQLitePath is where the harness keeps local telemetry.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rho-agent", "telemetry.db")
	}
	return filepath.Join(home, ".config", "rho-agent", "telemetry.db")
}

// NewSQLiteExporter opens (creating if needed) the database at path
// and prepares the schema. WAL keeps writers from blocking the CLI's
// readers.
func NewSQLiteExporter(path string) (*SQLiteExporter, error) {
	if path == "" {
		path = DefaultSQLitePath()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("telemetry: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open sqlite: %w", err)
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
			return nil, fmt.Errorf("telemetry: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: migrate: %w", err)
	}
	return &SQLiteExporter{db: db}, nil
}

// DB exposes the handle for the stats queries behind `rho sessions`.
func (s *SQLiteExporter) DB() *sql.DB { return s.db }

func (s *SQLiteExporter) StartTurn(ctx context.Context, turn TurnContext) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (turn_id, session_id, started_at)
		VALUES (?, ?, ?)
		ON CONFLICT (turn_id) DO NOTHING`,
		turn.TurnID, turn.SessionID, turn.StartedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteExporter) EndTurn(ctx context.Context, summary TurnSummary) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE turns SET
			finished_at = ?,
			status = ?,
			input_tokens = ?,
			output_tokens = ?,
			cost_usd = ?,
			tool_calls = ?,
			model_calls = ?,
			errors = ?
		WHERE turn_id = ?`,
		summary.FinishedAt.UTC().Format(time.RFC3339Nano),
		summary.Status,
		summary.Usage.InputTokens,
		summary.Usage.OutputTokens,
		summary.Usage.CostUSD,
		summary.ToolCalls,
		summary.ModelCalls,
		summary.Errors,
		summary.TurnID)
	return err
}

func (s *SQLiteExporter) RecordToolExecution(ctx context.Context, exec ToolExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_executions (turn_id, session_id, call_id, tool_name, started_at, elapsed_ms, success, blocked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (turn_id, call_id) DO UPDATE SET
			elapsed_ms = excluded.elapsed_ms,
			success = excluded.success,
			blocked = excluded.blocked`,
		exec.TurnID, exec.SessionID, exec.CallID, exec.Name,
		exec.StartedAt.UTC().Format(time.RFC3339Nano),
		exec.Elapsed.Milliseconds(), boolInt(exec.Success), boolInt(exec.Blocked))
	return err
}

func (s *SQLiteExporter) RecordModelCall(ctx context.Context, call ModelCall) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_calls (turn_id, session_id, at, input_tokens, output_tokens, cached_tokens, cost_usd, context_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		call.TurnID, call.SessionID, call.At.UTC().Format(time.RFC3339Nano),
		call.Delta.InputTokens, call.Delta.OutputTokens, call.Delta.CachedTokens,
		call.Delta.CostUSD, call.ContextSize)
	return err
}

func (s *SQLiteExporter) IncrementToolCalls(ctx context.Context, turnID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE turns SET tool_calls = tool_calls + 1 WHERE turn_id = ?`, turnID)
	return err
}

func (s *SQLiteExporter) Close() error { return s.db.Close() }

// SessionTotals aggregates the stored turns for one session.
func (s *SQLiteExporter) SessionTotals(ctx context.Context, sessionID string) (models.Usage, int, error) {
	var usage models.Usage
	var turns int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost_usd), 0), COUNT(*)
		FROM turns WHERE session_id = ?`, sessionID).
		Scan(&usage.InputTokens, &usage.OutputTokens, &usage.CostUSD, &turns)
	return usage, turns, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
