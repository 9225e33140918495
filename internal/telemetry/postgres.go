package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rho_turns (
	turn_id      TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ,
	status       TEXT NOT NULL DEFAULT 'running',
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd     DOUBLE PRECISION NOT NULL DEFAULT 0,
	tool_calls   INTEGER NOT NULL DEFAULT 0,
	model_calls  INTEGER NOT NULL DEFAULT 0,
	errors       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS rho_tool_executions (
	turn_id    TEXT NOT NULL,
	session_id TEXT NOT NULL,
	call_id    TEXT NOT NULL,
	tool_name  TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	elapsed_ms BIGINT NOT NULL DEFAULT 0,
	success    BOOLEAN NOT NULL DEFAULT false,
	blocked    BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (turn_id, call_id)
);

CREATE TABLE IF NOT EXISTS rho_model_calls (
	id            BIGSERIAL PRIMARY KEY,
	turn_id       TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	at            TIMESTAMPTZ NOT NULL,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cached_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	context_size  BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_rho_turns_session ON rho_turns(session_id);
CREATE INDEX IF NOT EXISTS idx_rho_tools_session ON rho_tool_executions(session_id);
`

// PostgresExporter ships telemetry to a shared database, for fleets
// where one dashboard watches many harness processes.
type PostgresExporter struct {
	db     *sql.DB
	ownsDB bool
}

// NewPostgresExporter connects with the standard lib/pq DSN and
// prepares the schema.
func NewPostgresExporter(dsn string) (*PostgresExporter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(time.Minute)
	exp := &PostgresExporter{db: db, ownsDB: true}
	if err := exp.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return exp, nil
}

// NewPostgresExporterWithDB wraps an existing handle; Close leaves the
// handle open. Tests use this with a mock.
func NewPostgresExporterWithDB(db *sql.DB) *PostgresExporter {
	return &PostgresExporter{db: db}
}

func (p *PostgresExporter) migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("telemetry: migrate postgres: %w", err)
	}
	return nil
}

func (p *PostgresExporter) StartTurn(ctx context.Context, turn TurnContext) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rho_turns (turn_id, session_id, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (turn_id) DO NOTHING`,
		turn.TurnID, turn.SessionID, turn.StartedAt.UTC())
	return err
}

func (p *PostgresExporter) EndTurn(ctx context.Context, summary TurnSummary) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE rho_turns SET
			finished_at = $1,
			status = $2,
			input_tokens = $3,
			output_tokens = $4,
			cost_usd = $5,
			tool_calls = $6,
			model_calls = $7,
			errors = $8
		WHERE turn_id = $9`,
		summary.FinishedAt.UTC(), summary.Status,
		summary.Usage.InputTokens, summary.Usage.OutputTokens, summary.Usage.CostUSD,
		summary.ToolCalls, summary.ModelCalls, summary.Errors, summary.TurnID)
	return err
}

func (p *PostgresExporter) RecordToolExecution(ctx context.Context, exec ToolExecution) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rho_tool_executions (turn_id, session_id, call_id, tool_name, started_at, elapsed_ms, success, blocked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (turn_id, call_id) DO UPDATE SET
			elapsed_ms = EXCLUDED.elapsed_ms,
			success = EXCLUDED.success,
			blocked = EXCLUDED.blocked`,
		exec.TurnID, exec.SessionID, exec.CallID, exec.Name,
		exec.StartedAt.UTC(), exec.Elapsed.Milliseconds(), exec.Success, exec.Blocked)
	return err
}

func (p *PostgresExporter) RecordModelCall(ctx context.Context, call ModelCall) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rho_model_calls (turn_id, session_id, at, input_tokens, output_tokens, cached_tokens, cost_usd, context_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		call.TurnID, call.SessionID, call.At.UTC(),
		call.Delta.InputTokens, call.Delta.OutputTokens, call.Delta.CachedTokens,
		call.Delta.CostUSD, call.ContextSize)
	return err
}

func (p *PostgresExporter) IncrementToolCalls(ctx context.Context, turnID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE rho_turns SET tool_calls = tool_calls + 1 WHERE turn_id = $1`, turnID)
	return err
}

func (p *PostgresExporter) Close() error {
	if !p.ownsDB {
		return nil
	}
	return p.db.Close()
}
