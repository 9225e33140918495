package signals

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rho-agent/rho/internal/logging"
)

// Heartbeat cadence and the staleness cutoff derived from it. A
// session missing four beats is treated as dead.
const (
	heartbeatInterval = 15 * time.Second
	staleAfter        = 60 * time.Second
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS agent_sessions (
	session_id   TEXT PRIMARY KEY,
	pid          BIGINT NOT NULL,
	hostname     TEXT NOT NULL DEFAULT '',
	model        TEXT NOT NULL DEFAULT '',
	instruction  TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL,
	heartbeat_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_signals (
	id         BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '',
	seq        BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS agent_signals_session_kind
	ON agent_signals (session_id, kind);
`

// PostgresControl mirrors the file control plane onto a shared
// database, for sessions spread across hosts. Liveness comes from
// heartbeats instead of pid probes.
type PostgresControl struct {
	pool *pgxpool.Pool
	log  *logging.Logger

	mu         sync.Mutex
	heartbeats map[string]context.CancelFunc
}

// PostgresControlOption customizes a PostgresControl.
type PostgresControlOption func(*PostgresControl)

// WithPostgresControlLogger sets the logger.
func WithPostgresControlLogger(l *logging.Logger) PostgresControlOption {
	return func(p *PostgresControl) { p.log = l }
}

// NewPostgresControl connects, runs the schema, and returns the
// control handle. Close releases the pool.
func NewPostgresControl(ctx context.Context, databaseURL string, opts ...PostgresControlOption) (*PostgresControl, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("signals: connect: %w", err)
	}
	pc := &PostgresControl{
		pool:       pool,
		log:        logging.Nop(),
		heartbeats: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(pc)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("signals: migrate: %w", err)
	}
	return pc, nil
}

// Close stops all heartbeats and releases the pool.
func (p *PostgresControl) Close() {
	p.mu.Lock()
	for _, stop := range p.heartbeats {
		stop()
	}
	p.heartbeats = make(map[string]context.CancelFunc)
	p.mu.Unlock()
	p.pool.Close()
}

func (p *PostgresControl) Register(ctx context.Context, info RunningSession) error {
	if info.SessionID == "" {
		return errors.New("signals: empty session id")
	}
	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO agent_sessions (session_id, pid, hostname, model, instruction, started_at, heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (session_id) DO UPDATE SET
			pid = EXCLUDED.pid,
			hostname = EXCLUDED.hostname,
			model = EXCLUDED.model,
			instruction = EXCLUDED.instruction,
			heartbeat_at = now()`,
		info.SessionID, info.PID, info.Hostname, info.Model, info.InstructionPreview, info.StartedAt)
	if err != nil {
		return err
	}
	p.startHeartbeat(info.SessionID)
	return nil
}

func (p *PostgresControl) startHeartbeat(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, running := p.heartbeats[sessionID]; running {
		return
	}
	hbCtx, cancel := context.WithCancel(context.Background())
	p.heartbeats[sessionID] = cancel
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if _, err := p.pool.Exec(hbCtx,
					`UPDATE agent_sessions SET heartbeat_at = now() WHERE session_id = $1`,
					sessionID); err != nil && hbCtx.Err() == nil {
					p.log.Warn(hbCtx, "heartbeat failed", "session_id", sessionID, "err", err)
				}
			}
		}
	}()
}

func (p *PostgresControl) stopHeartbeat(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stop, ok := p.heartbeats[sessionID]; ok {
		stop()
		delete(p.heartbeats, sessionID)
	}
}

func (p *PostgresControl) Deregister(ctx context.Context, sessionID string) error {
	p.stopHeartbeat(sessionID)
	if _, err := p.pool.Exec(ctx, `DELETE FROM agent_sessions WHERE session_id = $1`, sessionID); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx,
		`DELETE FROM agent_signals WHERE session_id = $1 AND kind IN ('cancel', 'pause', 'directive', 'export')`,
		sessionID)
	return err
}

func (p *PostgresControl) ListRunning(ctx context.Context) ([]RunningSession, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT session_id, pid, hostname, model, instruction, started_at
		FROM agent_sessions
		WHERE heartbeat_at > now() - make_interval(secs => $1)
		ORDER BY session_id`,
		staleAfter.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []RunningSession
	for rows.Next() {
		var info RunningSession
		if err := rows.Scan(&info.SessionID, &info.PID, &info.Hostname, &info.Model, &info.InstructionPreview, &info.StartedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

func (p *PostgresControl) setFlag(ctx context.Context, sessionID, kind string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO agent_signals (session_id, kind)
		SELECT $1, $2
		WHERE NOT EXISTS (
			SELECT 1 FROM agent_signals WHERE session_id = $1 AND kind = $2
		)`, sessionID, kind)
	return err
}

func (p *PostgresControl) clearFlag(ctx context.Context, sessionID, kind string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM agent_signals WHERE session_id = $1 AND kind = $2`, sessionID, kind)
	return err
}

func (p *PostgresControl) hasFlag(ctx context.Context, sessionID, kind string) bool {
	var found bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agent_signals WHERE session_id = $1 AND kind = $2)`,
		sessionID, kind).Scan(&found)
	if err != nil {
		// A broken control plane never stops a run.
		return false
	}
	return found
}

func (p *PostgresControl) RequestCancel(ctx context.Context, sessionID string) error {
	return p.setFlag(ctx, sessionID, "cancel")
}

func (p *PostgresControl) ClearCancel(ctx context.Context, sessionID string) error {
	return p.clearFlag(ctx, sessionID, "cancel")
}

func (p *PostgresControl) IsCancelRequested(ctx context.Context, sessionID string) bool {
	return p.hasFlag(ctx, sessionID, "cancel")
}

func (p *PostgresControl) RequestPause(ctx context.Context, sessionID string) error {
	return p.setFlag(ctx, sessionID, "pause")
}

func (p *PostgresControl) ClearPause(ctx context.Context, sessionID string) error {
	return p.clearFlag(ctx, sessionID, "pause")
}

func (p *PostgresControl) IsPaused(ctx context.Context, sessionID string) bool {
	return p.hasFlag(ctx, sessionID, "pause")
}

func (p *PostgresControl) QueueDirective(ctx context.Context, sessionID, text string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO agent_signals (session_id, kind, payload) VALUES ($1, 'directive', $2)`,
		sessionID, text)
	return err
}

// ConsumeDirectives drains atomically: the delete and the ordered read
// happen in one statement, so two consumers never split the queue.
func (p *PostgresControl) ConsumeDirectives(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		WITH drained AS (
			DELETE FROM agent_signals
			WHERE session_id = $1 AND kind = 'directive'
			RETURNING id, payload
		)
		SELECT payload FROM drained ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var directives []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		directives = append(directives, text)
	}
	return directives, rows.Err()
}

func (p *PostgresControl) RequestExport(ctx context.Context, sessionID string) error {
	return p.setFlag(ctx, sessionID, "export")
}

func (p *PostgresControl) TakeExportRequest(ctx context.Context, sessionID string) bool {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM agent_signals WHERE session_id = $1 AND kind = 'export'`, sessionID)
	return err == nil && tag.RowsAffected() > 0
}

func (p *PostgresControl) WriteContext(ctx context.Context, sessionID, content string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx,
		`DELETE FROM agent_signals WHERE session_id = $1 AND kind = 'context'`, sessionID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_signals (session_id, kind, payload) VALUES ($1, 'context', $2)`,
		sessionID, content); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PostgresControl) ReadContext(ctx context.Context, sessionID string) (string, error) {
	var content string
	err := p.pool.QueryRow(ctx, `
		SELECT payload FROM agent_signals
		WHERE session_id = $1 AND kind = 'context'
		ORDER BY id DESC LIMIT 1`, sessionID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("signals: no context for %s", sessionID)
	}
	return content, err
}

func (p *PostgresControl) PublishResponse(ctx context.Context, sessionID, content string) (int, error) {
	var seq int
	err := p.pool.QueryRow(ctx, `
		INSERT INTO agent_signals (session_id, kind, payload, seq)
		VALUES ($1, 'response', $2, (
			SELECT COALESCE(MAX(seq), 0) + 1 FROM agent_signals
			WHERE session_id = $1 AND kind = 'response'
		))
		RETURNING seq`, sessionID, content).Scan(&seq)
	return seq, err
}

func (p *PostgresControl) ReadResponse(ctx context.Context, sessionID string, seq int) (string, error) {
	var content string
	err := p.pool.QueryRow(ctx, `
		SELECT payload FROM agent_signals
		WHERE session_id = $1 AND kind = 'response' AND seq = $2`,
		sessionID, seq).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoResponse
	}
	return content, err
}

// CollectGarbage removes sessions whose heartbeat went stale and all
// their signals.
func (p *PostgresControl) CollectGarbage(ctx context.Context) (int, error) {
	rows, err := p.pool.Query(ctx, `
		DELETE FROM agent_sessions
		WHERE heartbeat_at <= now() - make_interval(secs => $1)
		RETURNING session_id`, staleAfter.Seconds())
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, id := range stale {
		if _, err := p.pool.Exec(ctx, `DELETE FROM agent_signals WHERE session_id = $1`, id); err != nil {
			return len(stale), err
		}
	}
	return len(stale), nil
}

func (p *PostgresControl) CancelByPrefix(ctx context.Context, prefix string) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO agent_signals (session_id, kind)
		SELECT session_id, 'cancel' FROM agent_sessions
		WHERE session_id LIKE $1 || '%'
		AND NOT EXISTS (
			SELECT 1 FROM agent_signals s
			WHERE s.session_id = agent_sessions.session_id AND s.kind = 'cancel'
		)`, prefix)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresControl) PauseAll(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO agent_signals (session_id, kind)
		SELECT session_id, 'pause' FROM agent_sessions
		WHERE NOT EXISTS (
			SELECT 1 FROM agent_signals s
			WHERE s.session_id = agent_sessions.session_id AND s.kind = 'pause'
		)`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresControl) ResumeAll(ctx context.Context) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `
		WITH cleared AS (
			DELETE FROM agent_signals WHERE kind = 'pause'
			RETURNING session_id
		)
		SELECT COUNT(DISTINCT session_id) FROM cleared`).Scan(&count)
	return count, err
}
