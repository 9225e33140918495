// Package database implements the db_query tool over database/sql.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rho-agent/rho/pkg/models"
)

// Mode controls which statements the tool accepts.
type Mode string

const (
	// ModeReadOnly permits only non-mutating statements.
	ModeReadOnly Mode = "readonly"
	// ModeFull permits any statement.
	ModeFull Mode = "full"
)

const defaultMaxRows = 100

// readOnlyKeywords are the leading keywords allowed in readonly mode.
var readOnlyKeywords = map[string]bool{
	"select":  true,
	"with":    true,
	"explain": true,
	"pragma":  true,
	"show":    true,
}

// Tool runs SQL against an injected database handle.
type Tool struct {
	db   *sql.DB
	mode Mode
}

// New returns a db_query tool backed by db.
func New(db *sql.DB, mode Mode) *Tool {
	return &Tool{db: db, mode: mode}
}

func (t *Tool) Name() string { return "db_query" }

func (t *Tool) Description() string {
	if t.mode == ModeReadOnly {
		return "Run a read-only SQL query against the configured database. Mutating statements are rejected."
	}
	return "Run a SQL statement against the configured database. Queries return rows, mutations return the affected row count."
}

func (t *Tool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "SQL to execute.",
			},
			"max_rows": map[string]any{
				"type":        "integer",
				"description": "Maximum number of rows to return (default 100).",
			},
		},
		"required": []any{"query"},
	}
}

// RequiresApproval marks mutating access as dangerous.
func (t *Tool) RequiresApproval() bool { return t.mode == ModeFull }

func (t *Tool) Enabled() bool { return t.db != nil }

func (t *Tool) Handle(ctx context.Context, inv models.ToolInvocation) (models.ToolOutput, error) {
	query, _ := inv.Arguments["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return models.FailedOutput("query is required"), nil
	}
	if t.mode == ModeReadOnly {
		if stmt := firstMutatingStatement(query); stmt != "" {
			return models.FailedOutput(fmt.Sprintf("Statement %q is not permitted in readonly database mode.", stmt)), nil
		}
	}

	maxRows := intArg(inv.Arguments, "max_rows")
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}

	start := time.Now()
	if isQuery(query) {
		return t.runQuery(ctx, query, maxRows, start)
	}
	return t.runExec(ctx, query, start)
}

func (t *Tool) runQuery(ctx context.Context, query string, maxRows int, start time.Time) (models.ToolOutput, error) {
	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return models.ToolOutput{}, ctx.Err()
		}
		return models.FailedOutput(fmt.Sprintf("query failed: %v", err)), nil
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return models.FailedOutput(fmt.Sprintf("read columns: %v", err)), nil
	}

	var rendered [][]string
	truncated := false
	for rows.Next() {
		if len(rendered) >= maxRows {
			truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return models.FailedOutput(fmt.Sprintf("scan row: %v", err)), nil
		}
		row := make([]string, len(cols))
		for i, v := range values {
			row[i] = renderValue(v)
		}
		rendered = append(rendered, row)
	}
	if err := rows.Err(); err != nil {
		if ctx.Err() != nil {
			return models.ToolOutput{}, ctx.Err()
		}
		return models.FailedOutput(fmt.Sprintf("iterate rows: %v", err)), nil
	}

	var b strings.Builder
	b.WriteString(strings.Join(cols, "\t"))
	b.WriteByte('\n')
	for _, row := range rendered {
		b.WriteString(strings.Join(row, "\t"))
		b.WriteByte('\n')
	}
	if truncated {
		fmt.Fprintf(&b, "... (stopped after %d rows)\n", maxRows)
	}

	return models.ToolOutput{
		Content: b.String(),
		Success: true,
		Metadata: map[string]any{
			"rows":        len(rendered),
			"columns":     len(cols),
			"truncated":   truncated,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	}, nil
}

func (t *Tool) runExec(ctx context.Context, query string, start time.Time) (models.ToolOutput, error) {
	res, err := t.db.ExecContext(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return models.ToolOutput{}, ctx.Err()
		}
		return models.FailedOutput(fmt.Sprintf("statement failed: %v", err)), nil
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = -1
	}
	return models.ToolOutput{
		Content: fmt.Sprintf("OK, %d row(s) affected.", affected),
		Success: true,
		Metadata: map[string]any{
			"rows_affected": affected,
			"duration_ms":   time.Since(start).Milliseconds(),
		},
	}, nil
}

// firstMutatingStatement returns the first statement whose leading keyword
// is not in the read-only set, or "" when every statement is read-only.
func firstMutatingStatement(query string) string {
	for _, stmt := range strings.Split(query, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		keyword := strings.ToLower(firstWord(stmt))
		if !readOnlyKeywords[keyword] {
			return firstWord(stmt)
		}
	}
	return ""
}

// isQuery reports whether the statement is expected to return rows.
func isQuery(query string) bool {
	keyword := strings.ToLower(firstWord(query))
	switch keyword {
	case "select", "with", "explain", "pragma", "show", "values":
		return true
	}
	return false
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprint(val)
	}
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
