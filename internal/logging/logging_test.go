package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestRedactsAPIKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Format: "text"})

	logger.Info(context.Background(), "auth failed",
		"detail", "api_key=sk-abcdefghijklmnopqrstuvwx1234 rejected")

	out := buf.String()
	if strings.Contains(out, "sk-abcdefghijklmnopqrstuvwx1234") {
		t.Fatalf("api key leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker: %s", out)
	}
}

func TestSessionCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Format: "text"})

	ctx := WithSessionID(context.Background(), "sess-42")
	logger.Info(ctx, "turn started")

	if !strings.Contains(buf.String(), "session_id=sess-42") {
		t.Fatalf("missing session correlation: %s", buf.String())
	}
	if got := SessionIDFromContext(ctx); got != "sess-42" {
		t.Fatalf("SessionIDFromContext = %q", got)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Format: "text", Level: "warn"})

	logger.Debug(context.Background(), "noise")
	logger.Info(context.Background(), "more noise")
	logger.Warn(context.Background(), "important")

	out := buf.String()
	if strings.Contains(out, "noise") {
		t.Fatalf("below-level records written: %s", out)
	}
	if !strings.Contains(out, "important") {
		t.Fatalf("warn record missing: %s", out)
	}
}

func TestNopDiscards(t *testing.T) {
	// Must not panic and must not write anywhere visible.
	Nop().Error(context.Background(), "dropped", "k", "v")
}
