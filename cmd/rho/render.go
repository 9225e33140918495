package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rho-agent/rho/pkg/models"
)

// renderer turns the session's event stream into terminal output:
// streamed text verbatim, tool activity as bracketed status lines.
type renderer struct {
	out          io.Writer
	previewLines int
	sawText      bool
}

func newRenderer(out io.Writer, previewLines int) *renderer {
	if previewLines <= 0 {
		previewLines = 4
	}
	return &renderer{out: out, previewLines: previewLines}
}

// handle renders one event. It runs on the session's relay goroutine,
// so it must not block.
func (r *renderer) handle(ev models.AgentEvent) {
	switch ev.Type {
	case models.EventText:
		if ev.Text != nil {
			fmt.Fprint(r.out, ev.Text.Content)
			r.sawText = true
		}
	case models.EventToolStart:
		if ev.Tool != nil {
			r.breakLine()
			fmt.Fprintf(r.out, "[%s] %s\n", ev.Tool.Name, clipString(ev.Tool.Arguments, 120))
		}
	case models.EventToolEnd:
		if ev.Tool != nil {
			outcome := "ok"
			if !ev.Tool.Success {
				outcome = "failed"
			}
			fmt.Fprintf(r.out, "[%s] %s in %s\n", ev.Tool.Name, outcome, ev.Tool.Elapsed.Round(time.Millisecond))
			r.preview(ev.Tool.Content)
		}
	case models.EventToolBlocked:
		if ev.Tool != nil {
			r.breakLine()
			fmt.Fprintf(r.out, "[%s] blocked: %s\n", ev.Tool.Name, clipString(ev.Tool.Content, 120))
		}
	case models.EventCompactStart:
		r.breakLine()
		fmt.Fprintln(r.out, "[compact] summarizing history")
	case models.EventCompactEnd:
		if ev.Compact != nil {
			fmt.Fprintf(r.out, "[compact] %d -> %d tokens\n", ev.Compact.TokensBefore, ev.Compact.TokensAfter)
		}
	case models.EventError:
		if ev.Error != nil {
			r.breakLine()
			fmt.Fprintf(r.out, "[error] %s\n", ev.Error.Message)
		}
	case models.EventCancelled:
		r.breakLine()
		fmt.Fprintln(r.out, "[cancelled]")
	case models.EventInterruption:
		r.breakLine()
		fmt.Fprintln(r.out, "[interrupted] tool calls await approval")
	}
}

// breakLine ends the streamed-text line before a status line.
func (r *renderer) breakLine() {
	if r.sawText {
		fmt.Fprintln(r.out)
		r.sawText = false
	}
}

// preview echoes the first lines of a tool result, indented.
func (r *renderer) preview(content string) {
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return
	}
	lines := strings.Split(content, "\n")
	n := r.previewLines
	if n > len(lines) {
		n = len(lines)
	}
	for _, line := range lines[:n] {
		fmt.Fprintf(r.out, "  %s\n", clipString(line, 200))
	}
	if rest := len(lines) - n; rest > 0 {
		fmt.Fprintf(r.out, "  ... (%d more lines)\n", rest)
	}
}

// clipString bounds s to max bytes, flattening newlines so the result
// stays on one line.
func clipString(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
