// Package shell implements the run_shell tool.
package shell

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rho-agent/rho/pkg/models"
)

// Mode selects how much of the shell a session may reach.
type Mode string

const (
	// ModeRestricted permits read-only inspection commands only.
	ModeRestricted Mode = "restricted"
	// ModeUnrestricted permits arbitrary commands.
	ModeUnrestricted Mode = "unrestricted"
)

// Default per-invocation timeouts; overridable per call and per profile.
const (
	DefaultRestrictedTimeout   = 120 * time.Second
	DefaultUnrestrictedTimeout = 300 * time.Second
)

// readOnlyBins are command heads that cannot mutate the workspace.
// Restricted mode admits a pipeline only when every segment starts
// with one of these.
var readOnlyBins = map[string]struct{}{
	"cat": {}, "head": {}, "tail": {}, "wc": {}, "sort": {}, "uniq": {},
	"grep": {}, "rg": {}, "ls": {}, "find": {}, "pwd": {}, "echo": {},
	"file": {}, "stat": {}, "du": {}, "df": {}, "which": {}, "env": {},
	"date": {}, "diff": {}, "cut": {}, "tr": {}, "awk": {}, "sed": {},
	"jq": {}, "xxd": {}, "strings": {}, "basename": {}, "dirname": {},
}

// Tool runs shell commands inside the session's working directory.
type Tool struct {
	mode    Mode
	workdir string
	timeout time.Duration
	env     []string
}

// Option configures the shell tool.
type Option func(*Tool)

// WithTimeout overrides the default per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithEnv appends environment variables to spawned commands.
func WithEnv(env []string) Option {
	return func(t *Tool) { t.env = append(t.env, env...) }
}

// New creates a shell tool bound to a working directory.
func New(mode Mode, workdir string, opts ...Option) *Tool {
	t := &Tool{mode: mode, workdir: workdir}
	switch mode {
	case ModeUnrestricted:
		t.timeout = DefaultUnrestrictedTimeout
	default:
		t.mode = ModeRestricted
		t.timeout = DefaultRestrictedTimeout
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Name() string { return "run_shell" }

func (t *Tool) Description() string {
	if t.mode == ModeRestricted {
		return "Run a read-only shell command (cat, grep, ls, find, ...) in the working directory."
	}
	return "Run a shell command in the working directory."
}

func (t *Tool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Override the default timeout (seconds).",
				"minimum":     0,
			},
		},
		"required": []string{"command"},
	}
}

// RequiresApproval is true for the unrestricted shell; the profile's
// approval mode decides whether the flag actually gates dispatch.
func (t *Tool) RequiresApproval() bool { return t.mode == ModeUnrestricted }

func (t *Tool) Enabled() bool { return true }

// Handle runs the command under /bin/sh -c with the configured timeout.
func (t *Tool) Handle(ctx context.Context, inv models.ToolInvocation) (models.ToolOutput, error) {
	command, _ := inv.Arguments["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return models.FailedOutput("command is required"), nil
	}

	if t.mode == ModeRestricted {
		if bad := firstDisallowedSegment(command); bad != "" {
			return models.FailedOutput(fmt.Sprintf(
				"Command %q is not permitted in restricted shell mode. Only read-only commands are allowed.", bad)), nil
		}
	}

	timeout := t.timeout
	if secs := asInt(inv.Arguments["timeout_seconds"]); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	if t.workdir != "" {
		cmd.Dir = t.workdir
	}
	if len(t.env) > 0 {
		cmd.Env = append(os.Environ(), t.env...)
	}

	var stdout, stderr limitedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	// The session's own cancellation propagates; a per-call timeout is
	// the tool's failure and is reported to the model instead.
	if ctx.Err() != nil {
		return models.ToolOutput{}, ctx.Err()
	}

	code := exitCode(runErr)
	content := stdout.String()
	if errText := stderr.String(); errText != "" {
		if content != "" {
			content += "\n"
		}
		content += errText
	}
	if runCtx.Err() == context.DeadlineExceeded {
		content = fmt.Sprintf("Command timed out after %s.\n%s", timeout, content)
	}

	return models.ToolOutput{
		Content: content,
		Success: runErr == nil,
		Metadata: map[string]any{
			"exit_code":   code,
			"duration_ms": elapsed.Milliseconds(),
			"command":     command,
		},
	}, nil
}

// firstDisallowedSegment splits a pipeline on |, &&, ||, and ; and
// returns the first segment whose head is not a read-only binary.
func firstDisallowedSegment(command string) string {
	replaced := strings.NewReplacer("&&", "\n", "||", "\n", "|", "\n", ";", "\n").Replace(command)
	for _, segment := range strings.Split(replaced, "\n") {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		head := fields[0]
		if _, ok := readOnlyBins[head]; !ok {
			return head
		}
	}
	return ""
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// limitedBuffer caps captured output so runaway commands cannot exhaust
// memory; truncation to the session budget happens later in the loop.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const maxCaptureBytes = 1 << 20 // 1 MiB per stream

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) >= maxCaptureBytes {
		return len(p), nil
	}
	remaining := maxCaptureBytes - len(b.buf)
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
