package agent

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rho-agent/rho/internal/logging"
	"github.com/rho-agent/rho/internal/signals"
	"github.com/rho-agent/rho/internal/state"
	"github.com/rho-agent/rho/internal/telemetry"
	"github.com/rho-agent/rho/pkg/models"
)

// Env knobs read at session construction. Explicit options win.
const (
	envOutputMaxChars = "RHO_AGENT_OUTPUT_MAX_CHARS"
	envPreviewLines   = "RHO_AGENT_PREVIEW_LINES"
)

const (
	// defaultOutputMaxChars is the per-result budget before head+tail
	// truncation kicks in.
	defaultOutputMaxChars = 20000

	// pausePollInterval is how often a paused session re-checks its
	// pause and cancel signals.
	pausePollInterval = 500 * time.Millisecond

	// controlPollInterval throttles control-plane cancel checks, which
	// hit the filesystem or a database.
	controlPollInterval = 200 * time.Millisecond
)

type sessionOptions struct {
	autoCompact      bool
	compactThreshold float64
	compactGuidance  string
	nudgeEnabled     bool
	maxNudges        int
	maxTurns         int
	outputMaxChars   int
	previewLines     int
	outputDir        string
	approval         ApprovalCallback
	cancelCheck      func() bool
	onEvent          func(models.AgentEvent)
	control          signals.SessionControl
	processor        *telemetry.Processor
	logger           *logging.Logger
}

// SessionOption customizes a Session.
type SessionOption func(*sessionOptions)

// WithApprovalCallback gates dangerous tool calls through cb. Without a
// callback (and absent resume decisions) gated calls proceed.
func WithApprovalCallback(cb ApprovalCallback) SessionOption {
	return func(o *sessionOptions) { o.approval = cb }
}

// WithCancelCheck installs an extra cancellation poll consulted at
// every yield point, alongside context and control-plane checks.
func WithCancelCheck(fn func() bool) SessionOption {
	return func(o *sessionOptions) { o.cancelCheck = fn }
}

// WithOnEvent registers a relay for every event the run emits, called
// in order from a dedicated goroutine.
func WithOnEvent(fn func(models.AgentEvent)) SessionOption {
	return func(o *sessionOptions) { o.onEvent = fn }
}

// WithMaxTurns caps the model calls per run; exceeding it ends the run
// with an error event. Zero means unlimited.
func WithMaxTurns(n int) SessionOption {
	return func(o *sessionOptions) { o.maxTurns = n }
}

// WithAutoCompact toggles threshold-based compaction (on by default).
func WithAutoCompact(enabled bool) SessionOption {
	return func(o *sessionOptions) { o.autoCompact = enabled }
}

// WithCompactThreshold overrides the auto-compaction trigger fraction
// of the context window. The default is 0.7.
func WithCompactThreshold(fraction float64) SessionOption {
	return func(o *sessionOptions) {
		if fraction > 0 && fraction <= 1 {
			o.compactThreshold = fraction
		}
	}
}

// WithCompactGuidance appends extra instructions to the summarization
// system prompt.
func WithCompactGuidance(guidance string) SessionOption {
	return func(o *sessionOptions) { o.compactGuidance = guidance }
}

// WithNudges enables the completion nudge (off by default, capped at
// three per session).
func WithNudges(enabled bool) SessionOption {
	return func(o *sessionOptions) { o.nudgeEnabled = enabled }
}

// WithOutputMaxChars overrides the tool-output truncation budget.
func WithOutputMaxChars(n int) SessionOption {
	return func(o *sessionOptions) { o.outputMaxChars = n }
}

// WithPreviewLines sets how many output lines renderers should echo;
// it travels on tool_end event metadata.
func WithPreviewLines(n int) SessionOption {
	return func(o *sessionOptions) { o.previewLines = n }
}

// WithOutputDir sets where full tool outputs are written when the
// inline result had to be truncated.
func WithOutputDir(dir string) SessionOption {
	return func(o *sessionOptions) { o.outputDir = dir }
}

// WithControl attaches a control plane for pause, cancel, directives,
// export, and response publishing.
func WithControl(sc signals.SessionControl) SessionOption {
	return func(o *sessionOptions) { o.control = sc }
}

// WithTelemetry routes the run's event stream through a telemetry
// processor.
func WithTelemetry(p *telemetry.Processor) SessionOption {
	return func(o *sessionOptions) { o.processor = p }
}

// WithLogger sets the session logger. Defaults to a no-op.
func WithLogger(l *logging.Logger) SessionOption {
	return func(o *sessionOptions) { o.logger = l }
}

// Session binds one Agent to one State and executes runs against it.
// One run at a time: concurrent Run/Resume calls fail with
// ErrSessionBusy. RequestCancel is safe from any goroutine.
type Session struct {
	agent  *Agent
	state  *state.State
	client ModelClient
	id     string
	opts   sessionOptions
	log    *logging.Logger

	running   atomic.Bool
	cancelled atomic.Bool

	// Fields below are owned by the goroutine holding running.
	lastInputTokens int
	nudgeCount      int
	lastControlPoll time.Time
}

// NewSession builds a session for agent a over st. The model client is
// constructed once and reused across runs.
func NewSession(a *Agent, st *state.State, opts ...SessionOption) (*Session, error) {
	options := sessionOptions{
		autoCompact:      true,
		compactThreshold: defaultCompactThreshold,
		maxNudges:        defaultMaxNudges,
		outputMaxChars:   envInt(envOutputMaxChars, defaultOutputMaxChars),
		previewLines:     envInt(envPreviewLines, 0),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = logging.Nop()
	}
	client, err := a.NewClient()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return &Session{
		agent:  a,
		state:  st,
		client: client,
		id:     st.SessionID(),
		opts:   options,
		log:    options.logger,
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Agent returns the agent currently bound to the session.
func (s *Session) Agent() *Agent { return s.agent }

// State returns the session's conversation state.
func (s *Session) State() *state.State { return s.state }

// SetAgent swaps the bound agent (after Reconfigure). Not safe while a
// run is in flight.
func (s *Session) SetAgent(a *Agent) error {
	if s.running.Load() {
		return ErrSessionBusy
	}
	client, err := a.NewClient()
	if err != nil {
		return err
	}
	s.agent = a
	s.client = client
	return nil
}

// RequestCancel flips the cancel latch. The current run stops at its
// next yield point; in-flight tool handlers run to completion first.
func (s *Session) RequestCancel() {
	s.cancelled.Store(true)
}

// Register announces the session on the control plane so other
// processes can list and signal it.
func (s *Session) Register(ctx context.Context, instruction string) error {
	if s.opts.control == nil {
		return nil
	}
	return s.opts.control.Register(ctx, signals.RunningSession{
		SessionID:          s.id,
		PID:                os.Getpid(),
		Model:              s.agent.Model,
		InstructionPreview: clip(instruction, 120),
		StartedAt:          time.Now().UTC(),
	})
}

// Deregister removes the session from the control plane.
func (s *Session) Deregister(ctx context.Context) error {
	if s.opts.control == nil {
		return nil
	}
	return s.opts.control.Deregister(ctx, s.id)
}

// Run executes one turn: append prompt as a user message, then loop
// through model calls and tool batches until the model stops asking
// for tools. The returned result carries the terminal status; Run
// itself errors only on misuse, such as a second concurrent run.
func (s *Session) Run(ctx context.Context, prompt string) (*models.RunResult, error) {
	return s.run(ctx, runInput{prompt: prompt})
}

// Resume continues an interrupted run from its snapshot. decisions maps
// tool call ids to approve (true) or reject (false); calls without an
// entry fall back to the approval callback.
func (s *Session) Resume(ctx context.Context, rs *models.RunState, decisions map[string]bool) (*models.RunResult, error) {
	return s.run(ctx, runInput{resume: rs, decisions: decisions})
}

type runInput struct {
	prompt    string
	resume    *models.RunState
	decisions map[string]bool
}

func (s *Session) run(ctx context.Context, in runInput) (*models.RunResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSessionBusy
	}
	defer s.running.Store(false)
	s.cancelled.Store(false)
	s.lastControlPoll = time.Time{}

	if err := s.state.SetStatus(models.StatusRunning); err != nil {
		return nil, err
	}

	events := make(chan models.AgentEvent, 64)
	downstream := (<-chan models.AgentEvent)(events)
	if s.opts.processor != nil {
		downstream = s.opts.processor.WrapTurn(ctx, s.id, downstream)
	}

	var collected []models.AgentEvent
	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		for ev := range downstream {
			collected = append(collected, ev)
			if s.opts.onEvent != nil {
				s.relay(ev)
			}
		}
	}()

	outcome := s.loop(ctx, in, func(ev models.AgentEvent) {
		events <- s.state.RecordEvent(ev)
	})

	close(events)
	<-relayed

	if s.opts.processor != nil {
		s.opts.processor.Flush(ctx)
		if s.opts.processor.Degraded() {
			s.state.SetMetadata("telemetry_degraded", true)
		}
	}

	if err := s.state.SetStatus(outcome.status); err != nil {
		s.log.Warn(ctx, "set terminal status", "err", err, "status", outcome.status)
	}
	s.state.IncrementRunCount()

	if outcome.status == models.StatusCompleted && outcome.text != "" && s.opts.control != nil {
		if _, err := s.opts.control.PublishResponse(ctx, s.id, outcome.text); err != nil {
			s.log.Warn(ctx, "publish response", "err", err)
		}
	}

	return &models.RunResult{
		Text:          outcome.text,
		Events:        collected,
		Status:        outcome.status,
		Usage:         s.state.Usage(),
		Interruptions: outcome.interruptions,
		State:         outcome.runState,
	}, nil
}

// relay delivers one event to the onEvent callback, swallowing panics
// so a broken renderer cannot kill the run.
func (s *Session) relay(ev models.AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(context.Background(), "event relay panicked", "recovered", r)
		}
	}()
	s.opts.onEvent(ev)
}

// isCancelled checks the cancel latch, the run context, the optional
// cancel callback, and (throttled) the control plane. Any hit latches.
func (s *Session) isCancelled(ctx context.Context) bool {
	if s.cancelled.Load() {
		return true
	}
	hit := ctx.Err() != nil
	if !hit && s.opts.cancelCheck != nil {
		hit = s.opts.cancelCheck()
	}
	if !hit && s.opts.control != nil {
		if now := time.Now(); now.Sub(s.lastControlPoll) >= controlPollInterval {
			s.lastControlPoll = now
			hit = s.opts.control.IsCancelRequested(ctx, s.id)
		}
	}
	if hit {
		s.cancelled.Store(true)
	}
	return hit
}

// Transcript renders the conversation for export: a small header, then
// one block per message.
func (s *Session) Transcript() string {
	var b strings.Builder
	usage := s.state.Usage()
	fmt.Fprintf(&b, "session: %s\n", s.id)
	fmt.Fprintf(&b, "model: %s\n", s.agent.Model)
	fmt.Fprintf(&b, "status: %s\n", s.state.Status())
	fmt.Fprintf(&b, "tokens: in=%d out=%d cost=$%.4f\n\n", usage.InputTokens, usage.OutputTokens, usage.CostUSD)
	for _, m := range s.state.Messages() {
		switch m.Role {
		case models.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				for _, call := range m.ToolCalls {
					fmt.Fprintf(&b, "[assistant] -> %s(%s)\n\n", call.Name, clip(call.Arguments, 200))
				}
				continue
			}
			fmt.Fprintf(&b, "[assistant] %s\n\n", m.Content)
		case models.RoleTool:
			fmt.Fprintf(&b, "[tool %s] %s\n\n", m.ToolCallID, clip(m.Content, 500))
		default:
			fmt.Fprintf(&b, "[%s] %s\n\n", m.Role, m.Content)
		}
	}
	return b.String()
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
