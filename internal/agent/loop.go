package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rho-agent/rho/internal/tools"
	"github.com/rho-agent/rho/pkg/models"
)

// emitFunc records an event to state (stamping it) and forwards it to
// the run's event channel.
type emitFunc func(models.AgentEvent)

type loopOutcome struct {
	status        models.SessionStatus
	text          string
	interruptions []string
	runState      *models.RunState
}

// loop drives the turn state machine. Each iteration is one model call
// followed by the execution of the tool calls it requested; the loop
// ends when a call requests no tools (turn_complete) or on error,
// cancellation, or an approval interrupt. All yields go through emit,
// so trace order always matches stream order.
func (s *Session) loop(ctx context.Context, in runInput, emit emitFunc) loopOutcome {
	var (
		pending   []models.ToolCallSpec
		decisions map[string]bool
		finalText string
	)
	skipStream := false

	if in.resume != nil {
		if err := s.restoreRunState(in.resume); err != nil {
			emit(errorEvent(err.Error()))
			return loopOutcome{status: models.StatusError}
		}
		pending = thawApprovalItems(in.resume.PendingApprovals)
		decisions = in.decisions
		skipStream = len(pending) > 0
	} else {
		if st := s.turnBoundary(ctx, emit); st != "" {
			return loopOutcome{status: st}
		}
		if st := s.maybeAutoCompact(ctx, emit); st != "" {
			return loopOutcome{status: st}
		}
		s.state.AddUserMessage(in.prompt)
	}

	for turn := 0; ; {
		s.state.SetTurn(turn)

		if !skipStream {
			if st := s.turnBoundary(ctx, emit); st != "" {
				return loopOutcome{status: st, text: finalText}
			}
			if st := s.maybeAutoCompact(ctx, emit); st != "" {
				return loopOutcome{status: st, text: finalText}
			}
			if s.opts.maxTurns > 0 && turn >= s.opts.maxTurns {
				emit(errorEvent(fmt.Sprintf("run exceeded %d model calls without completing", s.opts.maxTurns)))
				return loopOutcome{status: models.StatusError, text: finalText}
			}
			turn++

			text, calls, st := s.streamOnce(ctx, emit)
			switch st {
			case streamCancelled:
				emit(cancelledEvent())
				return loopOutcome{status: models.StatusCancelled, text: finalText}
			case streamFailed:
				// Keep partial output visible to the next run.
				if text != "" {
					s.state.AddAssistantMessage(text)
				}
				return loopOutcome{status: models.StatusError, text: finalText}
			}

			if len(calls) > 0 {
				s.state.AddAssistantToolCalls(calls)
				pending = calls
			} else {
				if text != "" {
					s.state.AddAssistantMessage(text)
					finalText = text
				}
				if s.shouldNudge(text) {
					s.nudgeCount++
					s.state.AddUserMessage(nudgeMessage)
					continue
				}
				emit(turnCompleteEvent(s.state.Usage(), s.lastInputTokens))
				return loopOutcome{status: models.StatusCompleted, text: finalText}
			}
		}
		skipStream = false

		res := s.executeTools(ctx, emit, pending, decisions)
		pending, decisions = nil, nil
		switch res.kind {
		case batchCancelled:
			emit(cancelledEvent())
			return loopOutcome{status: models.StatusCancelled, text: finalText}
		case batchRejected:
			emit(turnCompleteEvent(s.state.Usage(), s.lastInputTokens))
			return loopOutcome{status: models.StatusCompleted, text: finalText}
		case batchInterrupted:
			emit(interruptionEvent(res.pending))
			return loopOutcome{
				status:        models.StatusInterrupted,
				text:          finalText,
				interruptions: []string{res.reason},
				runState:      s.captureRunState(res.pending),
			}
		case batchFailed:
			emit(errorEvent(res.reason))
			return loopOutcome{status: models.StatusError, text: finalText}
		}
	}
}

// turnBoundary services control-plane signals between model calls:
// cancel, pause (busy-wait with polling), queued directives, and
// export requests. A non-empty status ends the run.
func (s *Session) turnBoundary(ctx context.Context, emit emitFunc) models.SessionStatus {
	if s.isCancelled(ctx) {
		emit(cancelledEvent())
		return models.StatusCancelled
	}
	if s.opts.control == nil {
		return ""
	}
	paused := false
	for s.opts.control.IsPaused(ctx, s.id) {
		paused = true
		if s.isCancelled(ctx) || s.opts.control.IsCancelRequested(ctx, s.id) {
			s.cancelled.Store(true)
			emit(cancelledEvent())
			return models.StatusCancelled
		}
		select {
		case <-ctx.Done():
			emit(cancelledEvent())
			return models.StatusCancelled
		case <-time.After(pausePollInterval):
		}
	}
	if paused {
		s.log.Info(ctx, "session resumed from pause", "session_id", s.id)
	}

	directives, err := s.opts.control.ConsumeDirectives(ctx, s.id)
	if err != nil {
		s.log.Warn(ctx, "consume directives", "err", err)
	}
	for _, d := range directives {
		s.state.AddUserMessage(d)
	}

	if s.opts.control.TakeExportRequest(ctx, s.id) {
		if err := s.opts.control.WriteContext(ctx, s.id, s.Transcript()); err != nil {
			s.log.Warn(ctx, "export transcript", "err", err)
		}
	}
	return ""
}

type streamStatus int

const (
	streamOK streamStatus = iota
	streamFailed
	streamCancelled
)

// streamOnce performs one model call, emitting text and tool_start
// events as chunks arrive. On done it folds usage into the session and
// returns the assembled text and tool calls.
func (s *Session) streamOnce(ctx context.Context, emit emitFunc) (string, []models.ToolCallSpec, streamStatus) {
	prompt := Prompt{
		System:   s.agent.SystemPrompt,
		Messages: s.state.Messages(),
		Tools:    s.agent.Registry.Specs(),
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := s.client.Stream(streamCtx, prompt)
	if err != nil {
		emit(errorEvent(fmt.Sprintf("model call failed to start: %v", err)))
		return "", nil, streamFailed
	}

	var text strings.Builder
	var calls []models.ToolCallSpec
	for ev := range ch {
		if s.isCancelled(ctx) {
			cancel()
			go drainStream(ch)
			return text.String(), nil, streamCancelled
		}
		switch ev.Type {
		case StreamText:
			text.WriteString(ev.Text)
			emit(textEvent(ev.Text))
		case StreamToolCall:
			call := *ev.ToolCall
			calls = append(calls, call)
			emit(toolStartEvent(call))
		case StreamDone:
			var delta models.Usage
			if ev.Usage != nil {
				delta = *ev.Usage
			}
			s.state.UpdateUsage(delta)
			if delta.InputTokens > 0 {
				s.lastInputTokens = delta.InputTokens
			}
			emit(apiCallEvent(delta, s.lastInputTokens))
			return text.String(), calls, streamOK
		case StreamError:
			emit(errorEvent(ev.Err))
			return text.String(), nil, streamFailed
		}
	}
	emit(errorEvent("model stream ended without a terminator"))
	return text.String(), nil, streamFailed
}

type batchKind int

const (
	batchOK batchKind = iota
	batchRejected
	batchInterrupted
	batchCancelled
	batchFailed
)

type batchResult struct {
	kind    batchKind
	pending []models.ToolApprovalItem
	reason  string
}

// executeTools dispatches a batch of tool calls in order. Every call
// gets exactly one tool-role result appended, whatever its fate, so
// the history stays well formed for the next model call.
func (s *Session) executeTools(ctx context.Context, emit emitFunc, calls []models.ToolCallSpec, decisions map[string]bool) batchResult {
	for i, call := range calls {
		if s.isCancelled(ctx) {
			s.resolveCancelled(emit, calls[i:])
			return batchResult{kind: batchCancelled}
		}

		if s.gated(call.Name) {
			decision, err := s.decideApproval(ctx, call, decisions)
			if err != nil {
				s.resolveCancelled(emit, calls[i:])
				return batchResult{kind: batchFailed, reason: fmt.Sprintf("approval callback failed: %v", err)}
			}
			switch decision {
			case Rejected:
				s.state.AddToolResult(call.ID, RejectedToolResult)
				emit(toolBlockedEvent(call, RejectedToolResult))
				for _, rest := range calls[i+1:] {
					s.state.AddToolResult(rest.ID, SkippedToolResult)
					emit(toolBlockedEvent(rest, SkippedToolResult))
				}
				return batchResult{kind: batchRejected}
			case Interrupt:
				frozen := freezeApprovalItems(calls[i:])
				return batchResult{
					kind:    batchInterrupted,
					pending: frozen,
					reason:  fmt.Sprintf("awaiting approval for %s (%d call(s) frozen)", call.Name, len(frozen)),
				}
			}
		}

		if err := s.dispatchOne(ctx, emit, call); err != nil {
			s.resolveCancelled(emit, calls[i+1:])
			return batchResult{kind: batchCancelled}
		}
	}
	return batchResult{kind: batchOK}
}

// gated reports whether a call must pass the approval gate: the
// profile decides, seeded with the tool's own danger flag, and the
// gate only exists when something can answer it.
func (s *Session) gated(name string) bool {
	if s.opts.approval == nil {
		return false
	}
	return s.agent.Profile.RequiresToolApproval(name, s.agent.Registry.RequiresApproval(name))
}

// decideApproval resolves one gated call: recorded resume decisions
// short-circuit the callback, everything else asks it.
func (s *Session) decideApproval(ctx context.Context, call models.ToolCallSpec, decisions map[string]bool) (ApprovalDecision, error) {
	if approved, ok := decisions[call.ID]; ok {
		if approved {
			return Approved, nil
		}
		return Rejected, nil
	}
	args, err := tools.ParseArguments(call.Arguments)
	if err != nil {
		args = map[string]any{"raw": call.Arguments}
	}
	return s.opts.approval(ctx, call.Name, args)
}

// dispatchOne runs a single tool call and appends its result. The
// returned error is reserved for run cancellation observed while the
// tool was executing; per-call timeouts become failure results.
func (s *Session) dispatchOne(ctx context.Context, emit emitFunc, call models.ToolCallSpec) error {
	started := time.Now()

	inv, err := tools.Invocation(call)
	if err != nil {
		out := models.FailedOutput(fmt.Sprintf("Invalid arguments for %q: %v", call.Name, err))
		s.finishTool(emit, call, out, started)
		return nil
	}

	toolCtx := ctx
	var cancel context.CancelFunc
	if timeout := s.agent.Profile.ToolTimeout; timeout > 0 {
		toolCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	out, err := s.agent.Registry.Dispatch(toolCtx, inv)
	if cancel != nil {
		cancel()
	}
	if err != nil {
		if ctx.Err() != nil || s.isCancelled(ctx) {
			s.state.AddToolResult(call.ID, CancelledToolResult)
			emit(toolEndEvent(call, CancelledToolResult, false, nil, time.Since(started)))
			return err
		}
		// Only the per-call timeout is left.
		out = models.FailedOutput(fmt.Sprintf("Tool %q timed out after %s.", call.Name, s.agent.Profile.ToolTimeout))
	}
	s.finishTool(emit, call, out, started)
	return nil
}

// finishTool truncates oversized output (persisting the full text to a
// side file when possible), appends the result, and emits tool_end.
func (s *Session) finishTool(emit emitFunc, call models.ToolCallSpec, out models.ToolOutput, started time.Time) {
	metadata := make(map[string]any, len(out.Metadata)+2)
	for k, v := range out.Metadata {
		metadata[k] = v
	}
	if s.opts.previewLines > 0 {
		metadata["preview_lines"] = s.opts.previewLines
	}

	content, truncated := tools.Truncate(out.Content, s.opts.outputMaxChars)
	if truncated && s.opts.outputDir != "" {
		if path, err := s.spillOutput(call.ID, out.Content); err == nil {
			metadata["full_output_path"] = path
		} else {
			s.log.Warn(context.Background(), "persist full tool output", "err", err, "call_id", call.ID)
		}
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	s.state.AddToolResult(call.ID, content)
	emit(toolEndEvent(call, content, out.Success, metadata, time.Since(started)))
}

// spillOutput writes a full, untruncated tool output next to the trace.
func (s *Session) spillOutput(callID, content string) (string, error) {
	if err := os.MkdirAll(s.opts.outputDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("tool-output-%s.txt", sanitizeFileName(callID))
	path := filepath.Join(s.opts.outputDir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// resolveCancelled appends a cancellation result for every call that
// never ran, so each id is answered before the run ends.
func (s *Session) resolveCancelled(emit emitFunc, calls []models.ToolCallSpec) {
	for _, call := range calls {
		s.state.AddToolResult(call.ID, CancelledToolResult)
		emit(toolEndEvent(call, CancelledToolResult, false, nil, 0))
	}
}

// maybeAutoCompact compacts when the measured (or estimated) prompt
// size crosses the threshold. A non-empty status means the compaction
// call itself failed and the run must end; history is left intact.
func (s *Session) maybeAutoCompact(ctx context.Context, emit emitFunc) models.SessionStatus {
	if !s.shouldAutoCompact() {
		return ""
	}
	tokensBefore := s.state.EstimateTokens(s.agent.SystemPrompt)
	emit(compactStartEvent(CompactTriggerAuto, tokensBefore))
	res, err := s.compact(ctx, CompactTriggerAuto)
	if err != nil {
		emit(errorEvent(err.Error()))
		return models.StatusError
	}
	emit(compactEndEvent(res))
	return ""
}

// shouldAutoCompact applies the threshold against the last measured
// prompt-token count, falling back to the chars/4 estimate before the
// first model call of a session.
func (s *Session) shouldAutoCompact() bool {
	if !s.opts.autoCompact || s.agent.ContextWindow <= 0 {
		return false
	}
	tokens := s.lastInputTokens
	if tokens <= 0 {
		tokens = s.state.EstimateTokens(s.agent.SystemPrompt)
	}
	return float64(tokens) >= s.opts.compactThreshold*float64(s.agent.ContextWindow)
}

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
