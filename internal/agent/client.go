package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rho-agent/rho/internal/tools"
	"github.com/rho-agent/rho/pkg/models"
)

// Prompt is the input to one model call: the live system prompt, the
// conversation so far, and the tool specs the model may invoke.
type Prompt struct {
	System   string
	Messages []models.Message
	Tools    []tools.Spec
}

// StreamEventType discriminates the items of a model stream.
type StreamEventType string

const (
	// StreamText is an incremental text chunk.
	StreamText StreamEventType = "text"
	// StreamToolCall is a fully assembled tool call. Providers buffer
	// partial deltas internally and emit only complete calls.
	StreamToolCall StreamEventType = "tool_call"
	// StreamDone terminates a successful stream and carries usage.
	StreamDone StreamEventType = "done"
	// StreamError terminates a failed stream.
	StreamError StreamEventType = "error"
)

// StreamEvent is one item of a model stream. A well-formed stream is
// zero or more text and tool_call events followed by exactly one
// terminator (done or error), after which the channel is closed.
type StreamEvent struct {
	Type     StreamEventType
	Text     string
	ToolCall *models.ToolCallSpec
	Usage    *models.Usage
	Err      string
}

// ModelClient is the provider surface the agent loop runs against.
type ModelClient interface {
	// Stream starts one completion and returns its event channel. A
	// non-nil error means the call never started; stream-time failures
	// arrive as an error event instead.
	Stream(ctx context.Context, prompt Prompt) (<-chan StreamEvent, error)

	// Complete performs a one-shot, non-streaming completion over the
	// given messages. Compaction uses this.
	Complete(ctx context.Context, messages []models.Message) (string, models.Usage, error)
}

// Watchdog defaults for guarded streams.
const (
	// DefaultInitialChunkTimeout bounds the wait for the first chunk,
	// which includes provider-side queueing.
	DefaultInitialChunkTimeout = 600 * time.Second
	// DefaultChunkTimeout bounds the gap between subsequent chunks.
	DefaultChunkTimeout = 180 * time.Second
)

// Guard wraps a client so its streams enforce inter-chunk watchdog
// timeouts and reject duplicate tool-call ids. A breach terminates the
// stream with an error event; the inner stream is drained in the
// background so the producer never blocks.
func Guard(inner ModelClient, initial, perChunk time.Duration) ModelClient {
	if initial <= 0 {
		initial = DefaultInitialChunkTimeout
	}
	if perChunk <= 0 {
		perChunk = DefaultChunkTimeout
	}
	return &guardedClient{inner: inner, initial: initial, perChunk: perChunk}
}

type guardedClient struct {
	inner    ModelClient
	initial  time.Duration
	perChunk time.Duration
}

func (g *guardedClient) Complete(ctx context.Context, messages []models.Message) (string, models.Usage, error) {
	return g.inner.Complete(ctx, messages)
}

func (g *guardedClient) Stream(ctx context.Context, prompt Prompt) (<-chan StreamEvent, error) {
	in, err := g.inner.Stream(ctx, prompt)
	if err != nil {
		return nil, err
	}
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		seen := make(map[string]struct{})
		wait := g.initial
		timer := time.NewTimer(wait)
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				out <- StreamEvent{Type: StreamError, Err: fmt.Sprintf("model stream stalled: no chunk within %s", wait)}
				go drainStream(in)
				return
			case ev, ok := <-in:
				if !ok {
					out <- StreamEvent{Type: StreamError, Err: "model stream closed without a terminator"}
					return
				}
				if ev.Type == StreamToolCall && ev.ToolCall != nil && ev.ToolCall.ID != "" {
					if _, dup := seen[ev.ToolCall.ID]; dup {
						out <- StreamEvent{Type: StreamError, Err: fmt.Sprintf("model stream repeated tool call id %q", ev.ToolCall.ID)}
						go drainStream(in)
						return
					}
					seen[ev.ToolCall.ID] = struct{}{}
				}
				out <- ev
				if ev.Type == StreamDone || ev.Type == StreamError {
					return
				}
				wait = g.perChunk
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(wait)
			}
		}
	}()
	return out, nil
}

// drainStream consumes an abandoned stream to completion so provider
// goroutines sending on it can exit.
func drainStream(ch <-chan StreamEvent) {
	for range ch {
	}
}
