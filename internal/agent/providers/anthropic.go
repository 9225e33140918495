package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/rho-agent/rho/internal/agent"
	"github.com/rho-agent/rho/internal/backoff"
	"github.com/rho-agent/rho/internal/tools"
	"github.com/rho-agent/rho/pkg/models"
)

// AnthropicClient drives Anthropic's messages API for claude models.
//
// Differences from the OpenAI client that matter here:
//   - The system prompt is a separate request parameter, not a message.
//   - Tool results ride user messages as tool_result content blocks.
//   - max_tokens is mandatory, so a default always applies.
//   - Input usage arrives at message_start, output usage at
//     message_delta.
type AnthropicClient struct {
	client     anthropic.Client
	model      string
	baseURL    string
	maxTokens  int
	maxRetries int
	policy     backoff.Policy
}

// AnthropicOption customizes an AnthropicClient.
type AnthropicOption func(*AnthropicClient)

// WithAnthropicBaseURL points the client at a proxy or regional
// endpoint.
func WithAnthropicBaseURL(base string) AnthropicOption {
	return func(c *AnthropicClient) { c.baseURL = base }
}

// WithAnthropicMaxTokens caps completion length per call.
func WithAnthropicMaxTokens(n int) AnthropicOption {
	return func(c *AnthropicClient) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithAnthropicRetries overrides the retry budget for starting a call.
func WithAnthropicRetries(attempts int, policy backoff.Policy) AnthropicOption {
	return func(c *AnthropicClient) {
		if attempts > 0 {
			c.maxRetries = attempts
		}
		c.policy = policy
	}
}

// NewAnthropicClient builds a client for model. The key is required.
func NewAnthropicClient(apiKey, model string, opts ...AnthropicOption) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if model == "" {
		return nil, errors.New("anthropic: model is required")
	}
	c := &AnthropicClient{
		model:      model,
		maxTokens:  defaultMaxTokens,
		maxRetries: defaultMaxRetries,
		policy:     backoff.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	ropts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if c.baseURL != "" {
		ropts = append(ropts, option.WithBaseURL(c.baseURL))
	}
	c.client = anthropic.NewClient(ropts...)
	return c, nil
}

// Stream starts one streaming completion. Failures to open the stream
// are retried with backoff; mid-stream failures arrive as an error
// event.
func (c *AnthropicClient) Stream(ctx context.Context, prompt agent.Prompt) (<-chan agent.StreamEvent, error) {
	params, err := c.params(prompt.System, prompt.Messages, prompt.Tools)
	if err != nil {
		return nil, err
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, backoff.Compute(c.policy, attempt)); err != nil {
				return nil, err
			}
		}
		stream = c.client.Messages.NewStreaming(ctx, params)
		lastErr = stream.Err()
		if lastErr == nil {
			break
		}
		if !retryable(lastErr) {
			return nil, wrapErr("anthropic", c.model, lastErr)
		}
	}
	if lastErr != nil {
		return nil, wrapErr("anthropic", c.model, lastErr)
	}

	out := make(chan agent.StreamEvent)
	go c.pump(stream, out)
	return out, nil
}

// Complete performs one non-streaming completion. System messages in
// the history are folded into the system parameter.
func (c *AnthropicClient) Complete(ctx context.Context, messages []models.Message) (string, models.Usage, error) {
	system, rest := splitSystem(messages)
	params, err := c.params(system, rest, nil)
	if err != nil {
		return "", models.Usage{}, err
	}

	var msg *anthropic.Message
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, backoff.Compute(c.policy, attempt)); err != nil {
				return "", models.Usage{}, err
			}
		}
		msg, lastErr = c.client.Messages.New(ctx, params)
		if lastErr == nil {
			break
		}
		if !retryable(lastErr) {
			return "", models.Usage{}, wrapErr("anthropic", c.model, lastErr)
		}
	}
	if lastErr != nil {
		return "", models.Usage{}, wrapErr("anthropic", c.model, lastErr)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	return text.String(), c.messageUsage(msg.Usage), nil
}

// pump converts SDK stream events into agent events. Tool-call input
// accumulates across input_json_delta events and is emitted whole at
// content_block_stop.
func (c *AnthropicClient) pump(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- agent.StreamEvent) {
	defer close(out)

	var usage models.Usage
	var cur *models.ToolCallSpec
	var args strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage = c.messageUsage(start.Message.Usage)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				cur = &models.ToolCallSpec{ID: toolUse.ID, Name: toolUse.Name}
				args.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- agent.StreamEvent{Type: agent.StreamText, Text: delta.Text}
				}
			case "input_json_delta":
				args.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if cur != nil {
				cur.Arguments = args.String()
				out <- agent.StreamEvent{Type: agent.StreamToolCall, ToolCall: cur}
				cur = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			usage.CostUSD = CostUSD(c.model, usage)
			u := usage
			out <- agent.StreamEvent{Type: agent.StreamDone, Usage: &u}
			return
		}
	}

	if err := stream.Err(); err != nil {
		out <- agent.StreamEvent{Type: agent.StreamError, Err: wrapErr("anthropic", c.model, err).Error()}
		return
	}
	out <- agent.StreamEvent{Type: agent.StreamError, Err: "anthropic: stream ended without message_stop"}
}

func (c *AnthropicClient) params(system string, messages []models.Message, specs []tools.Spec) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  convertAnthropicMessages(messages),
		MaxTokens: int64(c.maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: system},
		}
	}
	if len(specs) > 0 {
		converted, err := convertAnthropicTools(specs)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = converted
	}
	return params, nil
}

// messageUsage normalizes SDK usage. Cache reads are billed separately
// upstream, so total input is prompt plus cache-read tokens with the
// cached share recorded alongside.
func (c *AnthropicClient) messageUsage(u anthropic.Usage) models.Usage {
	out := models.Usage{
		InputTokens:  int(u.InputTokens + u.CacheReadInputTokens),
		OutputTokens: int(u.OutputTokens),
		CachedTokens: int(u.CacheReadInputTokens),
	}
	out.CostUSD = CostUSD(c.model, out)
	return out
}

// splitSystem pulls system messages out of a history, concatenating
// their content for the system parameter.
func splitSystem(messages []models.Message) (string, []models.Message) {
	var system []string
	rest := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}

// convertAnthropicMessages maps history to Anthropic content blocks.
// Tool results become tool_result blocks on user messages; assistant
// tool calls become tool_use blocks. System messages are skipped, the
// caller carries them in params.System.
func convertAnthropicMessages(messages []models.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		} else if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(call.ID, toolInput(call.Arguments), call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out
}

// toolInput decodes a tool call's argument string for the tool_use
// block. Histories can legitimately carry model-produced argument
// strings that never parsed; those are preserved under a raw key
// rather than dropped.
func toolInput(args string) map[string]any {
	input := map[string]any{}
	if args == "" {
		return input
	}
	if err := json.Unmarshal([]byte(args), &input); err != nil {
		return map[string]any{"raw": args}
	}
	return input
}

func convertAnthropicTools(specs []tools.Spec) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		raw, err := json.Marshal(spec.Function.Parameters)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %s schema does not encode: %w", spec.Function.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: tool %s has an invalid schema: %w", spec.Function.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, spec.Function.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: tool %s produced no definition", spec.Function.Name)
		}
		if spec.Function.Description != "" {
			param.OfTool.Description = anthropic.String(spec.Function.Description)
		}
		out = append(out, param)
	}
	return out, nil
}
