package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rho-agent/rho/internal/agent"
	"github.com/rho-agent/rho/internal/backoff"
	"github.com/rho-agent/rho/internal/tools"
	"github.com/rho-agent/rho/pkg/models"
)

// OpenAIClient drives OpenAI's chat completions API, and by extension
// every OpenAI-compatible endpoint (OpenRouter, Ollama, vLLM) via a
// base URL override.
type OpenAIClient struct {
	client          *openai.Client
	apiKey          string
	baseURL         string
	model           string
	maxTokens       int
	reasoningEffort string
	serviceTier     string
	responseFormat  string
	maxRetries      int
	policy          backoff.Policy
}

// OpenAIOption customizes an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithOpenAIBaseURL points the client at an OpenAI-compatible endpoint.
func WithOpenAIBaseURL(base string) OpenAIOption {
	return func(c *OpenAIClient) { c.baseURL = base }
}

// WithOpenAIMaxTokens caps completion length per call.
func WithOpenAIMaxTokens(n int) OpenAIOption {
	return func(c *OpenAIClient) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithOpenAIReasoningEffort sets reasoning effort for o-series models
// ("low", "medium", "high").
func WithOpenAIReasoningEffort(effort string) OpenAIOption {
	return func(c *OpenAIClient) { c.reasoningEffort = effort }
}

// WithOpenAIServiceTier selects the processing tier ("auto", "default",
// "flex", "priority").
func WithOpenAIServiceTier(tier string) OpenAIOption {
	return func(c *OpenAIClient) { c.serviceTier = tier }
}

// WithOpenAIResponseFormat forces a response format type, typically
// "json_object".
func WithOpenAIResponseFormat(format string) OpenAIOption {
	return func(c *OpenAIClient) { c.responseFormat = format }
}

// WithOpenAIRetries overrides the retry budget for starting a call.
func WithOpenAIRetries(attempts int, policy backoff.Policy) OpenAIOption {
	return func(c *OpenAIClient) {
		if attempts > 0 {
			c.maxRetries = attempts
		}
		c.policy = policy
	}
}

// NewOpenAIClient builds a client for model. The key is required; use
// options for base URL, token caps, and request knobs.
func NewOpenAIClient(apiKey, model string, opts ...OpenAIOption) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if model == "" {
		return nil, errors.New("openai: model is required")
	}
	c := &OpenAIClient{
		apiKey:     apiKey,
		model:      model,
		maxTokens:  defaultMaxTokens,
		maxRetries: defaultMaxRetries,
		policy:     backoff.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	cfg := openai.DefaultConfig(apiKey)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	c.client = openai.NewClientWithConfig(cfg)
	return c, nil
}

// Stream starts one streaming completion. Transient start failures are
// retried with backoff; mid-stream failures arrive as an error event.
func (c *OpenAIClient) Stream(ctx context.Context, prompt agent.Prompt) (<-chan agent.StreamEvent, error) {
	req := c.request(prompt.System, prompt.Messages, prompt.Tools, true)

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, backoff.Compute(c.policy, attempt)); err != nil {
				return nil, err
			}
		}
		stream, lastErr = c.client.CreateChatCompletionStream(ctx, req)
		if lastErr == nil {
			break
		}
		if !retryable(lastErr) {
			return nil, wrapErr("openai", c.model, lastErr)
		}
	}
	if lastErr != nil {
		return nil, wrapErr("openai", c.model, lastErr)
	}

	out := make(chan agent.StreamEvent)
	go c.pump(stream, out)
	return out, nil
}

// Complete performs one non-streaming completion over messages.
func (c *OpenAIClient) Complete(ctx context.Context, messages []models.Message) (string, models.Usage, error) {
	req := c.request("", messages, nil, false)

	var resp openai.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, backoff.Compute(c.policy, attempt)); err != nil {
				return "", models.Usage{}, err
			}
		}
		resp, lastErr = c.client.CreateChatCompletion(ctx, req)
		if lastErr == nil {
			break
		}
		if !retryable(lastErr) {
			return "", models.Usage{}, wrapErr("openai", c.model, lastErr)
		}
	}
	if lastErr != nil {
		return "", models.Usage{}, wrapErr("openai", c.model, lastErr)
	}
	if len(resp.Choices) == 0 {
		return "", models.Usage{}, fmt.Errorf("openai: completion returned no choices")
	}
	return resp.Choices[0].Message.Content, c.convertUsage(&resp.Usage), nil
}

// pump converts the SDK stream into agent events. Tool-call deltas are
// accumulated by choice index and emitted, in first-seen order, before
// the terminating done event.
func (c *OpenAIClient) pump(stream *openai.ChatCompletionStream, out chan<- agent.StreamEvent) {
	defer close(out)
	defer stream.Close()

	pending := make(map[int]*models.ToolCallSpec)
	var order []int
	var usage models.Usage
	var finished bool

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// A dropped connection reads as EOF too. Only a stream
				// that reached a finish_reason counts as complete.
				if !finished {
					out <- agent.StreamEvent{Type: agent.StreamError, Err: "openai: model stream ended before completion"}
					return
				}
				for _, idx := range order {
					call := pending[idx]
					if call.ID != "" && call.Name != "" {
						out <- agent.StreamEvent{Type: agent.StreamToolCall, ToolCall: call}
					}
				}
				u := usage
				out <- agent.StreamEvent{Type: agent.StreamDone, Usage: &u}
				return
			}
			out <- agent.StreamEvent{Type: agent.StreamError, Err: wrapErr("openai", c.model, err).Error()}
			return
		}

		// The final chunk carries usage and an empty choice list.
		if resp.Usage != nil {
			usage = c.convertUsage(resp.Usage)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finished = true
		}
		delta := choice.Delta

		if delta.Content != "" {
			out <- agent.StreamEvent{Type: agent.StreamText, Text: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call := pending[idx]
			if call == nil {
				call = &models.ToolCallSpec{}
				pending[idx] = call
				order = append(order, idx)
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}
	}
}

func (c *OpenAIClient) request(system string, messages []models.Message, specs []tools.Spec, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: convertOpenAIMessages(system, messages),
		Stream:   stream,
	}
	if stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if c.maxTokens > 0 {
		// Reasoning models reject max_tokens in favor of
		// max_completion_tokens, and the SDK enforces that client-side.
		if isReasoningModel(c.model) {
			req.MaxCompletionTokens = c.maxTokens
		} else {
			req.MaxTokens = c.maxTokens
		}
	}
	if c.reasoningEffort != "" {
		req.ReasoningEffort = c.reasoningEffort
	}
	if c.serviceTier != "" {
		req.ServiceTier = openai.ServiceTier(c.serviceTier)
	}
	if c.responseFormat != "" {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatType(c.responseFormat),
		}
	}
	if len(specs) > 0 {
		req.Tools = convertOpenAITools(specs)
	}
	return req
}

// isReasoningModel reports whether model belongs to a reasoning family
// with its own parameter rules.
func isReasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// convertOpenAIMessages maps history to the wire format. The system
// prompt rides the messages array, and each tool result becomes its
// own tool-role message keyed by call id.
func convertOpenAIMessages(system string, messages []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		switch msg.Role {
		case models.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				m.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, call := range msg.ToolCalls {
					m.ToolCalls[i] = openai.ToolCall{
						ID:   call.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      call.Name,
							Arguments: call.Arguments,
						},
					}
				}
			}
		case models.RoleTool:
			m.ToolCallID = msg.ToolCallID
		}
		out = append(out, m)
	}
	return out
}

func convertOpenAITools(specs []tools.Spec) []openai.Tool {
	out := make([]openai.Tool, len(specs))
	for i, spec := range specs {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Function.Name,
				Description: spec.Function.Description,
				Parameters:  spec.Function.Parameters,
			},
		}
	}
	return out
}

func (c *OpenAIClient) convertUsage(u *openai.Usage) models.Usage {
	out := models.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	out.CostUSD = CostUSD(c.model, out)
	return out
}
