// Package providers implements agent.ModelClient for the model APIs
// the harness talks to: Anthropic's messages API and OpenAI's chat
// completions API (which also covers OpenAI-compatible endpoints such
// as OpenRouter and local Ollama servers). Both clients stream, retry
// transient start failures with backoff, and price usage for cost
// accounting.
package providers

import (
	"strings"

	"github.com/rho-agent/rho/internal/agent"
)

// Defaults shared by both clients.
const (
	defaultMaxTokens  = 8192
	defaultMaxRetries = 3
)

// Options configures a provider client built through New.
type Options struct {
	// APIKey authenticates against the provider. Required.
	APIKey string

	// BaseURL overrides the API endpoint, selecting OpenAI-compatible
	// gateways or an Anthropic proxy.
	BaseURL string

	// MaxTokens caps completion length per call. Zero keeps the
	// provider default.
	MaxTokens int

	// ReasoningEffort tunes o-series reasoning models. OpenAI only.
	ReasoningEffort string

	// ServiceTier selects the processing tier. OpenAI only.
	ServiceTier string

	// ResponseFormat forces a response format type. OpenAI only.
	ResponseFormat string
}

// IsAnthropicModel reports whether model routes to the Anthropic API.
func IsAnthropicModel(model string) bool {
	return strings.HasPrefix(model, "claude")
}

// New routes model to the matching client: claude* models go to
// Anthropic, everything else to the OpenAI chat completions API.
func New(model string, opts Options) (agent.ModelClient, error) {
	if IsAnthropicModel(model) {
		var aopts []AnthropicOption
		if opts.BaseURL != "" {
			aopts = append(aopts, WithAnthropicBaseURL(opts.BaseURL))
		}
		if opts.MaxTokens > 0 {
			aopts = append(aopts, WithAnthropicMaxTokens(opts.MaxTokens))
		}
		return NewAnthropicClient(opts.APIKey, model, aopts...)
	}

	var oopts []OpenAIOption
	if opts.BaseURL != "" {
		oopts = append(oopts, WithOpenAIBaseURL(opts.BaseURL))
	}
	if opts.MaxTokens > 0 {
		oopts = append(oopts, WithOpenAIMaxTokens(opts.MaxTokens))
	}
	if opts.ReasoningEffort != "" {
		oopts = append(oopts, WithOpenAIReasoningEffort(opts.ReasoningEffort))
	}
	if opts.ServiceTier != "" {
		oopts = append(oopts, WithOpenAIServiceTier(opts.ServiceTier))
	}
	if opts.ResponseFormat != "" {
		oopts = append(oopts, WithOpenAIResponseFormat(opts.ResponseFormat))
	}
	return NewOpenAIClient(opts.APIKey, model, oopts...)
}
