package models

// Usage holds cumulative token and cost accounting for a session.
// Per-call usage reported by providers is a delta of the same shape.
type Usage struct {
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	CachedTokens    int     `json:"cached_tokens,omitempty"`
	ReasoningTokens int     `json:"reasoning_tokens,omitempty"`
	CostUSD         float64 `json:"cost_usd,omitempty"`
}

// Add accumulates a delta into the receiver. Counters only grow;
// negative deltas are ignored field by field.
func (u *Usage) Add(delta Usage) {
	if delta.InputTokens > 0 {
		u.InputTokens += delta.InputTokens
	}
	if delta.OutputTokens > 0 {
		u.OutputTokens += delta.OutputTokens
	}
	if delta.CachedTokens > 0 {
		u.CachedTokens += delta.CachedTokens
	}
	if delta.ReasoningTokens > 0 {
		u.ReasoningTokens += delta.ReasoningTokens
	}
	if delta.CostUSD > 0 {
		u.CostUSD += delta.CostUSD
	}
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// IsZero reports whether no counter has been touched.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CachedTokens == 0 && u.ReasoningTokens == 0 && u.CostUSD == 0
}
