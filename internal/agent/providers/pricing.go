package providers

import (
	"strings"

	"github.com/rho-agent/rho/pkg/models"
)

// Pricing is a model's list price in USD per million tokens. CacheRead
// applies to prompt tokens served from the provider's prompt cache;
// those are billed at the discounted rate instead of Input.
type Pricing struct {
	Input     float64
	Output    float64
	CacheRead float64
}

// Cost prices a single call's usage. Cached tokens are a subset of
// input tokens, so they are carved out of the full-rate portion.
func (p Pricing) Cost(u models.Usage) float64 {
	fullRate := u.InputTokens - u.CachedTokens
	if fullRate < 0 {
		fullRate = 0
	}
	total := float64(fullRate)*p.Input +
		float64(u.CachedTokens)*p.CacheRead +
		float64(u.OutputTokens)*p.Output
	return total / 1_000_000
}

// pricingTable maps model-name prefixes to list prices. Longest prefix
// wins, so specific variants sit above their families.
var pricingTable = []struct {
	prefix string
	price  Pricing
}{
	{"claude-opus-4", Pricing{Input: 15, Output: 75, CacheRead: 1.50}},
	{"claude-sonnet-4", Pricing{Input: 3, Output: 15, CacheRead: 0.30}},
	{"claude-3-7-sonnet", Pricing{Input: 3, Output: 15, CacheRead: 0.30}},
	{"claude-3-5-haiku", Pricing{Input: 0.80, Output: 4, CacheRead: 0.08}},
	{"claude-haiku", Pricing{Input: 0.80, Output: 4, CacheRead: 0.08}},
	{"gpt-4o-mini", Pricing{Input: 0.15, Output: 0.60, CacheRead: 0.075}},
	{"gpt-4o", Pricing{Input: 2.50, Output: 10, CacheRead: 1.25}},
	{"gpt-4.1-nano", Pricing{Input: 0.10, Output: 0.40, CacheRead: 0.025}},
	{"gpt-4.1-mini", Pricing{Input: 0.40, Output: 1.60, CacheRead: 0.10}},
	{"gpt-4.1", Pricing{Input: 2, Output: 8, CacheRead: 0.50}},
	{"o4-mini", Pricing{Input: 1.10, Output: 4.40, CacheRead: 0.275}},
	{"o3", Pricing{Input: 2, Output: 8, CacheRead: 0.50}},
}

// PricingFor looks up a model's list price by prefix.
func PricingFor(model string) (Pricing, bool) {
	best := -1
	for i, entry := range pricingTable {
		if strings.HasPrefix(model, entry.prefix) {
			if best < 0 || len(entry.prefix) > len(pricingTable[best].prefix) {
				best = i
			}
		}
	}
	if best < 0 {
		return Pricing{}, false
	}
	return pricingTable[best].price, true
}

// CostUSD prices usage for a model, zero when the model is unknown so
// missing table entries never block a run.
func CostUSD(model string, u models.Usage) float64 {
	price, ok := PricingFor(model)
	if !ok {
		return 0
	}
	return price.Cost(u)
}
