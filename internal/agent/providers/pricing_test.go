package providers

import (
	"math"
	"testing"

	"github.com/rho-agent/rho/pkg/models"
)

func TestPricingFor_LongestPrefixWins(t *testing.T) {
	tests := []struct {
		model     string
		wantInput float64
		wantOK    bool
	}{
		{"gpt-4o-mini-2024-07-18", 0.15, true},
		{"gpt-4o-2024-11-20", 2.50, true},
		{"gpt-4.1-nano", 0.10, true},
		{"gpt-4.1", 2, true},
		{"claude-sonnet-4-20250514", 3, true},
		{"claude-opus-4-1-20250805", 15, true},
		{"claude-3-5-haiku-latest", 0.80, true},
		{"o3-2025-04-16", 2, true},
		{"o4-mini", 1.10, true},
		{"llama-3.3-70b", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			price, ok := PricingFor(tt.model)
			if ok != tt.wantOK {
				t.Fatalf("PricingFor(%q) ok = %v, want %v", tt.model, ok, tt.wantOK)
			}
			if ok && price.Input != tt.wantInput {
				t.Errorf("input rate = %v, want %v", price.Input, tt.wantInput)
			}
		})
	}
}

func TestPricingCost_CachedCarveOut(t *testing.T) {
	price := Pricing{Input: 3, Output: 15, CacheRead: 0.30}

	// 1M input of which 400k cached, 200k output:
	// 600k * $3 + 400k * $0.30 + 200k * $15 = 1.80 + 0.12 + 3.00
	got := price.Cost(models.Usage{InputTokens: 1_000_000, CachedTokens: 400_000, OutputTokens: 200_000})
	want := 4.92
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("cost = %v, want %v", got, want)
	}

	// Cached exceeding input must not price negative full-rate tokens.
	got = price.Cost(models.Usage{InputTokens: 100, CachedTokens: 500})
	want = 500 * 0.30 / 1_000_000
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("over-cached cost = %v, want %v", got, want)
	}

	if price.Cost(models.Usage{}) != 0 {
		t.Error("zero usage should cost nothing")
	}
}

func TestCostUSD_UnknownModelIsFree(t *testing.T) {
	u := models.Usage{InputTokens: 10_000, OutputTokens: 2_000}
	if got := CostUSD("mystery-model-9000", u); got != 0 {
		t.Errorf("unknown model cost = %v, want 0", got)
	}
	if got := CostUSD("gpt-4o-mini", u); got <= 0 {
		t.Errorf("known model cost = %v, want > 0", got)
	}
}
