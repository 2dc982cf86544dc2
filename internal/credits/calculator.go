package credits

import "math"

// ConsumptionMode selects how usage is priced.
type ConsumptionMode string

const (
	// ModeFixed charges a flat amount per operation kind, ignoring volume.
	ModeFixed ConsumptionMode = "fixed"
	// ModeDynamic charges proportional to measured tokens, scaled per model.
	ModeDynamic ConsumptionMode = "dynamic"
)

// Pricing is the consumption pricing policy. It is plain configuration:
// new models are priced by adding a multiplier entry, not by code changes.
type Pricing struct {
	Mode ConsumptionMode `yaml:"mode"`
	// FixedCosts maps operation kind (e.g. "ai_chat") to a flat credit cost.
	FixedCosts map[string]int64 `yaml:"fixed_costs"`
	// TokensPerCredit is the dynamic-mode exchange rate.
	TokensPerCredit int64 `yaml:"tokens_per_credit"`
	// ModelMultipliers scales dynamic-mode cost per model; the "default"
	// entry covers unknown models.
	ModelMultipliers map[string]float64 `yaml:"model_multipliers"`
}

// Usage describes one completed unit of metered work.
type Usage struct {
	TotalTokens int64  `json:"total_tokens"`
	Model       string `json:"model"`
	Provider    string `json:"provider"`
}

// Calculator converts usage into credits owed under an injected policy.
// It is pure: no side effects, no ambient state.
type Calculator struct {
	pricing Pricing
}

// NewCalculator builds a Calculator, filling policy defaults.
func NewCalculator(p Pricing) *Calculator {
	if p.Mode == "" {
		p.Mode = ModeDynamic
	}
	if p.TokensPerCredit <= 0 {
		p.TokensPerCredit = 1000
	}
	return &Calculator{pricing: p}
}

// CreditsFor returns the credit cost of one completed operation.
//
// Fixed mode looks up the operation kind and ignores the usage entirely.
// Dynamic mode charges ceil(totalTokens/tokensPerCredit * multiplier) with a
// one-credit floor, so partial usage is never under-billed and no billable
// operation is free.
func (c *Calculator) CreditsFor(operation string, u Usage) int64 {
	if c.pricing.Mode == ModeFixed {
		if cost, ok := c.pricing.FixedCosts[operation]; ok {
			return cost
		}
		if cost, ok := c.pricing.FixedCosts["default"]; ok {
			return cost
		}
		return 1
	}

	multiplier, ok := c.pricing.ModelMultipliers[u.Model]
	if !ok {
		multiplier, ok = c.pricing.ModelMultipliers["default"]
	}
	if !ok {
		multiplier = 1.0
	}
	raw := float64(u.TotalTokens) / float64(c.pricing.TokensPerCredit) * multiplier
	credits := int64(math.Ceil(raw))
	if credits < 1 {
		credits = 1
	}
	return credits
}
