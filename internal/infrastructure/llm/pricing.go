package llm

import "go.uber.org/zap"

// ModelPricing is one model's rate card in USD per million tokens.
// CachedInputPerMTok is zero when the upstream offers no cache
// discount; cached prompt tokens then bill at the input rate.
type ModelPricing struct {
	Model              string  `json:"model"`
	Provider           string  `json:"provider"`
	InputPerMTok       float64 `json:"input_per_mtok"`
	OutputPerMTok      float64 `json:"output_per_mtok"`
	CachedInputPerMTok float64 `json:"cached_input_per_mtok,omitempty"`
}

// pricingTable is the static rate table. Kiro rides a subscription and
// LiteLLM meters its own upstreams, so neither appears here; their
// requests price to zero.
var pricingTable = []ModelPricing{
	{Model: "claude-sonnet-4-20250514", Provider: ProviderClaude, InputPerMTok: 3.00, OutputPerMTok: 15.00, CachedInputPerMTok: 0.30},
	{Model: "claude-opus-4-20250514", Provider: ProviderClaude, InputPerMTok: 15.00, OutputPerMTok: 75.00, CachedInputPerMTok: 1.50},
	{Model: "claude-3-5-haiku-20241022", Provider: ProviderClaude, InputPerMTok: 1.00, OutputPerMTok: 5.00, CachedInputPerMTok: 0.10},

	{Model: "gemini-2.5-flash", Provider: ProviderGemini, InputPerMTok: 0.075, OutputPerMTok: 0.30, CachedInputPerMTok: 0.01875},
	{Model: "gemini-2.5-pro", Provider: ProviderGemini, InputPerMTok: 1.25, OutputPerMTok: 5.00, CachedInputPerMTok: 0.3125},
	{Model: "gemini-2.0-flash", Provider: ProviderGemini, InputPerMTok: 0.075, OutputPerMTok: 0.30, CachedInputPerMTok: 0.01875},

	{Model: "gpt-4o", Provider: ProviderCopilot, InputPerMTok: 2.50, OutputPerMTok: 10.00, CachedInputPerMTok: 1.25},
	{Model: "gpt-4-turbo", Provider: ProviderCopilot, InputPerMTok: 10.00, OutputPerMTok: 30.00},
	{Model: "o1", Provider: ProviderCopilot, InputPerMTok: 15.00, OutputPerMTok: 60.00, CachedInputPerMTok: 7.50},
	{Model: "o3-mini", Provider: ProviderCopilot, InputPerMTok: 1.10, OutputPerMTok: 4.40, CachedInputPerMTok: 0.55},
}

// PricingFor looks up a model's rate card.
func PricingFor(model string) (ModelPricing, bool) {
	for _, p := range pricingTable {
		if p.Model == model {
			return p, true
		}
	}
	return ModelPricing{}, false
}

// ProviderPricing returns the rate cards belonging to one provider, in
// table order.
func ProviderPricing(providerID string) []ModelPricing {
	var out []ModelPricing
	for _, p := range pricingTable {
		if p.Provider == providerID {
			out = append(out, p)
		}
	}
	return out
}

// AllPricing returns a copy of the full rate table.
func AllPricing() []ModelPricing {
	return append([]ModelPricing(nil), pricingTable...)
}

// CostForUsage prices one usage block against this rate card. Cached
// prompt tokens bill at the cached rate when the card has one.
func (p ModelPricing) CostForUsage(usage Usage) float64 {
	prompt := float64(usage.PromptTokens)
	var cached float64
	if usage.PromptTokensDetails != nil {
		cached = float64(usage.PromptTokensDetails.CachedTokens)
		if cached > prompt {
			cached = prompt
		}
	}

	cachedRate := p.CachedInputPerMTok
	if cachedRate == 0 {
		cachedRate = p.InputPerMTok
	}

	inputCost := (prompt-cached)/1_000_000*p.InputPerMTok + cached/1_000_000*cachedRate
	outputCost := float64(usage.CompletionTokens) / 1_000_000 * p.OutputPerMTok
	return inputCost + outputCost
}

// CostCalculator prices completions against the rate table. Unpriced
// models cost zero so an incomplete table never blocks traffic.
type CostCalculator struct {
	logger *zap.Logger
}

// NewCostCalculator creates a calculator. A nil logger is replaced with
// a no-op one.
func NewCostCalculator(logger *zap.Logger) *CostCalculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CostCalculator{logger: logger}
}

// Cost returns the USD cost of one completion. A model missing from the
// table logs a warning and costs zero.
func (c *CostCalculator) Cost(model string, usage Usage) float64 {
	pricing, ok := PricingFor(model)
	if !ok {
		c.logger.Warn("no pricing data for model", zap.String("model", model))
		return 0
	}

	cost := pricing.CostForUsage(usage)
	c.logger.Debug("request cost calculated",
		zap.String("model", model),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
		zap.Float64("cost_usd", cost),
	)
	return cost
}
