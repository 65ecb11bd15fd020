package model

import "strings"

// modelPricing holds USD cost per 1K tokens.
type modelPricing struct {
	promptPer1K     float64
	completionPer1K float64
}

// pricingTable covers the model ids autodevd routes to by default.
// Unknown models fall back to defaultPricing so budget tracking never
// silently reports zero cost.
var pricingTable = map[string]modelPricing{
	"anthropic/claude-2":   {promptPer1K: 0.008, completionPer1K: 0.024},
	"openai/gpt-4":         {promptPer1K: 0.03, completionPer1K: 0.06},
	"openai/gpt-4-turbo":   {promptPer1K: 0.01, completionPer1K: 0.03},
	"openai/gpt-3.5-turbo": {promptPer1K: 0.0005, completionPer1K: 0.0015},
}

var defaultPricing = modelPricing{promptPer1K: 0.01, completionPer1K: 0.03}

// EstimateCost returns the estimated USD cost for a call.
func EstimateCost(modelID string, promptTokens, completionTokens int) float64 {
	p, ok := pricingTable[modelID]
	if !ok {
		p = defaultPricing
	}
	return float64(promptTokens)/1000*p.promptPer1K +
		float64(completionTokens)/1000*p.completionPer1K
}

// nativeModelID strips an OpenRouter-style provider prefix so gateway
// model ids can be sent to the provider's native API.
//
//	anthropic/claude-2 -> claude-2
func nativeModelID(modelID string) string {
	if i := strings.IndexByte(modelID, '/'); i >= 0 {
		return modelID[i+1:]
	}
	return modelID
}
