// Package pricing converts LLM token usage into USD cost and splits the usage
// of batched requests across the issues they covered.
package pricing

import (
	"log/slog"
	"math"
	"strings"

	"github.com/alekspetrov/agentflow/internal/logging"
)

// Tier2Threshold is the input size above which a request is billed at the
// long-context (tier-2) rates.
const Tier2Threshold = 200_000

// DefaultModel is used when a model has no entry in the pricing table.
const DefaultModel = "gemini-2.5-flash"

// CharsPerToken is the heuristic used to estimate tokens from serialized text.
const CharsPerToken = 4

// Rate is the price of a model in USD per 1M tokens.
type Rate struct {
	InputPerMillion       float64
	OutputPerMillion      float64
	Tier2InputPerMillion  float64
	Tier2OutputPerMillion float64
}

var rates = map[string]Rate{
	"gemini-3-pro-preview": {
		InputPerMillion:       2.00,
		OutputPerMillion:      12.00,
		Tier2InputPerMillion:  4.00,
		Tier2OutputPerMillion: 18.00,
	},
	"gemini-2.5-pro": {
		InputPerMillion:       1.25,
		OutputPerMillion:      10.00,
		Tier2InputPerMillion:  2.50,
		Tier2OutputPerMillion: 15.00,
	},
	"gemini-2.5-flash": {
		InputPerMillion:       0.30,
		OutputPerMillion:      2.50,
		Tier2InputPerMillion:  0.60,
		Tier2OutputPerMillion: 3.50,
	},
	"gemini-2.5-flash-lite": {
		InputPerMillion:       0.10,
		OutputPerMillion:      0.40,
		Tier2InputPerMillion:  0.20,
		Tier2OutputPerMillion: 0.80,
	},
}

// Cost is the derived cost of one LLM call.
type Cost struct {
	Model        string  `json:"model"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	InputCost    float64 `json:"inputCost"`
	OutputCost   float64 `json:"outputCost"`
	TotalCost    float64 `json:"totalCost"`
}

// RateFor returns the rate for model and whether the model is known.
// Lookup is case-insensitive and ignores a "models/" prefix.
func RateFor(model string) (Rate, bool) {
	key := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(model)), "models/")
	rate, ok := rates[key]
	return rate, ok
}

// KnownModels lists the models present in the pricing table.
func KnownModels() []string {
	models := make([]string, 0, len(rates))
	for m := range rates {
		models = append(models, m)
	}
	return models
}

// CalculateCost prices a single request. Unknown models fall back to
// DefaultModel's rate with a warning; it never fails.
func CalculateCost(model string, inputTokens, outputTokens int64) Cost {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	rate, ok := RateFor(model)
	if !ok {
		logging.WithComponent("pricing").Warn("Unknown model, using default pricing",
			slog.String("model", model),
			slog.String("default_model", DefaultModel),
		)
		rate = rates[DefaultModel]
	}

	inRate, outRate := rate.InputPerMillion, rate.OutputPerMillion
	if inputTokens > Tier2Threshold {
		inRate, outRate = rate.Tier2InputPerMillion, rate.Tier2OutputPerMillion
	}

	inputCost := float64(inputTokens) * inRate / 1_000_000
	outputCost := float64(outputTokens) * outRate / 1_000_000

	return Cost{
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		InputCost:    inputCost,
		OutputCost:   outputCost,
		TotalCost:    inputCost + outputCost,
	}
}

// EstimateTokens estimates the token count of a serialized payload.
func EstimateTokens(chars int) int64 {
	if chars <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(chars) / CharsPerToken))
}
