package service

import (
	"unicode/utf8"

	"github.com/sumire/testgen/internal/domain"
)

// USD per million tokens.
const (
	inputPricePerMillion  = 0.15
	outputPricePerMillion = 0.60

	charsPerToken         = 4
	tokensPerImage        = 200
	estimatedOutputTokens = 8000
)

// CalculateCost prices a completed model call.
func CalculateCost(usage domain.TokenUsage) float64 {
	return float64(usage.PromptTokens)/1e6*inputPricePerMillion +
		float64(usage.CompletionTokens)/1e6*outputPricePerMillion
}

// EstimateInputTokens approximates prompt size: one token per four characters,
// rounded up, plus a flat allowance per image attachment.
func EstimateInputTokens(text string, images int) int {
	chars := utf8.RuneCountInString(text)
	return (chars+charsPerToken-1)/charsPerToken + images*tokensPerImage
}

// EstimateCost prices a call with the given input size and the maximum output.
func EstimateCost(inputTokens int) float64 {
	return CalculateCost(domain.TokenUsage{
		PromptTokens:     inputTokens,
		CompletionTokens: estimatedOutputTokens,
	})
}
