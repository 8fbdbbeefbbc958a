package inference

import (
	"github.com/shopspring/decimal"

	"github.com/locallm/gateway/internal/domain"
)

// computeTimings derives the per-second generation rates from raw
// millisecond durations and token counts the worker reports, using decimal
// arithmetic so two requests with identical worker output always report
// byte-for-byte identical rates regardless of floating-point rounding.
func computeTimings(promptTokens, promptMS, predictedTokens, predictedMS int) domain.Timings {
	return domain.Timings{
		PromptPerSecond:    ratePerSecond(promptTokens, promptMS),
		PredictedPerSecond: ratePerSecond(predictedTokens, predictedMS),
	}
}

func ratePerSecond(tokens, ms int) string {
	if ms <= 0 {
		return decimal.Zero.StringFixed(2)
	}
	count := decimal.NewFromInt(int64(tokens))
	seconds := decimal.NewFromInt(int64(ms)).Div(decimal.NewFromInt(1000))
	return count.Div(seconds).StringFixed(2)
}
