package pricing

import (
	"github.com/shopspring/decimal"
	"github.com/vnmchuo/llm-metering/internal/usage"
)

var hundred = decimal.NewFromInt(100)

// Cost is the vendor cost of one request, itemised by token category.
type Cost struct {
	InputUSD      decimal.Decimal `json:"input_usd"`
	OutputUSD     decimal.Decimal `json:"output_usd"`
	CacheWriteUSD decimal.Decimal `json:"cache_write_usd"`
	CacheReadUSD  decimal.Decimal `json:"cache_read_usd"`
	TotalUSD      decimal.Decimal `json:"total_usd"`

	// CacheHitRate is a percentage in [0, 100]. Nil means no cache was applicable,
	// which is distinct from a zero hit rate.
	CacheHitRate *float64 `json:"cache_hit_rate,omitempty"`
	// CostSavingsPercent compares TotalUSD with billing cached reads at the input rate.
	CostSavingsPercent *float64 `json:"cost_savings_percent,omitempty"`
}

type Calculator struct {
	card *RateCard
}

func NewCalculator(card *RateCard) *Calculator {
	return &Calculator{card: card}
}

// Calculate prices normalized usage. An unpriced (provider, model) returns
// ErrUnknownRate; it is never treated as free.
func (c *Calculator) Calculate(provider, model string, u usage.Usage) (Cost, error) {
	rate, err := c.card.Rate(provider, model)
	if err != nil {
		return Cost{}, err
	}
	return CostFor(rate, u), nil
}

// CostFor applies a rate to usage.
func CostFor(rate Rate, u usage.Usage) Cost {
	cost := Cost{
		InputUSD:      perMillion(u.InputTokens, rate.Input),
		OutputUSD:     perMillion(u.OutputTokens, rate.Output),
		CacheWriteUSD: perMillion(u.CacheCreationTokens, rate.CacheWrite),
		CacheReadUSD:  perMillion(u.CacheReadTokens, rate.CacheRead),
	}
	cost.TotalUSD = cost.InputUSD.Add(cost.OutputUSD).Add(cost.CacheWriteUSD).Add(cost.CacheReadUSD)
	cost.CacheHitRate = CacheHitRate(u)

	if u.CacheReadTokens > 0 {
		hypothetical := cost.TotalUSD.Sub(cost.CacheReadUSD).Add(perMillion(u.CacheReadTokens, rate.Input))
		if hypothetical.IsPositive() {
			pct, _ := hypothetical.Sub(cost.TotalUSD).Div(hypothetical).Mul(hundred).Float64()
			cost.CostSavingsPercent = &pct
		}
	}
	return cost
}

// CacheHitRate returns cached / (cached + uncached input) as a percentage, or
// nil when neither is present.
func CacheHitRate(u usage.Usage) *float64 {
	denom := u.CacheReadTokens + u.InputTokens
	if denom == 0 {
		return nil
	}
	rate := float64(u.CacheReadTokens) * 100 / float64(denom)
	return &rate
}

func perMillion(tokens int64, usdPerMillion decimal.Decimal) decimal.Decimal {
	if tokens == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(tokens).Mul(usdPerMillion).Div(million)
}
