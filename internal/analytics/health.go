package analytics

import (
	"math"

	"github.com/shopspring/decimal"
)

// HealthScore grades a treasury from 0 to 100. Penalties: concentration above
// the limit, a thin low-risk reserve, unpriced assets, and, when metrics are
// supplied, drawdown and annualised volatility.
func (e *Engine) HealthScore(comp Composition, risk *RiskMetrics) int {
	if !comp.TotalValueUSD.IsPositive() {
		return 0
	}

	score := 100.0

	reserve := decimal.Zero
	var maxAlloc float64
	for _, p := range comp.Positions {
		alloc := p.AllocationPct.InexactFloat64()
		if alloc > maxAlloc {
			maxAlloc = alloc
		}
		if p.RiskTier == RiskLow {
			reserve = reserve.Add(p.AllocationPct)
		}
	}
	if limit := e.opts.ConcentrationLimit.InexactFloat64(); maxAlloc > limit {
		score -= math.Min(30, maxAlloc-limit)
	}
	if reserve.LessThan(decimal.NewFromInt(10)) {
		score -= 10
	}
	score -= math.Min(15, 5*float64(len(comp.Warnings)))

	if risk != nil {
		score -= math.Min(20, risk.MaxDrawdown*40)
		if risk.AnnualizedVolatility > 1 {
			score -= 10
		}
	}

	return int(math.Round(math.Max(0, math.Min(100, score))))
}
