package analytics

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// ComputeRiskMetrics derives volatility, Sharpe ratio, max drawdown and VaR95
// from a price history. At least two points are required.
func (e *Engine) ComputeRiskMetrics(history []PricePoint) (RiskMetrics, error) {
	series, err := chronological(history)
	if err != nil {
		return RiskMetrics{}, err
	}
	returns := periodReturns(series)

	mean := stat.Mean(returns, nil)
	vol := popStdDev(returns)
	annVol := vol * math.Sqrt(e.opts.PeriodsPerYear)

	var sharpe float64
	if annVol > 0 {
		sharpe = (mean*e.opts.PeriodsPerYear - *e.opts.RiskFreeRate) / annVol
	}

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	return RiskMetrics{
		Points:               len(series),
		MeanReturn:           mean,
		Volatility:           vol,
		AnnualizedVolatility: annVol,
		SharpeRatio:          sharpe,
		MaxDrawdown:          MaxDrawdown(series),
		VaR95:                stat.Quantile(0.05, stat.Empirical, sorted, nil),
	}, nil
}

// ComputeRiskMetricsAgainst additionally fills Beta relative to benchmark.
func (e *Engine) ComputeRiskMetricsAgainst(history, benchmark []PricePoint) (RiskMetrics, error) {
	m, err := e.ComputeRiskMetrics(history)
	if err != nil {
		return RiskMetrics{}, err
	}
	beta, err := ComputeBeta(history, benchmark)
	if err != nil {
		return RiskMetrics{}, fmt.Errorf("compute beta: %w", err)
	}
	m.Beta = &beta
	return m, nil
}

// ComputeBeta returns cov(asset, benchmark) / var(benchmark) over returns of
// points present in both series at the same instant.
func ComputeBeta(asset, benchmark []PricePoint) (float64, error) {
	bench := make(map[int64]float64, len(benchmark))
	for _, p := range benchmark {
		bench[p.At.UnixNano()] = p.Price
	}

	var a, b []PricePoint
	for _, p := range asset {
		if bp, ok := bench[p.At.UnixNano()]; ok {
			a = append(a, p)
			b = append(b, PricePoint{At: p.At, Price: bp})
		}
	}
	a, err := chronological(a)
	if err != nil {
		return 0, err
	}
	b, err = chronological(b)
	if err != nil {
		return 0, err
	}

	ra, rb := periodReturns(a), periodReturns(b)
	if len(ra) < 2 {
		return 0, fmt.Errorf("need at least 3 aligned points: %w", ErrInsufficientData)
	}
	v := stat.Variance(rb, nil)
	if v == 0 {
		return 0, fmt.Errorf("benchmark has zero variance: %w", ErrInsufficientData)
	}
	return stat.Covariance(ra, rb, nil) / v, nil
}

// MaxDrawdown is the largest peak-to-trough decline as a fraction of the
// peak, found in one forward pass.
func MaxDrawdown(series []PricePoint) float64 {
	var peak, worst float64
	for i, p := range series {
		if i == 0 || p.Price > peak {
			peak = p.Price
			continue
		}
		if peak > 0 {
			if dd := (peak - p.Price) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

func chronological(history []PricePoint) ([]PricePoint, error) {
	if len(history) < 2 {
		return nil, fmt.Errorf("got %d price point(s): %w", len(history), ErrInsufficientData)
	}
	series := make([]PricePoint, len(history))
	copy(series, history)
	sort.SliceStable(series, func(i, j int) bool { return series[i].At.Before(series[j].At) })
	for _, p := range series {
		if p.Price <= 0 || math.IsNaN(p.Price) || math.IsInf(p.Price, 0) {
			return nil, fmt.Errorf("invalid price %v at %s", p.Price, p.At)
		}
	}
	return series, nil
}

func periodReturns(series []PricePoint) []float64 {
	if len(series) < 2 {
		return nil
	}
	out := make([]float64, len(series)-1)
	for i := 1; i < len(series); i++ {
		out[i-1] = (series[i].Price - series[i-1].Price) / series[i-1].Price
	}
	return out
}

// popStdDev is the population (biased) standard deviation. gonum's StdDev is
// the sample estimator, so its variance is rescaled by (n-1)/n.
func popStdDev(x []float64) float64 {
	n := float64(len(x))
	if n < 2 {
		return 0
	}
	return math.Sqrt(stat.Variance(x, nil) * (n - 1) / n)
}
