package analytics

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"daowatch/internal/pricing"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestEngine(prices map[string]decimal.Decimal, opts Options) *Engine {
	return NewEngine(pricing.NewStatic(prices), opts, zerolog.Nop())
}

func series(prices ...float64) []PricePoint {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]PricePoint, len(prices))
	for i, p := range prices {
		out[i] = PricePoint{At: start.Add(time.Duration(i) * 24 * time.Hour), Price: p}
	}
	return out
}

func sumAllocation(positions []Position) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range positions {
		sum = sum.Add(p.AllocationPct)
	}
	return sum
}

func TestAllocationSumsToHundred(t *testing.T) {
	e := newTestEngine(map[string]decimal.Decimal{"ETH": d("3012.37"), "USDC": d("0.9998"), "DOT": d("7.13")}, Options{})

	cases := []map[string]decimal.Decimal{
		{"ETH": d("3"), "USDC": d("1000"), "DOT": d("333.333")},
		{"ETH": d("1"), "USDC": d("3012.37"), "DOT": d("422.4922861150070126")},
		{"eth": d("0.000001"), "USDC": d("1000000")},
	}
	for i, balances := range cases {
		comp := e.ComputeComposition(context.Background(), balances)
		if len(comp.Warnings) != 0 {
			t.Fatalf("case %d: unexpected warnings %v", i, comp.Warnings)
		}
		if diff := sumAllocation(comp.Positions).Sub(hundred).Abs(); diff.GreaterThan(d("0.01")) {
			t.Fatalf("case %d: allocations sum to %s", i, sumAllocation(comp.Positions))
		}
	}
}

func TestCompositionValuesAndTiers(t *testing.T) {
	e := newTestEngine(map[string]decimal.Decimal{"ETH": d("3000"), "USDC": d("1")}, Options{
		AssetAPY: map[string]decimal.Decimal{"eth": d("3.1")},
	})
	comp := e.ComputeComposition(context.Background(), map[string]decimal.Decimal{"ETH": d("2"), "USDC": d("4000")})

	if !comp.TotalValueUSD.Equal(d("10000")) {
		t.Fatalf("expected total 10000, got %s", comp.TotalValueUSD)
	}
	eth := comp.Positions[0]
	if eth.Symbol != "ETH" || !eth.ValueUSD.Equal(d("6000")) || !eth.AllocationPct.Equal(d("60")) {
		t.Fatalf("unexpected ETH position %+v", eth)
	}
	if eth.RiskTier != RiskMedium || !eth.APY.Equal(d("3.1")) {
		t.Fatalf("ETH should be medium risk with configured APY, got %s %s", eth.RiskTier, eth.APY)
	}
	if comp.Positions[1].RiskTier != RiskLow {
		t.Fatal("USDC should be low risk")
	}
	if e.RiskTierOf("PEPE") != RiskHigh {
		t.Fatal("unknown assets default to high risk")
	}
}

func TestPriceUnavailableDegradesSinglePosition(t *testing.T) {
	e := newTestEngine(map[string]decimal.Decimal{"ETH": d("3000"), "USDC": d("1")}, Options{})
	comp := e.ComputeComposition(context.Background(), map[string]decimal.Decimal{"ETH": d("1"), "USDC": d("1000"), "XYZ": d("50")})

	if len(comp.Positions) != 3 {
		t.Fatalf("all positions must be returned, got %d", len(comp.Positions))
	}
	if len(comp.Warnings) != 1 {
		t.Fatalf("expected one warning, got %d", len(comp.Warnings))
	}
	var pu *PriceUnavailableError
	if !errors.As(comp.Warnings[0], &pu) || pu.Symbol != "XYZ" {
		t.Fatalf("expected PriceUnavailableError for XYZ, got %v", comp.Warnings[0])
	}
	if !errors.Is(comp.Warnings[0], pricing.ErrUnknownSymbol) {
		t.Fatal("warning should wrap the source error")
	}
	for _, p := range comp.Positions {
		if p.Symbol == "XYZ" && (!p.PriceUnavailable || !p.ValueUSD.IsZero() || !p.AllocationPct.IsZero()) {
			t.Fatalf("unpriced position should be flagged with zero value: %+v", p)
		}
	}
	if diff := sumAllocation(comp.Positions).Sub(hundred).Abs(); diff.GreaterThan(d("0.01")) {
		t.Fatalf("priced positions should still sum to 100, got %s", sumAllocation(comp.Positions))
	}
}

func TestEmptyCompositionHasNoAllocation(t *testing.T) {
	e := newTestEngine(nil, Options{})
	comp := e.ComputeComposition(context.Background(), nil)
	if len(comp.Positions) != 0 || !comp.TotalValueUSD.IsZero() {
		t.Fatalf("unexpected composition %+v", comp)
	}
	if e.HealthScore(comp, nil) != 0 {
		t.Fatal("an empty treasury scores zero")
	}
}

func TestRankYieldOpportunities(t *testing.T) {
	catalog := []YieldOpportunity{
		{Protocol: "high", APY: d("30"), RiskTier: RiskHigh},
		{Protocol: "medium", APY: d("25"), RiskTier: RiskMedium},
		{Protocol: "low", APY: d("20"), RiskTier: RiskLow},
	}
	ranked := RankYieldOpportunities(catalog)

	want := []string{"low", "medium", "high"}
	for i, w := range want {
		if ranked[i].Protocol != w {
			t.Fatalf("position %d: expected %s, got %s", i, w, ranked[i].Protocol)
		}
	}
	if catalog[0].Protocol != "high" {
		t.Fatal("input must not be reordered")
	}
	if got := ranked[1].RiskAdjustedYield().StringFixed(1); got != "16.7" {
		t.Fatalf("expected 25/1.5 ~ 16.7, got %s", got)
	}
}

func TestRankTiesPreferHigherAPYThenCatalogOrder(t *testing.T) {
	ranked := RankYieldOpportunities([]YieldOpportunity{
		{Protocol: "a", APY: d("10"), RiskTier: RiskLow},
		{Protocol: "b", APY: d("15"), RiskTier: RiskMedium},
		{Protocol: "c", APY: d("10"), RiskTier: RiskLow},
	})
	got := []string{ranked[0].Protocol, ranked[1].Protocol, ranked[2].Protocol}
	if got[0] != "b" || got[1] != "a" || got[2] != "c" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestMaxDrawdown(t *testing.T) {
	if got := MaxDrawdown(series(100, 120, 80, 90, 60, 130)); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("expected 0.50, got %v", got)
	}
	if got := MaxDrawdown(series(1, 2, 3)); got != 0 {
		t.Fatalf("rising series has no drawdown, got %v", got)
	}
}

func TestRiskMetrics(t *testing.T) {
	e := newTestEngine(nil, Options{})
	m, err := e.ComputeRiskMetrics(series(100, 110, 99))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(m.Volatility-0.1) > 1e-9 {
		t.Fatalf("expected population volatility 0.1, got %v", m.Volatility)
	}
	if math.Abs(m.AnnualizedVolatility-0.1*math.Sqrt(365)) > 1e-9 {
		t.Fatalf("unexpected annualised volatility %v", m.AnnualizedVolatility)
	}
	wantSharpe := (m.MeanReturn*365 - 0.06) / m.AnnualizedVolatility
	if math.Abs(m.SharpeRatio-wantSharpe) > 1e-9 {
		t.Fatalf("expected sharpe %v, got %v", wantSharpe, m.SharpeRatio)
	}
	if math.Abs(m.VaR95-(-0.1)) > 1e-9 {
		t.Fatalf("expected VaR95 -0.1, got %v", m.VaR95)
	}
	if math.Abs(m.MaxDrawdown-0.1) > 1e-9 {
		t.Fatalf("expected drawdown 0.1, got %v", m.MaxDrawdown)
	}
	if m.Beta != nil {
		t.Fatal("beta must stay nil without a benchmark")
	}
}

func TestRiskMetricsHonourZeroRiskFreeRate(t *testing.T) {
	zero := 0.0
	e := newTestEngine(nil, Options{RiskFreeRate: &zero})
	m, err := e.ComputeRiskMetrics(series(100, 110, 99))
	if err != nil {
		t.Fatal(err)
	}
	want := m.MeanReturn * 365 / m.AnnualizedVolatility
	if math.Abs(m.SharpeRatio-want) > 1e-9 {
		t.Fatalf("0%% 无风险利率应被保留: expected sharpe %v, got %v", want, m.SharpeRatio)
	}
}

func TestRiskMetricsFlatSeries(t *testing.T) {
	e := newTestEngine(nil, Options{})
	m, err := e.ComputeRiskMetrics(series(5, 5, 5, 5))
	if err != nil {
		t.Fatal(err)
	}
	if m.Volatility != 0 || m.SharpeRatio != 0 || math.IsNaN(m.SharpeRatio) {
		t.Fatalf("flat series should have zero volatility and sharpe, got %+v", m)
	}
}

func TestRiskMetricsInsufficientData(t *testing.T) {
	e := newTestEngine(nil, Options{})
	for _, h := range [][]PricePoint{nil, series(100)} {
		if _, err := e.ComputeRiskMetrics(h); !errors.Is(err, ErrInsufficientData) {
			t.Fatalf("expected ErrInsufficientData for %d points, got %v", len(h), err)
		}
	}
	if _, err := e.ComputeRiskMetrics(series(100, 0)); err == nil {
		t.Fatal("non-positive prices must be rejected")
	}
}

func TestComputeBeta(t *testing.T) {
	bench := series(100, 110, 99, 108.9)
	asset := series(100, 120, 96, 115.2)

	beta, err := ComputeBeta(asset, bench)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(beta-2) > 1e-9 {
		t.Fatalf("expected beta 2, got %v", beta)
	}

	e := newTestEngine(nil, Options{})
	m, err := e.ComputeRiskMetricsAgainst(asset, bench)
	if err != nil || m.Beta == nil || math.Abs(*m.Beta-2) > 1e-9 {
		t.Fatalf("beta should be attached: %v %+v", err, m)
	}

	if _, err := ComputeBeta(asset, series(100, 100, 100, 100)); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("flat benchmark should be rejected, got %v", err)
	}
}

func TestSuggestRebalancing(t *testing.T) {
	e := newTestEngine(nil, Options{})
	positions := []Position{
		{Symbol: "ETH", RawAmount: d("2"), ValueUSD: d("6200"), AllocationPct: d("62"), RiskTier: RiskMedium, APY: d("3")},
		{Symbol: "USDC", RawAmount: d("3800"), ValueUSD: d("3800"), AllocationPct: d("38"), RiskTier: RiskLow, APY: d("0")},
	}
	catalog := []YieldOpportunity{
		{Protocol: "Lido", Asset: "ETH", APY: d("4.2"), RiskTier: RiskMedium},
		{Protocol: "Curve", Asset: "USDC", APY: d("8"), RiskTier: RiskLow},
		{Protocol: "Degen Farm", Asset: "PEPE", APY: d("45"), RiskTier: RiskHigh},
	}

	actions := e.SuggestRebalancing(positions, catalog)
	if len(actions) != 3 {
		t.Fatalf("expected 3 actions, got %d: %+v", len(actions), actions)
	}

	byKind := make(map[ActionKind]Action)
	for _, a := range actions {
		if a.Reason == "" {
			t.Fatalf("action %s has no reason", a.Kind)
		}
		switch a.Urgency {
		case UrgencyLow, UrgencyMedium, UrgencyHigh:
		default:
			t.Fatalf("action %s has invalid urgency %q", a.Kind, a.Urgency)
		}
		byKind[a.Kind] = a
	}

	reduce := byKind[ActionReduce]
	if reduce.Symbol != "ETH" || !reduce.AmountUSD.Equal(d("2200")) || !reduce.TargetAllocationPct.Equal(d("40")) {
		t.Fatalf("unexpected reduce action %+v", reduce)
	}
	restake := byKind[ActionRestake]
	if restake.Symbol != "ETH" || restake.Opportunity == nil || restake.Opportunity.Protocol != "Lido" {
		t.Fatalf("restake should point at Lido, got %+v", restake)
	}
	opp := byKind[ActionOpportunity]
	if opp.Opportunity == nil || opp.Opportunity.Protocol != "Degen Farm" || opp.Urgency != UrgencyLow {
		t.Fatalf("unexpected opportunity action %+v", opp)
	}
	if actions[len(actions)-1].Urgency != UrgencyLow {
		t.Fatal("actions should be ordered by urgency")
	}
}

func TestSuggestRebalancingQuietTreasury(t *testing.T) {
	e := newTestEngine(nil, Options{})
	positions := []Position{
		{Symbol: "ETH", ValueUSD: d("4000"), AllocationPct: d("40"), APY: d("5")},
		{Symbol: "USDC", ValueUSD: d("6000"), AllocationPct: d("60"), RiskTier: RiskLow},
	}
	actions := e.SuggestRebalancing(positions, []YieldOpportunity{{Protocol: "Aave", Asset: "USDC", APY: d("6"), RiskTier: RiskLow}})
	if len(actions) != 1 || actions[0].Kind != ActionReduce || actions[0].Symbol != "USDC" {
		t.Fatalf("only the USDC concentration should be flagged, got %+v", actions)
	}
	if actions[0].Urgency != UrgencyMedium {
		t.Fatalf("60%% concentration is medium urgency, got %s", actions[0].Urgency)
	}
}

func TestHealthScorePenalisesConcentration(t *testing.T) {
	e := newTestEngine(map[string]decimal.Decimal{"ETH": d("1000"), "USDC": d("1"), "DOT": d("10")}, Options{})
	balanced := e.ComputeComposition(context.Background(), map[string]decimal.Decimal{"ETH": d("3"), "USDC": d("4000"), "DOT": d("300")})
	concentrated := e.ComputeComposition(context.Background(), map[string]decimal.Decimal{"ETH": d("95"), "USDC": d("5000")})

	hb, hc := e.HealthScore(balanced, nil), e.HealthScore(concentrated, nil)
	if hb != 100 {
		t.Fatalf("balanced treasury should score 100, got %d", hb)
	}
	if hc >= hb {
		t.Fatalf("concentrated treasury should score lower: %d vs %d", hc, hb)
	}
	risky := &RiskMetrics{MaxDrawdown: 0.5, AnnualizedVolatility: 1.2}
	if got := e.HealthScore(balanced, risky); got != 70 {
		t.Fatalf("expected drawdown and volatility penalties to give 70, got %d", got)
	}
}

func TestAnalyzeWithoutHistory(t *testing.T) {
	e := newTestEngine(map[string]decimal.Decimal{"ETH": d("3000"), "USDC": d("1")}, Options{})
	rep := e.Analyze(context.Background(), Input{
		OrganizationID: "org-1",
		Balances:       map[string]decimal.Decimal{"ETH": d("1"), "USDC": d("7000")},
		History:        series(10000),
	})
	if rep.Risk != nil {
		t.Fatal("single-point history should leave risk metrics empty")
	}
	if rep.Health == 0 || len(rep.Composition.Positions) != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
}
