// Package analytics turns treasury balances and prices into allocation, yield
// and risk analytics plus advisory rebalancing actions.
package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"daowatch/internal/metrics"
	"daowatch/internal/pricing"
	"daowatch/internal/scheduler"
)

var hundred = decimal.NewFromInt(100)

// DefaultRiskFreeRate is the annual rate used when Options leave it unset.
const DefaultRiskFreeRate = 0.06

// Options tune the engine's rules. Zero values fall back to defaults.
type Options struct {
	// RiskFreeRate is annual; nil means DefaultRiskFreeRate, so 0% stays
	// expressible.
	RiskFreeRate   *float64
	PeriodsPerYear float64

	ConcentrationLimit      decimal.Decimal
	ConcentrationTarget     decimal.Decimal
	RestakeAPYThreshold     decimal.Decimal
	OpportunityAPYThreshold decimal.Decimal

	// RiskTiers overrides the built-in symbol classification.
	RiskTiers map[string]RiskTier
	// AssetAPY is the yield currently earned on each held asset.
	AssetAPY map[string]decimal.Decimal
	// StakingEligible lists assets that can be restaked.
	StakingEligible []string

	Clock scheduler.Clock
}

func (o Options) withDefaults() Options {
	if o.RiskFreeRate == nil {
		rate := DefaultRiskFreeRate
		o.RiskFreeRate = &rate
	}
	if o.PeriodsPerYear <= 0 {
		o.PeriodsPerYear = 365
	}
	if !o.ConcentrationLimit.IsPositive() {
		o.ConcentrationLimit = decimal.NewFromInt(50)
	}
	if !o.ConcentrationTarget.IsPositive() {
		o.ConcentrationTarget = decimal.NewFromInt(40)
	}
	if !o.RestakeAPYThreshold.IsPositive() {
		o.RestakeAPYThreshold = decimal.NewFromInt(4)
	}
	if !o.OpportunityAPYThreshold.IsPositive() {
		o.OpportunityAPYThreshold = decimal.NewFromInt(20)
	}
	if o.StakingEligible == nil {
		o.StakingEligible = []string{"ETH", "DOT", "KSM", "ATOM", "SOL", "MATIC"}
	}
	if o.Clock == nil {
		o.Clock = scheduler.RealClock{}
	}
	return o
}

// Engine computes treasury analytics. Apart from the price cache behind its
// source it holds no mutable state.
type Engine struct {
	prices  pricing.Source
	opts    Options
	logger  zerolog.Logger
	tiers   map[string]RiskTier
	apy     map[string]decimal.Decimal
	staking map[string]bool
}

// NewEngine builds an engine on top of a price source, normally a
// *pricing.Cache.
func NewEngine(prices pricing.Source, opts Options, logger zerolog.Logger) *Engine {
	if prices == nil {
		panic("analytics: nil price source")
	}
	opts = opts.withDefaults()

	tiers := make(map[string]RiskTier, len(defaultTiers)+len(opts.RiskTiers))
	for sym, tier := range defaultTiers {
		tiers[sym] = tier
	}
	for sym, tier := range opts.RiskTiers {
		tiers[pricing.NormalizeSymbol(sym)] = tier
	}
	apy := make(map[string]decimal.Decimal, len(opts.AssetAPY))
	for sym, v := range opts.AssetAPY {
		apy[pricing.NormalizeSymbol(sym)] = v
	}
	staking := make(map[string]bool, len(opts.StakingEligible))
	for _, sym := range opts.StakingEligible {
		staking[pricing.NormalizeSymbol(sym)] = true
	}

	return &Engine{
		prices:  prices,
		opts:    opts,
		logger:  logger.With().Str("component", "analytics_engine").Logger(),
		tiers:   tiers,
		apy:     apy,
		staking: staking,
	}
}

var defaultTiers = map[string]RiskTier{
	"USDC": RiskLow, "USDT": RiskLow, "DAI": RiskLow, "FRAX": RiskLow, "LUSD": RiskLow, "USDE": RiskLow,
	"ETH": RiskMedium, "WETH": RiskMedium, "STETH": RiskMedium, "BTC": RiskMedium, "WBTC": RiskMedium,
	"DOT": RiskMedium, "KSM": RiskMedium,
}

// PriceSourceName names the source behind the engine's prices.
func (e *Engine) PriceSourceName() string { return e.prices.Name() }

// RiskTierOf classifies symbol; unknown assets are high risk.
func (e *Engine) RiskTierOf(symbol string) RiskTier {
	if tier, ok := e.tiers[pricing.NormalizeSymbol(symbol)]; ok {
		return tier
	}
	return RiskHigh
}

// ComputeComposition prices balances and derives value and allocation. A
// symbol that cannot be priced is kept with zero value and reported in
// Warnings; it never aborts the computation.
func (e *Engine) ComputeComposition(ctx context.Context, balances map[string]decimal.Decimal) Composition {
	start := time.Now()
	defer func() {
		metrics.AnalyticsDuration.Observe(float64(time.Since(start).Milliseconds()))
	}()

	symbols := make([]string, 0, len(balances))
	amounts := make(map[string]decimal.Decimal, len(balances))
	for sym, amount := range balances {
		norm := pricing.NormalizeSymbol(sym)
		if _, dup := amounts[norm]; !dup {
			symbols = append(symbols, norm)
		}
		amounts[norm] = amounts[norm].Add(amount)
	}
	sort.Strings(symbols)

	comp := Composition{Positions: make([]Position, 0, len(symbols)), ComputedAt: e.opts.Clock.Now()}
	total := decimal.Zero
	for _, sym := range symbols {
		pos := Position{
			Symbol:    sym,
			RawAmount: amounts[sym],
			RiskTier:  e.RiskTierOf(sym),
			APY:       e.apy[sym],
		}
		quote, err := e.prices.Price(ctx, sym)
		if err != nil {
			pos.PriceUnavailable = true
			comp.Warnings = append(comp.Warnings, &PriceUnavailableError{Symbol: sym, Err: err})
			e.logger.Warn().Err(err).Str("symbol", sym).Msg("price unavailable, valuing position at zero")
		} else {
			pos.PriceUSD = quote.PriceUSD
			pos.PriceStale = quote.Stale
			pos.ValueUSD = pos.RawAmount.Mul(quote.PriceUSD)
			total = total.Add(pos.ValueUSD)
		}
		comp.Positions = append(comp.Positions, pos)
	}

	comp.TotalValueUSD = total
	if total.IsPositive() {
		for i := range comp.Positions {
			comp.Positions[i].AllocationPct = comp.Positions[i].ValueUSD.Mul(hundred).Div(total)
		}
	}
	return comp
}
