package analytics

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RiskTier is a static per-asset risk classification.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Multiplier is the divisor applied to APY when ranking by risk-adjusted
// yield.
func (t RiskTier) Multiplier() decimal.Decimal {
	switch t {
	case RiskLow:
		return decimal.NewFromInt(1)
	case RiskMedium:
		return decimal.NewFromFloat(1.5)
	default:
		return decimal.NewFromFloat(2.5)
	}
}

// ParseRiskTier accepts low/medium/high in any case.
func ParseRiskTier(s string) (RiskTier, bool) {
	switch RiskTier(strings.ToLower(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow, true
	case RiskMedium:
		return RiskMedium, true
	case RiskHigh:
		return RiskHigh, true
	}
	return "", false
}

// Position is one held asset within a treasury snapshot.
type Position struct {
	Symbol           string
	RawAmount        decimal.Decimal
	PriceUSD         decimal.Decimal
	ValueUSD         decimal.Decimal
	AllocationPct    decimal.Decimal
	RiskTier         RiskTier
	APY              decimal.Decimal
	PriceUnavailable bool
	PriceStale       bool
}

// Composition is the result of pricing a set of balances.
type Composition struct {
	Positions     []Position
	TotalValueUSD decimal.Decimal
	Warnings      []*PriceUnavailableError
	ComputedAt    time.Time
}

// YieldOpportunity is a staking or farming catalog entry.
type YieldOpportunity struct {
	Protocol       string
	Asset          string
	APY            decimal.Decimal
	TVL            decimal.Decimal
	RiskTier       RiskTier
	LockPeriod     time.Duration
	MinimumDeposit decimal.Decimal
}

// RiskAdjustedYield is APY divided by the tier multiplier.
func (o YieldOpportunity) RiskAdjustedYield() decimal.Decimal {
	return o.APY.Div(o.RiskTier.Multiplier())
}

// PricePoint is one observation of a price series.
type PricePoint struct {
	At    time.Time
	Price float64
}

// RiskMetrics aggregates a price history. Returns are per period; VaR95 is
// the 5th percentile period return and is negative for a loss.
type RiskMetrics struct {
	Points               int
	MeanReturn           float64
	Volatility           float64
	AnnualizedVolatility float64
	SharpeRatio          float64
	MaxDrawdown          float64
	VaR95                float64
	// Beta is nil unless a benchmark series was supplied.
	Beta *float64
}

// Urgency ranks suggested actions.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// ParseUrgency accepts low, medium or high in any case.
func ParseUrgency(s string) (Urgency, bool) {
	switch u := Urgency(strings.ToLower(strings.TrimSpace(s))); u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
		return u, true
	}
	return "", false
}

// AtLeast reports whether u is as urgent as min.
func (u Urgency) AtLeast(min Urgency) bool { return u.rank() >= min.rank() }

func (u Urgency) rank() int {
	switch u {
	case UrgencyHigh:
		return 3
	case UrgencyMedium:
		return 2
	default:
		return 1
	}
}

// ActionKind names the rule that produced an action.
type ActionKind string

const (
	ActionReduce      ActionKind = "reduce_concentration"
	ActionRestake     ActionKind = "restake"
	ActionOpportunity ActionKind = "yield_opportunity"
)

// Action is an advisory rebalancing suggestion. Nothing here is executed.
type Action struct {
	Kind                ActionKind
	Symbol              string
	Reason              string
	Urgency             Urgency
	TargetAllocationPct decimal.Decimal
	AmountUSD           decimal.Decimal
	Opportunity         *YieldOpportunity
}
