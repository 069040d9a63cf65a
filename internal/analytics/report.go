package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Input bundles everything one analytics cycle needs.
type Input struct {
	OrganizationID string
	Balances       map[string]decimal.Decimal
	// History is the treasury value series used for risk metrics.
	History   []PricePoint
	Benchmark []PricePoint
	Catalog   []YieldOpportunity
}

// Report is the output of one analytics cycle.
type Report struct {
	OrganizationID string
	GeneratedAt    time.Time
	Composition    Composition
	Ranked         []YieldOpportunity
	Risk           *RiskMetrics
	Actions        []Action
	Health         int
}

// Analyze runs composition, ranking, risk and rebalancing in one pass. A
// history too short for risk metrics leaves Risk nil.
func (e *Engine) Analyze(ctx context.Context, in Input) Report {
	comp := e.ComputeComposition(ctx, in.Balances)
	rep := Report{
		OrganizationID: in.OrganizationID,
		GeneratedAt:    comp.ComputedAt,
		Composition:    comp,
		Ranked:         RankYieldOpportunities(in.Catalog),
	}

	var (
		m   RiskMetrics
		err error
	)
	if len(in.Benchmark) > 0 {
		m, err = e.ComputeRiskMetricsAgainst(in.History, in.Benchmark)
		if errors.Is(err, ErrInsufficientData) && len(in.History) >= 2 {
			m, err = e.ComputeRiskMetrics(in.History)
		}
	} else {
		m, err = e.ComputeRiskMetrics(in.History)
	}
	switch {
	case err == nil:
		rep.Risk = &m
	case errors.Is(err, ErrInsufficientData):
		e.logger.Debug().Str("organization", in.OrganizationID).Int("points", len(in.History)).Msg("not enough history for risk metrics")
	default:
		e.logger.Warn().Err(err).Str("organization", in.OrganizationID).Msg("risk metrics failed")
	}

	rep.Actions = e.SuggestRebalancing(comp.Positions, in.Catalog)
	rep.Health = e.HealthScore(comp, rep.Risk)
	return rep
}
