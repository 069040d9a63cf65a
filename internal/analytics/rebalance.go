package analytics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// SuggestRebalancing applies the advisory rules to a snapshot:
// over-concentrated positions are trimmed to the target allocation,
// staking-eligible assets earning less than the restake threshold are flagged,
// and the best ranked opportunity is surfaced when its APY clears the
// opportunity threshold. Actions come back most urgent first.
func (e *Engine) SuggestRebalancing(positions []Position, opportunities []YieldOpportunity) []Action {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.ValueUSD)
	}
	ranked := RankYieldOpportunities(opportunities)

	var actions []Action
	for _, p := range positions {
		if p.PriceUnavailable {
			continue
		}
		if a, ok := e.concentrationAction(p, total); ok {
			actions = append(actions, a)
		}
		if a, ok := e.restakeAction(p, ranked); ok {
			actions = append(actions, a)
		}
	}
	if a, ok := e.opportunityAction(ranked); ok {
		actions = append(actions, a)
	}

	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Urgency.rank() > actions[j].Urgency.rank() })
	return actions
}

func (e *Engine) concentrationAction(p Position, total decimal.Decimal) (Action, bool) {
	if !total.IsPositive() || !p.AllocationPct.GreaterThan(e.opts.ConcentrationLimit) {
		return Action{}, false
	}
	excess := p.AllocationPct.Sub(e.opts.ConcentrationTarget)
	sell := total.Mul(excess).Div(hundred).Round(2)

	urgency := UrgencyMedium
	if p.AllocationPct.GreaterThan(decimal.NewFromInt(75)) {
		urgency = UrgencyHigh
	}
	return Action{
		Kind:                ActionReduce,
		Symbol:              p.Symbol,
		Urgency:             urgency,
		TargetAllocationPct: e.opts.ConcentrationTarget,
		AmountUSD:           sell,
		Reason: fmt.Sprintf("%s is %s%% of treasury value, above the %s%% concentration limit; sell about $%s to return to %s%%",
			p.Symbol, p.AllocationPct.StringFixed(2), e.opts.ConcentrationLimit.String(), sell.StringFixed(2), e.opts.ConcentrationTarget.String()),
	}, true
}

func (e *Engine) restakeAction(p Position, ranked []YieldOpportunity) (Action, bool) {
	if !e.staking[p.Symbol] || !p.ValueUSD.IsPositive() || !p.APY.LessThan(e.opts.RestakeAPYThreshold) {
		return Action{}, false
	}

	a := Action{
		Kind:      ActionRestake,
		Symbol:    p.Symbol,
		Urgency:   UrgencyLow,
		AmountUSD: p.ValueUSD.Round(2),
		Reason: fmt.Sprintf("%s earns %s%% APY, below the %s%% restaking threshold",
			p.Symbol, p.APY.StringFixed(2), e.opts.RestakeAPYThreshold.String()),
	}
	for i := range ranked {
		o := ranked[i]
		if !strings.EqualFold(o.Asset, p.Symbol) || !o.APY.GreaterThan(p.APY) {
			continue
		}
		if o.MinimumDeposit.IsPositive() && p.RawAmount.LessThan(o.MinimumDeposit) {
			continue
		}
		a.Opportunity = &o
		a.Urgency = UrgencyMedium
		a.Reason += fmt.Sprintf("; %s offers %s%% (%s risk)", o.Protocol, o.APY.StringFixed(2), o.RiskTier)
		break
	}
	return a, true
}

func (e *Engine) opportunityAction(ranked []YieldOpportunity) (Action, bool) {
	if len(ranked) == 0 {
		return Action{}, false
	}
	top := ranked[0]
	if !top.APY.GreaterThan(e.opts.OpportunityAPYThreshold) {
		return Action{}, false
	}
	urgency := UrgencyMedium
	if top.RiskTier == RiskHigh {
		urgency = UrgencyLow
	}
	return Action{
		Kind:        ActionOpportunity,
		Symbol:      strings.ToUpper(top.Asset),
		Urgency:     urgency,
		Opportunity: &top,
		Reason: fmt.Sprintf("%s %s pays %s%% APY (%s risk, %s risk-adjusted), above the %s%% opportunity threshold",
			top.Protocol, strings.ToUpper(top.Asset), top.APY.StringFixed(2), top.RiskTier,
			top.RiskAdjustedYield().StringFixed(2), e.opts.OpportunityAPYThreshold.String()),
	}, true
}
