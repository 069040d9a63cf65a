package analytics

import "sort"

// RankYieldOpportunities orders catalog entries by risk-adjusted yield,
// highest first. Ties go to the higher raw APY; remaining ties keep catalog
// order. The input slice is not modified.
func RankYieldOpportunities(catalog []YieldOpportunity) []YieldOpportunity {
	ranked := make([]YieldOpportunity, len(catalog))
	copy(ranked, catalog)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := ranked[i].RiskAdjustedYield(), ranked[j].RiskAdjustedYield()
		if c := si.Cmp(sj); c != 0 {
			return c > 0
		}
		return ranked[i].APY.GreaterThan(ranked[j].APY)
	})
	return ranked
}
