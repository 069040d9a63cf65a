package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"daowatch/internal/alerting"
	"daowatch/internal/analytics"
	"daowatch/internal/config"
	"daowatch/internal/metrics"
	"daowatch/internal/pricing"
	"daowatch/internal/storage"
)

// AnalyzeOrganization runs one analytics cycle for org: read balances, price
// them, load history, rank the catalog, suggest actions, persist and alert.
// Persistence and alert failures are logged; only a balance failure aborts.
func (s *Service) AnalyzeOrganization(ctx context.Context, org config.OrganizationConfig, bucket time.Time) (analytics.Report, error) {
	logger := s.logger.With().Str("organization", org.ID).Time("bucket", bucket).Logger()

	balances, err := s.balances.Balances(ctx, org)
	if err != nil {
		metrics.AnalyticsCycles.WithLabelValues(org.ID, "error").Inc()
		return analytics.Report{}, fmt.Errorf("read balances: %w", err)
	}

	from := bucket.Add(-s.historyWindow())
	in := analytics.Input{
		OrganizationID: org.ID,
		Balances:       balances,
		History:        s.loadHistory(ctx, org.ID, from, bucket),
		Benchmark:      s.loadBenchmark(ctx, from, bucket),
		Catalog:        s.catalog.Opportunities(),
	}

	rep := s.engine.Analyze(ctx, in)

	s.mu.Lock()
	s.reports[org.ID] = rep
	s.mu.Unlock()

	metrics.AnalyticsCycles.WithLabelValues(org.ID, "ok").Inc()
	metrics.HealthScore.WithLabelValues(org.ID).Set(float64(rep.Health))
	metrics.TreasuryValue.WithLabelValues(org.ID).Set(rep.Composition.TotalValueUSD.InexactFloat64())

	s.persistReport(ctx, bucket, rep)
	s.alert(ctx, bucket, rep)

	logger.Info().
		Str("total_value_usd", rep.Composition.TotalValueUSD.StringFixed(2)).
		Int("positions", len(rep.Composition.Positions)).
		Int("warnings", len(rep.Composition.Warnings)).
		Int("actions", len(rep.Actions)).
		Int("health", rep.Health).
		Msg("treasury analysed")
	return rep, nil
}

func (s *Service) historyWindow() time.Duration {
	if w := s.cfg.Analytics.HistoryWindow; w > 0 {
		return w
	}
	return 30 * 24 * time.Hour
}

func (s *Service) loadHistory(ctx context.Context, orgID string, from, to time.Time) []analytics.PricePoint {
	if s.snapshots == nil {
		return nil
	}
	snaps, err := s.snapshots.ListSnapshotsBetween(ctx, orgID, from, to)
	if err != nil {
		s.logger.Warn().Err(err).Str("organization", orgID).Msg("failed to load treasury history")
		return nil
	}
	points := make([]analytics.PricePoint, 0, len(snaps))
	for _, snap := range snaps {
		if !snap.TotalValueUSD.IsPositive() {
			continue
		}
		points = append(points, analytics.PricePoint{At: snap.Bucket, Price: snap.TotalValueUSD.InexactFloat64()})
	}
	return points
}

func (s *Service) loadBenchmark(ctx context.Context, from, to time.Time) []analytics.PricePoint {
	symbol := pricing.NormalizeSymbol(s.cfg.Analytics.BenchmarkSymbol)
	if symbol == "" || s.samples == nil {
		return nil
	}
	samples, err := s.samples.ListPriceSamplesBetween(ctx, symbol, from, to)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("failed to load benchmark history")
		return nil
	}
	points := make([]analytics.PricePoint, 0, len(samples))
	for _, sample := range samples {
		points = append(points, analytics.PricePoint{At: sample.Bucket, Price: sample.PriceUSD.InexactFloat64()})
	}
	return points
}

func (s *Service) persistReport(ctx context.Context, bucket time.Time, rep analytics.Report) {
	if s.samples != nil {
		for _, p := range rep.Composition.Positions {
			if p.PriceUnavailable {
				continue
			}
			sample := storage.PriceSample{
				Bucket:   bucket,
				Symbol:   p.Symbol,
				PriceUSD: p.PriceUSD,
				Source:   s.engine.PriceSourceName(),
				Stale:    p.PriceStale,
			}
			if err := s.samples.UpsertPriceSample(ctx, sample); err != nil {
				s.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("failed to upsert price sample")
			}
		}
	}

	if s.snapshots != nil {
		composition, err := json.Marshal(rep.Composition)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to marshal composition")
			composition = nil
		}
		snap := storage.TreasurySnapshot{
			OrganizationID: rep.OrganizationID,
			Bucket:         bucket,
			TotalValueUSD:  rep.Composition.TotalValueUSD,
			HealthScore:    rep.Health,
			Composition:    composition,
		}
		if err := s.snapshots.UpsertSnapshot(ctx, snap); err != nil {
			s.logger.Error().Err(err).Str("organization", rep.OrganizationID).Msg("failed to upsert treasury snapshot")
		}
	}

	if s.suggestions != nil {
		for _, a := range rep.Actions {
			rec := storage.SuggestionRecord{
				OrganizationID: rep.OrganizationID,
				Bucket:         bucket,
				Kind:           string(a.Kind),
				Symbol:         a.Symbol,
				Urgency:        string(a.Urgency),
				Reason:         a.Reason,
				AmountUSD:      a.AmountUSD,
				Channels:       s.alertChannels(a),
			}
			if _, err := s.suggestions.InsertSuggestion(ctx, rec); err != nil {
				s.logger.Error().Err(err).Str("kind", string(a.Kind)).Msg("failed to persist suggestion")
			}
		}
	}
}

func (s *Service) alertChannels(a analytics.Action) []string {
	if s.notifier == nil || !a.Urgency.AtLeast(s.minUrgency) {
		return []string{}
	}
	return s.channels
}

func (s *Service) alert(ctx context.Context, bucket time.Time, rep analytics.Report) {
	if s.notifier == nil {
		return
	}
	for _, a := range rep.Actions {
		if !a.Urgency.AtLeast(s.minUrgency) {
			continue
		}
		note := alerting.Notification{
			OrganizationID: rep.OrganizationID,
			Bucket:         bucket,
			Kind:           string(a.Kind),
			Symbol:         a.Symbol,
			Urgency:        string(a.Urgency),
			Reason:         a.Reason,
			AmountUSD:      a.AmountUSD,
			TotalValueUSD:  rep.Composition.TotalValueUSD,
			HealthScore:    rep.Health,
			Channels:       s.channels,
		}
		if a.Opportunity != nil {
			note.AdditionalMsg = fmt.Sprintf("Opportunity: %s %s at %s%% APY (%s risk)\n",
				a.Opportunity.Protocol, a.Opportunity.Asset, a.Opportunity.APY.StringFixed(2), a.Opportunity.RiskTier)
		}
		err := s.notifier.Notify(ctx, note)
		switch {
		case err == nil:
			metrics.AlertsSent.WithLabelValues("sent").Inc()
		case errors.Is(err, alerting.ErrCoolingDown):
			metrics.AlertsSent.WithLabelValues("suppressed").Inc()
		default:
			metrics.AlertsSent.WithLabelValues("failed").Inc()
			s.logger.Error().Err(err).Str("organization", rep.OrganizationID).Str("kind", string(a.Kind)).Msg("failed to dispatch alert")
		}
	}
}

func pruned(table string, n int64) {
	metrics.RetentionDeleted.WithLabelValues(table).Add(float64(n))
}

// staticBalances converts configured balances to decimals.
func staticBalances(in map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for sym, amount := range in {
		out[pricing.NormalizeSymbol(sym)] = decimal.NewFromFloat(amount)
	}
	return out
}
