// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daowatch_events_received_total",
		Help: "Raw payloads received from chain sources, labelled by organization.",
	}, []string{"organization"})

	EventsDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daowatch_events_deduplicated_total",
		Help: "Events discarded because their dedupe key was already seen.",
	}, []string{"organization"})

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daowatch_events_emitted_total",
		Help: "Events forwarded to the subscription registry, labelled by organization and kind.",
	}, []string{"organization", "kind"})

	DecodeWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daowatch_decode_warnings_total",
		Help: "Raw payloads dropped because they could not be decoded.",
	}, []string{"organization"})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daowatch_source_reconnects_total",
		Help: "Reconnection attempts against chain sources.",
	}, []string{"organization"})

	Connected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "daowatch_source_connected",
		Help: "1 when the organization's chain source is connected, 0 otherwise.",
	}, []string{"organization"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daowatch_listener_deliveries_total",
		Help: "Listener invocations, labelled by organization and status.",
	}, []string{"organization", "status"})

	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "daowatch_active_subscriptions",
		Help: "Currently active listeners per organization.",
	}, []string{"organization"})

	PriceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daowatch_price_lookups_total",
		Help: "Price cache lookups, labelled by result (fresh, refreshed, stale, unavailable).",
	}, []string{"result"})

	AnalyticsCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daowatch_analytics_cycles_total",
		Help: "Per-organization analytics runs, labelled by organization and status.",
	}, []string{"organization", "status"})

	HealthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "daowatch_treasury_health_score",
		Help: "Latest treasury health score (0-100) per organization.",
	}, []string{"organization"})

	TreasuryValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "daowatch_treasury_value_usd",
		Help: "Latest priced treasury value in USD per organization.",
	}, []string{"organization"})

	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daowatch_alerts_total",
		Help: "Suggestion alerts, labelled by status (sent, suppressed, failed).",
	}, []string{"status"})

	PersistedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daowatch_events_persisted_total",
		Help: "Events written to storage, labelled by result (inserted, duplicate, failed).",
	}, []string{"result"})

	RetentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daowatch_retention_deleted_total",
		Help: "Rows pruned by the retention job, labelled by table.",
	}, []string{"table"})

	AnalyticsDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "daowatch_analytics_duration_ms",
		Help:    "Treasury analytics cycle latency in milliseconds.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000},
	})
)
