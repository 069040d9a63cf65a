package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"daowatch/internal/chainevent"
)

// EventRecord is a persisted chain event. DedupeKey is unique, so replays of
// the same event are ignored by the database as well.
type EventRecord struct {
	DedupeKey      string          `json:"dedupe_key"`
	OrganizationID string          `json:"organization_id"`
	Kind           string          `json:"kind"`
	BlockNumber    *int64          `json:"block_number"`
	ObservedAt     time.Time       `json:"observed_at"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewEventRecord converts a stream event into its stored form.
func NewEventRecord(ev chainevent.Event) (EventRecord, error) {
	payload, err := ev.MarshalPayload()
	if err != nil {
		return EventRecord{}, err
	}
	rec := EventRecord{
		DedupeKey:      ev.DedupeKey,
		OrganizationID: ev.OrganizationID,
		Kind:           string(ev.Kind),
		ObservedAt:     ev.ObservedAt.UTC(),
		Payload:        payload,
	}
	if ev.BlockNumber != 0 {
		block := int64(ev.BlockNumber)
		rec.BlockNumber = &block
	}
	return rec, nil
}

// PriceSample is one bucketed USD price observation.
type PriceSample struct {
	Bucket    time.Time       `json:"bucket"`
	Symbol    string          `json:"symbol"`
	PriceUSD  decimal.Decimal `json:"price_usd"`
	Source    string          `json:"source"`
	Stale     bool            `json:"stale"`
	CreatedAt time.Time       `json:"created_at"`
}

// TreasurySnapshot records an organization's treasury value per bucket. The
// series feeds risk metrics on later cycles.
type TreasurySnapshot struct {
	OrganizationID string          `json:"organization_id"`
	Bucket         time.Time       `json:"bucket"`
	TotalValueUSD  decimal.Decimal `json:"total_value_usd"`
	HealthScore    int             `json:"health_score"`
	Composition    json.RawMessage `json:"composition"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SuggestionRecord captures a rebalancing suggestion for auditing and alert
// de-duplication.
type SuggestionRecord struct {
	ID             int64           `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Bucket         time.Time       `json:"bucket"`
	Kind           string          `json:"kind"`
	Symbol         string          `json:"symbol"`
	Urgency        string          `json:"urgency"`
	Reason         string          `json:"reason"`
	AmountUSD      decimal.Decimal `json:"amount_usd"`
	Channels       []string        `json:"channels"`
	CreatedAt      time.Time       `json:"created_at"`
}
