package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertEventSQL = `INSERT INTO chain_events (
        dedupe_key,
        organization_id,
        kind,
        block_number,
        observed_at,
        payload
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (dedupe_key) DO NOTHING;`

	listRecentEventsSQL = `SELECT
        dedupe_key,
        organization_id,
        kind,
        block_number,
        observed_at,
        payload,
        created_at
    FROM chain_events
    WHERE ($1 = '' OR organization_id = $1)
    ORDER BY observed_at DESC
    LIMIT $2;`

	countEventsSQL = `SELECT COUNT(*) FROM chain_events WHERE ($1 = '' OR organization_id = $1);`

	deleteEventsBeforeSQL = `DELETE FROM chain_events WHERE observed_at < $1;`

	upsertPriceSampleSQL = `INSERT INTO price_samples (
        bucket_ts,
        symbol,
        price_usd,
        source,
        stale
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (bucket_ts, symbol) DO UPDATE
    SET
        price_usd = EXCLUDED.price_usd,
        source    = EXCLUDED.source,
        stale     = EXCLUDED.stale;`

	listPriceSamplesBetweenSQL = `SELECT
        bucket_ts,
        symbol,
        price_usd::text,
        source,
        stale,
        created_at
    FROM price_samples
    WHERE symbol = $1
      AND bucket_ts >= $2
      AND bucket_ts < $3
    ORDER BY bucket_ts;`

	upsertSnapshotSQL = `INSERT INTO treasury_snapshots (
        organization_id,
        bucket_ts,
        total_value_usd,
        health_score,
        composition
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (organization_id, bucket_ts) DO UPDATE
    SET
        total_value_usd = EXCLUDED.total_value_usd,
        health_score    = EXCLUDED.health_score,
        composition     = EXCLUDED.composition;`

	listSnapshotsBetweenSQL = `SELECT
        organization_id,
        bucket_ts,
        total_value_usd::text,
        health_score,
        composition,
        created_at
    FROM treasury_snapshots
    WHERE organization_id = $1
      AND bucket_ts >= $2
      AND bucket_ts < $3
    ORDER BY bucket_ts;`

	insertSuggestionSQL = `INSERT INTO suggestions (
        organization_id,
        bucket_ts,
        kind,
        symbol,
        urgency,
        reason,
        amount_usd,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (organization_id, bucket_ts, kind, symbol) DO UPDATE
    SET urgency    = EXCLUDED.urgency,
        reason     = EXCLUDED.reason,
        amount_usd = EXCLUDED.amount_usd,
        channels   = EXCLUDED.channels
    RETURNING id, organization_id, bucket_ts, kind, symbol, urgency, reason, amount_usd::text, channels, created_at;`

	listRecentSuggestionsSQL = `SELECT
        id,
        organization_id,
        bucket_ts,
        kind,
        symbol,
        urgency,
        reason,
        amount_usd::text,
        channels,
        created_at
    FROM suggestions
    WHERE ($1 = '' OR organization_id = $1)
    ORDER BY created_at DESC
    LIMIT $2;`

	deleteSuggestionsBeforeSQL = `DELETE FROM suggestions WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// EventStore persists the deduplicated event feed.
type EventStore interface {
	InsertEvent(ctx context.Context, rec EventRecord) (bool, error)
	ListRecentEvents(ctx context.Context, orgID string, limit int) ([]EventRecord, error)
	CountEvents(ctx context.Context, orgID string) (int64, error)
	DeleteEventsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// PriceSampleStore persists bucketed prices.
type PriceSampleStore interface {
	UpsertPriceSample(ctx context.Context, sample PriceSample) error
	ListPriceSamplesBetween(ctx context.Context, symbol string, from, to time.Time) ([]PriceSample, error)
}

// SnapshotStore persists treasury value history.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, snap TreasurySnapshot) error
	ListSnapshotsBetween(ctx context.Context, orgID string, from, to time.Time) ([]TreasurySnapshot, error)
}

// SuggestionStore defines operations for suggestion auditing.
type SuggestionStore interface {
	InsertSuggestion(ctx context.Context, rec SuggestionRecord) (SuggestionRecord, error)
	ListRecentSuggestions(ctx context.Context, orgID string, limit int) ([]SuggestionRecord, error)
	DeleteSuggestionsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to events, prices, snapshots and suggestions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// LockKey derives a per-organization advisory lock key from a base key so
// that organizations can be processed by different instances.
func LockKey(base int64, orgID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(orgID))
	return base ^ int64(h.Sum64()>>1)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertEvent stores an event unless its dedupe key is already present. It
// reports whether a row was written.
func (s *Store) InsertEvent(ctx context.Context, rec EventRecord) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var block interface{}
	if rec.BlockNumber != nil {
		block = *rec.BlockNumber
	}

	tag, execErr := pool.Exec(ctx, insertEventSQL,
		rec.DedupeKey,
		rec.OrganizationID,
		rec.Kind,
		block,
		rec.ObservedAt,
		[]byte(rec.Payload),
	)
	if execErr != nil {
		return false, fmt.Errorf("insert event: %w", execErr)
	}
	return tag.RowsAffected() == 1, nil
}

// ListRecentEvents lists the newest events, optionally for one organization.
func (s *Store) ListRecentEvents(ctx context.Context, orgID string, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, orgID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]EventRecord, 0, limit)
	for rows.Next() {
		var (
			rec   EventRecord
			block sql.NullInt64
		)
		if err := rows.Scan(
			&rec.DedupeKey,
			&rec.OrganizationID,
			&rec.Kind,
			&block,
			&rec.ObservedAt,
			&rec.Payload,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if block.Valid {
			value := block.Int64
			rec.BlockNumber = &value
		}
		events = append(events, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// CountEvents counts stored events, optionally for one organization.
func (s *Store) CountEvents(ctx context.Context, orgID string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countEventsSQL, orgID).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count events: %w", scanErr)
	}
	return count, nil
}

// DeleteEventsBefore prunes events observed before olderThan.
func (s *Store) DeleteEventsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteEventsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete events before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// UpsertPriceSample persists or updates a price sample.
func (s *Store) UpsertPriceSample(ctx context.Context, sample PriceSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertPriceSampleSQL,
		sample.Bucket,
		sample.Symbol,
		sample.PriceUSD.String(),
		sample.Source,
		sample.Stale,
	)
	if execErr != nil {
		return fmt.Errorf("upsert price sample: %w", execErr)
	}
	return nil
}

// ListPriceSamplesBetween lists one symbol's samples within a time window.
func (s *Store) ListPriceSamplesBetween(ctx context.Context, symbol string, from, to time.Time) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPriceSamplesBetweenSQL, symbol, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list price samples between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]PriceSample, 0)
	for rows.Next() {
		var (
			sample   PriceSample
			priceStr string
		)
		if err := rows.Scan(
			&sample.Bucket,
			&sample.Symbol,
			&priceStr,
			&sample.Source,
			&sample.Stale,
			&sample.CreatedAt,
		); err != nil {
			return nil, err
		}
		sample.PriceUSD, err = decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// UpsertSnapshot persists or updates a treasury snapshot.
func (s *Store) UpsertSnapshot(ctx context.Context, snap TreasurySnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	composition := snap.Composition
	if len(composition) == 0 {
		composition = json.RawMessage("{}")
	}
	_, execErr := pool.Exec(ctx, upsertSnapshotSQL,
		snap.OrganizationID,
		snap.Bucket,
		snap.TotalValueUSD.String(),
		snap.HealthScore,
		[]byte(composition),
	)
	if execErr != nil {
		return fmt.Errorf("upsert snapshot: %w", execErr)
	}
	return nil
}

// ListSnapshotsBetween lists an organization's snapshots within a time window.
func (s *Store) ListSnapshotsBetween(ctx context.Context, orgID string, from, to time.Time) ([]TreasurySnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, orgID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	snaps := make([]TreasurySnapshot, 0)
	for rows.Next() {
		var (
			snap     TreasurySnapshot
			totalStr string
		)
		if err := rows.Scan(
			&snap.OrganizationID,
			&snap.Bucket,
			&totalStr,
			&snap.HealthScore,
			&snap.Composition,
			&snap.CreatedAt,
		); err != nil {
			return nil, err
		}
		snap.TotalValueUSD, err = decimal.NewFromString(totalStr)
		if err != nil {
			return nil, fmt.Errorf("parse total value: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

// InsertSuggestion persists a suggestion, updating the row for the same
// organization, bucket, kind and symbol.
func (s *Store) InsertSuggestion(ctx context.Context, rec SuggestionRecord) (SuggestionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return SuggestionRecord{}, err
	}

	row := pool.QueryRow(ctx, insertSuggestionSQL,
		rec.OrganizationID,
		rec.Bucket,
		rec.Kind,
		rec.Symbol,
		rec.Urgency,
		rec.Reason,
		rec.AmountUSD.String(),
		rec.Channels,
	)

	out, scanErr := scanSuggestion(row)
	if scanErr != nil {
		return SuggestionRecord{}, fmt.Errorf("insert suggestion: %w", scanErr)
	}
	return out, nil
}

// ListRecentSuggestions lists the newest suggestions, optionally for one organization.
func (s *Store) ListRecentSuggestions(ctx context.Context, orgID string, limit int) ([]SuggestionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSuggestionsSQL, orgID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent suggestions: %w", queryErr)
	}
	defer rows.Close()

	out := make([]SuggestionRecord, 0, limit)
	for rows.Next() {
		rec, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// DeleteSuggestionsBefore deletes historical suggestions.
func (s *Store) DeleteSuggestionsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteSuggestionsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete suggestions before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func scanSuggestion(row pgx.Row) (SuggestionRecord, error) {
	var (
		rec       SuggestionRecord
		amountStr string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.OrganizationID,
		&rec.Bucket,
		&rec.Kind,
		&rec.Symbol,
		&rec.Urgency,
		&rec.Reason,
		&amountStr,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return SuggestionRecord{}, err
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return SuggestionRecord{}, fmt.Errorf("parse amount usd: %w", err)
	}
	rec.AmountUSD = amount
	return rec, nil
}

var (
	_ EventStore       = (*Store)(nil)
	_ PriceSampleStore = (*Store)(nil)
	_ SnapshotStore    = (*Store)(nil)
	_ SuggestionStore  = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
