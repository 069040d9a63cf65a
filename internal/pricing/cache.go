package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"daowatch/internal/metrics"
	"daowatch/internal/scheduler"
)

const DefaultTTL = 60 * time.Second

// EntryState is the per-symbol cache lifecycle.
type EntryState int

const (
	Missing EntryState = iota
	Fresh
	Stale
)

func (s EntryState) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "missing"
	}
}

// CacheOptions tune the TTL cache.
type CacheOptions struct {
	TTL     time.Duration
	Timeout time.Duration
	Clock   scheduler.Clock
	// Store is an optional shared tier consulted before the source.
	Store Store
}

// Cache bounds calls to a Source with a per-symbol TTL. Expired entries are
// refreshed on access, and the last known price is served when the refresh
// fails.
type Cache struct {
	source Source
	opts   CacheOptions
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	Quote     Quote     `json:"quote"`
	FetchedAt time.Time `json:"fetched_at"`
}

// NewCache wraps source with a TTL cache.
func NewCache(source Source, opts CacheOptions, logger zerolog.Logger) *Cache {
	if source == nil {
		panic("pricing: nil source")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = scheduler.RealClock{}
	}
	return &Cache{
		source:  source,
		opts:    opts,
		logger:  logger.With().Str("component", "price_cache").Logger(),
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cache) Name() string { return "cache(" + c.source.Name() + ")" }

// Price returns a fresh price, refreshing the entry if it expired.
func (c *Cache) Price(ctx context.Context, symbol string) (Quote, error) {
	sym := NormalizeSymbol(symbol)
	now := c.opts.Clock.Now()

	c.mu.Lock()
	entry, ok := c.entries[sym]
	c.mu.Unlock()
	if ok && c.fresh(entry, now) {
		metrics.PriceLookups.WithLabelValues("fresh").Inc()
		return entry.Quote, nil
	}

	if shared, found := c.loadShared(ctx, sym, now); found {
		c.put(sym, shared)
		metrics.PriceLookups.WithLabelValues("shared").Inc()
		return shared.Quote, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	quote, err := c.source.Price(fetchCtx, sym)
	cancel()
	if err != nil {
		err = classify(err)
		if ok {
			metrics.PriceLookups.WithLabelValues("stale").Inc()
			c.logger.Warn().Err(err).Str("symbol", sym).Time("fetched_at", entry.FetchedAt).Msg("price refresh failed, serving stale price")
			stale := entry.Quote
			stale.Stale = true
			return stale, nil
		}
		metrics.PriceLookups.WithLabelValues("unavailable").Inc()
		return Quote{}, fmt.Errorf("price %s: %w", sym, err)
	}

	quote.Symbol = sym
	fresh := cacheEntry{Quote: quote, FetchedAt: now}
	c.put(sym, fresh)
	c.saveShared(ctx, sym, fresh)
	metrics.PriceLookups.WithLabelValues("refreshed").Inc()
	return quote, nil
}

// State reports the lifecycle state of symbol.
func (c *Cache) State(symbol string) EntryState {
	sym := NormalizeSymbol(symbol)
	c.mu.Lock()
	entry, ok := c.entries[sym]
	c.mu.Unlock()
	switch {
	case !ok:
		return Missing
	case c.fresh(entry, c.opts.Clock.Now()):
		return Fresh
	default:
		return Stale
	}
}

func (c *Cache) fresh(entry cacheEntry, now time.Time) bool {
	return now.Sub(entry.FetchedAt) < c.opts.TTL
}

// put keeps whichever entry is newer; concurrent refreshes race harmlessly.
func (c *Cache) put(sym string, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[sym]; ok && cur.FetchedAt.After(entry.FetchedAt) {
		return
	}
	c.entries[sym] = entry
}

func (c *Cache) loadShared(ctx context.Context, sym string, now time.Time) (cacheEntry, bool) {
	if c.opts.Store == nil {
		return cacheEntry{}, false
	}
	raw, found, err := c.opts.Store.Get(ctx, sym)
	if err != nil {
		c.logger.Debug().Err(err).Str("symbol", sym).Msg("shared price store read failed")
		return cacheEntry{}, false
	}
	if !found {
		return cacheEntry{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Debug().Err(err).Str("symbol", sym).Msg("shared price entry undecodable")
		return cacheEntry{}, false
	}
	if !c.fresh(entry, now) {
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *Cache) saveShared(ctx context.Context, sym string, entry cacheEntry) {
	if c.opts.Store == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.opts.Store.Set(ctx, sym, raw, c.opts.TTL); err != nil {
		c.logger.Debug().Err(err).Str("symbol", sym).Msg("shared price store write failed")
	}
}

var _ Source = (*Cache)(nil)
