package pricing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"daowatch/internal/scheduler"
)

type countingSource struct {
	mu    sync.Mutex
	calls int
	inner *Static
	fail  error
}

func (s *countingSource) Name() string { return "counting" }

func (s *countingSource) Price(ctx context.Context, symbol string) (Quote, error) {
	s.mu.Lock()
	s.calls++
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return Quote{}, fail
	}
	return s.inner.Price(ctx, symbol)
}

func (s *countingSource) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *countingSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type memoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	return b, ok, nil
}

func (m *memoryStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = value
	return nil
}

var cacheStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestCacheFreshStaleFresh(t *testing.T) {
	clock := scheduler.NewManualClock(cacheStart)
	src := &countingSource{inner: NewStatic(map[string]decimal.Decimal{"ETH": decimal.NewFromInt(3000)})}
	cache := NewCache(src, CacheOptions{Clock: clock}, zerolog.Nop())

	if cache.State("eth") != Missing {
		t.Fatal("empty cache should report missing")
	}
	if _, err := cache.Price(context.Background(), "eth"); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Price(context.Background(), "ETH"); err != nil {
		t.Fatal(err)
	}
	if src.callCount() != 1 {
		t.Fatalf("fresh entry should be served from cache, calls=%d", src.callCount())
	}
	if cache.State("ETH") != Fresh {
		t.Fatalf("expected fresh, got %s", cache.State("ETH"))
	}

	clock.Advance(DefaultTTL)
	if cache.State("ETH") != Stale {
		t.Fatalf("expected stale after TTL, got %s", cache.State("ETH"))
	}
	src.inner.Set("ETH", decimal.NewFromInt(3100))
	q, err := cache.Price(context.Background(), "ETH")
	if err != nil {
		t.Fatal(err)
	}
	if !q.PriceUSD.Equal(decimal.NewFromInt(3100)) || q.Stale {
		t.Fatalf("stale entry should be refreshed, got %s stale=%v", q.PriceUSD, q.Stale)
	}
	if cache.State("ETH") != Fresh || src.callCount() != 2 {
		t.Fatalf("refresh should return the entry to fresh, calls=%d", src.callCount())
	}
}

func TestCacheServesStaleOnRefreshFailure(t *testing.T) {
	clock := scheduler.NewManualClock(cacheStart)
	src := &countingSource{inner: NewStatic(map[string]decimal.Decimal{"DOT": decimal.NewFromInt(7)})}
	cache := NewCache(src, CacheOptions{Clock: clock, TTL: time.Minute}, zerolog.Nop())

	if _, err := cache.Price(context.Background(), "DOT"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)
	src.setFail(errors.New("rate limited"))

	q, err := cache.Price(context.Background(), "DOT")
	if err != nil {
		t.Fatalf("stale price should be served: %v", err)
	}
	if !q.Stale || !q.PriceUSD.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("unexpected quote %+v", q)
	}
}

func TestCacheUnavailableWithoutHistory(t *testing.T) {
	src := &countingSource{inner: NewStatic(nil)}
	cache := NewCache(src, CacheOptions{Clock: scheduler.NewManualClock(cacheStart)}, zerolog.Nop())

	_, err := cache.Price(context.Background(), "XYZ")
	if !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
}

func TestCacheTimeoutIsClassified(t *testing.T) {
	slow := sourceFunc(func(ctx context.Context, symbol string) (Quote, error) {
		<-ctx.Done()
		return Quote{}, ctx.Err()
	})
	cache := NewCache(slow, CacheOptions{Timeout: 5 * time.Millisecond}, zerolog.Nop())

	_, err := cache.Price(context.Background(), "ETH")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCacheUsesSharedStore(t *testing.T) {
	clock := scheduler.NewManualClock(cacheStart)
	store := &memoryStore{}
	first := &countingSource{inner: NewStatic(map[string]decimal.Decimal{"USDC": decimal.NewFromInt(1)})}
	second := &countingSource{inner: NewStatic(nil)}

	if _, err := NewCache(first, CacheOptions{Clock: clock, Store: store}, zerolog.Nop()).Price(context.Background(), "USDC"); err != nil {
		t.Fatal(err)
	}

	q, err := NewCache(second, CacheOptions{Clock: clock, Store: store}, zerolog.Nop()).Price(context.Background(), "USDC")
	if err != nil {
		t.Fatalf("shared tier should serve the quote: %v", err)
	}
	if !q.PriceUSD.Equal(decimal.NewFromInt(1)) || second.callCount() != 0 {
		t.Fatalf("second process should not hit its source, calls=%d", second.callCount())
	}
}

func TestFallbackTriesSourcesInOrder(t *testing.T) {
	primary := NewStatic(map[string]decimal.Decimal{"ETH": decimal.NewFromInt(3000)})
	secondary := NewStatic(map[string]decimal.Decimal{"ETH": decimal.NewFromInt(1), "DOT": decimal.NewFromInt(7)})
	fb := Fallback{primary, secondary}

	eth, err := fb.Price(context.Background(), "ETH")
	if err != nil || !eth.PriceUSD.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("primary should win: %v %s", err, eth.PriceUSD)
	}
	dot, err := fb.Price(context.Background(), "DOT")
	if err != nil || !dot.PriceUSD.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("secondary should be consulted: %v %s", err, dot.PriceUSD)
	}
	if _, err := fb.Price(context.Background(), "XYZ"); !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("expected joined ErrUnknownSymbol, got %v", err)
	}
}

type sourceFunc func(ctx context.Context, symbol string) (Quote, error)

func (f sourceFunc) Name() string { return "func" }

func (f sourceFunc) Price(ctx context.Context, symbol string) (Quote, error) { return f(ctx, symbol) }
