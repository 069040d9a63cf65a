package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Static serves fixed prices. Used for simulation and for assets pegged by
// configuration.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	now    func() time.Time
}

// NewStatic builds a static source from symbol -> price.
func NewStatic(prices map[string]decimal.Decimal) *Static {
	s := &Static{prices: make(map[string]decimal.Decimal, len(prices)), now: func() time.Time { return time.Now().UTC() }}
	for sym, p := range prices {
		s.prices[NormalizeSymbol(sym)] = p
	}
	return s
}

func (s *Static) Name() string { return "static" }

// Set overrides the price for symbol.
func (s *Static) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[NormalizeSymbol(symbol)] = price
}

// Delete removes symbol so subsequent lookups fail.
func (s *Static) Delete(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, NormalizeSymbol(symbol))
}

func (s *Static) Price(_ context.Context, symbol string) (Quote, error) {
	sym := NormalizeSymbol(symbol)
	s.mu.RLock()
	p, ok := s.prices[sym]
	s.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("static price %s: %w", sym, ErrUnknownSymbol)
	}
	return Quote{Symbol: sym, PriceUSD: p, At: s.now(), Source: s.Name()}, nil
}

var _ Source = (*Static)(nil)
