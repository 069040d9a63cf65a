// Package pricing resolves USD prices for treasury assets.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultTimeout = 10 * time.Second

var (
	// ErrUnknownSymbol is returned when a source has no mapping for a symbol.
	ErrUnknownSymbol = errors.New("pricing: unknown symbol")
	// ErrTimeout marks a price fetch that exceeded its deadline.
	ErrTimeout = errors.New("pricing: timeout")
)

// Quote is a USD price observation.
type Quote struct {
	Symbol   string          `json:"symbol"`
	PriceUSD decimal.Decimal `json:"price_usd"`
	At       time.Time       `json:"at"`
	Source   string          `json:"source"`
	Stale    bool            `json:"-"`
}

// Source looks up the current USD price of a symbol.
type Source interface {
	Name() string
	Price(ctx context.Context, symbol string) (Quote, error)
}

// NormalizeSymbol upper-cases and trims a ticker.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
