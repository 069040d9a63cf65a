package pricing

import (
	"context"
	"errors"
	"fmt"
)

// Fallback tries each source in order and returns the first price found.
type Fallback []Source

func (f Fallback) Name() string { return "fallback" }

func (f Fallback) Price(ctx context.Context, symbol string) (Quote, error) {
	if len(f) == 0 {
		return Quote{}, fmt.Errorf("price %s: no sources configured", NormalizeSymbol(symbol))
	}
	var errs []error
	for _, src := range f {
		q, err := src.Price(ctx, symbol)
		if err == nil {
			return q, nil
		}
		if ctx.Err() != nil {
			return Quote{}, classify(ctx.Err())
		}
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
	}
	return Quote{}, errors.Join(errs...)
}

var _ Source = Fallback(nil)
