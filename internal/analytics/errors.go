package analytics

import (
	"errors"
	"fmt"
)

// ErrInsufficientData is returned when a series is too short to analyse.
var ErrInsufficientData = errors.New("analytics: insufficient data")

// PriceUnavailableError flags a symbol that could not be priced. The
// composition still includes the position with zero value.
type PriceUnavailableError struct {
	Symbol string
	Err    error
}

func (e *PriceUnavailableError) Error() string {
	return fmt.Sprintf("price unavailable for %s: %v", e.Symbol, e.Err)
}

func (e *PriceUnavailableError) Unwrap() error { return e.Err }
