// Package exchange implements the virtual exchange: a deterministic matching
// engine over one-minute candles and the wallet it settles against.
package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderError annotates a rejection with the order it concerned.
type OrderError struct {
	Err    error
	Symbol string
	Size   decimal.Decimal
}

func (o *OrderError) Error() string {
	return fmt.Sprintf("order error: %v (symbol: %s, size: %s)", o.Err, o.Symbol, o.Size)
}

func (o *OrderError) Unwrap() error {
	return o.Err
}
