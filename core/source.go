package core

import (
	"context"
	"time"
)

// CandleSource provides historical one-minute candles. Implementations must
// return bars sorted by start time, covering [start, end) without gaps, or
// an error wrapping ErrDataGap.
type CandleSource interface {
	CandlesByPeriod(ctx context.Context, symbol string, interval Interval, start, end time.Time) ([]Candle, error)
}
