package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CanonicalPrecision is the fixed decimal precision used when a candle is
// rendered into its canonical row for reproducibility hashing.
const CanonicalPrecision = 8

// Candle represents an OHLCV aggregate over one interval of one symbol.
// Start is the bar-open timestamp in UTC.
type Candle struct {
	Symbol   string          `json:"symbol"`
	Interval Interval        `json:"interval"`
	Start    time.Time       `json:"start"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// MarshalJSON emits the start timestamp as integer Unix seconds.
func (c Candle) MarshalJSON() ([]byte, error) {
	type alias Candle
	return json.Marshal(struct {
		alias
		Start int64 `json:"start"`
	}{alias(c), UnixSeconds(c.Start)})
}

// CloseTime returns the instant the bar closes.
func (c Candle) CloseTime() time.Time {
	return c.Start.Add(c.Interval.Duration())
}

// Validate reports ErrMalformedCandle when the bar is internally
// inconsistent. A malformed candle is fatal to a run.
func (c Candle) Validate() error {
	switch {
	case c.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrMalformedCandle)
	case c.Start.IsZero():
		return fmt.Errorf("%w: %s has zero start time", ErrMalformedCandle, c.Symbol)
	case c.Low.GreaterThan(c.High):
		return fmt.Errorf("%w: %s@%d low > high", ErrMalformedCandle, c.Symbol, c.Start.Unix())
	case c.Open.LessThan(c.Low) || c.Open.GreaterThan(c.High):
		return fmt.Errorf("%w: %s@%d open outside range", ErrMalformedCandle, c.Symbol, c.Start.Unix())
	case c.Close.LessThan(c.Low) || c.Close.GreaterThan(c.High):
		return fmt.Errorf("%w: %s@%d close outside range", ErrMalformedCandle, c.Symbol, c.Start.Unix())
	case c.Open.Sign() <= 0:
		return fmt.Errorf("%w: %s@%d non-positive price", ErrMalformedCandle, c.Symbol, c.Start.Unix())
	case c.Volume.Sign() < 0:
		return fmt.Errorf("%w: %s@%d negative volume", ErrMalformedCandle, c.Symbol, c.Start.Unix())
	}
	return nil
}

// CanonicalRow renders the candle as
// symbol|close_ts|open|high|low|close|volume with fixed precision.
// The reproducibility hash is fed with these rows in consumption order.
func (c Candle) CanonicalRow() string {
	return fmt.Sprintf("%s|%d|%s|%s|%s|%s|%s",
		c.Symbol,
		c.CloseTime().Unix(),
		c.Open.StringFixed(CanonicalPrecision),
		c.High.StringFixed(CanonicalPrecision),
		c.Low.StringFixed(CanonicalPrecision),
		c.Close.StringFixed(CanonicalPrecision),
		c.Volume.StringFixed(CanonicalPrecision),
	)
}

// SortCandles orders candles by bar start, breaking ties by symbol
// ascending. This is the cross-symbol processing order the matching engine
// guarantees.
func SortCandles(candles []Candle) {
	sort.SliceStable(candles, func(i, j int) bool {
		if candles[i].Start.Equal(candles[j].Start) {
			return candles[i].Symbol < candles[j].Symbol
		}
		return candles[i].Start.Before(candles[j].Start)
	})
}

// Resample aggregates one-minute candles into the target interval using the
// convention open=first.open, high=max.high, low=min.low, close=last.close,
// volume=sum. Buckets are aligned to the target duration in UTC. The input
// must be sorted by start time.
func Resample(src []Candle, target Interval) []Candle {
	if len(src) == 0 || target == Interval1m {
		out := make([]Candle, len(src))
		copy(out, src)
		return out
	}

	d := target.Duration()
	var out []Candle
	for _, c := range src {
		bucket := c.Start.Truncate(d)
		if n := len(out); n > 0 && out[n-1].Start.Equal(bucket) {
			last := &out[n-1]
			if c.High.GreaterThan(last.High) {
				last.High = c.High
			}
			if c.Low.LessThan(last.Low) {
				last.Low = c.Low
			}
			last.Close = c.Close
			last.Volume = last.Volume.Add(c.Volume)
			continue
		}
		out = append(out, Candle{
			Symbol:   c.Symbol,
			Interval: target,
			Start:    bucket,
			Open:     c.Open,
			High:     c.High,
			Low:      c.Low,
			Close:    c.Close,
			Volume:   c.Volume,
		})
	}
	return out
}
