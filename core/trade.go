package core

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// BarKind records at which phase of candle processing a fill occurred.
type BarKind string

const (
	BarOpen  BarKind = "bar_open"
	Intrabar BarKind = "intrabar"
	BarClose BarKind = "bar_close"
)

// Trade is one execution produced by the matching engine. A single order may
// produce several trades when it fills across candles.
type Trade struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Kind      BarKind         `json:"kind"`
	BarStart  time.Time       `json:"bar_start"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarshalJSON emits the timestamps as integer Unix seconds.
func (t Trade) MarshalJSON() ([]byte, error) {
	type alias Trade
	return json.Marshal(struct {
		alias
		BarStart  int64 `json:"bar_start"`
		Timestamp int64 `json:"timestamp"`
	}{alias(t), UnixSeconds(t.BarStart), UnixSeconds(t.Timestamp)})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (t *Trade) UnmarshalJSON(data []byte) error {
	type alias Trade
	aux := struct {
		*alias
		BarStart  int64 `json:"bar_start"`
		Timestamp int64 `json:"timestamp"`
	}{alias: (*alias)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.BarStart = FromUnixSeconds(aux.BarStart)
	t.Timestamp = FromUnixSeconds(aux.Timestamp)
	return nil
}

// Notional returns size * price.
func (t Trade) Notional() decimal.Decimal {
	return t.Size.Mul(t.Price)
}
