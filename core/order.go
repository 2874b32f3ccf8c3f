package core

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the closed set of supported order variants. Anything else
// arriving at the API boundary rejects with ErrInvalidOrder.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
)

// ParseOrderType reifies a wire string into the closed set.
func ParseOrderType(s string) (OrderType, bool) {
	switch OrderType(s) {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeTakeProfit, OrderTypeStopLoss:
		return OrderType(s), true
	}
	return "", false
}

// OrderStatus tracks the order lifecycle. Terminal states never regress.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew:             {OrderStatusOpen, OrderStatusRejected},
	OrderStatusOpen:            {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled},
	OrderStatusPartiallyFilled: {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CancelReason records why an order reached Cancelled.
type CancelReason string

const (
	CancelReasonUser   CancelReason = "user"
	CancelReasonOCO    CancelReason = "oco"
	CancelReasonModify CancelReason = "modify"
	CancelReasonFunds  CancelReason = "insufficient_funds"
)

// Order is a resting or executed instruction against the virtual book.
// IDs increase strictly with acceptance time; ties are broken by acceptance
// order, never by client data.
type Order struct {
	ID         int64           `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"type"`
	Size       decimal.Decimal `json:"size"`
	Price      decimal.Decimal `json:"price"` // zero for market orders
	ReduceOnly bool            `json:"reduce_only,omitempty"`
	PostOnly   bool            `json:"post_only,omitempty"`

	// ParentID links the two legs of an OCO pair to their parent order.
	ParentID int64 `json:"parent_id,omitempty"`

	Status       OrderStatus     `json:"status"`
	CancelReason CancelReason    `json:"cancel_reason,omitempty"`
	FilledSize   decimal.Decimal `json:"filled_size"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`

	// Virtual-clock timestamps.
	CreatedAt    time.Time `json:"created_at"`
	LastUpdateAt time.Time `json:"last_update_at"`
}

// MarshalJSON emits the timestamps as integer Unix seconds, the wire form
// every structured payload uses.
func (o Order) MarshalJSON() ([]byte, error) {
	type alias Order
	return json.Marshal(struct {
		alias
		CreatedAt    int64 `json:"created_at"`
		LastUpdateAt int64 `json:"last_update_at"`
	}{alias(o), UnixSeconds(o.CreatedAt), UnixSeconds(o.LastUpdateAt)})
}

// UnmarshalJSON is the inverse of MarshalJSON; snapshot restore depends on
// the round trip.
func (o *Order) UnmarshalJSON(data []byte) error {
	type alias Order
	aux := struct {
		*alias
		CreatedAt    int64 `json:"created_at"`
		LastUpdateAt int64 `json:"last_update_at"`
	}{alias: (*alias)(o)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	o.CreatedAt = FromUnixSeconds(aux.CreatedAt)
	o.LastUpdateAt = FromUnixSeconds(aux.LastUpdateAt)
	return nil
}

// IsProtective reports whether the order is a take-profit or stop-loss leg.
func (o Order) IsProtective() bool {
	return o.Type == OrderTypeTakeProfit || o.Type == OrderTypeStopLoss
}

// EligibleFor reports whether the order may participate in a candle that
// opens at barStart. Orders placed within a bar first become eligible on
// the following bar; this rule keeps matching independent of how long the
// strategy call took.
func (o Order) EligibleFor(barStart time.Time) bool {
	return !barStart.Before(o.CreatedAt)
}

// Remaining returns the unfilled size.
func (o Order) Remaining() decimal.Decimal {
	return o.Size.Sub(o.FilledSize)
}
