package backtest

import (
	"encoding/json"
	"sort"
	"time"

	"virtex/core"

	"github.com/shopspring/decimal"
)

// RoundTrip is one entry/exit pairing produced from the raw trade log.
// PnL is net of the fee share allocated to both legs.
type RoundTrip struct {
	Symbol     string          `json:"symbol"`
	EntryTime  time.Time       `json:"entry_time"`
	ExitTime   time.Time       `json:"exit_time"`
	Qty        decimal.Decimal `json:"qty"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Fees       decimal.Decimal `json:"fees"`
	Slippage   decimal.Decimal `json:"slippage"`
	PnL        decimal.Decimal `json:"pnl"`
	RMultiple  decimal.Decimal `json:"r_multiple"`
}

// MarshalJSON emits the entry and exit timestamps as integer Unix seconds.
func (rt RoundTrip) MarshalJSON() ([]byte, error) {
	type alias RoundTrip
	return json.Marshal(struct {
		alias
		EntryTime int64 `json:"entry_time"`
		ExitTime  int64 `json:"exit_time"`
	}{alias(rt), core.UnixSeconds(rt.EntryTime), core.UnixSeconds(rt.ExitTime)})
}

// lot is an open portion of a position awaiting its exit.
type lot struct {
	qty        decimal.Decimal
	price      decimal.Decimal
	feePerUnit decimal.Decimal
	time       time.Time
	orderID    int64
}

// PairTrades folds the raw trade log into round trips, first-in first-out.
// An exit larger than the open lots closes them all and re-opens the
// remainder in the other direction. stops maps an entry order id to its
// initial stop price; when present the round trip carries an R-multiple
// (PnL per unit of initially risked distance).
func PairTrades(trades []core.Trade, stops map[int64]decimal.Decimal) []RoundTrip {
	bySymbol := make(map[string][]core.Trade)
	var symbols []string
	for _, t := range trades {
		if _, ok := bySymbol[t.Symbol]; !ok {
			symbols = append(symbols, t.Symbol)
		}
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}
	sort.Strings(symbols)

	var out []RoundTrip
	for _, symbol := range symbols {
		out = append(out, pairSymbol(bySymbol[symbol], stops)...)
	}
	return out
}

func pairSymbol(trades []core.Trade, stops map[int64]decimal.Decimal) []RoundTrip {
	var (
		out  []RoundTrip
		open []lot
		dir  int // +1 long lots, -1 short lots
	)

	for _, t := range trades {
		tradeDir := 1
		if t.Side == core.SideSell {
			tradeDir = -1
		}
		feePerUnit := decimal.Zero
		if t.Size.Sign() > 0 {
			feePerUnit = t.Fee.Div(t.Size)
		}

		if len(open) == 0 || tradeDir == dir {
			open = append(open, lot{
				qty: t.Size, price: t.Price, feePerUnit: feePerUnit,
				time: t.Timestamp, orderID: t.OrderID,
			})
			dir = tradeDir
			continue
		}

		// Exit: consume open lots first-in first-out.
		remaining := t.Size
		for len(open) > 0 && remaining.Sign() > 0 {
			entry := &open[0]
			matched := decimal.Min(entry.qty, remaining)

			direction := decimal.NewFromInt(int64(dir))
			gross := matched.Mul(t.Price.Sub(entry.price)).Mul(direction)
			fees := matched.Mul(entry.feePerUnit.Add(feePerUnit))

			rt := RoundTrip{
				Symbol:     t.Symbol,
				EntryTime:  entry.time,
				ExitTime:   t.Timestamp,
				Qty:        matched,
				EntryPrice: entry.price,
				ExitPrice:  t.Price,
				Fees:       fees,
				Slippage:   decimal.Zero,
				PnL:        gross.Sub(fees),
			}
			if stop, ok := stops[entry.orderID]; ok {
				if risk := entry.price.Sub(stop).Abs(); risk.Sign() > 0 {
					rt.RMultiple = gross.Sub(fees).Div(matched.Mul(risk))
				}
			}
			out = append(out, rt)

			entry.qty = entry.qty.Sub(matched)
			remaining = remaining.Sub(matched)
			if entry.qty.IsZero() {
				open = open[1:]
			}
		}

		// Reversal: the unmatched remainder opens the other way.
		if remaining.Sign() > 0 {
			open = append(open, lot{
				qty: remaining, price: t.Price, feePerUnit: feePerUnit,
				time: t.Timestamp, orderID: t.OrderID,
			})
			dir = tradeDir
		}
	}
	return out
}
