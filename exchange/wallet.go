package exchange

import (
	"encoding/json"
	"fmt"
	"sort"

	"virtex/core"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// ---------------------
// Types
// ---------------------

// Wallet is the ledger behind the virtual exchange: one quote-cash balance,
// netted positions per symbol, and the funds reserved by resting orders.
// Reservation is immediate: place debits cash, cancel refunds exactly what
// was reserved, fill converts the reservation into a settled cash change.
//
// The wallet is not safe for concurrent use; the owning engine serialises
// access.
type Wallet struct {
	cash       decimal.Decimal
	reserved   map[int64]decimal.Decimal  // order id -> reserved quote
	lockedBase map[string]decimal.Decimal // symbol -> base locked by reduce-only exits
	positions  map[string]*core.Position
}

// walletState is the serialised snapshot form.
type walletState struct {
	Cash       decimal.Decimal            `json:"cash"`
	Reserved   map[int64]decimal.Decimal  `json:"reserved"`
	LockedBase map[string]decimal.Decimal `json:"locked_base"`
	Positions  []core.Position            `json:"positions"`
}

// ---------------------
// Constructor
// ---------------------

// NewWallet creates a wallet funded with the given quote cash.
func NewWallet(initialCash decimal.Decimal) *Wallet {
	return &Wallet{
		cash:       initialCash,
		reserved:   make(map[int64]decimal.Decimal),
		lockedBase: make(map[string]decimal.Decimal),
		positions:  make(map[string]*core.Position),
	}
}

// ---------------------
// Reservation
// ---------------------

// Reserve debits amount from cash and holds it against the order id.
// Fails with ErrInsufficientFunds when cash cannot cover it.
func (w *Wallet) Reserve(orderID int64, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative reservation", core.ErrInvalidOrder)
	}
	if w.cash.LessThan(amount) {
		return fmt.Errorf("%w: need %s, have %s", core.ErrInsufficientFunds, amount, w.cash)
	}
	w.cash = w.cash.Sub(amount)
	w.reserved[orderID] = amount
	return nil
}

// Release refunds the order's reservation to cash and returns the amount.
func (w *Wallet) Release(orderID int64) decimal.Decimal {
	amount, ok := w.reserved[orderID]
	if !ok {
		return decimal.Zero
	}
	delete(w.reserved, orderID)
	w.cash = w.cash.Add(amount)
	return amount
}

// ReservedFor returns the amount held against one order.
func (w *Wallet) ReservedFor(orderID int64) decimal.Decimal {
	return w.reserved[orderID]
}

// TotalReserved sums every outstanding reservation.
func (w *Wallet) TotalReserved() decimal.Decimal {
	return lo.Reduce(lo.Values(w.reserved), func(acc, v decimal.Decimal, _ int) decimal.Decimal {
		return acc.Add(v)
	}, decimal.Zero)
}

// LockBase holds base-asset size against reduce-only exits. Fails when the
// position cannot cover the already-locked size plus the new lock.
func (w *Wallet) LockBase(symbol string, size decimal.Decimal) error {
	pos := w.positions[symbol]
	available := decimal.Zero
	if pos != nil {
		available = pos.Size.Abs()
	}
	locked := w.lockedBase[symbol]
	if locked.Add(size).GreaterThan(available) {
		return fmt.Errorf("%w: reduce-only size %s exceeds position %s on %s",
			core.ErrInsufficientFunds, size, available.Sub(locked), symbol)
	}
	w.lockedBase[symbol] = locked.Add(size)
	return nil
}

// ReleaseBase frees previously locked base-asset size.
func (w *Wallet) ReleaseBase(symbol string, size decimal.Decimal) {
	remaining := w.lockedBase[symbol].Sub(size)
	if remaining.Sign() <= 0 {
		delete(w.lockedBase, symbol)
		return
	}
	w.lockedBase[symbol] = remaining
}

// ---------------------
// Settlement
// ---------------------

// Fill settles one execution: cash moves by the signed notional plus fee and
// the position updates via VWAP on entries, realising PnL on exits. A fill
// that exceeds the open position flips its sign, re-opening the remainder at
// the fill price.
func (w *Wallet) Fill(symbol string, side core.Side, size, price, fee decimal.Decimal) {
	notional := size.Mul(price)
	if side == core.SideBuy {
		w.cash = w.cash.Sub(notional).Sub(fee)
	} else {
		w.cash = w.cash.Add(notional).Sub(fee)
	}

	pos, ok := w.positions[symbol]
	if !ok {
		pos = &core.Position{Symbol: symbol}
		w.positions[symbol] = pos
	}

	delta := size
	if side == core.SideSell {
		delta = size.Neg()
	}

	switch {
	case pos.Size.IsZero() || pos.Size.Sign() == delta.Sign():
		// Entry: extend the lot at volume-weighted price.
		total := pos.Size.Add(delta)
		pos.AvgEntryPrice = pos.Size.Abs().Mul(pos.AvgEntryPrice).
			Add(delta.Abs().Mul(price)).
			Div(total.Abs())
		pos.Size = total

	case delta.Abs().LessThanOrEqual(pos.Size.Abs()):
		// Exit: realise PnL on the closed portion, entry price unchanged.
		closed := delta.Abs()
		direction := decimal.NewFromInt(int64(pos.Size.Sign()))
		pos.RealizedPnL = pos.RealizedPnL.Add(
			closed.Mul(price.Sub(pos.AvgEntryPrice)).Mul(direction))
		pos.Size = pos.Size.Add(delta)
		if pos.Size.IsZero() {
			pos.AvgEntryPrice = decimal.Zero
		}

	default:
		// Flip: close the whole lot, open the remainder the other way.
		closed := pos.Size.Abs()
		direction := decimal.NewFromInt(int64(pos.Size.Sign()))
		pos.RealizedPnL = pos.RealizedPnL.Add(
			closed.Mul(price.Sub(pos.AvgEntryPrice)).Mul(direction))
		pos.Size = pos.Size.Add(delta)
		pos.AvgEntryPrice = price
	}
}

// ---------------------
// Views
// ---------------------

// Cash returns the free quote balance.
func (w *Wallet) Cash() decimal.Decimal {
	return w.cash
}

// Position returns the position for a symbol, zero-valued when flat and
// never traded.
func (w *Wallet) Position(symbol string) core.Position {
	if pos, ok := w.positions[symbol]; ok {
		return *pos
	}
	return core.Position{Symbol: symbol}
}

// Positions returns every position ever opened, sorted by symbol.
func (w *Wallet) Positions() []core.Position {
	positions := lo.Map(lo.Keys(w.positions), func(s string, _ int) core.Position {
		return *w.positions[s]
	})
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Symbol < positions[j].Symbol
	})
	return positions
}

// Equity values the wallet against the given mark prices:
// cash + total reserved + mark value of every open position.
func (w *Wallet) Equity(marks map[string]decimal.Decimal) decimal.Decimal {
	equity := w.cash.Add(w.TotalReserved())
	for symbol, pos := range w.positions {
		if pos.Size.IsZero() {
			continue
		}
		equity = equity.Add(pos.MarketValue(marks[symbol]))
	}
	return equity
}

// ---------------------
// Snapshot / Restore
// ---------------------

// Snapshot serialises the complete wallet state into one blob.
func (w *Wallet) Snapshot() ([]byte, error) {
	state := walletState{
		Cash:       w.cash,
		Reserved:   w.reserved,
		LockedBase: w.lockedBase,
		Positions:  w.Positions(),
	}
	return json.Marshal(state)
}

// Restore replaces the wallet state with a previously taken snapshot.
func (w *Wallet) Restore(blob []byte) error {
	var state walletState
	if err := json.Unmarshal(blob, &state); err != nil {
		return err
	}

	w.cash = state.Cash
	w.reserved = state.Reserved
	if w.reserved == nil {
		w.reserved = make(map[int64]decimal.Decimal)
	}
	w.lockedBase = state.LockedBase
	if w.lockedBase == nil {
		w.lockedBase = make(map[string]decimal.Decimal)
	}
	w.positions = make(map[string]*core.Position, len(state.Positions))
	for i := range state.Positions {
		pos := state.Positions[i]
		w.positions[pos.Symbol] = &pos
	}
	return nil
}
