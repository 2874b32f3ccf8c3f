package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"virtex/core"
	"virtex/pkg/logger"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// ---------------------
// Types
// ---------------------

// MarketFillMode selects the candle price a market order fills at.
type MarketFillMode string

const (
	MarketFillOpen  MarketFillMode = "open"
	MarketFillClose MarketFillMode = "close"
)

// Clock provides the virtual "now" used to timestamp orders.
type Clock interface {
	Now() time.Time
}

// SnapshotSink persists the engine snapshot blob after state changes.
type SnapshotSink interface {
	SaveSnapshot(runID string, blob []byte) error
}

// Config parameterises one engine instance.
type Config struct {
	Symbols     []string
	InitialCash decimal.Decimal
	FeeRate     decimal.Decimal
	MarketFill  MarketFillMode
	Start       time.Time
}

// PlaceRequest carries a validated-at-the-boundary order intent.
type PlaceRequest struct {
	Symbol     string
	Side       core.Side
	Type       core.OrderType
	Size       decimal.Decimal
	Price      decimal.Decimal
	ReduceOnly bool
	PostOnly   bool
	ParentID   int64
}

// Engine applies orders to a one-minute candle stream and settles fills
// against its wallet. All matching is synchronous with the virtual clock;
// the mutex only guards against concurrent API access, never concurrent
// matching.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	source  core.CandleSource
	clock   Clock
	wallet  *Wallet
	log     logger.Logger
	symbols map[string]struct{}

	orders     map[int64]*core.Order
	orderSeq   int64
	tradeSeq   int64
	trades     []core.Trade
	feesPaid   decimal.Decimal
	marks      map[string]decimal.Decimal
	lastCandle map[string]core.Candle
	cursor     time.Time

	runID string
	sink  SnapshotSink
}

// Option configures optional engine behaviour.
type Option func(*Engine)

// WithSnapshotSink persists the engine snapshot under runID after every
// state-changing call.
func WithSnapshotSink(sink SnapshotSink, runID string) Option {
	return func(e *Engine) {
		e.sink = sink
		e.runID = runID
	}
}

// ---------------------
// Constructor
// ---------------------

// NewEngine creates an engine over the given candle source. The wallet is
// funded with cfg.InitialCash; matching begins at cfg.Start.
func NewEngine(cfg Config, source core.CandleSource, clock Clock, log logger.Logger, options ...Option) *Engine {
	if cfg.MarketFill == "" {
		cfg.MarketFill = MarketFillOpen
	}

	engine := &Engine{
		cfg:        cfg,
		source:     source,
		clock:      clock,
		wallet:     NewWallet(cfg.InitialCash),
		log:        log,
		symbols:    make(map[string]struct{}, len(cfg.Symbols)),
		orders:     make(map[int64]*core.Order),
		marks:      make(map[string]decimal.Decimal),
		lastCandle: make(map[string]core.Candle),
		cursor:     cfg.Start,
	}
	for _, symbol := range cfg.Symbols {
		engine.symbols[symbol] = struct{}{}
	}

	for _, option := range options {
		option(engine)
	}
	return engine
}

// ---------------------
// Order Entry
// ---------------------

// Place validates the request, reserves funds, and registers the order as
// Open. Market orders fill when AdvanceTo reaches their first eligible bar.
func (e *Engine) Place(req PlaceRequest) (core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validate(req); err != nil {
		return core.Order{}, &OrderError{Err: err, Symbol: req.Symbol, Size: req.Size}
	}

	e.orderSeq++
	order := &core.Order{
		ID:           e.orderSeq,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Size:         req.Size,
		Price:        req.Price,
		ReduceOnly:   req.ReduceOnly,
		PostOnly:     req.PostOnly,
		ParentID:     req.ParentID,
		Status:       core.OrderStatusOpen,
		CreatedAt:    e.clock.Now(),
		LastUpdateAt: e.clock.Now(),
	}

	if err := e.reserve(order); err != nil {
		e.orderSeq--
		return core.Order{}, &OrderError{Err: err, Symbol: req.Symbol, Size: req.Size}
	}

	e.orders[order.ID] = order
	e.log.WithFields(map[string]any{
		"id": order.ID, "symbol": order.Symbol, "side": order.Side,
		"type": order.Type, "size": order.Size, "price": order.Price,
	}).Info("order accepted")

	e.persist()
	return *order, nil
}

// validate enforces the closed order-type set and structural constraints.
func (e *Engine) validate(req PlaceRequest) error {
	if len(e.symbols) > 0 {
		if _, ok := e.symbols[req.Symbol]; !ok {
			return fmt.Errorf("%w: %s", core.ErrUnknownSymbol, req.Symbol)
		}
	}
	if req.Side != core.SideBuy && req.Side != core.SideSell {
		return fmt.Errorf("%w: side %q", core.ErrInvalidOrder, req.Side)
	}
	if _, ok := core.ParseOrderType(string(req.Type)); !ok {
		return fmt.Errorf("%w: type %q", core.ErrInvalidOrder, req.Type)
	}
	if req.Size.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive size", core.ErrInvalidOrder)
	}
	if req.Type != core.OrderTypeMarket && req.Price.Sign() <= 0 {
		return fmt.Errorf("%w: %s order requires a price", core.ErrInvalidOrder, req.Type)
	}
	if req.PostOnly && req.Type != core.OrderTypeLimit {
		return fmt.Errorf("%w: post_only is limit-only", core.ErrInvalidOrder)
	}
	if req.ReduceOnly {
		pos := e.wallet.Position(req.Symbol)
		closing := (req.Side == core.SideSell && pos.Size.Sign() > 0) ||
			(req.Side == core.SideBuy && pos.Size.Sign() < 0)
		if !closing {
			return fmt.Errorf("%w: reduce_only against %s position %s",
				core.ErrInvalidOrder, req.Symbol, pos.Size)
		}
	}
	if req.PostOnly {
		// A post-only limit whose price sits inside the placement candle
		// would cross immediately; reject at place.
		if last, ok := e.lastCandle[req.Symbol]; ok &&
			!req.Price.LessThan(last.Low) && !req.Price.GreaterThan(last.High) {
			return fmt.Errorf("%w: post_only price %s crosses [%s, %s]",
				core.ErrInvalidOrder, req.Price, last.Low, last.High)
		}
	}
	return nil
}

// reserve applies the immediate reservation policy. Protective orders are
// contingent exits and hold nothing; reduce-only sells lock base size; every
// other order reserves quote at price (or mark) plus the fee.
func (e *Engine) reserve(order *core.Order) error {
	if order.IsProtective() {
		return nil
	}
	if order.ReduceOnly && order.Side == core.SideSell {
		return e.wallet.LockBase(order.Symbol, order.Size)
	}

	ref := order.Price
	if order.Type == core.OrderTypeMarket {
		ref = e.marks[order.Symbol]
		if ref.Sign() <= 0 {
			return fmt.Errorf("%w: no mark price for %s", core.ErrInvalidOrder, order.Symbol)
		}
	}
	amount := ref.Mul(order.Size).Mul(decimal.NewFromInt(1).Add(e.cfg.FeeRate))
	return e.wallet.Reserve(order.ID, amount)
}

// Cancel refunds the reservation and moves the order to Cancelled. Both
// legs of an OCO pair fall together.
func (e *Engine) Cancel(id int64) (core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[id]
	if !ok {
		return core.Order{}, fmt.Errorf("%w: order %d", core.ErrInvalidOrder, id)
	}
	if order.Status.IsTerminal() {
		return *order, fmt.Errorf("%w: order %d is %s", core.ErrAlreadyTerminal, id, order.Status)
	}

	e.cancelLocked(order, core.CancelReasonUser)
	if sibling := e.ocoSibling(order); sibling != nil && !sibling.Status.IsTerminal() {
		e.cancelLocked(sibling, core.CancelReasonOCO)
	}

	e.persist()
	return *order, nil
}

// cancelLocked releases held funds and finalises the order.
func (e *Engine) cancelLocked(order *core.Order, reason core.CancelReason) {
	e.wallet.Release(order.ID)
	if order.ReduceOnly && order.Side == core.SideSell && !order.IsProtective() {
		e.wallet.ReleaseBase(order.Symbol, order.Remaining())
	}

	order.Status = core.OrderStatusCancelled
	order.CancelReason = reason
	order.LastUpdateAt = e.clock.Now()

	e.log.WithFields(map[string]any{"id": order.ID, "reason": reason}).Info("order cancelled")
}

// Modify cancels the order and replaces it under a fresh id, preserving the
// OCO linkage. Only Open and PartiallyFilled orders may be modified.
func (e *Engine) Modify(id int64, newPrice, newSize *decimal.Decimal) (core.Order, error) {
	e.mu.Lock()
	current, ok := e.orders[id]
	if !ok {
		e.mu.Unlock()
		return core.Order{}, fmt.Errorf("%w: order %d", core.ErrInvalidOrder, id)
	}
	if current.Status != core.OrderStatusOpen && current.Status != core.OrderStatusPartiallyFilled {
		e.mu.Unlock()
		return core.Order{}, fmt.Errorf("%w: order %d is %s", core.ErrAlreadyTerminal, id, current.Status)
	}

	req := PlaceRequest{
		Symbol:     current.Symbol,
		Side:       current.Side,
		Type:       current.Type,
		Size:       current.Size,
		Price:      current.Price,
		ReduceOnly: current.ReduceOnly,
		PostOnly:   current.PostOnly,
		ParentID:   current.ParentID,
	}
	if newPrice != nil {
		req.Price = *newPrice
	}
	if newSize != nil {
		req.Size = *newSize
	}

	e.cancelLocked(current, core.CancelReasonModify)
	e.mu.Unlock()

	return e.Place(req)
}

// ---------------------
// Matching
// ---------------------

// AdvanceTo feeds every one-minute candle closing at or before t through the
// matching algorithm, in chronological order with symbol ties broken
// ascending. Malformed candles are fatal.
func (e *Engine) AdvanceTo(ctx context.Context, t time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !t.After(e.cursor) {
		return nil
	}

	var window []core.Candle
	for symbol := range e.symbols {
		candles, err := e.source.CandlesByPeriod(ctx, symbol, core.Interval1m, e.cursor, t)
		if err != nil {
			return err
		}
		window = append(window, candles...)
	}
	core.SortCandles(window)

	for i := range window {
		if err := e.processCandle(window[i]); err != nil {
			return err
		}
	}

	e.cursor = t
	return nil
}

// processCandle runs the fixed per-candle sequence: snapshot eligible
// orders, market fills at the configured bar price, protective triggers
// with the take-profit winning an OCO race, then limit fills.
func (e *Engine) processCandle(c core.Candle) error {
	if err := c.Validate(); err != nil {
		return err
	}

	eligible := e.eligibleOrders(c)

	for _, order := range eligible {
		if order.Type != core.OrderTypeMarket || order.Status.IsTerminal() {
			continue
		}
		price, kind := c.Open, core.BarOpen
		if e.cfg.MarketFill == MarketFillClose {
			price, kind = c.Close, core.BarClose
		}
		if order.Side == core.SideBuy && !e.canCover(order, price) {
			// The bar gapped past the mark the reservation was priced at.
			// The order dies, the run does not.
			e.cancelLocked(order, core.CancelReasonFunds)
			continue
		}
		e.fill(order, c, price, kind)
	}

	if err := e.processProtective(eligible, c); err != nil {
		return err
	}

	for _, order := range eligible {
		if order.Type != core.OrderTypeLimit || order.Status.IsTerminal() {
			continue
		}
		if inRange(order.Price, c) {
			e.fill(order, c, order.Price, core.Intrabar)
		}
	}

	e.marks[c.Symbol] = c.Close
	e.lastCandle[c.Symbol] = c

	if err := e.checkInvariants(); err != nil {
		return err
	}
	e.persist()
	return nil
}

// processProtective triggers stop-losses and take-profits whose price lies
// inside the candle range. When both legs of an OCO pair trigger on the
// same candle the take-profit fills and the stop-loss cancels.
func (e *Engine) processProtective(eligible []*core.Order, c core.Candle) error {
	triggered := lo.Filter(eligible, func(o *core.Order, _ int) bool {
		return o.IsProtective() && !o.Status.IsTerminal() && inRange(o.Price, c)
	})

	for _, order := range triggered {
		if order.Status.IsTerminal() {
			continue // lost an OCO race earlier in this candle
		}

		if order.Type == core.OrderTypeStopLoss {
			if sibling := e.ocoSibling(order); sibling != nil &&
				sibling.Type == core.OrderTypeTakeProfit &&
				!sibling.Status.IsTerminal() && inRange(sibling.Price, c) {
				// TP sibling triggers on the same candle; it wins.
				continue
			}
		}

		price, kind := order.Price, core.Intrabar
		if order.Type == core.OrderTypeStopLoss {
			price = worsePrice(order.Side, order.Price, c.Close)
			if price.Equal(c.Close) {
				kind = core.BarClose
			}
		}
		e.fill(order, c, price, kind)
	}
	return nil
}

// eligibleOrders snapshots the open orders for the candle's symbol that were
// placed before the bar opened, id ascending. Orders placed within the bar
// wait for the next one.
func (e *Engine) eligibleOrders(c core.Candle) []*core.Order {
	var eligible []*core.Order
	for _, order := range e.orders {
		if order.Symbol != c.Symbol || order.Status.IsTerminal() {
			continue
		}
		if !order.EligibleFor(c.Start) {
			continue
		}
		eligible = append(eligible, order)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
	return eligible
}

// fill executes the order's full remaining size at price, settles the
// wallet, records the trade, and resolves the OCO sibling.
func (e *Engine) fill(order *core.Order, c core.Candle, price decimal.Decimal, kind core.BarKind) {
	size := order.Remaining()
	fee := size.Mul(price).Mul(e.cfg.FeeRate)

	e.wallet.Release(order.ID)
	if order.ReduceOnly && order.Side == core.SideSell && !order.IsProtective() {
		e.wallet.ReleaseBase(order.Symbol, size)
	}
	e.wallet.Fill(order.Symbol, order.Side, size, price, fee)
	e.feesPaid = e.feesPaid.Add(fee)

	order.FilledSize = order.Size
	order.AvgFillPrice = price
	order.Status = core.OrderStatusFilled
	order.LastUpdateAt = c.CloseTime()

	e.tradeSeq++
	e.trades = append(e.trades, core.Trade{
		ID:        e.tradeSeq,
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Size:      size,
		Price:     price,
		Fee:       fee,
		Kind:      kind,
		BarStart:  c.Start,
		Timestamp: c.CloseTime(),
	})

	e.log.WithFields(map[string]any{
		"id": order.ID, "symbol": order.Symbol, "side": order.Side,
		"size": size, "price": price, "kind": kind,
	}).Info("order filled")

	if sibling := e.ocoSibling(order); sibling != nil && !sibling.Status.IsTerminal() {
		e.cancelLocked(sibling, core.CancelReasonOCO)
	}
}

// canCover reports whether the reservation plus free cash can settle a buy
// fill at price. Market buys reserve at the last mark, so a gap-up open can
// exceed what was held.
func (e *Engine) canCover(order *core.Order, price decimal.Decimal) bool {
	needed := order.Remaining().Mul(price).Mul(decimal.NewFromInt(1).Add(e.cfg.FeeRate))
	return !e.wallet.Cash().Add(e.wallet.ReservedFor(order.ID)).LessThan(needed)
}

// ocoSibling returns the other leg of an OCO pair, or nil.
func (e *Engine) ocoSibling(order *core.Order) *core.Order {
	if order.ParentID == 0 {
		return nil
	}
	for _, candidate := range e.orders {
		if candidate.ID != order.ID && candidate.ParentID == order.ParentID && candidate.IsProtective() {
			return candidate
		}
	}
	return nil
}

// equityTolerance absorbs rounding from volume-weighted entry prices when
// the two equity computations are compared.
var equityTolerance = decimal.New(1, -8)

// checkInvariants verifies accounting sanity after a candle. A violation is
// fatal; no further state is committed.
func (e *Engine) checkInvariants() error {
	for _, order := range e.orders {
		if order.FilledSize.GreaterThan(order.Size) {
			return fmt.Errorf("%w: order %d filled %s of %s",
				core.ErrEngineInvariant, order.ID, order.FilledSize, order.Size)
		}
		if order.Status == core.OrderStatusFilled && !order.FilledSize.Equal(order.Size) {
			return fmt.Errorf("%w: order %d marked filled at %s of %s",
				core.ErrEngineInvariant, order.ID, order.FilledSize, order.Size)
		}
	}
	if e.wallet.Cash().Sign() < 0 {
		return fmt.Errorf("%w: negative cash %s", core.ErrEngineInvariant, e.wallet.Cash())
	}

	// Equity two ways: the ledger identity cash + reserved + position value,
	// and initial cash minus fees plus realized and unrealized PnL. They must
	// agree at current marks.
	expected := e.cfg.InitialCash.Sub(e.feesPaid)
	for _, pos := range e.wallet.Positions() {
		expected = expected.Add(pos.RealizedPnL).Add(pos.UnrealizedPnL(e.marks[pos.Symbol]))
	}
	if diff := e.wallet.Equity(e.marks).Sub(expected).Abs(); diff.GreaterThan(equityTolerance) {
		return fmt.Errorf("%w: equity %s diverges from expected %s",
			core.ErrEngineInvariant, e.wallet.Equity(e.marks), expected)
	}
	return nil
}

// ---------------------
// Views
// ---------------------

// SetMark primes the mark price used for equity accounting and market-order
// reservation before the first candle of a step is consumed.
func (e *Engine) SetMark(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marks[symbol] = price
}

// Mark returns the current mark price for a symbol.
func (e *Engine) Mark(symbol string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.marks[symbol]
}

// AccountInfo returns the wallet view at the current virtual time.
func (e *Engine) AccountInfo() core.AccountInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	return core.AccountInfo{
		Equity:        e.wallet.Equity(e.marks),
		Cash:          e.wallet.Cash(),
		TotalReserved: e.wallet.TotalReserved(),
		Positions:     e.wallet.Positions(),
		OpenOrders:    e.openOrdersLocked(),
	}
}

// Equity values the wallet against current marks.
func (e *Engine) Equity() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wallet.Equity(e.marks)
}

// Order returns one order by id.
func (e *Engine) Order(id int64) (core.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[id]
	if !ok {
		return core.Order{}, false
	}
	return *order, true
}

// OpenOrders returns every non-terminal order, id ascending.
func (e *Engine) OpenOrders() []core.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openOrdersLocked()
}

func (e *Engine) openOrdersLocked() []core.Order {
	var open []core.Order
	for _, order := range e.orders {
		if !order.Status.IsTerminal() {
			open = append(open, *order)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	return open
}

// AllOrders returns every order ever accepted, id ascending.
func (e *Engine) AllOrders() []core.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders := lo.Map(lo.Values(e.orders), func(o *core.Order, _ int) core.Order { return *o })
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders
}

// Trades returns the append-only trade log.
func (e *Engine) Trades() []core.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	trades := make([]core.Trade, len(e.trades))
	copy(trades, e.trades)
	return trades
}

// Wallet exposes the underlying ledger.
func (e *Engine) Wallet() *Wallet {
	return e.wallet
}

// ---------------------
// Persistence
// ---------------------

// engineState is the snapshot blob: the wallet plus the order book, enough
// to restore a run after restart.
type engineState struct {
	Wallet   json.RawMessage `json:"wallet"`
	Orders   []core.Order    `json:"orders"`
	OrderSeq int64           `json:"order_seq"`
	TradeSeq int64           `json:"trade_seq"`
	FeesPaid decimal.Decimal `json:"fees_paid"`
}

// persist overwrites the snapshot blob for this run. Failures are logged
// and do not abort matching.
func (e *Engine) persist() {
	if e.sink == nil {
		return
	}

	walletBlob, err := e.wallet.Snapshot()
	if err != nil {
		e.log.WithError(err).Error("wallet snapshot failed")
		return
	}

	orders := lo.Map(lo.Values(e.orders), func(o *core.Order, _ int) core.Order { return *o })
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })

	blob, err := json.Marshal(engineState{
		Wallet:   walletBlob,
		Orders:   orders,
		OrderSeq: e.orderSeq,
		TradeSeq: e.tradeSeq,
		FeesPaid: e.feesPaid,
	})
	if err != nil {
		e.log.WithError(err).Error("engine snapshot failed")
		return
	}

	if err := e.sink.SaveSnapshot(e.runID, blob); err != nil {
		e.log.WithError(err).Error("snapshot persist failed")
	}
}

// Restore replaces the wallet, order book, and sequences with a previously
// persisted snapshot blob. The candle cursor and marks are not part of the
// snapshot; the caller re-primes them before matching resumes.
func (e *Engine) Restore(blob []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var state engineState
	if err := json.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("engine snapshot: %w", err)
	}
	if err := e.wallet.Restore(state.Wallet); err != nil {
		return fmt.Errorf("wallet snapshot: %w", err)
	}

	e.orders = make(map[int64]*core.Order, len(state.Orders))
	for i := range state.Orders {
		order := state.Orders[i]
		e.orders[order.ID] = &order
	}
	e.orderSeq = state.OrderSeq
	e.tradeSeq = state.TradeSeq
	e.feesPaid = state.FeesPaid

	e.log.WithFields(map[string]any{
		"orders": len(e.orders), "order_seq": e.orderSeq,
	}).Info("engine state restored")
	return nil
}

// inRange reports whether price lies within the candle's [low, high],
// boundaries inclusive.
func inRange(price decimal.Decimal, c core.Candle) bool {
	return !price.LessThan(c.Low) && !price.GreaterThan(c.High)
}

// worsePrice returns the less favourable of trigger and close for the given
// side. Stop-losses fill here; gaps through the trigger fill at the close.
func worsePrice(side core.Side, trigger, close decimal.Decimal) decimal.Decimal {
	if side == core.SideSell {
		return decimal.Min(trigger, close)
	}
	return decimal.Max(trigger, close)
}
