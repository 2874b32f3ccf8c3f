package exchange

import (
	"context"
	"testing"
	"time"

	"virtex/core"
	"virtex/pkg/logger"
	"virtex/pkg/logger/zerolog"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// memSource serves candles from memory, filtered by bar start.
type memSource struct {
	candles map[string][]core.Candle
}

func (m *memSource) CandlesByPeriod(_ context.Context, symbol string, _ core.Interval, start, end time.Time) ([]core.Candle, error) {
	var out []core.Candle
	for _, c := range m.candles[symbol] {
		if !c.Start.Before(start) && c.Start.Before(end) {
			out = append(out, c)
		}
	}
	return out, nil
}

// manualClock is a settable virtual clock.
type manualClock struct {
	t time.Time
}

func (c *manualClock) Now() time.Time { return c.t }

func testLog(t *testing.T) logger.Logger {
	t.Helper()
	log, err := zerolog.New("error", "15:04:05", false, true)
	require.NoError(t, err)
	return log
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func candle(symbol string, start time.Time, open, high, low, close float64) core.Candle {
	return core.Candle{
		Symbol: symbol, Interval: core.Interval1m, Start: start,
		Open: d(open), High: d(high), Low: d(low), Close: d(close), Volume: d(1),
	}
}

// minuteCloses builds one-minute candles whose closes walk the given values.
func minuteCloses(symbol string, start time.Time, closes ...float64) []core.Candle {
	candles := make([]core.Candle, len(closes))
	for i, close := range closes {
		candles[i] = candle(symbol, start.Add(time.Duration(i)*time.Minute), close, close+1, close-1, close)
	}
	return candles
}

func newTestEngine(t *testing.T, candles map[string][]core.Candle, symbols ...string) (*Engine, *manualClock) {
	t.Helper()
	clock := &manualClock{t: t0}
	engine := NewEngine(Config{
		Symbols:     symbols,
		InitialCash: d(10000),
		Start:       t0,
	}, &memSource{candles: candles}, clock, testLog(t))
	return engine, clock
}

func TestEngine_MarketUpSingleLong(t *testing.T) {
	candles := minuteCloses("BTCUSDT", t0, 100, 101, 102, 103, 104)
	// The first bar opens at 100, matching its close.
	candles[0].Open = d(100)

	engine, _ := newTestEngine(t, map[string][]core.Candle{"BTCUSDT": candles}, "BTCUSDT")
	engine.SetMark("BTCUSDT", d(100))

	order, err := engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeMarket, Size: d(1),
	})
	require.NoError(t, err)
	require.Equal(t, core.OrderStatusOpen, order.Status)

	require.NoError(t, engine.AdvanceTo(context.Background(), t0.Add(5*time.Minute)))

	trades := engine.Trades()
	require.Len(t, trades, 1)
	require.True(t, trades[0].Price.Equal(d(100)), "filled at %s", trades[0].Price)
	require.Equal(t, core.BarOpen, trades[0].Kind)

	account := engine.AccountInfo()
	require.True(t, account.Equity.Equal(d(10004)), "equity %s", account.Equity)

	filled, _ := engine.Order(order.ID)
	require.Equal(t, core.OrderStatusFilled, filled.Status)
}

func TestEngine_LimitMisses(t *testing.T) {
	candles := minuteCloses("BTCUSDT", t0, 100, 101, 102, 103, 104)
	engine, _ := newTestEngine(t, map[string][]core.Candle{"BTCUSDT": candles}, "BTCUSDT")

	order, err := engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeLimit, Size: d(1), Price: d(90),
	})
	require.NoError(t, err)

	require.NoError(t, engine.AdvanceTo(context.Background(), t0.Add(5*time.Minute)))

	require.Empty(t, engine.Trades())
	open, _ := engine.Order(order.ID)
	require.Equal(t, core.OrderStatusOpen, open.Status)
	require.True(t, engine.Equity().Equal(d(10000)), "equity %s", engine.Equity())
}

func TestEngine_OCOResolutionTakeProfitWins(t *testing.T) {
	warmup := minuteCloses("BTCUSDT", t0, 100)
	race := candle("BTCUSDT", t0.Add(time.Minute), 100, 106, 94, 100)
	candles := append(warmup, race)

	engine, clock := newTestEngine(t, map[string][]core.Candle{"BTCUSDT": candles}, "BTCUSDT")
	engine.SetMark("BTCUSDT", d(100))

	parent, err := engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeMarket, Size: d(1),
	})
	require.NoError(t, err)
	require.NoError(t, engine.AdvanceTo(context.Background(), t0.Add(time.Minute)))

	clock.t = t0.Add(time.Minute)
	tp, err := engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideSell, Type: core.OrderTypeTakeProfit,
		Size: d(1), Price: d(105), ParentID: parent.ID,
	})
	require.NoError(t, err)
	sl, err := engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideSell, Type: core.OrderTypeStopLoss,
		Size: d(1), Price: d(95), ParentID: parent.ID,
	})
	require.NoError(t, err)

	require.NoError(t, engine.AdvanceTo(context.Background(), t0.Add(2*time.Minute)))

	tpOrder, _ := engine.Order(tp.ID)
	slOrder, _ := engine.Order(sl.ID)
	require.Equal(t, core.OrderStatusFilled, tpOrder.Status)
	require.True(t, tpOrder.AvgFillPrice.Equal(d(105)))
	require.Equal(t, core.OrderStatusCancelled, slOrder.Status)
	require.Equal(t, core.CancelReasonOCO, slOrder.CancelReason)

	position := engine.Wallet().Position("BTCUSDT")
	require.True(t, position.Size.IsZero())
	require.True(t, position.RealizedPnL.Equal(d(5)), "realized %s", position.RealizedPnL)
}

func TestEngine_PlaceCancelRoundTrip(t *testing.T) {
	engine, _ := newTestEngine(t, map[string][]core.Candle{}, "BTCUSDT")
	before := engine.AccountInfo()

	order, err := engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeLimit, Size: d(2), Price: d(50),
	})
	require.NoError(t, err)
	require.True(t, engine.AccountInfo().Cash.Equal(d(9900)))

	_, err = engine.Cancel(order.ID)
	require.NoError(t, err)

	after := engine.AccountInfo()
	require.True(t, after.Cash.Equal(before.Cash))
	require.True(t, after.Equity.Equal(before.Equity))
	require.True(t, after.TotalReserved.IsZero())

	_, err = engine.Cancel(order.ID)
	require.ErrorIs(t, err, core.ErrAlreadyTerminal)
}

func TestEngine_OrdersPlacedMidBarWaitForNextBar(t *testing.T) {
	candles := minuteCloses("BTCUSDT", t0, 100, 110, 120)
	engine, clock := newTestEngine(t, map[string][]core.Candle{"BTCUSDT": candles}, "BTCUSDT")
	engine.SetMark("BTCUSDT", d(100))

	// Placement 30s into the second bar: the order must not see that bar.
	clock.t = t0.Add(time.Minute + 30*time.Second)
	_, err := engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeMarket, Size: d(1),
	})
	require.NoError(t, err)

	require.NoError(t, engine.AdvanceTo(context.Background(), t0.Add(3*time.Minute)))

	trades := engine.Trades()
	require.Len(t, trades, 1)
	require.True(t, trades[0].BarStart.Equal(t0.Add(2*time.Minute)))
	require.True(t, trades[0].Price.Equal(d(120)), "filled at third bar open, got %s", trades[0].Price)
}

func TestEngine_LimitFillsAtLowBoundary(t *testing.T) {
	candles := []core.Candle{candle("BTCUSDT", t0, 100, 101, 95, 98)}
	engine, _ := newTestEngine(t, map[string][]core.Candle{"BTCUSDT": candles}, "BTCUSDT")

	order, err := engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeLimit, Size: d(1), Price: d(95),
	})
	require.NoError(t, err)

	require.NoError(t, engine.AdvanceTo(context.Background(), t0.Add(time.Minute)))

	filled, _ := engine.Order(order.ID)
	require.Equal(t, core.OrderStatusFilled, filled.Status)
	require.True(t, filled.AvgFillPrice.Equal(d(95)))
	require.True(t, filled.FilledSize.Equal(d(1)))
}

func TestEngine_StopLossTriggersAtHighBoundary(t *testing.T) {
	// Short protection: a stop-loss buy with trigger exactly at the high.
	candles := []core.Candle{candle("BTCUSDT", t0, 100, 105, 99, 100)}
	engine, _ := newTestEngine(t, map[string][]core.Candle{"BTCUSDT": candles}, "BTCUSDT")

	// Open the short first so protective legs have something to exit.
	engine.Wallet().Fill("BTCUSDT", core.SideSell, d(1), d(100), decimal.Zero)

	sl, err := engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeStopLoss,
		Size: d(1), Price: d(105), ParentID: 99,
	})
	require.NoError(t, err)
	tp, err := engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeTakeProfit,
		Size: d(1), Price: d(90), ParentID: 99,
	})
	require.NoError(t, err)

	require.NoError(t, engine.AdvanceTo(context.Background(), t0.Add(time.Minute)))

	slOrder, _ := engine.Order(sl.ID)
	tpOrder, _ := engine.Order(tp.ID)
	require.Equal(t, core.OrderStatusFilled, slOrder.Status)
	require.Equal(t, core.OrderStatusCancelled, tpOrder.Status)
	require.Equal(t, core.CancelReasonOCO, tpOrder.CancelReason)
}

func TestEngine_StopLossFillsAtWorseOfTriggerAndClose(t *testing.T) {
	// Long protection: trigger 95, close gaps further down to 92.
	candles := []core.Candle{candle("BTCUSDT", t0, 100, 100, 90, 92)}
	engine, _ := newTestEngine(t, map[string][]core.Candle{"BTCUSDT": candles}, "BTCUSDT")
	engine.Wallet().Fill("BTCUSDT", core.SideBuy, d(1), d(100), decimal.Zero)

	sl, err := engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideSell, Type: core.OrderTypeStopLoss, Size: d(1), Price: d(95),
	})
	require.NoError(t, err)

	require.NoError(t, engine.AdvanceTo(context.Background(), t0.Add(time.Minute)))

	filled, _ := engine.Order(sl.ID)
	require.Equal(t, core.OrderStatusFilled, filled.Status)
	require.True(t, filled.AvgFillPrice.Equal(d(92)), "worse price, got %s", filled.AvgFillPrice)

	trades := engine.Trades()
	require.Len(t, trades, 1)
	require.Equal(t, core.BarClose, trades[0].Kind)
}

func TestEngine_PostOnlyRejectsWhenCrossing(t *testing.T) {
	candles := []core.Candle{candle("BTCUSDT", t0, 100, 105, 95, 100)}
	engine, clock := newTestEngine(t, map[string][]core.Candle{"BTCUSDT": candles}, "BTCUSDT")
	require.NoError(t, engine.AdvanceTo(context.Background(), t0.Add(time.Minute)))
	clock.t = t0.Add(time.Minute)

	_, err := engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeLimit,
		Size: d(1), Price: d(100), PostOnly: true,
	})
	require.ErrorIs(t, err, core.ErrInvalidOrder)

	_, err = engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeLimit,
		Size: d(1), Price: d(90), PostOnly: true,
	})
	require.NoError(t, err)
}

func TestEngine_ModifyAssignsFreshIDAndKeepsParent(t *testing.T) {
	engine, _ := newTestEngine(t, map[string][]core.Candle{}, "BTCUSDT")

	order, err := engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeLimit,
		Size: d(1), Price: d(90), ParentID: 7,
	})
	require.NoError(t, err)

	newPrice := d(85)
	replaced, err := engine.Modify(order.ID, &newPrice, nil)
	require.NoError(t, err)
	require.Greater(t, replaced.ID, order.ID)
	require.Equal(t, int64(7), replaced.ParentID)
	require.True(t, replaced.Price.Equal(d(85)))

	old, _ := engine.Order(order.ID)
	require.Equal(t, core.OrderStatusCancelled, old.Status)
	require.Equal(t, core.CancelReasonModify, old.CancelReason)

	// Modifying a terminal order is rejected.
	_, err = engine.Modify(order.ID, &newPrice, nil)
	require.ErrorIs(t, err, core.ErrAlreadyTerminal)
}

func TestEngine_ValidationRejections(t *testing.T) {
	engine, _ := newTestEngine(t, map[string][]core.Candle{}, "BTCUSDT")

	_, err := engine.Place(PlaceRequest{Symbol: "DOGEUSDT", Side: core.SideBuy, Type: core.OrderTypeMarket, Size: d(1)})
	require.ErrorIs(t, err, core.ErrUnknownSymbol)

	_, err = engine.Place(PlaceRequest{Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeLimit, Size: d(0), Price: d(90)})
	require.ErrorIs(t, err, core.ErrInvalidOrder)

	_, err = engine.Place(PlaceRequest{Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeLimit, Size: d(1)})
	require.ErrorIs(t, err, core.ErrInvalidOrder)

	_, err = engine.Place(PlaceRequest{Symbol: "BTCUSDT", Side: core.SideBuy, Type: "ICEBERG", Size: d(1), Price: d(90)})
	require.ErrorIs(t, err, core.ErrInvalidOrder)

	_, err = engine.Place(PlaceRequest{Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeLimit, Size: d(1000), Price: d(100)})
	require.ErrorIs(t, err, core.ErrInsufficientFunds)

	// Reduce-only against a flat book is incompatible.
	_, err = engine.Place(PlaceRequest{Symbol: "BTCUSDT", Side: core.SideSell, Type: core.OrderTypeLimit, Size: d(1), Price: d(90), ReduceOnly: true})
	require.ErrorIs(t, err, core.ErrInvalidOrder)
}

func TestEngine_MalformedCandleIsFatal(t *testing.T) {
	bad := candle("BTCUSDT", t0, 100, 90, 95, 100) // low > high
	engine, _ := newTestEngine(t, map[string][]core.Candle{"BTCUSDT": {bad}}, "BTCUSDT")

	err := engine.AdvanceTo(context.Background(), t0.Add(time.Minute))
	require.ErrorIs(t, err, core.ErrMalformedCandle)
}

// captureSink keeps the latest snapshot blob in memory.
type captureSink struct {
	blob []byte
}

func (s *captureSink) SaveSnapshot(_ string, blob []byte) error {
	s.blob = append(s.blob[:0], blob...)
	return nil
}

func TestEngine_RestoreRebuildsState(t *testing.T) {
	sink := &captureSink{}
	clock := &manualClock{t: t0}
	engine := NewEngine(Config{
		Symbols: []string{"BTCUSDT"}, InitialCash: d(10000), Start: t0,
	}, &memSource{}, clock, testLog(t), WithSnapshotSink(sink, "run-1"))

	order, err := engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeLimit, Size: d(2), Price: d(50),
	})
	require.NoError(t, err)
	require.NotEmpty(t, sink.blob)

	restored := NewEngine(Config{
		Symbols: []string{"BTCUSDT"}, InitialCash: d(1), Start: t0,
	}, &memSource{}, clock, testLog(t))
	require.NoError(t, restored.Restore(sink.blob))

	got, ok := restored.Order(order.ID)
	require.True(t, ok)
	require.Equal(t, core.OrderStatusOpen, got.Status)
	require.True(t, got.Price.Equal(d(50)))
	require.True(t, got.CreatedAt.Equal(t0))

	account := restored.AccountInfo()
	require.True(t, account.Cash.Equal(d(9900)), "cash %s", account.Cash)
	require.True(t, account.TotalReserved.Equal(d(100)))
	require.Len(t, account.OpenOrders, 1)

	// Fresh ids continue after the restored sequence.
	next, err := restored.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeLimit, Size: d(1), Price: d(10),
	})
	require.NoError(t, err)
	require.Equal(t, order.ID+1, next.ID)
}

func TestEngine_RestoreRejectsGarbage(t *testing.T) {
	engine, _ := newTestEngine(t, map[string][]core.Candle{}, "BTCUSDT")
	require.Error(t, engine.Restore([]byte("not json")))
}

func TestEngine_MarketBuyCancelledWhenOpenGapsPastReservation(t *testing.T) {
	// Reserved at mark 100, but the next bar opens at 200.
	candles := []core.Candle{candle("BTCUSDT", t0, 200, 210, 190, 205)}
	engine, _ := newTestEngine(t, map[string][]core.Candle{"BTCUSDT": candles}, "BTCUSDT")
	engine.SetMark("BTCUSDT", d(100))

	order, err := engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeMarket, Size: d(99),
	})
	require.NoError(t, err)

	require.NoError(t, engine.AdvanceTo(context.Background(), t0.Add(time.Minute)),
		"a price gap kills the order, not the run")

	cancelled, _ := engine.Order(order.ID)
	require.Equal(t, core.OrderStatusCancelled, cancelled.Status)
	require.Equal(t, core.CancelReasonFunds, cancelled.CancelReason)
	require.Empty(t, engine.Trades())

	account := engine.AccountInfo()
	require.True(t, account.Cash.Equal(d(10000)), "reservation refunded, got %s", account.Cash)
	require.True(t, account.TotalReserved.IsZero())
}

func TestEngine_MarketBuyStillFillsInsideGapCushion(t *testing.T) {
	// Reserved at mark 100 for 50 units; the open at 102 costs 5100 and
	// free cash absorbs the hundred-quote overshoot.
	candles := []core.Candle{candle("BTCUSDT", t0, 102, 103, 101, 102)}
	engine, _ := newTestEngine(t, map[string][]core.Candle{"BTCUSDT": candles}, "BTCUSDT")
	engine.SetMark("BTCUSDT", d(100))

	order, err := engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeMarket, Size: d(50),
	})
	require.NoError(t, err)

	require.NoError(t, engine.AdvanceTo(context.Background(), t0.Add(time.Minute)))

	filled, _ := engine.Order(order.ID)
	require.Equal(t, core.OrderStatusFilled, filled.Status)
	require.True(t, filled.AvgFillPrice.Equal(d(102)))
	require.True(t, engine.AccountInfo().Cash.Equal(d(4900)))
}

func TestEngine_FeeSettlesAgainstEquity(t *testing.T) {
	candles := []core.Candle{candle("BTCUSDT", t0, 100, 101, 99, 100)}
	clock := &manualClock{t: t0}
	engine := NewEngine(Config{
		Symbols: []string{"BTCUSDT"}, InitialCash: d(10000), FeeRate: d(0.001), Start: t0,
	}, &memSource{candles: map[string][]core.Candle{"BTCUSDT": candles}}, clock, testLog(t))
	engine.SetMark("BTCUSDT", d(100))

	_, err := engine.Place(PlaceRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeMarket, Size: d(1),
	})
	require.NoError(t, err)
	require.NoError(t, engine.AdvanceTo(context.Background(), t0.Add(time.Minute)))

	trades := engine.Trades()
	require.Len(t, trades, 1)
	require.True(t, trades[0].Fee.Equal(d(0.1)))
	// cash 9899.9 plus one unit marked at 100.
	require.True(t, engine.Equity().Equal(d(9999.9)), "equity %s", engine.Equity())
}

func TestEngine_CrossSymbolDeterministicOrdering(t *testing.T) {
	candles := map[string][]core.Candle{
		"BTCUSDT": {candle("BTCUSDT", t0, 100, 101, 99, 100)},
		"ETHUSDT": {candle("ETHUSDT", t0, 10, 11, 9, 10)},
	}
	engine, _ := newTestEngine(t, candles, "ETHUSDT", "BTCUSDT")

	_, err := engine.Place(PlaceRequest{Symbol: "ETHUSDT", Side: core.SideBuy, Type: core.OrderTypeLimit, Size: d(1), Price: d(10)})
	require.NoError(t, err)
	_, err = engine.Place(PlaceRequest{Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeLimit, Size: d(1), Price: d(100)})
	require.NoError(t, err)

	require.NoError(t, engine.AdvanceTo(context.Background(), t0.Add(time.Minute)))

	trades := engine.Trades()
	require.Len(t, trades, 2)
	// Equal bar starts resolve by symbol ascending.
	require.Equal(t, "BTCUSDT", trades[0].Symbol)
	require.Equal(t, "ETHUSDT", trades[1].Symbol)
}
