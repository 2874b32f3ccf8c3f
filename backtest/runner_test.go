package backtest

import (
	"context"
	"testing"
	"time"

	"virtex/core"

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

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// minutes builds contiguous one-minute candles covering [start, start+n).
func minutes(symbol string, start time.Time, n int) []core.Candle {
	candles := make([]core.Candle, n)
	for i := 0; i < n; i++ {
		price := 100 + float64(i%10)
		candles[i] = core.Candle{
			Symbol: symbol, Interval: core.Interval1m,
			Start: start.Add(time.Duration(i) * time.Minute),
			Open:  d(price), High: d(price + 1), Low: d(price - 1), Close: d(price),
			Volume: d(1),
		}
	}
	return candles
}

func TestRunner_ClockRegression(t *testing.T) {
	runner := NewRunner(&memSource{}, nil)

	require.NoError(t, runner.SetCurrentTime(t0))
	require.True(t, runner.Now().Equal(t0))

	err := runner.SetCurrentTime(t0)
	require.ErrorIs(t, err, core.ErrClockRegression)

	err = runner.SetCurrentTime(t0.Add(-time.Hour))
	require.ErrorIs(t, err, core.ErrClockRegression)

	// The failed attempts changed nothing.
	require.True(t, runner.Now().Equal(t0))
	require.NoError(t, runner.SetCurrentTime(t0.Add(time.Minute)))
}

func TestRunner_CandlesOnlyClosedBars(t *testing.T) {
	source := &memSource{candles: map[string][]core.Candle{
		"BTCUSDT": minutes("BTCUSDT", t0, 10),
	}}
	runner := NewRunner(source, nil)

	// 30 seconds into the sixth bar: five bars have closed.
	require.NoError(t, runner.SetCurrentTime(t0.Add(5*time.Minute+30*time.Second)))

	candles, err := runner.Candles(context.Background(), "BTCUSDT", core.Interval1m, 3)
	require.NoError(t, err)
	require.Len(t, candles, 3)
	for _, c := range candles {
		require.False(t, c.CloseTime().After(runner.Now()), "bar %s not closed", c.Start)
	}
	// Most recent closed bar is the fifth.
	require.True(t, candles[2].Start.Equal(t0.Add(4*time.Minute)))
}

func TestRunner_CandlesBeforeClockSet(t *testing.T) {
	runner := NewRunner(&memSource{}, nil)
	candles, err := runner.Candles(context.Background(), "BTCUSDT", core.Interval1m, 5)
	require.NoError(t, err)
	require.Empty(t, candles)
}

type memNews struct {
	items []core.NewsItem
}

func (m *memNews) TopNews(_ context.Context, before time.Time, k int) ([]core.NewsItem, error) {
	var out []core.NewsItem
	for _, item := range m.items {
		if !item.PublishedAt.After(before) {
			out = append(out, item)
		}
	}
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func TestRunner_TopNewsRespectsClock(t *testing.T) {
	news := &memNews{items: []core.NewsItem{
		{PublishedAt: t0.Add(-time.Hour), Title: "old"},
		{PublishedAt: t0.Add(time.Hour), Title: "future"},
	}}
	runner := NewRunner(&memSource{}, news)
	require.NoError(t, runner.SetCurrentTime(t0))

	items, err := runner.TopNews(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "old", items[0].Title)
}

func TestHashingSource_DeterministicDigest(t *testing.T) {
	data := map[string][]core.Candle{"BTCUSDT": minutes("BTCUSDT", t0, 30)}

	consume := func() string {
		h := NewHashingSource(&memSource{candles: data})
		_, err := h.CandlesByPeriod(context.Background(), "BTCUSDT", core.Interval1m, t0, t0.Add(30*time.Minute))
		require.NoError(t, err)
		return h.Sum()
	}

	first, second := consume(), consume()
	require.Equal(t, first, second)

	// A different window yields a different digest.
	h := NewHashingSource(&memSource{candles: data})
	_, err := h.CandlesByPeriod(context.Background(), "BTCUSDT", core.Interval1m, t0, t0.Add(10*time.Minute))
	require.NoError(t, err)
	require.NotEqual(t, first, h.Sum())
}
