package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"virtex/core"
	"virtex/pkg/logger"
	"virtex/pkg/logger/zerolog"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type memSource struct {
	candles map[string][]core.Candle
}

func (m *memSource) CandlesByPeriod(_ context.Context, symbol string, interval core.Interval, start, end time.Time) ([]core.Candle, error) {
	series, ok := m.candles[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownSymbol, symbol)
	}
	if interval != core.Interval1m {
		series = core.Resample(series, interval)
	}
	var out []core.Candle
	for _, c := range series {
		if !c.Start.Before(start) && c.Start.Before(end) {
			out = append(out, c)
		}
	}
	return out, nil
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

func minutes(symbol string, from time.Time, count int) []core.Candle {
	out := make([]core.Candle, 0, count)
	for i := 0; i < count; i++ {
		price := d(float64(100 + i%10))
		out = append(out, core.Candle{
			Symbol:   symbol,
			Interval: core.Interval1m,
			Start:    from.Add(time.Duration(i) * time.Minute),
			Open:     price,
			High:     price.Add(d(1)),
			Low:      price.Sub(d(1)),
			Close:    price,
			Volume:   d(10),
		})
	}
	return out
}

func testLog(t *testing.T) logger.Logger {
	t.Helper()
	log, err := zerolog.New("error", "15:04:05", false, true)
	require.NoError(t, err)
	return log
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	source := &memSource{candles: map[string][]core.Candle{
		"BTCUSDT": minutes("BTCUSDT", t0.Add(-10*time.Minute), 10+180),
	}}
	news := &memNews{items: []core.NewsItem{
		{PublishedAt: t0, Source: "wire", Importance: 5, Title: "rate decision"},
		{PublishedAt: t0.Add(time.Hour), Source: "wire", Importance: 1, Title: "minor update"},
	}}
	return NewServer(Config{
		Symbols:     []string{"BTCUSDT"},
		CoinMap:     map[string]string{"BTC": "BTCUSDT"},
		InitialCash: d(10000),
		FeeRate:     d(0.001),
	}, source, news, nil, testLog(t))
}

func do(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func TestServer_PlaceLimitOrder(t *testing.T) {
	server := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/exchange/order",
		`{"coin": "BTC", "is_buy": true, "sz": "1", "limit_px": "90", "order_type": "limit"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := rec.Body.String()
	require.Equal(t, "ok", gjson.Get(body, "status").String())
	require.Equal(t, int64(1), gjson.Get(body, "order.id").Int())
	require.Equal(t, "OPEN", gjson.Get(body, "order.status").String())
	require.Equal(t, "90", gjson.Get(body, "order.price").String(), "decimals travel as strings")
}

func TestServer_PlaceOrderUnknownCoin(t *testing.T) {
	server := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/exchange/order",
		`{"coin": "DOGE", "is_buy": true, "sz": "1", "limit_px": "90", "order_type": "limit"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "rejected", gjson.Get(rec.Body.String(), "status").String())
}

func TestServer_PlaceOrderInsufficientFunds(t *testing.T) {
	server := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/exchange/order",
		`{"coin": "BTC", "is_buy": true, "sz": "1000", "limit_px": "90", "order_type": "limit"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, gjson.Get(rec.Body.String(), "reason").String(), "insufficient")
}

func TestServer_BracketExpandsChildren(t *testing.T) {
	server := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/exchange/order",
		`{"coin": "BTC", "is_buy": true, "sz": "1", "limit_px": "90", "order_type": "limit",
		  "tpsl": {"tp": "110", "sl": "80"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := rec.Body.String()
	children := gjson.Get(body, "children").Array()
	require.Len(t, children, 2)

	parentID := gjson.Get(body, "order.id").Int()
	require.Equal(t, "TAKE_PROFIT", children[0].Get("type").String())
	require.Equal(t, "STOP_LOSS", children[1].Get("type").String())
	for _, child := range children {
		require.Equal(t, parentID, child.Get("parent_id").Int())
		require.Equal(t, "SELL", child.Get("side").String())
	}
}

func TestServer_CancelOrder(t *testing.T) {
	server := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/exchange/order",
		`{"coin": "BTC", "is_buy": true, "sz": "1", "limit_px": "90", "order_type": "limit"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	oid := gjson.Get(rec.Body.String(), "order.id").Int()

	rec = do(t, server, http.MethodPost, "/exchange/cancel", fmt.Sprintf(`{"oid": %d}`, oid))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "CANCELLED", gjson.Get(rec.Body.String(), "order.status").String())

	// Cancelling a terminal order conflicts.
	rec = do(t, server, http.MethodPost, "/exchange/cancel", fmt.Sprintf(`{"oid": %d}`, oid))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_ModifyOrderAssignsFreshID(t *testing.T) {
	server := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/exchange/order",
		`{"coin": "BTC", "is_buy": true, "sz": "1", "limit_px": "90", "order_type": "limit"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	oid := gjson.Get(rec.Body.String(), "order.id").Int()

	rec = do(t, server, http.MethodPost, "/exchange/modify",
		fmt.Sprintf(`{"oid": %d, "new_price": "85"}`, oid))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := rec.Body.String()
	require.Greater(t, gjson.Get(body, "order.id").Int(), oid)
	require.Equal(t, "85", gjson.Get(body, "order.price").String())
	require.Equal(t, "OPEN", gjson.Get(body, "order.status").String())
}

func TestServer_InfoReportsAccountState(t *testing.T) {
	server := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/exchange/order",
		`{"coin": "BTC", "is_buy": true, "sz": "1", "limit_px": "100", "order_type": "limit"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, server, http.MethodPost, "/info", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.Equal(t, "10000", gjson.Get(body, "equity").String())
	require.Equal(t, "9899.9", gjson.Get(body, "cash").String(), "100 notional plus 0.1 fee reserved")
	require.Equal(t, "100.1", gjson.Get(body, "total_reserved").String())
	require.Len(t, gjson.Get(body, "open_orders").Array(), 1)
}

func TestServer_SnapshotBundlesIntervals(t *testing.T) {
	server := newTestServer(t)

	url := fmt.Sprintf("/gpt-latest/BTCUSDT?timestamp=%d", t0.Add(2*time.Hour).Unix())
	rec := do(t, server, http.MethodGet, url, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := rec.Body.String()
	require.Equal(t, "BTCUSDT", gjson.Get(body, "symbol").String())

	intervals := gjson.Get(body, "intervals").Array()
	require.Len(t, intervals, 1+len(core.DerivedIntervals))
	require.Equal(t, "1m", intervals[0].Get("interval").String())
	require.NotEmpty(t, intervals[0].Get("candles").Array())
}

func TestServer_SnapshotRequiresTimestamp(t *testing.T) {
	server := newTestServer(t)

	// The default session clock was never advanced, so a cutoff is mandatory.
	rec := do(t, server, http.MethodGet, "/gpt-latest/BTCUSDT", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_TopNews(t *testing.T) {
	server := newTestServer(t)

	url := fmt.Sprintf("/top-news?before_timestamp=%d&k=1", t0.Add(30*time.Minute).Unix())
	rec := do(t, server, http.MethodGet, url, "")
	require.Equal(t, http.StatusOK, rec.Code)

	items := gjson.Get(rec.Body.String(), "news").Array()
	require.Len(t, items, 1)
	require.Equal(t, "rate decision", items[0].Get("title").String())
}

func TestServer_MatchOnlyRun(t *testing.T) {
	server := newTestServer(t)

	body := fmt.Sprintf(`{
		"symbol": "BTCUSDT",
		"start_time": %q,
		"end_time": %q,
		"orders": [{"coin": "BTC", "is_buy": true, "sz": "1", "order_type": "market"}]
	}`, t0.Format(time.RFC3339), t0.Add(time.Hour).Format(time.RFC3339))

	rec := do(t, server, http.MethodPost, "/backtest/run", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	response := rec.Body.String()
	require.Equal(t, "completed", gjson.Get(response, "status").String())
	require.Equal(t, "completed", gjson.Get(response, "response.status").String())
	require.NotEmpty(t, gjson.Get(response, "response.reproducibility.data_hash").String())

	// Structured timestamps travel as integer Unix seconds.
	require.Equal(t, t0.Add(time.Hour).Unix(),
		gjson.Get(response, "response.equity_curve.0.time").Int())
	require.Equal(t, t0.Unix(), gjson.Get(response, "response.start_time").Int())
}

func TestServer_OrchestrateRejectsBadWindow(t *testing.T) {
	server := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/backtest/orchestrate",
		`{"symbol": "BTCUSDT", "start_time": "yesterday", "end_time": "today"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
