package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestExtractActions_PlaceAndCancelInOrder(t *testing.T) {
	raw := []byte(`{
		"message": "thinking out loud",
		"tool_calls": [
			{"tool": "placeOrder", "arguments": {"coin": "BTC", "is_buy": true, "sz": "0.5", "limit_px": "65000.5"}},
			{"tool": "sendAlert", "arguments": {"text": "ignored"}},
			{"tool": "cancelOrder", "arguments": {"oid": 42}},
			{"tool": "placeOrder", "arguments": {"coin": "ETH", "is_buy": false, "sz": "2", "reduce_only": true}}
		]
	}`)

	actions := ExtractActions(raw)
	require.Len(t, actions, 3)

	require.Equal(t, ToolPlaceOrder, actions[0].Tool)
	require.Equal(t, "BTC", actions[0].Coin)
	require.True(t, actions[0].IsBuy)
	require.True(t, actions[0].Size.Equal(decimal.RequireFromString("0.5")))
	require.NotNil(t, actions[0].LimitPx)
	require.True(t, actions[0].LimitPx.Equal(decimal.RequireFromString("65000.5")))

	require.Equal(t, ToolCancelOrder, actions[1].Tool)
	require.Equal(t, int64(42), actions[1].OID)

	require.Equal(t, "ETH", actions[2].Coin)
	require.False(t, actions[2].IsBuy)
	require.True(t, actions[2].ReduceOnly)
	require.Nil(t, actions[2].LimitPx)
}

func TestExtractActions_StringEncodedArguments(t *testing.T) {
	raw := []byte(`{"tool_calls": [
		{"tool": "placeOrder", "arguments": "{\"coin\": \"BTC\", \"is_buy\": true, \"sz\": \"1\"}"}
	]}`)

	actions := ExtractActions(raw)
	require.Len(t, actions, 1)
	require.Equal(t, "BTC", actions[0].Coin)
	require.True(t, actions[0].Size.Equal(decimal.NewFromInt(1)))
}

func TestExtractActions_TPSLBracket(t *testing.T) {
	raw := []byte(`{"tool_calls": [
		{"tool": "placeOrder", "arguments": {
			"coin": "BTC", "is_buy": true, "sz": "1",
			"tpsl": {"tp": "110", "sl": "95"}
		}}
	]}`)

	actions := ExtractActions(raw)
	require.Len(t, actions, 1)
	require.NotNil(t, actions[0].TPSL)
	require.True(t, actions[0].TPSL.TakeProfit.Equal(decimal.NewFromInt(110)))
	require.True(t, actions[0].TPSL.StopLoss.Equal(decimal.NewFromInt(95)))
}

func TestExtractActions_MalformedEntriesDropped(t *testing.T) {
	raw := []byte(`{"tool_calls": [
		{"tool": "placeOrder", "arguments": {"coin": "", "is_buy": true, "sz": "1"}},
		{"tool": "placeOrder", "arguments": {"coin": "BTC", "is_buy": true, "sz": "-1"}},
		{"tool": "placeOrder", "arguments": {"coin": "BTC", "is_buy": true, "sz": "not-a-number"}},
		{"tool": "placeOrder", "arguments": {"coin": "BTC", "is_buy": true, "sz": "1", "tpsl": {"tp": "0", "sl": "95"}}},
		{"tool": "cancelOrder", "arguments": {}}
	]}`)

	require.Empty(t, ExtractActions(raw))
}

func TestExtractActions_NoToolCalls(t *testing.T) {
	require.Empty(t, ExtractActions([]byte(`{"message": "nothing to do"}`)))
	require.Empty(t, ExtractActions([]byte(`not even json`)))
}
