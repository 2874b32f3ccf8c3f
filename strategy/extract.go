// Package strategy talks to the external decision-making service and
// extracts intended trading actions from its structured replies.
package strategy

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Tool names the strategy reply may invoke. Anything else is ignored.
const (
	ToolPlaceOrder  = "placeOrder"
	ToolCancelOrder = "cancelOrder"
)

// TPSL is the protective bracket attached to a placeOrder action.
type TPSL struct {
	TakeProfit decimal.Decimal
	StopLoss   decimal.Decimal
}

// Action is one intended engine call extracted from a strategy reply.
type Action struct {
	Tool       string
	Coin       string
	IsBuy      bool
	Size       decimal.Decimal
	LimitPx    *decimal.Decimal
	ReduceOnly bool
	TPSL       *TPSL
	OID        int64 // cancelOrder only
}

// ExtractActions walks the tool_calls channel of a strategy reply and
// returns the placeOrder and cancelOrder invocations in declaration order.
// The service is not trusted: malformed entries are dropped, never guessed
// at, and nothing here touches the wallet.
func ExtractActions(raw []byte) []Action {
	var actions []Action

	gjson.GetBytes(raw, "tool_calls").ForEach(func(_, call gjson.Result) bool {
		tool := call.Get("tool").String()
		if tool != ToolPlaceOrder && tool != ToolCancelOrder {
			return true
		}

		args := call.Get("arguments")
		if args.Type == gjson.String {
			// Some services double-encode arguments as a JSON string.
			args = gjson.Parse(args.String())
		}

		switch tool {
		case ToolCancelOrder:
			oid := args.Get("oid")
			if !oid.Exists() {
				return true
			}
			actions = append(actions, Action{Tool: ToolCancelOrder, OID: oid.Int()})

		case ToolPlaceOrder:
			action, ok := parsePlaceOrder(args)
			if ok {
				actions = append(actions, action)
			}
		}
		return true
	})

	return actions
}

func parsePlaceOrder(args gjson.Result) (Action, bool) {
	coin := args.Get("coin").String()
	size, err := decimal.NewFromString(args.Get("sz").String())
	if coin == "" || err != nil || size.Sign() <= 0 {
		return Action{}, false
	}

	action := Action{
		Tool:       ToolPlaceOrder,
		Coin:       coin,
		IsBuy:      args.Get("is_buy").Bool(),
		Size:       size,
		ReduceOnly: args.Get("reduce_only").Bool(),
	}

	if px := args.Get("limit_px"); px.Exists() {
		limit, err := decimal.NewFromString(px.String())
		if err != nil || limit.Sign() <= 0 {
			return Action{}, false
		}
		action.LimitPx = &limit
	}

	if tpsl := args.Get("tpsl"); tpsl.IsObject() {
		tp, tpErr := decimal.NewFromString(tpsl.Get("tp").String())
		sl, slErr := decimal.NewFromString(tpsl.Get("sl").String())
		if tpErr != nil || slErr != nil || tp.Sign() <= 0 || sl.Sign() <= 0 {
			return Action{}, false
		}
		action.TPSL = &TPSL{TakeProfit: tp, StopLoss: sl}
	}

	return action, true
}
