package core

import "github.com/shopspring/decimal"

// AccountInfo is the wallet view reported to strategies and persisted in run
// snapshots. Equity always equals Cash + TotalReserved + the mark value of
// every open position.
type AccountInfo struct {
	Equity        decimal.Decimal `json:"equity"`
	Cash          decimal.Decimal `json:"cash"`
	TotalReserved decimal.Decimal `json:"total_reserved"`
	Positions     []Position      `json:"positions"`
	OpenOrders    []Order         `json:"open_orders"`
}
