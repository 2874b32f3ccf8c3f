package core

import "github.com/shopspring/decimal"

// Position is the net exposure on one symbol. Size is signed: positive long,
// negative short. AvgEntryPrice is the volume-weighted entry of the open lot.
type Position struct {
	Symbol        string          `json:"symbol"`
	Size          decimal.Decimal `json:"size"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

// IsFlat reports whether the position has no exposure.
func (p Position) IsFlat() bool { return p.Size.IsZero() }

// IsLong reports positive exposure.
func (p Position) IsLong() bool { return p.Size.Sign() > 0 }

// UnrealizedPnL values the open lot against mark.
func (p Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	return p.Size.Mul(mark.Sub(p.AvgEntryPrice))
}

// MarketValue returns size * mark, signed.
func (p Position) MarketValue(mark decimal.Decimal) decimal.Decimal {
	return p.Size.Mul(mark)
}
