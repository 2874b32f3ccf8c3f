package backtest

import (
	"encoding/json"
	"time"

	"virtex/core"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"
)

// breakevenThreshold separates wins and losses from noise round trips.
var breakevenThreshold = decimal.NewFromFloat(1e-6)

// EquityPoint is one sample of the equity curve, taken at a decision
// boundary.
type EquityPoint struct {
	Time   time.Time       `json:"time"`
	Equity decimal.Decimal `json:"equity"`
}

// MarshalJSON emits the sample timestamp as integer Unix seconds.
func (p EquityPoint) MarshalJSON() ([]byte, error) {
	type alias EquityPoint
	return json.Marshal(struct {
		alias
		Time int64 `json:"time"`
	}{alias(p), core.UnixSeconds(p.Time)})
}

// PortfolioMetrics summarises a run.
type PortfolioMetrics struct {
	MaxDrawdown  decimal.Decimal `json:"max_drawdown"` // peak-relative fraction
	MDDDuration  int             `json:"mdd_duration"` // bars from peak to recovery
	WinRate      float64         `json:"win_rate"`
	Wins         int             `json:"wins"`
	Losses       int             `json:"losses"`
	Breakevens   int             `json:"breakevens"`
	AvgWin       float64         `json:"avg_win"`
	AvgLoss      float64         `json:"avg_loss"`
	ProfitFactor float64         `json:"profit_factor"` // zero when no losses occurred
	Exposure     float64         `json:"exposure"`      // fraction of bars with a position
	Turnover     decimal.Decimal `json:"turnover"`      // traded notional over starting equity
}

// ComputeMetrics derives portfolio statistics from the equity curve, the
// paired round trips, and the raw trade log. exposedBars counts equity
// samples taken while a position was open.
func ComputeMetrics(curve []EquityPoint, roundTrips []RoundTrip, trades []core.Trade, startingEquity decimal.Decimal, exposedBars int) PortfolioMetrics {
	var m PortfolioMetrics
	m.MaxDrawdown, m.MDDDuration = maxDrawdown(curve)

	var wins, losses []float64
	for _, rt := range roundTrips {
		switch {
		case rt.PnL.GreaterThan(breakevenThreshold):
			wins = append(wins, rt.PnL.InexactFloat64())
		case rt.PnL.LessThan(breakevenThreshold.Neg()):
			losses = append(losses, rt.PnL.InexactFloat64())
		default:
			m.Breakevens++
		}
	}
	m.Wins, m.Losses = len(wins), len(losses)

	if decided := len(wins) + len(losses); decided > 0 {
		m.WinRate = float64(len(wins)) / float64(decided)
	}
	if len(wins) > 0 {
		m.AvgWin = stat.Mean(wins, nil)
	}
	if len(losses) > 0 {
		m.AvgLoss = stat.Mean(losses, nil)
	}

	grossWin := sum(wins)
	grossLoss := -sum(losses)
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	}

	if len(curve) > 0 {
		m.Exposure = float64(exposedBars) / float64(len(curve))
	}

	notional := decimal.Zero
	for _, t := range trades {
		notional = notional.Add(t.Notional())
	}
	if startingEquity.Sign() > 0 {
		m.Turnover = notional.Div(startingEquity)
	}

	return m
}

// maxDrawdown finds the deepest peak-relative decline on the curve and how
// many bars it took from the peak until equity first regained it (to the
// end of the curve when it never recovered).
func maxDrawdown(curve []EquityPoint) (decimal.Decimal, int) {
	if len(curve) == 0 {
		return decimal.Zero, 0
	}

	deepest := decimal.Zero
	deepestPeak := 0
	peak := 0
	for i := range curve {
		if curve[i].Equity.GreaterThan(curve[peak].Equity) {
			peak = i
		}
		if curve[peak].Equity.Sign() <= 0 {
			continue
		}
		dd := curve[peak].Equity.Sub(curve[i].Equity).Div(curve[peak].Equity)
		if dd.GreaterThan(deepest) {
			deepest = dd
			deepestPeak = peak
		}
	}

	duration := 0
	if deepest.Sign() > 0 {
		recovered := len(curve) - 1
		for i := deepestPeak + 1; i < len(curve); i++ {
			if !curve[i].Equity.LessThan(curve[deepestPeak].Equity) {
				recovered = i
				break
			}
		}
		duration = recovered - deepestPeak
	}
	return deepest, duration
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}
