package indicator

import (
	"math"

	"virtex/core"

	"github.com/samber/lo"
)

// Default periods for the snapshot indicator set.
const (
	emaPeriod        = 9
	smaPeriod        = 14
	rsiPeriod        = 14
	macdFastPeriod   = 12
	macdSlowPeriod   = 26
	macdSignalPeriod = 9
	bbPeriod         = 20
	bbDeviation      = 2.0
	atrPeriod        = 14
)

// Values holds the latest indicator readings for one interval. A nil field
// means the window was too short to compute that indicator.
type Values struct {
	EMA9       *float64 `json:"ema_9"`
	SMA14      *float64 `json:"sma_14"`
	RSI        *float64 `json:"rsi"`
	MACDLine   *float64 `json:"macd_line"`
	MACDSignal *float64 `json:"macd_signal"`
	MACDHist   *float64 `json:"macd_hist"`
	BBUpper    *float64 `json:"bollinger_upper"`
	BBMiddle   *float64 `json:"bollinger_middle"`
	BBLower    *float64 `json:"bollinger_lower"`
	ATR        *float64 `json:"atr"`
}

// IntervalSnapshot pairs recent candles of one interval with the indicator
// readings computed over the full window ending at the same bar.
type IntervalSnapshot struct {
	Interval   core.Interval `json:"interval"`
	Candles    []core.Candle `json:"candles"`
	Indicators Values        `json:"indicators"`
}

// Compute derives the indicator set from a candle window. Candles must be
// sorted by start time; the readings describe the last bar.
func Compute(candles []core.Candle) Values {
	closes := lo.Map(candles, func(c core.Candle, _ int) float64 {
		return c.Close.InexactFloat64()
	})
	highs := lo.Map(candles, func(c core.Candle, _ int) float64 {
		return c.High.InexactFloat64()
	})
	lows := lo.Map(candles, func(c core.Candle, _ int) float64 {
		return c.Low.InexactFloat64()
	})

	var v Values
	if len(closes) >= emaPeriod {
		v.EMA9 = last(EMA(closes, emaPeriod))
	}
	if len(closes) >= smaPeriod {
		v.SMA14 = last(SMA(closes, smaPeriod))
	}
	if len(closes) > rsiPeriod {
		v.RSI = last(RSI(closes, rsiPeriod))
	}
	if len(closes) >= macdSlowPeriod+macdSignalPeriod {
		line, signal, hist := MACD(closes, macdFastPeriod, macdSlowPeriod, macdSignalPeriod)
		v.MACDLine = last(line)
		v.MACDSignal = last(signal)
		v.MACDHist = last(hist)
	}
	if len(closes) >= bbPeriod {
		upper, middle, lower := BB(closes, bbPeriod, bbDeviation, TypeSMA)
		v.BBUpper = last(upper)
		v.BBMiddle = last(middle)
		v.BBLower = last(lower)
	}
	if len(closes) > atrPeriod {
		v.ATR = last(ATR(highs, lows, closes, atrPeriod))
	}
	return v
}

func last(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	val := series[len(series)-1]
	if math.IsNaN(val) {
		return nil
	}
	return &val
}
