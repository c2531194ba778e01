package market

import (
	"github.com/markcheno/go-talib"
)

const (
	rsiPeriod = 14
	atrPeriod = 14
)

// computeIndicators derives the indicator summary from a kline window.
// Windows shorter than the longest period yield zero values for the
// indicators that cannot be computed.
func computeIndicators(klines []Kline) IndicatorSummary {
	n := len(klines)
	if n == 0 {
		return IndicatorSummary{}
	}
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, k := range klines {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
	}

	var out IndicatorSummary
	if n > rsiPeriod {
		if vals := talib.Rsi(closes, rsiPeriod); len(vals) > 0 {
			out.RSI14 = vals[len(vals)-1]
		}
	}
	if n >= 20 {
		if vals := talib.Ema(closes, 20); len(vals) > 0 {
			out.EMA20 = vals[len(vals)-1]
		}
	}
	if n >= 50 {
		if vals := talib.Ema(closes, 50); len(vals) > 0 {
			out.EMA50 = vals[len(vals)-1]
		}
	}
	if n > atrPeriod {
		if vals := talib.Atr(highs, lows, closes, atrPeriod); len(vals) > 0 {
			out.ATR14 = vals[len(vals)-1]
		}
	}
	return out
}
