// Package indicator computes the volatility measures the sizing layer needs.
package indicator

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"fxcore/internal/market"
)

// ATRSeries computes the Average True Range over the candle history.
// TALib seeds the warm-up window with NaN/zero values; those are stripped so
// callers can take the last element directly.
func ATRSeries(candles []market.Candle, period int) ([]float64, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles")
	}
	if period <= 0 {
		period = 14
	}
	if len(candles) < period+1 {
		return nil, fmt.Errorf("need %d candles for atr period %d, have %d", period+1, period, len(candles))
	}
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}
	series := sanitizeSeries(talib.Atr(highs, lows, closes, period))
	if len(series) == 0 {
		return nil, fmt.Errorf("atr series empty")
	}
	return series, nil
}

// LatestATR returns the most recent ATR value, or 0 when the history is too
// short. Callers treat 0 as "volatility unavailable" and fall back to the
// configured pip distances.
func LatestATR(candles []market.Candle, period int) float64 {
	series, err := ATRSeries(candles, period)
	if err != nil {
		return 0
	}
	return series[len(series)-1]
}

func sanitizeSeries(src []float64) []float64 {
	out := make([]float64, 0, len(src))
	for _, v := range src {
		if math.IsNaN(v) || math.IsInf(v, 0) || v == 0 {
			continue
		}
		out = append(out, v)
	}
	return out
}
