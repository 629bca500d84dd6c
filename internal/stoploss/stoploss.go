// Package stoploss computes exponential moving averages over price series
// and derives suggested stop-loss trigger prices below the EMA.
package stoploss

import "math"

// EMAPeriods are the periods the dashboard recognizes.
var EMAPeriods = []int{9, 10, 20}

const (
	// DefaultPeriod is used when a request names no period.
	DefaultPeriod = 10

	// DefaultBufferPct is the stop-loss buffer below the EMA, in percent.
	DefaultBufferPct = 0.6
)

// NormalizePeriod returns period if it is one of EMAPeriods, otherwise
// DefaultPeriod.
func NormalizePeriod(period int) int {
	for _, p := range EMAPeriods {
		if period == p {
			return p
		}
	}
	return DefaultPeriod
}

// CalculateEMA computes the exponential moving average of prices, oldest
// first, with smoothing factor 2/(period+1). The running average is seeded
// with the first observation. An empty series yields the 0 sentinel.
//
// The smoothing factor derives from the nominal period regardless of how
// many prices are supplied; callers wanting a representative EMA must gate
// on len(prices) >= period themselves. Prices must be chronological —
// a reversed series silently produces a different result.
func CalculateEMA(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	multiplier := 2 / float64(period+1)
	ema := prices[0]
	for _, price := range prices[1:] {
		ema = price*multiplier + ema*(1-multiplier)
	}
	return Round2(ema)
}

// SuggestStopLoss derives an exit price bufferPct percent below the EMA of
// prices. bufferPct is in percent (0.6 means 0.6%). Negative buffers are
// not guarded and would place the suggestion above the EMA.
func SuggestStopLoss(prices []float64, period int, bufferPct float64) float64 {
	ema := CalculateEMA(prices, period)
	buffer := ema * (bufferPct / 100)
	return Round2(ema - buffer)
}

// Round2 rounds to 2 decimal places (currency-scale precision).
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
