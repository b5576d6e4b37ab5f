// Package indicator computes technical indicators over candle series.
//
// Every function returns a slice aligned with its input: index i of the
// output belongs to input bar i, and bars inside the warm-up window are NaN.
// Inputs may themselves carry a leading NaN run (e.g. EMA of an EMA); the
// warm-up then starts at the first valid value.
package indicator

import "math"

// SMA calculates Simple Moving Average
func SMA(values []float64, period int) []float64 {
	mustPeriod(period)
	out := nanSlice(len(values))

	start := firstValid(values)
	if start < 0 || len(values)-start < period {
		return out
	}

	var sum float64
	for i := start; i < start+period; i++ {
		sum += values[i]
	}
	out[start+period-1] = sum / float64(period)

	// Rolling calculation
	for i := start + period; i < len(values); i++ {
		sum = sum - values[i-period] + values[i]
		out[i] = sum / float64(period)
	}

	return out
}

// EMA calculates Exponential Moving Average with smoothing 2/(n+1),
// seeded by the simple mean of the first n values.
func EMA(values []float64, period int) []float64 {
	mustPeriod(period)
	out := nanSlice(len(values))

	start := firstValid(values)
	if start < 0 || len(values)-start < period {
		return out
	}

	multiplier := 2.0 / float64(period+1)

	var sum float64
	for i := start; i < start+period; i++ {
		sum += values[i]
	}
	ema := sum / float64(period)
	out[start+period-1] = ema

	for i := start + period; i < len(values); i++ {
		ema = (values[i]-ema)*multiplier + ema
		out[i] = ema
	}

	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func firstValid(values []float64) int {
	for i, v := range values {
		if !math.IsNaN(v) {
			return i
		}
	}
	return -1
}

func mustPeriod(period int) {
	if period < 1 {
		panic("indicator: period must be positive")
	}
}
