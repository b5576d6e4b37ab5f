package indicator

import "math"

// RSI computes the Relative Strength Index with Wilder smoothing. The seed
// averages are the means of the first period up and down moves, so the
// first defined value sits at index period. A zero average loss yields 100.
func RSI(closes []float64, period int) []float64 {
	mustPeriod(period)
	out := nanSlice(len(closes))
	if len(closes) <= period {
		return out
	}

	n := float64(period)
	var gain, loss float64
	for i := 1; i <= period; i++ {
		g, l := moves(closes[i-1], closes[i])
		gain += g
		loss += l
	}
	avgGain := gain / n
	avgLoss := loss / n
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		g, l := moves(closes[i-1], closes[i])
		avgGain = (avgGain*(n-1) + g) / n
		avgLoss = (avgLoss*(n-1) + l) / n
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func moves(prev, cur float64) (gain, loss float64) {
	change := cur - prev
	if change > 0 {
		return change, 0
	}
	return 0, -change
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rsi := 100 - 100/(1+avgGain/avgLoss)
	return math.Max(0, math.Min(100, rsi))
}

// StochRSI holds the raw stochastic of RSI and its smoothed lines.
type StochRSI struct {
	Raw []float64
	K   []float64
	D   []float64
}

// Stochastic computes the stochastic oscillator of an RSI series. The
// min/max window of length period includes the current bar; a flat window
// yields 0.5. %K is the SMA of the raw value over k bars and %D the SMA of
// %K over d bars.
func Stochastic(rsi []float64, period, k, d int) StochRSI {
	mustPeriod(period)
	raw := nanSlice(len(rsi))

	start := firstValid(rsi)
	if start >= 0 {
		for i := start + period - 1; i < len(rsi); i++ {
			lo, hi := math.Inf(1), math.Inf(-1)
			for j := i - period + 1; j <= i; j++ {
				lo = math.Min(lo, rsi[j])
				hi = math.Max(hi, rsi[j])
			}
			if hi-lo == 0 {
				raw[i] = 0.5
				continue
			}
			raw[i] = (rsi[i] - lo) / (hi - lo)
		}
	}

	kLine := SMA(raw, k)
	return StochRSI{Raw: raw, K: kLine, D: SMA(kLine, d)}
}
