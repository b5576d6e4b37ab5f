package indicator

import (
	"math"

	"github.com/markcheno/go-talib"
)

// ATR computes the Wilder-smoothed Average True Range. talib fills the
// warm-up with zeros; those bars are masked to NaN here.
func ATR(high, low, closes []float64, period int) []float64 {
	mustPeriod(period)
	if len(closes) <= period {
		return nanSlice(len(closes))
	}
	return maskLookback(talib.Atr(high, low, closes, period), period)
}

// ADX computes the Average Directional Index with Wilder smoothing.
func ADX(high, low, closes []float64, period int) []float64 {
	mustPeriod(period)
	lookback := 2*period - 1
	if len(closes) <= lookback {
		return nanSlice(len(closes))
	}
	return maskLookback(talib.Adx(high, low, closes, period), lookback)
}

// TRIX holds the triple-smoothed momentum line, its signal and histogram.
type TRIX struct {
	Line   []float64
	Signal []float64
	Histo  []float64
}

// Trix computes TRIX as the one-bar percent change of a triple EMA. The
// signal line is the simple average of TRIX over signal bars.
func Trix(closes []float64, period, signal int) TRIX {
	mustPeriod(period)
	mustPeriod(signal)

	triple := EMA(EMA(EMA(closes, period), period), period)
	line := nanSlice(len(closes))
	for i := 1; i < len(triple); i++ {
		prev := triple[i-1]
		if math.IsNaN(prev) || math.IsNaN(triple[i]) || prev == 0 {
			continue
		}
		line[i] = (triple[i] - prev) / prev * 100
	}

	sig := SMA(line, signal)
	histo := nanSlice(len(closes))
	for i := range histo {
		if !math.IsNaN(line[i]) && !math.IsNaN(sig[i]) {
			histo[i] = line[i] - sig[i]
		}
	}
	return TRIX{Line: line, Signal: sig, Histo: histo}
}

func maskLookback(series []float64, lookback int) []float64 {
	for i := 0; i < lookback && i < len(series); i++ {
		series[i] = math.NaN()
	}
	return series
}
