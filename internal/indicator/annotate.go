package indicator

import (
	"math"

	"github.com/newthinker/spotbot/internal/core"
)

// Params selects the indicator windows. A zero ADXPeriod, SMALong or
// TRIXPeriod disables that optional indicator.
type Params struct {
	EMA1        int
	EMA2        int
	RSIPeriod   int
	StochPeriod int
	StochK      int
	StochD      int
	ATRPeriod   int
	ADXPeriod   int
	SMALong     int
	TRIXPeriod  int
	TRIXSignal  int
}

// WithDefaults fills unset fixed windows with RSI(14), StochRSI(14,3,3)
// and ATR(14).
func (p Params) WithDefaults() Params {
	if p.RSIPeriod == 0 {
		p.RSIPeriod = 14
	}
	if p.StochPeriod == 0 {
		p.StochPeriod = 14
	}
	if p.StochK == 0 {
		p.StochK = 3
	}
	if p.StochD == 0 {
		p.StochD = 3
	}
	if p.ATRPeriod == 0 {
		p.ATRPeriod = 14
	}
	return p
}

// Annotated is a candle plus its indicator values.
type Annotated struct {
	core.Candle
	EMA1      float64
	EMA2      float64
	RSI       float64
	StochRaw  float64
	StochK    float64
	StochD    float64
	ATR       float64
	ADX       float64
	TRIXHisto float64
	SMALong   float64
}

// CloseF returns the close as float64 for indicator comparisons.
func (a Annotated) CloseF() float64 {
	return a.Close.InexactFloat64()
}

// Annotate computes every configured indicator for the candle series.
// The function is pure: identical candles and params give identical output.
func Annotate(candles []core.Candle, p Params) []Annotated {
	p = p.WithDefaults()
	n := len(candles)
	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	for i, c := range candles {
		high[i] = c.High.InexactFloat64()
		low[i] = c.Low.InexactFloat64()
		closes[i] = c.Close.InexactFloat64()
	}

	ema1 := EMA(closes, p.EMA1)
	ema2 := EMA(closes, p.EMA2)
	rsi := RSI(closes, p.RSIPeriod)
	stoch := Stochastic(rsi, p.StochPeriod, p.StochK, p.StochD)
	atr := ATR(high, low, closes, p.ATRPeriod)

	adx := nanSlice(n)
	if p.ADXPeriod > 0 {
		adx = ADX(high, low, closes, p.ADXPeriod)
	}
	sma := nanSlice(n)
	if p.SMALong > 0 {
		sma = SMA(closes, p.SMALong)
	}
	trix := nanSlice(n)
	if p.TRIXPeriod > 0 {
		trix = Trix(closes, p.TRIXPeriod, p.TRIXSignal).Histo
	}

	out := make([]Annotated, n)
	for i, c := range candles {
		out[i] = Annotated{
			Candle:    c,
			EMA1:      ema1[i],
			EMA2:      ema2[i],
			RSI:       rsi[i],
			StochRaw:  stoch.Raw[i],
			StochK:    stoch.K[i],
			StochD:    stoch.D[i],
			ATR:       atr[i],
			ADX:       adx[i],
			TRIXHisto: trix[i],
			SMALong:   sma[i],
		}
	}
	return out
}

// Lookbacks of each indicator: the index of its first defined value.

func EMALookback(period int) int { return period - 1 }
func SMALookback(period int) int { return period - 1 }
func RSILookback(period int) int { return period }
func ATRLookback(period int) int { return period }
func ADXLookback(period int) int { return 2*period - 1 }

// StochKLookback is the first index where %K is defined.
func StochKLookback(p Params) int {
	p = p.WithDefaults()
	return RSILookback(p.RSIPeriod) + p.StochPeriod - 1 + p.StochK - 1
}

// TRIXHistoLookback is the first index where the TRIX histogram is defined.
func TRIXHistoLookback(period, signal int) int {
	return 3*(period-1) + 1 + signal - 1
}

// Valid reports whether none of the values is NaN.
func Valid(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}
