package strategy

// Regime buckets the market by ATR as a percentage of price.
type Regime string

const (
	RegimeCalm     Regime = "calm"
	RegimeNormal   Regime = "normal"
	RegimeVolatile Regime = "volatile"
)

// ClassifyRegime returns calm below 2%, volatile at 5% and above.
func ClassifyRegime(atr, close float64) Regime {
	if close <= 0 {
		return RegimeNormal
	}
	pct := atr / close * 100
	switch {
	case pct < 2:
		return RegimeCalm
	case pct < 5:
		return RegimeNormal
	default:
		return RegimeVolatile
	}
}

var regimeMultipliers = map[Regime][2]float64{
	RegimeCalm:     {3.0, 5.0},
	RegimeNormal:   {4.0, 6.0},
	RegimeVolatile: {4.0, 7.0},
}

// Multipliers returns the stop and trailing ATR multipliers for an entry on
// a bar with the given ATR and close.
func (p Params) Multipliers(atr, close float64) (stop, trail float64) {
	if !p.AdaptiveMultipliers {
		return p.ATRStopMult, p.ATRTrailMult
	}
	m := regimeMultipliers[ClassifyRegime(atr, close)]
	return m[0], m[1]
}
