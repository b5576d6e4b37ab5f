package strategy

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/indicator"
)

// Scenario names the auxiliary buy filter layered on the StochRSI signal.
type Scenario string

const (
	ScenarioStochRSI     Scenario = "StochRSI"
	ScenarioStochRSIADX  Scenario = "StochRSI_ADX"
	ScenarioStochRSISMA  Scenario = "StochRSI_SMA"
	ScenarioStochRSITRIX Scenario = "StochRSI_TRIX"
)

// Scenarios returns every scenario in sweep order.
func Scenarios() []Scenario {
	return []Scenario{ScenarioStochRSI, ScenarioStochRSIADX, ScenarioStochRSISMA, ScenarioStochRSITRIX}
}

// ParseScenario accepts the canonical scenario names.
func ParseScenario(s string) (Scenario, error) {
	for _, sc := range Scenarios() {
		if string(sc) == s {
			return sc, nil
		}
	}
	return "", core.Errorf(core.ErrInvalidParams, "unknown scenario %q", s)
}

// SizingMode selects how the entry quantity is computed.
type SizingMode string

const (
	SizingRisk             SizingMode = "risk"
	SizingFixedNotional    SizingMode = "fixed_notional"
	SizingVolatilityParity SizingMode = "volatility_parity"
)

// Params is the complete, closed description of a strategy binding. Its
// JSON encoding is canonical: field order is fixed and there are no maps.
type Params struct {
	EMA1                int             `json:"ema1" mapstructure:"ema1"`
	EMA2                int             `json:"ema2" mapstructure:"ema2"`
	Scenario            Scenario        `json:"scenario" mapstructure:"scenario"`
	ADXPeriod           int             `json:"adx_period" mapstructure:"adx_period"`
	ADXThreshold        float64         `json:"adx_threshold" mapstructure:"adx_threshold"`
	SMALongPeriod       int             `json:"sma_long_period" mapstructure:"sma_long_period"`
	TRIXPeriod          int             `json:"trix_period" mapstructure:"trix_period"`
	TRIXSignal          int             `json:"trix_signal" mapstructure:"trix_signal"`
	StochBuyThreshold   float64         `json:"stoch_buy_threshold" mapstructure:"stoch_buy_threshold"`
	StochSellThreshold  float64         `json:"stoch_sell_threshold" mapstructure:"stoch_sell_threshold"`
	ATRPeriod           int             `json:"atr_period" mapstructure:"atr_period"`
	ATRStopMult         float64         `json:"atr_stop_mult" mapstructure:"atr_stop_mult"`
	ATRTrailMult        float64         `json:"atr_trail_mult" mapstructure:"atr_trail_mult"`
	RiskPerTrade        float64         `json:"risk_per_trade" mapstructure:"risk_per_trade"`
	AdaptiveMultipliers bool            `json:"adaptive_multipliers" mapstructure:"adaptive_multipliers"`
	Sizing              SizingMode      `json:"sizing" mapstructure:"sizing"`
	FixedNotional       decimal.Decimal `json:"fixed_notional" mapstructure:"fixed_notional"`
	TargetVolatility    float64         `json:"target_volatility" mapstructure:"target_volatility"`
}

// DefaultParams returns the baseline parameters for an EMA pair.
func DefaultParams(ema1, ema2 int, scenario Scenario) Params {
	return Params{
		EMA1:               ema1,
		EMA2:               ema2,
		Scenario:           scenario,
		ADXPeriod:          14,
		ADXThreshold:       25,
		SMALongPeriod:      200,
		TRIXPeriod:         9,
		TRIXSignal:         9,
		StochBuyThreshold:  0.80,
		StochSellThreshold: 0.20,
		ATRPeriod:          14,
		ATRStopMult:        3.0,
		ATRTrailMult:       5.0,
		RiskPerTrade:       0.01,
		Sizing:             SizingRisk,
		TargetVolatility:   0.01,
	}
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	if p.EMA1 <= 0 || p.EMA2 <= 0 {
		return core.Errorf(core.ErrInvalidParams, "ema periods must be positive: %d/%d", p.EMA1, p.EMA2)
	}
	if p.EMA1 >= p.EMA2 {
		return core.Errorf(core.ErrInvalidParams, "ema1 %d must be below ema2 %d", p.EMA1, p.EMA2)
	}
	if _, err := ParseScenario(string(p.Scenario)); err != nil {
		return err
	}
	if p.ATRPeriod <= 0 {
		return core.Errorf(core.ErrInvalidParams, "atr_period must be positive")
	}
	if p.ATRStopMult <= 0 || p.ATRTrailMult <= 0 {
		return core.Errorf(core.ErrInvalidParams, "atr multipliers must be positive")
	}
	if p.RiskPerTrade <= 0 || p.RiskPerTrade > 1 {
		return core.Errorf(core.ErrInvalidParams, "risk_per_trade %v outside (0,1]", p.RiskPerTrade)
	}
	if p.StochBuyThreshold < 0 || p.StochBuyThreshold > 1 || p.StochSellThreshold < 0 || p.StochSellThreshold > 1 {
		return core.Errorf(core.ErrInvalidParams, "stoch thresholds must lie in [0,1]")
	}
	switch p.Scenario {
	case ScenarioStochRSIADX:
		if p.ADXPeriod <= 0 {
			return core.Errorf(core.ErrInvalidParams, "adx_period must be positive")
		}
	case ScenarioStochRSISMA:
		if p.SMALongPeriod <= 0 {
			return core.Errorf(core.ErrInvalidParams, "sma_long_period must be positive")
		}
	case ScenarioStochRSITRIX:
		if p.TRIXPeriod <= 0 || p.TRIXSignal <= 0 {
			return core.Errorf(core.ErrInvalidParams, "trix periods must be positive")
		}
	}
	switch p.Sizing {
	case SizingRisk, "":
	case SizingFixedNotional:
	case SizingVolatilityParity:
		if p.TargetVolatility <= 0 {
			return core.Errorf(core.ErrInvalidParams, "target_volatility must be positive")
		}
	default:
		return core.Errorf(core.ErrInvalidParams, "unknown sizing mode %q", p.Sizing)
	}
	return nil
}

// Snapshot returns the canonical serialization used by the live guard.
func (p Params) Snapshot() string {
	b, err := json.Marshal(p)
	if err != nil {
		// Params holds only scalars; marshal cannot fail.
		panic(fmt.Sprintf("strategy: snapshot: %v", err))
	}
	return string(b)
}

// ParseSnapshot restores the parameters a snapshot was taken from.
func ParseSnapshot(s string) (Params, error) {
	var p Params
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return Params{}, core.WrapError(core.ErrInvalidParams, err)
	}
	if p.Snapshot() != s {
		return Params{}, core.Errorf(core.ErrInvalidParams, "snapshot is not canonical")
	}
	return p, p.Validate()
}

// Key is a short stable identifier for ledgers and logs.
func (p Params) Key() string {
	return fmt.Sprintf("%s_%d_%d", p.Scenario, p.EMA1, p.EMA2)
}

// IndicatorParams returns the windows the annotator must compute. Optional
// indicators are enabled only for the scenario that consumes them.
func (p Params) IndicatorParams() indicator.Params {
	ip := indicator.Params{
		EMA1:      p.EMA1,
		EMA2:      p.EMA2,
		ATRPeriod: p.ATRPeriod,
	}
	FilterFor(p.Scenario).Configure(p, &ip)
	return ip.WithDefaults()
}

// ParamWindow is the longest parameter-dependent window. A candle series
// shorter than this can never produce a trade and is rejected upfront.
func (p Params) ParamWindow() int {
	w := p.EMA2
	switch p.Scenario {
	case ScenarioStochRSIADX:
		w = max(w, 2*p.ADXPeriod-1)
	case ScenarioStochRSISMA:
		w = max(w, p.SMALongPeriod)
	case ScenarioStochRSITRIX:
		w = max(w, 3*p.TRIXPeriod+p.TRIXSignal)
	}
	return w
}

// Warmup is the number of candles needed before every indicator the
// scenario reads is defined on the last bar.
func (p Params) Warmup() int {
	ip := p.IndicatorParams()
	w := max(indicator.EMALookback(p.EMA2), indicator.StochKLookback(ip), indicator.ATRLookback(ip.ATRPeriod))
	switch p.Scenario {
	case ScenarioStochRSIADX:
		w = max(w, indicator.ADXLookback(p.ADXPeriod))
	case ScenarioStochRSISMA:
		w = max(w, indicator.SMALookback(p.SMALongPeriod))
	case ScenarioStochRSITRIX:
		w = max(w, indicator.TRIXHistoLookback(p.TRIXPeriod, p.TRIXSignal))
	}
	return w + 1
}
