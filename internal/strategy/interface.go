package strategy

import (
	"github.com/newthinker/spotbot/internal/indicator"
)

// Filter is the scenario-specific clause added to the base entry signal.
type Filter interface {
	Scenario() Scenario
	Description() string
	// Configure enables the optional indicators the filter reads.
	Configure(p Params, ip *indicator.Params)
	// Ready reports whether the filter's inputs are defined on bar.
	Ready(bar indicator.Annotated) bool
	// Allow is the extra buy condition.
	Allow(bar indicator.Annotated, p Params) bool
}

type stochFilter struct{}

func (stochFilter) Scenario() Scenario                     { return ScenarioStochRSI }
func (stochFilter) Description() string                    { return "EMA trend with StochRSI timing" }
func (stochFilter) Configure(Params, *indicator.Params)    {}
func (stochFilter) Ready(indicator.Annotated) bool         { return true }
func (stochFilter) Allow(indicator.Annotated, Params) bool { return true }

type adxFilter struct{}

func (adxFilter) Scenario() Scenario  { return ScenarioStochRSIADX }
func (adxFilter) Description() string { return "StochRSI entries only while ADX confirms a trend" }
func (adxFilter) Configure(p Params, ip *indicator.Params) {
	ip.ADXPeriod = p.ADXPeriod
}
func (adxFilter) Ready(bar indicator.Annotated) bool { return indicator.Valid(bar.ADX) }
func (adxFilter) Allow(bar indicator.Annotated, p Params) bool {
	return bar.ADX > p.ADXThreshold
}

type smaFilter struct{}

func (smaFilter) Scenario() Scenario  { return ScenarioStochRSISMA }
func (smaFilter) Description() string { return "StochRSI entries only above the long SMA" }
func (smaFilter) Configure(p Params, ip *indicator.Params) {
	ip.SMALong = p.SMALongPeriod
}
func (smaFilter) Ready(bar indicator.Annotated) bool { return indicator.Valid(bar.SMALong) }
func (smaFilter) Allow(bar indicator.Annotated, _ Params) bool {
	return bar.CloseF() > bar.SMALong
}

type trixFilter struct{}

func (trixFilter) Scenario() Scenario  { return ScenarioStochRSITRIX }
func (trixFilter) Description() string { return "StochRSI entries only with positive TRIX histogram" }
func (trixFilter) Configure(p Params, ip *indicator.Params) {
	ip.TRIXPeriod = p.TRIXPeriod
	ip.TRIXSignal = p.TRIXSignal
}
func (trixFilter) Ready(bar indicator.Annotated) bool { return indicator.Valid(bar.TRIXHisto) }
func (trixFilter) Allow(bar indicator.Annotated, _ Params) bool {
	return bar.TRIXHisto > 0
}
