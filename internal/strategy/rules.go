package strategy

import (
	"github.com/newthinker/spotbot/internal/indicator"
)

// Ready reports whether every indicator the scenario reads is defined on
// bar. Bars that are not ready are skipped by both backtest and live.
func (p Params) Ready(bar indicator.Annotated) bool {
	if !indicator.Valid(bar.EMA1, bar.EMA2, bar.StochK, bar.ATR) {
		return false
	}
	return FilterFor(p.Scenario).Ready(bar)
}

// ShouldBuy evaluates the entry rule on a ready bar. The caller checks that
// the position is flat and the quote balance is positive.
func (p Params) ShouldBuy(bar indicator.Annotated) bool {
	if !(bar.EMA1 > bar.EMA2 && bar.StochK < p.StochBuyThreshold) {
		return false
	}
	return FilterFor(p.Scenario).Allow(bar, p)
}

// ShouldSell evaluates the signal exit on a ready bar.
func (p Params) ShouldSell(bar indicator.Annotated) bool {
	return bar.EMA2 > bar.EMA1 && bar.StochK > p.StochSellThreshold
}
