// Package sweep runs backtests over a parameter grid and selects the best
// strategy per pair.
package sweep

import (
	"fmt"

	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/marketdata"
	"github.com/newthinker/spotbot/internal/strategy"
)

// EMAPair is one (fast, slow) EMA combination.
type EMAPair struct {
	Fast int `mapstructure:"fast" json:"fast"`
	Slow int `mapstructure:"slow" json:"slow"`
}

// Grid is the cartesian product swept by a run.
type Grid struct {
	Pairs      []string            `mapstructure:"pairs"`
	Timeframes []string            `mapstructure:"timeframes"`
	EMAs       []EMAPair           `mapstructure:"emas"`
	Scenarios  []strategy.Scenario `mapstructure:"scenarios"`
}

// DefaultEMAs is the EMA grid used when none is configured.
func DefaultEMAs() []EMAPair {
	return []EMAPair{{5, 8}, {8, 21}, {12, 26}, {14, 26}, {20, 50}, {26, 50}}
}

// Validate checks that every axis is non-empty and well formed.
func (g Grid) Validate() error {
	if len(g.Pairs) == 0 || len(g.Timeframes) == 0 || len(g.EMAs) == 0 || len(g.Scenarios) == 0 {
		return core.Errorf(core.ErrConfigInvalid, "sweep grid has an empty axis")
	}
	for _, tf := range g.Timeframes {
		if _, err := core.IntervalDuration(tf); err != nil {
			return err
		}
	}
	for _, sc := range g.Scenarios {
		if _, err := strategy.ParseScenario(string(sc)); err != nil {
			return err
		}
	}
	return nil
}

// Series lists the distinct candle series the grid needs.
func (g Grid) Series() []marketdata.Series {
	var out []marketdata.Series
	for _, pair := range g.Pairs {
		for _, tf := range g.Timeframes {
			out = append(out, marketdata.Series{Symbol: pair, Interval: tf})
		}
	}
	return out
}

// Tuple is one backtest of the grid.
type Tuple struct {
	Pair      string
	Timeframe string
	Params    strategy.Params
}

// Key identifies the tuple; it also breaks selection ties.
func (t Tuple) Key() string {
	return fmt.Sprintf("%s/%s/%s", t.Pair, t.Timeframe, t.Params.Key())
}

// Tuples expands the grid in a fixed order. base supplies every parameter
// that is not a grid axis.
func (g Grid) Tuples(base strategy.Params) []Tuple {
	var out []Tuple
	for _, pair := range g.Pairs {
		for _, tf := range g.Timeframes {
			for _, ema := range g.EMAs {
				for _, sc := range g.Scenarios {
					p := base
					p.EMA1, p.EMA2, p.Scenario = ema.Fast, ema.Slow, sc
					out = append(out, Tuple{Pair: pair, Timeframe: tf, Params: p})
				}
			}
		}
	}
	return out
}
