package backtest

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/newthinker/spotbot/internal/core"
)

// RoundTrips pairs each SELL with the BUY that opened it. An entry without
// an exit (open at end of data) is not returned.
func RoundTrips(trades []core.TradeRecord) []RoundTrip {
	var trips []RoundTrip
	var entry *core.TradeRecord
	for i := range trades {
		t := trades[i]
		switch t.Side {
		case core.SideBuy:
			if entry == nil {
				entry = &t
			}
		case core.SideSell:
			if entry != nil {
				trips = append(trips, RoundTrip{Entry: *entry, Exit: t})
				entry = nil
			}
		}
	}
	return trips
}

// CalculateStats computes performance statistics from the ledger and the
// equity-derived drawdown of a finished run.
func CalculateStats(trades []core.TradeRecord, initial, final decimal.Decimal, maxDrawdown float64) Stats {
	fees := decimal.Zero
	for _, t := range trades {
		fees = fees.Add(t.Fee)
	}

	var totalReturn float64
	if initial.IsPositive() {
		totalReturn = final.Sub(initial).Div(initial).InexactFloat64() * 100
	}

	trips := RoundTrips(trades)
	if len(trips) == 0 {
		return Stats{
			TotalTrades: len(trades),
			TotalReturn: totalReturn,
			MaxDrawdown: maxDrawdown * 100,
			TotalFees:   fees,
		}
	}

	var winning, losing int
	returns := make([]float64, 0, len(trips))
	for _, rt := range trips {
		returns = append(returns, rt.Return())
		if rt.IsWin() {
			winning++
		} else {
			losing++
		}
	}

	return Stats{
		TotalTrades:   len(trades),
		WinningTrades: winning,
		LosingTrades:  losing,
		WinRate:       float64(winning) / float64(len(trips)) * 100,
		TotalReturn:   totalReturn,
		MaxDrawdown:   maxDrawdown * 100,
		SharpeRatio:   calculateSharpeRatio(returns),
		TotalFees:     fees,
	}
}

// calculateSharpeRatio computes risk-adjusted return
// Assumes risk-free rate of 0 for simplicity
func calculateSharpeRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	stdDev := math.Sqrt(variance / float64(len(returns)-1))

	if stdDev == 0 {
		return 0
	}

	// Crypto trades every day of the year
	return mean * 365 / (stdDev * math.Sqrt(365))
}

// drawdownTracker follows peak equity and the deepest fractional decline.
type drawdownTracker struct {
	peak decimal.Decimal
	max  float64
}

func (d *drawdownTracker) observe(equity decimal.Decimal) {
	if equity.GreaterThan(d.peak) {
		d.peak = equity
	}
	if !d.peak.IsPositive() {
		return
	}
	dd := d.peak.Sub(equity).Div(d.peak).InexactFloat64()
	if dd > d.max {
		d.max = dd
	}
}
