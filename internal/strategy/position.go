package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/newthinker/spotbot/internal/core"
)

// Position is an open long. The stop and activation levels are frozen at
// entry; only the trailing maximum moves while the position is open.
type Position struct {
	EntryPrice         decimal.Decimal `json:"entry_price"`
	Quantity           decimal.Decimal `json:"quantity"`
	EntryTime          time.Time       `json:"entry_time"`
	EntryFee           decimal.Decimal `json:"entry_fee"`
	ATRAtEntry         decimal.Decimal `json:"atr_at_entry"`
	StopMult           decimal.Decimal `json:"stop_mult"`
	TrailMult          decimal.Decimal `json:"trail_mult"`
	StopLoss           decimal.Decimal `json:"stop_loss_at_entry"`
	TrailingActivation decimal.Decimal `json:"trailing_activation_price_at_entry"`
	TrailingActive     bool            `json:"trailing_active"`
	MaxPrice           decimal.Decimal `json:"max_price_since_entry"`
}

// OpenPosition freezes the entry-derived levels:
// stop = entry - stopMult*atr, activation = entry + trailMult*atr.
func OpenPosition(entry, qty decimal.Decimal, at time.Time, atr, stopMult, trailMult float64) *Position {
	atrD := decimal.NewFromFloat(atr)
	stopM := decimal.NewFromFloat(stopMult)
	trailM := decimal.NewFromFloat(trailMult)
	return &Position{
		EntryPrice:         entry,
		Quantity:           qty,
		EntryTime:          at,
		ATRAtEntry:         atrD,
		StopMult:           stopM,
		TrailMult:          trailM,
		StopLoss:           entry.Sub(stopM.Mul(atrD)),
		TrailingActivation: entry.Add(trailM.Mul(atrD)),
		MaxPrice:           entry,
	}
}

// TrailingLevel is the effective trailing stop; meaningful once active.
func (p *Position) TrailingLevel() decimal.Decimal {
	return p.MaxPrice.Sub(p.TrailMult.Mul(p.ATRAtEntry))
}

// StopLevel is the stop currently protecting the position.
func (p *Position) StopLevel() decimal.Decimal {
	if p.TrailingActive {
		return decimal.Max(p.StopLoss, p.TrailingLevel())
	}
	return p.StopLoss
}

// Observe folds a bar's high into the trailing state. It returns true when
// this bar activated trailing.
func (p *Position) Observe(high decimal.Decimal) bool {
	if high.GreaterThan(p.MaxPrice) {
		p.MaxPrice = high
	}
	if !p.TrailingActive && high.GreaterThanOrEqual(p.TrailingActivation) {
		p.TrailingActive = true
		return true
	}
	return false
}

// Exit describes a protective exit triggered inside a bar.
type Exit struct {
	Reason core.ExitReason
	Price  decimal.Decimal
}

// CheckStops evaluates the stop-loss, then the trailing stop, against a
// bar. Observe must run on the same bar first so that a bar which both
// activates and retraces exits at the trailing level.
func (p *Position) CheckStops(low decimal.Decimal) (Exit, bool) {
	if low.LessThanOrEqual(p.StopLoss) {
		return Exit{Reason: core.ReasonStopLoss, Price: p.StopLoss}, true
	}
	if p.TrailingActive {
		level := p.TrailingLevel()
		if low.LessThanOrEqual(level) {
			return Exit{Reason: core.ReasonTrailingStop, Price: level}, true
		}
	}
	return Exit{}, false
}

// PnL is the gross realized profit of selling the whole position at price.
func (p *Position) PnL(price decimal.Decimal) decimal.Decimal {
	return price.Sub(p.EntryPrice).Mul(p.Quantity)
}
