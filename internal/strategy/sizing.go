package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/newthinker/spotbot/internal/core"
)

// SizingInput carries the account and market values needed to size an entry.
type SizingInput struct {
	Quote        decimal.Decimal
	Equity       decimal.Decimal
	Price        decimal.Decimal
	ATR          float64
	StopMult     float64
	FeeRate      decimal.Decimal
	CapitalUsage decimal.Decimal
	Filters      core.SymbolFilters
}

// Quantity sizes a BUY. The result is bounded by what the quote balance can
// pay including the fee, floored to the lot step, and zero when the order
// would violate the symbol filters.
func (p Params) Quantity(in SizingInput) decimal.Decimal {
	if !in.Quote.IsPositive() || !in.Price.IsPositive() || in.ATR <= 0 {
		return decimal.Zero
	}
	atr := decimal.NewFromFloat(in.ATR)

	var qty decimal.Decimal
	switch p.Sizing {
	case SizingFixedNotional:
		notional := p.FixedNotional
		if !notional.IsPositive() {
			notional = in.Equity.Mul(decimal.NewFromFloat(0.1))
		}
		qty = notional.Div(in.Price)
	case SizingVolatilityParity:
		qty = in.Equity.Mul(decimal.NewFromFloat(p.TargetVolatility)).Div(atr)
	default:
		risk := in.Quote.Mul(decimal.NewFromFloat(p.RiskPerTrade))
		qty = risk.Div(decimal.NewFromFloat(in.StopMult).Mul(atr))
	}

	usage := in.CapitalUsage
	if !usage.IsPositive() {
		usage = decimal.NewFromInt(1)
	}
	affordable := in.Quote.Mul(usage).Div(in.Price.Mul(decimal.NewFromInt(1).Add(in.FeeRate)))
	qty = decimal.Min(qty, affordable)
	if in.Filters.StepSize.IsPositive() {
		qty = in.Filters.RoundQty(qty)
	} else {
		qty = qty.Truncate(8)
	}

	if !in.Filters.Tradable(qty, in.Price) {
		return decimal.Zero
	}
	return qty
}
