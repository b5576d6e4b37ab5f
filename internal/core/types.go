package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is a closed OHLCV bar. Time is the bar open time in UTC.
type Candle struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Side is the direction of a fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ExitReason explains why a position was closed. Entries carry an empty reason.
type ExitReason string

const (
	ReasonSignal       ExitReason = "SIGNAL"
	ReasonStopLoss     ExitReason = "STOP-LOSS"
	ReasonTrailingStop ExitReason = "TRAILING-STOP"
)

// TradeRecord is one row of the append-only trade ledger.
type TradeRecord struct {
	Pair        string          `json:"pair"`
	Timeframe   string          `json:"timeframe"`
	Scenario    string          `json:"scenario"`
	EMA1        int             `json:"ema1"`
	EMA2        int             `json:"ema2"`
	Side        Side            `json:"side"`
	OrderType   string          `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Fee         decimal.Decimal `json:"fee"`
	Reason      ExitReason      `json:"reason,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	RunID       string          `json:"run_id,omitempty"`
}

// SymbolFilters holds the exchange trading rules used for rounding.
// A zero step disables the corresponding rounding.
type SymbolFilters struct {
	Symbol      string          `json:"symbol"`
	BaseAsset   string          `json:"base_asset"`
	QuoteAsset  string          `json:"quote_asset"`
	TickSize    decimal.Decimal `json:"tick_size"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// RoundQty floors a quantity to the lot step.
func (f SymbolFilters) RoundQty(qty decimal.Decimal) decimal.Decimal {
	return floorToStep(qty, f.StepSize)
}

// RoundPrice floors a price or quote notional to the tick step.
func (f SymbolFilters) RoundPrice(price decimal.Decimal) decimal.Decimal {
	return floorToStep(price, f.TickSize)
}

// Tradable reports whether qty at price satisfies min qty and min notional.
func (f SymbolFilters) Tradable(qty, price decimal.Decimal) bool {
	if !qty.IsPositive() {
		return false
	}
	if f.MinQty.IsPositive() && qty.LessThan(f.MinQty) {
		return false
	}
	if f.MinNotional.IsPositive() && qty.Mul(price).LessThan(f.MinNotional) {
		return false
	}
	return true
}

func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}
