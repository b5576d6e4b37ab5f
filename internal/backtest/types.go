package backtest

import (
	"github.com/shopspring/decimal"

	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/strategy"
)

// Order types written to the trade ledger.
const (
	OrderMarket       = "MARKET"
	OrderLimit        = "LIMIT"
	OrderStopLoss     = "STOP_LOSS"
	OrderTrailingStop = "TRAILING_STOP"
)

// Fees holds the commission rates applied to notional on every fill.
type Fees struct {
	Taker decimal.Decimal
	Maker decimal.Decimal
	// UseMaker applies the maker rate to signal-driven fills, mirroring
	// live limit-order mode. Stop exits always pay taker.
	UseMaker bool
}

// Config describes one backtest run.
type Config struct {
	Pair          string
	Timeframe     string
	InitialWallet decimal.Decimal
	Fees          Fees
	CapitalUsage  decimal.Decimal
	Filters       core.SymbolFilters
	RunID         string
}

// Result holds the complete backtest output
type Result struct {
	Params        strategy.Params    `json:"params"`
	Pair          string             `json:"pair"`
	Timeframe     string             `json:"timeframe"`
	InitialWallet decimal.Decimal    `json:"initial_wallet"`
	FinalWallet   decimal.Decimal    `json:"final_wallet"`
	MaxDrawdown   float64            `json:"max_drawdown"`
	WinRate       float64            `json:"win_rate"`
	NumTrades     int                `json:"num_trades"`
	Trades        []core.TradeRecord `json:"trades"`
	OpenPosition  *strategy.Position `json:"open_position,omitempty"`
	UnrealizedPnL decimal.Decimal    `json:"unrealized_pnl"`
	Stats         Stats              `json:"stats"`
}

// PnL is the wallet change over the run.
func (r *Result) PnL() decimal.Decimal {
	return r.FinalWallet.Sub(r.InitialWallet)
}

// Stats holds performance statistics
type Stats struct {
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	WinRate       float64         `json:"win_rate"`     // Percentage of profitable sells
	TotalReturn   float64         `json:"total_return"` // Net wallet return percentage
	MaxDrawdown   float64         `json:"max_drawdown"` // Largest peak-to-trough equity decline, percentage
	SharpeRatio   float64         `json:"sharpe_ratio"` // Per-trade returns, annualized
	TotalFees     decimal.Decimal `json:"total_fees"`
}

// RoundTrip pairs an entry fill with its exit.
type RoundTrip struct {
	Entry core.TradeRecord
	Exit  core.TradeRecord
}

// Return is the gross fractional return of the round trip.
func (rt RoundTrip) Return() float64 {
	if rt.Entry.Price.IsZero() {
		return 0
	}
	return rt.Exit.Price.Sub(rt.Entry.Price).Div(rt.Entry.Price).InexactFloat64()
}

// IsWin returns true if the round trip was profitable
func (rt RoundTrip) IsWin() bool {
	return rt.Exit.RealizedPnL.IsPositive()
}
