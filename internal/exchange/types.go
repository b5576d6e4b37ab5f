// Package exchange is the signed REST client for the spot exchange.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/newthinker/spotbot/internal/core"
)

// OrderType is the exchange order type.
type OrderType string

const (
	// OrderTypeMarket executes immediately against the book.
	OrderTypeMarket OrderType = "MARKET"
	// OrderTypeLimit rests at Price until filled or cancelled.
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeStopLoss becomes a market order once StopPrice trades, or
	// once the trailing delta retraces from the post-activation high.
	OrderTypeStopLoss OrderType = "STOP_LOSS"
)

// OrderStatus is the exchange lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusPendingCancel   OrderStatus = "PENDING_CANCEL"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Open reports whether the order can still fill.
func (s OrderStatus) Open() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled || s == OrderStatusPendingCancel
}

// Order is an order as reported by the exchange.
type Order struct {
	// Symbol is the exchange pair, e.g. "BTCUSDC".
	Symbol string `json:"symbol"`
	// OrderID is the exchange-assigned identifier.
	OrderID int64 `json:"order_id"`
	// ClientOrderID is the deterministic identifier we submitted.
	ClientOrderID string `json:"client_order_id"`
	// Side indicates buy or sell.
	Side core.Side `json:"side"`
	// Type is the order type.
	Type OrderType `json:"type"`
	// Status is the lifecycle state.
	Status OrderStatus `json:"status"`
	// Price is the limit price, zero for market orders.
	Price decimal.Decimal `json:"price"`
	// StopPrice is the trigger or trailing activation price.
	StopPrice decimal.Decimal `json:"stop_price"`
	// TrailingDelta is the trailing distance in basis points, zero if none.
	TrailingDelta int `json:"trailing_delta,omitempty"`
	// OrigQty is the requested base quantity.
	OrigQty decimal.Decimal `json:"orig_qty"`
	// ExecutedQty is the filled base quantity.
	ExecutedQty decimal.Decimal `json:"executed_qty"`
	// CumQuote is the filled quote amount.
	CumQuote decimal.Decimal `json:"cum_quote"`
	// Commission sums the fill commissions reported with the order.
	Commission decimal.Decimal `json:"commission"`
	// CommissionAsset is the asset the commission was charged in.
	CommissionAsset string `json:"commission_asset,omitempty"`
	// Time is when the order was created.
	Time time.Time `json:"time"`
	// UpdateTime is the last status change.
	UpdateTime time.Time `json:"update_time"`
}

// AvgPrice is the volume-weighted fill price, zero if nothing filled.
func (o *Order) AvgPrice() decimal.Decimal {
	if !o.ExecutedQty.IsPositive() {
		return decimal.Zero
	}
	return o.CumQuote.Div(o.ExecutedQty)
}

// Trade is one fill from the account trade list.
type Trade struct {
	ID              int64           `json:"id"`
	OrderID         int64           `json:"order_id"`
	Symbol          string          `json:"symbol"`
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	QuoteQty        decimal.Decimal `json:"quote_qty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset"`
	Time            time.Time       `json:"time"`
	IsBuyer         bool            `json:"is_buyer"`
}

// Balance is the free and locked amount of one asset.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Account is a snapshot of spot balances.
type Account struct {
	Balances   []Balance `json:"balances"`
	UpdateTime time.Time `json:"update_time"`
}

// Free returns the free balance of asset, zero if absent.
func (a *Account) Free(asset string) decimal.Decimal {
	for _, b := range a.Balances {
		if b.Asset == asset {
			return b.Free
		}
	}
	return decimal.Zero
}

// Total returns free plus locked balance of asset.
func (a *Account) Total(asset string) decimal.Decimal {
	for _, b := range a.Balances {
		if b.Asset == asset {
			return b.Free.Add(b.Locked)
		}
	}
	return decimal.Zero
}

// API is the exchange surface consumed by the live trader.
type API interface {
	// Market data
	RecentKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error)
	Filters(ctx context.Context, symbol string) (core.SymbolFilters, error)
	AllTickers(ctx context.Context) (map[string]decimal.Decimal, error)

	// Account
	Account(ctx context.Context) (*Account, error)
	MyTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, error)
	AllOrders(ctx context.Context, symbol string, since time.Time) ([]Order, error)

	// Orders, all keyed by a deterministic client order id
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error)
	MarketBuyQuote(ctx context.Context, symbol string, quote decimal.Decimal, clientOrderID string) (*Order, error)
	MarketSellBase(ctx context.Context, symbol string, qty decimal.Decimal, clientOrderID string) (*Order, error)
	LimitOrder(ctx context.Context, symbol string, side core.Side, qty, price decimal.Decimal, clientOrderID string) (*Order, error)
	PlaceStopLoss(ctx context.Context, symbol string, qty, stopPrice decimal.Decimal, clientOrderID string) (*Order, error)
	PlaceTrailingStop(ctx context.Context, symbol string, qty, activation decimal.Decimal, deltaBP int, clientOrderID string) (*Order, error)
}
