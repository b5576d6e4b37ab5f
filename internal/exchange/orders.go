package exchange

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/newthinker/spotbot/internal/core"
)

// Intent is the purpose letter embedded in a client order id.
type Intent byte

const (
	IntentEntry    Intent = 'B'
	IntentExit     Intent = 'S'
	IntentStopLoss Intent = 'L'
	IntentTrailing Intent = 'T'
	// Market completions of a timed-out limit order.
	IntentEntryMarket Intent = 'b'
	IntentExitMarket  Intent = 's'
)

// Side returns the order side implied by the intent.
func (i Intent) Side() core.Side {
	if i == IntentEntry || i == IntentEntryMarket {
		return core.SideBuy
	}
	return core.SideSell
}

// Trailing delta bounds accepted by the exchange, in basis points.
const (
	MinTrailingDelta = 10
	MaxTrailingDelta = 2000
)

// ClientOrderID builds the deterministic id of an order: the same intent,
// run, symbol and bar always yield the same id, so a resubmission after a
// crash is recognized by the exchange instead of filling twice.
//
// Format: sb<intent><run8>-<barMillis>-<symhash6>.
func ClientOrderID(intent Intent, runID, symbol string, bar time.Time) string {
	return fmt.Sprintf("sb%c%s-%d-%s", intent, runPrefix(runID), bar.UnixMilli(), symbolHash(symbol))
}

// OrderRef is a parsed client order id.
type OrderRef struct {
	Intent     Intent
	RunPrefix  string
	Bar        time.Time
	SymbolHash string
}

// Matches reports whether the id was issued for runID and symbol.
func (r OrderRef) Matches(runID, symbol string) bool {
	return r.RunPrefix == runPrefix(runID) && r.SymbolHash == symbolHash(symbol)
}

// ParseClientOrderID decodes an id built by ClientOrderID. Ids issued by
// other clients report false.
func ParseClientOrderID(id string) (OrderRef, bool) {
	if len(id) < 4 || !strings.HasPrefix(id, "sb") {
		return OrderRef{}, false
	}
	parts := strings.Split(id[3:], "-")
	if len(parts) != 3 {
		return OrderRef{}, false
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return OrderRef{}, false
	}
	intent := Intent(id[2])
	switch intent {
	case IntentEntry, IntentExit, IntentStopLoss, IntentTrailing, IntentEntryMarket, IntentExitMarket:
	default:
		return OrderRef{}, false
	}
	return OrderRef{
		Intent:     intent,
		RunPrefix:  parts[0],
		Bar:        time.UnixMilli(ms).UTC(),
		SymbolHash: parts[2],
	}, true
}

func runPrefix(runID string) string {
	run := strings.ReplaceAll(runID, "-", "")
	if len(run) > 8 {
		run = run[:8]
	}
	return run
}

func symbolHash(symbol string) string {
	sum := sha1.Sum([]byte(symbol))
	return hex.EncodeToString(sum[:3])
}

// TrailingDeltaBP expresses a price distance as basis points of ref,
// clamped to the exchange range.
func TrailingDeltaBP(distance, ref decimal.Decimal) int {
	if !ref.IsPositive() {
		return MinTrailingDelta
	}
	bp := int(distance.Div(ref).Mul(decimal.NewFromInt(10000)).Round(0).IntPart())
	return clampDelta(bp)
}

func clampDelta(bp int) int {
	return max(MinTrailingDelta, min(bp, MaxTrailingDelta))
}

// GetOrder looks an order up by client order id.
func (c *Client) GetOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error) {
	res, err := c.signed(ctx, http.MethodGet, "/api/v3/order", url.Values{
		"symbol":            {symbol},
		"origClientOrderId": {clientOrderID},
	})
	if err != nil {
		return nil, err
	}
	return parseOrder(res), nil
}

// CancelOrder cancels an open order by client order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error) {
	res, err := c.signed(ctx, http.MethodDelete, "/api/v3/order", url.Values{
		"symbol":            {symbol},
		"origClientOrderId": {clientOrderID},
	})
	if err != nil {
		return nil, err
	}
	o := parseOrder(res)
	if orig := res.Get("origClientOrderId").String(); orig != "" {
		o.ClientOrderID = orig
	}
	return o, nil
}

// MarketBuyQuote spends quote on a market buy.
func (c *Client) MarketBuyQuote(ctx context.Context, symbol string, quote decimal.Decimal, clientOrderID string) (*Order, error) {
	return c.place(ctx, symbol, clientOrderID, url.Values{
		"side":          {string(core.SideBuy)},
		"type":          {string(OrderTypeMarket)},
		"quoteOrderQty": {quote.Truncate(8).String()},
	})
}

// MarketSellBase sells qty of the base asset at market.
func (c *Client) MarketSellBase(ctx context.Context, symbol string, qty decimal.Decimal, clientOrderID string) (*Order, error) {
	return c.place(ctx, symbol, clientOrderID, url.Values{
		"side":     {string(core.SideSell)},
		"type":     {string(OrderTypeMarket)},
		"quantity": {qty.String()},
	})
}

// LimitOrder places a good-till-cancelled limit order.
func (c *Client) LimitOrder(ctx context.Context, symbol string, side core.Side, qty, price decimal.Decimal, clientOrderID string) (*Order, error) {
	return c.place(ctx, symbol, clientOrderID, url.Values{
		"side":        {string(side)},
		"type":        {string(OrderTypeLimit)},
		"timeInForce": {"GTC"},
		"quantity":    {qty.String()},
		"price":       {price.String()},
	})
}

// PlaceStopLoss places an exchange-side stop that sells qty at market
// once stopPrice trades.
func (c *Client) PlaceStopLoss(ctx context.Context, symbol string, qty, stopPrice decimal.Decimal, clientOrderID string) (*Order, error) {
	return c.place(ctx, symbol, clientOrderID, url.Values{
		"side":      {string(core.SideSell)},
		"type":      {string(OrderTypeStopLoss)},
		"quantity":  {qty.String()},
		"stopPrice": {stopPrice.String()},
	})
}

// PlaceTrailingStop places a trailing sell stop of deltaBP basis points.
// A zero activation starts trailing immediately.
func (c *Client) PlaceTrailingStop(ctx context.Context, symbol string, qty, activation decimal.Decimal, deltaBP int, clientOrderID string) (*Order, error) {
	params := url.Values{
		"side":          {string(core.SideSell)},
		"type":          {string(OrderTypeStopLoss)},
		"quantity":      {qty.String()},
		"trailingDelta": {strconv.Itoa(clampDelta(deltaBP))},
	}
	if activation.IsPositive() {
		params.Set("stopPrice", activation.String())
	}
	return c.place(ctx, symbol, clientOrderID, params)
}

// place submits an order idempotently. Every attempt first looks the client
// order id up, so a retry after a lost response returns the existing order
// instead of placing a second one. Attempts run under the order timeout.
func (c *Client) place(ctx context.Context, symbol, clientOrderID string, params url.Values) (*Order, error) {
	params.Set("symbol", symbol)
	params.Set("newClientOrderId", clientOrderID)
	params.Set("newOrderRespType", "FULL")

	lookup := url.Values{"symbol": {symbol}, "origClientOrderId": {clientOrderID}}
	existing := func(ctx context.Context) (*Order, error) {
		res, err := c.signedOnce(ctx, http.MethodGet, "/api/v3/order", lookup)
		if err != nil {
			return nil, classify(err)
		}
		return parseOrder(res), nil
	}

	var order *Order
	err := c.callWithin(ctx, "POST /api/v3/order", c.cfg.OrderTimeout, func(ctx context.Context) error {
		o, err := existing(ctx)
		if err == nil {
			c.logger.Info("order already placed",
				zap.String("client_order_id", clientOrderID),
				zap.String("status", string(o.Status)),
			)
			order = o
			return nil
		}
		if !errors.Is(err, core.ErrOrderNotFound) {
			return err
		}

		res, err := c.signedOnce(ctx, http.MethodPost, "/api/v3/order", params)
		if err != nil {
			if errors.Is(classify(err), core.ErrDuplicateOrder) {
				o, lerr := existing(ctx)
				if lerr != nil {
					return lerr
				}
				order = o
				return nil
			}
			return err
		}
		order = parseOrder(res)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("order placed",
		zap.String("symbol", symbol),
		zap.String("client_order_id", clientOrderID),
		zap.String("side", params.Get("side")),
		zap.String("type", params.Get("type")),
		zap.String("status", string(order.Status)),
		zap.Stringer("executed_qty", order.ExecutedQty),
	)
	return order, nil
}

func parseOrder(r gjson.Result) *Order {
	o := &Order{
		Symbol:        r.Get("symbol").String(),
		OrderID:       r.Get("orderId").Int(),
		ClientOrderID: r.Get("clientOrderId").String(),
		Side:          core.Side(r.Get("side").String()),
		Type:          OrderType(r.Get("type").String()),
		Status:        OrderStatus(r.Get("status").String()),
		Price:         dec(r.Get("price")),
		StopPrice:     dec(r.Get("stopPrice")),
		TrailingDelta: int(r.Get("trailingDelta").Int()),
		OrigQty:       dec(r.Get("origQty")),
		ExecutedQty:   dec(r.Get("executedQty")),
		CumQuote:      dec(r.Get("cummulativeQuoteQty")),
		Time:          millis(r.Get("time")),
		UpdateTime:    millis(r.Get("updateTime")),
	}
	if o.Time.IsZero() {
		o.Time = millis(r.Get("transactTime"))
	}
	if o.UpdateTime.IsZero() {
		o.UpdateTime = o.Time
	}
	for _, f := range r.Get("fills").Array() {
		o.Commission = o.Commission.Add(dec(f.Get("commission")))
		o.CommissionAsset = f.Get("commissionAsset").String()
	}
	return o
}
