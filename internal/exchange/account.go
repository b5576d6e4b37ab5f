package exchange

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const historyLimit = 1000

// Account returns the non-zero spot balances.
func (c *Client) Account(ctx context.Context) (*Account, error) {
	res, err := c.signed(ctx, http.MethodGet, "/api/v3/account", url.Values{
		"omitZeroBalances": {"true"},
	})
	if err != nil {
		return nil, err
	}
	acc := &Account{UpdateTime: millis(res.Get("updateTime"))}
	for _, b := range res.Get("balances").Array() {
		acc.Balances = append(acc.Balances, Balance{
			Asset:  b.Get("asset").String(),
			Free:   dec(b.Get("free")),
			Locked: dec(b.Get("locked")),
		})
	}
	return acc, nil
}

// MyTrades returns the account fills on symbol since the given time.
func (c *Client) MyTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, error) {
	res, err := c.signed(ctx, http.MethodGet, "/api/v3/myTrades", historyParams(symbol, since))
	if err != nil {
		return nil, err
	}
	var out []Trade
	for _, t := range res.Array() {
		out = append(out, Trade{
			ID:              t.Get("id").Int(),
			OrderID:         t.Get("orderId").Int(),
			Symbol:          t.Get("symbol").String(),
			Price:           dec(t.Get("price")),
			Qty:             dec(t.Get("qty")),
			QuoteQty:        dec(t.Get("quoteQty")),
			Commission:      dec(t.Get("commission")),
			CommissionAsset: t.Get("commissionAsset").String(),
			Time:            millis(t.Get("time")),
			IsBuyer:         t.Get("isBuyer").Bool(),
		})
	}
	return out, nil
}

// AllOrders returns orders on symbol created since the given time.
func (c *Client) AllOrders(ctx context.Context, symbol string, since time.Time) ([]Order, error) {
	res, err := c.signed(ctx, http.MethodGet, "/api/v3/allOrders", historyParams(symbol, since))
	if err != nil {
		return nil, err
	}
	var out []Order
	for _, o := range res.Array() {
		out = append(out, *parseOrder(o))
	}
	return out, nil
}

// OpenOrders returns the open orders on symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	res, err := c.signed(ctx, http.MethodGet, "/api/v3/openOrders", url.Values{"symbol": {symbol}})
	if err != nil {
		return nil, err
	}
	var out []Order
	for _, o := range res.Array() {
		out = append(out, *parseOrder(o))
	}
	return out, nil
}

func historyParams(symbol string, since time.Time) url.Values {
	p := url.Values{
		"symbol": {symbol},
		"limit":  {strconv.Itoa(historyLimit)},
	}
	if !since.IsZero() {
		p.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	return p
}
