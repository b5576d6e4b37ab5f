package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/newthinker/spotbot/internal/core"
)

// maxKlinesPerRequest is the exchange page size for klines.
const maxKlinesPerRequest = 1000

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", func(ctx context.Context) error {
		return c.public.NewPingService().Do(ctx)
	})
}

// ServerTime returns the exchange time.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var ms int64
	err := c.call(ctx, "time", func(ctx context.Context) error {
		var err error
		ms, err = c.public.NewServerTimeService().Do(ctx)
		return err
	})
	return time.UnixMilli(ms).UTC(), err
}

// Klines returns every closed candle opening in [start, end), paging
// forward from start.
func (c *Client) Klines(ctx context.Context, symbol, interval string, start, end time.Time) ([]core.Candle, error) {
	var out []core.Candle
	cursor := start.UnixMilli()
	for cursor < end.UnixMilli() {
		page, err := c.klinePage(ctx, symbol, interval, cursor, end.UnixMilli()-1, maxKlinesPerRequest)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, k := range page {
			candle, err := toCandle(k)
			if err != nil {
				return nil, err
			}
			out = append(out, candle)
		}
		cursor = page[len(page)-1].CloseTime + 1
		if len(page) < maxKlinesPerRequest {
			break
		}
	}
	return closedOnly(out, end), nil
}

// RecentKlines returns the last limit closed candles, paging backward
// when limit exceeds one request.
func (c *Client) RecentKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	var pages [][]*binance.Kline
	remaining := limit + 1
	var endTime int64
	for remaining > 0 {
		n := min(remaining, maxKlinesPerRequest)
		page, err := c.klinePage(ctx, symbol, interval, 0, endTime, n)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		pages = append(pages, page)
		remaining -= len(page)
		endTime = page[0].OpenTime - 1
		if len(page) < n {
			break
		}
	}

	var out []core.Candle
	for i := len(pages) - 1; i >= 0; i-- {
		for _, k := range pages[i] {
			candle, err := toCandle(k)
			if err != nil {
				return nil, err
			}
			out = append(out, candle)
		}
	}
	// The newest kline is still forming.
	if n := len(pages); n > 0 {
		last := pages[0][len(pages[0])-1]
		if last.CloseTime >= c.now().UnixMilli() {
			out = out[:len(out)-1]
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (c *Client) klinePage(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]*binance.Kline, error) {
	var page []*binance.Kline
	err := c.call(ctx, "klines", func(ctx context.Context) error {
		svc := c.public.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
		if start > 0 {
			svc = svc.StartTime(start)
		}
		if end > 0 {
			svc = svc.EndTime(end)
		}
		var err error
		page, err = svc.Do(ctx)
		return err
	})
	return page, err
}

func toCandle(k *binance.Kline) (core.Candle, error) {
	fields := [5]string{k.Open, k.High, k.Low, k.Close, k.Volume}
	var vals [5]decimal.Decimal
	for i, f := range fields {
		v, err := decimal.NewFromString(f)
		if err != nil {
			return core.Candle{}, fmt.Errorf("kline %d: %w", k.OpenTime, err)
		}
		vals[i] = v
	}
	return core.Candle{
		Time:   time.UnixMilli(k.OpenTime).UTC(),
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, nil
}

// closedOnly drops candles opening at or after end.
func closedOnly(candles []core.Candle, end time.Time) []core.Candle {
	n := sort.Search(len(candles), func(i int) bool { return !candles[i].Time.Before(end) })
	return candles[:n]
}

// AllTickers returns the last price of every symbol, cached for TickersTTL.
func (c *Client) AllTickers(ctx context.Context) (map[string]decimal.Decimal, error) {
	return c.tickers.get(func() (map[string]decimal.Decimal, error) {
		var prices []*binance.SymbolPrice
		err := c.call(ctx, "ticker/price", func(ctx context.Context) error {
			var err error
			prices, err = c.public.NewListPricesService().Do(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		out := make(map[string]decimal.Decimal, len(prices))
		for _, p := range prices {
			if v, err := decimal.NewFromString(p.Price); err == nil {
				out[p.Symbol] = v
			}
		}
		return out, nil
	})
}

// Filters returns the trading rules of symbol. Rules are fetched once per
// symbol and cached for the life of the client.
func (c *Client) Filters(ctx context.Context, symbol string) (core.SymbolFilters, error) {
	c.filtersMu.Lock()
	f, ok := c.filters[symbol]
	c.filtersMu.Unlock()
	if ok {
		return f, nil
	}

	var info *binance.ExchangeInfo
	err := c.call(ctx, "exchangeInfo", func(ctx context.Context) error {
		var err error
		info, err = c.public.NewExchangeInfoService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return core.SymbolFilters{}, err
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		f = parseFilters(s.Symbol, s.BaseAsset, s.QuoteAsset, s.Filters)
		c.filtersMu.Lock()
		c.filters[symbol] = f
		c.filtersMu.Unlock()
		return f, nil
	}
	return core.SymbolFilters{}, core.Errorf(core.ErrUnknownSymbol, "%s", symbol)
}

func parseFilters(symbol, base, quote string, raw []map[string]interface{}) core.SymbolFilters {
	f := core.SymbolFilters{Symbol: symbol, BaseAsset: base, QuoteAsset: quote}
	field := func(m map[string]interface{}, key string) decimal.Decimal {
		s, _ := m[key].(string)
		v, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero
		}
		return v
	}
	for _, m := range raw {
		switch m["filterType"] {
		case "PRICE_FILTER":
			f.TickSize = field(m, "tickSize")
		case "LOT_SIZE":
			f.StepSize = field(m, "stepSize")
			f.MinQty = field(m, "minQty")
		case "NOTIONAL", "MIN_NOTIONAL":
			f.MinNotional = field(m, "minNotional")
		}
	}
	return f
}

// tickerCache memoizes the all-tickers snapshot. Concurrent misses share
// one fetch, made without holding mu.
type tickerCache struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	fetched time.Time
	prices  map[string]decimal.Decimal
}

func newTickerCache(ttl time.Duration, now func() time.Time) *tickerCache {
	return &tickerCache{ttl: ttl, now: now}
}

func (t *tickerCache) get(fetch func() (map[string]decimal.Decimal, error)) (map[string]decimal.Decimal, error) {
	t.mu.Lock()
	prices := t.prices
	fresh := prices != nil && t.now().Sub(t.fetched) < t.ttl
	t.mu.Unlock()
	if fresh {
		return copyPrices(prices), nil
	}

	v, err, _ := t.group.Do("tickers", func() (any, error) {
		prices, err := fetch()
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.prices, t.fetched = prices, t.now()
		t.mu.Unlock()
		return prices, nil
	})
	if err != nil {
		return nil, err
	}
	return copyPrices(v.(map[string]decimal.Decimal)), nil
}

func copyPrices(prices map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		out[k] = v
	}
	return out
}

// Valuation sums every balance converted to quote at the given prices.
// Assets without a direct quote pair are skipped.
func Valuation(acc *Account, quote string, prices map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, b := range acc.Balances {
		amount := b.Free.Add(b.Locked)
		if !amount.IsPositive() {
			continue
		}
		if b.Asset == quote {
			total = total.Add(amount)
			continue
		}
		if p, ok := prices[b.Asset+quote]; ok {
			total = total.Add(amount.Mul(p))
		}
	}
	return total
}
