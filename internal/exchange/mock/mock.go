// Package mock provides an in-memory exchange for tests.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/exchange"
)

// Exchange implements exchange.API against in-memory books. Market orders
// fill at the current price; resting limit and stop orders fill when
// SetPrice crosses them. Orders are keyed by client order id and a repeated
// placement returns the existing order, like the real client does.
type Exchange struct {
	mu       sync.Mutex
	now      func() time.Time
	fee      decimal.Decimal
	orderID  int64
	tradeID  int64
	balances map[string]*exchange.Balance
	prices   map[string]decimal.Decimal
	filters  map[string]core.SymbolFilters
	klines   map[string][]core.Candle
	orders   []*exchange.Order
	byClient map[string]*exchange.Order
	highs    map[string]decimal.Decimal
	trades   []exchange.Trade
	failures map[string][]error
	lost     map[string]int
	calls    map[string]int
}

var _ exchange.API = (*Exchange)(nil)

// New creates an empty exchange charging fee on every fill notional.
func New(fee decimal.Decimal) *Exchange {
	return &Exchange{
		now:      time.Now,
		fee:      fee,
		orderID:  1000,
		tradeID:  5000,
		balances: make(map[string]*exchange.Balance),
		prices:   make(map[string]decimal.Decimal),
		filters:  make(map[string]core.SymbolFilters),
		klines:   make(map[string][]core.Candle),
		byClient: make(map[string]*exchange.Order),
		highs:    make(map[string]decimal.Decimal),
		failures: make(map[string][]error),
		lost:     make(map[string]int),
		calls:    make(map[string]int),
	}
}

// SetNow replaces the clock used for order timestamps.
func (m *Exchange) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// AddSymbol registers a tradable symbol.
func (m *Exchange) AddSymbol(f core.SymbolFilters) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters[f.Symbol] = f
}

// SetBalance sets the free balance of asset.
func (m *Exchange) SetBalance(asset string, free decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance(asset).Free = free
}

// Balance returns the free and locked amount of asset.
func (m *Exchange) Balance(asset string) exchange.Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.balance(asset)
}

// SetKlines sets the candles served for symbol.
func (m *Exchange) SetKlines(symbol string, candles []core.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klines[symbol] = append([]core.Candle(nil), candles...)
}

// SetPrice moves the market and fills every resting order it crosses.
func (m *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	m.match(symbol, price)
}

// FailNext makes the next call of method return err without side effects.
func (m *Exchange) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = append(m.failures[method], err)
}

// LoseNextResponse makes the next call of method take effect but report a
// transient failure, as when a response is lost in transit.
func (m *Exchange) LoseNextResponse(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost[method]++
}

// Calls returns how often method was invoked.
func (m *Exchange) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Orders returns a copy of every order in placement order.
func (m *Exchange) Orders() []exchange.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]exchange.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out
}

func (m *Exchange) enter(method string) error {
	m.calls[method]++
	if errs := m.failures[method]; len(errs) > 0 {
		m.failures[method] = errs[1:]
		return errs[0]
	}
	return nil
}

func (m *Exchange) lose(method string) error {
	if m.lost[method] > 0 {
		m.lost[method]--
		return core.Errorf(core.ErrTransient, "%s: response lost", method)
	}
	return nil
}

func (m *Exchange) balance(asset string) *exchange.Balance {
	b, ok := m.balances[asset]
	if !ok {
		b = &exchange.Balance{Asset: asset}
		m.balances[asset] = b
	}
	return b
}

// RecentKlines returns the last limit candles of symbol.
func (m *Exchange) RecentKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RecentKlines"); err != nil {
		return nil, err
	}
	all := m.klines[symbol]
	if limit < len(all) {
		all = all[len(all)-limit:]
	}
	return append([]core.Candle(nil), all...), nil
}

// Klines returns the candles of symbol opening in [start, end). The
// interval is not checked; a symbol holds one series.
func (m *Exchange) Klines(ctx context.Context, symbol, interval string, start, end time.Time) ([]core.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Klines"); err != nil {
		return nil, err
	}
	var out []core.Candle
	for _, c := range m.klines[symbol] {
		if !c.Time.Before(start) && c.Time.Before(end) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Filters returns the registered rules of symbol.
func (m *Exchange) Filters(ctx context.Context, symbol string) (core.SymbolFilters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Filters"); err != nil {
		return core.SymbolFilters{}, err
	}
	f, ok := m.filters[symbol]
	if !ok {
		return core.SymbolFilters{}, core.Errorf(core.ErrUnknownSymbol, "%s", symbol)
	}
	return f, nil
}

// AllTickers returns the current prices.
func (m *Exchange) AllTickers(ctx context.Context) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AllTickers"); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(m.prices))
	for k, v := range m.prices {
		out[k] = v
	}
	return out, nil
}

// Account returns the non-zero balances sorted by asset.
func (m *Exchange) Account(ctx context.Context) (*exchange.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Account"); err != nil {
		return nil, err
	}
	acc := &exchange.Account{UpdateTime: m.now()}
	for _, b := range m.balances {
		if b.Free.IsZero() && b.Locked.IsZero() {
			continue
		}
		acc.Balances = append(acc.Balances, *b)
	}
	sort.Slice(acc.Balances, func(i, j int) bool { return acc.Balances[i].Asset < acc.Balances[j].Asset })
	return acc, nil
}

// MyTrades returns fills on symbol at or after since.
func (m *Exchange) MyTrades(ctx context.Context, symbol string, since time.Time) ([]exchange.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("MyTrades"); err != nil {
		return nil, err
	}
	var out []exchange.Trade
	for _, t := range m.trades {
		if t.Symbol == symbol && !t.Time.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

// AllOrders returns orders on symbol created at or after since.
func (m *Exchange) AllOrders(ctx context.Context, symbol string, since time.Time) ([]exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AllOrders"); err != nil {
		return nil, err
	}
	var out []exchange.Order
	for _, o := range m.orders {
		if o.Symbol == symbol && !o.Time.Before(since) {
			out = append(out, *o)
		}
	}
	return out, nil
}

// GetOrder looks an order up by client order id.
func (m *Exchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetOrder"); err != nil {
		return nil, err
	}
	o, ok := m.byClient[clientOrderID]
	if !ok || o.Symbol != symbol {
		return nil, core.Errorf(core.ErrOrderNotFound, "%s", clientOrderID)
	}
	cp := *o
	return &cp, nil
}

// CancelOrder cancels an open order and releases its locked balance.
func (m *Exchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) (*exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CancelOrder"); err != nil {
		return nil, err
	}
	o, ok := m.byClient[clientOrderID]
	if !ok || o.Symbol != symbol {
		return nil, core.Errorf(core.ErrOrderNotFound, "%s", clientOrderID)
	}
	if !o.Status.Open() {
		return nil, core.Errorf(core.ErrClientMisuse, "order %s is %s", clientOrderID, o.Status)
	}
	m.unlock(o)
	o.Status = exchange.OrderStatusCanceled
	o.UpdateTime = m.now()
	cp := *o
	return &cp, m.lose("CancelOrder")
}

// MarketBuyQuote spends quote at the current price.
func (m *Exchange) MarketBuyQuote(ctx context.Context, symbol string, quote decimal.Decimal, clientOrderID string) (*exchange.Order, error) {
	return m.submit("MarketBuyQuote", symbol, clientOrderID, func(f core.SymbolFilters, price decimal.Decimal) (*exchange.Order, error) {
		qty := f.RoundQty(quote.Div(price.Mul(decimal.NewFromInt(1).Add(m.fee))))
		o := m.newOrder(symbol, clientOrderID, core.SideBuy, exchange.OrderTypeMarket, qty)
		if err := m.fill(o, f, price); err != nil {
			return nil, err
		}
		return o, nil
	})
}

// MarketSellBase sells qty at the current price.
func (m *Exchange) MarketSellBase(ctx context.Context, symbol string, qty decimal.Decimal, clientOrderID string) (*exchange.Order, error) {
	return m.submit("MarketSellBase", symbol, clientOrderID, func(f core.SymbolFilters, price decimal.Decimal) (*exchange.Order, error) {
		o := m.newOrder(symbol, clientOrderID, core.SideSell, exchange.OrderTypeMarket, qty)
		if err := m.fill(o, f, price); err != nil {
			return nil, err
		}
		return o, nil
	})
}

// LimitOrder rests a limit order, filling at once if it already crosses.
func (m *Exchange) LimitOrder(ctx context.Context, symbol string, side core.Side, qty, price decimal.Decimal, clientOrderID string) (*exchange.Order, error) {
	return m.submit("LimitOrder", symbol, clientOrderID, func(f core.SymbolFilters, market decimal.Decimal) (*exchange.Order, error) {
		o := m.newOrder(symbol, clientOrderID, side, exchange.OrderTypeLimit, qty)
		o.Price = price
		if err := m.lock(o, f); err != nil {
			return nil, err
		}
		m.cross(o, f, market)
		return o, nil
	})
}

// PlaceStopLoss rests a stop that sells at stopPrice once it trades.
func (m *Exchange) PlaceStopLoss(ctx context.Context, symbol string, qty, stopPrice decimal.Decimal, clientOrderID string) (*exchange.Order, error) {
	return m.submit("PlaceStopLoss", symbol, clientOrderID, func(f core.SymbolFilters, market decimal.Decimal) (*exchange.Order, error) {
		o := m.newOrder(symbol, clientOrderID, core.SideSell, exchange.OrderTypeStopLoss, qty)
		o.StopPrice = stopPrice
		if err := m.lock(o, f); err != nil {
			return nil, err
		}
		return o, nil
	})
}

// PlaceTrailingStop rests a trailing stop of deltaBP basis points.
func (m *Exchange) PlaceTrailingStop(ctx context.Context, symbol string, qty, activation decimal.Decimal, deltaBP int, clientOrderID string) (*exchange.Order, error) {
	return m.submit("PlaceTrailingStop", symbol, clientOrderID, func(f core.SymbolFilters, market decimal.Decimal) (*exchange.Order, error) {
		o := m.newOrder(symbol, clientOrderID, core.SideSell, exchange.OrderTypeStopLoss, qty)
		o.StopPrice = activation
		o.TrailingDelta = deltaBP
		if err := m.lock(o, f); err != nil {
			return nil, err
		}
		m.highs[clientOrderID] = market
		return o, nil
	})
}

func (m *Exchange) submit(method, symbol, clientOrderID string, build func(core.SymbolFilters, decimal.Decimal) (*exchange.Order, error)) (*exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(method); err != nil {
		return nil, err
	}
	if o, ok := m.byClient[clientOrderID]; ok {
		cp := *o
		return &cp, nil
	}
	f, ok := m.filters[symbol]
	if !ok {
		return nil, core.Errorf(core.ErrUnknownSymbol, "%s", symbol)
	}
	price, ok := m.prices[symbol]
	if !ok {
		return nil, core.Errorf(core.ErrClientMisuse, "no price for %s", symbol)
	}
	o, err := build(f, price)
	if err != nil {
		return nil, err
	}
	m.orders = append(m.orders, o)
	m.byClient[clientOrderID] = o
	cp := *o
	return &cp, m.lose(method)
}

func (m *Exchange) newOrder(symbol, clientOrderID string, side core.Side, typ exchange.OrderType, qty decimal.Decimal) *exchange.Order {
	m.orderID++
	now := m.now()
	return &exchange.Order{
		Symbol:        symbol,
		OrderID:       m.orderID,
		ClientOrderID: clientOrderID,
		Side:          side,
		Type:          typ,
		Status:        exchange.OrderStatusNew,
		OrigQty:       qty,
		Time:          now,
		UpdateTime:    now,
	}
}

// lock reserves the balance a resting order needs.
func (m *Exchange) lock(o *exchange.Order, f core.SymbolFilters) error {
	asset, amount := f.BaseAsset, o.OrigQty
	if o.Side == core.SideBuy {
		asset, amount = f.QuoteAsset, o.OrigQty.Mul(o.Price).Mul(decimal.NewFromInt(1).Add(m.fee))
	}
	b := m.balance(asset)
	if b.Free.LessThan(amount) {
		return core.Errorf(core.ErrInsufficientBalance, "%s: need %s have %s", asset, amount, b.Free)
	}
	b.Free = b.Free.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return nil
}

func (m *Exchange) unlock(o *exchange.Order) {
	f := m.filters[o.Symbol]
	asset, amount := f.BaseAsset, o.OrigQty
	if o.Side == core.SideBuy {
		asset, amount = f.QuoteAsset, o.OrigQty.Mul(o.Price).Mul(decimal.NewFromInt(1).Add(m.fee))
	}
	b := m.balance(asset)
	b.Locked = b.Locked.Sub(amount)
	b.Free = b.Free.Add(amount)
}

// fill executes o completely at price, charging the fee in quote.
func (m *Exchange) fill(o *exchange.Order, f core.SymbolFilters, price decimal.Decimal) error {
	if !f.Tradable(o.OrigQty, price) {
		return core.Errorf(core.ErrBelowMinNotional, "%s %s at %s", o.Symbol, o.OrigQty, price)
	}
	notional := o.OrigQty.Mul(price)
	fee := notional.Mul(m.fee)
	base, quote := m.balance(f.BaseAsset), m.balance(f.QuoteAsset)

	if o.Side == core.SideBuy {
		if quote.Free.LessThan(notional.Add(fee)) {
			return core.Errorf(core.ErrInsufficientBalance, "%s: need %s have %s", f.QuoteAsset, notional.Add(fee), quote.Free)
		}
		quote.Free = quote.Free.Sub(notional).Sub(fee)
		base.Free = base.Free.Add(o.OrigQty)
	} else {
		if base.Free.LessThan(o.OrigQty) {
			return core.Errorf(core.ErrInsufficientBalance, "%s: need %s have %s", f.BaseAsset, o.OrigQty, base.Free)
		}
		base.Free = base.Free.Sub(o.OrigQty)
		quote.Free = quote.Free.Add(notional).Sub(fee)
	}
	m.complete(o, f, price, fee)
	return nil
}

// settle fills a resting order whose balance is already locked.
func (m *Exchange) settle(o *exchange.Order, f core.SymbolFilters, price decimal.Decimal) {
	m.unlock(o)
	if err := m.fill(o, f, price); err != nil {
		o.Status = exchange.OrderStatusExpired
		o.UpdateTime = m.now()
	}
}

func (m *Exchange) complete(o *exchange.Order, f core.SymbolFilters, price, fee decimal.Decimal) {
	now := m.now()
	o.Status = exchange.OrderStatusFilled
	o.ExecutedQty = o.OrigQty
	o.CumQuote = o.OrigQty.Mul(price)
	o.Commission = fee
	o.CommissionAsset = f.QuoteAsset
	o.UpdateTime = now

	m.tradeID++
	m.trades = append(m.trades, exchange.Trade{
		ID:              m.tradeID,
		OrderID:         o.OrderID,
		Symbol:          o.Symbol,
		Price:           price,
		Qty:             o.OrigQty,
		QuoteQty:        o.CumQuote,
		Commission:      fee,
		CommissionAsset: f.QuoteAsset,
		Time:            now,
		IsBuyer:         o.Side == core.SideBuy,
	})
}

func (m *Exchange) match(symbol string, price decimal.Decimal) {
	f := m.filters[symbol]
	for _, o := range m.orders {
		if o.Symbol == symbol && o.Status.Open() {
			m.cross(o, f, price)
		}
	}
}

func (m *Exchange) cross(o *exchange.Order, f core.SymbolFilters, price decimal.Decimal) {
	switch {
	case o.Type == exchange.OrderTypeLimit:
		if (o.Side == core.SideBuy && price.LessThanOrEqual(o.Price)) ||
			(o.Side == core.SideSell && price.GreaterThanOrEqual(o.Price)) {
			m.settle(o, f, o.Price)
		}
	case o.TrailingDelta > 0:
		high := m.highs[o.ClientOrderID]
		if price.GreaterThan(high) {
			high = price
			m.highs[o.ClientOrderID] = high
		}
		if o.StopPrice.IsPositive() && high.LessThan(o.StopPrice) {
			return
		}
		level := high.Mul(decimal.NewFromInt(10000 - int64(o.TrailingDelta))).Div(decimal.NewFromInt(10000))
		if price.LessThanOrEqual(level) {
			m.settle(o, f, price)
		}
	case o.Type == exchange.OrderTypeStopLoss:
		if price.LessThanOrEqual(o.StopPrice) {
			m.settle(o, f, price)
		}
	}
}

// String summarizes the book for test failure messages.
func (m *Exchange) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("mock exchange: %d orders, %d trades", len(m.orders), len(m.trades))
}
