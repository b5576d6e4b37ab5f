package live

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newthinker/spotbot/internal/breaker"
	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/exchange"
	"github.com/newthinker/spotbot/internal/exchange/mock"
	"github.com/newthinker/spotbot/internal/indicator"
	"github.com/newthinker/spotbot/internal/ledger"
	"github.com/newthinker/spotbot/internal/notifier"
	"github.com/newthinker/spotbot/internal/state"
	"github.com/newthinker/spotbot/internal/strategy"
)

const (
	sym   = "BTCUSDC"
	runID = "run-0001"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

var filters = core.SymbolFilters{
	Symbol:      sym,
	BaseAsset:   "BTC",
	QuoteAsset:  "USDC",
	TickSize:    decimal.RequireFromString("0.01"),
	StepSize:    decimal.RequireFromString("0.001"),
	MinQty:      decimal.RequireFromString("0.001"),
	MinNotional: decimal.RequireFromString("10"),
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() Config {
	return Config{
		TakerFee:          d("0.001"),
		MakerFee:          d("0.0004"),
		CapitalUsage:      d("0.995"),
		MinCandles:        50,
		LimitOrderTimeout: 6 * time.Second,
		LimitPollInterval: 2 * time.Second,
	}
}

func testParams() strategy.Params {
	return strategy.DefaultParams(5, 20, strategy.ScenarioStochRSI)
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []notifier.Alert
}

func (r *recordingSink) Notify(_ context.Context, a notifier.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingSink) find(title string) (notifier.Alert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.alerts {
		if a.Title == title {
			return a, true
		}
	}
	return notifier.Alert{}, false
}

// fixture wires a trader to the mock exchange with a scripted indicator
// series: each bar is neutral unless marked "buy" or "sell".
type fixture struct {
	t       *testing.T
	cfg     Config
	now     time.Time
	ex      *mock.Exchange
	store   *state.Store
	br      *breaker.Breaker
	ledger  *ledger.Ledger
	alerts  *recordingSink
	trader  *Trader
	candles []core.Candle
	signals map[int64]string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		t:       t,
		cfg:     cfg,
		now:     t0.Add(60*time.Hour + 5*time.Second),
		signals: make(map[int64]string),
	}

	f.ex = mock.New(d("0.001"))
	f.ex.SetNow(f.clock)
	f.ex.AddSymbol(filters)
	f.ex.SetBalance("USDC", d("10000"))
	f.ex.SetPrice(sym, d("100"))
	for i := 0; i < 60; i++ {
		f.candles = append(f.candles, candle(t0.Add(time.Duration(i)*time.Hour), "100.5", "99.5", "100"))
	}
	f.ex.SetKlines(sym, f.candles)

	var err error
	f.store, err = state.Open(filepath.Join(dir, "state.bin"), nil)
	require.NoError(t, err)
	f.ledger, err = ledger.Open(filepath.Join(dir, "trades.csv"))
	require.NoError(t, err)

	f.start()
	return f
}

func candle(at time.Time, high, low, close string) core.Candle {
	return core.Candle{Time: at, Open: d(close), High: d(high), Low: d(low), Close: d(close), Volume: d("10")}
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) sleep(_ context.Context, dur time.Duration) error {
	f.now = f.now.Add(dur)
	return nil
}

func (f *fixture) start() {
	f.br = breaker.New(breaker.DefaultConfig(), nil)
	f.br.SetNow(f.clock)
	f.alerts = &recordingSink{}
	f.trader = New(f.cfg, Deps{
		API:     f.ex,
		Store:   f.store,
		Breaker: f.br,
		Ledger:  f.ledger,
		Alerts:  f.alerts,
	}, nil, WithNow(f.clock), WithSleep(f.sleep))
	f.trader.annotate = f.annotate
	require.NoError(f.t, f.trader.Bind(Binding{Symbol: sym, Timeframe: "1h", Params: testParams(), RunID: runID}))
}

// restart simulates a process restart: state is read back from disk and
// the trader starts over against the same exchange.
func (f *fixture) restart() {
	var err error
	f.store, err = state.Open(f.store.Path(), nil)
	require.NoError(f.t, err)
	f.start()
}

func (f *fixture) annotate(candles []core.Candle, _ indicator.Params) []indicator.Annotated {
	out := make([]indicator.Annotated, len(candles))
	for i, c := range candles {
		a := indicator.Annotated{Candle: c, EMA1: 100, EMA2: 100, StochK: 0.5, ATR: 2}
		switch f.signals[c.Time.UnixMilli()] {
		case "buy":
			a.EMA1 = 101
		case "sell":
			a.EMA1 = 99
		}
		out[i] = a
	}
	return out
}

func (f *fixture) lastBar() time.Time { return f.candles[len(f.candles)-1].Time }

func (f *fixture) signal(bar time.Time, s string) { f.signals[bar.UnixMilli()] = s }

// nextBar closes one more bar and moves the clock past it.
func (f *fixture) nextBar(signal, high, low, close string) time.Time {
	at := f.lastBar().Add(time.Hour)
	f.candles = append(f.candles, candle(at, high, low, close))
	f.ex.SetKlines(sym, f.candles)
	f.signal(at, signal)
	f.now = f.now.Add(time.Hour)
	return at
}

func (f *fixture) rows() []core.TradeRecord {
	rows, err := f.ledger.ReadAll()
	require.NoError(f.t, err)
	return rows
}

func (f *fixture) pair() state.PairState {
	ps, ok := f.store.Pair(sym)
	require.True(f.t, ok)
	return ps
}

func (f *fixture) enter() {
	f.t.Helper()
	f.signal(f.lastBar(), "buy")
	require.NoError(f.t, f.trader.Tick(context.Background(), sym))
	require.True(f.t, f.pair().Long())
}

func TestTick_EntryPlacesStop(t *testing.T) {
	f := newFixture(t, testConfig())
	f.enter()

	orders := f.ex.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, exchange.ClientOrderID(exchange.IntentEntry, runID, sym, f.lastBar()), orders[0].ClientOrderID)
	assert.Equal(t, exchange.OrderStatusFilled, orders[0].Status)
	assert.Equal(t, exchange.ClientOrderID(exchange.IntentStopLoss, runID, sym, f.lastBar()), orders[1].ClientOrderID)
	assert.Equal(t, exchange.OrderStatusNew, orders[1].Status)
	assert.True(t, orders[1].StopPrice.Equal(d("94")), orders[1].StopPrice.String())
	assert.True(t, orders[1].OrigQty.Equal(d("16.649")))

	ps := f.pair()
	assert.True(t, ps.Position.EntryPrice.Equal(d("100")))
	assert.True(t, ps.Position.Quantity.Equal(d("16.649")))
	assert.True(t, ps.Position.StopLoss.Equal(d("94")))
	assert.True(t, ps.Position.TrailingActivation.Equal(d("110")))
	assert.Equal(t, orders[1].ClientOrderID, ps.ProtectiveOrderID)
	assert.Equal(t, 1, ps.ExecutionCount)
	assert.Equal(t, core.SideBuy, ps.LastOrderSide)
	assert.Equal(t, orders[0].OrderID, ps.LastOrderID)
	assert.True(t, ps.LastBar.Equal(f.lastBar()))

	rows := f.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, core.SideBuy, rows[0].Side)
	assert.Equal(t, "MARKET", rows[0].OrderType)
	assert.True(t, rows[0].Quantity.Equal(d("16.649")))
	assert.True(t, rows[0].Fee.Equal(d("1.6649")), rows[0].Fee.String())
	assert.Equal(t, runID, rows[0].RunID)

	_, ok := f.alerts.find("entry filled")
	assert.True(t, ok)
}

func TestTick_SameBarIsNotEvaluatedTwice(t *testing.T) {
	f := newFixture(t, testConfig())
	f.enter()

	require.NoError(t, f.trader.Tick(context.Background(), sym))
	assert.Equal(t, 1, f.ex.Calls("MarketBuyQuote"))
	assert.Len(t, f.ex.Orders(), 2)
	assert.Len(t, f.rows(), 1)
}

func TestTick_ExchangeStopFillIsAdopted(t *testing.T) {
	f := newFixture(t, testConfig())
	f.enter()

	f.ex.SetPrice(sym, d("93"))
	f.nextBar("", "100", "92", "93")
	require.NoError(t, f.trader.Tick(context.Background(), sym))

	ps := f.pair()
	assert.False(t, ps.Long())
	assert.Empty(t, ps.ProtectiveOrderID)
	assert.Equal(t, 2, ps.ExecutionCount)
	assert.Equal(t, core.SideSell, ps.LastOrderSide)

	rows := f.rows()
	require.Len(t, rows, 2)
	exit := rows[1]
	assert.Equal(t, core.SideSell, exit.Side)
	assert.Equal(t, core.ReasonStopLoss, exit.Reason)
	assert.Equal(t, "STOP_LOSS", exit.OrderType)
	assert.True(t, exit.Price.Equal(d("93")))
	assert.True(t, exit.RealizedPnL.Equal(d("-116.543")), exit.RealizedPnL.String())

	// no market sell on top of the stop
	assert.Zero(t, f.ex.Calls("MarketSellBase"))
}

func TestTick_SignalExitCancelsStop(t *testing.T) {
	f := newFixture(t, testConfig())
	f.enter()

	f.ex.SetPrice(sym, d("102"))
	bar := f.nextBar("sell", "102.5", "101.5", "102")
	require.NoError(t, f.trader.Tick(context.Background(), sym))

	orders := f.ex.Orders()
	require.Len(t, orders, 3)
	assert.Equal(t, exchange.OrderStatusCanceled, orders[1].Status)
	assert.Equal(t, exchange.ClientOrderID(exchange.IntentExit, runID, sym, bar), orders[2].ClientOrderID)
	assert.Equal(t, exchange.OrderStatusFilled, orders[2].Status)

	assert.False(t, f.pair().Long())
	rows := f.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, core.ReasonSignal, rows[1].Reason)
	assert.True(t, rows[1].RealizedPnL.Equal(d("33.298")), rows[1].RealizedPnL.String())
	assert.True(t, f.ex.Balance("BTC").Free.IsZero())
}

func TestTick_TrailingActivationSwapsStop(t *testing.T) {
	f := newFixture(t, testConfig())
	f.enter()

	f.ex.SetPrice(sym, d("108"))
	bar := f.nextBar("", "111", "105", "108")
	require.NoError(t, f.trader.Tick(context.Background(), sym))

	orders := f.ex.Orders()
	require.Len(t, orders, 3)
	assert.Equal(t, exchange.OrderStatusCanceled, orders[1].Status)
	trailing := orders[2]
	assert.Equal(t, exchange.ClientOrderID(exchange.IntentTrailing, runID, sym, bar), trailing.ClientOrderID)
	assert.Equal(t, 909, trailing.TrailingDelta)
	assert.Equal(t, exchange.OrderStatusNew, trailing.Status)

	ps := f.pair()
	require.True(t, ps.Long())
	assert.True(t, ps.Position.TrailingActive)
	assert.True(t, ps.Position.MaxPrice.Equal(d("111")))
	assert.Equal(t, trailing.ClientOrderID, ps.ProtectiveOrderID)
	// the frozen levels never move
	assert.True(t, ps.Position.StopLoss.Equal(d("94")))
}

func TestTick_SnapshotMismatchAlerts(t *testing.T) {
	f := newFixture(t, testConfig())
	f.enter()

	// the stored run was authorized under parameters nobody bound
	ps := f.pair()
	ps.StrategySnapshot = strategy.DefaultParams(8, 21, strategy.ScenarioStochRSI).Snapshot()
	require.NoError(t, f.store.Put(ps))

	f.nextBar("sell", "102.5", "101.5", "102")
	err := f.trader.Tick(context.Background(), sym)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSnapshotMismatch))
	assert.Equal(t, breaker.ModeAlert, f.br.Mode())

	alert, ok := f.alerts.find("strategy snapshot mismatch")
	require.True(t, ok)
	assert.Equal(t, notifier.SeverityCritical, alert.Severity)
	assert.Equal(t, runID, alert.Fields["run_id"])

	assert.Len(t, f.ex.Orders(), 2)
	assert.Zero(t, f.ex.Calls("MarketSellBase"))
}

func TestBind_LongSymbolDefersNewRun(t *testing.T) {
	f := newFixture(t, testConfig())
	var rebound []Binding
	f.trader.onRebind = func(b Binding) { rebound = append(rebound, b) }
	f.enter()

	changed := strategy.DefaultParams(8, 21, strategy.ScenarioStochRSI)
	require.NoError(t, f.trader.Bind(Binding{Symbol: sym, Timeframe: "1h", Params: changed, RunID: "run-0002"}))
	assert.Equal(t, runID, f.pair().RunID)
	bound := f.trader.Bindings()
	require.Len(t, bound, 1)
	assert.Equal(t, testParams().Snapshot(), bound[0].Params.Snapshot())
	pending, ok := f.trader.Pending(sym)
	require.True(t, ok)
	assert.Equal(t, "run-0002", pending.RunID)

	// the open position keeps trading under its own run
	f.ex.SetPrice(sym, d("101"))
	f.nextBar("", "101.5", "100.5", "101")
	require.NoError(t, f.trader.Tick(context.Background(), sym))
	assert.Equal(t, breaker.ModeRunning, f.br.Mode())
	assert.True(t, f.pair().Long())
	assert.Empty(t, rebound)

	f.ex.SetPrice(sym, d("102"))
	f.nextBar("sell", "102.5", "101.5", "102")
	require.NoError(t, f.trader.Tick(context.Background(), sym))

	ps := f.pair()
	assert.False(t, ps.Long())
	assert.Equal(t, "run-0002", ps.RunID)
	assert.Equal(t, changed.Snapshot(), ps.StrategySnapshot)
	rows := f.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, runID, rows[1].RunID)

	_, ok = f.trader.Pending(sym)
	assert.False(t, ok)
	require.Len(t, rebound, 1)
	assert.Equal(t, "run-0002", rebound[0].RunID)
	assert.Equal(t, changed.Snapshot(), f.trader.Bindings()[0].Params.Snapshot())
}

func TestBind_RestartRestoresStoredRun(t *testing.T) {
	f := newFixture(t, testConfig())
	f.enter()

	var err error
	f.store, err = state.Open(f.store.Path(), nil)
	require.NoError(t, err)
	tr := New(f.cfg, Deps{API: f.ex, Store: f.store, Breaker: f.br, Ledger: f.ledger, Alerts: f.alerts}, nil,
		WithNow(f.clock), WithSleep(f.sleep))
	tr.annotate = f.annotate

	changed := strategy.DefaultParams(8, 21, strategy.ScenarioStochRSI)
	require.NoError(t, tr.Bind(Binding{Symbol: sym, Timeframe: "1h", Params: changed, RunID: "run-0002"}))
	bound := tr.Bindings()
	require.Len(t, bound, 1)
	assert.Equal(t, runID, bound[0].RunID)
	assert.Equal(t, "1h", bound[0].Timeframe)
	assert.Equal(t, testParams().Snapshot(), bound[0].Params.Snapshot())

	f.ex.SetPrice(sym, d("101"))
	f.nextBar("", "101.5", "100.5", "101")
	require.NoError(t, tr.Tick(context.Background(), sym))
	assert.Equal(t, breaker.ModeRunning, f.br.Mode())
	assert.True(t, f.pair().Long())
}

func TestBind_FlatSymbolAdoptsNewRun(t *testing.T) {
	f := newFixture(t, testConfig())

	changed := strategy.DefaultParams(8, 21, strategy.ScenarioStochRSI)
	require.NoError(t, f.trader.Bind(Binding{Symbol: sym, Timeframe: "1h", Params: changed, RunID: "run-0002"}))
	ps := f.pair()
	assert.Equal(t, "run-0002", ps.RunID)
	assert.Equal(t, changed.Snapshot(), ps.StrategySnapshot)

	bad := strategy.DefaultParams(21, 8, strategy.ScenarioStochRSI)
	err := f.trader.Bind(Binding{Symbol: sym, Timeframe: "1h", Params: bad, RunID: "run-0003"})
	assert.True(t, errors.Is(err, core.ErrInvalidParams))

	err = f.trader.Bind(Binding{Symbol: sym, Timeframe: "1h", Params: changed})
	assert.True(t, errors.Is(err, core.ErrConfigMissing))
}

func TestTick_BreakerOpenSkipsBar(t *testing.T) {
	f := newFixture(t, testConfig())
	f.signal(f.lastBar(), "buy")
	f.br.Alert("operator hold")

	err := f.trader.Tick(context.Background(), sym)
	assert.True(t, errors.Is(err, core.ErrBreakerOpen))
	assert.Empty(t, f.ex.Orders())
	assert.True(t, f.pair().LastBar.IsZero())

	// the bar is evaluated again once the operator clears the alert
	f.br.Clear()
	require.NoError(t, f.trader.Tick(context.Background(), sym))
	assert.True(t, f.pair().Long())
}

func TestTick_BreakerOpenKeepsStopOnExit(t *testing.T) {
	f := newFixture(t, testConfig())
	f.enter()
	entryBar := f.lastBar()
	stopID := f.pair().ProtectiveOrderID

	f.ex.SetPrice(sym, d("102"))
	f.nextBar("sell", "102.5", "101.5", "102")
	for i := 0; i < breaker.DefaultConfig().FailureThreshold; i++ {
		f.br.RecordFailure(core.ErrTransient)
	}
	require.Equal(t, breaker.ModePaused, f.br.Mode())

	err := f.trader.Tick(context.Background(), sym)
	assert.True(t, errors.Is(err, core.ErrBreakerOpen))

	orders := f.ex.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, exchange.OrderStatusNew, orders[1].Status)
	assert.Zero(t, f.ex.Calls("CancelOrder"))
	assert.Zero(t, f.ex.Calls("MarketSellBase"))

	ps := f.pair()
	assert.True(t, ps.Long())
	assert.Equal(t, stopID, ps.ProtectiveOrderID)
	assert.True(t, ps.LastBar.Equal(entryBar))

	f.br.Clear()
	require.NoError(t, f.trader.Tick(context.Background(), sym))
	assert.False(t, f.pair().Long())
	assert.Equal(t, exchange.OrderStatusCanceled, f.ex.Orders()[1].Status)
}

func TestTick_BreakerOpenDefersTrailingSwap(t *testing.T) {
	f := newFixture(t, testConfig())
	f.enter()
	stopID := f.pair().ProtectiveOrderID

	f.ex.SetPrice(sym, d("108"))
	f.nextBar("", "111", "105", "108")
	f.br.Alert("operator hold")

	err := f.trader.Tick(context.Background(), sym)
	assert.True(t, errors.Is(err, core.ErrBreakerOpen))

	orders := f.ex.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, exchange.OrderStatusNew, orders[1].Status)
	ps := f.pair()
	assert.True(t, ps.Position.TrailingActive)
	assert.Equal(t, stopID, ps.ProtectiveOrderID)

	f.br.Clear()
	require.NoError(t, f.trader.Tick(context.Background(), sym))
	orders = f.ex.Orders()
	require.Len(t, orders, 3)
	assert.Equal(t, exchange.OrderStatusCanceled, orders[1].Status)
	assert.True(t, isIntent(f.pair().ProtectiveOrderID, exchange.IntentTrailing))
}

func TestTick_InProgress(t *testing.T) {
	f := newFixture(t, testConfig())
	lock := f.trader.lockFor(sym)
	lock.Lock()
	defer lock.Unlock()

	err := f.trader.Tick(context.Background(), sym)
	assert.True(t, errors.Is(err, core.ErrTickInProgress))
	assert.Zero(t, f.ex.Calls("RecentKlines"))
}

func TestTick_CrashBetweenFillAndSave(t *testing.T) {
	f := newFixture(t, testConfig())
	f.signal(f.lastBar(), "buy")
	f.store.SetCrashHook(func(step string) error {
		if step == "rename" {
			return errors.New("killed")
		}
		return nil
	})

	err := f.trader.Tick(context.Background(), sym)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrPersistence))
	assert.Equal(t, breaker.ModeAlert, f.br.Mode())
	assert.Empty(t, f.rows())

	f.restart()
	require.False(t, f.pair().Long())

	require.NoError(t, f.trader.Tick(context.Background(), sym))

	entryID := exchange.ClientOrderID(exchange.IntentEntry, runID, sym, f.lastBar())
	var entries int
	for _, o := range f.ex.Orders() {
		if o.ClientOrderID == entryID {
			entries++
		}
	}
	assert.Equal(t, 1, entries)
	assert.Equal(t, 1, f.ex.Calls("MarketBuyQuote"))
	assert.Equal(t, 1, f.ex.Calls("PlaceStopLoss"))

	ps := f.pair()
	require.True(t, ps.Long())
	assert.True(t, ps.Position.Quantity.Equal(d("16.649")))
	assert.True(t, ps.Position.StopLoss.Equal(d("94")))
	assert.Equal(t, exchange.ClientOrderID(exchange.IntentStopLoss, runID, sym, f.lastBar()), ps.ProtectiveOrderID)

	rows := f.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, core.SideBuy, rows[0].Side)
}

func TestTick_LostResponseStillRecordsFill(t *testing.T) {
	f := newFixture(t, testConfig())
	f.ex.LoseNextResponse("MarketBuyQuote")
	f.enter()

	assert.Len(t, f.ex.Orders(), 2)
	assert.Len(t, f.rows(), 1)
	assert.Equal(t, 1, f.pair().ExecutionCount)
}

func TestTick_LimitEntryTimesOutToMarket(t *testing.T) {
	cfg := testConfig()
	cfg.UseLimitOrders = true
	f := newFixture(t, cfg)
	f.ex.SetPrice(sym, d("100.5"))
	f.enter()

	orders := f.ex.Orders()
	require.Len(t, orders, 3)
	assert.Equal(t, exchange.OrderTypeLimit, orders[0].Type)
	assert.Equal(t, exchange.OrderStatusCanceled, orders[0].Status)
	assert.Equal(t, exchange.ClientOrderID(exchange.IntentEntryMarket, runID, sym, f.lastBar()), orders[1].ClientOrderID)
	assert.Equal(t, exchange.OrderStatusFilled, orders[1].Status)
	assert.Equal(t, 3, f.ex.Calls("GetOrder"))

	ps := f.pair()
	assert.True(t, ps.Position.EntryPrice.Equal(d("100.5")))
	assert.True(t, ps.Position.Quantity.Equal(d("16.566")), ps.Position.Quantity.String())

	rows := f.rows()
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Price.Equal(d("100.5")))
}

func TestTrader_ReconcileAtStartup(t *testing.T) {
	f := newFixture(t, testConfig())
	f.enter()
	entryBar := f.lastBar()

	// the stop fills while the process is down
	f.ex.SetPrice(sym, d("93"))
	f.restart()
	require.NoError(t, f.trader.Reconcile(context.Background()))

	ps := f.pair()
	assert.False(t, ps.Long())
	assert.True(t, ps.LastBar.Equal(entryBar))
	rows := f.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, core.ReasonStopLoss, rows[1].Reason)
}

func TestTrader_ReconcileWithShortHistory(t *testing.T) {
	f := newFixture(t, testConfig())
	f.enter()

	f.ex.SetPrice(sym, d("93"))
	f.restart()
	f.ex.SetKlines(sym, f.candles[len(f.candles)-3:])
	require.NoError(t, f.trader.Reconcile(context.Background()))

	assert.Equal(t, breaker.ModeRunning, f.br.Mode())
	assert.False(t, f.pair().Long())
	rows := f.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, core.ReasonStopLoss, rows[1].Reason)
}

func TestTrader_Status(t *testing.T) {
	f := newFixture(t, testConfig())
	f.enter()

	status := f.trader.Status()
	require.Len(t, status, 1)
	assert.Equal(t, sym, status[0].Symbol)
	assert.True(t, status[0].Long)
	assert.Equal(t, testParams().Key(), status[0].Params)
	require.NotNil(t, status[0].StopLevel)
	assert.True(t, status[0].StopLevel.Equal(d("94")))
}

func TestClosedCandles(t *testing.T) {
	candles := []core.Candle{
		candle(t0, "1", "1", "1"),
		candle(t0.Add(time.Hour), "1", "1", "1"),
		candle(t0.Add(2*time.Hour), "1", "1", "1"),
	}
	assert.Len(t, closedCandles(candles, time.Hour, t0.Add(2*time.Hour+30*time.Minute)), 2)
	assert.Len(t, closedCandles(candles, time.Hour, t0.Add(3*time.Hour)), 3)
	assert.Empty(t, closedCandles(candles, time.Hour, t0))
}

func TestCollect_GroupsLimitAndCompletion(t *testing.T) {
	tk := &tick{
		t:       &Trader{cfg: DefaultConfig()},
		b:       Binding{Symbol: sym, Timeframe: "1h", Params: testParams(), RunID: runID},
		ps:      state.PairState{Symbol: sym, RunID: runID, LastOrderID: 10},
		filters: filters,
	}
	bar := t0.Add(5 * time.Hour)
	orders := []exchange.Order{
		{
			OrderID: 12, ClientOrderID: exchange.ClientOrderID(exchange.IntentEntryMarket, runID, sym, bar),
			Side: core.SideBuy, Type: exchange.OrderTypeMarket, Status: exchange.OrderStatusFilled,
			ExecutedQty: d("3"), CumQuote: d("303"), UpdateTime: bar.Add(2 * time.Minute),
		},
		{
			OrderID: 11, ClientOrderID: exchange.ClientOrderID(exchange.IntentEntry, runID, sym, bar),
			Side: core.SideBuy, Type: exchange.OrderTypeLimit, Status: exchange.OrderStatusCanceled,
			ExecutedQty: d("5"), CumQuote: d("500"), UpdateTime: bar.Add(time.Minute),
		},
		{
			OrderID: 9, ClientOrderID: exchange.ClientOrderID(exchange.IntentEntry, runID, sym, t0),
			Side: core.SideBuy, Status: exchange.OrderStatusFilled, ExecutedQty: d("1"), CumQuote: d("100"),
		},
		{
			OrderID: 13, ClientOrderID: "web_8f2a", Side: core.SideSell,
			Status: exchange.OrderStatusFilled, ExecutedQty: d("1"), CumQuote: d("100"),
		},
		{
			OrderID: 14, ClientOrderID: exchange.ClientOrderID(exchange.IntentStopLoss, runID, sym, bar),
			Side: core.SideSell, Status: exchange.OrderStatusNew,
		},
	}
	trades := []exchange.Trade{
		{OrderID: 11, Commission: d("0.005"), CommissionAsset: "BTC"},
		{OrderID: 12, Commission: d("0.303"), CommissionAsset: "USDC"},
	}

	fills := tk.collect(orders, trades)
	require.Len(t, fills, 1)
	got := fills[0]
	assert.Equal(t, exchange.IntentEntry, got.intent)
	assert.Equal(t, "LIMIT", got.orderType)
	assert.True(t, got.qty.Equal(d("8")))
	assert.True(t, got.price().Equal(d("100.375")))
	assert.True(t, got.baseFee.Equal(d("0.005")))
	assert.True(t, got.fee.Equal(d("0.803")), got.fee.String())
	assert.Equal(t, int64(12), got.lastOrderID)
	assert.True(t, got.time.Equal(bar.Add(2*time.Minute)))
}
