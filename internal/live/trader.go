// Package live runs the bar-close trading loop against the exchange.
package live

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/newthinker/spotbot/internal/breaker"
	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/exchange"
	"github.com/newthinker/spotbot/internal/indicator"
	"github.com/newthinker/spotbot/internal/notifier"
	"github.com/newthinker/spotbot/internal/state"
	"github.com/newthinker/spotbot/internal/strategy"
)

// Binding is the strategy a symbol trades under.
type Binding struct {
	Symbol    string
	Timeframe string
	Params    strategy.Params
	RunID     string
}

// Config holds the trading knobs of the live loop.
type Config struct {
	TakerFee          decimal.Decimal
	MakerFee          decimal.Decimal
	CapitalUsage      decimal.Decimal
	UseLimitOrders    bool
	LimitOrderTimeout time.Duration
	LimitPollInterval time.Duration
	// MinCandles is the lower bound on candles fetched per tick.
	MinCandles int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TakerFee:          decimal.RequireFromString("0.0007"),
		MakerFee:          decimal.RequireFromString("0.0004"),
		CapitalUsage:      decimal.RequireFromString("0.995"),
		LimitOrderTimeout: 60 * time.Second,
		LimitPollInterval: 2 * time.Second,
		MinCandles:        1000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CapitalUsage.IsZero() {
		c.CapitalUsage = def.CapitalUsage
	}
	if c.LimitOrderTimeout <= 0 {
		c.LimitOrderTimeout = def.LimitOrderTimeout
	}
	if c.LimitPollInterval <= 0 {
		c.LimitPollInterval = def.LimitPollInterval
	}
	if c.MinCandles <= 0 {
		c.MinCandles = def.MinCandles
	}
	return c
}

// Recorder receives ledger rows.
type Recorder interface {
	Append(records ...core.TradeRecord) error
}

// Observer receives tick and order telemetry.
type Observer interface {
	ObserveTick(symbol, outcome string, elapsed time.Duration)
	ObserveOrder(side, kind, status string)
}

type nopObserver struct{}

func (nopObserver) ObserveTick(string, string, time.Duration) {}
func (nopObserver) ObserveOrder(string, string, string)       {}

// Deps are the collaborators of a Trader.
type Deps struct {
	API     exchange.API
	Store   *state.Store
	Breaker *breaker.Breaker
	Ledger  Recorder
	Alerts  notifier.Sink
	// Cache is optional.
	Cache *indicator.Cache
}

// Option configures a Trader.
type Option func(*Trader)

// WithNow replaces the clock.
func WithNow(now func() time.Time) Option {
	return func(t *Trader) { t.now = now }
}

// WithSleep replaces the wait used while polling limit orders.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Trader) { t.sleep = sleep }
}

// WithRebind registers fn to run when a deferred binding takes effect.
func WithRebind(fn func(Binding)) Option {
	return func(t *Trader) { t.onRebind = fn }
}

// WithObserver registers telemetry.
func WithObserver(o Observer) Option {
	return func(t *Trader) { t.observer = o }
}

// Trader evaluates bound symbols on closed bars and keeps exchange orders,
// persisted state and the ledger consistent.
type Trader struct {
	cfg      Config
	api      exchange.API
	store    *state.Store
	breaker  *breaker.Breaker
	ledger   Recorder
	alerts   notifier.Sink
	cache    *indicator.Cache
	annotate func([]core.Candle, indicator.Params) []indicator.Annotated
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	observer Observer
	onRebind func(Binding)
	logger   *zap.Logger

	mu       sync.Mutex
	bindings map[string]Binding
	pending  map[string]Binding
	locks    map[string]*sync.Mutex
}

// New creates a Trader.
func New(cfg Config, deps Deps, logger *zap.Logger, opts ...Option) *Trader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Alerts == nil {
		deps.Alerts = notifier.Discard
	}
	t := &Trader{
		cfg:      cfg.withDefaults(),
		api:      deps.API,
		store:    deps.Store,
		breaker:  deps.Breaker,
		ledger:   deps.Ledger,
		alerts:   deps.Alerts,
		cache:    deps.Cache,
		annotate: indicator.Annotate,
		now:      time.Now,
		sleep:    sleepCtx,
		observer: nopObserver{},
		logger:   logger.Named("live"),
		bindings: make(map[string]Binding),
		pending:  make(map[string]Binding),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Bind assigns a strategy to a symbol. A flat symbol adopts the new run
// and snapshot at once. A symbol holding a position keeps trading under
// the parameters it entered with; the new binding waits and takes effect
// on the first tick that finds the symbol flat.
func (t *Trader) Bind(b Binding) error {
	if err := b.Params.Validate(); err != nil {
		return err
	}
	if b.Symbol == "" || b.RunID == "" {
		return core.Errorf(core.ErrConfigMissing, "binding needs a symbol and a run id")
	}
	if _, err := core.IntervalDuration(b.Timeframe); err != nil {
		return err
	}

	lock := t.lockFor(b.Symbol)
	lock.Lock()
	defer lock.Unlock()

	ps, ok := t.store.Pair(b.Symbol)
	if ok && ps.Long() && ps.StrategySnapshot != b.Params.Snapshot() {
		return t.deferBinding(b, ps)
	}

	t.mu.Lock()
	t.bindings[b.Symbol] = b
	delete(t.pending, b.Symbol)
	t.mu.Unlock()
	return t.adopt(b, ps, ok)
}

// deferBinding parks b until the open position in ps is closed. The
// symbol stays bound to the run that opened the position, restored from
// its stored snapshot when this process has not bound it yet.
func (t *Trader) deferBinding(b Binding, ps state.PairState) error {
	current, bound := t.binding(b.Symbol)
	if !bound || current.Params.Snapshot() != ps.StrategySnapshot {
		params, err := strategy.ParseSnapshot(ps.StrategySnapshot)
		if err != nil {
			// nothing to trade the position under; the tick guard pages
			t.logger.Error("stored strategy snapshot unreadable",
				zap.String("symbol", b.Symbol),
				zap.String("run_id", ps.RunID),
				zap.Error(err),
			)
			t.mu.Lock()
			t.bindings[b.Symbol] = b
			t.mu.Unlock()
			return nil
		}
		tf := ps.Timeframe
		if tf == "" {
			tf = b.Timeframe
		}
		current = Binding{Symbol: b.Symbol, Timeframe: tf, Params: params, RunID: ps.RunID}
	}

	t.mu.Lock()
	t.bindings[b.Symbol] = current
	t.pending[b.Symbol] = b
	t.mu.Unlock()
	t.logger.Warn("binding deferred until the position is closed",
		zap.String("symbol", b.Symbol),
		zap.String("run_id", ps.RunID),
		zap.String("new_run_id", b.RunID),
	)
	return nil
}

// adopt writes b into the persisted state of a flat symbol.
func (t *Trader) adopt(b Binding, ps state.PairState, found bool) error {
	snapshot := b.Params.Snapshot()
	switch {
	case !found:
		ps = state.PairState{Symbol: b.Symbol}
	case ps.Long():
		return nil
	case ps.StrategySnapshot == snapshot && ps.RunID == b.RunID && ps.Timeframe == b.Timeframe:
		return nil
	}

	ps.Timeframe = b.Timeframe
	ps.RunID = b.RunID
	ps.StrategySnapshot = snapshot
	t.logger.Info("symbol bound",
		zap.String("symbol", b.Symbol),
		zap.String("timeframe", b.Timeframe),
		zap.String("params", b.Params.Key()),
		zap.String("run_id", b.RunID),
	)
	return t.store.Put(ps)
}

// promote applies a deferred binding once symbol is flat. The caller
// holds the symbol lock.
func (t *Trader) promote(symbol string) {
	t.mu.Lock()
	next, ok := t.pending[symbol]
	t.mu.Unlock()
	if !ok {
		return
	}
	ps, found := t.store.Pair(symbol)
	if found && ps.Long() {
		return
	}

	t.mu.Lock()
	t.bindings[symbol] = next
	delete(t.pending, symbol)
	t.mu.Unlock()
	if err := t.adopt(next, ps, found); err != nil {
		t.logger.Error("deferred binding not saved", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	if t.onRebind != nil {
		t.onRebind(next)
	}
}

// Pending returns the binding waiting for symbol to go flat.
func (t *Trader) Pending(symbol string) (Binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.pending[symbol]
	return b, ok
}

// Bindings returns the bound symbols sorted by name.
func (t *Trader) Bindings() []Binding {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Binding, 0, len(t.bindings))
	for _, b := range t.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (t *Trader) binding(symbol string) (Binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bindings[symbol]
	return b, ok
}

func (t *Trader) lockFor(symbol string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		t.locks[symbol] = l
	}
	return l
}

// Tick outcomes reported to the observer.
const (
	OutcomeHold       = "hold"
	OutcomeEntry      = "entry"
	OutcomeExit       = "exit"
	OutcomeStale      = "stale"
	OutcomeReconciled = "reconciled"
	OutcomeBlocked    = "blocked"
	OutcomeAborted    = "aborted"
	OutcomeError      = "error"
	OutcomeBusy       = "busy"
)

// Tick runs one evaluation of symbol on its last closed bar. A tick that
// is still running for the same symbol makes this call fail with
// ErrTickInProgress. Once orders are in flight the tick runs to completion
// even if ctx is cancelled.
func (t *Trader) Tick(ctx context.Context, symbol string) error {
	return t.run(ctx, symbol, true)
}

// Reconcile applies exchange-side fills to the state of every bound symbol
// without evaluating signals. It runs at start-up.
func (t *Trader) Reconcile(ctx context.Context) error {
	var firstErr error
	for _, b := range t.Bindings() {
		if err := t.run(ctx, b.Symbol, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Trader) run(ctx context.Context, symbol string, evaluate bool) error {
	lock := t.lockFor(symbol)
	if !lock.TryLock() {
		t.observer.ObserveTick(symbol, OutcomeBusy, 0)
		return core.Errorf(core.ErrTickInProgress, "%s", symbol)
	}
	defer lock.Unlock()

	start := t.now()
	b, ok := t.binding(symbol)
	if !ok {
		return core.Errorf(core.ErrConfigMissing, "no binding for %s", symbol)
	}

	tk := newTick(t, b)
	outcome, err := tk.run(ctx, evaluate)
	if err != nil {
		tk.log.Error("tick failed", zap.String("outcome", outcome), zap.Error(err))
	}
	t.observer.ObserveTick(symbol, outcome, t.now().Sub(start))
	t.promote(symbol)
	return err
}

// PairStatus is the operator view of one symbol.
type PairStatus struct {
	Symbol         string           `json:"symbol"`
	Timeframe      string           `json:"timeframe"`
	RunID          string           `json:"run_id"`
	Params         string           `json:"params,omitempty"`
	Long           bool             `json:"long"`
	EntryPrice     *decimal.Decimal `json:"entry_price,omitempty"`
	Quantity       *decimal.Decimal `json:"quantity,omitempty"`
	StopLevel      *decimal.Decimal `json:"stop_level,omitempty"`
	TrailingActive bool             `json:"trailing_active"`
	ProtectiveID   string           `json:"protective_order_id,omitempty"`
	ExecutionCount int              `json:"execution_count"`
	LastExecution  time.Time        `json:"last_execution_timestamp"`
	LastBar        time.Time        `json:"last_bar"`
}

// Status summarizes the persisted state of every known symbol.
func (t *Trader) Status() []PairStatus {
	snap := t.store.Snapshot()
	out := make([]PairStatus, 0, len(snap.Pairs))
	for _, symbol := range snap.Symbols() {
		ps := snap.Pairs[symbol]
		st := PairStatus{
			Symbol:         ps.Symbol,
			Timeframe:      ps.Timeframe,
			RunID:          ps.RunID,
			Long:           ps.Long(),
			ProtectiveID:   ps.ProtectiveOrderID,
			ExecutionCount: ps.ExecutionCount,
			LastExecution:  ps.LastExecutionTimestamp,
			LastBar:        ps.LastBar,
		}
		if b, ok := t.binding(symbol); ok {
			st.Params = b.Params.Key()
		}
		if pos := ps.Position; pos != nil {
			entry, qty, stop := pos.EntryPrice, pos.Quantity, pos.StopLevel()
			st.EntryPrice, st.Quantity, st.StopLevel = &entry, &qty, &stop
			st.TrailingActive = pos.TrailingActive
		}
		out = append(out, st)
	}
	return out
}

// Valuation values the account in quote using the cached tickers.
func (t *Trader) Valuation(ctx context.Context, quote string) (decimal.Decimal, error) {
	acc, err := t.api.Account(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	prices, err := t.api.AllTickers(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return exchange.Valuation(acc, quote, prices), nil
}

func (t *Trader) notify(ctx context.Context, sev notifier.Severity, source, title string, fields map[string]string) {
	t.alerts.Notify(ctx, notifier.Alert{
		Time:     t.now().UTC(),
		Severity: sev,
		Source:   source,
		Title:    title,
		Fields:   fields,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
