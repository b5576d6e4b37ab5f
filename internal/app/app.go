// Package app wires the bot's components together for the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/newthinker/spotbot/internal/alert"
	"github.com/newthinker/spotbot/internal/api"
	"github.com/newthinker/spotbot/internal/breaker"
	"github.com/newthinker/spotbot/internal/config"
	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/exchange"
	"github.com/newthinker/spotbot/internal/indicator"
	"github.com/newthinker/spotbot/internal/ledger"
	"github.com/newthinker/spotbot/internal/live"
	"github.com/newthinker/spotbot/internal/marketdata"
	"github.com/newthinker/spotbot/internal/metrics"
	"github.com/newthinker/spotbot/internal/notifier"
	"github.com/newthinker/spotbot/internal/notifier/telegram"
	"github.com/newthinker/spotbot/internal/notifier/webhook"
	"github.com/newthinker/spotbot/internal/scheduler"
	"github.com/newthinker/spotbot/internal/state"
	"github.com/newthinker/spotbot/internal/storage/archive"
	"github.com/newthinker/spotbot/internal/strategy"
	"github.com/newthinker/spotbot/internal/sweep"
)

// sweepPrefix is where sweep reports go in archive storage.
const sweepPrefix = "sweeps"

// runNamespace derives stable run ids for bindings pinned in config.
var runNamespace = uuid.MustParse("9d3c1f5e-6b1a-4c59-9a0e-2f4f1b7d8e21")

// App is the main application orchestrator
type App struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	metrics    *metrics.Registry
	alerts     *notifier.Registry

	api      exchange.API
	provider marketdata.Provider
	archive  archive.Storage

	schedOpts []scheduler.Option
	liveOpts  []live.Option

	// live components, opened by Run
	store   *state.Store
	breaker *breaker.Breaker
	ledger  *ledger.Ledger
	trader  *live.Trader
	pinned  map[string]bool

	reschedule chan struct{}
	mu         sync.Mutex
	running    bool
}

// Option configures an App.
type Option func(*App)

// WithExchange replaces the signed client and its kline source.
func WithExchange(api exchange.API, provider marketdata.Provider) Option {
	return func(a *App) {
		a.api = api
		a.provider = provider
	}
}

// WithArchive replaces the configured archive storage.
func WithArchive(s archive.Storage) Option {
	return func(a *App) { a.archive = s }
}

// WithMetrics uses reg instead of a fresh registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(a *App) { a.metrics = reg }
}

// WithConfigPath enables hot reload of the file at path while running.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithSchedulerOptions passes options to the bar-close scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(a *App) { a.schedOpts = append(a.schedOpts, opts...) }
}

// WithTraderOptions passes options to the live trader.
func WithTraderOptions(opts ...live.Option) Option {
	return func(a *App) { a.liveOpts = append(a.liveOpts, opts...) }
}

// New creates a new App instance
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:        cfg,
		logger:     logger,
		reschedule: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.NewRegistry()
	}

	alerts, err := NewNotifiers(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.alerts = alerts

	if a.api == nil {
		client := exchange.New(cfg.Exchange.Client(), logger, exchange.WithObserver(a.metrics))
		a.api = client
		a.provider = client
	}
	if a.archive == nil {
		store, err := archive.New(cfg.ArchiveConfig())
		if err != nil {
			return nil, fmt.Errorf("creating archive: %w", err)
		}
		a.archive = store
	}
	return a, nil
}

// NewNotifiers builds the alert fan-out. The log sink is always present;
// webhook and telegram join when enabled.
func NewNotifiers(cfg *config.Config, logger *zap.Logger) (*notifier.Registry, error) {
	reg := notifier.NewRegistry(logger)
	if err := reg.Register(notifier.NewLog(logger)); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(cfg.Notifiers))
	for name := range cfg.Notifiers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		nc := cfg.Notifiers[name]
		if !nc.Enabled {
			continue
		}
		var n notifier.Notifier
		params := map[string]any{}
		switch name {
		case "webhook":
			n = webhook.New(nc.URL, nc.Headers)
			params["url"] = nc.URL
		case "telegram":
			n = telegram.New(nc.BotToken, nc.ChatID)
			params["bot_token"] = nc.BotToken
			params["chat_id"] = nc.ChatID
		default:
			return nil, core.Errorf(core.ErrConfigInvalid, "unknown notifier %q", name)
		}
		if err := n.Init(notifier.Config{Type: name, Params: params}); err != nil {
			return nil, core.WrapError(core.ErrConfigInvalid, err)
		}
		if err := reg.Register(n); err != nil {
			return nil, err
		}
		logger.Info("notifier enabled", zap.String("notifier", name))
	}
	return reg, nil
}

// Metrics returns the registry the app records into.
func (a *App) Metrics() *metrics.Registry { return a.metrics }

// RunIDFor derives the run id of a binding pinned in config. The same
// symbol, timeframe and parameters always give the same id, so a restart
// recognizes its own orders.
func RunIDFor(symbol, timeframe string, p strategy.Params) string {
	return uuid.NewSHA1(runNamespace, []byte(symbol+"/"+timeframe+"/"+p.Key())).String()
}

// Bindings resolves what the live loop trades: symbols pinned in config
// first, then the sweep selection for every other pair.
func (a *App) Bindings() ([]live.Binding, error) {
	var out []live.Binding
	pinned := make(map[string]bool)
	for _, s := range a.cfg.Symbols {
		p, err := a.cfg.Strategy.Params(s.EMA1, s.EMA2, strategy.Scenario(s.Scenario))
		if err != nil {
			return nil, fmt.Errorf("symbol %s: %w", s.Symbol, err)
		}
		runID := s.RunID
		if runID == "" {
			runID = RunIDFor(s.Symbol, s.Timeframe, p)
		}
		out = append(out, live.Binding{Symbol: s.Symbol, Timeframe: s.Timeframe, Params: p, RunID: runID})
		pinned[s.Symbol] = true
	}
	a.pinned = pinned

	sel, err := sweep.ReadSelection(a.cfg.Paths.SelectionPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		out = append(out, a.fromSelection(sel)...)
	}
	return out, nil
}

func (a *App) fromSelection(sel *sweep.Selection) []live.Binding {
	var out []live.Binding
	for _, b := range sel.Bindings {
		if a.pinned[b.Pair] {
			continue
		}
		out = append(out, live.Binding{Symbol: b.Pair, Timeframe: b.Timeframe, Params: b.Params, RunID: sel.RunID})
	}
	return out
}

func (a *App) openLive() error {
	store, err := state.Open(a.cfg.Paths.StatePath(), a.logger)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	store.SetObserver(a.metrics.ObserveStateSave)

	brk := breaker.New(a.cfg.Breaker, a.logger)
	brk.Restore(store.Breaker())
	a.metrics.SetBreakerMode(string(brk.Mode()))
	brk.OnChange(func(from, to breaker.Mode, reason string) {
		a.metrics.SetBreakerMode(string(to))
		if err := store.PutBreaker(brk.Snapshot()); err != nil {
			a.logger.Error("failed to persist breaker", zap.Error(err))
		}
		sev := notifier.SeverityWarning
		switch to {
		case breaker.ModeAlert:
			sev = notifier.SeverityCritical
		case breaker.ModeRunning:
			sev = notifier.SeverityInfo
		}
		a.alerts.Notify(context.Background(), notifier.Alert{
			Time:     time.Now().UTC(),
			Severity: sev,
			Source:   "breaker",
			Title:    "circuit breaker " + string(to),
			Message:  reason,
			Fields:   map[string]string{"from": string(from)},
		})
	})

	lg, err := ledger.Open(a.cfg.Paths.LedgerPath())
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}

	cache := indicator.NewCache(a.cfg.IndicatorCache.DriftThreshold)
	cache.SetObserver(a.metrics.ObserveCacheLookup)

	opts := append([]live.Option{live.WithObserver(a.metrics), live.WithRebind(a.rebound)}, a.liveOpts...)
	trader := live.New(a.cfg.Trading.Live(), live.Deps{
		API:     a.api,
		Store:   store,
		Breaker: brk,
		Ledger:  lg,
		Alerts:  a.alerts,
		Cache:   cache,
	}, a.logger, opts...)

	a.mu.Lock()
	a.store, a.breaker, a.ledger, a.trader = store, brk, lg, trader
	a.mu.Unlock()
	return nil
}

// Trader returns the live trader once Run has opened it.
func (a *App) Trader() *live.Trader {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trader
}

// Breaker returns the live breaker once Run has opened it.
func (a *App) Breaker() *breaker.Breaker {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.breaker
}

// Run trades every bound symbol on bar close until ctx is done. On return
// the running ticks have finished and the state is flushed.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app already running")
	}
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	if err := a.openLive(); err != nil {
		return err
	}

	bindings, err := a.Bindings()
	if err != nil {
		return err
	}
	if len(bindings) == 0 {
		return core.Errorf(core.ErrConfigMissing, "no symbols to trade")
	}
	for _, b := range bindings {
		if err := a.trader.Bind(b); err != nil {
			return fmt.Errorf("binding %s: %w", b.Symbol, err)
		}
	}
	a.metrics.SetBoundSymbols(len(a.trader.Bindings()))

	a.logger.Info("spotbot starting",
		zap.Int("symbols", len(bindings)),
		zap.String("breaker", string(a.breaker.Mode())),
	)
	if a.breaker.Mode() == breaker.ModeAlert {
		a.logger.Warn("breaker is in ALERT, orders stay inhibited until cleared",
			zap.String("reason", a.breaker.Snapshot().AlertReason))
	}

	if err := a.trader.Reconcile(ctx); err != nil {
		a.logger.Warn("startup reconcile incomplete", zap.Error(err))
	}

	var wg sync.WaitGroup
	srv, err := a.startServer(&wg)
	if err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := sweep.WatchSelection(ctx, a.cfg.Paths.SelectionPath(), a.logger, a.applySelection)
		if err != nil {
			a.logger.Warn("selection watch stopped", zap.Error(err))
		}
	}()

	if rules := a.cfg.Alerts.Rules; len(rules) > 0 {
		ev := alert.NewEvaluator(a.alerts, a.logger)
		ev.SetCooldown(a.cfg.Alerts.Cooldown)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev.Run(ctx, a.metrics, rules, a.cfg.Alerts.Interval)
		}()
	}

	if a.configPath != "" {
		err := config.Watch(a.configPath, a.applyConfig)
		if err != nil {
			a.logger.Warn("config watch disabled", zap.Error(err))
		}
	}

	a.schedule(ctx)

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(sctx); err != nil {
			a.logger.Warn("server shutdown", zap.Error(err))
		}
		cancel()
	}
	wg.Wait()

	if err := a.store.Flush(); err != nil {
		return err
	}
	a.logger.Info("spotbot stopped")
	return nil
}

// schedule runs the scheduler until ctx is done, rebuilding it when the
// set of bound symbols changes.
func (a *App) schedule(ctx context.Context) {
	for {
		sched := scheduler.New(a.cfg.Scheduler.Offset, a.logger, a.schedOpts...)
		for _, b := range a.trader.Bindings() {
			symbol := b.Symbol
			err := sched.Add(scheduler.Job{
				Name:      symbol,
				Timeframe: b.Timeframe,
				Run: func(ctx context.Context, boundary time.Time) {
					// the trader logs and records its own failures
					_ = a.trader.Tick(ctx, symbol)
				},
			})
			if err != nil {
				a.logger.Error("cannot schedule symbol", zap.String("symbol", symbol), zap.Error(err))
			}
		}

		sctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			sched.Start(sctx)
			close(done)
		}()

		select {
		case <-ctx.Done():
			cancel()
			<-done
			return
		case <-a.reschedule:
			cancel()
			<-done
			a.logger.Info("bindings changed, rescheduling")
		}
	}
}

func (a *App) applySelection(sel *sweep.Selection) {
	before := a.trader.Bindings()
	for _, b := range a.fromSelection(sel) {
		if err := a.trader.Bind(b); err != nil {
			a.logger.Error("rejected selection binding", zap.String("symbol", b.Symbol), zap.Error(err))
		}
	}
	after := a.trader.Bindings()
	a.logger.Info("selection applied", zap.String("run_id", sel.RunID), zap.Int("bindings", len(sel.Bindings)))
	a.metrics.SetBoundSymbols(len(after))
	if scheduleChanged(before, after) {
		a.requestReschedule()
	}
}

// rebound runs when a binding deferred behind an open position takes
// effect. Its timeframe may differ from the one being scheduled.
func (a *App) rebound(b live.Binding) {
	a.logger.Info("deferred binding applied",
		zap.String("symbol", b.Symbol),
		zap.String("timeframe", b.Timeframe),
		zap.String("run_id", b.RunID),
	)
	a.requestReschedule()
}

func (a *App) requestReschedule() {
	select {
	case a.reschedule <- struct{}{}:
	default:
	}
}

// scheduleChanged reports whether the symbol or timeframe set differs.
func scheduleChanged(before, after []live.Binding) bool {
	if len(before) != len(after) {
		return true
	}
	for i := range before {
		if before[i].Symbol != after[i].Symbol || before[i].Timeframe != after[i].Timeframe {
			return true
		}
	}
	return false
}

func (a *App) applyConfig(cfg *config.Config, err error) {
	if err != nil {
		a.logger.Warn("config reload rejected", zap.Error(err))
		return
	}
	a.breaker.Reconfigure(cfg.Breaker)
	if alerts, err := NewNotifiers(cfg, a.logger); err != nil {
		a.logger.Warn("notifier reload rejected, keeping the current set", zap.Error(err))
	} else {
		a.alerts.Replace(alerts)
	}
	a.logger.Info("config reloaded",
		zap.Int("failure_threshold", cfg.Breaker.FailureThreshold),
		zap.Duration("timeout", cfg.Breaker.Timeout),
	)
}

func (a *App) startServer(wg *sync.WaitGroup) (*api.Server, error) {
	if !a.cfg.Server.Enabled {
		return nil, nil
	}
	deps := api.Dependencies{
		Breaker:    a.breaker,
		Trader:     a.trader,
		QuoteAsset: a.quoteAsset(),
	}
	if a.cfg.Metrics.Enabled {
		deps.Metrics = a.metrics
	}
	srv, err := api.NewServer(api.Config{
		Host:        a.cfg.Server.Host,
		Port:        a.cfg.Server.Port,
		APIKey:      a.cfg.Server.APIKey,
		MetricsPath: a.cfg.Metrics.Path,
	}, deps, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil {
			a.logger.Error("server error", zap.Error(err))
		}
	}()
	return srv, nil
}

// quoteAsset is the quote asset shared by the bound symbols, or empty when
// they differ.
func (a *App) quoteAsset() string {
	quote := ""
	for _, b := range a.trader.Bindings() {
		f, err := a.api.Filters(context.Background(), b.Symbol)
		if err != nil {
			continue
		}
		if quote != "" && quote != f.QuoteAsset {
			return ""
		}
		quote = f.QuoteAsset
	}
	return quote
}

// Backtest sweeps the configured grid over the last backtest days, writes
// the report to the archive and the best tuples to the selection file.
func (a *App) Backtest(ctx context.Context, runID string) (*sweep.Report, error) {
	grid := a.cfg.Backtest.Grid
	if len(grid.EMAs) == 0 {
		grid.EMAs = sweep.DefaultEMAs()
	}
	if len(grid.Scenarios) == 0 {
		grid.Scenarios = []strategy.Scenario{
			strategy.ScenarioStochRSI,
			strategy.ScenarioStochRSIADX,
			strategy.ScenarioStochRSISMA,
			strategy.ScenarioStochRSITRIX,
		}
	}
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	base, err := a.cfg.Strategy.Params(grid.EMAs[0].Fast, grid.EMAs[0].Slow, grid.Scenarios[0])
	if err != nil {
		return nil, err
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	log := a.logger.With(zap.String("run_id", runID))

	filters := make(map[string]core.SymbolFilters, len(grid.Pairs))
	for _, pair := range grid.Pairs {
		f, err := a.api.Filters(ctx, pair)
		if err != nil {
			return nil, fmt.Errorf("filters %s: %w", pair, err)
		}
		filters[pair] = f
	}

	history := marketdata.NewHistory(a.provider, a.archive, a.logger)
	candles, err := history.Prefetch(ctx, grid.Series(), a.cfg.Backtest.Days, a.cfg.Backtest.MaxWorkers)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	tuples := grid.Tuples(base)
	log.Info("sweep starting", zap.Int("tuples", len(tuples)), zap.Int("workers", a.cfg.Backtest.MaxWorkers))

	sw := sweep.New(a.cfg.Sweep(), a.logger)
	sw.SetObserver(a.metrics.ObserveBacktest)
	report, err := sw.Run(ctx, runID, tuples, sweep.Input{Candles: candles, Filters: filters})
	if err != nil {
		return nil, err
	}

	if err := sweep.NewArchiveSink(a.archive, sweepPrefix).Write(ctx, report); err != nil {
		return report, err
	}
	sel := report.Selection()
	if len(sel.Bindings) == 0 {
		log.Warn("sweep selected nothing, selection file left unchanged")
		return report, nil
	}
	if err := sweep.WriteSelection(a.cfg.Paths.SelectionPath(), sel); err != nil {
		return report, fmt.Errorf("writing selection: %w", err)
	}
	log.Info("selection written",
		zap.String("path", a.cfg.Paths.SelectionPath()),
		zap.Int("bindings", len(sel.Bindings)),
	)
	return report, nil
}
