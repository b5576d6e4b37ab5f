package live

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/newthinker/spotbot/internal/backtest"
	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/exchange"
	"github.com/newthinker/spotbot/internal/indicator"
	"github.com/newthinker/spotbot/internal/notifier"
	"github.com/newthinker/spotbot/internal/state"
	"github.com/newthinker/spotbot/internal/strategy"
)

// tick carries the working copy of one symbol's state through a run. The
// copy is persisted once at the end; ledger rows are written only after
// the state holding them is on disk.
type tick struct {
	t       *Trader
	b       Binding
	ps      state.PairState
	filters core.SymbolFilters
	bars    []indicator.Annotated
	records []core.TradeRecord
	dirty   bool
	log     *zap.Logger
}

func newTick(t *Trader, b Binding) *tick {
	ps, ok := t.store.Pair(b.Symbol)
	if !ok {
		ps = state.PairState{
			Symbol:           b.Symbol,
			Timeframe:        b.Timeframe,
			RunID:            b.RunID,
			StrategySnapshot: b.Params.Snapshot(),
		}
	}
	return &tick{
		t:  t,
		b:  b,
		ps: ps,
		log: t.logger.With(
			zap.String("symbol", b.Symbol),
			zap.String("timeframe", b.Timeframe),
			zap.String("run_id", ps.RunID),
		),
	}
}

func (tk *tick) run(ctx context.Context, evaluate bool) (string, error) {
	t := tk.t

	interval, err := core.IntervalDuration(tk.b.Timeframe)
	if err != nil {
		return OutcomeError, err
	}
	candles, err := t.api.RecentKlines(ctx, tk.b.Symbol, tk.b.Timeframe, max(tk.b.Params.Warmup()+1, t.cfg.MinCandles))
	if err != nil {
		return OutcomeError, tk.fail(ctx, "fetch candles", err)
	}
	if tk.ps.StrategySnapshot != tk.b.Params.Snapshot() {
		return OutcomeAborted, tk.snapshotMismatch(ctx)
	}

	closed := closedCandles(candles, interval, t.now())
	var bar indicator.Annotated
	if len(closed) > 0 {
		tk.bars = tk.annotate(closed)
		bar = tk.bars[len(tk.bars)-1]
	}

	tk.filters, err = t.api.Filters(ctx, tk.b.Symbol)
	if err != nil {
		return OutcomeError, tk.fail(ctx, "filters", err)
	}
	if err := ctx.Err(); err != nil {
		return OutcomeError, err
	}

	// from here on order side effects may happen; finish them
	octx := context.WithoutCancel(ctx)

	recErr := tk.reconcile(octx)
	if recErr != nil {
		tk.log.Warn("reconcile incomplete", zap.Error(recErr))
	}

	outcome := OutcomeReconciled
	var evalErr error
	switch {
	case !evaluate:
	case recErr != nil:
		// state may lag the exchange; trading on it could double an order
		outcome, evalErr = OutcomeError, recErr
	case len(closed) < tk.b.Params.ParamWindow():
		evalErr = core.Errorf(core.ErrInsufficientWarmup, "%s: %d closed candles, need %d", tk.b.Symbol, len(closed), tk.b.Params.ParamWindow())
		outcome = OutcomeAborted
		_ = tk.fail(ctx, "warmup", evalErr)
	case !bar.Time.After(tk.ps.LastBar):
		outcome = OutcomeStale
	case !tk.b.Params.Ready(bar):
		evalErr = core.Errorf(core.ErrInsufficientWarmup, "%s: indicators undefined on bar %s", tk.b.Symbol, bar.Time.Format(time.RFC3339))
		outcome = OutcomeAborted
		_ = tk.fail(ctx, "warmup", evalErr)
	default:
		outcome, evalErr = tk.evaluate(octx, bar)
		if !errors.Is(evalErr, core.ErrBreakerOpen) {
			tk.ps.LastBar = bar.Time
			tk.ps.LastATR = bar.ATR
			tk.dirty = true
		}
	}

	if err := tk.commit(octx); err != nil {
		return OutcomeError, err
	}
	return outcome, evalErr
}

func (tk *tick) annotate(candles []core.Candle) []indicator.Annotated {
	ip := tk.b.Params.IndicatorParams()
	if tk.t.cache == nil {
		return tk.t.annotate(candles, ip)
	}
	return tk.t.cache.Annotate(indicator.CacheKey{Symbol: tk.b.Symbol, Period: tk.b.Timeframe, Params: ip}, candles)
}

// closedCandles drops any bar that has not closed at now.
func closedCandles(candles []core.Candle, interval time.Duration, now time.Time) []core.Candle {
	n := len(candles)
	for n > 0 && candles[n-1].Time.Add(interval).After(now) {
		n--
	}
	return candles[:n]
}

func (tk *tick) snapshotMismatch(ctx context.Context) error {
	err := core.Errorf(core.ErrSnapshotMismatch, "%s: run %s was authorized under different parameters", tk.b.Symbol, tk.ps.RunID)
	tk.t.breaker.RecordFailure(err)
	tk.t.notify(ctx, notifier.SeverityCritical, tk.b.Symbol, "strategy snapshot mismatch", map[string]string{
		"run_id":   tk.ps.RunID,
		"stored":   tk.ps.StrategySnapshot,
		"bound":    tk.b.Params.Snapshot(),
		"position": fmt.Sprint(tk.ps.Long()),
	})
	return err
}

// fail records err with the breaker. Guard and persistence kinds also page.
func (tk *tick) fail(ctx context.Context, step string, err error) error {
	tk.t.breaker.RecordFailure(err)
	if core.KindOf(err).Critical() {
		tk.t.notify(ctx, notifier.SeverityCritical, tk.b.Symbol, step+" failed", map[string]string{
			"error":  err.Error(),
			"run_id": tk.ps.RunID,
		})
	}
	return err
}

func (tk *tick) evaluate(ctx context.Context, bar indicator.Annotated) (string, error) {
	if tk.ps.Long() {
		return tk.manage(ctx, bar)
	}
	if !tk.b.Params.ShouldBuy(bar) {
		return OutcomeHold, nil
	}
	return tk.enter(ctx, bar)
}

// manage runs the open-position checks: trailing activation, protective
// stops, then the signal exit.
func (tk *tick) manage(ctx context.Context, bar indicator.Annotated) (string, error) {
	pos := tk.ps.Position
	if bar.Time.After(pos.EntryTime) {
		if pos.Observe(bar.High) {
			tk.log.Info("trailing stop activated",
				zap.String("activation", pos.TrailingActivation.String()),
				zap.String("max_price", pos.MaxPrice.String()),
			)
		}
		tk.dirty = true
	}

	if pos.TrailingActive && !isIntent(tk.ps.ProtectiveOrderID, exchange.IntentTrailing) {
		if err := tk.swapToTrailing(ctx, bar); err != nil {
			if errors.Is(err, core.ErrBreakerOpen) {
				return tk.orderFailed(ctx, "trailing swap", err)
			}
			return OutcomeError, err
		}
		if !tk.ps.Long() {
			return OutcomeExit, nil
		}
	}

	if exit, hit := pos.CheckStops(bar.Low); hit && bar.Time.After(pos.EntryTime) {
		tk.log.Info("stop level crossed without an exchange fill",
			zap.String("reason", string(exit.Reason)),
			zap.String("level", exit.Price.String()),
		)
		return tk.exit(ctx, bar, exit.Reason)
	}
	if tk.b.Params.ShouldSell(bar) {
		return tk.exit(ctx, bar, core.ReasonSignal)
	}
	if tk.ps.ProtectiveOrderID == "" {
		if err := tk.protect(ctx, bar.Time); err != nil {
			return OutcomeError, err
		}
	}
	return OutcomeHold, nil
}

// swapToTrailing replaces the fixed stop with a trailing one. The old stop
// stays in place while the breaker refuses orders.
func (tk *tick) swapToTrailing(ctx context.Context, bar indicator.Annotated) error {
	if err := tk.available("trailing swap"); err != nil {
		return err
	}
	if tk.ps.ProtectiveOrderID != "" {
		filled, err := tk.cancelProtective(ctx)
		if err != nil {
			return err
		}
		if filled {
			return nil
		}
	}
	return tk.protect(ctx, bar.Time)
}

func (tk *tick) enter(ctx context.Context, bar indicator.Annotated) (string, error) {
	t := tk.t
	acc, err := t.api.Account(ctx)
	if err != nil {
		return OutcomeError, tk.fail(ctx, "account", err)
	}
	quote := acc.Free(tk.filters.QuoteAsset)
	equity := quote.Add(acc.Total(tk.filters.BaseAsset).Mul(bar.Close))

	feeRate := t.cfg.TakerFee
	if t.cfg.UseLimitOrders {
		feeRate = t.cfg.MakerFee
	}
	stopMult, _ := tk.b.Params.Multipliers(bar.ATR, bar.CloseF())
	qty := tk.b.Params.Quantity(strategy.SizingInput{
		Quote:        quote,
		Equity:       equity,
		Price:        bar.Close,
		ATR:          bar.ATR,
		StopMult:     stopMult,
		FeeRate:      feeRate,
		CapitalUsage: t.cfg.CapitalUsage,
		Filters:      tk.filters,
	})
	if !qty.IsPositive() {
		err := core.Errorf(core.ErrBelowMinNotional, "%s: entry size below exchange minimum with %s %s free", tk.b.Symbol, quote, tk.filters.QuoteAsset)
		tk.log.Info("entry skipped", zap.Error(err))
		t.breaker.RecordFailure(err)
		return OutcomeHold, nil
	}

	entryID := exchange.ClientOrderID(exchange.IntentEntry, tk.ps.RunID, tk.b.Symbol, bar.Time)
	var orders []exchange.Order
	err = t.breaker.Guard(ctx, "entry", func(ctx context.Context) error {
		var err error
		if t.cfg.UseLimitOrders {
			completion := exchange.ClientOrderID(exchange.IntentEntryMarket, tk.ps.RunID, tk.b.Symbol, bar.Time)
			orders, err = tk.limitThenMarket(ctx, core.SideBuy, qty, bar.Close, entryID, completion)
			return err
		}
		o, err := t.api.MarketBuyQuote(ctx, tk.b.Symbol, tk.filters.RoundPrice(qty.Mul(bar.Close)), entryID)
		if o != nil {
			orders = append(orders, *o)
		}
		return err
	})
	tk.observeOrders(orders)
	if err != nil && len(orders) == 0 {
		return tk.orderFailed(ctx, "entry", err)
	}

	fills := tk.collect(orders, nil)
	if len(fills) == 0 {
		tk.log.Info("entry order did not fill", zap.String("client_order_id", entryID))
		return OutcomeHold, err
	}
	tk.applyEntry(fills[0], bar.ATR, bar.CloseF())
	if perr := tk.protect(ctx, bar.Time); perr != nil {
		return OutcomeEntry, perr
	}
	return OutcomeEntry, nil
}

func (tk *tick) exit(ctx context.Context, bar indicator.Annotated, reason core.ExitReason) (string, error) {
	t := tk.t
	if err := tk.available("exit"); err != nil {
		return tk.orderFailed(ctx, "exit", err)
	}
	if tk.ps.ProtectiveOrderID != "" {
		filled, err := tk.cancelProtective(ctx)
		if err != nil {
			return OutcomeError, err
		}
		if filled {
			return OutcomeExit, nil
		}
	}

	acc, err := t.api.Account(ctx)
	if err != nil {
		return OutcomeError, tk.reprotect(ctx, bar, tk.fail(ctx, "account", err))
	}
	qty := tk.filters.RoundQty(decimal.Min(tk.ps.Position.Quantity, acc.Free(tk.filters.BaseAsset)))
	if !tk.filters.Tradable(qty, bar.Close) {
		err := core.Errorf(core.ErrBelowMinNotional, "%s: cannot sell %s at %s", tk.b.Symbol, qty, bar.Close)
		t.breaker.RecordFailure(err)
		return OutcomeError, tk.reprotect(ctx, bar, err)
	}

	exitID := exchange.ClientOrderID(exchange.IntentExit, tk.ps.RunID, tk.b.Symbol, bar.Time)
	var orders []exchange.Order
	err = t.breaker.Guard(ctx, "exit", func(ctx context.Context) error {
		var err error
		if t.cfg.UseLimitOrders && reason == core.ReasonSignal {
			completion := exchange.ClientOrderID(exchange.IntentExitMarket, tk.ps.RunID, tk.b.Symbol, bar.Time)
			orders, err = tk.limitThenMarket(ctx, core.SideSell, qty, bar.Close, exitID, completion)
			return err
		}
		o, err := t.api.MarketSellBase(ctx, tk.b.Symbol, qty, exitID)
		if o != nil {
			orders = append(orders, *o)
		}
		return err
	})
	tk.observeOrders(orders)
	if err != nil && len(orders) == 0 {
		_, err = tk.orderFailed(ctx, "exit", err)
		return OutcomeError, tk.reprotect(ctx, bar, err)
	}

	fills := tk.collect(orders, nil)
	if len(fills) == 0 {
		return OutcomeError, tk.reprotect(ctx, bar, err)
	}
	tk.applyExit(fills[0], reason)
	return OutcomeExit, err
}

// available refuses step before a resting stop is touched when the
// breaker would refuse the orders that follow.
func (tk *tick) available(step string) error {
	if tk.t.breaker.Available() {
		return nil
	}
	return core.Errorf(core.ErrBreakerOpen, "%s skipped in mode %s", step, tk.t.breaker.Mode())
}

// reprotect puts a stop back after a failed exit left the position bare.
func (tk *tick) reprotect(ctx context.Context, bar indicator.Annotated, cause error) error {
	if tk.ps.Long() && tk.ps.ProtectiveOrderID == "" {
		if err := tk.protect(ctx, bar.Time); err != nil {
			return errors.Join(cause, err)
		}
	}
	return cause
}

func (tk *tick) orderFailed(ctx context.Context, step string, err error) (string, error) {
	if errors.Is(err, core.ErrBreakerOpen) {
		tk.log.Warn(step+" skipped, breaker open", zap.Error(err))
		return OutcomeBlocked, err
	}
	tk.t.notify(ctx, notifier.SeverityWarning, tk.b.Symbol, step+" order failed", map[string]string{
		"error":  err.Error(),
		"run_id": tk.ps.RunID,
	})
	return OutcomeError, err
}

// protect rests the stop matching the position: a fixed stop-loss until
// trailing activates, a trailing stop after. The client id is keyed by the
// bar it was placed on, so a retry within the bar finds the same order.
func (tk *tick) protect(ctx context.Context, bar time.Time) error {
	t := tk.t
	pos := tk.ps.Position
	if pos == nil {
		return nil
	}
	qty := tk.filters.RoundQty(pos.Quantity)

	var (
		o    *exchange.Order
		kind string
	)
	err := t.breaker.Guard(ctx, "protect", func(ctx context.Context) error {
		var err error
		if pos.TrailingActive {
			kind = backtest.OrderTrailingStop
			id := exchange.ClientOrderID(exchange.IntentTrailing, tk.ps.RunID, tk.b.Symbol, bar)
			delta := exchange.TrailingDeltaBP(pos.TrailMult.Mul(pos.ATRAtEntry), pos.TrailingActivation)
			o, err = t.api.PlaceTrailingStop(ctx, tk.b.Symbol, qty, decimal.Zero, delta, id)
			return err
		}
		kind = backtest.OrderStopLoss
		id := exchange.ClientOrderID(exchange.IntentStopLoss, tk.ps.RunID, tk.b.Symbol, bar)
		o, err = t.api.PlaceStopLoss(ctx, tk.b.Symbol, qty, tk.filters.RoundPrice(pos.StopLoss), id)
		return err
	})
	if o != nil {
		t.observer.ObserveOrder(string(core.SideSell), kind, string(o.Status))
		tk.ps.ProtectiveOrderID = o.ClientOrderID
		tk.dirty = true
		tk.log.Info("protective order placed",
			zap.String("type", kind),
			zap.String("client_order_id", o.ClientOrderID),
			zap.String("stop", pos.StopLevel().String()),
		)
	}
	if err != nil && o == nil {
		t.notify(ctx, notifier.SeverityCritical, tk.b.Symbol, "position unprotected", map[string]string{
			"error":    err.Error(),
			"run_id":   tk.ps.RunID,
			"quantity": qty.String(),
		})
		return err
	}
	return nil
}

// cancelProtective removes the resting stop. If the stop had already
// filled, the fill is applied as the exit and filled is true.
func (tk *tick) cancelProtective(ctx context.Context) (filled bool, err error) {
	t := tk.t
	id := tk.ps.ProtectiveOrderID
	_, cerr := t.api.CancelOrder(ctx, tk.b.Symbol, id)
	if cerr == nil {
		tk.ps.ProtectiveOrderID = ""
		tk.dirty = true
		return false, nil
	}

	o, gerr := t.api.GetOrder(ctx, tk.b.Symbol, id)
	switch {
	case errors.Is(gerr, core.ErrOrderNotFound):
		tk.ps.ProtectiveOrderID = ""
		tk.dirty = true
		return false, nil
	case gerr != nil:
		t.breaker.RecordFailure(cerr)
		return false, errors.Join(cerr, gerr)
	case o.Status.Open():
		t.breaker.RecordFailure(cerr)
		return false, cerr
	}

	fills := tk.collect([]exchange.Order{*o}, nil)
	if len(fills) == 0 {
		tk.ps.ProtectiveOrderID = ""
		tk.dirty = true
		return false, nil
	}
	tk.log.Info("protective order filled before cancel", zap.String("client_order_id", id))
	tk.applyExit(fills[0], exitReason(fills[0].intent))
	return true, nil
}

// limitThenMarket rests a limit order at price, polls it until the timeout
// and completes any unfilled remainder with a market order.
func (tk *tick) limitThenMarket(ctx context.Context, side core.Side, qty, price decimal.Decimal, limitID, marketID string) ([]exchange.Order, error) {
	t := tk.t
	o, err := t.api.LimitOrder(ctx, tk.b.Symbol, side, qty, tk.filters.RoundPrice(price), limitID)
	if err != nil {
		return nil, err
	}

	deadline := t.now().Add(t.cfg.LimitOrderTimeout)
	for o.Status.Open() && t.now().Before(deadline) {
		if err := t.sleep(ctx, t.cfg.LimitPollInterval); err != nil {
			break
		}
		got, err := t.api.GetOrder(ctx, tk.b.Symbol, limitID)
		if err != nil {
			tk.log.Warn("limit order poll failed", zap.Error(err))
			continue
		}
		o = got
	}
	if o.Status.Open() {
		if c, err := t.api.CancelOrder(ctx, tk.b.Symbol, limitID); err == nil {
			o = c
		} else if got, gerr := t.api.GetOrder(ctx, tk.b.Symbol, limitID); gerr == nil {
			o = got
		}
		if o.Status.Open() {
			return []exchange.Order{*o}, core.Errorf(core.ErrTransient, "limit order %s still open after cancel", limitID)
		}
	}
	orders := []exchange.Order{*o}

	remaining := tk.filters.RoundQty(qty.Sub(o.ExecutedQty))
	if o.Status == exchange.OrderStatusFilled || !tk.filters.Tradable(remaining, price) {
		return orders, nil
	}
	tk.log.Info("limit order timed out, completing at market",
		zap.String("client_order_id", limitID),
		zap.String("remaining", remaining.String()),
	)

	var m *exchange.Order
	if side == core.SideBuy {
		m, err = t.api.MarketBuyQuote(ctx, tk.b.Symbol, tk.filters.RoundPrice(remaining.Mul(price)), marketID)
	} else {
		m, err = t.api.MarketSellBase(ctx, tk.b.Symbol, remaining, marketID)
	}
	if m != nil {
		orders = append(orders, *m)
	}
	return orders, err
}

func (tk *tick) observeOrders(orders []exchange.Order) {
	for _, o := range orders {
		tk.t.observer.ObserveOrder(string(o.Side), string(o.Type), string(o.Status))
	}
}

// commit persists the working state, then appends its ledger rows.
func (tk *tick) commit(ctx context.Context) error {
	if !tk.dirty && len(tk.records) == 0 {
		return nil
	}
	if err := tk.t.store.Put(tk.ps); err != nil {
		tk.t.breaker.RecordFailure(err)
		tk.t.notify(ctx, notifier.SeverityCritical, tk.b.Symbol, "state save failed", map[string]string{
			"error":  err.Error(),
			"run_id": tk.ps.RunID,
		})
		return err
	}
	if len(tk.records) == 0 || tk.t.ledger == nil {
		return nil
	}
	if err := tk.t.ledger.Append(tk.records...); err != nil {
		err = core.WrapError(core.ErrPersistence, err)
		tk.t.breaker.RecordFailure(err)
		tk.t.notify(ctx, notifier.SeverityCritical, tk.b.Symbol, "ledger append failed", map[string]string{
			"error": err.Error(),
			"rows":  fmt.Sprint(len(tk.records)),
		})
		return err
	}
	for _, r := range tk.records {
		tk.notifyFill(ctx, r)
	}
	return nil
}

func (tk *tick) notifyFill(ctx context.Context, r core.TradeRecord) {
	title := "entry filled"
	fields := map[string]string{
		"price":    r.Price.String(),
		"quantity": r.Quantity.String(),
		"fee":      r.Fee.String(),
		"type":     r.OrderType,
		"run_id":   r.RunID,
	}
	if r.Side == core.SideSell {
		title = "exit filled"
		fields["reason"] = string(r.Reason)
		fields["pnl"] = r.RealizedPnL.StringFixed(4)
	}
	if v, err := tk.t.Valuation(ctx, tk.filters.QuoteAsset); err == nil {
		fields["equity"] = v.StringFixed(2)
	}
	tk.t.notify(ctx, notifier.SeverityInfo, tk.b.Symbol, title, fields)
}

func isIntent(clientOrderID string, intent exchange.Intent) bool {
	ref, ok := exchange.ParseClientOrderID(clientOrderID)
	return ok && ref.Intent == intent
}
