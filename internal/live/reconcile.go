package live

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/newthinker/spotbot/internal/backtest"
	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/exchange"
	"github.com/newthinker/spotbot/internal/indicator"
	"github.com/newthinker/spotbot/internal/strategy"
)

// fill is the aggregate of the orders that served one intent on one bar:
// a limit order and its market completion count as a single fill.
type fill struct {
	intent    exchange.Intent
	side      core.Side
	bar       time.Time
	orderType string
	qty       decimal.Decimal
	quote     decimal.Decimal
	// baseFee is commission taken out of the received base asset.
	baseFee decimal.Decimal
	// fee is the total commission valued in quote.
	fee         decimal.Decimal
	time        time.Time
	lastOrderID int64
}

func (f fill) price() decimal.Decimal {
	if !f.qty.IsPositive() {
		return decimal.Zero
	}
	return f.quote.Div(f.qty)
}

func groupIntent(i exchange.Intent) exchange.Intent {
	switch i {
	case exchange.IntentEntryMarket:
		return exchange.IntentEntry
	case exchange.IntentExitMarket:
		return exchange.IntentExit
	}
	return i
}

func exitReason(i exchange.Intent) core.ExitReason {
	switch i {
	case exchange.IntentStopLoss:
		return core.ReasonStopLoss
	case exchange.IntentTrailing:
		return core.ReasonTrailingStop
	}
	return core.ReasonSignal
}

func ledgerOrderType(i exchange.Intent, o exchange.Order) string {
	switch {
	case i == exchange.IntentStopLoss:
		return backtest.OrderStopLoss
	case i == exchange.IntentTrailing:
		return backtest.OrderTrailingStop
	case o.Type == exchange.OrderTypeLimit:
		return backtest.OrderLimit
	}
	return backtest.OrderMarket
}

// collect turns finished orders of this run into fills, oldest first.
// Orders at or below the applied cursor, foreign orders and orders that
// can still fill are skipped. Trades supply the commission when present.
func (tk *tick) collect(orders []exchange.Order, trades []exchange.Trade) []fill {
	byOrder := make(map[int64][]exchange.Trade)
	for _, tr := range trades {
		byOrder[tr.OrderID] = append(byOrder[tr.OrderID], tr)
	}

	sorted := append([]exchange.Order(nil), orders...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OrderID < sorted[j].OrderID })

	type key struct {
		intent exchange.Intent
		bar    int64
	}
	groups := make(map[key]*fill)
	var out []*fill
	for _, o := range sorted {
		ref, ok := exchange.ParseClientOrderID(o.ClientOrderID)
		if !ok || !ref.Matches(tk.ps.RunID, tk.b.Symbol) {
			continue
		}
		if o.OrderID <= tk.ps.LastOrderID || o.Status.Open() || !o.ExecutedQty.IsPositive() {
			continue
		}

		intent := groupIntent(ref.Intent)
		k := key{intent, ref.Bar.UnixMilli()}
		f, ok := groups[k]
		if !ok {
			f = &fill{
				intent:    intent,
				side:      intent.Side(),
				bar:       ref.Bar,
				orderType: ledgerOrderType(ref.Intent, o),
			}
			groups[k] = f
			out = append(out, f)
		}
		f.qty = f.qty.Add(o.ExecutedQty)
		f.quote = f.quote.Add(o.CumQuote)
		if o.UpdateTime.After(f.time) {
			f.time = o.UpdateTime
		}
		f.lastOrderID = max(f.lastOrderID, o.OrderID)

		if ts := byOrder[o.OrderID]; len(ts) > 0 {
			for _, tr := range ts {
				tk.addFee(f, o, tr.Commission, tr.CommissionAsset)
			}
		} else {
			tk.addFee(f, o, o.Commission, o.CommissionAsset)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].lastOrderID < out[j].lastOrderID })
	fills := make([]fill, len(out))
	for i, f := range out {
		fills[i] = *f
	}
	return fills
}

func (tk *tick) addFee(f *fill, o exchange.Order, amount decimal.Decimal, asset string) {
	if !amount.IsPositive() {
		return
	}
	switch asset {
	case tk.filters.QuoteAsset:
		f.fee = f.fee.Add(amount)
	case tk.filters.BaseAsset:
		f.baseFee = f.baseFee.Add(amount)
		f.fee = f.fee.Add(amount.Mul(o.AvgPrice()))
	default:
		// paid in a third asset; book the taker rate on the notional
		f.fee = f.fee.Add(o.CumQuote.Mul(tk.t.cfg.TakerFee))
	}
}

// reconcile brings the working state in line with the exchange: fills the
// state has not seen are applied in order, stale entry and exit orders are
// cancelled, and an open position ends up with exactly one resting stop.
func (tk *tick) reconcile(ctx context.Context) error {
	t := tk.t
	since := tk.ps.LastExecutionTimestamp
	orders, err := t.api.AllOrders(ctx, tk.b.Symbol, since)
	if err != nil {
		return tk.fail(ctx, "reconcile orders", err)
	}
	trades, err := t.api.MyTrades(ctx, tk.b.Symbol, since)
	if err != nil {
		return tk.fail(ctx, "reconcile trades", err)
	}

	var resting []exchange.Order
	for i, o := range orders {
		ref, ok := exchange.ParseClientOrderID(o.ClientOrderID)
		if !ok || !ref.Matches(tk.ps.RunID, tk.b.Symbol) || !o.Status.Open() {
			continue
		}
		if ref.Intent == exchange.IntentStopLoss || ref.Intent == exchange.IntentTrailing {
			resting = append(resting, o)
			continue
		}
		// an entry or exit left working by an interrupted tick
		c, err := t.api.CancelOrder(ctx, tk.b.Symbol, o.ClientOrderID)
		if err != nil {
			return tk.fail(ctx, "cancel stale order", err)
		}
		tk.log.Warn("cancelled stale order", zap.String("client_order_id", o.ClientOrderID))
		orders[i] = *c
	}

	for _, f := range tk.collect(orders, trades) {
		switch {
		case f.side == core.SideBuy && !tk.ps.Long():
			tk.log.Warn("adopting entry fill missing from state",
				zap.Int64("order_id", f.lastOrderID),
				zap.Time("bar", f.bar),
			)
			atr, closeF := tk.atrAt(f.bar, f.price())
			tk.applyEntry(f, atr, closeF)
		case f.side == core.SideSell && tk.ps.Long():
			tk.log.Info("applying exit fill",
				zap.Int64("order_id", f.lastOrderID),
				zap.String("intent", string(rune(f.intent))),
			)
			tk.applyExit(f, exitReason(f.intent))
		default:
			tk.log.Warn("fill inconsistent with state, skipped",
				zap.Int64("order_id", f.lastOrderID),
				zap.String("side", string(f.side)),
				zap.Bool("long", tk.ps.Long()),
			)
			tk.ps.LastOrderID = max(tk.ps.LastOrderID, f.lastOrderID)
			tk.dirty = true
		}
	}

	return tk.settleProtection(ctx, resting)
}

func (tk *tick) settleProtection(ctx context.Context, resting []exchange.Order) error {
	t := tk.t
	keep := ""
	if tk.ps.Long() {
		for _, o := range resting {
			if o.ClientOrderID == tk.ps.ProtectiveOrderID {
				keep = o.ClientOrderID
			}
		}
		if keep == "" {
			// newest resting stop wins
			var newest int64
			for _, o := range resting {
				if o.OrderID > newest {
					newest, keep = o.OrderID, o.ClientOrderID
				}
			}
		}
		if keep != tk.ps.ProtectiveOrderID {
			tk.log.Warn("protective order changed on the exchange",
				zap.String("state", tk.ps.ProtectiveOrderID),
				zap.String("exchange", keep),
			)
			tk.ps.ProtectiveOrderID = keep
			tk.dirty = true
		}
	}

	for _, o := range resting {
		if o.ClientOrderID == keep {
			continue
		}
		if _, err := t.api.CancelOrder(ctx, tk.b.Symbol, o.ClientOrderID); err != nil {
			return tk.fail(ctx, "cancel orphan stop", err)
		}
		tk.log.Warn("cancelled orphan stop", zap.String("client_order_id", o.ClientOrderID))
	}

	if tk.ps.Long() && tk.ps.ProtectiveOrderID == "" && len(tk.bars) > 0 {
		return tk.protect(ctx, tk.bars[len(tk.bars)-1].Time)
	}
	return nil
}

// atrAt returns the ATR and close of the bar an adopted fill was placed
// on, falling back to the last known ATR and the fill price.
func (tk *tick) atrAt(bar time.Time, price decimal.Decimal) (float64, float64) {
	for i := len(tk.bars) - 1; i >= 0; i-- {
		b := tk.bars[i]
		if b.Time.Equal(bar) && indicator.Valid(b.ATR) {
			return b.ATR, b.CloseF()
		}
	}
	if tk.ps.LastATR > 0 {
		return tk.ps.LastATR, price.InexactFloat64()
	}
	if n := len(tk.bars); n > 0 && indicator.Valid(tk.bars[n-1].ATR) {
		return tk.bars[n-1].ATR, price.InexactFloat64()
	}
	return 0, price.InexactFloat64()
}

func (tk *tick) applyEntry(f fill, atr, closeF float64) {
	qty := f.qty.Sub(f.baseFee)
	if tk.filters.StepSize.IsPositive() {
		qty = tk.filters.RoundQty(qty)
	}
	price := f.price()
	stopMult, trailMult := tk.b.Params.Multipliers(atr, closeF)
	pos := strategy.OpenPosition(price, qty, f.bar, atr, stopMult, trailMult)
	pos.EntryFee = f.fee

	tk.ps.Position = pos
	tk.ps.ProtectiveOrderID = ""
	tk.ps.LastOrderSide = core.SideBuy
	tk.settle(f)
	tk.records = append(tk.records, tk.record(f, core.SideBuy, price, qty, "", decimal.Zero))

	tk.log.Info("position opened",
		zap.String("price", price.String()),
		zap.String("quantity", qty.String()),
		zap.String("stop_loss", pos.StopLoss.String()),
		zap.String("trailing_activation", pos.TrailingActivation.String()),
	)
}

func (tk *tick) applyExit(f fill, reason core.ExitReason) {
	pos := tk.ps.Position
	price := f.price()
	pnl := price.Sub(pos.EntryPrice).Mul(f.qty)

	tk.ps.Position = nil
	tk.ps.ProtectiveOrderID = ""
	tk.ps.LastOrderSide = core.SideSell
	tk.settle(f)
	tk.records = append(tk.records, tk.record(f, core.SideSell, price, f.qty, reason, pnl))

	tk.log.Info("position closed",
		zap.String("reason", string(reason)),
		zap.String("price", price.String()),
		zap.String("pnl", pnl.StringFixed(4)),
	)
}

func (tk *tick) settle(f fill) {
	tk.ps.ExecutionCount++
	if f.time.After(tk.ps.LastExecutionTimestamp) {
		tk.ps.LastExecutionTimestamp = f.time
	}
	tk.ps.LastOrderID = max(tk.ps.LastOrderID, f.lastOrderID)
	tk.dirty = true
}

func (tk *tick) record(f fill, side core.Side, price, qty decimal.Decimal, reason core.ExitReason, pnl decimal.Decimal) core.TradeRecord {
	return core.TradeRecord{
		Pair:        tk.b.Symbol,
		Timeframe:   tk.b.Timeframe,
		Scenario:    string(tk.b.Params.Scenario),
		EMA1:        tk.b.Params.EMA1,
		EMA2:        tk.b.Params.EMA2,
		Side:        side,
		OrderType:   f.orderType,
		Timestamp:   f.time,
		Price:       price,
		Quantity:    qty,
		Fee:         f.fee,
		Reason:      reason,
		RealizedPnL: pnl,
		RunID:       tk.ps.RunID,
	}
}
