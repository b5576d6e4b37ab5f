package backtest

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/indicator"
	"github.com/newthinker/spotbot/internal/strategy"
)

// Backtester runs deterministic candle-by-candle simulations.
type Backtester struct {
	logger *zap.Logger
}

// New creates a new Backtester
func New(logger *zap.Logger) *Backtester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backtester{logger: logger}
}

// Run annotates the candles and simulates the strategy over them. It fails
// with ErrInvalidParams when the parameters are inconsistent or a
// parameter-dependent window is longer than the series.
func (b *Backtester) Run(ctx context.Context, candles []core.Candle, p strategy.Params, cfg Config) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if w := p.ParamWindow(); w > len(candles) {
		return nil, core.Errorf(core.ErrInvalidParams, "%s needs %d candles, have %d", p.Key(), w, len(candles))
	}

	bars := indicator.Annotate(candles, p.IndicatorParams())
	res, err := Simulate(ctx, bars, p, cfg)
	if err != nil {
		return nil, err
	}

	b.logger.Debug("backtest finished",
		zap.String("pair", cfg.Pair),
		zap.String("timeframe", cfg.Timeframe),
		zap.String("params", p.Key()),
		zap.Int("trades", res.NumTrades),
		zap.Stringer("final_wallet", res.FinalWallet),
	)
	return res, nil
}

// wallet is the simulation state of one run.
type wallet struct {
	quote    decimal.Decimal
	position *strategy.Position
	entryBar int
}

func (w *wallet) equity(price decimal.Decimal) decimal.Decimal {
	if w.position == nil {
		return w.quote
	}
	return w.quote.Add(w.position.Quantity.Mul(price))
}

// Simulate runs the state machine over pre-annotated bars. Bars whose
// required indicators are undefined are skipped.
func Simulate(ctx context.Context, bars []indicator.Annotated, p strategy.Params, cfg Config) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	sim := simulation{
		params: p,
		cfg:    cfg,
		wallet: wallet{quote: cfg.InitialWallet},
	}
	sim.dd.peak = cfg.InitialWallet

	for i, bar := range bars {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if !p.Ready(bar) {
			continue
		}
		sim.step(i, bar)
		sim.dd.observe(sim.wallet.equity(bar.Close))
	}

	return sim.result(bars), nil
}

type simulation struct {
	params strategy.Params
	cfg    Config
	wallet wallet
	trades []core.TradeRecord
	dd     drawdownTracker
}

func (s *simulation) step(i int, bar indicator.Annotated) {
	if pos := s.wallet.position; pos != nil {
		if i <= s.wallet.entryBar {
			return
		}
		pos.Observe(bar.High)
		if exit, ok := pos.CheckStops(bar.Low); ok {
			orderType := OrderStopLoss
			if exit.Reason == core.ReasonTrailingStop {
				orderType = OrderTrailingStop
			}
			s.sell(bar, exit.Price, exit.Reason, orderType, s.cfg.Fees.Taker)
			return
		}
		if s.params.ShouldSell(bar) {
			rate, orderType := s.signalFee()
			s.sell(bar, bar.Close, core.ReasonSignal, orderType, rate)
		}
		return
	}

	if !s.wallet.quote.IsPositive() || !s.params.ShouldBuy(bar) {
		return
	}
	s.buy(i, bar)
}

func (s *simulation) signalFee() (decimal.Decimal, string) {
	if s.cfg.Fees.UseMaker {
		return s.cfg.Fees.Maker, OrderLimit
	}
	return s.cfg.Fees.Taker, OrderMarket
}

func (s *simulation) buy(i int, bar indicator.Annotated) {
	rate, orderType := s.signalFee()
	stopMult, trailMult := s.params.Multipliers(bar.ATR, bar.CloseF())

	qty := s.params.Quantity(strategy.SizingInput{
		Quote:        s.wallet.quote,
		Equity:       s.wallet.equity(bar.Close),
		Price:        bar.Close,
		ATR:          bar.ATR,
		StopMult:     stopMult,
		FeeRate:      rate,
		CapitalUsage: s.cfg.CapitalUsage,
		Filters:      s.cfg.Filters,
	})
	if !qty.IsPositive() {
		return
	}

	// the order goes out as a quote amount floored to the tick; the fill
	// is floored to the lot step
	notional := s.cfg.Filters.RoundPrice(qty.Mul(bar.Close))
	qty = s.cfg.Filters.RoundQty(notional.Div(bar.Close))
	if !qty.IsPositive() {
		return
	}
	notional = qty.Mul(bar.Close)
	fee := notional.Mul(rate)
	s.wallet.quote = s.wallet.quote.Sub(notional).Sub(fee)

	pos := strategy.OpenPosition(bar.Close, qty, bar.Time, bar.ATR, stopMult, trailMult)
	pos.EntryFee = fee
	s.wallet.position = pos
	s.wallet.entryBar = i

	s.trades = append(s.trades, s.record(core.SideBuy, orderType, bar, bar.Close, qty, fee, "", decimal.Zero))
}

func (s *simulation) sell(bar indicator.Annotated, price decimal.Decimal, reason core.ExitReason, orderType string, rate decimal.Decimal) {
	pos := s.wallet.position
	proceeds := pos.Quantity.Mul(price)
	fee := proceeds.Mul(rate)
	s.wallet.quote = s.wallet.quote.Add(proceeds).Sub(fee)
	s.wallet.position = nil

	s.trades = append(s.trades, s.record(core.SideSell, orderType, bar, price, pos.Quantity, fee, reason, pos.PnL(price)))
}

func (s *simulation) record(side core.Side, orderType string, bar indicator.Annotated, price, qty, fee decimal.Decimal, reason core.ExitReason, pnl decimal.Decimal) core.TradeRecord {
	return core.TradeRecord{
		Pair:        s.cfg.Pair,
		Timeframe:   s.cfg.Timeframe,
		Scenario:    string(s.params.Scenario),
		EMA1:        s.params.EMA1,
		EMA2:        s.params.EMA2,
		Side:        side,
		OrderType:   orderType,
		Timestamp:   bar.Time,
		Price:       price,
		Quantity:    qty,
		Fee:         fee,
		Reason:      reason,
		RealizedPnL: pnl,
		RunID:       s.cfg.RunID,
	}
}

func (s *simulation) result(bars []indicator.Annotated) *Result {
	final := s.wallet.quote
	unrealized := decimal.Zero
	if pos := s.wallet.position; pos != nil && len(bars) > 0 {
		last := bars[len(bars)-1].Close
		final = s.wallet.equity(last)
		unrealized = pos.PnL(last)
	}

	var sells, wins int
	for _, t := range s.trades {
		if t.Side != core.SideSell {
			continue
		}
		sells++
		if t.RealizedPnL.IsPositive() {
			wins++
		}
	}
	var winRate float64
	if sells > 0 {
		winRate = float64(wins) / float64(sells)
	}

	return &Result{
		Params:        s.params,
		Pair:          s.cfg.Pair,
		Timeframe:     s.cfg.Timeframe,
		InitialWallet: s.cfg.InitialWallet,
		FinalWallet:   final,
		MaxDrawdown:   s.dd.max,
		WinRate:       winRate,
		NumTrades:     len(s.trades),
		Trades:        s.trades,
		OpenPosition:  s.wallet.position,
		UnrealizedPnL: unrealized,
		Stats:         CalculateStats(s.trades, s.cfg.InitialWallet, final, s.dd.max),
	}
}
