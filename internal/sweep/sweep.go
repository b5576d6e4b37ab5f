package sweep

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/newthinker/spotbot/internal/backtest"
	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/marketdata"
)

// Config holds the settings shared by every backtest of a sweep.
type Config struct {
	MaxWorkers    int
	InitialWallet decimal.Decimal
	Fees          backtest.Fees
	CapitalUsage  decimal.Decimal
}

// Input is the market data a sweep runs on.
type Input struct {
	Candles map[marketdata.Series][]core.Candle
	Filters map[string]core.SymbolFilters
}

// Outcome is the result of one tuple. Exactly one of Result and Err is set.
type Outcome struct {
	Tuple  Tuple
	Result *backtest.Result
	Err    error
}

// Observer is told the status and duration of every backtest.
type Observer func(status string, elapsed time.Duration)

// Sweeper runs a grid of backtests on a bounded worker pool.
type Sweeper struct {
	cfg     Config
	bt      *backtest.Backtester
	logger  *zap.Logger
	observe Observer
	now     func() time.Time
}

// New creates a sweeper.
func New(cfg Config, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	return &Sweeper{
		cfg:     cfg,
		bt:      backtest.New(logger),
		logger:  logger.Named("sweep"),
		observe: func(string, time.Duration) {},
		now:     time.Now,
	}
}

// SetObserver installs a per-backtest observer.
func (s *Sweeper) SetObserver(o Observer) {
	if o != nil {
		s.observe = o
	}
}

// Run backtests every tuple. Workers share only read-only input; each
// outcome lands in the slot of its tuple, so the report is independent of
// scheduling. A failing tuple is recorded in its outcome and does not stop
// the others. Run fails only when ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, runID string, tuples []Tuple, in Input) (*Report, error) {
	report := &Report{
		RunID:     runID,
		StartedAt: s.now().UTC(),
		Outcomes:  make([]Outcome, len(tuples)),
	}
	s.logger.Info("sweep started",
		zap.String("run_id", runID),
		zap.Int("tuples", len(tuples)),
		zap.Int("workers", s.cfg.MaxWorkers),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxWorkers)
	for i, t := range tuples {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			report.Outcomes[i] = s.one(gctx, runID, t, in)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report.FinishedAt = s.now().UTC()
	report.Best = SelectBest(report.Outcomes)

	failed := len(report.Failed())
	s.logger.Info("sweep finished",
		zap.String("run_id", runID),
		zap.Int("failed", failed),
		zap.Int("pairs", len(report.Best)),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

func (s *Sweeper) one(ctx context.Context, runID string, t Tuple, in Input) Outcome {
	start := time.Now()
	candles, ok := in.Candles[marketdata.Series{Symbol: t.Pair, Interval: t.Timeframe}]
	if !ok {
		s.observe("error", time.Since(start))
		return Outcome{Tuple: t, Err: core.Errorf(core.ErrNoData, "no candles for %s/%s", t.Pair, t.Timeframe)}
	}

	res, err := s.bt.Run(ctx, candles, t.Params, backtest.Config{
		Pair:          t.Pair,
		Timeframe:     t.Timeframe,
		InitialWallet: s.cfg.InitialWallet,
		Fees:          s.cfg.Fees,
		CapitalUsage:  s.cfg.CapitalUsage,
		Filters:       in.Filters[t.Pair],
		RunID:         runID,
	})
	if err != nil {
		s.observe("error", time.Since(start))
		s.logger.Debug("backtest failed", zap.String("tuple", t.Key()), zap.Error(err))
		return Outcome{Tuple: t, Err: err}
	}
	s.observe("ok", time.Since(start))
	return Outcome{Tuple: t, Result: res}
}

// Better reports whether a beats b: higher PnL, then lower drawdown, then
// higher win rate, then the lexically smaller key.
func Better(a, b Outcome) bool {
	if c := a.Result.PnL().Cmp(b.Result.PnL()); c != 0 {
		return c > 0
	}
	if a.Result.MaxDrawdown != b.Result.MaxDrawdown {
		return a.Result.MaxDrawdown < b.Result.MaxDrawdown
	}
	if a.Result.WinRate != b.Result.WinRate {
		return a.Result.WinRate > b.Result.WinRate
	}
	return a.Tuple.Key() < b.Tuple.Key()
}

// SelectBest returns the best successful outcome per pair.
func SelectBest(outcomes []Outcome) map[string]Outcome {
	best := make(map[string]Outcome)
	for _, o := range outcomes {
		if o.Err != nil || o.Result == nil {
			continue
		}
		cur, ok := best[o.Tuple.Pair]
		if !ok || Better(o, cur) {
			best[o.Tuple.Pair] = o
		}
	}
	return best
}
