package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/newthinker/spotbot/internal/backtest"
	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/ledger"
	"github.com/newthinker/spotbot/internal/storage/archive"
	"github.com/newthinker/spotbot/internal/strategy"
)

// Report is the complete output of a sweep.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []Outcome
	Best       map[string]Outcome
}

// Trades concatenates every tuple ledger in tuple order.
func (r *Report) Trades() []core.TradeRecord {
	var out []core.TradeRecord
	for _, o := range r.Outcomes {
		if o.Result != nil {
			out = append(out, o.Result.Trades...)
		}
	}
	return out
}

// Failed returns the outcomes that did not produce a result.
func (r *Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// PairSummary is the best result of one pair.
type PairSummary struct {
	Pair          string          `json:"pair"`
	Timeframe     string          `json:"timeframe"`
	Params        strategy.Params `json:"params"`
	InitialWallet decimal.Decimal `json:"initial_wallet"`
	FinalWallet   decimal.Decimal `json:"final_wallet"`
	PnL           decimal.Decimal `json:"pnl"`
	MaxDrawdown   float64         `json:"max_drawdown"`
	WinRate       float64         `json:"win_rate"`
	NumTrades     int             `json:"num_trades"`
	Stats         backtest.Stats  `json:"stats"`
}

// Summary is the JSON document written next to the ledger.
type Summary struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Tuples     int           `json:"tuples"`
	Failed     int           `json:"failed"`
	Pairs      []PairSummary `json:"pairs"`
}

// Summary condenses the report, pairs sorted by name.
func (r *Report) Summary() Summary {
	s := Summary{
		RunID:      r.RunID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Tuples:     len(r.Outcomes),
		Failed:     len(r.Failed()),
	}
	for _, pair := range sortedPairs(r.Best) {
		o := r.Best[pair]
		s.Pairs = append(s.Pairs, PairSummary{
			Pair:          pair,
			Timeframe:     o.Tuple.Timeframe,
			Params:        o.Tuple.Params,
			InitialWallet: o.Result.InitialWallet,
			FinalWallet:   o.Result.FinalWallet,
			PnL:           o.Result.PnL(),
			MaxDrawdown:   o.Result.MaxDrawdown,
			WinRate:       o.Result.WinRate,
			NumTrades:     o.Result.NumTrades,
			Stats:         o.Result.Stats,
		})
	}
	return s
}

func sortedPairs(best map[string]Outcome) []string {
	pairs := make([]string, 0, len(best))
	for p := range best {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)
	return pairs
}

// Sink receives finished reports.
type Sink interface {
	Write(ctx context.Context, r *Report) error
}

// ArchiveSink writes the ledger CSV and summary JSON of a report under
// <prefix>/<run_id>/ in archive storage.
type ArchiveSink struct {
	store  archive.Storage
	prefix string
}

// NewArchiveSink creates a sink writing under prefix.
func NewArchiveSink(store archive.Storage, prefix string) *ArchiveSink {
	return &ArchiveSink{store: store, prefix: prefix}
}

// LedgerPath returns the ledger object path of a run.
func (s *ArchiveSink) LedgerPath(runID string) string {
	return path.Join(s.prefix, runID, "trades.csv")
}

// SummaryPath returns the summary object path of a run.
func (s *ArchiveSink) SummaryPath(runID string) string {
	return path.Join(s.prefix, runID, "summary.json")
}

func (s *ArchiveSink) Write(ctx context.Context, r *Report) error {
	csv, err := ledger.Encode(r.Trades())
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := s.store.Write(ctx, s.LedgerPath(r.RunID), csv); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}

	summary, err := json.MarshalIndent(r.Summary(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := s.store.Write(ctx, s.SummaryPath(r.RunID), summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
