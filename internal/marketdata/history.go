package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/storage/archive"
)

const cachePrefix = "klines"

// History serves candle ranges from the archive, fetching and storing
// them on a miss. Ranges are aligned to UTC days so repeated runs on the
// same day share one cache object.
type History struct {
	provider Provider
	store    archive.Storage
	now      func() time.Time
	logger   *zap.Logger
}

// NewHistory creates a history cache over provider and store.
func NewHistory(provider Provider, store archive.Storage, logger *zap.Logger) *History {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{
		provider: provider,
		store:    store,
		now:      time.Now,
		logger:   logger.Named("history"),
	}
}

// LastDays returns the candles of the given number of whole UTC days
// ending at today's midnight.
func (h *History) LastDays(ctx context.Context, s Series, days int) ([]core.Candle, error) {
	end := h.now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -days)
	return h.Range(ctx, s, start, end)
}

// Range returns the candles opening in [start, end).
func (h *History) Range(ctx context.Context, s Series, start, end time.Time) ([]core.Candle, error) {
	if _, err := core.IntervalDuration(s.Interval); err != nil {
		return nil, err
	}
	key := cacheKey(s, start, end)

	data, err := h.store.Read(ctx, key)
	switch {
	case err == nil:
		candles, derr := decodeCandles(data)
		if derr == nil {
			h.logger.Debug("history cache hit", zap.String("series", s.String()), zap.Int("candles", len(candles)))
			return candles, nil
		}
		h.logger.Warn("discarding unreadable history cache", zap.String("key", key), zap.Error(derr))
	case !errors.Is(err, archive.ErrNotFound):
		return nil, fmt.Errorf("read history cache %s: %w", key, err)
	}

	candles, err := h.provider.Klines(ctx, s.Symbol, s.Interval, start, end)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, core.Errorf(core.ErrNoData, "%s between %s and %s", s, start.Format(time.DateOnly), end.Format(time.DateOnly))
	}

	data, err = encodeCandles(s, candles)
	if err != nil {
		return nil, err
	}
	if err := h.store.Write(ctx, key, data); err != nil {
		// The candles are still usable without the cache.
		h.logger.Warn("history cache write failed", zap.String("key", key), zap.Error(err))
	}
	h.logger.Info("history fetched", zap.String("series", s.String()), zap.Int("candles", len(candles)))
	return candles, nil
}

// Prefetch loads every series concurrently with at most workers fetches in
// flight. A failing series fails the whole prefetch.
func (h *History) Prefetch(ctx context.Context, series []Series, days, workers int) (map[Series][]core.Candle, error) {
	var mu sync.Mutex
	out := make(map[Series][]core.Candle, len(series))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, s := range series {
		g.Go(func() error {
			candles, err := h.LastDays(ctx, s, days)
			if err != nil {
				return fmt.Errorf("%s: %w", s, err)
			}
			mu.Lock()
			out[s] = candles
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func cacheKey(s Series, start, end time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s_%s.json", cachePrefix, s.Symbol, s.Interval,
		start.UTC().Format("20060102"), end.UTC().Format("20060102"))
}

type cachedSeries struct {
	Symbol   string         `json:"symbol"`
	Interval string         `json:"interval"`
	Candles  []cachedCandle `json:"candles"`
}

type cachedCandle struct {
	T int64           `json:"t"`
	O decimal.Decimal `json:"o"`
	H decimal.Decimal `json:"h"`
	L decimal.Decimal `json:"l"`
	C decimal.Decimal `json:"c"`
	V decimal.Decimal `json:"v"`
}

func encodeCandles(s Series, candles []core.Candle) ([]byte, error) {
	doc := cachedSeries{Symbol: s.Symbol, Interval: s.Interval, Candles: make([]cachedCandle, len(candles))}
	for i, c := range candles {
		doc.Candles[i] = cachedCandle{T: c.Time.UnixMilli(), O: c.Open, H: c.High, L: c.Low, C: c.Close, V: c.Volume}
	}
	return json.Marshal(doc)
}

func decodeCandles(data []byte) ([]core.Candle, error) {
	var doc cachedSeries
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	out := make([]core.Candle, len(doc.Candles))
	for i, c := range doc.Candles {
		out[i] = core.Candle{Time: time.UnixMilli(c.T).UTC(), Open: c.O, High: c.H, Low: c.L, Close: c.C, Volume: c.V}
		if i > 0 && !out[i].Time.After(out[i-1].Time) {
			return nil, fmt.Errorf("candles out of order at %d", i)
		}
	}
	return out, nil
}
