package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/storage/archive"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeProvider) Klines(ctx context.Context, symbol, interval string, start, end time.Time) ([]core.Candle, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	step, err := core.IntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	var out []core.Candle
	for ts, i := start, 0; ts.Before(end); ts, i = ts.Add(step), i+1 {
		p := decimal.NewFromInt(int64(100 + i))
		out = append(out, core.Candle{Time: ts, Open: p, High: p, Low: p, Close: p, Volume: decimal.NewFromInt(1)})
	}
	return out, nil
}

func newHistory(t *testing.T, p Provider) (*History, archive.Storage) {
	store, err := archive.NewLocalFS(t.TempDir())
	require.NoError(t, err)
	h := NewHistory(p, store, nil)
	h.now = func() time.Time { return time.Date(2024, 5, 10, 15, 30, 0, 0, time.UTC) }
	return h, store
}

func TestHistory_CachesRange(t *testing.T) {
	p := &fakeProvider{}
	h, store := newHistory(t, p)
	s := Series{Symbol: "BTCUSDC", Interval: "1h"}

	first, err := h.LastDays(context.Background(), s, 2)
	require.NoError(t, err)
	require.Len(t, first, 48)
	assert.True(t, first[0].Time.Equal(time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC)))

	second, err := h.LastDays(context.Background(), s, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, len(first), len(second))
	assert.True(t, second[47].Close.Equal(first[47].Close))

	keys, err := store.List(context.Background(), "klines/BTCUSDC/1h")
	require.NoError(t, err)
	assert.Equal(t, []string{"klines/BTCUSDC/1h/20240508_20240510.json"}, keys)
}

func TestHistory_CorruptCacheRefetches(t *testing.T) {
	p := &fakeProvider{}
	h, store := newHistory(t, p)
	s := Series{Symbol: "BTCUSDC", Interval: "1d"}
	require.NoError(t, store.Write(context.Background(), "klines/BTCUSDC/1d/20240503_20240510.json", []byte("{not json")))

	candles, err := h.LastDays(context.Background(), s, 7)
	require.NoError(t, err)
	assert.Len(t, candles, 7)
	assert.Equal(t, 1, p.calls)
}

func TestHistory_Errors(t *testing.T) {
	h, _ := newHistory(t, &fakeProvider{})
	_, err := h.LastDays(context.Background(), Series{Symbol: "BTCUSDC", Interval: "7h"}, 1)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = h.LastDays(context.Background(), Series{Symbol: "BTCUSDC", Interval: "1h"}, 0)
	assert.ErrorIs(t, err, core.ErrNoData)

	boom := errors.New("boom")
	h, _ = newHistory(t, &fakeProvider{err: boom})
	_, err = h.LastDays(context.Background(), Series{Symbol: "BTCUSDC", Interval: "1h"}, 1)
	assert.ErrorIs(t, err, boom)
}

func TestHistory_Prefetch(t *testing.T) {
	p := &fakeProvider{}
	h, _ := newHistory(t, p)
	series := []Series{
		{Symbol: "BTCUSDC", Interval: "1h"},
		{Symbol: "BTCUSDC", Interval: "4h"},
		{Symbol: "ETHUSDC", Interval: "1h"},
	}

	got, err := h.Prefetch(context.Background(), series, 1, 2)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Len(t, got[series[1]], 6)
	assert.Equal(t, 3, p.calls)
}
