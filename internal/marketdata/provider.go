// Package marketdata serves historical candles for backtests.
package marketdata

import (
	"context"
	"time"

	"github.com/newthinker/spotbot/internal/core"
)

// Provider fetches closed candles opening in [start, end).
type Provider interface {
	Klines(ctx context.Context, symbol, interval string, start, end time.Time) ([]core.Candle, error)
}

// Series identifies one candle series.
type Series struct {
	Symbol   string
	Interval string
}

func (s Series) String() string { return s.Symbol + "/" + s.Interval }
