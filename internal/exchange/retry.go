package exchange

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"github.com/newthinker/spotbot/internal/core"
)

// RetryPolicy retries transient failures with exponential backoff.
type RetryPolicy struct {
	// MaxAttempts bounds the total number of calls, first one included.
	MaxAttempts int
	Min         time.Duration
	Max         time.Duration
	Factor      float64
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before every retry with the failed attempt's error.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetryPolicy is three attempts starting at 2s and doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Min:         2 * time.Second,
		Max:         30 * time.Second,
		Factor:      2,
		Sleep:       sleepCtx,
	}
}

// Do calls fn until it succeeds, returns a non-transient error, or the
// attempts are exhausted. The last error is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	b := &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: p.Factor}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil || !core.IsTransient(err) || attempt == attempts {
			return err
		}
		wait := b.Duration()
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
