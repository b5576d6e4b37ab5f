package exchange

import (
	"context"
	"sync"
	"time"
)

// Safety margins subtracted from the measured server offset. Requests are
// stamped slightly in the past so they never land ahead of server time.
const (
	marginDefault  = 2000 * time.Millisecond
	marginDrift    = 5000 * time.Millisecond
	marginRecovery = 8000 * time.Millisecond
	driftThreshold = 1000 * time.Millisecond
)

// Clock tracks the offset between local and exchange time.
type Clock struct {
	mu         sync.Mutex
	now        func() time.Time
	interval   time.Duration
	offset     time.Duration
	raw        time.Duration
	lastSync   time.Time
	synced     bool
	recovering bool
}

// NewClock creates a clock that resyncs every interval.
func NewClock(interval time.Duration, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	if interval <= 0 {
		interval = 300 * time.Second
	}
	return &Clock{now: now, interval: interval}
}

// Due reports whether a sync is required before the next signed call.
func (c *Clock) Due() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.synced || c.now().Sub(c.lastSync) >= c.interval
}

// Sync measures the server offset with midpoint latency correction:
// offset = server - (before + rtt/2), minus the safety margin.
func (c *Clock) Sync(ctx context.Context, serverTime func(context.Context) (int64, error)) error {
	before := c.now()
	ms, err := serverTime(ctx)
	if err != nil {
		return err
	}
	after := c.now()

	latency := after.Sub(before) / 2
	raw := time.UnixMilli(ms).Sub(before.Add(latency))

	c.mu.Lock()
	defer c.mu.Unlock()
	margin := marginDefault
	if raw > driftThreshold || raw < -driftThreshold {
		margin = marginDrift
	}
	if c.recovering {
		margin = marginRecovery
		c.recovering = false
	}
	c.raw = raw
	c.offset = raw - margin
	c.lastSync = after
	c.synced = true
	return nil
}

// Invalidate forces a resync with the widest margin. It is called after
// the exchange rejects a request timestamp.
func (c *Clock) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.synced = false
	c.recovering = true
}

// Timestamp returns the adjusted request timestamp in milliseconds.
func (c *Clock) Timestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Add(c.offset).UnixMilli()
}

// Offset returns the applied offset including the safety margin.
func (c *Clock) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Drift returns the last measured offset without margin.
func (c *Clock) Drift() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw
}
