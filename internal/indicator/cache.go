package indicator

import (
	"math"
	"sync"
	"time"

	"github.com/newthinker/spotbot/internal/core"
)

// DefaultDriftThreshold invalidates a cache entry once the latest close
// moves by 0.5% or more from the close seen at cache time.
const DefaultDriftThreshold = 0.005

// CacheKey identifies a cached series by symbol and timeframe. Params are
// part of the key so two strategies on the same symbol never share values.
type CacheKey struct {
	Symbol string
	Period string
	Params Params
}

// CacheStats reports lookup counters.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

type cacheEntry struct {
	lastTime  time.Time
	length    int
	lastClose float64
	series    []Annotated
}

// Cache memoizes Annotate results for live ticks.
type Cache struct {
	mu       sync.Mutex
	drift    float64
	entries  map[CacheKey]cacheEntry
	hits     uint64
	misses   uint64
	observer func(hit bool)
}

// NewCache creates a cache with the given drift threshold; a non-positive
// threshold selects DefaultDriftThreshold.
func NewCache(drift float64) *Cache {
	if drift <= 0 {
		drift = DefaultDriftThreshold
	}
	return &Cache{
		drift:   drift,
		entries: make(map[CacheKey]cacheEntry),
	}
}

// SetObserver registers a callback invoked on every lookup.
func (c *Cache) SetObserver(fn func(hit bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

// Annotate returns cached annotations when the series still ends on the
// same bar and its close has drifted less than the threshold; otherwise it
// recomputes and stores the result. The returned slice is a copy.
func (c *Cache) Annotate(key CacheKey, candles []core.Candle) []Annotated {
	if len(candles) == 0 {
		return nil
	}
	last := candles[len(candles)-1]
	lastClose := last.Close.InexactFloat64()

	c.mu.Lock()
	entry, ok := c.entries[key]
	hit := ok && entry.length == len(candles) && entry.lastTime.Equal(last.Time) &&
		withinDrift(entry.lastClose, lastClose, c.drift)
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	observer := c.observer
	c.mu.Unlock()

	if observer != nil {
		observer(hit)
	}
	if hit {
		return append([]Annotated(nil), entry.series...)
	}

	series := Annotate(candles, key.Params)

	c.mu.Lock()
	c.entries[key] = cacheEntry{
		lastTime:  last.Time,
		length:    len(candles),
		lastClose: lastClose,
		series:    series,
	}
	c.mu.Unlock()

	return append([]Annotated(nil), series...)
}

// Invalidate drops every entry of a symbol.
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.Symbol == symbol {
			delete(c.entries, k)
		}
	}
}

// Stats returns the hit and miss counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}

func withinDrift(cached, current, threshold float64) bool {
	if cached == 0 {
		return current == 0
	}
	return math.Abs(current-cached)/math.Abs(cached) < threshold
}
