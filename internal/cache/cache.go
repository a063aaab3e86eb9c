// Package cache provides the bounded memoization layer used by candidate
// scoring. Eviction is driven by an injected clock so it is deterministic
// under test; caching only ever changes latency, never results.
package cache

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock time so eviction can be tested
// deterministically.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using real time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Stats reports cache performance counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Evictions int64 `json:"evictions"`
	Items     int   `json:"items"`
}

// ScoreCache is the interface the scorer memoizes float sub-scores
// through. Both the in-process Bounded cache and the Redis-shared cache
// satisfy it.
type ScoreCache interface {
	GetFloat(key string) (float64, bool)
	SetFloat(key string, value float64)
}

type entry struct {
	value interface{}
	seq   uint64
}

// Bounded is a mutex-guarded in-memory cache trimmed on a fixed wall-clock
// interval: when a write lands after the interval has elapsed, the oldest
// entries are discarded down to the size bound. Safe for use from
// concurrently running backtests.
type Bounded struct {
	mu           sync.Mutex
	items        map[string]entry
	maxEntries   int
	trimInterval time.Duration
	clock        Clock
	lastTrim     time.Time
	seq          uint64
	stats        Stats
}

// NewBounded creates a cache holding at most maxEntries items after a
// trim, checking for trims every trimInterval.
func NewBounded(maxEntries int, trimInterval time.Duration, clock Clock) *Bounded {
	if clock == nil {
		clock = RealClock{}
	}
	return &Bounded{
		items:        make(map[string]entry),
		maxEntries:   maxEntries,
		trimInterval: trimInterval,
		clock:        clock,
		lastTrim:     clock.Now(),
	}
}

// Get retrieves a value from the cache.
func (c *Bounded) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return e.value, true
}

// Set stores a value, trimming first if the trim interval has elapsed.
func (c *Bounded) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if now.Sub(c.lastTrim) >= c.trimInterval {
		c.trimLocked()
		c.lastTrim = now
	}
	c.seq++
	c.items[key] = entry{value: value, seq: c.seq}
	c.stats.Sets++
}

// GetFloat retrieves a float64 value; a stored value of any other type is
// treated as a miss.
func (c *Bounded) GetFloat(key string) (float64, bool) {
	v, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// SetFloat stores a float64 value.
func (c *Bounded) SetFloat(key string, value float64) {
	c.Set(key, value)
}

// Len returns the current item count.
func (c *Bounded) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a copy of the performance counters.
func (c *Bounded) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Items = len(c.items)
	return s
}

// trimLocked discards the oldest entries until the cache is within its
// size bound. Caller holds the mutex.
func (c *Bounded) trimLocked() {
	for len(c.items) > c.maxEntries {
		var oldestKey string
		var oldestSeq uint64
		first := true
		for k, e := range c.items {
			if first || e.seq < oldestSeq {
				oldestKey, oldestSeq = k, e.seq
				first = false
			}
		}
		delete(c.items, oldestKey)
		c.stats.Evictions++
	}
}
