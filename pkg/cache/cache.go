// Package cache provides an in-memory key/value store with per-entry TTL and
// hit/miss statistics. Eviction is lazy on read, with an optional periodic
// sweep; there is no capacity-based eviction. Callers choose TTLs appropriate
// to their data churn (price quotes: seconds; execution records: hours).
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TemamAb/ainexus-phoenix-sub000/pkg/clock"
	"go.uber.org/zap"
)

// entry holds a stored value together with its insertion time and TTL.
// A zero TTL means the entry never expires.
type entry struct {
	value      []byte
	insertedAt time.Time
	ttl        time.Duration
}

func (e entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.insertedAt) > e.ttl
}

// Stats is a read-only snapshot of cache counters.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
	Expired int64
}

// HitRate returns the fraction of reads served from the cache.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a TTL-bounded key/value store. Concurrent Set for the same key is
// last-write-wins; there are no merge semantics.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry

	hits    atomic.Int64
	misses  atomic.Int64
	expired atomic.Int64

	clk    clock.Clock
	logger *zap.Logger
}

// New creates an empty cache. A nil logger disables logging.
func New(clk clock.Clock, logger *zap.Logger) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries: make(map[string]entry),
		clk:     clk,
		logger:  logger,
	}
}

// Key builds the conventional cache key "<category>:<subject>:<source>",
// e.g. "price:ETHUSDC:uniswap_v2".
func Key(category, subject, source string) string {
	return fmt.Sprintf("%s:%s:%s", category, subject, source)
}

// Set stores a value under the key with the given TTL. A TTL of zero means
// the entry never expires. The value is copied.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	c.entries[key] = entry{value: stored, insertedAt: c.clk.Now(), ttl: ttl}
	c.mu.Unlock()
}

// Get returns the value for the key and whether it was present. An expired or
// missing key counts as a miss; the expired entry is removed.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	if e.expired(c.clk.Now()) {
		c.mu.Lock()
		// Re-check under the write lock: a Set may have replaced the entry.
		if cur, still := c.entries[key]; still && cur.expired(c.clk.Now()) {
			delete(c.entries, key)
			c.expired.Add(1)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

// MultiGet returns the present, non-expired values for the given keys.
// Missing and expired keys are simply absent from the result.
func (c *Cache) MultiGet(keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := c.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

// MultiSet stores all entries with a shared TTL.
func (c *Cache) MultiSet(entries map[string][]byte, ttl time.Duration) {
	now := c.clk.Now()
	c.mu.Lock()
	for k, v := range entries {
		stored := make([]byte, len(v))
		copy(stored, v)
		c.entries[k] = entry{value: stored, insertedAt: now, ttl: ttl}
	}
	c.mu.Unlock()
}

// Delete removes a key regardless of expiry state.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()

	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: n,
		Expired: c.expired.Load(),
	}
}

// StartSweeper runs a periodic sweep removing physically expired entries
// until the context is cancelled. Sweeping is optional; reads already treat
// expired entries as absent.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.clk.After(interval):
				removed := c.sweep()
				if removed > 0 {
					c.logger.Debug("cache sweep removed expired entries",
						zap.Int("removed", removed))
				}
			}
		}
	}()
}

func (c *Cache) sweep() int {
	now := c.clk.Now()
	removed := 0

	c.mu.Lock()
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	c.mu.Unlock()

	c.expired.Add(int64(removed))
	return removed
}
