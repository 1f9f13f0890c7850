package weather

import (
	"fmt"
	"sync"
	"time"

	shared "github.com/stravaweather/server/pkg"
)

type cacheEntry struct {
	record    *Record
	expiresAt time.Time
}

// cache is an in-memory store keyed by rounded coordinates and time bucket.
// The TTL is sliding: a hit pushes the expiry forward, so conditions for a
// busy location stay warm across a burst of webhook deliveries.
type cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	clock   shared.Clock
}

func newCache(ttl time.Duration, clock shared.Clock) *cache {
	return &cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

// cacheKey buckets a lookup so repeated deliveries for the same activity in
// the same time window share one upstream call. Coordinates are rounded to
// 4 decimal places (roughly 11 meters) and the timestamp is truncated to
// 15 minute buckets.
func cacheKey(lat, lon float64, at time.Time, activityID string) string {
	bucket := at.UTC().Truncate(shared.WeatherTimeBucket).Unix()
	return fmt.Sprintf("%.4f:%.4f:%d:%s", lat, lon, bucket, activityID)
}

func (c *cache) get(key string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	now := c.clock.Now()
	if now.After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}

	entry.expiresAt = now.Add(c.ttl)
	return entry.record, true
}

func (c *cache) set(key string, record *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for k, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, k)
		}
	}

	c.entries[key] = &cacheEntry{record: record, expiresAt: now.Add(c.ttl)}
}
