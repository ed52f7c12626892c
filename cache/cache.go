package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/goliatone/go-sync-cache/internal/cachestore"
)

var (
	// ErrInvalidTTL is returned when a caller supplies a zero or negative TTL.
	ErrInvalidTTL = errors.New("cache: invalid TTL")

	// ErrInvalidPattern is returned when an invalidation pattern does not
	// compile as a regular expression.
	ErrInvalidPattern = errors.New("cache: invalid pattern")
)

// FetchFunc loads the value for a single key from the source of truth.
// Warm calls it once per stale key.
type FetchFunc func(ctx context.Context, key string) (any, error)

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Evictions   int64
	Expirations int64
	Entries     int
}

// FreshnessCache is a bounded in-memory cache whose entries carry a data
// source tag and a freshness deadline. Expired entries read as absent; the
// TTL for Set is derived from the configured policy and the entry's source.
//
// All methods are safe for concurrent use.
type FreshnessCache interface {
	// Set stores value under key with the TTL the policy assigns to source
	// at the current time.
	Set(key string, value any, source DataSource) error

	// SetWithTTL stores value under key with an explicit TTL, bypassing the
	// policy. A zero or negative TTL returns ErrInvalidTTL.
	SetWithTTL(key string, value any, source DataSource, ttl time.Duration) error

	// Get returns the fresh value stored under key. Expired entries read as
	// absent and count as misses.
	Get(key string) (any, bool)

	// Has reports whether key holds a fresh value without touching access
	// metadata or hit/miss counters.
	Has(key string) bool

	// Invalidate removes every fresh entry whose key matches the regular
	// expression pattern, optionally restricted to the given sources. It
	// returns the number of entries removed. A pattern that does not compile
	// returns an error wrapping ErrInvalidPattern.
	Invalidate(pattern string, sources ...DataSource) (int, error)

	// Clear removes every entry from the given sources, or all entries when
	// no source is given. It returns the number of entries removed.
	Clear(sources ...DataSource) int

	// Cleanup removes entries that have expired but not yet been observed by
	// a read, returning how many were dropped.
	Cleanup() int

	// FrequentKeys returns up to limit keys ordered by how often they have
	// been read, most frequent first.
	FrequentKeys(limit int) []string

	// Warm pre-populates keys that do not currently hold a fresh value by
	// calling fetch for each. A ttl of zero or less falls back to the policy
	// TTL for source. Fetch failures skip the key; cancelling ctx stops the
	// pass early. Returns the number of keys actually populated.
	Warm(ctx context.Context, keys []string, source DataSource, fetch FetchFunc, ttl time.Duration) int

	// Len reports the number of entries currently held, fresh or not.
	Len() int

	// Stats returns a snapshot of the cache counters.
	Stats() Stats

	// Policy returns the TTL policy the cache derives freshness from.
	Policy() TTLPolicy
}

// Value reads key from the cache and asserts the stored value to T.
// The second return is false when the key is absent, expired, or holds a
// value of a different type.
func Value[T any](c FreshnessCache, key string) (T, bool) {
	raw, ok := c.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := raw.(T)
	if !ok {
		var zero T
		return zero, false
	}
	return typed, true
}

type freshnessCache struct {
	store  *cachestore.Store
	policy TTLPolicy
	now    func() time.Time
	logger *zap.Logger
}

func (c *freshnessCache) Set(key string, value any, source DataSource) error {
	ttl := c.policy.TTLFor(source, c.now())
	return c.store.Set(key, value, string(source), ttl)
}

func (c *freshnessCache) SetWithTTL(key string, value any, source DataSource, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidTTL, ttl)
	}
	return c.store.Set(key, value, string(source), ttl)
}

func (c *freshnessCache) Get(key string) (any, bool) {
	return c.store.Get(key)
}

func (c *freshnessCache) Has(key string) bool {
	return c.store.Peek(key)
}

func (c *freshnessCache) Invalidate(pattern string, sources ...DataSource) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}

	removed := c.store.DeleteMatching(re, sourceStrings(sources))
	c.logger.Debug("cache invalidate",
		zap.String("pattern", pattern),
		zap.Int("removed", removed),
	)
	return removed, nil
}

func (c *freshnessCache) Clear(sources ...DataSource) int {
	removed := c.store.Flush(sourceStrings(sources))
	c.logger.Debug("cache clear", zap.Int("removed", removed))
	return removed
}

func (c *freshnessCache) Cleanup() int {
	return c.store.Sweep()
}

func (c *freshnessCache) FrequentKeys(limit int) []string {
	return c.store.TopKeys(limit)
}

func (c *freshnessCache) Warm(ctx context.Context, keys []string, source DataSource, fetch FetchFunc, ttl time.Duration) int {
	warmed := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return warmed
		}
		if c.store.Peek(key) {
			continue
		}

		value, err := fetch(ctx, key)
		if err != nil {
			c.logger.Debug("cache warm fetch failed",
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}

		d := ttl
		if d <= 0 {
			d = c.policy.TTLFor(source, c.now())
		}
		if err := c.store.Set(key, value, string(source), d); err != nil {
			continue
		}
		warmed++
	}
	return warmed
}

func (c *freshnessCache) Len() int {
	return c.store.Len()
}

func (c *freshnessCache) Stats() Stats {
	return statsFromInternal(c.store.Stats())
}

func (c *freshnessCache) Policy() TTLPolicy {
	return c.policy
}

func statsFromInternal(s cachestore.Stats) Stats {
	return Stats{
		Hits:        s.Hits,
		Misses:      s.Misses,
		Sets:        s.Sets,
		Evictions:   s.Evictions,
		Expirations: s.Expirations,
		Entries:     s.Entries,
	}
}

func sourceStrings(sources []DataSource) []string {
	if len(sources) == 0 {
		return nil
	}
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = string(s)
	}
	return out
}
