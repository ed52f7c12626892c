package cachestore

import (
	"container/list"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Entry is a single cached value together with its freshness metadata.
// An entry whose ExpiresAt is at or before the current time reads as absent.
type Entry struct {
	Key            string
	Value          any
	Source         string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	AccessCount    int64
	LastAccessedAt time.Time

	elem *list.Element
}

// Stats is a point-in-time snapshot of the store counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Evictions   int64
	Expirations int64
	Entries     int
}

// Store is a bounded map of entries with per-entry expiry and LRU eviction.
// All map and list mutation happens under a single mutex; the counters use
// xsync so reads of Stats never contend with the hot path.
//
// The zero value is not usable, construct with New.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
	lru     *list.List // front = most recently used

	capacity int
	now      func() time.Time

	hits        *xsync.Counter
	misses      *xsync.Counter
	sets        *xsync.Counter
	evictions   *xsync.Counter
	expirations *xsync.Counter
}

// New creates a Store from the provided configuration.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		entries:     make(map[string]*Entry),
		lru:         list.New(),
		capacity:    cfg.Capacity,
		now:         now,
		hits:        xsync.NewCounter(),
		misses:      xsync.NewCounter(),
		sets:        xsync.NewCounter(),
		evictions:   xsync.NewCounter(),
		expirations: xsync.NewCounter(),
	}, nil
}

// expired reports whether e is stale at the given instant. An entry is
// expired at exactly its ExpiresAt, not one tick later.
func expired(e *Entry, at time.Time) bool {
	return !at.Before(e.ExpiresAt)
}

// Set stores value under key tagged with source, fresh for ttl from now.
// Setting an existing key replaces the whole entry, which resets its access
// metadata. When the store grows past capacity the least-recently-used
// entries are dropped until it fits again.
func (s *Store) Set(key string, value any, source string, ttl time.Duration) error {
	if ttl <= 0 {
		return &ConfigError{Field: "ttl", Message: "must be greater than 0"}
	}

	at := s.now()
	entry := &Entry{
		Key:            key,
		Value:          value,
		Source:         source,
		CreatedAt:      at,
		ExpiresAt:      at.Add(ttl),
		LastAccessedAt: at,
	}

	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		s.lru.Remove(old.elem)
	}
	entry.elem = s.lru.PushFront(entry)
	s.entries[key] = entry
	s.evictOverflowLocked(at)
	s.mu.Unlock()

	s.sets.Inc()
	return nil
}

// evictOverflowLocked drops entries from the cold end of the LRU list until
// the store fits its capacity. Entries that turn out to be expired count as
// expirations rather than evictions.
func (s *Store) evictOverflowLocked(at time.Time) {
	for len(s.entries) > s.capacity {
		back := s.lru.Back()
		if back == nil {
			return
		}
		victim := back.Value.(*Entry)
		s.removeLocked(victim)
		if expired(victim, at) {
			s.expirations.Inc()
		} else {
			s.evictions.Inc()
		}
	}
}

func (s *Store) removeLocked(e *Entry) {
	delete(s.entries, e.Key)
	s.lru.Remove(e.elem)
}

// Get returns the fresh value stored under key. Reading an expired entry
// removes it and reports a miss. A hit bumps the entry's access count and
// moves it to the warm end of the LRU list.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		s.misses.Inc()
		return nil, false
	}

	at := s.now()
	if expired(entry, at) {
		s.removeLocked(entry)
		s.mu.Unlock()
		s.expirations.Inc()
		s.misses.Inc()
		return nil, false
	}

	entry.AccessCount++
	entry.LastAccessedAt = at
	s.lru.MoveToFront(entry.elem)
	value := entry.Value
	s.mu.Unlock()

	s.hits.Inc()
	return value, true
}

// Peek reports whether key holds a fresh value. Unlike Get it never touches
// access metadata or LRU position, so freshness probes stay invisible to the
// frequency ranking. An expired entry is still removed on the way.
func (s *Store) Peek(key string) bool {
	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if expired(entry, s.now()) {
		s.removeLocked(entry)
		s.mu.Unlock()
		s.expirations.Inc()
		return false
	}
	s.mu.Unlock()
	return true
}

// Delete removes the entry stored under key, expired or not.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	s.removeLocked(entry)
	return true
}

// DeleteMatching removes every entry whose key matches re, optionally
// restricted to the given source tags. It returns the number of fresh
// entries removed; matched entries that had already expired are dropped too
// but count as expirations.
func (s *Store) DeleteMatching(re *regexp.Regexp, sources []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now()
	removed := 0
	for _, entry := range s.collectLocked(sources) {
		if !re.MatchString(entry.Key) {
			continue
		}
		s.removeLocked(entry)
		if expired(entry, at) {
			s.expirations.Inc()
		} else {
			removed++
		}
	}
	return removed
}

// Flush removes every entry, or only those tagged with one of the given
// sources. The count follows the DeleteMatching convention: only fresh
// entries are reported as removed.
func (s *Store) Flush(sources []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now()
	removed := 0
	for _, entry := range s.collectLocked(sources) {
		s.removeLocked(entry)
		if expired(entry, at) {
			s.expirations.Inc()
		} else {
			removed++
		}
	}
	return removed
}

// collectLocked snapshots the entries to visit so removal does not mutate
// the map mid-iteration.
func (s *Store) collectLocked(sources []string) []*Entry {
	matches := make([]*Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		if len(sources) > 0 && !containsSource(sources, entry.Source) {
			continue
		}
		matches = append(matches, entry)
	}
	return matches
}

func containsSource(sources []string, source string) bool {
	for _, s := range sources {
		if s == source {
			return true
		}
	}
	return false
}

// Sweep removes every entry that has expired by now and returns how many
// were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now()
	var stale []*Entry
	for _, entry := range s.entries {
		if expired(entry, at) {
			stale = append(stale, entry)
		}
	}
	for _, entry := range stale {
		s.removeLocked(entry)
		s.expirations.Inc()
	}
	return len(stale)
}

// TopKeys returns up to limit keys ordered by descending access count, most
// recently accessed first on ties. Entries that have expired but not been
// swept yet are included: those are exactly the keys a warming pass wants to
// refresh.
func (s *Store) TopKeys(limit int) []string {
	if limit <= 0 {
		return nil
	}

	s.mu.Lock()
	ranked := make([]*Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		ranked = append(ranked, entry)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].AccessCount != ranked[j].AccessCount {
			return ranked[i].AccessCount > ranked[j].AccessCount
		}
		if !ranked[i].LastAccessedAt.Equal(ranked[j].LastAccessedAt) {
			return ranked[i].LastAccessedAt.After(ranked[j].LastAccessedAt)
		}
		return ranked[i].Key < ranked[j].Key
	})
	s.mu.Unlock()

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	keys := make([]string, len(ranked))
	for i, entry := range ranked {
		keys[i] = entry.Key
	}
	return keys
}

// Len returns the number of entries currently held, including expired ones
// that have not been swept yet.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:        s.hits.Value(),
		Misses:      s.misses.Value(),
		Sets:        s.sets.Value(),
		Evictions:   s.evictions.Value(),
		Expirations: s.expirations.Value(),
		Entries:     s.Len(),
	}
}
