// Package cache provides a freshness-aware in-memory cache and deterministic
// key derivation for investment data synchronization.
//
// # Overview
//
// This package exports two main interfaces and their default implementations:
//
//   - FreshnessCache: A bounded TTL + LRU cache whose entries carry a data
//     source tag and a freshness deadline
//   - KeyCodec: Derives deterministic, reversible cache keys from a data
//     source, an operation and a set of identifiers
//
// The cache is designed for sync pipelines that poll slow external providers
// (NAV publishers, stock quote feeds, retirement fund portals) and must never
// serve data past its freshness window while keeping repeat lookups cheap.
//
// # Basic Usage
//
// Construct a cache from a config, then tag every write with the source the
// value came from so the TTL policy can assign its freshness window:
//
//	fc, err := cache.NewFreshnessCache(cache.DefaultConfig())
//	if err != nil {
//		return err
//	}
//
//	codec := cache.NewDefaultKeyCodec()
//	key := codec.GenerateKey(cache.SourceAMFI, "nav", []string{"120503"}, nil)
//
//	fc.Set(key, nav, cache.SourceAMFI)
//	if nav, ok := cache.Value[float64](fc, key); ok {
//		// fresh hit
//	}
//
// # Key Format
//
// Keys have the shape "source:operation:id1,id2[:p=blob]". Identifiers are
// escaped, de-duplicated and sorted, so the same logical request always maps
// to the same key no matter how callers order their arguments. Optional
// parameters are msgpack-encoded with sorted map keys and appended as an
// opaque base64 blob, which keeps distinct parameter sets from colliding
// while the whole key stays parseable with ParseKey.
//
// # Freshness Policy
//
// TTLPolicy assigns each data source its own freshness window and can shorten
// it while an exchange is trading. The default policy refreshes NAVs and
// prices hourly, EPFO balances daily, and drops the price TTL to five minutes
// during NSE market hours. Entries are never served past their deadline: an
// expired entry reads as a miss and is dropped on contact.
//
// # Invalidation
//
// Invalidate removes entries by regular expression, optionally narrowed to
// specific sources. Because keys are structured, patterns like "^amfi:nav:"
// target exactly one provider and operation. Clear flushes whole sources at
// once, for example after a manual transaction edit makes cached valuations
// stale.
//
// # See Also
//
// The synccache package layers request coalescing and predictive warming on
// top of this cache; pkg/metrics exposes its counters to Prometheus.
package cache
