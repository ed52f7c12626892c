// Package synccache coordinates the freshness cache for investment sync
// workers: it maps domain concepts to cache keys and owns the background
// maintenance loops.
//
// # Overview
//
// The Coordinator sits between sync workers and the cache. Workers speak in
// domain terms (a data source, an operation, instrument identifiers); the
// coordinator derives canonical keys, wraps responses in a metadata envelope,
// and keeps the cache healthy with two background loops:
//
//   - Predictive warming: periodically refreshes the most frequently read
//     keys before anyone misses on them, using an injected WarmFetcher
//   - Cleanup: periodically sweeps expired entries the lazy read path has
//     not touched
//
// # Basic Usage
//
// Wire a coordinator over an existing cache and start its loops:
//
//	fc, _ := cache.NewFreshnessCache(cache.DefaultConfig())
//	coord, err := synccache.New(fc, cache.NewDefaultKeyCodec(), fetcher, synccache.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	coord.Start()
//	defer coord.Close()
//
//	nav, err := synccache.Fetch(ctx, coord, cache.SourceAMFI, synccache.OpNAV,
//		[]string{"120503"}, nil, func(ctx context.Context) (float64, error) {
//			return amfiClient.NAV(ctx, "120503")
//		})
//
// # Read-through Behaviour
//
// FetchThrough follows a read-through pattern: a fresh cache hit wins,
// misses load from the supplied function, and concurrent misses for the same
// key are collapsed into a single upstream call via singleflight. A context
// marked with WithBypass skips the read step, forcing a refresh while still
// caching the result.
//
// # Warming Eligibility
//
// Warming never races live traffic: a source with a market-hours TTL is
// skipped while its market is open, because those keys are being refreshed
// by real lookups anyway. Slow-moving sources (NAV publishers, EPFO) are
// always eligible. Per-key fetch failures are logged at debug level and
// never stop a pass.
//
// # Invalidation
//
// InvalidateInvestmentType maps an investment category to its provider
// namespaces (mutual funds cover both the primary and fallback NAV provider)
// and removes every matching entry, optionally narrowed to a single user's
// identifiers. Typical trigger: a manual portfolio edit that makes cached
// valuations stale.
package synccache
