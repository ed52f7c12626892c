package di

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-sync-cache/batchwrite"
	"github.com/goliatone/go-sync-cache/cache"
	"github.com/goliatone/go-sync-cache/pkg/testsupport"
	"github.com/goliatone/go-sync-cache/synccache"
)

// recordingExecutor captures every flushed batch so tests can assert on
// what reached the database layer.
type recordingExecutor struct {
	mu      sync.Mutex
	batches map[batchwrite.EntityType][][]batchwrite.Update
	err     error
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{
		batches: make(map[batchwrite.EntityType][][]batchwrite.Update),
	}
}

func (e *recordingExecutor) ExecBatch(_ context.Context, entityType batchwrite.EntityType, updates []batchwrite.Update) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	copied := make([]batchwrite.Update, len(updates))
	copy(copied, updates)
	e.batches[entityType] = append(e.batches[entityType], copied)
	return nil
}

func (e *recordingExecutor) updatesFor(entityType batchwrite.EntityType) []batchwrite.Update {
	e.mu.Lock()
	defer e.mu.Unlock()
	var flat []batchwrite.Update
	for _, batch := range e.batches[entityType] {
		flat = append(flat, batch...)
	}
	return flat
}

func (e *recordingExecutor) totalUpdates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total int
	for _, batches := range e.batches {
		for _, batch := range batches {
			total += len(batch)
		}
	}
	return total
}

// countingFetcher hands out a canned value and counts how often the
// warming loop reached upstream.
type countingFetcher struct {
	mu    sync.Mutex
	value any
	count int
}

func newCountingFetcher(value any) *countingFetcher {
	return &countingFetcher{value: value}
}

func (f *countingFetcher) fetch(_ context.Context, _ cache.DataSource, _ string, _ []string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return f.value, nil
}

func (f *countingFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// TestEndToEndSyncFlow drives a whole sync run through the container: a
// read-through fetch that populates the cache, a second read served from
// it, computed values queued for persistence, and a Close that flushes
// them to the executor.
func TestEndToEndSyncFlow(t *testing.T) {
	exec := newRecordingExecutor()
	container, err := NewContainer(Config{
		Cache: cache.Config{Capacity: 100},
		Batch: batchwrite.Config{FlushInterval: time.Hour},
	}, exec, nil)
	if err != nil {
		t.Fatalf("NewContainer() error = %v", err)
	}
	container.Start()

	coordinator := container.Coordinator()
	ctx := context.Background()

	var upstream int
	fetchNAV := func(ctx context.Context) (float64, error) {
		upstream++
		return 41.2, nil
	}

	nav, err := synccache.Fetch[float64](ctx, coordinator, cache.SourceMFAPI, synccache.OpNAV, []string{"120503"}, nil, fetchNAV)
	if err != nil {
		t.Fatalf("first Fetch() error = %v", err)
	}
	if nav != 41.2 {
		t.Errorf("first Fetch() = %v, want 41.2", nav)
	}
	if upstream != 1 {
		t.Fatalf("upstream calls after first fetch = %d, want 1", upstream)
	}

	nav, err = synccache.Fetch[float64](ctx, coordinator, cache.SourceMFAPI, synccache.OpNAV, []string{"120503"}, nil, fetchNAV)
	if err != nil {
		t.Fatalf("second Fetch() error = %v", err)
	}
	if nav != 41.2 {
		t.Errorf("second Fetch() = %v, want 41.2", nav)
	}
	if upstream != 1 {
		t.Errorf("upstream calls after cached fetch = %d, want 1", upstream)
	}

	// The sync run recomputes the holding twice; only the latest value may
	// reach the database.
	bw := container.BatchWriter()
	if err := bw.Enqueue(batchwrite.EntityMutualFund, "fund-1", map[string]any{"currentValue": nav * 100}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := bw.Enqueue(batchwrite.EntityMutualFund, "fund-1", map[string]any{"currentValue": nav * 120}); err != nil {
		t.Fatalf("second Enqueue() error = %v", err)
	}

	if err := container.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	updates := exec.updatesFor(batchwrite.EntityMutualFund)
	if len(updates) != 1 {
		t.Fatalf("flushed %d updates, want 1 (coalesced)", len(updates))
	}
	if got := updates[0].Payload["currentValue"]; got != nav*120 {
		t.Errorf("flushed currentValue = %v, want %v", got, nav*120)
	}

	if err := bw.Enqueue(batchwrite.EntityMutualFund, "fund-2", map[string]any{"currentValue": 1.0}); !errors.Is(err, batchwrite.ErrClosed) {
		t.Errorf("Enqueue() after close error = %v, want ErrClosed", err)
	}

	// Close stops background work but never empties the cache.
	if _, ok := synccache.Cached[float64](coordinator, cache.SourceMFAPI, synccache.OpNAV, []string{"120503"}, nil); !ok {
		t.Error("cached NAV should survive Close")
	}
}

func TestInvalidateInvestmentTypeFlow(t *testing.T) {
	exec := newRecordingExecutor()
	container, err := NewContainerWithDefaults(exec, nil)
	if err != nil {
		t.Fatalf("NewContainerWithDefaults() error = %v", err)
	}
	t.Cleanup(func() { _ = container.Close(context.Background()) })

	coordinator := container.Coordinator()
	seed := []struct {
		source cache.DataSource
		op     string
		ids    []string
		value  any
	}{
		{cache.SourceAMFI, synccache.OpNAV, []string{"100033"}, 41.2},
		{cache.SourceMFAPI, synccache.OpNAV, []string{"100033"}, 41.3},
		{cache.SourceYahoo, synccache.OpPrice, []string{"TCS.NS"}, 3500.0},
	}
	for _, s := range seed {
		if err := coordinator.CacheResponse(s.source, s.op, s.ids, nil, s.value); err != nil {
			t.Fatalf("CacheResponse(%s) error = %v", s.source, err)
		}
	}

	removed, err := coordinator.InvalidateInvestmentType(synccache.InvestmentMutualFund, "")
	if err != nil {
		t.Fatalf("InvalidateInvestmentType() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	if coordinator.HasResponse(cache.SourceAMFI, synccache.OpNAV, []string{"100033"}, nil) {
		t.Error("AMFI NAV should be invalidated")
	}
	if coordinator.HasResponse(cache.SourceMFAPI, synccache.OpNAV, []string{"100033"}, nil) {
		t.Error("MFAPI NAV should be invalidated")
	}
	if !coordinator.HasResponse(cache.SourceYahoo, synccache.OpPrice, []string{"TCS.NS"}, nil) {
		t.Error("stock price should survive a mutual fund invalidation")
	}
}

// TestWarmingRefreshesHotEntries lets a hot cache entry expire and checks
// that the container's warming loop refetches it through the fetcher.
func TestWarmingRefreshesHotEntries(t *testing.T) {
	exec := newRecordingExecutor()
	fetcher := newCountingFetcher(52.5)

	container, err := NewContainer(Config{
		Cache: cache.Config{
			Capacity: 50,
			TTL: cache.TTLPolicy{
				Default: 30 * time.Millisecond,
				Market:  cache.DefaultMarketHours(),
			},
		},
		Coordinator: synccache.Config{WarmingInterval: 20 * time.Millisecond},
		Batch:       batchwrite.Config{FlushInterval: time.Hour},
	}, exec, fetcher.fetch)
	if err != nil {
		t.Fatalf("NewContainer() error = %v", err)
	}
	t.Cleanup(func() { _ = container.Close(context.Background()) })

	coordinator := container.Coordinator()
	if err := coordinator.CacheResponse(cache.SourceMFAPI, synccache.OpNAV, []string{"120503"}, nil, 41.2); err != nil {
		t.Fatalf("CacheResponse() error = %v", err)
	}
	// Touch the entry so it ranks among the frequent keys.
	coordinator.CachedResponse(cache.SourceMFAPI, synccache.OpNAV, []string{"120503"}, nil)

	container.Start()

	testsupport.Eventually(t, 2*time.Second, func() bool {
		return fetcher.calls() > 0
	})
	testsupport.Eventually(t, 2*time.Second, func() bool {
		value, ok := synccache.Cached[float64](coordinator, cache.SourceMFAPI, synccache.OpNAV, []string{"120503"}, nil)
		return ok && value == 52.5
	})
}

func TestCloseFlushBoundedByContext(t *testing.T) {
	exec := newRecordingExecutor()
	container, err := NewContainer(Config{
		Batch: batchwrite.Config{FlushInterval: time.Hour},
	}, exec, nil)
	if err != nil {
		t.Fatalf("NewContainer() error = %v", err)
	}

	if err := container.BatchWriter().Enqueue(batchwrite.EntityStock, "TCS.NS", map[string]any{"price": 3500.0}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := container.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := exec.totalUpdates(); got != 1 {
		t.Errorf("flushed updates = %d, want 1", got)
	}
}
