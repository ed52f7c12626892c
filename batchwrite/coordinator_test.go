package batchwrite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-sync-cache/pkg/testsupport"
)

type execBatch struct {
	entityType EntityType
	updates    []Update
}

// mockExecutor records every batch it receives. A non-nil block channel
// makes ExecBatch wait until the channel closes or the batch context ends.
type mockExecutor struct {
	mu     sync.Mutex
	record []execBatch
	errFor map[EntityType]error
	block  chan struct{}
}

func (m *mockExecutor) ExecBatch(ctx context.Context, entityType EntityType, updates []Update) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = append(m.record, execBatch{entityType: entityType, updates: updates})
	if err, ok := m.errFor[entityType]; ok {
		return err
	}
	return nil
}

func (m *mockExecutor) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.record)
}

func (m *mockExecutor) batches() []execBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]execBatch(nil), m.record...)
}

func (m *mockExecutor) batchesFor(entityType EntityType) []execBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []execBatch
	for _, b := range m.record {
		if b.entityType == entityType {
			out = append(out, b)
		}
	}
	return out
}

func (m *mockExecutor) totalUpdates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.record {
		n += len(b.updates)
	}
	return n
}

func newTestCoordinator(t *testing.T, exec Executor, cfg Config) *Coordinator {
	t.Helper()
	coord, err := New(exec, cfg)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	return coord
}

func TestNewRequiresExecutor(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatal("expected error for nil executor")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: DefaultConfig(), wantErr: false},
		{name: "negative batch size", cfg: Config{MaxBatchSize: -1}, wantErr: true},
		{name: "negative flush interval", cfg: Config{FlushInterval: -time.Second}, wantErr: true},
		{name: "negative concurrency", cfg: Config{MaxConcurrentFlushes: -1}, wantErr: true},
		{name: "negative flush timeout", cfg: Config{FlushTimeout: -time.Second}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnqueueValidation(t *testing.T) {
	coord := newTestCoordinator(t, &mockExecutor{}, Config{FlushInterval: time.Hour})

	if err := coord.Enqueue("", "k", map[string]any{"v": 1}); err == nil {
		t.Error("expected error for empty entity type")
	}
	if err := coord.Enqueue(EntityStock, "", map[string]any{"v": 1}); err == nil {
		t.Error("expected error for empty key")
	}
	if err := coord.Enqueue(EntityStock, "k", nil); err == nil {
		t.Error("expected error for empty payload")
	}
	if err := coord.Enqueue(EntityStock, "k", map[string]any{"v": 1}); err != nil {
		t.Errorf("expected valid enqueue to succeed, got %v", err)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	coord := newTestCoordinator(t, &mockExecutor{}, Config{})

	if err := coord.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	err := coord.Enqueue(EntityStock, "k", map[string]any{"v": 1})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestLastWriteWins(t *testing.T) {
	exec := &mockExecutor{}
	clock := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}
	coord := newTestCoordinator(t, exec, Config{FlushInterval: time.Hour, Now: now})

	coord.Enqueue(EntityMutualFund, "f1", map[string]any{"currentValue": 100})
	coord.Enqueue(EntityMutualFund, "f2", map[string]any{"currentValue": 55})

	clockMu.Lock()
	clock = clock.Add(time.Second)
	clockMu.Unlock()
	coord.Enqueue(EntityMutualFund, "f1", map[string]any{"currentValue": 120})

	if err := coord.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	batches := exec.batchesFor(EntityMutualFund)
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	updates := batches[0].updates
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates after de-duplication, got %d", len(updates))
	}

	// The replacement keeps f1's original queue position but carries the
	// newer payload and enqueue time.
	if updates[0].Key != "f1" || updates[1].Key != "f2" {
		t.Errorf("unexpected flush order: %q, %q", updates[0].Key, updates[1].Key)
	}
	if got := updates[0].Payload["currentValue"]; got != 120 {
		t.Errorf("expected currentValue 120, got %v", got)
	}
	if !updates[0].EnqueuedAt.After(updates[1].EnqueuedAt) {
		t.Errorf("expected f1's enqueue time to be the later one")
	}
}

func TestPayloadCopied(t *testing.T) {
	exec := &mockExecutor{}
	coord := newTestCoordinator(t, exec, Config{FlushInterval: time.Hour})

	payload := map[string]any{"currentValue": 100}
	coord.Enqueue(EntityMutualFund, "f1", payload)
	payload["currentValue"] = 999

	if err := coord.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	updates := exec.batchesFor(EntityMutualFund)[0].updates
	if got := updates[0].Payload["currentValue"]; got != 100 {
		t.Errorf("expected enqueued payload to be immune to caller mutation, got %v", got)
	}
}

func TestSizeTriggerFlushesAllQueues(t *testing.T) {
	exec := &mockExecutor{}
	coord := newTestCoordinator(t, exec, Config{MaxBatchSize: 3, FlushInterval: time.Hour})

	coord.Enqueue(EntityStock, "s1", map[string]any{"price": 1})
	coord.Enqueue(EntityStock, "s2", map[string]any{"price": 2})
	coord.Enqueue(EntityMutualFund, "f1", map[string]any{"nav": 1})
	coord.Enqueue(EntityMutualFund, "f2", map[string]any{"nav": 2})
	coord.Enqueue(EntityMutualFund, "f3", map[string]any{"nav": 3})

	// The third mutual fund update hits MaxBatchSize, which flushes the
	// stock queue as well.
	testsupport.Eventually(t, time.Second, func() bool {
		return exec.totalUpdates() == 5
	})

	if got := len(exec.batchesFor(EntityMutualFund)); got != 1 {
		t.Errorf("expected 1 mutual fund batch, got %d", got)
	}
	if got := len(exec.batchesFor(EntityStock)); got != 1 {
		t.Errorf("expected 1 stock batch, got %d", got)
	}

	coord.Close(context.Background())
}

func TestTimerFlush(t *testing.T) {
	exec := &mockExecutor{}
	coord := newTestCoordinator(t, exec, Config{FlushInterval: 20 * time.Millisecond})

	coord.Enqueue(EntityStock, "s1", map[string]any{"price": 1})

	testsupport.Eventually(t, time.Second, func() bool {
		return exec.batchCount() == 1
	})

	coord.Close(context.Background())
}

func TestFlushSkipsWhenSaturated(t *testing.T) {
	gate := make(chan struct{})
	exec := &mockExecutor{block: gate}
	coord := newTestCoordinator(t, exec, Config{
		FlushInterval:        20 * time.Millisecond,
		MaxConcurrentFlushes: 1,
	})

	coord.Enqueue(EntityStock, "s1", map[string]any{"price": 1})
	if err := coord.Flush(context.Background(), false); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}

	// The stock batch now holds the only executor slot.
	testsupport.Eventually(t, time.Second, func() bool {
		return coord.Stats().ActiveBatches == 1
	})

	coord.Enqueue(EntityMutualFund, "f1", map[string]any{"nav": 1})
	if err := coord.Flush(context.Background(), false); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}

	// Saturated: the mutual fund queue must be left untouched.
	if got := coord.Stats().Queued[EntityMutualFund]; got != 1 {
		t.Errorf("expected mutual fund queue to be skipped, got %d queued", got)
	}

	// Releasing the slot lets the restarted timer pick the queue up.
	close(gate)
	testsupport.Eventually(t, time.Second, func() bool {
		return exec.totalUpdates() == 2
	})

	coord.Close(context.Background())
}

func TestForcedFlushWaitCancelled(t *testing.T) {
	gate := make(chan struct{})
	exec := &mockExecutor{block: gate}
	coord := newTestCoordinator(t, exec, Config{
		FlushInterval:        time.Hour,
		MaxConcurrentFlushes: 1,
	})

	coord.Enqueue(EntityStock, "s1", map[string]any{"price": 1})
	coord.Flush(context.Background(), false)
	testsupport.Eventually(t, time.Second, func() bool {
		return coord.Stats().ActiveBatches == 1
	})

	coord.Enqueue(EntityMutualFund, "f1", map[string]any{"nav": 1})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := coord.Flush(ctx, true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded from cancelled forced flush, got %v", err)
	}
	if got := coord.Stats().Queued[EntityMutualFund]; got != 1 {
		t.Errorf("expected cancelled forced flush to leave the queue untouched, got %d queued", got)
	}

	close(gate)
	if err := coord.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if exec.totalUpdates() != 2 {
		t.Errorf("expected both updates to flush on close, got %d", exec.totalUpdates())
	}
}

func TestBatchFailureDropsUpdates(t *testing.T) {
	exec := &mockExecutor{errFor: map[EntityType]error{
		EntityStock: fmt.Errorf("constraint violation"),
	}}
	coord := newTestCoordinator(t, exec, Config{FlushInterval: time.Hour})

	coord.Enqueue(EntityStock, "s1", map[string]any{"price": 1})
	coord.Enqueue(EntityStock, "s2", map[string]any{"price": 2})
	coord.Enqueue(EntityMutualFund, "f1", map[string]any{"nav": 1})

	if err := coord.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	stats := coord.Stats()
	if stats.Failed != 2 {
		t.Errorf("expected 2 failed updates, got %d", stats.Failed)
	}
	if stats.Flushed != 1 {
		t.Errorf("expected 1 flushed update, got %d", stats.Flushed)
	}
	if len(stats.Queued) != 0 {
		t.Errorf("expected failed updates to be dropped, got %v queued", stats.Queued)
	}
}

func TestFlushTimeout(t *testing.T) {
	// ExecBatch honors its context; the never-closed gate forces the
	// FlushTimeout to fire.
	exec := &mockExecutor{block: make(chan struct{})}
	coord := newTestCoordinator(t, exec, Config{
		FlushInterval: time.Hour,
		FlushTimeout:  30 * time.Millisecond,
	})

	coord.Enqueue(EntityStock, "s1", map[string]any{"price": 1})
	coord.Flush(context.Background(), false)

	testsupport.Eventually(t, time.Second, func() bool {
		return coord.Stats().Failed == 1
	})

	coord.Close(context.Background())
}

func TestStats(t *testing.T) {
	exec := &mockExecutor{}
	coord := newTestCoordinator(t, exec, Config{FlushInterval: time.Hour})

	coord.Enqueue(EntityMutualFund, "f1", map[string]any{"nav": 1})
	coord.Enqueue(EntityMutualFund, "f2", map[string]any{"nav": 2})
	coord.Enqueue(EntityStock, "s1", map[string]any{"price": 1})

	stats := coord.Stats()
	if stats.Queued[EntityMutualFund] != 2 || stats.Queued[EntityStock] != 1 {
		t.Errorf("unexpected queue depths: %v", stats.Queued)
	}

	if err := coord.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	stats = coord.Stats()
	if len(stats.Queued) != 0 {
		t.Errorf("expected empty queues after close, got %v", stats.Queued)
	}
	if stats.Flushed != 3 {
		t.Errorf("expected 3 flushed updates, got %d", stats.Flushed)
	}
	if stats.ActiveBatches != 0 {
		t.Errorf("expected no active batches after close, got %d", stats.ActiveBatches)
	}
}

func TestCloseIdempotent(t *testing.T) {
	coord := newTestCoordinator(t, &mockExecutor{}, Config{})

	if err := coord.Close(context.Background()); err != nil {
		t.Fatalf("first Close returned error: %v", err)
	}
	if err := coord.Close(context.Background()); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
}

func TestConcurrentEnqueue(t *testing.T) {
	exec := &mockExecutor{}
	coord := newTestCoordinator(t, exec, Config{
		MaxBatchSize:  1000,
		FlushInterval: time.Hour,
	})

	const workers = 4
	const keys = 20
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < keys; i++ {
				key := fmt.Sprintf("f%d", i)
				coord.Enqueue(EntityMutualFund, key, map[string]any{"worker": w})
			}
		}(w)
	}
	wg.Wait()

	if err := coord.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	batches := exec.batchesFor(EntityMutualFund)
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	if len(batches[0].updates) != keys {
		t.Errorf("expected %d de-duplicated updates, got %d", keys, len(batches[0].updates))
	}

	seen := map[string]bool{}
	for _, u := range batches[0].updates {
		if seen[u.Key] {
			t.Errorf("key %q appears twice in one batch", u.Key)
		}
		seen[u.Key] = true
	}
}
