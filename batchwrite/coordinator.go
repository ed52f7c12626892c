package batchwrite

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// EntityType identifies which persisted entity an update targets. Each type
// accumulates into its own batch so one transaction touches one table.
type EntityType string

const (
	EntityMutualFund   EntityType = "mutualFund"
	EntityStock        EntityType = "stock"
	EntityEPFAccount   EntityType = "epfAccount"
	EntitySyncMetadata EntityType = "syncMetadata"
)

// ErrClosed is returned by Enqueue after Close has been called.
var ErrClosed = errors.New("batchwrite: coordinator closed")

// Update is one pending entity mutation. Key is the upsert key within the
// entity's table; Payload maps field names to their new values.
type Update struct {
	EntityType EntityType
	Key        string
	Payload    map[string]any
	EnqueuedAt time.Time
}

// Executor commits one batch of updates for a single entity type, typically
// as a transactional multi-row upsert. A returned error fails the whole
// batch; the coordinator logs and drops it without retrying.
type Executor interface {
	ExecBatch(ctx context.Context, entityType EntityType, updates []Update) error
}

// Config holds the batching knobs.
type Config struct {
	// MaxBatchSize is the queue length that triggers an immediate flush.
	// Zero means the default of 50.
	MaxBatchSize int

	// FlushInterval bounds how long an update sits queued before the timer
	// flushes it. Zero means the 5 second default.
	FlushInterval time.Duration

	// MaxConcurrentFlushes caps how many batch transactions run at once.
	// Zero means the default of 3.
	MaxConcurrentFlushes int

	// FlushTimeout bounds each batch transaction. Zero means the 30 second
	// default.
	FlushTimeout time.Duration

	// Logger receives flush activity; failures log at error level. Nil
	// means no logging.
	Logger *zap.Logger

	// Now supplies enqueue timestamps. Nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:         50,
		FlushInterval:        5 * time.Second,
		MaxConcurrentFlushes: 3,
		FlushTimeout:         30 * time.Second,
	}
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxBatchSize, validation.Min(1)),
		validation.Field(&c.FlushInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.MaxConcurrentFlushes, validation.Min(1)),
		validation.Field(&c.FlushTimeout, validation.Min(time.Duration(0))),
	)
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = def.MaxBatchSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.MaxConcurrentFlushes == 0 {
		c.MaxConcurrentFlushes = def.MaxConcurrentFlushes
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = def.FlushTimeout
	}
	return c
}

// Stats is a point-in-time snapshot of the coordinator.
type Stats struct {
	// Queued holds the pending update count per entity type; types with an
	// empty queue are omitted.
	Queued map[EntityType]int

	// ActiveBatches is the number of batch transactions currently running.
	ActiveBatches int

	// Flushed and Failed count updates whose batch committed or failed.
	Flushed int64
	Failed  int64
}

// queue holds at most one pending update per key. A repeat enqueue replaces
// the update in place, keeping its original position so flush order stays
// deterministic.
type queue struct {
	index   map[string]int
	updates []Update
}

func newQueue() *queue {
	return &queue{index: make(map[string]int)}
}

func (q *queue) put(u Update) {
	if i, ok := q.index[u.Key]; ok {
		q.updates[i] = u
		return
	}
	q.index[u.Key] = len(q.updates)
	q.updates = append(q.updates, u)
}

func (q *queue) len() int {
	return len(q.updates)
}

func (q *queue) drain() []Update {
	if len(q.updates) == 0 {
		return nil
	}
	out := q.updates
	q.updates = nil
	q.index = make(map[string]int)
	return out
}

// Coordinator accumulates entity updates from many concurrent workers into
// per-entity-type batches and flushes each batch through the Executor as one
// call: on a timer, on a size threshold, or on explicit Flush.
//
// Queued updates live in memory only; whatever has not flushed when the
// process dies is lost. Callers needing durability re-enqueue on failure.
type Coordinator struct {
	exec   Executor
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	sem *semaphore.Weighted

	mu     sync.Mutex
	queues map[EntityType]*queue
	timer  *time.Timer
	closed bool

	wg      sync.WaitGroup
	active  *xsync.Counter
	flushed *xsync.Counter
	failed  *xsync.Counter
}

// New creates a Coordinator that commits batches through exec. Zero config
// fields fall back to their DefaultConfig values.
func New(exec Executor, cfg Config) (*Coordinator, error) {
	if exec == nil {
		return nil, errors.New("batchwrite: executor is required")
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Coordinator{
		exec:    exec,
		cfg:     cfg,
		logger:  logger,
		now:     now,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentFlushes)),
		queues:  make(map[EntityType]*queue),
		active:  xsync.NewCounter(),
		flushed: xsync.NewCounter(),
		failed:  xsync.NewCounter(),
	}, nil
}

// Enqueue adds a pending update for (entityType, key). A later enqueue for
// the same pair replaces the earlier payload (last-write-wins within the
// batch window) instead of producing two writes. The payload map is copied.
//
// The first enqueue into an idle coordinator arms the flush timer; a queue
// reaching MaxBatchSize flushes every non-empty queue immediately.
func (c *Coordinator) Enqueue(entityType EntityType, key string, payload map[string]any) error {
	if err := (validation.Errors{
		"entityType": validation.Validate(string(entityType), validation.Required),
		"key":        validation.Validate(key, validation.Required),
		"payload":    validation.Validate(payload, validation.Required),
	}).Filter(); err != nil {
		return err
	}

	copied := make(map[string]any, len(payload))
	for k, v := range payload {
		copied[k] = v
	}
	update := Update{
		EntityType: entityType,
		Key:        key,
		Payload:    copied,
		EnqueuedAt: c.now(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	q, ok := c.queues[entityType]
	if !ok {
		q = newQueue()
		c.queues[entityType] = q
	}
	q.put(update)

	full := q.len() >= c.cfg.MaxBatchSize
	if full {
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
	} else if c.timer == nil {
		c.timer = time.AfterFunc(c.cfg.FlushInterval, c.flushOnTimer)
	}
	c.mu.Unlock()

	if full {
		go c.Flush(context.Background(), false)
	}
	return nil
}

func (c *Coordinator) flushOnTimer() {
	c.mu.Lock()
	c.timer = nil
	c.mu.Unlock()
	c.Flush(context.Background(), false)
}

// Flush drains every non-empty queue into its own batch transaction. Each
// batch takes a slot on the concurrency semaphore before its queue is
// drained: a non-forced flush that finds no free slot skips that queue
// untouched (the next timer tick retries), while a forced flush waits for a
// slot and returns ctx's error if the wait is cancelled, again leaving the
// queue untouched. Batches run asynchronously; Flush does not wait for them.
func (c *Coordinator) Flush(ctx context.Context, force bool) error {
	for _, entityType := range c.pendingTypes() {
		if force {
			if err := c.sem.Acquire(ctx, 1); err != nil {
				return err
			}
		} else if !c.sem.TryAcquire(1) {
			c.logger.Debug("flush skipped, executors saturated",
				zap.String("entity_type", string(entityType)),
			)
			continue
		}

		updates := c.drainQueue(entityType)
		if len(updates) == 0 {
			c.sem.Release(1)
			continue
		}

		c.wg.Add(1)
		c.active.Inc()
		go c.runBatch(entityType, updates)
	}
	return nil
}

func (c *Coordinator) pendingTypes() []EntityType {
	c.mu.Lock()
	defer c.mu.Unlock()

	types := make([]EntityType, 0, len(c.queues))
	for entityType, q := range c.queues {
		if q.len() > 0 {
			types = append(types, entityType)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (c *Coordinator) drainQueue(entityType EntityType) []Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[entityType]
	if !ok {
		return nil
	}
	return q.drain()
}

func (c *Coordinator) runBatch(entityType EntityType, updates []Update) {
	defer func() {
		c.active.Dec()
		c.sem.Release(1)
		c.wg.Done()
		c.maybeRestartTimer()
	}()

	batchID := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FlushTimeout)
	defer cancel()

	start := time.Now()
	if err := c.exec.ExecBatch(ctx, entityType, updates); err != nil {
		c.failed.Add(int64(len(updates)))
		c.logger.Error("batch flush failed",
			zap.String("batch_id", batchID),
			zap.String("entity_type", string(entityType)),
			zap.Int("batch_size", len(updates)),
			zap.Error(err),
		)
		return
	}

	c.flushed.Add(int64(len(updates)))
	c.logger.Debug("batch flushed",
		zap.String("batch_id", batchID),
		zap.String("entity_type", string(entityType)),
		zap.Int("batch_size", len(updates)),
		zap.Duration("took", time.Since(start)),
	)
}

// maybeRestartTimer re-arms the flush timer after a batch finishes when
// updates are still queued, so staleness stays bounded even after skipped
// flushes.
func (c *Coordinator) maybeRestartTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.timer != nil {
		return
	}
	for _, q := range c.queues {
		if q.len() > 0 {
			c.timer = time.AfterFunc(c.cfg.FlushInterval, c.flushOnTimer)
			return
		}
	}
}

// Stats returns a snapshot of queue depths and flush counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	queued := make(map[EntityType]int, len(c.queues))
	for entityType, q := range c.queues {
		if q.len() > 0 {
			queued[entityType] = q.len()
		}
	}
	c.mu.Unlock()

	return Stats{
		Queued:        queued,
		ActiveBatches: int(c.active.Value()),
		Flushed:       c.flushed.Value(),
		Failed:        c.failed.Value(),
	}
}

// Close marks the coordinator closed so further Enqueue calls return
// ErrClosed, stops the timer, force-flushes whatever is still queued, and
// waits for in-flight batches to finish. The wait is bounded by ctx.
// Close is idempotent.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	if err := c.Flush(ctx, true); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
