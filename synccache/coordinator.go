package synccache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-sync-cache/cache"
)

// InvestmentType identifies a category of tracked investment. Each type maps
// to the providers and operations that feed it.
type InvestmentType string

const (
	InvestmentMutualFund InvestmentType = "mutualFund"
	InvestmentStock      InvestmentType = "stock"
	InvestmentEPF        InvestmentType = "epf"
)

// Operation names used in cache keys.
const (
	OpNAV     = "nav"
	OpPrice   = "price"
	OpBalance = "balance"
)

var (
	// ErrUnknownInvestmentType is returned for investment types the
	// coordinator has no provider mapping for.
	ErrUnknownInvestmentType = errors.New("synccache: unknown investment type")

	// ErrInvalidResultType is returned by Fetch when the loaded value cannot
	// be asserted to the requested type.
	ErrInvalidResultType = errors.New("synccache: result type does not match expected type")
)

// Response is the envelope stored as the cache value. Keeping the operation
// metadata and fetch timestamp next to the value lets callers inspect what a
// hit actually is without re-deriving it from the key.
type Response struct {
	Value       any
	Operation   string
	Identifiers []string
	CachedAt    time.Time
}

// WarmFetcher loads fresh data for one (source, operation, identifiers)
// group member. The warming loop injects it; production wiring points it at
// the external data-source adapters.
type WarmFetcher func(ctx context.Context, source cache.DataSource, operation string, identifiers []string) (any, error)

// FetchFn is the function signature FetchThrough expects when fetching from
// the source of truth.
type FetchFn func(ctx context.Context) (any, error)

// Config holds the coordinator's loop timing knobs.
type Config struct {
	// WarmingInterval is the period of the predictive warming loop.
	// Zero means the 10 minute default.
	WarmingInterval time.Duration

	// CleanupInterval is the period of the expired-entry sweep.
	// Zero means the 5 minute default.
	CleanupInterval time.Duration

	// WarmTopK is how many of the most frequently read keys each warming
	// pass considers. Zero means the default of 20.
	WarmTopK int

	// Logger receives loop activity at debug level. Nil means no logging.
	Logger *zap.Logger

	// Now supplies the current time. Nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return Config{
		WarmingInterval: 10 * time.Minute,
		CleanupInterval: 5 * time.Minute,
		WarmTopK:        20,
	}
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.WarmingInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.CleanupInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.WarmTopK, validation.Min(0)),
	)
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WarmingInterval == 0 {
		c.WarmingInterval = def.WarmingInterval
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.WarmTopK == 0 {
		c.WarmTopK = def.WarmTopK
	}
	return c
}

// Coordinator translates domain concepts (investment type, data source,
// identifiers) into FreshnessCache operations and owns the background
// warming and cleanup loops.
type Coordinator struct {
	cache   cache.FreshnessCache
	codec   cache.KeyCodec
	fetcher WarmFetcher
	policy  cache.TTLPolicy
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// New creates a Coordinator over fc. A nil codec falls back to the default
// key codec; a nil fetcher disables predictive warming. The TTL policy is
// read from fc so coordinator and cache always agree on freshness rules.
func New(fc cache.FreshnessCache, codec cache.KeyCodec, fetcher WarmFetcher, cfg Config) (*Coordinator, error) {
	if fc == nil {
		return nil, errors.New("synccache: cache is required")
	}
	if codec == nil {
		codec = cache.NewDefaultKeyCodec()
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
		cache:   fc,
		codec:   codec,
		fetcher: fetcher,
		policy:  fc.Policy(),
		cfg:     cfg,
		logger:  logger,
		now:     now,
	}, nil
}

// GenerateKey derives the canonical cache key for the given coordinates.
func (c *Coordinator) GenerateKey(source cache.DataSource, operation string, identifiers []string, params map[string]any) string {
	return c.codec.GenerateKey(source, operation, identifiers, params)
}

// CacheResponse stores an API response under its canonical key, wrapped in a
// Response envelope carrying the operation metadata and fetch timestamp. The
// TTL follows the cache policy for source.
func (c *Coordinator) CacheResponse(source cache.DataSource, operation string, identifiers []string, params map[string]any, value any) error {
	key := c.codec.GenerateKey(source, operation, identifiers, params)
	return c.cache.Set(key, c.envelope(operation, identifiers, value), source)
}

// CachedResponse returns the stored envelope for the given coordinates if a
// fresh one exists.
func (c *Coordinator) CachedResponse(source cache.DataSource, operation string, identifiers []string, params map[string]any) (Response, bool) {
	return c.lookup(c.codec.GenerateKey(source, operation, identifiers, params))
}

// HasResponse reports whether a fresh response exists for the coordinates
// without touching access metadata.
func (c *Coordinator) HasResponse(source cache.DataSource, operation string, identifiers []string, params map[string]any) bool {
	return c.cache.Has(c.codec.GenerateKey(source, operation, identifiers, params))
}

// Cached returns the cached value for the coordinates asserted to T. The
// second return is false when there is no fresh response or the value has a
// different type.
func Cached[T any](c *Coordinator, source cache.DataSource, operation string, identifiers []string, params map[string]any) (T, bool) {
	resp, ok := c.CachedResponse(source, operation, identifiers, params)
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := resp.Value.(T)
	if !ok {
		var zero T
		return zero, false
	}
	return typed, true
}

// FetchThrough returns the fresh cached value for the coordinates, or loads
// it with fn on a miss. Concurrent misses for the same key are de-duplicated:
// only one fn runs, the rest share its result. Successful loads are cached
// under source's policy TTL. A context marked with WithBypass skips the cache
// read and forces a load.
func (c *Coordinator) FetchThrough(ctx context.Context, source cache.DataSource, operation string, identifiers []string, params map[string]any, fn FetchFn) (any, error) {
	key := c.codec.GenerateKey(source, operation, identifiers, params)
	bypass := bypassFromContext(ctx)

	if !bypass {
		if resp, ok := c.lookup(key); ok {
			return resp.Value, nil
		}
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		// A racing worker may have filled the key while we queued.
		if !bypass {
			if resp, ok := c.lookup(key); ok {
				return resp.Value, nil
			}
		}

		value, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(key, c.envelope(operation, identifiers, value), source); err != nil {
			return nil, err
		}
		return value, nil
	})
	return value, err
}

// Fetch is a type-safe wrapper around FetchThrough.
func Fetch[T any](ctx context.Context, c *Coordinator, source cache.DataSource, operation string, identifiers []string, params map[string]any, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := c.FetchThrough(ctx, source, operation, identifiers, params, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: expected %T, got %T", ErrInvalidResultType, zero, result)
	}
	return typed, nil
}

type invalidationTarget struct {
	source cache.DataSource
	op     string
}

func invalidationTargets(t InvestmentType) ([]invalidationTarget, error) {
	switch t {
	case InvestmentMutualFund:
		// NAVs come from the primary provider with a fallback, so both
		// namespaces go stale together.
		return []invalidationTarget{
			{source: cache.SourceAMFI, op: OpNAV},
			{source: cache.SourceMFAPI, op: OpNAV},
		}, nil
	case InvestmentStock:
		return []invalidationTarget{{source: cache.SourceYahoo, op: OpPrice}}, nil
	case InvestmentEPF:
		return []invalidationTarget{{source: cache.SourceEPFO, op: OpBalance}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownInvestmentType, t)
	}
}

// InvalidateInvestmentType removes every cached response feeding the given
// investment type. A non-empty userID narrows each pattern to keys whose
// identifier segment contains that user's identifier. Returns the total
// number of entries removed across all provider patterns.
func (c *Coordinator) InvalidateInvestmentType(investmentType InvestmentType, userID string) (int, error) {
	targets, err := invalidationTargets(investmentType)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, target := range targets {
		prefix := cache.EscapeIdentifier(string(target.source)) + cache.KeySeparator +
			cache.EscapeIdentifier(target.op) + cache.KeySeparator
		pattern := "^" + regexp.QuoteMeta(prefix)
		if userID != "" {
			pattern += "[^" + cache.KeySeparator + "]*" + regexp.QuoteMeta(cache.EscapeIdentifier(userID))
		}

		removed, err := c.cache.Invalidate(pattern, target.source)
		if err != nil {
			return total, err
		}
		total += removed
	}

	c.logger.Debug("invalidated investment type",
		zap.String("investment_type", string(investmentType)),
		zap.String("user_id", userID),
		zap.Int("removed", total),
	)
	return total, nil
}

// Start launches the warming and cleanup loops. Calling Start again, or
// after Close, does nothing.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	if c.fetcher != nil {
		c.wg.Add(1)
		go c.warmLoop(ctx)
	}
	c.wg.Add(1)
	go c.cleanupLoop(ctx)
}

// Close stops both loops and waits for them to exit. It never clears the
// cache: entries stay valid for other holders of the FreshnessCache.
// Close is idempotent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) warmLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.WarmingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.warmPass(ctx)
		}
	}
}

func (c *Coordinator) cleanupLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := c.cache.Cleanup(); dropped > 0 {
				c.logger.Debug("cache cleanup", zap.Int("dropped", dropped))
			}
		}
	}
}

type warmGroup struct {
	source cache.DataSource
	op     string
	keys   []string
}

// warmPass refreshes the hottest keys that are no longer fresh. Keys are
// grouped by (source, operation); a group whose source is real-time is left
// alone while its market is open, since live traffic refreshes those anyway.
func (c *Coordinator) warmPass(ctx context.Context) {
	if c.fetcher == nil {
		return
	}

	top := c.cache.FrequentKeys(c.cfg.WarmTopK)
	if len(top) == 0 {
		return
	}

	groups := make(map[string]*warmGroup)
	var order []string
	for _, key := range top {
		parsed, err := c.codec.ParseKey(key)
		if err != nil {
			c.logger.Debug("skipping unparseable cache key", zap.String("key", key), zap.Error(err))
			continue
		}

		gk := string(parsed.Source) + "\x00" + parsed.Operation
		group, ok := groups[gk]
		if !ok {
			group = &warmGroup{source: parsed.Source, op: parsed.Operation}
			groups[gk] = group
			order = append(order, gk)
		}
		group.keys = append(group.keys, key)
	}

	for _, gk := range order {
		if ctx.Err() != nil {
			return
		}
		group := groups[gk]

		if c.policy.Realtime(group.source) && c.policy.Market.IsOpen(c.now()) {
			c.logger.Debug("skipping warm while market open",
				zap.String("source", string(group.source)),
				zap.String("operation", group.op),
			)
			continue
		}

		warmed := c.cache.Warm(ctx, group.keys, group.source, c.warmFetch(), 0)
		if warmed > 0 {
			c.logger.Debug("warmed cache group",
				zap.String("source", string(group.source)),
				zap.String("operation", group.op),
				zap.Int("warmed", warmed),
			)
		}
	}
}

// warmFetch adapts the injected WarmFetcher to the per-key signature
// cache.Warm expects, wrapping results in the Response envelope so warmed
// entries look exactly like fetched ones.
func (c *Coordinator) warmFetch() cache.FetchFunc {
	return func(ctx context.Context, key string) (any, error) {
		parsed, err := c.codec.ParseKey(key)
		if err != nil {
			return nil, err
		}
		value, err := c.fetcher(ctx, parsed.Source, parsed.Operation, parsed.Identifiers)
		if err != nil {
			return nil, err
		}
		return c.envelope(parsed.Operation, parsed.Identifiers, value), nil
	}
}

func (c *Coordinator) lookup(key string) (Response, bool) {
	raw, ok := c.cache.Get(key)
	if !ok {
		return Response{}, false
	}
	resp, ok := raw.(Response)
	if !ok {
		return Response{}, false
	}
	return resp, true
}

func (c *Coordinator) envelope(operation string, identifiers []string, value any) Response {
	return Response{
		Value:       value,
		Operation:   operation,
		Identifiers: append([]string(nil), identifiers...),
		CachedAt:    c.now(),
	}
}
