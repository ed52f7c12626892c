package cache

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"github.com/goliatone/go-sync-cache/internal/cachestore"
)

// Config exposes cache configuration options for consumers of the cache package.
type Config struct {
	// Capacity is the maximum number of entries the cache holds before it
	// evicts least-recently-used entries.
	Capacity int

	// TTL decides how long values from each data source stay fresh. The
	// zero value is replaced with DefaultTTLPolicy.
	TTL TTLPolicy

	// Now supplies the current time for expiry decisions. Nil means
	// time.Now; tests inject a fixed clock here.
	Now func() time.Time

	// Logger receives debug output for invalidation and warming. Nil means
	// no logging.
	Logger *zap.Logger
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity: cachestore.DefaultConfig().Capacity,
		TTL:      DefaultTTLPolicy(),
	}
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.Capacity, validation.Required, validation.Min(1)),
	); err != nil {
		return err
	}
	return c.TTL.Validate()
}

// NewFreshnessCache constructs the default cache implementation using the
// provided configuration. Zero-valued Capacity and TTL fields fall back to
// their DefaultConfig values before validation.
func NewFreshnessCache(cfg Config) (FreshnessCache, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := cachestore.New(cfg.toInternal())
	if err != nil {
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

	return &freshnessCache{
		store:  store,
		policy: cfg.TTL,
		now:    now,
		logger: logger,
	}, nil
}

func (c Config) withDefaults() Config {
	if c.Capacity == 0 {
		c.Capacity = cachestore.DefaultConfig().Capacity
	}
	if c.TTL.isZero() {
		c.TTL = DefaultTTLPolicy()
	}
	return c
}

func (c Config) toInternal() cachestore.Config {
	return cachestore.Config{
		Capacity: c.Capacity,
		Now:      c.Now,
	}
}
