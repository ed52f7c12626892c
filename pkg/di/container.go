package di

import (
	"context"

	"github.com/goliatone/go-sync-cache/batchwrite"
	"github.com/goliatone/go-sync-cache/cache"
	"github.com/goliatone/go-sync-cache/synccache"
)

// Config aggregates the configuration for every component the container
// wires. Zero values fall back to each component's defaults.
type Config struct {
	Cache       cache.Config
	Coordinator synccache.Config
	Batch       batchwrite.Config
}

// DefaultConfig returns a Config with every component on its defaults.
func DefaultConfig() Config {
	return Config{
		Cache:       cache.DefaultConfig(),
		Coordinator: synccache.DefaultConfig(),
		Batch:       batchwrite.DefaultConfig(),
	}
}

// Container wires the freshness cache, the sync coordinator and the batch
// write coordinator together. It manages singleton instances so every part
// of the application shares one cache and one write queue.
type Container struct {
	config      Config
	cache       cache.FreshnessCache
	codec       cache.KeyCodec
	coordinator *synccache.Coordinator
	batch       *batchwrite.Coordinator
}

// NewContainer creates a container from the provided configuration. The
// executor receives flushed batches; the fetcher refreshes hot keys during
// warming passes and may be nil to disable warming.
func NewContainer(config Config, exec batchwrite.Executor, fetcher synccache.WarmFetcher) (*Container, error) {
	fc, err := cache.NewFreshnessCache(config.Cache)
	if err != nil {
		return nil, err
	}

	codec := cache.NewDefaultKeyCodec()

	coordinator, err := synccache.New(fc, codec, fetcher, config.Coordinator)
	if err != nil {
		return nil, err
	}

	batch, err := batchwrite.New(exec, config.Batch)
	if err != nil {
		return nil, err
	}

	return &Container{
		config:      config,
		cache:       fc,
		codec:       codec,
		coordinator: coordinator,
		batch:       batch,
	}, nil
}

// NewContainerWithDefaults creates a container using default configuration.
// This is a convenience constructor for typical use cases where custom
// configuration is not required.
func NewContainerWithDefaults(exec batchwrite.Executor, fetcher synccache.WarmFetcher) (*Container, error) {
	return NewContainer(DefaultConfig(), exec, fetcher)
}

// Cache returns the shared freshness cache instance.
func (c *Container) Cache() cache.FreshnessCache {
	return c.cache
}

// KeyCodec returns the shared key codec instance.
func (c *Container) KeyCodec() cache.KeyCodec {
	return c.codec
}

// Coordinator returns the sync cache coordinator.
func (c *Container) Coordinator() *synccache.Coordinator {
	return c.coordinator
}

// BatchWriter returns the batch write coordinator.
func (c *Container) BatchWriter() *batchwrite.Coordinator {
	return c.batch
}

// Config returns a copy of the configuration used by this container.
func (c *Container) Config() Config {
	return c.config
}

// Start launches the coordinator's background warming and cleanup loops.
func (c *Container) Start() {
	c.coordinator.Start()
}

// Close stops background loops and flushes every pending write. The context
// bounds how long the final flush may take.
func (c *Container) Close(ctx context.Context) error {
	c.coordinator.Close()
	return c.batch.Close(ctx)
}
