// Package metrics exposes cache and batch writer statistics as Prometheus
// metrics. The Collector reads both snapshots on scrape, so nothing has to
// be instrumented along the cache or enqueue hot paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/goliatone/go-sync-cache/batchwrite"
	"github.com/goliatone/go-sync-cache/cache"
)

var _ prometheus.Collector = (*Collector)(nil)

// Collector implements prometheus.Collector over a FreshnessCache and a
// batch write coordinator. Either source may be nil, in which case its
// metrics are not exported.
type Collector struct {
	cache cache.FreshnessCache
	batch *batchwrite.Coordinator

	cacheHits        *prometheus.Desc
	cacheMisses      *prometheus.Desc
	cacheSets        *prometheus.Desc
	cacheEvictions   *prometheus.Desc
	cacheExpirations *prometheus.Desc
	cacheEntries     *prometheus.Desc

	batchQueued  *prometheus.Desc
	batchActive  *prometheus.Desc
	batchFlushed *prometheus.Desc
	batchFailed  *prometheus.Desc
}

// NewCollector creates a Collector with the given metric namespace.
// Register it with a prometheus.Registry to expose the metrics:
//
//	registry.MustRegister(metrics.NewCollector("syncapp", fc, bw))
func NewCollector(namespace string, fc cache.FreshnessCache, bw *batchwrite.Coordinator) *Collector {
	fq := func(name string) string {
		return prometheus.BuildFQName(namespace, "", name)
	}

	return &Collector{
		cache: fc,
		batch: bw,

		cacheHits: prometheus.NewDesc(fq("cache_hits_total"),
			"Total number of cache hits.", nil, nil),
		cacheMisses: prometheus.NewDesc(fq("cache_misses_total"),
			"Total number of cache misses.", nil, nil),
		cacheSets: prometheus.NewDesc(fq("cache_sets_total"),
			"Total number of cache writes.", nil, nil),
		cacheEvictions: prometheus.NewDesc(fq("cache_evictions_total"),
			"Total number of entries evicted to make room.", nil, nil),
		cacheExpirations: prometheus.NewDesc(fq("cache_expirations_total"),
			"Total number of entries dropped because their TTL passed.", nil, nil),
		cacheEntries: prometheus.NewDesc(fq("cache_entries"),
			"Current number of cached entries, expired but unswept included.", nil, nil),

		batchQueued: prometheus.NewDesc(fq("batch_queued_updates"),
			"Pending updates waiting for a flush, per entity type.", []string{"entity_type"}, nil),
		batchActive: prometheus.NewDesc(fq("batch_active_flushes"),
			"Number of batch transactions currently running.", nil, nil),
		batchFlushed: prometheus.NewDesc(fq("batch_flushed_updates_total"),
			"Total number of updates whose batch committed.", nil, nil),
		batchFailed: prometheus.NewDesc(fq("batch_failed_updates_total"),
			"Total number of updates whose batch failed and was dropped.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheSets
	ch <- c.cacheEvictions
	ch <- c.cacheExpirations
	ch <- c.cacheEntries
	ch <- c.batchQueued
	ch <- c.batchActive
	ch <- c.batchFlushed
	ch <- c.batchFailed
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.cache != nil {
		stats := c.cache.Stats()
		ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(stats.Hits))
		ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(stats.Misses))
		ch <- prometheus.MustNewConstMetric(c.cacheSets, prometheus.CounterValue, float64(stats.Sets))
		ch <- prometheus.MustNewConstMetric(c.cacheEvictions, prometheus.CounterValue, float64(stats.Evictions))
		ch <- prometheus.MustNewConstMetric(c.cacheExpirations, prometheus.CounterValue, float64(stats.Expirations))
		ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, float64(stats.Entries))
	}

	if c.batch != nil {
		stats := c.batch.Stats()
		for entityType, count := range stats.Queued {
			ch <- prometheus.MustNewConstMetric(c.batchQueued, prometheus.GaugeValue,
				float64(count), string(entityType))
		}
		ch <- prometheus.MustNewConstMetric(c.batchActive, prometheus.GaugeValue, float64(stats.ActiveBatches))
		ch <- prometheus.MustNewConstMetric(c.batchFlushed, prometheus.CounterValue, float64(stats.Flushed))
		ch <- prometheus.MustNewConstMetric(c.batchFailed, prometheus.CounterValue, float64(stats.Failed))
	}
}
