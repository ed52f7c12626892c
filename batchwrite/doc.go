// Package batchwrite groups many small entity updates into bounded
// transactional batches.
//
// # Overview
//
// Sync runs produce bursts of single-row updates: one NAV per fund, one
// price per stock, one balance per account. Writing them individually costs
// a round trip each; batchwrite accumulates them per entity type and hands
// each accumulated batch to an Executor as one call, either when the flush
// timer fires, when a queue reaches MaxBatchSize, or on explicit Flush.
//
// Within a batch window the coordinator keeps at most one pending update per
// (entity type, key): a later enqueue replaces the earlier payload, so a
// fund whose value was computed twice during one run is written once, with
// the newest value.
//
// # Delivery Guarantees
//
// There are none beyond the process lifetime. Queues are in-memory; a failed
// batch is logged and dropped without retry; a crash loses whatever had not
// flushed. The intended failure mode is that the next sync run recomputes
// and re-enqueues everything, so losing a window of updates costs staleness,
// not correctness.
//
// The bunbatch package provides the production Executor, a transactional
// multi-row upsert over database/sql via bun.
package batchwrite
