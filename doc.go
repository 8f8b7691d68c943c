// Package logmetrics implements a buffered telemetry collector.
//
// Application code records metrics (counters, gauges, histograms, timers,
// summaries and rates) through a collector that keeps them in a bounded
// in-memory buffer and maintains running aggregates per metric. Buffered
// metrics are persisted in batches, either when the buffer reaches the batch
// size, when the flush interval elapses, or on demand. A failed flush keeps
// the batch for the next attempt.
//
// Metrics are persisted to PostgreSQL with the COPY protocol over a bounded
// connection pool, or kept in memory when no database is configured.
//
// Features:
//   - Background flushing with a bounded, flushing shutdown
//   - Synchronous relief of a full buffer by the producer or the flusher
//   - Running count, sum, min, max and average per metric
//   - Health and statistics snapshots
//   - Period summaries with percentiles, daily rollups and retention cleanup
//   - Host sampling of CPU, memory and load
//   - HTTP API with gzip support
//
// The collector binary is configured via command-line flags, environment
// variables and an optional TOML file.
package logmetrics
