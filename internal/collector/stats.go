package collector

import (
	"context"
	"time"

	models "github.com/Schera-ole/logmetrics/internal/model"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"

	DatabaseConnected    = "connected"
	DatabaseDisconnected = "disconnected"

	BufferOK      = "ok"
	BufferWarning = "warning"

	// bufferWarningRatio of the capacity marks the buffer as close to overflow
	bufferWarningRatio = 0.8

	healthProbeTimeout = 2 * time.Second
)

// Stats is a point-in-time view of the collector counters.
type Stats struct {
	BufferSize        int        `json:"buffer_size"`
	BufferCapacity    int        `json:"buffer_capacity"`
	TotalMetrics      int64      `json:"total_metrics"`
	TotalInserted     int64      `json:"total_inserted"`
	TotalErrors       int64      `json:"total_errors"`
	BufferOverflow    int64      `json:"buffer_overflow"`
	FlushCount        int64      `json:"flush_count"`
	FailedFlushes     int64      `json:"failed_flushes"`
	BackgroundFlushes int64      `json:"background_flushes"`
	ForcedFlushes     int64      `json:"forced_flushes"`
	LastFlushTime     *time.Time `json:"last_flush_time,omitempty"`
	LastFlushID       string     `json:"last_flush_id,omitempty"`
	AggregatesCount   int        `json:"aggregates_count"`
	Running           bool       `json:"running"`
	State             string     `json:"state"`
	FlushInterval     float64    `json:"flush_interval_seconds"`
	BatchSize         int        `json:"batch_size"`
}

// Stats never blocks producers.
func (c *Collector) Stats() Stats {
	state := c.scheduler.State()
	stats := Stats{
		BufferSize:        c.buffer.Size(),
		BufferCapacity:    c.buffer.Capacity(),
		TotalMetrics:      c.totalMetrics.Load(),
		TotalInserted:     c.totalInserted.Load(),
		TotalErrors:       c.totalErrors.Load(),
		BufferOverflow:    c.bufferOverflow.Load(),
		FlushCount:        c.flushCount.Load(),
		FailedFlushes:     c.failedFlushes.Load(),
		BackgroundFlushes: c.backgroundFlushes.Load(),
		ForcedFlushes:     c.forcedFlushes.Load(),
		AggregatesCount:   c.aggregates.Len(),
		Running:           state == StateRunning,
		State:             state.String(),
		FlushInterval:     c.config.FlushInterval.Seconds(),
		BatchSize:         c.config.BatchSize,
	}

	c.lastMu.RLock()
	if !c.lastFlushTime.IsZero() {
		last := c.lastFlushTime
		stats.LastFlushTime = &last
		stats.LastFlushID = c.lastFlushID
	}
	c.lastMu.RUnlock()

	return stats
}

// HealthStatus is the result of a health check.
type HealthStatus struct {
	Status          string            `json:"status"`
	Database        string            `json:"database"`
	BufferHealth    string            `json:"buffer_health"`
	BufferSize      int               `json:"buffer_size"`
	BufferCapacity  int               `json:"buffer_capacity"`
	BackgroundFlush string            `json:"background_flush"`
	LastFlush       *time.Time        `json:"last_flush,omitempty"`
	TotalInserted   int64             `json:"total_inserted"`
	TotalErrors     int64             `json:"total_errors"`
	Pool            *models.PoolStats `json:"pool,omitempty"`
	Error           string            `json:"error,omitempty"`
	CheckedAt       time.Time         `json:"checked_at"`
}

// HealthCheck probes the store and reports buffer occupancy. Problems are
// reported in the result, never returned.
func (c *Collector) HealthCheck(ctx context.Context) HealthStatus {
	stats := c.Stats()
	health := HealthStatus{
		Status:          StatusHealthy,
		Database:        DatabaseConnected,
		BufferHealth:    BufferOK,
		BufferSize:      stats.BufferSize,
		BufferCapacity:  stats.BufferCapacity,
		BackgroundFlush: "stopped",
		LastFlush:       stats.LastFlushTime,
		TotalInserted:   stats.TotalInserted,
		TotalErrors:     stats.TotalErrors,
		CheckedAt:       c.now().UTC(),
	}
	if stats.Running {
		health.BackgroundFlush = "running"
	}

	if float64(stats.BufferSize) >= bufferWarningRatio*float64(stats.BufferCapacity) {
		health.BufferHealth = BufferWarning
		health.Status = StatusDegraded
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	if err := c.persister.Ping(probeCtx); err != nil {
		health.Status = StatusUnhealthy
		health.Database = DatabaseDisconnected
		health.Error = err.Error()
		c.logger.Warnw("health check failed", "error", err)
	}

	if ps, ok := c.persister.(poolStatter); ok {
		pool := ps.PoolStats()
		health.Pool = &pool
	}
	return health
}
