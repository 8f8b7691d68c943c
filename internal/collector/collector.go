// Package collector buffers telemetry events in memory and persists them in
// batches from a background loop.
package collector

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	internalerrors "github.com/Schera-ole/logmetrics/internal/errors"
	models "github.com/Schera-ole/logmetrics/internal/model"
)

// OverflowPolicy decides who relieves a full buffer.
type OverflowPolicy string

const (
	// OverflowFlush makes the producer that filled the buffer flush it.
	OverflowFlush OverflowPolicy = "flush"

	// OverflowSignal wakes the background loop and waits up to OverflowWait
	// for it, falling back to OverflowFlush.
	OverflowSignal OverflowPolicy = "signal"
)

const (
	DefaultBatchSize       = 1000
	DefaultFlushInterval   = 60 * time.Second
	DefaultMaxBufferSize   = 10000
	DefaultShutdownTimeout = 10 * time.Second
	DefaultErrorBackoff    = 5 * time.Second
	DefaultOverflowWait    = time.Second
)

type Config struct {
	BatchSize       int
	FlushInterval   time.Duration
	MaxBufferSize   int
	ShutdownTimeout time.Duration
	ErrorBackoff    time.Duration
	OverflowPolicy  OverflowPolicy
	OverflowWait    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxBufferSize == 0 {
		c.MaxBufferSize = DefaultMaxBufferSize
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ErrorBackoff == 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = OverflowFlush
	}
	if c.OverflowWait == 0 {
		c.OverflowWait = DefaultOverflowWait
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch size must be positive", internalerrors.ErrInvalidConfig)
	case c.MaxBufferSize < c.BatchSize:
		return fmt.Errorf("%w: max buffer size %d is below batch size %d",
			internalerrors.ErrInvalidConfig, c.MaxBufferSize, c.BatchSize)
	case c.FlushInterval <= 0, c.ShutdownTimeout <= 0, c.ErrorBackoff <= 0, c.OverflowWait <= 0:
		return fmt.Errorf("%w: durations must be positive", internalerrors.ErrInvalidConfig)
	case c.OverflowPolicy != OverflowFlush && c.OverflowPolicy != OverflowSignal:
		return fmt.Errorf("%w: unknown overflow policy %q", internalerrors.ErrInvalidConfig, c.OverflowPolicy)
	}
	return nil
}

// Persister durably stores a batch of metrics, all or nothing.
type Persister interface {
	Persist(ctx context.Context, batch []models.Metric) (int, error)
	Ping(ctx context.Context) error
}

// poolStatter is implemented by persisters backed by a connection pool.
type poolStatter interface {
	PoolStats() models.PoolStats
}

type flushKind string

const (
	flushManual     flushKind = "manual"
	flushBackground flushKind = "background"
	flushForced     flushKind = "forced"
	flushFinal      flushKind = "final"
)

// Collector accepts metrics from any number of goroutines, keeps running
// aggregates and flushes batches to a Persister.
type Collector struct {
	config     Config
	buffer     *Buffer
	aggregates *AggregateIndex
	scheduler  *Scheduler
	persister  Persister
	logger     *zap.SugaredLogger
	now        func() time.Time

	// flushGate admits one flush at a time, whatever triggered it
	flushGate chan struct{}

	// flushedMu guards flushed, which is closed after each successful flush
	flushedMu sync.Mutex
	flushed   chan struct{}

	// lifecycle is held for reading while a metric is appended
	lifecycle sync.RWMutex
	closed    bool

	totalMetrics      atomic.Int64
	totalInserted     atomic.Int64
	totalErrors       atomic.Int64
	bufferOverflow    atomic.Int64
	flushCount        atomic.Int64
	failedFlushes     atomic.Int64
	backgroundFlushes atomic.Int64
	forcedFlushes     atomic.Int64

	// lastAttempt is the unix nano time of the last flush attempt
	lastAttempt atomic.Int64

	lastMu        sync.RWMutex
	lastFlushTime time.Time
	lastFlushID   string
}

// New builds a collector writing to persister. Zero config fields take the
// defaults. The background loop is not started.
func New(persister Persister, config Config, logger *zap.SugaredLogger) (*Collector, error) {
	if persister == nil {
		return nil, fmt.Errorf("%w: persister is required", internalerrors.ErrInvalidConfig)
	}
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	c := &Collector{
		config:     config,
		buffer:     NewBuffer(config.MaxBufferSize),
		aggregates: NewAggregateIndex(),
		persister:  persister,
		logger:     logger,
		now:        time.Now,
		flushGate:  make(chan struct{}, 1),
		flushed:    make(chan struct{}),
	}
	c.lastAttempt.Store(c.now().UnixNano())
	c.scheduler = newScheduler(c, SchedulerConfig{
		BatchSize:       config.BatchSize,
		FlushInterval:   config.FlushInterval,
		ShutdownTimeout: config.ShutdownTimeout,
		ErrorBackoff:    config.ErrorBackoff,
	}, logger)

	logger.Infow("metrics collector created",
		"batch_size", config.BatchSize,
		"flush_interval", config.FlushInterval,
		"max_buffer_size", config.MaxBufferSize,
		"overflow_policy", config.OverflowPolicy,
	)
	return c, nil
}

// Record validates and buffers one metric. An empty type means gauge. When
// the buffer fills up the call does not return until the buffer has been
// relieved, so the caller absorbs the flush latency.
func (c *Collector) Record(ctx context.Context, name string, value float64, typ models.MetricType, opts ...RecordOption) error {
	var o recordOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.source == "" {
		o.source = callerSource()
	}

	return c.RecordMetric(ctx, models.Metric{
		Name:        name,
		Value:       value,
		Type:        typ,
		Timestamp:   o.timestamp,
		Tags:        o.tags,
		Level:       o.level,
		Description: o.description,
		Source:      o.source,
		Unit:        o.unit,
		Metadata:    o.metadata,
	})
}

// RecordMetric is Record for an already built metric. Missing type, level and
// timestamp are filled in.
func (c *Collector) RecordMetric(ctx context.Context, m models.Metric) error {
	if err := c.normalize(&m); err != nil {
		c.totalErrors.Add(1)
		return internalerrors.Wrap("record", m.Name, err)
	}

	size, full, err := c.enqueue(m)
	if err != nil {
		c.totalErrors.Add(1)
		return internalerrors.Wrap("record", m.Name, err)
	}

	if m.Level == models.LevelError || m.Level == models.LevelCritical {
		c.logger.Warnw("error level metric recorded",
			"name", m.Name,
			"value", m.Value,
			"level", m.Level,
			"source", m.Source,
		)
	}

	if full {
		c.bufferOverflow.Add(1)
		c.logger.Warnw("metric buffer reached capacity",
			"size", size,
			"capacity", c.buffer.Capacity(),
			"policy", c.config.OverflowPolicy,
		)
		if err := c.relieve(ctx); err != nil {
			return internalerrors.Wrap("record", m.Name, err)
		}
		return nil
	}

	if size >= c.config.BatchSize {
		c.scheduler.Notify()
	}
	return nil
}

func (c *Collector) normalize(m *models.Metric) error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return fmt.Errorf("%w: name must not be empty", internalerrors.ErrInvalidMetric)
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return fmt.Errorf("%w: value %v is not finite", internalerrors.ErrInvalidMetric, m.Value)
	}
	if m.Type == "" {
		m.Type = models.Gauge
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown metric type %q", internalerrors.ErrInvalidMetric, m.Type)
	}
	if m.Level == "" {
		m.Level = models.LevelInfo
	}
	if !m.Level.Valid() {
		return fmt.Errorf("%w: unknown level %q", internalerrors.ErrInvalidMetric, m.Level)
	}
	for key, v := range m.Tags {
		if !v.Valid() {
			return fmt.Errorf("%w: tag %q has no storable value", internalerrors.ErrInvalidMetric, key)
		}
	}
	for key, v := range m.Metadata {
		if !v.Valid() {
			return fmt.Errorf("%w: metadata %q has no storable value", internalerrors.ErrInvalidMetric, key)
		}
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = c.now()
	}
	// The caller keeps its maps.
	if m.Tags != nil {
		m.Tags = m.Tags.Clone()
	}
	if m.Metadata != nil {
		m.Metadata = m.Metadata.Clone()
	}
	return nil
}

func (c *Collector) enqueue(m models.Metric) (int, bool, error) {
	c.lifecycle.RLock()
	defer c.lifecycle.RUnlock()
	if c.closed {
		return 0, false, internalerrors.ErrCollectorClosed
	}
	size, full := c.buffer.Append(m)
	c.totalMetrics.Add(1)
	c.aggregates.Update(m)
	return size, full, nil
}

// relieve brings a full buffer back under its capacity.
func (c *Collector) relieve(ctx context.Context) error {
	if c.config.OverflowPolicy == OverflowSignal && c.scheduler.Running() {
		flushed := c.flushedSignal()
		c.scheduler.Notify()

		timer := time.NewTimer(c.config.OverflowWait)
		defer timer.Stop()
		select {
		case <-flushed:
			if c.buffer.Size() < c.buffer.Capacity() {
				return nil
			}
		case <-timer.C:
			c.logger.Warnf("background flush did not relieve the buffer within %s, flushing synchronously", c.config.OverflowWait)
		case <-ctx.Done():
			c.totalErrors.Add(1)
			return ctx.Err()
		}
	}

	_, err := c.flush(ctx, true, flushForced)
	return err
}

func (c *Collector) flushedSignal() <-chan struct{} {
	c.flushedMu.Lock()
	defer c.flushedMu.Unlock()
	return c.flushed
}

func (c *Collector) broadcastFlushed() {
	c.flushedMu.Lock()
	defer c.flushedMu.Unlock()
	close(c.flushed)
	c.flushed = make(chan struct{})
}

// Flush drains the buffer and persists it. Without force an empty buffer
// returns 0 without touching the store. On failure the batch goes back into
// the buffer and the error is returned.
func (c *Collector) Flush(ctx context.Context, force bool) (int, error) {
	return c.flush(ctx, force, flushManual)
}

func (c *Collector) flush(ctx context.Context, force bool, kind flushKind) (int, error) {
	select {
	case c.flushGate <- struct{}{}:
	case <-ctx.Done():
		c.totalErrors.Add(1)
		return 0, internalerrors.Wrap("flush", "", ctx.Err())
	}
	defer func() { <-c.flushGate }()

	c.lastAttempt.Store(c.now().UnixNano())

	batch := c.buffer.Drain()
	if len(batch) == 0 && !force {
		return 0, nil
	}

	flushID := uuid.NewString()
	started := c.now()
	c.logger.Debugw("flush started", "flush_id", flushID, "kind", kind, "batch", len(batch))

	inserted, err := c.persister.Persist(ctx, batch)
	if err != nil {
		c.buffer.PutBack(batch)
		c.failedFlushes.Add(1)
		c.totalErrors.Add(1)
		c.logger.Warnw("flush failed, batch returned to buffer",
			"flush_id", flushID,
			"kind", kind,
			"batch", len(batch),
			"retryable", internalerrors.IsRetryable(err),
			"error", err,
		)
		return 0, internalerrors.Wrap("flush", "", err)
	}

	c.totalInserted.Add(int64(inserted))
	c.flushCount.Add(1)
	switch kind {
	case flushBackground:
		c.backgroundFlushes.Add(1)
	case flushForced:
		c.forcedFlushes.Add(1)
	}

	c.lastMu.Lock()
	c.lastFlushTime = started
	c.lastFlushID = flushID
	c.lastMu.Unlock()

	c.broadcastFlushed()

	if inserted > 0 {
		c.logger.Infow("flush completed",
			"flush_id", flushID,
			"kind", kind,
			"inserted", inserted,
			"duration", c.now().Sub(started),
		)
	}
	return inserted, nil
}

// flushTarget implementation for the scheduler.

func (c *Collector) pending() int {
	return c.buffer.Size()
}

func (c *Collector) sinceLastFlush() time.Duration {
	return c.now().Sub(time.Unix(0, c.lastAttempt.Load()))
}

func (c *Collector) backgroundFlush(ctx context.Context) (int, error) {
	return c.flush(ctx, false, flushBackground)
}

func (c *Collector) finalFlush(ctx context.Context) (int, error) {
	return c.flush(ctx, true, flushFinal)
}

// StartBackgroundFlush starts the flush loop. Calling it again while the
// loop runs does nothing.
func (c *Collector) StartBackgroundFlush() {
	c.scheduler.Start()
}

// StopBackgroundFlush stops the flush loop and flushes what is left. It is
// safe to call more than once.
func (c *Collector) StopBackgroundFlush(ctx context.Context) error {
	if _, err := c.scheduler.Stop(ctx); err != nil {
		return internalerrors.Wrap("stop", "", err)
	}
	return nil
}

// Close rejects further metrics, stops the loop and performs a final forced
// flush. Only the first call does any work.
func (c *Collector) Close(ctx context.Context) error {
	c.lifecycle.Lock()
	if c.closed {
		c.lifecycle.Unlock()
		return nil
	}
	c.closed = true
	c.lifecycle.Unlock()

	var result *multierror.Error
	if c.scheduler.Running() {
		if err := c.StopBackgroundFlush(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	} else {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.ShutdownTimeout)
		defer cancel()
		if _, err := c.finalFlush(flushCtx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if left := c.buffer.Size(); left > 0 {
		c.logger.Errorw("collector closed with unpersisted metrics", "count", left)
	}

	stats := c.Stats()
	c.logger.Infow("metrics collector closed",
		"total_metrics", stats.TotalMetrics,
		"total_inserted", stats.TotalInserted,
		"total_errors", stats.TotalErrors,
	)
	return result.ErrorOrNil()
}

// Aggregates returns a copy of every running aggregate keyed by "name:type".
func (c *Collector) Aggregates() map[string]models.Aggregate {
	return c.aggregates.Snapshot()
}

// Aggregate returns the running aggregate of one name and type.
func (c *Collector) Aggregate(name string, typ models.MetricType) (models.Aggregate, bool) {
	return c.aggregates.Get(models.AggregateKey(name, typ))
}

// Run starts background flushing, calls fn and closes c on every way out of
// fn, panics included. fn's error is combined with the close error.
func Run(ctx context.Context, c *Collector, fn func(ctx context.Context) error) (err error) {
	c.StartBackgroundFlush()
	defer func() {
		if closeErr := c.Close(context.WithoutCancel(ctx)); closeErr != nil {
			err = multierror.Append(err, closeErr).ErrorOrNil()
		}
	}()
	return fn(ctx)
}
