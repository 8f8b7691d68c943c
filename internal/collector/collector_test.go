package collector

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	internalerrors "github.com/Schera-ole/logmetrics/internal/errors"
	models "github.com/Schera-ole/logmetrics/internal/model"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		p      Persister
		config Config
	}{
		{"no persister", nil, Config{}},
		{"buffer below batch", &fakePersister{}, Config{BatchSize: 10, MaxBufferSize: 5}},
		{"negative interval", &fakePersister{}, Config{FlushInterval: -time.Second}},
		{"unknown policy", &fakePersister{}, Config{OverflowPolicy: "drop"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.p, tt.config, zap.NewNop().Sugar())
			assert.ErrorIs(t, err, internalerrors.ErrInvalidConfig)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c := newTestCollector(t, &fakePersister{}, Config{})

	stats := c.Stats()
	assert.Equal(t, DefaultBatchSize, stats.BatchSize)
	assert.Equal(t, DefaultMaxBufferSize, stats.BufferCapacity)
	assert.Equal(t, DefaultFlushInterval.Seconds(), stats.FlushInterval)
	assert.False(t, stats.Running)
}

func TestRecord_AggregatesWithoutFlush(t *testing.T) {
	p := &fakePersister{}
	c := newTestCollector(t, p, Config{})
	ctx := context.Background()

	for _, v := range []float64{1, 2, 3} {
		require.NoError(t, c.Record(ctx, "x", v, models.Gauge))
	}

	agg, ok := c.Aggregates()["x:gauge"]
	require.True(t, ok)
	assert.Equal(t, int64(3), agg.Count)
	assert.Equal(t, 6.0, agg.Sum)
	assert.Equal(t, 1.0, agg.Min)
	assert.Equal(t, 3.0, agg.Max)
	assert.Equal(t, 2.0, agg.Avg)
	assert.Equal(t, 3.0, agg.LastValue)

	assert.Equal(t, 3, c.Stats().BufferSize)
	assert.Zero(t, p.callCount())
}

func TestRecord_Defaults(t *testing.T) {
	c := newTestCollector(t, &fakePersister{}, Config{})
	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	tags := models.Tags{"host": models.StringTag("a")}
	require.NoError(t, c.Record(context.Background(), "  cpu  ", 0.5, "", WithTags(tags), WithSource("test")))
	tags["host"] = models.StringTag("mutated")

	batch := c.buffer.Drain()
	require.Len(t, batch, 1)
	m := batch[0]
	assert.Equal(t, "cpu", m.Name)
	assert.Equal(t, models.Gauge, m.Type)
	assert.Equal(t, models.LevelInfo, m.Level)
	assert.Equal(t, fixed, m.Timestamp)
	assert.Equal(t, "test", m.Source)
	assert.Equal(t, "a", m.Tags["host"].String())
}

func TestRecord_Options(t *testing.T) {
	c := newTestCollector(t, &fakePersister{}, Config{})
	ts := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)

	err := c.Record(context.Background(), "db.query", 12, models.Timer,
		WithLevel(models.LevelWarning),
		WithDescription("query time"),
		WithUnit("ms"),
		WithMetadata(models.Tags{"query_id": models.IntTag(7)}),
		WithTimestamp(ts),
	)
	require.NoError(t, err)

	m := c.buffer.Drain()[0]
	assert.Equal(t, models.LevelWarning, m.Level)
	assert.Equal(t, "query time", m.Description)
	assert.Equal(t, "ms", m.Unit)
	assert.Equal(t, int64(7), m.Metadata["query_id"].Interface())
	assert.Equal(t, ts, m.Timestamp)
}

func TestRecord_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		mName string
		value float64
		typ   models.MetricType
		opts  []RecordOption
	}{
		{"empty name", "", 1, models.Gauge, nil},
		{"blank name", "   ", 1, models.Gauge, nil},
		{"NaN", "x", math.NaN(), models.Gauge, nil},
		{"+Inf", "x", math.Inf(1), models.Gauge, nil},
		{"-Inf", "x", math.Inf(-1), models.Gauge, nil},
		{"unknown type", "x", 1, "meter", nil},
		{"unknown level", "x", 1, models.Gauge, []RecordOption{WithLevel("fatal")}},
		{"empty tag", "x", 1, models.Gauge, []RecordOption{WithTags(models.Tags{"k": {}})}},
		{"NaN tag", "x", 1, models.Gauge, []RecordOption{WithTags(models.Tags{"k": models.FloatTag(math.NaN())})}},
		{"Inf tag", "x", 1, models.Gauge, []RecordOption{WithTags(models.Tags{"k": models.FloatTag(math.Inf(1))})}},
		{"NaN metadata", "x", 1, models.Gauge, []RecordOption{WithMetadata(models.Tags{"k": models.FloatTag(math.NaN())})}},
		{"-Inf metadata", "x", 1, models.Gauge, []RecordOption{WithMetadata(models.Tags{"k": models.FloatTag(math.Inf(-1))})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCollector(t, &fakePersister{}, Config{})

			err := c.Record(context.Background(), tt.mName, tt.value, tt.typ, tt.opts...)
			require.Error(t, err)
			assert.ErrorIs(t, err, internalerrors.ErrInvalidMetric)

			var metricsErr *internalerrors.MetricsError
			require.True(t, errors.As(err, &metricsErr))
			assert.Equal(t, "record", metricsErr.Op)

			stats := c.Stats()
			assert.Zero(t, stats.BufferSize)
			assert.Zero(t, stats.TotalMetrics)
			assert.Equal(t, int64(1), stats.TotalErrors)
			assert.Empty(t, c.Aggregates())
		})
	}
}

func TestRecord_UnstorableTagDoesNotBlockFlush(t *testing.T) {
	p := &fakePersister{}
	c := newTestCollector(t, p, Config{})
	ctx := context.Background()

	err := c.Record(ctx, "bad", 1, models.Gauge, WithTags(models.Tags{"x": models.FloatTag(math.NaN())}))
	require.ErrorIs(t, err, internalerrors.ErrInvalidMetric)
	require.NoError(t, c.Record(ctx, "good", 2, models.Gauge))

	n, err := c.Flush(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, c.Stats().BufferSize)
}

func TestRecord_CancelledReliefCountsError(t *testing.T) {
	p := &fakePersister{}
	c := newTestCollector(t, p, Config{BatchSize: 1, MaxBufferSize: 1})

	// Occupy the flush gate so the forced flush has to wait for ctx.
	c.flushGate <- struct{}{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Record(ctx, "x", 1, models.Gauge)
	<-c.flushGate
	require.ErrorIs(t, err, context.Canceled)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.TotalErrors)
	assert.Equal(t, 1, stats.BufferSize)
}

func TestFlush_Empty(t *testing.T) {
	p := &fakePersister{}
	c := newTestCollector(t, p, Config{})

	n, err := c.Flush(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, p.callCount())

	n, err = c.Flush(context.Background(), true)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, p.callCount())
}

func TestFlush_Success(t *testing.T) {
	p := &fakePersister{}
	c := newTestCollector(t, p, Config{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, c.Record(ctx, "x", float64(i), models.Counter))
	}

	n, err := c.Flush(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	stats := c.Stats()
	assert.Zero(t, stats.BufferSize)
	assert.Equal(t, int64(4), stats.TotalInserted)
	assert.Equal(t, int64(1), stats.FlushCount)
	require.NotNil(t, stats.LastFlushTime)
	assert.NotEmpty(t, stats.LastFlushID)
}

func TestFlush_FailureRestoresBuffer(t *testing.T) {
	p := &fakePersister{}
	c := newTestCollector(t, p, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Record(ctx, "x", float64(i), models.Gauge))
	}
	p.setFailNext(1)

	n, err := c.Flush(ctx, true)
	require.Error(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, errStoreDown)

	var metricsErr *internalerrors.MetricsError
	require.True(t, errors.As(err, &metricsErr))
	assert.Equal(t, "flush", metricsErr.Op)

	stats := c.Stats()
	assert.Equal(t, 3, stats.BufferSize)
	assert.Equal(t, int64(1), stats.FailedFlushes)
	assert.Equal(t, int64(1), stats.TotalErrors)
	assert.Zero(t, stats.TotalInserted)

	// The retried flush persists the same metrics once.
	n, err = c.Flush(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, p.persisted(), 3)
}

func TestRecord_BackgroundFlushOnBatchSize(t *testing.T) {
	p := &fakePersister{}
	c := newTestCollector(t, p, Config{BatchSize: 2, MaxBufferSize: 10, FlushInterval: time.Hour})
	c.StartBackgroundFlush()
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, "a", 1, models.Gauge))
	require.NoError(t, c.Record(ctx, "a", 2, models.Gauge))

	require.Eventually(t, func() bool {
		return c.Stats().TotalInserted == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Len(t, p.persisted(), 2)
	assert.Equal(t, int64(1), c.Stats().BackgroundFlushes)
}

func TestRecord_BackgroundFlushOnInterval(t *testing.T) {
	p := &fakePersister{}
	c := newTestCollector(t, p, Config{BatchSize: 100, MaxBufferSize: 1000, FlushInterval: 30 * time.Millisecond})
	c.StartBackgroundFlush()

	require.NoError(t, c.Record(context.Background(), "a", 1, models.Gauge))

	require.Eventually(t, func() bool {
		return len(p.persisted()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRecord_OverflowForcesSynchronousFlush(t *testing.T) {
	p := &fakePersister{}
	c := newTestCollector(t, p, Config{BatchSize: 5, MaxBufferSize: 5, FlushInterval: time.Hour})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, c.Record(ctx, "x", float64(i), models.Gauge))
		assert.Less(t, c.Stats().BufferSize, 5)
	}

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.BufferOverflow)
	assert.Equal(t, int64(1), stats.ForcedFlushes)
	assert.Equal(t, int64(5), stats.TotalInserted)
	assert.Equal(t, 1, stats.BufferSize)
}

func TestRecord_OverflowBlocksUntilFlushCompletes(t *testing.T) {
	p := &fakePersister{block: make(chan struct{})}
	c := newTestCollector(t, p, Config{BatchSize: 3, MaxBufferSize: 3, FlushInterval: time.Hour})
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, "x", 1, models.Gauge))
	require.NoError(t, c.Record(ctx, "x", 2, models.Gauge))

	done := make(chan error, 1)
	go func() { done <- c.Record(ctx, "x", 3, models.Gauge) }()

	select {
	case <-done:
		t.Fatal("overflowing Record returned before the flush completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(p.block)
	require.NoError(t, <-done)
	assert.Zero(t, c.Stats().BufferSize)
	assert.Len(t, p.persisted(), 3)
}

func TestRecord_OverflowFlushFailurePropagates(t *testing.T) {
	p := &fakePersister{}
	c := newTestCollector(t, p, Config{BatchSize: 2, MaxBufferSize: 2, FlushInterval: time.Hour})
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, "x", 1, models.Gauge))
	p.setFailNext(1)

	err := c.Record(ctx, "x", 2, models.Gauge)
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreDown)

	// Nothing was dropped.
	assert.Equal(t, 2, c.Stats().BufferSize)
	assert.Equal(t, int64(2), c.Stats().TotalMetrics)
}

func TestRecord_SignalPolicyUsesBackgroundLoop(t *testing.T) {
	p := &fakePersister{}
	c := newTestCollector(t, p, Config{
		BatchSize:      4,
		MaxBufferSize:  4,
		FlushInterval:  time.Hour,
		OverflowPolicy: OverflowSignal,
		OverflowWait:   5 * time.Second,
	})
	c.StartBackgroundFlush()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, c.Record(ctx, "x", float64(i), models.Gauge))
	}

	stats := c.Stats()
	assert.Less(t, stats.BufferSize, 4)
	assert.Zero(t, stats.ForcedFlushes)
	assert.GreaterOrEqual(t, stats.BackgroundFlushes, int64(1))
	assert.Len(t, p.persisted(), 4)
}

func TestRecord_SignalPolicyFallsBackWithoutLoop(t *testing.T) {
	p := &fakePersister{}
	c := newTestCollector(t, p, Config{
		BatchSize:      2,
		MaxBufferSize:  2,
		FlushInterval:  time.Hour,
		OverflowPolicy: OverflowSignal,
	})
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, "x", 1, models.Gauge))
	require.NoError(t, c.Record(ctx, "x", 2, models.Gauge))

	assert.Equal(t, int64(1), c.Stats().ForcedFlushes)
	assert.Zero(t, c.Stats().BufferSize)
}

func TestCollector_NoLoss(t *testing.T) {
	const producers, perProducer = 8, 250
	p := &fakePersister{}
	c := newTestCollector(t, p, Config{BatchSize: 20, MaxBufferSize: 50, FlushInterval: 5 * time.Millisecond, ErrorBackoff: time.Millisecond})
	c.StartBackgroundFlush()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < producers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if i%50 == 0 {
					p.setFailNext(1)
				}
				// Overflow flushes may fail; the metric is buffered regardless.
				err := c.Record(ctx, "load", float64(w*perProducer+i), models.Counter)
				assert.NotErrorIs(t, err, internalerrors.ErrInvalidMetric)
				if i%25 == 0 {
					_, _ = c.Flush(ctx, i%2 == 0)
				}
			}
		}(w)
	}
	wg.Wait()
	_ = c.StopBackgroundFlush(ctx)

	stats := c.Stats()
	persisted := p.persisted()
	assert.Equal(t, int64(producers*perProducer), stats.TotalMetrics)
	assert.Equal(t, producers*perProducer, len(persisted)+stats.BufferSize)
	assert.Equal(t, int64(len(persisted)), stats.TotalInserted)

	p.setFailNext(0)
	_, err := c.Flush(ctx, false)
	require.NoError(t, err)
	assert.Len(t, p.persisted(), producers*perProducer)
	assert.Zero(t, c.Stats().BufferSize)
}

func TestCollector_AtMostOneFlushInFlight(t *testing.T) {
	const producers, perProducer = 6, 300
	p := &fakePersister{}
	c := newTestCollector(t, p, Config{BatchSize: 10, MaxBufferSize: 25, FlushInterval: time.Millisecond})
	c.StartBackgroundFlush()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < producers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, c.Record(ctx, "seq", float64(w*perProducer+i), models.Gauge))
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_, _ = c.Flush(ctx, true)
		}
	}()
	wg.Wait()
	require.NoError(t, c.Close(ctx))

	assert.False(t, p.overlap.Load(), "two flushes persisted concurrently")

	persisted := p.persisted()
	require.Len(t, persisted, producers*perProducer)
	seen := make(map[float64]bool, len(persisted))
	for _, m := range persisted {
		require.False(t, seen[m.Value], "metric %v persisted twice", m.Value)
		seen[m.Value] = true
	}
}

func TestCollector_AggregateCorrectnessUnderLoad(t *testing.T) {
	p := &fakePersister{}
	c := newTestCollector(t, p, Config{BatchSize: 16, MaxBufferSize: 64, FlushInterval: time.Millisecond})
	c.StartBackgroundFlush()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= 200; i++ {
				_ = c.Record(ctx, "req", float64(i), models.Timer)
				_ = c.Record(ctx, "req", 1, models.Counter)
			}
		}()
	}
	wg.Wait()

	timer, ok := c.Aggregate("req", models.Timer)
	require.True(t, ok)
	assert.Equal(t, int64(800), timer.Count)
	assert.InDelta(t, timer.Sum/float64(timer.Count), timer.Avg, 1e-9)
	assert.Equal(t, 1.0, timer.Min)
	assert.Equal(t, 200.0, timer.Max)

	counter, ok := c.Aggregate("req", models.Counter)
	require.True(t, ok)
	assert.Equal(t, int64(800), counter.Count)
}

func TestBackgroundFlush_RetriesAfterFailure(t *testing.T) {
	p := &fakePersister{}
	p.setFailNext(2)
	c := newTestCollector(t, p, Config{BatchSize: 1, MaxBufferSize: 10, FlushInterval: 10 * time.Millisecond, ErrorBackoff: 10 * time.Millisecond})
	c.StartBackgroundFlush()

	require.NoError(t, c.Record(context.Background(), "x", 1, models.Gauge))

	require.Eventually(t, func() bool {
		return len(p.persisted()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.FailedFlushes)
	assert.True(t, stats.Running)
}

func TestStartStop_Idempotent(t *testing.T) {
	p := &fakePersister{}
	c := newTestCollector(t, p, Config{FlushInterval: time.Hour})
	ctx := context.Background()

	c.StartBackgroundFlush()
	c.StartBackgroundFlush()
	assert.True(t, c.Stats().Running)

	require.NoError(t, c.Record(ctx, "x", 1, models.Gauge))

	require.NoError(t, c.StopBackgroundFlush(ctx))
	require.NoError(t, c.StopBackgroundFlush(ctx))
	assert.False(t, c.Stats().Running)
	assert.Equal(t, "stopped", c.Stats().State)

	// Stop flushed what was pending.
	assert.Len(t, p.persisted(), 1)

	c.StartBackgroundFlush()
	assert.True(t, c.Stats().Running)
}

func TestStop_BoundedWhenStoreHangs(t *testing.T) {
	p := &fakePersister{block: make(chan struct{})}
	c, err := New(p, Config{
		BatchSize:       1,
		MaxBufferSize:   10,
		FlushInterval:   time.Hour,
		ShutdownTimeout: 50 * time.Millisecond,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	c.StartBackgroundFlush()

	require.NoError(t, c.Record(context.Background(), "x", 1, models.Gauge))
	require.Eventually(t, func() bool { return p.callCount() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	err = c.StopBackgroundFlush(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, internalerrors.ErrShutdownTimeout)
	assert.Less(t, elapsed, time.Second)
	assert.False(t, c.Stats().Running)

	// The batch survived both the cancelled and the final flush.
	assert.Equal(t, 1, c.Stats().BufferSize)
}

func TestClose(t *testing.T) {
	p := &fakePersister{}
	c, err := New(p, Config{FlushInterval: time.Hour}, zap.NewNop().Sugar())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, "x", 1, models.Gauge))
	require.NoError(t, c.Record(ctx, "x", 2, models.Gauge))

	require.NoError(t, c.Close(ctx))
	assert.Len(t, p.persisted(), 2)

	err = c.Record(ctx, "x", 3, models.Gauge)
	assert.ErrorIs(t, err, internalerrors.ErrCollectorClosed)
	assert.Equal(t, int64(1), c.Stats().TotalErrors)

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, 1, p.callCount())
}

func TestClose_ReportsFinalFlushFailure(t *testing.T) {
	p := &fakePersister{}
	c, err := New(p, Config{FlushInterval: time.Hour}, zap.NewNop().Sugar())
	require.NoError(t, err)
	c.StartBackgroundFlush()

	require.NoError(t, c.Record(context.Background(), "x", 1, models.Gauge))
	p.setFailNext(1)

	err = c.Close(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, 1, c.Stats().BufferSize)
}

func TestRun(t *testing.T) {
	t.Run("closes on success", func(t *testing.T) {
		p := &fakePersister{}
		c, err := New(p, Config{FlushInterval: time.Hour}, zap.NewNop().Sugar())
		require.NoError(t, err)

		err = Run(context.Background(), c, func(ctx context.Context) error {
			assert.True(t, c.Stats().Running)
			return c.Record(ctx, "job.items", 3, models.Counter)
		})
		require.NoError(t, err)
		assert.Len(t, p.persisted(), 1)
		assert.False(t, c.Stats().Running)
	})

	t.Run("closes on error", func(t *testing.T) {
		p := &fakePersister{}
		c, err := New(p, Config{FlushInterval: time.Hour}, zap.NewNop().Sugar())
		require.NoError(t, err)
		jobErr := errors.New("job failed")

		err = Run(context.Background(), c, func(ctx context.Context) error {
			require.NoError(t, c.Record(ctx, "job.items", 1, models.Counter))
			return jobErr
		})
		assert.ErrorIs(t, err, jobErr)
		assert.Len(t, p.persisted(), 1)
	})

	t.Run("joins close error", func(t *testing.T) {
		p := &fakePersister{}
		c, err := New(p, Config{FlushInterval: time.Hour}, zap.NewNop().Sugar())
		require.NoError(t, err)
		jobErr := errors.New("job failed")

		err = Run(context.Background(), c, func(ctx context.Context) error {
			require.NoError(t, c.Record(ctx, "job.items", 1, models.Counter))
			p.setFailNext(1)
			return jobErr
		})
		assert.ErrorIs(t, err, jobErr)
		assert.ErrorIs(t, err, errStoreDown)
	})

	t.Run("closes on panic", func(t *testing.T) {
		p := &fakePersister{}
		c, err := New(p, Config{FlushInterval: time.Hour}, zap.NewNop().Sugar())
		require.NoError(t, err)

		assert.Panics(t, func() {
			_ = Run(context.Background(), c, func(ctx context.Context) error {
				_ = c.Record(ctx, "job.items", 1, models.Counter)
				panic("boom")
			})
		})
		assert.Len(t, p.persisted(), 1)
	})
}
