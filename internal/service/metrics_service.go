// Package service provides the business logic layer on top of the collector.
package service

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/Schera-ole/logmetrics/internal/collector"
	internalerrors "github.com/Schera-ole/logmetrics/internal/errors"
	models "github.com/Schera-ole/logmetrics/internal/model"
	"github.com/Schera-ole/logmetrics/internal/repository"
)

// maxErrorMessage bounds the error_message tag of error counters.
const maxErrorMessage = 100

// Recorder is the collector surface the service depends on.
type Recorder interface {
	Record(ctx context.Context, name string, value float64, typ models.MetricType, opts ...collector.RecordOption) error
	RecordMetric(ctx context.Context, m models.Metric) error
	Flush(ctx context.Context, force bool) (int, error)
	Stats() collector.Stats
	Aggregates() map[string]models.Aggregate
	HealthCheck(ctx context.Context) collector.HealthStatus
}

// MetricsService records application metrics and answers reporting queries.
type MetricsService struct {
	recorder      Recorder
	reporter      repository.Reporter
	retentionDays int
	logger        *zap.SugaredLogger
	now           func() time.Time
}

// NewMetricsService creates a service recording through rec and reporting through reporter.
func NewMetricsService(rec Recorder, reporter repository.Reporter, retentionDays int, logger *zap.SugaredLogger) *MetricsService {
	return &MetricsService{
		recorder:      rec,
		reporter:      reporter,
		retentionDays: retentionDays,
		logger:        logger,
		now:           time.Now,
	}
}

// MetricFromDTO converts and checks a metric received over HTTP.
func MetricFromDTO(dto models.MetricDTO) (models.Metric, error) {
	if dto.Value == nil {
		return models.Metric{}, internalerrors.Wrap("decode", dto.Name,
			fmt.Errorf("%w: value is required", internalerrors.ErrInvalidMetric))
	}

	m := models.Metric{
		Name:        dto.Name,
		Value:       *dto.Value,
		Tags:        dto.Tags,
		Description: dto.Description,
		Source:      dto.Source,
		Unit:        dto.Unit,
		Metadata:    dto.Metadata,
	}
	if dto.Type != "" {
		typ, err := models.ParseMetricType(dto.Type)
		if err != nil {
			return models.Metric{}, internalerrors.Wrap("decode", dto.Name,
				fmt.Errorf("%w: %w", internalerrors.ErrInvalidMetric, err))
		}
		m.Type = typ
	}
	level, err := models.ParseLevel(dto.Level)
	if err != nil {
		return models.Metric{}, internalerrors.Wrap("decode", dto.Name,
			fmt.Errorf("%w: %w", internalerrors.ErrInvalidMetric, err))
	}
	m.Level = level
	if dto.Timestamp != nil {
		m.Timestamp = *dto.Timestamp
	}
	return m, nil
}

// RecordDTO records one metric received over HTTP.
func (ms *MetricsService) RecordDTO(ctx context.Context, dto models.MetricDTO) error {
	m, err := MetricFromDTO(dto)
	if err != nil {
		return err
	}
	return ms.recorder.RecordMetric(ctx, m)
}

// RecordDTOs converts the whole batch first, so an invalid entry rejects the
// batch before anything is buffered. It returns the number of recorded metrics.
func (ms *MetricsService) RecordDTOs(ctx context.Context, dtos []models.MetricDTO) (int, error) {
	metrics := make([]models.Metric, 0, len(dtos))
	for _, dto := range dtos {
		m, err := MetricFromDTO(dto)
		if err != nil {
			return 0, err
		}
		metrics = append(metrics, m)
	}

	for i, m := range metrics {
		if err := ms.recorder.RecordMetric(ctx, m); err != nil {
			return i, err
		}
	}
	return len(metrics), nil
}

// Time runs fn and records how long it took as "<name>.duration" in seconds
// and whether it succeeded as "<name>.success". A panic in fn is recorded as
// a failure and then re-raised.
func (ms *MetricsService) Time(ctx context.Context, name string, tags models.Tags, fn func() error) (err error) {
	source := collector.Caller(1)
	start := ms.now()

	panicked := true
	defer func() {
		if panicked {
			ms.recordTiming(ctx, name, tags, source, start, false)
		}
	}()

	err = fn()
	panicked = false
	ms.recordTiming(ctx, name, tags, source, start, err == nil)
	return err
}

func (ms *MetricsService) recordTiming(ctx context.Context, name string, tags models.Tags, source string, start time.Time, success bool) {
	duration := ms.now().Sub(start).Seconds()

	timingTags := tags.Clone()
	timingTags["function"] = models.StringTag(source)
	timingTags["success"] = models.BoolTag(success)

	var successValue float64
	if success {
		successValue = 1
	}

	var result *multierror.Error
	if err := ms.recorder.Record(ctx, name+".duration", duration, models.Timer,
		collector.WithTags(timingTags),
		collector.WithSource(source),
		collector.WithUnit("seconds"),
	); err != nil {
		result = multierror.Append(result, err)
	}
	if err := ms.recorder.Record(ctx, name+".success", successValue, models.Gauge,
		collector.WithTags(timingTags),
		collector.WithSource(source),
	); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		ms.logger.Warnw("failed to record timing", "name", name, "error", err)
	}
}

// Count records "<name>.count" as a counter.
func (ms *MetricsService) Count(ctx context.Context, name string, increment float64, tags models.Tags) error {
	source := collector.Caller(1)
	countTags := tags.Clone()
	countTags["function"] = models.StringTag(source)

	return ms.recorder.Record(ctx, name+".count", increment, models.Counter,
		collector.WithTags(countTags),
		collector.WithSource(source),
	)
}

// CountError records "<name>.error_count" at error level when err is not nil
// and returns err unchanged.
func (ms *MetricsService) CountError(ctx context.Context, name string, err error, tags models.Tags) error {
	if err == nil {
		return nil
	}
	source := collector.Caller(1)

	errTags := tags.Clone()
	errTags["function"] = models.StringTag(source)
	errTags["error_type"] = models.StringTag(fmt.Sprintf("%T", err))
	errTags["error_message"] = models.StringTag(truncate(err.Error(), maxErrorMessage))

	if recErr := ms.recorder.Record(ctx, name+".error_count", 1, models.Counter,
		collector.WithTags(errTags),
		collector.WithLevel(models.LevelError),
		collector.WithSource(source),
	); recErr != nil {
		ms.logger.Warnw("failed to record error counter", "name", name, "error", recErr)
	}
	return err
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func (ms *MetricsService) Flush(ctx context.Context, force bool) (int, error) {
	return ms.recorder.Flush(ctx, force)
}

func (ms *MetricsService) Stats() collector.Stats {
	return ms.recorder.Stats()
}

func (ms *MetricsService) Aggregates() map[string]models.Aggregate {
	return ms.recorder.Aggregates()
}

func (ms *MetricsService) Health(ctx context.Context) collector.HealthStatus {
	return ms.recorder.HealthCheck(ctx)
}

// Summary reports persisted metrics.
func (ms *MetricsService) Summary(ctx context.Context, filter models.SummaryFilter) (models.MetricsSummary, error) {
	return ms.reporter.Summary(ctx, filter)
}

// Cleanup applies the configured retention.
func (ms *MetricsService) Cleanup(ctx context.Context) (int64, error) {
	return ms.reporter.Cleanup(ctx, ms.retentionDays)
}

// RollupDaily refreshes the daily aggregates of day.
func (ms *MetricsService) RollupDaily(ctx context.Context, day time.Time) (int64, error) {
	return ms.reporter.RollupDaily(ctx, day)
}

// RunMaintenance rolls up the previous day and applies retention every
// interval until ctx is done. Failures are logged and retried on the next tick.
func (ms *MetricsService) RunMaintenance(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ms.maintain(ctx)
		}
	}
}

func (ms *MetricsService) maintain(ctx context.Context) {
	yesterday := ms.now().UTC().AddDate(0, 0, -1)
	if _, err := ms.RollupDaily(ctx, yesterday); err != nil {
		ms.logger.Errorw("daily rollup failed", "error", err)
	}
	if _, err := ms.Cleanup(ctx); err != nil {
		ms.logger.Errorw("retention cleanup failed", "error", err)
	}
}
