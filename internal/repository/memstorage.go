package repository

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	internalerrors "github.com/Schera-ole/logmetrics/internal/errors"
	models "github.com/Schera-ole/logmetrics/internal/model"
)

// DailyAggregate is one row of the daily rollup.
type DailyAggregate struct {
	Date  time.Time
	Name  string
	Type  models.MetricType
	Count int64
	Sum   float64
	Avg   float64
	Min   float64
	Max   float64
	P95   float64
	P99   float64
}

// MemStorage keeps persisted metrics in memory. It serves as both the
// persister and the reporter when no database is configured.
type MemStorage struct {
	// mu guards metrics and daily
	mu sync.RWMutex

	metrics []models.Metric

	// daily is keyed by date and aggregate key
	daily map[string]DailyAggregate

	now func() time.Time
}

// NewMemStorage creates an empty in-memory storage.
func NewMemStorage() *MemStorage {
	return &MemStorage{
		daily: make(map[string]DailyAggregate),
		now:   time.Now,
	}
}

// Persist appends the whole batch.
func (ms *MemStorage) Persist(ctx context.Context, batch []models.Metric) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.metrics = append(ms.metrics, batch...)
	return len(batch), nil
}

// Ping always succeeds for the in-memory storage.
func (ms *MemStorage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Metrics returns a copy of every stored metric in insertion order.
func (ms *MemStorage) Metrics() []models.Metric {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([]models.Metric, len(ms.metrics))
	copy(out, ms.metrics)
	return out
}

func (ms *MemStorage) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.metrics)
}

func (ms *MemStorage) matches(m models.Metric, filter models.SummaryFilter, since time.Time) bool {
	if m.Timestamp.Before(since) {
		return false
	}
	if filter.Name != "" && !strings.Contains(m.Name, filter.Name) {
		return false
	}
	if filter.Type != "" && m.Type != filter.Type {
		return false
	}
	if filter.Level != "" && m.Level != filter.Level {
		return false
	}
	return true
}

type summaryGroup struct {
	summary models.MetricSummary
	values  []float64
	sum     float64
}

// Summary computes the same figures as SQLReporter.Summary over the stored metrics.
func (ms *MemStorage) Summary(ctx context.Context, filter models.SummaryFilter) (models.MetricsSummary, error) {
	if err := ctx.Err(); err != nil {
		return models.MetricsSummary{}, err
	}
	filter = filter.Normalize()
	now := ms.now().UTC()
	since := now.Add(-time.Duration(filter.Hours) * time.Hour)

	result := models.MetricsSummary{PeriodHours: filter.Hours, GeneratedAt: now}
	groups := make(map[string]*summaryGroup)

	ms.mu.RLock()
	for _, m := range ms.metrics {
		if !ms.matches(m, filter, since) {
			continue
		}
		result.TotalMetrics++
		isError := m.Level == models.LevelError || m.Level == models.LevelCritical
		isWarning := m.Level == models.LevelWarning
		if isError {
			result.ErrorMetrics++
		}
		if isWarning {
			result.WarningMetrics++
		}

		g, ok := groups[m.Key()]
		if !ok {
			g = &summaryGroup{summary: models.MetricSummary{
				Name:      m.Name,
				Type:      m.Type,
				Min:       m.Value,
				Max:       m.Value,
				FirstSeen: m.Timestamp,
				LastSeen:  m.Timestamp,
			}}
			groups[m.Key()] = g
		}
		s := &g.summary
		s.Count++
		g.sum += m.Value
		g.values = append(g.values, m.Value)
		s.Min = math.Min(s.Min, m.Value)
		s.Max = math.Max(s.Max, m.Value)
		if isError {
			s.ErrorCount++
		}
		if isWarning {
			s.WarningCount++
		}
		if m.Timestamp.Before(s.FirstSeen) {
			s.FirstSeen = m.Timestamp
		}
		if !m.Timestamp.Before(s.LastSeen) {
			s.LastSeen = m.Timestamp
			s.LatestTags = m.Tags.Clone()
		}
	}
	ms.mu.RUnlock()

	result.UniqueMetrics = int64(len(groups))
	result.Metrics = make([]models.MetricSummary, 0, len(groups))
	for _, g := range groups {
		s := g.summary
		s.Avg = g.sum / float64(s.Count)
		sort.Float64s(g.values)
		s.P95 = percentile(g.values, 0.95)
		s.P99 = percentile(g.values, 0.99)
		result.Metrics = append(result.Metrics, s)
	}
	sort.Slice(result.Metrics, func(i, j int) bool {
		a, b := result.Metrics[i], result.Metrics[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Name < b.Name
	})
	if len(result.Metrics) > filter.Limit {
		result.Metrics = result.Metrics[:filter.Limit]
	}
	return result, nil
}

// percentile interpolates linearly between the closest ranks of sorted
// values, matching PERCENTILE_CONT.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := p * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*frac
}

// Cleanup drops metrics and daily aggregates older than retentionDays.
func (ms *MemStorage) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("%w: retention days must be positive, got %d", internalerrors.ErrInvalidConfig, retentionDays)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := ms.now().UTC().AddDate(0, 0, -retentionDays)
	cutoffDay := truncateDay(cutoff)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	kept := ms.metrics[:0]
	var deleted int64
	for _, m := range ms.metrics {
		if m.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, m)
	}
	// Clear the tail so dropped metrics can be collected.
	clear(ms.metrics[len(kept):])
	ms.metrics = kept

	for key, agg := range ms.daily {
		if agg.Date.Before(cutoffDay) {
			delete(ms.daily, key)
		}
	}
	return deleted, nil
}

// RollupDaily recomputes the daily aggregates of the UTC day containing day.
func (ms *MemStorage) RollupDaily(ctx context.Context, day time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	start := truncateDay(day.UTC())
	end := start.AddDate(0, 0, 1)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	values := make(map[string][]float64)
	rows := make(map[string]*DailyAggregate)
	for _, m := range ms.metrics {
		ts := m.Timestamp.UTC()
		if ts.Before(start) || !ts.Before(end) {
			continue
		}
		key := start.Format(time.DateOnly) + "|" + m.Key()
		row, ok := rows[key]
		if !ok {
			row = &DailyAggregate{Date: start, Name: m.Name, Type: m.Type, Min: m.Value, Max: m.Value}
			rows[key] = row
		}
		row.Count++
		row.Sum += m.Value
		row.Min = math.Min(row.Min, m.Value)
		row.Max = math.Max(row.Max, m.Value)
		values[key] = append(values[key], m.Value)
	}

	for key, row := range rows {
		vals := values[key]
		sort.Float64s(vals)
		row.Avg = row.Sum / float64(row.Count)
		row.P95 = percentile(vals, 0.95)
		row.P99 = percentile(vals, 0.99)
		ms.daily[key] = *row
	}
	return int64(len(rows)), nil
}

// DailyAggregates returns the rollup rows stored for the UTC day containing day.
func (ms *MemStorage) DailyAggregates(day time.Time) []DailyAggregate {
	start := truncateDay(day.UTC())

	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var out []DailyAggregate
	for _, agg := range ms.daily {
		if agg.Date.Equal(start) {
			out = append(out, agg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
