package models

import "time"

const (
	DefaultSummaryHours = 24
	DefaultSummaryLimit = 100
)

// SummaryFilter narrows a summary query. Zero values mean "no filter" except
// Hours and Limit, which fall back to the defaults.
type SummaryFilter struct {
	Hours int
	Name  string
	Type  MetricType
	Level Level
	Limit int
}

// Normalize fills Hours and Limit with defaults when unset.
func (f SummaryFilter) Normalize() SummaryFilter {
	if f.Hours <= 0 {
		f.Hours = DefaultSummaryHours
	}
	if f.Limit <= 0 {
		f.Limit = DefaultSummaryLimit
	}
	return f
}

// MetricSummary holds persisted statistics for one name and type.
type MetricSummary struct {
	Name         string     `json:"name"`
	Type         MetricType `json:"type"`
	Count        int64      `json:"count"`
	Avg          float64    `json:"avg"`
	Min          float64    `json:"min"`
	Max          float64    `json:"max"`
	P95          float64    `json:"p95"`
	P99          float64    `json:"p99"`
	ErrorCount   int64      `json:"error_count"`
	WarningCount int64      `json:"warning_count"`
	FirstSeen    time.Time  `json:"first_seen"`
	LastSeen     time.Time  `json:"last_seen"`
	LatestTags   Tags       `json:"latest_tags,omitempty"`
}

// MetricsSummary is the result of a summary query over persisted metrics.
type MetricsSummary struct {
	PeriodHours    int             `json:"period_hours"`
	TotalMetrics   int64           `json:"total_metrics"`
	UniqueMetrics  int64           `json:"unique_metrics"`
	ErrorMetrics   int64           `json:"error_metrics"`
	WarningMetrics int64           `json:"warning_metrics"`
	GeneratedAt    time.Time       `json:"generated_at"`
	Metrics        []MetricSummary `json:"metrics"`
}
