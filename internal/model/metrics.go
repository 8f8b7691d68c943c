// Package models defines the data structures used throughout the metrics collector.
package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// MetricType is the kind of telemetry a metric carries.
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
	Summary   MetricType = "summary"
	Rate      MetricType = "rate"
)

var metricTypes = []MetricType{Counter, Gauge, Histogram, Timer, Summary, Rate}

// Valid reports whether t is one of the known metric types.
func (t MetricType) Valid() bool {
	for _, known := range metricTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseMetricType converts a case-insensitive name into a MetricType.
func ParseMetricType(s string) (MetricType, error) {
	t := MetricType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown metric type %q", s)
	}
	return t, nil
}

// Level is the importance of a metric.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical:
		return true
	}
	return false
}

// ParseLevel converts a case-insensitive name into a Level. An empty string
// yields LevelInfo.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return LevelInfo, nil
	}
	l := Level(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown metric level %q", s)
	}
	return l, nil
}

// Metric is one observed telemetry event. It is never mutated once built.
type Metric struct {
	// Name is the metric identifier, e.g. "etl.records.inserted"
	Name string `json:"name"`

	// Value is always finite
	Value float64 `json:"value"`

	Type      MetricType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`

	// Tags segment the metric; there is no schema per metric name
	Tags Tags `json:"tags,omitempty"`

	Level       Level  `json:"level"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
	Unit        string `json:"unit,omitempty"`
	Metadata    Tags   `json:"metadata,omitempty"`
}

// Key returns the aggregate key of the metric.
func (m Metric) Key() string {
	return AggregateKey(m.Name, m.Type)
}

// AggregateKey builds the "name:type" key aggregates are indexed by.
func AggregateKey(name string, typ MetricType) string {
	return name + ":" + string(typ)
}

// Aggregate is the running summary of every metric sharing a name and type.
type Aggregate struct {
	Name      string     `json:"name"`
	Type      MetricType `json:"type"`
	Count     int64      `json:"count"`
	Sum       float64    `json:"sum"`
	Min       float64    `json:"min"`
	Max       float64    `json:"max"`
	Avg       float64    `json:"avg"`
	LastValue float64    `json:"last_value"`
	FirstSeen time.Time  `json:"first_seen"`
	LastSeen  time.Time  `json:"last_seen"`
}

// NewAggregate returns an empty aggregate for the given key parts.
func NewAggregate(name string, typ MetricType) *Aggregate {
	return &Aggregate{
		Name: name,
		Type: typ,
		Min:  math.Inf(1),
		Max:  math.Inf(-1),
	}
}

// Update folds m into the aggregate.
func (a *Aggregate) Update(m Metric) {
	a.Count++
	a.Sum += m.Value
	if m.Value < a.Min {
		a.Min = m.Value
	}
	if m.Value > a.Max {
		a.Max = m.Value
	}
	a.Avg = a.Sum / float64(a.Count)
	a.LastValue = m.Value
	if a.FirstSeen.IsZero() {
		a.FirstSeen = m.Timestamp
	}
	a.LastSeen = m.Timestamp
}

// MetricDTO represents a metric in HTTP requests.
type MetricDTO struct {
	Name string `json:"name"`

	// Value is a pointer so a missing value can be told apart from zero
	Value *float64 `json:"value"`

	// Type defaults to gauge when empty
	Type string `json:"type,omitempty"`

	Tags        Tags       `json:"tags,omitempty"`
	Level       string     `json:"level,omitempty"`
	Description string     `json:"description,omitempty"`
	Source      string     `json:"source,omitempty"`
	Unit        string     `json:"unit,omitempty"`
	Metadata    Tags       `json:"metadata,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// PoolStats is a snapshot of the storage connection pool.
type PoolStats struct {
	TotalConns     int32 `json:"total_conns"`
	IdleConns      int32 `json:"idle_conns"`
	AcquiredConns  int32 `json:"acquired_conns"`
	MaxConns       int32 `json:"max_conns"`
	AcquireCount   int64 `json:"acquire_count"`
	ExhaustedCount int64 `json:"exhausted_count"`
}
