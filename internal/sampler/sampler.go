// Package sampler records host and process telemetry into the collector.
package sampler

import (
	"context"
	"runtime"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/Schera-ole/logmetrics/internal/collector"
	models "github.com/Schera-ole/logmetrics/internal/model"
)

// Source is the source attached to every sampled metric.
const Source = "sampler"

// Recorder accepts sampled metrics.
type Recorder interface {
	Record(ctx context.Context, name string, value float64, typ models.MetricType, opts ...collector.RecordOption) error
}

type reading struct {
	name  string
	value float64
	unit  string
}

// HostSampler periodically records CPU, memory, load and Go runtime gauges.
type HostSampler struct {
	recorder Recorder
	interval time.Duration
	logger   *zap.SugaredLogger

	cpuPercent    func(ctx context.Context) ([]float64, error)
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	loadAvg       func(ctx context.Context) (*load.AvgStat, error)
}

func NewHostSampler(rec Recorder, interval time.Duration, logger *zap.SugaredLogger) *HostSampler {
	return &HostSampler{
		recorder: rec,
		interval: interval,
		logger:   logger,
		cpuPercent: func(ctx context.Context) ([]float64, error) {
			return cpu.PercentWithContext(ctx, 0, false)
		},
		virtualMemory: mem.VirtualMemoryWithContext,
		loadAvg:       load.AvgWithContext,
	}
}

func (s *HostSampler) collect(ctx context.Context) []reading {
	var readings []reading

	if percents, err := s.cpuPercent(ctx); err != nil {
		s.logger.Warnf("error getting cpu info %v", err)
	} else if len(percents) > 0 {
		readings = append(readings, reading{"host.cpu.percent", percents[0], "percent"})
	}

	if memory, err := s.virtualMemory(ctx); err != nil {
		s.logger.Warnf("error getting memory stats %v", err)
	} else {
		readings = append(readings,
			reading{"host.memory.used_percent", memory.UsedPercent, "percent"},
			reading{"host.memory.used_bytes", float64(memory.Used), "bytes"},
			reading{"host.memory.total_bytes", float64(memory.Total), "bytes"},
		)
	}

	if avg, err := s.loadAvg(ctx); err != nil {
		s.logger.Warnf("error getting load average %v", err)
	} else {
		readings = append(readings, reading{"host.load1", avg.Load1, ""})
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	readings = append(readings,
		reading{"process.goroutines", float64(runtime.NumGoroutine()), ""},
		reading{"process.heap_alloc_bytes", float64(memStats.HeapAlloc), "bytes"},
		reading{"process.gc_count", float64(memStats.NumGC), ""},
	)
	return readings
}

// Sample records one round of readings. Probe failures are logged and
// skipped; recording failures are returned.
func (s *HostSampler) Sample(ctx context.Context) error {
	var result *multierror.Error
	now := time.Now()
	for _, r := range s.collect(ctx) {
		opts := []collector.RecordOption{
			collector.WithSource(Source),
			collector.WithTimestamp(now),
		}
		if r.unit != "" {
			opts = append(opts, collector.WithUnit(r.unit))
		}
		if err := s.recorder.Record(ctx, r.name, r.value, models.Gauge, opts...); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Run samples immediately and then every interval until ctx is done.
func (s *HostSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Sample(ctx); err != nil {
			s.logger.Warnw("host sample not recorded", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
