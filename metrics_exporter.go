package quipodb

import (
	"context"
	"sync"
	"time"
)

// Profile metric names, tagged with "op" and "source".
const (
	MetricProfileDuration  = "quipodb.profile.duration"
	MetricProfileSlow      = "quipodb.profile.slow"
	MetricProfileFallbacks = "quipodb.profile.fallbacks"
	MetricProfileErrors    = "quipodb.profile.errors"
)

// MetricsExporter drains a QueryProfiler into a Metrics collector
// (e.g., Prometheus) at a fixed interval.
type MetricsExporter struct {
	profiler *QueryProfiler
	metrics  Metrics
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMetricsExporter creates a new metrics exporter
func NewMetricsExporter(profiler *QueryProfiler, metrics Metrics, interval time.Duration) *MetricsExporter {
	return &MetricsExporter{
		profiler: profiler,
		metrics:  metrics,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start exports periodically until Stop is called or ctx is done. It
// blocks; run it in its own goroutine.
func (e *MetricsExporter) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.export()
		case <-e.stopCh:
			e.export()
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the exporter after a last export.
func (e *MetricsExporter) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// export sends the recorded profiles and clears them so nothing is
// exported twice.
func (e *MetricsExporter) export() {
	profiles := e.profiler.GetProfiles()
	e.profiler.Clear()

	for _, profile := range profiles {
		tags := []string{"op", profile.Op, "source", profile.Source}
		if profile.Error != nil && !IsNotFound(profile.Error) {
			e.metrics.Increment(MetricProfileErrors, tags...)
			continue
		}

		e.metrics.Timing(MetricProfileDuration, profile.Duration, tags...)
		if e.profiler.IsSlow(profile) {
			e.metrics.Increment(MetricProfileSlow, tags...)
		}
		if profile.Fallback {
			e.metrics.Increment(MetricProfileFallbacks, tags...)
		}
	}
}

// ExportOnce exports metrics once (useful for testing or manual export)
func (e *MetricsExporter) ExportOnce() {
	e.export()
}
