package quipodb

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance.
// If registry is nil a fresh registry is created.
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

func (p *PrometheusMetrics) registerDefaultMetrics() {
	factory := promauto.With(p.registry)
	providerLabels := []string{"provider", "op"}
	collectionLabels := []string{"collection"}

	p.counters[MetricProviderOps] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quipodb",
			Subsystem: "provider",
			Name:      "operations_total",
			Help:      "Total number of provider operations",
		},
		providerLabels,
	)

	p.counters[MetricProviderErrors] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quipodb",
			Subsystem: "provider",
			Name:      "errors_total",
			Help:      "Total number of failed provider operations",
		},
		providerLabels,
	)

	p.counters[MetricCircuitOpen] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quipodb",
			Subsystem: "circuit",
			Name:      "rejected_total",
			Help:      "Provider calls rejected by an open circuit breaker",
		},
		[]string{"provider"},
	)

	p.counters[MetricCacheHits] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quipodb",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		},
		collectionLabels,
	)

	p.counters[MetricCacheMisses] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quipodb",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		},
		collectionLabels,
	)

	p.counters[MetricQueryWrites] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quipodb",
			Subsystem: "query",
			Name:      "writes_total",
			Help:      "Documents written back by committed queries",
		},
		collectionLabels,
	)

	p.counters[MetricTTLExpired] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quipodb",
			Subsystem: "ttl",
			Name:      "expired_total",
			Help:      "Documents removed by the TTL sweep",
		},
		collectionLabels,
	)

	p.histograms[MetricProviderLatency] = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quipodb",
			Subsystem: "provider",
			Name:      "operation_duration_seconds",
			Help:      "Provider operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		providerLabels,
	)

	p.histograms[MetricQueryDuration] = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quipodb",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Query snapshot load duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		collectionLabels,
	)

	p.histograms[MetricQueryResults] = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quipodb",
			Subsystem: "query",
			Name:      "results",
			Help:      "Number of documents loaded into a query",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
		},
		collectionLabels,
	)

	p.gauges[MetricCollectionSize] = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "quipodb",
			Subsystem: "collection",
			Name:      "documents",
			Help:      "Documents currently mirrored in the cache",
		},
		collectionLabels,
	)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.mu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: metricName(name),
				Help: "Dynamic counter: " + name,
			},
			extractLabels(tags),
		)
		p.counters[name] = counter
	}
	p.mu.Unlock()

	counter.With(extractLabelValues(tags)).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.mu.Lock()
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricName(name),
				Help: "Dynamic gauge: " + name,
			},
			extractLabels(tags),
		)
		p.gauges[name] = gauge
	}
	p.mu.Unlock()

	gauge.With(extractLabelValues(tags)).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	p.mu.Lock()
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricName(name),
				Help:    "Dynamic histogram: " + name,
				Buckets: prometheus.DefBuckets,
			},
			extractLabels(tags),
		)
		p.histograms[name] = histogram
	}
	p.mu.Unlock()

	histogram.With(extractLabelValues(tags)).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// Registry returns the underlying Prometheus registry
func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

// metricName turns a dotted metric name into a valid Prometheus name.
func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// extractLabels extracts label names from tags (every even index)
func extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func extractLabelValues(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}
