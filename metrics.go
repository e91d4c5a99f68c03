package match

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names emitted by the engine.
const (
	MetricOrdersReceived  = "engine_orders_received_total"
	MetricOrdersMatched   = "engine_orders_matched_total"
	MetricOrdersCancelled = "engine_orders_cancelled_total"
	MetricOrderLatencyUS  = "engine_order_process_duration_us"
	MetricBookDepth       = "engine_book_depth"
	MetricRingUtilization = "engine_subscriber_ring_utilization"
)

// MetricsSink receives engine telemetry. Implementations are called on
// the order-processing path and must be fast and non-blocking.
type MetricsSink interface {
	CounterInc(name string, labels map[string]string)
	GaugeSet(name string, labels map[string]string, value float64)
	HistogramObserve(name string, value float64)
}

// NopMetrics discards all observations. It is the default sink.
type NopMetrics struct{}

func (NopMetrics) CounterInc(string, map[string]string)       {}
func (NopMetrics) GaugeSet(string, map[string]string, float64) {}
func (NopMetrics) HistogramObserve(string, float64)            {}

// PrometheusMetrics registers collectors lazily on first use. The label
// keys of a metric are fixed by its first observation.
type PrometheusMetrics struct {
	mu       sync.Mutex
	registry *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hists    map[string]prometheus.Histogram
}

// NewPrometheusMetrics creates a sink backed by its own registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
		hists:    make(map[string]prometheus.Histogram),
	}
}

// Registry exposes the underlying registry for scraping.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *PrometheusMetrics) CounterInc(name string, labels map[string]string) {
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelKeys(labels))
		m.registry.MustRegister(vec)
		m.counters[name] = vec
	}
	m.mu.Unlock()

	vec.With(prometheus.Labels(labels)).Inc()
}

func (m *PrometheusMetrics) GaugeSet(name string, labels map[string]string, value float64) {
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelKeys(labels))
		m.registry.MustRegister(vec)
		m.gauges[name] = vec
	}
	m.mu.Unlock()

	vec.With(prometheus.Labels(labels)).Set(value)
}

func (m *PrometheusMetrics) HistogramObserve(name string, value float64) {
	m.mu.Lock()
	hist, ok := m.hists[name]
	if !ok {
		hist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name,
			Buckets: prometheus.ExponentialBuckets(1, 2, 20), // 1µs .. ~0.5s
		})
		m.registry.MustRegister(hist)
		m.hists[name] = hist
	}
	m.mu.Unlock()

	hist.Observe(value)
}
