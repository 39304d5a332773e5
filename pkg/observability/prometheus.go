package observability

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics on a private Prometheus registry.
// Vectors are created on first use; the label set of a metric is fixed by
// the tags passed on that first call. Later calls fill missing labels with
// an empty value and ignore unknown ones.
type PrometheusMetrics struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labels     map[string][]string
}

// NewPrometheusMetrics creates a collector that registers Go runtime and
// process collectors alongside application metrics.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &PrometheusMetrics{
		namespace:  namespace,
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labels:     make(map[string][]string),
	}
}

// Registry exposes the underlying registry.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PrometheusMetrics) Counter(name string, value int64, tags ...Tag) {
	if value <= 0 {
		return
	}
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		names := labelNames(tags)
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      metricName(name),
			Help:      helpText(name),
		}, names)
		if !m.register(name, names, vec) {
			m.mu.Unlock()
			return
		}
		m.counters[name] = vec
	}
	values := m.labelValues(name, tags)
	m.mu.Unlock()

	vec.WithLabelValues(values...).Add(float64(value))
}

func (m *PrometheusMetrics) Gauge(name string, value float64, tags ...Tag) {
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		names := labelNames(tags)
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      metricName(name),
			Help:      helpText(name),
		}, names)
		if !m.register(name, names, vec) {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = vec
	}
	values := m.labelValues(name, tags)
	m.mu.Unlock()

	vec.WithLabelValues(values...).Set(value)
}

func (m *PrometheusMetrics) Histogram(name string, value float64, tags ...Tag) {
	m.observe(name, prometheus.DefBuckets, value, tags)
}

// Timing records the duration in seconds under name + "_seconds".
func (m *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...Tag) {
	m.observe(name+"_seconds", prometheus.DefBuckets, duration.Seconds(), tags)
}

func (m *PrometheusMetrics) observe(name string, buckets []float64, value float64, tags []Tag) {
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		names := labelNames(tags)
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      metricName(name),
			Help:      helpText(name),
			Buckets:   buckets,
		}, names)
		if !m.register(name, names, vec) {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = vec
	}
	values := m.labelValues(name, tags)
	m.mu.Unlock()

	vec.WithLabelValues(values...).Observe(value)
}

// register must be called with mu held.
func (m *PrometheusMetrics) register(name string, names []string, c prometheus.Collector) bool {
	if err := m.registry.Register(c); err != nil {
		return false
	}
	m.labels[name] = names
	return true
}

// labelValues must be called with mu held.
func (m *PrometheusMetrics) labelValues(name string, tags []Tag) []string {
	names := m.labels[name]
	values := make([]string, len(names))
	for i, n := range names {
		for _, t := range tags {
			if labelName(t.Key) == n {
				values[i] = t.Value
				break
			}
		}
	}
	return values
}

func labelNames(tags []Tag) []string {
	names := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		n := labelName(t.Key)
		if seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var nameReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

func metricName(name string) string {
	return nameReplacer.Replace(name)
}

func labelName(key string) string {
	return nameReplacer.Replace(key)
}

func helpText(name string) string {
	return strings.ReplaceAll(metricName(name), "_", " ")
}

var _ Metrics = (*PrometheusMetrics)(nil)
