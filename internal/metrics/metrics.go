// Package metrics holds the Prometheus collectors for compilation, the module
// cache and transform execution. A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "plugin_runner"

// Metrics groups the collectors registered for one runner.
type Metrics struct {
	compiles          *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	transformDuration *prometheus.HistogramVec
	transformFailures *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		compiles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_compiles_total",
			Help:      "Plugin module compilations by result.",
		}, []string{"result"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_cache_lookups_total",
			Help:      "Module cache lookups by result (hit, miss, negative).",
		}, []string{"result"}),
		transformDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transform_duration_seconds",
			Help:      "Wall time of a single plugin transform call.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"plugin"}),
		transformFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_failures_total",
			Help:      "Failed plugin transform calls by error kind.",
		}, []string{"plugin", "kind"}),
	}
}

// ObserveCompile records a compilation attempt.
func (m *Metrics) ObserveCompile(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.compiles.WithLabelValues(result).Inc()
}

// ObserveCacheLookup records a module cache lookup; result is hit, miss or negative.
func (m *Metrics) ObserveCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveTransform records one transform call. kind is empty on success.
func (m *Metrics) ObserveTransform(plugin string, d time.Duration, kind string) {
	if m == nil {
		return
	}
	m.transformDuration.WithLabelValues(plugin).Observe(d.Seconds())
	if kind != "" {
		m.transformFailures.WithLabelValues(plugin, kind).Inc()
	}
}

// Expose serves gatherer on :port/metrics in the background.
func Expose(port int, gatherer prometheus.Gatherer) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	go func() {
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
	}()
}
