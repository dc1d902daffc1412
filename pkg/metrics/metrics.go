// Package metrics exposes the gateway's request-path counters and
// histograms as a Prometheus registry, grounded on the corpus's
// promauto-based metrics containers (one struct of pre-registered
// collectors built once at startup, a single promhttp handler mounted at
// "/metrics"). This is a view over the same facts the JSON "/stats"
// endpoint reports (pkg/router's Status snapshots and pkg/telemetry's
// Record), not a replacement for them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the gateway exports.
type Registry struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	LoadsTotal      *prometheus.CounterVec
	EvictionsTotal  *prometheus.CounterVec
	TokensTotal     *prometheus.CounterVec
	LoadedModels    *prometheus.GaugeVec
}

// New registers and returns the gateway's Prometheus collectors.
func New() *Registry {
	return &Registry{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lemonade",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests handled, by path and status.",
		}, []string{"path", "status"}),

		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lemonade",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by path.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"path"}),

		LoadsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lemonade",
			Name:      "backend_loads_total",
			Help:      "Total backend load attempts, by model and outcome.",
		}, []string{"model", "outcome"}),

		EvictionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lemonade",
			Name:      "backend_evictions_total",
			Help:      "Total LRU evictions, by model type.",
		}, []string{"type"}),

		TokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lemonade",
			Name:      "tokens_total",
			Help:      "Total tokens processed, by model and direction (input/output).",
		}, []string{"model", "direction"}),

		LoadedModels: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lemonade",
			Name:      "loaded_models",
			Help:      "Currently loaded backend instances, by type.",
		}, []string{"type"}),
	}
}

// Handler returns the promhttp handler to mount at "/metrics".
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one completed HTTP request's path, status code,
// and latency.
func (r *Registry) ObserveRequest(path string, status int, seconds float64) {
	r.RequestsTotal.WithLabelValues(path, statusClass(status)).Inc()
	r.RequestDuration.WithLabelValues(path).Observe(seconds)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
