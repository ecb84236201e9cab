package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the handful of counters/histograms the HTTP surface
// exposes at /api/v1/metrics (spec.md §3 domain stack: wiring
// prometheus/client_golang, the ambient observability library the example
// pack reaches for alongside aistore's own stats package).
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	diffBuilds      prometheus.Counter
	diffCacheHits   prometheus.Counter
	registry        *prometheus.Registry
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bundlecore_http_requests_total",
			Help: "Total HTTP requests by route and status.",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "bundlecore_http_request_duration_seconds",
			Help: "HTTP request duration by route.",
		}, []string{"route"}),
		diffBuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bundlecore_diff_builds_total",
			Help: "Diff packages computed (cache misses that reached the diff engine).",
		}),
		diffCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bundlecore_diff_cache_hits_total",
			Help: "get_diff calls served from the catalog/object-store cache.",
		}),
		registry: reg,
	}
	reg.MustRegister(m.requests, m.requestDuration, m.diffBuilds, m.diffCacheHits)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route, status string, seconds float64) {
	m.requests.WithLabelValues(route, status).Inc()
	m.requestDuration.WithLabelValues(route).Observe(seconds)
}

func (m *Metrics) RecordDiffBuild()    { m.diffBuilds.Inc() }
func (m *Metrics) RecordDiffCacheHit() { m.diffCacheHits.Inc() }
