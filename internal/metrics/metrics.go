// Package metrics provides Prometheus metrics for the invalidator.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API and upstream latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Flush result label values.
const (
	FlushResultOK    = "ok"
	FlushResultError = "error"
	FlushResultEmpty = "empty"
)

// Metrics holds all Prometheus metric collectors for the invalidator.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	QueuedRequests  *prometheus.CounterVec
	PendingRequests prometheus.Gauge
	Flushes         *prometheus.CounterVec
	FlushedRequests prometheus.Counter

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamFailures  *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpcache_invalidator_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "httpcache_invalidator_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "httpcache_invalidator_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		QueuedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpcache_invalidator_queued_requests_total",
			Help: "Invalidation requests queued by operation, after per-server expansion.",
		}, []string{"operation"}),

		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "httpcache_invalidator_pending_requests",
			Help: "Invalidation requests waiting for the next flush.",
		}),

		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpcache_invalidator_flushes_total",
			Help: "Flush attempts by result (ok, error, empty).",
		}, []string{"result"}),

		FlushedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpcache_invalidator_flushed_requests_total",
			Help: "Invalidation requests handed to the transport.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "httpcache_invalidator_upstream_request_duration_seconds",
			Help:    "Proxy server call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpcache_invalidator_upstream_responses_total",
			Help: "Total proxy server responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpcache_invalidator_upstream_failures_total",
			Help: "Invalidation requests that failed (I/O error or non-2xx status).",
		}, []string{"method"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.QueuedRequests,
		m.PendingRequests,
		m.Flushes,
		m.FlushedRequests,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamFailures,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
	"PURGE": true, "BAN": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/invalidate", "/flush", "/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
