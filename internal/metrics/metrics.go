// Package metrics provides Prometheus metrics for the launcher.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Startup can take much longer than a proxied call while the database pool warms up.
var startupBuckets = []float64{.05, .1, .25, .5, 1, 2, 4, 8, 15, 30, 60}

// Metrics holds all Prometheus metric collectors for the launcher.
type Metrics struct {
	Registry *prometheus.Registry

	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec

	BackendStarts          *prometheus.CounterVec
	BackendStartupDuration prometheus.Histogram

	BackendDuration  *prometheus.HistogramVec
	BackendResponses *prometheus.CounterVec

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "launcher_invocations_total",
			Help: "Total invocations by transport and outcome.",
		}, []string{"transport", "outcome"}),

		InvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "launcher_invocation_duration_seconds",
			Help:    "End-to-end invocation latency in seconds, including any backend startup.",
			Buckets: startupBuckets,
		}, []string{"transport"}),

		BackendStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "launcher_backend_starts_total",
			Help: "Backend startups attempted by this launcher, by result.",
		}, []string{"result"}),

		BackendStartupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "launcher_backend_startup_duration_seconds",
			Help:    "Time from spawn to confirmed readiness in seconds.",
			Buckets: startupBuckets,
		}),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "launcher_backend_request_duration_seconds",
			Help:    "Loopback backend call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		BackendResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "launcher_backend_responses_total",
			Help: "Total backend responses by method and status code.",
		}, []string{"method", "status_code"}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "launcher_http_requests_total",
			Help: "Total local invoke server HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "launcher_http_request_duration_seconds",
			Help:    "Local invoke server HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "launcher_http_requests_in_flight",
			Help: "Number of local invoke server HTTP requests currently being processed.",
		}),
	}

	reg.MustRegister(
		m.InvocationsTotal,
		m.InvocationDuration,
		m.BackendStarts,
		m.BackendStartupDuration,
		m.BackendDuration,
		m.BackendResponses,
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
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
var knownPrefixes = []string{"/invoke", "/2015-03-31", "/healthz", "/launcher/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
