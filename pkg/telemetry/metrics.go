// Package telemetry exposes Prometheus metrics for the gateway.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway's collectors behind one registry so tests can
// create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	// ForwardsTotal counts forward attempts by outcome
	// (completed, timed_out, failed, rejected).
	ForwardsTotal *prometheus.CounterVec

	// ForwardDuration observes end-to-end relay time in seconds.
	ForwardDuration prometheus.Histogram

	// AuthFailuresTotal counts rejected credentials.
	AuthFailuresTotal prometheus.Counter

	// PublishBytesTotal counts payload bytes accepted on the publish path.
	PublishBytesTotal prometheus.Counter
}

// New creates and registers the gateway collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		ForwardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgebridge_forwards_total",
			Help: "Forward attempts by outcome.",
		}, []string{"outcome"}),
		ForwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgebridge_forward_duration_seconds",
			Help:    "End-to-end forward relay duration.",
			Buckets: prometheus.DefBuckets,
		}),
		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgebridge_auth_failures_total",
			Help: "Requests rejected for credential failures.",
		}),
		PublishBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgebridge_publish_bytes_total",
			Help: "Payload bytes accepted on the publish path.",
		}),
	}

	registry.MustRegister(
		m.ForwardsTotal,
		m.ForwardDuration,
		m.AuthFailuresTotal,
		m.PublishBytesTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the /metrics endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
