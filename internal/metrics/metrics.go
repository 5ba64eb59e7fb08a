// Package metrics provides Prometheus instrumentation for the gatehouse
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only gatehouse metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the gatehouse server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	EvaluationsTotal      *prometheus.CounterVec
	EvaluationDuration    prometheus.Histogram
	SnapshotFlags         *prometheus.GaugeVec
	SnapshotLoadsTotal    prometheus.Counter
	SnapshotInvalidations prometheus.Counter
	AuthFailuresTotal     prometheus.Counter
	ActiveStreams         *prometheus.GaugeVec
}

// New creates and registers all gatehouse metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatehouse_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_flag_evaluations_total",
			Help: "Total number of flag evaluations by decision branch.",
		}, []string{"decision"}),

		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatehouse_flag_evaluation_duration_seconds",
			Help:    "Flag evaluation latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),

		SnapshotFlags: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatehouse_snapshot_flags",
			Help: "Number of flags in the active snapshot.",
		}, []string{"namespace"}),

		SnapshotLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatehouse_snapshot_loads_total",
			Help: "Total number of snapshot rebuilds from the database.",
		}),

		SnapshotInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatehouse_snapshot_invalidations_total",
			Help: "Total number of NOTIFY-triggered snapshot invalidations.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatehouse_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatehouse_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.SnapshotFlags,
		m.SnapshotLoadsTotal,
		m.SnapshotInvalidations,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation increments the evaluation counter for the given decision
// branch and observes the evaluation duration.
func (m *Metrics) RecordEvaluation(decision string, seconds float64) {
	m.EvaluationsTotal.WithLabelValues(decision).Inc()
	m.EvaluationDuration.Observe(seconds)
}

// SetSnapshotFlags updates the flag count gauge for the given namespace.
func (m *Metrics) SetSnapshotFlags(namespace string, count float64) {
	m.SnapshotFlags.WithLabelValues(namespace).Set(count)
}

// ResetSnapshotFlags clears per-namespace gauges, used when a full rebuild
// drops namespaces.
func (m *Metrics) ResetSnapshotFlags() {
	m.SnapshotFlags.Reset()
}

// IncSnapshotLoads increments the snapshot rebuild counter.
func (m *Metrics) IncSnapshotLoads() {
	m.SnapshotLoadsTotal.Inc()
}

// IncSnapshotInvalidations increments the invalidation counter.
func (m *Metrics) IncSnapshotInvalidations() {
	m.SnapshotInvalidations.Inc()
}
