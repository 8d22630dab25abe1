// Package metrics exposes Prometheus instrumentation for the audit services.
// Every method is safe on a nil *Metrics so callers can run without metrics enabled.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wallet_audit"

// Metrics holds the collectors registered on a private registry
type Metrics struct {
	registry *prometheus.Registry

	// Work item transitions by audit type and disposition
	Transitions *prometheus.CounterVec

	// Anomalies by invariant and severity
	Anomalies *prometheus.CounterVec

	// Attempt duration by audit type
	AttemptDuration *prometheus.HistogramVec

	// Attempts currently running in this process
	InFlight prometheus.Gauge

	// Work items published by the dispatcher, by result
	Dispatched *prometheus.CounterVec

	// HTTP requests by method, route and status code
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with all collectors registered
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_item_transitions_total",
			Help:      "Work item transitions by audit type and disposition",
		}, []string{"audit_type", "disposition"}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Anomalies detected by invariant and severity",
		}, []string{"invariant", "severity"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Duration of audit attempts by audit type",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		}, []string{"audit_type"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attempts_in_flight",
			Help:      "Audit attempts currently running",
		}),
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_items_dispatched_total",
			Help:      "Work items published to the queue by result",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		m.Transitions,
		m.Anomalies,
		m.AttemptDuration,
		m.InFlight,
		m.Dispatched,
		m.HTTPRequests,
		m.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterDB adds connection pool statistics for db
func (m *Metrics) RegisterDB(db *sql.DB, name string) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(collectors.NewDBStatsCollector(db, name))
}

// Registry returns the registry backing the handler
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTransition counts a work item transition
func (m *Metrics) ObserveTransition(auditType domain.AuditType, disposition string) {
	if m != nil {
		m.Transitions.WithLabelValues(string(auditType), disposition).Inc()
	}
}

// ObserveAttempt records the duration of one attempt
func (m *Metrics) ObserveAttempt(auditType domain.AuditType, d time.Duration) {
	if m != nil {
		m.AttemptDuration.WithLabelValues(string(auditType)).Observe(d.Seconds())
	}
}

// AttemptInFlight adjusts the running attempts gauge
func (m *Metrics) AttemptInFlight(delta int) {
	if m != nil {
		m.InFlight.Add(float64(delta))
	}
}

// AnomalyDetected counts an anomaly
func (m *Metrics) AnomalyDetected(_ context.Context, _ *domain.WorkItem, _, _ string, outcome domain.Outcome) {
	if m != nil {
		m.Anomalies.WithLabelValues(outcome.Invariant, string(outcome.Severity)).Inc()
	}
}

// ObserveDispatch counts one publish attempt by the dispatcher
func (m *Metrics) ObserveDispatch(err error) {
	if m == nil {
		return
	}
	result := "published"
	if err != nil {
		result = "error"
	}
	m.Dispatched.WithLabelValues(result).Inc()
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
