// Package metrics defines the Prometheus collectors for harness runs and the
// fixture server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels.
const (
	ResultMatch    = "match"
	ResultMismatch = "mismatch"
	ResultError    = "error"
	ResultPass     = "pass"
	ResultFail     = "fail"
)

// Metrics holds all collectors on a private registry so several harness
// instances can coexist in one test binary.
type Metrics struct {
	registry *prometheus.Registry

	ComparisonsTotal        *prometheus.CounterVec
	ComparisonDuration      *prometheus.HistogramVec
	PagesWalkedTotal        prometheus.Counter
	WalksTotal              *prometheus.CounterVec
	SnapshotsValidatedTotal *prometheus.CounterVec
	ActiveListeners         prometheus.Gauge
	DocumentsSweptTotal     prometheus.Counter
	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ComparisonsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harness_comparisons_total",
				Help: "Dual-execution comparisons by result (match, mismatch, error).",
			},
			[]string{"result"},
		),
		ComparisonDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harness_comparison_duration_seconds",
				Help:    "Time to run both execution surfaces.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"result"},
		),
		PagesWalkedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "harness_pages_walked_total",
				Help: "Non-empty pages fetched by pagination walks.",
			},
		),
		WalksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harness_walks_total",
				Help: "Pagination walks by result (pass, error).",
			},
			[]string{"result"},
		),
		SnapshotsValidatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harness_snapshots_validated_total",
				Help: "Watch snapshots checked by the validator by result (pass, fail).",
			},
			[]string{"result"},
		),
		ActiveListeners: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "harness_active_listeners",
				Help: "Live query listeners.",
			},
		),
		DocumentsSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "harness_documents_swept_total",
				Help: "Expired documents deleted by the sweeper.",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harness_http_requests_total",
				Help: "Fixture server requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harness_http_request_duration_seconds",
				Help:    "Fixture server latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		m.ComparisonsTotal,
		m.ComparisonDuration,
		m.PagesWalkedTotal,
		m.WalksTotal,
		m.SnapshotsValidatedTotal,
		m.ActiveListeners,
		m.DocumentsSweptTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the scrape handler for this instance.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveComparison records one comparator run. Nil receivers are no-ops so
// callers can leave metrics unset.
func (m *Metrics) ObserveComparison(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ComparisonsTotal.WithLabelValues(result).Inc()
	m.ComparisonDuration.WithLabelValues(result).Observe(d.Seconds())
}

// ObserveWalk records a finished pagination walk.
func (m *Metrics) ObserveWalk(pages int, err error) {
	if m == nil {
		return
	}
	m.PagesWalkedTotal.Add(float64(pages))
	if err != nil {
		m.WalksTotal.WithLabelValues(ResultError).Inc()
		return
	}
	m.WalksTotal.WithLabelValues(ResultPass).Inc()
}

// ObserveSnapshot records one validator check.
func (m *Metrics) ObserveSnapshot(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SnapshotsValidatedTotal.WithLabelValues(ResultFail).Inc()
		return
	}
	m.SnapshotsValidatedTotal.WithLabelValues(ResultPass).Inc()
}

// SetActiveListeners updates the listener gauge.
func (m *Metrics) SetActiveListeners(n int) {
	if m == nil {
		return
	}
	m.ActiveListeners.Set(float64(n))
}

// ObserveSweep counts deleted documents.
func (m *Metrics) ObserveSweep(deleted int) {
	if m == nil {
		return
	}
	m.DocumentsSweptTotal.Add(float64(deleted))
}

// ObserveHTTP records one fixture-server request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
