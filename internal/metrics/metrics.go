// Package metrics exposes the gateway's Prometheus collectors. A Metrics
// value is constructed once at startup, handed to the Runtime, and passed
// explicitly to every component that needs it. New registers the
// collectors on Prometheus's default registerer; NewWithRegistry takes an
// explicit one.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the gateway registers.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec

	AdmissionsTotal   *prometheus.CounterVec
	AdmissionDuration *prometheus.HistogramVec

	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	SettlementMicroTotal *prometheus.CounterVec
	OverrunTotal         *prometheus.CounterVec

	RateLimitDeniedTotal *prometheus.CounterVec

	DatabaseQueriesTotal  *prometheus.CounterVec
	DatabaseQueryDuration *prometheus.HistogramVec

	RecoverySweptTotal *prometheus.CounterVec

	ServiceInfo *prometheus.GaugeVec
}

// New builds a Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry builds a Metrics instance registered against registerer.
// Tests pass a fresh prometheus.NewRegistry() to avoid collisions with
// other tests in the same process.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "aex_http_requests_total", Help: "Total HTTP requests."},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aex_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "aex_http_requests_in_flight", Help: "HTTP requests currently being handled."},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "aex_errors_total", Help: "Total errors by component and kind."},
			[]string{"component", "kind"},
		),
		AdmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "aex_admissions_total", Help: "Admission decisions by route and outcome."},
			[]string{"route", "outcome"}, // outcome: reserved, replayed, denied_budget, denied_rate_rpm, denied_rate_tpm, denied_policy, idempotency_conflict, paused, or an error outcome
		),
		AdmissionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aex_admission_duration_seconds",
				Help:    "Time spent in the admission pipeline (identity through reserve).",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "aex_dispatch_total", Help: "Dispatch outcomes by route and terminal state."},
			[]string{"route", "state"}, // state: committed, failed, released
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aex_dispatch_duration_seconds",
				Help:    "Upstream provider call duration.",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"route", "provider"},
		),
		SettlementMicroTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "aex_settlement_micro_total", Help: "Committed micro-units by model."},
			[]string{"model"},
		),
		OverrunTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "aex_overrun_total", Help: "Settlements that exceeded the reservation, by applied policy."},
			[]string{"policy"},
		),
		RateLimitDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "aex_rate_limit_denied_total", Help: "Requests denied by the rate limiter."},
			[]string{"dimension"}, // rpm, tpm
		),
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "aex_database_queries_total", Help: "Store queries by operation and status."},
			[]string{"operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aex_database_query_duration_seconds",
				Help:    "Store query duration in seconds.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
		RecoverySweptTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "aex_recovery_swept_total", Help: "Executions reconciled by the recovery sweep, by prior state."},
			[]string{"prior_state"},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "aex_service_info", Help: "Static service metadata."},
			[]string{"service", "version"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.AdmissionsTotal,
			m.AdmissionDuration,
			m.DispatchTotal,
			m.DispatchDuration,
			m.SettlementMicroTotal,
			m.OverrunTotal,
			m.RateLimitDeniedTotal,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.RecoverySweptTotal,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1").Set(1)

	return m
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, d time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// RecordError records an error attributed to component/kind.
func (m *Metrics) RecordError(component, kind string) {
	m.ErrorsTotal.WithLabelValues(component, kind).Inc()
}

// RecordAdmission records an admission decision.
func (m *Metrics) RecordAdmission(route, outcome string, d time.Duration) {
	m.AdmissionsTotal.WithLabelValues(route, outcome).Inc()
	m.AdmissionDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordDispatch records a terminal dispatch outcome.
func (m *Metrics) RecordDispatch(route, provider, state string, d time.Duration) {
	m.DispatchTotal.WithLabelValues(route, state).Inc()
	m.DispatchDuration.WithLabelValues(route, provider).Observe(d.Seconds())
}

// RecordSettlement records a commit's charged micro-units and, if the
// upstream usage exceeded the reservation, the overrun policy applied.
func (m *Metrics) RecordSettlement(model string, committedMicro int64, overrunPolicy string) {
	m.SettlementMicroTotal.WithLabelValues(model).Add(float64(committedMicro))
	if overrunPolicy != "" {
		m.OverrunTotal.WithLabelValues(overrunPolicy).Inc()
	}
}

// RecordRateLimitDenied records a rate-limit rejection along dimension
// ("rpm" or "tpm").
func (m *Metrics) RecordRateLimitDenied(dimension string) {
	m.RateLimitDeniedTotal.WithLabelValues(dimension).Inc()
}

// RecordDatabaseQuery records a store query's outcome and latency.
func (m *Metrics) RecordDatabaseQuery(operation, status string, d time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordRecoverySwept records executions reconciled by a recovery sweep.
func (m *Metrics) RecordRecoverySwept(priorState string, count int) {
	m.RecoverySweptTotal.WithLabelValues(priorState).Add(float64(count))
}

// IncInFlight and DecInFlight track concurrently-handled HTTP requests.
func (m *Metrics) IncInFlight() { m.RequestsInFlight.Inc() }
func (m *Metrics) DecInFlight() { m.RequestsInFlight.Dec() }
