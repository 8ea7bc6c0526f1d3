package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RecordsReserved        *prometheus.CounterVec
	ChainIntegrityFailures prometheus.Counter
	ChainLockWait          prometheus.Histogram
	Submissions            *prometheus.CounterVec
	AuthorityLatency       *prometheus.HistogramVec
	CertificateOperations  *prometheus.CounterVec
	ReconcileResults       *prometheus.CounterVec
	AuditEvents            *prometheus.CounterVec
	HTTPLatency            *prometheus.HistogramVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers metrics on reg; tests pass a fresh registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsReserved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "verifactu_chain_records_reserved_total",
			Help: "Chain records appended, by environment",
		}, []string{"environment"}),
		ChainIntegrityFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "verifactu_chain_integrity_failures_total",
			Help: "Chain integrity failures detected before extending a chain",
		}),
		ChainLockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "verifactu_chain_lock_wait_seconds",
			Help:    "Time spent waiting for the per-chain append lock",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "verifactu_submissions_total",
			Help: "Submissions to the tax authority, by environment and outcome",
		}, []string{"environment", "outcome"}),
		AuthorityLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "verifactu_authority_request_seconds",
			Help:    "Round trip latency of tax authority calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		CertificateOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "verifactu_certificate_operations_total",
			Help: "Certificate vault operations, by operation and result",
		}, []string{"operation", "result"}),
		ReconcileResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "verifactu_reconcile_records_total",
			Help: "Reconciled records, by classification",
		}, []string{"status"}),
		AuditEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "verifactu_audit_events_total",
			Help: "Audit events appended, by event type",
		}, []string{"event_type"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "verifactu_http_request_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) IncRecordsReserved(environment string) {
	if m == nil {
		return
	}
	m.RecordsReserved.WithLabelValues(environment).Inc()
}

func (m *Metrics) IncChainIntegrityFailure() {
	if m == nil {
		return
	}
	m.ChainIntegrityFailures.Inc()
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.ChainLockWait.Observe(d.Seconds())
}

func (m *Metrics) IncSubmission(environment, outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(environment, outcome).Inc()
}

func (m *Metrics) ObserveAuthorityLatency(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.AuthorityLatency.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) IncCertificateOperation(operation, result string) {
	if m == nil {
		return
	}
	m.CertificateOperations.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) AddReconcileResult(status string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReconcileResults.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) IncAuditEvent(eventType string) {
	if m == nil {
		return
	}
	m.AuditEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPLatency.WithLabelValues(method, route, status).Observe(d.Seconds())
}
