package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
// Services accept a nil *Metrics; every helper is nil-safe.
type Metrics struct {
	AuditAppends             *prometheus.CounterVec
	AuditAppendFailures      prometheus.Counter
	AuditStreamFailures      prometheus.Counter
	AuditVerifications       *prometheus.CounterVec
	AuditBackfillUpdated     prometheus.Counter
	DSRRequests              *prometheus.CounterVec
	DSRSweepOutcomes         *prometheus.CounterVec
	DSRSweepDuration         prometheus.Histogram
	DSRSessionRevokeFailures prometheus.Counter
	HTTPLatency              *prometheus.HistogramVec
}

// New creates and registers all metrics on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AuditAppends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custodian_audit_appends_total",
			Help: "Audit entries appended, by severity",
		}, []string{"severity"}),
		AuditAppendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "custodian_audit_append_failures_total",
			Help: "Audit appends that failed to persist",
		}),
		AuditStreamFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "custodian_audit_stream_failures_total",
			Help: "Audit entries that could not be mirrored to the SIEM topic",
		}),
		AuditVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custodian_audit_verifications_total",
			Help: "Audit entry verifications, by result (verified, tampered, missing_hash)",
		}, []string{"result"}),
		AuditBackfillUpdated: f.NewCounter(prometheus.CounterOpts{
			Name: "custodian_audit_backfill_updated_total",
			Help: "Legacy audit entries that received an integrity hash",
		}),
		DSRRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custodian_dsr_requests_total",
			Help: "Data subject request operations, by type and outcome",
		}, []string{"type", "outcome"}),
		DSRSweepOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custodian_dsr_sweep_requests_total",
			Help: "Erasure requests handled by the sweep, by outcome",
		}, []string{"outcome"}),
		DSRSweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "custodian_dsr_sweep_duration_seconds",
			Help:    "Wall time of one erasure sweep",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		DSRSessionRevokeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "custodian_dsr_session_revoke_failures_total",
			Help: "Session or refresh token revocations that failed after an erasure request",
		}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "custodian_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) IncAuditAppend(severity string) {
	if m == nil {
		return
	}
	m.AuditAppends.WithLabelValues(severity).Inc()
}

func (m *Metrics) IncAuditAppendFailure() {
	if m == nil {
		return
	}
	m.AuditAppendFailures.Inc()
}

func (m *Metrics) IncAuditStreamFailure() {
	if m == nil {
		return
	}
	m.AuditStreamFailures.Inc()
}

func (m *Metrics) AddVerifications(verified, tampered, missing int) {
	if m == nil {
		return
	}
	m.AuditVerifications.WithLabelValues("verified").Add(float64(verified))
	m.AuditVerifications.WithLabelValues("tampered").Add(float64(tampered))
	m.AuditVerifications.WithLabelValues("missing_hash").Add(float64(missing))
}

func (m *Metrics) AddBackfillUpdated(n int) {
	if m == nil {
		return
	}
	m.AuditBackfillUpdated.Add(float64(n))
}

func (m *Metrics) IncDSRRequest(requestType, outcome string) {
	if m == nil {
		return
	}
	m.DSRRequests.WithLabelValues(requestType, outcome).Inc()
}

func (m *Metrics) AddSweepOutcome(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DSRSweepOutcomes.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) ObserveSweepDuration(seconds float64) {
	if m == nil {
		return
	}
	m.DSRSweepDuration.Observe(seconds)
}

func (m *Metrics) IncSessionRevokeFailure() {
	if m == nil {
		return
	}
	m.DSRSessionRevokeFailures.Inc()
}

func (m *Metrics) ObserveHTTP(route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPLatency.WithLabelValues(route, status).Observe(seconds)
}
