package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the verification engine's Prometheus instruments.
type Metrics struct {
	Issued           *prometheus.CounterVec
	IssueRateLimited *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
	VerifyOutcomes   *prometheus.CounterVec
	VerifyLatency    *prometheus.HistogramVec
	StoreErrors      *prometheus.CounterVec
	Purged           prometheus.Counter
	CleanupRuns      *prometheus.CounterVec
	CleanupDuration  prometheus.Histogram
	LimiterDegraded  prometheus.Counter
}

// New registers on the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Issued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proz_verification_issued_total",
			Help: "Credentials issued, by purpose",
		}, []string{"purpose"}),
		IssueRateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proz_verification_issue_rate_limited_total",
			Help: "Issue calls refused by the per-subject window",
		}, []string{"purpose"}),
		DeliveryFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proz_verification_delivery_failures_total",
			Help: "Issued credentials whose delivery returned an error",
		}, []string{"purpose", "channel"}),
		VerifyOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proz_verification_verify_outcomes_total",
			Help: "Verify results, by purpose and outcome",
		}, []string{"purpose", "outcome"}),
		VerifyLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proz_verification_verify_duration_seconds",
			Help:    "Verify latency including store round trips",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"purpose"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proz_verification_store_errors_total",
			Help: "Credential store failures surfaced as unavailable",
		}, []string{"operation"}),
		Purged: f.NewCounter(prometheus.CounterOpts{
			Name: "proz_verification_purged_total",
			Help: "Terminal credentials deleted by purge",
		}),
		CleanupRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proz_verification_cleanup_runs_total",
			Help: "Cleanup worker runs, by status",
		}, []string{"status"}),
		CleanupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "proz_verification_cleanup_duration_seconds",
			Help:    "Cleanup worker run duration",
			Buckets: prometheus.DefBuckets,
		}),
		LimiterDegraded: f.NewCounter(prometheus.CounterOpts{
			Name: "proz_verification_limiter_degraded_total",
			Help: "Issuance checks answered by the fallback counter",
		}),
	}
}

func (m *Metrics) IncIssued(purpose string) {
	m.Issued.WithLabelValues(purpose).Inc()
}

func (m *Metrics) IncRateLimited(purpose string) {
	m.IssueRateLimited.WithLabelValues(purpose).Inc()
}

func (m *Metrics) IncDeliveryFailure(purpose, channel string) {
	m.DeliveryFailures.WithLabelValues(purpose, channel).Inc()
}

func (m *Metrics) ObserveVerify(purpose, outcome string, d time.Duration) {
	m.VerifyOutcomes.WithLabelValues(purpose, outcome).Inc()
	m.VerifyLatency.WithLabelValues(purpose).Observe(d.Seconds())
}

func (m *Metrics) IncStoreError(op string) {
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) AddPurged(n int) {
	m.Purged.Add(float64(n))
}

func (m *Metrics) ObserveCleanup(status string, d time.Duration) {
	m.CleanupRuns.WithLabelValues(status).Inc()
	m.CleanupDuration.Observe(d.Seconds())
}

func (m *Metrics) IncLimiterDegraded() {
	m.LimiterDegraded.Inc()
}
