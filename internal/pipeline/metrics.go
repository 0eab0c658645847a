package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the governance pipeline.
type Metrics struct {
	VerdictsTotal   *prometheus.CounterVec
	VerdictLatency  *prometheus.HistogramVec
	JuryAbstentions prometheus.Counter
	EscrowHeld      prometheus.Counter
	LedgerFailures  prometheus.Counter
	AdmissionDrops  *prometheus.CounterVec
	EntropyScore    prometheus.Histogram
}

// NewMetrics creates and registers all pipeline metrics with the given
// registerer (nil uses the default registry).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		VerdictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "govern_verdicts_total",
				Help: "Verdicts returned, by class and reason code",
			},
			[]string{"tenant_id", "class", "reason_code"},
		),
		VerdictLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "govern_verdict_latency_seconds",
				Help:    "End-to-end latency from admission to ledger commit",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
			},
			[]string{"tenant_id"},
		),
		JuryAbstentions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "govern_jury_abstentions_total",
				Help: "Juror ballots counted as ABSTAIN due to timeout or error",
			},
		),
		EscrowHeld: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "govern_escrow_held_total",
				Help: "Payloads placed in escrow",
			},
		),
		LedgerFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "govern_ledger_append_failures_total",
				Help: "Ledger appends that failed and surfaced as RPC errors",
			},
		),
		AdmissionDrops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "govern_admission_rejections_total",
				Help: "Requests blocked as overloaded before entering the pipeline",
			},
			[]string{"tenant_id"},
		),
		EntropyScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "govern_payload_entropy_bits",
				Help:    "Shannon entropy of governed payloads",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 6.5, 7, 7.5, 8},
			},
		),
	}
}
