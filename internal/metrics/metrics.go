package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the trustgroup collectors. A nil *Metrics is valid and records nothing,
// so tests and tools can skip registration.
type Metrics struct {
	AuditBlocksAppended     prometheus.Counter
	AuditChainCorruptions   prometheus.Counter
	AuditVerifications      *prometheus.CounterVec
	VotesCast               *prometheus.CounterVec
	ProposalsFinalized      *prometheus.CounterVec
	ContributionsTotal      prometheus.Counter
	ContributedAmountTotal  prometheus.Counter
	PINVerifications        *prometheus.CounterVec
	PINLockouts             prometheus.Counter
	OutboxPublished         prometheus.Counter
	OutboxFailures          prometheus.Counter
	DisbursementEvents      *prometheus.CounterVec
	StoreOperationDurations *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AuditBlocksAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustgroup_audit_blocks_appended_total",
			Help: "Total number of audit blocks appended across all group chains",
		}),
		AuditChainCorruptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "audit_chain_corruptions_total",
			Help: "Total number of audit chain corruptions detected",
		}),
		AuditVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgroup_audit_verifications_total",
			Help: "Total number of audit chain verifications by result",
		}, []string{"result"}),
		VotesCast: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgroup_votes_cast_total",
			Help: "Total number of votes cast by subject kind and vote type",
		}, []string{"subject_kind", "vote_type"}),
		ProposalsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgroup_proposals_finalized_total",
			Help: "Total number of proposals finalized by subject kind and outcome",
		}, []string{"subject_kind", "outcome"}),
		ContributionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustgroup_contributions_total",
			Help: "Total number of recorded contributions",
		}),
		ContributedAmountTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustgroup_contributed_amount_minor_units_total",
			Help: "Sum of contributed amounts in minor currency units",
		}),
		PINVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgroup_pin_verifications_total",
			Help: "Total number of wallet PIN verifications by result",
		}, []string{"result"}),
		PINLockouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustgroup_pin_lockouts_total",
			Help: "Total number of wallet PIN lockouts applied",
		}),
		OutboxPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustgroup_outbox_published_total",
			Help: "Total number of outbox messages published to the broker",
		}),
		OutboxFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustgroup_outbox_publish_failures_total",
			Help: "Total number of outbox publish attempts that failed",
		}),
		DisbursementEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgroup_disbursement_events_total",
			Help: "Total number of disbursement status events handled by status",
		}, []string{"status"}),
		StoreOperationDurations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trustgroup_operation_duration_seconds",
			Help:    "Duration of service operations in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"operation"}),
	}
}

func (m *Metrics) IncrementAuditBlocks() {
	if m == nil {
		return
	}
	m.AuditBlocksAppended.Inc()
}

func (m *Metrics) IncrementChainCorruptions() {
	if m == nil {
		return
	}
	m.AuditChainCorruptions.Inc()
}

func (m *Metrics) RecordVerification(valid bool) {
	if m == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "corrupt"
	}
	m.AuditVerifications.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordVote(subjectKind, voteType string) {
	if m == nil {
		return
	}
	m.VotesCast.WithLabelValues(subjectKind, voteType).Inc()
}

func (m *Metrics) RecordFinalization(subjectKind, outcome string) {
	if m == nil {
		return
	}
	m.ProposalsFinalized.WithLabelValues(subjectKind, outcome).Inc()
}

func (m *Metrics) RecordContribution(amount int64) {
	if m == nil {
		return
	}
	m.ContributionsTotal.Inc()
	m.ContributedAmountTotal.Add(float64(amount))
}

func (m *Metrics) RecordPINVerification(result string) {
	if m == nil {
		return
	}
	m.PINVerifications.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementPINLockouts() {
	if m == nil {
		return
	}
	m.PINLockouts.Inc()
}

func (m *Metrics) IncrementOutboxPublished() {
	if m == nil {
		return
	}
	m.OutboxPublished.Inc()
}

func (m *Metrics) IncrementOutboxFailures() {
	if m == nil {
		return
	}
	m.OutboxFailures.Inc()
}

func (m *Metrics) RecordDisbursementEvent(status string) {
	if m == nil {
		return
	}
	m.DisbursementEvents.WithLabelValues(status).Inc()
}

// ObserveOperation records the duration of a service operation in seconds.
func (m *Metrics) ObserveOperation(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.StoreOperationDurations.WithLabelValues(operation).Observe(seconds)
}
