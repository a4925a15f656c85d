// Package metrics holds the Prometheus collectors shared by the worker,
// webhook, and approval paths. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "campaignflow"

type Metrics struct {
	JobsClaimed      prometheus.Counter
	JobsCompleted    prometheus.Counter
	JobsFailed       *prometheus.CounterVec
	JobsRecovered    *prometheus.CounterVec
	JobsInFlight     prometheus.Gauge
	StepDuration     *prometheus.HistogramVec
	WebhooksReceived *prometheus.CounterVec
	ApprovalsDecided *prometheus.CounterVec
	ApprovalWait     *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "claimed_total",
			Help: "Jobs claimed by this process.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "completed_total",
			Help: "Jobs that ran to a terminal workflow state.",
		}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "failed_total",
			Help: "Job failures by outcome (requeued or terminal).",
		}, []string{"outcome"}),
		JobsRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "recovered_total",
			Help: "Orphaned running jobs settled at startup.",
		}, []string{"outcome"}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "in_flight",
			Help: "Jobs currently executing in this process.",
		}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "workflow", Name: "step_duration_seconds",
			Help:    "Duration of one workflow step by action.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"action"}),
		WebhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "webhooks", Name: "received_total",
			Help: "Inbound webhooks by source and outcome.",
		}, []string{"source", "outcome"}),
		ApprovalsDecided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "approvals", Name: "decided_total",
			Help: "Approval decisions by kind and status.",
		}, []string{"kind", "status"}),
		ApprovalWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "approvals", Name: "wait_seconds",
			Help:    "Time a worker spent blocked at an approval gate.",
			Buckets: []float64{1, 10, 60, 600, 3600, 6 * 3600, 24 * 3600, 72 * 3600},
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.JobsClaimed, m.JobsCompleted, m.JobsFailed, m.JobsRecovered, m.JobsInFlight,
			m.StepDuration, m.WebhooksReceived, m.ApprovalsDecided, m.ApprovalWait,
		)
	}
	return m
}

func (m *Metrics) JobClaimed() {
	if m == nil {
		return
	}
	m.JobsClaimed.Inc()
	m.JobsInFlight.Inc()
}

func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
}

func (m *Metrics) JobCompleted() {
	if m == nil {
		return
	}
	m.JobsCompleted.Inc()
}

// JobFailed counts a failure; terminal reports whether retries are exhausted.
func (m *Metrics) JobFailed(terminal bool) {
	if m == nil {
		return
	}
	outcome := "requeued"
	if terminal {
		outcome = "terminal"
	}
	m.JobsFailed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) JobsRecoveredAdd(requeued, failed int) {
	if m == nil {
		return
	}
	m.JobsRecovered.WithLabelValues("requeued").Add(float64(requeued))
	m.JobsRecovered.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) ObserveStep(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) Webhook(source, outcome string) {
	if m == nil {
		return
	}
	m.WebhooksReceived.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) ApprovalDecided(kind, status string) {
	if m == nil {
		return
	}
	m.ApprovalsDecided.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ObserveApprovalWait(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.ApprovalWait.WithLabelValues(kind).Observe(d.Seconds())
}
