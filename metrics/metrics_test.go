package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.JobClaimed()
	m.JobFinished()
	m.JobCompleted()
	m.JobFailed(true)
	m.JobsRecoveredAdd(1, 1)
	m.ObserveStep("generate_strategy", time.Second)
	m.Webhook("delivery", "applied")
	m.ApprovalDecided("strategy", "approved")
	m.ObserveApprovalWait("strategy", time.Second)
}

func TestMetrics_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobClaimed()
	m.JobClaimed()
	m.JobFinished()
	m.JobFailed(false)
	m.JobFailed(true)
	m.JobFailed(true)
	m.Webhook("inbound-reply", "duplicate")

	if got := testutil.ToFloat64(m.JobsClaimed); got != 2 {
		t.Fatalf("expected 2 claims, got %v", got)
	}
	if got := testutil.ToFloat64(m.JobsInFlight); got != 1 {
		t.Fatalf("expected 1 in flight, got %v", got)
	}
	if got := testutil.ToFloat64(m.JobsFailed.WithLabelValues("terminal")); got != 2 {
		t.Fatalf("expected 2 terminal failures, got %v", got)
	}
	if got := testutil.ToFloat64(m.WebhooksReceived.WithLabelValues("inbound-reply", "duplicate")); got != 1 {
		t.Fatalf("expected 1 duplicate webhook, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered metric families")
	}
}
