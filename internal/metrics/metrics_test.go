package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRun_Outcomes(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordRun(true, true, 2*time.Second)
	m.RecordRun(true, false, time.Second)
	m.RecordRun(false, false, time.Second)

	if got := testutil.ToFloat64(m.PipelineRuns.WithLabelValues("success")); got != 2 {
		t.Errorf("expected 2 successful runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.PipelineRuns.WithLabelValues("failed")); got != 1 {
		t.Errorf("expected 1 failed run, got %v", got)
	}
	if got := testutil.ToFloat64(m.SummaryFallbacks); got != 1 {
		t.Errorf("expected 1 fallback, got %v", got)
	}
}

func TestRecordStep_CountsFailures(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordStep("merge", true, 10*time.Millisecond)
	m.RecordStep("transcribe", false, time.Second)
	m.RecordStep("transcribe", false, time.Second)

	if got := testutil.ToFloat64(m.StepFailures.WithLabelValues("transcribe")); got != 2 {
		t.Errorf("expected 2 transcribe failures, got %v", got)
	}
	if got := testutil.ToFloat64(m.StepFailures.WithLabelValues("merge")); got != 0 {
		t.Errorf("expected no merge failures, got %v", got)
	}
}

func TestSessionAndFragmentMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordSessionStarted()
	m.RecordSessionRejected("already_recording")
	m.SetActiveSessions(3)
	m.RecordFragment(4096)
	m.SetQueueDepth(2)

	if got := testutil.ToFloat64(m.SessionsStarted); got != 1 {
		t.Errorf("expected 1 started session, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsRejected.WithLabelValues("already_recording")); got != 1 {
		t.Errorf("expected 1 rejection, got %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 3 {
		t.Errorf("expected 3 active sessions, got %v", got)
	}
	if got := testutil.ToFloat64(m.FragmentsAccepted); got != 1 {
		t.Errorf("expected 1 fragment, got %v", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 2 {
		t.Errorf("expected queue depth 2, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordSessionStarted()
	m.RecordSessionRejected("x")
	m.SetActiveSessions(1)
	m.RecordFragment(1)
	m.RecordStep("merge", false, time.Second)
	m.RecordRun(false, true, time.Second)
	m.SetQueueDepth(1)
	m.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)
}

func TestNew_SeparateRegistries(t *testing.T) {
	// Registering twice on distinct registries must not panic.
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
