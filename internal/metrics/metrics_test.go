package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetContainerState(t *testing.T) {
	SetContainerState("running")
	if got := testutil.ToFloat64(containerUp); got != 1 {
		t.Fatalf("expected container_up=1, got %v", got)
	}
	if got := testutil.ToFloat64(containerState.WithLabelValues("running")); got != 1 {
		t.Fatalf("expected running=1, got %v", got)
	}

	SetContainerState("exited")
	if got := testutil.ToFloat64(containerUp); got != 0 {
		t.Fatalf("expected container_up=0, got %v", got)
	}
	if got := testutil.ToFloat64(containerState.WithLabelValues("running")); got != 0 {
		t.Fatalf("expected running=0, got %v", got)
	}
	if got := testutil.ToFloat64(containerState.WithLabelValues("exited")); got != 1 {
		t.Fatalf("expected exited=1, got %v", got)
	}
}

func TestRecordAction(t *testing.T) {
	before := testutil.ToFloat64(actionTotal.WithLabelValues("start", "already_running"))
	RecordAction("start", "already_running")
	after := testutil.ToFloat64(actionTotal.WithLabelValues("start", "already_running"))
	if after != before+1 {
		t.Fatalf("expected counter to increase by 1, got %v -> %v", before, after)
	}
}
