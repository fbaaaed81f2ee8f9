package observer

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewPrometheusRecorder(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	r.SessionStarted("python")
	r.SessionStarted("python")
	r.SessionEnded("python", "exited", time.Second)
	r.ObserveOutput("python", "stdout", 42)
	r.ObserveRejected("CAPACITY_EXCEEDED")

	if got := testutil.ToFloat64(r.active.WithLabelValues("python")); got != 1 {
		t.Errorf("expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(r.ended.WithLabelValues("python", "exited")); got != 1 {
		t.Errorf("expected 1 ended session, got %v", got)
	}
	if got := testutil.ToFloat64(r.output.WithLabelValues("python", "stdout")); got != 42 {
		t.Errorf("expected 42 output bytes, got %v", got)
	}
	if got := testutil.ToFloat64(r.rejected.WithLabelValues("CAPACITY_EXCEEDED")); got != 1 {
		t.Errorf("expected 1 rejection, got %v", got)
	}
}

func TestPrometheusRecorderDoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusRecorder(reg); err != nil {
		t.Fatal(err)
	}
	if _, err := NewPrometheusRecorder(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

var _ MetricsRecorder = NoopMetricsRecorder{}
var _ MetricsRecorder = (*PrometheusRecorder)(nil)
