package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("api", "POST", "/commands/*path", 200, 12*time.Millisecond)
	RecordCommand("echo", "local", "success", 5*time.Millisecond)
	RecordLockWait("acquired", time.Millisecond)
	RecordTransportAttempt("POST", "connection_error")
	RecordQueueEvent("default", "enqueued")
	AddBusyWorkers("default", 1)
	AddBusyWorkers("default", -1)
	RecordScale("default", true)

	if got := testutil.ToFloat64(transportAttempts.WithLabelValues("POST", "connection_error")); got < 1 {
		t.Fatalf("expected transport attempt counter, got=%v", got)
	}
	if got := testutil.ToFloat64(workersActive.WithLabelValues("default")); got != 0 {
		t.Fatalf("unexpected busy workers gauge=%v", got)
	}
}
