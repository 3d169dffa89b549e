package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/flybasist/linkwatch/internal/core"
	"github.com/flybasist/linkwatch/internal/retry"
)

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.CycleObserved(10*time.Millisecond, false)
	a.CycleObserved(time.Second, true)

	if got := testutil.ToFloat64(a.cycles); got != 2 {
		t.Fatalf("cycles = %v, want 2", got)
	}
	if got := testutil.ToFloat64(a.slowCycles); got != 1 {
		t.Fatalf("slow cycles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.cycles); got != 0 {
		t.Fatal("registries must not share collectors")
	}
}

func TestProcessorAndRetryMetrics(t *testing.T) {
	r := New()
	r.ProcessorObserved("resource_monitor", core.OutcomeSuccess, 5*time.Millisecond)
	r.ProcessorObserved("resource_monitor", core.OutcomeFailed, 5*time.Millisecond)
	r.ProcessorObserved("resource_monitor", core.OutcomeFailed, 5*time.Millisecond)
	r.TaskOutcome("pan115_save", retry.OutcomeRetry)
	r.QueueDepth(4)

	if got := testutil.ToFloat64(r.procOutcomes.WithLabelValues("resource_monitor", core.OutcomeFailed)); got != 2 {
		t.Fatalf("failed outcomes = %v", got)
	}
	if got := testutil.ToFloat64(r.retryOutcomes.WithLabelValues("pan115_save", retry.OutcomeRetry)); got != 1 {
		t.Fatalf("retry outcomes = %v", got)
	}
	if got := testutil.ToFloat64(r.retryDepth); got != 4 {
		t.Fatalf("retry depth = %v", got)
	}
}

func TestBatchMetrics(t *testing.T) {
	r := New()
	r.BatchFlushed("message_logs", 10, nil)
	r.BatchFlushed("message_logs", 5, errors.New("x"))
	r.BatchPending("message_logs", 5)

	if got := testutil.ToFloat64(r.batchRecords.WithLabelValues("message_logs")); got != 10 {
		t.Fatalf("records written = %v", got)
	}
	if got := testutil.ToFloat64(r.batchFlushes.WithLabelValues("message_logs", "error")); got != 1 {
		t.Fatalf("failed flushes = %v", got)
	}
	if got := testutil.ToFloat64(r.batchPending.WithLabelValues("message_logs")); got != 5 {
		t.Fatalf("pending = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.ResourceEvent("pan115", "captured")

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `linkwatch_resource_events_total{event="captured",link_type="pan115"} 1`) {
		t.Fatalf("metric not exposed:\n%s", body)
	}
}
