package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
)

func TestMiddlewareRecordsRequestsByPattern(t *testing.T) {
	m := NewHTTPServerMetrics("graphrag-api", nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := m.Middleware("graphrag-api", mux)

	for _, id := range []string{"a", "b"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/items/"+id, nil))
	}

	got := testutil.ToFloat64(m.requestTotal.WithLabelValues("graphrag-api", http.MethodGet, "GET /v1/items/{id}", "418"))
	if got != 2 {
		t.Fatalf("requests_total = %v, want 2", got)
	}
}

func TestRAGRecorders(t *testing.T) {
	m := NewHTTPServerMetrics("api", func() float64 { return 3 })

	m.RecordRAGRequest("api", "stream", "")
	m.RecordEvidence("api", "stream", 0)
	m.RecordEvidence("api", "stream", 4)
	m.RecordSourceFailures("api", []string{"graph", "graph", "sparse"})
	m.RecordTokenUsage("api", "stream", "qwen2.5", 100, 0)
	m.RecordOutcome("api", "stream", "error", "RETRIEVAL_UNAVAILABLE")
	m.RecordStage("api", "stream", "search", 0)

	if v := testutil.ToFloat64(m.ragRequestsTotal.WithLabelValues("api", "stream", "unknown")); v != 1 {
		t.Fatalf("rag requests = %v", v)
	}
	if v := testutil.ToFloat64(m.ragNoContextTotal.WithLabelValues("api", "stream")); v != 1 {
		t.Fatalf("no context = %v", v)
	}
	if v := testutil.ToFloat64(m.sourceFailuresTotal.WithLabelValues("api", "graph")); v != 2 {
		t.Fatalf("graph failures = %v", v)
	}
	if v := testutil.ToFloat64(m.llmTokensTotal.WithLabelValues("api", "stream", "in", "qwen2.5")); v != 100 {
		t.Fatalf("tokens in = %v", v)
	}
	if n := testutil.CollectAndCount(m.llmTokensTotal); n != 1 {
		t.Fatalf("expected only the in-direction series, got %d", n)
	}
	if n := testutil.CollectAndCount(m.stageDuration); n != 0 {
		t.Fatalf("zero durations must not be observed, got %d series", n)
	}
	if v := testutil.ToFloat64(m.generationQueued); v != 3 {
		t.Fatalf("generation queued = %v", v)
	}
}

func TestBreakerObserver(t *testing.T) {
	m := NewHTTPServerMetrics("api", nil)
	observe := m.BreakerObserver()

	observe("qdrant.search", gobreaker.StateClosed, gobreaker.StateOpen)
	if v := testutil.ToFloat64(m.breakerState.WithLabelValues("qdrant.search")); v != 2 {
		t.Fatalf("breaker state = %v, want 2", v)
	}
	observe("qdrant.search", gobreaker.StateOpen, gobreaker.StateHalfOpen)
	if v := testutil.ToFloat64(m.breakerState.WithLabelValues("qdrant.search")); v != 1 {
		t.Fatalf("breaker state = %v, want 1", v)
	}
}

func TestMetricsHandlerExposesNamespace(t *testing.T) {
	m := NewHTTPServerMetrics("api", nil)
	m.RecordRAGRequest("api", "search", "hybrid")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "graphrag_rag_requests_total") {
		t.Fatalf("metrics output missing rag counter")
	}
}

func TestWorkerMetrics(t *testing.T) {
	m := NewWorkerMetrics("worker")
	m.StartPersist()
	m.FinishPersist("worker", "completed", 20*time.Millisecond, nil)
	m.StartPersist()
	m.FinishPersist("worker", "failed", time.Millisecond, errors.New("db down"))
	m.ObserveHandoffLag("worker", -time.Second)

	if v := testutil.ToFloat64(m.persistTotal.WithLabelValues("worker", "completed", "success")); v != 1 {
		t.Fatalf("completed success = %v", v)
	}
	if v := testutil.ToFloat64(m.persistTotal.WithLabelValues("worker", "failed", "error")); v != 1 {
		t.Fatalf("failed error = %v", v)
	}
	if v := testutil.ToFloat64(m.persistInFlight); v != 0 {
		t.Fatalf("in flight = %v", v)
	}
	if n := testutil.CollectAndCount(m.handoffLag); n != 0 {
		t.Fatalf("negative lag must be ignored, got %d series", n)
	}
}
