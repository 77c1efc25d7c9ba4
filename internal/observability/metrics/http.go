package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/resilience"
)

const namespace = "graphrag"

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	ragRequestsTotal    *prometheus.CounterVec
	ragNoContextTotal   *prometheus.CounterVec
	sourceFailuresTotal *prometheus.CounterVec
	evidenceCount       *prometheus.HistogramVec
	stageDuration       *prometheus.HistogramVec
	llmTokensTotal      *prometheus.CounterVec
	streamOutcomesTotal *prometheus.CounterVec
	breakerState        *prometheus.GaugeVec
	generationQueued    prometheus.GaugeFunc
}

// NewHTTPServerMetrics builds the API registry. queued reports callers waiting for an inference
// slot and may be nil.
func NewHTTPServerMetrics(service string, queued func() float64) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "in_flight_requests",
			Help:        "Number of in-flight HTTP requests.",
			ConstLabels: constLabels,
		},
	)
	ragRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "requests_total",
			Help:      "Total RAG requests by endpoint and search mode.",
		},
		[]string{"service", "endpoint", "mode"},
	)
	ragNoContextTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "no_context_total",
			Help:      "Total RAG requests answered without evidence.",
		},
		[]string{"service", "endpoint"},
	)
	sourceFailuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "source_failures_total",
			Help:      "Retrieval sources that failed or timed out, by source.",
		},
		[]string{"service", "source"},
	)
	evidenceCount := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "evidence_items",
			Help:      "Evidence items selected into the prompt per request.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service", "endpoint"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "stage_duration_seconds",
			Help:      "Duration of search and generation stages in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"service", "endpoint", "stage"},
	)
	llmTokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Token usage reported by the provider, by direction.",
		},
		[]string{"service", "endpoint", "direction", "model"},
	)
	streamOutcomesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "stream_outcomes_total",
			Help:      "Terminal outcome of answer requests: done, error or cancelled.",
		},
		[]string{"service", "endpoint", "outcome", "code"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "resilience",
			Name:        "breaker_state",
			Help:        "Circuit breaker state per operation (0 closed, 1 half-open, 2 open).",
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)
	if queued == nil {
		queued = func() float64 { return 0 }
	}
	generationQueued := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "llm",
			Name:        "generation_queued",
			Help:        "Callers waiting for an inference slot.",
			ConstLabels: constLabels,
		},
		queued,
	)

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		requestTotal,
		requestDuration,
		requestInFlight,
		ragRequestsTotal,
		ragNoContextTotal,
		sourceFailuresTotal,
		evidenceCount,
		stageDuration,
		llmTokensTotal,
		streamOutcomesTotal,
		breakerState,
		generationQueued,
	)

	return &HTTPServerMetrics{
		registry:            registry,
		requestTotal:        requestTotal,
		requestDuration:     requestDuration,
		requestInFlight:     requestInFlight,
		ragRequestsTotal:    ragRequestsTotal,
		ragNoContextTotal:   ragNoContextTotal,
		sourceFailuresTotal: sourceFailuresTotal,
		evidenceCount:       evidenceCount,
		stageDuration:       stageDuration,
		llmTokensTotal:      llmTokensTotal,
		streamOutcomesTotal: streamOutcomesTotal,
		breakerState:        breakerState,
		generationQueued:    generationQueued,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		// The mux fills Pattern while routing; raw paths would explode label cardinality.
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func (m *HTTPServerMetrics) RecordRAGRequest(service, endpoint, mode string) {
	if mode == "" {
		mode = "unknown"
	}
	m.ragRequestsTotal.WithLabelValues(service, endpoint, mode).Inc()
}

func (m *HTTPServerMetrics) RecordEvidence(service, endpoint string, evidence int) {
	m.evidenceCount.WithLabelValues(service, endpoint).Observe(float64(evidence))
	if evidence == 0 {
		m.ragNoContextTotal.WithLabelValues(service, endpoint).Inc()
	}
}

func (m *HTTPServerMetrics) RecordSourceFailures(service string, sources []string) {
	for _, source := range sources {
		m.sourceFailuresTotal.WithLabelValues(service, source).Inc()
	}
}

func (m *HTTPServerMetrics) RecordStage(service, endpoint, stage string, duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.stageDuration.WithLabelValues(service, endpoint, stage).Observe(duration.Seconds())
}

func (m *HTTPServerMetrics) RecordTokenUsage(service, endpoint, model string, promptTokens, completionTokens int) {
	if model == "" {
		model = "unknown"
	}
	if promptTokens > 0 {
		m.llmTokensTotal.WithLabelValues(service, endpoint, "in", model).Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.llmTokensTotal.WithLabelValues(service, endpoint, "out", model).Add(float64(completionTokens))
	}
}

// RecordOutcome counts how an answer request ended. code is empty unless outcome is "error".
func (m *HTTPServerMetrics) RecordOutcome(service, endpoint, outcome, code string) {
	m.streamOutcomesTotal.WithLabelValues(service, endpoint, outcome, code).Inc()
}

// BreakerObserver exports breaker transitions; pass it to resilience.Executor.WithObserver.
func (m *HTTPServerMetrics) BreakerObserver() resilience.StateObserver {
	return func(operation string, _, to gobreaker.State) {
		m.breakerState.WithLabelValues(operation).Set(resilience.BreakerStateValue(to))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
