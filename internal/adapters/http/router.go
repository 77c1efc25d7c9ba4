package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kirillkom/graphrag-assistant/internal/config"
	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
	"github.com/kirillkom/graphrag-assistant/internal/observability/metrics"
)

const (
	serviceName      = "api"
	backpressureWait = 200 * time.Millisecond
	readinessTimeout = 2 * time.Second

	endpointStream = "stream"
	endpointChat   = "chat"
	endpointSearch = "search"
)

type Router struct {
	queryUC   ports.QueryService
	readiness ports.ReadinessChecker
	metrics   *metrics.HTTPServerMetrics

	genModel       string
	keepAlive      time.Duration
	rateLimitRPS   float64
	rateLimitBurst int
	maxInFlight    int
}

// NewRouter builds the HTTP surface. readiness and httpMetrics may be nil.
func NewRouter(
	cfg config.Config,
	queryUC ports.QueryService,
	readiness ports.ReadinessChecker,
	httpMetrics *metrics.HTTPServerMetrics,
) *Router {
	return &Router{
		queryUC:        queryUC,
		readiness:      readiness,
		metrics:        httpMetrics,
		genModel:       cfg.OllamaGenModel,
		keepAlive:      cfg.SSEKeepAlive,
		rateLimitRPS:   cfg.APIRateLimitRPS,
		rateLimitBurst: cfg.APIRateLimitBurst,
		maxInFlight:    cfg.APIMaxInFlight,
	}
}

func (rt *Router) Handler() http.Handler {
	guard := func(h http.HandlerFunc) http.Handler {
		return rateLimitMiddleware(backpressureMiddleware(h, rt.maxInFlight, backpressureWait), rt.rateLimitRPS, rt.rateLimitBurst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /readyz", rt.readyz)
	mux.Handle("POST /v1/chat/stream", guard(rt.chatStream))
	mux.Handle("POST /v1/chat", guard(rt.chat))
	mux.Handle("POST /v1/search", guard(rt.search))

	var handler http.Handler = mux
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
		handler = rt.metrics.Middleware(serviceName, mux)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// readyz answers 503 only when every dependency is down; retrieval degrades per source.
func (rt *Router) readyz(w http.ResponseWriter, r *http.Request) {
	resp := readinessResponse{Status: "ready", Checks: map[string]string{}}
	if rt.readiness == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	healthy := 0
	checks := rt.readiness.Readiness(ctx)
	for name, err := range checks {
		if err != nil {
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
		healthy++
	}

	status := http.StatusOK
	switch {
	case len(checks) > 0 && healthy == 0:
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	case healthy < len(checks):
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}

func (rt *Router) chatStream(w http.ResponseWriter, r *http.Request) {
	q, ok := decodeQuery(w, r)
	if !ok {
		return
	}
	rt.recordRequest(endpointStream, q)

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, domain.CodeInternal, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := rt.queryUC.Stream(ctx, q)

	var keepAlive <-chan time.Time
	if rt.keepAlive > 0 {
		ticker := time.NewTicker(rt.keepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	outcome, code := "cancelled", ""
	defer func() { rt.recordOutcome(endpointStream, outcome, code) }()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			rt.observeEvent(endpointStream, ev)
			switch ev.Type {
			case domain.EventDone:
				outcome = "done"
			case domain.EventError:
				outcome, code = "error", ev.Error.Code
			}
			if err := sse.Event(ev); err != nil {
				slog.Warn("sse_write_failed",
					"request_id", requestIDFromContext(r.Context()),
					"event", string(ev.Type),
					"error", err,
				)
				return
			}
		case <-keepAlive:
			if err := sse.KeepAlive(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (rt *Router) chat(w http.ResponseWriter, r *http.Request) {
	q, ok := decodeQuery(w, r)
	if !ok {
		return
	}
	rt.recordRequest(endpointChat, q)

	result, err := rt.queryUC.Answer(r.Context(), q)
	if err != nil {
		rt.logFailure(r, endpointChat, err)
		if errors.Is(err, context.Canceled) {
			rt.recordOutcome(endpointChat, "cancelled", "")
		} else {
			rt.recordOutcome(endpointChat, "error", domain.ErrorCode(err))
		}
		writeDomainError(w, err)
		return
	}

	var failed []domain.SearchType
	if result.Done != nil {
		failed = result.Done.FailedSources
		rt.observeDone(endpointChat, result.Done)
	}
	rt.recordEvidence(endpointChat, len(result.Sources), failed)
	rt.recordOutcome(endpointChat, "done", "")
	writeJSON(w, http.StatusOK, result)
}

type searchResponse struct {
	*domain.SearchResult
	Citations []domain.Citation `json:"citations"`
}

func (rt *Router) search(w http.ResponseWriter, r *http.Request) {
	q, ok := decodeQuery(w, r)
	if !ok {
		return
	}
	rt.recordRequest(endpointSearch, q)

	result, err := rt.queryUC.Search(r.Context(), q)
	if err != nil {
		rt.logFailure(r, endpointSearch, err)
		writeDomainError(w, err)
		return
	}

	rt.recordEvidence(endpointSearch, len(result.Evidence.Items), result.Metadata.FailedSources)
	if rt.metrics != nil {
		rt.metrics.RecordStage(serviceName, endpointSearch, "search", time.Duration(result.Metadata.SearchMS)*time.Millisecond)
	}
	writeJSON(w, http.StatusOK, searchResponse{SearchResult: result, Citations: result.Evidence.Citations()})
}

func decodeQuery(w http.ResponseWriter, r *http.Request) (domain.Query, bool) {
	var req queryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidQuery, "invalid json")
		return domain.Query{}, false
	}
	q, err := req.toQuery()
	if err != nil {
		writeDomainError(w, err)
		return domain.Query{}, false
	}
	return q, true
}

func (rt *Router) logFailure(r *http.Request, endpoint string, err error) {
	attrs := []any{
		"request_id", requestIDFromContext(r.Context()),
		"endpoint", endpoint,
		"code", domain.ErrorCode(err),
		"error", err,
	}
	if mapErrorToHTTPStatus(err) >= http.StatusInternalServerError {
		slog.Error("query_failed", attrs...)
		return
	}
	slog.Warn("query_failed", attrs...)
}

func (rt *Router) recordRequest(endpoint string, q domain.Query) {
	if rt.metrics == nil {
		return
	}
	rt.metrics.RecordRAGRequest(serviceName, endpoint, string(q.Mode))
}

func (rt *Router) recordOutcome(endpoint, outcome, code string) {
	if rt.metrics == nil {
		return
	}
	rt.metrics.RecordOutcome(serviceName, endpoint, outcome, code)
}

func (rt *Router) recordEvidence(endpoint string, evidence int, failed []domain.SearchType) {
	if rt.metrics == nil {
		return
	}
	rt.metrics.RecordEvidence(serviceName, endpoint, evidence)
	sources := make([]string, 0, len(failed))
	for _, source := range failed {
		sources = append(sources, string(source))
	}
	rt.metrics.RecordSourceFailures(serviceName, sources)
}

func (rt *Router) observeEvent(endpoint string, ev domain.StreamEvent) {
	switch ev.Type {
	case domain.EventSources:
		rt.recordEvidence(endpoint, len(ev.Sources.Sources), ev.Sources.FailedSources)
	case domain.EventDone:
		rt.observeDone(endpoint, ev.Done)
	}
}

func (rt *Router) observeDone(endpoint string, done *domain.DonePayload) {
	if rt.metrics == nil {
		return
	}
	rt.metrics.RecordTokenUsage(serviceName, endpoint, rt.genModel, done.PromptTokens, done.CompletionTokens)
	rt.metrics.RecordStage(serviceName, endpoint, "search", time.Duration(done.Latency.SearchMS)*time.Millisecond)
	rt.metrics.RecordStage(serviceName, endpoint, "generation", time.Duration(done.Latency.GenerationMS)*time.Millisecond)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
