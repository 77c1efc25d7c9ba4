package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
)

var citationRef = regexp.MustCompile(`\[(\d+)\]`)

type AnswerConfig struct {
	InactivityTimeout time.Duration
	PersistTimeout    time.Duration
	HistoryTimeout    time.Duration
	HistoryTurns      int
	NoInfoPhrase      string
}

// AnswerOrchestrator drives one session per request through searching, generating and a
// terminal state. Events go out in order: start, sources, graph, token*, then done or error.
// A cancelled session emits nothing further.
type AnswerOrchestrator struct {
	search    *SearchPipeline
	assembler *ContextAssembler
	generator ports.TokenStreamer
	gate      ports.GenerationGate
	history   ports.HistoryStore
	sink      ports.AnswerSink
	cfg       AnswerConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

func NewAnswerOrchestrator(
	search *SearchPipeline,
	assembler *ContextAssembler,
	generator ports.TokenStreamer,
	gate ports.GenerationGate,
	history ports.HistoryStore,
	sink ports.AnswerSink,
	cfg AnswerConfig,
	logger *slog.Logger,
) *AnswerOrchestrator {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 30 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = time.Second
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	}
	if strings.TrimSpace(cfg.NoInfoPhrase) == "" {
		cfg.NoInfoPhrase = DefaultNoInfoPhrase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnswerOrchestrator{
		search:    search,
		assembler: assembler,
		generator: generator,
		gate:      gate,
		history:   history,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

type answerRun struct {
	session   domain.FinalizedSession
	result    *domain.SearchResult
	citations []domain.Citation
	done      *domain.DonePayload
	err       error
}

// emitFunc delivers one event and reports false once the consumer is gone.
type emitFunc func(domain.StreamEvent) bool

func (o *AnswerOrchestrator) Stream(ctx context.Context, q domain.Query) <-chan domain.StreamEvent {
	events := make(chan domain.StreamEvent, 16)
	go func() {
		defer close(events)
		o.run(ctx, q, func(ev domain.StreamEvent) bool {
			if ctx.Err() != nil {
				return false
			}
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return events
}

func (o *AnswerOrchestrator) Answer(ctx context.Context, q domain.Query) (*domain.AnswerResult, error) {
	run := o.run(ctx, q, func(domain.StreamEvent) bool { return ctx.Err() == nil })
	if run.err != nil {
		return nil, run.err
	}
	if run.session.State == domain.StateCancelled {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, context.Canceled
	}
	return &domain.AnswerResult{
		SessionID: run.session.ID,
		MessageID: run.session.MessageID,
		Text:      run.session.Text,
		Sources:   run.citations,
		Evidence:  run.result.Evidence,
		Graph:     run.result.Graph,
		Done:      run.done,
	}, nil
}

func (o *AnswerOrchestrator) run(ctx context.Context, q domain.Query, emit emitFunc) answerRun {
	started := o.now()
	session := domain.NewGenerationSession(o.newID(), o.newID(), q.ConversationID, started)

	ctx, span := o.tracer.Start(ctx, "answer.session", trace.WithAttributes(
		attribute.String("session.id", session.ID),
		attribute.String("retrieval.mode", string(q.Mode)),
	))
	defer span.End()

	if strings.TrimSpace(q.Text) == "" {
		err := domain.WrapError(domain.ErrInvalidQuery, "answer", errors.New("query text is empty"))
		return o.fail(ctx, span, session, q, emit, err)
	}

	_ = session.Transition(domain.StateSearching)
	if !emit(domain.StreamEvent{Type: domain.EventStart, Start: &domain.StartPayload{
		SessionID:      session.ID,
		MessageID:      session.MessageID,
		ConversationID: q.ConversationID,
		Mode:           string(q.Mode),
	}}) {
		return o.cancel(session)
	}

	historyCh := o.loadHistory(ctx, q)
	result, err := o.search.Run(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return o.cancel(session)
		}
		return o.fail(ctx, span, session, q, emit, err)
	}
	searchFinished := o.now()

	history := awaitHistory(ctx, historyCh)
	prompt, err := o.assembler.Assemble(q.Text, result.Evidence, history)
	if err != nil {
		return o.fail(ctx, span, session, q, emit, err)
	}
	if prompt.HistoryDropped > 0 {
		o.logger.Info("history_truncated", "session_id", session.ID, "dropped", prompt.HistoryDropped, "kept", prompt.HistoryTurns)
	}

	citations := result.Evidence.Citations()
	_ = session.Transition(domain.StateGenerating)
	if !emit(domain.StreamEvent{Type: domain.EventSources, Sources: &domain.SourcesPayload{
		Sources:       citations,
		FailedSources: result.Metadata.FailedSources,
		Scorer:        result.Metadata.Scorer,
	}}) {
		return o.cancel(session)
	}
	graph := result.Graph
	if !emit(domain.StreamEvent{Type: domain.EventGraph, Graph: &graph}) {
		return o.cancel(session)
	}

	genStarted := o.now()
	usage, err := o.generate(ctx, session, prompt.Request, emit)
	genFinished := o.now()
	if ctx.Err() != nil {
		return o.cancel(session)
	}
	if err != nil {
		return o.fail(ctx, span, session, q, emit, err)
	}

	if usage.PromptTokens <= 0 {
		usage.PromptTokens = prompt.PromptTokens
	}
	if usage.CompletionTokens <= 0 {
		usage.CompletionTokens = session.TokenEvents()
	}
	_ = session.Transition(domain.StateDone)
	finalized := session.Finalize(genFinished)

	done := &domain.DonePayload{
		SessionID:        session.ID,
		MessageID:        session.MessageID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		EvidenceTokens:   result.Evidence.TotalTokens,
		Latency: domain.Latency{
			SearchMS:     searchFinished.Sub(started).Milliseconds(),
			GenerationMS: genFinished.Sub(genStarted).Milliseconds(),
			TotalMS:      genFinished.Sub(started).Milliseconds(),
		},
		FailedSources: result.Metadata.FailedSources,
		Scorer:        result.Metadata.Scorer,
		NoContext:     result.Evidence.Empty(),
		Grounded:      isGrounded(finalized.Text, len(citations), o.cfg.NoInfoPhrase),
		HistoryTurns:  prompt.HistoryTurns,
	}
	emit(domain.StreamEvent{Type: domain.EventDone, Done: done})

	span.SetAttributes(
		attribute.Int("answer.completion_tokens", done.CompletionTokens),
		attribute.Bool("answer.grounded", done.Grounded),
	)
	o.logger.Info("answer_completed",
		"session_id", session.ID,
		"evidence", len(citations),
		"failed_sources", len(done.FailedSources),
		"completion_tokens", done.CompletionTokens,
		"total_ms", done.Latency.TotalMS,
	)

	o.persistCompleted(ctx, domain.CompletedAnswer{
		SessionID:        session.ID,
		MessageID:        session.MessageID,
		ConversationID:   q.ConversationID,
		UserID:           q.UserID,
		Question:         q.Text,
		Text:             finalized.Text,
		Sources:          citations,
		Graph:            result.Graph,
		PromptTokens:     done.PromptTokens,
		CompletionTokens: done.CompletionTokens,
		LatencyMS:        done.Latency.TotalMS,
		CreatedAt:        genFinished,
	})

	return answerRun{session: finalized, result: result, citations: citations, done: done}
}

// generate forwards provider tokens and treats a provider that stays silent for the
// inactivity timeout as hung.
func (o *AnswerOrchestrator) generate(ctx context.Context, session *domain.GenerationSession, req ports.GenerationRequest, emit emitFunc) (ports.GenerationUsage, error) {
	if o.gate != nil {
		release, err := o.gate.Acquire(ctx, ports.PriorityInteractive)
		if err != nil {
			if ctx.Err() != nil {
				return ports.GenerationUsage{}, ctx.Err()
			}
			return ports.GenerationUsage{}, domain.WrapError(domain.ErrGenerationProvider, "acquire generation slot", err)
		}
		defer release()
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stalled atomic.Bool
	watchdog := time.AfterFunc(o.cfg.InactivityTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	usage, err := o.generator.Stream(genCtx, req, func(token string) error {
		watchdog.Reset(o.cfg.InactivityTimeout)
		if token == "" {
			return nil
		}
		session.Append(token)
		if !emit(domain.StreamEvent{Type: domain.EventToken, Token: &domain.TokenPayload{Content: token}}) {
			return context.Canceled
		}
		return nil
	})
	if stalled.Load() && ctx.Err() == nil {
		return usage, domain.WrapError(
			domain.ErrGenerationProvider,
			"generate",
			fmt.Errorf("no token received for %s", o.cfg.InactivityTimeout),
		)
	}
	if err != nil {
		if ctx.Err() != nil {
			return usage, ctx.Err()
		}
		if domain.IsKind(err, domain.ErrGenerationProvider) {
			return usage, err
		}
		return usage, domain.WrapError(domain.ErrGenerationProvider, "generate", err)
	}
	return usage, nil
}

func (o *AnswerOrchestrator) fail(ctx context.Context, span trace.Span, session *domain.GenerationSession, q domain.Query, emit emitFunc, err error) answerRun {
	_ = session.Transition(domain.StateError)
	finalized := session.Finalize(o.now())
	code := domain.ErrorCode(err)

	span.RecordError(err)
	span.SetStatus(codes.Error, code)
	o.logger.Error("answer_failed", "session_id", session.ID, "code", code, "error", err)

	emit(domain.StreamEvent{Type: domain.EventError, Error: &domain.ErrorPayload{
		Code:    code,
		Message: domain.UserMessage(err),
	}})

	// Rejected input never reaches a collaborator.
	if domain.IsKind(err, domain.ErrInvalidQuery) {
		return answerRun{session: finalized, err: err}
	}
	o.persistFailure(ctx, domain.FailureRecord{
		SessionID:      session.ID,
		ConversationID: q.ConversationID,
		UserID:         q.UserID,
		Question:       q.Text,
		Code:           code,
		Detail:         err.Error(),
		LatencyMS:      finalized.Duration.Milliseconds(),
		CreatedAt:      o.now(),
	})
	return answerRun{session: finalized, err: err}
}

func (o *AnswerOrchestrator) cancel(session *domain.GenerationSession) answerRun {
	_ = session.Transition(domain.StateCancelled)
	finalized := session.Finalize(o.now())
	o.logger.Info("answer_cancelled",
		"session_id", session.ID,
		"token_events", finalized.TokenEvents,
		"duration_ms", finalized.Duration.Milliseconds(),
	)
	return answerRun{session: finalized}
}

func (o *AnswerOrchestrator) persistCompleted(ctx context.Context, answer domain.CompletedAnswer) {
	if o.sink == nil {
		return
	}
	go func() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
		defer cancel()
		if err := o.sink.PublishCompleted(pctx, answer); err != nil {
			o.logger.Warn("answer_persist_failed", "session_id", answer.SessionID, "error", err)
		}
	}()
}

func (o *AnswerOrchestrator) persistFailure(ctx context.Context, failure domain.FailureRecord) {
	if o.sink == nil {
		return
	}
	go func() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
		defer cancel()
		if err := o.sink.PublishFailure(pctx, failure); err != nil {
			o.logger.Warn("failure_persist_failed", "session_id", failure.SessionID, "error", err)
		}
	}()
}

func (o *AnswerOrchestrator) loadHistory(ctx context.Context, q domain.Query) <-chan []domain.ChatTurn {
	out := make(chan []domain.ChatTurn, 1)
	if o.history == nil || q.ConversationID == "" || o.cfg.HistoryTurns == 0 {
		out <- nil
		return out
	}
	go func() {
		hctx, cancel := context.WithTimeout(ctx, o.cfg.HistoryTimeout)
		defer cancel()
		turns, err := o.history.RecentTurns(hctx, q.UserID, q.ConversationID, o.cfg.HistoryTurns)
		if err != nil {
			o.logger.Warn("history_unavailable", "conversation_id", q.ConversationID, "error", err)
			turns = nil
		}
		out <- turns
	}()
	return out
}

func awaitHistory(ctx context.Context, ch <-chan []domain.ChatTurn) []domain.ChatTurn {
	select {
	case turns := <-ch:
		return turns
	case <-ctx.Done():
		return nil
	}
}

// isGrounded reports whether the answer cites at least one delivered source, or declines
// explicitly when there was nothing to cite.
func isGrounded(text string, sources int, noInfoPhrase string) bool {
	if sources == 0 {
		return strings.Contains(text, noInfoPhrase)
	}
	for _, match := range citationRef.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(match[1])
		if err == nil && n >= 1 && n <= sources {
			return true
		}
	}
	return false
}
