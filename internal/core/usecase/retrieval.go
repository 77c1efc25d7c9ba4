package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
)

const tracerName = "github.com/kirillkom/graphrag-assistant/internal/core/usecase"

var errSourceNotConfigured = errors.New("source is not configured")

type RetrievalConfig struct {
	SourceTimeout  time.Duration
	OverallTimeout time.Duration
	CandidateLimit int
}

func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		SourceTimeout:  2500 * time.Millisecond,
		OverallTimeout: 5 * time.Second,
		CandidateLimit: 30,
	}
}

type RetrievalOutput struct {
	Outcomes []domain.SourceOutcome
	Fragment domain.GraphFragment
}

func (o RetrievalOutput) Lists() map[domain.SearchType][]domain.Candidate {
	lists := make(map[domain.SearchType][]domain.Candidate, len(o.Outcomes))
	for _, outcome := range o.Outcomes {
		if outcome.Available() {
			lists[outcome.Source] = outcome.Candidates
		}
	}
	return lists
}

func (o RetrievalOutput) FailedSources() []domain.SearchType {
	failed := make([]domain.SearchType, 0)
	for _, outcome := range o.Outcomes {
		if !outcome.Available() {
			failed = append(failed, outcome.Source)
		}
	}
	return failed
}

// RetrievalEngine fans a query out to every source of its mode concurrently. A failing source
// is reported in its outcome; only the failure of all dispatched sources is an error.
type RetrievalEngine struct {
	embedder ports.Embedder
	vector   ports.VectorSearcher
	sparse   ports.SparseSearcher
	graph    ports.GraphSearcher
	cfg      RetrievalConfig
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewRetrievalEngine(
	embedder ports.Embedder,
	vector ports.VectorSearcher,
	sparse ports.SparseSearcher,
	graph ports.GraphSearcher,
	cfg RetrievalConfig,
	logger *slog.Logger,
) *RetrievalEngine {
	defaults := DefaultRetrievalConfig()
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = defaults.SourceTimeout
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = defaults.OverallTimeout
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = defaults.CandidateLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrievalEngine{
		embedder: embedder,
		vector:   vector,
		sparse:   sparse,
		graph:    graph,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
}

// WithTracer swaps the span source, mainly for tests.
func (e *RetrievalEngine) WithTracer(tracer trace.Tracer) *RetrievalEngine {
	if tracer != nil {
		e.tracer = tracer
	}
	return e
}

func (e *RetrievalEngine) Retrieve(ctx context.Context, q domain.Query) (RetrievalOutput, error) {
	if q.Text == "" {
		return RetrievalOutput{}, domain.WrapError(domain.ErrInvalidQuery, "retrieve", errors.New("query text is empty"))
	}
	sources := e.configuredSources(q.Mode.Sources())
	if len(sources) == 0 {
		return RetrievalOutput{}, domain.WrapError(domain.ErrRetrievalUnavailable, "retrieve",
			fmt.Errorf("no source configured for mode %q", q.Mode))
	}

	ctx, span := e.tracer.Start(ctx, "retrieval.fanout", trace.WithAttributes(
		attribute.String("retrieval.mode", string(q.Mode)),
		attribute.Int("retrieval.sources", len(sources)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OverallTimeout)
	defer cancel()

	embedding := e.startEmbedding(ctx, q.Text, sources)
	limit := max(e.cfg.CandidateLimit, q.Limit)

	outcomes := make([]domain.SourceOutcome, len(sources))
	var group errgroup.Group
	for i, source := range sources {
		group.Go(func() error {
			outcomes[i] = e.runSource(ctx, source, q, limit, embedding)
			return nil
		})
	}
	_ = group.Wait()

	out := RetrievalOutput{Outcomes: outcomes}
	var errs []error
	for i := range outcomes {
		outcome := &outcomes[i]
		if !outcome.Available() {
			errs = append(errs, fmt.Errorf("%s: %w", outcome.Source, outcome.Err))
			e.logger.Warn("retrieval_source_unavailable",
				"source", outcome.Source,
				"duration_ms", outcome.Duration.Milliseconds(),
				"error", outcome.Err,
			)
			continue
		}
		outcome.Candidates = filterCandidates(outcome.Candidates, q.Filters)
		out.Fragment = out.Fragment.Merge(outcome.Fragment)
	}
	out.Fragment = out.Fragment.Normalized()

	if len(errs) == len(outcomes) {
		err := domain.WrapError(domain.ErrRetrievalUnavailable, "retrieve", errors.Join(errs...))
		span.RecordError(err)
		span.SetStatus(codes.Error, "all sources unavailable")
		return out, err
	}
	span.SetAttributes(attribute.Int("retrieval.failed_sources", len(errs)))
	return out, nil
}

// configuredSources drops sources without an adapter, so a disabled store is never reported as failed.
func (e *RetrievalEngine) configuredSources(sources []domain.SearchType) []domain.SearchType {
	out := make([]domain.SearchType, 0, len(sources))
	for _, source := range sources {
		switch source {
		case domain.SearchVector:
			if e.vector == nil || e.embedder == nil {
				continue
			}
		case domain.SearchSparse:
			if e.sparse == nil {
				continue
			}
		case domain.SearchGraph:
			if e.graph == nil {
				continue
			}
		}
		out = append(out, source)
	}
	return out
}

// Ping reports per-source readiness for the configured stores.
func (e *RetrievalEngine) Ping(ctx context.Context) map[string]error {
	out := make(map[string]error, 3)
	if e.vector != nil {
		out["qdrant"] = e.vector.Ping(ctx)
	}
	if e.sparse != nil && any(e.sparse) != any(e.vector) {
		out["qdrant_sparse"] = e.sparse.Ping(ctx)
	}
	if e.graph != nil {
		out["neo4j"] = e.graph.Ping(ctx)
	}
	return out
}

func (e *RetrievalEngine) runSource(ctx context.Context, source domain.SearchType, q domain.Query, limit int, embedding *embeddingFuture) domain.SourceOutcome {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "retrieval.source", trace.WithAttributes(
		attribute.String("retrieval.source", string(source)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
	defer cancel()

	outcome := domain.SourceOutcome{Source: source}
	var err error
	switch source {
	case domain.SearchVector:
		outcome.Candidates, err = e.searchVector(ctx, q, limit, embedding)
	case domain.SearchSparse:
		outcome.Candidates, err = e.searchSparse(ctx, q, limit)
	case domain.SearchGraph:
		outcome.Candidates, outcome.Fragment, err = e.searchGraph(ctx, q, limit, embedding)
	default:
		err = fmt.Errorf("unknown source %q", source)
	}
	outcome.Duration = time.Since(started)
	if err != nil {
		outcome.Candidates = nil
		outcome.Fragment = domain.GraphFragment{}
		outcome.Err = domain.WrapError(domain.ErrSourceUnavailable, string(source), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "source unavailable")
		return outcome
	}
	outcome.Candidates = tagCandidates(outcome.Candidates, source)
	span.SetAttributes(attribute.Int("retrieval.candidates", len(outcome.Candidates)))
	return outcome
}

func (e *RetrievalEngine) searchVector(ctx context.Context, q domain.Query, limit int, embedding *embeddingFuture) ([]domain.Candidate, error) {
	if e.vector == nil || e.embedder == nil {
		return nil, errSourceNotConfigured
	}
	vector, err := embedding.wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return e.vector.SearchDense(ctx, vector, q.Filters, limit)
}

func (e *RetrievalEngine) searchSparse(ctx context.Context, q domain.Query, limit int) ([]domain.Candidate, error) {
	if e.sparse == nil {
		return nil, errSourceNotConfigured
	}
	return e.sparse.SearchSparse(ctx, q.Text, q.Filters, limit)
}

// searchGraph seeds from the query text and, when available, the query embedding.
// An embedding failure narrows graph seeding but does not fail the source.
func (e *RetrievalEngine) searchGraph(ctx context.Context, q domain.Query, limit int, embedding *embeddingFuture) ([]domain.Candidate, domain.GraphFragment, error) {
	if e.graph == nil {
		return nil, domain.GraphFragment{}, errSourceNotConfigured
	}
	var vector []float32
	if embedding != nil {
		if v, err := embedding.wait(ctx); err == nil {
			vector = v
		}
	}
	depth := q.GraphDepth
	if depth <= 0 {
		depth = domain.DefaultGraphDepth
	}
	return e.graph.Traverse(ctx, ports.GraphRequest{
		Text:      q.Text,
		Vector:    vector,
		Depth:     min(depth, domain.MaxGraphDepth),
		NodeTypes: q.NodeTypes,
		Filters:   q.Filters,
		Limit:     limit,
	})
}

func tagCandidates(candidates []domain.Candidate, source domain.SearchType) []domain.Candidate {
	out := make([]domain.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.ChunkID == "" {
			continue
		}
		c.SearchType = source
		out = append(out, c)
	}
	return out
}

// embeddingFuture computes the query embedding once for every source that needs it.
type embeddingFuture struct {
	done   chan struct{}
	vector []float32
	err    error
}

func (e *RetrievalEngine) startEmbedding(ctx context.Context, text string, sources []domain.SearchType) *embeddingFuture {
	needed := false
	for _, s := range sources {
		if s == domain.SearchVector || s == domain.SearchGraph {
			needed = true
		}
	}
	if !needed || e.embedder == nil {
		return nil
	}
	f := &embeddingFuture{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		embedCtx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
		defer cancel()
		f.vector, f.err = e.embedder.EmbedQuery(embedCtx, text)
		if f.err == nil && len(f.vector) == 0 {
			f.err = errors.New("embedder returned an empty vector")
		}
	}()
	return f
}

func (f *embeddingFuture) wait(ctx context.Context) ([]float32, error) {
	if f == nil {
		return nil, errSourceNotConfigured
	}
	select {
	case <-f.done:
		return f.vector, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
