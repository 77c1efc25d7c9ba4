package usecase

import (
	"context"
	"time"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
)

// SearchPipeline is retrieval, fusion and token-budget selection without generation.
type SearchPipeline struct {
	engine    *RetrievalEngine
	fusion    *FusionPipeline
	assembler *ContextAssembler
	estimator ports.TokenEstimator
}

func NewSearchPipeline(engine *RetrievalEngine, fusion *FusionPipeline, assembler *ContextAssembler, estimator ports.TokenEstimator) *SearchPipeline {
	return &SearchPipeline{
		engine:    engine,
		fusion:    fusion,
		assembler: assembler,
		estimator: estimator,
	}
}

func (p *SearchPipeline) Run(ctx context.Context, q domain.Query) (*domain.SearchResult, error) {
	started := time.Now()
	retrieved, err := p.engine.Retrieve(ctx, q)
	if err != nil {
		return nil, err
	}

	lists := retrieved.Lists()
	fused := p.fusion.Run(ctx, q.Text, lists)
	evidence := selectWithinBudget(fused.Ranked, p.estimator, p.assembler.EvidenceBudget(q.Text), q.Limit)

	counts := make(map[string]int, len(lists))
	sources := make([]domain.SearchType, 0, len(lists))
	for _, outcome := range retrieved.Outcomes {
		if outcome.Available() {
			sources = append(sources, outcome.Source)
			counts[string(outcome.Source)] = len(outcome.Candidates)
		}
	}

	return &domain.SearchResult{
		Query:    q,
		Evidence: evidence,
		Graph:    retrieved.Fragment,
		Metadata: domain.RetrievalMetadata{
			Mode:          q.Mode,
			Sources:       sources,
			FailedSources: retrieved.FailedSources(),
			SourceCounts:  counts,
			FusedCount:    len(fused.Ranked),
			Fusion:        fused.Fusion,
			Scorer:        fused.Scorer,
			SearchMS:      time.Since(started).Milliseconds(),
		},
	}, nil
}

func (p *SearchPipeline) Readiness(ctx context.Context) map[string]error {
	return p.engine.Ping(ctx)
}
