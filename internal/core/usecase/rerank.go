package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
)

const (
	ScorerLinear         = "linear"
	ScorerLinearFallback = "linear-fallback"
	defaultRerankTopN    = 10
)

type FusionConfig struct {
	RerankTopN int
	Weights    SourceWeights
}

type FusionOutput struct {
	Ranked []domain.ScoredCandidate
	Fusion string
	Scorer string
}

// FusionPipeline runs fusion and then rescoring of the head of the fused list.
type FusionPipeline struct {
	strategy FusionStrategy
	reranker ports.Reranker
	cfg      FusionConfig
	logger   *slog.Logger
}

func NewFusionPipeline(strategy FusionStrategy, reranker ports.Reranker, cfg FusionConfig, logger *slog.Logger) *FusionPipeline {
	if strategy == nil {
		strategy = NewRRFFusion(0)
	}
	if cfg.RerankTopN <= 0 {
		cfg.RerankTopN = defaultRerankTopN
	}
	if cfg.Weights == (SourceWeights{}) {
		cfg.Weights = DefaultSourceWeights()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FusionPipeline{strategy: strategy, reranker: reranker, cfg: cfg, logger: logger}
}

func (p *FusionPipeline) Run(ctx context.Context, query string, lists map[domain.SearchType][]domain.Candidate) FusionOutput {
	fused := p.strategy.Fuse(lists)
	ranked, scorer := p.rescore(ctx, query, fused)
	return FusionOutput{Ranked: ranked, Fusion: p.strategy.Name(), Scorer: scorer}
}

// rescore assigns RerankScore to the top-N fused candidates. The tail keeps fused order.
func (p *FusionPipeline) rescore(ctx context.Context, query string, fused []domain.ScoredCandidate) ([]domain.ScoredCandidate, string) {
	if len(fused) == 0 {
		if p.reranker != nil {
			return fused, p.reranker.ModelName()
		}
		return fused, ScorerLinear
	}

	topN := p.cfg.RerankTopN
	if topN > len(fused) {
		topN = len(fused)
	}
	head := append([]domain.ScoredCandidate(nil), fused[:topN]...)
	tail := fused[topN:]

	scorer := ScorerLinear
	var scores []float64
	if p.reranker != nil {
		var err error
		scores, err = p.modelScores(ctx, query, head)
		if err != nil {
			p.logger.Warn("rerank_fallback_linear", "model", p.reranker.ModelName(), "error", err)
			scores = nil
			scorer = ScorerLinearFallback
		} else {
			scorer = p.reranker.ModelName()
		}
	}
	if scores == nil {
		scores = linearScores(head, p.cfg.Weights)
	}

	for i := range head {
		score := scores[i]
		head[i].RerankScore = &score
	}
	sortReranked(head)

	out := make([]domain.ScoredCandidate, 0, len(fused))
	out = append(out, head...)
	out = append(out, tail...)
	return out, scorer
}

func (p *FusionPipeline) modelScores(ctx context.Context, query string, head []domain.ScoredCandidate) ([]float64, error) {
	docs := make([]ports.RerankDocument, 0, len(head))
	for _, c := range head {
		docs = append(docs, ports.RerankDocument{ID: c.ChunkID, Text: c.Text})
	}
	scores, err := p.reranker.Rerank(ctx, query, docs)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(head) {
		return nil, fmt.Errorf("reranker returned %d scores for %d documents", len(scores), len(head))
	}
	return scores, nil
}

// linearScores is the rescoring used when no cross-encoder is configured or it failed.
func linearScores(head []domain.ScoredCandidate, weights SourceWeights) []float64 {
	normalized := normalizeSourceScores(head)
	out := make([]float64, len(head))
	for i, c := range head {
		out[i] = weightedScore(normalized[c.ChunkID], weights)
	}
	return out
}

// sortReranked orders by rerank score, then fused score, then chunk id.
func sortReranked(items []domain.ScoredCandidate) {
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := rerankValue(items[i]), rerankValue(items[j])
		if ri != rj {
			return ri > rj
		}
		if items[i].FusedScore != items[j].FusedScore {
			return items[i].FusedScore > items[j].FusedScore
		}
		return items[i].ChunkID < items[j].ChunkID
	})
}

func rerankValue(c domain.ScoredCandidate) float64 {
	if c.RerankScore == nil {
		return 0
	}
	return *c.RerankScore
}
