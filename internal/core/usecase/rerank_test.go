package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
)

type rerankerFake struct {
	scores map[string]float64
	err    error
	short  bool
	docs   []ports.RerankDocument
}

func (f *rerankerFake) Rerank(_ context.Context, _ string, docs []ports.RerankDocument) ([]float64, error) {
	f.docs = docs
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, 0, len(docs))
	for _, d := range docs {
		out = append(out, f.scores[d.ID])
	}
	if f.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (f *rerankerFake) ModelName() string { return "bge-reranker-v2-m3" }

func fusedLists() map[domain.SearchType][]domain.Candidate {
	return map[domain.SearchType][]domain.Candidate{
		domain.SearchVector: {candidate("a", 0.9), candidate("b", 0.8), candidate("c", 0.7), candidate("d", 0.6)},
		domain.SearchSparse: {candidate("a", 5), candidate("c", 4)},
	}
}

func TestFusionPipelineRerankReordersHeadOnly(t *testing.T) {
	reranker := &rerankerFake{scores: map[string]float64{"a": 0.1, "b": 0.2, "c": 0.9}}
	p := NewFusionPipeline(NewRRFFusion(60), reranker, FusionConfig{RerankTopN: 3}, discardLogger())

	out := p.Run(context.Background(), "q", fusedLists())
	if out.Scorer != "bge-reranker-v2-m3" {
		t.Fatalf("expected model scorer, got %s", out.Scorer)
	}
	if len(reranker.docs) != 3 {
		t.Fatalf("expected top-3 sent to reranker, got %d", len(reranker.docs))
	}
	got := []string{out.Ranked[0].ChunkID, out.Ranked[1].ChunkID, out.Ranked[2].ChunkID, out.Ranked[3].ChunkID}
	want := []string{"c", "b", "a", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected order %v, want %v", got, want)
		}
	}
	if out.Ranked[3].RerankScore != nil {
		t.Fatalf("tail candidate must not carry a rerank score")
	}
}

func TestFusionPipelineFallsBackToLinearOnRerankError(t *testing.T) {
	reranker := &rerankerFake{err: errors.New("cross-encoder timeout")}
	p := NewFusionPipeline(NewRRFFusion(60), reranker, FusionConfig{}, discardLogger())

	out := p.Run(context.Background(), "q", fusedLists())
	if out.Scorer != ScorerLinearFallback {
		t.Fatalf("expected linear fallback scorer, got %s", out.Scorer)
	}
	for _, c := range out.Ranked {
		if c.RerankScore == nil {
			t.Fatalf("expected linear score for %s", c.ChunkID)
		}
	}
	if out.Ranked[0].ChunkID != "a" {
		t.Fatalf("expected a first under linear scoring, got %s", out.Ranked[0].ChunkID)
	}
}

func TestFusionPipelineFallsBackOnMisalignedScores(t *testing.T) {
	reranker := &rerankerFake{scores: map[string]float64{}, short: true}
	p := NewFusionPipeline(NewRRFFusion(60), reranker, FusionConfig{}, discardLogger())

	out := p.Run(context.Background(), "q", fusedLists())
	if out.Scorer != ScorerLinearFallback {
		t.Fatalf("expected linear fallback scorer, got %s", out.Scorer)
	}
}

func TestFusionPipelineWithoutRerankerUsesLinear(t *testing.T) {
	p := NewFusionPipeline(nil, nil, FusionConfig{}, discardLogger())

	out := p.Run(context.Background(), "q", fusedLists())
	if out.Fusion != "rrf" || out.Scorer != ScorerLinear {
		t.Fatalf("unexpected fusion/scorer: %s/%s", out.Fusion, out.Scorer)
	}
	if len(out.Ranked) != 4 {
		t.Fatalf("expected 4 ranked candidates, got %d", len(out.Ranked))
	}
}

func TestFusionPipelineHandlesEmptyInput(t *testing.T) {
	p := NewFusionPipeline(nil, &rerankerFake{}, FusionConfig{}, discardLogger())
	out := p.Run(context.Background(), "q", nil)
	if len(out.Ranked) != 0 {
		t.Fatalf("expected empty output, got %d", len(out.Ranked))
	}
}

func TestSortRerankedTieBreaks(t *testing.T) {
	score := 0.5
	items := []domain.ScoredCandidate{
		{ChunkID: "b", FusedScore: 0.1, RerankScore: &score},
		{ChunkID: "a", FusedScore: 0.1, RerankScore: &score},
		{ChunkID: "c", FusedScore: 0.2, RerankScore: &score},
	}
	sortReranked(items)
	if items[0].ChunkID != "c" || items[1].ChunkID != "a" || items[2].ChunkID != "b" {
		t.Fatalf("unexpected order: %s %s %s", items[0].ChunkID, items[1].ChunkID, items[2].ChunkID)
	}
}
