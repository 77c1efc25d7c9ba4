package usecase

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"pgregory.net/rapid"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
)

func TestRRFFusionDeduplicatesByChunkID(t *testing.T) {
	lists := map[domain.SearchType][]domain.Candidate{
		domain.SearchVector: {candidate("a", 0.9), candidate("b", 0.8)},
		domain.SearchSparse: {candidate("b", 7.5), candidate("c", 3.1)},
	}

	fused := NewRRFFusion(60).Fuse(lists)
	if len(fused) != 3 {
		t.Fatalf("expected 3 fused candidates, got %d", len(fused))
	}
	if fused[0].ChunkID != "b" {
		t.Fatalf("expected b first after RRF fusion, got %s", fused[0].ChunkID)
	}
	if got := fused[0].SearchTypes(); len(got) != 2 {
		t.Fatalf("expected b to carry both search types, got %v", got)
	}
	want := 1.0/62 + 1.0/61
	if math.Abs(fused[0].FusedScore-want) > 1e-12 {
		t.Fatalf("expected fused score %f, got %f", want, fused[0].FusedScore)
	}
}

func TestRRFFusionTieBreakByChunkID(t *testing.T) {
	lists := map[domain.SearchType][]domain.Candidate{
		domain.SearchVector: {candidate("chunk-b", 0.5)},
		domain.SearchSparse: {candidate("chunk-a", 0.5)},
	}

	fused := NewRRFFusion(60).Fuse(lists)
	if fused[0].ChunkID != "chunk-a" {
		t.Fatalf("expected tie-break by chunk id, got first=%s", fused[0].ChunkID)
	}
}

func TestRRFFusionKeepsBestScoreWithinSource(t *testing.T) {
	lists := map[domain.SearchType][]domain.Candidate{
		domain.SearchVector: {candidate("a", 0.2), candidate("b", 0.5), candidate("a", 0.9)},
	}

	fused := NewRRFFusion(60).Fuse(lists)
	if len(fused) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(fused))
	}
	if fused[0].ChunkID != "a" || fused[0].SourceScores[domain.SearchVector] != 0.9 {
		t.Fatalf("expected a with its best score first, got %+v", fused[0])
	}
}

func TestRRFFusionCountsOverlapOnce(t *testing.T) {
	vector := candidates("v", 8)
	sparse := append(candidates("s", 3), candidate("v-00", 4.2), candidate("v-01", 3.9))
	graph := []domain.Candidate{candidate("g-00", 1), candidate("v-02", 0.5)}

	fused := NewRRFFusion(60).Fuse(map[domain.SearchType][]domain.Candidate{
		domain.SearchVector: vector,
		domain.SearchSparse: sparse,
		domain.SearchGraph:  graph,
	})
	if len(fused) != 12 {
		t.Fatalf("expected 12 distinct candidates, got %d", len(fused))
	}
	seen := map[string]bool{}
	for _, c := range fused {
		if seen[c.ChunkID] {
			t.Fatalf("duplicate chunk id %s in fused list", c.ChunkID)
		}
		seen[c.ChunkID] = true
	}
}

func TestRRFFusionMergesRicherMetadata(t *testing.T) {
	sparse := candidate("a", 1)
	sparse.Metadata.Heading = "安全手順"
	vector := candidate("a", 1)
	vector.Metadata.FileName = ""

	fused := NewRRFFusion(60).Fuse(map[domain.SearchType][]domain.Candidate{
		domain.SearchVector: {vector},
		domain.SearchSparse: {sparse},
	})
	meta := fused[0].Metadata
	if meta.FileName != "a.pdf" || meta.Heading != "安全手順" {
		t.Fatalf("expected merged metadata, got %+v", meta)
	}
}

func TestLinearFusionWeightsSources(t *testing.T) {
	lists := map[domain.SearchType][]domain.Candidate{
		domain.SearchVector: {candidate("a", 0.9), candidate("b", 0.1)},
		domain.SearchSparse: {candidate("b", 10), candidate("a", 1)},
	}

	fused := LinearFusion{Weights: SourceWeights{Vector: 0.7, Sparse: 0.3}}.Fuse(lists)
	if fused[0].ChunkID != "a" {
		t.Fatalf("expected vector-weighted a first, got %s", fused[0].ChunkID)
	}
	if math.Abs(fused[0].FusedScore-0.7) > 1e-9 {
		t.Fatalf("expected fused score 0.7, got %f", fused[0].FusedScore)
	}
}

func TestRRFFusionIsIndependentOfInputOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		lists := drawSourceLists(rt)
		seed := rapid.Int64().Draw(rt, "seed")

		shuffled := map[domain.SearchType][]domain.Candidate{}
		rng := rand.New(rand.NewSource(seed))
		for source, list := range lists {
			copied := append([]domain.Candidate(nil), list...)
			rng.Shuffle(len(copied), func(i, j int) { copied[i], copied[j] = copied[j], copied[i] })
			shuffled[source] = copied
		}

		first := NewRRFFusion(60).Fuse(lists)
		second := NewRRFFusion(60).Fuse(shuffled)
		if len(first) != len(second) {
			rt.Fatalf("length differs: %d vs %d", len(first), len(second))
		}
		for i := range first {
			if first[i].ChunkID != second[i].ChunkID || first[i].FusedScore != second[i].FusedScore {
				rt.Fatalf("position %d differs: %s(%f) vs %s(%f)",
					i, first[i].ChunkID, first[i].FusedScore, second[i].ChunkID, second[i].FusedScore)
			}
		}
	})
}

func TestRRFFusionOneCandidatePerChunk(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		lists := drawSourceLists(rt)

		returnedBy := map[string]map[domain.SearchType]bool{}
		for source, list := range lists {
			for _, c := range list {
				if returnedBy[c.ChunkID] == nil {
					returnedBy[c.ChunkID] = map[domain.SearchType]bool{}
				}
				returnedBy[c.ChunkID][source] = true
			}
		}

		fused := NewRRFFusion(60).Fuse(lists)
		if len(fused) != len(returnedBy) {
			rt.Fatalf("expected %d distinct candidates, got %d", len(returnedBy), len(fused))
		}
		seen := map[string]bool{}
		for _, c := range fused {
			if seen[c.ChunkID] {
				rt.Fatalf("chunk %s fused twice", c.ChunkID)
			}
			seen[c.ChunkID] = true
			for source := range returnedBy[c.ChunkID] {
				if _, ok := c.SourceScores[source]; !ok {
					rt.Fatalf("chunk %s lost its %s score: %v", c.ChunkID, source, c.SourceScores)
				}
			}
			if len(c.SourceScores) != len(returnedBy[c.ChunkID]) {
				rt.Fatalf("chunk %s has scores for sources that did not return it: %v", c.ChunkID, c.SourceScores)
			}
		}
	})
}

// drawSourceLists draws overlapping candidate lists so chunk ids repeat within and across sources.
func drawSourceLists(rt *rapid.T) map[domain.SearchType][]domain.Candidate {
	lists := map[domain.SearchType][]domain.Candidate{}
	for _, source := range sourceOrder {
		n := rapid.IntRange(0, 8).Draw(rt, "n_"+string(source))
		list := make([]domain.Candidate, 0, n)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("c-%d", rapid.IntRange(0, 12).Draw(rt, fmt.Sprintf("id_%s_%d", source, i)))
			score := rapid.Float64Range(0, 1).Draw(rt, fmt.Sprintf("score_%s_%d", source, i))
			list = append(list, candidate(id, score))
		}
		lists[source] = list
	}
	return lists
}
