package usecase

import (
	"sort"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
)

// sourceOrder fixes the iteration order over sources so fusion never depends on map order.
var sourceOrder = []domain.SearchType{domain.SearchVector, domain.SearchSparse, domain.SearchGraph}

// FusionStrategy merges per-source candidate lists into one ranked list. Implementations must be pure.
type FusionStrategy interface {
	Name() string
	Fuse(lists map[domain.SearchType][]domain.Candidate) []domain.ScoredCandidate
}

type SourceWeights struct {
	Vector float64 `yaml:"vector"`
	Sparse float64 `yaml:"sparse"`
	Graph  float64 `yaml:"graph"`
}

func DefaultSourceWeights() SourceWeights {
	return SourceWeights{Vector: 0.7, Sparse: 0.3, Graph: 0.2}
}

func (w SourceWeights) For(source domain.SearchType) float64 {
	switch source {
	case domain.SearchVector:
		return w.Vector
	case domain.SearchSparse:
		return w.Sparse
	case domain.SearchGraph:
		return w.Graph
	default:
		return 0
	}
}

type RRFFusion struct {
	K int
}

func NewRRFFusion(k int) RRFFusion {
	if k <= 0 {
		k = 60
	}
	return RRFFusion{K: k}
}

func (RRFFusion) Name() string { return "rrf" }

// Fuse assigns 1/(k+rank) per source ranking (rank is 1-based) and sums contributions per chunk.
func (f RRFFusion) Fuse(lists map[domain.SearchType][]domain.Candidate) []domain.ScoredCandidate {
	k := f.K
	if k <= 0 {
		k = 60
	}
	merged, ranked := mergeCandidates(lists)
	for _, source := range sourceOrder {
		for rank, c := range ranked[source] {
			merged[c.ChunkID].FusedScore += 1.0 / float64(k+rank+1)
		}
	}
	return sortFused(merged)
}

// LinearFusion combines min-max normalized per-source scores with fixed weights.
type LinearFusion struct {
	Weights SourceWeights
}

func (LinearFusion) Name() string { return "linear" }

func (f LinearFusion) Fuse(lists map[domain.SearchType][]domain.Candidate) []domain.ScoredCandidate {
	merged, _ := mergeCandidates(lists)
	out := sortFused(merged)
	normalized := normalizeSourceScores(out)
	for i := range out {
		out[i].FusedScore = weightedScore(normalized[out[i].ChunkID], f.Weights)
	}
	sortByFusedScore(out)
	return out
}

// mergeCandidates dedups by chunk id across and within sources. Within one source the highest
// score wins; across sources every source keeps its own entry in SourceScores.
func mergeCandidates(lists map[domain.SearchType][]domain.Candidate) (map[string]*domain.ScoredCandidate, map[domain.SearchType][]domain.Candidate) {
	merged := make(map[string]*domain.ScoredCandidate)
	ranked := make(map[domain.SearchType][]domain.Candidate, len(lists))

	for _, source := range sourceOrder {
		list := rankSource(lists[source])
		ranked[source] = list
		for _, c := range list {
			entry, ok := merged[c.ChunkID]
			if !ok {
				entry = &domain.ScoredCandidate{
					ChunkID:      c.ChunkID,
					DocumentID:   c.DocumentID,
					Text:         c.Text,
					Metadata:     c.Metadata,
					SourceScores: make(map[domain.SearchType]float64, len(sourceOrder)),
				}
				merged[c.ChunkID] = entry
			} else {
				preferRicherCandidate(entry, c)
			}
			entry.SourceScores[source] = c.Score
		}
	}
	return merged, ranked
}

// rankSource orders one source by its own score, keeping only the best entry per chunk id.
func rankSource(list []domain.Candidate) []domain.Candidate {
	if len(list) == 0 {
		return nil
	}
	sorted := make([]domain.Candidate, 0, len(list))
	for _, c := range list {
		if c.ChunkID == "" {
			continue
		}
		sorted = append(sorted, c)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		if sorted[i].ChunkID != sorted[j].ChunkID {
			return sorted[i].ChunkID < sorted[j].ChunkID
		}
		return sorted[i].Text < sorted[j].Text
	})

	seen := make(map[string]struct{}, len(sorted))
	out := sorted[:0]
	for _, c := range sorted {
		if _, dup := seen[c.ChunkID]; dup {
			continue
		}
		seen[c.ChunkID] = struct{}{}
		out = append(out, c)
	}
	return out
}

func preferRicherCandidate(current *domain.ScoredCandidate, candidate domain.Candidate) {
	if current.DocumentID == "" {
		current.DocumentID = candidate.DocumentID
	}
	if len(candidate.Text) > len(current.Text) {
		current.Text = candidate.Text
	}
	meta := &current.Metadata
	if meta.Title == "" {
		meta.Title = candidate.Metadata.Title
	}
	if meta.FileName == "" {
		meta.FileName = candidate.Metadata.FileName
	}
	if meta.Heading == "" {
		meta.Heading = candidate.Metadata.Heading
	}
	if meta.Page == 0 {
		meta.Page = candidate.Metadata.Page
	}
	if meta.Department == "" {
		meta.Department = candidate.Metadata.Department
	}
	if meta.DocumentType == "" {
		meta.DocumentType = candidate.Metadata.DocumentType
	}
	if meta.IsLatest == nil {
		meta.IsLatest = candidate.Metadata.IsLatest
	}
	if meta.EffectiveDate == nil {
		meta.EffectiveDate = candidate.Metadata.EffectiveDate
	}
}

func sortFused(merged map[string]*domain.ScoredCandidate) []domain.ScoredCandidate {
	out := make([]domain.ScoredCandidate, 0, len(merged))
	for _, c := range merged {
		out = append(out, *c)
	}
	sortByFusedScore(out)
	return out
}

func sortByFusedScore(out []domain.ScoredCandidate) {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
}

// normalizeSourceScores min-max scales each source's raw scores across the given candidates.
func normalizeSourceScores(candidates []domain.ScoredCandidate) map[string]map[domain.SearchType]float64 {
	type bounds struct {
		min, max float64
		seen     bool
	}
	ranges := make(map[domain.SearchType]*bounds, len(sourceOrder))
	for _, c := range candidates {
		for source, score := range c.SourceScores {
			b, ok := ranges[source]
			if !ok {
				b = &bounds{}
				ranges[source] = b
			}
			if !b.seen || score < b.min {
				b.min = score
			}
			if !b.seen || score > b.max {
				b.max = score
			}
			b.seen = true
		}
	}

	out := make(map[string]map[domain.SearchType]float64, len(candidates))
	for _, c := range candidates {
		scores := make(map[domain.SearchType]float64, len(c.SourceScores))
		for source, score := range c.SourceScores {
			b := ranges[source]
			spread := b.max - b.min
			switch {
			case spread > 0:
				scores[source] = (score - b.min) / spread
			case score > 0:
				scores[source] = 1
			default:
				scores[source] = 0
			}
		}
		out[c.ChunkID] = scores
	}
	return out
}

func weightedScore(normalized map[domain.SearchType]float64, weights SourceWeights) float64 {
	total := 0.0
	for _, source := range sourceOrder {
		if v, ok := normalized[source]; ok {
			total += weights.For(source) * v
		}
	}
	return total
}
