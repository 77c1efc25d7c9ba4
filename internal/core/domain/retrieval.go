package domain

import "time"

type SearchType string

const (
	SearchVector SearchType = "vector"
	SearchSparse SearchType = "sparse"
	SearchGraph  SearchType = "graph"
)

type ChunkMetadata struct {
	Title         string     `json:"title,omitempty"`
	FileName      string     `json:"file_name,omitempty"`
	Heading       string     `json:"heading,omitempty"`
	Page          int        `json:"page,omitempty"`
	ChunkIndex    int        `json:"chunk_index"`
	Department    string     `json:"department,omitempty"`
	DocumentType  string     `json:"document_type,omitempty"`
	IsLatest      *bool      `json:"is_latest,omitempty"`
	EffectiveDate *time.Time `json:"effective_date,omitempty"`
}

// Candidate is produced by one evidence adapter and is never mutated once returned.
type Candidate struct {
	ChunkID    string        `json:"chunk_id"`
	DocumentID string        `json:"document_id"`
	Text       string        `json:"text"`
	SearchType SearchType    `json:"search_type"`
	Score      float64       `json:"score"`
	Metadata   ChunkMetadata `json:"metadata"`
}

type ScoredCandidate struct {
	ChunkID      string                 `json:"chunk_id"`
	DocumentID   string                 `json:"document_id"`
	Text         string                 `json:"text"`
	Metadata     ChunkMetadata          `json:"metadata"`
	SourceScores map[SearchType]float64 `json:"source_scores"`
	FusedScore   float64                `json:"fused_score"`
	RerankScore  *float64               `json:"rerank_score,omitempty"`
	Tokens       int                    `json:"tokens,omitempty"`
}

func (c ScoredCandidate) SearchTypes() []SearchType {
	out := make([]SearchType, 0, len(c.SourceScores))
	for _, st := range []SearchType{SearchVector, SearchSparse, SearchGraph} {
		if _, ok := c.SourceScores[st]; ok {
			out = append(out, st)
		}
	}
	return out
}

// EvidenceSet keeps fusion order; TotalTokens plus the generation reserve never exceeds the context window.
type EvidenceSet struct {
	Items       []ScoredCandidate `json:"items"`
	TotalTokens int               `json:"total_tokens"`
	Dropped     int               `json:"dropped"`
}

func (e EvidenceSet) Empty() bool {
	return len(e.Items) == 0
}

// SourceOutcome is the fan-out unit of return: either candidates or an unavailability reason.
type SourceOutcome struct {
	Source     SearchType    `json:"source"`
	Candidates []Candidate   `json:"-"`
	Fragment   GraphFragment `json:"-"`
	Err        error         `json:"-"`
	Duration   time.Duration `json:"duration"`
}

func (o SourceOutcome) Available() bool {
	return o.Err == nil
}

type RetrievalMetadata struct {
	Mode          SearchMode     `json:"mode"`
	Sources       []SearchType   `json:"sources"`
	FailedSources []SearchType   `json:"failed_sources"`
	SourceCounts  map[string]int `json:"source_counts"`
	FusedCount    int            `json:"fused_count"`
	Fusion        string         `json:"fusion"`
	Scorer        string         `json:"scorer"`
	SearchMS      int64          `json:"search_ms"`
}

type SearchResult struct {
	Query    Query             `json:"query"`
	Evidence EvidenceSet       `json:"evidence"`
	Graph    GraphFragment     `json:"graph"`
	Metadata RetrievalMetadata `json:"metadata"`
}
