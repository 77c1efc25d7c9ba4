package ports

import (
	"context"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
)

// Embedder builds dense vectors for query text.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher performs dense similarity search with filter pushdown.
type VectorSearcher interface {
	SearchDense(ctx context.Context, vector []float32, filters domain.Filters, limit int) ([]domain.Candidate, error)
	Ping(ctx context.Context) error
}

// SparseSearcher performs keyword search over the same chunk corpus.
type SparseSearcher interface {
	SearchSparse(ctx context.Context, text string, filters domain.Filters, limit int) ([]domain.Candidate, error)
	Ping(ctx context.Context) error
}

type GraphRequest struct {
	Text      string
	Vector    []float32
	Depth     int
	NodeTypes []string
	Filters   domain.Filters
	Limit     int
}

// GraphSearcher returns evidence summaries and the display fragment from one traversal.
type GraphSearcher interface {
	Traverse(ctx context.Context, req GraphRequest) ([]domain.Candidate, domain.GraphFragment, error)
	Ping(ctx context.Context) error
}

type RerankDocument struct {
	ID   string
	Text string
}

// Reranker scores (query, text) pairs. Returned scores are aligned with the input order.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []RerankDocument) ([]float64, error)
	ModelName() string
}

type GenerationRequest struct {
	Prompt    string
	System    string
	MaxTokens int
}

type GenerationUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// TokenStreamer drives the LLM provider. onToken is called sequentially; returning an error aborts the stream.
type TokenStreamer interface {
	Stream(ctx context.Context, req GenerationRequest, onToken func(string) error) (GenerationUsage, error)
}

// TokenEstimator counts tokens for budget decisions. Implementations round up rather than under-count.
type TokenEstimator interface {
	Count(text string) int
	Name() string
}

// HistoryStore reads prior turns of a conversation, oldest first.
type HistoryStore interface {
	RecentTurns(ctx context.Context, userID, conversationID string, limit int) ([]domain.ChatTurn, error)
}

// AnswerSink is the persistence hand-off. Calls are fire-and-forget from the orchestrator.
type AnswerSink interface {
	PublishCompleted(ctx context.Context, answer domain.CompletedAnswer) error
	PublishFailure(ctx context.Context, failure domain.FailureRecord) error
}

type Priority int

const (
	PriorityInteractive Priority = iota
	PriorityBackground
)

// GenerationGate bounds concurrent calls into the shared inference backend.
type GenerationGate interface {
	Acquire(ctx context.Context, priority Priority) (release func(), err error)
}
