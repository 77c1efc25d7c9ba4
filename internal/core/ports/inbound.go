package ports

import (
	"context"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
)

// QueryService is the inbound contract for search and grounded answering.
type QueryService interface {
	Stream(ctx context.Context, query domain.Query) <-chan domain.StreamEvent
	Answer(ctx context.Context, query domain.Query) (*domain.AnswerResult, error)
	Search(ctx context.Context, query domain.Query) (*domain.SearchResult, error)
}

// ReadinessChecker reports availability of each backing store.
type ReadinessChecker interface {
	Readiness(ctx context.Context) map[string]error
}
