package usecase

import (
	"context"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
)

var (
	_ ports.QueryService     = (*QueryUseCase)(nil)
	_ ports.ReadinessChecker = (*QueryUseCase)(nil)
)

type QueryUseCase struct {
	search  *SearchPipeline
	answers *AnswerOrchestrator
}

func NewQueryUseCase(search *SearchPipeline, answers *AnswerOrchestrator) *QueryUseCase {
	return &QueryUseCase{
		search:  search,
		answers: answers,
	}
}

func (uc *QueryUseCase) Search(ctx context.Context, q domain.Query) (*domain.SearchResult, error) {
	return uc.search.Run(ctx, q)
}

func (uc *QueryUseCase) Stream(ctx context.Context, q domain.Query) <-chan domain.StreamEvent {
	return uc.answers.Stream(ctx, q)
}

func (uc *QueryUseCase) Answer(ctx context.Context, q domain.Query) (*domain.AnswerResult, error) {
	return uc.answers.Answer(ctx, q)
}

func (uc *QueryUseCase) Readiness(ctx context.Context) map[string]error {
	return uc.search.Readiness(ctx)
}
