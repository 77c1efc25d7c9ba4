package usecase

import (
	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
)

// selectWithinBudget keeps a ranked prefix whose token cost fits budget. It never reorders
// and never skips ahead to a cheaper candidate: the first overflow ends the selection.
func selectWithinBudget(ranked []domain.ScoredCandidate, estimator ports.TokenEstimator, budget, maxItems int) domain.EvidenceSet {
	set := domain.EvidenceSet{Items: make([]domain.ScoredCandidate, 0, min(len(ranked), max(maxItems, 0)))}
	for i, c := range ranked {
		if maxItems > 0 && len(set.Items) >= maxItems {
			break
		}
		textTokens := estimator.Count(c.Text)
		cost := textTokens + estimator.Count(evidenceHeader(i+1, c))
		if i > 0 {
			cost += estimator.Count(evidenceSeparator)
		}
		if set.TotalTokens+cost > budget {
			break
		}
		c.Tokens = textTokens
		set.Items = append(set.Items, c)
		set.TotalTokens += cost
	}
	set.Dropped = len(ranked) - len(set.Items)
	return set
}

