package usecase

import (
	"strings"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
)

// filterCandidates drops candidates that violate an active filter. A candidate without the
// metadata a filter needs is treated as a violation.
func filterCandidates(candidates []domain.Candidate, filters domain.Filters) []domain.Candidate {
	if !filters.Active() || len(candidates) == 0 {
		return candidates
	}
	out := make([]domain.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if matchesFilters(c.Metadata, filters) {
			out = append(out, c)
		}
	}
	return out
}

func matchesFilters(meta domain.ChunkMetadata, filters domain.Filters) bool {
	if filters.Department != "" && !strings.EqualFold(meta.Department, filters.Department) {
		return false
	}
	if len(filters.DocumentTypes) > 0 && !containsFold(filters.DocumentTypes, meta.DocumentType) {
		return false
	}
	if filters.LatestOnly && (meta.IsLatest == nil || !*meta.IsLatest) {
		return false
	}
	if !filters.DateRange.IsZero() {
		if meta.EffectiveDate == nil || !filters.DateRange.Contains(*meta.EffectiveDate) {
			return false
		}
	}
	return true
}

func containsFold(values []string, target string) bool {
	if target == "" {
		return false
	}
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}
