package qdrant

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/resilience"
)

// buildFilter pushes request filters down as a Qdrant "must" clause.
func buildFilter(filters domain.Filters) map[string]any {
	must := make([]map[string]any, 0, 4)
	if dept := strings.TrimSpace(filters.Department); dept != "" {
		must = append(must, map[string]any{
			"key":   "department",
			"match": map[string]any{"value": dept},
		})
	}
	if len(filters.DocumentTypes) > 0 {
		must = append(must, map[string]any{
			"key":   "document_type",
			"match": map[string]any{"any": filters.DocumentTypes},
		})
	}
	if filters.LatestOnly {
		must = append(must, map[string]any{
			"key":   "is_latest",
			"match": map[string]any{"value": true},
		})
	}
	if !filters.DateRange.IsZero() {
		bounds := map[string]any{}
		if filters.DateRange.From != nil {
			bounds["gte"] = filters.DateRange.From.UTC().Format(time.RFC3339)
		}
		if filters.DateRange.To != nil {
			bounds["lte"] = filters.DateRange.To.UTC().Format(time.RFC3339)
		}
		must = append(must, map[string]any{
			"key":   "effective_date",
			"range": bounds,
		})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

// candidateFromPayload reads the chunk payload written by the indexer. The point id is the chunk
// id; payloads without one fall back to document_id:chunk_index.
func candidateFromPayload(id string, payload map[string]any) domain.Candidate {
	documentID := stringField(payload, "document_id")
	chunkIndex := intField(payload, "chunk_index")
	if id == "" && documentID != "" {
		id = fmt.Sprintf("%s:%d", documentID, chunkIndex)
	}

	meta := domain.ChunkMetadata{
		Title:        stringField(payload, "title"),
		FileName:     stringField(payload, "file_name"),
		Heading:      stringField(payload, "heading"),
		Page:         intField(payload, "page"),
		ChunkIndex:   chunkIndex,
		Department:   stringField(payload, "department"),
		DocumentType: stringField(payload, "document_type"),
	}
	if v, ok := payload["is_latest"].(bool); ok {
		meta.IsLatest = &v
	}
	if raw := stringField(payload, "effective_date"); raw != "" {
		if ts, err := parseDate(raw); err == nil {
			meta.EffectiveDate = &ts
		}
	}

	return domain.Candidate{
		ChunkID:    id,
		DocumentID: documentID,
		Text:       stringField(payload, "text"),
		Metadata:   meta,
	}
}

func parseDate(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func stringField(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func intField(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

func classifyQdrantError(err error) resilience.Classification {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return resilience.Classification{Retryable: true, RecordFailure: true}
		case http.StatusInternalServerError:
			return resilience.Classification{Retryable: false, RecordFailure: true}
		default:
			return resilience.Classification{Retryable: false, RecordFailure: false}
		}
	}
	return resilience.ClassifyTransport(err)
}
