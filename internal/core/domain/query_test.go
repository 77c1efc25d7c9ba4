package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNewQueryAppliesDefaultsAndCaps(t *testing.T) {
	q, err := NewQuery("  プレス機の点検  ", "", Filters{}, 0)
	if err != nil {
		t.Fatalf("NewQuery() error = %v", err)
	}
	if q.Text != "プレス機の点検" || q.Mode != ModeHybrid || q.Limit != DefaultQueryLimit || q.GraphDepth != DefaultGraphDepth {
		t.Fatalf("unexpected defaults %+v", q)
	}

	q, err = NewQuery("q", "SPARSE", Filters{}, 500)
	if err != nil {
		t.Fatalf("NewQuery() error = %v", err)
	}
	if q.Mode != ModeKeyword || q.Limit != MaxQueryLimit {
		t.Fatalf("expected keyword mode capped at %d, got %+v", MaxQueryLimit, q)
	}
	if len(q.Mode.Sources()) != 1 || q.Mode.Sources()[0] != SearchSparse {
		t.Fatalf("keyword mode must dispatch only sparse, got %v", q.Mode.Sources())
	}
}

func TestNewQueryRejectsInvalidInput(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)
	tests := []struct {
		name    string
		text    string
		mode    SearchMode
		filters Filters
		message string
	}{
		{name: "empty", text: "   ", message: "query text is empty"},
		{name: "mode", text: "q", mode: "fuzzy", message: "the query is invalid"},
		{name: "dates", text: "q", filters: Filters{DateRange: DateRange{From: &from, To: &to}}, message: "date range start is after end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewQuery(tt.text, tt.mode, tt.filters, 5)
			if !errors.Is(err, ErrInvalidQuery) {
				t.Fatalf("expected ErrInvalidQuery, got %v", err)
			}
			if got := UserMessage(err); got != tt.message {
				t.Fatalf("UserMessage() = %q, want %q", got, tt.message)
			}
		})
	}
}

func TestWithGraphOptionsClampsDepth(t *testing.T) {
	q, _ := NewQuery("q", ModeGraph, Filters{}, 5)
	if got := q.WithGraphOptions(9, []string{"Equipment"}); got.GraphDepth != MaxGraphDepth || len(got.NodeTypes) != 1 {
		t.Fatalf("unexpected graph options %+v", got)
	}
	if got := q.WithGraphOptions(-1, nil); got.GraphDepth != DefaultGraphDepth || got.NodeTypes != nil {
		t.Fatalf("unexpected graph options %+v", got)
	}
}

func TestFiltersActive(t *testing.T) {
	if (Filters{}).Active() {
		t.Fatalf("zero filters must be inactive")
	}
	if !(Filters{LatestOnly: true}).Active() || !(Filters{Department: "製造部"}).Active() {
		t.Fatalf("expected active filters")
	}
}

func TestErrorCodeSurvivesWrapping(t *testing.T) {
	tests := []struct {
		kind error
		code string
	}{
		{kind: ErrInvalidQuery, code: CodeInvalidQuery},
		{kind: ErrRetrievalUnavailable, code: CodeRetrievalUnavailable},
		{kind: ErrGenerationProvider, code: CodeGenerationFailed},
		{kind: ErrContextOverflow, code: CodeContextOverflow},
		{kind: errors.New("boom"), code: CodeInternal},
	}
	for _, tt := range tests {
		err := fmt.Errorf("handler: %w", WrapError(tt.kind, "op", errors.New("cause")))
		if got := ErrorCode(err); got != tt.code {
			t.Fatalf("ErrorCode(%v) = %s, want %s", err, got, tt.code)
		}
	}
	if WrapError(ErrTemporary, "op", nil) != nil {
		t.Fatalf("wrapping nil must stay nil")
	}
}

func TestUserMessageHidesInternals(t *testing.T) {
	err := WrapError(ErrGenerationProvider, "ollama", errors.New("dial tcp 10.0.0.3:11434: connection refused"))
	if got := UserMessage(err); got != "answer generation failed, please retry" {
		t.Fatalf("UserMessage() = %q", got)
	}
}
