package mcpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
)

type searchServiceFake struct {
	lastQuery domain.Query
	result    *domain.SearchResult
	err       error
}

func (f *searchServiceFake) Stream(context.Context, domain.Query) <-chan domain.StreamEvent {
	ch := make(chan domain.StreamEvent)
	close(ch)
	return ch
}

func (f *searchServiceFake) Answer(context.Context, domain.Query) (*domain.AnswerResult, error) {
	return nil, errors.New("not used")
}

func (f *searchServiceFake) Search(_ context.Context, q domain.Query) (*domain.SearchResult, error) {
	f.lastQuery = q
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func callTool(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = searchToolName
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(result.Content))
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", result.Content[0])
	}
	return text.Text
}

func TestSearchToolReturnsEvidence(t *testing.T) {
	svc := &searchServiceFake{result: &domain.SearchResult{
		Evidence: domain.EvidenceSet{Items: []domain.ScoredCandidate{
			{
				ChunkID:      "c-1",
				DocumentID:   "d-1",
				Text:         "プレス機は始業前に点検する。",
				FusedScore:   0.032,
				Metadata:     domain.ChunkMetadata{FileName: "press.pdf", Title: "プレス機点検手順"},
				SourceScores: map[domain.SearchType]float64{domain.SearchVector: 0.81, domain.SearchSparse: 4.2},
			},
		}},
		Graph:    domain.GraphFragment{Nodes: []domain.GraphNode{{ID: "e-1", Label: "プレス機", Type: "Equipment"}}},
		Metadata: domain.RetrievalMetadata{FailedSources: []domain.SearchType{domain.SearchGraph}, Scorer: "linear"},
	}}
	tool := NewSearchTool(svc)

	result, err := tool.Handle(context.Background(), callTool(map[string]any{
		"query":          "プレス機の点検",
		"mode":           "hybrid",
		"limit":          float64(3),
		"depth":          float64(3),
		"department":     "製造部",
		"document_types": []any{"manual"},
		"date_from":      "2024-01-01",
		"latest_only":    false,
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, result))
	}

	var out searchOutput
	if err := json.Unmarshal([]byte(resultText(t, result)), &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(out.Evidence) != 1 || out.Evidence[0].Index != 1 || out.Evidence[0].Citation.FileName != "press.pdf" {
		t.Fatalf("unexpected evidence: %+v", out.Evidence)
	}
	if len(out.Evidence[0].Sources) != 2 {
		t.Fatalf("expected both contributing sources, got %v", out.Evidence[0].Sources)
	}
	if len(out.FailedSources) != 1 || out.FailedSources[0] != domain.SearchGraph {
		t.Fatalf("unexpected failed sources: %v", out.FailedSources)
	}

	q := svc.lastQuery
	if q.Limit != 3 || q.GraphDepth != 3 || q.Mode != domain.ModeHybrid {
		t.Fatalf("unexpected query: %+v", q)
	}
	if q.Filters.LatestOnly || q.Filters.Department != "製造部" || len(q.Filters.DocumentTypes) != 1 {
		t.Fatalf("unexpected filters: %+v", q.Filters)
	}
	if q.Filters.DateRange.From == nil || q.Filters.DateRange.From.Year() != 2024 {
		t.Fatalf("expected parsed date_from, got %+v", q.Filters.DateRange)
	}
}

func TestSearchToolDefaultsLatestOnly(t *testing.T) {
	svc := &searchServiceFake{result: &domain.SearchResult{}}
	if _, err := NewSearchTool(svc).Handle(context.Background(), callTool(map[string]any{"query": "金型"})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !svc.lastQuery.Filters.LatestOnly {
		t.Fatalf("latest_only must default to true")
	}
	if svc.lastQuery.Limit != domain.DefaultQueryLimit {
		t.Fatalf("expected default limit, got %d", svc.lastQuery.Limit)
	}
}

func TestSearchToolErrorsAreToolResults(t *testing.T) {
	cases := []struct {
		name string
		args map[string]any
		err  error
		want string
	}{
		{name: "missing query", args: map[string]any{}, want: "query"},
		{name: "blank query", args: map[string]any{"query": "  "}, want: "empty"},
		{name: "bad mode", args: map[string]any{"query": "x", "mode": "fuzzy"}, want: "invalid"},
		{name: "bad date", args: map[string]any{"query": "x", "date_to": "last week"}, want: "invalid date"},
		{
			name: "retrieval down",
			args: map[string]any{"query": "x"},
			err:  domain.WrapError(domain.ErrRetrievalUnavailable, "retrieve", errors.New("qdrant: connection refused")),
			want: "temporarily unavailable",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &searchServiceFake{err: tc.err, result: &domain.SearchResult{}}
			result, err := NewSearchTool(svc).Handle(context.Background(), callTool(tc.args))
			if err != nil {
				t.Fatalf("protocol error: %v", err)
			}
			if !result.IsError {
				t.Fatalf("expected tool error result")
			}
			text := resultText(t, result)
			if !strings.Contains(text, tc.want) {
				t.Fatalf("expected %q in %q", tc.want, text)
			}
			if strings.Contains(text, "qdrant") {
				t.Fatalf("error leaks internals: %q", text)
			}
		})
	}
}

func TestSearchToolDefinition(t *testing.T) {
	def := NewSearchTool(&searchServiceFake{}).Definition()
	if def.Name != searchToolName {
		t.Fatalf("unexpected tool name %q", def.Name)
	}
	if len(def.InputSchema.Required) != 1 || def.InputSchema.Required[0] != "query" {
		t.Fatalf("expected query to be the only required argument, got %v", def.InputSchema.Required)
	}
	for _, arg := range []string{"mode", "limit", "depth", "department", "document_types", "date_from", "date_to", "latest_only"} {
		if _, ok := def.InputSchema.Properties[arg]; !ok {
			t.Fatalf("missing argument %q", arg)
		}
	}
	if NewServer(&searchServiceFake{}, "test") == nil {
		t.Fatalf("expected server")
	}
}
