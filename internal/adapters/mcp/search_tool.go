package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
)

const searchToolName = "knowledge_search"

// SearchTool exposes hybrid retrieval without generation, so agents can read the evidence
// and cite it themselves.
type SearchTool struct {
	svc ports.QueryService
}

func NewSearchTool(svc ports.QueryService) *SearchTool {
	return &SearchTool{svc: svc}
}

func (t *SearchTool) Definition() mcp.Tool {
	return mcp.NewTool(searchToolName,
		mcp.WithDescription("Search the factory knowledge base (manuals, procedures, incident reports) with combined vector, keyword and graph retrieval. Returns ranked evidence chunks with citations and the related entity graph."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural-language question or keywords."),
		),
		mcp.WithString("mode",
			mcp.Description("Retrieval mode."),
			mcp.Enum(string(domain.ModeHybrid), string(domain.ModeVector), string(domain.ModeKeyword), string(domain.ModeGraph)),
		),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Maximum evidence items (default %d, max %d).", domain.DefaultQueryLimit, domain.MaxQueryLimit)),
		),
		mcp.WithNumber("depth",
			mcp.Description(fmt.Sprintf("Graph traversal depth (default %d, max %d).", domain.DefaultGraphDepth, domain.MaxGraphDepth)),
		),
		mcp.WithString("department",
			mcp.Description("Only documents owned by this department."),
		),
		mcp.WithArray("document_types",
			mcp.Description("Only these document types, e.g. manual, procedure, report."),
			mcp.WithStringItems(),
		),
		mcp.WithString("date_from",
			mcp.Description("Earliest effective date, YYYY-MM-DD or RFC 3339."),
		),
		mcp.WithString("date_to",
			mcp.Description("Latest effective date, YYYY-MM-DD or RFC 3339."),
		),
		mcp.WithBoolean("latest_only",
			mcp.Description("Only the latest revision of each document (default true)."),
		),
	)
}

func (t *SearchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	filters := domain.Filters{
		Department:    strings.TrimSpace(req.GetString("department", "")),
		DocumentTypes: req.GetStringSlice("document_types", nil),
		LatestOnly:    req.GetBool("latest_only", true),
	}
	if filters.DateRange.From, err = parseDate(req.GetString("date_from", "")); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if filters.DateRange.To, err = parseDate(req.GetString("date_to", "")); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	q, err := domain.NewQuery(text, domain.SearchMode(req.GetString("mode", "")), filters, req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(domain.UserMessage(err)), nil
	}
	q = q.WithGraphOptions(req.GetInt("depth", 0), nil)

	result, err := t.svc.Search(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(domain.UserMessage(err)), nil
	}

	payload, err := json.Marshal(toSearchOutput(result))
	if err != nil {
		return nil, fmt.Errorf("marshal search result: %w", err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}

type evidenceOutput struct {
	Index    int                 `json:"index"`
	Citation domain.Citation     `json:"citation"`
	Text     string              `json:"text"`
	Title    string              `json:"title,omitempty"`
	Sources  []domain.SearchType `json:"sources"`
}

type searchOutput struct {
	Evidence      []evidenceOutput     `json:"evidence"`
	Graph         domain.GraphFragment `json:"graph"`
	FailedSources []domain.SearchType  `json:"failed_sources"`
	Scorer        string               `json:"scorer"`
}

func toSearchOutput(result *domain.SearchResult) searchOutput {
	citations := result.Evidence.Citations()
	out := searchOutput{
		Evidence:      make([]evidenceOutput, 0, len(citations)),
		Graph:         result.Graph,
		FailedSources: result.Metadata.FailedSources,
		Scorer:        result.Metadata.Scorer,
	}
	for i, item := range result.Evidence.Items {
		out.Evidence = append(out.Evidence, evidenceOutput{
			Index:    citations[i].Index,
			Citation: citations[i],
			Text:     item.Text,
			Title:    item.Metadata.Title,
			Sources:  item.SearchTypes(),
		})
	}
	return out
}

func parseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", raw)
}
