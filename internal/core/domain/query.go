package domain

import (
	"strings"
	"time"
)

type SearchMode string

const (
	ModeVector  SearchMode = "vector"
	ModeGraph   SearchMode = "graph"
	ModeHybrid  SearchMode = "hybrid"
	ModeKeyword SearchMode = "keyword"
)

func ParseSearchMode(raw string) (SearchMode, bool) {
	switch SearchMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return ModeHybrid, true
	case ModeVector:
		return ModeVector, true
	case ModeGraph:
		return ModeGraph, true
	case ModeHybrid:
		return ModeHybrid, true
	case ModeKeyword, "sparse":
		return ModeKeyword, true
	default:
		return "", false
	}
}

// Sources lists the search types a mode dispatches to.
func (m SearchMode) Sources() []SearchType {
	switch m {
	case ModeVector:
		return []SearchType{SearchVector}
	case ModeGraph:
		return []SearchType{SearchGraph}
	case ModeKeyword:
		return []SearchType{SearchSparse}
	default:
		return []SearchType{SearchVector, SearchSparse, SearchGraph}
	}
}

type DateRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

func (r DateRange) IsZero() bool {
	return r.From == nil && r.To == nil
}

func (r DateRange) Contains(t time.Time) bool {
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && t.After(*r.To) {
		return false
	}
	return true
}

type Filters struct {
	Department    string    `json:"department,omitempty"`
	DocumentTypes []string  `json:"document_types,omitempty"`
	DateRange     DateRange `json:"date_range,omitempty"`
	LatestOnly    bool      `json:"latest_only"`
}

func (f Filters) Active() bool {
	return f.Department != "" || len(f.DocumentTypes) > 0 || !f.DateRange.IsZero() || f.LatestOnly
}

// Query is built once per request and never mutated afterwards.
type Query struct {
	Text           string     `json:"text"`
	ConversationID string     `json:"conversation_id,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	Filters        Filters    `json:"filters"`
	Limit          int        `json:"limit"`
	Mode           SearchMode `json:"mode"`
	GraphDepth     int        `json:"graph_depth,omitempty"`
	NodeTypes      []string   `json:"node_types,omitempty"`
}

const (
	DefaultQueryLimit = 5
	MaxQueryLimit     = 50
	DefaultGraphDepth = 2
	MaxGraphDepth     = 4
)

// NewQuery validates raw request input and applies request-level defaults.
func NewQuery(text string, mode SearchMode, filters Filters, limit int) (Query, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Query{}, WrapError(ErrInvalidQuery, "new query", errEmptyText)
	}
	parsed, ok := ParseSearchMode(string(mode))
	if !ok {
		return Query{}, WrapError(ErrInvalidQuery, "new query", errUnknownMode(mode))
	}
	mode = parsed
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	if filters.DateRange.From != nil && filters.DateRange.To != nil && filters.DateRange.From.After(*filters.DateRange.To) {
		return Query{}, WrapError(ErrInvalidQuery, "new query", errInvertedDateRange)
	}
	return Query{
		Text:       text,
		Filters:    filters,
		Limit:      limit,
		Mode:       mode,
		GraphDepth: DefaultGraphDepth,
	}, nil
}

func (q Query) WithConversation(userID, conversationID string) Query {
	q.UserID = strings.TrimSpace(userID)
	q.ConversationID = strings.TrimSpace(conversationID)
	return q
}

func (q Query) WithGraphOptions(depth int, nodeTypes []string) Query {
	switch {
	case depth <= 0:
		depth = DefaultGraphDepth
	case depth > MaxGraphDepth:
		depth = MaxGraphDepth
	}
	q.GraphDepth = depth
	if len(nodeTypes) > 0 {
		q.NodeTypes = append([]string(nil), nodeTypes...)
	}
	return q
}
