package httpadapter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
)

const maxRequestBodyBytes = 1 << 20

type queryRequest struct {
	Query          string          `json:"query"`
	Mode           string          `json:"mode,omitempty"`
	Limit          int             `json:"limit,omitempty"`
	Filters        *filtersRequest `json:"filters,omitempty"`
	Depth          int             `json:"depth,omitempty"`
	NodeTypes      []string        `json:"node_types,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ChatSessionID  string          `json:"chat_session_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
}

type filtersRequest struct {
	Department    string    `json:"department,omitempty"`
	DocumentTypes []string  `json:"document_types,omitempty"`
	DateFrom      *jsonDate `json:"date_from,omitempty"`
	DateTo        *jsonDate `json:"date_to,omitempty"`
	LatestOnly    *bool     `json:"latest_only,omitempty"`
}

// jsonDate accepts RFC 3339 timestamps and plain YYYY-MM-DD dates.
type jsonDate struct {
	time.Time
}

func (d *jsonDate) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			d.Time = t
			return nil
		}
	}
	return fmt.Errorf("invalid date %q", raw)
}

func (d *jsonDate) ptr() *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time
	return &t
}

// toQuery applies request defaults: latest_only is on unless the caller turns it off.
func (req queryRequest) toQuery() (domain.Query, error) {
	filters := domain.Filters{LatestOnly: true}
	if f := req.Filters; f != nil {
		filters.Department = strings.TrimSpace(f.Department)
		for _, docType := range f.DocumentTypes {
			if docType = strings.TrimSpace(docType); docType != "" {
				filters.DocumentTypes = append(filters.DocumentTypes, docType)
			}
		}
		filters.DateRange = domain.DateRange{From: f.DateFrom.ptr(), To: f.DateTo.ptr()}
		if f.LatestOnly != nil {
			filters.LatestOnly = *f.LatestOnly
		}
	}

	q, err := domain.NewQuery(req.Query, domain.SearchMode(req.Mode), filters, req.Limit)
	if err != nil {
		return domain.Query{}, err
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = req.ChatSessionID
	}
	return q.WithGraphOptions(req.Depth, req.NodeTypes).WithConversation(req.UserID, conversationID), nil
}
