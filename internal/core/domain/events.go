package domain

type EventType string

const (
	EventStart   EventType = "start"
	EventSources EventType = "sources"
	EventGraph   EventType = "graph"
	EventToken   EventType = "token"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

type StartPayload struct {
	SessionID      string `json:"session_id"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Mode           string `json:"mode"`
}

type Citation struct {
	Index       int          `json:"index"`
	ChunkID     string       `json:"chunk_id"`
	DocumentID  string       `json:"document_id"`
	FileName    string       `json:"file_name"`
	Heading     string       `json:"heading,omitempty"`
	Page        int          `json:"page,omitempty"`
	Score       float64      `json:"score"`
	SearchTypes []SearchType `json:"search_types"`
}

// Citations numbers evidence items from 1 in prompt order, matching the [n] markers.
func (e EvidenceSet) Citations() []Citation {
	out := make([]Citation, 0, len(e.Items))
	for i, item := range e.Items {
		score := item.FusedScore
		if item.RerankScore != nil {
			score = *item.RerankScore
		}
		fileName := item.Metadata.FileName
		if fileName == "" {
			fileName = item.Metadata.Title
		}
		out = append(out, Citation{
			Index:       i + 1,
			ChunkID:     item.ChunkID,
			DocumentID:  item.DocumentID,
			FileName:    fileName,
			Heading:     item.Metadata.Heading,
			Page:        item.Metadata.Page,
			Score:       score,
			SearchTypes: item.SearchTypes(),
		})
	}
	return out
}

type SourcesPayload struct {
	Sources       []Citation   `json:"sources"`
	FailedSources []SearchType `json:"failed_sources"`
	Scorer        string       `json:"scorer"`
}

type TokenPayload struct {
	Content string `json:"content"`
}

type Latency struct {
	SearchMS     int64 `json:"search_ms"`
	GenerationMS int64 `json:"generation_ms"`
	TotalMS      int64 `json:"total_ms"`
}

type DonePayload struct {
	SessionID        string       `json:"session_id"`
	MessageID        string       `json:"message_id"`
	PromptTokens     int          `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
	EvidenceTokens   int          `json:"evidence_tokens"`
	Latency          Latency      `json:"latency"`
	FailedSources    []SearchType `json:"failed_sources"`
	Scorer           string       `json:"scorer"`
	NoContext        bool         `json:"no_context"`
	Grounded         bool         `json:"grounded"`
	HistoryTurns     int          `json:"history_turns"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StreamEvent carries exactly one non-nil payload matching Type.
type StreamEvent struct {
	Type    EventType
	Start   *StartPayload
	Sources *SourcesPayload
	Graph   *GraphFragment
	Token   *TokenPayload
	Done    *DonePayload
	Error   *ErrorPayload
}

func (e StreamEvent) Payload() any {
	switch e.Type {
	case EventStart:
		return e.Start
	case EventSources:
		return e.Sources
	case EventGraph:
		return e.Graph
	case EventToken:
		return e.Token
	case EventDone:
		return e.Done
	case EventError:
		return e.Error
	default:
		return nil
	}
}

func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

type AnswerResult struct {
	SessionID string        `json:"session_id"`
	MessageID string        `json:"message_id"`
	Text      string        `json:"text"`
	Sources   []Citation    `json:"sources"`
	Evidence  EvidenceSet   `json:"evidence"`
	Graph     GraphFragment `json:"graph"`
	Done      *DonePayload  `json:"metadata,omitempty"`
}
