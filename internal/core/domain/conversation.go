package domain

import "time"

type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

type ChatTurn struct {
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CompletedAnswer is handed to the persistence collaborator after a stream reaches done.
type CompletedAnswer struct {
	SessionID        string        `json:"session_id"`
	MessageID        string        `json:"message_id"`
	ConversationID   string        `json:"conversation_id,omitempty"`
	UserID           string        `json:"user_id,omitempty"`
	Question         string        `json:"question"`
	Text             string        `json:"text"`
	Sources          []Citation    `json:"sources"`
	Graph            GraphFragment `json:"graph"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	LatencyMS        int64         `json:"latency_ms"`
	CreatedAt        time.Time     `json:"created_at"`
}

type FailureRecord struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Question       string    `json:"question"`
	Code           string    `json:"code"`
	Detail         string    `json:"detail"`
	LatencyMS      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}
