package domain

import (
	"fmt"
	"strings"
	"time"
)

type SessionState string

const (
	StateStart      SessionState = "start"
	StateSearching  SessionState = "searching"
	StateGenerating SessionState = "generating"
	StateDone       SessionState = "done"
	StateError      SessionState = "error"
	StateCancelled  SessionState = "cancelled"
)

func (s SessionState) Terminal() bool {
	return s == StateDone || s == StateError || s == StateCancelled
}

func canTransition(from, to SessionState) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateSearching:
		return from == StateStart
	case StateGenerating:
		return from == StateSearching
	case StateDone:
		return from == StateGenerating
	case StateError:
		return true
	case StateCancelled:
		return from == StateSearching || from == StateGenerating
	default:
		return false
	}
}

// GenerationSession belongs to the goroutine serving one request and is not safe for sharing.
type GenerationSession struct {
	ID             string
	MessageID      string
	ConversationID string
	StartedAt      time.Time

	state  SessionState
	text   strings.Builder
	tokens int
}

func NewGenerationSession(id, messageID, conversationID string, now time.Time) *GenerationSession {
	return &GenerationSession{
		ID:             id,
		MessageID:      messageID,
		ConversationID: conversationID,
		StartedAt:      now,
		state:          StateStart,
	}
}

func (s *GenerationSession) State() SessionState {
	return s.state
}

func (s *GenerationSession) Transition(to SessionState) error {
	if !canTransition(s.state, to) {
		return fmt.Errorf("session %s: illegal transition %s -> %s", s.ID, s.state, to)
	}
	s.state = to
	return nil
}

func (s *GenerationSession) Append(token string) {
	if s.state != StateGenerating {
		return
	}
	s.text.WriteString(token)
	s.tokens++
}

func (s *GenerationSession) Text() string {
	return s.text.String()
}

func (s *GenerationSession) TokenEvents() int {
	return s.tokens
}

// Finalize freezes the session; only a session in StateDone yields a completed answer.
func (s *GenerationSession) Finalize(now time.Time) FinalizedSession {
	return FinalizedSession{
		ID:             s.ID,
		MessageID:      s.MessageID,
		ConversationID: s.ConversationID,
		State:          s.state,
		Text:           s.text.String(),
		TokenEvents:    s.tokens,
		StartedAt:      s.StartedAt,
		Duration:       now.Sub(s.StartedAt),
	}
}

type FinalizedSession struct {
	ID             string
	MessageID      string
	ConversationID string
	State          SessionState
	Text           string
	TokenEvents    int
	StartedAt      time.Time
	Duration       time.Duration
}

func (f FinalizedSession) Completed() bool {
	return f.State == StateDone
}
