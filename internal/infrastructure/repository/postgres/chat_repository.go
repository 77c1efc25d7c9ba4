package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
)

var _ ports.HistoryStore = (*ChatRepository)(nil)

const schemaLockID int64 = 2026101701

// ChatRepository keeps conversation turns for prompt history and the records of finished
// answers and failures. Writes are idempotent per session id so redelivered messages are safe.
type ChatRepository struct {
	db *sql.DB
}

func NewChatRepository(db *sql.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

func (r *ChatRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS conversations (
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, conversation_id)
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation
	ON chat_messages(user_id, conversation_id, created_at DESC);

CREATE TABLE IF NOT EXISTS answers (
	session_id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	question TEXT NOT NULL,
	answer TEXT NOT NULL,
	sources JSONB NOT NULL DEFAULT '[]'::jsonb,
	graph JSONB NOT NULL DEFAULT '{}'::jsonb,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS answer_failures (
	session_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	question TEXT NOT NULL,
	code TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	latency_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_answer_failures_code ON answer_failures(code, created_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *ChatRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RecentTurns returns up to limit messages of the conversation in chronological order.
func (r *ChatRepository) RecentTurns(ctx context.Context, userID, conversationID string, limit int) ([]domain.ChatTurn, error) {
	if limit <= 0 || conversationID == "" {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT role, content, created_at
FROM chat_messages
WHERE user_id = $1 AND conversation_id = $2
ORDER BY created_at DESC, id DESC
LIMIT $3
`, userID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent turns: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ChatTurn, 0, limit)
	for rows.Next() {
		var turn domain.ChatTurn
		var role string
		if err := rows.Scan(&role, &turn.Content, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent turn: %w", err)
		}
		turn.Role = domain.ChatRole(role)
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent turns: %w", err)
	}

	// Returned in descending order from SQL; reverse to keep chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SaveCompleted stores the answer and, for conversational queries, both turns of the exchange.
func (r *ChatRepository) SaveCompleted(ctx context.Context, answer domain.CompletedAnswer) error {
	if answer.SessionID == "" {
		return fmt.Errorf("save answer: empty session id")
	}
	if answer.CreatedAt.IsZero() {
		answer.CreatedAt = time.Now().UTC()
	}
	sources, err := json.Marshal(answer.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	graph, err := json.Marshal(answer.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin answer tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if answer.ConversationID != "" {
		if err := appendExchange(ctx, tx, answer); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO answers (
	session_id, message_id, user_id, conversation_id, question, answer, sources, graph,
	prompt_tokens, completion_tokens, latency_ms, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (session_id) DO NOTHING
`,
		answer.SessionID, answer.MessageID, answer.UserID, answer.ConversationID, answer.Question, answer.Text,
		sources, graph, answer.PromptTokens, answer.CompletionTokens, answer.LatencyMS, answer.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert answer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit answer tx: %w", err)
	}
	return nil
}

func appendExchange(ctx context.Context, tx *sql.Tx, answer domain.CompletedAnswer) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO conversations (user_id, conversation_id, created_at, updated_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (user_id, conversation_id) DO UPDATE SET updated_at = EXCLUDED.updated_at
`, answer.UserID, answer.ConversationID, answer.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	askedAt := answer.CreatedAt.Add(-time.Duration(answer.LatencyMS) * time.Millisecond)
	messages := []struct {
		id      string
		role    domain.ChatRole
		content string
		at      time.Time
	}{
		{id: answer.SessionID + ":user", role: domain.RoleUser, content: answer.Question, at: askedAt},
		{id: answer.MessageID, role: domain.RoleAssistant, content: answer.Text, at: answer.CreatedAt},
	}
	for _, m := range messages {
		_, err := tx.ExecContext(ctx, `
INSERT INTO chat_messages (id, user_id, conversation_id, session_id, role, content, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO NOTHING
`, m.id, answer.UserID, answer.ConversationID, answer.SessionID, string(m.role), m.content, m.at)
		if err != nil {
			return fmt.Errorf("append %s message: %w", m.role, err)
		}
	}
	return nil
}

func (r *ChatRepository) SaveFailure(ctx context.Context, failure domain.FailureRecord) error {
	if failure.SessionID == "" {
		return fmt.Errorf("save failure: empty session id")
	}
	if failure.CreatedAt.IsZero() {
		failure.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO answer_failures (session_id, user_id, conversation_id, question, code, detail, latency_ms, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (session_id) DO NOTHING
`, failure.SessionID, failure.UserID, failure.ConversationID, failure.Question, failure.Code, failure.Detail, failure.LatencyMS, failure.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}
