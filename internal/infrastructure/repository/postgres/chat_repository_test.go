package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
)

func newMock(t *testing.T) (*ChatRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewChatRepository(db), mock
}

func completedAnswer() domain.CompletedAnswer {
	return domain.CompletedAnswer{
		SessionID:        "s-1",
		MessageID:        "m-1",
		ConversationID:   "c-1",
		UserID:           "u-1",
		Question:         "プレス機の点検頻度は？",
		Text:             "毎日点検します [1]",
		Sources:          []domain.Citation{{Index: 1, ChunkID: "chunk-1", FileName: "manual.pdf"}},
		PromptTokens:     120,
		CompletionTokens: 8,
		LatencyMS:        1500,
		CreatedAt:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestChatRepositoryEnsureSchema(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(schemaLockID).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS conversations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestChatRepositoryRecentTurnsReturnsChronologicalOrder(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"role", "content", "created_at"}).
		AddRow("assistant", "second", now).
		AddRow("user", "first", now.Add(-time.Second))
	mock.ExpectQuery("FROM chat_messages").
		WithArgs("u-1", "c-1", 4).
		WillReturnRows(rows)

	turns, err := repo.RecentTurns(context.Background(), "u-1", "c-1", 4)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "first" || turns[1].Role != domain.RoleAssistant {
		t.Fatalf("unexpected turns %+v", turns)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestChatRepositoryRecentTurnsSkipsQueryWithoutConversation(t *testing.T) {
	repo, mock := newMock(t)
	turns, err := repo.RecentTurns(context.Background(), "u-1", "", 4)
	if err != nil || turns != nil {
		t.Fatalf("expected no turns, got %v %v", turns, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestChatRepositorySaveCompletedWritesExchangeAndAnswer(t *testing.T) {
	repo, mock := newMock(t)
	answer := completedAnswer()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conversations").
		WithArgs("u-1", "c-1", answer.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chat_messages").
		WithArgs("s-1:user", "u-1", "c-1", "s-1", "user", answer.Question, answer.CreatedAt.Add(-1500*time.Millisecond)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chat_messages").
		WithArgs("m-1", "u-1", "c-1", "s-1", "assistant", answer.Text, answer.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO answers").
		WithArgs("s-1", "m-1", "u-1", "c-1", answer.Question, answer.Text,
			sqlmock.AnyArg(), sqlmock.AnyArg(), 120, 8, int64(1500), answer.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.SaveCompleted(context.Background(), answer); err != nil {
		t.Fatalf("SaveCompleted() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestChatRepositorySaveCompletedWithoutConversationSkipsHistory(t *testing.T) {
	repo, mock := newMock(t)
	answer := completedAnswer()
	answer.ConversationID = ""

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO answers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.SaveCompleted(context.Background(), answer); err != nil {
		t.Fatalf("SaveCompleted() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestChatRepositorySaveCompletedRollsBackOnError(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conversations").WillReturnError(errors.New("connection lost"))
	mock.ExpectRollback()

	if err := repo.SaveCompleted(context.Background(), completedAnswer()); err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestChatRepositorySaveFailure(t *testing.T) {
	repo, mock := newMock(t)
	failure := domain.FailureRecord{
		SessionID: "s-2",
		Question:  "q",
		Code:      domain.CodeRetrievalUnavailable,
		LatencyMS: 40,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	mock.ExpectExec("INSERT INTO answer_failures").
		WithArgs("s-2", "", "", "q", "RETRIEVAL_UNAVAILABLE", "", int64(40), failure.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.SaveFailure(context.Background(), failure); err != nil {
		t.Fatalf("SaveFailure() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestChatRepositoryRejectsEmptySession(t *testing.T) {
	repo, _ := newMock(t)
	if err := repo.SaveCompleted(context.Background(), domain.CompletedAnswer{}); err == nil {
		t.Fatalf("expected error for empty session id")
	}
	if err := repo.SaveFailure(context.Background(), domain.FailureRecord{}); err == nil {
		t.Fatalf("expected error for empty session id")
	}
}
