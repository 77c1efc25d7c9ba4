package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/resilience"
)

var _ ports.AnswerSink = (*Queue)(nil)

const (
	DefaultSubject = "graphrag.answers"
	workerGroup    = "answer-writers"

	kindCompleted = "completed"
	kindFailed    = "failed"
)

// AnswerWriter is what the worker does with handed-off answers.
type AnswerWriter interface {
	SaveCompleted(ctx context.Context, answer domain.CompletedAnswer) error
	SaveFailure(ctx context.Context, failure domain.FailureRecord) error
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// Queue hands finished answers and failure records from the API to the persistence worker.
// Completed answers go to <subject>.completed, failures to <subject>.failed.
type Queue struct {
	conn     *nats.Conn
	pub      publisher
	subject  string
	executor *resilience.Executor
	logger   *slog.Logger
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("graphrag-assistant"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	q := newQueue(conn, subject, options.ResilienceExecutor, logger)
	q.conn = conn
	return q, nil
}

func newQueue(pub publisher, subject string, executor *resilience.Executor, logger *slog.Logger) *Queue {
	subject = strings.TrimSuffix(strings.TrimSpace(subject), ".")
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{pub: pub, subject: subject, executor: executor, logger: logger}
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) Ping(context.Context) error {
	if q.conn == nil {
		return nil
	}
	if !q.conn.IsConnected() {
		return fmt.Errorf("nats status %s", q.conn.Status())
	}
	return nil
}

func (q *Queue) PublishCompleted(ctx context.Context, answer domain.CompletedAnswer) error {
	return q.publish(ctx, kindCompleted, answer)
}

func (q *Queue) PublishFailure(ctx context.Context, failure domain.FailureRecord) error {
	return q.publish(ctx, kindFailed, failure)
}

func (q *Queue) publish(ctx context.Context, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s answer: %w", kind, err)
	}
	subject := q.subject + "." + kind
	call := func(_ context.Context) error {
		if err := q.pub.Publish(subject, data); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// Subscribe delivers both answer kinds to writer until ctx is done, then drains.
func (q *Queue) Subscribe(ctx context.Context, writer AnswerWriter) error {
	if q.conn == nil {
		return errors.New("nats subscribe: not connected")
	}
	sub, err := q.conn.QueueSubscribe(q.subject+".*", workerGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		if err := q.handle(ctx, writer, msg); err != nil {
			q.logger.Error("answer_persist_failed", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func (q *Queue) handle(ctx context.Context, writer AnswerWriter, msg *nats.Msg) error {
	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	switch strings.TrimPrefix(msg.Subject, q.subject+".") {
	case kindCompleted:
		var answer domain.CompletedAnswer
		if err := json.Unmarshal(msg.Data, &answer); err != nil {
			return fmt.Errorf("decode completed answer: %w", err)
		}
		if err := writer.SaveCompleted(handlerCtx, answer); err != nil {
			return err
		}
		q.logger.Info("answer_persisted", "session_id", answer.SessionID, "conversation_id", answer.ConversationID)
	case kindFailed:
		var failure domain.FailureRecord
		if err := json.Unmarshal(msg.Data, &failure); err != nil {
			return fmt.Errorf("decode failure record: %w", err)
		}
		if err := writer.SaveFailure(handlerCtx, failure); err != nil {
			return err
		}
		q.logger.Info("failure_persisted", "session_id", failure.SessionID, "code", failure.Code)
	default:
		return fmt.Errorf("unexpected subject %q", msg.Subject)
	}
	return nil
}
