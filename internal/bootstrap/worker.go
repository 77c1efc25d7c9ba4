package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/graphrag-assistant/internal/config"
	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/queue/nats"
	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/resilience"
	"github.com/kirillkom/graphrag-assistant/internal/observability/metrics"
)

// Worker consumes answer hand-offs from NATS and writes them to Postgres.
type Worker struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.WorkerMetrics

	queue  *nats.Queue
	writer nats.AnswerWriter

	closeFn func()
}

func NewWorker(ctx context.Context, cfg config.Config, service string, logger *slog.Logger) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PostgresDSN == "" || cfg.NATSURL == "" {
		return nil, fmt.Errorf("worker needs POSTGRES_DSN and NATS_URL")
	}

	repo, db, err := OpenChatRepository(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSAnswerSubject, nats.Options{
		ResilienceExecutor: resilience.NewExecutor(cfg.Resilience(), logger),
		Logger:             logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init answer queue: %w", err)
	}

	workerMetrics := metrics.NewWorkerMetrics(service)
	return &Worker{
		Config:  cfg,
		Logger:  logger,
		Metrics: workerMetrics,
		queue:   queue,
		writer:  newInstrumentedWriter(repo, workerMetrics, service, cfg.PersistTimeout),
		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

// Run blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	return w.queue.Subscribe(ctx, w.writer)
}

func (w *Worker) Close() {
	if w.closeFn != nil {
		w.closeFn()
	}
}

type instrumentedWriter struct {
	inner   nats.AnswerWriter
	metrics *metrics.WorkerMetrics
	service string
	timeout time.Duration
	now     func() time.Time
}

func newInstrumentedWriter(inner nats.AnswerWriter, m *metrics.WorkerMetrics, service string, timeout time.Duration) *instrumentedWriter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &instrumentedWriter{inner: inner, metrics: m, service: service, timeout: timeout, now: time.Now}
}

func (w *instrumentedWriter) SaveCompleted(ctx context.Context, answer domain.CompletedAnswer) error {
	return w.observe(ctx, "completed", answer.CreatedAt, func(ctx context.Context) error {
		return w.inner.SaveCompleted(ctx, answer)
	})
}

func (w *instrumentedWriter) SaveFailure(ctx context.Context, failure domain.FailureRecord) error {
	return w.observe(ctx, "failed", failure.CreatedAt, func(ctx context.Context) error {
		return w.inner.SaveFailure(ctx, failure)
	})
}

func (w *instrumentedWriter) observe(ctx context.Context, kind string, createdAt time.Time, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if !createdAt.IsZero() {
		w.metrics.ObserveHandoffLag(w.service, w.now().Sub(createdAt))
	}
	w.metrics.StartPersist()
	started := w.now()
	err := fn(ctx)
	w.metrics.FinishPersist(w.service, kind, w.now().Sub(started), err)
	return err
}
