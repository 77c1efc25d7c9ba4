package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/graphrag-assistant/internal/config"
	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
	"github.com/kirillkom/graphrag-assistant/internal/core/usecase"
	rediscache "github.com/kirillkom/graphrag-assistant/internal/infrastructure/cache/redis"
	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/capacity"
	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/graph/neo4j"
	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/queue/nats"
	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/rerank/crossencoder"
	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/resilience"
	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/tokenizer"
	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/graphrag-assistant/internal/observability/metrics"
	"github.com/kirillkom/graphrag-assistant/internal/observability/tracing"
)

const shutdownTimeout = 5 * time.Second

// App is the API process: retrieval adapters, the shared inference gate and the query use case.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.HTTPServerMetrics

	QueryUC   *usecase.QueryUseCase
	Readiness ports.ReadinessChecker
	Gate      *capacity.Gate

	closers []func(context.Context)
}

func New(ctx context.Context, cfg config.Config, service string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}

	tracer, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  service,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   cfg.OTLPSampleRate,
		Insecure:     cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	app.onClose(func(ctx context.Context) {
		if err := tracer.Shutdown(ctx); err != nil {
			logger.Warn("tracing_shutdown_failed", "error", err)
		}
	})

	// One slot pool per process: every generation call, interactive or not, goes through it.
	app.Gate = capacity.NewGate(cfg.LLMMaxConcurrency)
	app.Metrics = metrics.NewHTTPServerMetrics(service, func() float64 {
		return float64(app.Gate.Stats().Queued)
	})

	exec := resilience.NewExecutor(cfg.Resilience(), logger).WithObserver(app.Metrics.BreakerObserver())
	checks := map[string]func(context.Context) error{}

	ollamaClient := ollama.New(ollama.Config{
		BaseURL:         cfg.OllamaURL,
		GenerationModel: cfg.OllamaGenModel,
		EmbeddingModel:  cfg.OllamaEmbedModel,
		RequestTimeout:  cfg.OllamaTimeout,
		Temperature:     cfg.OllamaTemperature,
		NumCtx:          cfg.RAGContextWindow,
	}, exec)
	checks["ollama"] = ollamaClient.Ping

	var embedder ports.Embedder = ollama.NewEmbedder(ollamaClient)
	if cfg.RedisAddr != "" {
		rdb := rediscache.NewClient(rediscache.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		cache := rediscache.NewEmbeddingCache(embedder, rdb, cfg.OllamaEmbedModel, rediscache.Config{TTL: cfg.EmbedCacheTTL}, logger)
		embedder = cache
		checks["redis"] = cache.Ping
		app.onClose(func(context.Context) { _ = rdb.Close() })
	}

	vectorDB := qdrant.New(qdrant.Config{
		BaseURL:          cfg.QdrantURL,
		Collection:       cfg.QdrantCollection,
		APIKey:           cfg.QdrantAPIKey,
		DenseVectorName:  cfg.QdrantDenseName,
		SparseVectorName: cfg.QdrantSparseName,
	}, exec)

	var graph ports.GraphSearcher
	if cfg.Neo4jURI != "" {
		graphDB, err := neo4j.New(neo4j.Config{
			URI:         cfg.Neo4jURI,
			Username:    cfg.Neo4jUser,
			Password:    cfg.Neo4jPassword,
			Database:    cfg.Neo4jDatabase,
			EntityIndex: cfg.Neo4jEntityIndex,
		}, exec, logger)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("init neo4j: %w", err)
		}
		graph = graphDB
		app.onClose(func(ctx context.Context) { _ = graphDB.Close(ctx) })
	} else {
		logger.Warn("graph_source_disabled", "reason", "NEO4J_URI is empty")
	}

	var reranker ports.Reranker
	if cfg.RerankURL != "" {
		reranker = crossencoder.New(crossencoder.Config{
			BaseURL:        cfg.RerankURL,
			Model:          cfg.RerankModel,
			RequestTimeout: cfg.RerankTimeout,
		}, exec)
	}

	var (
		history ports.HistoryStore
		sink    ports.AnswerSink
	)
	if cfg.PostgresDSN != "" {
		repo, db, err := OpenChatRepository(ctx, cfg.PostgresDSN)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.onClose(func(context.Context) { _ = db.Close() })
		history = repo
		checks["postgres"] = repo.Ping
	}
	if cfg.NATSURL != "" {
		queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSAnswerSubject, nats.Options{
			ResilienceExecutor: exec,
			Logger:             logger,
		})
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("init answer queue: %w", err)
		}
		app.onClose(func(context.Context) { queue.Close() })
		sink = queue
		checks["nats"] = queue.Ping
	}

	estimator := tokenizer.NewTiktoken(cfg.TokenizerEncoding, logger)
	assembler := usecase.NewContextAssembler(cfg.Budget(), estimator)
	engine := usecase.NewRetrievalEngine(embedder, vectorDB, vectorDB, graph, cfg.Retrieval(), logger)
	fusion := usecase.NewFusionPipeline(cfg.FusionStrategy(), reranker, cfg.Fusion(), logger)
	search := usecase.NewSearchPipeline(engine, fusion, assembler, estimator)
	answers := usecase.NewAnswerOrchestrator(
		search,
		assembler,
		ollama.NewStreamer(ollamaClient),
		app.Gate,
		history,
		sink,
		cfg.Answer(),
		logger,
	)

	app.QueryUC = usecase.NewQueryUseCase(search, answers)
	app.Readiness = readiness{query: app.QueryUC, checks: checks}

	logger.Info("bootstrap_ready",
		"fusion", cfg.FusionStrategy().Name(),
		"reranker", reranker != nil,
		"graph", graph != nil,
		"embedding_cache", cfg.RedisAddr != "",
		"history", history != nil,
		"answer_sink", sink != nil,
		"tokenizer", estimator.Name(),
		"llm_max_concurrency", cfg.LLMMaxConcurrency,
	)
	return app, nil
}

func (a *App) onClose(fn func(context.Context)) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse acquisition order.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}

// readiness adds the stores behind history, persistence and caching to the retrieval checks.
type readiness struct {
	query  ports.ReadinessChecker
	checks map[string]func(context.Context) error
}

func (r readiness) Readiness(ctx context.Context) map[string]error {
	out := r.query.Readiness(ctx)
	if out == nil {
		out = make(map[string]error, len(r.checks))
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for name, check := range r.checks {
		g.Go(func() error {
			err := check(ctx)
			mu.Lock()
			out[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// OpenChatRepository is shared by the worker, which needs the store but none of the retrieval stack.
func OpenChatRepository(ctx context.Context, dsn string) (*postgres.ChatRepository, *sql.DB, error) {
	db, err := postgres.OpenDB(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	repo := postgres.NewChatRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, db, nil
}
