package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
)

var _ ports.Embedder = (*EmbeddingCache)(nil)

const (
	defaultTTL    = 24 * time.Hour
	defaultPrefix = "graphrag:emb"
	opTimeout     = 100 * time.Millisecond
)

type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// EmbeddingCache memoizes query embeddings in Redis. Redis trouble never fails a query: reads
// fall through to the wrapped embedder and writes are best effort.
type EmbeddingCache struct {
	inner  ports.Embedder
	rdb    redis.UniversalClient
	model  string
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewEmbeddingCache(inner ports.Embedder, rdb redis.UniversalClient, model string, cfg Config, logger *slog.Logger) *EmbeddingCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	prefix := strings.TrimSuffix(cfg.Prefix, ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbeddingCache{inner: inner, rdb: rdb, model: model, ttl: ttl, prefix: prefix, logger: logger}
}

func (c *EmbeddingCache) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if vector, ok := c.lookup(ctx, key); ok {
		return vector, nil
	}

	vector, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, vector)
	return vector, nil
}

func (c *EmbeddingCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *EmbeddingCache) key(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return c.prefix + ":" + c.model + ":" + hex.EncodeToString(sum[:])
}

func (c *EmbeddingCache) lookup(ctx context.Context, key string) ([]float32, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("embedding_cache_get_failed", "error", err)
		}
		return nil, false
	}
	var vector []float32
	if err := json.Unmarshal(raw, &vector); err != nil || len(vector) == 0 {
		c.logger.Warn("embedding_cache_corrupt_entry", "key", key)
		return nil, false
	}
	return vector, true
}

func (c *EmbeddingCache) store(ctx context.Context, key string, vector []float32) {
	raw, err := json.Marshal(vector)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("embedding_cache_set_failed", "error", err)
	}
}
