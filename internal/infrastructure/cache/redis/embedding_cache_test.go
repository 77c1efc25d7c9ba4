package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type embedderFake struct {
	calls  int
	vector []float32
	err    error
}

func (f *embedderFake) EmbedQuery(context.Context, string) ([]float32, error) {
	f.calls++
	return f.vector, f.err
}

func newCache(t *testing.T, inner *embedderFake) (*EmbeddingCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEmbeddingCache(inner, rdb, "bge-m3", Config{TTL: time.Hour}, logger), mr
}

func TestEmbeddingCacheHitsAfterFirstCall(t *testing.T) {
	inner := &embedderFake{vector: []float32{0.25, -0.5, 1}}
	cache, mr := newCache(t, inner)
	ctx := context.Background()

	first, err := cache.EmbedQuery(ctx, "プレス機の点検")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	second, err := cache.EmbedQuery(ctx, "  プレス機の点検 ")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected one embedder call, got %d", inner.calls)
	}
	if len(second) != 3 || second[1] != first[1] {
		t.Fatalf("cached vector mismatch: %v vs %v", first, second)
	}

	key := cache.key("プレス機の点検")
	if !mr.Exists(key) {
		t.Fatalf("expected key %s in redis", key)
	}
	if ttl := mr.TTL(key); ttl != time.Hour {
		t.Fatalf("ttl = %v, want 1h", ttl)
	}
}

func TestEmbeddingCacheKeysIncludeModel(t *testing.T) {
	inner := &embedderFake{vector: []float32{1}}
	cache, _ := newCache(t, inner)
	other := NewEmbeddingCache(inner, cache.rdb, "nomic-embed-text", Config{}, cache.logger)
	if cache.key("q") == other.key("q") {
		t.Fatalf("keys for different models must differ")
	}
}

func TestEmbeddingCacheDoesNotStoreFailures(t *testing.T) {
	inner := &embedderFake{err: errors.New("ollama down")}
	cache, mr := newCache(t, inner)

	if _, err := cache.EmbedQuery(context.Background(), "q"); err == nil {
		t.Fatalf("expected embedder error")
	}
	if len(mr.Keys()) != 0 {
		t.Fatalf("expected no cached keys, got %v", mr.Keys())
	}
}

func TestEmbeddingCacheFallsThroughWhenRedisIsDown(t *testing.T) {
	inner := &embedderFake{vector: []float32{0.5}}
	cache, mr := newCache(t, inner)
	mr.Close()

	vector, err := cache.EmbedQuery(context.Background(), "q")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if len(vector) != 1 || inner.calls != 1 {
		t.Fatalf("expected direct embedding, got %v after %d calls", vector, inner.calls)
	}
}

func TestEmbeddingCacheIgnoresCorruptEntries(t *testing.T) {
	inner := &embedderFake{vector: []float32{0.5}}
	cache, mr := newCache(t, inner)
	if err := mr.Set(cache.key("q"), "not json"); err != nil {
		t.Fatalf("seed corrupt entry: %v", err)
	}

	if _, err := cache.EmbedQuery(context.Background(), "q"); err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected embedder call after corrupt entry, got %d", inner.calls)
	}
}
