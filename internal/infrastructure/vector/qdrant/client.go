package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/resilience"
)

var (
	_ ports.VectorSearcher = (*Client)(nil)
	_ ports.SparseSearcher = (*Client)(nil)
)

type Config struct {
	BaseURL          string
	Collection       string
	APIKey           string
	DenseVectorName  string
	SparseVectorName string
	ScoreThreshold   float64
	RequestTimeout   time.Duration
}

// Client queries one collection that stores a dense and a sparse named vector per chunk.
type Client struct {
	baseURL        string
	collection     string
	apiKey         string
	denseName      string
	sparseName     string
	scoreThreshold float64
	httpClient     *http.Client
	exec           *resilience.Executor
}

func New(cfg Config, exec *resilience.Executor) *Client {
	if cfg.DenseVectorName == "" {
		cfg.DenseVectorName = "dense"
	}
	if cfg.SparseVectorName == "" {
		cfg.SparseVectorName = "sparse"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if exec == nil {
		exec = resilience.NewExecutor(resilience.DefaultPolicy(), nil)
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		collection:     cfg.Collection,
		apiKey:         cfg.APIKey,
		denseName:      cfg.DenseVectorName,
		sparseName:     cfg.SparseVectorName,
		scoreThreshold: cfg.ScoreThreshold,
		httpClient:     &http.Client{Timeout: cfg.RequestTimeout},
		exec:           exec,
	}
}

func (c *Client) SearchDense(ctx context.Context, vector []float32, filters domain.Filters, limit int) ([]domain.Candidate, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("qdrant dense search: empty query vector")
	}
	body := c.queryBody(vector, c.denseName, filters, limit)
	if c.scoreThreshold > 0 {
		body["score_threshold"] = c.scoreThreshold
	}
	return resilience.Do(ctx, c.exec, "qdrant.search_dense", func(ctx context.Context) ([]domain.Candidate, error) {
		return c.query(ctx, body, domain.SearchVector)
	}, classifyQdrantError)
}

// SearchSparse returns no candidates, without a round trip, for text that has no indexable terms.
func (c *Client) SearchSparse(ctx context.Context, text string, filters domain.Filters, limit int) ([]domain.Candidate, error) {
	vector := encodeSparseQuery(text)
	if len(vector.Indices) == 0 {
		return nil, nil
	}
	body := c.queryBody(vector, c.sparseName, filters, limit)
	return resilience.Do(ctx, c.exec, "qdrant.search_sparse", func(ctx context.Context) ([]domain.Candidate, error) {
		return c.query(ctx, body, domain.SearchSparse)
	}, classifyQdrantError)
}

func (c *Client) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant ping request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return newStatusError("ping", resp)
	}
	return nil
}

func (c *Client) queryBody(query any, using string, filters domain.Filters, limit int) map[string]any {
	if limit <= 0 {
		limit = domain.DefaultQueryLimit
	}
	body := map[string]any{
		"query":        query,
		"using":        using,
		"limit":        limit,
		"with_payload": true,
	}
	if filter := buildFilter(filters); filter != nil {
		body["filter"] = filter
	}
	return body
}

type queryResponse struct {
	Result struct {
		Points []scoredPoint `json:"points"`
	} `json:"result"`
}

type scoredPoint struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

func (c *Client) query(ctx context.Context, body map[string]any, searchType domain.SearchType) ([]domain.Candidate, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal query body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/query", c.baseURL, c.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qdrant query request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, newStatusError("query", resp)
	}

	var decoded queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}

	out := make([]domain.Candidate, 0, len(decoded.Result.Points))
	for _, point := range decoded.Result.Points {
		candidate := candidateFromPayload(pointID(point.ID), point.Payload)
		if candidate.ChunkID == "" {
			continue
		}
		candidate.SearchType = searchType
		candidate.Score = point.Score
		out = append(out, candidate)
	}
	return out, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
}

// pointID accepts both UUID strings and unsigned integer ids.
func pointID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

type StatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("qdrant %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("qdrant %s status: %s: %s", e.Operation, e.Status, e.Body)
}

func newStatusError(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &StatusError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
}
