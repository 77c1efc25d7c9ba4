package crossencoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/resilience"
)

var _ ports.Reranker = (*Client)(nil)

type Config struct {
	BaseURL        string
	Model          string
	APIKey         string
	RequestTimeout time.Duration
}

// Client calls a cross-encoder service speaking the common /rerank contract
// (query + documents in, index + relevance_score out).
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	exec       *resilience.Executor
}

func New(cfg Config, exec *resilience.Executor) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if exec == nil {
		exec = resilience.NewExecutor(resilience.DefaultPolicy(), nil)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		exec:       exec,
	}
}

func (c *Client) ModelName() string {
	if c.model == "" {
		return "cross-encoder"
	}
	return c.model
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int      `json:"index"`
		RelevanceScore *float64 `json:"relevance_score"`
		Score          *float64 `json:"score"`
	} `json:"results"`
}

// Rerank returns one score per document in input order. A response that leaves any document
// unscored is an error so the caller can fall back to linear scoring.
func (c *Client) Rerank(ctx context.Context, query string, docs []ports.RerankDocument) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	payload := rerankRequest{Model: c.model, Query: query, Documents: texts, TopN: len(docs)}

	resp, err := resilience.Do(ctx, c.exec, "rerank.score", func(ctx context.Context) (rerankResponse, error) {
		var out rerankResponse
		err := c.post(ctx, "/rerank", payload, &out)
		return out, err
	}, classifyRerankError)
	if err != nil {
		return nil, wrapTemporaryIfNeeded(err)
	}

	scores := make([]float64, len(docs))
	seen := make([]bool, len(docs))
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(docs) {
			return nil, fmt.Errorf("rerank result index %d out of range", r.Index)
		}
		switch {
		case r.RelevanceScore != nil:
			scores[r.Index] = *r.RelevanceScore
		case r.Score != nil:
			scores[r.Index] = *r.Score
		default:
			return nil, fmt.Errorf("rerank result %d has no score", r.Index)
		}
		seen[r.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("rerank response missing document %d", i)
		}
	}
	return scores, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode rerank response: %w", err)
	}
	return nil
}

type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rerank status %d: %s", e.StatusCode, e.Body)
}

func classifyRerankError(err error) resilience.Classification {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 502:
			return resilience.Classification{Retryable: true, RecordFailure: true}
		case statusErr.StatusCode >= 500:
			return resilience.Classification{RecordFailure: true}
		default:
			return resilience.Classification{}
		}
	}
	return resilience.ClassifyTransport(err)
}

func wrapTemporaryIfNeeded(err error) error {
	if resilience.IsCircuitOpen(err) || classifyRerankError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, "rerank", err)
	}
	return err
}
