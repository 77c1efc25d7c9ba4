package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/resilience"
)

var (
	_ ports.Embedder      = (*Embedder)(nil)
	_ ports.TokenStreamer = (*Streamer)(nil)
)

type Config struct {
	BaseURL         string
	GenerationModel string
	EmbeddingModel  string
	RequestTimeout  time.Duration
	Temperature     float64
	NumCtx          int
}

type Client struct {
	baseURL      string
	genModel     string
	embedModel   string
	temperature  float64
	numCtx       int
	httpClient   *http.Client
	streamClient *http.Client
	exec         *resilience.Executor
}

func New(cfg Config, exec *resilience.Executor) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if exec == nil {
		exec = resilience.NewExecutor(resilience.DefaultPolicy(), nil)
	}
	// Streams are bounded by the caller's context and the inactivity watchdog, not a client timeout.
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		genModel:     cfg.GenerationModel,
		embedModel:   cfg.EmbeddingModel,
		temperature:  cfg.Temperature,
		numCtx:       cfg.NumCtx,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		exec:         exec,
	}
}

// Ping lists local models; any 2xx answer means the daemon is serving.
func (c *Client) Ping(ctx context.Context) error {
	var response struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	return c.getJSON(ctx, "/api/tags", &response, "tags")
}

type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("ollama embed: empty embedding result")
	}
	return vectors[0], nil
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}

	vectors, err := resilience.Do(ctx, e.client.exec, "ollama.embed", func(ctx context.Context) ([][]float32, error) {
		var response struct {
			Embeddings [][]float32 `json:"embeddings"`
		}
		if err := e.client.postJSON(ctx, "/api/embed", request, &response, "embed"); err != nil {
			return nil, err
		}
		return response.Embeddings, nil
	}, classifyOllamaError)
	if err != nil {
		return nil, wrapTemporaryIfNeeded("ollama embed", err)
	}
	return vectors, nil
}

func (e *Embedder) ModelName() string {
	return e.client.embedModel
}

// Streamer runs /api/generate in streaming mode and forwards every response fragment.
type Streamer struct {
	client *Client
}

func NewStreamer(client *Client) *Streamer {
	return &Streamer{client: client}
}

type generateChunk struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	Error           string `json:"error"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (s *Streamer) Stream(ctx context.Context, req ports.GenerationRequest, onToken func(string) error) (ports.GenerationUsage, error) {
	options := map[string]any{
		"temperature": s.client.temperature,
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if s.client.numCtx > 0 {
		options["num_ctx"] = s.client.numCtx
	}
	payload := map[string]any{
		"model":   s.client.genModel,
		"prompt":  req.Prompt,
		"stream":  true,
		"options": options,
	}
	if strings.TrimSpace(req.System) != "" {
		payload["system"] = req.System
	}

	// Only opening the stream is retried; once tokens flow a failure is final.
	body, err := resilience.Do(ctx, s.client.exec, "ollama.generate", func(ctx context.Context) (*streamBody, error) {
		return s.client.openStream(ctx, "/api/generate", payload, "generate")
	}, classifyOllamaError)
	if err != nil {
		return ports.GenerationUsage{}, wrapTemporaryIfNeeded("ollama generate", err)
	}
	defer body.Close()

	var usage ports.GenerationUsage
	err = body.each(func(chunk generateChunk) (bool, error) {
		if chunk.Error != "" {
			return false, fmt.Errorf("ollama generate: %s", chunk.Error)
		}
		if chunk.Response != "" {
			if err := onToken(chunk.Response); err != nil {
				return false, err
			}
		}
		if chunk.Done {
			usage = ports.GenerationUsage{PromptTokens: chunk.PromptEvalCount, CompletionTokens: chunk.EvalCount}
			return false, nil
		}
		return true, nil
	})
	return usage, err
}
