package neo4j

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
	"github.com/kirillkom/graphrag-assistant/internal/infrastructure/resilience"
)

var _ ports.GraphSearcher = (*Client)(nil)

const summaryIDPrefix = "graph:"

type Config struct {
	URI             string
	Username        string
	Password        string
	Database        string
	EntityIndex     string
	SeedLimit       int
	EntityLimit     int
	ChunksPerEntity int
	MinNameLength   int
	VectorMinScore  float64
}

func (c Config) withDefaults() Config {
	if c.SeedLimit <= 0 {
		c.SeedLimit = 10
	}
	if c.EntityLimit <= 0 {
		c.EntityLimit = 30
	}
	if c.ChunksPerEntity <= 0 {
		c.ChunksPerEntity = 3
	}
	if c.MinNameLength <= 0 {
		c.MinNameLength = 2
	}
	if c.VectorMinScore <= 0 {
		c.VectorMinScore = 0.75
	}
	return c
}

// Client seeds entities from the question, expands their neighbourhood and turns what it
// reaches into evidence candidates and a display fragment.
type Client struct {
	runner queryRunner
	cfg    Config
	exec   *resilience.Executor
	logger *slog.Logger
}

func New(cfg Config, exec *resilience.Executor, logger *slog.Logger) (*Client, error) {
	runner, err := newDriverRunner(cfg.URI, cfg.Username, cfg.Password, cfg.Database)
	if err != nil {
		return nil, err
	}
	return newWithRunner(runner, cfg, exec, logger), nil
}

func newWithRunner(runner queryRunner, cfg Config, exec *resilience.Executor, logger *slog.Logger) *Client {
	if exec == nil {
		exec = resilience.NewExecutor(resilience.DefaultPolicy(), logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{runner: runner, cfg: cfg.withDefaults(), exec: exec, logger: logger}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.runner.Verify(ctx)
}

func (c *Client) Close(ctx context.Context) error {
	return c.runner.Close(ctx)
}

func (c *Client) Traverse(ctx context.Context, req ports.GraphRequest) ([]domain.Candidate, domain.GraphFragment, error) {
	nodeTypes := req.NodeTypes
	if nodeTypes == nil {
		nodeTypes = []string{}
	}

	seeds, err := c.seeds(ctx, req, nodeTypes)
	if err != nil {
		return nil, domain.GraphFragment{}, err
	}
	if len(seeds) == 0 {
		return nil, domain.GraphFragment{}, nil
	}

	depth := clampDepth(req.Depth)
	records, err := c.run(ctx, "neo4j.expand", expandCypher(depth), map[string]any{
		"seeds":           seeds,
		"nodeTypes":       nodeTypes,
		"entityLimit":     c.cfg.EntityLimit,
		"chunksPerEntity": c.cfg.ChunksPerEntity,
	})
	if err != nil {
		return nil, domain.GraphFragment{}, fmt.Errorf("expand graph: %w", err)
	}

	candidates, fragment, entityIDs := c.collect(records)
	if len(entityIDs) > 1 {
		edges, err := c.edges(ctx, entityIDs)
		if err != nil {
			c.logger.Warn("graph_edges_unavailable", "entities", len(entityIDs), "error", err)
		} else {
			fragment.Edges = edges
		}
	}

	limit := req.Limit
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, fragment.Normalized(), nil
}

func (c *Client) seeds(ctx context.Context, req ports.GraphRequest, nodeTypes []string) ([]string, error) {
	records, err := c.run(ctx, "neo4j.seed_name", seedByNameCypher, map[string]any{
		"text":          req.Text,
		"minNameLength": c.cfg.MinNameLength,
		"nodeTypes":     nodeTypes,
		"limit":         c.cfg.SeedLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("seed entities by name: %w", err)
	}
	seen := make(map[string]struct{}, len(records))
	out := make([]string, 0, len(records))
	add := func(records []*neo4j.Record) {
		for _, record := range records {
			id, _ := stringValue(record, "id")
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	add(records)

	if c.cfg.EntityIndex == "" || len(req.Vector) == 0 {
		return out, nil
	}
	vector := make([]float64, len(req.Vector))
	for i, v := range req.Vector {
		vector[i] = float64(v)
	}
	records, err = c.run(ctx, "neo4j.seed_vector", seedByVectorCypher, map[string]any{
		"index":     c.cfg.EntityIndex,
		"limit":     c.cfg.SeedLimit,
		"vector":    vector,
		"minScore":  c.cfg.VectorMinScore,
		"nodeTypes": nodeTypes,
	})
	if err != nil {
		// Name seeds alone still give a usable traversal.
		c.logger.Warn("graph_vector_seed_failed", "index", c.cfg.EntityIndex, "error", err)
		return out, nil
	}
	add(records)
	return out, nil
}

func (c *Client) collect(records []*neo4j.Record) ([]domain.Candidate, domain.GraphFragment, []string) {
	byChunk := make(map[string]domain.Candidate)
	summaries := make([]domain.Candidate, 0, len(records))
	var fragment domain.GraphFragment
	entityIDs := make([]string, 0, len(records))

	for _, record := range records {
		entity, ok := nodeValue(record, "entity")
		if !ok {
			continue
		}
		id := propString(entity.Props, "id")
		if id == "" {
			continue
		}
		hops, _ := intValue(record, "hops")
		score := 1.0 / float64(1+hops)
		name := propString(entity.Props, "name")
		entityType := propString(entity.Props, "type")
		if entityType == "" && len(entity.Labels) > 0 {
			entityType = entity.Labels[0]
		}
		summary := propString(entity.Props, "summary")

		entityIDs = append(entityIDs, id)
		fragment.Nodes = append(fragment.Nodes, domain.GraphNode{
			ID:    id,
			Label: name,
			Type:  entityType,
			Properties: map[string]any{
				"hops":    hops,
				"summary": summary,
			},
		})

		if summary != "" {
			latest := true
			summaries = append(summaries, domain.Candidate{
				ChunkID:    summaryIDPrefix + id,
				Text:       fmt.Sprintf("%s (%s): %s", name, entityType, summary),
				SearchType: domain.SearchGraph,
				Score:      score,
				Metadata:   domain.ChunkMetadata{Title: name, IsLatest: &latest},
			})
		}

		chunks, _ := record.Get("chunks")
		list, _ := chunks.([]any)
		for _, raw := range list {
			node, ok := raw.(neo4j.Node)
			if !ok {
				continue
			}
			candidate := chunkCandidate(node, score)
			if candidate.ChunkID == "" {
				continue
			}
			if existing, ok := byChunk[candidate.ChunkID]; !ok || existing.Score < candidate.Score {
				byChunk[candidate.ChunkID] = candidate
			}
		}
	}

	out := make([]domain.Candidate, 0, len(byChunk)+len(summaries))
	for _, candidate := range byChunk {
		out = append(out, candidate)
	}
	out = append(out, summaries...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out, fragment, entityIDs
}

func (c *Client) edges(ctx context.Context, ids []string) ([]domain.GraphEdge, error) {
	records, err := c.run(ctx, "neo4j.edges", edgesCypher, map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	out := make([]domain.GraphEdge, 0, len(records))
	for _, record := range records {
		source, _ := stringValue(record, "source")
		target, _ := stringValue(record, "target")
		if source == "" || target == "" {
			continue
		}
		id, _ := stringValue(record, "id")
		relType, _ := stringValue(record, "type")
		weight, _ := floatValue(record, "weight")
		out = append(out, domain.GraphEdge{ID: id, Source: source, Target: target, Type: relType, Weight: weight})
	}
	return out, nil
}

func (c *Client) run(ctx context.Context, operation, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	return resilience.Do(ctx, c.exec, operation, func(ctx context.Context) ([]*neo4j.Record, error) {
		return c.runner.Run(ctx, cypher, params)
	}, classifyNeo4jError)
}

func chunkCandidate(node neo4j.Node, score float64) domain.Candidate {
	props := node.Props
	meta := domain.ChunkMetadata{
		Title:        propString(props, "title"),
		FileName:     propString(props, "file_name"),
		Heading:      propString(props, "heading"),
		Page:         int(propInt(props, "page")),
		ChunkIndex:   int(propInt(props, "chunk_index")),
		Department:   propString(props, "department"),
		DocumentType: propString(props, "document_type"),
	}
	if v, ok := props["is_latest"].(bool); ok {
		meta.IsLatest = &v
	}
	if ts, ok := propTime(props, "effective_date"); ok {
		meta.EffectiveDate = &ts
	}
	return domain.Candidate{
		ChunkID:    propString(props, "id"),
		DocumentID: propString(props, "document_id"),
		Text:       propString(props, "text"),
		SearchType: domain.SearchGraph,
		Score:      score,
		Metadata:   meta,
	}
}

func clampDepth(depth int) int {
	switch {
	case depth <= 0:
		return domain.DefaultGraphDepth
	case depth > domain.MaxGraphDepth:
		return domain.MaxGraphDepth
	default:
		return depth
	}
}

func classifyNeo4jError(err error) resilience.Classification {
	if err == nil {
		return resilience.Classification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.Classification{}
	}
	if neo4j.IsRetryable(err) {
		return resilience.Classification{Retryable: true, RecordFailure: true}
	}
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) && strings.HasPrefix(neoErr.Code, "Neo.ClientError.") {
		return resilience.Classification{Retryable: false, RecordFailure: false}
	}
	return resilience.ClassifyTransport(err)
}
