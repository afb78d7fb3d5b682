// Package retrieval answers similarity queries over the indexed chunks. Only
// chunks of documents that are indexed at the chunk's own revision are ever
// returned.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aihub/docindex/internal/cache"
	"github.com/aihub/docindex/internal/config"
	"github.com/aihub/docindex/internal/embedding"
	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/metrics"
	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/store"
)

// Request 检索请求
type Request struct {
	Query  string       `json:"query"`
	K      int          `json:"k"`
	Filter store.Filter `json:"filter"`
	// Enrich overrides retrieval.graph_enrichment for this request.
	Enrich *bool `json:"enrich,omitempty"`
}

// Result 检索结果
type Result struct {
	ChunkID    string            `json:"chunk_id"`
	DocumentID string            `json:"document_id"`
	Revision   int64             `json:"revision"`
	Score      float32           `json:"score"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Entities   []models.Entity   `json:"entities,omitempty"`
}

// Response 检索响应
type Response struct {
	Results      []Result `json:"results"`
	ModelVersion string   `json:"model_version"`
	Cached       bool     `json:"cached"`
}

// Deps are the collaborators of an Engine. Cache is optional.
type Deps struct {
	Documents store.DocumentStore
	Graph     store.GraphStore
	Vectors   store.VectorStore
	Embedder  embedding.Embedder
	Cache     *cache.BestEffort
	Config    *config.Provider
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Engine 检索引擎
type Engine struct {
	docs     store.DocumentStore
	graph    store.GraphStore
	vectors  store.VectorStore
	embedder embedding.Embedder
	cache    *cache.BestEffort
	config   *config.Provider
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewEngine 创建检索引擎
func NewEngine(d Deps) *Engine {
	if d.Metrics == nil {
		d.Metrics = metrics.NewNop()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Engine{
		docs:     d.Documents,
		graph:    d.Graph,
		vectors:  d.Vectors,
		embedder: d.Embedder,
		cache:    d.Cache,
		config:   d.Config,
		metrics:  d.Metrics,
		logger:   d.Logger,
	}
}

// Query embeds req.Query and returns up to k consistent hits ordered by
// score, then newer revision, then chunk ID.
func (e *Engine) Query(ctx context.Context, req Request) (resp *Response, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = string(apperrors.Classify(err))
		}
		e.metrics.QueryDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	cfg := e.config.Retrieval()
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, apperrors.NewBadRequestError("query must not be empty")
	}
	switch {
	case req.K < 0:
		return nil, apperrors.NewBadRequestError("k must not be negative")
	case req.K == 0:
		req.K = cfg.DefaultK
	case req.K > cfg.MaxK:
		req.K = cfg.MaxK
	}
	enrich := cfg.GraphEnrichment
	if req.Enrich != nil {
		enrich = *req.Enrich
	}

	version := e.embedder.ModelVersion()
	if want := e.config.Pipeline().EmbeddingModelVersion; want != "" && want != version {
		return nil, apperrors.NewConfigurationError("query embedder produces model version %q, index expects %q", version, want)
	}

	generation, cacheable := e.cache.Generation(ctx, cache.IndexGenerationKey)
	key := cacheKey(req, enrich, version, generation)
	var cached Response
	if cacheable && e.cache.GetJSON(ctx, key, &cached) && e.stillIndexed(ctx, cached.Results) {
		cached.Cached = true
		return &cached, nil
	}

	vectors, err := e.embedder.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, err
	}
	if err := embedding.CheckVectors(1, vectors, e.embedder.Dimensions()); err != nil {
		return nil, err
	}

	overfetch := cfg.Overfetch
	if overfetch < 1 {
		overfetch = 1
	}
	hits, err := e.vectors.Query(ctx, vectors[0], req.K*overfetch, req.Filter)
	if err != nil {
		return nil, apperrors.NewQueryBackendError("vector", err)
	}

	results, err := e.consistent(ctx, hits)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Revision != b.Revision {
			return a.Revision > b.Revision
		}
		return a.ChunkID < b.ChunkID
	})
	if len(results) > req.K {
		results = results[:req.K]
	}

	if enrich && len(results) > 0 {
		if err := e.enrich(ctx, results); err != nil {
			return nil, err
		}
	}

	resp = &Response{Results: results, ModelVersion: version}
	if cacheable && cfg.CacheTTL > 0 {
		e.cache.SetJSON(ctx, key, resp, cfg.CacheTTL)
	}
	e.logger.Debug("query served",
		zap.Int("k", req.K),
		zap.Int("candidates", len(hits)),
		zap.Int("results", len(results)),
		zap.Duration("took", time.Since(start)))
	return resp, nil
}

// consistent keeps the hits whose document is indexed at the hit's revision.
// Pending, failed, deleted and superseded content is dropped silently.
func (e *Engine) consistent(ctx context.Context, hits []store.VectorHit) ([]Result, error) {
	current := make(map[string]*models.Document)
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		doc, seen := current[h.DocumentID]
		if !seen {
			d, err := e.docs.GetDocument(ctx, h.DocumentID)
			switch {
			case apperrors.Is(err, apperrors.ErrNotFound):
				d = nil
			case err != nil:
				return nil, apperrors.NewQueryBackendError("document", err)
			}
			current[h.DocumentID] = d
			doc = d
		}
		if doc == nil || doc.Status != models.DocumentStatusIndexed || doc.Revision != h.Revision {
			continue
		}
		results = append(results, Result{
			ChunkID:    h.ChunkID,
			DocumentID: h.DocumentID,
			Revision:   h.Revision,
			Score:      h.Score,
			Text:       h.Text,
			Metadata:   h.Metadata,
		})
	}
	return results, nil
}

// stillIndexed reports whether every cached result still belongs to an
// indexed revision. Any doubt sends the query back to the stores.
func (e *Engine) stillIndexed(ctx context.Context, results []Result) bool {
	checked := make(map[string]bool, len(results))
	for _, r := range results {
		key := r.DocumentID + "@" + strconv.FormatInt(r.Revision, 10)
		if checked[key] {
			continue
		}
		doc, err := e.docs.GetDocument(ctx, r.DocumentID)
		if err != nil || doc.Status != models.DocumentStatusIndexed || doc.Revision != r.Revision {
			return false
		}
		checked[key] = true
	}
	return true
}

func (e *Engine) enrich(ctx context.Context, results []Result) error {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	found, err := e.graph.EntitiesForChunks(ctx, ids)
	if err != nil {
		return apperrors.NewQueryBackendError("graph", err)
	}
	for i := range results {
		results[i].Entities = found[results[i].ChunkID]
	}
	return nil
}

// Related walks the graph outward from node, e.g. the chunks mentioning an
// entity or the chunk after a chunk.
func (e *Engine) Related(ctx context.Context, node, relation string, depth int) ([]models.GraphNode, error) {
	if strings.TrimSpace(node) == "" {
		return nil, apperrors.NewBadRequestError("node must not be empty")
	}
	if depth <= 0 {
		depth = 1
	}
	if depth > 3 {
		depth = 3
	}
	nodes, err := e.graph.Traverse(ctx, node, relation, depth)
	if err != nil {
		return nil, apperrors.NewQueryBackendError("graph", err)
	}
	return nodes, nil
}

// Chunks lists the IDs of chunks whose metadata matches filter.
func (e *Engine) Chunks(ctx context.Context, filter store.Filter) ([]string, error) {
	ids, err := e.graph.QueryChunks(ctx, filter)
	if err != nil {
		return nil, apperrors.NewQueryBackendError("graph", err)
	}
	return ids, nil
}

// cacheKey hashes everything that shapes a response. Filter maps marshal
// with sorted keys, so equal filters hash equally.
func cacheKey(req Request, enrich bool, version, generation string) string {
	data, _ := json.Marshal(struct {
		Query      string       `json:"q"`
		K          int          `json:"k"`
		Filter     store.Filter `json:"f"`
		Enrich     bool         `json:"e"`
		Version    string       `json:"v"`
		Generation string       `json:"g"`
	}{req.Query, req.K, req.Filter, enrich, version, generation})
	sum := sha256.Sum256(data)
	return "query:" + hex.EncodeToString(sum[:])
}
