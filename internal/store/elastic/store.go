// Package elastic implements store.VectorStore on an Elasticsearch index
// with a dense_vector field and approximate kNN search.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/store"
)

// Options ES连接配置
type Options struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string
	Index     string
	Dimension int
}

// Store ES向量存储
type Store struct {
	client    *elasticsearch.Client
	index     string
	dimension int
	logger    *zap.Logger

	mu    sync.Mutex
	ready bool
}

var _ store.VectorStore = (*Store)(nil)

// New 创建ES向量存储
func New(opts Options, logger *zap.Logger) (*Store, error) {
	if len(opts.Addresses) == 0 {
		opts.Addresses = []string{"http://localhost:9200"}
	}
	if opts.Index == "" {
		opts.Index = "docindex_chunks"
	}
	if opts.Dimension <= 0 {
		return nil, apperrors.NewConfigurationError("elasticsearch dimension must be positive")
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
		APIKey:    opts.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return NewWithClient(client, opts.Index, opts.Dimension, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *elasticsearch.Client, index string, dimension int, logger *zap.Logger) *Store {
	return &Store{client: client, index: index, dimension: dimension, logger: logger}
}

func (e *Store) mapping() map[string]interface{} {
	return map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"chunk_id":    map[string]interface{}{"type": "keyword"},
				"document_id": map[string]interface{}{"type": "keyword"},
				"revision":    map[string]interface{}{"type": "long"},
				"ordinal":     map[string]interface{}{"type": "integer"},
				"content":     map[string]interface{}{"type": "text"},
				"metadata":    map[string]interface{}{"type": "flattened"},
				"vector": map[string]interface{}{
					"type":       "dense_vector",
					"dims":       e.dimension,
					"index":      true,
					"similarity": "cosine",
				},
			},
		},
	}
}

func (e *Store) ensureIndex(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return nil
	}

	resp, err := esapi.IndicesExistsRequest{Index: []string{e.index}}.Do(ctx, e.client)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode == 200 {
		e.ready = true
		return nil
	}

	body, _ := json.Marshal(e.mapping())
	createResp, err := esapi.IndicesCreateRequest{Index: e.index, Body: bytes.NewReader(body)}.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer createResp.Body.Close()
	if createResp.IsError() {
		return fmt.Errorf("create index error: %s", createResp.String())
	}
	e.logger.Info("Elasticsearch index created", zap.String("index", e.index))
	e.ready = true
	return nil
}

type chunkDoc struct {
	ChunkID    string            `json:"chunk_id"`
	DocumentID string            `json:"document_id"`
	Revision   int64             `json:"revision"`
	Ordinal    int               `json:"ordinal"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Vector     []float32         `json:"vector,omitempty"`
}

func (e *Store) Upsert(ctx context.Context, records []models.IndexRecord) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if len(r.Vector) != e.dimension {
			return apperrors.NewConfigurationError("vector of chunk %s has %d dimensions, index expects %d", r.ChunkID, len(r.Vector), e.dimension)
		}
		action := map[string]interface{}{"index": map[string]interface{}{"_index": e.index, "_id": r.ChunkID}}
		if err := enc.Encode(action); err != nil {
			return apperrors.NewInternalError("encode bulk action", err)
		}
		doc := chunkDoc{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Revision:   r.Revision,
			Ordinal:    r.Ordinal,
			Content:    r.Text,
			Metadata:   r.Metadata,
			Vector:     r.Vector,
		}
		if err := enc.Encode(doc); err != nil {
			return apperrors.NewInternalError("encode bulk document", err)
		}
	}
	return e.bulk(ctx, &buf)
}

func (e *Store) bulk(ctx context.Context, body *bytes.Buffer) error {
	if err := e.ensureIndex(ctx); err != nil {
		return apperrors.NewTransientStoreError("elasticsearch", err)
	}
	resp, err := esapi.BulkRequest{Body: body, Refresh: "true"}.Do(ctx, e.client)
	if err != nil {
		return apperrors.NewTransientStoreError("elasticsearch", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return apperrors.NewTransientStoreError("elasticsearch", fmt.Errorf("bulk error: %s", resp.String()))
	}

	var result struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return apperrors.NewTransientStoreError("elasticsearch", err)
	}
	if !result.Errors {
		return nil
	}
	for _, item := range result.Items {
		for _, op := range item {
			// deleting an absent document is fine
			if op.Error != nil && op.Status != 404 {
				return apperrors.NewTransientStoreError("elasticsearch",
					fmt.Errorf("bulk item %s: %s %s", op.ID, op.Error.Type, op.Error.Reason))
			}
		}
	}
	return nil
}

func (e *Store) Query(ctx context.Context, vector []float32, k int, filter store.Filter) ([]store.VectorHit, error) {
	if len(vector) == 0 || k <= 0 {
		return nil, nil
	}
	if err := e.ensureIndex(ctx); err != nil {
		return nil, apperrors.NewTransientStoreError("elasticsearch", err)
	}

	payload, _ := json.Marshal(SearchBody(vector, k, filter))
	resp, err := esapi.SearchRequest{Index: []string{e.index}, Body: bytes.NewReader(payload)}.Do(ctx, e.client)
	if err != nil {
		return nil, apperrors.NewTransientStoreError("elasticsearch", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return nil, apperrors.NewTransientStoreError("elasticsearch", fmt.Errorf("search error: %s", resp.String()))
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Score  float64  `json:"_score"`
				Source chunkDoc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperrors.NewTransientStoreError("elasticsearch", err)
	}

	hits := make([]store.VectorHit, 0, len(result.Hits.Hits))
	for _, h := range result.Hits.Hits {
		hits = append(hits, store.VectorHit{
			ChunkID:    h.Source.ChunkID,
			DocumentID: h.Source.DocumentID,
			Revision:   h.Source.Revision,
			// cosine similarity is reported as (1 + cos) / 2
			Score:    float32(2*h.Score - 1),
			Text:     h.Source.Content,
			Metadata: h.Source.Metadata,
		})
	}
	return hits, nil
}

// SearchBody builds the kNN request body for vector under filter.
func SearchBody(vector []float32, k int, filter store.Filter) map[string]interface{} {
	knn := map[string]interface{}{
		"field":          "vector",
		"query_vector":   vector,
		"k":              k,
		"num_candidates": k * 10,
	}
	if clauses := filterClauses(filter); len(clauses) > 0 {
		knn["filter"] = map[string]interface{}{"bool": map[string]interface{}{"filter": clauses}}
	}
	return map[string]interface{}{
		"size":    k,
		"knn":     knn,
		"_source": []string{"chunk_id", "document_id", "revision", "content", "metadata"},
	}
}

func filterClauses(filter store.Filter) []interface{} {
	var clauses []interface{}
	if len(filter.DocumentIDs) > 0 {
		clauses = append(clauses, map[string]interface{}{
			"terms": map[string]interface{}{"document_id": filter.DocumentIDs},
		})
	}
	eq := filter.Equalities()
	keys := make([]string, 0, len(eq))
	for k := range eq {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		clauses = append(clauses, map[string]interface{}{
			"term": map[string]interface{}{"metadata." + k: eq[k]},
		})
	}
	return clauses
}

func (e *Store) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, id := range chunkIDs {
		if err := enc.Encode(map[string]interface{}{"delete": map[string]interface{}{"_index": e.index, "_id": id}}); err != nil {
			return apperrors.NewInternalError("encode bulk action", err)
		}
	}
	return e.bulk(ctx, &buf)
}

func (e *Store) DeleteDocument(ctx context.Context, documentID string, beforeRevision int64) error {
	if err := e.ensureIndex(ctx); err != nil {
		return apperrors.NewTransientStoreError("elasticsearch", err)
	}
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"document_id": documentID}},
					map[string]interface{}{"range": map[string]interface{}{"revision": map[string]interface{}{"lt": beforeRevision}}},
				},
			},
		},
	}
	body, _ := json.Marshal(query)
	refresh := true
	resp, err := esapi.DeleteByQueryRequest{
		Index:   []string{e.index},
		Body:    bytes.NewReader(body),
		Refresh: &refresh,
	}.Do(ctx, e.client)
	if err != nil {
		return apperrors.NewTransientStoreError("elasticsearch", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return apperrors.NewTransientStoreError("elasticsearch", fmt.Errorf("delete document error: %s", resp.String()))
	}
	return nil
}

// Close is a no-op; the client keeps no connections that need closing.
func (e *Store) Close() error { return nil }
