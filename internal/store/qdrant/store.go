// Package qdrant implements store.VectorStore over the Qdrant REST API.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/store"
)

// pointNamespace maps chunk IDs onto the UUID point IDs Qdrant requires.
var pointNamespace = uuid.MustParse("0d3f0a52-52b4-4c43-9a43-5a0f3e1f2c77")

// Options Qdrant客户端配置
type Options struct {
	Endpoint   string
	APIKey     string
	Collection string
	VectorSize int
	Distance   string
	UseTLS     bool
	Timeout    time.Duration
}

// Store Qdrant向量存储
type Store struct {
	client     *http.Client
	endpoint   string
	apiKey     string
	collection string
	vectorSize int
	distance   string
	logger     *zap.Logger

	mu    sync.Mutex
	ready bool
}

var _ store.VectorStore = (*Store)(nil)

// New 创建Qdrant向量存储
func New(opts Options, logger *zap.Logger) (*Store, error) {
	scheme := "http"
	if opts.UseTLS {
		scheme = "https"
	}
	if opts.Endpoint == "" {
		opts.Endpoint = fmt.Sprintf("%s://localhost:6333", scheme)
	}
	if !strings.HasPrefix(opts.Endpoint, "http") {
		opts.Endpoint = fmt.Sprintf("%s://%s", scheme, opts.Endpoint)
	}
	if opts.Collection == "" {
		opts.Collection = "docindex_chunks"
	}
	if opts.VectorSize <= 0 {
		return nil, apperrors.NewConfigurationError("qdrant vector size must be positive")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Store{
		client:     &http.Client{Timeout: timeout},
		endpoint:   strings.TrimSuffix(opts.Endpoint, "/"),
		apiKey:     opts.APIKey,
		collection: opts.Collection,
		vectorSize: opts.VectorSize,
		distance:   formatDistance(opts.Distance),
		logger:     logger,
	}, nil
}

func formatDistance(value string) string {
	switch strings.ToLower(value) {
	case "dot", "dotproduct":
		return "Dot"
	case "euclid", "l2":
		return "Euclid"
	default:
		return "Cosine"
	}
}

// PointID returns the Qdrant point ID of a chunk.
func PointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

func (s *Store) ensureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	path := "/collections/" + s.collection
	status, _, err := s.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		body := map[string]interface{}{
			"vectors": map[string]interface{}{
				"size":     s.vectorSize,
				"distance": s.distance,
			},
		}
		status, raw, err := s.do(ctx, http.MethodPut, path, body)
		if err != nil {
			return err
		}
		if status >= 300 {
			return fmt.Errorf("create collection %s failed: %d %s", s.collection, status, raw)
		}
		s.logger.Info("Qdrant collection created", zap.String("collection", s.collection), zap.Int("size", s.vectorSize))
	} else if status >= 300 {
		return fmt.Errorf("get collection %s failed: %d", s.collection, status)
	}
	s.ready = true
	return nil
}

func (s *Store) Upsert(ctx context.Context, records []models.IndexRecord) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		if len(r.Vector) != s.vectorSize {
			return apperrors.NewConfigurationError("vector of chunk %s has %d dimensions, collection expects %d", r.ChunkID, len(r.Vector), s.vectorSize)
		}
		points = append(points, map[string]interface{}{
			"id":     PointID(r.ChunkID),
			"vector": r.Vector,
			"payload": map[string]interface{}{
				"chunk_id":    r.ChunkID,
				"document_id": r.DocumentID,
				"revision":    r.Revision,
				"ordinal":     r.Ordinal,
				"content":     r.Text,
				"metadata":    r.Metadata,
			},
		})
	}
	return s.write(ctx, "/points?wait=true", http.MethodPut, map[string]interface{}{"points": points})
}

func (s *Store) Query(ctx context.Context, vector []float32, k int, filter store.Filter) ([]store.VectorHit, error) {
	if len(vector) == 0 || k <= 0 {
		return nil, nil
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, apperrors.NewTransientStoreError("qdrant", err)
	}

	body := map[string]interface{}{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
		"with_vector":  false,
	}
	if f := FilterBody(filter); f != nil {
		body["filter"] = f
	}
	status, raw, err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/search", body)
	if err != nil {
		return nil, apperrors.NewTransientStoreError("qdrant", err)
	}
	if status >= 300 {
		return nil, apperrors.NewTransientStoreError("qdrant", fmt.Errorf("search failed: %d %s", status, raw))
	}

	var searchResp struct {
		Result []struct {
			Score   float32 `json:"score"`
			Payload struct {
				ChunkID    string            `json:"chunk_id"`
				DocumentID string            `json:"document_id"`
				Revision   int64             `json:"revision"`
				Content    string            `json:"content"`
				Metadata   map[string]string `json:"metadata"`
			} `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &searchResp); err != nil {
		return nil, apperrors.NewTransientStoreError("qdrant", err)
	}

	hits := make([]store.VectorHit, 0, len(searchResp.Result))
	for _, item := range searchResp.Result {
		hits = append(hits, store.VectorHit{
			ChunkID:    item.Payload.ChunkID,
			DocumentID: item.Payload.DocumentID,
			Revision:   item.Payload.Revision,
			Score:      item.Score,
			Text:       item.Payload.Content,
			Metadata:   item.Payload.Metadata,
		})
	}
	return hits, nil
}

func (s *Store) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]string, len(chunkIDs))
	for i, id := range chunkIDs {
		ids[i] = PointID(id)
	}
	return s.write(ctx, "/points/delete?wait=true", http.MethodPost, map[string]interface{}{"points": ids})
}

func (s *Store) DeleteDocument(ctx context.Context, documentID string, beforeRevision int64) error {
	body := map[string]interface{}{
		"filter": map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": "document_id", "match": map[string]interface{}{"value": documentID}},
				{"key": "revision", "range": map[string]interface{}{"lt": beforeRevision}},
			},
		},
	}
	return s.write(ctx, "/points/delete?wait=true", http.MethodPost, body)
}

func (s *Store) write(ctx context.Context, suffix, method string, body interface{}) error {
	if err := s.ensureCollection(ctx); err != nil {
		return apperrors.NewTransientStoreError("qdrant", err)
	}
	status, raw, err := s.do(ctx, method, "/collections/"+s.collection+suffix, body)
	if err != nil {
		return apperrors.NewTransientStoreError("qdrant", err)
	}
	if status >= 300 {
		return apperrors.NewTransientStoreError("qdrant", fmt.Errorf("%s %s failed: %d %s", method, suffix, status, raw))
	}
	return nil
}

// Close is a no-op; the HTTP client holds no dedicated resources.
func (s *Store) Close() error { return nil }

// FilterBody renders filter as a Qdrant filter object, nil when empty.
func FilterBody(filter store.Filter) map[string]interface{} {
	var must []map[string]interface{}
	if len(filter.DocumentIDs) > 0 {
		must = append(must, map[string]interface{}{
			"key":   "document_id",
			"match": map[string]interface{}{"any": filter.DocumentIDs},
		})
	}
	eq := filter.Equalities()
	keys := make([]string, 0, len(eq))
	for k := range eq {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		must = append(must, map[string]interface{}{
			"key":   "metadata." + k,
			"match": map[string]interface{}{"value": eq[k]},
		})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]interface{}{"must": must}
}

func (s *Store) do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}
