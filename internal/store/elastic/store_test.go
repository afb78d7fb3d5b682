package elastic

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/store"
)

func newTestStore(t *testing.T, handle func(w http.ResponseWriter, r *http.Request, body string)) (*Store, *[]string) {
	t.Helper()
	var mu sync.Mutex
	calls := &[]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		*calls = append(*calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handle(w, r, string(raw))
	}))
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return NewWithClient(client, "chunks", 2, zap.NewNop()), calls
}

func TestStore_UpsertCreatesIndexAndBulkIndexes(t *testing.T) {
	var bulkBody string
	s, calls := newTestStore(t, func(w http.ResponseWriter, r *http.Request, body string) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPut:
			assert.Contains(t, body, `"dense_vector"`)
			w.Write([]byte(`{"acknowledged":true}`))
		case strings.HasSuffix(r.URL.Path, "/_bulk"):
			bulkBody = body
			w.Write([]byte(`{"errors":false,"items":[]}`))
		}
	})

	err := s.Upsert(context.Background(), []models.IndexRecord{
		{ChunkID: "c1", DocumentID: "doc-1", Revision: 1, Text: "hello", Vector: []float32{1, 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"HEAD /chunks", "PUT /chunks", "POST /_bulk"}, *calls)
	assert.Contains(t, bulkBody, `"_id":"c1"`)
	assert.Contains(t, bulkBody, `"document_id":"doc-1"`)
}

func TestStore_BulkItemErrorIsTransient(t *testing.T) {
	s, _ := newTestStore(t, func(w http.ResponseWriter, r *http.Request, body string) {
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte(`{"errors":true,"items":[{"index":{"_id":"c1","status":429,"error":{"type":"es_rejected_execution_exception","reason":"queue full"}}}]}`))
	})

	err := s.Upsert(context.Background(), []models.IndexRecord{{ChunkID: "c1", Vector: []float32{1, 0}}})
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestStore_DeleteIgnoresMissingDocuments(t *testing.T) {
	s, _ := newTestStore(t, func(w http.ResponseWriter, r *http.Request, body string) {
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte(`{"errors":true,"items":[{"delete":{"_id":"gone","status":404,"error":{"type":"not_found","reason":"missing"}}}]}`))
	})
	require.NoError(t, s.Delete(context.Background(), []string{"gone"}))
}

func TestStore_QueryConvertsScores(t *testing.T) {
	s, _ := newTestStore(t, func(w http.ResponseWriter, r *http.Request, body string) {
		if r.Method == http.MethodHead {
			return
		}
		assert.Contains(t, body, `"knn"`)
		w.Write([]byte(`{"hits":{"hits":[{"_score":0.95,"_source":{"chunk_id":"c1","document_id":"doc-1","revision":3,"content":"hi","metadata":{"page":"2"}}}]}}`))
	})

	hits, err := s.Query(context.Background(), []float32{1, 0}, 3, store.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c1", hits[0].ChunkID)
	assert.Equal(t, int64(3), hits[0].Revision)
	assert.InDelta(t, 0.9, hits[0].Score, 1e-6)
	assert.Equal(t, "2", hits[0].Metadata["page"])
}

func TestSearchBody(t *testing.T) {
	body := SearchBody([]float32{1, 0}, 4, store.Filter{DocumentIDs: []string{"doc-1"}, Source: "wiki"})
	knn := body["knn"].(map[string]interface{})
	assert.Equal(t, 4, knn["k"])
	assert.Equal(t, 40, knn["num_candidates"])
	clauses := knn["filter"].(map[string]interface{})["bool"].(map[string]interface{})["filter"].([]interface{})
	require.Len(t, clauses, 2)
	assert.Equal(t, map[string]interface{}{"term": map[string]interface{}{"metadata.source": "wiki"}}, clauses[1])

	plain := SearchBody([]float32{1}, 1, store.Filter{})
	_, hasFilter := plain["knn"].(map[string]interface{})["filter"]
	assert.False(t, hasFilter)
}
