package qdrant

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/store"
)

type recorded struct {
	method string
	path   string
	body   map[string]interface{}
}

func newServer(t *testing.T, handle func(w http.ResponseWriter, r recorded)) (*Store, *[]recorded) {
	t.Helper()
	var mu sync.Mutex
	calls := &[]recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		rec := recorded{method: r.Method, path: r.URL.Path}
		if len(raw) > 0 {
			assert.NoError(t, json.Unmarshal(raw, &rec.body))
		}
		mu.Lock()
		*calls = append(*calls, rec)
		mu.Unlock()
		handle(w, rec)
	}))
	t.Cleanup(srv.Close)

	s, err := New(Options{Endpoint: srv.URL, Collection: "chunks", VectorSize: 2}, zap.NewNop())
	require.NoError(t, err)
	return s, calls
}

func TestStore_CreatesCollectionOnce(t *testing.T) {
	created := false
	s, calls := newServer(t, func(w http.ResponseWriter, r recorded) {
		switch {
		case r.method == http.MethodGet && !created:
			w.WriteHeader(http.StatusNotFound)
		case r.method == http.MethodPut && r.path == "/collections/chunks":
			created = true
			w.Write([]byte(`{"result":true}`))
		default:
			w.Write([]byte(`{"result":{}}`))
		}
	})

	rec := models.IndexRecord{ChunkID: "c1", DocumentID: "doc-1", Revision: 1, Vector: []float32{1, 0}}
	require.NoError(t, s.Upsert(context.Background(), []models.IndexRecord{rec}))
	require.NoError(t, s.Upsert(context.Background(), []models.IndexRecord{rec}))

	var paths []string
	for _, c := range *calls {
		paths = append(paths, c.method+" "+c.path)
	}
	assert.Equal(t, []string{
		"GET /collections/chunks",
		"PUT /collections/chunks",
		"PUT /collections/chunks/points",
		"PUT /collections/chunks/points",
	}, paths)

	points := (*calls)[2].body["points"].([]interface{})
	point := points[0].(map[string]interface{})
	assert.Equal(t, PointID("c1"), point["id"])
}

func TestStore_QueryDecodesHits(t *testing.T) {
	s, calls := newServer(t, func(w http.ResponseWriter, r recorded) {
		if r.path == "/collections/chunks/points/search" {
			w.Write([]byte(`{"result":[{"id":"x","score":0.9,"payload":{"chunk_id":"c1","document_id":"doc-1","revision":2,"content":"hello","metadata":{"section":"Intro"}}}]}`))
			return
		}
		w.Write([]byte(`{"result":{}}`))
	})

	hits, err := s.Query(context.Background(), []float32{1, 0}, 5, store.Filter{Section: "Intro"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, store.VectorHit{
		ChunkID: "c1", DocumentID: "doc-1", Revision: 2, Score: 0.9, Text: "hello",
		Metadata: map[string]string{"section": "Intro"},
	}, hits[0])

	search := (*calls)[1].body
	assert.Equal(t, float64(5), search["limit"])
	assert.NotNil(t, search["filter"])
}

func TestStore_ServerErrorIsTransient(t *testing.T) {
	s, _ := newServer(t, func(w http.ResponseWriter, r recorded) {
		if r.method == http.MethodGet {
			w.Write([]byte(`{"result":{}}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := s.DeleteDocument(context.Background(), "doc-1", 3)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestStore_RejectsWrongDimension(t *testing.T) {
	s, calls := newServer(t, func(w http.ResponseWriter, r recorded) {
		w.Write([]byte(`{"result":{}}`))
	})
	err := s.Upsert(context.Background(), []models.IndexRecord{{ChunkID: "c1", Vector: []float32{1, 2, 3}}})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfiguration, apperrors.Classify(err))
	assert.Empty(t, *calls)
}

func TestFilterBody(t *testing.T) {
	assert.Nil(t, FilterBody(store.Filter{}))

	body := FilterBody(store.Filter{DocumentIDs: []string{"doc-1"}, Page: 2})
	must := body["must"].([]map[string]interface{})
	require.Len(t, must, 2)
	assert.Equal(t, "document_id", must[0]["key"])
	assert.Equal(t, "metadata.page", must[1]["key"])
	assert.Equal(t, map[string]interface{}{"value": "2"}, must[1]["match"])
}

func TestPointIDIsStable(t *testing.T) {
	assert.Equal(t, PointID("doc-1:1:0"), PointID("doc-1:1:0"))
	assert.NotEqual(t, PointID("doc-1:1:0"), PointID("doc-1:1:1"))
}
