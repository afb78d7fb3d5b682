package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/store"
)

func TestDocumentStore_RevisionGuard(t *testing.T) {
	s := NewDocumentStore()
	ctx := context.Background()

	rev, err := s.SubmitRevision(ctx, &models.Document{ID: "doc-1", Content: "hello", Format: "txt"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	require.NoError(t, s.UpdateStatus(ctx, "doc-1", 1, models.DocumentStatusExtracting, ""))

	rev, err = s.SubmitRevision(ctx, &models.Document{ID: "doc-1", Content: "hello again", Format: "txt"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)

	err = s.UpdateStatus(ctx, "doc-1", 1, models.DocumentStatusChunking, "")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConsistencyConflict))

	// a run ahead of the stored revision is retried, not superseded
	err = s.SaveExtraction(ctx, "doc-1", 3, "text", models.Structure{})
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))

	doc, err := s.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusPending, doc.Status)
	assert.Equal(t, "hello again", doc.Content)
}

func TestDocumentStore_DeleteChunksRemovesEmbeddings(t *testing.T) {
	s := NewDocumentStore()
	ctx := context.Background()

	require.NoError(t, s.PutChunks(ctx, []models.Chunk{
		{ID: "c1", DocumentID: "doc-1", Revision: 1},
		{ID: "c2", DocumentID: "doc-1", Revision: 2},
	}))
	require.NoError(t, s.PutEmbeddings(ctx, []models.Embedding{
		{ChunkID: "c1", ModelVersion: "m1", Vector: []float32{1}},
		{ChunkID: "c2", ModelVersion: "m1", Vector: []float32{2}},
	}))

	require.NoError(t, s.DeleteChunks(ctx, "doc-1", 2))

	chunks, err := s.GetChunks(ctx, "doc-1", 1)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	vecs, err := s.GetEmbeddings(ctx, []string{"c1", "c2"}, "m1")
	require.NoError(t, err)
	assert.Equal(t, map[string][]float32{"c2": {2}}, vecs)
}

func TestVectorStore_QueryFiltersAndRanks(t *testing.T) {
	v := NewVectorStore()
	ctx := context.Background()
	require.NoError(t, v.Upsert(ctx, []models.IndexRecord{
		{ChunkID: "a", DocumentID: "doc-1", Revision: 1, Vector: []float32{1, 0}, Metadata: map[string]string{models.MetaSection: "Intro"}},
		{ChunkID: "b", DocumentID: "doc-1", Revision: 1, Vector: []float32{0.8, 0.2}, Metadata: map[string]string{models.MetaSection: "Body"}},
		{ChunkID: "c", DocumentID: "doc-2", Revision: 1, Vector: []float32{1, 0}},
	}))

	hits, err := v.Query(ctx, []float32{1, 0}, 10, store.Filter{DocumentIDs: []string{"doc-1"}})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ChunkID)
	assert.Equal(t, "b", hits[1].ChunkID)

	hits, err = v.Query(ctx, []float32{1, 0}, 10, store.Filter{Section: "Body"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ChunkID)

	require.NoError(t, v.DeleteDocument(ctx, "doc-1", store.AllRevisions))
	assert.Zero(t, v.Count("doc-1"))
	assert.Equal(t, 1, v.Count("doc-2"))
}

func TestGraphStore_EntitiesTraverseAndPurge(t *testing.T) {
	g := NewGraphStore()
	ctx := context.Background()
	acme := models.Entity{ID: models.EntityID("org", "Acme Corp"), Name: "Acme Corp", Type: "org"}

	require.NoError(t, g.UpsertRecords(ctx, []models.IndexRecord{
		{ChunkID: "c1", DocumentID: "doc-1", Revision: 1, Entities: []models.Entity{acme},
			Metadata: map[string]string{models.MetaSource: "wiki"}},
		{ChunkID: "c2", DocumentID: "doc-1", Revision: 1,
			Relations: []models.Relation{{From: "c1", To: "c2", Type: models.RelNext}}},
	}))

	ents, err := g.EntitiesForChunks(ctx, []string{"c1", "c2"})
	require.NoError(t, err)
	assert.Equal(t, []models.Entity{acme}, ents["c1"])
	assert.Empty(t, ents["c2"])

	nodes, err := g.Traverse(ctx, "doc-1", "", 2)
	require.NoError(t, err)
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []string{"c1", "c2", acme.ID}, ids)

	chunks, err := g.QueryChunks(ctx, store.Filter{Source: "wiki"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, chunks)

	require.NoError(t, g.DeleteDocument(ctx, "doc-1", 2))
	assert.Zero(t, g.NodeCount("doc-1", models.NodeChunk))
	ents, err = g.EntitiesForChunks(ctx, []string{"c1"})
	require.NoError(t, err)
	assert.Empty(t, ents)
}

func TestFaultInjection(t *testing.T) {
	v := NewVectorStore()
	boom := errors.New("disk full")
	v.SetFault(func(op string) error {
		if op == "Upsert" {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, v.Upsert(context.Background(), nil), boom)
	_, err := v.Query(context.Background(), nil, 1, store.Filter{})
	assert.NoError(t, err)
}
