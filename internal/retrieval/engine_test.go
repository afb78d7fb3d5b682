package retrieval

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aihub/docindex/internal/cache"
	"github.com/aihub/docindex/internal/config"
	"github.com/aihub/docindex/internal/embedding"
	"github.com/aihub/docindex/internal/entities"
	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/metrics"
	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/store"
	"github.com/aihub/docindex/internal/store/memory"
)

type fixture struct {
	docs     *memory.DocumentStore
	graph    *memory.GraphStore
	vectors  *memory.VectorStore
	embedder *embedding.HashingEmbedder
	provider *config.Provider
	queries  *cache.BestEffort
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		docs:     memory.NewDocumentStore(),
		graph:    memory.NewGraphStore(),
		vectors:  memory.NewVectorStore(),
		embedder: embedding.NewHashingEmbedder("hashing-v1", 64),
		provider: config.NewProvider(&config.Config{
			Pipeline:  config.PipelineConfig{EmbeddingModelVersion: "hashing-v1"},
			Retrieval: config.RetrievalConfig{DefaultK: 3, MaxK: 10, Overfetch: 2, CacheTTL: time.Minute},
		}),
	}
	m := metrics.NewNop()
	f.queries = cache.NewBestEffort(cache.NewMemoryCache(), "queries", m, zap.NewNop())
	f.engine = NewEngine(Deps{
		Documents: f.docs,
		Graph:     f.graph,
		Vectors:   f.vectors,
		Embedder:  f.embedder,
		Cache:     f.queries,
		Config:    f.provider,
		Metrics:   m,
		Logger:    zap.NewNop(),
	})
	return f
}

// index writes texts as the chunks of the document's current revision,
// leaving the document in status.
func (f *fixture) index(t *testing.T, id string, status models.DocumentStatus, section string, texts ...string) int64 {
	t.Helper()
	ctx := context.Background()
	rev, err := f.docs.SubmitRevision(ctx, &models.Document{ID: id, Format: "txt"})
	require.NoError(t, err)

	vectors, err := f.embedder.Embed(ctx, texts)
	require.NoError(t, err)
	records := make([]models.IndexRecord, len(texts))
	for i, text := range texts {
		records[i] = models.IndexRecord{
			ChunkID:      fmt.Sprintf("%s-r%d-%d", id, rev, i),
			DocumentID:   id,
			Revision:     rev,
			Ordinal:      i,
			Text:         text,
			Vector:       vectors[i],
			ModelVersion: "hashing-v1",
			Metadata:     map[string]string{models.MetaSection: section},
		}
	}
	entities.NewDeriver(0).Annotate(records)
	require.NoError(t, f.vectors.Upsert(ctx, records))
	require.NoError(t, f.graph.UpsertRecords(ctx, records))
	if status != models.DocumentStatusPending {
		require.NoError(t, f.docs.UpdateStatus(ctx, id, rev, status, ""))
	}
	return rev
}

func chunkIDs(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ChunkID
	}
	return out
}

func TestQuery_OnlyIndexedRevisionsAreReturned(t *testing.T) {
	f := newFixture(t)
	f.index(t, "doc-a", models.DocumentStatusIndexed, "Intro", "solar panels convert sunlight into power")
	f.index(t, "doc-b", models.DocumentStatusPending, "Intro", "solar panels on every roof")
	f.index(t, "doc-c", models.DocumentStatusFailed, "Intro", "solar panels failed to import")
	// doc-d has stale rev1 vectors next to its indexed rev2
	f.index(t, "doc-d", models.DocumentStatusPending, "Intro", "solar panels old wording")
	f.index(t, "doc-d", models.DocumentStatusIndexed, "Intro", "solar panels new wording")

	resp, err := f.engine.Query(context.Background(), Request{Query: "solar panels", K: 10})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc-a-r1-0", "doc-d-r2-0"}, chunkIDs(resp.Results))
	for _, r := range resp.Results {
		assert.Contains(t, []string{"doc-a", "doc-d"}, r.DocumentID)
	}
	assert.Equal(t, "hashing-v1", resp.ModelVersion)
}

func TestQuery_RanksAndCutsToK(t *testing.T) {
	f := newFixture(t)
	f.index(t, "doc-a", models.DocumentStatusIndexed, "Intro",
		"wind turbines generate electricity",
		"wind turbines and wind farms",
		"tidal energy from the ocean",
		"wind speed measurement",
		"nothing related at all")

	resp, err := f.engine.Query(context.Background(), Request{Query: "wind turbines"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}
	assert.Contains(t, []string{"doc-a-r1-0", "doc-a-r1-1"}, resp.Results[0].ChunkID)
}

func TestQuery_KIsClamped(t *testing.T) {
	f := newFixture(t)
	texts := make([]string, 15)
	for i := range texts {
		texts[i] = fmt.Sprintf("battery storage note %d", i)
	}
	f.index(t, "doc-a", models.DocumentStatusIndexed, "Intro", texts...)

	resp, err := f.engine.Query(context.Background(), Request{Query: "battery storage", K: 100})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 10)

	_, err = f.engine.Query(context.Background(), Request{Query: "battery", K: -1})
	assert.Equal(t, apperrors.ErrCodeBadRequest, apperrors.Classify(err))
}

func TestQuery_Filter(t *testing.T) {
	f := newFixture(t)
	f.index(t, "doc-a", models.DocumentStatusIndexed, "Intro", "heat pumps move heat")
	f.index(t, "doc-b", models.DocumentStatusIndexed, "Install", "heat pumps installation steps")

	resp, err := f.engine.Query(context.Background(), Request{Query: "heat pumps", Filter: store.Filter{Section: "Install"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-b-r1-0"}, chunkIDs(resp.Results))

	resp, err = f.engine.Query(context.Background(), Request{Query: "heat pumps", Filter: store.Filter{DocumentIDs: []string{"doc-a"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-a-r1-0"}, chunkIDs(resp.Results))
}

func TestQuery_GraphEnrichment(t *testing.T) {
	f := newFixture(t)
	f.index(t, "doc-a", models.DocumentStatusIndexed, "People", "Grace Hopper wrote the first compiler")

	enrich := true
	resp, err := f.engine.Query(context.Background(), Request{Query: "compiler", Enrich: &enrich})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	var names []string
	for _, e := range resp.Results[0].Entities {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "Grace Hopper")

	resp, err = f.engine.Query(context.Background(), Request{Query: "compiler"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results[0].Entities)
}

func TestQuery_CachedResults(t *testing.T) {
	f := newFixture(t)
	f.index(t, "doc-a", models.DocumentStatusIndexed, "Intro", "geothermal wells")
	ctx := context.Background()

	first, err := f.engine.Query(ctx, Request{Query: "geothermal"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	f.vectors.SetFault(func(string) error { return fmt.Errorf("unreachable") })
	second, err := f.engine.Query(ctx, Request{Query: "geothermal"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, chunkIDs(first.Results), chunkIDs(second.Results))

	_, err = f.engine.Query(ctx, Request{Query: "geothermal", K: 2})
	require.Error(t, err, "a different k is a different cache entry")
}

func TestQuery_CacheFollowsIndexGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty, err := f.engine.Query(ctx, Request{Query: "geothermal"})
	require.NoError(t, err)
	assert.Empty(t, empty.Results)

	f.index(t, "doc-a", models.DocumentStatusIndexed, "Intro", "geothermal wells")
	f.queries.BumpGeneration(ctx, cache.IndexGenerationKey)

	after, err := f.engine.Query(ctx, Request{Query: "geothermal"})
	require.NoError(t, err)
	assert.False(t, after.Cached)
	require.Len(t, after.Results, 1)
	assert.Equal(t, "doc-a", after.Results[0].DocumentID)
}

func TestQuery_CachedResultsAreRevalidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rev := f.index(t, "doc-a", models.DocumentStatusIndexed, "Intro", "geothermal wells")
	f.index(t, "doc-b", models.DocumentStatusIndexed, "Intro", "geothermal heat pumps")

	first, err := f.engine.Query(ctx, Request{Query: "geothermal"})
	require.NoError(t, err)
	require.Len(t, first.Results, 2)

	// deleted without a generation change
	require.NoError(t, f.docs.UpdateStatus(ctx, "doc-a", rev, models.DocumentStatusDeleted, ""))
	afterDelete, err := f.engine.Query(ctx, Request{Query: "geothermal"})
	require.NoError(t, err)
	assert.False(t, afterDelete.Cached)
	require.Len(t, afterDelete.Results, 1)
	assert.Equal(t, "doc-b", afterDelete.Results[0].DocumentID)

	cached, err := f.engine.Query(ctx, Request{Query: "geothermal"})
	require.NoError(t, err)
	assert.True(t, cached.Cached)

	// a newer revision is pending, so the indexed one is superseded
	_, err = f.docs.SubmitRevision(ctx, &models.Document{ID: "doc-b", Format: "txt"})
	require.NoError(t, err)
	afterSupersede, err := f.engine.Query(ctx, Request{Query: "geothermal"})
	require.NoError(t, err)
	assert.False(t, afterSupersede.Cached)
	assert.Empty(t, afterSupersede.Results)
}

func TestQuery_BackendFailures(t *testing.T) {
	f := newFixture(t)
	f.index(t, "doc-a", models.DocumentStatusIndexed, "Intro", "hydrogen fuel cells")
	ctx := context.Background()

	f.vectors.SetFault(func(string) error { return fmt.Errorf("connection refused") })
	_, err := f.engine.Query(ctx, Request{Query: "hydrogen"})
	assert.Equal(t, apperrors.ErrCodeQueryBackend, apperrors.Classify(err))
	f.vectors.SetFault(nil)

	f.docs.SetFault(func(string) error { return fmt.Errorf("timeout") })
	_, err = f.engine.Query(ctx, Request{Query: "hydrogen fuel"})
	assert.Equal(t, apperrors.ErrCodeQueryBackend, apperrors.Classify(err))
}

func TestQuery_ModelVersionMismatch(t *testing.T) {
	f := newFixture(t)
	engine := NewEngine(Deps{
		Documents: f.docs,
		Graph:     f.graph,
		Vectors:   f.vectors,
		Embedder:  embedding.NewHashingEmbedder("hashing-v2", 64),
		Config:    f.provider,
	})

	_, err := engine.Query(context.Background(), Request{Query: "anything"})
	assert.Equal(t, apperrors.ErrCodeConfiguration, apperrors.Classify(err))
}

func TestQuery_EmptyQuery(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Query(context.Background(), Request{Query: "   "})
	assert.Equal(t, apperrors.ErrCodeBadRequest, apperrors.Classify(err))
}

func TestRelated(t *testing.T) {
	f := newFixture(t)
	f.index(t, "doc-a", models.DocumentStatusIndexed, "Intro", "first part", "second part")

	nodes, err := f.engine.Related(context.Background(), "doc-a-r1-0", models.RelNext, 1)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "doc-a-r1-1", nodes[0].ID)

	ids, err := f.engine.Chunks(context.Background(), store.Filter{DocumentIDs: []string{"doc-a"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc-a-r1-0", "doc-a-r1-1"}, ids)
}
