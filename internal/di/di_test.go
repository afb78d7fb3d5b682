package di

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aihub/docindex/internal/config"
	"github.com/aihub/docindex/internal/eventbus"
	"github.com/aihub/docindex/internal/ingest"
	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/pipeline"
	"github.com/aihub/docindex/internal/retrieval"
	"github.com/aihub/docindex/internal/store"
)

func memoryConfig() *config.Config {
	return &config.Config{
		App:          config.AppConfig{Name: "docindex", Env: "test"},
		Server:       config.ServerConfig{Port: "0"},
		Cache:        config.CacheConfig{Provider: "memory", TTL: time.Minute},
		Bus:          config.BusConfig{Provider: "memory", GroupID: "indexer", RecordChannel: "records", EntityChannel: "entities", SyncChannel: "sync"},
		Coordination: config.CoordinationConfig{Provider: "memory", LeasePrefix: "leases/"},
		Stores:       config.StoresConfig{Document: "memory", Graph: "memory"},
		Vector:       config.VectorConfig{Provider: "memory", Collection: "chunks", Dimension: 32},
		Blob:         config.BlobConfig{Provider: "memory"},
		Embedding:    config.EmbeddingConfig{Provider: "hashing", Model: "hashing-v1", Dimensions: 32},
		Pipeline: config.PipelineConfig{
			ChunkSize:             200,
			ChunkOverlap:          20,
			EmbedBatchSize:        8,
			EmbeddingModelVersion: "hashing-v1",
			MaxAttempts:           3,
			BaseBackoff:           time.Millisecond,
			MaxBackoff:            5 * time.Millisecond,
			StageTimeout:          5 * time.Second,
			LeaseTTL:              10 * time.Second,
			Workers:               4,
		},
		Retrieval: config.RetrievalConfig{DefaultK: 3, MaxK: 10, Overfetch: 2},
	}
}

func newContainer(t *testing.T, cfg *config.Config) *Container {
	t.Helper()
	c := New()
	require.NoError(t, Register(c, Options{
		Config:     cfg,
		Logger:     zap.NewNop(),
		Registerer: prometheus.NewRegistry(),
		WorkerID:   "worker-test",
	}))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRegister_MemoryStackIndexesAndAnswers(t *testing.T) {
	c := newContainer(t, memoryConfig())

	err := c.Invoke(func(
		svc *ingest.Service,
		coord *pipeline.Coordinator,
		engine *retrieval.Engine,
		bus eventbus.Bus,
		docs store.DocumentStore,
	) error {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = bus.Subscribe(ctx, "records", "indexer", coord.Handle)
		}()
		defer func() {
			cancel()
			<-done
		}()

		doc, err := svc.Submit(ctx, ingest.SubmitRequest{ID: "doc-1", Format: "txt", Content: "tidal power stations in Brittany"})
		if err != nil {
			return err
		}
		assert.Equal(t, int64(1), doc.Revision)

		require.Eventually(t, func() bool {
			d, err := docs.GetDocument(ctx, "doc-1")
			return err == nil && d.Status == models.DocumentStatusIndexed
		}, 5*time.Second, 10*time.Millisecond)

		resp, err := engine.Query(ctx, retrieval.Request{Query: "tidal power"})
		if err != nil {
			return err
		}
		require.NotEmpty(t, resp.Results)
		assert.Equal(t, "doc-1", resp.Results[0].DocumentID)
		return nil
	})
	require.NoError(t, err)
}

func TestRegister_SharesSingletons(t *testing.T) {
	c := newContainer(t, memoryConfig())

	var first, second store.DocumentStore
	require.NoError(t, c.Invoke(func(d store.DocumentStore) { first = d }))
	require.NoError(t, c.Invoke(func(d store.DocumentStore) { second = d }))
	assert.Same(t, first, second)

	require.NoError(t, c.Invoke(func(co *Coordination, id WorkerID) {
		assert.NotNil(t, co.Watcher)
		assert.Nil(t, co.Etcd)
		assert.Equal(t, WorkerID("worker-test"), id)
	}))
}

func TestRegister_OptionalBackendsMayBeAbsent(t *testing.T) {
	cfg := memoryConfig()
	cfg.Blob.Provider = "none"
	cfg.Cache.Provider = "none"
	c := newContainer(t, cfg)

	require.NoError(t, c.Invoke(func(blobs store.BlobStore, svc *ingest.Service) {
		assert.Nil(t, blobs)
		assert.NotNil(t, svc)
	}))
}

func TestRegister_PostgresNeedsURL(t *testing.T) {
	cfg := memoryConfig()
	cfg.Stores.Document = "postgres"
	c := newContainer(t, cfg)

	err := c.Invoke(func(store.DocumentStore) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")

	// the graph store stays in memory and needs no database
	require.NoError(t, c.Invoke(func(store.GraphStore) {}))
}

func TestRegister_RequiresConfig(t *testing.T) {
	assert.Error(t, Register(New(), Options{}))
}

func TestContainer_CloseRunsHooksInReverse(t *testing.T) {
	c := New()
	var order []int
	c.OnClose(func() error { order = append(order, 1); return nil })
	c.OnClose(func() error { order = append(order, 2); return errors.New("boom") })
	c.OnClose(func() error { order = append(order, 3); return nil })

	err := c.Close()
	assert.EqualError(t, err, "boom")
	assert.Equal(t, []int{3, 2, 1}, order)

	assert.NoError(t, c.Close())
	assert.Len(t, order, 3)
}
