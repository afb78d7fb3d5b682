package di

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/aihub/docindex/internal/cache"
	"github.com/aihub/docindex/internal/config"
	"github.com/aihub/docindex/internal/consul"
	"github.com/aihub/docindex/internal/coordination"
	"github.com/aihub/docindex/internal/database"
	"github.com/aihub/docindex/internal/embedding"
	"github.com/aihub/docindex/internal/entities"
	"github.com/aihub/docindex/internal/etcd"
	"github.com/aihub/docindex/internal/eventbus"
	"github.com/aihub/docindex/internal/extraction"
	"github.com/aihub/docindex/internal/ingest"
	"github.com/aihub/docindex/internal/kafka"
	"github.com/aihub/docindex/internal/metrics"
	"github.com/aihub/docindex/internal/pipeline"
	"github.com/aihub/docindex/internal/retrieval"
	"github.com/aihub/docindex/internal/storage"
	"github.com/aihub/docindex/internal/store"
	"github.com/aihub/docindex/internal/store/elastic"
	"github.com/aihub/docindex/internal/store/memory"
	"github.com/aihub/docindex/internal/store/milvus"
	pgstore "github.com/aihub/docindex/internal/store/postgres"
	"github.com/aihub/docindex/internal/store/qdrant"
	"github.com/aihub/docindex/internal/worker"
)

const (
	memoryBusPartitions = 8
	connectTimeout      = 30 * time.Second
)

// Options 容器的外部输入
type Options struct {
	Config     *config.Config
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	// WorkerID names this process in leases and the worker registry.
	// Defaults to hostname plus a random suffix.
	WorkerID string
}

// WorkerID identifies the running process.
type WorkerID string

// Coordination is the configured lease backend. Etcd is only set for the
// etcd provider, which also backs the worker registry.
type Coordination struct {
	Backend coordination.Backend
	Watcher coordination.Watcher
	Etcd    *etcd.Client
}

// Register 注册所有依赖提供者。后端按配置选择，只有被 Invoke 用到的连接才会建立。
func Register(c *Container, opts Options) error {
	if opts.Config == nil {
		return fmt.Errorf("di: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.WorkerID == "" {
		host, _ := os.Hostname()
		opts.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	cfg := opts.Config
	p := &providers{c: c}

	constructors := []interface{}{
		func() *config.Config { return cfg },
		func() *config.Provider { return config.NewProvider(cfg) },
		func() *zap.Logger { return opts.Logger },
		func() prometheus.Registerer { return opts.Registerer },
		func() WorkerID { return WorkerID(opts.WorkerID) },
		metrics.New,
		newLogrus,
		p.pool,
		p.coordination,
		p.leases,
		p.embedder,
		func() *extraction.Extractor { return extraction.NewExtractor() },
		func() *entities.Deriver { return entities.NewDeriver(0) },
		func() pipeline.Channels { return pipeline.ChannelsFrom(cfg.Bus) },
		newCoordinator,
		newIngestService,
		newEngine,
	}

	if cfg.Stores.Document == "postgres" || cfg.Stores.Graph == "postgres" {
		constructors = append(constructors, p.database)
	}
	constructors = append(constructors,
		documentStore(cfg.Stores.Document),
		graphStore(cfg.Stores.Graph),
		p.vectorStore,
		p.blobStore,
		p.cache,
		p.bus,
		func(b eventbus.Bus) eventbus.Publisher { return b },
	)

	for _, ctor := range constructors {
		if err := c.Provide(ctor); err != nil {
			return fmt.Errorf("di: register provider: %w", err)
		}
	}
	return nil
}

type providers struct {
	c *Container
}

func newLogrus(cfg *config.Config) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		l.SetLevel(lvl)
	}
	if cfg.App.Env == "test" {
		l.SetLevel(logrus.WarnLevel)
	}
	return l
}

func (p *providers) pool(cfg *config.Config, logger *zap.Logger) (*worker.Pool, error) {
	pool, err := worker.NewPool(cfg.Pipeline.Workers, logger)
	if err != nil {
		return nil, err
	}
	p.c.OnClose(func() error {
		pool.Release()
		return nil
	})
	return pool, nil
}

func (p *providers) database(cfg *config.Config, reg prometheus.Registerer, logger *logrus.Logger) (*database.DB, error) {
	db, err := database.Connect(cfg.Database, reg, logger)
	if err != nil {
		return nil, err
	}
	p.c.OnClose(db.Close)
	return db, nil
}

func documentStore(kind string) interface{} {
	if kind == "postgres" {
		return func(db *database.DB) store.DocumentStore {
			return pgstore.NewDocumentStore(db.Gorm)
		}
	}
	return func() store.DocumentStore { return memory.NewDocumentStore() }
}

func graphStore(kind string) interface{} {
	if kind == "postgres" {
		return func(db *database.DB) store.GraphStore {
			return pgstore.NewGraphStore(db.Gorm)
		}
	}
	return func() store.GraphStore { return memory.NewGraphStore() }
}

func (p *providers) vectorStore(cfg *config.Config, logger *zap.Logger) (store.VectorStore, error) {
	v := cfg.Vector
	var (
		vs  store.VectorStore
		err error
	)
	switch v.Provider {
	case "milvus":
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		vs, err = milvus.New(ctx, milvus.Options{
			Address:    v.Address,
			Username:   v.Username,
			Password:   v.Password,
			Collection: v.Collection,
			Dimension:  v.Dimension,
		}, logger)
	case "qdrant":
		vs, err = qdrant.New(qdrant.Options{
			Endpoint:   v.Address,
			APIKey:     v.APIKey,
			Collection: v.Collection,
			VectorSize: v.Dimension,
			Distance:   "Cosine",
		}, logger)
	case "elasticsearch":
		vs, err = elastic.New(elastic.Options{
			Addresses: splitAddresses(v.Address),
			Username:  v.Username,
			Password:  v.Password,
			APIKey:    v.APIKey,
			Index:     v.Collection,
			Dimension: v.Dimension,
		}, logger)
	case "memory":
		vs = memory.NewVectorStore()
	default:
		return nil, fmt.Errorf("unknown vector provider %q", v.Provider)
	}
	if err != nil {
		return nil, err
	}
	p.c.OnClose(vs.Close)
	return vs, nil
}

// blobStore may return nil, in which case content stays inline on the
// document row.
func (p *providers) blobStore(cfg *config.Config, logger *zap.Logger) (store.BlobStore, error) {
	b := cfg.Blob
	switch b.Provider {
	case "minio":
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		return storage.NewMinIOStore(ctx, storage.Options{
			Endpoint:  b.Endpoint,
			AccessKey: b.AccessKey,
			SecretKey: b.SecretKey,
			Bucket:    b.Bucket,
			UseSSL:    b.UseSSL,
		}, logger)
	case "memory":
		return memory.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

// cache may return nil; cache.BestEffort treats a nil inner cache as always
// missing.
func (p *providers) cache(cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Provider {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		client, err := cache.NewRedisClient(ctx, cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB)
		if err != nil {
			return nil, err
		}
		rc := cache.NewRedisCache(client, cfg.App.Name+":")
		p.c.OnClose(rc.Close)
		return rc, nil
	case "memory":
		return cache.NewMemoryCache(), nil
	default:
		return nil, nil
	}
}

func (p *providers) bus(cfg *config.Config, pool *worker.Pool, logger *zap.Logger) (eventbus.Bus, error) {
	var b eventbus.Bus
	switch cfg.Bus.Provider {
	case "kafka":
		kb, err := kafka.NewBus(cfg.Bus.Brokers, cfg.Bus.ClientID, pool, logger)
		if err != nil {
			return nil, err
		}
		b = kb
	default:
		b = eventbus.NewMemoryBus(memoryBusPartitions, pool, logger).
			WithBackoff(cfg.Pipeline.BaseBackoff, cfg.Pipeline.MaxBackoff)
	}
	p.c.OnClose(b.Close)
	return b, nil
}

func (p *providers) coordination(cfg *config.Config, logger *zap.Logger) (*Coordination, error) {
	co := cfg.Coordination
	switch co.Provider {
	case "etcd":
		client, err := etcd.NewClient(co.Endpoints, co.DialTimeout, logger)
		if err != nil {
			return nil, err
		}
		p.c.OnClose(client.Close)
		return &Coordination{Backend: client, Watcher: client, Etcd: client}, nil
	case "consul":
		var address string
		if len(co.Endpoints) > 0 {
			address = co.Endpoints[0]
		}
		client, err := consul.NewClient(address, logger)
		if err != nil {
			return nil, err
		}
		return &Coordination{Backend: client, Watcher: client}, nil
	default:
		backend := coordination.NewMemoryBackend()
		return &Coordination{Backend: backend, Watcher: backend}, nil
	}
}

func (p *providers) leases(cfg *config.Config, co *Coordination, id WorkerID, logger *zap.Logger) *coordination.Manager {
	return coordination.NewManager(co.Backend, cfg.Coordination.LeasePrefix, string(id), logger)
}

// embedder returns the configured backend behind a Batcher.
func (p *providers) embedder(cfg *config.Config, provider *config.Provider, m *metrics.Metrics, logger *zap.Logger) (embedding.Embedder, error) {
	backend, err := embedding.New(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	return embedding.NewBatcher(backend, provider, m, logger), nil
}

type coordinatorParams struct {
	dig.In

	Documents store.DocumentStore
	Graph     store.GraphStore
	Vectors   store.VectorStore
	Blobs     store.BlobStore
	Extractor *extraction.Extractor
	Embedder  embedding.Embedder
	Deriver   *entities.Deriver
	Leases    *coordination.Manager
	Publisher eventbus.Publisher
	Cache     cache.Cache
	Config    *config.Provider
	Channels  pipeline.Channels
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

func newCoordinator(p coordinatorParams) *pipeline.Coordinator {
	return pipeline.NewCoordinator(pipeline.Deps{
		Documents:  p.Documents,
		Graph:      p.Graph,
		Vectors:    p.Vectors,
		Blobs:      p.Blobs,
		Extractor:  p.Extractor,
		Embedder:   p.Embedder,
		Deriver:    p.Deriver,
		Leases:     p.Leases,
		Publisher:  p.Publisher,
		Cache:      cache.NewBestEffort(p.Cache, "embeddings", p.Metrics, p.Logger),
		QueryCache: cache.NewBestEffort(p.Cache, "queries", p.Metrics, p.Logger),
		Config:     p.Config,
		Channels:   p.Channels,
		Metrics:    p.Metrics,
		Logger:     p.Logger.Named("coordinator"),
	})
}

func newIngestService(docs store.DocumentStore, blobs store.BlobStore, publisher eventbus.Publisher, ch pipeline.Channels, logger *zap.Logger) *ingest.Service {
	return ingest.NewService(docs, blobs, publisher, ch.Record, logger.Named("ingest"))
}

type engineParams struct {
	dig.In

	Documents store.DocumentStore
	Graph     store.GraphStore
	Vectors   store.VectorStore
	Embedder  embedding.Embedder
	Cache     cache.Cache
	Config    *config.Provider
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

func newEngine(p engineParams) *retrieval.Engine {
	return retrieval.NewEngine(retrieval.Deps{
		Documents: p.Documents,
		Graph:     p.Graph,
		Vectors:   p.Vectors,
		Embedder:  p.Embedder,
		Cache:     cache.NewBestEffort(p.Cache, "queries", p.Metrics, p.Logger),
		Config:    p.Config,
		Metrics:   p.Metrics,
		Logger:    p.Logger.Named("retrieval"),
	})
}

func splitAddresses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
