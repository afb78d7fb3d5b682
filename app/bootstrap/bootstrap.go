package bootstrap

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/beego/beego/v2/server/web"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/aihub/docindex/app/router"
	"github.com/aihub/docindex/internal/config"
	"github.com/aihub/docindex/internal/database"
	"github.com/aihub/docindex/internal/di"
	"github.com/aihub/docindex/internal/etcd"
	"github.com/aihub/docindex/internal/eventbus"
	"github.com/aihub/docindex/internal/ingest"
	"github.com/aihub/docindex/internal/logger"
	"github.com/aihub/docindex/internal/pipeline"
	"github.com/aihub/docindex/internal/retrieval"
	"github.com/aihub/docindex/internal/store"
	"github.com/aihub/docindex/internal/worker"
)

// workerTTL is the lifetime of the registry entry between keepalives.
const workerTTL = 15 * time.Second

// App encapsulates lifecycle resources that need to be cleaned up on shutdown.
type App struct {
	Service   string
	Config    *config.Config
	Loader    *config.Loader
	Logger    *zap.Logger
	Registry  *prometheus.Registry
	Container *di.Container

	monitorOnce sync.Once
}

// Init bootstraps environment, configuration, logger and the dependency
// container. Connections are opened lazily by the first component that
// needs them.
func Init(service, configFile string) (*App, error) {
	// Load environment variables from .env if present (non-fatal if missing).
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("failed to read .env: %v", err)
	}

	zl, err := logger.InitLogger(logger.OptionsFromEnv(service))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	loader := config.NewLoader(configFile, zl)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	container := di.New()
	if err := di.Register(container, di.Options{Config: cfg, Logger: zl, Registerer: reg}); err != nil {
		return nil, err
	}

	zl.Info("application bootstrapped",
		zap.String("env", cfg.App.Env),
		zap.String("bus", cfg.Bus.Provider),
		zap.String("vector", cfg.Vector.Provider),
		zap.String("documents", cfg.Stores.Document),
		zap.String("coordination", cfg.Coordination.Provider))

	return &App{
		Service:   service,
		Config:    cfg,
		Loader:    loader,
		Logger:    zl,
		Registry:  reg,
		Container: container,
	}, nil
}

func (a *App) monitor(ctx context.Context, db *database.DB) {
	if db == nil {
		return
	}
	a.monitorOnce.Do(func() { db.StartMonitoring(ctx) })
}

// Shutdown closes every connection opened through the container.
func (a *App) Shutdown() {
	if err := a.Container.Close(); err != nil {
		a.Logger.Error("shutdown finished with errors", zap.Error(err))
	}
	logger.Sync()
}

// WatchConfig feeds config file changes and the coordination config key
// into the shared Provider until ctx ends.
func (a *App) WatchConfig(ctx context.Context) error {
	return a.Container.Invoke(func(p *config.Provider, co *di.Coordination, pool *worker.Pool) {
		p.OnChange(func(old, next config.PipelineConfig) {
			if next.Workers != old.Workers {
				pool.Tune(next.Workers)
			}
			a.Logger.Info("pipeline configuration updated",
				zap.Int("chunk_size", next.ChunkSize),
				zap.Int("max_attempts", next.MaxAttempts),
				zap.Int("workers", next.Workers))
		})

		a.Loader.RegisterCallback(p.ReloadCallback())
		if err := a.Loader.StartWatching(); err != nil {
			a.Logger.Debug("config file watch disabled", zap.Error(err))
		}

		key := a.Config.Coordination.ConfigKey
		if key == "" || co.Watcher == nil {
			return
		}
		go func() {
			err := co.Watcher.Watch(ctx, key, func(value []byte) {
				if len(value) == 0 {
					return
				}
				if err := p.ApplyOverride(value); err != nil {
					a.Logger.Warn("rejected pipeline override", zap.String("key", key), zap.Error(err))
				}
			})
			if err != nil && ctx.Err() == nil {
				a.Logger.Error("config key watch stopped", zap.String("key", key), zap.Error(err))
			}
		}()
	})
}

type indexerParams struct {
	dig.In

	Coordinator *pipeline.Coordinator
	Bus         eventbus.Bus
	Coord       *di.Coordination
	WorkerID    di.WorkerID
	DB          *database.DB `optional:"true"`
}

// RunIndexer registers the worker, re-announces interrupted documents and
// consumes the record channel until ctx ends.
func (a *App) RunIndexer(ctx context.Context) error {
	return a.Container.Invoke(func(p indexerParams) error {
		a.monitor(ctx, p.DB)

		if p.Coord.Etcd != nil {
			registry := etcd.NewWorkerRegistry(p.Coord.Etcd, "", etcd.WorkerInfo{
				ID:       string(p.WorkerID),
				Role:     "indexer",
				Channels: []string{a.Config.Bus.RecordChannel},
			}, a.Logger)
			if err := registry.Register(ctx, workerTTL); err != nil {
				a.Logger.Warn("worker registration failed", zap.Error(err))
			} else {
				defer func() { _ = registry.Deregister() }()
			}
		}

		recovered, err := p.Coordinator.Recover(ctx)
		if err != nil {
			a.Logger.Warn("startup recovery incomplete", zap.Error(err))
		}
		a.Logger.Info("startup recovery finished", zap.Int("republished", recovered))

		a.Logger.Info("indexer running",
			zap.String("worker_id", string(p.WorkerID)),
			zap.String("channel", a.Config.Bus.RecordChannel),
			zap.String("group", a.Config.Bus.GroupID))
		// Subscribe returns once ctx ends
		if err := p.Bus.Subscribe(ctx, a.Config.Bus.RecordChannel, a.Config.Bus.GroupID, p.Coordinator.Handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", a.Config.Bus.RecordChannel, err)
		}
		return nil
	})
}

type serverParams struct {
	dig.In

	Engine    *retrieval.Engine
	Ingest    *ingest.Service
	Documents store.DocumentStore
	DB        *database.DB `optional:"true"`
}

// QueryServer builds the HTTP API server.
func (a *App) QueryServer(ctx context.Context) (*web.HttpServer, error) {
	var app *web.HttpServer
	err := a.Container.Invoke(func(p serverParams) {
		a.monitor(ctx, p.DB)
		app = router.NewServer(router.Handlers{
			Service:        a.Service,
			Engine:         p.Engine,
			Ingest:         p.Ingest,
			Documents:      p.Documents,
			DB:             p.DB,
			Gatherer:       a.Registry,
			AllowedOrigins: a.Config.Server.AllowedOrigins,
			Logger:         a.Logger.Named("http"),
		})
	})
	return app, err
}
