package router

import (
	"github.com/beego/beego/v2/server/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aihub/docindex/app/controllers"
	"github.com/aihub/docindex/app/middleware"
	"github.com/aihub/docindex/internal/database"
	"github.com/aihub/docindex/internal/ingest"
	"github.com/aihub/docindex/internal/retrieval"
	"github.com/aihub/docindex/internal/store"
)

// Handlers are the dependencies of the query API routes.
type Handlers struct {
	Service   string
	Engine    *retrieval.Engine
	Ingest    *ingest.Service
	Documents store.DocumentStore
	// DB is optional; when set /health reports the database state.
	DB             *database.DB
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewServer 创建独立的 beego 服务，不使用全局 BeeApp
func NewServer(h Handlers) *web.HttpServer {
	cfg := *web.BConfig
	cfg.CopyRequestBody = true
	cfg.AppName = h.Service
	app := web.NewHttpServerWithCfg(&cfg)
	Register(app, h)
	return app
}

// Register 注册全部路由
func Register(app *web.HttpServer, h Handlers) {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	app.InsertFilter("/*", web.BeforeRouter, middleware.RequestIDFilter)
	app.InsertFilter("/*", web.BeforeRouter, middleware.CORS(h.AllowedOrigins))
	app.InsertFilter("/*", web.FinishRouter, middleware.AccessLogFilter(h.Logger), web.WithReturnOnOutput(false))

	health := &controllers.HealthController{DB: h.DB, Service: h.Service}
	app.Router("/", health, "get:Index")
	app.Router("/health", health, "get:Health")

	if h.Gatherer != nil {
		app.Handler("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	}

	search := &controllers.SearchController{Engine: h.Engine}
	app.Router("/api/search", search, "post:Search")
	app.Router("/api/chunks", search, "get:Chunks")
	app.Router("/api/graph/:node", search, "get:Related")

	documents := &controllers.DocumentController{Ingest: h.Ingest, Documents: h.Documents}
	app.Router("/api/documents", documents, "post:Create")
	app.Router("/api/documents/:id", documents, "get:Get;delete:Delete")
	app.Router("/api/documents/:id/reindex", documents, "post:Reindex")
	app.Router("/api/dead-letters", documents, "get:DeadLetters")
}
