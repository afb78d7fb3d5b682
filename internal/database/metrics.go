package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// MetricsCollector 数据库连接池与迁移指标
type MetricsCollector struct {
	db              *sql.DB
	logger          *logrus.Logger
	collectInterval time.Duration

	connections      *prometheus.GaugeVec
	migrations       *prometheus.CounterVec
	migrationSeconds prometheus.Histogram
}

// NewMetricsCollector registers the pool metrics with reg. A nil reg keeps
// them unregistered.
func NewMetricsCollector(db *sql.DB, reg prometheus.Registerer, logger *logrus.Logger) *MetricsCollector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &MetricsCollector{
		db:              db,
		logger:          logger,
		collectInterval: 15 * time.Second,
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docindex_db_connections",
			Help: "Database pool connections by state",
		}, []string{"state"}),
		migrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docindex_db_migrations_total",
			Help: "Schema migration runs by operation and status",
		}, []string{"operation", "status"}),
		migrationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "docindex_db_migration_duration_seconds",
			Help:    "Duration of schema migrations",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Start collects pool statistics every interval until ctx ends.
func (mc *MetricsCollector) Start(ctx context.Context) {
	mc.logger.Info("Starting database metrics collection")
	go func() {
		ticker := time.NewTicker(mc.collectInterval)
		defer ticker.Stop()
		for {
			mc.Collect()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Collect 采集一次连接池统计
func (mc *MetricsCollector) Collect() {
	stats := mc.db.Stats()
	mc.connections.WithLabelValues("idle").Set(float64(stats.Idle))
	mc.connections.WithLabelValues("in_use").Set(float64(stats.InUse))
	mc.connections.WithLabelValues("open").Set(float64(stats.OpenConnections))
	mc.connections.WithLabelValues("max_open").Set(float64(stats.MaxOpenConnections))
	mc.connections.WithLabelValues("wait_count").Set(float64(stats.WaitCount))

	mc.logger.WithFields(logrus.Fields{
		"idle":   stats.Idle,
		"in_use": stats.InUse,
		"open":   stats.OpenConnections,
		"wait":   stats.WaitCount,
	}).Debug("Database connection pool stats collected")
}

// RecordMigration 记录迁移操作
func (mc *MetricsCollector) RecordMigration(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	mc.migrations.WithLabelValues(operation, status).Inc()
	if err == nil {
		mc.migrationSeconds.Observe(duration.Seconds())
	}
}
