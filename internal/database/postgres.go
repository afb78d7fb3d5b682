package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aihub/docindex/internal/config"
	apperrors "github.com/aihub/docindex/internal/errors"
	pgstore "github.com/aihub/docindex/internal/store/postgres"
)

// 连接池默认值
const (
	defaultMaxOpenConns    = 100
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = time.Hour
	defaultConnMaxIdleTime = 30 * time.Minute
)

// DB is an open PostgreSQL connection with its pool monitoring.
type DB struct {
	Gorm    *gorm.DB
	SQL     *sql.DB
	Health  *HealthChecker
	Metrics *MetricsCollector
}

// Connect 连接数据库并配置连接池。cfg.AutoMigrate 为 true 时通过 gorm 建表，
// 生产环境应使用 cmd/migrate
func Connect(cfg config.DatabaseConfig, reg prometheus.Registerer, logger *logrus.Logger) (*DB, error) {
	if cfg.URL == "" {
		return nil, apperrors.NewConfigurationError("database.url is required for the postgres stores")
	}
	db, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	applyPool(sqlDB, cfg)

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(pgstore.Tables()...); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("database auto migration failed: %w", err)
		}
		logger.Info("Database schema auto-migrated")
	}

	return &DB{
		Gorm:    db,
		SQL:     sqlDB,
		Health:  NewHealthChecker(sqlDB, logger),
		Metrics: NewMetricsCollector(sqlDB, reg, logger),
	}, nil
}

func applyPool(sqlDB *sql.DB, cfg config.DatabaseConfig) {
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = defaultConnMaxLifetime
	}
	idleTime := cfg.ConnMaxIdleTime
	if idleTime <= 0 {
		idleTime = defaultConnMaxIdleTime
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)
	sqlDB.SetConnMaxIdleTime(idleTime)
}

// StartMonitoring runs the health checker and the pool metrics collector
// until ctx ends.
func (d *DB) StartMonitoring(ctx context.Context) {
	go d.Health.Start(ctx)
	d.Metrics.Start(ctx)
}

// HealthCheck 健康检查，优先使用后台检查结果
func (d *DB) HealthCheck(ctx context.Context) error {
	if d.Health.IsHealthy() {
		return nil
	}
	return d.Health.Check(ctx)
}

// Close 关闭数据库连接
func (d *DB) Close() error {
	d.Health.Stop()
	return d.SQL.Close()
}
