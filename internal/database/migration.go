package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// MigrationManager 数据库迁移管理器
type MigrationManager struct {
	migrate *migrate.Migrate
	logger  *logrus.Logger
}

// NewMigrationManager applies migrations from migrationPath, or from the
// schema embedded in the binary when migrationPath is empty.
func NewMigrationManager(db *sql.DB, migrationPath string, logger *logrus.Logger) (*MigrationManager, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	var m *migrate.Migrate
	if migrationPath == "" {
		src, err := iofs.New(embeddedMigrations, "migrations")
		if err != nil {
			return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
		if err != nil {
			return nil, fmt.Errorf("failed to create migrate instance: %w", err)
		}
	} else {
		if abs, err := filepath.Abs(migrationPath); err == nil {
			migrationPath = abs
		}
		m, err = migrate.NewWithDatabaseInstance("file://"+migrationPath, "postgres", driver)
		if err != nil {
			return nil, fmt.Errorf("failed to create migrate instance: %w", err)
		}
	}

	return &MigrationManager{migrate: m, logger: logger}, nil
}

// Up 执行所有待执行的迁移
func (mm *MigrationManager) Up() error {
	mm.logger.Info("Starting database migration up")
	err := mm.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		mm.logger.Info("No migrations to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	mm.logger.Info("Database migrations completed successfully")
	return nil
}

// Down 回滚最后一次迁移
func (mm *MigrationManager) Down() error {
	mm.logger.Info("Rolling back last migration")
	if err := mm.migrate.Steps(-1); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}
	mm.logger.Info("Migration rollback completed")
	return nil
}

// To migrates up or down to version.
func (mm *MigrationManager) To(version uint) error {
	mm.logger.Infof("Migrating to version %d", version)
	err := mm.migrate.Migrate(version)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate to version %d: %w", version, err)
	}
	return nil
}

// Version returns the applied version; a database without migrations
// reports version 0.
func (mm *MigrationManager) Version() (uint, bool, error) {
	version, dirty, err := mm.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// ForceVersion 强制设置数据库版本（用于修复脏状态）
func (mm *MigrationManager) ForceVersion(version uint) error {
	mm.logger.Warnf("Force setting migration version to %d", version)
	if err := mm.migrate.Force(int(version)); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	return nil
}

// Close 关闭迁移管理器
func (mm *MigrationManager) Close() error {
	sourceErr, dbErr := mm.migrate.Close()
	if sourceErr != nil || dbErr != nil {
		return fmt.Errorf("errors occurred while closing migrator: source=%v, db=%v", sourceErr, dbErr)
	}
	return nil
}
