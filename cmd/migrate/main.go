package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/aihub/docindex/internal/config"
	"github.com/aihub/docindex/internal/database"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	configFile := flag.String("config", "", "path to the config file (defaults to $CONFIG_FILE)")
	action := flag.String("action", "up", "Migration action: up, down, version, goto, force")
	version := flag.Int("version", 0, "Target version for goto and force")
	path := flag.String("path", "", "migrations directory (defaults to the embedded set)")
	flag.Parse()

	cfg, err := config.NewLoader(*configFile, zap.NewNop()).Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("database.url is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	metrics := database.NewMetricsCollector(db, prometheus.NewRegistry(), logger)

	mm, err := database.NewMigrationManager(db, *path, logger)
	if err != nil {
		log.Fatalf("Failed to create migration manager: %v", err)
	}
	defer mm.Close()

	run := func(op string, fn func() error) {
		start := time.Now()
		err := fn()
		metrics.RecordMigration(op, time.Since(start), err)
		if err != nil {
			log.Fatalf("Migration %s failed: %v", op, err)
		}
	}

	switch *action {
	case "up":
		fmt.Println("Running migrations up...")
		run("up", mm.Up)
		fmt.Println("Migrations completed successfully")

	case "down":
		fmt.Println("Rolling back last migration...")
		run("down", mm.Down)
		fmt.Println("Rollback completed successfully")

	case "version":
		v, dirty, err := mm.Version()
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		fmt.Printf("Current version: %d", v)
		if dirty {
			fmt.Printf(" (dirty - manual intervention required)")
		}
		fmt.Println()

	case "goto", "force":
		if *version <= 0 {
			log.Fatalf("Version must be specified for %s action", *action)
		}
		target := uint(*version)
		if *action == "goto" {
			run("goto", func() error { return mm.To(target) })
		} else {
			run("force", func() error { return mm.ForceVersion(target) })
		}
		fmt.Printf("Database at version %d\n", target)

	default:
		fmt.Printf("Unknown action: %s\n", *action)
		fmt.Println("Available actions: up, down, version, goto, force")
		os.Exit(1)
	}
}
