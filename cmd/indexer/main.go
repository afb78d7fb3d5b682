package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/aihub/docindex/app/bootstrap"
)

func main() {
	configFile := flag.String("config", "", "path to the config file (defaults to $CONFIG_FILE)")
	flag.Parse()

	app, err := bootstrap.Init("docindex-indexer", *configFile)
	if err != nil {
		log.Fatalf("failed to bootstrap indexer: %v", err)
	}
	defer app.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.WatchConfig(ctx); err != nil {
		app.Logger.Fatal("config watch failed", zap.Error(err))
	}
	if err := app.RunIndexer(ctx); err != nil {
		app.Logger.Error("indexer stopped", zap.Error(err))
		return
	}
	app.Logger.Info("indexer stopped")
}
