package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aihub/docindex/app/bootstrap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "path to the config file (defaults to $CONFIG_FILE)")
	embedded := flag.Bool("embedded-indexer", false, "also consume the record channel in this process")
	flag.Parse()

	app, err := bootstrap.Init("docindex-query", *configFile)
	if err != nil {
		log.Fatalf("failed to bootstrap query service: %v", err)
	}
	defer app.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.WatchConfig(ctx); err != nil {
		app.Logger.Fatal("config watch failed", zap.Error(err))
	}

	indexerDone := make(chan struct{})
	if *embedded {
		go func() {
			defer close(indexerDone)
			if err := app.RunIndexer(ctx); err != nil {
				app.Logger.Error("embedded indexer stopped", zap.Error(err))
			}
		}()
	} else {
		close(indexerDone)
	}

	srv, err := app.QueryServer(ctx)
	if err != nil {
		app.Logger.Fatal("failed to build query server", zap.Error(err))
	}

	addr := ":" + app.Config.Server.Port
	go func() {
		app.Logger.Info("query service listening", zap.String("addr", addr), zap.Bool("embedded_indexer", *embedded))
		srv.Run(addr)
	}()

	<-ctx.Done()
	app.Logger.Info("shutting down query service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Server.Shutdown(shutdownCtx); err != nil {
		app.Logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	<-indexerDone
}
