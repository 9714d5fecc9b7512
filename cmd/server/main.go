// Package main is the entry point for the StageVault API binary.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"stagevault/internal/api"
	"stagevault/internal/blobstore"
	"stagevault/internal/cleanup"
	"stagevault/internal/config"
	"stagevault/internal/database"
	"stagevault/internal/gateway"
	"stagevault/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("connect database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Error("ensure schema", "error", err)
		os.Exit(1)
	}
	gw := gateway.NewPostgresGateway(pool)

	store, err := blobstore.New(cfg)
	if err != nil {
		log.Error("init storage", "error", err)
		os.Exit(1)
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		log.Error("ensure buckets", "error", err)
		os.Exit(1)
	}

	queueClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer queueClient.Close()
	sweeper := queue.NewSweeper(queueClient)

	runner := cleanup.NewRunner(store, cfg.CleanupWorkers, log)
	runner.Start(ctx)

	srv := api.New(cfg, store, gw, sweeper, runner, log)
	if err := srv.Run(ctx); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
