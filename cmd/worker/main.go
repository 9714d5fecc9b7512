package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"stagevault/internal/blobstore"
	"stagevault/internal/config"
	"stagevault/internal/worker"
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

	store, err := blobstore.New(cfg)
	if err != nil {
		log.Error("init storage", "error", err)
		os.Exit(1)
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		log.Error("ensure buckets", "error", err)
		os.Exit(1)
	}

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.SweepWorkers,
	})
	processor := worker.NewProcessor(store, log)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	if err := server.Run(mux); err != nil {
		log.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
