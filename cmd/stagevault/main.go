// Command stagevault is the operational CLI: bootstrap storage, trigger
// sweeps, and reclaim temp trees without going through the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"stagevault/internal/blobstore"
	"stagevault/internal/cleanup"
	"stagevault/internal/config"
	"stagevault/internal/database"
	"stagevault/internal/queue"
)

var opTimeout time.Duration

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "stagevault: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stagevault",
		Short: "StageVault operations CLI",
		Long: `StageVault CLI talks to the same Postgres, MinIO and Redis the services use.
It bootstraps buckets and schema, enqueues background sweeps, and reclaims
temp trees directly when the queue is unavailable.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().DurationVar(&opTimeout, "timeout", 30*time.Second, "Per-operation timeout")
	cmd.AddCommand(
		newInitCmd(),
		newSweepCmd(),
		newReclaimCmd(),
		newPurgeCmd(),
	)
	return cmd
}

func opContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), opTimeout)
}

func newAsynqClient(cfg *config.Config) *asynq.Client {
	return asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create buckets and database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, cancel := opContext(cmd)
			defer cancel()

			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()
			if err := database.EnsureSchema(ctx, pool); err != nil {
				return err
			}

			store, err := blobstore.New(cfg)
			if err != nil {
				return err
			}
			if err := store.EnsureBuckets(ctx); err != nil {
				return err
			}
			fmt.Println("schema and buckets ready")
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep <actor-id>",
		Short: "Enqueue a durable temp-prefix sweep for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := newAsynqClient(cfg)
			defer client.Close()

			ctx, cancel := opContext(cmd)
			defer cancel()
			if err := queue.NewSweeper(client).EnqueueTempSweep(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("temp sweep enqueued for actor %s\n", args[0])
			return nil
		},
	}
}

func newReclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim <actor-id>",
		Short: "Reclaim an actor's temp tree inline, bypassing the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := blobstore.New(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := opContext(cmd)
			defer cancel()

			report := cleanup.Reclaim(ctx, store, blobstore.TempPrefix(args[0]))
			fmt.Printf("prefix %s: listed %d, removed %d, failed %d\n",
				report.Prefix, report.Listed, report.Removed, len(report.Failed))
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d object(s) could not be removed", len(report.Failed))
			}
			return nil
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <perm-path>...",
		Short: "Enqueue deletion of leaked permanent blobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := newAsynqClient(cfg)
			defer client.Close()

			ctx, cancel := opContext(cmd)
			defer cancel()
			if err := queue.NewSweeper(client).EnqueueLeakedBlobs(ctx, args); err != nil {
				return err
			}
			fmt.Printf("purge enqueued for %d blob(s)\n", len(args))
			return nil
		},
	}
}
