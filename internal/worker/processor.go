package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"stagevault/internal/blobstore"
	"stagevault/internal/cleanup"
	"stagevault/internal/queue"
)

// Store is the slice of the blob client the sweeps need.
type Store interface {
	cleanup.TempStore
	RemovePerm(ctx context.Context, paths []string) ([]string, error)
}

// Processor is plugged into the asynq worker loop. It executes the sweep
// tasks that reconcile storage after abandoned sessions and failed
// rollbacks.
type Processor struct {
	store Store
	log   *slog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(store Store, log *slog.Logger) *Processor {
	return &Processor{store: store, log: log}
}

// Handler registers the sweep task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TempSweepTask, p.handleTempSweep)
	mux.HandleFunc(queue.LeakedBlobsTask, p.handleLeakedBlobs)
	return mux
}

func (p *Processor) handleTempSweep(ctx context.Context, task *asynq.Task) error {
	var payload queue.TempSweepPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	report := cleanup.Reclaim(ctx, p.store, blobstore.TempPrefix(payload.ActorID))
	if len(report.Failed) > 0 {
		// Returning an error makes asynq retry the sweep.
		return fmt.Errorf("temp sweep for %s left %d object(s)", payload.ActorID, len(report.Failed))
	}
	p.log.Info("temp sweep done", "actor", payload.ActorID, "removed", report.Removed)
	return nil
}

func (p *Processor) handleLeakedBlobs(ctx context.Context, task *asynq.Task) error {
	var payload queue.LeakedBlobsPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	failed, err := p.store.RemovePerm(ctx, payload.Paths)
	if err != nil || len(failed) > 0 {
		return fmt.Errorf("leaked blob sweep left %d object(s): %v", len(failed), err)
	}
	p.log.Info("leaked blob sweep done", "removed", len(payload.Paths))
	return nil
}
