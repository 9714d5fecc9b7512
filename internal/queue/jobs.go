package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// TempSweepTask reclaims an actor's whole temp tree. Scheduled when a
	// session closes and safe to re-run anytime.
	TempSweepTask = "cleanup:temp_sweep"
	// LeakedBlobsTask deletes permanent blobs left behind when a commit's
	// rollback could not remove them. asynq retries drive reconciliation.
	LeakedBlobsTask = "cleanup:leaked_blobs"
)

// TempSweepPayload names the actor whose temp prefix should be reclaimed.
type TempSweepPayload struct {
	ActorID string `json:"actor_id"`
}

// LeakedBlobsPayload lists permanent blob paths to delete.
type LeakedBlobsPayload struct {
	Paths []string `json:"paths"`
}

// Sweeper enqueues cleanup tasks. It satisfies the engine's LeakSweeper.
type Sweeper struct {
	client *asynq.Client
}

// NewSweeper wraps an asynq client.
func NewSweeper(client *asynq.Client) *Sweeper {
	return &Sweeper{client: client}
}

// EnqueueTempSweep schedules reclamation of an actor's temp tree.
func (s *Sweeper) EnqueueTempSweep(ctx context.Context, actorID string) error {
	data, err := json.Marshal(TempSweepPayload{ActorID: actorID})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(TempSweepTask, data)
	if _, err := s.client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue temp sweep: %w", err)
	}
	return nil
}

// EnqueueLeakedBlobs schedules deletion of leaked permanent blobs.
func (s *Sweeper) EnqueueLeakedBlobs(ctx context.Context, paths []string) error {
	data, err := json.Marshal(LeakedBlobsPayload{Paths: paths})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(LeakedBlobsTask, data)
	if _, err := s.client.EnqueueContext(ctx, task, asynq.MaxRetry(10)); err != nil {
		return fmt.Errorf("enqueue leaked blob sweep: %w", err)
	}
	return nil
}
