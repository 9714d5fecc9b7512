// Package cleanup runs best-effort reclamation of temporary objects in the
// background. Reclaim work must never block or fail the user's forward
// progress, so jobs are submitted fire-and-forget and every outcome is
// reported as a Report rather than an error to the caller.
package cleanup

import (
	"context"
	"log/slog"

	"stagevault/internal/blobstore"
)

// Job asks the runner to delete every temp object under Prefix.
type Job struct {
	Prefix string
}

// Report is the dedicated result type for one reclaim attempt. It is
// logged, never returned to the submitting caller.
type Report struct {
	Prefix  string
	Listed  int
	Removed int
	Failed  []string
}

// TempStore is the slice of the blob store the runner needs.
type TempStore interface {
	ListTempPrefix(ctx context.Context, prefix string) ([]blobstore.ObjectInfo, error)
	RemoveTemp(ctx context.Context, paths []string) ([]string, error)
}

// Runner consumes reclaim jobs on a fixed pool of worker goroutines.
type Runner struct {
	store   TempStore
	log     *slog.Logger
	queue   chan Job
	workers int
}

// NewRunner builds a Runner with queue capacity tied to worker count.
func NewRunner(store TempStore, workers int, log *slog.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		store:   store,
		log:     log,
		queue:   make(chan Job, workers*4),
		workers: workers,
	}
}

// Start launches worker goroutines that run until the context is cancelled.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		go r.worker(ctx)
	}
}

// Submit queues a reclaim job without blocking. When the queue is
// saturated the job is dropped with a warning; the prefix is picked up
// again by the next batch start or the sweep worker.
func (r *Runner) Submit(job Job) {
	select {
	case r.queue <- job:
	default:
		r.log.Warn("cleanup queue full, dropping job", "prefix", job.Prefix)
	}
}

func (r *Runner) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.queue:
			report := Reclaim(ctx, r.store, job.Prefix)
			if len(report.Failed) > 0 {
				r.log.Warn("temp reclaim incomplete",
					"prefix", report.Prefix,
					"listed", report.Listed,
					"removed", report.Removed,
					"failed", len(report.Failed))
				continue
			}
			r.log.Info("temp reclaim done",
				"prefix", report.Prefix, "removed", report.Removed)
		}
	}
}

// Reclaim lists and deletes everything under prefix, attempting every
// object independently. Shared with the sweep worker so the in-process and
// queued paths behave identically.
func Reclaim(ctx context.Context, store TempStore, prefix string) Report {
	report := Report{Prefix: prefix}
	objects, err := store.ListTempPrefix(ctx, prefix)
	if err != nil {
		// Whatever was listed before the error is still worth removing.
		report.Failed = append(report.Failed, prefix)
	}
	if len(objects) == 0 {
		report.Listed = 0
		return report
	}
	paths := make([]string, 0, len(objects))
	for _, obj := range objects {
		paths = append(paths, obj.Name)
	}
	report.Listed = len(paths)
	failed, _ := store.RemoveTemp(ctx, paths)
	report.Failed = append(report.Failed, failed...)
	report.Removed = report.Listed - len(failed)
	return report
}
