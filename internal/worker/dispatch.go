package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"movie-catalog/internal/models"

	"github.com/google/uuid"
)

// JobStore persists sync jobs.
type JobStore interface {
	CreateSyncJob(ctx context.Context, job *models.SyncJob) error
	UpdateSyncJob(ctx context.Context, job *models.SyncJob) error
}

// JobPublisher hands a job id to whichever worker is listening.
type JobPublisher interface {
	PublishSyncJob(ctx context.Context, jobID string) error
}

// Dispatcher creates sync jobs and enqueues them for the worker.
type Dispatcher struct {
	store JobStore
	queue JobPublisher
	log   *slog.Logger
}

func NewDispatcher(store JobStore, queue JobPublisher) *Dispatcher {
	return &Dispatcher{store: store, queue: queue, log: slog.Default().With("component", "sync")}
}

// Dispatch records a queued job and publishes its id. If publishing fails
// the job is marked failed so its status does not read as queued forever.
func (d *Dispatcher) Dispatch(ctx context.Context, opts models.SyncOptions, reason string) (*models.SyncJob, error) {
	job := &models.SyncJob{
		ID:               uuid.NewString(),
		Status:           models.SyncQueued,
		Options:          opts,
		CurrentOperation: "queued: " + reason,
	}
	if err := d.store.CreateSyncJob(ctx, job); err != nil {
		return nil, fmt.Errorf("sync: create job: %w", err)
	}

	if err := d.queue.PublishSyncJob(ctx, job.ID); err != nil {
		now := time.Now().UTC()
		job.Status = models.SyncFailed
		job.FinishedAt = &now
		job.CurrentOperation = "failed"
		job.Errors = append(job.Errors, "enqueue: "+err.Error())
		if uerr := d.store.UpdateSyncJob(context.WithoutCancel(ctx), job); uerr != nil {
			d.log.Error("mark job failed", "job_id", job.ID, "error", uerr)
		}
		return nil, fmt.Errorf("sync: enqueue job: %w", err)
	}

	d.log.Info("sync job queued", "job_id", job.ID, "reason", reason)
	return job, nil
}
