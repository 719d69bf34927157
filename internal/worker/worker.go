package worker

import (
	"context"
	"errors"
	"log/slog"

	"movie-catalog/internal/database"
	"movie-catalog/internal/models"
	"movie-catalog/internal/queue"
)

// JobSource yields queued sync job deliveries.
type JobSource interface {
	Consume() (<-chan queue.Delivery, error)
}

// JobLoader reads a job by id.
type JobLoader interface {
	GetSyncJob(ctx context.Context, id string) (*models.SyncJob, error)
}

// acker is the ack surface of a queue.Delivery.
type acker interface {
	Ack() error
	Nack() error
	Discard() error
}

// Worker consumes sync job ids from RabbitMQ and runs each job.
type Worker struct {
	jobs   JobLoader
	syncer *Syncer
	source JobSource
	log    *slog.Logger
}

// New constructs a Worker. All dependencies are injected.
func New(jobs JobLoader, s *Syncer, src JobSource) *Worker {
	return &Worker{jobs: jobs, syncer: s, source: src, log: slog.Default().With("component", "worker")}
}

// Run starts consuming and blocks until ctx is cancelled. A job in progress
// when ctx is cancelled ends as failed and its message is acked.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.source.Consume()
	if err != nil {
		return err
	}

	w.log.Info("sync worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info("sync worker shutting down")
			return nil

		case d, ok := <-deliveries:
			if !ok {
				w.log.Warn("delivery channel closed")
				return nil
			}
			w.process(ctx, d.JobID, &d)
		}
	}
}

// process loads the job, runs it and acks. Jobs that already finished are
// acked without running again so a redelivery never repeats a completed sync.
func (w *Worker) process(ctx context.Context, jobID string, d acker) {
	job, err := w.jobs.GetSyncJob(ctx, jobID)
	if errors.Is(err, database.ErrNotFound) {
		w.log.Warn("discarding unknown sync job", "job_id", jobID)
		d.Discard()
		return
	}
	if err != nil {
		w.log.Error("load sync job failed", "job_id", jobID, "error", err)
		d.Nack()
		return
	}

	if !job.IsRunning() {
		w.log.Info("sync job already finished, skipping", "job_id", jobID, "status", job.Status)
		d.Ack()
		return
	}

	// the outcome is on the job row either way
	_ = w.syncer.Run(ctx, job)

	if err := d.Ack(); err != nil {
		w.log.Error("ack failed", "job_id", jobID, "error", err)
	}
}
