package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"movie-catalog/internal/database"
	"movie-catalog/internal/models"

	"github.com/robfig/cron/v3"
)

// ReconcileStore reports record-store state for the reconcile check.
type ReconcileStore interface {
	CountMovies(ctx context.Context) (int64, error)
	LatestSyncJob(ctx context.Context) (*models.SyncJob, error)
}

// IndexCounter reports how many documents the index holds.
type IndexCounter interface {
	Count(ctx context.Context) (int64, error)
}

// SyncDispatcher enqueues a sync job.
type SyncDispatcher interface {
	Dispatch(ctx context.Context, opts models.SyncOptions, reason string) (*models.SyncJob, error)
}

// Reconciler enqueues a full sync when the index has drifted from the store.
type Reconciler struct {
	store     ReconcileStore
	index     IndexCounter
	dispatch  SyncDispatcher
	batchSize int
	log       *slog.Logger
}

func NewReconciler(store ReconcileStore, index IndexCounter, d SyncDispatcher, batchSize int) *Reconciler {
	return &Reconciler{
		store:     store,
		index:     index,
		dispatch:  d,
		batchSize: batchSize,
		log:       slog.Default().With("component", "cron"),
	}
}

// Check compares document and row counts and enqueues a sync on mismatch,
// or unconditionally when force is set (a freshly created index). It does
// nothing while another sync is queued or running. The returned job is nil
// when no sync was enqueued.
func (r *Reconciler) Check(ctx context.Context, force bool) (*models.SyncJob, error) {
	latest, err := r.store.LatestSyncJob(ctx)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("reconcile: latest job: %w", err)
	}
	if latest != nil && latest.IsRunning() {
		r.log.Info("sync already in progress, skipping check", "job_id", latest.ID)
		return nil, nil
	}

	reason := "index created"
	if !force {
		rows, err := r.store.CountMovies(ctx)
		if err != nil {
			return nil, fmt.Errorf("reconcile: count movies: %w", err)
		}
		docs, err := r.index.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("reconcile: count documents: %w", err)
		}
		if rows == docs {
			r.log.Debug("index in sync", "count", rows)
			return nil, nil
		}
		reason = fmt.Sprintf("count mismatch: store=%d index=%d", rows, docs)
		r.log.Warn("index drift detected", "store", rows, "index", docs)
	}

	return r.dispatch.Dispatch(ctx, models.SyncOptions{BatchSize: r.batchSize, SyncRatings: true}, reason)
}

// StartCronJobs registers the reconcile check on the given schedule and
// starts the scheduler. An invalid schedule is returned as an error so main
// can fail fast.
//
// The returned *cron.Cron must be stopped on shutdown:
//
//	c, err := StartCronJobs(rec, cfg.ReconcileSchedule)
//	defer c.Stop()
func StartCronJobs(rec *Reconciler, schedule string) (*cron.Cron, error) {
	c := cron.New()

	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		job, err := rec.Check(ctx, false)
		if err != nil {
			rec.log.Error("reconcile check failed", "error", err)
			return
		}
		if job != nil {
			rec.log.Info("reconcile enqueued sync", "job_id", job.ID)
		}
	})
	if err != nil {
		return nil, err
	}

	c.Start()
	rec.log.Info("cron scheduler started", "schedule", schedule)
	return c, nil
}
