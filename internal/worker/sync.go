package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"movie-catalog/internal/metrics"
	"movie-catalog/internal/models"
	"movie-catalog/internal/search"
)

const (
	DefaultSyncBatchSize = 500
	maxSyncBatchSize     = 5000
	maxJobErrors         = 100
)

// SyncStore is what a bulk sync reads from and reports progress to.
type SyncStore interface {
	CountMovies(ctx context.Context) (int64, error)
	ListMoviesPage(ctx context.Context, afterID int64, limit int) ([]models.MovieDetail, error)
	RecomputeAggregates(ctx context.Context, movieIDs []int64) (map[int64]models.RatingAggregate, error)
	UpdateSyncJob(ctx context.Context, job *models.SyncJob) error
}

// BulkIndex is the subset of the search gateway a bulk sync writes to.
type BulkIndex interface {
	EnsureIndex(ctx context.Context) (bool, error)
	DeleteIndex(ctx context.Context) error
	BulkUpsert(ctx context.Context, docs []search.Document) error
}

// Syncer copies the whole record store into the search index, page by page.
type Syncer struct {
	store SyncStore
	index BulkIndex
	now   func() time.Time
	log   *slog.Logger
}

func NewSyncer(store SyncStore, index BulkIndex) *Syncer {
	return &Syncer{
		store: store,
		index: index,
		now:   time.Now,
		log:   slog.Default().With("component", "sync"),
	}
}

// Run executes job to completion, persisting progress after every page.
// Rejected documents and failed pages are recorded on the job and the run
// moves on; only failures that make the run meaningless (counting, paging,
// preparing the index) end it early with status failed.
func (s *Syncer) Run(ctx context.Context, job *models.SyncJob) error {
	batch := job.Options.BatchSize
	if batch <= 0 {
		batch = DefaultSyncBatchSize
	}
	if batch > maxSyncBatchSize {
		batch = maxSyncBatchSize
	}

	started := s.now().UTC()
	job.Status = models.SyncRunning
	job.StartedAt = &started
	job.FinishedAt = nil
	job.ProcessedRecords, job.FailedRecords = 0, 0
	job.Errors = nil

	log := s.log.With("job_id", job.ID)
	log.Info("sync started", "batch_size", batch, "delete_existing", job.Options.DeleteExisting, "sync_ratings", job.Options.SyncRatings)

	s.progress(ctx, job, "counting records")
	total, err := s.store.CountMovies(ctx)
	if err != nil {
		return s.fail(ctx, job, fmt.Errorf("count movies: %w", err))
	}
	job.TotalRecords = total

	if job.Options.DeleteExisting {
		s.progress(ctx, job, "deleting index")
		if err := s.index.DeleteIndex(ctx); err != nil {
			return s.fail(ctx, job, fmt.Errorf("delete index: %w", err))
		}
	}
	s.progress(ctx, job, "preparing index")
	if _, err := s.index.EnsureIndex(ctx); err != nil {
		return s.fail(ctx, job, fmt.Errorf("ensure index: %w", err))
	}

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, job, fmt.Errorf("cancelled: %w", err))
		}

		page, err := s.store.ListMoviesPage(ctx, afterID, batch)
		if err != nil {
			return s.fail(ctx, job, fmt.Errorf("list movies after %d: %w", afterID, err))
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID

		if job.Options.SyncRatings {
			s.refreshAggregates(ctx, job, page)
		}

		docs := make([]search.Document, len(page))
		for i := range page {
			docs[i] = search.FromMovie(&page[i])
		}

		failed := s.writePage(ctx, job, docs)
		job.ProcessedRecords += int64(len(page))
		job.FailedRecords += int64(failed)
		metrics.SyncDocuments.WithLabelValues("indexed").Add(float64(len(page) - failed))
		metrics.SyncDocuments.WithLabelValues("failed").Add(float64(failed))

		s.progress(ctx, job, fmt.Sprintf("indexed through movie %d", afterID))
	}

	finished := s.now().UTC()
	job.Status = models.SyncCompleted
	job.FinishedAt = &finished
	s.progress(ctx, job, "done")

	log.Info("sync completed",
		"total", job.TotalRecords,
		"processed", job.ProcessedRecords,
		"failed", job.FailedRecords,
		"duration", finished.Sub(started).String(),
	)
	return nil
}

// writePage bulk-writes one page and returns how many documents failed.
func (s *Syncer) writePage(ctx context.Context, job *models.SyncJob, docs []search.Document) int {
	err := s.index.BulkUpsert(ctx, docs)
	if err == nil {
		return 0
	}

	var bulkErr *search.BulkError
	if errors.As(err, &bulkErr) {
		ids := make([]string, 0, len(bulkErr.Failed))
		for _, i := range bulkErr.Failed {
			if i >= 0 && i < len(docs) {
				ids = append(ids, docs[i].ID)
			}
		}
		s.log.Warn("bulk page partially failed", "job_id", job.ID, "failed", len(bulkErr.Failed), "documents", ids)
		addJobError(job, fmt.Sprintf("%d documents rejected (%v): %s", len(bulkErr.Failed), ids, bulkErr.Reason))
		return len(bulkErr.Failed)
	}

	s.log.Error("bulk page failed", "job_id", job.ID, "documents", len(docs), "error", err)
	addJobError(job, fmt.Sprintf("page of %d documents failed: %v", len(docs), err))
	return len(docs)
}

// refreshAggregates recomputes the page's aggregates from the ratings table
// before indexing, so the documents carry exact values.
func (s *Syncer) refreshAggregates(ctx context.Context, job *models.SyncJob, page []models.MovieDetail) {
	ids := make([]int64, len(page))
	for i := range page {
		ids[i] = page[i].ID
	}
	aggs, err := s.store.RecomputeAggregates(ctx, ids)
	if err != nil {
		s.log.Error("recompute aggregates failed", "job_id", job.ID, "error", err)
		addJobError(job, fmt.Sprintf("recompute aggregates: %v", err))
		return
	}
	for i := range page {
		if agg, ok := aggs[page[i].ID]; ok {
			page[i].AvgRating = agg.Average
			page[i].RatingsCount = agg.Count
		}
	}
}

func (s *Syncer) fail(ctx context.Context, job *models.SyncJob, err error) error {
	finished := s.now().UTC()
	job.Status = models.SyncFailed
	job.FinishedAt = &finished
	addJobError(job, err.Error())
	// the run's ctx may be what failed; the final state must still land
	s.progress(context.WithoutCancel(ctx), job, "failed")
	s.log.Error("sync failed", "job_id", job.ID, "error", err)
	return err
}

// progress persists the job. A failed progress write is logged; the sync
// itself carries on.
func (s *Syncer) progress(ctx context.Context, job *models.SyncJob, op string) {
	job.CurrentOperation = op
	if err := s.store.UpdateSyncJob(ctx, job); err != nil {
		s.log.Warn("sync progress write failed", "job_id", job.ID, "error", err)
	}
}

func addJobError(job *models.SyncJob, msg string) {
	if len(job.Errors) < maxJobErrors {
		job.Errors = append(job.Errors, msg)
	}
}
