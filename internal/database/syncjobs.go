package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"movie-catalog/internal/models"
)

const syncJobColumns = `id, status, options, total_records, processed_records, failed_records,
	current_operation, errors, created_at, started_at, finished_at`

func scanSyncJob(row rowScanner) (*models.SyncJob, error) {
	var (
		j          models.SyncJob
		opts, errs []byte
		started    sql.NullTime
		finished   sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Status, &opts, &j.TotalRecords, &j.ProcessedRecords, &j.FailedRecords,
		&j.CurrentOperation, &errs, &j.CreatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(opts, &j.Options); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(errs, &j.Errors); err != nil {
		return nil, err
	}
	if j.Errors == nil {
		j.Errors = []string{}
	}
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if finished.Valid {
		j.FinishedAt = &finished.Time
	}
	return &j, nil
}

// CreateSyncJob stores a new job row. The caller assigns the id.
func (db *DB) CreateSyncJob(ctx context.Context, job *models.SyncJob) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	opts, err := json.Marshal(job.Options)
	if err != nil {
		return err
	}
	return db.Conn.QueryRowContext(ctx,
		"INSERT INTO sync_jobs (id, status, options, current_operation) VALUES ($1, $2, $3, $4) RETURNING created_at",
		job.ID, string(job.Status), opts, job.CurrentOperation,
	).Scan(&job.CreatedAt)
}

// UpdateSyncJob overwrites the progress fields of a job.
func (db *DB) UpdateSyncJob(ctx context.Context, job *models.SyncJob) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	errs := job.Errors
	if errs == nil {
		errs = []string{}
	}
	payload, err := json.Marshal(errs)
	if err != nil {
		return err
	}
	res, err := db.Conn.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = $2, total_records = $3, processed_records = $4, failed_records = $5,
		    current_operation = $6, errors = $7, started_at = $8, finished_at = $9
		WHERE id = $1`,
		job.ID, string(job.Status), job.TotalRecords, job.ProcessedRecords, job.FailedRecords,
		job.CurrentOperation, payload, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSyncJob fetches a job by id.
func (db *DB) GetSyncJob(ctx context.Context, id string) (*models.SyncJob, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	j, err := scanSyncJob(db.Conn.QueryRowContext(ctx,
		"SELECT "+syncJobColumns+" FROM sync_jobs WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// LatestSyncJob returns the most recently created job.
func (db *DB) LatestSyncJob(ctx context.Context) (*models.SyncJob, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	j, err := scanSyncJob(db.Conn.QueryRowContext(ctx,
		"SELECT "+syncJobColumns+" FROM sync_jobs ORDER BY created_at DESC LIMIT 1"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}
