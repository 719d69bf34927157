package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"movie-catalog/internal/metrics"
	"movie-catalog/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

const ratingColumns = "id, movie_id, stars, source_id, created_at"

func scanRating(row rowScanner) (models.Rating, error) {
	var r models.Rating
	var source sql.NullString
	if err := row.Scan(&r.ID, &r.MovieID, &r.Stars, &source, &r.CreatedAt); err != nil {
		return models.Rating{}, err
	}
	if source.Valid {
		r.SourceID = &source.String
	}
	return r, nil
}

// CreateRatingTx inserts a rating and rewrites the movie's aggregate from the
// full ratings set inside one transaction. The movie row is locked first, which
// both checks existence and serialises concurrent ingest for the same movie.
//
// Returns ErrNotFound when the movie does not exist and ErrDuplicateRating when
// sourceID already rated this movie.
func (db *DB) CreateRatingTx(ctx context.Context, movieID int64, stars int, sourceID *string) (models.Rating, models.RatingAggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues("create_rating"))
	defer timer.ObserveDuration()

	var (
		rating models.Rating
		agg    models.RatingAggregate
	)
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockMovie(ctx, tx, movieID); err != nil {
			return err
		}

		var err error
		rating, err = scanRating(tx.QueryRowContext(ctx,
			"INSERT INTO ratings (movie_id, stars, source_id) VALUES ($1, $2, $3) RETURNING "+ratingColumns,
			movieID, stars, sourceID,
		))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateRating
			}
			return fmt.Errorf("insert rating: %w", err)
		}

		agg, err = recomputeAggregate(ctx, tx, movieID)
		return err
	})
	if err != nil {
		return models.Rating{}, models.RatingAggregate{}, err
	}
	return rating, agg, nil
}

// UpdateRatingTx changes the stars of a rating owned by sourceID and rewrites
// the movie aggregate. Returns ErrNotFound when no rating matches.
func (db *DB) UpdateRatingTx(ctx context.Context, ratingID, movieID int64, stars int, sourceID string) (models.Rating, models.RatingAggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues("update_rating"))
	defer timer.ObserveDuration()

	var (
		rating models.Rating
		agg    models.RatingAggregate
	)
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockMovie(ctx, tx, movieID); err != nil {
			return err
		}

		var err error
		rating, err = scanRating(tx.QueryRowContext(ctx, `
			UPDATE ratings SET stars = $4, updated_at = NOW()
			WHERE id = $1 AND movie_id = $2 AND source_id = $3
			RETURNING `+ratingColumns,
			ratingID, movieID, sourceID, stars,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update rating: %w", err)
		}

		agg, err = recomputeAggregate(ctx, tx, movieID)
		return err
	})
	if err != nil {
		return models.Rating{}, models.RatingAggregate{}, err
	}
	return rating, agg, nil
}

// DeleteRatingTx removes a rating owned by sourceID and rewrites the movie
// aggregate. Returns ErrNotFound when no rating matches.
func (db *DB) DeleteRatingTx(ctx context.Context, ratingID, movieID int64, sourceID string) (models.RatingAggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues("delete_rating"))
	defer timer.ObserveDuration()

	var agg models.RatingAggregate
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockMovie(ctx, tx, movieID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			"DELETE FROM ratings WHERE id = $1 AND movie_id = $2 AND source_id = $3",
			ratingID, movieID, sourceID,
		)
		if err != nil {
			return fmt.Errorf("delete rating: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}

		agg, err = recomputeAggregate(ctx, tx, movieID)
		return err
	})
	return agg, err
}

// GetRating fetches one rating of a movie.
func (db *DB) GetRating(ctx context.Context, ratingID, movieID int64) (*models.Rating, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	r, err := scanRating(db.Conn.QueryRowContext(ctx,
		"SELECT "+ratingColumns+" FROM ratings WHERE id = $1 AND movie_id = $2",
		ratingID, movieID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// FindRatingBySource returns the rating a source left on a movie, if any.
func (db *DB) FindRatingBySource(ctx context.Context, movieID int64, sourceID string) (*models.Rating, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	r, err := scanRating(db.Conn.QueryRowContext(ctx,
		"SELECT "+ratingColumns+" FROM ratings WHERE movie_id = $1 AND source_id = $2",
		movieID, sourceID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// AggregateRatings computes a movie's average and count without writing anything.
func (db *DB) AggregateRatings(ctx context.Context, movieID int64) (models.RatingAggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues("aggregate_ratings"))
	defer timer.ObserveDuration()

	agg := models.RatingAggregate{MovieID: movieID}
	err := db.Conn.QueryRowContext(ctx, `
		SELECT COALESCE(ROUND(AVG(stars)::numeric, 2), 0)::float8, COUNT(*)::int8
		FROM ratings WHERE movie_id = $1`, movieID,
	).Scan(&agg.Average, &agg.Count)
	if err != nil {
		return models.RatingAggregate{}, fmt.Errorf("aggregate ratings: %w", err)
	}
	return agg, nil
}

func lockMovie(ctx context.Context, tx *sql.Tx, movieID int64) error {
	var id int64
	err := tx.QueryRowContext(ctx, "SELECT id FROM movies WHERE id = $1 FOR UPDATE", movieID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
