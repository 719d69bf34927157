package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"movie-catalog/internal/metrics"
	"movie-catalog/internal/models"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
)

const movieColumns = `id, title, description, type, release_date, cover_url,
	avg_rating, ratings_count, created_at, updated_at`

// aggregateSQL recomputes avg_rating/ratings_count for one movie from the full
// ratings set and writes them back in a single statement. Recomputing instead of
// adding deltas keeps the stored values correct under retries and reordering.
const aggregateSQL = `
	UPDATE movies m
	SET avg_rating = a.avg, ratings_count = a.cnt, updated_at = NOW()
	FROM (
		SELECT COALESCE(ROUND(AVG(stars)::numeric, 2), 0)::float8 AS avg,
		       COUNT(*)::int8 AS cnt
		FROM ratings WHERE movie_id = $1
	) a
	WHERE m.id = $1
	RETURNING m.avg_rating, m.ratings_count`

// MovieSeed is the input for catalog seeding.
type MovieSeed struct {
	Title       string
	Description string
	Type        models.MediaType
	ReleaseDate time.Time
	CoverURL    *string
	Cast        []CastSeed
}

type CastSeed struct {
	Name string
	Role *string
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMovie(row rowScanner) (models.Movie, error) {
	var m models.Movie
	var cover sql.NullString
	err := row.Scan(&m.ID, &m.Title, &m.Description, &m.Type, &m.ReleaseDate, &cover,
		&m.AvgRating, &m.RatingsCount, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return models.Movie{}, err
	}
	if cover.Valid {
		m.CoverURL = &cover.String
	}
	return m, nil
}

// GetMovie fetches a single movie by id.
// Returns ErrNotFound when the id does not exist.
func (db *DB) GetMovie(ctx context.Context, id int64) (*models.Movie, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	m, err := scanMovie(db.Conn.QueryRowContext(ctx,
		"SELECT "+movieColumns+" FROM movies WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMovieDetail fetches a movie and its cast.
func (db *DB) GetMovieDetail(ctx context.Context, id int64) (*models.MovieDetail, error) {
	m, err := db.GetMovie(ctx, id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	cast, err := db.castFor(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	return &models.MovieDetail{Movie: *m, Cast: nonNilCast(cast[id])}, nil
}

// ListMoviesPage returns up to limit movies with id > afterID, ordered by id,
// cast included. An empty result marks the end of the table.
func (db *DB) ListMoviesPage(ctx context.Context, afterID int64, limit int) ([]models.MovieDetail, error) {
	ctx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues("list_movies_page"))
	defer timer.ObserveDuration()

	rows, err := db.Conn.QueryContext(ctx,
		"SELECT "+movieColumns+" FROM movies WHERE id > $1 ORDER BY id ASC LIMIT $2",
		afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []models.MovieDetail
	var ids []int64
	for rows.Next() {
		m, err := scanMovie(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, models.MovieDetail{Movie: m})
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page) == 0 {
		return nil, nil
	}

	cast, err := db.castFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range page {
		page[i].Cast = nonNilCast(cast[page[i].ID])
	}
	return page, nil
}

// CountMovies returns the number of movies in the store.
func (db *DB) CountMovies(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var n int64
	err := db.Conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM movies").Scan(&n)
	return n, err
}

// TopRated returns movies ordered by average rating then rating count, optionally
// restricted to one media type, with the total number of matching rows.
func (db *DB) TopRated(ctx context.Context, typ models.MediaType, limit, offset int) ([]models.Movie, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues("top_rated"))
	defer timer.ObserveDuration()

	where := ""
	args := []any{limit, offset}
	if typ != "" {
		where = "WHERE type = $3"
		args = append(args, string(typ))
	}

	rows, err := db.Conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, COUNT(*) OVER () AS total
		FROM movies %s
		ORDER BY avg_rating DESC, ratings_count DESC, id ASC
		LIMIT $1 OFFSET $2`, movieColumns, where), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		movies []models.Movie
		total  int64
	)
	for rows.Next() {
		var m models.Movie
		var cover sql.NullString
		if err := rows.Scan(&m.ID, &m.Title, &m.Description, &m.Type, &m.ReleaseDate, &cover,
			&m.AvgRating, &m.RatingsCount, &m.CreatedAt, &m.UpdatedAt, &total); err != nil {
			return nil, 0, err
		}
		if cover.Valid {
			m.CoverURL = &cover.String
		}
		movies = append(movies, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// COUNT(*) OVER () is only visible on returned rows; an offset past the end
	// needs an explicit count to report the real total.
	if len(movies) == 0 && offset > 0 {
		q := "SELECT COUNT(*) FROM movies"
		var countArgs []any
		if typ != "" {
			q += " WHERE type = $1"
			countArgs = append(countArgs, string(typ))
		}
		if err := db.Conn.QueryRowContext(ctx, q, countArgs...).Scan(&total); err != nil {
			return nil, 0, err
		}
	}
	return movies, total, nil
}

// UpdateMovieAggregate recomputes a movie's aggregate from its ratings and
// stores it. Returns ErrNotFound when the movie has been removed.
func (db *DB) UpdateMovieAggregate(ctx context.Context, movieID int64) (models.RatingAggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues("update_aggregate"))
	defer timer.ObserveDuration()

	return recomputeAggregate(ctx, db.Conn, movieID)
}

// RecomputeAggregates refreshes the aggregates of many movies in one statement,
// returning the stored values keyed by movie id. Movies without ratings are reset to zero.
func (db *DB) RecomputeAggregates(ctx context.Context, movieIDs []int64) (map[int64]models.RatingAggregate, error) {
	out := make(map[int64]models.RatingAggregate, len(movieIDs))
	if len(movieIDs) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues("recompute_aggregates"))
	defer timer.ObserveDuration()

	rows, err := db.Conn.QueryContext(ctx, `
		UPDATE movies m
		SET avg_rating = COALESCE(a.avg, 0), ratings_count = COALESCE(a.cnt, 0), updated_at = NOW()
		FROM unnest($1::bigint[]) AS ids(id)
		LEFT JOIN (
			SELECT movie_id,
			       ROUND(AVG(stars)::numeric, 2)::float8 AS avg,
			       COUNT(*)::int8 AS cnt
			FROM ratings WHERE movie_id = ANY($1::bigint[])
			GROUP BY movie_id
		) a ON a.movie_id = ids.id
		WHERE m.id = ids.id
		RETURNING m.id, m.avg_rating, m.ratings_count`, pq.Array(movieIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var agg models.RatingAggregate
		if err := rows.Scan(&agg.MovieID, &agg.Average, &agg.Count); err != nil {
			return nil, err
		}
		out[agg.MovieID] = agg
	}
	return out, rows.Err()
}

// UpsertMovieWithCast inserts or refreshes a movie keyed by (title, release_date)
// and links its cast, creating actors by name on first sight.
func (db *DB) UpsertMovieWithCast(ctx context.Context, seed MovieSeed) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	var movieID int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO movies (title, description, type, release_date, cover_url)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (title, release_date) DO UPDATE
			SET description = EXCLUDED.description,
			    type = EXCLUDED.type,
			    cover_url = EXCLUDED.cover_url,
			    updated_at = NOW()
			RETURNING id`,
			strings.TrimSpace(seed.Title), seed.Description, string(seed.Type), seed.ReleaseDate, seed.CoverURL,
		).Scan(&movieID)
		if err != nil {
			return fmt.Errorf("upsert movie: %w", err)
		}

		for _, c := range seed.Cast {
			name := strings.TrimSpace(c.Name)
			if name == "" {
				continue
			}
			var actorID int64
			// DO UPDATE (not DO NOTHING) so RETURNING yields the existing row's id.
			if err := tx.QueryRowContext(ctx, `
				INSERT INTO actors (name) VALUES ($1)
				ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
				RETURNING id`, name,
			).Scan(&actorID); err != nil {
				return fmt.Errorf("upsert actor %q: %w", name, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO movie_cast (movie_id, actor_id, role) VALUES ($1, $2, $3)
				ON CONFLICT (movie_id, actor_id) DO UPDATE SET role = EXCLUDED.role`,
				movieID, actorID, c.Role,
			); err != nil {
				return fmt.Errorf("link actor %q: %w", name, err)
			}
		}
		return nil
	})
	return movieID, err
}

func (db *DB) castFor(ctx context.Context, movieIDs []int64) (map[int64][]models.CastMember, error) {
	rows, err := db.Conn.QueryContext(ctx, `
		SELECT mc.movie_id, a.id, a.name, mc.role
		FROM movie_cast mc
		JOIN actors a ON a.id = mc.actor_id
		WHERE mc.movie_id = ANY($1::bigint[])
		ORDER BY mc.movie_id, a.name`, pq.Array(movieIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]models.CastMember)
	for rows.Next() {
		var (
			movieID int64
			c       models.CastMember
			role    sql.NullString
		)
		if err := rows.Scan(&movieID, &c.ActorID, &c.Name, &role); err != nil {
			return nil, err
		}
		if role.Valid {
			c.Role = &role.String
		}
		out[movieID] = append(out[movieID], c)
	}
	return out, rows.Err()
}

func recomputeAggregate(ctx context.Context, q querier, movieID int64) (models.RatingAggregate, error) {
	agg := models.RatingAggregate{MovieID: movieID}
	err := q.QueryRowContext(ctx, aggregateSQL, movieID).Scan(&agg.Average, &agg.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RatingAggregate{}, ErrNotFound
	}
	if err != nil {
		return models.RatingAggregate{}, err
	}
	return agg, nil
}

func nonNilCast(c []models.CastMember) []models.CastMember {
	if c == nil {
		return []models.CastMember{}
	}
	return c
}
