package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"movie-catalog/internal/database"
	"movie-catalog/internal/metrics"
	"movie-catalog/internal/models"
	"movie-catalog/internal/search"
	"movie-catalog/internal/stream"
)

// perMovieTimeout caps one recomputation (store, cache and index writes).
// A movie that blows it stays pending and is redelivered.
const perMovieTimeout = 10 * time.Second

const (
	readErrorBackoff = time.Second
	claimInterval    = 30 * time.Second
)

// RatingStream is the consumer side of the rating event stream.
type RatingStream interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context) ([]stream.Message, error)
	Claim(ctx context.Context) ([]stream.Message, error)
	Ack(ctx context.Context, ids ...string) error
	Pending(ctx context.Context) (int64, error)
}

// AggregateStore recomputes aggregates in the record store.
type AggregateStore interface {
	UpdateMovieAggregate(ctx context.Context, movieID int64) (models.RatingAggregate, error)
	GetMovieDetail(ctx context.Context, id int64) (*models.MovieDetail, error)
}

// AggregateCache holds the time-boxed aggregate entries.
type AggregateCache interface {
	InvalidateMovie(ctx context.Context, movieID int64) error
	SetAggregate(ctx context.Context, agg models.RatingAggregate) error
}

// AggregateIndex is the subset of the search gateway the consumer writes to.
type AggregateIndex interface {
	UpdateAggregateFields(ctx context.Context, movieID int64, avg float64, count int64) error
	Upsert(ctx context.Context, doc search.Document) error
	Delete(ctx context.Context, movieID int64) error
}

// Recalculator consumes rating events and brings each touched movie's
// aggregate up to date in the store, the cache and the index.
type Recalculator struct {
	stream RatingStream
	store  AggregateStore
	cache  AggregateCache
	index  AggregateIndex
	log    *slog.Logger

	mu        sync.Mutex // one batch in flight per instance
	lastClaim time.Time
}

func NewRecalculator(s RatingStream, store AggregateStore, c AggregateCache, idx AggregateIndex) *Recalculator {
	return &Recalculator{
		stream: s,
		store:  store,
		cache:  c,
		index:  idx,
		log:    slog.Default().With("component", "stream"),
	}
}

// Run blocks until ctx is cancelled. Each iteration first takes over entries
// other consumers left idle, then blocks on the stream for new ones.
func (r *Recalculator) Run(ctx context.Context) error {
	if err := r.stream.EnsureGroup(ctx); err != nil {
		return err
	}
	r.log.Info("rating consumer started")

	for {
		if ctx.Err() != nil {
			r.log.Info("rating consumer shutting down")
			return nil
		}

		if time.Since(r.lastClaim) >= claimInterval {
			r.lastClaim = time.Now()
			claimed, err := r.stream.Claim(ctx)
			if err != nil && ctx.Err() == nil {
				r.log.Warn("claim idle entries failed", "error", err)
			}
			if len(claimed) > 0 {
				r.log.Info("claimed idle entries", "count", len(claimed))
				r.ProcessBatch(ctx, claimed)
			}
		}

		msgs, err := r.stream.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.log.Error("stream read failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(readErrorBackoff):
			}
			continue
		}
		if len(msgs) > 0 {
			r.ProcessBatch(ctx, msgs)
		}
	}
}

// ProcessBatch coalesces msgs by movie, recomputes each movie once and acks
// the entries of the movies that succeeded. Entries of failed movies stay
// pending for redelivery.
func (r *Recalculator) ProcessBatch(ctx context.Context, msgs []stream.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var order []int64
	byMovie := map[int64][]stream.Message{}
	var junk []string
	for _, m := range msgs {
		if m.Err != nil {
			r.log.Warn("acking undecodable entry", "entry_id", m.ID, "error", m.Err)
			metrics.RatingEvents.WithLabelValues("unknown", "undecodable").Inc()
			junk = append(junk, m.ID)
			continue
		}
		id := m.Event.Movie()
		if _, seen := byMovie[id]; !seen {
			order = append(order, id)
		}
		byMovie[id] = append(byMovie[id], m)
	}
	if len(junk) > 0 {
		if err := r.stream.Ack(ctx, junk...); err != nil {
			r.log.Error("ack failed", "error", err)
		}
	}

	for _, movieID := range order {
		entries := byMovie[movieID]
		if err := r.recalculate(ctx, movieID); err != nil {
			metrics.Recalculations.WithLabelValues("failed").Inc()
			r.log.Error("aggregate recalculation failed",
				"movie_id", movieID,
				"entries", len(entries),
				"error", err,
			)
			continue
		}
		metrics.Recalculations.WithLabelValues("ok").Inc()

		ids := make([]string, len(entries))
		for i, m := range entries {
			ids[i] = m.ID
		}
		if err := r.stream.Ack(ctx, ids...); err != nil {
			r.log.Error("ack failed", "movie_id", movieID, "error", err)
			continue
		}
		for _, m := range entries {
			metrics.RatingEvents.WithLabelValues(string(m.Event.Op()), "acked").Inc()
		}
	}

	if n, err := r.stream.Pending(ctx); err == nil {
		metrics.StreamPending.Set(float64(n))
	}
}

// recalculate is idempotent: it always reads the full aggregate from the
// store, so redelivered or reordered events converge to the same values.
func (r *Recalculator) recalculate(parent context.Context, movieID int64) error {
	ctx, cancel := context.WithTimeout(parent, perMovieTimeout)
	defer cancel()

	if err := r.cache.InvalidateMovie(ctx, movieID); err != nil {
		return fmt.Errorf("invalidate cache: %w", err)
	}

	agg, err := r.store.UpdateMovieAggregate(ctx, movieID)
	if errors.Is(err, database.ErrNotFound) {
		// movie deleted since the event was written
		if err := r.index.Delete(ctx, movieID); err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		r.log.Info("movie gone, document removed", "movie_id", movieID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("recompute aggregate: %w", err)
	}

	if err := r.cache.SetAggregate(ctx, agg); err != nil {
		return fmt.Errorf("cache aggregate: %w", err)
	}

	err = r.index.UpdateAggregateFields(ctx, movieID, agg.Average, agg.Count)
	if errors.Is(err, search.ErrNotFound) {
		return r.reindex(ctx, movieID)
	}
	if err != nil {
		return fmt.Errorf("update index: %w", err)
	}

	r.log.Debug("aggregate updated", "movie_id", movieID, "average", agg.Average, "count", agg.Count)
	return nil
}

// reindex writes the full document for a movie the index has not seen yet.
func (r *Recalculator) reindex(ctx context.Context, movieID int64) error {
	detail, err := r.store.GetMovieDetail(ctx, movieID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load movie: %w", err)
	}
	if err := r.index.Upsert(ctx, search.FromMovie(detail)); err != nil {
		return fmt.Errorf("index document: %w", err)
	}
	return nil
}
