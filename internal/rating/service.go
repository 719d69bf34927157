// Package rating accepts star ratings. The rating row and the movie's
// aggregate are written in one transaction; the stream event that follows
// only triggers downstream recomputation, so a failed publish is logged and
// not returned.
package rating

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"movie-catalog/internal/database"
	"movie-catalog/internal/models"
	"movie-catalog/internal/stream"
)

var (
	ErrInvalidStars   = fmt.Errorf("stars must be between %d and %d", models.MinStars, models.MaxStars)
	ErrMovieNotFound  = errors.New("movie not found")
	ErrAlreadyRated   = errors.New("movie already rated by this source")
	ErrRatingNotFound = errors.New("rating not found")
	ErrNotOwner       = errors.New("rating belongs to another source")
)

// Store is the record-store contract the service needs.
type Store interface {
	CreateRatingTx(ctx context.Context, movieID int64, stars int, sourceID *string) (models.Rating, models.RatingAggregate, error)
	UpdateRatingTx(ctx context.Context, ratingID, movieID int64, stars int, sourceID string) (models.Rating, models.RatingAggregate, error)
	DeleteRatingTx(ctx context.Context, ratingID, movieID int64, sourceID string) (models.RatingAggregate, error)
	GetRating(ctx context.Context, ratingID, movieID int64) (*models.Rating, error)
	FindRatingBySource(ctx context.Context, movieID int64, sourceID string) (*models.Rating, error)
}

// Publisher appends rating events to the stream.
type Publisher interface {
	Publish(ctx context.Context, e stream.Event) (string, error)
}

// Result is what a successful write returns to the caller.
type Result struct {
	Rating    models.Rating          `json:"rating"`
	Aggregate models.RatingAggregate `json:"aggregate"`
}

type Service struct {
	store  Store
	events Publisher
	now    func() time.Time
	log    *slog.Logger
}

func NewService(store Store, events Publisher) *Service {
	return &Service{
		store:  store,
		events: events,
		now:    time.Now,
		log:    slog.Default().With("component", "rating"),
	}
}

// Submit records a new rating. A non-empty sourceID may rate a movie once.
func (s *Service) Submit(ctx context.Context, movieID int64, stars int, sourceID string) (*Result, error) {
	if !models.ValidStars(stars) {
		return nil, ErrInvalidStars
	}

	var src *string
	if id := strings.TrimSpace(sourceID); id != "" {
		src = &id
	}

	// The unique (movie, source) index still catches a concurrent duplicate.
	if src != nil {
		_, err := s.store.FindRatingBySource(ctx, movieID, *src)
		switch {
		case err == nil:
			return nil, ErrAlreadyRated
		case !errors.Is(err, database.ErrNotFound):
			return nil, fmt.Errorf("rating: submit: %w", err)
		}
	}

	r, agg, err := s.store.CreateRatingTx(ctx, movieID, stars, src)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return nil, ErrMovieNotFound
	case errors.Is(err, database.ErrDuplicateRating):
		return nil, ErrAlreadyRated
	case err != nil:
		return nil, fmt.Errorf("rating: submit: %w", err)
	}

	s.emit(ctx, stream.RatingCreated{MovieID: movieID, RatingID: r.ID, Stars: stars, At: s.now().UTC()})
	return &Result{Rating: r, Aggregate: agg}, nil
}

// Update changes the stars of a rating owned by sourceID.
func (s *Service) Update(ctx context.Context, ratingID, movieID int64, stars int, sourceID string) (*Result, error) {
	if !models.ValidStars(stars) {
		return nil, ErrInvalidStars
	}
	prev, err := s.owned(ctx, ratingID, movieID, sourceID)
	if err != nil {
		return nil, err
	}

	r, agg, err := s.store.UpdateRatingTx(ctx, ratingID, movieID, stars, prev.sourceID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrRatingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rating: update: %w", err)
	}

	s.emit(ctx, stream.RatingUpdated{
		MovieID:       movieID,
		RatingID:      ratingID,
		Stars:         stars,
		PreviousStars: prev.stars,
		At:            s.now().UTC(),
	})
	return &Result{Rating: r, Aggregate: agg}, nil
}

// Delete removes a rating owned by sourceID and returns the new aggregate.
func (s *Service) Delete(ctx context.Context, ratingID, movieID int64, sourceID string) (*models.RatingAggregate, error) {
	prev, err := s.owned(ctx, ratingID, movieID, sourceID)
	if err != nil {
		return nil, err
	}

	agg, err := s.store.DeleteRatingTx(ctx, ratingID, movieID, prev.sourceID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrRatingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rating: delete: %w", err)
	}

	s.emit(ctx, stream.RatingDeleted{MovieID: movieID, RatingID: ratingID, Stars: prev.stars, At: s.now().UTC()})
	return &agg, nil
}

type ownedRating struct {
	stars    int
	sourceID string
}

// owned loads the rating and checks it was submitted by sourceID. Anonymous
// ratings (no source) cannot be changed.
func (s *Service) owned(ctx context.Context, ratingID, movieID int64, sourceID string) (ownedRating, error) {
	r, err := s.store.GetRating(ctx, ratingID, movieID)
	if errors.Is(err, database.ErrNotFound) {
		return ownedRating{}, ErrRatingNotFound
	}
	if err != nil {
		return ownedRating{}, fmt.Errorf("rating: load: %w", err)
	}
	sourceID = strings.TrimSpace(sourceID)
	if sourceID == "" || r.SourceID == nil || *r.SourceID != sourceID {
		return ownedRating{}, ErrNotOwner
	}
	return ownedRating{stars: r.Stars, sourceID: sourceID}, nil
}

func (s *Service) emit(ctx context.Context, e stream.Event) {
	if _, err := s.events.Publish(ctx, e); err != nil {
		s.log.Error("rating event publish failed",
			"op", e.Op(),
			"movie_id", e.Movie(),
			"error", err,
		)
	}
}
