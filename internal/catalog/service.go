// Package catalog serves the read side: free-text search, top-rated lists,
// movie detail and rating summaries.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"movie-catalog/internal/cache"
	"movie-catalog/internal/database"
	"movie-catalog/internal/models"
	"movie-catalog/internal/query"
	"movie-catalog/internal/search"
)

const MaxPageSize = 50

var ErrNotFound = errors.New("movie not found")

// Store is the record-store contract of the read side.
type Store interface {
	GetMovie(ctx context.Context, id int64) (*models.Movie, error)
	GetMovieDetail(ctx context.Context, id int64) (*models.MovieDetail, error)
	TopRated(ctx context.Context, typ models.MediaType, limit, offset int) ([]models.Movie, int64, error)
	AggregateRatings(ctx context.Context, movieID int64) (models.RatingAggregate, error)
}

// Index is the search gateway contract of the read side.
type Index interface {
	Execute(ctx context.Context, q search.Query, from, size int) (*search.Result, error)
	Upsert(ctx context.Context, doc search.Document) error
	Delete(ctx context.Context, movieID int64) error
}

// Cache is the cache-aside contract for details and aggregates.
type Cache interface {
	GetMovieDetail(ctx context.Context, movieID int64) (*models.MovieDetail, error)
	SetMovieDetail(ctx context.Context, d *models.MovieDetail) error
	GetAggregate(ctx context.Context, movieID int64) (*models.RatingAggregate, error)
	SetAggregate(ctx context.Context, agg models.RatingAggregate) error
}

// SearchRequest is a validated search call; Page is 1-based.
type SearchRequest struct {
	Query string
	Type  models.MediaType
	Cast  []string
	Page  int
	Limit int
}

// Page is one page of movies with totals for the envelope.
type Page struct {
	Movies     []models.Movie `json:"movies"`
	Total      int64          `json:"total"`
	Page       int            `json:"page"`
	TotalPages int            `json:"totalPages"`
}

type Service struct {
	store    Store
	index    Index
	cache    Cache
	compiler *query.Compiler
	log      *slog.Logger
}

func NewService(store Store, index Index, c Cache, now func() time.Time) *Service {
	return &Service{
		store:    store,
		index:    index,
		cache:    c,
		compiler: query.NewCompiler(now),
		log:      slog.Default().With("component", "catalog"),
	}
}

// Search parses the free text, compiles a ranked query and runs it. A query
// with no usable text or filters degrades to the top-rated list.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*Page, error) {
	crit := query.Parse(req.Query)
	crit.Type = req.Type
	crit.CastNames = req.Cast

	ranked := s.compiler.Compile(crit)
	page, err := s.execute(ctx, ranked, req.Page, req.Limit)
	if err == nil {
		return page, nil
	}

	// the store can answer a type-only top-rated query on its own
	if !errors.Is(err, search.ErrUnavailable) || !typeOnly(crit) {
		return nil, err
	}
	s.log.Warn("search unavailable, serving top rated from store", "error", err)
	return s.topFromStore(ctx, req.Type, req.Page, req.Limit)
}

// Top lists the best rated movies. The first page comes straight from the
// store's rating index; later pages use the ranked search query.
func (s *Service) Top(ctx context.Context, typ models.MediaType, page, limit int) (*Page, error) {
	if page <= 1 {
		return s.topFromStore(ctx, typ, 1, limit)
	}
	return s.execute(ctx, s.compiler.Compile(query.Criteria{Type: typ}), page, limit)
}

// Get returns a movie with its cast. The bool reports a cache hit.
func (s *Service) Get(ctx context.Context, id int64) (*models.MovieDetail, bool, error) {
	if d, err := s.cache.GetMovieDetail(ctx, id); err == nil {
		return d, true, nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		s.log.Warn("cache read failed", "movie_id", id, "error", err)
	}

	d, err := s.store.GetMovieDetail(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("catalog: get movie: %w", err)
	}

	if err := s.cache.SetMovieDetail(ctx, d); err != nil {
		s.log.Warn("cache back-fill failed", "movie_id", id, "error", err)
	}
	return d, false, nil
}

// RatingSummary returns a movie's average and count, cache-aside. The bool
// reports a cache hit.
func (s *Service) RatingSummary(ctx context.Context, id int64) (*models.RatingAggregate, bool, error) {
	if agg, err := s.cache.GetAggregate(ctx, id); err == nil {
		return agg, true, nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		s.log.Warn("cache read failed", "movie_id", id, "error", err)
	}

	if _, err := s.store.GetMovie(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("catalog: get movie: %w", err)
	}
	agg, err := s.store.AggregateRatings(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("catalog: aggregate ratings: %w", err)
	}

	if err := s.cache.SetAggregate(ctx, agg); err != nil {
		s.log.Warn("cache back-fill failed", "movie_id", id, "error", err)
	}
	return &agg, false, nil
}

// Reindex rewrites one movie's document, or removes it when the movie is gone.
func (s *Service) Reindex(ctx context.Context, id int64) error {
	d, err := s.store.GetMovieDetail(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		if err := s.index.Delete(ctx, id); err != nil {
			return fmt.Errorf("catalog: delete document: %w", err)
		}
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("catalog: load movie: %w", err)
	}
	if err := s.index.Upsert(ctx, search.FromMovie(d)); err != nil {
		return fmt.Errorf("catalog: index movie: %w", err)
	}
	s.log.Info("movie reindexed", "movie_id", id)
	return nil
}

func (s *Service) execute(ctx context.Context, q query.Ranked, page, limit int) (*Page, error) {
	page, limit = clampPage(page, limit)
	res, err := s.index.Execute(ctx, q, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: search: %w", err)
	}
	movies := make([]models.Movie, 0, len(res.Documents))
	for _, d := range res.Documents {
		movies = append(movies, d.Movie())
	}
	return newPage(movies, res.Total, page, limit), nil
}

func (s *Service) topFromStore(ctx context.Context, typ models.MediaType, page, limit int) (*Page, error) {
	page, limit = clampPage(page, limit)
	movies, total, err := s.store.TopRated(ctx, typ, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: top rated: %w", err)
	}
	if movies == nil {
		movies = []models.Movie{}
	}
	return newPage(movies, total, page, limit), nil
}

func newPage(movies []models.Movie, total int64, page, limit int) *Page {
	pages := int((total + int64(limit) - 1) / int64(limit))
	return &Page{Movies: movies, Total: total, Page: page, TotalPages: pages}
}

// clampPage is a last line of defence; the HTTP layer rejects bad values.
func clampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

// typeOnly reports whether c filters by nothing but media type.
func typeOnly(c query.Criteria) bool {
	c.Type = ""
	return c.IsEmpty()
}
