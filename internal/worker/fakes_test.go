package worker

import (
	"context"
	"sync"

	"movie-catalog/internal/database"
	"movie-catalog/internal/models"
	"movie-catalog/internal/search"
	"movie-catalog/internal/stream"
)

type fakeStream struct {
	mu      sync.Mutex
	acked   []string
	pending int64
	ackErr  error
}

func (s *fakeStream) EnsureGroup(context.Context) error { return nil }
func (s *fakeStream) Read(context.Context) ([]stream.Message, error) { return nil, nil }
func (s *fakeStream) Claim(context.Context) ([]stream.Message, error) { return nil, nil }
func (s *fakeStream) Pending(context.Context) (int64, error) { return s.pending, nil }

func (s *fakeStream) Ack(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acked = append(s.acked, ids...)
	return nil
}

// fakeStore backs every store interface in this package.
type fakeStore struct {
	mu         sync.Mutex
	movies     map[int64]*models.MovieDetail
	ratings    map[int64][]int // movie id -> stars
	recomputes map[int64]int
	failMovie  map[int64]error

	jobs     map[string]*models.SyncJob
	jobOrder []string
	updates  int

	listErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		movies:     map[int64]*models.MovieDetail{},
		ratings:    map[int64][]int{},
		recomputes: map[int64]int{},
		failMovie:  map[int64]error{},
		jobs:       map[string]*models.SyncJob{},
	}
}

func (s *fakeStore) addMovie(id int64, title string, stars ...int) {
	s.movies[id] = &models.MovieDetail{
		Movie: models.Movie{ID: id, Title: title, Type: models.MediaMovie},
		Cast:  []models.CastMember{},
	}
	s.ratings[id] = stars
}

func (s *fakeStore) aggregate(id int64) models.RatingAggregate {
	agg := models.RatingAggregate{MovieID: id}
	var sum int
	for _, st := range s.ratings[id] {
		sum += st
	}
	agg.Count = int64(len(s.ratings[id]))
	if agg.Count > 0 {
		agg.Average = float64(sum) / float64(agg.Count)
	}
	return agg
}

func (s *fakeStore) UpdateMovieAggregate(_ context.Context, id int64) (models.RatingAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failMovie[id]; err != nil {
		return models.RatingAggregate{}, err
	}
	m, ok := s.movies[id]
	if !ok {
		return models.RatingAggregate{}, database.ErrNotFound
	}
	s.recomputes[id]++
	agg := s.aggregate(id)
	m.AvgRating, m.RatingsCount = agg.Average, agg.Count
	return agg, nil
}

func (s *fakeStore) GetMovieDetail(_ context.Context, id int64) (*models.MovieDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.movies[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) CountMovies(context.Context) (int64, error) {
	return int64(len(s.movies)), nil
}

func (s *fakeStore) ListMoviesPage(_ context.Context, afterID int64, limit int) ([]models.MovieDetail, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var page []models.MovieDetail
	for id := afterID + 1; len(page) < limit && id <= afterID+1000; id++ {
		if m, ok := s.movies[id]; ok {
			page = append(page, *m)
		}
	}
	return page, nil
}

func (s *fakeStore) RecomputeAggregates(_ context.Context, ids []int64) (map[int64]models.RatingAggregate, error) {
	out := map[int64]models.RatingAggregate{}
	for _, id := range ids {
		out[id] = s.aggregate(id)
	}
	return out, nil
}

func (s *fakeStore) CreateSyncJob(_ context.Context, job *models.SyncJob) error {
	cp := *job
	s.jobs[job.ID] = &cp
	s.jobOrder = append(s.jobOrder, job.ID)
	return nil
}

func (s *fakeStore) UpdateSyncJob(_ context.Context, job *models.SyncJob) error {
	if _, ok := s.jobs[job.ID]; !ok {
		return database.ErrNotFound
	}
	cp := *job
	cp.Errors = append([]string(nil), job.Errors...)
	s.jobs[job.ID] = &cp
	s.updates++
	return nil
}

func (s *fakeStore) GetSyncJob(_ context.Context, id string) (*models.SyncJob, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *fakeStore) LatestSyncJob(context.Context) (*models.SyncJob, error) {
	if len(s.jobOrder) == 0 {
		return nil, database.ErrNotFound
	}
	return s.GetSyncJob(context.Background(), s.jobOrder[len(s.jobOrder)-1])
}

type fakeCache struct {
	mu          sync.Mutex
	aggregates  map[int64]models.RatingAggregate
	invalidated []int64
	err         error
}

func newFakeCache() *fakeCache {
	return &fakeCache{aggregates: map[int64]models.RatingAggregate{}}
}

func (c *fakeCache) InvalidateMovie(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.invalidated = append(c.invalidated, id)
	delete(c.aggregates, id)
	return nil
}

func (c *fakeCache) SetAggregate(_ context.Context, agg models.RatingAggregate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aggregates[agg.MovieID] = agg
	return nil
}

// fakeIndex is an in-memory document store with the gateway's semantics.
type fakeIndex struct {
	mu        sync.Mutex
	docs      map[string]search.Document
	updateErr error
	bulkErr   error
	bulkCalls int
	created   bool
	deleted   bool
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{docs: map[string]search.Document{}}
}

func (x *fakeIndex) UpdateAggregateFields(_ context.Context, movieID int64, avg float64, count int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.updateErr != nil {
		return x.updateErr
	}
	d, ok := x.docs[search.DocumentID(movieID)]
	if !ok {
		return search.ErrNotFound
	}
	d.AverageRating, d.RatingCount = avg, count
	x.docs[d.ID] = d
	return nil
}

func (x *fakeIndex) Upsert(_ context.Context, doc search.Document) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs[doc.ID] = doc
	return nil
}

func (x *fakeIndex) Delete(_ context.Context, movieID int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.docs, search.DocumentID(movieID))
	return nil
}

func (x *fakeIndex) EnsureIndex(context.Context) (bool, error) {
	x.created = true
	return true, nil
}

func (x *fakeIndex) DeleteIndex(context.Context) error {
	x.deleted = true
	x.docs = map[string]search.Document{}
	return nil
}

func (x *fakeIndex) BulkUpsert(_ context.Context, docs []search.Document) error {
	x.bulkCalls++
	if x.bulkErr != nil {
		err := x.bulkErr
		if be, ok := err.(*search.BulkError); ok {
			failed := map[int]bool{}
			for _, i := range be.Failed {
				failed[i] = true
			}
			for i, d := range docs {
				if !failed[i] {
					x.docs[d.ID] = d
				}
			}
		}
		return err
	}
	for _, d := range docs {
		x.docs[d.ID] = d
	}
	return nil
}

func (x *fakeIndex) Count(context.Context) (int64, error) {
	return int64(len(x.docs)), nil
}

type fakeAck struct {
	acked, nacked, discarded int
}

func (a *fakeAck) Ack() error {
	a.acked++
	return nil
}

func (a *fakeAck) Nack() error {
	a.nacked++
	return nil
}

func (a *fakeAck) Discard() error {
	a.discarded++
	return nil
}

type fakePublisher struct {
	published []string
	err       error
}

func (p *fakePublisher) PublishSyncJob(_ context.Context, id string) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, id)
	return nil
}
