package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"movie-catalog/internal/catalog"
	"movie-catalog/internal/database"
	"movie-catalog/internal/models"
	"movie-catalog/internal/rating"
)

const testKey = "s3cret"

type fakeCatalog struct {
	lastSearch catalog.SearchRequest
	lastTop    [2]int
	detail     *models.MovieDetail
	err        error
}

func (c *fakeCatalog) Search(_ context.Context, req catalog.SearchRequest) (*catalog.Page, error) {
	c.lastSearch = req
	return &catalog.Page{Movies: []models.Movie{{ID: 1, Title: "Alien"}}, Total: 1, Page: req.Page, TotalPages: 1}, c.err
}

func (c *fakeCatalog) Top(_ context.Context, _ models.MediaType, page, limit int) (*catalog.Page, error) {
	c.lastTop = [2]int{page, limit}
	return &catalog.Page{Movies: []models.Movie{}, Page: page}, nil
}

func (c *fakeCatalog) Get(_ context.Context, id int64) (*models.MovieDetail, bool, error) {
	if c.detail == nil || c.detail.ID != id {
		return nil, false, catalog.ErrNotFound
	}
	return c.detail, true, nil
}

func (c *fakeCatalog) RatingSummary(_ context.Context, id int64) (*models.RatingAggregate, bool, error) {
	return &models.RatingAggregate{MovieID: id, Average: 4, Count: 2}, false, nil
}

func (c *fakeCatalog) Reindex(context.Context, int64) error { return nil }

type fakeRatings struct {
	err       error
	lastStars int
	lastSrc   string
}

func (f *fakeRatings) Submit(_ context.Context, movieID int64, stars int, src string) (*rating.Result, error) {
	f.lastStars, f.lastSrc = stars, src
	if f.err != nil {
		return nil, f.err
	}
	return &rating.Result{
		Rating:    models.Rating{ID: 10, MovieID: movieID, Stars: stars},
		Aggregate: models.RatingAggregate{MovieID: movieID, Average: float64(stars), Count: 1},
	}, nil
}

func (f *fakeRatings) Update(_ context.Context, ratingID, movieID int64, stars int, src string) (*rating.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &rating.Result{Rating: models.Rating{ID: ratingID, MovieID: movieID, Stars: stars}}, nil
}

func (f *fakeRatings) Delete(_ context.Context, _, movieID int64, _ string) (*models.RatingAggregate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.RatingAggregate{MovieID: movieID}, nil
}

type fakeSync struct {
	jobs map[string]*models.SyncJob
	last *models.SyncJob
	opts models.SyncOptions
}

func (f *fakeSync) Dispatch(_ context.Context, opts models.SyncOptions, _ string) (*models.SyncJob, error) {
	f.opts = opts
	return &models.SyncJob{ID: "8d3f8a5e-6a0c-4c43-9a7b-4a1f1c3d2e10", Status: models.SyncQueued}, nil
}

func (f *fakeSync) GetSyncJob(_ context.Context, id string) (*models.SyncJob, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeSync) LatestSyncJob(context.Context) (*models.SyncJob, error) {
	if f.last == nil {
		return nil, database.ErrNotFound
	}
	return f.last, nil
}

func newTestHandler() (*Handler, *fakeCatalog, *fakeRatings, *fakeSync) {
	c, rt, s := &fakeCatalog{}, &fakeRatings{}, &fakeSync{jobs: map[string]*models.SyncJob{}}
	h := &Handler{
		Catalog:              c,
		Ratings:              rt,
		Sync:                 s,
		Jobs:                 s,
		APIKey:               testKey,
		KeyHeader:            "X-API-Key",
		DefaultSyncBatchSize: 500,
	}
	return h, c, rt, s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-API-Key", testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (bool, json.RawMessage, string) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rec.Body.String())
	}
	return env.Success, env.Data, env.Message
}

func TestAuthRequired(t *testing.T) {
	h, _, _, _ := newTestHandler()
	router := h.Routes()

	for _, key := range []string{"", "wrong"} {
		req := httptest.NewRequest(http.MethodGet, "/movies/top", nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("key %q: status = %d, want 401", key, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics should not require a key, status = %d", rec.Code)
	}
}

func TestSearchPaginationBounds(t *testing.T) {
	h, c, _, _ := newTestHandler()
	router := h.Routes()

	tests := []struct {
		query string
		want  int
	}{
		{"limit=50", http.StatusOK},
		{"limit=100", http.StatusBadRequest},
		{"limit=0", http.StatusBadRequest},
		{"page=0", http.StatusBadRequest},
		{"page=abc", http.StatusBadRequest},
		{"type=documentary", http.StatusBadRequest},
		{"type=tv_show&page=2", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := do(t, router, http.MethodGet, "/movies/search?"+tt.query, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
	if c.lastSearch.Type != models.MediaTVShow || c.lastSearch.Page != 2 || c.lastSearch.Limit != 10 {
		t.Fatalf("last search = %+v", c.lastSearch)
	}
}

func TestSearchEnvelope(t *testing.T) {
	h, c, _, _ := newTestHandler()
	rec := do(t, h.Routes(), http.MethodGet, "/movies/search?query=alien+more+than+3+stars&cast=Sigourney+Weaver,+Ian+Holm", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	ok, data, _ := decodeEnvelope(t, rec)
	if !ok {
		t.Fatal("success should be true")
	}
	var page struct {
		Movies     []map[string]any `json:"movies"`
		Total      int              `json:"total"`
		Page       int              `json:"page"`
		TotalPages int              `json:"totalPages"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(page.Movies) != 1 || page.Total != 1 || page.Page != 1 || page.TotalPages != 1 {
		t.Fatalf("page = %+v", page)
	}
	if c.lastSearch.Query != "alien more than 3 stars" {
		t.Fatalf("query = %q", c.lastSearch.Query)
	}
	if len(c.lastSearch.Cast) != 2 || c.lastSearch.Cast[1] != "Ian Holm" {
		t.Fatalf("cast = %v", c.lastSearch.Cast)
	}
}

func TestGetMovie(t *testing.T) {
	h, c, _, _ := newTestHandler()
	c.detail = &models.MovieDetail{Movie: models.Movie{ID: 7, Title: "Heat"}}
	router := h.Routes()

	rec := do(t, router, http.MethodGet, "/movies/7", "")
	if rec.Code != http.StatusOK || rec.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("status = %d, X-Cache = %q", rec.Code, rec.Header().Get("X-Cache"))
	}
	_, data, _ := decodeEnvelope(t, rec)
	var movie map[string]any
	if err := json.Unmarshal(data, &movie); err != nil {
		t.Fatalf("decode movie: %v", err)
	}
	for _, key := range []string{"avgRating", "ratingsCount", "releaseDate", "createdAt", "cast"} {
		if _, ok := movie[key]; !ok {
			t.Fatalf("movie JSON missing %q: %v", key, movie)
		}
	}
	if _, ok := movie["avg_rating"]; ok {
		t.Fatalf("movie JSON should be camelCase: %v", movie)
	}

	if rec := do(t, router, http.MethodGet, "/movies/8", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing movie status = %d, want 404", rec.Code)
	}
	if rec := do(t, router, http.MethodGet, "/movies/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d, want 400", rec.Code)
	}
}

func TestRateMovie(t *testing.T) {
	h, _, rt, _ := newTestHandler()
	router := h.Routes()

	rec := do(t, router, http.MethodPost, "/movies/7/rate", `{"stars":5,"sourceId":"device-a"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if rt.lastStars != 5 || rt.lastSrc != "device-a" {
		t.Fatalf("submitted %d/%q", rt.lastStars, rt.lastSrc)
	}

	for _, body := range []string{`{"stars":0}`, `{"stars":6}`, `not json`, `{"stars":3,"bogus":1}`} {
		if rec := do(t, router, http.MethodPost, "/movies/7/rate", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestRateMovieErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{rating.ErrAlreadyRated, http.StatusBadRequest},
		{rating.ErrMovieNotFound, http.StatusNotFound},
		{rating.ErrNotOwner, http.StatusForbidden},
		{errors.New("pq: connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		h, _, rt, _ := newTestHandler()
		rt.err = tt.err
		rec := do(t, h.Routes(), http.MethodPost, "/movies/1/rate", `{"stars":3}`)
		if rec.Code != tt.want {
			t.Fatalf("%v: status = %d, want %d", tt.err, rec.Code, tt.want)
		}
		if ok, _, msg := decodeEnvelope(t, rec); ok || msg == "" {
			t.Fatalf("%v: error envelope should carry a message", tt.err)
		}
	}
}

func TestUpdateAndDeleteRating(t *testing.T) {
	h, _, _, _ := newTestHandler()
	router := h.Routes()

	if rec := do(t, router, http.MethodPut, "/movies/1/ratings/3", `{"stars":4,"sourceId":"a"}`); rec.Code != http.StatusOK {
		t.Fatalf("update status = %d", rec.Code)
	}
	if rec := do(t, router, http.MethodDelete, "/movies/1/ratings/3", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("delete without sourceId status = %d, want 400", rec.Code)
	}
	if rec := do(t, router, http.MethodDelete, "/movies/1/ratings/3", `{"sourceId":"a"}`); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
}

func TestStartSync(t *testing.T) {
	h, _, _, s := newTestHandler()
	router := h.Routes()

	rec := do(t, router, http.MethodPost, "/movies/sync/start", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if s.opts.BatchSize != 500 {
		t.Fatalf("default batch size not applied: %+v", s.opts)
	}

	rec = do(t, router, http.MethodPost, "/movies/sync/start", `{"batchSize":100,"deleteExisting":true}`)
	if rec.Code != http.StatusAccepted || s.opts.BatchSize != 100 || !s.opts.DeleteExisting {
		t.Fatalf("status = %d opts = %+v", rec.Code, s.opts)
	}
	_, data, _ := decodeEnvelope(t, rec)
	if !strings.Contains(string(data), "syncId") {
		t.Fatalf("response should carry the sync id: %s", data)
	}
}

func TestSyncStatus(t *testing.T) {
	h, _, _, s := newTestHandler()
	router := h.Routes()

	if rec := do(t, router, http.MethodGet, "/movies/sync/status", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("no jobs: status = %d, want 404", rec.Code)
	}
	if rec := do(t, router, http.MethodGet, "/movies/sync/status?id=nope", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status = %d, want 400", rec.Code)
	}

	id := "8d3f8a5e-6a0c-4c43-9a7b-4a1f1c3d2e10"
	job := &models.SyncJob{ID: id, Status: models.SyncRunning, TotalRecords: 200, ProcessedRecords: 50, CurrentOperation: "indexing"}
	s.jobs[id] = job
	s.last = job

	for _, path := range []string{"/movies/sync/status", "/movies/sync/status?id=" + id, "/movies/sync/status/" + id} {
		rec := do(t, router, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}
		_, data, _ := decodeEnvelope(t, rec)
		var st syncStatus
		if err := json.Unmarshal(data, &st); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if !st.IsRunning || st.Progress != 25 || st.ProcessedRecords != 50 || st.Errors == nil {
			t.Fatalf("%s: status = %+v", path, st)
		}
	}
}
