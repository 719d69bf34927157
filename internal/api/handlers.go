package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"movie-catalog/internal/catalog"
	"movie-catalog/internal/database"
	"movie-catalog/internal/models"
	"movie-catalog/internal/rating"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Dependency interfaces
//
// Each interface captures exactly the methods this package needs.
// main injects the real services; tests inject fakes.
// ---------------------------------------------------------------------------

// Catalog is the read side.
type Catalog interface {
	Search(ctx context.Context, req catalog.SearchRequest) (*catalog.Page, error)
	Top(ctx context.Context, typ models.MediaType, page, limit int) (*catalog.Page, error)
	Get(ctx context.Context, id int64) (*models.MovieDetail, bool, error)
	RatingSummary(ctx context.Context, id int64) (*models.RatingAggregate, bool, error)
	Reindex(ctx context.Context, id int64) error
}

// Ratings is the rating ingest contract.
type Ratings interface {
	Submit(ctx context.Context, movieID int64, stars int, sourceID string) (*rating.Result, error)
	Update(ctx context.Context, ratingID, movieID int64, stars int, sourceID string) (*rating.Result, error)
	Delete(ctx context.Context, ratingID, movieID int64, sourceID string) (*models.RatingAggregate, error)
}

// SyncDispatcher enqueues bulk index syncs.
type SyncDispatcher interface {
	Dispatch(ctx context.Context, opts models.SyncOptions, reason string) (*models.SyncJob, error)
}

// SyncJobs reads sync job state.
type SyncJobs interface {
	GetSyncJob(ctx context.Context, id string) (*models.SyncJob, error)
	LatestSyncJob(ctx context.Context) (*models.SyncJob, error)
}

// HealthChecker is anything /healthz should probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler holds every dependency the HTTP layer needs.
type Handler struct {
	Catalog   Catalog
	Ratings   Ratings
	Sync      SyncDispatcher
	Jobs      SyncJobs
	Health    map[string]HealthChecker
	APIKey    string
	KeyHeader string

	// DefaultSyncBatchSize applies when a sync request omits batchSize.
	DefaultSyncBatchSize int
}

const defaultPageSize = 10

// pageParams are the paging query parameters shared by list endpoints.
type pageParams struct {
	Page  int `query:"page" validate:"min=1"`
	Limit int `query:"limit" validate:"min=1,max=50"`
}

func parsePage(r *http.Request) (pageParams, string) {
	p := pageParams{Page: 1, Limit: defaultPageSize}
	q := r.URL.Query()
	for key, dst := range map[string]*int{"page": &p.Page, "limit": &p.Limit} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return p, key + " must be an integer"
		}
		*dst = n
	}
	return p, validateStruct(p)
}

func parseType(r *http.Request) (models.MediaType, string) {
	typ, err := models.ParseMediaType(r.URL.Query().Get("type"))
	if err != nil {
		return "", err.Error()
	}
	return typ, ""
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

// SearchMovies handles GET /movies/search?query&type&cast&page&limit
//
// An empty or unparseable query returns the top-rated set, not an error.
func (h *Handler) SearchMovies(w http.ResponseWriter, r *http.Request) {
	p, msg := parsePage(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	typ, msg := parseType(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	var cast []string
	for _, name := range strings.Split(r.URL.Query().Get("cast"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			cast = append(cast, name)
		}
	}

	queryText := r.URL.Query().Get("query")
	page, err := h.Catalog.Search(r.Context(), catalog.SearchRequest{
		Query: queryText,
		Type:  typ,
		Cast:  cast,
		Page:  p.Page,
		Limit: p.Limit,
	})
	if err != nil {
		slog.Error("search failed", "component", "api", "query", queryText, "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, page, "")
}

// TopMovies handles GET /movies/top?type&page&limit
func (h *Handler) TopMovies(w http.ResponseWriter, r *http.Request) {
	p, msg := parsePage(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	typ, msg := parseType(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	page, err := h.Catalog.Top(r.Context(), typ, p.Page, p.Limit)
	if err != nil {
		slog.Error("top rated failed", "component", "api", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load top rated movies")
		return
	}
	writeJSON(w, http.StatusOK, page, "")
}

// GetMovie handles GET /movies/{id}
//
// Redis HIT returns the cached detail (X-Cache: HIT); a MISS reads Postgres
// and back-fills.
func (h *Handler) GetMovie(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid movie id")
		return
	}

	movie, hit, err := h.Catalog.Get(r.Context(), id)
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "movie not found")
		return
	}
	if err != nil {
		slog.Error("movie read failed", "component", "api", "movie_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("X-Cache", cacheHeader(hit))
	writeJSON(w, http.StatusOK, movie, "")
}

// GetRatingSummary handles GET /movies/{id}/rating
func (h *Handler) GetRatingSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid movie id")
		return
	}

	agg, hit, err := h.Catalog.RatingSummary(r.Context(), id)
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "movie not found")
		return
	}
	if err != nil {
		slog.Error("rating summary failed", "component", "api", "movie_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("X-Cache", cacheHeader(hit))
	writeJSON(w, http.StatusOK, agg, "")
}

// ReindexMovie handles POST /movies/{id}/reindex
func (h *Handler) ReindexMovie(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid movie id")
		return
	}

	err := h.Catalog.Reindex(r.Context(), id)
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "movie not found; document removed")
		return
	}
	if err != nil {
		slog.Error("reindex failed", "component", "api", "movie_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "reindex failed")
		return
	}
	writeJSON(w, http.StatusOK, nil, "movie reindexed")
}

// ---------------------------------------------------------------------------
// Ratings
// ---------------------------------------------------------------------------

type rateRequest struct {
	Stars    int    `json:"stars" validate:"min=1,max=5"`
	SourceID string `json:"sourceId" validate:"max=128"`
}

// RateMovie handles POST /movies/{id}/rate
func (h *Handler) RateMovie(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid movie id")
		return
	}
	var req rateRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	res, err := h.Ratings.Submit(r.Context(), id, req.Stars, req.SourceID)
	if err != nil {
		h.ratingError(w, id, err)
		return
	}
	slog.Info("rating accepted", "component", "api", "movie_id", id, "rating_id", res.Rating.ID, "stars", req.Stars)
	writeJSON(w, http.StatusOK, res, "rating recorded")
}

// UpdateRating handles PUT /movies/{id}/ratings/{ratingId}
func (h *Handler) UpdateRating(w http.ResponseWriter, r *http.Request) {
	movieID, ratingID, ok := ratingPath(w, r)
	if !ok {
		return
	}
	var req rateRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	res, err := h.Ratings.Update(r.Context(), ratingID, movieID, req.Stars, req.SourceID)
	if err != nil {
		h.ratingError(w, movieID, err)
		return
	}
	writeJSON(w, http.StatusOK, res, "rating updated")
}

type deleteRatingRequest struct {
	SourceID string `json:"sourceId" validate:"required,max=128"`
}

// DeleteRating handles DELETE /movies/{id}/ratings/{ratingId}
func (h *Handler) DeleteRating(w http.ResponseWriter, r *http.Request) {
	movieID, ratingID, ok := ratingPath(w, r)
	if !ok {
		return
	}
	var req deleteRatingRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	agg, err := h.Ratings.Delete(r.Context(), ratingID, movieID, req.SourceID)
	if err != nil {
		h.ratingError(w, movieID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"aggregate": agg}, "rating deleted")
}

func ratingPath(w http.ResponseWriter, r *http.Request) (movieID, ratingID int64, ok bool) {
	if movieID, ok = pathID(r, "id"); !ok {
		writeError(w, http.StatusBadRequest, "invalid movie id")
		return 0, 0, false
	}
	if ratingID, ok = pathID(r, "ratingId"); !ok {
		writeError(w, http.StatusBadRequest, "invalid rating id")
		return 0, 0, false
	}
	return movieID, ratingID, true
}

func (h *Handler) ratingError(w http.ResponseWriter, movieID int64, err error) {
	switch {
	case errors.Is(err, rating.ErrInvalidStars), errors.Is(err, rating.ErrAlreadyRated):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rating.ErrMovieNotFound), errors.Is(err, rating.ErrRatingNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rating.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		slog.Error("rating write failed", "component", "api", "movie_id", movieID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record rating")
	}
}

// ---------------------------------------------------------------------------
// Sync
// ---------------------------------------------------------------------------

type syncRequest struct {
	BatchSize      int  `json:"batchSize" validate:"min=0,max=5000"`
	DeleteExisting bool `json:"deleteExisting"`
	SyncRatings    bool `json:"syncRatings"`
}

// StartSync handles POST /movies/sync/start
//
// Creates the job and hands it to the worker; returns before any document
// is written.
func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	if req.BatchSize == 0 {
		req.BatchSize = h.DefaultSyncBatchSize
	}

	job, err := h.Sync.Dispatch(r.Context(), models.SyncOptions{
		BatchSize:      req.BatchSize,
		DeleteExisting: req.DeleteExisting,
		SyncRatings:    req.SyncRatings,
	}, "manual")
	if err != nil {
		slog.Error("sync dispatch failed", "component", "api", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start sync")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"syncId": job.ID, "status": string(job.Status)}, "sync started")
}

// syncStatus is the client view of a job.
type syncStatus struct {
	ID               string            `json:"syncId"`
	Status           models.SyncStatus `json:"status"`
	IsRunning        bool              `json:"isRunning"`
	Progress         float64           `json:"progress"`
	TotalRecords     int64             `json:"totalRecords"`
	ProcessedRecords int64             `json:"processedRecords"`
	FailedRecords    int64             `json:"failedRecords"`
	CurrentOperation string            `json:"currentOperation"`
	Errors           []string          `json:"errors"`
	CreatedAt        time.Time         `json:"createdAt"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	FinishedAt       *time.Time        `json:"finishedAt,omitempty"`
}

func newSyncStatus(j *models.SyncJob) syncStatus {
	errs := j.Errors
	if errs == nil {
		errs = []string{}
	}
	return syncStatus{
		ID:               j.ID,
		Status:           j.Status,
		IsRunning:        j.IsRunning(),
		Progress:         j.Progress(),
		TotalRecords:     j.TotalRecords,
		ProcessedRecords: j.ProcessedRecords,
		FailedRecords:    j.FailedRecords,
		CurrentOperation: j.CurrentOperation,
		Errors:           errs,
		CreatedAt:        j.CreatedAt,
		StartedAt:        j.StartedAt,
		FinishedAt:       j.FinishedAt,
	}
}

// SyncStatus handles GET /movies/sync/status?id= and GET /movies/sync/status/{id}
//
// Without an id the most recent job is returned.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "syncId")
	if id == "" {
		id = r.URL.Query().Get("id")
	}

	var (
		job *models.SyncJob
		err error
	)
	if id == "" {
		job, err = h.Jobs.LatestSyncJob(r.Context())
	} else {
		if _, perr := uuid.Parse(id); perr != nil {
			writeError(w, http.StatusBadRequest, "id must be a UUID")
			return
		}
		job, err = h.Jobs.GetSyncJob(r.Context(), id)
	}
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "sync job not found")
		return
	}
	if err != nil {
		slog.Error("sync status read failed", "component", "api", "sync_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, newSyncStatus(job), "")
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{}
	healthy := true
	for name, c := range h.Health {
		if err := c.HealthCheck(ctx); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, status, "degraded")
		return
	}
	writeJSON(w, http.StatusOK, status, "")
}

// decodeBody decodes a JSON body into dst and validates it, writing a 400 on
// failure. allowEmpty accepts a missing body as the zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !(allowEmpty && errors.Is(err, io.EOF)) {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	if msg := validateStruct(dst); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return false
	}
	return true
}

func cacheHeader(hit bool) string {
	if hit {
		return "HIT"
	}
	return "MISS"
}
