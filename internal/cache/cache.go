// Package cache provides a Redis-backed read cache for movie details and
// rating aggregates.
//
// Invalidate-then-recompute pattern:
//   - The ingest path never writes here.
//   - The aggregate consumer deletes a movie's entries before recomputing, then
//     stores the fresh aggregate with a fixed TTL.
//   - On read a miss falls back to Postgres and back-fills the entry, so a stale
//     value survives at most one recomputation cycle.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"movie-catalog/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "movie:"
	aggregateKey   = ":rating"
	detailKey      = ":detail"
	DefaultTTL     = 300 * time.Second
	connectTimeout = 5 * time.Second
)

// ErrNotFound is returned when a key does not exist in the cache.
var ErrNotFound = errors.New("cache: key not found")

// Client wraps the Redis client and exposes domain-level operations.
type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

// Connect creates a Redis client and verifies the connection with a PING.
// The same client backs the cache and the rating stream.
func Connect(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// New wraps an existing Redis client. A non-positive ttl selects DefaultTTL.
func New(rdb *redis.Client, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Client{rdb: rdb, ttl: ttl}
}

func aggregateKeyFor(movieID int64) string {
	return keyPrefix + strconv.FormatInt(movieID, 10) + aggregateKey
}

func detailKeyFor(movieID int64) string {
	return keyPrefix + strconv.FormatInt(movieID, 10) + detailKey
}

// SetAggregate stores a movie's aggregate with the configured TTL.
func (c *Client) SetAggregate(ctx context.Context, agg models.RatingAggregate) error {
	return c.setJSON(ctx, aggregateKeyFor(agg.MovieID), agg)
}

// GetAggregate returns ErrNotFound when the key does not exist or has expired.
func (c *Client) GetAggregate(ctx context.Context, movieID int64) (*models.RatingAggregate, error) {
	var agg models.RatingAggregate
	if err := c.getJSON(ctx, aggregateKeyFor(movieID), &agg); err != nil {
		return nil, err
	}
	return &agg, nil
}

// SetMovieDetail stores a movie with its cast.
func (c *Client) SetMovieDetail(ctx context.Context, d *models.MovieDetail) error {
	return c.setJSON(ctx, detailKeyFor(d.ID), d)
}

// GetMovieDetail returns ErrNotFound on a miss.
func (c *Client) GetMovieDetail(ctx context.Context, movieID int64) (*models.MovieDetail, error) {
	var d models.MovieDetail
	if err := c.getJSON(ctx, detailKeyFor(movieID), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// InvalidateMovie drops every cached entry for a movie.
func (c *Client) InvalidateMovie(ctx context.Context, movieID int64) error {
	return c.rdb.Del(ctx, aggregateKeyFor(movieID), detailKeyFor(movieID)).Err()
}

func (c *Client) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, c.ttl).Err()
}

func (c *Client) getJSON(ctx context.Context, key string, v any) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
