// Package search is the gateway to the Elasticsearch movie index.
//
// Postgres remains the source of truth; the index is a read-optimised
// projection kept current by the rating consumer and bulk sync. Every request
// goes through a circuit breaker so a struggling cluster fails fast instead
// of tying up API handlers.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"movie-catalog/internal/metrics"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	gobreaker "github.com/sony/gobreaker/v2"
)

const DefaultIndex = "movies"

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("search: document not found")
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("search: engine unavailable")
)

// Query is anything that can render itself as a search request body.
type Query interface {
	Body(from, size int) map[string]any
}

// Config holds connection settings for the index gateway.
type Config struct {
	URL      string
	Username string
	Password string
	Index    string
	// Refresh is passed on single-document writes ("", "true", "wait_for").
	Refresh string
	// Transport overrides the HTTP transport; tests point it at httptest.
	Transport http.RoundTripper
}

// Client wraps the Elasticsearch client with movie-index operations.
type Client struct {
	es      *elasticsearch.Client
	index   string
	refresh string
	breaker *gobreaker.CircuitBreaker[*esapi.Response]
	log     *slog.Logger
}

// Result is one page of matched documents.
type Result struct {
	Documents []Document
	Total     int64
}

// BulkError reports per-document failures from a bulk write. Failed holds
// positions in the submitted slice; the documents not listed were written.
type BulkError struct {
	Total  int
	Failed []int
	Reason string // first failure, verbatim from the engine
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("search: bulk write: %d of %d documents failed", len(e.Failed), e.Total)
}

// New creates a gateway pointed at cfg.URL.
func New(cfg Config) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("search: create client: %w", err)
	}
	index := cfg.Index
	if index == "" {
		index = DefaultIndex
	}
	c := &Client{
		es:      es,
		index:   index,
		refresh: cfg.Refresh,
		log:     slog.Default().With("component", "search"),
	}
	metrics.SearchBreakerState.Set(0)
	c.breaker = gobreaker.NewCircuitBreaker[*esapi.Response](gobreaker.Settings{
		Name:        "elasticsearch",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.SearchBreakerState.Set(stateValue(to))
		},
	})
	return c, nil
}

// Index returns the index name this gateway writes to.
func (c *Client) Index() string { return c.index }

// do runs req through the breaker. Transport errors and 5xx responses count
// as failures; 4xx responses are returned to the caller to interpret.
func (c *Client) do(ctx context.Context, op string, req esapi.Request) (*esapi.Response, error) {
	start := time.Now()
	defer func() {
		metrics.SearchRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	res, err := c.breaker.Execute(func() (*esapi.Response, error) {
		res, err := req.Do(ctx, c.es)
		if err != nil {
			return nil, fmt.Errorf("search: %s request: %w", op, err)
		}
		if res.StatusCode >= http.StatusInternalServerError {
			defer res.Body.Close()
			return nil, responseError(op, res)
		}
		return res, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, op)
	}
	return res, err
}

// EnsureIndex creates the index with the movie mapping. It reports whether
// the index was created by this call; an existing index is not an error.
func (c *Client) EnsureIndex(ctx context.Context) (bool, error) {
	body, err := jsonReader(indexMapping)
	if err != nil {
		return false, err
	}
	res, err := c.do(ctx, "create_index", esapi.IndicesCreateRequest{Index: c.index, Body: body})
	if err != nil {
		return false, err
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		if strings.Contains(string(raw), "resource_already_exists_exception") {
			c.log.Info("index already exists", "index", c.index)
			return false, nil
		}
		return false, fmt.Errorf("search: create_index error [%s]: %s", res.Status(), raw)
	}
	c.log.Info("index created", "index", c.index)
	return true, nil
}

// DeleteIndex drops the index. A missing index is not an error.
func (c *Client) DeleteIndex(ctx context.Context) error {
	res, err := c.do(ctx, "delete_index", esapi.IndicesDeleteRequest{Index: []string{c.index}})
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return responseError("delete_index", res)
	}
	return nil
}

// Execute runs q and returns the requested page of documents.
func (c *Client) Execute(ctx context.Context, q Query, from, size int) (*Result, error) {
	body, err := jsonReader(q.Body(from, size))
	if err != nil {
		return nil, err
	}
	res, err := c.do(ctx, "search", esapi.SearchRequest{Index: []string{c.index}, Body: body})
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("search", res)
	}

	var parsed struct {
		Hits struct {
			Total totalHits `json:"total"`
			Hits  []struct {
				Source Document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("search: decode response: %w", err)
	}

	out := &Result{Total: int64(parsed.Hits.Total), Documents: make([]Document, 0, len(parsed.Hits.Hits))}
	for _, h := range parsed.Hits.Hits {
		out.Documents = append(out.Documents, h.Source)
	}
	return out, nil
}

// Upsert writes a full document. The movie id is the document id, so
// re-indexing the same movie replaces rather than duplicates it.
func (c *Client) Upsert(ctx context.Context, doc Document) error {
	body, err := jsonReader(doc)
	if err != nil {
		return err
	}
	res, err := c.do(ctx, "index", esapi.IndexRequest{
		Index:      c.index,
		DocumentID: doc.ID,
		Body:       body,
		Refresh:    c.refresh,
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("index", res)
	}
	return nil
}

// BulkUpsert writes docs in one bulk request. When some documents are
// rejected it returns a *BulkError naming them.
func (c *Client) BulkUpsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		if err := enc.Encode(map[string]any{"index": map[string]any{"_id": d.ID}}); err != nil {
			return err
		}
		if err := enc.Encode(d); err != nil {
			return err
		}
	}

	res, err := c.do(ctx, "bulk", esapi.BulkRequest{Index: c.index, Body: &buf})
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("bulk", res)
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("search: decode bulk response: %w", err)
	}
	if !parsed.Errors {
		return nil
	}

	bulkErr := &BulkError{Total: len(docs)}
	for i, item := range parsed.Items {
		for _, r := range item {
			if r.Status < 300 {
				continue
			}
			bulkErr.Failed = append(bulkErr.Failed, i)
			if bulkErr.Reason == "" {
				bulkErr.Reason = string(r.Error)
			}
		}
	}
	if len(bulkErr.Failed) == 0 {
		return nil
	}
	return bulkErr
}

// UpdateAggregateFields patches only the rating fields of a document.
// It returns ErrNotFound when the document is not indexed yet.
func (c *Client) UpdateAggregateFields(ctx context.Context, movieID int64, avg float64, count int64) error {
	body, err := jsonReader(map[string]any{
		"doc": map[string]any{
			FieldAverageRating: avg,
			FieldRatingCount:   count,
			FieldUpdatedAt:     time.Now().UTC(),
		},
	})
	if err != nil {
		return err
	}
	res, err := c.do(ctx, "update_aggregate", esapi.UpdateRequest{
		Index:      c.index,
		DocumentID: DocumentID(movieID),
		Body:       body,
		Refresh:    c.refresh,
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if res.IsError() {
		return responseError("update_aggregate", res)
	}
	return nil
}

// Delete removes a movie's document. A missing document is not an error.
func (c *Client) Delete(ctx context.Context, movieID int64) error {
	res, err := c.do(ctx, "delete", esapi.DeleteRequest{
		Index:      c.index,
		DocumentID: DocumentID(movieID),
		Refresh:    c.refresh,
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return responseError("delete", res)
	}
	return nil
}

// Count returns the number of indexed documents. A missing index counts as 0.
func (c *Client) Count(ctx context.Context) (int64, error) {
	res, err := c.do(ctx, "count", esapi.CountRequest{Index: []string{c.index}})
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		return 0, responseError("count", res)
	}
	var parsed struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("search: decode count: %w", err)
	}
	return parsed.Count, nil
}

// HealthCheck pings the cluster.
func (c *Client) HealthCheck(ctx context.Context) error {
	res, err := c.do(ctx, "ping", esapi.PingRequest{})
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("ping", res)
	}
	return nil
}

// totalHits accepts both the legacy numeric form and the {"value": n} object.
type totalHits int64

func (t *totalHits) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*t = totalHits(n)
		return nil
	}
	var obj struct {
		Value int64 `json:"value"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*t = totalHits(obj.Value)
	return nil
}

func jsonReader(v any) (io.Reader, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("search: encode body: %w", err)
	}
	return &buf, nil
}

func responseError(op string, res *esapi.Response) error {
	raw, _ := io.ReadAll(res.Body)
	return fmt.Errorf("search: %s error [%s]: %s", op, res.Status(), raw)
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
