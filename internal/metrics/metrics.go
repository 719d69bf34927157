package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DBQueryDuration measures how long our database queries take.
// The 'operation' label distinguishes e.g. 'aggregate_ratings' from 'top_rated'.
var DBQueryDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of database queries in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	},
	[]string{"operation"},
)

// SearchRequestDuration measures Elasticsearch round trips per gateway operation.
var SearchRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "search_request_duration_seconds",
		Help:    "Duration of search engine requests in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	},
	[]string{"operation"},
)

// SearchBreakerState is 0 closed, 1 half-open, 2 open.
var SearchBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "search_circuit_breaker_state",
	Help: "State of the search engine circuit breaker (0 closed, 1 half-open, 2 open)",
})

// RatingEvents counts stream entries by operation and outcome
// (published, publish_failed, acked, undecodable).
var RatingEvents = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rating_events_total",
		Help: "Rating stream events by operation and result",
	},
	[]string{"op", "result"},
)

// StreamPending is the consumer group's pending-entries count. A value that keeps
// growing means some entry is failing on every redelivery.
var StreamPending = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "rating_stream_pending_messages",
	Help: "Unacknowledged entries in the rating stream consumer group",
})

// Recalculations counts per-movie aggregate recomputations by result.
var Recalculations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "aggregate_recalculations_total",
		Help: "Per-movie aggregate recalculations by result",
	},
	[]string{"result"},
)

// SyncDocuments counts documents pushed by bulk sync by result (indexed, failed).
var SyncDocuments = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "index_sync_documents_total",
		Help: "Documents written by bulk index sync by result",
	},
	[]string{"result"},
)
