// Package stream carries rating events from the ingest path to the aggregate
// consumer over a Redis Stream with a consumer group.
//
// Delivery guarantees:
//   - At-least-once: an entry stays in the group's pending list until acked.
//   - Entries left pending by a crashed or failing consumer are reclaimed by
//     any group member once they have been idle for ClaimIdle.
//   - No ordering across movies. Consumers must recompute, never apply deltas.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"movie-catalog/internal/metrics"

	"github.com/redis/go-redis/v9"
)

// Options configures both the producer and consumer side.
type Options struct {
	Key       string
	Group     string
	Consumer  string
	Block     time.Duration // blocking read timeout before re-polling
	BatchSize int
	ClaimIdle time.Duration // min idle before another member may take an entry
	MaxLen    int64         // approximate trim length, 0 disables trimming
}

// Message is one delivered entry. Err is set when the entry could not be decoded;
// such entries still carry their ID so they can be acknowledged.
type Message struct {
	ID    string
	Event Event
	Err   error
}

// Stream wraps the Redis client with the stream key and group settings.
type Stream struct {
	rdb  *redis.Client
	opts Options
}

func New(rdb *redis.Client, opts Options) *Stream {
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = time.Minute
	}
	return &Stream{rdb: rdb, opts: opts}
}

// Publish appends an event and returns the entry id.
func (s *Stream) Publish(ctx context.Context, e Event) (string, error) {
	values, err := Encode(e)
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{Stream: s.opts.Key, Values: values}
	if s.opts.MaxLen > 0 {
		args.MaxLen = s.opts.MaxLen
		args.Approx = true
	}
	id, err := s.rdb.XAdd(ctx, args).Result()
	if err != nil {
		metrics.RatingEvents.WithLabelValues(string(e.Op()), "publish_failed").Inc()
		return "", fmt.Errorf("stream: xadd: %w", err)
	}
	metrics.RatingEvents.WithLabelValues(string(e.Op()), "published").Inc()
	return id, nil
}

// EnsureGroup creates the consumer group (and the stream) if missing.
// Safe to call on every start.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.opts.Key, s.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("stream: create group: %w", err)
	}
	return nil
}

// Read blocks for up to opts.Block waiting for new entries. A timeout with no
// entries returns an empty slice and no error.
func (s *Stream) Read(ctx context.Context) ([]Message, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		Streams:  []string{s.opts.Key, ">"},
		Count:    int64(s.opts.BatchSize),
		Block:    s.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stream: xreadgroup: %w", err)
	}

	var out []Message
	for _, st := range res {
		out = append(out, toMessages(st.Messages)...)
	}
	return out, nil
}

// Claim takes over entries that some member read but has not acked for at
// least opts.ClaimIdle, including this consumer's own earlier failures.
func (s *Stream) Claim(ctx context.Context) ([]Message, error) {
	msgs, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.opts.Key,
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		MinIdle:  s.opts.ClaimIdle,
		Start:    "0-0",
		Count:    int64(s.opts.BatchSize),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stream: xautoclaim: %w", err)
	}
	return toMessages(msgs), nil
}

// Ack removes entries from the group's pending list.
func (s *Stream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.XAck(ctx, s.opts.Key, s.opts.Group, ids...).Err(); err != nil {
		return fmt.Errorf("stream: xack: %w", err)
	}
	return nil
}

// Pending returns the number of delivered but unacknowledged entries.
func (s *Stream) Pending(ctx context.Context) (int64, error) {
	p, err := s.rdb.XPending(ctx, s.opts.Key, s.opts.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("stream: xpending: %w", err)
	}
	return p.Count, nil
}

func toMessages(raw []redis.XMessage) []Message {
	out := make([]Message, 0, len(raw))
	for _, m := range raw {
		e, err := Decode(m.Values)
		out = append(out, Message{ID: m.ID, Event: e, Err: err})
	}
	return out
}
