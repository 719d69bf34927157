package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"movie-catalog/internal/search"
	"movie-catalog/internal/stream"
)

func created(id string, movieID int64, stars int) stream.Message {
	return stream.Message{ID: id, Event: stream.RatingCreated{MovieID: movieID, Stars: stars, At: time.Now()}}
}

func newRecalcFixture() (*Recalculator, *fakeStream, *fakeStore, *fakeCache, *fakeIndex) {
	s, st, c, idx := &fakeStream{}, newFakeStore(), newFakeCache(), newFakeIndex()
	return NewRecalculator(s, st, c, idx), s, st, c, idx
}

func TestProcessBatchEndToEnd(t *testing.T) {
	r, s, store, cache, idx := newRecalcFixture()
	store.addMovie(7, "Heat", 5)
	idx.docs["7"] = search.Document{ID: "7", Title: "Heat"}

	r.ProcessBatch(context.Background(), []stream.Message{created("1-0", 7, 5)})

	doc := idx.docs["7"]
	if doc.AverageRating != 5.0 || doc.RatingCount != 1 {
		t.Fatalf("document = %+v, want 5.0/1", doc)
	}
	if agg := cache.aggregates[7]; agg.Average != 5.0 || agg.Count != 1 {
		t.Fatalf("cached aggregate = %+v", agg)
	}
	if len(cache.invalidated) != 1 || cache.invalidated[0] != 7 {
		t.Fatalf("cache not invalidated first: %v", cache.invalidated)
	}
	if len(s.acked) != 1 || s.acked[0] != "1-0" {
		t.Fatalf("acked = %v", s.acked)
	}
}

func TestProcessBatchCoalescesByMovie(t *testing.T) {
	r, s, store, _, idx := newRecalcFixture()
	store.addMovie(1, "A", 4, 2)
	store.addMovie(2, "B", 3)
	idx.docs["1"] = search.Document{ID: "1"}
	idx.docs["2"] = search.Document{ID: "2"}

	r.ProcessBatch(context.Background(), []stream.Message{
		created("1-0", 1, 4),
		created("2-0", 2, 3),
		created("3-0", 1, 2),
	})

	if store.recomputes[1] != 1 || store.recomputes[2] != 1 {
		t.Fatalf("expected one recompute per movie, got %v", store.recomputes)
	}
	if len(s.acked) != 3 {
		t.Fatalf("all entries should be acked, got %v", s.acked)
	}
	if idx.docs["1"].AverageRating != 3.0 || idx.docs["1"].RatingCount != 2 {
		t.Fatalf("movie 1 document = %+v", idx.docs["1"])
	}
}

func TestProcessBatchIsIdempotentUnderRedelivery(t *testing.T) {
	r, _, store, _, idx := newRecalcFixture()
	store.addMovie(3, "C", 5, 4, 4)
	idx.docs["3"] = search.Document{ID: "3"}

	batch := []stream.Message{created("1-0", 3, 4)}
	r.ProcessBatch(context.Background(), batch)
	first := idx.docs["3"]
	r.ProcessBatch(context.Background(), batch)
	second := idx.docs["3"]

	if first.AverageRating != second.AverageRating || first.RatingCount != second.RatingCount {
		t.Fatalf("redelivery drifted: %+v then %+v", first, second)
	}
	if second.RatingCount != 3 {
		t.Fatalf("count = %d, want 3", second.RatingCount)
	}
}

func TestProcessBatchLeavesFailedMoviePending(t *testing.T) {
	r, s, store, _, idx := newRecalcFixture()
	store.addMovie(1, "A", 4)
	store.addMovie(2, "B", 3)
	store.failMovie[2] = errors.New("deadlock detected")
	idx.docs["1"] = search.Document{ID: "1"}
	idx.docs["2"] = search.Document{ID: "2"}

	r.ProcessBatch(context.Background(), []stream.Message{created("1-0", 1, 4), created("2-0", 2, 3)})

	if len(s.acked) != 1 || s.acked[0] != "1-0" {
		t.Fatalf("only movie 1's entry should be acked, got %v", s.acked)
	}
}

func TestProcessBatchIndexFailureBlocksAck(t *testing.T) {
	r, s, store, _, idx := newRecalcFixture()
	store.addMovie(1, "A", 4)
	idx.updateErr = fmt.Errorf("wrapped: %w", search.ErrUnavailable)

	r.ProcessBatch(context.Background(), []stream.Message{created("1-0", 1, 4)})
	if len(s.acked) != 0 {
		t.Fatalf("entry must stay pending when the index update fails, acked %v", s.acked)
	}
}

func TestProcessBatchIndexesMissingDocument(t *testing.T) {
	r, s, store, _, idx := newRecalcFixture()
	store.addMovie(5, "Alien", 5, 3)

	r.ProcessBatch(context.Background(), []stream.Message{created("1-0", 5, 3)})

	doc, ok := idx.docs["5"]
	if !ok {
		t.Fatal("missing document should be indexed in full")
	}
	if doc.Title != "Alien" || doc.AverageRating != 4.0 || doc.RatingCount != 2 {
		t.Fatalf("document = %+v", doc)
	}
	if len(s.acked) != 1 {
		t.Fatalf("acked = %v", s.acked)
	}
}

func TestProcessBatchRemovesDeletedMovie(t *testing.T) {
	r, s, _, _, idx := newRecalcFixture()
	idx.docs["9"] = search.Document{ID: "9"}

	r.ProcessBatch(context.Background(), []stream.Message{created("1-0", 9, 2)})

	if _, ok := idx.docs["9"]; ok {
		t.Fatal("document of a deleted movie should be removed")
	}
	if len(s.acked) != 1 {
		t.Fatalf("entry for a deleted movie should be acked, got %v", s.acked)
	}
}

func TestProcessBatchAcksUndecodable(t *testing.T) {
	r, s, _, _, _ := newRecalcFixture()
	r.ProcessBatch(context.Background(), []stream.Message{{ID: "1-0", Err: stream.ErrUnknownEvent}})
	if len(s.acked) != 1 || s.acked[0] != "1-0" {
		t.Fatalf("undecodable entry should be acked, got %v", s.acked)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r, _, _, _, _ := newRecalcFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
