package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// SchemaVersion is written into every entry. Decoders reject versions they do
// not know instead of guessing at field layouts.
const SchemaVersion = 1

// ErrUnknownEvent is returned for entries whose op or version is not recognised.
var ErrUnknownEvent = errors.New("stream: unknown event")

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is one of RatingCreated, RatingUpdated or RatingDeleted.
type Event interface {
	Op() Op
	Movie() int64
	isRatingEvent()
}

type RatingCreated struct {
	MovieID  int64     `json:"movieId"`
	RatingID int64     `json:"ratingId"`
	Stars    int       `json:"stars"`
	At       time.Time `json:"at"`
}

type RatingUpdated struct {
	MovieID       int64     `json:"movieId"`
	RatingID      int64     `json:"ratingId"`
	Stars         int       `json:"stars"`
	PreviousStars int       `json:"previousStars"`
	At            time.Time `json:"at"`
}

type RatingDeleted struct {
	MovieID  int64     `json:"movieId"`
	RatingID int64     `json:"ratingId"`
	Stars    int       `json:"stars"`
	At       time.Time `json:"at"`
}

func (RatingCreated) Op() Op { return OpCreate }
func (RatingUpdated) Op() Op { return OpUpdate }
func (RatingDeleted) Op() Op { return OpDelete }

func (e RatingCreated) Movie() int64 { return e.MovieID }
func (e RatingUpdated) Movie() int64 { return e.MovieID }
func (e RatingDeleted) Movie() int64 { return e.MovieID }

func (RatingCreated) isRatingEvent() {}
func (RatingUpdated) isRatingEvent() {}
func (RatingDeleted) isRatingEvent() {}

// Encode flattens an event into stream entry fields. movieId is duplicated
// outside the payload so operators can inspect entries with XRANGE.
func Encode(e Event) (map[string]any, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"v":       strconv.Itoa(SchemaVersion),
		"op":      string(e.Op()),
		"movieId": strconv.FormatInt(e.Movie(), 10),
		"payload": string(payload),
	}, nil
}

// Decode rebuilds the concrete event from stream entry fields.
func Decode(values map[string]any) (Event, error) {
	if v := field(values, "v"); v != strconv.Itoa(SchemaVersion) {
		return nil, fmt.Errorf("%w: version %q", ErrUnknownEvent, v)
	}
	payload := []byte(field(values, "payload"))

	var (
		e   Event
		err error
	)
	switch op := Op(field(values, "op")); op {
	case OpCreate:
		var c RatingCreated
		err = json.Unmarshal(payload, &c)
		e = c
	case OpUpdate:
		var u RatingUpdated
		err = json.Unmarshal(payload, &u)
		e = u
	case OpDelete:
		var d RatingDeleted
		err = json.Unmarshal(payload, &d)
		e = d
	default:
		return nil, fmt.Errorf("%w: op %q", ErrUnknownEvent, op)
	}
	if err != nil {
		return nil, fmt.Errorf("stream: decode payload: %w", err)
	}
	if e.Movie() <= 0 {
		return nil, fmt.Errorf("stream: decode payload: missing movieId")
	}
	return e, nil
}

func field(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
