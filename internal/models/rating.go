package models

import "time"

const (
	MinStars = 1
	MaxStars = 5
)

type Rating struct {
	ID        int64     `json:"id"`
	MovieID   int64     `json:"movieId"`
	Stars     int       `json:"stars"`
	SourceID  *string   `json:"sourceId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RatingAggregate is the derived average/count pair stored on a movie.
type RatingAggregate struct {
	MovieID int64   `json:"movieId"`
	Average float64 `json:"average"`
	Count   int64   `json:"count"`
}

// ValidStars reports whether stars is inside the accepted 1..5 range.
func ValidStars(stars int) bool {
	return stars >= MinStars && stars <= MaxStars
}
