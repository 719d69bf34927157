package models

import (
	"fmt"
	"strings"
	"time"
)

// MediaType discriminates movies from TV shows.
type MediaType string

const (
	MediaMovie  MediaType = "MOVIE"
	MediaTVShow MediaType = "TV_SHOW"
)

// ParseMediaType accepts the enum value in any case. An empty string yields
// an empty type (no filter).
func ParseMediaType(s string) (MediaType, error) {
	switch MediaType(strings.ToUpper(strings.TrimSpace(s))) {
	case "":
		return "", nil
	case MediaMovie:
		return MediaMovie, nil
	case MediaTVShow:
		return MediaTVShow, nil
	}
	return "", fmt.Errorf("unknown type %q: must be MOVIE or TV_SHOW", s)
}

type Movie struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Type         MediaType `json:"type"`
	ReleaseDate  time.Time `json:"releaseDate"`
	CoverURL     *string   `json:"coverUrl,omitempty"`
	AvgRating    float64   `json:"avgRating"`
	RatingsCount int64     `json:"ratingsCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// CastMember is an actor as credited on one movie.
type CastMember struct {
	ActorID int64   `json:"actorId"`
	Name    string  `json:"name"`
	Role    *string `json:"role,omitempty"`
}

// MovieDetail is a movie with its cast attached.
type MovieDetail struct {
	Movie
	Cast []CastMember `json:"cast"`
}

// CastNames flattens the cast for the search document.
func (d *MovieDetail) CastNames() []string {
	names := make([]string, 0, len(d.Cast))
	for _, c := range d.Cast {
		names = append(names, c.Name)
	}
	return names
}
