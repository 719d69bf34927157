package search

import (
	"strconv"
	"time"

	"movie-catalog/internal/models"
)

// Index field names. The query compiler references these so the mapping and
// the queries cannot drift apart.
const (
	FieldID            = "id"
	FieldMovieID       = "movieId"
	FieldTitle         = "title"
	FieldTitleKeyword  = "title.keyword"
	FieldDescription   = "description"
	FieldType          = "type"
	FieldCast          = "cast"
	FieldCoverURL      = "coverUrl"
	FieldAverageRating = "averageRating"
	FieldRatingCount   = "ratingCount"
	FieldReleaseDate   = "releaseDate"
	FieldCreatedAt     = "createdAt"
	FieldUpdatedAt     = "updatedAt"
)

const dateLayout = "2006-01-02"

// Document is the denormalised projection of a movie stored in the index.
type Document struct {
	ID            string    `json:"id"`
	MovieKey      int64     `json:"movieId"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Type          string    `json:"type"`
	Cast          []string  `json:"cast"`
	CoverURL      *string   `json:"coverUrl,omitempty"`
	AverageRating float64   `json:"averageRating"`
	RatingCount   int64     `json:"ratingCount"`
	ReleaseDate   string    `json:"releaseDate"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// FromMovie builds the index document for a movie and its cast.
func FromMovie(d *models.MovieDetail) Document {
	return Document{
		ID:            DocumentID(d.ID),
		MovieKey:      d.ID,
		Title:         d.Title,
		Description:   d.Description,
		Type:          string(d.Type),
		Cast:          d.CastNames(),
		CoverURL:      d.CoverURL,
		AverageRating: d.AvgRating,
		RatingCount:   d.RatingsCount,
		ReleaseDate:   d.ReleaseDate.Format(dateLayout),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

// DocumentID is the string form of a movie id used as the index _id.
func DocumentID(movieID int64) string {
	return strconv.FormatInt(movieID, 10)
}

// MovieID parses the document id back into the store's integer key.
func (d Document) MovieID() (int64, error) {
	return strconv.ParseInt(d.ID, 10, 64)
}

// Movie converts the document back into a movie record (without cast roles).
func (d Document) Movie() models.Movie {
	id, _ := d.MovieID()
	release, _ := time.Parse(dateLayout, d.ReleaseDate)
	return models.Movie{
		ID:           id,
		Title:        d.Title,
		Description:  d.Description,
		Type:         models.MediaType(d.Type),
		ReleaseDate:  release,
		CoverURL:     d.CoverURL,
		AvgRating:    d.AverageRating,
		RatingsCount: d.RatingCount,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// indexMapping is the fixed schema applied when the index is created.
var indexMapping = map[string]any{
	"settings": map[string]any{
		"number_of_shards":   1,
		"number_of_replicas": 0,
	},
	"mappings": map[string]any{
		"dynamic": "strict",
		"properties": map[string]any{
			FieldID:      map[string]any{"type": "keyword"},
			FieldMovieID: map[string]any{"type": "long"},
			FieldType:    map[string]any{"type": "keyword"},
			FieldTitle: map[string]any{
				"type":   "text",
				"fields": map[string]any{"keyword": map[string]any{"type": "keyword", "ignore_above": 256}},
			},
			FieldDescription:   map[string]any{"type": "text"},
			FieldCast:          map[string]any{"type": "text"},
			FieldCoverURL:      map[string]any{"type": "keyword", "index": false},
			FieldAverageRating: map[string]any{"type": "float"},
			FieldRatingCount:   map[string]any{"type": "integer"},
			FieldReleaseDate:   map[string]any{"type": "date", "format": "yyyy-MM-dd"},
			FieldCreatedAt:     map[string]any{"type": "date"},
			FieldUpdatedAt:     map[string]any{"type": "date"},
		},
	},
}
