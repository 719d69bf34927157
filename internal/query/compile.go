package query

import (
	"fmt"
	"time"

	"movie-catalog/internal/search"
)

// Relevance boosts, strictly descending: title beats description beats cast,
// and within a field a phrase match beats a prefix match.
const (
	BoostTitleExact  = 15.0
	BoostTitlePhrase = 10.0
	BoostTitlePrefix = 6.0
	BoostDescPhrase  = 4.0
	BoostDescPrefix  = 3.0
	BoostCastPhrase  = 2.0
	BoostCastPrefix  = 1.0
)

// Ranked is a compiled query ready for search.Client.Execute.
type Ranked struct {
	Filters []map[string]any
	Should  []map[string]any
	Sort    []map[string]any

	// resolved release window, for logging and tests
	ReleaseFrom *int // inclusive year
	ReleaseTo   *int // exclusive year
}

// TopRated reports whether the query has no relevance clause.
func (r Ranked) TopRated() bool {
	return len(r.Should) == 0
}

// Body renders the Elasticsearch request body for one page.
func (r Ranked) Body(from, size int) map[string]any {
	var q map[string]any
	switch {
	case len(r.Should) > 0:
		b := map[string]any{
			"should":               r.Should,
			"minimum_should_match": 1,
		}
		if len(r.Filters) > 0 {
			b["filter"] = r.Filters
		}
		q = map[string]any{"bool": b}
	case len(r.Filters) > 0:
		q = map[string]any{"bool": map[string]any{"filter": r.Filters}}
	default:
		q = map[string]any{"match_all": map[string]any{}}
	}

	return map[string]any{
		"query":            q,
		"sort":             r.Sort,
		"from":             from,
		"size":             size,
		"track_total_hits": true,
	}
}

// Compiler builds ranked queries. now supplies the calendar year that relative
// windows ("older than 5 years") are measured from.
type Compiler struct {
	now func() time.Time
}

func NewCompiler(now func() time.Time) *Compiler {
	if now == nil {
		now = time.Now
	}
	return &Compiler{now: now}
}

// Compile never fails. No text turns the query into a pure filter + sort
// ("top rated" mode); no text and no filters matches everything.
func (c *Compiler) Compile(crit Criteria) Ranked {
	var r Ranked

	if crit.Type != "" {
		r.Filters = append(r.Filters, map[string]any{
			"term": map[string]any{search.FieldType: string(crit.Type)},
		})
	}

	if rng := ratingRange(crit.MinRating, crit.MaxRating); rng != nil {
		r.Filters = append(r.Filters, map[string]any{
			"range": map[string]any{search.FieldAverageRating: rng},
		})
	}

	r.ReleaseFrom, r.ReleaseTo = c.releaseWindow(crit)
	if r.ReleaseFrom != nil || r.ReleaseTo != nil {
		rng := map[string]any{"format": "yyyy-MM-dd"}
		if r.ReleaseFrom != nil {
			rng["gte"] = yearStart(*r.ReleaseFrom)
		}
		if r.ReleaseTo != nil {
			rng["lt"] = yearStart(*r.ReleaseTo)
		}
		r.Filters = append(r.Filters, map[string]any{
			"range": map[string]any{search.FieldReleaseDate: rng},
		})
	}

	for _, name := range crit.CastNames {
		if name == "" {
			continue
		}
		r.Filters = append(r.Filters, map[string]any{
			"match_phrase": map[string]any{search.FieldCast: name},
		})
	}

	if crit.Text != "" {
		r.Should = relevance(crit.Text)
	}

	r.Sort = []map[string]any{
		{"_score": map[string]any{"order": "desc"}},
		{search.FieldAverageRating: map[string]any{"order": "desc"}},
		{search.FieldRatingCount: map[string]any{"order": "desc"}},
		// Numeric so ties break the same way as the store's id ordering.
		{search.FieldMovieID: map[string]any{"order": "asc"}},
	}
	return r
}

func relevance(text string) []map[string]any {
	phrase := func(field string, boost float64) map[string]any {
		return map[string]any{"match_phrase": map[string]any{
			field: map[string]any{"query": text, "boost": boost},
		}}
	}
	prefix := func(field string, boost float64) map[string]any {
		return map[string]any{"match_phrase_prefix": map[string]any{
			field: map[string]any{"query": text, "boost": boost},
		}}
	}
	return []map[string]any{
		{"term": map[string]any{
			search.FieldTitleKeyword: map[string]any{"value": text, "boost": BoostTitleExact, "case_insensitive": true},
		}},
		phrase(search.FieldTitle, BoostTitlePhrase),
		prefix(search.FieldTitle, BoostTitlePrefix),
		phrase(search.FieldDescription, BoostDescPhrase),
		prefix(search.FieldDescription, BoostDescPrefix),
		phrase(search.FieldCast, BoostCastPhrase),
		prefix(search.FieldCast, BoostCastPrefix),
	}
}

func ratingRange(lo, hi *RatingBound) map[string]any {
	if lo == nil && hi == nil {
		return nil
	}
	rng := map[string]any{}
	if lo != nil {
		if lo.Exclusive {
			rng["gt"] = lo.Value
		} else {
			rng["gte"] = lo.Value
		}
	}
	if hi != nil {
		if hi.Exclusive {
			rng["lt"] = hi.Value
		} else {
			rng["lte"] = hi.Value
		}
	}
	return rng
}

// releaseWindow merges absolute and relative year criteria into one
// [from, to) window, keeping the tighter bound on each side.
func (c *Compiler) releaseWindow(crit Criteria) (from, to *int) {
	year := c.now().Year()

	if crit.AfterYear != nil {
		v := *crit.AfterYear
		from = &v
	}
	if crit.NewerThanYears != nil {
		v := year - *crit.NewerThanYears
		if from == nil || v > *from {
			from = &v
		}
	}

	if crit.BeforeYear != nil {
		v := *crit.BeforeYear
		to = &v
	}
	if crit.OlderThanYears != nil {
		v := year - *crit.OlderThanYears
		if to == nil || v < *to {
			to = &v
		}
	}
	return from, to
}

func yearStart(year int) string {
	return fmt.Sprintf("%04d-01-01", year)
}
