// Package query turns free-text catalog searches into ranked Elasticsearch
// queries in two pure steps: Parse extracts structured Criteria from the raw
// string, and Compiler.Compile builds the boolean query, boosts and sort.
//
// Recognised phrases (case-insensitive, first match per category):
//
//	after|since|from YYYY                 release year lower bound
//	before YYYY                           release year upper bound (exclusive)
//	older than N years                    released before (this year - N)
//	newer than|within (the) last|in the past N years
//	less than|under|below|maximum|max R stars    rating < R
//	more than|above|over R stars                 rating > R
//	at least|minimum|min R stars                 rating >= R
//	at most|maximum of|max of R stars            rating <= R
//	(exactly) R stars                            rating == R
//
// Everything left over is the free-text part.
package query

import (
	"regexp"
	"strconv"
	"strings"

	"movie-catalog/internal/models"
)

// RatingBound is one end of a rating range. Exclusive bounds compile to
// gt/lt so ratings right next to the boundary are not mis-ranked.
type RatingBound struct {
	Value     float64
	Exclusive bool
}

// Criteria is the structured form of a search request.
type Criteria struct {
	Text           string
	MinRating      *RatingBound
	MaxRating      *RatingBound
	AfterYear      *int
	BeforeYear     *int
	OlderThanYears *int
	NewerThanYears *int
	CastNames      []string
	Type           models.MediaType
}

// IsEmpty reports whether the criteria carry no text and no filters.
func (c Criteria) IsEmpty() bool {
	return c.Text == "" && c.MinRating == nil && c.MaxRating == nil &&
		c.AfterYear == nil && c.BeforeYear == nil &&
		c.OlderThanYears == nil && c.NewerThanYears == nil &&
		len(c.CastNames) == 0 && c.Type == ""
}

const minTextLen = 2

var (
	thanTypos  = regexp.MustCompile(`\b(?:then|thand|thna|tha)\b`)
	starsTypos = regexp.MustCompile(`\b(?:star|strs)\b`)

	afterYearRe  = regexp.MustCompile(`\b(?:after|since|from)\s+(\d{4})\b`)
	beforeYearRe = regexp.MustCompile(`\bbefore\s+(\d{4})\b`)

	olderThanRe = regexp.MustCompile(`\bolder\s+than\s+(\d{1,3})\s+years?\b`)
	newerThanRe = regexp.MustCompile(`\b(?:newer\s+than|within\s+(?:the\s+)?last|in\s+the\s+past)\s+(\d{1,3})\s+years?\b`)
)

const starsNum = `(\d+(?:\.\d+)?)\s+stars\b`

type ratingRule struct {
	re    *regexp.Regexp
	apply func(c *Criteria, r float64)
}

// ratingRules run most specific first; the first matching phrase ends the chain
// so "more than 3 stars" is never re-read as an exact "3 stars".
var ratingRules = []ratingRule{
	{
		re: regexp.MustCompile(`\b(?:less\s+than|under|below|maximum|max)\s+` + starsNum),
		apply: func(c *Criteria, r float64) {
			c.MaxRating = &RatingBound{Value: r, Exclusive: true}
		},
	},
	{
		re: regexp.MustCompile(`\b(?:more\s+than|above|over)\s+` + starsNum),
		apply: func(c *Criteria, r float64) {
			c.MinRating = &RatingBound{Value: r, Exclusive: true}
		},
	},
	{
		re: regexp.MustCompile(`\b(?:at\s+least|minimum|min)\s+` + starsNum),
		apply: func(c *Criteria, r float64) {
			c.MinRating = &RatingBound{Value: r}
		},
	},
	{
		re: regexp.MustCompile(`\b(?:at\s+most|maximum\s+of|max\s+of)\s+` + starsNum),
		apply: func(c *Criteria, r float64) {
			c.MaxRating = &RatingBound{Value: r}
		},
	},
	{
		re: regexp.MustCompile(`\b(?:exactly\s+)?` + starsNum),
		apply: func(c *Criteria, r float64) {
			c.MinRating = &RatingBound{Value: r}
			c.MaxRating = &RatingBound{Value: r}
		},
	},
}

// Parse never fails: input that matches no phrase becomes a plain text query.
func Parse(raw string) Criteria {
	var c Criteria
	text := normalize(raw)

	if year, rest, ok := extractInt(afterYearRe, text); ok {
		c.AfterYear, text = &year, rest
	}
	if year, rest, ok := extractInt(beforeYearRe, text); ok {
		c.BeforeYear, text = &year, rest
	}

	if n, rest, ok := extractInt(olderThanRe, text); ok {
		c.OlderThanYears, text = &n, rest
	}
	if n, rest, ok := extractInt(newerThanRe, text); ok {
		c.NewerThanYears, text = &n, rest
	}

	text = extractRating(&c, text)

	if rest := collapse(text); len(rest) >= minTextLen {
		c.Text = rest
	}
	return c
}

func normalize(raw string) string {
	s := strings.ToLower(raw)
	s = thanTypos.ReplaceAllString(s, "than")
	s = starsTypos.ReplaceAllString(s, "stars")
	return collapse(s)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// extractInt finds the first match of re, returns its first group as an int
// and the text with the matched span cut out.
func extractInt(re *regexp.Regexp, text string) (int, string, bool) {
	loc := re.FindStringSubmatchIndex(text)
	if loc == nil {
		return 0, text, false
	}
	n, err := strconv.Atoi(text[loc[2]:loc[3]])
	if err != nil {
		return 0, text, false
	}
	return n, cut(text, loc[0], loc[1]), true
}

func extractRating(c *Criteria, text string) string {
	for _, rule := range ratingRules {
		loc := rule.re.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		r, err := strconv.ParseFloat(text[loc[2]:loc[3]], 64)
		if err != nil || r < models.MinStars || r > models.MaxStars {
			// out of range: keep the phrase as text, set nothing
			return text
		}
		rule.apply(c, r)
		return cut(text, loc[0], loc[1])
	}
	return text
}

func cut(s string, start, end int) string {
	return s[:start] + " " + s[end:]
}
