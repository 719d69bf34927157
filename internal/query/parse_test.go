package query

import (
	"testing"

	"movie-catalog/internal/models"
)

func TestParseRatingPriority(t *testing.T) {
	tests := []struct {
		in      string
		wantMin *RatingBound
		wantMax *RatingBound
	}{
		{"more than 3 stars", &RatingBound{3, true}, nil},
		{"above 4 stars", &RatingBound{4, true}, nil},
		{"less than 3 stars", nil, &RatingBound{3, true}},
		{"under 2.5 stars", nil, &RatingBound{2.5, true}},
		{"at least 3 stars", &RatingBound{3, false}, nil},
		{"min 4 stars", &RatingBound{4, false}, nil},
		{"at most 2 stars", nil, &RatingBound{2, false}},
		{"maximum of 4 stars", nil, &RatingBound{4, false}},
		{"3 stars", &RatingBound{3, false}, &RatingBound{3, false}},
		{"exactly 5 stars", &RatingBound{5, false}, &RatingBound{5, false}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c := Parse(tt.in)
			assertBound(t, "min", c.MinRating, tt.wantMin)
			assertBound(t, "max", c.MaxRating, tt.wantMax)
			if c.Text != "" {
				t.Errorf("phrase should be consumed, text = %q", c.Text)
			}
		})
	}
}

func TestParseNormalizesTypos(t *testing.T) {
	c := Parse("  Comedies   more THEN 4 star ")
	assertBound(t, "min", c.MinRating, &RatingBound{4, true})
	if c.Text != "comedies" {
		t.Fatalf("text = %q", c.Text)
	}
}

func TestParseOutOfRangeRatingStaysInText(t *testing.T) {
	c := Parse("more than 7 stars")
	if c.MinRating != nil || c.MaxRating != nil {
		t.Fatalf("out-of-range rating must set nothing: %+v", c)
	}
	if c.Text != "more than 7 stars" {
		t.Fatalf("text = %q", c.Text)
	}
}

func TestParseYears(t *testing.T) {
	c := Parse("space opera after 2010 before 2020")
	if c.AfterYear == nil || *c.AfterYear != 2010 {
		t.Fatalf("afterYear = %v", c.AfterYear)
	}
	if c.BeforeYear == nil || *c.BeforeYear != 2020 {
		t.Fatalf("beforeYear = %v", c.BeforeYear)
	}
	if c.Text != "space opera" {
		t.Fatalf("text = %q", c.Text)
	}

	c = Parse("older than 5 years")
	if c.OlderThanYears == nil || *c.OlderThanYears != 5 {
		t.Fatalf("olderThanYears = %v", c.OlderThanYears)
	}

	c = Parse("thrillers within the last 3 years")
	if c.NewerThanYears == nil || *c.NewerThanYears != 3 || c.Text != "thrillers" {
		t.Fatalf("unexpected criteria: %+v", c)
	}
}

func TestParseCombined(t *testing.T) {
	c := Parse("batman since 2005 at least 4 stars")
	if c.AfterYear == nil || *c.AfterYear != 2005 {
		t.Fatalf("afterYear = %v", c.AfterYear)
	}
	assertBound(t, "min", c.MinRating, &RatingBound{4, false})
	if c.Text != "batman" {
		t.Fatalf("text = %q", c.Text)
	}
}

func TestParseShortRemainderDropped(t *testing.T) {
	c := Parse("a 3 stars")
	if c.Text != "" {
		t.Fatalf("single-character remainder should be dropped, got %q", c.Text)
	}
	if !Parse("").IsEmpty() {
		t.Fatal("empty input should give empty criteria")
	}
}

func TestParsePlainTextUntouched(t *testing.T) {
	c := Parse("From Dusk Till Dawn")
	if c.AfterYear != nil || c.Text != "from dusk till dawn" {
		t.Fatalf("unexpected criteria: %+v", c)
	}
	if c.Type != models.MediaType("") {
		t.Fatalf("parser must not set type: %q", c.Type)
	}
}

func assertBound(t *testing.T, name string, got, want *RatingBound) {
	t.Helper()
	switch {
	case want == nil && got != nil:
		t.Errorf("%s = %+v, want unset", name, *got)
	case want != nil && got == nil:
		t.Errorf("%s unset, want %+v", name, *want)
	case want != nil && *got != *want:
		t.Errorf("%s = %+v, want %+v", name, *got, *want)
	}
}
