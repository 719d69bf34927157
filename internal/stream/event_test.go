package stream

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeReturnsConcreteVariant(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []Event{
		RatingCreated{MovieID: 7, RatingID: 1, Stars: 5, At: at},
		RatingUpdated{MovieID: 7, RatingID: 1, Stars: 2, PreviousStars: 5, At: at},
		RatingDeleted{MovieID: 7, RatingID: 1, Stars: 2, At: at},
	}

	for _, want := range events {
		values, err := Encode(want)
		if err != nil {
			t.Fatalf("encode %T: %v", want, err)
		}
		if values["movieId"] != "7" {
			t.Fatalf("movieId field = %v", values["movieId"])
		}
		got, err := Decode(values)
		if err != nil {
			t.Fatalf("decode %T: %v", want, err)
		}
		if got != want {
			t.Fatalf("decoded %#v, want %#v", got, want)
		}
	}
}

func TestDecodeRejectsUnknownEntries(t *testing.T) {
	cases := map[string]map[string]any{
		"future version":  {"v": "2", "op": "create", "payload": `{"movieId":1}`},
		"missing version": {"op": "create", "payload": `{"movieId":1}`},
		"unknown op":      {"v": "1", "op": "upsert", "payload": `{"movieId":1}`},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(values); !errors.Is(err, ErrUnknownEvent) {
				t.Fatalf("err = %v, want ErrUnknownEvent", err)
			}
		})
	}
}

func TestDecodeRejectsBrokenPayload(t *testing.T) {
	if _, err := Decode(map[string]any{"v": "1", "op": "create", "payload": "{not json"}); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
	if _, err := Decode(map[string]any{"v": "1", "op": "delete", "payload": `{"stars":3}`}); err == nil {
		t.Fatalf("expected error for payload without movieId")
	}
}
