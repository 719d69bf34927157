// Command seed loads a JSON catalog file into Postgres:
//
//	seed -file movies.json
//
// The file is an array of {title, description, type, releaseDate (YYYY-MM-DD),
// coverUrl, cast: [{name, role}]}. Movies are keyed by title and release date,
// so re-running the same file updates rather than duplicates.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"movie-catalog/internal/config"
	"movie-catalog/internal/database"
	"movie-catalog/internal/models"
)

type seedMovie struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Type        string     `json:"type"`
	ReleaseDate string     `json:"releaseDate"`
	CoverURL    *string    `json:"coverUrl"`
	Cast        []seedCast `json:"cast"`
}

type seedCast struct {
	Name string  `json:"name"`
	Role *string `json:"role"`
}

func (s seedMovie) toSeed() (database.MovieSeed, error) {
	typ, err := models.ParseMediaType(s.Type)
	if err != nil {
		return database.MovieSeed{}, err
	}
	if typ == "" {
		typ = models.MediaMovie
	}
	released, err := time.Parse("2006-01-02", s.ReleaseDate)
	if err != nil {
		return database.MovieSeed{}, fmt.Errorf("releaseDate %q: %w", s.ReleaseDate, err)
	}
	out := database.MovieSeed{
		Title:       s.Title,
		Description: s.Description,
		Type:        typ,
		ReleaseDate: released,
		CoverURL:    s.CoverURL,
	}
	for _, c := range s.Cast {
		out.Cast = append(out.Cast, database.CastSeed{Name: c.Name, Role: c.Role})
	}
	return out, nil
}

func main() {
	file := flag.String("file", "movies.json", "path to the JSON catalog file")
	flag.Parse()

	log := slog.Default().With("component", "seed")
	cfg := config.Load()

	raw, err := os.ReadFile(*file)
	if err != nil {
		log.Error("read seed file failed", "file", *file, "error", err)
		os.Exit(1)
	}
	var movies []seedMovie
	if err := json.Unmarshal(raw, &movies); err != nil {
		log.Error("parse seed file failed", "file", *file, "error", err)
		os.Exit(1)
	}

	db, err := database.Connect(cfg.PostgresDSN)
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer db.Conn.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		log.Error("migration failed", "error", err)
		os.Exit(1)
	}

	var loaded, skipped int
	for i, m := range movies {
		seed, err := m.toSeed()
		if err != nil {
			log.Warn("skipping invalid entry", "index", i, "title", m.Title, "error", err)
			skipped++
			continue
		}
		if _, err := db.UpsertMovieWithCast(ctx, seed); err != nil {
			log.Error("upsert failed", "title", m.Title, "error", err)
			skipped++
			continue
		}
		loaded++
	}

	log.Info("seed complete", "loaded", loaded, "skipped", skipped)
	if skipped > 0 {
		os.Exit(2)
	}
}
