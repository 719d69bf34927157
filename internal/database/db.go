package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	"github.com/lib/pq"
)

// Operation timeouts.
// These cap how long a single DB call can hold a connection / wait on a lock.
// They are tighter than the HTTP WriteTimeout so the handler can return a
// clean 500 before the client's TCP connection times out.
const (
	readTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
	batchTimeout = 30 * time.Second // bulk-sync pages and seeding
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("database: not found")
	// ErrDuplicateRating is returned when (movie_id, source_id) is already taken.
	ErrDuplicateRating = errors.New("database: duplicate rating for source")
)

//go:embed migrations/*.sql
var migrations embed.FS

type DB struct {
	Conn *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Connect opens and verifies a Postgres connection.
func Connect(connStr string) (*DB, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}
	slog.Info("postgres connected")
	return &DB{Conn: conn}, nil
}

// Migrate applies the embedded schema files in lexical order. Every statement
// is written with IF NOT EXISTS so re-running on an up-to-date schema is a no-op.
func (db *DB) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, name := range files {
		payload, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("database: read %s: %w", name, err)
		}
		if _, err := db.Conn.ExecContext(ctx, string(payload)); err != nil {
			return fmt.Errorf("database: apply %s: %w", name, err)
		}
		slog.Info("migration applied", "file", name)
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	return db.Conn.PingContext(ctx)
}

// withTx runs fn inside a transaction. The deferred Rollback is a no-op after
// a successful Commit.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
