// Package store persists share links, download history and media job records in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	// SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/koalacloud/koalacloud/internal/store/migrations"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// gooseMu serializes migrations because goose keeps its base FS and dialect in
// package-level state.
//
//nolint:gochecknoglobals // sync primitive guarding goose globals
var gooseMu sync.Mutex

// Store bundles the repositories backed by a single database handle.
type Store struct {
	db *sql.DB

	Shares    *ShareRepository
	History   *HistoryRepository
	MediaJobs *MediaJobRepository
}

// Open opens a database connection, applies SQLite settings and runs migrations.
// driver is the database/sql driver name ("sqlite" for modernc, "sqlite3" for mattn).
// For SQLite, the DSN should be a path to the database file.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes statements, so each single-statement mutation is atomic
	// with respect to the others.
	db.SetMaxOpenConns(1)

	if err = configureSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err = Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return New(db), nil
}

// OpenSQLite is a convenience function for opening a SQLite database with the
// pure-Go driver.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	return Open(ctx, "sqlite", path)
}

// New wraps an already migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{
		db:        db,
		Shares:    &ShareRepository{db: db},
		History:   &HistoryRepository{db: db},
		MediaJobs: &MediaJobRepository{db: db},
	}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// configureSQLite applies SQLite-specific PRAGMA settings.
func configureSQLite(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
