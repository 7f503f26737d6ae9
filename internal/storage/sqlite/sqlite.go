// Package sqlite implements the landing-job store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/treeline/internal/storage"
)

// busyTimeoutMs is how long a connection waits on SQLite's write lock
// before giving up. Claims and submissions hold the lock for milliseconds,
// so a generous timeout just absorbs bursts.
const busyTimeoutMs = 10000

// timeLayout is a fixed-width UTC format. Fixed width keeps lexicographic
// comparison in SQL equal to chronological order, which the claim query's
// created_at ordering and grace cutoff rely on.
const timeLayout = "2006-01-02 15:04:05.000000000"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by older versions carry no fractional seconds.
		t, err = time.Parse("2006-01-02 15:04:05", s)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

// SQLiteStorage implements storage.Storage on a single SQLite database.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

var _ storage.Storage = (*SQLiteStorage)(nil)

// New opens (creating if needed) the database at path, applies the schema
// and any pending migrations, and returns the store.
func New(ctx context.Context, path string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)&_time_format=sqlite", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStorage{db: db, path: path}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.path
}

// UnderlyingDB exposes the raw database handle for migrations tooling and
// tests.
func (s *SQLiteStorage) UnderlyingDB() *sql.DB {
	return s.db
}

// Healthy verifies the database answers queries.
func (s *SQLiteStorage) Healthy(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("database not responding: %w", err)
	}
	return nil
}

// sqliteTx is the Transaction implementation: every operation runs on the
// one pinned connection that holds the write lock.
type sqliteTx struct {
	conn *sql.Conn
}

var _ storage.Transaction = (*sqliteTx)(nil)

// RunInTransaction executes fn inside a BEGIN IMMEDIATE transaction on a
// pinned connection. IMMEDIATE acquires the write lock up front so the
// critical sections built on this (claims, submissions) serialise against
// each other instead of deadlocking mid-transaction.
func (s *SQLiteStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	if err := fn(&sqliteTx{conn: conn}); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}
