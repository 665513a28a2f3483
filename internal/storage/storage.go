// Package storage owns the shared SQLite handle for memlockd.
//
// All tenant namespaces live in one database file. The pool is capped at a
// single connection: SQLite allows one writer at a time and a shared
// connection avoids writer lock contention between goroutines, while also
// serializing the read-increment-write sequences used for version assignment.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/memlockd/internal/config"
)

// ErrUnavailable indicates the backend could not be reached or opened.
var ErrUnavailable = errors.New("storage backend unavailable")

// DB wraps the shared database handle.
type DB struct {
	*sql.DB
}

// Open creates or opens the database at the configured path and applies
// connection pragmas. ":memory:" is supported for tests.
func Open(cfg config.DatabaseConfig) (*DB, error) {
	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("%w: create db dir: %v", ErrUnavailable, err)
			}
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite db: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA foreign_keys=ON;`,
		fmt.Sprintf(`PRAGMA busy_timeout=%d;`, cfg.BusyTimeout.Duration().Milliseconds()),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: applying pragma %q: %v", ErrUnavailable, p, err)
		}
	}

	return &DB{DB: db}, nil
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrUnavailable, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx: %v", ErrUnavailable, err)
	}
	return nil
}
