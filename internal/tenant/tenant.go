// Package tenant owns project namespace lifecycle.
//
// Each project maps 1:1 to an isolated set of tables in the shared SQLite
// database, named by a sanitized namespace identifier. This package is the
// only one that issues DDL; the lock store and relevance engine consume a
// resolved Handle and never create namespaces themselves.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memlockd/internal/sanitize"
	"github.com/fyrsmithlabs/memlockd/internal/storage"
)

var (
	// ErrInvalidProjectName indicates a project name that sanitizes to
	// nothing. This is a validation error, never silently defaulted.
	ErrInvalidProjectName = errors.New("invalid project name")

	// ErrProjectNotFound indicates the named project does not exist.
	ErrProjectNotFound = errors.New("project not found")
)

// Handle identifies a resolved tenant namespace.
//
// Schema is the sanitized identifier embedded in table names. It has passed
// the allow-list filter in sanitize.ProjectName, which is what makes the
// fmt.Sprintf table-name construction below injection-safe.
type Handle struct {
	// Name is the canonical project name (equal to Schema).
	Name string

	// Schema is the sanitized namespace identifier.
	Schema string
}

// LocksTable returns the context-lock table name for this namespace.
func (h Handle) LocksTable() string { return h.Schema + "_locks" }

// ArchiveTable returns the archived-lock table name for this namespace.
func (h Handle) ArchiveTable() string { return h.Schema + "_locks_archive" }

// AccessLogTable returns the audit log table name for this namespace.
func (h Handle) AccessLogTable() string { return h.Schema + "_access_log" }

// Stats summarizes a namespace.
type Stats struct {
	SessionCount int `json:"session_count"`
	ContextCount int `json:"context_count"`
}

// Project describes a registered project namespace.
type Project struct {
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	Stats       Stats     `json:"stats"`
}

// Manager owns namespace creation, lookup, stats and deletion.
type Manager struct {
	db     *storage.DB
	logger *zap.Logger
}

// NewManager creates a tenant manager. The projects registry table is
// created on first use via Ensure; callers should invoke Init once at
// startup.
func NewManager(db *storage.DB, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{db: db, logger: logger}
}

// Init creates the global registry tables. Idempotent.
func (m *Manager) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			name TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			credential_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			project_name TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			last_active_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_credential_idx
			ON sessions(credential_id, conversation_id, last_active_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating registry tables: %w", err)
		}
	}
	return nil
}

// Resolve sanitizes rawName into a stable namespace Handle.
//
// Resolve is pure: it does not touch storage and does not create anything.
func (m *Manager) Resolve(rawName string) (Handle, error) {
	schema, err := sanitize.ProjectName(rawName)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %q", ErrInvalidProjectName, rawName)
	}
	return Handle{Name: schema, Schema: schema}, nil
}

// Exists reports whether the namespace is already registered.
func (m *Manager) Exists(ctx context.Context, h Handle) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx,
		`SELECT 1 FROM projects WHERE name = ?`, h.Name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking project %s: %w", h.Name, err)
	}
	return true, nil
}

// Ensure idempotently creates the namespace's storage structures.
func (m *Manager) Ensure(ctx context.Context, h Handle, displayName string) error {
	if !sanitize.IsValid(h.Schema) {
		return fmt.Errorf("%w: schema %q", ErrInvalidProjectName, h.Schema)
	}
	if displayName == "" {
		displayName = h.Name
	}

	return m.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO projects (name, display_name, created_at_ms)
			 VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`,
			h.Name, displayName, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("registering project %s: %w", h.Name, err)
		}

		for _, stmt := range namespaceDDL(h) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("creating namespace tables for %s: %w", h.Name, err)
			}
		}
		return nil
	})
}

// namespaceDDL returns the per-namespace table definitions. h.Schema has
// passed the allow-list filter, so interpolation is safe here.
func namespaceDDL(h Handle) []string {
	lockColumns := `
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL,
		version_major INTEGER NOT NULL,
		version_minor INTEGER NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		preview TEXT NOT NULL,
		key_concepts TEXT NOT NULL DEFAULT '[]',
		priority TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		embedding TEXT NOT NULL DEFAULT '',
		locked_at_ms INTEGER NOT NULL,
		last_accessed_ms INTEGER NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0`

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s,
			UNIQUE(label, version_major, version_minor)
		);`, h.LocksTable(), lockColumns),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_label_idx
			ON %s(label, version_major DESC, version_minor DESC);`,
			h.LocksTable(), h.LocksTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s,
			archived_at_ms INTEGER NOT NULL
		);`, h.ArchiveTable(), lockColumns),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			version TEXT NOT NULL,
			op TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			at_ms INTEGER NOT NULL
		);`, h.AccessLogTable()),
	}
}

// Stats returns session and context counts for the namespace.
func (m *Manager) Stats(ctx context.Context, h Handle) (Stats, error) {
	exists, err := m.Exists(ctx, h)
	if err != nil {
		return Stats{}, err
	}
	if !exists {
		return Stats{}, fmt.Errorf("%w: %s", ErrProjectNotFound, h.Name)
	}

	var s Stats
	err = m.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sessions WHERE project_name = ?`, h.Name).Scan(&s.SessionCount)
	if err != nil {
		return Stats{}, fmt.Errorf("counting sessions for %s: %w", h.Name, err)
	}
	err = m.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s`, h.LocksTable())).Scan(&s.ContextCount)
	if err != nil {
		return Stats{}, fmt.Errorf("counting contexts for %s: %w", h.Name, err)
	}
	return s, nil
}

// List returns all registered projects with stats.
func (m *Manager) List(ctx context.Context) ([]Project, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT name, display_name, created_at_ms FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		var createdMs int64
		if err := rows.Scan(&p.Name, &p.DisplayName, &createdMs); err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		p.CreatedAt = time.UnixMilli(createdMs)
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating project rows: %w", err)
	}

	for i := range projects {
		h := Handle{Name: projects[i].Name, Schema: projects[i].Name}
		stats, err := m.Stats(ctx, h)
		if err != nil {
			return nil, err
		}
		projects[i].Stats = stats
	}
	return projects, nil
}

// Delete removes the namespace and everything in it: context locks, archive,
// audit log, registered sessions, and the registry row.
func (m *Manager) Delete(ctx context.Context, h Handle) error {
	exists, err := m.Exists(ctx, h)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, h.Name)
	}

	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{h.LocksTable(), h.ArchiveTable(), h.AccessLogTable()} {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
				return fmt.Errorf("dropping %s: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE project_name = ?`, h.Name); err != nil {
			return fmt.Errorf("deleting sessions for %s: %w", h.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, h.Name); err != nil {
			return fmt.Errorf("deleting project %s: %w", h.Name, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info("deleted project namespace", zap.String("project", h.Name))
	return nil
}
