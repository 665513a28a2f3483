// Package session resolves caller credentials to an active project session.
//
// A session moves through three states: PendingProjectSelection after first
// contact, Active once a project is selected, and Expired after the idle
// timeout. The durable sessions table is the source of truth; the injected
// credential cache only accelerates resume and is repaired whenever it
// disagrees with storage.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memlockd/internal/config"
	"github.com/fyrsmithlabs/memlockd/internal/projcache"
	"github.com/fyrsmithlabs/memlockd/internal/storage"
	"github.com/fyrsmithlabs/memlockd/internal/tenant"
)

// State is the lifecycle phase of a session.
type State string

const (
	// StatePending means the session exists but no project is selected yet.
	StatePending State = "pending_project_selection"
	// StateActive means the session is bound to a project.
	StateActive State = "active"
	// StateExpired means the idle timeout elapsed since last activity.
	StateExpired State = "expired"
)

// pendingProject is the sentinel stored while no project is selected.
const pendingProject = "__PENDING__"

var (
	// ErrProjectSelectionRequired blocks tenant-scoped operations until a
	// project is chosen. The text names the fix so callers can self-serve.
	ErrProjectSelectionRequired = errors.New(
		"no project selected for this session: call select_project with a project name first")

	// ErrSessionNotFound indicates an unknown session ID.
	ErrSessionNotFound = errors.New("session not found")
)

// Session is a resolved caller identity.
type Session struct {
	ID             string    `json:"session_id"`
	CredentialID   string    `json:"-"`
	ConversationID string    `json:"-"`
	State          State     `json:"state"`
	Project        string    `json:"project,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
	IdleDeadline   time.Time `json:"idle_deadline"`
}

// Resolver maps credentials to sessions and owns project selection.
type Resolver struct {
	db      *storage.DB
	tenants *tenant.Manager
	cache   *projcache.Cache
	cfg     config.SessionConfig
	logger  *zap.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewResolver creates a session resolver. cache may be nil, in which case
// resume always takes the durable path.
func NewResolver(db *storage.DB, tenants *tenant.Manager, cache *projcache.Cache, cfg config.SessionConfig, logger *zap.Logger) (*Resolver, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if tenants == nil {
		return nil, errors.New("tenant manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		db:      db,
		tenants: tenants,
		cache:   cache,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Resolve returns the live session for the credential, creating one when
// none exists or the previous one expired. conversationID is the explicit
// per-conversation identity signal; when it is empty the lookup falls back
// to the credential alone, which means two concurrent conversations under
// one credential would share a session and cross-contaminate each other's
// project selection. Callers should pass a conversation ID whenever the
// transport provides one.
func (r *Resolver) Resolve(ctx context.Context, credentialID, conversationID string) (*Session, error) {
	if credentialID == "" {
		return nil, errors.New("credential ID is required")
	}

	now := r.now()
	existing, err := r.lookup(ctx, credentialID, conversationID)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if now.Sub(existing.LastActiveAt) <= r.cfg.IdleTimeout.Duration() {
			if err := r.touch(ctx, existing.ID, now); err != nil {
				return nil, err
			}
			existing.LastActiveAt = now
			existing.IdleDeadline = now.Add(r.cfg.IdleTimeout.Duration())
			return existing, nil
		}
		r.logger.Debug("session expired, creating replacement",
			zap.String("session_id", existing.ID),
			zap.Time("last_active", existing.LastActiveAt))
	}

	return r.create(ctx, credentialID, conversationID, now)
}

// create starts a fresh session, resuming the credential's last project when
// one is known and still registered.
func (r *Resolver) create(ctx context.Context, credentialID, conversationID string, now time.Time) (*Session, error) {
	project := r.resumeProject(ctx, credentialID, now)

	s := &Session{
		ID:             uuid.NewString(),
		CredentialID:   credentialID,
		ConversationID: conversationID,
		State:          StatePending,
		CreatedAt:      now,
		LastActiveAt:   now,
		IdleDeadline:   now.Add(r.cfg.IdleTimeout.Duration()),
	}
	stored := pendingProject
	if project != "" {
		s.State = StateActive
		s.Project = project
		stored = project
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, credential_id, conversation_id,
			project_name, created_at_ms, last_active_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, credentialID, conversationID, stored, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	if project != "" {
		r.logger.Info("resumed session with last project",
			zap.String("session_id", s.ID), zap.String("project", project))
	}
	return s, nil
}

// resumeProject picks the project a new session should resume into. The
// durable record wins over the cache; a cache entry that disagrees with
// storage is repaired in place. Projects that no longer exist are skipped.
func (r *Resolver) resumeProject(ctx context.Context, credentialID string, now time.Time) string {
	project := ""
	if r.cache != nil {
		if p, ok := r.cache.Get(credentialID); ok {
			project = p
		}
	}

	cutoff := now.Add(-r.cfg.ResumeTTL.Duration()).UnixMilli()
	var durable string
	err := r.db.QueryRowContext(ctx,
		`SELECT project_name FROM sessions
		 WHERE credential_id = ? AND project_name != ? AND last_active_at_ms >= ?
		 ORDER BY last_active_at_ms DESC LIMIT 1`,
		credentialID, pendingProject, cutoff).Scan(&durable)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		r.logger.Warn("resume lookup failed, starting pending", zap.Error(err))
		return ""
	default:
		if durable != project && r.cache != nil {
			r.cache.Put(credentialID, durable)
		}
		project = durable
	}

	if project == "" {
		return ""
	}
	h, err := r.tenants.Resolve(project)
	if err != nil {
		return ""
	}
	exists, err := r.tenants.Exists(ctx, h)
	if err != nil || !exists {
		if r.cache != nil {
			r.cache.Forget(credentialID)
		}
		return ""
	}
	return h.Name
}

// SelectProject binds the session to a project, creating the namespace if
// needed. The durable row is updated before the cache: a crash between the
// two leaves the cache stale-behind, which the next resolve repairs from
// storage.
func (r *Resolver) SelectProject(ctx context.Context, s *Session, rawName string) (tenant.Handle, error) {
	h, err := r.tenants.Resolve(rawName)
	if err != nil {
		return tenant.Handle{}, err
	}
	if err := r.tenants.Ensure(ctx, h, rawName); err != nil {
		return tenant.Handle{}, err
	}

	if err := r.bindDurable(ctx, s.ID, h.Name); err != nil {
		return tenant.Handle{}, err
	}
	if r.cache != nil {
		r.cache.Put(s.CredentialID, h.Name)
	}

	s.State = StateActive
	s.Project = h.Name
	r.logger.Info("project selected",
		zap.String("session_id", s.ID), zap.String("project", h.Name))
	return h, nil
}

// bindDurable is the durable half of SelectProject.
func (r *Resolver) bindDurable(ctx context.Context, sessionID, project string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET project_name = ?, last_active_at_ms = ?
		 WHERE session_id = ?`,
		project, r.now().UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("binding session to project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("binding session to project: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// Handle returns the tenant handle for an active session, or
// ErrProjectSelectionRequired while pending.
func (r *Resolver) Handle(s *Session) (tenant.Handle, error) {
	if s.State != StateActive || s.Project == "" {
		return tenant.Handle{}, ErrProjectSelectionRequired
	}
	return r.tenants.Resolve(s.Project)
}

// Status returns the stored session by ID with its computed state.
func (r *Resolver) Status(ctx context.Context, sessionID string) (*Session, error) {
	s, err := r.scanSession(r.db.QueryRowContext(ctx,
		`SELECT session_id, credential_id, conversation_id, project_name,
			created_at_ms, last_active_at_ms
		 FROM sessions WHERE session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, err
}

// lookup finds the most recent session row for the credential. With a
// conversation ID the match is exact; without one any of the credential's
// sessions can match.
func (r *Resolver) lookup(ctx context.Context, credentialID, conversationID string) (*Session, error) {
	query := `SELECT session_id, credential_id, conversation_id, project_name,
			created_at_ms, last_active_at_ms
		FROM sessions WHERE credential_id = ?`
	args := []any{credentialID}
	if conversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY last_active_at_ms DESC LIMIT 1`

	s, err := r.scanSession(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *Resolver) scanSession(row *sql.Row) (*Session, error) {
	var s Session
	var project string
	var createdMs, activeMs int64
	err := row.Scan(&s.ID, &s.CredentialID, &s.ConversationID, &project,
		&createdMs, &activeMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning session row: %w", err)
	}

	s.CreatedAt = time.UnixMilli(createdMs)
	s.LastActiveAt = time.UnixMilli(activeMs)
	s.IdleDeadline = s.LastActiveAt.Add(r.cfg.IdleTimeout.Duration())

	switch {
	case r.now().Sub(s.LastActiveAt) > r.cfg.IdleTimeout.Duration():
		s.State = StateExpired
	case project == pendingProject:
		s.State = StatePending
	default:
		s.State = StateActive
		s.Project = project
	}
	return &s, nil
}

func (r *Resolver) touch(ctx context.Context, sessionID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_active_at_ms = ? WHERE session_id = ?`,
		now.UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("touching session %s: %w", sessionID, err)
	}
	return nil
}
