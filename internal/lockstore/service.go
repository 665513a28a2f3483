// Package lockstore implements the versioned context-lock store.
//
// Records are immutable once written: an update supersedes with a new
// version, a recall only bumps access bookkeeping, and an unlock archives
// rather than hard-deletes. Version assignment happens inside a transaction
// on the single-writer connection, so two concurrent locks of the same label
// can never be assigned the same version.
package lockstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memlockd/internal/embeddings"
	"github.com/fyrsmithlabs/memlockd/internal/storage"
	"github.com/fyrsmithlabs/memlockd/internal/tenant"
	"github.com/fyrsmithlabs/memlockd/internal/workingset"
)

const instrumentationName = "github.com/fyrsmithlabs/memlockd/internal/lockstore"

// Service provides CRUD over versioned context records within a tenant
// namespace.
type Service struct {
	db     *storage.DB
	oracle embeddings.Oracle
	cache  *workingset.Cache
	logger *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	lockCounter   metric.Int64Counter
	recallCounter metric.Int64Counter
}

// NewService creates a lock store. oracle may be nil (embeddings disabled);
// cache may be nil (no working set).
func NewService(db *storage.DB, oracle embeddings.Oracle, cache *workingset.Cache, logger *zap.Logger) (*Service, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     db,
		oracle: oracle,
		cache:  cache,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	var err error

	s.lockCounter, err = s.meter.Int64Counter(
		"memlockd.lockstore.locks_total",
		metric.WithDescription("Total context lock writes"),
		metric.WithUnit("{lock}"),
	)
	if err != nil {
		s.logger.Warn("failed to create lock counter", zap.Error(err))
	}

	s.recallCounter, err = s.meter.Int64Counter(
		"memlockd.lockstore.recalls_total",
		metric.WithDescription("Total context recalls"),
		metric.WithUnit("{recall}"),
	)
	if err != nil {
		s.logger.Warn("failed to create recall counter", zap.Error(err))
	}
}

// Lock persists a new versioned context record.
//
// Duplicate content for the same label is not an error: it simply creates
// the next version. The embedding step runs best-effort against the preview
// text only; its failure is reported in the result, never as an error.
func (s *Service) Lock(ctx context.Context, req *LockRequest) (*LockResult, error) {
	ctx, span := s.tracer.Start(ctx, "lockstore.Lock",
		trace.WithAttributes(attribute.String("tenant", req.Tenant.Name)))
	defer span.End()

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = ClassifyPriority(req.Content)
	} else if !ValidPriority(priority) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}

	hash := sha256.Sum256([]byte(req.Content))
	contentHash := hex.EncodeToString(hash[:])
	preview := MakePreview(req.Content, PreviewLimit)
	concepts := ExtractConcepts(req.Content)

	vector, embedStatus := s.embedPreview(ctx, preview)

	now := time.Now()
	var version Version
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		version, err = nextVersion(ctx, tx, req.Tenant, req.Label)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, session_id, label, version_major, version_minor,
				content, content_hash, preview, key_concepts, priority, tags,
				embedding, locked_at_ms, last_accessed_ms, access_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			req.Tenant.LocksTable()),
			uuid.NewString(), req.SessionID, req.Label, version.Major, version.Minor,
			req.Content, contentHash, preview, marshalJSON(concepts), string(priority),
			marshalJSON(req.Tags), marshalVector(vector), now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("inserting lock %s@%s: %w", req.Label, version, err)
		}

		return appendAudit(ctx, tx, req.Tenant, req.Label, version.String(), "lock", req.SessionID)
	})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Put(req.Tenant.Schema, req.Label, version.String(), req.Content)
	}
	if s.lockCounter != nil {
		s.lockCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("priority", string(priority))))
	}
	s.logger.Debug("context locked",
		zap.String("tenant", req.Tenant.Name),
		zap.String("label", req.Label),
		zap.String("version", version.String()),
		zap.String("embedding", string(embedStatus)))

	return &LockResult{
		Label:           req.Label,
		Version:         version,
		Priority:        priority,
		ContentHash:     contentHash,
		KeyConcepts:     concepts,
		EmbeddingStatus: embedStatus,
	}, nil
}

// Update supersedes the current version of a label. It is a Lock by another
// name; prior versions are never mutated in place.
func (s *Service) Update(ctx context.Context, req *LockRequest) (*LockResult, error) {
	return s.Lock(ctx, req)
}

// Recall fetches a context's content by label, defaulting to the latest
// version, and bumps its access bookkeeping.
func (s *Service) Recall(ctx context.Context, h tenant.Handle, label string, version Version) (*Lock, error) {
	ctx, span := s.tracer.Start(ctx, "lockstore.Recall",
		trace.WithAttributes(attribute.String("tenant", h.Name), attribute.String("label", label)))
	defer span.End()

	if label == "" {
		return nil, ErrEmptyLabel
	}

	lock, err := s.fetch(ctx, h, label, version)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET access_count = access_count + 1, last_accessed_ms = ? WHERE id = ?`,
			h.LocksTable()), now.UnixMilli(), lock.ID)
		if err != nil {
			return fmt.Errorf("bumping access for %s: %w", lock.ID, err)
		}
		return appendAudit(ctx, tx, h, label, lock.Version.String(), "recall", lock.SessionID)
	})
	if err != nil {
		return nil, err
	}
	lock.AccessCount++
	lock.LastAccessed = now

	if s.cache != nil {
		s.cache.Put(h.Schema, label, lock.Version.String(), lock.Content)
	}
	if s.recallCounter != nil {
		s.recallCounter.Add(ctx, 1)
	}
	return lock, nil
}

// Unlock archives matching versions of a label and returns how many were
// removed. Removing an always_check record requires confirm=true so that a
// stray call cannot drop a load-bearing rule.
func (s *Service) Unlock(ctx context.Context, h tenant.Handle, label string, version Version, confirm bool) (int, error) {
	ctx, span := s.tracer.Start(ctx, "lockstore.Unlock",
		trace.WithAttributes(attribute.String("tenant", h.Name), attribute.String("label", label)))
	defer span.End()

	if label == "" {
		return 0, ErrEmptyLabel
	}

	where := `label = ?`
	args := []any{label}
	if !version.IsZero() {
		where += ` AND version_major = ? AND version_minor = ?`
		args = append(args, version.Major, version.Minor)
	}

	// The guard runs inside the delete transaction: a lock committed between
	// a separate check and the delete could otherwise slip past the
	// confirmation requirement or skew the count.
	var count int
	now := time.Now().UnixMilli()
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var hasAlwaysCheck bool
		err := tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT count(*), coalesce(max(priority = ?), 0) FROM %s WHERE %s`,
			h.LocksTable(), where), append([]any{string(PriorityAlwaysCheck)}, args...)...).
			Scan(&count, &hasAlwaysCheck)
		if err != nil {
			return fmt.Errorf("checking unlock targets for %s: %w", label, err)
		}
		if count == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, label)
		}
		if hasAlwaysCheck && !confirm {
			return fmt.Errorf("%w: label %s", ErrConfirmationRequired, label)
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s SELECT *, ? AS archived_at_ms FROM %s WHERE %s`,
			h.ArchiveTable(), h.LocksTable(), where), append([]any{now}, args...)...); err != nil {
			return fmt.Errorf("archiving %s: %w", label, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE %s`, h.LocksTable(), where), args...); err != nil {
			return fmt.Errorf("deleting %s: %w", label, err)
		}
		versionStr := "all"
		if !version.IsZero() {
			versionStr = version.String()
		}
		return appendAudit(ctx, tx, h, label, versionStr, "unlock", "")
	})
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		s.cache.RemoveLabel(h.Schema, label)
	}
	s.logger.Info("context unlocked",
		zap.String("tenant", h.Name),
		zap.String("label", label),
		zap.Int("versions_removed", count))
	return count, nil
}

// ListFlat returns label+version+priority for every stored version.
func (s *Service) ListFlat(ctx context.Context, h tenant.Handle) ([]ListEntry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT label, version_major, version_minor, priority FROM %s
		ORDER BY label, version_major DESC, version_minor DESC`, h.LocksTable()))
	if err != nil {
		return nil, fmt.Errorf("listing contexts for %s: %w", h.Name, err)
	}
	defer rows.Close()

	var entries []ListEntry
	for rows.Next() {
		var e ListEntry
		var v Version
		if err := rows.Scan(&e.Label, &v.Major, &v.Minor, &e.Priority); err != nil {
			return nil, fmt.Errorf("scanning list row: %w", err)
		}
		e.Version = v.String()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListGrouped returns the latest version per label bucketed by priority with
// previews. The listing is capped at DefaultListCap unless expand is set.
func (s *Service) ListGrouped(ctx context.Context, h tenant.Handle, expand bool) (*GroupedList, error) {
	limit := DefaultListCap + 1
	if expand {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT l.label, l.version_major, l.version_minor, l.preview, l.key_concepts, l.priority
		FROM %[1]s l
		JOIN (
			SELECT label, max(version_major * 1000000 + version_minor) AS vord
			FROM %[1]s GROUP BY label
		) latest ON latest.label = l.label
			AND latest.vord = l.version_major * 1000000 + l.version_minor
		ORDER BY l.last_accessed_ms DESC
		LIMIT ?`, h.LocksTable()), limit)
	if err != nil {
		return nil, fmt.Errorf("listing grouped contexts for %s: %w", h.Name, err)
	}
	defer rows.Close()

	out := &GroupedList{}
	n := 0
	for rows.Next() {
		if !expand && n == DefaultListCap {
			out.Truncated = true
			break
		}
		var e GroupedEntry
		var v Version
		var conceptsRaw string
		var priority Priority
		if err := rows.Scan(&e.Label, &v.Major, &v.Minor, &e.Preview, &conceptsRaw, &priority); err != nil {
			return nil, fmt.Errorf("scanning grouped row: %w", err)
		}
		e.Version = v.String()
		e.KeyConcepts = unmarshalStrings(conceptsRaw)

		switch priority {
		case PriorityAlwaysCheck:
			out.AlwaysCheck = append(out.AlwaysCheck, e)
		case PriorityImportant:
			out.Important = append(out.Important, e)
		default:
			out.Reference = append(out.Reference, e)
		}
		n++
	}
	return out, rows.Err()
}

// fetch retrieves one lock row. When version is zero it takes the latest.
func (s *Service) fetch(ctx context.Context, h tenant.Handle, label string, version Version) (*Lock, error) {
	query := fmt.Sprintf(`
		SELECT id, session_id, label, version_major, version_minor, content,
			content_hash, preview, key_concepts, priority, tags, embedding,
			locked_at_ms, last_accessed_ms, access_count
		FROM %s WHERE label = ?`, h.LocksTable())
	args := []any{label}
	if !version.IsZero() {
		query += ` AND version_major = ? AND version_minor = ?`
		args = append(args, version.Major, version.Minor)
	}
	query += ` ORDER BY version_major DESC, version_minor DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	lock, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		if version.IsZero() {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, label)
		}
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, label, version)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", label, err)
	}
	return lock, nil
}

// embedPreview requests a vector for the preview text best-effort.
func (s *Service) embedPreview(ctx context.Context, preview string) ([]float32, EmbeddingStatus) {
	if s.oracle == nil {
		return nil, EmbeddingSkipped
	}
	vector, err := s.oracle.EmbedQuery(ctx, preview)
	if err != nil {
		s.logger.Warn("embedding oracle degraded, storing lock without vector", zap.Error(err))
		return nil, EmbeddingFailed
	}
	return vector, EmbeddingStored
}

// nextVersion computes the next version for (tenant, label) inside the
// caller's transaction. Uniqueness of (tenant, label, version) requires the
// counter to be scoped to the tenant, not to the writing session.
func nextVersion(ctx context.Context, tx *sql.Tx, h tenant.Handle, label string) (Version, error) {
	var maj, min sql.NullInt64
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT version_major, version_minor FROM %s WHERE label = ?
		ORDER BY version_major DESC, version_minor DESC LIMIT 1`, h.LocksTable()),
		label).Scan(&maj, &min)
	if errors.Is(err, sql.ErrNoRows) {
		return Initial, nil
	}
	if err != nil {
		return Version{}, fmt.Errorf("querying current version for %s: %w", label, err)
	}
	return Version{Major: int(maj.Int64), Minor: int(min.Int64)}.Next(), nil
}

func appendAudit(ctx context.Context, tx *sql.Tx, h tenant.Handle, label, version, op, sessionID string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, label, version, op, session_id, at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`, h.AccessLogTable()),
		uuid.NewString(), label, version, op, sessionID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("appending audit row for %s: %w", label, err)
	}
	return nil
}

func validateRequest(req *LockRequest) error {
	if req.Label == "" {
		return ErrEmptyLabel
	}
	if req.Content == "" {
		return ErrEmptyContent
	}
	if len(req.Content) > MaxContentSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrContentTooLarge, len(req.Content), MaxContentSize)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLock(row rowScanner) (*Lock, error) {
	var l Lock
	var lockedMs, accessedMs int64
	var conceptsRaw, tagsRaw, embeddingRaw string
	err := row.Scan(&l.ID, &l.SessionID, &l.Label, &l.Version.Major, &l.Version.Minor,
		&l.Content, &l.ContentHash, &l.Preview, &conceptsRaw, &l.Priority, &tagsRaw,
		&embeddingRaw, &lockedMs, &accessedMs, &l.AccessCount)
	if err != nil {
		return nil, err
	}
	l.VersionStr = l.Version.String()
	l.KeyConcepts = unmarshalStrings(conceptsRaw)
	l.Tags = unmarshalStrings(tagsRaw)
	l.Embedding = unmarshalVector(embeddingRaw)
	l.LockedAt = time.UnixMilli(lockedMs)
	l.LastAccessed = time.UnixMilli(accessedMs)
	return &l, nil
}

func marshalJSON(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func marshalVector(v []float32) string {
	if len(v) == 0 {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalVector(raw string) []float32 {
	if raw == "" {
		return nil
	}
	var out []float32
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
