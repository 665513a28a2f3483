package lockstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/memlockd/internal/tenant"
)

// Meta is the cheap stage-1 projection of a lock: everything the relevance
// engine's pre-filter needs, and nothing that requires loading content.
type Meta struct {
	Label        string
	Version      Version
	Preview      string
	KeyConcepts  []string
	Priority     Priority
	LastAccessed time.Time
}

// Metadata returns stage-1 rows for the latest version of every label in
// the tenant. Content is never loaded here.
func (s *Service) Metadata(ctx context.Context, h tenant.Handle) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT l.label, l.version_major, l.version_minor, l.preview,
			l.key_concepts, l.priority, l.last_accessed_ms
		FROM %[1]s l
		JOIN (
			SELECT label, max(version_major * 1000000 + version_minor) AS vord
			FROM %[1]s GROUP BY label
		) latest ON latest.label = l.label
			AND latest.vord = l.version_major * 1000000 + l.version_minor`,
		h.LocksTable()))
	if err != nil {
		return nil, fmt.Errorf("loading metadata for %s: %w", h.Name, err)
	}
	defer rows.Close()

	var metas []Meta
	for rows.Next() {
		var m Meta
		var conceptsRaw string
		var accessedMs int64
		if err := rows.Scan(&m.Label, &m.Version.Major, &m.Version.Minor,
			&m.Preview, &conceptsRaw, &m.Priority, &accessedMs); err != nil {
			return nil, fmt.Errorf("scanning metadata row: %w", err)
		}
		m.KeyConcepts = unmarshalStrings(conceptsRaw)
		m.LastAccessed = time.UnixMilli(accessedMs)
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// Deep returns full content and the stored embedding for one lock version.
// When the working set already holds the content, only the embedding column
// is read from storage.
func (s *Service) Deep(ctx context.Context, h tenant.Handle, label string, version Version) (string, []float32, error) {
	if s.cache != nil {
		if content, ok := s.cache.Get(h.Schema, label, version.String()); ok {
			embedding, err := s.embeddingOnly(ctx, h, label, version)
			if err != nil {
				return "", nil, err
			}
			return content, embedding, nil
		}
	}

	var content, embeddingRaw string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT content, embedding FROM %s
		WHERE label = ? AND version_major = ? AND version_minor = ?`,
		h.LocksTable()), label, version.Major, version.Minor).
		Scan(&content, &embeddingRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, fmt.Errorf("%w: %s@%s", ErrNotFound, label, version)
	}
	if err != nil {
		return "", nil, fmt.Errorf("deep fetch of %s@%s: %w", label, version, err)
	}

	if s.cache != nil {
		s.cache.Put(h.Schema, label, version.String(), content)
	}
	return content, unmarshalVector(embeddingRaw), nil
}

func (s *Service) embeddingOnly(ctx context.Context, h tenant.Handle, label string, version Version) ([]float32, error) {
	var embeddingRaw string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT embedding FROM %s
		WHERE label = ? AND version_major = ? AND version_minor = ?`,
		h.LocksTable()), label, version.Major, version.Minor).Scan(&embeddingRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, label, version)
	}
	if err != nil {
		return nil, fmt.Errorf("embedding fetch of %s@%s: %w", label, version, err)
	}
	return unmarshalVector(embeddingRaw), nil
}
