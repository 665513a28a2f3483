package lockstore

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/memlockd/internal/tenant"
)

// Limits on stored content.
const (
	// MaxContentSize bounds lock content, enforced before any write.
	MaxContentSize = 50 * 1024

	// PreviewLimit bounds the derived preview text.
	PreviewLimit = 500

	// DefaultListCap bounds grouped listings unless the caller overrides.
	DefaultListCap = 50
)

var (
	// ErrNotFound indicates the label or version is absent in the tenant.
	ErrNotFound = errors.New("context not found")

	// ErrEmptyLabel indicates a missing label.
	ErrEmptyLabel = errors.New("label is required")

	// ErrEmptyContent indicates missing content.
	ErrEmptyContent = errors.New("content is required")

	// ErrContentTooLarge indicates content above MaxContentSize.
	ErrContentTooLarge = errors.New("content exceeds size limit")

	// ErrInvalidPriority indicates an unknown explicit priority value.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrConfirmationRequired indicates an unlock of an always_check record
	// without the explicit confirmation flag.
	ErrConfirmationRequired = errors.New("unlocking an always_check context requires confirmation")
)

// EmbeddingStatus annotates whether the best-effort embedding step of a
// write succeeded. Writes never hide a missing embedding behind a bare
// success envelope.
type EmbeddingStatus string

const (
	// EmbeddingStored means the oracle returned a vector and it was persisted.
	EmbeddingStored EmbeddingStatus = "stored"
	// EmbeddingSkipped means no oracle is configured.
	EmbeddingSkipped EmbeddingStatus = "skipped"
	// EmbeddingFailed means the oracle errored; the lock persisted without
	// a vector and the failure was logged.
	EmbeddingFailed EmbeddingStatus = "failed"
)

// Lock is one versioned, immutable-once-written context record.
type Lock struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id,omitempty"`
	Label        string    `json:"label"`
	Version      Version   `json:"-"`
	VersionStr   string    `json:"version"`
	Content      string    `json:"content,omitempty"`
	ContentHash  string    `json:"content_hash"`
	Preview      string    `json:"preview"`
	KeyConcepts  []string  `json:"key_concepts"`
	Priority     Priority  `json:"priority"`
	Tags         []string  `json:"tags,omitempty"`
	Embedding    []float32 `json:"-"`
	LockedAt     time.Time `json:"locked_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int       `json:"access_count"`
}

// LockRequest carries parameters for Lock and Update.
type LockRequest struct {
	Tenant    tenant.Handle
	SessionID string
	Label     string
	Content   string
	Tags      []string

	// Priority is optional; when empty the classifier derives it from
	// content trigger terms.
	Priority Priority
}

// LockResult reports the persisted version plus the embedding outcome.
type LockResult struct {
	Label           string
	Version         Version
	Priority        Priority
	ContentHash     string
	KeyConcepts     []string
	EmbeddingStatus EmbeddingStatus
}

// ListEntry is a cheap flat listing row.
type ListEntry struct {
	Label    string   `json:"label"`
	Version  string   `json:"version"`
	Priority Priority `json:"priority"`
}

// GroupedEntry is a grouped listing row with preview.
type GroupedEntry struct {
	Label       string   `json:"label"`
	Version     string   `json:"version"`
	Preview     string   `json:"preview"`
	KeyConcepts []string `json:"key_concepts,omitempty"`
}

// GroupedList buckets latest versions per priority.
type GroupedList struct {
	AlwaysCheck []GroupedEntry `json:"always_check"`
	Important   []GroupedEntry `json:"important"`
	Reference   []GroupedEntry `json:"reference"`

	// Truncated reports that the default cap cut the listing and an
	// explicit override is needed to see everything.
	Truncated bool `json:"truncated,omitempty"`
}
