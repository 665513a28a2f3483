// Package sanitize provides identifier sanitization for project namespaces.
//
// Namespace identifiers are embedded in SQLite table names and must match:
// ^[a-z0-9_]{1,64}$. Raw project names pass through the allow-list filter
// before they get anywhere near an identifier position.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const (
	// MaxIdentifierLength is the maximum length for a namespace identifier.
	MaxIdentifierLength = 64

	// HashSuffixLength is the length of the hash suffix added to truncated
	// identifiers. Format: _<8-char-hash> = 9 characters total.
	HashSuffixLength = 9
)

// ErrEmptyIdentifier indicates that sanitization produced an empty result.
// Callers must treat this as a validation failure, never substitute a default.
var ErrEmptyIdentifier = errors.New("identifier empty after sanitization")

// ProjectName sanitizes a raw project name for use as a namespace identifier.
//
// Rules applied:
//   - Converts to lowercase
//   - Replaces invalid characters with underscores
//   - Collapses multiple underscores
//   - Trims leading/trailing underscores
//   - Truncates to MaxIdentifierLength with hash suffix if too long
//
// Examples:
//
//	"My Project!"      -> "my_project"
//	"github.com/user"  -> "github_com_user"
//	"" or "!!!"        -> ErrEmptyIdentifier
func ProjectName(s string) (string, error) {
	if s == "" {
		return "", ErrEmptyIdentifier
	}

	s = strings.ToLower(s)

	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			result.WriteRune(r)
		} else {
			result.WriteRune('_')
		}
	}

	sanitized := result.String()
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(sanitized, "_")

	if sanitized == "" {
		return "", ErrEmptyIdentifier
	}

	if len(sanitized) > MaxIdentifierLength {
		sanitized = truncateWithHash(sanitized)
	}

	return sanitized, nil
}

// IsValid reports whether s is already a valid namespace identifier.
func IsValid(s string) bool {
	if s == "" || len(s) > MaxIdentifierLength {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

// truncateWithHash truncates a string to fit within MaxIdentifierLength,
// appending a hash suffix to preserve uniqueness between long names that
// share a prefix.
func truncateWithHash(s string) string {
	hash := sha256.Sum256([]byte(s))
	hashSuffix := "_" + hex.EncodeToString(hash[:])[:8]

	maxBase := MaxIdentifierLength - HashSuffixLength
	truncated := strings.TrimRight(s[:maxBase], "_")

	return truncated + hashSuffix
}
