package lockstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidVersion indicates a version string that does not parse as
// "<major>.<minor>".
var ErrInvalidVersion = errors.New("invalid version")

// Version is a context-lock version as a (major, minor) pair.
//
// Keeping this a value type makes increments and comparisons total and
// unambiguous instead of relying on string manipulation.
type Version struct {
	Major int
	Minor int
}

// Initial is the version assigned to the first lock of a label.
var Initial = Version{Major: 1, Minor: 0}

// ParseVersion parses "1.0"-style strings.
func ParseVersion(s string) (Version, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
	maj, err := strconv.Atoi(major)
	if err != nil || maj < 0 {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
	min, err := strconv.Atoi(minor)
	if err != nil || min < 0 {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
	return Version{Major: maj, Minor: min}, nil
}

// String renders the canonical "<major>.<minor>" form.
func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// Next returns the superseding version (minor component incremented).
func (v Version) Next() Version {
	return Version{Major: v.Major, Minor: v.Minor + 1}
}

// Compare returns -1, 0 or 1 ordering v against o.
func (v Version) Compare(o Version) int {
	if v.Major != o.Major {
		if v.Major < o.Major {
			return -1
		}
		return 1
	}
	if v.Minor != o.Minor {
		if v.Minor < o.Minor {
			return -1
		}
		return 1
	}
	return 0
}

// IsZero reports whether v is the zero value (no version).
func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0
}
