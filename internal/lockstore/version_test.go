package lockstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		input    string
		expected Version
	}{
		{"1.0", Version{1, 0}},
		{"1.17", Version{1, 17}},
		{"0.0", Version{0, 0}},
		{"12.345", Version{12, 345}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := ParseVersion(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v)
			assert.Equal(t, tt.input, v.String())
		})
	}
}

func TestParseVersionInvalid(t *testing.T) {
	for _, input := range []string{"", "1", "1.", ".0", "a.b", "1.0.0", "-1.0", "1.-2"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseVersion(input)
			assert.ErrorIs(t, err, ErrInvalidVersion)
		})
	}
}

func TestVersionNext(t *testing.T) {
	assert.Equal(t, Version{1, 1}, Version{1, 0}.Next())
	assert.Equal(t, Version{1, 10}, Version{1, 9}.Next())
	assert.Equal(t, Version{2, 4}, Version{2, 3}.Next())
}

func TestVersionCompare(t *testing.T) {
	assert.Equal(t, 0, Version{1, 2}.Compare(Version{1, 2}))
	assert.Equal(t, -1, Version{1, 2}.Compare(Version{1, 3}))
	assert.Equal(t, 1, Version{2, 0}.Compare(Version{1, 99}))
	assert.Equal(t, -1, Version{1, 9}.Compare(Version{1, 10}))
}

func TestVersionIsZero(t *testing.T) {
	assert.True(t, Version{}.IsZero())
	assert.False(t, Initial.IsZero())
}
