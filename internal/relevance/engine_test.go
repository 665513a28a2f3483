package relevance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memlockd/internal/config"
	"github.com/fyrsmithlabs/memlockd/internal/lockstore"
	"github.com/fyrsmithlabs/memlockd/internal/tenant"
)

// fakeStore serves canned metadata and counts deep fetches so tests can
// verify the bounded-cost invariant.
type fakeStore struct {
	metas     []lockstore.Meta
	content   map[string]string
	vectors   map[string][]float32
	deepCalls int
}

func (f *fakeStore) Metadata(_ context.Context, _ tenant.Handle) ([]lockstore.Meta, error) {
	return f.metas, nil
}

func (f *fakeStore) Deep(_ context.Context, _ tenant.Handle, label string, _ lockstore.Version) (string, []float32, error) {
	f.deepCalls++
	content, ok := f.content[label]
	if !ok {
		return "", nil, lockstore.ErrNotFound
	}
	return content, f.vectors[label], nil
}

type fakeOracle struct {
	vector []float32
	err    error
}

func (f *fakeOracle) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

func meta(label, preview string, concepts []string, priority lockstore.Priority, accessed time.Time) lockstore.Meta {
	return lockstore.Meta{
		Label:        label,
		Version:      lockstore.Initial,
		Preview:      preview,
		KeyConcepts:  concepts,
		Priority:     priority,
		LastAccessed: accessed,
	}
}

func testConfig(k int) config.RelevanceConfig {
	return config.RelevanceConfig{TopK: k, SimilarityThreshold: 0.3}
}

func TestCheckRanksLabelAboveConceptAbovePreview(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		metas: []lockstore.Meta{
			meta("deploy_steps", "unrelated preview", nil, lockstore.PriorityReference, now),
			meta("other", "notes about deploy", nil, lockstore.PriorityReference, now),
			meta("third", "unrelated", []string{"deploy"}, lockstore.PriorityReference, now),
		},
		content: map[string]string{"deploy_steps": "", "other": "", "third": ""},
	}

	e, err := NewEngine(store, nil, testConfig(5), nil)
	require.NoError(t, err)

	matches, err := e.Check(context.Background(), tenant.Handle{}, "deploy", 5)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "deploy_steps", matches[0].Label)
	assert.Equal(t, "third", matches[1].Label)
	assert.Equal(t, "other", matches[2].Label)
}

func TestCheckBoundedDeepFetches(t *testing.T) {
	const k = 5
	now := time.Now()

	store := &fakeStore{content: map[string]string{}}
	for i := 0; i < 100; i++ {
		label := fmt.Sprintf("database_note_%d", i)
		store.metas = append(store.metas,
			meta(label, "database schema notes", []string{"database"}, lockstore.PriorityReference, now))
		store.content[label] = "full content"
	}

	e, err := NewEngine(store, nil, testConfig(k), nil)
	require.NoError(t, err)

	matches, err := e.Check(context.Background(), tenant.Handle{}, "database schema", 50)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(matches), k)
	assert.LessOrEqual(t, store.deepCalls, k,
		"stage 2 must never load more than K records' full content")
}

func TestCheckNoMatches(t *testing.T) {
	store := &fakeStore{
		metas:   []lockstore.Meta{meta("alpha", "beta gamma", nil, lockstore.PriorityReference, time.Now())},
		content: map[string]string{"alpha": ""},
	}

	e, err := NewEngine(store, nil, testConfig(5), nil)
	require.NoError(t, err)

	matches, err := e.Check(context.Background(), tenant.Handle{}, "zzz_nothing_matches", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.Zero(t, store.deepCalls, "no survivors means no deep fetches")
}

func TestCheckEmptyQuery(t *testing.T) {
	e, err := NewEngine(&fakeStore{}, nil, testConfig(5), nil)
	require.NoError(t, err)

	_, err = e.Check(context.Background(), tenant.Handle{}, "   ", 5)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

// A query made entirely of stopwords is a legitimate question that simply
// carries no rankable signal; it yields no matches rather than an error.
func TestCheckStopwordOnlyQuery(t *testing.T) {
	store := &fakeStore{
		metas:   []lockstore.Meta{meta("alpha", "beta gamma", nil, lockstore.PriorityReference, time.Now())},
		content: map[string]string{"alpha": "beta gamma"},
	}
	e, err := NewEngine(store, nil, testConfig(5), nil)
	require.NoError(t, err)

	matches, err := e.Check(context.Background(), tenant.Handle{}, "how can you use this", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.Zero(t, store.deepCalls)
}

func TestCheckOracleDegradation(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		metas: []lockstore.Meta{
			meta("security_rules", "security token handling", []string{"security"}, lockstore.PriorityAlwaysCheck, now),
		},
		content: map[string]string{"security_rules": "rotate the security token monthly"},
		vectors: map[string][]float32{"security_rules": {1, 0, 0}},
	}

	e, err := NewEngine(store, &fakeOracle{err: errors.New("oracle down")}, testConfig(5), nil)
	require.NoError(t, err)

	matches, err := e.Check(context.Background(), tenant.Handle{}, "security token", 5)
	require.NoError(t, err, "oracle failure must degrade, not fail")
	require.Len(t, matches, 1)
	assert.Equal(t, "security_rules", matches[0].Label)
	assert.Positive(t, matches[0].Score)
}

func TestCheckEmbeddingBoost(t *testing.T) {
	now := time.Now()
	newStore := func() *fakeStore {
		return &fakeStore{
			metas: []lockstore.Meta{
				meta("aligned", "config notes", nil, lockstore.PriorityReference, now),
				meta("opposed", "config notes", nil, lockstore.PriorityReference, now),
			},
			content: map[string]string{"aligned": "", "opposed": ""},
			vectors: map[string][]float32{
				"aligned": {1, 0},
				"opposed": {-1, 0},
			},
		}
	}

	withOracle, err := NewEngine(newStore(), &fakeOracle{vector: []float32{1, 0}}, testConfig(5), nil)
	require.NoError(t, err)
	matches, err := withOracle.Check(context.Background(), tenant.Handle{}, "config", 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "aligned", matches[0].Label)
	assert.Greater(t, matches[0].Score, matches[1].Score)

	// Without an oracle the two score identically.
	without, err := NewEngine(newStore(), nil, testConfig(5), nil)
	require.NoError(t, err)
	matches, err = without.Check(context.Background(), tenant.Handle{}, "config", 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, matches[0].Score, matches[1].Score)
}

func TestCheckLimitClamped(t *testing.T) {
	now := time.Now()
	store := &fakeStore{content: map[string]string{}}
	for i := 0; i < 10; i++ {
		label := fmt.Sprintf("api_doc_%d", i)
		store.metas = append(store.metas, meta(label, "api usage", nil, lockstore.PriorityReference, now))
		store.content[label] = ""
	}

	e, err := NewEngine(store, nil, testConfig(3), nil)
	require.NoError(t, err)

	matches, err := e.Check(context.Background(), tenant.Handle{}, "api", 100)
	require.NoError(t, err)
	assert.Len(t, matches, 3)
}

func TestCheckTiesBrokenByRecency(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	recent := time.Now()
	store := &fakeStore{
		metas: []lockstore.Meta{
			meta("stale_config", "config", nil, lockstore.PriorityReference, old),
			meta("fresh_config", "config", nil, lockstore.PriorityReference, recent),
		},
		content: map[string]string{"stale_config": "", "fresh_config": ""},
	}

	e, err := NewEngine(store, nil, testConfig(5), nil)
	require.NoError(t, err)

	matches, err := e.Check(context.Background(), tenant.Handle{}, "config", 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "fresh_config", matches[0].Label)
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected []string
	}{
		{"basic", "Deploy the API", []string{"deploy", "api"}},
		{"stopwords dropped", "how can you use this", nil},
		{"short dropped", "go is ok", nil},
		{"dedup", "test test testing", []string{"test", "testing"}},
		{"underscores kept", "api_auth rules", []string{"api_auth", "rules"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tokenize(tt.query))
		})
	}
}
