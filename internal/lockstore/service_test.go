package lockstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memlockd/internal/config"
	"github.com/fyrsmithlabs/memlockd/internal/storage"
	"github.com/fyrsmithlabs/memlockd/internal/tenant"
	"github.com/fyrsmithlabs/memlockd/internal/workingset"
)

// fakeOracle returns a fixed vector, or fails when broken.
type fakeOracle struct {
	vector []float32
	broken bool
	calls  int
}

func (f *fakeOracle) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.broken {
		return nil, errors.New("oracle unreachable")
	}
	return f.vector, nil
}

type fixture struct {
	svc    *Service
	tenant tenant.Handle
	oracle *fakeOracle
	cache  *workingset.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(config.DatabaseConfig{
		Path:        ":memory:",
		BusyTimeout: config.Duration(5 * time.Second),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	mgr := tenant.NewManager(db, nil)
	require.NoError(t, mgr.Init(ctx))

	h, err := mgr.Resolve("test-project")
	require.NoError(t, err)
	require.NoError(t, mgr.Ensure(ctx, h, ""))

	oracle := &fakeOracle{vector: []float32{0.1, 0.2, 0.3}}
	cache, err := workingset.New(16)
	require.NoError(t, err)

	svc, err := NewService(db, oracle, cache, nil)
	require.NoError(t, err)

	return &fixture{svc: svc, tenant: h, oracle: oracle, cache: cache}
}

func (f *fixture) lock(t *testing.T, label, content string) *LockResult {
	t.Helper()
	res, err := f.svc.Lock(context.Background(), &LockRequest{
		Tenant:  f.tenant,
		Label:   label,
		Content: content,
	})
	require.NoError(t, err)
	return res
}

func TestLockInitialVersion(t *testing.T) {
	f := newFixture(t)

	res := f.lock(t, "api_auth", "ALWAYS use TLS")

	assert.Equal(t, "1.0", res.Version.String())
	assert.Equal(t, PriorityAlwaysCheck, res.Priority)
	assert.Equal(t, EmbeddingStored, res.EmbeddingStatus)
	assert.NotEmpty(t, res.ContentHash)
}

func TestVersionMonotonicity(t *testing.T) {
	f := newFixture(t)

	var prev Version
	for i := 0; i < 5; i++ {
		res := f.lock(t, "notes", "content revision")
		assert.Equal(t, 1, res.Version.Compare(prev), "version %s must exceed %s", res.Version, prev)
		prev = res.Version
	}
	assert.Equal(t, "1.4", prev.String())
}

func TestDuplicateContentCreatesNewVersion(t *testing.T) {
	f := newFixture(t)

	first := f.lock(t, "dup", "identical content")
	second := f.lock(t, "dup", "identical content")

	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, "1.1", second.Version.String())
}

func TestRoundTripAtSizeBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	content := strings.Repeat("x", MaxContentSize)
	f.lock(t, "big", content)

	got, err := f.svc.Recall(ctx, f.tenant, "big", Version{})
	require.NoError(t, err)
	assert.Equal(t, content, got.Content)
}

func TestLockRejectsOversizeContent(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Lock(context.Background(), &LockRequest{
		Tenant:  f.tenant,
		Label:   "big",
		Content: strings.Repeat("x", MaxContentSize+1),
	})
	assert.ErrorIs(t, err, ErrContentTooLarge)
}

func TestLockValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Lock(ctx, &LockRequest{Tenant: f.tenant, Content: "c"})
	assert.ErrorIs(t, err, ErrEmptyLabel)

	_, err = f.svc.Lock(ctx, &LockRequest{Tenant: f.tenant, Label: "l"})
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = f.svc.Lock(ctx, &LockRequest{
		Tenant: f.tenant, Label: "l", Content: "c", Priority: "urgent",
	})
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

func TestExplicitPriorityWins(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Lock(context.Background(), &LockRequest{
		Tenant:   f.tenant,
		Label:    "l",
		Content:  "ALWAYS do the thing", // would auto-classify always_check
		Priority: PriorityReference,
	})
	require.NoError(t, err)
	assert.Equal(t, PriorityReference, res.Priority)
}

func TestRecallVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.lock(t, "api_auth", "original content")
	f.lock(t, "api_auth", "edited content")

	latest, err := f.svc.Recall(ctx, f.tenant, "api_auth", Version{})
	require.NoError(t, err)
	assert.Equal(t, "edited content", latest.Content)
	assert.Equal(t, "1.1", latest.Version.String())

	v10, err := f.svc.Recall(ctx, f.tenant, "api_auth", Version{1, 0})
	require.NoError(t, err)
	assert.Equal(t, "original content", v10.Content)
}

func TestRecallBumpsAccessCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.lock(t, "l", "content")

	first, err := f.svc.Recall(ctx, f.tenant, "l", Version{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.AccessCount)

	second, err := f.svc.Recall(ctx, f.tenant, "l", Version{})
	require.NoError(t, err)
	assert.Equal(t, 2, second.AccessCount)
}

func TestRecallNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Recall(ctx, f.tenant, "ghost", Version{})
	assert.ErrorIs(t, err, ErrNotFound)

	f.lock(t, "real", "content")
	_, err = f.svc.Recall(ctx, f.tenant, "real", Version{9, 9})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOracleFailureDoesNotFailLock(t *testing.T) {
	f := newFixture(t)
	f.oracle.broken = true

	res := f.lock(t, "l", "content survives oracle outage")
	assert.Equal(t, EmbeddingFailed, res.EmbeddingStatus)

	got, err := f.svc.Recall(context.Background(), f.tenant, "l", Version{})
	require.NoError(t, err)
	assert.Equal(t, "content survives oracle outage", got.Content)
	assert.Empty(t, got.Embedding)
}

func TestNoOracleSkipsEmbedding(t *testing.T) {
	f := newFixture(t)
	f.svc.oracle = nil

	res := f.lock(t, "l", "content")
	assert.Equal(t, EmbeddingSkipped, res.EmbeddingStatus)
}

func TestUnlockRequiresConfirmForAlwaysCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.lock(t, "rule", "ALWAYS validate inputs")

	_, err := f.svc.Unlock(ctx, f.tenant, "rule", Version{}, false)
	assert.ErrorIs(t, err, ErrConfirmationRequired)

	count, err := f.svc.Unlock(ctx, f.tenant, "rule", Version{}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = f.svc.Recall(ctx, f.tenant, "rule", Version{})
	assert.ErrorIs(t, err, ErrNotFound)
}

// The confirmation guard must see exactly the rows the delete would remove,
// so a standing rule added under the same label cannot slip out alongside
// ordinary versions.
func TestUnlockGuardCoversAllMatchedRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.lock(t, "policy", "plain background note")
	f.lock(t, "policy", "ALWAYS rotate credentials")

	_, err := f.svc.Unlock(ctx, f.tenant, "policy", Version{}, false)
	assert.ErrorIs(t, err, ErrConfirmationRequired)

	// The refused unlock must not have archived or deleted anything.
	var archived int
	require.NoError(t, f.svc.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT count(*) FROM %s`, f.tenant.ArchiveTable())).Scan(&archived))
	assert.Equal(t, 0, archived)
	entries, err := f.svc.ListFlat(ctx, f.tenant)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// The plain version alone needs no confirmation.
	count, err := f.svc.Unlock(ctx, f.tenant, "policy", Version{1, 0}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = f.svc.Unlock(ctx, f.tenant, "policy", Version{}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NoError(t, f.svc.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT count(*) FROM %s`, f.tenant.ArchiveTable())).Scan(&archived))
	assert.Equal(t, 2, archived)
}

func TestUnlockSingleVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.lock(t, "notes", "v1 content")
	f.lock(t, "notes", "v2 content")

	count, err := f.svc.Unlock(ctx, f.tenant, "notes", Version{1, 0}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Latest survives.
	got, err := f.svc.Recall(ctx, f.tenant, "notes", Version{})
	require.NoError(t, err)
	assert.Equal(t, "v2 content", got.Content)
}

func TestUnlockNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Unlock(context.Background(), f.tenant, "ghost", Version{}, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFlat(t *testing.T) {
	f := newFixture(t)

	f.lock(t, "a", "reference content")
	f.lock(t, "a", "reference content again")
	f.lock(t, "b", "ALWAYS do this")

	entries, err := f.svc.ListFlat(context.Background(), f.tenant)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].Label)
	assert.Equal(t, "1.1", entries[0].Version)
	assert.Equal(t, "b", entries[2].Label)
	assert.Equal(t, PriorityAlwaysCheck, entries[2].Priority)
}

func TestListGrouped(t *testing.T) {
	f := newFixture(t)

	f.lock(t, "rule", "ALWAYS encrypt data")
	f.lock(t, "note", "critical deployment detail")
	f.lock(t, "ref", "background reading")
	f.lock(t, "ref", "background reading v2")

	grouped, err := f.svc.ListGrouped(context.Background(), f.tenant, false)
	require.NoError(t, err)

	require.Len(t, grouped.AlwaysCheck, 1)
	assert.Equal(t, "rule", grouped.AlwaysCheck[0].Label)
	require.Len(t, grouped.Important, 1)
	require.Len(t, grouped.Reference, 1)
	assert.Equal(t, "1.1", grouped.Reference[0].Version)
	assert.False(t, grouped.Truncated)
}

func TestListGroupedCap(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < DefaultListCap+5; i++ {
		f.lock(t, fmt.Sprintf("label_%02d", i), "plain content")
	}

	grouped, err := f.svc.ListGrouped(context.Background(), f.tenant, false)
	require.NoError(t, err)
	assert.True(t, grouped.Truncated)
	assert.Len(t, grouped.Reference, DefaultListCap)

	expanded, err := f.svc.ListGrouped(context.Background(), f.tenant, true)
	require.NoError(t, err)
	assert.False(t, expanded.Truncated)
	assert.Len(t, expanded.Reference, DefaultListCap+5)
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	db := f.svc.db
	mgr := tenant.NewManager(db, nil)
	other, err := mgr.Resolve("other-project")
	require.NoError(t, err)
	require.NoError(t, mgr.Ensure(ctx, other, ""))

	f.lock(t, "shared_label", "project A content")

	_, err = f.svc.Recall(ctx, other, "shared_label", Version{})
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := f.svc.ListFlat(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
