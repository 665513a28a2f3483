package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memlockd/internal/config"
	"github.com/fyrsmithlabs/memlockd/internal/lockstore"
	"github.com/fyrsmithlabs/memlockd/internal/projcache"
	"github.com/fyrsmithlabs/memlockd/internal/relevance"
	"github.com/fyrsmithlabs/memlockd/internal/session"
	"github.com/fyrsmithlabs/memlockd/internal/storage"
	"github.com/fyrsmithlabs/memlockd/internal/tenant"
	"github.com/fyrsmithlabs/memlockd/internal/workingset"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(config.DatabaseConfig{
		Path:        ":memory:",
		BusyTimeout: config.Duration(5 * time.Second),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tenants := tenant.NewManager(db, nil)
	require.NoError(t, tenants.Init(ctx))

	cache := projcache.New(24 * time.Hour)
	resolver, err := session.NewResolver(db, tenants, cache, config.SessionConfig{
		IdleTimeout: config.Duration(90 * time.Minute),
		ResumeTTL:   config.Duration(24 * time.Hour),
	}, nil)
	require.NoError(t, err)

	ws, err := workingset.New(16)
	require.NoError(t, err)
	locks, err := lockstore.NewService(db, nil, ws, nil)
	require.NoError(t, err)

	engine, err := relevance.NewEngine(locks, nil, config.RelevanceConfig{
		TopK:                5,
		SimilarityThreshold: 0.35,
	}, nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.CredentialID = "test-credential"
	srv, err := NewServer(cfg, resolver, tenants, locks, engine, cache)
	require.NoError(t, err)
	return srv
}

func selectProject(t *testing.T, s *Server, name string) {
	t.Helper()
	_, out, err := s.handleSelectProject(context.Background(), nil, selectProjectInput{ProjectName: name})
	require.NoError(t, err)
	require.NotEmpty(t, out.Project)
}

func TestToolsRequireProjectSelection(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, _, err := s.handleLockContext(ctx, nil, lockContextInput{Label: "l", Content: "c"})
	require.ErrorIs(t, err, session.ErrProjectSelectionRequired)
	assert.Contains(t, err.Error(), "select_project")

	_, _, err = s.handleRecallContext(ctx, nil, recallContextInput{Label: "l"})
	assert.ErrorIs(t, err, session.ErrProjectSelectionRequired)

	_, _, err = s.handleCheckRelevance(ctx, nil, checkRelevanceInput{Query: "anything"})
	assert.ErrorIs(t, err, session.ErrProjectSelectionRequired)
}

func TestLockRecallRoundTrip(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	selectProject(t, s, "demo")

	_, locked, err := s.handleLockContext(ctx, nil, lockContextInput{
		Label:   "api_auth",
		Content: "ALWAYS send the bearer token",
	})
	require.NoError(t, err)
	assert.Equal(t, "1.0", locked.Version)
	assert.Equal(t, "always_check", locked.Priority)
	assert.Equal(t, "skipped", locked.EmbeddingStatus)

	_, recalled, err := s.handleRecallContext(ctx, nil, recallContextInput{Label: "api_auth"})
	require.NoError(t, err)
	assert.Equal(t, "ALWAYS send the bearer token", recalled.Content)
	assert.Equal(t, 1, recalled.AccessCount)
}

func TestUpdateCreatesNewVersion(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	selectProject(t, s, "demo")

	_, _, err := s.handleLockContext(ctx, nil, lockContextInput{Label: "notes", Content: "v1"})
	require.NoError(t, err)

	_, updated, err := s.handleUpdateContext(ctx, nil, lockContextInput{Label: "notes", Content: "v2"})
	require.NoError(t, err)
	assert.Equal(t, "1.1", updated.Version)

	_, old, err := s.handleRecallContext(ctx, nil, recallContextInput{Label: "notes", Version: "1.0"})
	require.NoError(t, err)
	assert.Equal(t, "v1", old.Content)
}

func TestRecallRejectsMalformedVersion(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	selectProject(t, s, "demo")

	_, _, err := s.handleRecallContext(ctx, nil, recallContextInput{Label: "l", Version: "one.two"})
	assert.Error(t, err)
}

func TestUnlockConfirmFlow(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	selectProject(t, s, "demo")

	_, _, err := s.handleLockContext(ctx, nil, lockContextInput{
		Label:   "rule",
		Content: "never skip code review",
	})
	require.NoError(t, err)

	_, _, err = s.handleUnlockContext(ctx, nil, unlockContextInput{Label: "rule"})
	require.ErrorIs(t, err, lockstore.ErrConfirmationRequired)

	_, out, err := s.handleUnlockContext(ctx, nil, unlockContextInput{Label: "rule", Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, 1, out.RemovedCount)
}

func TestListContextsFlatAndGrouped(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	selectProject(t, s, "demo")

	_, _, err := s.handleLockContext(ctx, nil, lockContextInput{Label: "a", Content: "plain"})
	require.NoError(t, err)
	_, _, err = s.handleLockContext(ctx, nil, lockContextInput{Label: "b", Content: "ALWAYS verify"})
	require.NoError(t, err)

	_, flat, err := s.handleListContexts(ctx, nil, listContextsInput{})
	require.NoError(t, err)
	assert.Equal(t, 2, flat.Count)
	assert.Nil(t, flat.Grouped)

	_, grouped, err := s.handleListContexts(ctx, nil, listContextsInput{Grouped: true})
	require.NoError(t, err)
	require.NotNil(t, grouped.Grouped)
	assert.Len(t, grouped.Grouped.AlwaysCheck, 1)
	assert.Len(t, grouped.Grouped.Reference, 1)
}

func TestCheckRelevanceTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	selectProject(t, s, "demo")

	_, _, err := s.handleLockContext(ctx, nil, lockContextInput{
		Label:   "deploy_steps",
		Content: "Run database migrations before deploying the api",
	})
	require.NoError(t, err)

	_, out, err := s.handleCheckRelevance(ctx, nil, checkRelevanceInput{Query: "deploy the api"})
	require.NoError(t, err)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "deploy_steps", out.Matches[0].Label)
}

func TestProjectLifecycle(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, out, err := s.handleSelectProject(ctx, nil, selectProjectInput{ProjectName: "My App"})
	require.NoError(t, err)
	assert.Equal(t, "my_app", out.Project)
	assert.Equal(t, "my_app", out.Schema)
	assert.True(t, out.Created)
	require.NotNil(t, out.Stats)
	assert.Equal(t, 1, out.Stats.SessionCount)
	assert.Equal(t, 0, out.Stats.ContextCount)

	_, _, err = s.handleLockContext(ctx, nil, lockContextInput{Label: "seed", Content: "plain"})
	require.NoError(t, err)

	_, again, err := s.handleSelectProject(ctx, nil, selectProjectInput{ProjectName: "My App"})
	require.NoError(t, err)
	assert.False(t, again.Created)
	require.NotNil(t, again.Stats)
	assert.Equal(t, 1, again.Stats.ContextCount)

	_, listed, err := s.handleListProjects(ctx, nil, listProjectsInput{})
	require.NoError(t, err)
	require.Equal(t, 1, listed.Count)
	assert.Equal(t, "my_app", listed.Projects[0].Name)

	_, _, err = s.handleDeleteProject(ctx, nil, deleteProjectInput{ProjectName: "my_app"})
	require.Error(t, err, "deletion without confirm must fail")

	_, deleted, err := s.handleDeleteProject(ctx, nil, deleteProjectInput{ProjectName: "my_app", Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, "my_app", deleted.Project)

	_, listed, err = s.handleListProjects(ctx, nil, listProjectsInput{})
	require.NoError(t, err)
	assert.Zero(t, listed.Count)
}

func TestSessionStatusTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, status, err := s.handleSessionStatus(ctx, nil, sessionStatusInput{})
	require.NoError(t, err)
	assert.Equal(t, string(session.StatePending), status.State)
	assert.Empty(t, status.Project)

	selectProject(t, s, "demo")

	_, status, err = s.handleSessionStatus(ctx, nil, sessionStatusInput{})
	require.NoError(t, err)
	assert.Equal(t, string(session.StateActive), status.State)
	assert.Equal(t, "demo", status.Project)
	assert.True(t, status.IdleDeadline.After(status.LastActiveAt))
}
