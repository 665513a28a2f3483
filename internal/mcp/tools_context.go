package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/memlockd/internal/lockstore"
)

type lockContextInput struct {
	Label    string   `json:"label" jsonschema:"required,Stable name for this context within the project"`
	Content  string   `json:"content" jsonschema:"required,Context text to lock, up to 50KB"`
	Priority string   `json:"priority,omitempty" jsonschema:"Optional explicit priority: always_check, important, or reference. Derived from content when omitted."`
	Tags     []string `json:"tags,omitempty" jsonschema:"Optional free-form tags"`
}

type lockContextOutput struct {
	Label           string   `json:"label"`
	Version         string   `json:"version" jsonschema:"Assigned version, e.g. 1.0"`
	Priority        string   `json:"priority"`
	ContentHash     string   `json:"content_hash"`
	KeyConcepts     []string `json:"key_concepts,omitempty"`
	EmbeddingStatus string   `json:"embedding_status" jsonschema:"stored, skipped, or failed; failed means the lock persisted without a semantic vector"`
}

type recallContextInput struct {
	Label   string `json:"label" jsonschema:"required,Context label to recall"`
	Version string `json:"version,omitempty" jsonschema:"Specific version like 1.2; latest when omitted"`
}

type recallContextOutput struct {
	Label        string    `json:"label"`
	Version      string    `json:"version"`
	Content      string    `json:"content"`
	Priority     string    `json:"priority"`
	KeyConcepts  []string  `json:"key_concepts,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	LockedAt     time.Time `json:"locked_at"`
	AccessCount  int       `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

type unlockContextInput struct {
	Label   string `json:"label" jsonschema:"required,Context label to unlock"`
	Version string `json:"version,omitempty" jsonschema:"Specific version; all versions when omitted"`
	Confirm bool   `json:"confirm,omitempty" jsonschema:"Required when removing an always_check context"`
}

type unlockContextOutput struct {
	Label        string `json:"label"`
	RemovedCount int    `json:"removed_count" jsonschema:"Number of versions archived"`
}

type listContextsInput struct {
	Grouped bool `json:"grouped,omitempty" jsonschema:"Group by priority with previews instead of a flat listing"`
	Expand  bool `json:"expand,omitempty" jsonschema:"Lift the default grouped-listing cap"`
}

type listContextsOutput struct {
	Contexts []lockstore.ListEntry  `json:"contexts,omitempty" jsonschema:"Flat listing (grouped=false)"`
	Grouped  *lockstore.GroupedList `json:"grouped,omitempty" jsonschema:"Priority buckets (grouped=true)"`
	Count    int                    `json:"count"`
}

func (s *Server) registerContextTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "lock_context",
		Description: "Durably store a context under a label. Re-locking an existing label creates a new immutable version.",
	}, s.handleLockContext)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "update_context",
		Description: "Supersede a context with new content. Identical to lock_context: prior versions stay recallable.",
	}, s.handleUpdateContext)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "recall_context",
		Description: "Recall a locked context by label, latest version unless one is given.",
	}, s.handleRecallContext)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "unlock_context",
		Description: "Archive a context's versions. Removing an always_check context requires confirm=true.",
	}, s.handleUnlockContext)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_contexts",
		Description: "List the project's locked contexts, flat or grouped by priority.",
	}, s.handleListContexts)
}

func (s *Server) handleLockContext(ctx context.Context, req *mcp.CallToolRequest, args lockContextInput) (*mcp.CallToolResult, lockContextOutput, error) {
	sess, h, err := s.requireTenant(ctx)
	if err != nil {
		return nil, lockContextOutput{}, err
	}

	res, err := s.locks.Lock(ctx, &lockstore.LockRequest{
		Tenant:    h,
		SessionID: sess.ID,
		Label:     args.Label,
		Content:   args.Content,
		Tags:      args.Tags,
		Priority:  lockstore.Priority(args.Priority),
	})
	if err != nil {
		return nil, lockContextOutput{}, err
	}

	return nil, lockContextOutput{
		Label:           res.Label,
		Version:         res.Version.String(),
		Priority:        string(res.Priority),
		ContentHash:     res.ContentHash,
		KeyConcepts:     res.KeyConcepts,
		EmbeddingStatus: string(res.EmbeddingStatus),
	}, nil
}

func (s *Server) handleUpdateContext(ctx context.Context, req *mcp.CallToolRequest, args lockContextInput) (*mcp.CallToolResult, lockContextOutput, error) {
	return s.handleLockContext(ctx, req, args)
}

func (s *Server) handleRecallContext(ctx context.Context, _ *mcp.CallToolRequest, args recallContextInput) (*mcp.CallToolResult, recallContextOutput, error) {
	_, h, err := s.requireTenant(ctx)
	if err != nil {
		return nil, recallContextOutput{}, err
	}

	version, err := parseOptionalVersion(args.Version)
	if err != nil {
		return nil, recallContextOutput{}, err
	}

	lock, err := s.locks.Recall(ctx, h, args.Label, version)
	if err != nil {
		return nil, recallContextOutput{}, err
	}

	return nil, recallContextOutput{
		Label:        lock.Label,
		Version:      lock.Version.String(),
		Content:      lock.Content,
		Priority:     string(lock.Priority),
		KeyConcepts:  lock.KeyConcepts,
		Tags:         lock.Tags,
		LockedAt:     lock.LockedAt,
		AccessCount:  lock.AccessCount,
		LastAccessed: lock.LastAccessed,
	}, nil
}

func (s *Server) handleUnlockContext(ctx context.Context, _ *mcp.CallToolRequest, args unlockContextInput) (*mcp.CallToolResult, unlockContextOutput, error) {
	_, h, err := s.requireTenant(ctx)
	if err != nil {
		return nil, unlockContextOutput{}, err
	}

	version, err := parseOptionalVersion(args.Version)
	if err != nil {
		return nil, unlockContextOutput{}, err
	}

	count, err := s.locks.Unlock(ctx, h, args.Label, version, args.Confirm)
	if err != nil {
		return nil, unlockContextOutput{}, err
	}
	return nil, unlockContextOutput{Label: args.Label, RemovedCount: count}, nil
}

func (s *Server) handleListContexts(ctx context.Context, _ *mcp.CallToolRequest, args listContextsInput) (*mcp.CallToolResult, listContextsOutput, error) {
	_, h, err := s.requireTenant(ctx)
	if err != nil {
		return nil, listContextsOutput{}, err
	}

	if args.Grouped {
		grouped, err := s.locks.ListGrouped(ctx, h, args.Expand)
		if err != nil {
			return nil, listContextsOutput{}, err
		}
		count := len(grouped.AlwaysCheck) + len(grouped.Important) + len(grouped.Reference)
		return nil, listContextsOutput{Grouped: grouped, Count: count}, nil
	}

	entries, err := s.locks.ListFlat(ctx, h)
	if err != nil {
		return nil, listContextsOutput{}, err
	}
	return nil, listContextsOutput{Contexts: entries, Count: len(entries)}, nil
}

// parseOptionalVersion treats an empty string as "latest".
func parseOptionalVersion(s string) (lockstore.Version, error) {
	if s == "" {
		return lockstore.Version{}, nil
	}
	v, err := lockstore.ParseVersion(s)
	if err != nil {
		return lockstore.Version{}, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return v, nil
}
