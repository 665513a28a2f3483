// Package mcp exposes the daemon over the Model Context Protocol on stdio.
//
// Tool handlers are thin: each resolves the caller's session, maps it to a
// tenant handle, and delegates to the lock store, relevance engine, or
// tenant manager. One stdio process serves one client connection, so the
// conversation ID is fixed per process while the credential ID identifies
// the user across restarts.
package mcp

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memlockd/internal/lockstore"
	"github.com/fyrsmithlabs/memlockd/internal/projcache"
	"github.com/fyrsmithlabs/memlockd/internal/relevance"
	"github.com/fyrsmithlabs/memlockd/internal/session"
	"github.com/fyrsmithlabs/memlockd/internal/tenant"
)

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "memlockd").
	Name string

	// Version is the server version (default: "dev").
	Version string

	// CredentialID identifies the caller across processes. Required.
	CredentialID string

	// Logger for structured logging.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults. CredentialID must still be set
// by the caller.
func DefaultConfig() *Config {
	return &Config{
		Name:    "memlockd",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// Server wires the internal services to MCP tools.
type Server struct {
	mcp            *mcp.Server
	resolver       *session.Resolver
	tenants        *tenant.Manager
	locks          *lockstore.Service
	engine         *relevance.Engine
	cache          *projcache.Cache
	credentialID   string
	conversationID string
	logger         *zap.Logger
}

// NewServer creates the MCP server and registers all tools.
func NewServer(
	cfg *Config,
	resolver *session.Resolver,
	tenants *tenant.Manager,
	locks *lockstore.Service,
	engine *relevance.Engine,
	cache *projcache.Cache,
) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CredentialID == "" {
		return nil, errors.New("credential ID is required")
	}
	if resolver == nil {
		return nil, errors.New("session resolver is required")
	}
	if tenants == nil {
		return nil, errors.New("tenant manager is required")
	}
	if locks == nil {
		return nil, errors.New("lock store is required")
	}
	if engine == nil {
		return nil, errors.New("relevance engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		resolver:       resolver,
		tenants:        tenants,
		locks:          locks,
		engine:         engine,
		cache:          cache,
		credentialID:   cfg.CredentialID,
		conversationID: uuid.NewString(),
		logger:         logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport",
		zap.String("conversation_id", s.conversationID))
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	s.registerProjectTools()
	s.registerContextTools()
	s.registerRelevanceTools()
}

// resolveSession resolves the current caller's session.
func (s *Server) resolveSession(ctx context.Context) (*session.Session, error) {
	return s.resolver.Resolve(ctx, s.credentialID, s.conversationID)
}

// requireTenant resolves the session and maps it to a tenant handle,
// failing with project-selection guidance while the session is pending.
func (s *Server) requireTenant(ctx context.Context) (*session.Session, tenant.Handle, error) {
	sess, err := s.resolveSession(ctx)
	if err != nil {
		return nil, tenant.Handle{}, err
	}
	h, err := s.resolver.Handle(sess)
	if err != nil {
		return nil, tenant.Handle{}, err
	}
	return sess, h, nil
}
