// Memlockd is a durable context-lock daemon speaking MCP over stdio.
//
// It stores versioned project contexts in SQLite, classifies their
// priority, and serves a two-stage relevance engine so clients can find
// which locked contexts matter for the task at hand.
//
// Usage:
//
//	# Serve MCP on stdio with defaults
//	memlockd
//
//	# Explicit config file
//	memlockd --config /etc/memlockd/config.yaml
//
//	# Configure via environment
//	MEMLOCKD_DATABASE_PATH=/var/lib/memlockd/db.sqlite memlockd
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memlockd/internal/config"
	"github.com/fyrsmithlabs/memlockd/internal/embeddings"
	"github.com/fyrsmithlabs/memlockd/internal/lockstore"
	"github.com/fyrsmithlabs/memlockd/internal/logging"
	mcpserver "github.com/fyrsmithlabs/memlockd/internal/mcp"
	"github.com/fyrsmithlabs/memlockd/internal/projcache"
	"github.com/fyrsmithlabs/memlockd/internal/relevance"
	"github.com/fyrsmithlabs/memlockd/internal/session"
	"github.com/fyrsmithlabs/memlockd/internal/storage"
	"github.com/fyrsmithlabs/memlockd/internal/telemetry"
	"github.com/fyrsmithlabs/memlockd/internal/tenant"
	"github.com/fyrsmithlabs/memlockd/internal/workingset"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "memlockd",
	Short: "Durable context-lock memory daemon (MCP over stdio)",
	Long: `memlockd stores versioned, prioritized project contexts in SQLite and
serves them over the Model Context Protocol on stdio. Running with no
subcommand starts the server.`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP stdio server",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("memlockd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "memlockd: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return run(ctx)
}

// run wires the services and blocks until ctx is cancelled or the MCP
// client disconnects.
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tel, err := telemetry.New(ctx, cfg.Telemetry, cfg.Server.Name, version, logger.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	db, err := storage.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	tenants := tenant.NewManager(db, logger.Named("tenant"))
	if err := tenants.Init(ctx); err != nil {
		return fmt.Errorf("initializing registry: %w", err)
	}

	var oracle embeddings.Oracle
	if cfg.Embedding.Enabled {
		svc, err := embeddings.NewService(cfg.Embedding)
		if err != nil {
			// The oracle is an enrichment, not a dependency.
			logger.Warn("embedding oracle unavailable, running keyword-only", zap.Error(err))
		} else {
			oracle = svc
		}
	}

	ws, err := workingset.New(cfg.Cache.Size)
	if err != nil {
		return fmt.Errorf("creating working-set cache: %w", err)
	}

	locks, err := lockstore.NewService(db, oracle, ws, logger.Named("lockstore"))
	if err != nil {
		return fmt.Errorf("creating lock store: %w", err)
	}

	engine, err := relevance.NewEngine(locks, oracle, cfg.Relevance, logger.Named("relevance"))
	if err != nil {
		return fmt.Errorf("creating relevance engine: %w", err)
	}

	lastProject := projcache.New(cfg.Session.ResumeTTL.Duration())
	resolver, err := session.NewResolver(db, tenants, lastProject, cfg.Session, logger.Named("session"))
	if err != nil {
		return fmt.Errorf("creating session resolver: %w", err)
	}

	srv, err := mcpserver.NewServer(&mcpserver.Config{
		Name:         cfg.Server.Name,
		Version:      version,
		CredentialID: credentialID(),
		Logger:       logger.Named("mcp"),
	}, resolver, tenants, locks, engine, lastProject)
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	logger.Info("memlockd starting",
		zap.String("version", version),
		zap.String("database", cfg.Database.Path),
		zap.Bool("embeddings", oracle != nil),
		zap.Bool("telemetry", tel.Active()))
	return srv.Run(ctx)
}

// credentialID identifies the caller across daemon restarts. An explicit
// MEMLOCKD_CREDENTIAL wins; otherwise the OS user and hostname stand in.
func credentialID() string {
	if cred := os.Getenv("MEMLOCKD_CREDENTIAL"); cred != "" {
		return cred
	}
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return name + "@" + host
}
