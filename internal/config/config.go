// Package config provides configuration loading for memlockd.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Session   SessionConfig   `koanf:"session"`
	Relevance RelevanceConfig `koanf:"relevance"`
	Cache     CacheConfig     `koanf:"cache"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig configures the MCP server identity.
type ServerConfig struct {
	// Name is the MCP implementation name advertised during handshake.
	Name string `koanf:"name"`

	// Version is the advertised server version.
	Version string `koanf:"version"`
}

// DatabaseConfig configures the SQLite backend.
type DatabaseConfig struct {
	// Path is the SQLite database file path. ":memory:" is supported for tests.
	Path string `koanf:"path"`

	// BusyTimeout is the SQLite busy_timeout pragma value.
	BusyTimeout Duration `koanf:"busy_timeout"`
}

// EmbeddingConfig configures the external embedding oracle.
type EmbeddingConfig struct {
	// Enabled toggles embedding generation. When false all operations
	// degrade to keyword-only behavior.
	Enabled bool `koanf:"enabled"`

	// BaseURL is the OpenAI-compatible embedding endpoint.
	// For TEI: http://localhost:8080/v1
	BaseURL string `koanf:"base_url"`

	// Model is the embedding model name.
	Model string `koanf:"model"`

	// APIKey is the API key (required for OpenAI, optional for TEI).
	APIKey Secret `koanf:"api_key"`

	// Timeout bounds a single embedding call. Embedding is best-effort:
	// a timeout never fails the surrounding write.
	Timeout Duration `koanf:"timeout"`
}

// SessionConfig configures the identity resolver.
type SessionConfig struct {
	// IdleTimeout expires a session after this much inactivity.
	IdleTimeout Duration `koanf:"idle_timeout"`

	// ResumeTTL bounds how long a credential's last active project is
	// remembered for auto-resume.
	ResumeTTL Duration `koanf:"resume_ttl"`
}

// RelevanceConfig configures the two-stage retrieval engine.
type RelevanceConfig struct {
	// TopK is the number of stage-1 survivors eligible for deep checks.
	TopK int `koanf:"top_k"`

	// SimilarityThreshold gates stage-2 embedding confirmation.
	SimilarityThreshold float64 `koanf:"similarity_threshold"`
}

// CacheConfig configures the working-set cache.
type CacheConfig struct {
	// Size is the maximum number of full-content entries held in memory.
	Size int `koanf:"size"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// TelemetryConfig configures OTLP export of traces and metrics. Disabled by
// default: most installs have no collector, and the instruments fall back to
// the no-op global providers.
type TelemetryConfig struct {
	// Enabled toggles the OTLP exporters.
	Enabled bool `koanf:"enabled"`

	// Endpoint is the OTLP gRPC collector address (host:port).
	Endpoint string `koanf:"endpoint"`

	// Insecure disables TLS; only allowed toward local endpoints.
	Insecure bool `koanf:"insecure"`

	// SampleRate is the trace sampling ratio in [0,1].
	SampleRate float64 `koanf:"sample_rate"`

	// MetricInterval is the periodic metric export interval.
	MetricInterval Duration `koanf:"metric_interval"`
}

// Default returns the built-in defaults applied before file and env overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:    "memlockd",
			Version: "dev",
		},
		Database: DatabaseConfig{
			Path:        "memlockd.db",
			BusyTimeout: Duration(5 * time.Second),
		},
		Embedding: EmbeddingConfig{
			Enabled: true,
			BaseURL: "http://localhost:8080/v1",
			Model:   "BAAI/bge-small-en-v1.5",
			Timeout: Duration(10 * time.Second),
		},
		Session: SessionConfig{
			IdleTimeout: Duration(90 * time.Minute),
			ResumeTTL:   Duration(24 * time.Hour),
		},
		Relevance: RelevanceConfig{
			TopK:                5,
			SimilarityThreshold: 0.35,
		},
		Cache: CacheConfig{
			Size: 128,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			Insecure:       true,
			SampleRate:     1.0,
			MetricInterval: Duration(15 * time.Second),
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Embedding.Enabled {
		if c.Embedding.BaseURL == "" {
			errs = append(errs, errors.New("embedding.base_url is required when embedding is enabled"))
		}
		if c.Embedding.Model == "" {
			errs = append(errs, errors.New("embedding.model is required when embedding is enabled"))
		}
		if c.Embedding.Timeout.Duration() <= 0 {
			errs = append(errs, errors.New("embedding.timeout must be positive"))
		}
	}
	if c.Session.IdleTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("session.idle_timeout must be positive"))
	}
	if c.Relevance.TopK <= 0 {
		errs = append(errs, errors.New("relevance.top_k must be positive"))
	}
	if c.Relevance.SimilarityThreshold < 0 || c.Relevance.SimilarityThreshold > 1 {
		errs = append(errs, errors.New("relevance.similarity_threshold must be in [0,1]"))
	}
	if c.Cache.Size <= 0 {
		errs = append(errs, errors.New("cache.size must be positive"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, console", c.Log.Format))
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			errs = append(errs, errors.New("telemetry.sample_rate must be in [0,1]"))
		}
		if c.Telemetry.MetricInterval.Duration() <= 0 {
			errs = append(errs, errors.New("telemetry.metric_interval must be positive"))
		}
	}

	return errors.Join(errs...)
}
