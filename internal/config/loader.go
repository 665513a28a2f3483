package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// envPrefix is stripped from environment variables before mapping.
	// MEMLOCKD_DATABASE_PATH -> database.path
	envPrefix = "MEMLOCKD_"

	// maxConfigFileSize guards against pathological config files.
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Load builds configuration from defaults, an optional YAML file, and
// environment variables, in increasing order of precedence.
//
// configPath may be empty, in which case only defaults and environment
// variables apply. A missing file at a non-empty path is an error; callers
// that want "load if present" should stat first.
//
// Environment variables use the MEMLOCKD_ prefix with underscore-separated
// section paths:
//
//	MEMLOCKD_DATABASE_PATH        -> database.path
//	MEMLOCKD_SESSION_IDLE_TIMEOUT -> session.idle_timeout
//	MEMLOCKD_EMBEDDING_BASE_URL   -> embedding.base_url
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	cfg := Default()

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// envTransform maps MEMLOCKD_SECTION_FIELD_NAME to section.field_name.
// The first underscore separates the section; the rest stay joined so
// multi-word field names like idle_timeout survive.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(s, "_", 2)
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile opens and reads a config file with a size limit, validating
// through the open file descriptor to avoid a stat/open race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return content, nil
}
