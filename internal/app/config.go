package app

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	// Paths are definition files or directories containing them.
	Paths []string

	LogFormat string
	LogLevel  string
	// LogFile, when set, receives a rotated copy of the log.
	LogFile string

	// DB is the history database: a sqlite path, "sqlite://<path>" or
	// "mysql://<dsn>". Empty disables persisted history.
	DB string
	// ArtifactRoot is the artifact store directory. Empty keeps artifacts
	// in memory.
	ArtifactRoot string
	// WorkspaceRoot holds job workspaces; empty means the system temp dir.
	WorkspaceRoot string
	WorkerCount   int
	// Retention is the default artifact lifetime and the history horizon.
	Retention time.Duration

	// Listen is the HTTP address used by Serve.
	Listen string
	// Docker enables docker:// environments. DockerHost overrides DOCKER_HOST.
	Docker     bool
	DockerHost string

	// SecretGrants maps a secret name to the permission required to read it.
	SecretGrants map[string]string
}

func NewConfig(cfg Config) (*Config, error) {
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, errors.New("invalid log-format: must be 'text' or 'json'")
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	switch cfg.LogLevel {
	case "":
		cfg.LogLevel = "info"
	case "debug", "info", "warn", "error":
	default:
		return nil, errors.New("invalid log-level: must be 'debug', 'info', 'warn', or 'error'")
	}

	if cfg.WorkerCount < 0 {
		return nil, fmt.Errorf("workers must not be negative, got %d", cfg.WorkerCount)
	}
	if cfg.Retention < 0 {
		return nil, fmt.Errorf("retention must not be negative, got %s", cfg.Retention)
	}
	if _, _, err := ParseDB(cfg.DB); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseDB splits a --db value into a history driver and DSN.
func ParseDB(s string) (driver, dsn string, err error) {
	switch {
	case s == "":
		return "", "", nil
	case strings.HasPrefix(s, "mysql://"):
		driver, dsn = "mysql", strings.TrimPrefix(s, "mysql://")
	case strings.HasPrefix(s, "sqlite://"):
		driver, dsn = "sqlite", strings.TrimPrefix(s, "sqlite://")
	case strings.Contains(s, "://"):
		return "", "", fmt.Errorf("unsupported database %q: want a sqlite path, sqlite:// or mysql://", s)
	default:
		driver, dsn = "sqlite", s
	}
	if dsn == "" {
		return "", "", fmt.Errorf("database %q has an empty DSN", s)
	}
	return driver, dsn, nil
}
