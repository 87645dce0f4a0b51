// Package config loads the daemon's runtime configuration.
//
// Configuration is loaded from:
//  1. $XDG_CONFIG_HOME/fugue/config.json (file)
//  2. Environment variables (override file values)
//
// Environment variables:
//   - FUGUE_LOG_LEVEL: slog level (debug, info, warn, error)
//   - FUGUE_SOCKET_PATH: override the daemon's Unix socket path
//   - FUGUE_WORKTREE_BASE: base directory for session worktrees
//   - FUGUE_MAX_SESSIONS: maximum concurrent sessions
//   - FUGUE_CHECKPOINT_INTERVAL_SECS: seconds between WAL checkpoints
//   - FUGUE_MAX_WAL_SIZE_MB: WAL size threshold that forces a checkpoint
//   - FUGUE_CONFIG_DIR: override config directory (for testing)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fugue-hub/fugue/internal/xdg"
)

// Config holds daemon-wide settings that are not already covered by a
// dedicated package's own Config type (internal/persist, internal/poller,
// internal/mcpbridge all carry their own defaults and are configured
// directly by internal/daemon; this type holds the handful of knobs
// that affect daemon wiring itself).
type Config struct {
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `json:"log_level"`

	// SocketPath overrides internal/xdg's default Unix socket path.
	SocketPath string `json:"socket_path,omitempty"`

	// WorktreeBase is the default parent directory for session worktrees.
	WorktreeBase string `json:"worktree_base"`

	// MaxSessions is the maximum number of concurrent sessions the
	// daemon will create.
	MaxSessions int `json:"max_sessions"`

	// CheckpointIntervalSecs overrides internal/persist's default
	// checkpoint interval policy.
	CheckpointIntervalSecs int `json:"checkpoint_interval_secs"`

	// MaxWalSizeMB overrides internal/persist's default WAL-size
	// checkpoint trigger.
	MaxWalSizeMB int `json:"max_wal_size_mb"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	if homeDir == "" {
		homeDir = "."
	}

	return &Config{
		LogLevel:               "info",
		WorktreeBase:           filepath.Join(homeDir, "fugue-worktrees"),
		MaxSessions:            20,
		CheckpointIntervalSecs: 300,
		MaxWalSizeMB:           64,
	}
}

// ConfigDir returns the configuration directory, creating it if
// necessary. Respects FUGUE_CONFIG_DIR for testing, then falls back
// to internal/xdg's config directory.
func ConfigDir() (string, error) {
	if testDir := os.Getenv("FUGUE_CONFIG_DIR"); testDir != "" {
		if err := os.MkdirAll(testDir, 0o700); err != nil {
			return "", fmt.Errorf("could not create config directory: %w", err)
		}
		return testDir, nil
	}

	dir := xdg.ConfigDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("could not create config directory: %w", err)
	}
	return dir, nil
}

// ConfigPath returns the path to config.json.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads configuration from file and applies environment variable
// overrides. Priority: environment variables > config file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.loadFromFile(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("invalid config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) loadFromFile() error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, c)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FUGUE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("FUGUE_SOCKET_PATH"); v != "" {
		c.SocketPath = v
	}
	if v := os.Getenv("FUGUE_WORKTREE_BASE"); v != "" {
		c.WorktreeBase = v
	}
	if v := os.Getenv("FUGUE_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxSessions = n
		}
	}
	if v := os.Getenv("FUGUE_CHECKPOINT_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CheckpointIntervalSecs = n
		}
	}
	if v := os.Getenv("FUGUE_MAX_WAL_SIZE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxWalSizeMB = n
		}
	}
}

// Save writes configuration to the config file.
func (c *Config) Save() error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("could not write config file: %w", err)
	}
	return nil
}

// EffectiveSocketPath returns SocketPath if set, otherwise internal/xdg's default.
func (c *Config) EffectiveSocketPath() string {
	if c.SocketPath != "" {
		return c.SocketPath
	}
	return xdg.SocketPath()
}
