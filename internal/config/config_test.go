package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func setupTestEnv(t *testing.T) {
	t.Helper()
	tmpDir := t.TempDir()
	os.Setenv("FUGUE_CONFIG_DIR", tmpDir)

	for _, k := range []string{
		"FUGUE_LOG_LEVEL", "FUGUE_SOCKET_PATH", "FUGUE_WORKTREE_BASE",
		"FUGUE_MAX_SESSIONS", "FUGUE_CHECKPOINT_INTERVAL_SECS", "FUGUE_MAX_WAL_SIZE_MB",
	} {
		os.Unsetenv(k)
	}

	t.Cleanup(func() {
		os.Unsetenv("FUGUE_CONFIG_DIR")
		for _, k := range []string{
			"FUGUE_LOG_LEVEL", "FUGUE_SOCKET_PATH", "FUGUE_WORKTREE_BASE",
			"FUGUE_MAX_SESSIONS", "FUGUE_CHECKPOINT_INTERVAL_SECS", "FUGUE_MAX_WAL_SIZE_MB",
		} {
			os.Unsetenv(k)
		}
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.MaxSessions != 20 {
		t.Errorf("MaxSessions = %d, want 20", cfg.MaxSessions)
	}
	if cfg.CheckpointIntervalSecs != 300 {
		t.Errorf("CheckpointIntervalSecs = %d, want 300", cfg.CheckpointIntervalSecs)
	}
	if cfg.MaxWalSizeMB != 64 {
		t.Errorf("MaxWalSizeMB = %d, want 64", cfg.MaxWalSizeMB)
	}
}

func TestConfigSerialization(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SocketPath = "/tmp/fugue-test.sock"

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if loaded.SocketPath != cfg.SocketPath {
		t.Errorf("SocketPath = %q, want %q", loaded.SocketPath, cfg.SocketPath)
	}
}

func TestLoadFromFile(t *testing.T) {
	setupTestEnv(t)

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath() failed: %v", err)
	}

	fileConfig := &Config{
		LogLevel:               "debug",
		WorktreeBase:           "/custom/worktrees",
		MaxSessions:            5,
		CheckpointIntervalSecs: 60,
		MaxWalSizeMB:           16,
	}
	data, err := json.MarshalIndent(fileConfig, "", "  ")
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.MaxSessions != 5 {
		t.Errorf("MaxSessions = %d, want 5", cfg.MaxSessions)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	setupTestEnv(t)

	path, _ := ConfigPath()
	fileConfig := &Config{LogLevel: "warn", MaxSessions: 5}
	data, _ := json.MarshalIndent(fileConfig, "", "  ")
	os.WriteFile(path, data, 0o600)

	os.Setenv("FUGUE_LOG_LEVEL", "debug")
	os.Setenv("FUGUE_MAX_SESSIONS", "50")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q (env override)", cfg.LogLevel, "debug")
	}
	if cfg.MaxSessions != 50 {
		t.Errorf("MaxSessions = %d, want 50 (env override)", cfg.MaxSessions)
	}
}

func TestInvalidNumericEnvVarsIgnored(t *testing.T) {
	setupTestEnv(t)

	os.Setenv("FUGUE_MAX_SESSIONS", "not_a_number")
	os.Setenv("FUGUE_MAX_WAL_SIZE_MB", "also_bad")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.MaxSessions != 20 {
		t.Errorf("MaxSessions = %d, want default 20 (invalid env ignored)", cfg.MaxSessions)
	}
	if cfg.MaxWalSizeMB != 64 {
		t.Errorf("MaxWalSizeMB = %d, want default 64 (invalid env ignored)", cfg.MaxWalSizeMB)
	}
}

func TestSaveAndLoad(t *testing.T) {
	setupTestEnv(t)

	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	cfg.SocketPath = "/tmp/saved.sock"

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", loaded.LogLevel, "debug")
	}
	if loaded.SocketPath != "/tmp/saved.sock" {
		t.Errorf("SocketPath = %q, want %q", loaded.SocketPath, "/tmp/saved.sock")
	}
}

func TestConfigDirOverride(t *testing.T) {
	tmpDir := t.TempDir()
	customDir := filepath.Join(tmpDir, "custom_config")

	os.Setenv("FUGUE_CONFIG_DIR", customDir)
	t.Cleanup(func() { os.Unsetenv("FUGUE_CONFIG_DIR") })

	dir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir() failed: %v", err)
	}
	if dir != customDir {
		t.Errorf("ConfigDir() = %q, want %q", dir, customDir)
	}
	if _, err := os.Stat(customDir); os.IsNotExist(err) {
		t.Errorf("config directory was not created")
	}
}

func TestEffectiveSocketPathFallsBackToXDG(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.EffectiveSocketPath() == "" {
		t.Error("expected a non-empty default socket path")
	}

	cfg.SocketPath = "/custom/fugue.sock"
	if cfg.EffectiveSocketPath() != "/custom/fugue.sock" {
		t.Errorf("expected override to win, got %q", cfg.EffectiveSocketPath())
	}
}
