// Package xdg resolves the daemon's on-disk layout per the XDG Base
// Directory specification, with the same fallbacks the original
// implementation used when the environment variables are unset.
package xdg

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

// AppName is the directory name used under every XDG base directory.
const AppName = "fugue"

// RuntimeDirEnv overrides runtime_dir resolution for tests, mirroring the
// teacher's BOTSTER_CONFIG_DIR test-override convention.
const RuntimeDirEnv = "FUGUE_RUNTIME_DIR"

// RuntimeDir returns $XDG_RUNTIME_DIR/fugue, falling back to
// /tmp/fugue-<uid> when XDG_RUNTIME_DIR is unset.
func RuntimeDir() string {
	if override := os.Getenv(RuntimeDirEnv); override != "" {
		return override
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	uid := strconv.Itoa(os.Getuid())
	return filepath.Join(os.TempDir(), AppName+"-"+uid)
}

// SocketPath returns $XDG_RUNTIME_DIR/fugue/fugue.sock.
func SocketPath() string {
	return filepath.Join(RuntimeDir(), "fugue.sock")
}

// PIDFile returns $XDG_RUNTIME_DIR/fugue/fugue.pid.
func PIDFile() string {
	return filepath.Join(RuntimeDir(), "fugue.pid")
}

// ConfigDir returns $XDG_CONFIG_HOME/fugue, falling back to ~/.config/fugue.
func ConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	return filepath.Join(homeDir(), ".config", AppName)
}

// ConfigFile returns the path to config.json under ConfigDir.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// StateDir returns $XDG_STATE_HOME/fugue, falling back to ~/.local/state/fugue.
func StateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	return filepath.Join(homeDir(), ".local", "state", AppName)
}

// LogDir returns StateDir()/log.
func LogDir() string {
	return filepath.Join(StateDir(), "log")
}

// SessionLogDir returns LogDir()/<session-id>.
func SessionLogDir(sessionID uuid.UUID) string {
	return filepath.Join(LogDir(), sessionID.String())
}

// DataDir returns $XDG_DATA_HOME/fugue, falling back to ~/.local/share/fugue.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	return filepath.Join(homeDir(), ".local", "share", AppName)
}

// CheckpointsDir returns DataDir()/checkpoints.
func CheckpointsDir() string {
	return filepath.Join(DataDir(), "checkpoints")
}

// WALDir returns DataDir()/wal.
func WALDir() string {
	return filepath.Join(DataDir(), "wal")
}

// CacheDir returns $XDG_CACHE_HOME/fugue, falling back to ~/.cache/fugue.
func CacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	return filepath.Join(homeDir(), ".cache", AppName)
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	return os.TempDir()
}

// EnsureDir creates path (and parents) if it does not already exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o700)
}

// EnsureAllDirs creates every directory the daemon depends on.
func EnsureAllDirs() error {
	for _, dir := range []string{RuntimeDir(), ConfigDir(), StateDir(), DataDir(), CacheDir(), LogDir(), CheckpointsDir(), WALDir()} {
		if err := EnsureDir(dir); err != nil {
			return err
		}
	}
	return nil
}
