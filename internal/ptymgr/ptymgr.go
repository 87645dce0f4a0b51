// Package ptymgr owns pseudo-terminal handles: spawning child processes
// attached to PTYs and exposing read/write/resize/kill operations, per
// spec §4.2. Grounded on the teacher's internal/pty/session.go
// (pty.StartWithSize, pty.Setsize, reader-goroutine-plus-done-channel
// shutdown) and internal/agent/agent.go's dual-PTY Spawn/SpawnServer
// pattern, generalized into a single PtyHandle + PtyConfig builder.
package ptymgr

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// ErrBrokenPipe is returned by WriteAll when the child has already exited.
var ErrBrokenPipe = errors.New("ptymgr: broken pipe, child has exited")

// PtySpawnFailed wraps the underlying OS error from a failed spawn (spec §4.2).
type PtySpawnFailed struct {
	Reason error
}

func (e *PtySpawnFailed) Error() string {
	return fmt.Sprintf("pty spawn failed: %v", e.Reason)
}

func (e *PtySpawnFailed) Unwrap() error { return e.Reason }

// PtyConfig is a builder describing how to spawn a pane's child process.
// It injects the four CCMUX_* environment variables (spec §4.2 names
// them CCMUX_SESSION_ID/NAME/WINDOW_ID/PANE_ID even though the project
// is "fugue" — kept verbatim since they're the contract hosted agents
// already expect) plus optional BEADS_* variables.
type PtyConfig struct {
	Command    string
	Args       []string
	Dir        string
	Env        map[string]string
	EnvRemoves []string
	Cols, Rows uint16

	SessionID, SessionName string
	WindowID, PaneID       uuid.UUID

	BeadsEnabled bool
	BeadsDir     string
}

// BuildEnv produces the full environment slice for exec.Cmd, starting
// from the current process environment, applying removes, then the
// caller-supplied and self-awareness variables last so they win.
func (c PtyConfig) BuildEnv() []string {
	base := os.Environ()
	removed := make(map[string]bool, len(c.EnvRemoves))
	for _, k := range c.EnvRemoves {
		removed[k] = true
	}

	env := make([]string, 0, len(base)+len(c.Env)+8)
	for _, kv := range base {
		key, _, _ := splitEnv(kv)
		if !removed[key] {
			env = append(env, kv)
		}
	}
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}

	env = append(env,
		"CCMUX_SESSION_ID="+c.SessionID,
		"CCMUX_SESSION_NAME="+c.SessionName,
		"CCMUX_WINDOW_ID="+c.WindowID.String(),
		"CCMUX_PANE_ID="+c.PaneID.String(),
	)

	if c.BeadsEnabled && c.BeadsDir != "" {
		env = append(env, "BEADS_DIR="+c.BeadsDir, "BEADS_NO_DAEMON=1")
	}

	return env
}

func splitEnv(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return kv, "", false
}

// Handle owns a spawned PTY and its child process.
type Handle struct {
	mu       sync.Mutex
	file     *os.File
	cmd      *exec.Cmd
	exited   bool
	exitCode *int
}

// Spawn starts cfg.Command under a new PTY sized cfg.Cols x cfg.Rows.
func Spawn(cfg PtyConfig) (*Handle, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.BuildEnv()

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: cfg.Rows, Cols: cfg.Cols})
	if err != nil {
		return nil, &PtySpawnFailed{Reason: err}
	}

	h := &Handle{file: f, cmd: cmd}
	go h.waitForExit()
	return h, nil
}

func (h *Handle) waitForExit() {
	err := h.cmd.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exited = true
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}
	h.exitCode = &code
}

// WriteAll writes the full buffer to the PTY master, returning
// ErrBrokenPipe if the child has already exited.
func (h *Handle) WriteAll(data []byte) error {
	h.mu.Lock()
	exited := h.exited
	f := h.file
	h.mu.Unlock()

	if exited {
		return ErrBrokenPipe
	}

	_, err := f.Write(data)
	if err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrBrokenPipe
		}
		return err
	}
	return nil
}

// Resize is idempotent and succeeds even after the PTY has closed (a
// no-op at the OS level), per spec §4.2.
func (h *Handle) Resize(cols, rows uint16) error {
	h.mu.Lock()
	f := h.file
	exited := h.exited
	h.mu.Unlock()

	if exited {
		return nil
	}
	if err := pty.Setsize(f, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		// Ignore failures on an already-closed descriptor; that is the
		// "noop at OS level" spec §4.2 calls for.
		if errors.Is(err, os.ErrClosed) {
			return nil
		}
		return err
	}
	return nil
}

// SharedReader wraps the PTY master with a mutex so multiple clones
// read the same stream without interleaving (spec §4.2: "multiple
// clones read the same underlying stream and must be mutually excluded
// by a lock").
type SharedReader struct {
	mu   *sync.Mutex
	file *os.File
}

// Read implements io.Reader, serializing concurrent readers.
func (r *SharedReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.file.Read(p)
	if err != nil && isEOFLike(err) {
		return n, io.EOF
	}
	return n, err
}

func isEOFLike(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrClosed)
}

var sharedReaderLocks sync.Map // *os.File -> *sync.Mutex

// CloneReader returns a SharedReader over this handle's PTY master.
func (h *Handle) CloneReader() *SharedReader {
	h.mu.Lock()
	f := h.file
	h.mu.Unlock()

	lockIface, _ := sharedReaderLocks.LoadOrStore(f, &sync.Mutex{})
	return &SharedReader{mu: lockIface.(*sync.Mutex), file: f}
}

// Kill terminates the child; safe to call after natural exit.
func (h *Handle) Kill() error {
	h.mu.Lock()
	cmd := h.cmd
	exited := h.exited
	f := h.file
	h.mu.Unlock()

	if !exited && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// ExitCode returns the child's exit code once it has exited.
func (h *Handle) ExitCode() (code int, exited bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.exited || h.exitCode == nil {
		return 0, false
	}
	return *h.exitCode, true
}
