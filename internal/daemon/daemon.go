// Package daemon is fugued's composition root: it wires session,
// registry, dispatch, orchestration, persist, watchdog, and worktree
// into a running server, owns the Unix socket clients and the MCP
// bridge connect to identically, and drives pane PTYs through the
// output poller and agent detectors.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fugue-hub/fugue/internal/config"
	"github.com/fugue-hub/fugue/internal/detect"
	"github.com/fugue-hub/fugue/internal/dispatch"
	"github.com/fugue-hub/fugue/internal/orchestration"
	"github.com/fugue-hub/fugue/internal/persist"
	"github.com/fugue-hub/fugue/internal/protocol"
	"github.com/fugue-hub/fugue/internal/ptymgr"
	"github.com/fugue-hub/fugue/internal/registry"
	"github.com/fugue-hub/fugue/internal/session"
	"github.com/fugue-hub/fugue/internal/watchdog"
	"github.com/fugue-hub/fugue/internal/worktree"
	"github.com/fugue-hub/fugue/internal/xdg"
)

// defaultShell is used when $SHELL is unset, matching common Linux
// distro defaults.
const defaultShell = "/bin/bash"

// checkpointTriggerTick is how often the checkpoint-policy loop wakes
// to check the interval and size triggers.
const checkpointTriggerTick = 5 * time.Second

// shutdownBroadcastTimeout bounds how long Shutdown waits for slow
// clients to receive the shutdown notice before giving up on them.
const shutdownBroadcastTimeout = 2 * time.Second

// paneRuntime tracks the live process side of a pane that the session
// tree itself (internal/session) has no business knowing about.
type paneRuntime struct {
	handle *ptymgr.Handle
	cancel context.CancelFunc
}

// Daemon owns every subsystem and the sockets/goroutines that drive them.
type Daemon struct {
	Config   *config.Config
	Sessions *session.Manager
	Registry *registry.Registry
	Router   *orchestration.Router
	Dispatch *dispatch.Dispatcher
	Persist  *persist.Manager
	Watchdog *watchdog.Manager
	Worktree worktree.Detector
	Log      *slog.Logger

	mu    sync.Mutex
	panes map[uuid.UUID]*paneRuntime

	listener *socketListener

	shutdownOnce sync.Once
}

// New wires every subsystem together but does not yet start accepting
// connections or replaying recovered state; call Start for that.
func New(cfg *config.Config, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := xdg.EnsureAllDirs(); err != nil {
		return nil, fmt.Errorf("ensure xdg directories: %w", err)
	}

	sessions := session.New(session.DefaultConfig())
	reg := registry.New(log)
	router := orchestration.New(sessions, reg)

	d := &Daemon{
		Config:   cfg,
		Sessions: sessions,
		Registry: reg,
		Router:   router,
		Worktree: worktree.NewGitDetector(log),
		Log:      log,
		panes:    make(map[uuid.UUID]*paneRuntime),
	}
	d.Watchdog = watchdog.New(d, log)
	d.Dispatch = dispatch.New(sessions, d, router)

	persistCfg := persist.DefaultConfig(filepath.Join(xdg.WALDir(), "fugue.wal"), xdg.CheckpointsDir(), xdg.PIDFile())
	mgr, recovery, err := persist.Open(persistCfg)
	if err != nil {
		return nil, fmt.Errorf("open persistence: %w", err)
	}
	d.Persist = mgr

	for _, w := range recovery.Warnings {
		log.Warn("recovery warning", "warning", w)
	}
	d.restore(recovery)

	return d, nil
}

// Start begins accepting client connections and runs until ctx is
// cancelled, at which point it shuts down gracefully.
func (d *Daemon) Start(ctx context.Context) error {
	socketPath := d.Config.EffectiveSocketPath()
	ln, err := newSocketListener(socketPath, d.Log)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	d.listener = ln

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.checkpointTriggerLoop(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- ln.Serve(ctx, d.handleConn) }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			d.Log.Error("socket accept loop exited", "error", err)
		}
	}

	wg.Wait()
	return d.Shutdown()
}

// Shutdown performs a final checkpoint, closes persistence, and removes
// the lock file. Safe to call more than once.
func (d *Daemon) Shutdown() error {
	var shutdownErr error
	d.shutdownOnce.Do(func() {
		d.notifyShutdown()
		d.Watchdog.StopAll()

		snaps := toSnapshots(d.Sessions.Snapshot())
		if err := d.Persist.Shutdown(snaps); err != nil {
			d.Log.Error("persistence shutdown failed", "error", err)
			shutdownErr = err
		}
		if d.listener != nil {
			d.listener.Close()
		}
	})
	return shutdownErr
}

// notifyShutdown gives every attached client a bounded window to
// receive a shutdown notice before sockets close. Unlike the
// per-output broadcasts in pty.go, this is a rare one-shot event
// where waiting briefly for a slow client is worth it, so it uses the
// awaiting Registry.BroadcastToSession rather than the drop-on-full
// TryBroadcastToSession.
func (d *Daemon) notifyShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownBroadcastTimeout)
	defer cancel()
	for _, s := range d.Sessions.AllSessions() {
		if _, err := d.Registry.BroadcastToSession(ctx, s.ID, &protocol.ServerMessage{Type: "server_shutting_down"}); err != nil {
			d.Log.Debug("shutdown notice did not reach every client", "session_id", s.ID, "error", err)
		}
	}
}

func shellCommand() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return defaultShell
}

func defaultDetectors() []detect.Detector {
	return []detect.Detector{detect.NewClaudeDetector(), detect.NewGeminiDetector()}
}
