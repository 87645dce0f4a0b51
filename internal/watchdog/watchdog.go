// Package watchdog implements named, periodic PTY input injectors
// (spec §4.11): timers that type a message into a pane at a fixed
// interval, typically used to nudge a watcher agent into polling a
// worker agent. Grounded on
// original_source/fugue-server/src/watchdog.rs's WatchdogManager,
// translated from tokio tasks cancelled via a oneshot channel to
// goroutines cancelled via context.CancelFunc, the idiom the teacher's
// internal/pty reader loops and internal/tunnel.Manager already use.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultName is used when a caller starts a watchdog without naming it.
const DefaultName = "default"

// DefaultMessage is sent when a caller starts a watchdog without
// specifying one.
const DefaultMessage = "check"

// submitDelay is the pause between typing the message and sending the
// carriage return, long enough for TUI agents like Claude Code and
// Gemini CLI to treat Enter as a distinct keystroke event (BUG-054,
// bumped from 100ms to 200ms per BUG-071).
const submitDelay = 200 * time.Millisecond

// PtyWriter is the narrow capability watchdog needs from the pane's
// PTY handle: injecting input. Kept separate from dispatch.PtyController
// so this package doesn't need to import dispatch.
type PtyWriter interface {
	Write(paneID uuid.UUID, data []byte) error
}

// State describes one running watchdog timer.
type State struct {
	Name        string
	PaneID      uuid.UUID
	IntervalSecs uint64
	Message     string
}

// Manager runs any number of independently named watchdog timers.
type Manager struct {
	mu     sync.Mutex
	states map[string]State
	cancel map[string]context.CancelFunc

	pty PtyWriter
	log *slog.Logger
}

// New creates a Manager that injects input through pty.
func New(pty PtyWriter, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		states: make(map[string]State),
		cancel: make(map[string]context.CancelFunc),
		pty:    pty,
		log:    log,
	}
}

// Start starts a watchdog with the given name (DefaultName if empty)
// targeting paneID, sending message (DefaultMessage if empty) every
// intervalSecs. An existing watchdog with the same name is stopped
// first. Returns the new timer's state.
func (m *Manager) Start(paneID uuid.UUID, intervalSecs uint64, message, name string) State {
	if name == "" {
		name = DefaultName
	}
	if message == "" {
		message = DefaultMessage
	}

	m.mu.Lock()
	m.stopLocked(name)
	m.mu.Unlock()

	state := State{Name: name, PaneID: paneID, IntervalSecs: intervalSecs, Message: message}

	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.states[name] = state
	m.cancel[name] = cancel
	m.mu.Unlock()

	go m.run(ctx, state)

	m.log.Info("watchdog timer started", "name", name, "pane_id", paneID, "interval_secs", intervalSecs, "message", message)
	return state
}

// Stop stops the named watchdog, or every watchdog if name is empty.
// Returns true if at least one timer was stopped.
func (m *Manager) Stop(name string) bool {
	if name != "" {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.stopLocked(name)
	}
	return m.StopAll()
}

// StopAll stops every running watchdog and reports whether any were running.
func (m *Manager) StopAll() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	any := false
	for name := range m.states {
		if m.stopLocked(name) {
			any = true
		}
	}
	if any {
		m.log.Info("all watchdog timers stopped")
	}
	return any
}

// stopLocked must be called with mu held.
func (m *Manager) stopLocked(name string) bool {
	cancel, ok := m.cancel[name]
	if !ok {
		return false
	}
	cancel()
	delete(m.cancel, name)
	delete(m.states, name)
	m.log.Info("watchdog timer stopped", "name", name)
	return true
}

// Status returns the state of the named watchdog, or every watchdog's
// state if name is empty.
func (m *Manager) Status(name string) []State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name != "" {
		if s, ok := m.states[name]; ok {
			return []State{s}
		}
		return nil
	}

	out := make([]State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	return out
}

// IsRunning reports whether any watchdog is running.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states) > 0
}

// IsRunningByName reports whether the named watchdog is running.
func (m *Manager) IsRunningByName(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[name]
	return ok
}

// Count returns the number of running watchdogs.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

// run is the per-watchdog background loop: sleep, type the message,
// pause, submit with a carriage return, repeat until ctx is cancelled.
func (m *Manager) run(ctx context.Context, state State) {
	interval := time.Duration(state.IntervalSecs) * time.Second
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Debug("watchdog timer cancelled", "name", state.Name)
			return
		case <-timer.C:
			m.fire(state)
			timer.Reset(interval)
		}
	}
}

// fire sends the watchdog's message, pauses, then submits with a
// carriage return sent as a second, separate write. A missing pane is
// logged and the timer keeps running, since the pane may be recreated
// or the watchdog stopped explicitly later.
func (m *Manager) fire(state State) {
	if err := m.pty.Write(state.PaneID, []byte(state.Message)); err != nil {
		m.log.Warn("failed to send watchdog message to pane", "name", state.Name, "pane_id", state.PaneID, "error", err)
		return
	}

	time.Sleep(submitDelay)

	if err := m.pty.Write(state.PaneID, []byte("\r")); err != nil {
		m.log.Warn("failed to send watchdog submit to pane", "name", state.Name, "pane_id", state.PaneID, "error", err)
		return
	}
	m.log.Debug("sent watchdog message", "name", state.Name, "pane_id", state.PaneID)
}
