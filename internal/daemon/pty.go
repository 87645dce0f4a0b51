package daemon

import (
	"context"

	"github.com/google/uuid"

	"github.com/fugue-hub/fugue/internal/poller"
	"github.com/fugue-hub/fugue/internal/protocol"
	"github.com/fugue-hub/fugue/internal/ptymgr"
	"github.com/fugue-hub/fugue/internal/session"
)

// Spawn implements dispatch.PtyController. dispatch never names a
// command — this daemon decides it: the user's shell, via
// shellCommand.
func (d *Daemon) Spawn(paneID uuid.UUID, cols, rows uint16) error {
	s, w, p, err := d.findPane(paneID)
	if err != nil {
		return err
	}

	cwd := ""
	if p.Cwd != nil {
		cwd = *p.Cwd
	} else if s.Worktree != nil {
		cwd = s.Worktree.Path
	}

	cfg := ptymgr.PtyConfig{
		Command:     shellCommand(),
		Dir:         cwd,
		Env:         s.Environment,
		Cols:        cols,
		Rows:        rows,
		SessionID:   s.ID.String(),
		SessionName: s.Name,
		WindowID:    w.ID,
		PaneID:      paneID,
	}

	handle, err := ptymgr.Spawn(cfg)
	if err != nil {
		return err
	}

	if err := d.Sessions.SetDetectors(paneID, defaultDetectors()); err != nil {
		d.Log.Warn("failed to install detectors", "pane_id", paneID, "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.panes[paneID] = &paneRuntime{handle: handle, cancel: cancel}
	d.mu.Unlock()

	sessionID := s.ID
	pc := poller.New(
		poller.DefaultConfig(),
		handle.CloneReader(),
		handle,
		d.onPaneFlush(paneID, sessionID),
		d.onPaneClosed(paneID, sessionID),
		d.Log,
	)
	go pc.Run(ctx)

	return nil
}

// Write implements dispatch.PtyController and watchdog.PtyWriter.
func (d *Daemon) Write(paneID uuid.UUID, data []byte) error {
	pr, ok := d.paneRuntime(paneID)
	if !ok {
		return ptymgr.ErrBrokenPipe
	}
	return pr.handle.WriteAll(data)
}

// Resize implements dispatch.PtyController.
func (d *Daemon) Resize(paneID uuid.UUID, cols, rows uint16) error {
	pr, ok := d.paneRuntime(paneID)
	if !ok {
		return nil
	}
	return pr.handle.Resize(cols, rows)
}

// Kill implements dispatch.PtyController: stops the poller, kills the
// child, and reports its exit code for ClosePane's broadcast.
func (d *Daemon) Kill(paneID uuid.UUID) (*int, error) {
	d.mu.Lock()
	pr, ok := d.panes[paneID]
	if ok {
		delete(d.panes, paneID)
	}
	d.mu.Unlock()
	if !ok {
		return nil, nil
	}

	pr.cancel()
	err := pr.handle.Kill()
	code, exited := pr.handle.ExitCode()
	if !exited {
		return nil, err
	}
	return &code, err
}

func (d *Daemon) paneRuntime(paneID uuid.UUID) (*paneRuntime, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pr, ok := d.panes[paneID]
	return pr, ok
}

// onPaneFlush is the poller's FlushFunc for one pane: append to
// scrollback, feed every registered detector, broadcast Output and any
// detector-driven StateChanged to the session's attached clients (spec
// §4.3 step (i)-(iii), §4.4's broadcast contract).
func (d *Daemon) onPaneFlush(paneID, sessionID uuid.UUID) poller.FlushFunc {
	return func(data []byte) {
		p, err := d.Sessions.Pane(paneID)
		if err != nil {
			return
		}
		if p.Scrollback != nil {
			p.Scrollback.PushBytes(data)
		}

		text := string(data)
		for _, det := range p.Detectors {
			state := det.Analyze(text)
			if state == nil {
				continue
			}
			d.Sessions.SetPaneState(paneID, session.PaneState{Kind: session.PaneStateAgent, Agent: state})
			d.Registry.TryBroadcastToSession(sessionID, &protocol.ServerMessage{
				Type:      "state_changed",
				PaneID:    paneID,
				AgentType: state.AgentType,
				Activity:  string(state.Activity),
				AgentMeta: state.Metadata,
			})
		}

		d.Registry.TryBroadcastToSession(sessionID, &protocol.ServerMessage{
			Type: "output", PaneID: paneID, Data: data,
		})
	}
}

// onPaneClosed is the poller's ClosedFunc: mark the pane exited and
// broadcast PaneClosed, mirroring dispatch's ClosePane handler for the
// case where the child exits on its own rather than via an explicit
// close_pane request.
func (d *Daemon) onPaneClosed(paneID, sessionID uuid.UUID) poller.ClosedFunc {
	return func(exitCode *int) {
		d.mu.Lock()
		delete(d.panes, paneID)
		d.mu.Unlock()

		if err := d.Sessions.ClosePane(paneID, exitCode); err != nil {
			d.Log.Debug("pane already removed before poller close", "pane_id", paneID, "error", err)
			return
		}
		d.Registry.TryBroadcastToSession(sessionID, &protocol.ServerMessage{
			Type: "pane_closed", PaneID: paneID, ExitCode: exitCode,
		})
	}
}

// findPane locates a pane's owning session and window, mirroring
// internal/dispatch's unexported sessionIDForPane/sessionIDForWindow
// helpers (kept private there to avoid leaking session internals, so
// this daemon-local copy walks the exported AllSessions tree instead).
func (d *Daemon) findPane(paneID uuid.UUID) (*session.Session, *session.Window, *session.Pane, error) {
	for _, s := range d.Sessions.AllSessions() {
		for _, w := range s.Windows {
			for _, p := range w.Panes {
				if p.ID == paneID {
					return s, w, p, nil
				}
			}
		}
	}
	return nil, nil, nil, session.ErrPaneNotFound
}

func (d *Daemon) sessionIDForPane(paneID uuid.UUID) (uuid.UUID, error) {
	s, _, _, err := d.findPane(paneID)
	if err != nil {
		return uuid.UUID{}, err
	}
	return s.ID, nil
}
