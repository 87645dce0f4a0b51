// Package dispatch decodes client frames into per-variant handlers and
// classifies each handler's result into one of NoResponse/Response/
// ResponseWithBroadcast/ResponseWithGlobalBroadcast (spec §4.8).
// Grounded on the teacher's internal/hub/dispatch.go central
// switch-based Dispatch(ctx, action) router — the one-switch,
// one-case-per-message-type structure is kept, regrounded on
// ClientMessage variants instead of UI HubActions.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fugue-hub/fugue/internal/orchestration"
	"github.com/fugue-hub/fugue/internal/protocol"
	"github.com/fugue-hub/fugue/internal/session"
)

// ResultKind classifies how a handler's outcome should be delivered.
type ResultKind int

const (
	KindNoResponse ResultKind = iota
	KindResponse
	KindResponseWithBroadcast
	KindResponseWithGlobalBroadcast
)

// Result is the uniform return value of every handler.
type Result struct {
	Kind      ResultKind
	Response  *protocol.ServerMessage // reply to originator; nil for NoResponse
	SessionID uuid.UUID               // target session for KindResponseWithBroadcast
	Broadcast *protocol.ServerMessage // fan-out payload (may differ from Response)
}

func noResponse() Result { return Result{Kind: KindNoResponse} }

func response(msg *protocol.ServerMessage) Result {
	return Result{Kind: KindResponse, Response: msg}
}

func responseWithBroadcast(resp *protocol.ServerMessage, sessionID uuid.UUID, broadcast *protocol.ServerMessage) Result {
	return Result{Kind: KindResponseWithBroadcast, Response: resp, SessionID: sessionID, Broadcast: broadcast}
}

func responseWithGlobalBroadcast(resp, broadcast *protocol.ServerMessage) Result {
	return Result{Kind: KindResponseWithGlobalBroadcast, Response: resp, Broadcast: broadcast}
}

func errorResult(code protocol.ErrorCode, message string) Result {
	return response(&protocol.ServerMessage{Type: "error", Code: code, Message: message})
}

// PtyController is the subset of pane-lifecycle operations the
// dispatcher needs from the PTY layer; kept as an interface so handler
// logic can be tested without spawning real processes.
type PtyController interface {
	Spawn(paneID uuid.UUID, cols, rows uint16) error
	Write(paneID uuid.UUID, data []byte) error
	Resize(paneID uuid.UUID, cols, rows uint16) error
	Kill(paneID uuid.UUID) (exitCode *int, warning error)
}

// Dispatcher wires together the session tree, the PTY controller, and
// the orchestration router to answer ClientMessages.
type Dispatcher struct {
	Sessions *session.Manager
	Pty      PtyController
	Router   *orchestration.Router
}

// New creates a Dispatcher.
func New(sessions *session.Manager, pty PtyController, router *orchestration.Router) *Dispatcher {
	return &Dispatcher{Sessions: sessions, Pty: pty, Router: router}
}

// Dispatch decodes msg's Type discriminator and routes to the matching
// handler. clientID identifies the connection that sent msg; it is
// passed to the orchestration router as the sender.
func (d *Dispatcher) Dispatch(clientID uuid.UUID, msg *protocol.ClientMessage) Result {
	switch msg.Type {
	case "connect":
		return d.handleConnect(msg)
	case "create_session":
		return d.handleCreateSession(msg)
	case "create_session_with_options":
		return d.handleCreateSessionWithOptions(msg)
	case "rename_session":
		return d.handleRenameSession(msg)
	case "kill_session":
		return d.handleKillSession(msg)
	case "create_window":
		return d.handleCreateWindow(msg)
	case "create_pane":
		return d.handleCreatePane(msg)
	case "select_pane":
		return d.handleSelectPane(msg)
	case "close_pane":
		return d.handleClosePane(msg)
	case "resize":
		return d.handleResize(msg)
	case "send_input":
		return d.handleSendInput(msg)
	case "set_environment":
		return d.handleSetEnvironment(msg)
	case "set_metadata":
		return d.handleSetMetadata(msg)
	case "set_tags":
		return d.handleSetTags(msg)
	case "send_orchestration":
		return d.handleSendOrchestration(clientID, msg)
	case "ping":
		return response(&protocol.ServerMessage{Type: "pong"})
	default:
		return errorResult(protocol.ErrInvalidOperation, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (d *Dispatcher) handleConnect(msg *protocol.ClientMessage) Result {
	if msg.ProtocolVersion != protocol.ProtocolVersion {
		return errorResult(protocol.ErrInvalidOperation, fmt.Sprintf("unsupported protocol version %d", msg.ProtocolVersion))
	}
	return response(&protocol.ServerMessage{Type: "connected", ServerVersion: protocol.ProtocolVersion})
}

func (d *Dispatcher) handleCreateSession(msg *protocol.ClientMessage) Result {
	s := d.Sessions.CreateSession(msg.Name)
	view := toSessionView(s)
	created := &protocol.ServerMessage{Type: "session_created_with_details", Session: view, ShouldFocus: true}
	changed := &protocol.ServerMessage{Type: "sessions_changed", Sessions: []protocol.SessionView{*view}}
	return responseWithGlobalBroadcast(created, changed)
}

func (d *Dispatcher) handleCreateSessionWithOptions(msg *protocol.ClientMessage) Result {
	s := d.Sessions.CreateSession(msg.Name)
	if len(msg.Tags) > 0 {
		d.Sessions.SetTags(s.ID, msg.Tags, nil)
	}
	for k, v := range msg.Environment {
		d.Sessions.SetEnvironment(s.ID, k, v)
	}
	for k, v := range msg.Metadata {
		d.Sessions.SetMetadata(s.ID, k, v)
	}
	view := toSessionView(s)
	created := &protocol.ServerMessage{Type: "session_created_with_details", Session: view, ShouldFocus: true}
	changed := &protocol.ServerMessage{Type: "sessions_changed", Sessions: []protocol.SessionView{*view}}
	return responseWithGlobalBroadcast(created, changed)
}

func (d *Dispatcher) handleRenameSession(msg *protocol.ClientMessage) Result {
	if err := d.Sessions.RenameSession(msg.SessionID, msg.Name); err != nil {
		return toErrorResult(err)
	}
	return responseWithGlobalBroadcast(
		&protocol.ServerMessage{Type: "session_renamed"},
		&protocol.ServerMessage{Type: "sessions_changed"},
	)
}

func (d *Dispatcher) handleKillSession(msg *protocol.ClientMessage) Result {
	if err := d.Sessions.KillSession(msg.SessionID); err != nil {
		return toErrorResult(err)
	}
	return responseWithGlobalBroadcast(
		&protocol.ServerMessage{Type: "session_killed", PaneID: msg.SessionID},
		&protocol.ServerMessage{Type: "sessions_changed"},
	)
}

func (d *Dispatcher) handleCreateWindow(msg *protocol.ClientMessage) Result {
	w, err := d.Sessions.CreateWindow(msg.SessionID, msg.Name)
	if err != nil {
		return toErrorResult(err)
	}
	_ = w
	return responseWithBroadcast(
		&protocol.ServerMessage{Type: "window_created"},
		msg.SessionID,
		&protocol.ServerMessage{Type: "sessions_changed"},
	)
}

// handleCreatePane spawns a pane at the next index (Direction is
// advisory only — Open Question (a): a new pane always appends).
func (d *Dispatcher) handleCreatePane(msg *protocol.ClientMessage) Result {
	cols, rows := msg.Cols, msg.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	p, err := d.Sessions.CreatePane(msg.WindowID, cols, rows)
	if err != nil {
		return toErrorResult(err)
	}
	if err := d.Pty.Spawn(p.ID, cols, rows); err != nil {
		return errorResult(protocol.ErrInternalError, fmt.Sprintf("spawn pty: %v", err))
	}

	view := &protocol.PaneView{ID: p.ID, Index: p.Index, Cols: p.Cols, Rows: p.Rows}
	payload := &protocol.ServerMessage{Type: "pane_created", Pane: view}
	sessionID, sessErr := sessionIDForWindow(d.Sessions, msg.WindowID)
	if sessErr != nil {
		return response(payload)
	}
	return responseWithBroadcast(payload, sessionID, payload)
}

func (d *Dispatcher) handleSelectPane(msg *protocol.ClientMessage) Result {
	if err := d.Sessions.SelectPane(msg.PaneID); err != nil {
		return toErrorResult(err)
	}
	return noResponse()
}

func (d *Dispatcher) handleClosePane(msg *protocol.ClientMessage) Result {
	exitCode, killErr := d.Pty.Kill(msg.PaneID)
	_ = killErr // best-effort: kill failure is a warning, not a dispatch error (spec §4.8)

	sessionID, _ := sessionIDForPane(d.Sessions, msg.PaneID)
	if err := d.Sessions.ClosePane(msg.PaneID, exitCode); err != nil {
		return toErrorResult(err)
	}

	payload := &protocol.ServerMessage{Type: "pane_closed", PaneID: msg.PaneID, ExitCode: exitCode}
	return responseWithBroadcast(payload, sessionID, payload)
}

func (d *Dispatcher) handleResize(msg *protocol.ClientMessage) Result {
	_ = d.Pty.Resize(msg.PaneID, msg.Cols, msg.Rows) // warning on failure, per spec §4.8
	if err := d.Sessions.ResizePane(msg.PaneID, msg.Cols, msg.Rows); err != nil {
		return toErrorResult(err)
	}
	return noResponse()
}

func (d *Dispatcher) handleSendInput(msg *protocol.ClientMessage) Result {
	if err := d.Pty.Write(msg.PaneID, msg.Input); err != nil {
		return errorResult(protocol.ErrInternalError, fmt.Sprintf("write pty: %v", err))
	}
	return noResponse()
}

func (d *Dispatcher) handleSetEnvironment(msg *protocol.ClientMessage) Result {
	if err := d.Sessions.SetEnvironment(msg.SessionID, msg.Key, msg.Value); err != nil {
		return toErrorResult(err)
	}
	payload := &protocol.ServerMessage{Type: "environment_set"}
	return responseWithBroadcast(payload, msg.SessionID, payload)
}

func (d *Dispatcher) handleSetMetadata(msg *protocol.ClientMessage) Result {
	if err := d.Sessions.SetMetadata(msg.SessionID, msg.Key, msg.Value); err != nil {
		return toErrorResult(err)
	}
	payload := &protocol.ServerMessage{Type: "metadata_set"}
	return responseWithBroadcast(payload, msg.SessionID, payload)
}

func (d *Dispatcher) handleSetTags(msg *protocol.ClientMessage) Result {
	if err := d.Sessions.SetTags(msg.SessionID, msg.Add, msg.Remove); err != nil {
		return toErrorResult(err)
	}
	payload := &protocol.ServerMessage{Type: "tags_set"}
	return responseWithBroadcast(payload, msg.SessionID, payload)
}

func (d *Dispatcher) handleSendOrchestration(clientID uuid.UUID, msg *protocol.ClientMessage) Result {
	delivered, err := d.Router.Route(clientID, msg.Target, msg.Message)
	if err != nil {
		return toOrchestrationErrorResult(err)
	}
	return response(&protocol.ServerMessage{Type: "orchestration_sent", DeliveredCount: delivered})
}

func toErrorResult(err error) Result {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return errorResult(protocol.ErrSessionNotFound, err.Error())
	case errors.Is(err, session.ErrWindowNotFound):
		return errorResult(protocol.ErrWindowNotFound, err.Error())
	case errors.Is(err, session.ErrPaneNotFound):
		return errorResult(protocol.ErrPaneNotFound, err.Error())
	default:
		return errorResult(protocol.ErrInternalError, err.Error())
	}
}

func toOrchestrationErrorResult(err error) Result {
	switch {
	case errors.Is(err, orchestration.ErrNoRepository):
		return errorResult(protocol.ErrNoRepository, err.Error())
	case errors.Is(err, orchestration.ErrNoRecipients):
		return errorResult(protocol.ErrNoRecipients, err.Error())
	case errors.Is(err, orchestration.ErrInvalidOperation):
		return errorResult(protocol.ErrInvalidOperation, err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		return errorResult(protocol.ErrSessionNotFound, err.Error())
	default:
		return errorResult(protocol.ErrInternalError, err.Error())
	}
}

func sessionIDForWindow(sessions *session.Manager, windowID uuid.UUID) (uuid.UUID, error) {
	for _, s := range sessions.AllSessions() {
		for _, w := range s.Windows {
			if w.ID == windowID {
				return s.ID, nil
			}
		}
	}
	return uuid.UUID{}, session.ErrWindowNotFound
}

func sessionIDForPane(sessions *session.Manager, paneID uuid.UUID) (uuid.UUID, error) {
	for _, s := range sessions.AllSessions() {
		for _, w := range s.Windows {
			for _, p := range w.Panes {
				if p.ID == paneID {
					return s.ID, nil
				}
			}
		}
	}
	return uuid.UUID{}, session.ErrPaneNotFound
}

func toSessionView(s *session.Session) *protocol.SessionView {
	view := &protocol.SessionView{ID: s.ID, Name: s.Name}
	for tag := range s.Tags {
		view.Tags = append(view.Tags, tag)
	}
	for _, w := range s.Windows {
		wv := protocol.WindowView{ID: w.ID, Name: w.Name, Index: w.Index}
		for _, p := range w.Panes {
			wv.Panes = append(wv.Panes, protocol.PaneView{ID: p.ID, Index: p.Index, Cols: p.Cols, Rows: p.Rows})
		}
		view.Windows = append(view.Windows, wv)
	}
	return view
}
