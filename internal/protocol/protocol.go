// Package protocol defines the wire format exchanged between the daemon
// and its clients (interactive TUIs and the MCP bridge alike): a tagged
// union of ClientMessage/ServerMessage values framed with a length
// prefix and encoded with CBOR, the self-describing binary codec the
// persistence layer also uses for its records.
package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ProtocolVersion is bumped whenever the wire shape changes incompatibly.
const ProtocolVersion = 1

// MaxFrameSize guards against a corrupt or hostile length prefix.
const MaxFrameSize = 64 << 20 // 64 MiB

// ErrorCode is the closed taxonomy surfaced to clients (spec §7).
type ErrorCode string

const (
	ErrSessionNotFound     ErrorCode = "session_not_found"
	ErrWindowNotFound      ErrorCode = "window_not_found"
	ErrPaneNotFound        ErrorCode = "pane_not_found"
	ErrInvalidOperation    ErrorCode = "invalid_operation"
	ErrInternalError       ErrorCode = "internal_error"
	ErrPermissionDenied    ErrorCode = "permission_denied"
	ErrDisconnected        ErrorCode = "disconnected"
	ErrTimeout             ErrorCode = "timeout"
	ErrRecoveringConn      ErrorCode = "recovering_connection"
	ErrNoRepository        ErrorCode = "no_repository"
	ErrNoRecipients        ErrorCode = "no_recipients"
	ErrPersistence         ErrorCode = "persistence"
)

// ClientMessage is the tagged union of requests a client may send.
// Only the fields relevant to Type are populated, mirroring the
// teacher's TerminalMessage builder-function pattern in
// internal/relay/types.go, generalized from a flat single-purpose
// struct to the full request surface spec §4.8 names.
type ClientMessage struct {
	Type string `cbor:"type"`

	// Connect
	ClientID        uuid.UUID `cbor:"client_id,omitempty"`
	ProtocolVersion int       `cbor:"protocol_version,omitempty"`

	// Session/window/pane addressing
	SessionID uuid.UUID `cbor:"session_id,omitempty"`
	WindowID  uuid.UUID `cbor:"window_id,omitempty"`
	PaneID    uuid.UUID `cbor:"pane_id,omitempty"`

	// CreateSession / CreateSessionWithOptions
	Name         string            `cbor:"name,omitempty"`
	Tags         []string          `cbor:"tags,omitempty"`
	Environment  map[string]string `cbor:"environment,omitempty"`
	Metadata     map[string]string `cbor:"metadata,omitempty"`

	// CreatePane
	Direction string `cbor:"direction,omitempty"`
	Cols      uint16 `cbor:"cols,omitempty"`
	Rows      uint16 `cbor:"rows,omitempty"`

	// SendInput
	Input []byte `cbor:"input,omitempty"`

	// SetEnvironment / SetMetadata
	Key   string `cbor:"key,omitempty"`
	Value string `cbor:"value,omitempty"`

	// SetTags
	Add    []string `cbor:"add,omitempty"`
	Remove []string `cbor:"remove,omitempty"`

	// SendOrchestration
	Target  OrchestrationTarget `cbor:"target,omitempty"`
	Message []byte              `cbor:"message,omitempty"`

	// Ping carries no payload.
}

// OrchestrationTarget is one of Session(id), Tagged(tag), Broadcast, Worktree(path).
type OrchestrationTarget struct {
	Kind      string    `cbor:"kind"` // "session" | "tagged" | "broadcast" | "worktree"
	SessionID uuid.UUID `cbor:"session_id,omitempty"`
	Tag       string    `cbor:"tag,omitempty"`
	Worktree  string    `cbor:"worktree,omitempty"`
}

// ServerMessage is the tagged union of replies/broadcasts the daemon emits.
type ServerMessage struct {
	Type string `cbor:"type"`

	// Connected
	ServerVersion int `cbor:"server_version,omitempty"`

	// Error
	Code    ErrorCode `cbor:"code,omitempty"`
	Message string    `cbor:"message,omitempty"`

	// SessionsChanged / SessionCreatedWithDetails
	Sessions    []SessionView `cbor:"sessions,omitempty"`
	Session     *SessionView  `cbor:"session,omitempty"`
	ShouldFocus bool          `cbor:"should_focus,omitempty"`

	// PaneCreated / PaneClosed
	Pane     *PaneView `cbor:"pane,omitempty"`
	PaneID   uuid.UUID `cbor:"pane_id,omitempty"`
	ExitCode *int      `cbor:"exit_code,omitempty"`

	// Output
	Data []byte `cbor:"data,omitempty"`

	// OrchestrationReceived
	FromSessionID uuid.UUID `cbor:"from_session_id,omitempty"`
	DeliveredCount int      `cbor:"delivered_count,omitempty"`

	// StateChanged (agent detector broadcast, spec §4.4)
	AgentType string            `cbor:"agent_type,omitempty"`
	Activity  string            `cbor:"activity,omitempty"`
	AgentMeta map[string]string `cbor:"agent_metadata,omitempty"`

	// Pong carries no payload beyond Type.
}

// SessionView/PaneView are wire-friendly projections of the session tree;
// internal/dispatch's toSessionView converts the live session types into
// these before sending.
type SessionView struct {
	ID       uuid.UUID  `cbor:"id"`
	Name     string     `cbor:"name"`
	Tags     []string   `cbor:"tags,omitempty"`
	Windows  []WindowView `cbor:"windows,omitempty"`
}

type WindowView struct {
	ID    uuid.UUID  `cbor:"id"`
	Name  string     `cbor:"name"`
	Index int        `cbor:"index"`
	Panes []PaneView `cbor:"panes,omitempty"`
}

type PaneView struct {
	ID    uuid.UUID `cbor:"id"`
	Index int       `cbor:"index"`
	Cols  uint16    `cbor:"cols"`
	Rows  uint16    `cbor:"rows"`
}

// WriteFrame writes a length-delimited CBOR-encoded frame to w.
func WriteFrame(w io.Writer, v interface{}) error {
	body, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-delimited CBOR frame from r and decodes it into v.
func ReadFrame(r *bufio.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	if err := cbor.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// IsBroadcast reports whether a ServerMessage type is a broadcast (not a
// direct response to a specific request), used by the MCP bridge to
// separate response pairing from fan-out notifications.
func IsBroadcast(msgType string) bool {
	switch msgType {
	case "output", "state_changed", "pane_created", "pane_closed",
		"sessions_changed", "focused", "viewport_updated", "orchestration_received":
		return true
	default:
		return false
	}
}
