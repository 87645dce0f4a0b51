// Package persist implements crash-recovery persistence: a write-ahead
// log of fine-grained mutations plus periodic full-tree checkpoints
// (spec §4.7, §6). Grounded on
// original_source/ccmux-server/src/persistence/{wal,checkpoint,types}.rs
// for the magic bytes, version gate, and entry/snapshot shapes, and on
// the teacher's internal/config.Config.Save write-to-temp-then-rename
// idiom for checkpoint atomicity. CBOR (github.com/fxamacker/cbor/v2)
// replaces bincode as the self-describing binary codec, matching
// internal/protocol's wire format.
package persist

import (
	"time"

	"github.com/google/uuid"
)

// CheckpointVersion history:
//
//	v1 introduced the flat ClaudeState pane variant.
//	v2 replaced it with the generalized AgentState variant once Gemini
//	   support landed, per FEAT-084.
const CheckpointVersion uint32 = 2

// CheckpointMagic identifies a checkpoint file on disk.
var CheckpointMagic = [4]byte{'C', 'C', 'C', 'P'}

// CompressionMethod names how a ScrollbackSnapshot's bytes were packed.
type CompressionMethod string

const (
	CompressionNone CompressionMethod = ""
	CompressionLZ4  CompressionMethod = "lz4"
	CompressionZstd CompressionMethod = "zstd"
)

// ScrollbackSnapshot is a pane's scrollback as captured at checkpoint time.
type ScrollbackSnapshot struct {
	LineCount      int               `cbor:"line_count"`
	CompressedData []byte            `cbor:"compressed_data"`
	Compression    CompressionMethod `cbor:"compression,omitempty"`
}

// PaneSnapshot is one pane's persisted state.
type PaneSnapshot struct {
	ID         uuid.UUID           `cbor:"id"`
	WindowID   uuid.UUID           `cbor:"window_id"`
	Index      int                 `cbor:"index"`
	Cols       uint16              `cbor:"cols"`
	Rows       uint16              `cbor:"rows"`
	StateKind  string              `cbor:"state_kind"` // "normal" | "agent" | "exited" | "status"
	AgentType  string              `cbor:"agent_type,omitempty"`
	ExitCode   *int                `cbor:"exit_code,omitempty"`
	Name       string              `cbor:"name,omitempty"`
	Title      string              `cbor:"title,omitempty"`
	Cwd        string              `cbor:"cwd,omitempty"`
	CreatedAt  int64               `cbor:"created_at"`
	Scrollback *ScrollbackSnapshot `cbor:"scrollback,omitempty"`
}

// WindowSnapshot is one window's persisted state.
type WindowSnapshot struct {
	ID           uuid.UUID      `cbor:"id"`
	SessionID    uuid.UUID      `cbor:"session_id"`
	Name         string         `cbor:"name"`
	Index        int            `cbor:"index"`
	Panes        []PaneSnapshot `cbor:"panes"`
	ActivePaneID *uuid.UUID     `cbor:"active_pane_id,omitempty"`
	CreatedAt    int64          `cbor:"created_at"`
}

// SessionSnapshot is one session's persisted state.
type SessionSnapshot struct {
	ID             uuid.UUID         `cbor:"id"`
	Name           string            `cbor:"name"`
	Windows        []WindowSnapshot  `cbor:"windows"`
	ActiveWindowID *uuid.UUID        `cbor:"active_window_id,omitempty"`
	CreatedAt      int64             `cbor:"created_at"`
	Metadata       map[string]string `cbor:"metadata,omitempty"`
	Environment    map[string]string `cbor:"environment,omitempty"`
}

// Checkpoint is a complete snapshot of the session tree.
type Checkpoint struct {
	Version   uint32            `cbor:"version"`
	Timestamp int64             `cbor:"timestamp"`
	Sequence  uint64            `cbor:"sequence"`
	Sessions  []SessionSnapshot `cbor:"sessions"`
}

// NewCheckpoint builds a Checkpoint at the current version, stamped now.
func NewCheckpoint(sequence uint64, sessions []SessionSnapshot) Checkpoint {
	return Checkpoint{
		Version:   CheckpointVersion,
		Timestamp: time.Now().Unix(),
		Sequence:  sequence,
		Sessions:  sessions,
	}
}

// WalEntry is the tagged union of fine-grained mutation records, mirroring
// the 16-variant enum in original_source's persistence/types.rs.
type WalEntry struct {
	Type string `cbor:"type"`

	// Session*
	SessionID uuid.UUID `cbor:"session_id,omitempty"`
	Name      string    `cbor:"name,omitempty"`
	NewName   string    `cbor:"new_name,omitempty"`
	CreatedAt int64     `cbor:"created_at,omitempty"`
	Key       string    `cbor:"key,omitempty"`
	Value     string    `cbor:"value,omitempty"`

	// Window*
	WindowID uuid.UUID `cbor:"window_id,omitempty"`
	Index    int       `cbor:"index,omitempty"`

	// Pane*
	PaneID    uuid.UUID `cbor:"pane_id,omitempty"`
	Cols      uint16    `cbor:"cols,omitempty"`
	Rows      uint16    `cbor:"rows,omitempty"`
	StateKind string    `cbor:"state_kind,omitempty"`
	AgentType string    `cbor:"agent_type,omitempty"`
	ExitCode  *int      `cbor:"exit_code,omitempty"`
	Title     string    `cbor:"title,omitempty"`
	Cwd       string    `cbor:"cwd,omitempty"`
	Data      []byte    `cbor:"data,omitempty"`

	// Active*Changed
	ActiveID *uuid.UUID `cbor:"active_id,omitempty"`

	// CheckpointMarker
	Sequence  uint64 `cbor:"sequence,omitempty"`
	Timestamp int64  `cbor:"timestamp,omitempty"`
}

// WalEntry.Type values.
const (
	EntrySessionCreated        = "session_created"
	EntrySessionDestroyed      = "session_destroyed"
	EntrySessionRenamed        = "session_renamed"
	EntrySessionMetadataSet    = "session_metadata_set"
	EntrySessionEnvironmentSet = "session_environment_set"
	EntryWindowCreated         = "window_created"
	EntryWindowDestroyed       = "window_destroyed"
	EntryWindowRenamed         = "window_renamed"
	EntryActiveWindowChanged   = "active_window_changed"
	EntryPaneCreated           = "pane_created"
	EntryPaneDestroyed         = "pane_destroyed"
	EntryPaneResized           = "pane_resized"
	EntryPaneStateChanged      = "pane_state_changed"
	EntryPaneTitleChanged      = "pane_title_changed"
	EntryPaneCwdChanged        = "pane_cwd_changed"
	EntryActivePaneChanged     = "active_pane_changed"
	EntryPaneOutput            = "pane_output"
	EntryCheckpointMarker      = "checkpoint_marker"
)

// CheckpointSequence returns the checkpoint sequence a CheckpointMarker
// entry refers to, used by WAL replay to find where to resume after a
// checkpoint (mirrors WalEntry::checkpoint_sequence() in types.rs).
func (e WalEntry) CheckpointSequence() (uint64, bool) {
	if e.Type != EntryCheckpointMarker {
		return 0, false
	}
	return e.Sequence, true
}

// RecoveryState is what the runtime uses to reconstruct the SessionManager
// after startup recovery.
type RecoveryState struct {
	Sessions               []SessionSnapshot `cbor:"sessions"`
	LastCheckpointSequence uint64            `cbor:"last_checkpoint_sequence"`
	WalEntriesReplayed     int               `cbor:"wal_entries_replayed"`
	CleanShutdown          bool              `cbor:"clean_shutdown"`
	Warnings               []string          `cbor:"warnings,omitempty"`
}

func (r *RecoveryState) HasSessions() bool { return len(r.Sessions) > 0 }
func (r *RecoveryState) SessionCount() int { return len(r.Sessions) }
func (r *RecoveryState) AddWarning(w string) {
	r.Warnings = append(r.Warnings, w)
}
