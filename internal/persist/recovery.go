package persist

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Manager ties the WAL and checkpoint manager together into the
// recovery/runtime-persistence lifecycle spec §4.7 describes.
type Manager struct {
	wal        *Wal
	checkpoint *CheckpointManager
	lockPath   string
}

// Config bundles the directories and policy Manager needs.
type Config struct {
	WalPath        string
	CheckpointDir  string
	LockPath       string
	WalConfig      WalConfig
	CheckpointConf CheckpointConfig
}

// DefaultConfig fills in the teacher-matching defaults for WAL and
// checkpoint behavior.
func DefaultConfig(walPath, checkpointDir, lockPath string) Config {
	return Config{
		WalPath:        walPath,
		CheckpointDir:  checkpointDir,
		LockPath:       lockPath,
		WalConfig:      DefaultWalConfig(),
		CheckpointConf: DefaultCheckpointConfig(),
	}
}

// Open opens the WAL and checkpoint manager and performs recovery,
// returning both the ready-to-use Manager and the RecoveryState the
// runtime should use to reconstruct its SessionManager.
func Open(cfg Config) (*Manager, RecoveryState, error) {
	var state RecoveryState

	wasStale := lockFileExists(cfg.LockPath)
	state.CleanShutdown = !wasStale
	if wasStale {
		state.AddWarning("stale lock file found; previous shutdown was not clean")
	}

	cpMgr, err := NewCheckpointManager(cfg.CheckpointDir, cfg.CheckpointConf)
	if err != nil {
		return nil, state, fmt.Errorf("open checkpoint manager: %w", err)
	}

	latest, ok, warnings := cpMgr.LoadLatest()
	state.Warnings = append(state.Warnings, warnings...)
	if ok {
		state.Sessions = latest.Sessions
		state.LastCheckpointSequence = latest.Sequence
	}

	wal, err := OpenWal(cfg.WalPath, cfg.WalConfig)
	if err != nil {
		return nil, state, fmt.Errorf("open wal: %w", err)
	}

	toReplay := ReadAfterCheckpoint(wal.RecoveredEntries(), state.LastCheckpointSequence)
	state.WalEntriesReplayed = len(toReplay)
	if err := applyEntries(&state, toReplay); err != nil {
		return nil, state, fmt.Errorf("replay wal: %w", err)
	}

	if err := writeLockFile(cfg.LockPath); err != nil {
		return nil, state, fmt.Errorf("write lock file: %w", err)
	}

	return &Manager{wal: wal, checkpoint: cpMgr, lockPath: cfg.LockPath}, state, nil
}

// applyEntries folds WAL entries onto the recovered snapshot tree.
// Covers the structural entry types; PaneOutput replay is intentionally
// a no-op here (scrollback is rehydrated from the checkpoint's own
// ScrollbackSnapshot, not replayed byte-by-byte) and CheckpointMarker
// carries no tree mutation.
func applyEntries(state *RecoveryState, entries []WalEntry) error {
	sessionIdx := func(id string) int {
		for i := range state.Sessions {
			if state.Sessions[i].ID.String() == id {
				return i
			}
		}
		return -1
	}

	for _, e := range entries {
		switch e.Type {
		case EntrySessionCreated:
			state.Sessions = append(state.Sessions, SessionSnapshot{
				ID: e.SessionID, Name: e.Name, CreatedAt: e.CreatedAt,
				Metadata: map[string]string{}, Environment: map[string]string{},
			})
		case EntrySessionDestroyed:
			if i := sessionIdx(e.SessionID.String()); i >= 0 {
				state.Sessions = append(state.Sessions[:i], state.Sessions[i+1:]...)
			}
		case EntrySessionRenamed:
			if i := sessionIdx(e.SessionID.String()); i >= 0 {
				state.Sessions[i].Name = e.NewName
			}
		case EntrySessionMetadataSet:
			if i := sessionIdx(e.SessionID.String()); i >= 0 {
				if state.Sessions[i].Metadata == nil {
					state.Sessions[i].Metadata = map[string]string{}
				}
				state.Sessions[i].Metadata[e.Key] = e.Value
			}
		case EntrySessionEnvironmentSet:
			if i := sessionIdx(e.SessionID.String()); i >= 0 {
				if state.Sessions[i].Environment == nil {
					state.Sessions[i].Environment = map[string]string{}
				}
				state.Sessions[i].Environment[e.Key] = e.Value
			}
		case EntryWindowCreated:
			if i := sessionIdx(e.SessionID.String()); i >= 0 {
				state.Sessions[i].Windows = append(state.Sessions[i].Windows, WindowSnapshot{
					ID: e.WindowID, SessionID: e.SessionID, Name: e.Name, Index: e.Index, CreatedAt: e.CreatedAt,
				})
			}
		case EntryWindowDestroyed:
			if i := sessionIdx(e.SessionID.String()); i >= 0 {
				ws := state.Sessions[i].Windows
				for j, w := range ws {
					if w.ID == e.WindowID {
						state.Sessions[i].Windows = append(ws[:j], ws[j+1:]...)
						break
					}
				}
			}
		case EntryActiveWindowChanged:
			if i := sessionIdx(e.SessionID.String()); i >= 0 {
				state.Sessions[i].ActiveWindowID = e.ActiveID
			}
		case EntryPaneCreated:
			window := findWindow(state, e.WindowID)
			if window != nil {
				window.Panes = append(window.Panes, PaneSnapshot{
					ID: e.PaneID, WindowID: e.WindowID, Index: e.Index,
					Cols: e.Cols, Rows: e.Rows, StateKind: "normal", CreatedAt: e.CreatedAt,
				})
			}
		case EntryPaneDestroyed:
			window := findWindow(state, e.WindowID)
			if window != nil {
				ps := window.Panes
				for j, p := range ps {
					if p.ID == e.PaneID {
						window.Panes = append(ps[:j], ps[j+1:]...)
						break
					}
				}
			}
		case EntryPaneResized:
			if p := findPane(state, e.PaneID); p != nil {
				p.Cols, p.Rows = e.Cols, e.Rows
			}
		case EntryPaneStateChanged:
			if p := findPane(state, e.PaneID); p != nil {
				p.StateKind = e.StateKind
				p.AgentType = e.AgentType
				p.ExitCode = e.ExitCode
			}
		case EntryPaneTitleChanged:
			if p := findPane(state, e.PaneID); p != nil {
				p.Title = e.Title
			}
		case EntryPaneCwdChanged:
			if p := findPane(state, e.PaneID); p != nil {
				p.Cwd = e.Cwd
			}
		case EntryActivePaneChanged:
			window := findWindow(state, e.WindowID)
			if window != nil {
				window.ActivePaneID = e.ActiveID
			}
		case EntryPaneOutput, EntryCheckpointMarker:
			// No tree mutation; see doc comment above.
		}
	}
	return nil
}

func findWindow(state *RecoveryState, windowID uuid.UUID) *WindowSnapshot {
	for si := range state.Sessions {
		ws := state.Sessions[si].Windows
		for wi := range ws {
			if ws[wi].ID == windowID {
				return &state.Sessions[si].Windows[wi]
			}
		}
	}
	return nil
}

func findPane(state *RecoveryState, paneID uuid.UUID) *PaneSnapshot {
	for si := range state.Sessions {
		ws := state.Sessions[si].Windows
		for wi := range ws {
			ps := ws[wi].Panes
			for pi := range ps {
				if ps[pi].ID == paneID {
					return &ws[wi].Panes[pi]
				}
			}
		}
	}
	return nil
}

func lockFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeLockFile(path string) error {
	return os.WriteFile(path, []byte{}, 0o600)
}

// RemoveLockFile clears the running-process marker on clean shutdown.
func RemoveLockFile(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Checkpoint writes a new checkpoint, appends its marker to the WAL, and
// truncates the WAL — everything up to and including the marker is now
// captured in the checkpoint file, so nothing is lost (spec §2, §4.7).
func (m *Manager) Checkpoint(sessions []SessionSnapshot) error {
	path, err := m.checkpoint.Create(sessions)
	if err != nil {
		return err
	}
	_ = path
	if _, err := m.wal.Append(WalEntry{
		Type:      EntryCheckpointMarker,
		Sequence:  m.checkpoint.Sequence(),
		Timestamp: time.Now().Unix(),
	}); err != nil {
		return err
	}
	return m.wal.Truncate()
}

// AppendEntry writes one WAL entry.
func (m *Manager) AppendEntry(entry WalEntry) (uint64, error) {
	return m.wal.Append(entry)
}

// Wal exposes the underlying WAL for size/sequence inspection by the
// checkpoint trigger policy (spec §4.7 "Trigger policy").
func (m *Manager) Wal() *Wal { return m.wal }

// Shutdown writes a final checkpoint if sessions exist, removes the lock
// file, and closes the WAL (spec §4.7 "Shutdown").
func (m *Manager) Shutdown(sessions []SessionSnapshot) error {
	if len(sessions) > 0 {
		if err := m.Checkpoint(sessions); err != nil {
			return fmt.Errorf("final checkpoint: %w", err)
		}
	}
	if err := RemoveLockFile(m.lockPath); err != nil {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return m.wal.Close()
}
