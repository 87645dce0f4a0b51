// Package session implements the Session/Window/Pane data model and the
// SessionManager that owns it exclusively (spec §3, §4.5). Grounded on
// the teacher's internal/hub/state.go (HubState's insertion-ordered map
// plus index-selection pattern), generalized from a flat agent map into
// the nested session/window/pane tree, with index-reindexing modeled on
// internal/git.Manager's list-then-filter idioms.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fugue-hub/fugue/internal/detect"
	"github.com/fugue-hub/fugue/internal/scrollback"
)

// Errors returned by SessionManager operations (surfaced by dispatch as
// protocol.ErrorCode values).
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrWindowNotFound  = errors.New("window not found")
	ErrPaneNotFound    = errors.New("pane not found")
)

// PaneStateKind is the tagged-variant discriminator for PaneState (spec §3).
type PaneStateKind int

const (
	PaneStateNormal PaneStateKind = iota
	PaneStateAgent
	PaneStateExited
	PaneStateStatus
)

// PaneState is the tagged variant Normal | Agent(AgentState) | Exited{code} | Status.
type PaneState struct {
	Kind     PaneStateKind
	Agent    *detect.State
	ExitCode *int
}

// Worktree is the optional descriptor a Session may carry (spec §3).
type Worktree struct {
	Path   string
	Branch string
	Head   string
	IsMain bool
}

// InboxMessage is one entry of a session's ordered inbox (spec §3).
type InboxMessage struct {
	SenderSessionID uuid.UUID
	Message         []byte
	ReceivedAt      time.Time
}

// Pane is a single terminal view (spec §3).
type Pane struct {
	ID         uuid.UUID
	WindowID   uuid.UUID
	Index      int
	Cols, Rows uint16
	State      PaneState
	Name       *string
	Title      *string
	Cwd        *string
	CreatedAt  time.Time

	Scrollback *scrollback.Buffer

	IsMirror bool
	MirrorOf uuid.UUID

	Detectors []detect.Detector
	Metadata  map[string]string
}

// Window is an ordered group of panes (spec §3).
type Window struct {
	ID            uuid.UUID
	SessionID     uuid.UUID
	Index         int
	Name          string
	Panes         []*Pane
	ActivePaneID  *uuid.UUID
	CreatedAt     time.Time
}

// Session is an ordered group of windows (spec §3).
type Session struct {
	ID              uuid.UUID
	Name            string
	Windows         []*Window
	ActiveWindowID  *uuid.UUID
	CreatedAt       time.Time
	AttachedClients int
	Tags            map[string]bool
	Environment     map[string]string
	Metadata        map[string]string
	Inbox           []InboxMessage
	Status          *string
	Worktree        *Worktree
	Repository      string // repository identifier, used by Broadcast addressing (spec §4.9)
}

// Config tunes manager-wide policy. CleanupEmptySessions (Open Question
// (c)) is carried here but no code reads it: a session whose last pane
// closes stays in place until KillSession.
type Config struct {
	CleanupEmptySessions bool
	WorkerScrollbackCap       int
	OrchestratorScrollbackCap int
}

// DefaultConfig matches spec §4.1 and §9's defaults.
func DefaultConfig() Config {
	return Config{
		CleanupEmptySessions:      true,
		WorkerScrollbackCap:       scrollback.DefaultWorkerCapacity,
		OrchestratorScrollbackCap: scrollback.DefaultOrchestratorCapacity,
	}
}

// Manager exclusively owns the session tree (spec §3 "Ownership").
// Guarded by an async-style read-write lock, per spec §5's concurrency
// table (modeled with sync.RWMutex, the Go analogue of the teacher's
// mutex-guarded HubState).
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	sessions map[uuid.UUID]*Session
	order    []uuid.UUID // insertion order, mirrors HubState.agentKeysOrdered
}

// New creates an empty SessionManager.
func New(cfg Config) *Manager {
	return &Manager{cfg: cfg, sessions: make(map[uuid.UUID]*Session)}
}

// CreateSession creates a session with the given name, returning it.
func (m *Manager) CreateSession(name string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Session{
		ID:          uuid.New(),
		Name:        name,
		CreatedAt:   time.Now(),
		Tags:        make(map[string]bool),
		Environment: make(map[string]string),
		Metadata:    make(map[string]string),
	}
	m.sessions[s.ID] = s
	m.order = append(m.order, s.ID)
	return s
}

// RenameSession changes a session's display name.
func (m *Manager) RenameSession(id uuid.UUID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Name = name
	return nil
}

// KillSession removes a session entirely.
func (m *Manager) KillSession(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Session looks up a session by id.
func (m *Manager) Session(id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// SessionByName looks up a session by its display name.
func (m *Manager) SessionByName(name string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		if s := m.sessions[id]; s.Name == name {
			return s, nil
		}
	}
	return nil, ErrSessionNotFound
}

// AllSessions returns every session in creation order.
func (m *Manager) AllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id])
	}
	return out
}

// SessionsByTag returns every session carrying the given tag.
func (m *Manager) SessionsByTag(tag string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, id := range m.order {
		s := m.sessions[id]
		if s.Tags[tag] {
			out = append(out, s)
		}
	}
	return out
}

// SessionsByWorktree returns every session whose worktree path matches.
func (m *Manager) SessionsByWorktree(path string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, id := range m.order {
		s := m.sessions[id]
		if s.Worktree != nil && s.Worktree.Path == path {
			out = append(out, s)
		}
	}
	return out
}

// CreateWindow appends a window to the session (implicit window creation
// for CreatePane without one, per spec §3 lifecycle).
func (m *Manager) CreateWindow(sessionID uuid.UUID, name string) (*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	w := &Window{
		ID:        uuid.New(),
		SessionID: sessionID,
		Index:     len(s.Windows),
		Name:      name,
		CreatedAt: time.Now(),
	}
	s.Windows = append(s.Windows, w)
	if s.ActiveWindowID == nil {
		s.ActiveWindowID = &w.ID
	}
	return w, nil
}

// findWindow locates a window and its owning session without copying.
func (m *Manager) findWindow(windowID uuid.UUID) (*Session, *Window, error) {
	for _, s := range m.sessions {
		for _, w := range s.Windows {
			if w.ID == windowID {
				return s, w, nil
			}
		}
	}
	return nil, nil, ErrWindowNotFound
}

// RemoveWindow deletes a window and reindexes survivors (spec §3 invariant).
func (m *Manager) RemoveWindow(windowID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, _, err := m.findWindow(windowID)
	if err != nil {
		return err
	}
	var kept []*Window
	for _, w := range s.Windows {
		if w.ID != windowID {
			kept = append(kept, w)
		}
	}
	for i, w := range kept {
		w.Index = i
	}
	s.Windows = kept
	if s.ActiveWindowID != nil && *s.ActiveWindowID == windowID {
		s.ActiveWindowID = nil
		if len(kept) > 0 {
			s.ActiveWindowID = &kept[0].ID
		}
	}
	return nil
}

// CreatePane appends a pane to the window at the next index (spec §4.8:
// "Direction is currently advisory... a new pane is always appended at
// the next index" — Open Question (a)).
func (m *Manager) CreatePane(windowID uuid.UUID, cols, rows uint16) (*Pane, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, w, err := m.findWindow(windowID)
	if err != nil {
		return nil, err
	}

	cap := m.cfg.WorkerScrollbackCap
	if s.Tags["orchestrator"] {
		cap = m.cfg.OrchestratorScrollbackCap
	}

	p := &Pane{
		ID:         uuid.New(),
		WindowID:   windowID,
		Index:      len(w.Panes),
		Cols:       cols,
		Rows:       rows,
		State:      PaneState{Kind: PaneStateNormal},
		CreatedAt:  time.Now(),
		Scrollback: scrollback.New(cap),
		Metadata:   make(map[string]string),
	}
	w.Panes = append(w.Panes, p)
	if w.ActivePaneID == nil {
		w.ActivePaneID = &p.ID
	}
	return p, nil
}

func (m *Manager) findPane(paneID uuid.UUID) (*Session, *Window, *Pane, error) {
	for _, s := range m.sessions {
		for _, w := range s.Windows {
			for _, p := range w.Panes {
				if p.ID == paneID {
					return s, w, p, nil
				}
			}
		}
	}
	return nil, nil, nil, ErrPaneNotFound
}

// Pane looks up a pane by id.
func (m *Manager) Pane(paneID uuid.UUID) (*Pane, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, _, p, err := m.findPane(paneID)
	return p, err
}

// ClosePane removes a pane from its window, reindexing survivors, and
// releases its scrollback's contribution to the global byte counter.
func (m *Manager) ClosePane(paneID uuid.UUID, exitCode *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, w, p, err := m.findPane(paneID)
	if err != nil {
		return err
	}

	if p.Scrollback != nil {
		p.Scrollback.Close()
	}

	var kept []*Pane
	for _, pane := range w.Panes {
		if pane.ID != paneID {
			kept = append(kept, pane)
		}
	}
	for i, pane := range kept {
		pane.Index = i
	}
	w.Panes = kept

	if w.ActivePaneID != nil && *w.ActivePaneID == paneID {
		w.ActivePaneID = nil
		if len(kept) > 0 {
			w.ActivePaneID = &kept[0].ID
		}
	}
	return nil
}

// ResizePane mutates a pane's dimensions (the PTY resize itself is the
// ptymgr's responsibility; the caller coordinates both).
func (m *Manager) ResizePane(paneID uuid.UUID, cols, rows uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _, p, err := m.findPane(paneID)
	if err != nil {
		return err
	}
	p.Cols, p.Rows = cols, rows
	return nil
}

// SetPaneState replaces a pane's PaneState (e.g. transition to Exited or Agent).
func (m *Manager) SetPaneState(paneID uuid.UUID, state PaneState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _, p, err := m.findPane(paneID)
	if err != nil {
		return err
	}
	p.State = state
	return nil
}

// SetDetectors installs the agent detector registry for a pane (spec
// §4.4); called once by internal/daemon right after a pane's PTY is
// spawned, since CreatePane itself has no opinion on which detectors a
// pane should carry.
func (m *Manager) SetDetectors(paneID uuid.UUID, detectors []detect.Detector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _, p, err := m.findPane(paneID)
	if err != nil {
		return err
	}
	p.Detectors = detectors
	return nil
}

// SelectPane sets a window's active pane.
func (m *Manager) SelectPane(paneID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, w, p, err := m.findPane(paneID)
	if err != nil {
		return err
	}
	w.ActivePaneID = &p.ID
	return nil
}

// SelectWindow sets a session's active window.
func (m *Manager) SelectWindow(sessionID, windowID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	for _, w := range s.Windows {
		if w.ID == windowID {
			s.ActiveWindowID = &w.ID
			return nil
		}
	}
	return ErrWindowNotFound
}

// SetTags adds and removes tags on a session.
func (m *Manager) SetTags(sessionID uuid.UUID, add, remove []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	for _, t := range add {
		s.Tags[t] = true
	}
	for _, t := range remove {
		delete(s.Tags, t)
	}
	return nil
}

// SetRepository records a session's repository association.
func (m *Manager) SetRepository(sessionID uuid.UUID, repo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Repository = repo
	return nil
}

// SetWorktree records a session's worktree descriptor.
func (m *Manager) SetWorktree(sessionID uuid.UUID, wt *Worktree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Worktree = wt
	return nil
}

// SetEnvironment sets a key/value in a session's environment map; it
// flows into newly spawned panes' PTY environments (spec §4.5).
func (m *Manager) SetEnvironment(sessionID uuid.UUID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Environment[key] = value
	return nil
}

// SetMetadata sets a key/value in a session's metadata map.
func (m *Manager) SetMetadata(sessionID uuid.UUID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Metadata[key] = value
	return nil
}

// PushInbox appends a message to a session's inbox.
func (m *Manager) PushInbox(sessionID, senderID uuid.UUID, message []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Inbox = append(s.Inbox, InboxMessage{SenderSessionID: senderID, Message: message, ReceivedAt: time.Now()})
	return nil
}

// DrainInbox returns and clears a session's inbox.
func (m *Manager) DrainInbox(sessionID uuid.UUID) ([]InboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := s.Inbox
	s.Inbox = nil
	return out, nil
}

// IncrementAttached and DecrementAttached track the attached-client
// counter an invariant in spec §3 cross-checks against the registry.
func (m *Manager) IncrementAttached(sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.AttachedClients++
	return nil
}

func (m *Manager) DecrementAttached(sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.AttachedClients > 0 {
		s.AttachedClients--
	}
	return nil
}

// CheckInvariants validates the structural invariants spec §3/§8 require;
// used by tests and by checkpoint validation (spec §4.7).
func (m *Manager) CheckInvariants() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return checkInvariantsLocked(m.sessions)
}

func checkInvariantsLocked(sessions map[uuid.UUID]*Session) error {
	for sid, s := range sessions {
		if s.ActiveWindowID != nil {
			found := false
			for i, w := range s.Windows {
				if w.Index != i {
					return fmt.Errorf("session %s: window index gap at %d", sid, i)
				}
				if w.SessionID != sid {
					return fmt.Errorf("window %s: session_id mismatch", w.ID)
				}
				if w.ID == *s.ActiveWindowID {
					found = true
				}
			}
			if !found {
				return fmt.Errorf("session %s: active_window_id does not name an existing window", sid)
			}
		}
		for _, w := range s.Windows {
			if w.ActivePaneID != nil {
				found := false
				for i, p := range w.Panes {
					if p.Index != i {
						return fmt.Errorf("window %s: pane index gap at %d", w.ID, i)
					}
					if p.WindowID != w.ID {
						return fmt.Errorf("pane %s: window_id mismatch", p.ID)
					}
					if p.ID == *w.ActivePaneID {
						found = true
					}
				}
				if !found {
					return fmt.Errorf("window %s: active_pane_id does not name an existing pane", w.ID)
				}
			}
		}
	}
	return nil
}

// RestoredSession carries exactly the fields internal/persist recovers
// for one session; internal/daemon translates a persist.SessionSnapshot
// into this shape so session stays unaware of the persistence package
// (same decoupling internal/daemon applies to worktree.Detector and
// dispatch.PtyController).
type RestoredSession struct {
	ID             uuid.UUID
	Name           string
	CreatedAt      time.Time
	ActiveWindowID *uuid.UUID
	Environment    map[string]string
	Metadata       map[string]string

	// Windows is only populated when this value came from Snapshot;
	// RestoreSession ignores it and takes windows/panes as separate
	// arguments instead.
	Windows []RestoredWindow
}

// RestoredWindow carries one window's recovered fields. Panes is only
// populated when returned from Snapshot; RestoreSession still takes
// panes via its own panesByWindow argument so recovery can assemble
// the two independently as persist's WAL/checkpoint split requires.
type RestoredWindow struct {
	ID           uuid.UUID
	Name         string
	CreatedAt    time.Time
	ActivePaneID *uuid.UUID
	Panes        []RestoredPane
}

// RestoredPane carries one pane's recovered fields, including any
// scrollback lines to replay into the fresh buffer and the scrollback
// capacity to allocate it with.
type RestoredPane struct {
	ID             uuid.UUID
	Cols, Rows     uint16
	CreatedAt      time.Time
	State          PaneState
	Name           *string
	Title          *string
	Cwd            *string
	ScrollbackCap  int
	ScrollbackText []string
}

// RestoreSession rebuilds one session (and its windows/panes) from
// recovered snapshots, bypassing the normal id-generation path since
// recovery must preserve the original ids. Called once at startup,
// before the dispatcher accepts any connections.
func (m *Manager) RestoreSession(rs RestoredSession, windows []RestoredWindow, panesByWindow map[uuid.UUID][]RestoredPane) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Session{
		ID:             rs.ID,
		Name:           rs.Name,
		CreatedAt:      rs.CreatedAt,
		ActiveWindowID: rs.ActiveWindowID,
		Tags:           make(map[string]bool),
		Environment:    rs.Environment,
		Metadata:       rs.Metadata,
	}
	if s.Environment == nil {
		s.Environment = make(map[string]string)
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}

	for wi, rw := range windows {
		w := &Window{
			ID:           rw.ID,
			SessionID:    s.ID,
			Index:        wi,
			Name:         rw.Name,
			CreatedAt:    rw.CreatedAt,
			ActivePaneID: rw.ActivePaneID,
		}
		for pi, rp := range panesByWindow[rw.ID] {
			cap := rp.ScrollbackCap
			if cap <= 0 {
				cap = m.cfg.WorkerScrollbackCap
			}
			buf := scrollback.New(cap)
			for _, line := range rp.ScrollbackText {
				buf.PushLine(line)
			}
			p := &Pane{
				ID:         rp.ID,
				WindowID:   w.ID,
				Index:      pi,
				Cols:       rp.Cols,
				Rows:       rp.Rows,
				State:      rp.State,
				Name:       rp.Name,
				Title:      rp.Title,
				Cwd:        rp.Cwd,
				CreatedAt:  rp.CreatedAt,
				Scrollback: buf,
				Metadata:   make(map[string]string),
			}
			w.Panes = append(w.Panes, p)
		}
		s.Windows = append(s.Windows, w)
	}

	m.sessions[s.ID] = s
	m.order = append(m.order, s.ID)
	return s
}

// Snapshot captures the full live session tree as the plain nested
// structs internal/daemon converts into persist.SessionSnapshot for
// checkpointing; kept generic (no persist import) for the same reason
// RestoreSession takes generic inputs rather than persist types.
func (m *Manager) Snapshot() []RestoredSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RestoredSession, 0, len(m.order))
	for _, id := range m.order {
		s := m.sessions[id]

		windows := make([]RestoredWindow, 0, len(s.Windows))
		for _, w := range s.Windows {
			panes := make([]RestoredPane, 0, len(w.Panes))
			for _, p := range w.Panes {
				if p.IsMirror {
					continue
				}
				rp := RestoredPane{
					ID:        p.ID,
					Cols:      p.Cols,
					Rows:      p.Rows,
					CreatedAt: p.CreatedAt,
					State:     p.State,
					Name:      p.Name,
					Title:     p.Title,
					Cwd:       p.Cwd,
				}
				if p.Scrollback != nil {
					rp.ScrollbackCap = p.Scrollback.Capacity()
					rp.ScrollbackText = p.Scrollback.Lines()
				}
				panes = append(panes, rp)
			}
			windows = append(windows, RestoredWindow{
				ID:           w.ID,
				Name:         w.Name,
				CreatedAt:    w.CreatedAt,
				ActivePaneID: w.ActivePaneID,
				Panes:        panes,
			})
		}

		out = append(out, RestoredSession{
			ID:             s.ID,
			Name:           s.Name,
			CreatedAt:      s.CreatedAt,
			ActiveWindowID: s.ActiveWindowID,
			Environment:    s.Environment,
			Metadata:       s.Metadata,
			Windows:        windows,
		})
	}
	return out
}
