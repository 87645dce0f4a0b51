package daemon

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fugue-hub/fugue/internal/dispatch"
	"github.com/fugue-hub/fugue/internal/persist"
	"github.com/fugue-hub/fugue/internal/protocol"
	"github.com/fugue-hub/fugue/internal/session"
)

// restore replays recovered WAL/checkpoint state into the live session
// tree at startup, before Start begins accepting connections.
func (d *Daemon) restore(recovery persist.RecoveryState) {
	for _, ss := range recovery.Sessions {
		windows := make([]session.RestoredWindow, 0, len(ss.Windows))
		panesByWindow := make(map[uuid.UUID][]session.RestoredPane, len(ss.Windows))

		for _, ws := range ss.Windows {
			windows = append(windows, session.RestoredWindow{
				ID:           ws.ID,
				Name:         ws.Name,
				CreatedAt:    time.Unix(ws.CreatedAt, 0),
				ActivePaneID: ws.ActivePaneID,
			})

			panes := make([]session.RestoredPane, 0, len(ws.Panes))
			for _, ps := range ws.Panes {
				rp := session.RestoredPane{
					ID:        ps.ID,
					Cols:      ps.Cols,
					Rows:      ps.Rows,
					CreatedAt: time.Unix(ps.CreatedAt, 0),
					State:     paneStateFromSnapshot(ps),
				}
				if ps.Name != "" {
					name := ps.Name
					rp.Name = &name
				}
				if ps.Title != "" {
					title := ps.Title
					rp.Title = &title
				}
				if ps.Cwd != "" {
					cwd := ps.Cwd
					rp.Cwd = &cwd
				}
				if ps.Scrollback != nil {
					rp.ScrollbackCap = ps.Scrollback.LineCount
					rp.ScrollbackText = decompressScrollback(*ps.Scrollback)
				}
				panes = append(panes, rp)
			}
			panesByWindow[ws.ID] = panes
		}

		restored := session.RestoredSession{
			ID:             ss.ID,
			Name:           ss.Name,
			CreatedAt:      time.Unix(ss.CreatedAt, 0),
			ActiveWindowID: ss.ActiveWindowID,
			Environment:    ss.Environment,
			Metadata:       ss.Metadata,
		}
		d.Sessions.RestoreSession(restored, windows, panesByWindow)
	}

	if recovery.SessionCount() > 0 {
		d.Log.Info("recovered sessions", "count", recovery.SessionCount(), "wal_entries_replayed", recovery.WalEntriesReplayed)
	}
}

// paneStateFromSnapshot reconstructs a PaneState tag from a PaneSnapshot's
// flattened fields; recovered agent detectors are reinstalled fresh by
// Spawn rather than carried across restart, so an "agent" snapshot state
// degrades to idle metadata-only until the pane is respawned.
func paneStateFromSnapshot(ps persist.PaneSnapshot) session.PaneState {
	switch ps.StateKind {
	case "exited":
		return session.PaneState{Kind: session.PaneStateExited, ExitCode: ps.ExitCode}
	case "agent":
		return session.PaneState{Kind: session.PaneStateAgent}
	case "status":
		return session.PaneState{Kind: session.PaneStateStatus}
	default:
		return session.PaneState{Kind: session.PaneStateNormal}
	}
}

// decompressScrollback recovers scrollback lines from a checkpoint. Only
// the uncompressed form is supported today; lz4/zstd checkpoints written
// by a future compression pass degrade gracefully to an empty buffer
// rather than fail recovery outright.
func decompressScrollback(s persist.ScrollbackSnapshot) []string {
	if s.Compression != persist.CompressionNone {
		return nil
	}
	if len(s.CompressedData) == 0 {
		return nil
	}
	return splitLines(s.CompressedData)
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}
	return lines
}

// toSnapshots converts the live tree's generic recovery shape into
// persist's wire types for checkpointing, the inverse of restore.
func toSnapshots(sessions []session.RestoredSession) []persist.SessionSnapshot {
	out := make([]persist.SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		windows := make([]persist.WindowSnapshot, 0, len(s.Windows))
		for _, w := range s.Windows {
			panes := make([]persist.PaneSnapshot, 0, len(w.Panes))
			for _, p := range w.Panes {
				ps := persist.PaneSnapshot{
					ID:        p.ID,
					WindowID:  w.ID,
					Cols:      p.Cols,
					Rows:      p.Rows,
					StateKind: paneStateKindString(p.State),
					ExitCode:  p.State.ExitCode,
					CreatedAt: p.CreatedAt.Unix(),
				}
				if p.State.Agent != nil {
					ps.AgentType = p.State.Agent.AgentType
				}
				if p.Name != nil {
					ps.Name = *p.Name
				}
				if p.Title != nil {
					ps.Title = *p.Title
				}
				if p.Cwd != nil {
					ps.Cwd = *p.Cwd
				}
				if len(p.ScrollbackText) > 0 {
					ps.Scrollback = &persist.ScrollbackSnapshot{
						LineCount:      p.ScrollbackCap,
						CompressedData: joinLines(p.ScrollbackText),
						Compression:    persist.CompressionNone,
					}
				}
				panes = append(panes, ps)
			}
			windows = append(windows, persist.WindowSnapshot{
				ID:           w.ID,
				SessionID:    s.ID,
				Name:         w.Name,
				Panes:        panes,
				ActivePaneID: w.ActivePaneID,
				CreatedAt:    w.CreatedAt.Unix(),
			})
		}
		out = append(out, persist.SessionSnapshot{
			ID:             s.ID,
			Name:           s.Name,
			Windows:        windows,
			ActiveWindowID: s.ActiveWindowID,
			CreatedAt:      s.CreatedAt.Unix(),
			Metadata:       s.Metadata,
			Environment:    s.Environment,
		})
	}
	return out
}

func paneStateKindString(st session.PaneState) string {
	switch st.Kind {
	case session.PaneStateAgent:
		return "agent"
	case session.PaneStateExited:
		return "exited"
	case session.PaneStateStatus:
		return "status"
	default:
		return "normal"
	}
}

func joinLines(lines []string) []byte {
	var buf []byte
	for _, l := range lines {
		buf = append(buf, []byte(l)...)
		buf = append(buf, '\n')
	}
	return buf
}

// checkpointTriggerLoop checkpoints when the configured interval has
// elapsed or the WAL has grown past the configured size, whichever
// comes first.
func (d *Daemon) checkpointTriggerLoop(ctx context.Context) {
	interval := time.Duration(d.Config.CheckpointIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}
	maxWalBytes := int64(d.Config.MaxWalSizeMB) * 1024 * 1024

	ticker := time.NewTicker(checkpointTriggerTick)
	defer ticker.Stop()

	lastCheckpoint := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			dueByInterval := now.Sub(lastCheckpoint) >= interval
			dueBySize := maxWalBytes > 0 && d.Persist.Wal().ApproximateSize() >= maxWalBytes
			if !dueByInterval && !dueBySize {
				continue
			}
			if err := d.Persist.Checkpoint(toSnapshots(d.Sessions.Snapshot())); err != nil {
				d.Log.Error("checkpoint failed", "error", err)
				continue
			}
			lastCheckpoint = now
		}
	}
}

// appendWalEntry records one dispatched mutation to the write-ahead log.
// dispatch itself stays unaware of persist (same decoupling as
// PtyController/PtyWriter); this daemon-level translation keeps that
// boundary intact. Messages walEntryForMessage has no WalEntry type for
// (set_tags, send_orchestration among them) are not logged.
func (d *Daemon) appendWalEntry(msg *protocol.ClientMessage, result dispatch.Result) {
	entry, ok := walEntryForMessage(msg, result)
	if !ok {
		return
	}
	if _, err := d.Persist.AppendEntry(entry); err != nil {
		d.Log.Error("wal append failed", "type", msg.Type, "error", err)
	}
}

func walEntryForMessage(msg *protocol.ClientMessage, result dispatch.Result) (persist.WalEntry, bool) {
	switch msg.Type {
	case "create_session", "create_session_with_options":
		if result.Response == nil || result.Response.Session == nil {
			return persist.WalEntry{}, false
		}
		return persist.WalEntry{
			Type:      persist.EntrySessionCreated,
			SessionID: result.Response.Session.ID,
			Name:      result.Response.Session.Name,
		}, true
	case "rename_session":
		return persist.WalEntry{
			Type:      persist.EntrySessionRenamed,
			SessionID: msg.SessionID,
			NewName:   msg.Name,
		}, true
	case "kill_session":
		return persist.WalEntry{Type: persist.EntrySessionDestroyed, SessionID: msg.SessionID}, true
	case "create_window":
		if result.Response == nil {
			return persist.WalEntry{}, false
		}
		return persist.WalEntry{Type: persist.EntryWindowCreated, SessionID: msg.SessionID, Name: msg.Name}, true
	case "create_pane":
		if result.Response == nil || result.Response.Pane == nil {
			return persist.WalEntry{}, false
		}
		return persist.WalEntry{
			Type:     persist.EntryPaneCreated,
			WindowID: msg.WindowID,
			PaneID:   result.Response.Pane.ID,
			Cols:     msg.Cols,
			Rows:     msg.Rows,
		}, true
	case "close_pane":
		return persist.WalEntry{Type: persist.EntryPaneDestroyed, PaneID: msg.PaneID}, true
	case "resize":
		return persist.WalEntry{Type: persist.EntryPaneResized, PaneID: msg.PaneID, Cols: msg.Cols, Rows: msg.Rows}, true
	case "select_pane":
		return persist.WalEntry{Type: persist.EntryActivePaneChanged, ActiveID: &msg.PaneID}, true
	case "set_environment":
		return persist.WalEntry{
			Type:      persist.EntrySessionEnvironmentSet,
			SessionID: msg.SessionID,
			Key:       msg.Key,
			Value:     msg.Value,
		}, true
	case "set_metadata":
		return persist.WalEntry{
			Type:      persist.EntrySessionMetadataSet,
			SessionID: msg.SessionID,
			Key:       msg.Key,
			Value:     msg.Value,
		}, true
	default:
		return persist.WalEntry{}, false
	}
}
