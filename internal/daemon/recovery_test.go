package daemon

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fugue-hub/fugue/internal/dispatch"
	"github.com/fugue-hub/fugue/internal/persist"
	"github.com/fugue-hub/fugue/internal/protocol"
	"github.com/fugue-hub/fugue/internal/session"
)

func TestToSnapshotsConvertsTree(t *testing.T) {
	paneID := uuid.New()
	windowID := uuid.New()
	sessionID := uuid.New()
	name := "bash"
	now := time.Unix(1700000000, 0)

	in := []session.RestoredSession{
		{
			ID:             sessionID,
			Name:           "main",
			CreatedAt:      now,
			Environment:    map[string]string{"FOO": "bar"},
			Metadata:       map[string]string{"k": "v"},
			ActiveWindowID: &windowID,
			Windows: []session.RestoredWindow{
				{
					ID:           windowID,
					Name:         "editor",
					CreatedAt:    now,
					ActivePaneID: &paneID,
					Panes: []session.RestoredPane{
						{
							ID:             paneID,
							Cols:           80,
							Rows:           24,
							CreatedAt:      now,
							Name:           &name,
							ScrollbackCap:  500,
							ScrollbackText: []string{"hello", "world"},
						},
					},
				},
			},
		},
	}

	out := toSnapshots(in)
	if len(out) != 1 {
		t.Fatalf("expected 1 session snapshot, got %d", len(out))
	}
	ss := out[0]
	if ss.ID != sessionID || ss.Name != "main" {
		t.Fatalf("session fields not preserved: %+v", ss)
	}
	if len(ss.Windows) != 1 || ss.Windows[0].ID != windowID {
		t.Fatalf("window not preserved: %+v", ss.Windows)
	}
	if len(ss.Windows[0].Panes) != 1 {
		t.Fatalf("pane not preserved: %+v", ss.Windows[0])
	}
	ps := ss.Windows[0].Panes[0]
	if ps.ID != paneID || ps.Name != "bash" || ps.Cols != 80 {
		t.Fatalf("pane fields not preserved: %+v", ps)
	}
	if ps.Scrollback == nil || ps.Scrollback.LineCount != 500 {
		t.Fatalf("scrollback not preserved: %+v", ps.Scrollback)
	}
	if got := splitLines(ps.Scrollback.CompressedData); len(got) != 2 || got[0] != "hello" || got[1] != "world" {
		t.Fatalf("scrollback lines not preserved: %+v", got)
	}
}

func TestRestoreRebuildsSessionTree(t *testing.T) {
	paneID := uuid.New()
	windowID := uuid.New()
	sessionID := uuid.New()

	recovery := persist.RecoveryState{
		Sessions: []persist.SessionSnapshot{
			{
				ID:   sessionID,
				Name: "main",
				Windows: []persist.WindowSnapshot{
					{
						ID:   windowID,
						Name: "editor",
						Panes: []persist.PaneSnapshot{
							{
								ID:        paneID,
								Cols:      80,
								Rows:      24,
								StateKind: "exited",
								ExitCode:  intPtr(1),
								Scrollback: &persist.ScrollbackSnapshot{
									LineCount:      100,
									CompressedData: []byte("one\ntwo\n"),
								},
							},
						},
					},
				},
			},
		},
	}

	d := &Daemon{Sessions: session.New(session.DefaultConfig()), Log: slog.Default()}
	d.restore(recovery)

	got, err := d.Sessions.Session(sessionID)
	if err != nil {
		t.Fatalf("restored session not found: %v", err)
	}
	if len(got.Windows) != 1 || got.Windows[0].ID != windowID {
		t.Fatalf("window not restored: %+v", got.Windows)
	}
	pane := got.Windows[0].Panes[0]
	if pane.ID != paneID || pane.State.Kind != session.PaneStateExited {
		t.Fatalf("pane not restored correctly: %+v", pane)
	}
	if pane.Scrollback == nil || pane.Scrollback.Len() != 2 {
		t.Fatalf("scrollback not restored: %+v", pane.Scrollback)
	}
}

func TestWalEntryForMessageMapsKnownTypes(t *testing.T) {
	sid := uuid.New()
	msg := &protocol.ClientMessage{Type: "rename_session", SessionID: sid, Name: "renamed"}
	entry, ok := walEntryForMessage(msg, dispatch.Result{})
	if !ok {
		t.Fatal("expected rename_session to produce a wal entry")
	}
	if entry.Type != persist.EntrySessionRenamed || entry.SessionID != sid || entry.NewName != "renamed" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	if _, ok := walEntryForMessage(&protocol.ClientMessage{Type: "ping"}, dispatch.Result{}); ok {
		t.Fatal("expected ping to produce no wal entry")
	}
}

func intPtr(i int) *int { return &i }
