package session

import (
	"testing"

	"github.com/google/uuid"
)

func TestCreateSessionWindowPane(t *testing.T) {
	m := New(DefaultConfig())
	s := m.CreateSession("main")
	w, err := m.CreateWindow(s.ID, "editor")
	if err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}
	p, err := m.CreatePane(w.ID, 80, 24)
	if err != nil {
		t.Fatalf("CreatePane: %v", err)
	}
	if p.Index != 0 {
		t.Fatalf("expected first pane index 0, got %d", p.Index)
	}
	if *w.ActivePaneID != p.ID {
		t.Fatal("expected newly created pane to become active")
	}
	if err := m.CheckInvariants(); err != nil {
		t.Fatalf("invariants violated: %v", err)
	}
}

func TestRemovePaneReindexesSurvivors(t *testing.T) {
	m := New(DefaultConfig())
	s := m.CreateSession("main")
	w, _ := m.CreateWindow(s.ID, "editor")
	p0, _ := m.CreatePane(w.ID, 80, 24)
	p1, _ := m.CreatePane(w.ID, 80, 24)
	p2, _ := m.CreatePane(w.ID, 80, 24)

	if err := m.ClosePane(p1.ID, nil); err != nil {
		t.Fatalf("ClosePane: %v", err)
	}

	got, _ := m.Pane(p0.ID)
	if got.Index != 0 {
		t.Fatalf("expected p0 index 0, got %d", got.Index)
	}
	got, _ = m.Pane(p2.ID)
	if got.Index != 1 {
		t.Fatalf("expected p2 reindexed to 1, got %d", got.Index)
	}
	if err := m.CheckInvariants(); err != nil {
		t.Fatalf("invariants violated: %v", err)
	}
}

func TestClosingActivePaneSelectsSurvivor(t *testing.T) {
	m := New(DefaultConfig())
	s := m.CreateSession("main")
	w, _ := m.CreateWindow(s.ID, "editor")
	p0, _ := m.CreatePane(w.ID, 80, 24)
	p1, _ := m.CreatePane(w.ID, 80, 24)
	m.SelectPane(p0.ID)

	if err := m.ClosePane(p0.ID, nil); err != nil {
		t.Fatalf("ClosePane: %v", err)
	}
	refreshed, _ := m.Session(s.ID)
	rw := refreshed.Windows[0]
	if rw.ActivePaneID == nil || *rw.ActivePaneID != p1.ID {
		t.Fatal("expected surviving pane to become active")
	}
}

func TestClosingLastPaneLeavesActiveNil(t *testing.T) {
	m := New(DefaultConfig())
	s := m.CreateSession("main")
	w, _ := m.CreateWindow(s.ID, "editor")
	p0, _ := m.CreatePane(w.ID, 80, 24)

	if err := m.ClosePane(p0.ID, nil); err != nil {
		t.Fatalf("ClosePane: %v", err)
	}
	refreshed, _ := m.Session(s.ID)
	if refreshed.Windows[0].ActivePaneID != nil {
		t.Fatal("expected active_pane_id to become nil when no panes remain")
	}
}

func TestRemoveWindowReindexesAndUpdatesActive(t *testing.T) {
	m := New(DefaultConfig())
	s := m.CreateSession("main")
	w0, _ := m.CreateWindow(s.ID, "a")
	w1, _ := m.CreateWindow(s.ID, "b")
	w2, _ := m.CreateWindow(s.ID, "c")
	m.SelectWindow(s.ID, w0.ID)

	if err := m.RemoveWindow(w0.ID); err != nil {
		t.Fatalf("RemoveWindow: %v", err)
	}
	refreshed, _ := m.Session(s.ID)
	if refreshed.Windows[0].ID != w1.ID || refreshed.Windows[0].Index != 0 {
		t.Fatal("expected w1 reindexed to 0")
	}
	if refreshed.Windows[1].ID != w2.ID || refreshed.Windows[1].Index != 1 {
		t.Fatal("expected w2 reindexed to 1")
	}
	if refreshed.ActiveWindowID == nil || *refreshed.ActiveWindowID != w1.ID {
		t.Fatal("expected active window to move to survivor")
	}
}

func TestSessionNotFoundErrors(t *testing.T) {
	m := New(DefaultConfig())
	if _, err := m.CreateWindow(uuid.New(), "x"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestTagsEnvironmentMetadata(t *testing.T) {
	m := New(DefaultConfig())
	s := m.CreateSession("main")

	if err := m.SetTags(s.ID, []string{"orchestrator", "x"}, nil); err != nil {
		t.Fatalf("SetTags: %v", err)
	}
	if err := m.SetTags(s.ID, nil, []string{"x"}); err != nil {
		t.Fatalf("SetTags remove: %v", err)
	}
	refreshed, _ := m.Session(s.ID)
	if !refreshed.Tags["orchestrator"] || refreshed.Tags["x"] {
		t.Fatal("unexpected tag state")
	}

	if err := m.SetEnvironment(s.ID, "FOO", "bar"); err != nil {
		t.Fatalf("SetEnvironment: %v", err)
	}
	if err := m.SetMetadata(s.ID, "k", "v"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	refreshed, _ = m.Session(s.ID)
	if refreshed.Environment["FOO"] != "bar" || refreshed.Metadata["k"] != "v" {
		t.Fatal("expected environment/metadata set")
	}
}

func TestOrchestratorTaggedSessionGetsLargerScrollback(t *testing.T) {
	m := New(DefaultConfig())
	s := m.CreateSession("orch")
	m.SetTags(s.ID, []string{"orchestrator"}, nil)
	w, _ := m.CreateWindow(s.ID, "main")
	p, _ := m.CreatePane(w.ID, 80, 24)
	if p.Scrollback == nil {
		t.Fatal("expected scrollback buffer")
	}
	if got, want := p.Scrollback.Capacity(), DefaultConfig().OrchestratorScrollbackCap; got != want {
		t.Fatalf("orchestrator pane scrollback capacity = %d, want %d", got, want)
	}
}

func TestInboxPushAndDrain(t *testing.T) {
	m := New(DefaultConfig())
	s := m.CreateSession("main")
	sender := m.CreateSession("other")

	if err := m.PushInbox(s.ID, sender.ID, []byte("hello")); err != nil {
		t.Fatalf("PushInbox: %v", err)
	}
	msgs, err := m.DrainInbox(s.ID)
	if err != nil {
		t.Fatalf("DrainInbox: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Message) != "hello" {
		t.Fatal("unexpected inbox contents")
	}
	msgs, _ = m.DrainInbox(s.ID)
	if len(msgs) != 0 {
		t.Fatal("expected inbox to be empty after drain")
	}
}

func TestAttachedClientsCounterNeverGoesNegative(t *testing.T) {
	m := New(DefaultConfig())
	s := m.CreateSession("main")
	m.DecrementAttached(s.ID)
	refreshed, _ := m.Session(s.ID)
	if refreshed.AttachedClients != 0 {
		t.Fatal("expected counter to stay at 0")
	}
	m.IncrementAttached(s.ID)
	m.IncrementAttached(s.ID)
	m.DecrementAttached(s.ID)
	refreshed, _ = m.Session(s.ID)
	if refreshed.AttachedClients != 1 {
		t.Fatalf("expected 1, got %d", refreshed.AttachedClients)
	}
}

func TestSnapshotAndRestoreSessionRoundTrip(t *testing.T) {
	m := New(DefaultConfig())
	s := m.CreateSession("main")
	w, err := m.CreateWindow(s.ID, "editor")
	if err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}
	p, err := m.CreatePane(w.ID, 80, 24)
	if err != nil {
		t.Fatalf("CreatePane: %v", err)
	}
	p.Scrollback.PushLine("hello")
	p.Scrollback.PushLine("world")

	snaps := m.Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("expected 1 session snapshot, got %d", len(snaps))
	}
	snap := snaps[0]
	if len(snap.Windows) != 1 {
		t.Fatalf("expected 1 window, got %d", len(snap.Windows))
	}
	if len(snap.Windows[0].Panes) != 1 {
		t.Fatalf("expected 1 pane, got %d", len(snap.Windows[0].Panes))
	}

	var restoredPane RestoredPane
	for _, rp := range snap.Windows[0].Panes {
		if rp.ID == p.ID {
			restoredPane = rp
		}
	}
	if len(restoredPane.ScrollbackText) != 2 || restoredPane.ScrollbackText[0] != "hello" {
		t.Fatalf("scrollback not captured in snapshot: %+v", restoredPane.ScrollbackText)
	}

	fresh := New(DefaultConfig())
	panesByWindow := map[uuid.UUID][]RestoredPane{
		snap.Windows[0].ID: snap.Windows[0].Panes,
	}
	restored := fresh.RestoreSession(RestoredSession{
		ID:             snap.ID,
		Name:           snap.Name,
		CreatedAt:      snap.CreatedAt,
		ActiveWindowID: snap.ActiveWindowID,
		Environment:    snap.Environment,
		Metadata:       snap.Metadata,
	}, snap.Windows, panesByWindow)

	if restored.ID != s.ID {
		t.Fatalf("restored session id mismatch: %v != %v", restored.ID, s.ID)
	}
	if len(restored.Windows) != 1 || len(restored.Windows[0].Panes) != 1 {
		t.Fatalf("restored tree shape mismatch: %+v", restored)
	}
	restoredBuf := restored.Windows[0].Panes[0].Scrollback
	if restoredBuf.Len() != 2 || restoredBuf.Lines()[1] != "world" {
		t.Fatalf("restored scrollback mismatch: %+v", restoredBuf.Lines())
	}
}
