package watchdog

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakePtyWriter struct {
	mu     sync.Mutex
	writes map[uuid.UUID][][]byte
}

func newFakePtyWriter() *fakePtyWriter {
	return &fakePtyWriter{writes: make(map[uuid.UUID][][]byte)}
}

func (f *fakePtyWriter) Write(paneID uuid.UUID, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.writes[paneID] = append(f.writes[paneID], cp)
	return nil
}

func (f *fakePtyWriter) writeCount(paneID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes[paneID])
}

func TestStartStop(t *testing.T) {
	m := New(newFakePtyWriter(), nil)

	if m.IsRunning() {
		t.Fatal("expected no watchdog running initially")
	}
	if len(m.Status("")) != 0 {
		t.Fatal("expected empty status initially")
	}

	paneID := uuid.New()
	state := m.Start(paneID, 60, "test", "")
	if state.Name != DefaultName {
		t.Fatalf("expected default name, got %q", state.Name)
	}
	if state.PaneID != paneID || state.IntervalSecs != 60 || state.Message != "test" {
		t.Fatalf("unexpected state: %+v", state)
	}

	if !m.IsRunning() || m.Count() != 1 {
		t.Fatal("expected one watchdog running")
	}

	if !m.Stop("") {
		t.Fatal("expected Stop to report a timer was running")
	}
	if m.IsRunning() {
		t.Fatal("expected no watchdog running after stop")
	}
	if m.Stop("") {
		t.Fatal("expected second Stop to report nothing was running")
	}
}

func TestStartDefaultMessage(t *testing.T) {
	m := New(newFakePtyWriter(), nil)
	state := m.Start(uuid.New(), 90, "", "")
	if state.Message != DefaultMessage {
		t.Fatalf("expected default message %q, got %q", DefaultMessage, state.Message)
	}
	m.StopAll()
}

func TestRestartSameNameReplacesTimer(t *testing.T) {
	m := New(newFakePtyWriter(), nil)

	p1 := uuid.New()
	m.Start(p1, 60, "", "")

	p2 := uuid.New()
	state := m.Start(p2, 30, "ping", "")

	if state.PaneID != p2 || state.IntervalSecs != 30 || state.Message != "ping" {
		t.Fatalf("unexpected state after restart: %+v", state)
	}
	if m.Count() != 1 {
		t.Fatalf("expected exactly one watchdog after same-name restart, got %d", m.Count())
	}
	m.StopAll()
}

func TestMultipleNamedWatchdogs(t *testing.T) {
	m := New(newFakePtyWriter(), nil)

	p1, p2 := uuid.New(), uuid.New()
	s1 := m.Start(p1, 60, "check-alpha", "alpha")
	s2 := m.Start(p2, 30, "check-beta", "beta")

	if s1.Name != "alpha" || s2.Name != "beta" {
		t.Fatalf("unexpected names: %q %q", s1.Name, s2.Name)
	}
	if m.Count() != 2 {
		t.Fatalf("expected 2 running, got %d", m.Count())
	}
	if !m.IsRunningByName("alpha") || !m.IsRunningByName("beta") || m.IsRunningByName("gamma") {
		t.Fatal("unexpected IsRunningByName results")
	}

	if len(m.Status("")) != 2 {
		t.Fatal("expected status for all to return 2 entries")
	}
	alphaStatus := m.Status("alpha")
	if len(alphaStatus) != 1 || alphaStatus[0].PaneID != p1 {
		t.Fatalf("unexpected alpha status: %+v", alphaStatus)
	}
	if len(m.Status("gamma")) != 0 {
		t.Fatal("expected empty status for unknown watchdog")
	}

	if !m.Stop("alpha") {
		t.Fatal("expected alpha to stop")
	}
	if m.Count() != 1 || m.IsRunningByName("alpha") || !m.IsRunningByName("beta") {
		t.Fatal("unexpected state after stopping alpha")
	}

	if !m.StopAll() {
		t.Fatal("expected StopAll to report remaining timer stopped")
	}
	if m.Count() != 0 {
		t.Fatal("expected 0 running after StopAll")
	}
}

func TestStopNonexistentWatchdog(t *testing.T) {
	m := New(newFakePtyWriter(), nil)
	if m.Stop("nonexistent") {
		t.Fatal("expected Stop on a nonexistent watchdog to return false")
	}
}

func TestFiresMessageThenCarriageReturn(t *testing.T) {
	pty := newFakePtyWriter()
	m := New(pty, nil)
	paneID := uuid.New()

	// Directly exercise fire rather than waiting on a real interval timer.
	m.fire(State{Name: "t", PaneID: paneID, IntervalSecs: 1, Message: "hello"})

	pty.mu.Lock()
	writes := pty.writes[paneID]
	pty.mu.Unlock()

	if len(writes) != 2 {
		t.Fatalf("expected 2 writes (message + CR), got %d", len(writes))
	}
	if string(writes[0]) != "hello" {
		t.Fatalf("expected first write to be the message, got %q", writes[0])
	}
	if string(writes[1]) != "\r" {
		t.Fatalf("expected second write to be a carriage return, got %q", writes[1])
	}
}

func TestTimerFiresAtInterval(t *testing.T) {
	pty := newFakePtyWriter()
	m := New(pty, nil)
	paneID := uuid.New()

	// Override submitDelay is not exposed; use a very short interval and
	// poll for the expected write count instead of sleeping past it.
	m.Start(paneID, 0, "go", "short")
	defer m.StopAll()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pty.writeCount(paneID) >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected at least one fire (2 writes), got %d", pty.writeCount(paneID))
}
