package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fugue-hub/fugue/internal/protocol"
)

func TestRegisterUnregister(t *testing.T) {
	r := New(nil)
	c := r.Register()
	if _, ok := r.Client(c.ID); !ok {
		t.Fatal("expected client to be registered")
	}
	r.Unregister(c.ID)
	if _, ok := r.Client(c.ID); ok {
		t.Fatal("expected client to be gone after unregister")
	}
}

func TestAttachDetach(t *testing.T) {
	r := New(nil)
	c := r.Register()
	sid := uuid.New()
	if !r.AttachToSession(c.ID, sid) {
		t.Fatal("expected attach to succeed")
	}
	attached := r.ClientsAttachedTo(sid)
	if len(attached) != 1 || attached[0].ID != c.ID {
		t.Fatal("expected client attached to session")
	}
	r.Detach(c.ID)
	if len(r.ClientsAttachedTo(sid)) != 0 {
		t.Fatal("expected no clients after detach")
	}
}

func TestTryBroadcastToSessionDeliversToAttachedOnly(t *testing.T) {
	r := New(nil)
	a := r.Register()
	b := r.Register()
	sid := uuid.New()
	r.AttachToSession(a.ID, sid)

	n := r.TryBroadcastToSession(sid, &protocol.ServerMessage{Type: "output"})
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	select {
	case <-a.Outbox:
	default:
		t.Fatal("expected message in a's outbox")
	}
	select {
	case <-b.Outbox:
		t.Fatal("b should not have received anything")
	default:
	}
}

func TestTryBroadcastDropsOnFullChannel(t *testing.T) {
	r := New(nil)
	c := r.Register()
	for i := 0; i < outboxCapacity; i++ {
		c.Outbox <- &protocol.ServerMessage{Type: "output"}
	}
	if r.trySend(c, &protocol.ServerMessage{Type: "output"}) {
		t.Fatal("expected send to a full channel to be dropped, not block")
	}
}

func TestBroadcastToSessionDeliversToAttachedOnly(t *testing.T) {
	r := New(nil)
	a := r.Register()
	b := r.Register()
	sid := uuid.New()
	r.AttachToSession(a.ID, sid)

	n, err := r.BroadcastToSession(context.Background(), sid, &protocol.ServerMessage{Type: "output"})
	if err != nil {
		t.Fatalf("BroadcastToSession: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	select {
	case <-a.Outbox:
	default:
		t.Fatal("expected message in a's outbox")
	}
	select {
	case <-b.Outbox:
		t.Fatal("b should not have received anything")
	default:
	}
}

func TestBroadcastToSessionBlocksOnFullChannelUntilContextDone(t *testing.T) {
	r := New(nil)
	c := r.Register()
	sid := uuid.New()
	r.AttachToSession(c.ID, sid)
	for i := 0; i < outboxCapacity; i++ {
		c.Outbox <- &protocol.ServerMessage{Type: "output"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	n, err := r.BroadcastToSession(ctx, sid, &protocol.ServerMessage{Type: "output"})
	if err == nil {
		t.Fatal("expected context deadline error when outbox never drains")
	}
	if n != 0 {
		t.Fatalf("expected 0 deliveries, got %d", n)
	}
}

func TestClientsInRepositoryExcludesSender(t *testing.T) {
	r := New(nil)
	a := r.Register()
	b := r.Register()
	r.SetRepository(a.ID, "/repo")
	r.SetRepository(b.ID, "/repo")

	others := r.ClientsInRepository("/repo", a.ID)
	if len(others) != 1 || others[0].ID != b.ID {
		t.Fatal("expected only b to be returned")
	}
}

func TestCount(t *testing.T) {
	r := New(nil)
	r.Register()
	r.Register()
	if r.Count() != 2 {
		t.Fatalf("expected 2, got %d", r.Count())
	}
}
