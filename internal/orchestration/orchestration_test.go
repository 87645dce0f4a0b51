package orchestration

import (
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/fugue-hub/fugue/internal/protocol"
	"github.com/fugue-hub/fugue/internal/registry"
	"github.com/fugue-hub/fugue/internal/session"
)

func setup(t *testing.T) (*session.Manager, *registry.Registry, *Router) {
	t.Helper()
	sm := session.New(session.DefaultConfig())
	reg := registry.New(slog.Default())
	return sm, reg, New(sm, reg)
}

func TestRouteToSpecificSession(t *testing.T) {
	sm, reg, r := setup(t)
	s1 := sm.CreateSession("one")
	s2 := sm.CreateSession("two")
	c1 := reg.Register()
	c2 := reg.Register()
	reg.AttachToSession(c1.ID, s1.ID)
	reg.AttachToSession(c2.ID, s2.ID)

	n, err := r.Route(s1.ID, protocol.OrchestrationTarget{Kind: "session", SessionID: s2.ID}, []byte("hi"))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 delivered, got %d", n)
	}
	select {
	case msg := <-c2.Outbox:
		if msg.Type != "orchestration_received" || string(msg.Data) != "hi" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	default:
		t.Fatal("expected message delivered to c2")
	}
}

func TestRouteTagged(t *testing.T) {
	sm, reg, r := setup(t)
	orch := sm.CreateSession("orch")
	worker := sm.CreateSession("worker")
	sm.SetTags(orch.ID, []string{"orchestrator"}, nil)

	cOrch := reg.Register()
	reg.AttachToSession(cOrch.ID, orch.ID)

	n, err := r.Route(worker.ID, protocol.OrchestrationTarget{Kind: "tagged", Tag: "orchestrator"}, nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 delivered, got %d", n)
	}
}

func TestRouteBroadcastExcludesSenderAndOtherRepos(t *testing.T) {
	sm, reg, r := setup(t)
	s1 := sm.CreateSession("one")
	s2 := sm.CreateSession("two")
	s3 := sm.CreateSession("three")
	sm.SetRepository(s1.ID, "repo1")
	sm.SetRepository(s2.ID, "repo1")
	sm.SetRepository(s3.ID, "repo2")

	c2 := reg.Register()
	c3 := reg.Register()
	reg.AttachToSession(c2.ID, s2.ID)
	reg.AttachToSession(c3.ID, s3.ID)

	n, err := r.Route(s1.ID, protocol.OrchestrationTarget{Kind: "broadcast"}, nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only same-repo session to receive, got %d", n)
	}
}

func TestRouteBroadcastNoRepositoryErrors(t *testing.T) {
	sm, _, r := setup(t)
	s1 := sm.CreateSession("one")

	_, err := r.Route(s1.ID, protocol.OrchestrationTarget{Kind: "broadcast"}, nil)
	if err != ErrNoRepository {
		t.Fatalf("expected ErrNoRepository, got %v", err)
	}
}

func TestRouteBroadcastEmptyIsNotAnError(t *testing.T) {
	sm, _, r := setup(t)
	s1 := sm.CreateSession("one")
	sm.SetRepository(s1.ID, "repo1")

	n, err := r.Route(s1.ID, protocol.OrchestrationTarget{Kind: "broadcast"}, nil)
	if err != nil {
		t.Fatalf("expected no error for empty broadcast, got %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 delivered, got %d", n)
	}
}

func TestRouteSessionTargetNoRecipientsErrors(t *testing.T) {
	sm, reg, r := setup(t)
	s1 := sm.CreateSession("one")
	s2 := sm.CreateSession("two")
	// s2 exists but has no attached clients.
	_ = reg

	_, err := r.Route(s1.ID, protocol.OrchestrationTarget{Kind: "session", SessionID: s2.ID}, nil)
	if err != ErrNoRecipients {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
}

func TestRouteUnknownSessionTargetErrors(t *testing.T) {
	sm, _, r := setup(t)
	s1 := sm.CreateSession("one")

	_, err := r.Route(s1.ID, protocol.OrchestrationTarget{Kind: "session", SessionID: uuid.New()}, nil)
	if err != session.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRouteWorktree(t *testing.T) {
	sm, reg, r := setup(t)
	s1 := sm.CreateSession("one")
	s2 := sm.CreateSession("two")
	sm.SetWorktree(s1.ID, &session.Worktree{Path: "/repo/wt1"})
	sm.SetWorktree(s2.ID, &session.Worktree{Path: "/repo/wt1"})

	c2 := reg.Register()
	reg.AttachToSession(c2.ID, s2.ID)

	n, err := r.Route(s1.ID, protocol.OrchestrationTarget{Kind: "worktree", Worktree: "/repo/wt1"}, nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 delivered, got %d", n)
	}
}

func TestRouteSenderNotAttachedToAnySessionErrors(t *testing.T) {
	_, _, r := setup(t)
	_, err := r.Route(uuid.New(), protocol.OrchestrationTarget{Kind: "broadcast"}, nil)
	if err != ErrInvalidOperation {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
}
