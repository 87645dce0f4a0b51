// Package orchestration implements the tag/session/broadcast/worktree
// addressing router for cross-session orchestration messages (spec
// §4.9). Grounded on
// original_source/fugue-server/src/orchestration/router.rs's addressing
// logic, adapted to route through the live session tree
// (internal/session) and deliver via the client registry
// (internal/registry) rather than maintaining a parallel per-session
// channel map, since spec §4.9 delivers to "every client attached to
// each target session" rather than to the session itself.
package orchestration

import (
	"errors"

	"github.com/google/uuid"

	"github.com/fugue-hub/fugue/internal/protocol"
	"github.com/fugue-hub/fugue/internal/registry"
	"github.com/fugue-hub/fugue/internal/session"
)

// Errors mirror original_source's RouterError plus the InvalidOperation
// case spec §4.9 adds for an unattached sender.
var (
	ErrNoRepository      = errors.New("session not associated with a repository")
	ErrNoRecipients      = errors.New("no recipients for message")
	ErrInvalidOperation  = errors.New("sender is not attached to any session")
)

// Router addresses and delivers orchestration messages.
type Router struct {
	sessions *session.Manager
	registry *registry.Registry
}

// New creates a Router over the given session tree and client registry.
func New(sessions *session.Manager, reg *registry.Registry) *Router {
	return &Router{sessions: sessions, registry: reg}
}

// Route resolves target to a set of destination sessions, wraps message
// in an OrchestrationReceived frame, and delivers it to every client
// attached to each destination via the registry. Returns the number of
// clients the message was actually handed to.
func (r *Router) Route(fromSessionID uuid.UUID, target protocol.OrchestrationTarget, message []byte) (int, error) {
	sender, err := r.sessions.Session(fromSessionID)
	if err != nil {
		return 0, ErrInvalidOperation
	}

	var targets []uuid.UUID
	switch target.Kind {
	case "session":
		if _, err := r.sessions.Session(target.SessionID); err != nil {
			return 0, session.ErrSessionNotFound
		}
		targets = []uuid.UUID{target.SessionID}

	case "tagged":
		for _, s := range r.sessions.SessionsByTag(target.Tag) {
			if s.ID != fromSessionID {
				targets = append(targets, s.ID)
			}
		}

	case "broadcast":
		if sender.Repository == "" {
			return 0, ErrNoRepository
		}
		for _, s := range r.sessions.AllSessions() {
			if s.ID != fromSessionID && s.Repository == sender.Repository {
				targets = append(targets, s.ID)
			}
		}

	case "worktree":
		for _, s := range r.sessions.SessionsByWorktree(target.Worktree) {
			if s.ID != fromSessionID {
				targets = append(targets, s.ID)
			}
		}

	default:
		return 0, ErrInvalidOperation
	}

	frame := &protocol.ServerMessage{
		Type:          "orchestration_received",
		FromSessionID: fromSessionID,
		Data:          message,
	}

	delivered := 0
	for _, sid := range targets {
		delivered += r.registry.TryBroadcastToSession(sid, frame)
	}

	if delivered == 0 && target.Kind != "broadcast" {
		return 0, ErrNoRecipients
	}
	return delivered, nil
}
