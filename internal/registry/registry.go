// Package registry tracks connected clients and delivers best-effort
// broadcasts to them (spec §4.6). Grounded on the teacher's
// internal/hub.Hub client bookkeeping and internal/tunnel.Manager's
// channel-based messageLoop (select over outgoing/error channels,
// drop-on-full-channel send semantics).
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/fugue-hub/fugue/internal/protocol"
)

// shardCount controls the sharded-mutex fan-out; a fixed small power of
// two is enough to de-contend registration/broadcast under normal
// client counts without pulling in a concurrent-map dependency.
const shardCount = 16

// outboxCapacity bounds each client's pending-send channel; a full
// channel means the client is too slow or gone, and sends are dropped
// rather than blocking the broadcaster (spec §4.6).
const outboxCapacity = 256

// Client is a single registered connection.
type Client struct {
	ID         uuid.UUID
	Outbox     chan *protocol.ServerMessage
	SessionID  *uuid.UUID // attached session, if any
	Repository string     // repository association, for Broadcast addressing
}

type shard struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
}

// Registry is the ClientRegistry: a sharded map of connected clients
// plus best-effort broadcast helpers.
type Registry struct {
	shards [shardCount]*shard
	log    *slog.Logger
}

// New creates an empty Registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{log: log}
	for i := range r.shards {
		r.shards[i] = &shard{clients: make(map[uuid.UUID]*Client)}
	}
	return r
}

func (r *Registry) shardFor(id uuid.UUID) *shard {
	var h byte
	for _, b := range id {
		h ^= b
	}
	return r.shards[int(h)%shardCount]
}

// Register creates and tracks a new client, returning its id and the
// channel the dispatcher should read from to deliver outbound frames.
func (r *Registry) Register() *Client {
	c := &Client{ID: uuid.New(), Outbox: make(chan *protocol.ServerMessage, outboxCapacity)}
	sh := r.shardFor(c.ID)
	sh.mu.Lock()
	sh.clients[c.ID] = c
	sh.mu.Unlock()
	return c
}

// Unregister removes a client and closes its outbox.
func (r *Registry) Unregister(id uuid.UUID) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	c, ok := sh.clients[id]
	if ok {
		delete(sh.clients, id)
	}
	sh.mu.Unlock()
	if ok {
		close(c.Outbox)
	}
}

// Client returns the registered client, if any.
func (r *Registry) Client(id uuid.UUID) (*Client, bool) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	c, ok := sh.clients[id]
	return c, ok
}

// AttachToSession records a client's current session attachment.
func (r *Registry) AttachToSession(id, sessionID uuid.UUID) bool {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	c, ok := sh.clients[id]
	if !ok {
		return false
	}
	sid := sessionID
	c.SessionID = &sid
	return true
}

// Detach clears a client's session attachment.
func (r *Registry) Detach(id uuid.UUID) bool {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	c, ok := sh.clients[id]
	if !ok {
		return false
	}
	c.SessionID = nil
	return true
}

// SetRepository records the repository association used by Broadcast
// addressing (spec §4.9).
func (r *Registry) SetRepository(id uuid.UUID, repo string) bool {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	c, ok := sh.clients[id]
	if !ok {
		return false
	}
	c.Repository = repo
	return true
}

// ClientsAttachedTo returns every client currently attached to a session.
func (r *Registry) ClientsAttachedTo(sessionID uuid.UUID) []*Client {
	var out []*Client
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, c := range sh.clients {
			if c.SessionID != nil && *c.SessionID == sessionID {
				out = append(out, c)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// ClientsInRepository returns every client associated with a repository,
// optionally excluding one client id (the sender, for Broadcast).
func (r *Registry) ClientsInRepository(repo string, exclude uuid.UUID) []*Client {
	var out []*Client
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, c := range sh.clients {
			if c.Repository == repo && c.ID != exclude {
				out = append(out, c)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// All returns every registered client.
func (r *Registry) All() []*Client {
	var out []*Client
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, c := range sh.clients {
			out = append(out, c)
		}
		sh.mu.RUnlock()
	}
	return out
}

// TryBroadcastToSession sends to every client attached to sessionID,
// non-blocking; a full or closed channel is logged and skipped, never
// propagated as an error to the originating operation (spec §4.6).
func (r *Registry) TryBroadcastToSession(sessionID uuid.UUID, msg *protocol.ServerMessage) int {
	delivered := 0
	for _, c := range r.ClientsAttachedTo(sessionID) {
		if r.trySend(c, msg) {
			delivered++
		}
	}
	return delivered
}

// BroadcastToSession sends to every client attached to sessionID,
// awaiting room in each client's outbox instead of dropping on a full
// channel, unlike the drop-on-full TryBroadcastToSession above. A slow
// client blocks this call, bounded only by ctx, so callers should
// reserve it for rare, high-value notifications (e.g. a shutdown
// notice) rather than per-output-chunk broadcasts.
func (r *Registry) BroadcastToSession(ctx context.Context, sessionID uuid.UUID, msg *protocol.ServerMessage) (int, error) {
	delivered := 0
	for _, c := range r.ClientsAttachedTo(sessionID) {
		select {
		case c.Outbox <- msg:
			delivered++
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}
	return delivered, nil
}

// TryBroadcastAll sends to every registered client, non-blocking.
func (r *Registry) TryBroadcastAll(msg *protocol.ServerMessage) int {
	delivered := 0
	for _, c := range r.All() {
		if r.trySend(c, msg) {
			delivered++
		}
	}
	return delivered
}

// TrySendTo sends to one client by id, non-blocking.
func (r *Registry) TrySendTo(id uuid.UUID, msg *protocol.ServerMessage) bool {
	c, ok := r.Client(id)
	if !ok {
		return false
	}
	return r.trySend(c, msg)
}

func (r *Registry) trySend(c *Client, msg *protocol.ServerMessage) (sent bool) {
	// Unregister may close c.Outbox after the caller took its snapshot of
	// attached clients; a send on the closed channel is dropped here.
	defer func() {
		if recover() != nil {
			r.log.Warn("dropping broadcast to closed client", "client_id", c.ID, "message_type", msg.Type)
			sent = false
		}
	}()
	select {
	case c.Outbox <- msg:
		return true
	default:
		r.log.Warn("dropping broadcast to slow or closed client", "client_id", c.ID, "message_type", msg.Type)
		return false
	}
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.clients)
		sh.mu.RUnlock()
	}
	return n
}
