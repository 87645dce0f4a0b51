// Package mcpbridge implements the connection state machine the MCP
// bridge uses to talk to the fugued daemon over a local Unix socket
// (spec §4.10). The actual MCP JSON-RPC tool surface is out of scope
// (spec's non-goals) — this package only owns transport, heartbeat,
// and reconnection; a tool-call layer built on top would translate
// Call's sentinel errors into structured JSON-RPC error responses.
//
// Grounded on the teacher's internal/tunnel.Manager (atomic Status
// enum, Connect/messageLoop shape) generalized from a WebSocket/Rails
// tunnel to a CBOR-framed Unix socket using internal/protocol, and on
// original_source/ccmux-server/src/mcp/bridge/connection.rs for the
// exact state machine, heartbeat, and backoff semantics.
package mcpbridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fugue-hub/fugue/internal/protocol"
)

// ConnectionState is the bridge's connection lifecycle (spec §4.10):
// Disconnected -> Connecting -> Connected -> Reconnecting{attempt}.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Sentinel transport errors a tool-call layer reconnects on.
var (
	ErrNotConnected       = errors.New("mcpbridge: not connected to daemon")
	ErrDaemonDisconnected = errors.New("mcpbridge: daemon disconnected")
	ErrResponseTimeout    = errors.New("mcpbridge: daemon response timeout")
)

// RecoveringConnectionError is returned by Call when a reconnection
// loop is already in progress, so callers know to back off rather
// than pile up concurrent retries.
type RecoveringConnectionError struct {
	Attempt int
	Max     int
}

func (e *RecoveringConnectionError) Error() string {
	return fmt.Sprintf("mcpbridge: recovering connection (attempt %d/%d)", e.Attempt, e.Max)
}

// RecoveryFailedError is returned when the fixed backoff schedule is
// exhausted without a successful reconnection.
type RecoveryFailedError struct {
	Attempts int
}

func (e *RecoveryFailedError) Error() string {
	return fmt.Sprintf("mcpbridge: reconnection failed after %d attempts", e.Attempts)
}

// Config tunes the bridge's timeouts and backoff schedule. Defaults
// match spec §4.10/§5's stated values.
type Config struct {
	SocketPath string

	HeartbeatInterval      time.Duration
	HeartbeatDeadThreshold time.Duration

	ReconnectBackoff     []time.Duration
	MaxReconnectAttempts int

	ResponseTimeout time.Duration
	DialTimeout     time.Duration

	InitialConnectRetries int
	InitialConnectDelay   time.Duration
}

// DefaultConfig returns the spec-default tuning for a bridge talking
// to the daemon's socket at path.
func DefaultConfig(path string) Config {
	return Config{
		SocketPath:             path,
		HeartbeatInterval:      1 * time.Second,
		HeartbeatDeadThreshold: 5 * time.Second,
		ReconnectBackoff: []time.Duration{
			100 * time.Millisecond,
			500 * time.Millisecond,
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
		},
		MaxReconnectAttempts:  5,
		ResponseTimeout:       30 * time.Second,
		DialTimeout:           500 * time.Millisecond,
		InitialConnectRetries: 3,
		InitialConnectDelay:   500 * time.Millisecond,
	}
}

// disconnectSignal lets the reader goroutine and the heartbeat
// monitor each independently declare a generation's connection dead
// (FEAT-060) without racing to close an already-closed channel.
type disconnectSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newDisconnectSignal() *disconnectSignal {
	return &disconnectSignal{ch: make(chan struct{})}
}

func (d *disconnectSignal) fire() { d.once.Do(func() { close(d.ch) }) }

// Bridge owns one logical connection to the daemon, reconnecting
// underneath as needed. Callers interact with it only through Call,
// State, and Attempt.
type Bridge struct {
	cfg Config
	log *slog.Logger

	state   atomic.Int32
	attempt atomic.Int32
	lastOK  atomic.Int64 // UnixNano of the last pong received (or of the handshake)

	connMu sync.Mutex
	conn   net.Conn

	sendMu sync.Mutex
	respCh chan *protocol.ServerMessage

	callMu sync.Mutex // serializes Call so reconnect-and-retry-once never races itself

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Bridge. Connect must be called before Call.
func New(cfg Config, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		log:    log,
		respCh: make(chan *protocol.ServerMessage, 1),
	}
}

// State reports the bridge's current connection state.
func (b *Bridge) State() ConnectionState { return ConnectionState(b.state.Load()) }

// Attempt reports the current reconnect attempt number, valid while
// State is Reconnecting.
func (b *Bridge) Attempt() int { return int(b.attempt.Load()) }

// Connect performs the initial connection, retrying a fixed number of
// times with a fixed delay (spec §4.10's "three retries" for the
// initial handshake, distinct from the backoff schedule used on
// subsequent reconnection).
func (b *Bridge) Connect(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.state.Store(int32(StateConnecting))

	var lastErr error
	for attempt := 0; attempt < b.cfg.InitialConnectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.cfg.InitialConnectDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := b.dial(); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	b.state.Store(int32(StateDisconnected))
	return fmt.Errorf("mcpbridge: connect to daemon after %d attempts: %w", b.cfg.InitialConnectRetries, lastErr)
}

// dial opens a fresh connection, performs the connect handshake, and
// starts the read loop and heartbeat monitor for this generation. A
// fresh respCh is swapped in with the new conn so a stale reply that
// the old generation's readLoop is still mid-flight on (e.g. a
// daemon response that finally arrives after callOnce has already
// timed out and Call has decided to reconnect) lands on the old,
// now-abandoned channel instead of being misattributed to the
// retried call (BUG-035).
func (b *Bridge) dial() error {
	conn, err := net.DialTimeout("unix", b.cfg.SocketPath, b.cfg.DialTimeout)
	if err != nil {
		return err
	}
	reader := bufio.NewReader(conn)

	hello := &protocol.ClientMessage{Type: "connect", ClientID: uuid.New(), ProtocolVersion: protocol.ProtocolVersion}
	if err := protocol.WriteFrame(conn, hello); err != nil {
		conn.Close()
		return err
	}
	conn.SetReadDeadline(time.Now().Add(b.cfg.DialTimeout))
	var ack protocol.ServerMessage
	if err := protocol.ReadFrame(reader, &ack); err != nil {
		conn.Close()
		return err
	}
	conn.SetReadDeadline(time.Time{})
	if ack.Type != "connected" {
		conn.Close()
		return fmt.Errorf("mcpbridge: unexpected handshake reply %q", ack.Type)
	}

	respCh := make(chan *protocol.ServerMessage, 1)

	b.connMu.Lock()
	old := b.conn
	b.conn = conn
	b.respCh = respCh
	b.connMu.Unlock()
	if old != nil {
		old.Close()
	}

	b.lastOK.Store(time.Now().UnixNano())
	b.state.Store(int32(StateConnected))
	b.attempt.Store(0)

	sig := newDisconnectSignal()
	b.wg.Add(2)
	go b.readLoop(conn, reader, respCh, sig)
	go b.healthMonitor(conn, sig)
	return nil
}

// readLoop is the sole reader of conn: it forwards pong frames into
// the heartbeat's health tracking and everything else into respCh for
// a waiting Call. respCh is the channel dial created for this specific
// generation, captured at goroutine start rather than read from the
// mutable b.respCh field, so a reply this loop receives can never be
// delivered to a later generation's caller.
func (b *Bridge) readLoop(conn net.Conn, reader *bufio.Reader, respCh chan *protocol.ServerMessage, sig *disconnectSignal) {
	defer b.wg.Done()
	for {
		var msg protocol.ServerMessage
		if err := protocol.ReadFrame(reader, &msg); err != nil {
			b.log.Warn("mcpbridge: daemon read error", "error", err)
			sig.fire()
			b.transitionDisconnected(conn)
			return
		}
		if msg.Type == "pong" {
			b.lastOK.Store(time.Now().UnixNano())
			continue
		}
		if protocol.IsBroadcast(msg.Type) {
			continue
		}
		select {
		case respCh <- &msg:
		default:
			b.log.Debug("mcpbridge: dropped unclaimed daemon response", "type", msg.Type)
		}
	}
}

// currentRespCh returns the response channel for the bridge's current
// connection generation.
func (b *Bridge) currentRespCh() chan *protocol.ServerMessage {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return b.respCh
}

// healthMonitor sends a Ping every HeartbeatInterval and declares the
// connection Disconnected if a ping can't be enqueued or no pong has
// landed within HeartbeatDeadThreshold.
func (b *Bridge) healthMonitor(conn net.Conn, sig *disconnectSignal) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-sig.ch:
			b.transitionDisconnected(conn)
			return
		case <-ticker.C:
			if err := b.sendPing(conn); err != nil {
				b.log.Warn("mcpbridge: heartbeat ping failed", "error", err)
				sig.fire()
				b.transitionDisconnected(conn)
				return
			}
			if time.Since(time.Unix(0, b.lastOK.Load())) > b.cfg.HeartbeatDeadThreshold {
				b.log.Warn("mcpbridge: heartbeat dead threshold exceeded")
				sig.fire()
				b.transitionDisconnected(conn)
				return
			}
		}
	}
}

func (b *Bridge) sendPing(conn net.Conn) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	return protocol.WriteFrame(conn, &protocol.ClientMessage{Type: "ping"})
}

// transitionDisconnected flips the bridge to Disconnected, but only if
// conn is still the bridge's current generation — a stale goroutine
// from a connection that has already been superseded by a successful
// reconnect must not clobber the newer state.
func (b *Bridge) transitionDisconnected(conn net.Conn) {
	b.connMu.Lock()
	isCurrent := b.conn == conn
	b.connMu.Unlock()
	if !isCurrent {
		return
	}
	b.state.Store(int32(StateDisconnected))
}

func (b *Bridge) currentConn() net.Conn {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return b.conn
}

func (b *Bridge) send(msg *protocol.ClientMessage) error {
	conn := b.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	return protocol.WriteFrame(conn, msg)
}

// Call sends msg and waits for the daemon's reply. If the attempt
// fails with a recoverable transport error (disconnected, not
// connected, or a stale response timeout) it runs the reconnection
// loop and retries exactly once, per spec §4.10. If a reconnection is
// already underway, Call fails fast with RecoveringConnectionError
// instead of queuing behind it.
func (b *Bridge) Call(ctx context.Context, msg *protocol.ClientMessage) (*protocol.ServerMessage, error) {
	b.callMu.Lock()
	defer b.callMu.Unlock()

	if b.State() == StateReconnecting {
		return nil, &RecoveringConnectionError{Attempt: b.Attempt(), Max: b.cfg.MaxReconnectAttempts}
	}

	resp, err := b.callOnce(ctx, msg)
	if err == nil {
		return resp, nil
	}
	if !recoverable(err) {
		return nil, err
	}

	if rerr := b.reconnect(ctx); rerr != nil {
		return nil, rerr
	}
	return b.callOnce(ctx, msg)
}

func recoverable(err error) bool {
	return errors.Is(err, ErrDaemonDisconnected) || errors.Is(err, ErrNotConnected) || errors.Is(err, ErrResponseTimeout)
}

// callOnce sends msg and waits once for a reply, without reconnecting.
// A ResponseTimeout here deliberately leaves the stale connection in
// place; the caller (Call) discards it by reconnecting rather than
// waiting for the delayed reply to eventually surface — dial's
// per-generation respCh swap means that reply, if it ever arrives,
// lands on the abandoned old channel instead of this retried call's
// new one (BUG-035).
func (b *Bridge) callOnce(ctx context.Context, msg *protocol.ClientMessage) (*protocol.ServerMessage, error) {
	if b.State() != StateConnected {
		return nil, ErrNotConnected
	}
	if err := b.send(msg); err != nil {
		return nil, ErrDaemonDisconnected
	}

	respCh := b.currentRespCh()
	timer := time.NewTimer(b.cfg.ResponseTimeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		return nil, ErrResponseTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, ErrDaemonDisconnected
	}
}

// reconnect runs the fixed backoff schedule, dialing after each delay
// until one succeeds or the schedule (and MaxReconnectAttempts) is
// exhausted.
func (b *Bridge) reconnect(ctx context.Context) error {
	b.state.Store(int32(StateReconnecting))
	succeeded := false
	defer func() {
		if !succeeded {
			b.state.Store(int32(StateDisconnected))
		}
	}()

	for i, delay := range b.cfg.ReconnectBackoff {
		attempt := i + 1
		if attempt > b.cfg.MaxReconnectAttempts {
			break
		}
		b.attempt.Store(int32(attempt))
		b.log.Info("mcpbridge: reconnecting", "attempt", attempt, "max", b.cfg.MaxReconnectAttempts)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := b.dial(); err == nil {
			succeeded = true
			return nil
		}
	}
	return &RecoveryFailedError{Attempts: b.cfg.MaxReconnectAttempts}
}

// Close cancels the bridge's background goroutines and closes the
// current connection.
func (b *Bridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	var err error
	if conn := b.currentConn(); conn != nil {
		err = conn.Close()
	}
	b.wg.Wait()
	b.state.Store(int32(StateDisconnected))
	return err
}
