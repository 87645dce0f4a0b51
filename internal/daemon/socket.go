package daemon

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/google/uuid"

	"github.com/fugue-hub/fugue/internal/dispatch"
	"github.com/fugue-hub/fugue/internal/protocol"
	"github.com/fugue-hub/fugue/internal/registry"
)

// connHandler processes one accepted connection until it closes.
type connHandler func(conn net.Conn)

// socketListener wraps a Unix socket listener with a standard
// cancellable accept-loop: a goroutine closes the listener on context
// cancellation, and Accept errors are checked against ctx.Done before
// being treated as fatal.
type socketListener struct {
	ln  net.Listener
	log *slog.Logger
}

func newSocketListener(path string, log *slog.Logger) (*socketListener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &socketListener{ln: ln, log: log}, nil
}

// Serve accepts connections until ctx is cancelled, handing each off to
// handle in its own goroutine.
func (s *socketListener) Serve(ctx context.Context, handle connHandler) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	s.log.Info("daemon socket listening", "addr", s.ln.Addr())

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				s.log.Error("accept error", "error", err)
				continue
			}
		}
		go handle(conn)
	}
}

func (s *socketListener) Close() error {
	return s.ln.Close()
}

// handleConn is one client's full lifecycle: register with the client
// registry, pump its Outbox to the wire in one goroutine, and decode
// ClientMessage frames in this one until the connection closes. TUI
// clients and the MCP bridge (internal/mcpbridge.Bridge.dial) speak the
// identical connect/connected handshake and framing, so both land here.
func (d *Daemon) handleConn(conn net.Conn) {
	client := d.Registry.Register()
	defer d.Registry.Unregister(client.ID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range client.Outbox {
			if err := protocol.WriteFrame(conn, msg); err != nil {
				d.Log.Debug("write frame failed, dropping client", "client_id", client.ID, "error", err)
				return
			}
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		var msg protocol.ClientMessage
		if err := protocol.ReadFrame(reader, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				d.Log.Debug("read frame failed", "client_id", client.ID, "error", err)
			}
			break
		}

		result := d.Dispatch.Dispatch(client.ID, &msg)
		d.attachFromMessage(client, &msg, result)
		d.appendWalEntry(&msg, result)
		d.deliverResult(client, result)
	}

	// conn.Close unblocks the writer goroutine's next WriteFrame attempt;
	// waiting here keeps the goroutine from outliving the connection.
	conn.Close()
	<-writerDone
}

// deliverResult sends a handler's reply to its originator and fans its
// broadcast out according to the result's response class.
func (d *Daemon) deliverResult(client *registry.Client, result dispatch.Result) {
	switch result.Kind {
	case dispatch.KindNoResponse:
		return
	case dispatch.KindResponse:
		d.Registry.TrySendTo(client.ID, result.Response)
	case dispatch.KindResponseWithBroadcast:
		d.Registry.TrySendTo(client.ID, result.Response)
		d.Registry.TryBroadcastToSession(result.SessionID, result.Broadcast)
	case dispatch.KindResponseWithGlobalBroadcast:
		d.Registry.TrySendTo(client.ID, result.Response)
		d.Registry.TryBroadcastAll(result.Broadcast)
	}
}

// attachFromMessage implements client-to-session attachment implicitly,
// driven by which operations a client performs rather than a dedicated
// "attach" wire message (none exists in ClientMessage's variant set):
// creating a session attaches its creator, and selecting a pane
// attaches the client to that pane's session, mirroring a TUI switching
// its focused view.
func (d *Daemon) attachFromMessage(client *registry.Client, msg *protocol.ClientMessage, result dispatch.Result) {
	switch msg.Type {
	case "create_session", "create_session_with_options":
		if result.Response != nil && result.Response.Session != nil {
			d.attachAndTagRepository(client, result.Response.Session.ID)
		}
	case "select_pane":
		if sid, err := d.sessionIDForPane(msg.PaneID); err == nil {
			d.attachAndTagRepository(client, sid)
		}
	}
}

func (d *Daemon) attachAndTagRepository(client *registry.Client, sessionID uuid.UUID) {
	d.Registry.AttachToSession(client.ID, sessionID)
	s, err := d.Sessions.Session(sessionID)
	if err != nil || s.Repository == "" {
		return
	}
	d.Registry.SetRepository(client.ID, s.Repository)
}
