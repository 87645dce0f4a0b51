// Package poller implements the per-pane output poller (spec §4.3):
// a goroutine that reads a pane's PTY continuously, buffers the bytes
// under a deterministic flush policy, and on each flush hands the
// accumulated chunk to a callback that appends it to scrollback, feeds
// agent detectors, and broadcasts it to attached clients.
//
// Grounded on the teacher's internal/pty read-loop idiom (a dedicated
// reader goroutine feeding a channel, raced against a ticker and a
// cancellation signal in a single select loop, as seen in
// internal/tunnel.Manager.messageLoop) generalized from a WebSocket
// message loop to a PTY byte-stream poller per spec §4.3's buffering
// policy.
package poller

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/fugue-hub/fugue/internal/ptymgr"
)

// Config tunes the flush policy. Defaults match spec §4.3.
type Config struct {
	MaxBufferSize int
	FlushTimeout  time.Duration
}

// DefaultConfig returns the spec-default buffering policy: flush on a
// newline, on reaching 16 KiB, or after 50ms of quiescence.
func DefaultConfig() Config {
	return Config{MaxBufferSize: 16 * 1024, FlushTimeout: 50 * time.Millisecond}
}

// FlushFunc is called with each flushed chunk, in poller-goroutine order.
type FlushFunc func(data []byte)

// ClosedFunc is called exactly once, after the final flush, when the
// PTY reports EOF or a read error.
type ClosedFunc func(exitCode *int)

// Poller drains one pane's PTY output.
type Poller struct {
	cfg      Config
	reader   io.Reader
	handle   *ptymgr.Handle
	onFlush  FlushFunc
	onClosed ClosedFunc
	log      *slog.Logger
}

// New creates a Poller reading from reader (typically handle.CloneReader()).
// handle is used only to recover the child's exit code once the reader
// reports EOF.
func New(cfg Config, reader io.Reader, handle *ptymgr.Handle, onFlush FlushFunc, onClosed ClosedFunc, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{cfg: cfg, reader: reader, handle: handle, onFlush: onFlush, onClosed: onClosed, log: log}
}

// Run drains the PTY until ctx is cancelled or the PTY closes,
// performing a final flush either way. It blocks the calling
// goroutine; callers run it via `go poller.Run(ctx)`.
func (p *Poller) Run(ctx context.Context) {
	chunks := make(chan []byte)
	readErr := make(chan error, 1)

	go p.readLoop(ctx, chunks, readErr)

	buf := make([]byte, 0, p.cfg.MaxBufferSize)
	timer := time.NewTimer(p.cfg.FlushTimeout)
	defer timer.Stop()

	flush := func() {
		if len(buf) == 0 {
			return
		}
		p.onFlush(buf)
		buf = buf[:0]
	}
	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.cfg.FlushTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case chunk := <-chunks:
			buf = append(buf, chunk...)
			if bytes.ContainsRune(chunk, '\n') || len(buf) >= p.cfg.MaxBufferSize {
				flush()
			}
			resetTimer()

		case <-timer.C:
			flush()
			resetTimer()

		case err := <-readErr:
			flush()
			if err != io.EOF {
				p.log.Warn("pane poller read error", "error", err)
			}
			exitCode := p.waitExitCode(200 * time.Millisecond)
			p.onClosed(exitCode)
			return
		}
	}
}

func (p *Poller) readLoop(ctx context.Context, chunks chan<- []byte, errc chan<- error) {
	buf := make([]byte, 4096)
	for {
		n, err := p.reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case errc <- err:
			case <-ctx.Done():
			}
			return
		}
	}
}

// waitExitCode polls the handle briefly for its exit code: the
// child's exec.Cmd.Wait() goroutine may not have observed the exit
// yet at the instant the PTY master reports EOF.
func (p *Poller) waitExitCode(timeout time.Duration) *int {
	if p.handle == nil {
		return nil
	}
	deadline := time.Now().Add(timeout)
	for {
		if code, exited := p.handle.ExitCode(); exited {
			return &code
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}
