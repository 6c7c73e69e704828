package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
)

// closeWriteWait bounds the close frame written while shutting down.
const closeWriteWait = time.Second

// Options configures a Conn. Zero timeouts disable the corresponding deadline.
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxPayload   int64
}

// Conn adapts a raw, already upgraded net.Conn to chat.Conn. Each Read
// returns the payload of one text or binary frame; control frames are
// answered internally.
type Conn struct {
	conn net.Conn
	r    io.Reader
	opts Options

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps conn. r must be the reader the handshake was read from so
// buffered bytes are not lost; nil reads directly from conn.
func NewConn(conn net.Conn, r io.Reader, opts Options) *Conn {
	if r == nil {
		r = conn
	}
	return &Conn{conn: conn, r: r, opts: opts}
}

// Read implements chat.Conn.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.conn.SetReadDeadline(readDeadline(ctx, c.opts.ReadTimeout)); err != nil {
			return nil, err
		}

		f, err := ReadFrame(c.r, c.opts.MaxPayload)
		if err != nil {
			return nil, err
		}

		switch f.OpCode {
		case ws.OpText, ws.OpBinary:
			return f.Payload, nil
		case ws.OpPing:
			if err := c.writeFrame(ws.OpPong, f.Payload); err != nil {
				return nil, err
			}
		case ws.OpPong:
		case ws.OpClose:
			_ = c.writeFrame(ws.OpClose, f.Payload)
			return nil, io.EOF
		default:
			return nil, ErrProtocol
		}
	}
}

// Write implements chat.Conn. data is sent as one text frame.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.writeFrame(ws.OpText, data)
}

func (c *Conn) writeFrame(op ws.OpCode, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	return WriteFrame(c.conn, op, payload)
}

// Close implements chat.Conn. A normal-closure frame is sent unless another
// write is in progress; the socket is closed either way, which fails that
// write. Calling Close more than once is safe.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.mu.TryLock() {
			_ = c.conn.SetWriteDeadline(time.Now().Add(closeWriteWait))
			_ = WriteFrame(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			c.mu.Unlock()
		}

		c.closeErr = c.conn.Close()
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func readDeadline(ctx context.Context, timeout time.Duration) time.Time {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}
