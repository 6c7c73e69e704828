package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/omochice/chat-relay/pkg/protocol"
)

// ErrConnectionClosed is returned by Send once the connection is closed.
var ErrConnectionClosed = errors.New("chat: connection closed")

// State is the lifecycle state of a Connection.
type State int32

// Connection states. Closed is terminal.
const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler processes one inbound message read by a receive loop.
type Handler interface {
	Handle(ctx context.Context, c *Connection, data []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c *Connection, data []byte)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, c *Connection, data []byte) {
	f(ctx, c, data)
}

// Connection is one identified client. It owns its Conn exclusively.
type Connection struct {
	userID string
	conn   Conn
	log    *zap.Logger
	now    func() time.Time

	limiter *rate.Limiter

	state     atomic.Int32
	hub       atomic.Pointer[Hub]
	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithLogger sets the logger. user_id and remote_addr are added to it.
func WithLogger(log *zap.Logger) ConnectionOption {
	return func(c *Connection) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRateLimit limits inbound messages to perSecond with the given burst.
// perSecond <= 0 disables limiting.
func WithRateLimit(perSecond float64, burst int) ConnectionOption {
	return func(c *Connection) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithClock overrides the clock used for envelope timestamps.
func WithClock(now func() time.Time) ConnectionOption {
	return func(c *Connection) {
		if now != nil {
			c.now = now
		}
	}
}

// NewConnection returns a Connection in the Connecting state.
func NewConnection(userID string, conn Conn, opts ...ConnectionOption) *Connection {
	c := &Connection{
		userID: userID,
		conn:   conn,
		log:    zap.NewNop(),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("user_id", userID), zap.String("remote_addr", conn.RemoteAddr()))
	return c
}

// UserID returns the identity the connection was admitted with.
func (c *Connection) UserID() string { return c.userID }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string { return c.conn.RemoteAddr() }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// markOpen moves Connecting to Open. It reports false if the connection was
// already closed.
func (c *Connection) markOpen() bool {
	if c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return true
	}
	return c.State() == StateOpen
}

// Send writes one message. Concurrent calls are serialized. A write failure
// closes the connection.
func (c *Connection) Send(data []byte) error {
	if c.State() == StateClosed {
		return ErrConnectionClosed
	}

	c.sendMu.Lock()
	err := c.conn.Write(context.Background(), data)
	c.sendMu.Unlock()

	if err != nil {
		c.log.Debug("send failed", zap.Error(err))
		c.Close()
		return fmt.Errorf("send to %s: %w", c.userID, err)
	}
	return nil
}

// SendEnvelope encodes env and sends it.
func (c *Connection) SendEnvelope(env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.Send(data)
}

// SendError sends an error envelope.
func (c *Connection) SendError(message string) error {
	return c.SendEnvelope(protocol.Error(message, c.now()))
}

// ReceiveLoop reads messages in arrival order and passes each to h until the
// peer goes away, a read fails or ctx is done. It always closes the
// connection before returning.
func (c *Connection) ReceiveLoop(ctx context.Context, h Handler) {
	defer c.Close()

	for {
		data, err := c.conn.Read(ctx)
		if err != nil {
			c.logReadError(err)
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.log.Debug("rate limit exceeded")
			_ = c.SendError("rate limit exceeded")
			continue
		}

		c.dispatch(ctx, h, data)
	}
}

func (c *Connection) dispatch(ctx context.Context, h Handler, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panic", zap.Any("panic", r))
		}
	}()
	h.Handle(ctx, c, data)
}

func (c *Connection) logReadError(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled):
		c.log.Debug("connection closed", zap.Error(err))
	case c.State() == StateClosed:
		c.log.Debug("read after close", zap.Error(err))
	default:
		c.log.Warn("read failed", zap.Error(err))
	}
}

// Close closes the socket exactly once and releases the registry entry that
// still points at this connection. It is safe to call from any goroutine.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		wasOpen := State(c.state.Swap(int32(StateClosed))) == StateOpen
		c.closeErr = c.conn.Close()
		close(c.done)

		if h := c.hub.Load(); h != nil {
			h.release(c, wasOpen)
		}
	})
	return c.closeErr
}
