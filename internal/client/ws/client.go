// Package ws dials the relay over WebSocket.
package ws

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/omochice/chat-relay/internal/client"
)

// Conn is a client side WebSocket connection carrying text messages.
type Conn struct {
	conn net.Conn
	rw   io.ReadWriter

	mu sync.Mutex
}

// lockedWriter serializes writes from WriteMessage and the control frame
// replies sent while reading.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Dial connects to rawURL and identifies as userID through the userId query
// parameter.
func Dial(ctx context.Context, rawURL, userID string) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()

	dialer := ws.Dialer{Timeout: 10 * time.Second}
	conn, br, _, err := dialer.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	// Frames sent right after the handshake may already be buffered.
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}

	c := &Conn{conn: conn}
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{mu: &c.mu, w: conn}}
	return c, nil
}

// Connect dials the relay and starts a session.
func Connect(ctx context.Context, rawURL, userID string, log *zap.Logger) (*client.Session, error) {
	conn, err := Dial(ctx, rawURL, userID)
	if err != nil {
		return nil, err
	}
	return client.NewSession(userID, conn, log), nil
}

// ReadMessage returns the next data frame payload. Pings are answered.
func (c *Conn) ReadMessage() ([]byte, error) {
	data, _, err := wsutil.ReadServerData(c.rw)
	return data, err
}

// WriteMessage sends data as one masked text frame.
func (c *Conn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientText(c.conn, data)
}

// Close sends a normal closure and closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, body)
	c.mu.Unlock()
	return c.conn.Close()
}
