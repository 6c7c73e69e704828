// Package tcp dials the relay with the legacy line protocol: one JSON object
// per line, the first line carrying userId.
package tcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/omochice/chat-relay/internal/client"
	"github.com/omochice/chat-relay/internal/transport/tcp"
)

const maxLineSize = 1 << 20

// Conn is a client side line protocol connection.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

// Dial connects to address and sends the identification line.
func Dial(ctx context.Context, address, userID string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	c := &Conn{conn: conn, reader: bufio.NewReader(conn)}
	hello, err := json.Marshal(struct {
		UserID string `json:"userId"`
	}{userID})
	if err == nil {
		err = c.WriteMessage(hello)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to identify: %w", err)
	}
	return c, nil
}

// Connect dials the relay and starts a session.
func Connect(ctx context.Context, address, userID string, log *zap.Logger) (*client.Session, error) {
	conn, err := Dial(ctx, address, userID)
	if err != nil {
		return nil, err
	}
	return client.NewSession(userID, conn, log), nil
}

// ReadMessage returns the next line.
func (c *Conn) ReadMessage() ([]byte, error) {
	return tcp.ReadLine(c.reader, maxLineSize)
}

// WriteMessage sends data followed by a newline.
func (c *Conn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	_, err := c.conn.Write(append(buf, '\n'))
	return err
}

// Close closes the socket.
func (c *Conn) Close() error {
	return c.conn.Close()
}
