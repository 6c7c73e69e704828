// Package tcp provides the legacy line transport: one JSON object per
// newline-terminated line over a raw TCP stream.
package tcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrLineTooLong is returned when a line exceeds the configured maximum.
var ErrLineTooLong = errors.New("tcp: line too long")

// Options configures a Conn. Zero timeouts disable the corresponding deadline.
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxLineSize  int
}

// Conn adapts net.Conn to chat.Conn interface.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
	opts Options

	mu sync.Mutex
}

// NewConn wraps a net.Conn. r must be the reader used to identify the client,
// if any, so buffered lines are not lost; nil creates a new one.
func NewConn(conn net.Conn, r *bufio.Reader, opts Options) *Conn {
	if r == nil {
		r = bufio.NewReader(conn)
	}
	return &Conn{conn: conn, r: r, opts: opts}
}

// Read implements chat.Conn.
// Returns the next non-empty line without its terminator.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.conn.SetReadDeadline(readDeadline(ctx, c.opts.ReadTimeout)); err != nil {
			return nil, err
		}

		line, err := ReadLine(c.r, c.opts.MaxLineSize)
		if err != nil {
			return nil, err
		}
		if len(line) > 0 {
			return line, nil
		}
	}
}

// ReadLine reads one line from r and trims the trailing CR LF. A final line
// without terminator is returned before io.EOF. max <= 0 disables the limit.
func ReadLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if max > 0 && len(line) > max+2 {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, max)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			break
		}
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// Write implements chat.Conn. data is terminated with a newline.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := c.conn.Write(buf)
	return err
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
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
