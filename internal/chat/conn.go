// Package chat provides the core chat domain logic shared by all transports:
// live connections, the registry of online users and groups, and message
// routing.
package chat

import "context"

// Conn abstracts a bidirectional connection for both WebSocket and legacy
// line clients. This interface isolates transport details from chat logic.
type Conn interface {
	// Read reads a single message (one JSON envelope).
	// Returns io.EOF when the peer closed the connection.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single message.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection. It unblocks a pending Read.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
