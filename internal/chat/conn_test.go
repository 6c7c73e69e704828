package chat_test

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/omochice/chat-relay/internal/chat"
	"github.com/omochice/chat-relay/pkg/protocol"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	remoteAddr string
	onClose    func()

	mu         sync.Mutex
	written    [][]byte
	writeErr   error
	closeCount int
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan []byte, 10),
		done:       make(chan struct{}),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, io.ErrClosedPipe
	case data, ok := <-m.readCh:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (m *mockConn) Write(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeCount > 0 {
		return io.ErrClosedPipe
	}
	if m.writeErr != nil {
		return m.writeErr
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, copied)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	m.closeCount++
	m.mu.Unlock()
	m.closeOnce.Do(func() {
		close(m.done)
		if m.onClose != nil {
			m.onClose()
		}
	})
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) setWriteErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *mockConn) closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCount
}

func (m *mockConn) GetWritten() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.written...)
}

// envelopes decodes everything written so far, optionally keeping only the
// given types.
func (m *mockConn) envelopes(t *testing.T, types ...protocol.MessageType) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for _, data := range m.GetWritten() {
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("written data is not an envelope: %q: %v", data, err)
		}
		if len(types) == 0 || containsType(types, env.Type) {
			out = append(out, env)
		}
	}
	return out
}

func containsType(types []protocol.MessageType, mt protocol.MessageType) bool {
	for _, t := range types {
		if t == mt {
			return true
		}
	}
	return false
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)
