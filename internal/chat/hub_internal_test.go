package chat

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/omochice/chat-relay/pkg/protocol"
)

// stubConn records writes and fails reads once closed.
type stubConn struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func (s *stubConn) Read(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, io.EOF
}

func (s *stubConn) Write(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	s.written = append(s.written, append([]byte(nil), data...))
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubConn) RemoteAddr() string { return "127.0.0.1:0" }

type countingObserver struct {
	mu              sync.Mutex
	online, offline int
}

func (o *countingObserver) UserOnline(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.online++
}

func (o *countingObserver) UserOffline(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offline++
}

// A connection closed after it is inserted but before it is opened was
// never announced, so its release must stay silent.
func TestHub_ReleaseBeforeOpenIsSilent(t *testing.T) {
	obs := &countingObserver{}
	h := NewHub(nil, obs)

	watcherConn := &stubConn{}
	h.Register("watcher", NewConnection("watcher", watcherConn))
	watcherConn.mu.Lock()
	before := len(watcherConn.written)
	watcherConn.mu.Unlock()

	c := NewConnection("alice", &stubConn{})
	c.hub.Store(h)
	h.mu.Lock()
	h.conns["alice"] = c
	h.mu.Unlock()

	c.Close()

	if _, ok := h.Lookup("alice"); ok {
		t.Error("closed connection is still registered")
	}
	watcherConn.mu.Lock()
	after := watcherConn.written[before:]
	watcherConn.mu.Unlock()
	for _, data := range after {
		var env protocol.Envelope
		if err := env.Decode(data); err != nil {
			t.Fatal(err)
		}
		if env.UserID == "alice" {
			t.Errorf("unexpected %s envelope for alice: %s", env.Type, env.Status)
		}
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.online != 1 || obs.offline != 0 {
		t.Errorf("observer saw online=%d offline=%d, want 1 and 0", obs.online, obs.offline)
	}
}
