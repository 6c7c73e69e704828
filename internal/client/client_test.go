package client_test

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/omochice/chat-relay/internal/client"
	"github.com/omochice/chat-relay/pkg/protocol"
)

// fakeConn delivers queued payloads and records writes.
type fakeConn struct {
	incoming chan []byte
	mu       sync.Mutex
	written  [][]byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 8), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data, ok := <-f.incoming:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-f.closed:
		return nil, io.ErrClosedPipe
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) sent(t *testing.T) []protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := make([]protocol.Message, len(f.written))
	for i, data := range f.written {
		if err := msgs[i].Decode(data); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
	}
	return msgs
}

func receive(t *testing.T, s *client.Session) protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-s.Messages():
		if !ok {
			t.Fatal("messages channel closed")
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for envelope")
	}
	return protocol.Envelope{}
}

func TestSession_ReceivesEnvelopes(t *testing.T) {
	conn := newFakeConn()
	s := client.NewSession("alice", conn, nil)
	defer s.Close()

	conn.incoming <- []byte(`not json`)
	conn.incoming <- []byte(`{"type":"connected","userId":"alice","timestamp":1}`)

	env := receive(t, s)
	if env.Type != protocol.TypeConnected || env.UserID != "alice" {
		t.Errorf("got %+v", env)
	}
}

func TestSession_MessagesClosedOnDisconnect(t *testing.T) {
	conn := newFakeConn()
	s := client.NewSession("alice", conn, nil)
	defer s.Close()

	close(conn.incoming)

	select {
	case _, ok := <-s.Messages():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("messages channel was not closed")
	}
}

func TestSession_Send(t *testing.T) {
	conn := newFakeConn()
	s := client.NewSession("alice", conn, nil)
	defer s.Close()

	calls := []func() error{
		func() error { return s.SendDirect("bob", "hi") },
		func() error { return s.SendGroup("g1", "hello") },
		func() error { return s.SetTyping("CHAT-1", true) },
		func() error { return s.JoinGroup("g1") },
		func() error { return s.LeaveGroup("g1") },
		func() error { return s.UpdateStatus("away") },
	}
	for i, call := range calls {
		if err := call(); err != nil {
			t.Fatalf("call %d error = %v", i, err)
		}
	}

	want := []protocol.MessageType{
		protocol.TypeDirectMessage,
		protocol.TypeGroupMessage,
		protocol.TypeTyping,
		protocol.TypeJoinGroup,
		protocol.TypeLeaveGroup,
		protocol.TypeStatusUpdate,
	}
	sent := conn.sent(t)
	if len(sent) != len(want) {
		t.Fatalf("sent %d messages, want %d", len(sent), len(want))
	}
	for i, msg := range sent {
		if msg.Type != want[i] {
			t.Errorf("message %d type = %s, want %s", i, msg.Type, want[i])
		}
		if msg.UserID != "alice" {
			t.Errorf("message %d userId = %q", i, msg.UserID)
		}
	}
	if sent[2].IsTyping == nil || !*sent[2].IsTyping {
		t.Error("typing flag not sent")
	}
}

func TestSession_SendInvalid(t *testing.T) {
	conn := newFakeConn()
	s := client.NewSession("alice", conn, nil)
	defer s.Close()

	err := s.SendDirect("", "hi")
	if !errors.Is(err, protocol.ErrInvalidMessage) {
		t.Errorf("SendDirect() error = %v, want ErrInvalidMessage", err)
	}
	if n := len(conn.sent(t)); n != 0 {
		t.Errorf("sent %d messages", n)
	}
}

func TestSession_Close(t *testing.T) {
	conn := newFakeConn()
	s := client.NewSession("alice", conn, nil)

	if !s.IsConnected() {
		t.Error("expected connected session")
	}
	s.Close()
	s.Close()

	if s.IsConnected() {
		t.Error("expected closed session")
	}
	if err := s.SendGroup("g1", "late"); !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("SendGroup() error = %v, want ErrNotConnected", err)
	}
}

func TestSession_TypingPayload(t *testing.T) {
	conn := newFakeConn()
	s := client.NewSession("alice", conn, nil)
	defer s.Close()

	if err := s.SetTyping("CHAT-1", false); err != nil {
		t.Fatalf("SetTyping() error = %v", err)
	}

	conn.mu.Lock()
	var raw map[string]any
	err := json.Unmarshal(conn.written[0], &raw)
	conn.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if raw["isTyping"] != false {
		t.Errorf("isTyping = %v, want false", raw["isTyping"])
	}
}
