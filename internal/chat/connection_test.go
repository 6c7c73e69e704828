package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/omochice/chat-relay/internal/chat"
	"github.com/omochice/chat-relay/pkg/protocol"
)

func TestConnection_Send(t *testing.T) {
	mock := newMockConn("127.0.0.1:1234")
	c := chat.NewConnection("alice", mock)

	if err := c.Send([]byte(`{"type":"connected"}`)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	written := mock.GetWritten()
	if len(written) != 1 || string(written[0]) != `{"type":"connected"}` {
		t.Errorf("written = %q", written)
	}
}

func TestConnection_SendAfterClose(t *testing.T) {
	mock := newMockConn("127.0.0.1:1234")
	c := chat.NewConnection("alice", mock)
	c.Close()

	if err := c.Send([]byte("x")); !errors.Is(err, chat.ErrConnectionClosed) {
		t.Errorf("Send() error = %v, want ErrConnectionClosed", err)
	}
}

func TestConnection_SendFailureCloses(t *testing.T) {
	mock := newMockConn("127.0.0.1:1234")
	mock.setWriteErr(errors.New("broken pipe"))
	c := chat.NewConnection("alice", mock)

	if err := c.Send([]byte("x")); err == nil {
		t.Fatal("Send() expected error")
	}
	if c.State() != chat.StateClosed {
		t.Errorf("State() = %v, want closed", c.State())
	}
	if mock.closes() != 1 {
		t.Errorf("conn closed %d times, want 1", mock.closes())
	}
}

func TestConnection_CloseIdempotent(t *testing.T) {
	mock := newMockConn("127.0.0.1:1234")
	c := chat.NewConnection("alice", mock)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	wg.Wait()

	if mock.closes() != 1 {
		t.Errorf("conn closed %d times, want 1", mock.closes())
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done() not closed after Close()")
	}
}

func TestConnection_ConcurrentSend(t *testing.T) {
	mock := newMockConn("127.0.0.1:1234")
	c := chat.NewConnection("alice", mock)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Send([]byte("x"))
		}()
	}
	wg.Wait()

	if got := len(mock.GetWritten()); got != 50 {
		t.Errorf("written %d messages, want 50", got)
	}
}

func TestConnection_ReceiveLoop_InOrder(t *testing.T) {
	mock := newMockConn("127.0.0.1:1234")
	c := chat.NewConnection("alice", mock)

	for _, s := range []string{"1", "2", "3"} {
		mock.readCh <- []byte(s)
	}
	close(mock.readCh)

	var got []string
	c.ReceiveLoop(context.Background(), chat.HandlerFunc(func(_ context.Context, conn *chat.Connection, data []byte) {
		if conn != c {
			t.Error("handler called with another connection")
		}
		got = append(got, string(data))
	}))

	if len(got) != 3 || got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Errorf("handled %v, want [1 2 3]", got)
	}
	if c.State() != chat.StateClosed {
		t.Errorf("State() = %v, want closed", c.State())
	}
}

func TestConnection_ReceiveLoop_RecoversPanic(t *testing.T) {
	mock := newMockConn("127.0.0.1:1234")
	c := chat.NewConnection("alice", mock)

	mock.readCh <- []byte("boom")
	mock.readCh <- []byte("ok")
	close(mock.readCh)

	var handled []string
	c.ReceiveLoop(context.Background(), chat.HandlerFunc(func(_ context.Context, _ *chat.Connection, data []byte) {
		if string(data) == "boom" {
			panic("handler failure")
		}
		handled = append(handled, string(data))
	}))

	if len(handled) != 1 || handled[0] != "ok" {
		t.Errorf("handled %v, want [ok]", handled)
	}
}

func TestConnection_CloseUnblocksReceiveLoop(t *testing.T) {
	mock := newMockConn("127.0.0.1:1234")
	c := chat.NewConnection("alice", mock)

	done := make(chan struct{})
	go func() {
		c.ReceiveLoop(context.Background(), chat.HandlerFunc(func(context.Context, *chat.Connection, []byte) {}))
		close(done)
	}()

	c.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReceiveLoop did not return after Close")
	}
}

func TestConnection_RateLimit(t *testing.T) {
	mock := newMockConn("127.0.0.1:1234")
	c := chat.NewConnection("alice", mock, chat.WithRateLimit(0.001, 2))

	for i := 0; i < 4; i++ {
		mock.readCh <- []byte("msg")
	}
	close(mock.readCh)

	handled := 0
	c.ReceiveLoop(context.Background(), chat.HandlerFunc(func(context.Context, *chat.Connection, []byte) {
		handled++
	}))

	if handled != 2 {
		t.Errorf("handled %d messages, want 2", handled)
	}
	errs := mock.envelopes(t, protocol.TypeError)
	if len(errs) != 2 {
		t.Fatalf("got %d error envelopes, want 2", len(errs))
	}
	if errs[0].Message != "rate limit exceeded" {
		t.Errorf("error message = %q", errs[0].Message)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state chat.State
		want  string
	}{
		{chat.StateConnecting, "connecting"},
		{chat.StateOpen, "open"},
		{chat.StateClosed, "closed"},
		{chat.State(9), "State(9)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
