package tcp_test

import (
	"context"
	"testing"
	"time"

	"github.com/omochice/chat-relay/internal/chat"
	"github.com/omochice/chat-relay/internal/client"
	"github.com/omochice/chat-relay/internal/client/tcp"
	"github.com/omochice/chat-relay/internal/server"
	"github.com/omochice/chat-relay/internal/store"
	"github.com/omochice/chat-relay/internal/store/memstore"
	"github.com/omochice/chat-relay/pkg/protocol"
)

func startRelay(t *testing.T) string {
	t.Helper()

	st := memstore.New()
	for _, id := range []string{"alice", "bob", "carol"} {
		st.AddUser(store.User{ID: id})
	}
	st.AddGroup(store.Group{ID: "g1", Members: []string{"alice", "bob", "carol"}})

	hub := chat.NewHub(nil)
	srv := server.New("127.0.0.1:0", hub, chat.NewRouter(hub, st, chat.RouterConfig{}), st, server.Options{})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Stop)

	return srv.Addr()
}

func connect(t *testing.T, addr, userID string) *client.Session {
	t.Helper()
	s, err := tcp.Connect(context.Background(), addr, userID, nil)
	if err != nil {
		t.Fatalf("Connect(%s) error = %v", userID, err)
	}
	t.Cleanup(s.Close)
	waitFor(t, s, protocol.TypeConnected)
	return s
}

func waitFor(t *testing.T, s *client.Session, typ protocol.MessageType) protocol.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-s.Messages():
			if !ok {
				t.Fatalf("connection closed while waiting for %s", typ)
			}
			if env.Type == typ {
				return env
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s", typ)
		}
	}
}

func TestConnect_GroupConversation(t *testing.T) {
	addr := startRelay(t)

	sessions := map[string]*client.Session{}
	for _, id := range []string{"alice", "bob", "carol"} {
		s := connect(t, addr, id)
		if err := s.JoinGroup("g1"); err != nil {
			t.Fatalf("JoinGroup() error = %v", err)
		}
		waitFor(t, s, protocol.TypeUserJoinedGroup)
		sessions[id] = s
	}

	if err := sessions["bob"].SendGroup("g1", "hi all"); err != nil {
		t.Fatalf("SendGroup() error = %v", err)
	}
	for _, id := range []string{"alice", "carol"} {
		env := waitFor(t, sessions[id], protocol.TypeGroupMessage)
		if env.SenderID != "bob" || env.Content != "hi all" {
			t.Errorf("%s got %+v", id, env)
		}
	}
}

func TestConnect_Disconnect(t *testing.T) {
	addr := startRelay(t)

	alice := connect(t, addr, "alice")
	bob := connect(t, addr, "bob")

	bob.Close()
	if bob.IsConnected() {
		t.Error("expected bob to be disconnected")
	}

	for {
		env := waitFor(t, alice, protocol.TypeUserStatus)
		if env.UserID == "bob" && env.Status == protocol.StatusOffline {
			break
		}
	}
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := tcp.Dial(ctx, "127.0.0.1:1", "alice"); err == nil {
		t.Error("Dial() expected error")
	}
}
