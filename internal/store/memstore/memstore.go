// Package memstore is an in-memory store.Store for tests and local runs.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/omochice/chat-relay/internal/store"
)

// Store keeps users, groups, chats and messages in maps guarded by one lock.
type Store struct {
	mu       sync.RWMutex
	users    map[string]store.User
	groups   map[string]store.Group
	chats    map[string]store.Chat
	messages map[string]store.Message
	now      func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:    make(map[string]store.User),
		groups:   make(map[string]store.Group),
		chats:    make(map[string]store.Chat),
		messages: make(map[string]store.Message),
		now:      time.Now,
	}
}

var _ store.Store = (*Store)(nil)

// AddUser inserts or replaces a user.
func (s *Store) AddUser(u store.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// AddGroup inserts or replaces a group.
func (s *Store) AddGroup(g store.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}
	s.groups[g.ID] = g
}

// AddChat inserts or replaces a chat.
func (s *Store) AddChat(c store.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.chats[c.ID] = c
}

// FindUserByID implements store.Store.
func (s *Store) FindUserByID(_ context.Context, id string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return store.User{}, fmt.Errorf("user %q: %w", id, store.ErrNotFound)
	}
	return u, nil
}

// FindGroupByID implements store.Store.
func (s *Store) FindGroupByID(_ context.Context, id string) (store.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return store.Group{}, fmt.Errorf("group %q: %w", id, store.ErrNotFound)
	}
	g.Members = append([]string(nil), g.Members...)
	g.MessageIDs = append([]string(nil), g.MessageIDs...)
	return g, nil
}

// FindChatByID implements store.Store.
func (s *Store) FindChatByID(_ context.Context, id string) (store.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return store.Chat{}, fmt.Errorf("chat %q: %w", id, store.ErrNotFound)
	}
	c.MessageIDs = append([]string(nil), c.MessageIDs...)
	return c, nil
}

// AppendMessageToChat implements store.Store.
func (s *Store) AppendMessageToChat(_ context.Context, senderID, receiverID, content string) (store.ChatRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.privateChat(senderID, receiverID)
	if !ok {
		chat = store.Chat{
			ID:        store.NewChatID(),
			UserID1:   senderID,
			UserID2:   receiverID,
			CreatedAt: s.now(),
		}
	}

	msg := s.newMessage(senderID, content)
	chat.MessageIDs = append(chat.MessageIDs, msg.ID)
	s.chats[chat.ID] = chat

	return store.ChatRef{ChatID: chat.ID, MessageID: msg.ID}, nil
}

// AppendMessageToGroup implements store.Store.
func (s *Store) AppendMessageToGroup(_ context.Context, groupID, senderID, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return "", fmt.Errorf("group %q: %w", groupID, store.ErrNotFound)
	}

	msg := s.newMessage(senderID, content)
	g.MessageIDs = append(g.MessageIDs, msg.ID)
	s.groups[groupID] = g

	return msg.ID, nil
}

// Message returns a stored message.
func (s *Store) Message(id string) (store.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	return m, ok
}

// MessageCount returns the number of stored messages.
func (s *Store) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// privateChat finds the chat between two users in either order.
// Callers must hold s.mu.
func (s *Store) privateChat(a, b string) (store.Chat, bool) {
	for _, c := range s.chats {
		if (c.UserID1 == a && c.UserID2 == b) || (c.UserID1 == b && c.UserID2 == a) {
			return c, true
		}
	}
	return store.Chat{}, false
}

// Callers must hold s.mu.
func (s *Store) newMessage(senderID, content string) store.Message {
	msg := store.Message{
		ID:        store.NewMessageID(),
		SenderID:  senderID,
		Content:   content,
		Timestamp: s.now(),
	}
	s.messages[msg.ID] = msg
	return msg
}
