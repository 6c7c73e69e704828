// Package store defines the persistence contracts the relay depends on and
// the records they exchange.
package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when a user, group or chat does not exist.
var ErrNotFound = errors.New("store: not found")

// User is a registered account.
type User struct {
	ID          string
	ProfileName string
	PhoneNumber string
	Friends     []string
}

// Group is a group chat with its durable member list.
type Group struct {
	ID         string
	Name       string
	AdminID    string
	Members    []string
	MessageIDs []string
	CreatedAt  time.Time
}

// HasMember reports whether userID is a durable member of the group.
func (g Group) HasMember(userID string) bool {
	return slices.Contains(g.Members, userID)
}

// Chat is the private conversation between two users.
type Chat struct {
	ID         string
	UserID1    string
	UserID2    string
	MessageIDs []string
	CreatedAt  time.Time
}

// Participants returns both user IDs.
func (c Chat) Participants() []string {
	return []string{c.UserID1, c.UserID2}
}

// Includes reports whether userID takes part in the chat.
func (c Chat) Includes(userID string) bool {
	return c.UserID1 == userID || c.UserID2 == userID
}

// Message is a stored chat or group message.
type Message struct {
	ID              string
	SenderID        string
	Content         string
	Timestamp       time.Time
	ParentMessageID string
	IsReply         bool
}

// ChatRef identifies a message appended to a private chat.
type ChatRef struct {
	ChatID    string
	MessageID string
}

// Store is the persistence the router and acceptor consult. Lookups return
// an error wrapping ErrNotFound when the record does not exist.
type Store interface {
	FindUserByID(ctx context.Context, id string) (User, error)
	FindGroupByID(ctx context.Context, id string) (Group, error)
	FindChatByID(ctx context.Context, id string) (Chat, error)

	// AppendMessageToChat stores a message in the private chat between
	// sender and receiver, creating the chat if needed.
	AppendMessageToChat(ctx context.Context, senderID, receiverID, content string) (ChatRef, error)

	// AppendMessageToGroup stores a message in the group and returns its ID.
	AppendMessageToGroup(ctx context.Context, groupID, senderID, content string) (string, error)
}
