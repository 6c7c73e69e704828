package store_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/omochice/chat-relay/internal/store"
)

func TestNewChatID(t *testing.T) {
	id := store.NewChatID()
	assert.Regexp(t, regexp.MustCompile(`^CHAT-[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, store.NewChatID())
}

func TestNewMessageID(t *testing.T) {
	_, err := uuid.Parse(store.NewMessageID())
	assert.NoError(t, err)
}

func TestNewGuestID(t *testing.T) {
	id := store.NewGuestID(time.UnixMilli(1700000000000))
	assert.Regexp(t, regexp.MustCompile(`^guest_1700000000000_[0-9a-f]{4}$`), id)
	assert.True(t, store.IsGuestID(id))
	assert.False(t, store.IsGuestID("alice"))
	assert.False(t, store.IsGuestID("guest_"))
}

func TestGroup_HasMember(t *testing.T) {
	g := store.Group{ID: "g1", Members: []string{"alice", "bob"}}
	assert.True(t, g.HasMember("bob"))
	assert.False(t, g.HasMember("carol"))
}

func TestChat_Includes(t *testing.T) {
	c := store.Chat{ID: "CHAT-1", UserID1: "alice", UserID2: "bob"}
	assert.True(t, c.Includes("alice"))
	assert.False(t, c.Includes("carol"))
	assert.Equal(t, []string{"alice", "bob"}, c.Participants())
}
