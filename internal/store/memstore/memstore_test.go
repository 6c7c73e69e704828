package memstore_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chat-relay/internal/store"
	"github.com/omochice/chat-relay/internal/store/memstore"
)

func TestStore_FindNotFound(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	_, err := s.FindUserByID(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.FindGroupByID(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.FindChatByID(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_AppendMessageToChat_ReusesChat(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	first, err := s.AppendMessageToChat(ctx, "alice", "bob", "hi")
	require.NoError(t, err)
	second, err := s.AppendMessageToChat(ctx, "bob", "alice", "hello")
	require.NoError(t, err)

	assert.Equal(t, first.ChatID, second.ChatID)
	assert.NotEqual(t, first.MessageID, second.MessageID)

	chat, err := s.FindChatByID(ctx, first.ChatID)
	require.NoError(t, err)
	assert.Equal(t, []string{first.MessageID, second.MessageID}, chat.MessageIDs)
	assert.True(t, chat.Includes("alice"))
	assert.True(t, chat.Includes("bob"))

	msg, ok := s.Message(second.MessageID)
	require.True(t, ok)
	assert.Equal(t, "bob", msg.SenderID)
	assert.Equal(t, "hello", msg.Content)
}

func TestStore_AppendMessageToGroup(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	s.AddGroup(store.Group{ID: "g1", Members: []string{"alice"}})

	id, err := s.AppendMessageToGroup(ctx, "g1", "alice", "hey")
	require.NoError(t, err)

	g, err := s.FindGroupByID(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, g.MessageIDs)
	assert.Equal(t, 1, s.MessageCount())

	_, err = s.AppendMessageToGroup(ctx, "missing", "alice", "hey")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_FindGroupReturnsCopy(t *testing.T) {
	s := memstore.New()
	s.AddGroup(store.Group{ID: "g1", Members: []string{"alice"}})

	g, err := s.FindGroupByID(context.Background(), "g1")
	require.NoError(t, err)
	g.Members[0] = "mallory"

	again, err := s.FindGroupByID(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, again.Members)
}

func TestStore_Load(t *testing.T) {
	s := memstore.New()
	seed := `{
		"users": [{"userId": "alice", "profilename": "Alice"}, {"userId": "bob"}],
		"groups": [{"groupId": "g1", "groupName": "Friends", "adminId": "alice", "members": ["alice", "bob"]}]
	}`
	require.NoError(t, s.Load(strings.NewReader(seed)))

	u, err := s.FindUserByID(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.ProfileName)

	g, err := s.FindGroupByID(context.Background(), "g1")
	require.NoError(t, err)
	assert.True(t, g.HasMember("bob"))
	assert.False(t, g.CreatedAt.IsZero())
}

func TestStore_LoadRejectsMissingIDs(t *testing.T) {
	assert.Error(t, memstore.New().Load(strings.NewReader(`{"users":[{"profilename":"x"}]}`)))
	assert.Error(t, memstore.New().Load(strings.NewReader(`{"groups":[{}]}`)))
	assert.Error(t, memstore.New().Load(strings.NewReader(`not json`)))
}
