package chat

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/chat-relay/internal/store"
	"github.com/omochice/chat-relay/pkg/protocol"
)

// TypingScope selects who receives typing indicators.
type TypingScope string

const (
	// TypingParticipants sends typing indicators to the other chat
	// participants, or to the live subscribers when the chat ID names a group.
	TypingParticipants TypingScope = "participants"
	// TypingAll sends typing indicators to every registered connection,
	// the typing user included.
	TypingAll TypingScope = "all"
)

// Valid reports whether s is a known scope.
func (s TypingScope) Valid() bool {
	return s == TypingParticipants || s == TypingAll
}

// Error messages returned to clients.
const (
	errInvalidFormat   = "Invalid message format"
	errUnknownType     = "Unknown message type"
	errUserNotFound    = "Recipient user not found"
	errGroupNotFound   = "Group not found"
	errChatNotFound    = "Chat not found"
	errNotGroupMember  = "Not a member of this group"
	errNotConnected    = "Not connected"
	errStoreFailure    = "Failed to store message"
	errLookupFailure   = "Lookup failed"
	errNotAParticipant = "Not a participant of this chat"
)

// RouterConfig configures a Router.
type RouterConfig struct {
	// StoreTimeout bounds each store call. Zero means no timeout.
	StoreTimeout time.Duration
	// TypingScope defaults to TypingParticipants.
	TypingScope TypingScope
	Logger      *zap.Logger
	Now         func() time.Time
}

// Router applies the routing rules for inbound application messages.
type Router struct {
	hub   *Hub
	store store.Store
	cfg   RouterConfig
	log   *zap.Logger
	now   func() time.Time
}

// NewRouter returns a Router delivering through hub and persisting through st.
func NewRouter(hub *Hub, st store.Store, cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if !cfg.TypingScope.Valid() {
		cfg.TypingScope = TypingParticipants
	}
	return &Router{
		hub:   hub,
		store: st,
		cfg:   cfg,
		log:   cfg.Logger,
		now:   cfg.Now,
	}
}

var _ Handler = (*Router)(nil)

// Handle implements Handler. Domain failures are reported to the sender with
// an error envelope and never close the connection.
func (r *Router) Handle(ctx context.Context, c *Connection, data []byte) {
	var msg protocol.Message
	if err := msg.Decode(data); err != nil {
		r.log.Debug("invalid message", zap.String("user_id", c.UserID()), zap.Error(err))
		r.replyError(c, errInvalidFormat)
		return
	}

	if !msg.Type.Inbound() {
		r.log.Warn("unknown message type",
			zap.String("user_id", c.UserID()),
			zap.String("type", msg.Type.String()))
		r.replyError(c, errUnknownType+": "+msg.Type.String())
		return
	}

	if err := msg.Validate(); err != nil {
		r.replyError(c, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeDirectMessage:
		r.handleDirectMessage(ctx, c, msg)
	case protocol.TypeGroupMessage:
		r.handleGroupMessage(ctx, c, msg)
	case protocol.TypeTyping:
		r.handleTyping(ctx, c, msg)
	case protocol.TypeJoinGroup:
		r.handleJoinGroup(c, msg)
	case protocol.TypeLeaveGroup:
		r.handleLeaveGroup(c, msg)
	case protocol.TypeStatusUpdate:
		r.handleStatusUpdate(c, msg)
	}
}

func (r *Router) handleDirectMessage(ctx context.Context, c *Connection, msg protocol.Message) {
	sctx, cancel := r.storeContext(ctx)
	defer cancel()

	if _, err := r.store.FindUserByID(sctx, msg.ReceiverID); err != nil {
		r.replyLookupError(c, err, errUserNotFound)
		return
	}

	ref, err := r.store.AppendMessageToChat(sctx, c.UserID(), msg.ReceiverID, msg.Content)
	if err != nil {
		r.log.Error("failed to store direct message", zap.String("user_id", c.UserID()), zap.Error(err))
		r.replyError(c, errStoreFailure)
		return
	}

	now := r.now()
	delivered := r.hub.SendTo(msg.ReceiverID,
		protocol.DirectMessage(c.UserID(), ref.MessageID, ref.ChatID, msg.Content, now))
	r.log.Debug("direct message",
		zap.String("user_id", c.UserID()),
		zap.String("receiver_id", msg.ReceiverID),
		zap.String("chat_id", ref.ChatID),
		zap.Bool("delivered", delivered))

	_ = c.SendEnvelope(protocol.MessageSent(ref.MessageID, ref.ChatID, now))
}

func (r *Router) handleGroupMessage(ctx context.Context, c *Connection, msg protocol.Message) {
	sctx, cancel := r.storeContext(ctx)
	defer cancel()

	group, err := r.store.FindGroupByID(sctx, msg.GroupID)
	if err != nil {
		r.replyLookupError(c, err, errGroupNotFound)
		return
	}
	if !group.HasMember(c.UserID()) {
		r.replyError(c, errNotGroupMember)
		return
	}

	messageID, err := r.store.AppendMessageToGroup(sctx, msg.GroupID, c.UserID(), msg.Content)
	if err != nil {
		r.log.Error("failed to store group message",
			zap.String("user_id", c.UserID()),
			zap.String("group_id", msg.GroupID),
			zap.Error(err))
		r.replyError(c, errStoreFailure)
		return
	}

	r.hub.BroadcastGroup(msg.GroupID,
		protocol.GroupMessage(msg.GroupID, c.UserID(), messageID, msg.Content, r.now()),
		c.UserID())
}

func (r *Router) handleTyping(ctx context.Context, c *Connection, msg protocol.Message) {
	env := protocol.TypingStatus(c.UserID(), msg.ChatID, *msg.IsTyping, r.now())

	if r.cfg.TypingScope == TypingAll {
		r.hub.Broadcast(env, "")
		return
	}

	sctx, cancel := r.storeContext(ctx)
	defer cancel()

	chat, err := r.store.FindChatByID(sctx, msg.ChatID)
	if err == nil {
		if !chat.Includes(c.UserID()) {
			r.replyError(c, errNotAParticipant)
			return
		}
		for _, id := range chat.Participants() {
			if id != c.UserID() {
				r.hub.SendTo(id, env)
			}
		}
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		r.replyLookupError(c, err, errChatNotFound)
		return
	}

	// A chat ID may also name a group conversation.
	if _, err := r.store.FindGroupByID(sctx, msg.ChatID); err != nil {
		r.replyLookupError(c, err, errChatNotFound)
		return
	}
	r.hub.BroadcastGroup(msg.ChatID, env, c.UserID())
}

func (r *Router) handleJoinGroup(c *Connection, msg protocol.Message) {
	if !r.hub.JoinGroup(msg.GroupID, c.UserID()) {
		r.replyError(c, errNotConnected)
		return
	}
	r.log.Debug("joined group", zap.String("user_id", c.UserID()), zap.String("group_id", msg.GroupID))
	r.hub.BroadcastGroup(msg.GroupID, protocol.UserJoinedGroup(msg.GroupID, c.UserID(), r.now()), "")
}

func (r *Router) handleLeaveGroup(c *Connection, msg protocol.Message) {
	if !r.hub.LeaveGroup(msg.GroupID, c.UserID()) {
		return
	}
	r.log.Debug("left group", zap.String("user_id", c.UserID()), zap.String("group_id", msg.GroupID))
	r.hub.BroadcastGroup(msg.GroupID, protocol.UserLeftGroup(msg.GroupID, c.UserID(), r.now()), "")
}

func (r *Router) handleStatusUpdate(c *Connection, msg protocol.Message) {
	r.hub.Broadcast(protocol.UserStatus(c.UserID(), msg.Status, r.now()), "")
}

func (r *Router) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.StoreTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.StoreTimeout)
	}
	return context.WithCancel(ctx)
}

// replyLookupError answers notFound for missing records and a generic
// message for store failures, which are logged.
func (r *Router) replyLookupError(c *Connection, err error, notFound string) {
	if errors.Is(err, store.ErrNotFound) {
		r.replyError(c, notFound)
		return
	}
	r.log.Error("store lookup failed", zap.String("user_id", c.UserID()), zap.Error(err))
	r.replyError(c, errLookupFailure)
}

func (r *Router) replyError(c *Connection, message string) {
	if err := c.SendError(message); err != nil {
		r.log.Debug("failed to send error", zap.String("user_id", c.UserID()), zap.Error(err))
	}
}
