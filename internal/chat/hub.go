package chat

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/chat-relay/pkg/protocol"
)

// PresenceObserver is notified when a user comes online or goes offline.
// Calls are made outside the hub lock, from the goroutine that changed the
// registry.
type PresenceObserver interface {
	UserOnline(userID string)
	UserOffline(userID string)
}

// Hub is the registry of live connections and live group subscriptions.
// At most one connection is registered per user; registering again replaces
// and closes the previous one.
type Hub struct {
	mu          sync.RWMutex
	conns       map[string]*Connection
	groups      map[string]map[string]struct{}
	memberships map[string]map[string]struct{}

	observers []PresenceObserver
	log       *zap.Logger
	now       func() time.Time
}

// NewHub creates a new Hub. A nil logger discards output.
func NewHub(log *zap.Logger, observers ...PresenceObserver) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		conns:       make(map[string]*Connection),
		groups:      make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
		observers:   observers,
		log:         log,
		now:         time.Now,
	}
}

// Register makes c the live connection of userID and announces the user as
// online to every registered connection. A previous connection for the same
// user is closed and its group subscriptions are dropped.
func (h *Hub) Register(userID string, c *Connection) {
	c.hub.Store(h)

	h.mu.Lock()
	prev := h.conns[userID]
	h.conns[userID] = c
	h.dropMemberships(userID)
	h.mu.Unlock()

	if prev != nil && prev != c {
		h.log.Info("replacing connection",
			zap.String("user_id", userID),
			zap.String("remote_addr", prev.RemoteAddr()))
		prev.Close()
	}

	if !c.markOpen() {
		// Closed while being registered, before it was ever announced. The
		// user is still announced online only through prev, which is gone.
		h.mu.Lock()
		if h.conns[userID] == c {
			h.removeLocked(userID)
		}
		_, taken := h.conns[userID]
		h.mu.Unlock()
		if prev != nil && prev != c && !taken {
			h.announceOffline(userID)
		}
		return
	}

	h.log.Info("user online", zap.String("user_id", userID), zap.String("remote_addr", c.RemoteAddr()))
	h.Broadcast(protocol.UserStatus(userID, protocol.StatusOnline, h.now()), "")
	if prev == nil {
		h.notifyOnline(userID)
	}
}

// Unregister removes userID and closes its connection. It announces the user
// as offline. Unknown users are a no-op and nothing is announced.
func (h *Hub) Unregister(userID string) bool {
	h.mu.Lock()
	c, ok := h.conns[userID]
	if ok {
		h.removeLocked(userID)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	c.Close()
	h.announceOffline(userID)
	return true
}

// release removes c if it is still the live connection of its user. Only a
// connection that reached Open was announced online, so only then is the
// user announced offline.
func (h *Hub) release(c *Connection, wasOpen bool) {
	h.mu.Lock()
	current, ok := h.conns[c.userID]
	if !ok || current != c {
		h.mu.Unlock()
		return
	}
	h.removeLocked(c.userID)
	h.mu.Unlock()

	if wasOpen {
		h.announceOffline(c.userID)
	}
}

// Caller must hold h.mu.
func (h *Hub) removeLocked(userID string) {
	delete(h.conns, userID)
	h.dropMemberships(userID)
}

// dropMemberships removes userID from every live group subscription.
// Caller must hold h.mu.
func (h *Hub) dropMemberships(userID string) {
	for groupID := range h.memberships[userID] {
		members := h.groups[groupID]
		delete(members, userID)
		if len(members) == 0 {
			delete(h.groups, groupID)
		}
	}
	delete(h.memberships, userID)
}

func (h *Hub) announceOffline(userID string) {
	h.log.Info("user offline", zap.String("user_id", userID))
	h.Broadcast(protocol.UserStatus(userID, protocol.StatusOffline, h.now()), "")
	h.notifyOffline(userID)
}

func (h *Hub) notifyOnline(userID string) {
	for _, o := range h.observers {
		o.UserOnline(userID)
	}
}

func (h *Hub) notifyOffline(userID string) {
	for _, o := range h.observers {
		o.UserOffline(userID)
	}
}

// Lookup returns the live connection of userID.
func (h *Hub) Lookup(userID string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[userID]
	return c, ok
}

// ActiveCount returns number of registered connections.
func (h *Hub) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// OnlineUserIDs returns a sorted copy of the registered user IDs.
func (h *Hub) OnlineUserIDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// JoinGroup subscribes a registered user to live broadcasts of groupID.
// It reports false if the user has no live connection.
func (h *Hub) JoinGroup(groupID, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[userID]; !ok {
		return false
	}
	if h.groups[groupID] == nil {
		h.groups[groupID] = make(map[string]struct{})
	}
	h.groups[groupID][userID] = struct{}{}
	if h.memberships[userID] == nil {
		h.memberships[userID] = make(map[string]struct{})
	}
	h.memberships[userID][groupID] = struct{}{}
	return true
}

// LeaveGroup unsubscribes userID from groupID. It reports whether the user
// was subscribed.
func (h *Hub) LeaveGroup(groupID, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.groups[groupID]
	if !ok {
		return false
	}
	if _, ok := members[userID]; !ok {
		return false
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(h.groups, groupID)
	}
	delete(h.memberships[userID], groupID)
	if len(h.memberships[userID]) == 0 {
		delete(h.memberships, userID)
	}
	return true
}

// GroupMembers returns a sorted copy of the users subscribed to groupID.
func (h *Hub) GroupMembers(groupID string) []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.groups[groupID]))
	for id := range h.groups[groupID] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Broadcast sends env to every registered connection except excludeUserID.
// Recipients are taken from a snapshot; failed sends close only the failing
// connection.
func (h *Hub) Broadcast(env protocol.Envelope, excludeUserID string) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.conns))
	for id, c := range h.conns {
		if id != excludeUserID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.deliver(env, targets)
}

// BroadcastGroup sends env to every live subscriber of groupID except
// excludeUserID.
func (h *Hub) BroadcastGroup(groupID string, env protocol.Envelope, excludeUserID string) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.groups[groupID]))
	for id := range h.groups[groupID] {
		if id == excludeUserID {
			continue
		}
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.deliver(env, targets)
}

// SendTo sends env to userID if it has a live connection. It reports whether
// the message was written.
func (h *Hub) SendTo(userID string, env protocol.Envelope) bool {
	c, ok := h.Lookup(userID)
	if !ok {
		return false
	}
	if err := c.SendEnvelope(env); err != nil {
		h.log.Debug("delivery failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return true
}

func (h *Hub) deliver(env protocol.Envelope, targets []*Connection) {
	if len(targets) == 0 {
		return
	}
	data, err := env.Encode()
	if err != nil {
		h.log.Error("failed to encode envelope", zap.String("type", env.Type.String()), zap.Error(err))
		return
	}
	for _, c := range targets {
		if err := c.Send(data); err != nil {
			h.log.Debug("broadcast delivery failed",
				zap.String("user_id", c.UserID()),
				zap.String("type", env.Type.String()),
				zap.Error(err))
		}
	}
}

// CloseAll closes every registered connection without announcing anyone as
// offline to the others. Observers are still notified.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*Connection)
	h.groups = make(map[string]map[string]struct{})
	h.memberships = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for userID, c := range conns {
		c.Close()
		h.notifyOffline(userID)
	}
}
