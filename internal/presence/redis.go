// Package presence mirrors the relay's online users into Redis so other
// services can tell which node a user is connected to.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultTimeout     = 2 * time.Second
	minRefreshInterval = 100 * time.Millisecond
)

// releaseScript deletes the presence key only while it still names this
// node, so a user who already reconnected elsewhere stays online.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Key returns the presence key of a user: im:presence:<user>.
func Key(userID string) string { return "im:presence:" + userID }

// NodeKey returns the set of users connected to a node: im:online:<node>.
func NodeKey(nodeID string) string { return "im:online:" + nodeID }

// Mirror implements chat.PresenceObserver on Redis. Each online user has a
// key holding the node ID with a TTL that Refresh re-arms.
type Mirror struct {
	rdb     redis.Cmdable
	nodeID  string
	ttl     time.Duration
	timeout time.Duration
	log     *zap.Logger
}

// Connect creates a client and checks that the server answers.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// NewMirror returns a Mirror writing keys owned by nodeID that expire after ttl.
func NewMirror(rdb redis.Cmdable, nodeID string, ttl time.Duration, log *zap.Logger) *Mirror {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mirror{
		rdb:     rdb,
		nodeID:  nodeID,
		ttl:     ttl,
		timeout: defaultTimeout,
		log:     log.With(zap.String("node_id", nodeID)),
	}
}

// UserOnline records userID as connected to this node.
func (m *Mirror) UserOnline(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if err := m.setOnline(ctx, userID); err != nil {
		m.log.Warn("failed to mirror online presence", zap.String("user_id", userID), zap.Error(err))
	}
}

// UserOffline removes the presence of userID if this node still owns it.
func (m *Mirror) UserOffline(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if err := m.setOffline(ctx, userID); err != nil {
		m.log.Warn("failed to mirror offline presence", zap.String("user_id", userID), zap.Error(err))
	}
}

func (m *Mirror) setOnline(ctx context.Context, userID string) error {
	_, err := m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, Key(userID), m.nodeID, m.ttl)
		p.SAdd(ctx, NodeKey(m.nodeID), userID)
		p.Expire(ctx, NodeKey(m.nodeID), m.ttl)
		return nil
	})
	return err
}

func (m *Mirror) setOffline(ctx context.Context, userID string) error {
	if err := releaseScript.Run(ctx, m.rdb, []string{Key(userID)}, m.nodeID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return m.rdb.SRem(ctx, NodeKey(m.nodeID), userID).Err()
}

// Refresh re-arms the TTL of every given user and of the node set.
func (m *Mirror) Refresh(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := m.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		members := make([]any, 0, len(userIDs))
		for _, id := range userIDs {
			p.Set(ctx, Key(id), m.nodeID, m.ttl)
			members = append(members, id)
		}
		p.SAdd(ctx, NodeKey(m.nodeID), members...)
		p.Expire(ctx, NodeKey(m.nodeID), m.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh presence: %w", err)
	}
	return nil
}

// Run calls Refresh with the users returned by online every interval until
// ctx is done. Intervals below minRefreshInterval are raised to it.
func (m *Mirror) Run(ctx context.Context, interval time.Duration, online func() []string) {
	if interval < minRefreshInterval {
		interval = minRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(ctx, online()); err != nil {
				m.log.Warn("presence refresh failed", zap.Error(err))
			}
		}
	}
}

// Lookup returns the node userID is connected to.
func (m *Mirror) Lookup(ctx context.Context, userID string) (nodeID string, online bool, err error) {
	val, err := m.rdb.Get(ctx, Key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
