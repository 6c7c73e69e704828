package events

import (
	"sync"
	"time"
)

type remoteEntry struct {
	nodeID string
	at     time.Time
}

// Directory tracks which users other nodes report online. Feed it from
// Subscribe.
type Directory struct {
	mu    sync.RWMutex
	users map[string]remoteEntry
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{users: make(map[string]remoteEntry)}
}

// Apply records e. Events older than the last one seen for the user are
// ignored, and an offline event only clears the node that reported it.
func (d *Directory) Apply(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, ok := d.users[e.UserID]
	if ok && e.At.Before(cur.at) {
		return
	}
	switch e.Kind {
	case KindOnline:
		d.users[e.UserID] = remoteEntry{nodeID: e.NodeID, at: e.At}
	case KindOffline:
		if ok && cur.nodeID == e.NodeID {
			delete(d.users, e.UserID)
		}
	}
}

// RemoteUsers returns a copy mapping user IDs to the node they are on.
func (d *Directory) RemoteUsers() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	users := make(map[string]string, len(d.users))
	for id, e := range d.users {
		users[id] = e.nodeID
	}
	return users
}
