package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	idAlphabet  = "0123456789abcdef"
	guestPrefix = "guest_"
)

// NewMessageID returns a random message ID.
func NewMessageID() string {
	return uuid.NewString()
}

// NewChatID returns a chat ID of the form CHAT-xxxxxxxx.
func NewChatID() string {
	return "CHAT-" + gonanoid.MustGenerate(idAlphabet, 8)
}

// NewGuestID returns an identifier for an unauthenticated connection.
func NewGuestID(now time.Time) string {
	return fmt.Sprintf(guestPrefix+"%d_%s", now.UnixMilli(), gonanoid.MustGenerate(idAlphabet, 4))
}

// IsGuestID reports whether id was produced by NewGuestID.
func IsGuestID(id string) bool {
	return len(id) > len(guestPrefix) && strings.HasPrefix(id, guestPrefix)
}
