package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Presence values carried by user_status envelopes.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Envelope is a message sent from the relay to a client. Timestamp is in
// milliseconds since the Unix epoch.
type Envelope struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"userId,omitempty"`
	SenderID  string      `json:"senderId,omitempty"`
	GroupID   string      `json:"groupId,omitempty"`
	ChatID    string      `json:"chatId,omitempty"`
	MessageID string      `json:"messageId,omitempty"`
	Content   string      `json:"content,omitempty"`
	Status    string      `json:"status,omitempty"`
	IsTyping  *bool       `json:"isTyping,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Encode encodes the envelope as a single JSON object.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode decodes a JSON object into the envelope.
func (e *Envelope) Decode(data []byte) error {
	*e = Envelope{}
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}
	if e.Type == "" {
		return ErrMissingType
	}
	return nil
}

// Time returns the envelope timestamp as a time.Time.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Connected is the welcome envelope sent after a connection is registered.
func Connected(userID string, at time.Time) Envelope {
	return Envelope{
		Type:      TypeConnected,
		UserID:    userID,
		Message:   "Connected to WebSocket server",
		Timestamp: at.UnixMilli(),
	}
}

// MessageSent confirms to the sender that a direct message was stored.
func MessageSent(messageID, chatID string, at time.Time) Envelope {
	return Envelope{
		Type:      TypeMessageSent,
		MessageID: messageID,
		ChatID:    chatID,
		Timestamp: at.UnixMilli(),
	}
}

// DirectMessage delivers a direct message to its receiver.
func DirectMessage(senderID, messageID, chatID, content string, at time.Time) Envelope {
	return Envelope{
		Type:      TypeDirectMessage,
		SenderID:  senderID,
		MessageID: messageID,
		ChatID:    chatID,
		Content:   content,
		Timestamp: at.UnixMilli(),
	}
}

// GroupMessage delivers a group message to a live group subscriber.
func GroupMessage(groupID, senderID, messageID, content string, at time.Time) Envelope {
	return Envelope{
		Type:      TypeGroupMessage,
		GroupID:   groupID,
		SenderID:  senderID,
		MessageID: messageID,
		Content:   content,
		Timestamp: at.UnixMilli(),
	}
}

// TypingStatus relays a typing indicator.
func TypingStatus(userID, chatID string, isTyping bool, at time.Time) Envelope {
	return Envelope{
		Type:      TypeTypingStatus,
		UserID:    userID,
		ChatID:    chatID,
		IsTyping:  &isTyping,
		Timestamp: at.UnixMilli(),
	}
}

// UserStatus announces a presence change.
func UserStatus(userID, status string, at time.Time) Envelope {
	return Envelope{
		Type:      TypeUserStatus,
		UserID:    userID,
		Status:    status,
		Timestamp: at.UnixMilli(),
	}
}

// UserJoinedGroup notifies live subscribers that a user subscribed to a group.
func UserJoinedGroup(groupID, userID string, at time.Time) Envelope {
	return Envelope{
		Type:      TypeUserJoinedGroup,
		GroupID:   groupID,
		UserID:    userID,
		Timestamp: at.UnixMilli(),
	}
}

// UserLeftGroup notifies live subscribers that a user unsubscribed from a group.
func UserLeftGroup(groupID, userID string, at time.Time) Envelope {
	return Envelope{
		Type:      TypeUserLeftGroup,
		GroupID:   groupID,
		UserID:    userID,
		Timestamp: at.UnixMilli(),
	}
}

// Error reports a failure back to the originating client.
func Error(message string, at time.Time) Envelope {
	return Envelope{
		Type:      TypeError,
		Message:   message,
		Timestamp: at.UnixMilli(),
	}
}
