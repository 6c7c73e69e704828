// Package protocol defines the JSON application messages exchanged between
// chat clients and the relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the value of the mandatory "type" field of every envelope.
type MessageType string

// Client to server message types.
const (
	TypeDirectMessage MessageType = "direct_message"
	TypeGroupMessage  MessageType = "group_message"
	TypeTyping        MessageType = "typing"
	TypeJoinGroup     MessageType = "join_group"
	TypeLeaveGroup    MessageType = "leave_group"
	TypeStatusUpdate  MessageType = "status_update"
)

// Server to client message types. TypeDirectMessage and TypeGroupMessage are
// also used for delivery.
const (
	TypeConnected       MessageType = "connected"
	TypeMessageSent     MessageType = "message_sent"
	TypeTypingStatus    MessageType = "typing_status"
	TypeUserStatus      MessageType = "user_status"
	TypeUserJoinedGroup MessageType = "user_joined_group"
	TypeUserLeftGroup   MessageType = "user_left_group"
	TypeError           MessageType = "error"
)

var (
	// ErrMissingType is returned when a decoded message has no "type" field.
	ErrMissingType = errors.New("message type is required")
	// ErrInvalidMessage is returned when a message is missing fields its type requires.
	ErrInvalidMessage = errors.New("invalid message")
)

// String returns the wire name of the message type.
func (mt MessageType) String() string {
	return string(mt)
}

// Inbound reports whether clients are allowed to send this type.
func (mt MessageType) Inbound() bool {
	switch mt {
	case TypeDirectMessage, TypeGroupMessage, TypeTyping,
		TypeJoinGroup, TypeLeaveGroup, TypeStatusUpdate:
		return true
	default:
		return false
	}
}

// Message is an application message received from a client. Only the fields
// relevant to Type are populated.
type Message struct {
	Type       MessageType `json:"type"`
	UserID     string      `json:"userId,omitempty"`
	ReceiverID string      `json:"receiverId,omitempty"`
	GroupID    string      `json:"groupId,omitempty"`
	ChatID     string      `json:"chatId,omitempty"`
	Content    string      `json:"content,omitempty"`
	IsTyping   *bool       `json:"isTyping,omitempty"`
	Status     string      `json:"status,omitempty"`
}

// Encode encodes the message as a single JSON object.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode decodes a JSON object into the message. A missing type is an error;
// an unknown type is not, so callers can decide how to treat it.
func (m *Message) Decode(data []byte) error {
	*m = Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	if m.Type == "" {
		return ErrMissingType
	}
	return nil
}

// Validate checks that the fields required by the message type are present.
// Unknown types are not validated.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeDirectMessage:
		if m.ReceiverID == "" {
			return fmt.Errorf("%w: receiverId is required", ErrInvalidMessage)
		}
	case TypeGroupMessage:
		if m.GroupID == "" {
			return fmt.Errorf("%w: groupId is required", ErrInvalidMessage)
		}
	case TypeTyping:
		if m.ChatID == "" {
			return fmt.Errorf("%w: chatId is required", ErrInvalidMessage)
		}
		if m.IsTyping == nil {
			return fmt.Errorf("%w: isTyping is required", ErrInvalidMessage)
		}
	case TypeJoinGroup, TypeLeaveGroup:
		if m.GroupID == "" {
			return fmt.Errorf("%w: groupId is required", ErrInvalidMessage)
		}
	case TypeStatusUpdate:
		if m.Status == "" {
			return fmt.Errorf("%w: status is required", ErrInvalidMessage)
		}
	}
	return nil
}
