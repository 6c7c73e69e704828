// Package client implements a chat relay client session. The ws and tcp
// subpackages dial the relay and provide the framing.
package client

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/omochice/chat-relay/pkg/protocol"
)

// ErrNotConnected is returned when sending on a closed session.
var ErrNotConnected = errors.New("not connected to server")

// Conn carries whole messages in both directions.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Session is a connected client. Envelopes from the relay are delivered on
// Messages until the connection ends.
type Session struct {
	userID   string
	conn     Conn
	log      *zap.Logger
	messages chan protocol.Envelope

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewSession starts receiving on conn.
func NewSession(userID string, conn Conn, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		userID:   userID,
		conn:     conn,
		log:      log,
		messages: make(chan protocol.Envelope, 16),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.receiveMessages()
	return s
}

// UserID returns the identity the session connected with.
func (s *Session) UserID() string { return s.userID }

// Messages returns the channel of received envelopes. It is closed when the
// connection ends.
func (s *Session) Messages() <-chan protocol.Envelope { return s.messages }

// IsConnected reports whether Close has not been called.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// SendDirect sends content to receiverID.
func (s *Session) SendDirect(receiverID, content string) error {
	return s.send(protocol.Message{Type: protocol.TypeDirectMessage, ReceiverID: receiverID, Content: content})
}

// SendGroup sends content to the members of groupID.
func (s *Session) SendGroup(groupID, content string) error {
	return s.send(protocol.Message{Type: protocol.TypeGroupMessage, GroupID: groupID, Content: content})
}

// SetTyping reports a typing state change in chatID.
func (s *Session) SetTyping(chatID string, typing bool) error {
	return s.send(protocol.Message{Type: protocol.TypeTyping, ChatID: chatID, IsTyping: &typing})
}

// JoinGroup subscribes to groupID.
func (s *Session) JoinGroup(groupID string) error {
	return s.send(protocol.Message{Type: protocol.TypeJoinGroup, GroupID: groupID})
}

// LeaveGroup unsubscribes from groupID.
func (s *Session) LeaveGroup(groupID string) error {
	return s.send(protocol.Message{Type: protocol.TypeLeaveGroup, GroupID: groupID})
}

// UpdateStatus announces a custom status.
func (s *Session) UpdateStatus(status string) error {
	return s.send(protocol.Message{Type: protocol.TypeStatusUpdate, Status: status})
}

// Close ends the session and waits for the receiver to stop.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	if err := s.conn.Close(); err != nil {
		s.log.Debug("close failed", zap.Error(err))
	}
	s.wg.Wait()
}

func (s *Session) send(msg protocol.Message) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}

	msg.UserID = s.userID
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (s *Session) receiveMessages() {
	defer s.wg.Done()
	defer close(s.messages)

	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Info("connection ended", zap.Error(err))
			}
			return
		}

		var env protocol.Envelope
		if err := env.Decode(data); err != nil {
			s.log.Warn("failed to decode envelope", zap.Error(err))
			continue
		}

		select {
		case s.messages <- env:
		case <-s.done:
			return
		}
	}
}
