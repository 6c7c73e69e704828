// Package events publishes presence changes to NATS so other nodes and
// services can follow who is online.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Presence event kinds.
const (
	KindOnline  = "online"
	KindOffline = "offline"
)

// ErrInvalidEvent is returned when a payload is not a presence event.
var ErrInvalidEvent = errors.New("events: invalid presence event")

// Event is a presence change on one node.
type Event struct {
	Kind   string
	UserID string
	NodeID string
	At     time.Time
}

// Marshal encodes the event as a protobuf Struct.
func (e Event) Marshal() ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"kind":      e.Kind,
		"userId":    e.UserID,
		"nodeId":    e.NodeID,
		"timestamp": float64(e.At.UnixMilli()),
	})
	if err != nil {
		return nil, fmt.Errorf("build event: %w", err)
	}
	return proto.Marshal(s)
}

// Unmarshal decodes an event produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	fields := s.GetFields()
	e := Event{
		Kind:   fields["kind"].GetStringValue(),
		UserID: fields["userId"].GetStringValue(),
		NodeID: fields["nodeId"].GetStringValue(),
		At:     time.UnixMilli(int64(fields["timestamp"].GetNumberValue())),
	}
	if e.Kind != KindOnline && e.Kind != KindOffline {
		return Event{}, fmt.Errorf("%w: kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.UserID == "" {
		return Event{}, fmt.Errorf("%w: missing userId", ErrInvalidEvent)
	}
	return e, nil
}

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher implements chat.PresenceObserver by publishing events on subject.
type Publisher struct {
	conn    Conn
	subject string
	nodeID  string
	log     *zap.Logger
	now     func() time.Time
}

// NewPublisher returns a Publisher for events of nodeID.
func NewPublisher(conn Conn, subject, nodeID string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		conn:    conn,
		subject: subject,
		nodeID:  nodeID,
		log:     log,
		now:     time.Now,
	}
}

// UserOnline publishes an online event.
func (p *Publisher) UserOnline(userID string) { p.publish(KindOnline, userID) }

// UserOffline publishes an offline event.
func (p *Publisher) UserOffline(userID string) { p.publish(KindOffline, userID) }

func (p *Publisher) publish(kind, userID string) {
	data, err := Event{Kind: kind, UserID: userID, NodeID: p.nodeID, At: p.now()}.Marshal()
	if err != nil {
		p.log.Error("failed to encode presence event", zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.log.Warn("failed to publish presence event",
			zap.String("user_id", userID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

// Connect dials the NATS servers in url with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// Subscribe calls fn for every presence event published by other nodes.
// Malformed payloads are logged and skipped.
func Subscribe(nc *nats.Conn, subject, nodeID string, log *zap.Logger, fn func(Event)) (*nats.Subscription, error) {
	if log == nil {
		log = zap.NewNop()
	}
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		e, err := Unmarshal(msg.Data)
		if err != nil {
			log.Debug("dropping presence event", zap.Error(err))
			return
		}
		if e.NodeID == nodeID {
			return
		}
		fn(e)
	})
}
