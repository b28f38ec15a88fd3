package signaling

import (
	"context"
	"errors"
)

var (
	// ErrConnect is returned when the relay cannot be reached or does not
	// complete the handshake.
	ErrConnect = errors.New("signaling: connect failed")
	// ErrClosed is returned by Send after Close or a disconnect.
	ErrClosed = errors.New("signaling: channel closed")
)

type EventKind int

const (
	// EventConnected carries the relay-assigned transport peer id.
	EventConnected EventKind = iota
	EventMessage
	// EventDisconnected is always the last event; the events channel is
	// closed right after it.
	EventDisconnected
	// EventError reports a relay error message. The channel stays open.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventMessage:
		return "message"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind            EventKind
	TransportPeerID string
	Message         Message
	Err             error
}

// Params identify the connecting participant to the relay. They are sent as
// query parameters on connect.
type Params struct {
	RoomID        string
	ParticipantID string
	UserID        string
}

// Channel is a bidirectional, room-scoped event channel.
type Channel interface {
	// Connect blocks until the relay has accepted the connection.
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg Message) error
	// Events delivers inbound events in arrival order.
	Events() <-chan Event
	// Close disconnects. It is safe to call more than once.
	Close() error
}
