// Package transport defines the pub/sub seam the subscription manager talks
// to. Implementations deliver inbound traffic as Events on a channel that the
// owning event loop drains; they never call back into the manager from their
// own goroutines.
package transport

import (
	"errors"

	"officegrid.io/internal/protocol"
)

var ErrClosed = errors.New("transport: closed")

// Channel is a handle to one joined pub/sub channel. Handles are never reused:
// leaving and re-joining the same name yields a distinct handle.
type Channel interface {
	Name() string
	// Send publishes fire-and-forget. A nil return means the event was queued,
	// not delivered.
	Send(ev protocol.Event) error
	// Leave unsubscribes. Idempotent.
	Leave() error
}

// Transport opens channel handles. Join returns immediately; the channel is
// usable once an EventJoined for that handle arrives.
type Transport interface {
	Join(name string) (Channel, error)
}

type EventKind int

const (
	EventJoined EventKind = iota + 1
	EventMessage
	EventLeft
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventMessage:
		return "message"
	case EventLeft:
		return "left"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is one inbound notification. Channel is the handle it concerns; it may
// be a handle the receiver already abandoned.
type Event struct {
	Kind    EventKind
	Channel Channel
	Message protocol.Message
	Err     error
}
