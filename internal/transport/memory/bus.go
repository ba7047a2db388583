// Package memory is an in-process Transport used by tests and single-binary
// demos. Delivery is asynchronous and lossy under backpressure, like the relay.
package memory

import (
	"sync"

	"officegrid.io/internal/protocol"
	"officegrid.io/internal/transport"
)

// Bus routes published events to every client joined on the same channel
// name, including the publisher.
type Bus struct {
	mu      sync.Mutex
	members map[string]map[*handle]struct{}

	// HoldJoins defers join confirmations until Confirm is called.
	HoldJoins bool
	pending   []*handle
}

func NewBus() *Bus {
	return &Bus{members: make(map[string]map[*handle]struct{})}
}

// Client is one participant's view of the bus.
type Client struct {
	bus    *Bus
	userID string
	events chan transport.Event

	mu        sync.Mutex
	seq       uint64
	closed    bool
	dropped   uint64
	failJoins bool
}

func (b *Bus) Client(userID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{bus: b, userID: userID, events: make(chan transport.Event, buffer)}
}

// Events is drained by the owning event loop.
func (c *Client) Events() <-chan transport.Event { return c.events }

func (c *Client) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// SetFailJoins makes Join refuse synchronously, simulating a transport that
// is down.
func (c *Client) SetFailJoins(v bool) {
	c.mu.Lock()
	c.failJoins = v
	c.mu.Unlock()
}

func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	for name, set := range c.bus.members {
		for h := range set {
			if h.client == c {
				delete(set, h)
			}
		}
		if len(set) == 0 {
			delete(c.bus.members, name)
		}
	}
}

func (c *Client) Join(name string) (transport.Channel, error) {
	c.mu.Lock()
	closed, fail := c.closed, c.failJoins
	c.mu.Unlock()
	if closed || fail {
		return nil, transport.ErrClosed
	}
	h := &handle{client: c, name: name}
	c.bus.mu.Lock()
	if c.bus.HoldJoins {
		c.bus.pending = append(c.bus.pending, h)
		c.bus.mu.Unlock()
		return h, nil
	}
	c.bus.attachLocked(h)
	c.bus.mu.Unlock()
	c.emit(transport.Event{Kind: transport.EventJoined, Channel: h})
	return h, nil
}

// Confirm releases every held join, in join order. Handles left before
// confirmation still receive their EventJoined but are not attached.
func (b *Bus) Confirm() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	for _, h := range pending {
		if !h.isLeft() {
			b.attachLocked(h)
		}
	}
	b.mu.Unlock()
	for _, h := range pending {
		h.client.emit(transport.Event{Kind: transport.EventJoined, Channel: h})
	}
}

func (b *Bus) attachLocked(h *handle) {
	set := b.members[h.name]
	if set == nil {
		set = make(map[*handle]struct{})
		b.members[h.name] = set
	}
	set[h] = struct{}{}
}

// Members returns how many handles are attached to name.
func (b *Bus) Members(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.members[name])
}

func (c *Client) emit(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.dropped++
	}
}

type handle struct {
	client *Client
	name   string

	mu   sync.Mutex
	left bool
}

func (h *handle) Name() string { return h.name }

func (h *handle) isLeft() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.left
}

func (h *handle) Send(ev protocol.Event) error {
	if h.isLeft() {
		return transport.ErrClosed
	}
	c := h.client
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	msg := protocol.Message{SenderID: c.userID, Channel: h.name, Seq: seq, Event: ev}
	b := c.bus
	b.mu.Lock()
	targets := make([]*handle, 0, len(b.members[h.name]))
	for t := range b.members[h.name] {
		targets = append(targets, t)
	}
	b.mu.Unlock()
	for _, t := range targets {
		t.client.emit(transport.Event{Kind: transport.EventMessage, Channel: t, Message: msg})
	}
	return nil
}

func (h *handle) Leave() error {
	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return nil
	}
	h.left = true
	h.mu.Unlock()
	b := h.client.bus
	b.mu.Lock()
	if set := b.members[h.name]; set != nil {
		delete(set, h)
		if len(set) == 0 {
			delete(b.members, h.name)
		}
	}
	b.mu.Unlock()
	h.client.emit(transport.Event{Kind: transport.EventLeft, Channel: h})
	return nil
}
