// Package wsclient is the websocket Transport that talks to the relay.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"officegrid.io/internal/protocol"
	"officegrid.io/internal/transport"
)

var ErrQueueFull = errors.New("wsclient: send queue full")

// ServerError is an ERROR frame returned by the relay.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string { return e.Code + ": " + e.Message }

type Options struct {
	URL       string
	UserID    string
	CompanyID string
	SpaceID   string
	// Binary selects CBOR framing instead of JSON.
	Binary bool
	// Queue bounds outbound frames; Buffer bounds inbound events.
	Queue  int
	Buffer int
	Logger zerolog.Logger
}

type Client struct {
	ws        *websocket.Conn
	codec     protocol.Codec
	msgType   int
	sessionID string
	log       zerolog.Logger

	out    chan []byte
	events chan transport.Event
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	nextRef uint64
	seq     uint64
	byRef   map[uint64]*handle
	live    map[string]map[*handle]struct{}
}

// Dial connects and completes the HELLO/WELCOME handshake. The returned
// client's Events channel is closed when the connection ends.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	codecs, err := protocol.NewCodecs()
	if err != nil {
		return nil, err
	}
	codec := codecs.For(opts.Binary)
	msgType := websocket.TextMessage
	if opts.Binary {
		msgType = websocket.BinaryMessage
	}
	if opts.Queue <= 0 {
		opts.Queue = 256
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	ws, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	hello, err := codec.Encode(protocol.Frame{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		UserID:          opts.UserID,
		CompanyID:       opts.CompanyID,
		SpaceID:         opts.SpaceID,
	})
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := ws.WriteMessage(msgType, hello); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	welcome, err := codec.Decode(b)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	switch welcome.Type {
	case protocol.TypeWelcome:
	case protocol.TypeError:
		_ = ws.Close()
		return nil, &ServerError{Code: welcome.Code, Message: welcome.Message}
	default:
		_ = ws.Close()
		return nil, fmt.Errorf("expected %s, got %s", protocol.TypeWelcome, welcome.Type)
	}
	_ = ws.SetReadDeadline(time.Time{})

	c := &Client{
		ws:        ws,
		codec:     codec,
		msgType:   msgType,
		sessionID: welcome.SessionID,
		log:       opts.Logger.With().Str("component", "wsclient").Str("session", welcome.SessionID).Logger(),
		out:       make(chan []byte, opts.Queue),
		events:    make(chan transport.Event, opts.Buffer),
		done:      make(chan struct{}),
		byRef:     make(map[uint64]*handle),
		live:      make(map[string]map[*handle]struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

func (c *Client) SessionID() string { return c.sessionID }

// Events is drained by the owning event loop.
func (c *Client) Events() <-chan transport.Event { return c.events }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

func (c *Client) Join(name string) (transport.Channel, error) {
	select {
	case <-c.done:
		return nil, transport.ErrClosed
	default:
	}
	c.mu.Lock()
	c.nextRef++
	h := &handle{client: c, name: name, ref: c.nextRef}
	c.byRef[h.ref] = h
	c.mu.Unlock()

	if err := c.sendFrame(protocol.Frame{Type: protocol.TypeJoin, Channel: name, Ref: h.ref}); err != nil {
		c.mu.Lock()
		delete(c.byRef, h.ref)
		c.mu.Unlock()
		return nil, err
	}
	return h, nil
}

func (c *Client) sendFrame(f protocol.Frame) error {
	b, err := c.codec.Encode(f)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	select {
	case c.out <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Client) writeLoop() {
	defer c.shutdown()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.ws.WriteMessage(c.msgType, b); err != nil {
				c.log.Debug().Err(err).Msg("write")
				return
			}
		}
	}
}

// readLoop is the only sender on c.events, so it owns closing it.
func (c *Client) readLoop() {
	defer close(c.events)
	defer c.shutdown()
	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.emit(transport.Event{Kind: transport.EventError, Err: fmt.Errorf("%w: %v", transport.ErrClosed, err)})
			}
			return
		}
		f, err := c.codec.Decode(b)
		if err != nil {
			c.log.Debug().Err(err).Msg("bad frame")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeJoined:
		c.mu.Lock()
		h := c.byRef[f.Ref]
		if h != nil && !h.isLeft() {
			set := c.live[h.name]
			if set == nil {
				set = make(map[*handle]struct{})
				c.live[h.name] = set
			}
			set[h] = struct{}{}
		}
		c.mu.Unlock()
		if h != nil {
			c.emit(transport.Event{Kind: transport.EventJoined, Channel: h})
		}
	case protocol.TypeLeft:
		c.mu.Lock()
		h := c.byRef[f.Ref]
		delete(c.byRef, f.Ref)
		c.mu.Unlock()
		if h != nil {
			c.emit(transport.Event{Kind: transport.EventLeft, Channel: h})
		}
	case protocol.TypeDeliver:
		msg, err := protocol.MessageFromFrame(f)
		if err != nil {
			c.log.Debug().Err(err).Msg("bad deliver")
			return
		}
		c.mu.Lock()
		targets := make([]*handle, 0, len(c.live[f.Channel]))
		for h := range c.live[f.Channel] {
			targets = append(targets, h)
		}
		c.mu.Unlock()
		for _, h := range targets {
			c.emit(transport.Event{Kind: transport.EventMessage, Channel: h, Message: msg})
		}
	case protocol.TypeError:
		serr := &ServerError{Code: f.Code, Message: f.Message}
		var h *handle
		if f.Ref != 0 {
			c.mu.Lock()
			h = c.byRef[f.Ref]
			if h != nil && f.Channel != "" && !c.isLiveLocked(h) {
				// A refused join: the handle will never be confirmed.
				delete(c.byRef, f.Ref)
			} else {
				h = nil
			}
			c.mu.Unlock()
		}
		c.emit(transport.Event{Kind: transport.EventError, Channel: h, Err: serr})
		if h != nil {
			c.emit(transport.Event{Kind: transport.EventLeft, Channel: h})
		}
	}
}

func (c *Client) isLiveLocked(h *handle) bool {
	_, ok := c.live[h.name][h]
	return ok
}

func (c *Client) emit(ev transport.Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn().Str("kind", ev.Kind.String()).Msg("event buffer full, dropped")
	}
}

type handle struct {
	client *Client
	name   string
	ref    uint64

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
	f, err := protocol.PublishFrame(h.name, seq, ev)
	if err != nil {
		return err
	}
	return c.sendFrame(f)
}

func (h *handle) Leave() error {
	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return nil
	}
	h.left = true
	h.mu.Unlock()

	c := h.client
	c.mu.Lock()
	if set := c.live[h.name]; set != nil {
		delete(set, h)
		if len(set) == 0 {
			delete(c.live, h.name)
		}
	}
	c.mu.Unlock()
	err := c.sendFrame(protocol.Frame{Type: protocol.TypeLeave, Channel: h.name, Ref: h.ref})
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}
