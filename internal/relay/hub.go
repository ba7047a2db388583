// Package relay is the pub/sub server clients join chunk channels on. One
// Hub serves one space; its Run loop owns the subscription table.
package relay

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"officegrid.io/internal/logging"
	persistlog "officegrid.io/internal/persistence/log"
	"officegrid.io/internal/protocol"
	"officegrid.io/internal/spatial/subscription"
)

type Config struct {
	SpaceID            string
	MaxChannelsPerConn int
	OutQueue           int
	Logger             zerolog.Logger
}

func (c *Config) normalize() {
	if c.MaxChannelsPerConn <= 0 {
		c.MaxChannelsPerConn = 64
	}
	if c.OutQueue <= 0 {
		c.OutQueue = 512
	}
}

type inbound struct {
	c *conn
	f protocol.Frame
}

type Hub struct {
	cfg     Config
	codecs  *protocol.Codecs
	log     zerolog.Logger
	sampled zerolog.Logger

	register   chan *conn
	unregister chan *conn
	inbox      chan inbound
	windowReq  chan chan persistlog.TrafficEntry
	stopped    chan struct{}

	// loop-owned
	conns      map[string]*conn
	subs       map[string]map[*conn]struct{}
	deliveries map[string]uint64

	connections atomic.Int64
	channels    atomic.Int64
	framesIn    atomic.Uint64
	framesOut   atomic.Uint64
	dropped     atomic.Uint64
	rejected    atomic.Uint64
}

func NewHub(cfg Config, codecs *protocol.Codecs) *Hub {
	cfg.normalize()
	l := cfg.Logger.With().Str("component", "relay").Str("space", cfg.SpaceID).Logger()
	return &Hub{
		cfg:        cfg,
		codecs:     codecs,
		log:        l,
		sampled:    logging.Sampled(l),
		register:   make(chan *conn, 64),
		unregister: make(chan *conn, 64),
		inbox:      make(chan inbound, 4096),
		windowReq:  make(chan chan persistlog.TrafficEntry),
		stopped:    make(chan struct{}),
		conns:      make(map[string]*conn),
		subs:       make(map[string]map[*conn]struct{}),
		deliveries: make(map[string]uint64),
	}
}

func (h *Hub) SpaceID() string { return h.cfg.SpaceID }

// Run owns all subscription state until ctx is done. It must be called
// exactly once.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			for _, c := range h.conns {
				c.kick()
			}
			return ctx.Err()
		case c := <-h.register:
			h.conns[c.id] = c
			h.connections.Store(int64(len(h.conns)))
			h.log.Info().Str("conn", c.id).Str("user", c.userID).Str("codec", c.codec.Name()).Msg("connected")
		case c := <-h.unregister:
			h.drop(c)
		case in := <-h.inbox:
			h.handle(in.c, in.f)
		case resp := <-h.windowReq:
			resp <- h.takeWindow()
		}
	}
}

// offer hands v to the loop unless it has stopped.
func offer[T any](h *Hub, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Hub) drop(c *conn) {
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	delete(h.conns, c.id)
	for name := range c.joined {
		h.unsubscribe(c, name)
	}
	h.connections.Store(int64(len(h.conns)))
	c.kick()
	h.log.Info().Str("conn", c.id).Str("user", c.userID).Msg("disconnected")
}

func (h *Hub) handle(c *conn, f protocol.Frame) {
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	switch f.Type {
	case protocol.TypeJoin:
		h.join(c, f)
	case protocol.TypeLeave:
		h.unsubscribe(c, f.Channel)
		h.control(c, protocol.Frame{Type: protocol.TypeLeft, Channel: f.Channel, Ref: f.Ref})
	case protocol.TypePublish:
		h.publish(c, f)
	default:
		h.reject(c, f, protocol.ErrProtoBadRequest, "unexpected frame type "+f.Type)
	}
}

func (h *Hub) join(c *conn, f protocol.Frame) {
	space, _, err := subscription.ParseChannelName(f.Channel)
	if err != nil {
		h.reject(c, f, protocol.ErrUnknownChannel, err.Error())
		return
	}
	if space != h.cfg.SpaceID {
		h.reject(c, f, protocol.ErrChannelDenied, "channel belongs to another space")
		return
	}
	if _, ok := c.joined[f.Channel]; !ok {
		if len(c.joined) >= h.cfg.MaxChannelsPerConn {
			h.reject(c, f, protocol.ErrChannelLimit, "too many channels")
			return
		}
		c.joined[f.Channel] = struct{}{}
		set := h.subs[f.Channel]
		if set == nil {
			set = make(map[*conn]struct{})
			h.subs[f.Channel] = set
			h.channels.Store(int64(len(h.subs)))
		}
		set[c] = struct{}{}
	}
	h.control(c, protocol.Frame{Type: protocol.TypeJoined, Channel: f.Channel, Ref: f.Ref})
}

func (h *Hub) unsubscribe(c *conn, name string) {
	delete(c.joined, name)
	set := h.subs[name]
	if set == nil {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.subs, name)
		delete(h.deliveries, name)
		h.channels.Store(int64(len(h.subs)))
	}
}

func (h *Hub) publish(c *conn, f protocol.Frame) {
	if _, ok := c.joined[f.Channel]; !ok {
		h.reject(c, f, protocol.ErrNotJoined, "join the channel before publishing")
		return
	}
	if _, err := f.Body.Unwrap(f.Event); err != nil {
		h.reject(c, f, protocol.ErrBadRequest, err.Error())
		return
	}
	out := protocol.Deliver(f, c.userID)

	var encoded [2][]byte
	for sub := range h.subs[f.Channel] {
		idx := 0
		if sub.codec.Binary() {
			idx = 1
		}
		if encoded[idx] == nil {
			b, err := sub.codec.Encode(out)
			if err != nil {
				h.log.Error().Err(err).Str("codec", sub.codec.Name()).Msg("encode deliver")
				continue
			}
			encoded[idx] = b
		}
		if sub.enqueue(encoded[idx]) {
			h.framesOut.Add(1)
			h.deliveries[f.Channel]++
		} else {
			h.dropped.Add(1)
			h.sampled.Warn().Str("conn", sub.id).Str("channel", f.Channel).Msg("slow subscriber, dropped")
		}
	}
}

// control sends a frame the client's protocol state depends on. A client
// too slow to take one is disconnected.
func (h *Hub) control(c *conn, f protocol.Frame) {
	b, err := c.codec.Encode(f)
	if err != nil {
		h.log.Error().Err(err).Msg("encode control")
		return
	}
	if !c.enqueue(b) {
		h.log.Warn().Str("conn", c.id).Msg("control queue full, disconnecting")
		h.drop(c)
		return
	}
	h.framesOut.Add(1)
}

func (h *Hub) reject(c *conn, f protocol.Frame, code, msg string) {
	h.rejected.Add(1)
	e := protocol.ErrorFrame(code, msg)
	e.Channel = f.Channel
	e.Ref = f.Ref
	h.control(c, e)
}

// Stats is a point-in-time view for metrics.
type Stats struct {
	Connections int
	Channels    int
	FramesIn    uint64
	FramesOut   uint64
	Dropped     uint64
	Rejected    uint64
}

func (h *Hub) Stats() Stats {
	return Stats{
		Connections: int(h.connections.Load()),
		Channels:    int(h.channels.Load()),
		FramesIn:    h.framesIn.Load(),
		FramesOut:   h.framesOut.Load(),
		Dropped:     h.dropped.Load(),
		Rejected:    h.rejected.Load(),
	}
}

const hotChannels = 8

// TakeWindow returns the traffic summary since the previous call and resets
// per-channel counts.
func (h *Hub) TakeWindow(ctx context.Context) (persistlog.TrafficEntry, error) {
	resp := make(chan persistlog.TrafficEntry, 1)
	select {
	case h.windowReq <- resp:
	case <-h.stopped:
		return persistlog.TrafficEntry{}, context.Canceled
	case <-ctx.Done():
		return persistlog.TrafficEntry{}, ctx.Err()
	}
	select {
	case e := <-resp:
		return e, nil
	case <-ctx.Done():
		return persistlog.TrafficEntry{}, ctx.Err()
	}
}

func (h *Hub) takeWindow() persistlog.TrafficEntry {
	s := h.Stats()
	e := persistlog.TrafficEntry{
		At:          time.Now().UTC(),
		SpaceID:     h.cfg.SpaceID,
		Connections: s.Connections,
		Channels:    s.Channels,
		FramesIn:    s.FramesIn,
		FramesOut:   s.FramesOut,
		Dropped:     s.Dropped,
		Rejected:    s.Rejected,
	}
	for name, n := range h.deliveries {
		if n > 0 {
			e.HotChannels = append(e.HotChannels, persistlog.ChannelCount{Channel: name, Deliveries: n})
		}
		h.deliveries[name] = 0
	}
	sort.Slice(e.HotChannels, func(i, j int) bool {
		a, b := e.HotChannels[i], e.HotChannels[j]
		if a.Deliveries != b.Deliveries {
			return a.Deliveries > b.Deliveries
		}
		return a.Channel < b.Channel
	})
	if len(e.HotChannels) > hotChannels {
		e.HotChannels = e.HotChannels[:hotChannels]
	}
	return e
}

// RunTrafficLog writes one window summary per interval until ctx is done.
func (h *Hub) RunTrafficLog(ctx context.Context, l *persistlog.TrafficLogger, every time.Duration) {
	if l == nil || every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e, err := h.TakeWindow(ctx)
			if err != nil {
				return
			}
			if err := l.WriteTraffic(e); err != nil {
				h.log.Warn().Err(err).Msg("traffic log write")
			}
		}
	}
}
