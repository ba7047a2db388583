// Package session runs one client's view of a space: it owns the local
// position, the channel subscriptions, the roster of remote users and the
// audio graphs, all on a single event-loop goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"officegrid.io/internal/logging"
	"officegrid.io/internal/protocol"
	"officegrid.io/internal/space"
	"officegrid.io/internal/spatial/audio"
	"officegrid.io/internal/spatial/grid"
	"officegrid.io/internal/spatial/interest"
	"officegrid.io/internal/spatial/subscription"
	"officegrid.io/internal/spatial/zones"
	"officegrid.io/internal/transport"
)

var (
	ErrStopped    = errors.New("session: stopped")
	ErrNotOneShot = errors.New("session: movement is sent by the tick, not Send")
)

type Config struct {
	Layout    space.Layout
	UserID    string
	CompanyID string
	Start     grid.Position

	Transport transport.Transport
	Events    <-chan transport.Event

	// OneShotCap bounds the outbound queue of one-shot events waiting for the
	// home channel; OneShotTTL bounds how long each may wait.
	OneShotCap int
	OneShotTTL time.Duration

	// OnEvent receives non-movement events from other users. Signaling
	// events addressed to someone else are not forwarded.
	OnEvent func(senderID string, ev protocol.Event)

	Logger zerolog.Logger
	Now    func() time.Time
}

type trackReq struct {
	userID string
	track  audio.MediaTrack
}

type queued struct {
	ev protocol.Event
	at time.Time
}

type Session struct {
	cfg     Config
	layout  space.Layout
	zones   *zones.Table
	mgr     *subscription.Manager
	audio   *audio.Positioner
	log     zerolog.Logger
	sampled zerolog.Logger
	now     func() time.Time

	moveCh  chan grid.Position
	authCh  chan []zones.Authorization
	trackCh chan trackReq
	sendCh  chan protocol.Event
	muteCh  chan bool
	snapReq chan chan Snapshot
	done    chan struct{}

	// loop-owned
	pos      grid.Position
	home     grid.Key
	grants   *zones.Grants
	roster   map[string]interest.Entity
	tracks   map[string]audio.MediaTrack
	visible  []interest.Entity
	pending  []queued
	dropped  int
	dirty    bool
	subCount int
}

// New validates the layout and wires the subscription manager and audio
// positioner. It does not touch the transport until Run.
func New(cfg Config) (*Session, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("session: user id required")
	}
	if cfg.Transport == nil || cfg.Events == nil {
		return nil, fmt.Errorf("session: transport and events required")
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	table, err := cfg.Layout.ZoneTable()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if cfg.OneShotCap <= 0 {
		cfg.OneShotCap = 16
	}
	if cfg.OneShotTTL <= 0 {
		cfg.OneShotTTL = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := cfg.Logger.With().Str("component", "session").Str("user", cfg.UserID).Logger()
	s := &Session{
		cfg:     cfg,
		layout:  cfg.Layout,
		zones:   table,
		audio:   audio.NewPositioner(cfg.Layout.AudioParams()),
		log:     l,
		sampled: logging.Sampled(l),
		now:     cfg.Now,
		moveCh:  make(chan grid.Position, 16),
		authCh:  make(chan []zones.Authorization, 1),
		trackCh: make(chan trackReq, 16),
		sendCh:  make(chan protocol.Event, 16),
		muteCh:  make(chan bool, 1),
		snapReq: make(chan chan Snapshot),
		done:    make(chan struct{}),
		pos:     cfg.Layout.Clamp(cfg.Start),
		roster:  make(map[string]interest.Entity),
		tracks:  make(map[string]audio.MediaTrack),
	}
	s.mgr = subscription.New(subscription.Config{
		LocalUserID: cfg.UserID,
		SpaceID:     cfg.Layout.ID,
		Transport:   cfg.Transport,
		OnMessage:   s.onMessage,
		OnCount:     s.onCount,
		Logger:      cfg.Logger,
	})
	return s, nil
}

// Positioner is the audio render seam. Only its Stream method may be used
// from another goroutine.
func (s *Session) Positioner() *audio.Positioner { return s.audio }

// Run drives the session until ctx is done or the transport's event stream
// closes. On return every channel has been left and every audio graph
// disconnected.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.shutdown()

	ticker := time.NewTicker(s.layout.TickInterval())
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.cfg.Events:
			if !ok {
				return fmt.Errorf("session: %w", transport.ErrClosed)
			}
			s.mgr.Handle(ev)
			if ev.Kind == transport.EventError {
				s.sampled.Warn().Err(ev.Err).Msg("transport error")
			}
		case p := <-s.moveCh:
			s.move(p)
		case recs := <-s.authCh:
			s.grants = zones.NewGrants(recs)
			s.dirty = true
		case req := <-s.trackCh:
			if req.track == nil {
				delete(s.tracks, req.userID)
			} else {
				s.tracks[req.userID] = req.track
			}
			s.dirty = true
		case ev := <-s.sendCh:
			s.enqueue(ev)
		case m := <-s.muteCh:
			s.audio.SetMuted(m)
		case resp := <-s.snapReq:
			resp <- s.snapshot()
		case <-ticker.C:
			s.tick()
		}
		if s.dirty {
			s.refresh()
		}
	}
}

func (s *Session) shutdown() {
	if !s.mgr.Closed() {
		s.mgr.Broadcast(protocol.Leave{})
	}
	s.mgr.Teardown()
	s.audio.Close()
	s.pending = nil
	s.visible = nil
}

// tick runs one movement cadence step.
func (s *Session) tick() {
	now := s.now()
	s.evictStale(now)
	s.reconcile()

	s.mgr.Broadcast(s.movement())
	s.flush(now)
	s.refresh()
}

func (s *Session) movement() protocol.Movement {
	mv := protocol.Movement{X: s.pos.X, Y: s.pos.Y, CompanyID: s.cfg.CompanyID}
	if z, ok := s.zones.Resolve(s.pos); ok {
		mv.ZoneID = z.ID
	}
	return mv
}

func (s *Session) move(p grid.Position) {
	if math.IsNaN(p.X) || math.IsNaN(p.Y) {
		return
	}
	s.pos = s.layout.Clamp(p)
	if grid.KeyOf(s.pos, s.layout.ChunkSize) != s.home {
		// Last report on the old home, so peers who lose us see where we went.
		s.mgr.Broadcast(s.movement())
		s.reconcile()
	}
	s.dirty = true
}

func (s *Session) reconcile() {
	s.home = grid.KeyOf(s.pos, s.layout.ChunkSize)
	s.mgr.UpdateInterest(s.home, grid.Neighbors(s.home, s.layout.NeighborRadius))
}

func (s *Session) evictStale(now time.Time) {
	ttl := s.layout.StaleAfter()
	for id, e := range s.roster {
		if now.Sub(e.LastSeen) > ttl {
			delete(s.roster, id)
			s.dirty = true
		}
	}
}

func (s *Session) onMessage(msg protocol.Message) {
	switch ev := msg.Event.(type) {
	case protocol.Movement:
		prev, ok := s.roster[msg.SenderID]
		if ok && msg.Seq <= prev.Seq {
			return
		}
		s.roster[msg.SenderID] = interest.Entity{
			UserID:    msg.SenderID,
			Position:  grid.Position{X: ev.X, Y: ev.Y},
			CompanyID: ev.CompanyID,
			ZoneID:    ev.ZoneID,
			Seq:       msg.Seq,
			LastSeen:  s.now(),
		}
		s.dirty = true
	case protocol.Leave:
		if _, ok := s.roster[msg.SenderID]; ok {
			delete(s.roster, msg.SenderID)
			s.dirty = true
		}
		s.forward(msg.SenderID, ev)
	case protocol.SignalOffer:
		if ev.Target == s.cfg.UserID {
			s.forward(msg.SenderID, ev)
		}
	case protocol.SignalAnswer:
		if ev.Target == s.cfg.UserID {
			s.forward(msg.SenderID, ev)
		}
	case protocol.ICECandidate:
		if ev.Target == s.cfg.UserID {
			s.forward(msg.SenderID, ev)
		}
	default:
		s.forward(msg.SenderID, ev)
	}
}

func (s *Session) forward(sender string, ev protocol.Event) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(sender, ev)
	}
}

func (s *Session) onCount(n int) {
	s.subCount = n
	s.log.Debug().Int("subscriptions", n).Msg("subscriptions changed")
}

// enqueue sends ev now if the home channel is confirmed and nothing is
// waiting ahead of it; otherwise ev waits, oldest dropped first on overflow.
func (s *Session) enqueue(ev protocol.Event) {
	if len(s.pending) == 0 && s.mgr.Broadcast(ev) {
		return
	}
	if len(s.pending) >= s.cfg.OneShotCap {
		s.pending = s.pending[1:]
		s.dropped++
		s.sampled.Warn().Int("dropped", s.dropped).Msg("one-shot queue full")
	}
	s.pending = append(s.pending, queued{ev: ev, at: s.now()})
}

func (s *Session) flush(now time.Time) {
	keep := s.pending[:0]
	for _, q := range s.pending {
		if now.Sub(q.at) > s.cfg.OneShotTTL {
			s.dropped++
			continue
		}
		keep = append(keep, q)
	}
	s.pending = keep
	for len(s.pending) > 0 {
		if !s.mgr.Broadcast(s.pending[0].ev) {
			return
		}
		s.pending = s.pending[1:]
	}
}

func (s *Session) rosterSnapshot() []interest.Entity {
	out := make([]interest.Entity, 0, len(s.roster))
	for _, e := range s.roster {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// refresh recomputes the visible set and brings the audio graphs in line.
func (s *Session) refresh() {
	s.dirty = false
	s.visible = interest.Visible(s.rosterSnapshot(), interest.Params{
		Interest:       grid.InterestSet(s.home, s.layout.NeighborRadius),
		ChunkSize:      s.layout.ChunkSize,
		LocalUserID:    s.cfg.UserID,
		LocalCompanyID: s.cfg.CompanyID,
		Zones:          s.zones,
		Grants:         s.grants,
		Now:            s.now(),
	})
	for _, err := range s.audio.Sync(s.visible, s.tracks) {
		var gerr *audio.GraphError
		if errors.As(err, &gerr) {
			s.sampled.Warn().Err(gerr.Err).Str("peer", gerr.UserID).Str("track", gerr.TrackID).Msg("audio graph build failed")
			continue
		}
		s.sampled.Warn().Err(err).Msg("audio sync")
	}
	s.audio.Tick(s.pos, s.visible)
}

// Move sets the local position; it is clamped to the layout extent. NaN
// coordinates are ignored.
func (s *Session) Move(p grid.Position) error {
	return send(s, s.moveCh, p)
}

// SetAuthorizations replaces the grant table used by the zone filter.
func (s *Session) SetAuthorizations(recs []zones.Authorization) error {
	return send(s, s.authCh, recs)
}

// SetTrack attaches a media track to userID, or removes it when track is nil.
func (s *Session) SetTrack(userID string, track audio.MediaTrack) error {
	return send(s, s.trackCh, trackReq{userID: userID, track: track})
}

// Send publishes a one-shot event on the home chunk.
func (s *Session) Send(ev protocol.Event) error {
	if ev == nil || !protocol.OneShot(ev) {
		return ErrNotOneShot
	}
	return send(s, s.sendCh, ev)
}

func (s *Session) SetMuted(m bool) error {
	return send(s, s.muteCh, m)
}

func send[T any](s *Session, ch chan<- T, v T) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	select {
	case ch <- v:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

// Snapshot is a copy of session state for callers outside the loop. Nearby
// lists visible users within the layout's proximity radius.
type Snapshot struct {
	Position       grid.Position
	Home           grid.Key
	Subscriptions  int
	Roster         int
	Visible        []interest.Entity
	Nearby         []string
	Graphs         int
	PendingOneShot int
	DroppedOneShot int
}

func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	resp := make(chan Snapshot, 1)
	select {
	case s.snapReq <- resp:
	case <-s.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-resp:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Position:       s.pos,
		Home:           s.home,
		Subscriptions:  s.subCount,
		Roster:         len(s.roster),
		Visible:        append([]interest.Entity(nil), s.visible...),
		Graphs:         s.audio.Len(),
		PendingOneShot: len(s.pending),
		DroppedOneShot: s.dropped,
	}
	for _, e := range s.visible {
		if e.Position.Distance(s.pos) <= s.layout.ProximityRadius {
			snap.Nearby = append(snap.Nearby, e.UserID)
		}
	}
	return snap
}
