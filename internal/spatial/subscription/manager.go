// Package subscription keeps a client's set of joined chunk channels equal to
// its interest set. A Manager is owned by a single event-loop goroutine and
// holds no locks.
package subscription

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"officegrid.io/internal/protocol"
	"officegrid.io/internal/spatial/grid"
	"officegrid.io/internal/transport"
)

const channelPrefix = "space/"
const chunkInfix = "/chunk/"

// ChannelName is the pub/sub channel for one chunk of one space.
func ChannelName(spaceID string, k grid.Key) string {
	return channelPrefix + spaceID + chunkInfix + k.String()
}

func ParseChannelName(name string) (spaceID string, k grid.Key, err error) {
	rest, ok := strings.CutPrefix(name, channelPrefix)
	if !ok {
		return "", grid.Key{}, fmt.Errorf("channel %q: missing %q prefix", name, channelPrefix)
	}
	i := strings.LastIndex(rest, chunkInfix)
	if i <= 0 {
		return "", grid.Key{}, fmt.Errorf("channel %q: missing chunk segment", name)
	}
	k, err = grid.ParseKey(rest[i+len(chunkInfix):])
	if err != nil {
		return "", grid.Key{}, fmt.Errorf("channel %q: %w", name, err)
	}
	return rest[:i], k, nil
}

type entry struct {
	key        grid.Key
	channel    transport.Channel
	subscribed bool
}

// Config wires a Manager. OnMessage receives every non-echo message from an
// owned channel; OnCount fires when the confirmed subscription count changes.
type Config struct {
	LocalUserID string
	SpaceID     string
	Transport   transport.Transport
	OnMessage   func(protocol.Message)
	OnCount     func(int)
	Logger      zerolog.Logger
}

type Manager struct {
	localID   string
	spaceID   string
	transport transport.Transport
	onMessage func(protocol.Message)
	onCount   func(int)
	log       zerolog.Logger

	entries   map[string]*entry
	home      grid.Key
	hasHome   bool
	confirmed int
	closed    bool
}

func New(cfg Config) *Manager {
	return &Manager{
		localID:   cfg.LocalUserID,
		spaceID:   cfg.SpaceID,
		transport: cfg.Transport,
		onMessage: cfg.OnMessage,
		onCount:   cfg.OnCount,
		log:       cfg.Logger.With().Str("component", "subscription").Logger(),
		entries:   make(map[string]*entry),
	}
}

// UpdateInterest reconciles joined channels with {home} ∪ neighbors. Keys
// present before and after keep their channel untouched. Calling it again
// with the same input does nothing.
func (m *Manager) UpdateInterest(home grid.Key, neighbors []grid.Key) {
	if m.closed {
		return
	}
	m.home = home
	m.hasHome = true

	desired := make(map[string]grid.Key, len(neighbors)+1)
	desired[ChannelName(m.spaceID, home)] = home
	for _, k := range neighbors {
		desired[ChannelName(m.spaceID, k)] = k
	}

	for name, e := range m.entries {
		if _, keep := desired[name]; keep {
			continue
		}
		m.drop(name, e)
	}
	for name, k := range desired {
		if _, have := m.entries[name]; have {
			continue
		}
		ch, err := m.transport.Join(name)
		if err != nil {
			// No entry: the next reconcile retries.
			m.log.Debug().Err(err).Str("channel", name).Msg("join refused")
			continue
		}
		m.entries[name] = &entry{key: k, channel: ch}
	}
}

func (m *Manager) drop(name string, e *entry) {
	delete(m.entries, name)
	if err := e.channel.Leave(); err != nil {
		m.log.Debug().Err(err).Str("channel", name).Msg("leave failed")
	}
	if e.subscribed {
		e.subscribed = false
		m.setConfirmed(m.confirmed - 1)
	}
}

// Broadcast publishes ev on the home chunk only. It reports false, with no
// side effects, when the home channel is absent or not yet confirmed.
func (m *Manager) Broadcast(ev protocol.Event) bool {
	if m.closed || !m.hasHome {
		return false
	}
	e := m.entries[ChannelName(m.spaceID, m.home)]
	if e == nil || !e.subscribed {
		return false
	}
	if err := e.channel.Send(ev); err != nil {
		m.log.Debug().Err(err).Str("channel", e.channel.Name()).Msg("send failed")
		return false
	}
	return true
}

// HandleJoined records a join confirmation. Confirmations for handles the
// manager no longer owns are ignored.
func (m *Manager) HandleJoined(ch transport.Channel) {
	if m.closed || ch == nil {
		return
	}
	e := m.entries[ch.Name()]
	if e == nil || e.channel != ch || e.subscribed {
		return
	}
	e.subscribed = true
	m.setConfirmed(m.confirmed + 1)
}

// HandleLeft handles a server-initiated leave for a handle still owned.
func (m *Manager) HandleLeft(ch transport.Channel) {
	if m.closed || ch == nil {
		return
	}
	name := ch.Name()
	e := m.entries[name]
	if e == nil || e.channel != ch {
		return
	}
	delete(m.entries, name)
	if e.subscribed {
		m.setConfirmed(m.confirmed - 1)
	}
}

// HandleMessage forwards msg to OnMessage unless it is an echo of the local
// user or arrived on a handle the manager does not own.
func (m *Manager) HandleMessage(ch transport.Channel, msg protocol.Message) {
	if m.closed || ch == nil {
		return
	}
	e := m.entries[ch.Name()]
	if e == nil || e.channel != ch {
		return
	}
	if msg.SenderID == m.localID {
		return
	}
	if m.onMessage != nil {
		m.onMessage(msg)
	}
}

// Handle dispatches one transport event.
func (m *Manager) Handle(ev transport.Event) {
	switch ev.Kind {
	case transport.EventJoined:
		m.HandleJoined(ev.Channel)
	case transport.EventMessage:
		m.HandleMessage(ev.Channel, ev.Message)
	case transport.EventLeft:
		m.HandleLeft(ev.Channel)
	case transport.EventError:
		m.log.Debug().Err(ev.Err).Msg("transport error")
	}
}

// SubscriptionCount is the number of confirmed subscriptions.
func (m *Manager) SubscriptionCount() int { return m.confirmed }

// Channels lists owned channel names, confirmed or not.
func (m *Manager) Channels() []string {
	out := make([]string, 0, len(m.entries))
	for name := range m.entries {
		out = append(out, name)
	}
	return out
}

func (m *Manager) Subscribed(k grid.Key) bool {
	e := m.entries[ChannelName(m.spaceID, k)]
	return e != nil && e.subscribed
}

// Teardown leaves every channel. Safe to call more than once.
func (m *Manager) Teardown() {
	if m.closed {
		return
	}
	for name, e := range m.entries {
		m.drop(name, e)
	}
	m.closed = true
	m.hasHome = false
}

func (m *Manager) Closed() bool { return m.closed }

func (m *Manager) setConfirmed(n int) {
	if n == m.confirmed {
		return
	}
	m.confirmed = n
	if m.onCount != nil {
		m.onCount(n)
	}
}
