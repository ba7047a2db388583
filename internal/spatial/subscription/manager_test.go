package subscription

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"officegrid.io/internal/protocol"
	"officegrid.io/internal/spatial/grid"
	"officegrid.io/internal/transport"
)

type fakeChannel struct {
	name   string
	sent   []protocol.Event
	leaves int
}

func (c *fakeChannel) Name() string { return c.name }
func (c *fakeChannel) Send(ev protocol.Event) error {
	c.sent = append(c.sent, ev)
	return nil
}
func (c *fakeChannel) Leave() error {
	c.leaves++
	return nil
}

type fakeTransport struct {
	joins  []*fakeChannel
	refuse map[string]bool
	byName map[string]*fakeChannel
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{refuse: map[string]bool{}, byName: map[string]*fakeChannel{}}
}

func (t *fakeTransport) Join(name string) (transport.Channel, error) {
	if t.refuse[name] {
		return nil, errors.New("refused")
	}
	c := &fakeChannel{name: name}
	t.joins = append(t.joins, c)
	t.byName[name] = c
	return c, nil
}

func newTestManager(ft *fakeTransport, got *[]protocol.Message) *Manager {
	return New(Config{
		LocalUserID: "me",
		SpaceID:     "hq",
		Transport:   ft,
		OnMessage: func(m protocol.Message) {
			if got != nil {
				*got = append(*got, m)
			}
		},
		Logger: zerolog.Nop(),
	})
}

func confirmAll(m *Manager, ft *fakeTransport) {
	for _, c := range ft.byName {
		m.HandleJoined(c)
	}
}

func TestUpdateInterest_SetDifference(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(ft, nil)

	home := grid.Key{CX: 2, CY: 2}
	m.UpdateInterest(home, grid.Neighbors(home, 1))
	if len(ft.joins) != 9 {
		t.Fatalf("initial joins=%d want 9", len(ft.joins))
	}
	confirmAll(m, ft)
	if m.SubscriptionCount() != 9 {
		t.Fatalf("count=%d want 9", m.SubscriptionCount())
	}
	before := map[string]*fakeChannel{}
	for k, v := range ft.byName {
		before[k] = v
	}

	next := grid.Key{CX: 3, CY: 2}
	m.UpdateInterest(next, grid.Neighbors(next, 1))
	if len(ft.joins) != 12 {
		t.Fatalf("joins after move=%d want 12 (3 new)", len(ft.joins))
	}
	left := 0
	for name, c := range before {
		k := mustKey(t, name)
		retained := grid.InterestSet(next, 1).Has(k)
		if retained && c.leaves != 0 {
			t.Fatalf("retained %s was left", name)
		}
		if !retained {
			if c.leaves != 1 {
				t.Fatalf("removed %s leaves=%d want 1", name, c.leaves)
			}
			left++
		}
		if retained && ft.byName[name] != c {
			t.Fatalf("retained %s was rejoined", name)
		}
	}
	if left != 3 {
		t.Fatalf("left=%d want 3", left)
	}
	if m.SubscriptionCount() != 6 {
		t.Fatalf("count=%d want 6 confirmed", m.SubscriptionCount())
	}

	joins := len(ft.joins)
	m.UpdateInterest(next, grid.Neighbors(next, 1))
	if len(ft.joins) != joins {
		t.Fatalf("repeat UpdateInterest joined again")
	}
}

func mustKey(t *testing.T, name string) grid.Key {
	t.Helper()
	space, k, err := ParseChannelName(name)
	if err != nil || space != "hq" {
		t.Fatalf("ParseChannelName(%q)=%q,%v", name, space, err)
	}
	return k
}

func TestBroadcast_Rules(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(ft, nil)

	if m.Broadcast(protocol.Reaction{Emoji: "x"}) {
		t.Fatalf("broadcast without home should fail")
	}
	home := grid.Key{CX: 0, CY: 0}
	m.UpdateInterest(home, nil)
	if m.Broadcast(protocol.Movement{X: 1}) {
		t.Fatalf("broadcast before join confirmation should fail")
	}
	hc := ft.byName[ChannelName("hq", home)]
	if len(hc.sent) != 0 {
		t.Fatalf("failed broadcast must not send")
	}
	m.HandleJoined(hc)
	if !m.Broadcast(protocol.Movement{X: 1}) {
		t.Fatalf("broadcast on confirmed home should succeed")
	}
	if len(hc.sent) != 1 {
		t.Fatalf("sent=%d want 1", len(hc.sent))
	}
	m.Teardown()
	if m.Broadcast(protocol.Movement{X: 2}) {
		t.Fatalf("broadcast after teardown should fail")
	}
	if len(hc.sent) != 1 {
		t.Fatalf("teardown broadcast must not send")
	}
}

func TestBroadcast_OnlyHome(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(ft, nil)
	home := grid.Key{CX: 5, CY: 5}
	m.UpdateInterest(home, grid.Neighbors(home, 1))
	confirmAll(m, ft)
	m.Broadcast(protocol.Chat{Text: "hi"})
	for name, c := range ft.byName {
		want := 0
		if name == ChannelName("hq", home) {
			want = 1
		}
		if len(c.sent) != want {
			t.Fatalf("%s sent=%d want %d", name, len(c.sent), want)
		}
	}
}

func TestHandleMessage_EchoAndOwnership(t *testing.T) {
	ft := newFakeTransport()
	var got []protocol.Message
	m := newTestManager(ft, &got)
	home := grid.Key{CX: 1, CY: 1}
	m.UpdateInterest(home, nil)
	hc := ft.byName[ChannelName("hq", home)]
	m.HandleJoined(hc)

	m.HandleMessage(hc, protocol.Message{SenderID: "me", Event: protocol.Movement{}})
	if len(got) != 0 {
		t.Fatalf("own message should be suppressed")
	}
	m.HandleMessage(hc, protocol.Message{SenderID: "other", Event: protocol.Movement{}})
	if len(got) != 1 {
		t.Fatalf("remote message should be forwarded")
	}
	stranger := &fakeChannel{name: hc.name}
	m.HandleMessage(stranger, protocol.Message{SenderID: "other", Event: protocol.Movement{}})
	if len(got) != 1 {
		t.Fatalf("message on foreign handle should be dropped")
	}
	m.Teardown()
	m.HandleMessage(hc, protocol.Message{SenderID: "other", Event: protocol.Movement{}})
	if len(got) != 1 {
		t.Fatalf("message after teardown should be dropped")
	}
}

func TestHandleJoined_LateConfirmationIgnored(t *testing.T) {
	ft := newFakeTransport()
	var counts []int
	m := New(Config{LocalUserID: "me", SpaceID: "hq", Transport: ft, OnCount: func(n int) { counts = append(counts, n) }, Logger: zerolog.Nop()})

	a := grid.Key{CX: 0, CY: 0}
	m.UpdateInterest(a, nil)
	oldA := ft.byName[ChannelName("hq", a)]

	// move away before the join confirms, then come back
	b := grid.Key{CX: 9, CY: 9}
	m.UpdateInterest(b, nil)
	m.UpdateInterest(a, nil)
	newA := ft.byName[ChannelName("hq", a)]
	if newA == oldA {
		t.Fatalf("re-entry should create a new handle")
	}

	m.HandleJoined(oldA)
	if m.SubscriptionCount() != 0 || m.Subscribed(a) {
		t.Fatalf("late confirmation for replaced handle must be ignored")
	}
	m.HandleJoined(newA)
	m.HandleJoined(newA)
	if m.SubscriptionCount() != 1 {
		t.Fatalf("count=%d want 1", m.SubscriptionCount())
	}

	m.Teardown()
	m.HandleJoined(newA)
	if m.SubscriptionCount() != 0 {
		t.Fatalf("confirmation after teardown must be ignored")
	}
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 0 {
		t.Fatalf("OnCount sequence=%v want [1 0]", counts)
	}
}

func TestTeardown_Idempotent(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(ft, nil)
	home := grid.Key{CX: 0, CY: 0}
	m.UpdateInterest(home, grid.Neighbors(home, 1))
	confirmAll(m, ft)

	m.Teardown()
	m.Teardown()
	for name, c := range ft.byName {
		if c.leaves != 1 {
			t.Fatalf("%s leaves=%d want exactly 1", name, c.leaves)
		}
	}
	joins := len(ft.joins)
	m.UpdateInterest(grid.Key{CX: 4, CY: 4}, nil)
	if len(ft.joins) != joins || len(m.Channels()) != 0 {
		t.Fatalf("UpdateInterest after teardown must be a no-op")
	}
}

func TestUpdateInterest_RetriesRefusedJoin(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(ft, nil)
	home := grid.Key{CX: 0, CY: 0}
	name := ChannelName("hq", home)
	ft.refuse[name] = true
	m.UpdateInterest(home, nil)
	if len(m.Channels()) != 0 {
		t.Fatalf("refused join should leave no entry")
	}
	ft.refuse[name] = false
	m.UpdateInterest(home, nil)
	if len(m.Channels()) != 1 {
		t.Fatalf("next reconcile should retry the join")
	}
}

func TestChannelName_RoundTrip(t *testing.T) {
	name := ChannelName("floor/3", grid.Key{CX: -2, CY: 7})
	if name != "space/floor/3/chunk/-2:7" {
		t.Fatalf("ChannelName=%q", name)
	}
	space, k, err := ParseChannelName(name)
	if err != nil || space != "floor/3" || k != (grid.Key{CX: -2, CY: 7}) {
		t.Fatalf("ParseChannelName=%q %v %v", space, k, err)
	}
	for _, bad := range []string{"chunk/1:1", "space//chunk/1:1", "space/hq/chunk/x"} {
		if _, _, err := ParseChannelName(bad); err == nil {
			t.Fatalf("ParseChannelName(%q) should fail", bad)
		}
	}
}
