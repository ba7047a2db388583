package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"officegrid.io/internal/protocol"
	"officegrid.io/internal/space"
	"officegrid.io/internal/spatial/audio"
	"officegrid.io/internal/spatial/grid"
	"officegrid.io/internal/spatial/zones"
	"officegrid.io/internal/transport/memory"
)

func testLayout(t *testing.T) space.Layout {
	t.Helper()
	l, err := space.Load("")
	if err != nil {
		t.Fatalf("space.Load: %v", err)
	}
	l.TickIntervalMS = 10
	l.StaleAfterMS = 60_000
	l.Zones = []space.ZoneSpec{
		{ID: "globex-office", Kind: "private", CompanyID: "globex", Rect: []float64{100, 0, 300, 100}},
	}
	if err := l.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return l
}

type runner struct {
	s      *Session
	cancel context.CancelFunc
	errc   chan error
}

func start(t *testing.T, bus *memory.Bus, l space.Layout, user, company string, at grid.Position, onEvent func(string, protocol.Event)) *runner {
	t.Helper()
	c := bus.Client(user, 1024)
	s, err := New(Config{
		Layout:    l,
		UserID:    user,
		CompanyID: company,
		Start:     at,
		Transport: c,
		Events:    c.Events(),
		OnEvent:   onEvent,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{s: s, cancel: cancel, errc: make(chan error, 1)}
	go func() { r.errc <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-r.errc
	})
	return r
}

func (r *runner) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run=%v want context.Canceled", err)
		}
		r.errc <- err
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func eventually(t *testing.T, r *runner, what string, ok func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := r.s.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if ok(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last snapshot %+v", what, snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func visibleIDs(s Snapshot) map[string]bool {
	out := make(map[string]bool, len(s.Visible))
	for _, e := range s.Visible {
		out[e.UserID] = true
	}
	return out
}

func TestSession_SeesNeighborAndLosesThemOnMove(t *testing.T) {
	bus := memory.NewBus()
	l := testLayout(t)
	alice := start(t, bus, l, "alice", "acme", grid.Position{X: 50, Y: 150}, nil)
	bob := start(t, bus, l, "bob", "acme", grid.Position{X: 120, Y: 150}, nil)

	snap := eventually(t, alice, "bob visible", func(s Snapshot) bool { return visibleIDs(s)["bob"] })
	if snap.Subscriptions != 9 {
		t.Fatalf("subscriptions=%d want 9", snap.Subscriptions)
	}
	if len(snap.Nearby) != 1 || snap.Nearby[0] != "bob" {
		t.Fatalf("nearby=%v", snap.Nearby)
	}

	if err := bob.s.Move(grid.Position{X: 1500, Y: 1500}); err != nil {
		t.Fatalf("Move: %v", err)
	}
	eventually(t, alice, "bob out of interest", func(s Snapshot) bool { return !visibleIDs(s)["bob"] })
}

func TestSession_ZoneAuthorization(t *testing.T) {
	bus := memory.NewBus()
	l := testLayout(t)
	alice := start(t, bus, l, "alice", "acme", grid.Position{X: 50, Y: 50}, nil)
	start(t, bus, l, "bob", "globex", grid.Position{X: 150, Y: 50}, nil)

	eventually(t, alice, "bob in roster", func(s Snapshot) bool { return s.Roster == 1 })
	snap, _ := alice.s.Snapshot(context.Background())
	if visibleIDs(snap)["bob"] {
		t.Fatalf("bob in globex private zone visible without a grant")
	}

	exp := time.Now().Add(time.Hour)
	_ = alice.s.SetAuthorizations([]zones.Authorization{{OriginCompanyID: "acme", DestCompanyID: "globex", State: zones.StateApproved, ExpiresAt: exp}})
	eventually(t, alice, "grant admits bob", func(s Snapshot) bool { return visibleIDs(s)["bob"] })

	_ = alice.s.SetAuthorizations([]zones.Authorization{{OriginCompanyID: "acme", DestCompanyID: "globex", State: zones.StateRevoked, ExpiresAt: exp}})
	eventually(t, alice, "revocation hides bob", func(s Snapshot) bool { return !visibleIDs(s)["bob"] })
}

func TestSession_AudioGraphFollowsTrack(t *testing.T) {
	bus := memory.NewBus()
	l := testLayout(t)
	alice := start(t, bus, l, "alice", "acme", grid.Position{X: 50, Y: 150}, nil)
	start(t, bus, l, "bob", "acme", grid.Position{X: 60, Y: 150}, nil)

	eventually(t, alice, "bob visible", func(s Snapshot) bool { return visibleIDs(s)["bob"] })
	_ = alice.s.SetTrack("bob", audio.NewToneTrack("bob-mic", 440, 8000))
	eventually(t, alice, "graph built", func(s Snapshot) bool { return s.Graphs == 1 })
	if g, ok := alice.s.Positioner().Gain("bob"); !ok || g <= 0 {
		t.Fatalf("gain=%v ok=%v", g, ok)
	}
	_ = alice.s.SetTrack("bob", nil)
	eventually(t, alice, "graph removed", func(s Snapshot) bool { return s.Graphs == 0 })
}

func TestSession_OneShotQueuedUntilJoined(t *testing.T) {
	bus := memory.NewBus()
	bus.HoldJoins = true
	l := testLayout(t)

	got := make(chan protocol.Event, 4)
	alice := start(t, bus, l, "alice", "acme", grid.Position{X: 50, Y: 150}, nil)
	start(t, bus, l, "bob", "acme", grid.Position{X: 60, Y: 150}, func(sender string, ev protocol.Event) {
		if sender == "alice" {
			got <- ev
		}
	})

	if err := alice.s.Send(protocol.Chat{Text: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	eventually(t, alice, "chat queued", func(s Snapshot) bool { return s.PendingOneShot == 1 })

	bus.Confirm()
	select {
	case ev := <-got:
		if c, ok := ev.(protocol.Chat); !ok || c.Text != "hello" {
			t.Fatalf("bob got %#v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("queued chat never delivered")
	}
	eventually(t, alice, "queue drained", func(s Snapshot) bool { return s.PendingOneShot == 0 })

	if err := alice.s.Send(protocol.Movement{X: 1}); !errors.Is(err, ErrNotOneShot) {
		t.Fatalf("Send(Movement)=%v want ErrNotOneShot", err)
	}
}

func TestSession_LeaveEvictsImmediately(t *testing.T) {
	bus := memory.NewBus()
	l := testLayout(t)
	alice := start(t, bus, l, "alice", "acme", grid.Position{X: 50, Y: 150}, nil)
	bob := start(t, bus, l, "bob", "acme", grid.Position{X: 60, Y: 150}, nil)

	eventually(t, alice, "bob in roster", func(s Snapshot) bool { return s.Roster == 1 })
	bob.stop(t)
	eventually(t, alice, "bob evicted", func(s Snapshot) bool { return s.Roster == 0 })
	if err := bob.s.Move(grid.Position{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Move after stop=%v want ErrStopped", err)
	}
	if bus.Members("space/hq/chunk/0:1") != 1 {
		t.Fatalf("bob's channels not left")
	}
}

func TestSession_InputsRejectedAfterStop(t *testing.T) {
	bus := memory.NewBus()
	r := start(t, bus, testLayout(t), "alice", "acme", grid.Position{X: 50, Y: 150}, nil)
	r.stop(t)
	// The input channels are buffered, so every call must see the stop.
	for i := 0; i < 50; i++ {
		if err := r.s.Move(grid.Position{X: float64(i)}); !errors.Is(err, ErrStopped) {
			t.Fatalf("Move #%d=%v want ErrStopped", i, err)
		}
		if err := r.s.SetAuthorizations(nil); !errors.Is(err, ErrStopped) {
			t.Fatalf("SetAuthorizations #%d=%v want ErrStopped", i, err)
		}
		if err := r.s.SetTrack("bob", nil); !errors.Is(err, ErrStopped) {
			t.Fatalf("SetTrack #%d=%v want ErrStopped", i, err)
		}
		if err := r.s.Send(protocol.Reaction{Emoji: "👋"}); !errors.Is(err, ErrStopped) {
			t.Fatalf("Send #%d=%v want ErrStopped", i, err)
		}
		if err := r.s.SetMuted(true); !errors.Is(err, ErrStopped) {
			t.Fatalf("SetMuted #%d=%v want ErrStopped", i, err)
		}
	}
}

func TestOnMessage_LatestWins(t *testing.T) {
	bus := memory.NewBus()
	c := bus.Client("alice", 8)
	s, err := New(Config{Layout: testLayout(t), UserID: "alice", Transport: c, Events: c.Events(), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.onMessage(protocol.Message{SenderID: "bob", Seq: 5, Event: protocol.Movement{X: 10, Y: 10}})
	s.onMessage(protocol.Message{SenderID: "bob", Seq: 4, Event: protocol.Movement{X: 99, Y: 99}})
	s.onMessage(protocol.Message{SenderID: "bob", Seq: 5, Event: protocol.Movement{X: 98, Y: 98}})
	if e := s.roster["bob"]; e.Position.X != 10 || e.Seq != 5 {
		t.Fatalf("roster=%+v want seq 5 at x=10", e)
	}
	s.onMessage(protocol.Message{SenderID: "bob", Seq: 6, Event: protocol.Movement{X: 20, Y: 10}})
	if e := s.roster["bob"]; e.Position.X != 20 {
		t.Fatalf("newer tick not applied: %+v", e)
	}
}

func TestOnMessage_SignalTargeting(t *testing.T) {
	bus := memory.NewBus()
	c := bus.Client("alice", 8)
	var got []protocol.Event
	s, _ := New(Config{
		Layout: testLayout(t), UserID: "alice", Transport: c, Events: c.Events(), Logger: zerolog.Nop(),
		OnEvent: func(_ string, ev protocol.Event) { got = append(got, ev) },
	})
	s.onMessage(protocol.Message{SenderID: "bob", Event: protocol.SignalOffer{Target: "carol"}})
	s.onMessage(protocol.Message{SenderID: "bob", Event: protocol.SignalOffer{Target: "alice"}})
	s.onMessage(protocol.Message{SenderID: "bob", Event: protocol.Reaction{Emoji: "👍"}})
	if len(got) != 2 {
		t.Fatalf("forwarded=%#v want offer to alice and reaction", got)
	}
}

func TestNew_RejectsBadLayout(t *testing.T) {
	bus := memory.NewBus()
	c := bus.Client("alice", 8)
	l := testLayout(t)
	l.NeighborRadius = 0
	if _, err := New(Config{Layout: l, UserID: "alice", Transport: c, Events: c.Events()}); err == nil {
		t.Fatalf("radius 0 should not cover proximity")
	}
}
