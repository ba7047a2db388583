package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"officegrid.io/internal/logging"
	"officegrid.io/internal/protocol"
	"officegrid.io/internal/session"
	"officegrid.io/internal/space"
	"officegrid.io/internal/spatial/audio"
	"officegrid.io/internal/spatial/grid"
	"officegrid.io/internal/spatial/zones"
	"officegrid.io/internal/transport/wsclient"
)

func main() {
	var (
		server   = pflag.String("server", "http://localhost:8080", "relay base url")
		userID   = pflag.String("user", "", "user id (default: random)")
		company  = pflag.String("company", "acme", "company id")
		binary   = pflag.Bool("binary", false, "use CBOR frames instead of JSON")
		speed    = pflag.Float64("speed", 60, "walking speed in world units per second")
		refresh  = pflag.Duration("auth-refresh", 30*time.Second, "authorization refresh interval")
		report   = pflag.Duration("report", 2*time.Second, "status log interval")
		duration = pflag.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
		level    = pflag.String("log-level", "info", "log level")
		pretty   = pflag.Bool("pretty", true, "human-readable console logs")
	)
	pflag.Parse()

	if strings.TrimSpace(*userID) == "" {
		*userID = "bot-" + uuid.NewString()[:8]
	}
	logger := newLogger(*level, *pretty, *userID, *company)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		var c2 context.CancelFunc
		ctx, c2 = context.WithTimeout(ctx, *duration)
		defer c2()
	}

	b := &bot{
		base:    strings.TrimRight(*server, "/"),
		userID:  *userID,
		company: *company,
		speed:   *speed,
		log:     logger,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
	if err := b.run(ctx, *binary, *refresh, *report); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Fatal().Err(err).Msg("bot stopped")
	}
}

func newLogger(level string, pretty bool, userID, company string) zerolog.Logger {
	return logging.New(logging.Options{Level: level, Pretty: pretty, Service: "officegrid-bot"}).
		With().Str("user", userID).Str("company", company).Logger()
}

type bot struct {
	base    string
	userID  string
	company string
	speed   float64
	log     zerolog.Logger
	http    *http.Client

	layout space.Layout
	tracks map[string]bool
}

func (b *bot) run(ctx context.Context, binary bool, refresh, report time.Duration) error {
	if err := b.getJSON(ctx, "/v1/space", &b.layout); err != nil {
		return fmt.Errorf("fetch space: %w", err)
	}
	b.layout.Normalize()
	if err := b.layout.Validate(); err != nil {
		return fmt.Errorf("space from server: %w", err)
	}

	wsURL, err := websocketURL(b.base)
	if err != nil {
		return err
	}
	client, err := wsclient.Dial(ctx, wsclient.Options{
		URL:       wsURL,
		UserID:    b.userID,
		CompanyID: b.company,
		SpaceID:   b.layout.ID,
		Binary:    binary,
		Logger:    b.log,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	start := b.randomPoint()
	sess, err := session.New(session.Config{
		Layout:    b.layout,
		UserID:    b.userID,
		CompanyID: b.company,
		Start:     start,
		Transport: client,
		Events:    client.Events(),
		OnEvent: func(sender string, ev protocol.Event) {
			b.log.Info().Str("from", sender).Str("event", string(ev.Kind())).Msg("event")
		},
		Logger: b.log,
	})
	if err != nil {
		return err
	}

	sink := audio.NewNullSink(sess.Positioner(), b.layout.AudioParams().SampleRate)
	go sink.Run(ctx, 20*time.Millisecond)
	go b.walk(ctx, sess, start)
	go b.refreshAuthorizations(ctx, sess, refresh)
	go b.watch(ctx, sess, sink, report)

	b.log.Info().Str("session", client.SessionID()).Str("space", b.layout.ID).Float64("x", start.X).Float64("y", start.Y).Msg("joined")
	return sess.Run(ctx)
}

// walk heads for a random point at constant speed, then picks another.
func (b *bot) walk(ctx context.Context, sess *session.Session, pos grid.Position) {
	step := b.layout.TickInterval()
	t := time.NewTicker(step)
	defer t.Stop()
	target := b.randomPoint()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		d := pos.Distance(target)
		move := b.speed * step.Seconds()
		if d <= move {
			pos = target
			target = b.randomPoint()
		} else {
			pos.X += (target.X - pos.X) / d * move
			pos.Y += (target.Y - pos.Y) / d * move
		}
		if err := sess.Move(pos); err != nil {
			return
		}
	}
}

func (b *bot) refreshAuthorizations(ctx context.Context, sess *session.Session, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		var recs []zones.Authorization
		q := "/v1/authorizations?origin=" + url.QueryEscape(b.company)
		if err := b.getJSON(ctx, q, &recs); err != nil {
			// Keep the previous grants; the zone filter fails closed on expiry.
			b.log.Warn().Err(err).Msg("refresh authorizations")
		} else if err := sess.SetAuthorizations(recs); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// watch attaches a tone per visible user, greets newly nearby users and logs
// a status line.
func (b *bot) watch(ctx context.Context, sess *session.Session, sink *audio.NullSink, every time.Duration) {
	b.tracks = make(map[string]bool)
	near := make(map[string]bool)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		snap, err := sess.Snapshot(ctx)
		if err != nil {
			return
		}
		seen := make(map[string]bool, len(snap.Visible))
		for _, e := range snap.Visible {
			seen[e.UserID] = true
			if !b.tracks[e.UserID] {
				tr := audio.NewToneTrack(e.UserID+"/tone", toneFor(e.UserID), b.layout.AudioParams().SampleRate)
				if sess.SetTrack(e.UserID, tr) == nil {
					b.tracks[e.UserID] = true
				}
			}
		}
		for id := range b.tracks {
			if !seen[id] {
				_ = sess.SetTrack(id, nil)
				delete(b.tracks, id)
			}
		}
		nowNear := make(map[string]bool, len(snap.Nearby))
		for _, id := range snap.Nearby {
			nowNear[id] = true
			if !near[id] {
				_ = sess.Send(protocol.Reaction{Emoji: "👋"})
			}
		}
		near = nowNear

		peak, pulled := sink.Level()
		b.log.Info().
			Str("home", snap.Home.String()).
			Int("subscriptions", snap.Subscriptions).
			Int("roster", snap.Roster).
			Int("visible", len(snap.Visible)).
			Int("nearby", len(snap.Nearby)).
			Int("graphs", snap.Graphs).
			Float64("peak", math.Round(peak*1000)/1000).
			Int("samples", pulled).
			Msg("status")
	}
}

func (b *bot) randomPoint() grid.Position {
	e := b.layout.Extent
	return grid.Position{
		X: e.MinX + rand.Float64()*(e.MaxX-e.MinX),
		Y: e.MinY + rand.Float64()*(e.MaxY-e.MinY),
	}
}

func (b *bot) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws"
	return u.String(), nil
}

// toneFor gives each user a stable pitch between 220 and 880 Hz.
func toneFor(userID string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return 220 + float64(h.Sum32()%661)
}
