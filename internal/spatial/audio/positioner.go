// Package audio renders remote participants' media tracks with distance
// attenuation and stereo panning. Each visible participant with a track gets
// its own graph:
//
//	source (beep.Ctrl) -> panner (effects.Pan) -> gain (effects.Volume) -> mixer
//
// The graph table is owned by the session loop. The mixer is pulled by an
// output device on another goroutine, so node parameters are written under
// the same lock Stream takes.
package audio

import (
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/effects"

	"officegrid.io/internal/spatial/grid"
	"officegrid.io/internal/spatial/interest"
)

// Params is the distance model shared by every graph.
type Params struct {
	ReferenceDistance float64
	MaxDistance       float64
	RolloffFactor     float64
	// Scale converts world units into audio units. It is applied to every
	// position before any distance math.
	Scale      float64
	SampleRate beep.SampleRate
}

func DefaultParams() Params {
	return Params{
		ReferenceDistance: 1,
		MaxDistance:       10,
		RolloffFactor:     1,
		Scale:             0.05,
		SampleRate:        beep.SampleRate(48000),
	}
}

func (p Params) normalized() Params {
	d := DefaultParams()
	if !(p.ReferenceDistance > 0) {
		p.ReferenceDistance = d.ReferenceDistance
	}
	if p.MaxDistance < p.ReferenceDistance {
		p.MaxDistance = p.ReferenceDistance
	}
	if p.RolloffFactor < 0 {
		p.RolloffFactor = 0
	}
	if !(p.Scale > 0) {
		p.Scale = d.Scale
	}
	if p.SampleRate <= 0 {
		p.SampleRate = d.SampleRate
	}
	return p
}

// Gain is the inverse distance model: distances are clamped into
// [ReferenceDistance, MaxDistance] and attenuated by rolloff. d is already in
// audio units.
func (p Params) Gain(d float64) float64 {
	ref, max := p.ReferenceDistance, p.MaxDistance
	if d < ref || math.IsNaN(d) {
		d = ref
	}
	if d > max {
		d = max
	}
	return ref / (ref + p.RolloffFactor*(d-ref))
}

// MediaTrack is a remote participant's audio source. ID identifies the
// underlying track; a new ID for the same user means a new source.
type MediaTrack interface {
	ID() string
	Open() (beep.Streamer, error)
}

// GraphError reports a graph that could not be built. Other graphs are
// unaffected.
type GraphError struct {
	UserID  string
	TrackID string
	Err     error
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("audio graph %s/%s: %v", e.UserID, e.TrackID, e.Err)
}

func (e *GraphError) Unwrap() error { return e.Err }

type graph struct {
	userID  string
	trackID string
	source  *beep.Ctrl
	closer  io.Closer
	pan     *effects.Pan
	gain    *effects.Volume

	pos          grid.Position
	linear       float64
	disconnected int
}

type Positioner struct {
	params Params

	graphs   map[string]*graph
	listener grid.Position
	muted    bool

	mu    sync.Mutex
	mixer *beep.Mixer

	// OnDisconnect observes every graph teardown.
	OnDisconnect func(userID, trackID string)
}

func NewPositioner(p Params) *Positioner {
	return &Positioner{
		params: p.normalized(),
		graphs: make(map[string]*graph),
		mixer:  &beep.Mixer{},
	}
}

func (p *Positioner) Params() Params { return p.params }

// Sync makes the graph table match visible ∩ tracks. Graphs whose track ID
// changed are disconnected before their replacement is built.
func (p *Positioner) Sync(visible []interest.Entity, tracks map[string]MediaTrack) []error {
	want := make(map[string]interest.Entity, len(visible))
	for _, e := range visible {
		if tracks[e.UserID] != nil {
			want[e.UserID] = e
		}
	}
	for id, g := range p.graphs {
		if _, ok := want[id]; !ok {
			p.disconnect(g)
			delete(p.graphs, id)
		}
	}

	var errs []error
	for _, e := range visible {
		tr := tracks[e.UserID]
		if tr == nil {
			continue
		}
		if g := p.graphs[e.UserID]; g != nil {
			if g.trackID == safeID(tr) {
				continue
			}
			p.disconnect(g)
			delete(p.graphs, e.UserID)
		}
		g, err := p.build(e, tr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.graphs[e.UserID] = g
	}
	p.prune()
	return errs
}

// prune rebuilds the mixer from the live graphs so detached chains leave the
// output without waiting for a pull.
func (p *Positioner) prune() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mixer.Clear()
	for _, g := range p.graphs {
		p.mixer.Add(g.gain)
	}
}

func (p *Positioner) build(e interest.Entity, tr MediaTrack) (g *graph, err error) {
	trackID := safeID(tr)
	defer func() {
		if r := recover(); r != nil {
			g = nil
			err = &GraphError{UserID: e.UserID, TrackID: trackID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	s, err := tr.Open()
	if err != nil {
		return nil, &GraphError{UserID: e.UserID, TrackID: trackID, Err: err}
	}
	if s == nil {
		return nil, &GraphError{UserID: e.UserID, TrackID: trackID, Err: fmt.Errorf("track opened no stream")}
	}
	g = &graph{userID: e.UserID, trackID: trackID, pos: e.Position}
	if c, ok := s.(io.Closer); ok {
		g.closer = c
	}
	g.source = &beep.Ctrl{Streamer: s}
	g.pan = &effects.Pan{Streamer: g.source}
	g.gain = &effects.Volume{Streamer: g.pan, Base: 2}

	p.mu.Lock()
	p.applyLocked(g)
	p.mixer.Add(g.gain)
	p.mu.Unlock()
	return g, nil
}

func safeID(tr MediaTrack) (id string) {
	defer func() {
		if recover() != nil {
			id = ""
		}
	}()
	return tr.ID()
}

// disconnect detaches g's source. Callers prune the mixer afterwards.
func (p *Positioner) disconnect(g *graph) {
	p.mu.Lock()
	g.source.Streamer = nil
	p.mu.Unlock()
	g.disconnected++
	if g.closer != nil {
		_ = g.closer.Close()
	}
	if p.OnDisconnect != nil {
		p.OnDisconnect(g.userID, g.trackID)
	}
}

// Tick moves the listener and sources and recomputes pan and gain. Graphs are
// never created or destroyed here.
func (p *Positioner) Tick(listener grid.Position, visible []interest.Entity) {
	p.listener = listener
	for _, e := range visible {
		if g := p.graphs[e.UserID]; g != nil {
			g.pos = e.Position
		}
	}
	p.mu.Lock()
	for _, g := range p.graphs {
		p.applyLocked(g)
	}
	p.mu.Unlock()
}

func (p *Positioner) applyLocked(g *graph) {
	s := p.params.Scale
	dx := (g.pos.X - p.listener.X) * s
	dy := (g.pos.Y - p.listener.Y) * s
	d := math.Hypot(dx, dy)

	g.linear = p.params.Gain(d)
	pan := 0.0
	if d > 0 {
		pan = math.Max(-1, math.Min(1, dx/d))
	}
	g.pan.Pan = pan
	setVolume(g.gain, g.linear, p.muted)
}

func setVolume(v *effects.Volume, linear float64, muted bool) {
	if muted || linear <= 0 {
		v.Silent = true
		return
	}
	v.Silent = false
	v.Volume = math.Log2(linear)
}

// SetMuted silences every graph without touching the computed distance gains.
func (p *Positioner) SetMuted(muted bool) {
	p.muted = muted
	p.mu.Lock()
	for _, g := range p.graphs {
		setVolume(g.gain, g.linear, muted)
	}
	p.mu.Unlock()
}

func (p *Positioner) Muted() bool { return p.muted }

// Gain returns the distance gain computed for userID, ignoring mute.
func (p *Positioner) Gain(userID string) (float64, bool) {
	g := p.graphs[userID]
	if g == nil {
		return 0, false
	}
	return g.linear, true
}

// Output returns the gain actually applied, zero when muted.
func (p *Positioner) Output(userID string) float64 {
	g := p.graphs[userID]
	if g == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if g.gain.Silent {
		return 0
	}
	return math.Pow(g.gain.Base, g.gain.Volume)
}

func (p *Positioner) Pan(userID string) (float64, bool) {
	g := p.graphs[userID]
	if g == nil {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return g.pan.Pan, true
}

func (p *Positioner) TrackID(userID string) (string, bool) {
	g := p.graphs[userID]
	if g == nil {
		return "", false
	}
	return g.trackID, true
}

// Len is the number of live graphs.
func (p *Positioner) Len() int { return len(p.graphs) }

// Close disconnects every graph.
func (p *Positioner) Close() {
	for id, g := range p.graphs {
		p.disconnect(g)
		delete(p.graphs, id)
	}
	p.prune()
}

// Stream mixes every live graph. It never drains: silence is returned when no
// graph is live.
func (p *Positioner) Stream(samples [][2]float64) (n int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mixer.Stream(samples)
	return len(samples), true
}

func (p *Positioner) Err() error { return nil }

// Streams is the number of chains attached to the mixer.
func (p *Positioner) Streams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mixer.Len()
}
