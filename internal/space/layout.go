// Package space loads the layout of one office: grid geometry, interest
// radii, audio model and company zones.
package space

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/gopxl/beep"
	"gopkg.in/yaml.v3"

	"officegrid.io/internal/spatial/audio"
	"officegrid.io/internal/spatial/grid"
	"officegrid.io/internal/spatial/zones"
)

type Layout struct {
	ID              string     `yaml:"id" json:"id"`
	ChunkSize       float64    `yaml:"chunk_size" json:"chunk_size"`
	NeighborRadius  int        `yaml:"neighbor_radius" json:"neighbor_radius"`
	ProximityRadius float64    `yaml:"proximity_radius" json:"proximity_radius"`
	TickIntervalMS  int        `yaml:"tick_interval_ms" json:"tick_interval_ms"`
	StaleAfterMS    int        `yaml:"stale_after_ms" json:"stale_after_ms"`
	Extent          Extent     `yaml:"extent" json:"extent"`
	Audio           AudioSpec  `yaml:"audio" json:"audio"`
	Zones           []ZoneSpec `yaml:"zones,omitempty" json:"zones,omitempty"`
}

// Extent bounds where avatars may stand.
type Extent struct {
	MinX float64 `yaml:"min_x" json:"min_x"`
	MinY float64 `yaml:"min_y" json:"min_y"`
	MaxX float64 `yaml:"max_x" json:"max_x"`
	MaxY float64 `yaml:"max_y" json:"max_y"`
}

// AudioSpec distances are in audio units; world distances are multiplied by
// Scale before the model applies.
type AudioSpec struct {
	ReferenceDistance float64 `yaml:"reference_distance" json:"reference_distance"`
	MaxDistance       float64 `yaml:"max_distance" json:"max_distance"`
	RolloffFactor     float64 `yaml:"rolloff_factor" json:"rolloff_factor"`
	Scale             float64 `yaml:"scale" json:"scale"`
	SampleRate        int     `yaml:"sample_rate" json:"sample_rate"`
}

// ZoneSpec is either a rectangle (Rect: [x1, y1, x2, y2]) or any WKT
// geometry, in which case its bounding rectangle is used.
type ZoneSpec struct {
	ID        string    `yaml:"id" json:"id"`
	Kind      string    `yaml:"kind" json:"kind"`
	CompanyID string    `yaml:"company_id,omitempty" json:"company_id,omitempty"`
	Rect      []float64 `yaml:"rect,omitempty" json:"rect,omitempty"`
	WKT       string    `yaml:"wkt,omitempty" json:"wkt,omitempty"`
}

func Load(path string) (Layout, error) {
	l := defaults()
	if strings.TrimSpace(path) == "" {
		l.Normalize()
		return l, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return l, err
	}
	return Parse(b)
}

func Parse(b []byte) (Layout, error) {
	l := defaults()
	if err := yaml.Unmarshal(b, &l); err != nil {
		return l, fmt.Errorf("space.yaml: %w", err)
	}
	l.Normalize()
	if err := l.Validate(); err != nil {
		return l, fmt.Errorf("space.yaml: %w", err)
	}
	return l, nil
}

func defaults() Layout {
	return Layout{
		ID:              "hq",
		ChunkSize:       100,
		NeighborRadius:  1,
		ProximityRadius: 100,
		TickIntervalMS:  100,
		StaleAfterMS:    5000,
		Extent:          Extent{MinX: 0, MinY: 0, MaxX: 2000, MaxY: 2000},
		Audio: AudioSpec{
			ReferenceDistance: 1,
			MaxDistance:       5,
			RolloffFactor:     1,
			Scale:             0.05,
			SampleRate:        48000,
		},
	}
}

func (l *Layout) Normalize() {
	if l == nil {
		return
	}
	d := defaults()
	l.ID = strings.TrimSpace(l.ID)
	l.TickIntervalMS = clampInt(l.TickIntervalMS, 10, 5000, d.TickIntervalMS)
	if l.StaleAfterMS <= 0 {
		l.StaleAfterMS = 50 * l.TickIntervalMS
	}
	if l.NeighborRadius < 0 {
		l.NeighborRadius = 0
	}
	if l.Audio.SampleRate <= 0 {
		l.Audio.SampleRate = d.Audio.SampleRate
	}
	if l.Audio.RolloffFactor < 0 {
		l.Audio.RolloffFactor = 0
	}
	for i := range l.Zones {
		l.Zones[i].ID = strings.TrimSpace(l.Zones[i].ID)
		l.Zones[i].Kind = strings.ToLower(strings.TrimSpace(l.Zones[i].Kind))
		if l.Zones[i].Kind == "" {
			l.Zones[i].Kind = string(zones.KindCommon)
		}
	}
}

func (l Layout) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("id must not be empty")
	}
	if strings.Contains(l.ID, "/chunk/") {
		return fmt.Errorf("id %q must not contain /chunk/", l.ID)
	}
	if !(l.ChunkSize > 0) || math.IsInf(l.ChunkSize, 0) {
		return fmt.Errorf("chunk_size must be > 0")
	}
	if l.ProximityRadius < 0 {
		return fmt.Errorf("proximity_radius must be >= 0")
	}
	if !(l.Audio.ReferenceDistance > 0) {
		return fmt.Errorf("audio.reference_distance must be > 0")
	}
	if l.Audio.MaxDistance < l.Audio.ReferenceDistance {
		return fmt.Errorf("audio.max_distance must be >= reference_distance")
	}
	if !(l.Audio.Scale > 0) {
		return fmt.Errorf("audio.scale must be > 0")
	}
	if l.Extent.MaxX <= l.Extent.MinX || l.Extent.MaxY <= l.Extent.MinY {
		return fmt.Errorf("extent must have positive area")
	}
	// Anything audible or in proximity must lie inside the subscribed chunks.
	reach := float64(l.NeighborRadius) * l.ChunkSize
	audible := l.Audio.MaxDistance / l.Audio.Scale
	if need := math.Max(l.ProximityRadius, audible); reach < need {
		return fmt.Errorf("neighbor_radius*chunk_size (%g) must cover max(proximity_radius, audio.max_distance/audio.scale) (%g)", reach, need)
	}
	if _, err := l.ZoneTable(); err != nil {
		return err
	}
	return nil
}

// ZoneTable builds the zone table in file order.
func (l Layout) ZoneTable() (*zones.Table, error) {
	zs := make([]zones.Zone, 0, len(l.Zones))
	for i, spec := range l.Zones {
		var (
			z   = zones.Zone{ID: spec.ID, Kind: zones.Kind(spec.Kind), CompanyID: spec.CompanyID}
			err error
		)
		switch {
		case len(spec.Rect) == 4:
			z.Bounds, err = zones.Rect(spec.Rect[0], spec.Rect[1], spec.Rect[2], spec.Rect[3])
		case spec.WKT != "":
			z.Bounds, err = zones.Bounds(spec.WKT)
		default:
			return nil, fmt.Errorf("zones[%d] %q: needs rect [x1,y1,x2,y2] or wkt", i, spec.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("zones[%d] %q: %w", i, spec.ID, err)
		}
		zs = append(zs, z)
	}
	t, err := zones.NewTable(zs)
	if err != nil {
		return nil, fmt.Errorf("zones: %w", err)
	}
	return t, nil
}

func (l Layout) AudioParams() audio.Params {
	return audio.Params{
		ReferenceDistance: l.Audio.ReferenceDistance,
		MaxDistance:       l.Audio.MaxDistance,
		RolloffFactor:     l.Audio.RolloffFactor,
		Scale:             l.Audio.Scale,
		SampleRate:        beep.SampleRate(l.Audio.SampleRate),
	}
}

func (l Layout) TickInterval() time.Duration {
	return time.Duration(l.TickIntervalMS) * time.Millisecond
}

func (l Layout) StaleAfter() time.Duration {
	return time.Duration(l.StaleAfterMS) * time.Millisecond
}

// Clamp keeps p inside the extent.
func (l Layout) Clamp(p grid.Position) grid.Position {
	p.X = math.Max(l.Extent.MinX, math.Min(l.Extent.MaxX, p.X))
	p.Y = math.Max(l.Extent.MinY, math.Min(l.Extent.MaxY, p.Y))
	return p
}

func clampInt(v, min, max, def int) int {
	if v == 0 {
		v = def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
