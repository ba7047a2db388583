// Package zones holds the rectangle table of company zones. It is kept apart
// from the chunk grid: a zone may span many chunks and a chunk may touch many
// zones.
package zones

import (
	"fmt"
	"math"

	"github.com/peterstace/simplefeatures/geom"

	"officegrid.io/internal/spatial/grid"
)

type Kind string

const (
	KindCommon  Kind = "common"
	KindPrivate Kind = "private"
)

type Zone struct {
	ID        string
	Kind      Kind
	CompanyID string
	Bounds    geom.Envelope
}

// Rect builds axis-aligned bounds from two opposite corners.
func Rect(x1, y1, x2, y2 float64) (geom.Envelope, error) {
	minX, maxX := math.Min(x1, x2), math.Max(x1, x2)
	minY, maxY := math.Min(y1, y2), math.Max(y1, y2)
	wkt := fmt.Sprintf("POLYGON((%[1]g %[2]g,%[3]g %[2]g,%[3]g %[4]g,%[1]g %[4]g,%[1]g %[2]g))", minX, minY, maxX, maxY)
	return Bounds(wkt)
}

// Bounds returns the bounding rectangle of a WKT geometry.
func Bounds(wkt string) (geom.Envelope, error) {
	g, err := geom.UnmarshalWKT(wkt)
	if err != nil {
		return geom.Envelope{}, fmt.Errorf("zone bounds: %w", err)
	}
	return g.Envelope(), nil
}

func (z Zone) Contains(p grid.Position) bool {
	return z.Bounds.Contains(geom.XY{X: p.X, Y: p.Y})
}

// Table resolves positions to zones. Order is significant: when rectangles
// overlap the first one listed wins.
type Table struct {
	zones []Zone
	byID  map[string]int
}

func NewTable(zs []Zone) (*Table, error) {
	t := &Table{
		zones: make([]Zone, 0, len(zs)),
		byID:  make(map[string]int, len(zs)),
	}
	for _, z := range zs {
		if z.ID == "" {
			return nil, fmt.Errorf("zone with empty id")
		}
		if _, dup := t.byID[z.ID]; dup {
			return nil, fmt.Errorf("duplicate zone id %q", z.ID)
		}
		switch z.Kind {
		case KindCommon:
		case KindPrivate:
			if z.CompanyID == "" {
				return nil, fmt.Errorf("private zone %q has no company", z.ID)
			}
		default:
			return nil, fmt.Errorf("zone %q: unknown kind %q", z.ID, z.Kind)
		}
		t.byID[z.ID] = len(t.zones)
		t.zones = append(t.zones, z)
	}
	return t, nil
}

// Resolve returns the zone containing p. ok is false when p lies outside every
// rectangle, which callers treat as common space.
func (t *Table) Resolve(p grid.Position) (Zone, bool) {
	if t == nil {
		return Zone{}, false
	}
	for _, z := range t.zones {
		if z.Contains(p) {
			return z, true
		}
	}
	return Zone{}, false
}

func (t *Table) Lookup(id string) (Zone, bool) {
	if t == nil {
		return Zone{}, false
	}
	i, ok := t.byID[id]
	if !ok {
		return Zone{}, false
	}
	return t.zones[i], true
}

func (t *Table) Zones() []Zone {
	if t == nil {
		return nil
	}
	return append([]Zone(nil), t.zones...)
}
