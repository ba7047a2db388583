// Package grid maps world positions onto the fixed-size chunk grid used to
// scope subscriptions. All functions are pure.
package grid

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// MaxCoord bounds chunk coordinates produced for infinite input.
const MaxCoord = 1 << 30

// snapScale fixes the precision positions are rounded to before division.
// Every chunk key in the repository goes through KeyOf, so this is the one
// rounding rule.
const snapScale = 1e6

type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

func (p Position) Distance(o Position) float64 {
	return math.Hypot(p.X-o.X, p.Y-o.Y)
}

type Key struct {
	CX int
	CY int
}

// String returns the canonical "cx:cy" form.
func (k Key) String() string {
	return strconv.Itoa(k.CX) + ":" + strconv.Itoa(k.CY)
}

func ParseKey(s string) (Key, error) {
	a, b, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("chunk key %q: missing ':'", s)
	}
	cx, err := strconv.Atoi(a)
	if err != nil {
		return Key{}, fmt.Errorf("chunk key %q: %w", s, err)
	}
	cy, err := strconv.Atoi(b)
	if err != nil {
		return Key{}, fmt.Errorf("chunk key %q: %w", s, err)
	}
	return Key{CX: cx, CY: cy}, nil
}

// KeyOf returns the chunk containing p. It is total: NaN coordinates map to
// chunk 0 and infinities to ±MaxCoord.
func KeyOf(p Position, chunkSize float64) Key {
	if !(chunkSize > 0) || math.IsInf(chunkSize, 0) {
		chunkSize = 1
	}
	return Key{CX: cell(p.X, chunkSize), CY: cell(p.Y, chunkSize)}
}

func cell(v, size float64) int {
	if math.IsNaN(v) {
		return 0
	}
	if math.IsInf(v, 1) {
		return MaxCoord
	}
	if math.IsInf(v, -1) {
		return -MaxCoord
	}
	snapped := math.Round(v*snapScale) / snapScale
	c := math.Floor(snapped / size)
	if c > MaxCoord {
		return MaxCoord
	}
	if c < -MaxCoord {
		return -MaxCoord
	}
	return int(c)
}

// Neighbors returns every key within Chebyshev distance radius of k,
// including k, nearest first. The result always has (2r+1)² entries.
func Neighbors(k Key, radius int) []Key {
	if radius < 0 {
		radius = 0
	}
	type item struct {
		k    Key
		dist int
	}
	side := 2*radius + 1
	items := make([]item, 0, side*side)
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			items = append(items, item{
				k:    Key{CX: k.CX + dx, CY: k.CY + dy},
				dist: absInt(dx) + absInt(dy),
			})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].dist != items[j].dist {
			return items[i].dist < items[j].dist
		}
		if items[i].k.CX != items[j].k.CX {
			return items[i].k.CX < items[j].k.CX
		}
		return items[i].k.CY < items[j].k.CY
	})
	out := make([]Key, 0, len(items))
	for _, it := range items {
		out = append(out, it.k)
	}
	return out
}

// Chebyshev returns the chessboard distance between two chunks.
func Chebyshev(a, b Key) int {
	dx := absInt(a.CX - b.CX)
	dy := absInt(a.CY - b.CY)
	if dx > dy {
		return dx
	}
	return dy
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
