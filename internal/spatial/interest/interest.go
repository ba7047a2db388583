// Package interest derives the set of remote entities a client renders and
// hears. Filters are pure functions over a roster snapshot owned by the
// caller.
package interest

import (
	"time"

	"officegrid.io/internal/spatial/grid"
	"officegrid.io/internal/spatial/zones"
)

// Entity is one remote participant as last reported on the movement feed.
type Entity struct {
	UserID    string
	Position  grid.Position
	CompanyID string
	// ZoneID is the zone the sender reported. Optional; it must agree with
	// the zone Position resolves to.
	ZoneID   string
	Seq      uint64
	LastSeen time.Time
}

// FilterByChunk keeps entities whose chunk is in set. Order is preserved.
func FilterByChunk(roster []Entity, set grid.Set, chunkSize float64) []Entity {
	out := make([]Entity, 0, len(roster))
	for _, e := range roster {
		if set.Has(grid.KeyOf(e.Position, chunkSize)) {
			out = append(out, e)
		}
	}
	return out
}

// FilterByZoneAuthorization drops entities standing in another company's
// private zone unless localCompanyID holds a live grant for that company.
// Entities reporting a zone other than the one their position resolves to are
// dropped.
func FilterByZoneAuthorization(roster []Entity, localCompanyID string, table *zones.Table, grants *zones.Grants, now time.Time) []Entity {
	out := make([]Entity, 0, len(roster))
	for _, e := range roster {
		if Admit(e, localCompanyID, table, grants, now) {
			out = append(out, e)
		}
	}
	return out
}

// Admit is the per-entity zone rule used by FilterByZoneAuthorization. The
// zone always comes from Position; a reported ZoneID that disagrees with it
// excludes the entity.
func Admit(e Entity, localCompanyID string, table *zones.Table, grants *zones.Grants, now time.Time) bool {
	z, ok := table.Resolve(e.Position)
	if e.ZoneID != "" && (!ok || z.ID != e.ZoneID) {
		return false
	}
	if !ok || z.Kind != zones.KindPrivate {
		return true
	}
	if z.CompanyID == localCompanyID {
		return true
	}
	return grants.Decide(localCompanyID, z.CompanyID, now).Allowed()
}

// Params bundles what Visible needs besides the roster.
type Params struct {
	Interest       grid.Set
	ChunkSize      float64
	LocalUserID    string
	LocalCompanyID string
	Zones          *zones.Table
	Grants         *zones.Grants
	Now            time.Time
}

// Visible applies the chunk filter then the zone filter and drops the local
// user if present.
func Visible(roster []Entity, p Params) []Entity {
	byChunk := FilterByChunk(roster, p.Interest, p.ChunkSize)
	out := byChunk[:0]
	for _, e := range byChunk {
		if e.UserID == p.LocalUserID {
			continue
		}
		if Admit(e, p.LocalCompanyID, p.Zones, p.Grants, p.Now) {
			out = append(out, e)
		}
	}
	return out
}
