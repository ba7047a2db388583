package zones

import "time"

type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateRevoked  State = "revoked"
)

func (s State) Valid() bool {
	switch s {
	case StatePending, StateApproved, StateRejected, StateRevoked:
		return true
	}
	return false
}

// Authorization lets members of OriginCompanyID see into the private zones of
// DestCompanyID while approved and unexpired.
type Authorization struct {
	OriginCompanyID string    `json:"origin_company_id"`
	DestCompanyID   string    `json:"dest_company_id"`
	State           State     `json:"state"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

type Reason string

const (
	ReasonNone        Reason = ""
	ReasonNoGrant     Reason = "no_grant"
	ReasonExpired     Reason = "grant_expired"
	ReasonNotApproved Reason = "grant_not_approved"
	ReasonRevoked     Reason = "grant_revoked"
)

type Result struct {
	Decision Decision
	Reason   Reason
}

func (r Result) Allowed() bool { return r.Decision == Allow }

type pair struct{ origin, dest string }

// Grants indexes authorization records by (origin, dest). A pair may carry
// several records; Decide folds them.
type Grants struct {
	byPair map[pair][]Authorization
}

func NewGrants(auths []Authorization) *Grants {
	g := &Grants{byPair: make(map[pair][]Authorization, len(auths))}
	for _, a := range auths {
		p := pair{a.OriginCompanyID, a.DestCompanyID}
		g.byPair[p] = append(g.byPair[p], a)
	}
	return g
}

func (g *Grants) Len() int {
	if g == nil {
		return 0
	}
	n := 0
	for _, as := range g.byPair {
		n += len(as)
	}
	return n
}

// Decide reports whether origin may see dest's private zones at now. A revoked
// record for the pair overrides any approval. Expiry is strict: a grant is
// dead at its expiresAt instant.
func (g *Grants) Decide(origin, dest string, now time.Time) Result {
	if g == nil {
		return Result{Decision: Deny, Reason: ReasonNoGrant}
	}
	recs := g.byPair[pair{origin, dest}]
	if len(recs) == 0 {
		return Result{Decision: Deny, Reason: ReasonNoGrant}
	}
	var sawApprovedExpired bool
	var sawApprovedLive bool
	for _, a := range recs {
		switch a.State {
		case StateRevoked:
			return Result{Decision: Deny, Reason: ReasonRevoked}
		case StateApproved:
			if now.Before(a.ExpiresAt) {
				sawApprovedLive = true
			} else {
				sawApprovedExpired = true
			}
		}
	}
	switch {
	case sawApprovedLive:
		return Result{Decision: Allow}
	case sawApprovedExpired:
		return Result{Decision: Deny, Reason: ReasonExpired}
	default:
		return Result{Decision: Deny, Reason: ReasonNotApproved}
	}
}
