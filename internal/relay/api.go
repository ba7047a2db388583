package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"officegrid.io/internal/persistence/authdb"
	persistlog "officegrid.io/internal/persistence/log"
	"officegrid.io/internal/space"
	"officegrid.io/internal/spatial/zones"
)

// AuthStore is the subset of authdb.Store the API needs.
type AuthStore interface {
	Upsert(ctx context.Context, a zones.Authorization) error
	Revoke(ctx context.Context, origin, dest string) error
	List(ctx context.Context, origin string) ([]zones.Authorization, error)
}

type API struct {
	Layout space.Layout
	Store  AuthStore
	Audit  *persistlog.AuditLogger
	Hub    *Hub
	Logger zerolog.Logger

	// AdminAllowed gates /admin routes. Nil denies all.
	AdminAllowed func(*http.Request) bool
}

// Register mounts the read API, the admin API and /metrics on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/space", a.handleSpace)
	mux.HandleFunc("/v1/authorizations", a.handleList)
	mux.HandleFunc("/admin/v1/authorizations", a.handleAdmin)
	mux.HandleFunc("/metrics", a.handleMetrics)
}

func (a *API) handleSpace(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(rw, http.StatusOK, a.Layout)
}

func (a *API) handleList(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if a.Store == nil {
		writeJSON(rw, http.StatusOK, []zones.Authorization{})
		return
	}
	origin := strings.TrimSpace(r.URL.Query().Get("origin"))
	recs, err := a.Store.List(r.Context(), origin)
	if err != nil {
		a.Logger.Error().Err(err).Msg("list authorizations")
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []zones.Authorization{}
	}
	writeJSON(rw, http.StatusOK, recs)
}

// AdminRequest is the body of POST /admin/v1/authorizations.
type AdminRequest struct {
	Action          string      `json:"action"` // upsert | revoke
	OriginCompanyID string      `json:"origin_company_id"`
	DestCompanyID   string      `json:"dest_company_id"`
	State           zones.State `json:"state,omitempty"`
	ExpiresAt       time.Time   `json:"expires_at,omitempty"`
}

func (a *API) handleAdmin(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if a.AdminAllowed == nil || !a.AdminAllowed(r) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	if a.Store == nil {
		http.Error(rw, "authorization store disabled", http.StatusServiceUnavailable)
		return
	}
	var req AdminRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}

	entry := persistlog.AuditEntry{
		At:     time.Now().UTC(),
		Action: req.Action,
		Origin: req.OriginCompanyID,
		Dest:   req.DestCompanyID,
		Remote: r.RemoteAddr,
	}
	var err error
	switch req.Action {
	case "upsert":
		err = a.Store.Upsert(r.Context(), zones.Authorization{
			OriginCompanyID: req.OriginCompanyID,
			DestCompanyID:   req.DestCompanyID,
			State:           req.State,
			ExpiresAt:       req.ExpiresAt,
		})
		exp := req.ExpiresAt.UTC()
		entry.State = string(req.State)
		entry.ExpiresAt = &exp
	case "revoke":
		err = a.Store.Revoke(r.Context(), req.OriginCompanyID, req.DestCompanyID)
		entry.State = string(zones.StateRevoked)
	default:
		http.Error(rw, "unknown action", http.StatusBadRequest)
		return
	}
	switch {
	case errors.Is(err, authdb.ErrNotFound):
		http.Error(rw, "not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	if a.Audit != nil {
		if err := a.Audit.WriteAudit(entry); err != nil {
			a.Logger.Warn().Err(err).Msg("audit write")
		}
	}
	a.Logger.Info().Str("action", req.Action).Str("origin", req.OriginCompanyID).Str("dest", req.DestCompanyID).Msg("authorization changed")
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if a.Hub == nil {
		return
	}
	WriteMetrics(rw, a.Hub.SpaceID(), a.Hub.Stats())
}

// WriteMetrics renders s in the Prometheus text exposition format.
func WriteMetrics(w io.Writer, spaceID string, s Stats) {
	fmt.Fprintf(w, "# HELP officegrid_relay_connections Current number of connected clients.\n")
	fmt.Fprintf(w, "# TYPE officegrid_relay_connections gauge\n")
	fmt.Fprintf(w, "officegrid_relay_connections{space=%q} %d\n", spaceID, s.Connections)

	fmt.Fprintf(w, "# HELP officegrid_relay_channels Chunk channels with at least one subscriber.\n")
	fmt.Fprintf(w, "# TYPE officegrid_relay_channels gauge\n")
	fmt.Fprintf(w, "officegrid_relay_channels{space=%q} %d\n", spaceID, s.Channels)

	fmt.Fprintf(w, "# HELP officegrid_relay_frames_total Frames by direction.\n")
	fmt.Fprintf(w, "# TYPE officegrid_relay_frames_total counter\n")
	fmt.Fprintf(w, "officegrid_relay_frames_total{space=%q,dir=%q} %d\n", spaceID, "in", s.FramesIn)
	fmt.Fprintf(w, "officegrid_relay_frames_total{space=%q,dir=%q} %d\n", spaceID, "out", s.FramesOut)

	fmt.Fprintf(w, "# HELP officegrid_relay_dropped_total Deliveries dropped for slow subscribers.\n")
	fmt.Fprintf(w, "# TYPE officegrid_relay_dropped_total counter\n")
	fmt.Fprintf(w, "officegrid_relay_dropped_total{space=%q} %d\n", spaceID, s.Dropped)

	fmt.Fprintf(w, "# HELP officegrid_relay_rejected_total Frames answered with ERROR.\n")
	fmt.Fprintf(w, "# TYPE officegrid_relay_rejected_total counter\n")
	fmt.Fprintf(w, "officegrid_relay_rejected_total{space=%q} %d\n", spaceID, s.Rejected)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
