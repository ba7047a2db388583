package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"officegrid.io/internal/persistence/authdb"
	persistlog "officegrid.io/internal/persistence/log"
	"officegrid.io/internal/space"
	"officegrid.io/internal/spatial/zones"
)

func newAPI(t *testing.T, admin bool) (*API, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	store, err := authdb.OpenSQLite(filepath.Join(dir, "auth.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	layout, err := space.Load("")
	if err != nil {
		t.Fatalf("space.Load: %v", err)
	}
	audit := persistlog.NewAuditLogger(dir)
	t.Cleanup(func() { _ = audit.Close() })

	a := &API{
		Layout:       layout,
		Store:        store,
		Audit:        audit,
		Logger:       zerolog.Nop(),
		AdminAllowed: func(*http.Request) bool { return admin },
	}
	mux := http.NewServeMux()
	a.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return a, srv
}

func postAdmin(t *testing.T, url string, req AdminRequest) int {
	t.Helper()
	b, _ := json.Marshal(req)
	resp, err := http.Post(url+"/admin/v1/authorizations", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func listAuth(t *testing.T, url, origin string) []zones.Authorization {
	t.Helper()
	resp, err := http.Get(url + "/v1/authorizations?origin=" + origin)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out []zones.Authorization
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestAPI_AdminUpsertAndRevoke(t *testing.T) {
	_, srv := newAPI(t, true)
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)

	if code := postAdmin(t, srv.URL, AdminRequest{Action: "upsert", OriginCompanyID: "acme", DestCompanyID: "globex", State: zones.StateApproved, ExpiresAt: exp}); code != http.StatusOK {
		t.Fatalf("upsert status=%d", code)
	}
	got := listAuth(t, srv.URL, "acme")
	if len(got) != 1 || got[0].State != zones.StateApproved || !got[0].ExpiresAt.Equal(exp) {
		t.Fatalf("list=%+v", got)
	}

	if code := postAdmin(t, srv.URL, AdminRequest{Action: "revoke", OriginCompanyID: "acme", DestCompanyID: "globex"}); code != http.StatusOK {
		t.Fatalf("revoke status=%d", code)
	}
	if got := listAuth(t, srv.URL, "acme"); len(got) != 1 || got[0].State != zones.StateRevoked {
		t.Fatalf("after revoke=%+v", got)
	}
	if code := postAdmin(t, srv.URL, AdminRequest{Action: "revoke", OriginCompanyID: "nobody", DestCompanyID: "globex"}); code != http.StatusNotFound {
		t.Fatalf("revoke missing status=%d", code)
	}
	if code := postAdmin(t, srv.URL, AdminRequest{Action: "upsert", OriginCompanyID: "acme", DestCompanyID: "acme", State: zones.StateApproved}); code != http.StatusBadRequest {
		t.Fatalf("self grant status=%d", code)
	}
	if code := postAdmin(t, srv.URL, AdminRequest{Action: "bless"}); code != http.StatusBadRequest {
		t.Fatalf("unknown action status=%d", code)
	}
}

func TestAPI_AdminForbidden(t *testing.T) {
	_, srv := newAPI(t, false)
	if code := postAdmin(t, srv.URL, AdminRequest{Action: "upsert", OriginCompanyID: "a", DestCompanyID: "b", State: zones.StateApproved}); code != http.StatusForbidden {
		t.Fatalf("status=%d want 403", code)
	}
	if got := listAuth(t, srv.URL, ""); len(got) != 0 {
		t.Fatalf("forbidden write landed: %+v", got)
	}
}

func TestAPI_Space(t *testing.T) {
	a, srv := newAPI(t, false)
	resp, err := http.Get(srv.URL + "/v1/space")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var l space.Layout
	if err := json.NewDecoder(resp.Body).Decode(&l); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if l.ID != a.Layout.ID || l.ChunkSize != a.Layout.ChunkSize {
		t.Fatalf("layout=%+v want %+v", l, a.Layout)
	}
}

func TestWriteMetrics(t *testing.T) {
	var buf bytes.Buffer
	WriteMetrics(&buf, "hq", Stats{Connections: 3, Channels: 2, FramesIn: 10, FramesOut: 20, Dropped: 1, Rejected: 4})
	out := buf.String()
	for _, want := range []string{
		`officegrid_relay_connections{space="hq"} 3`,
		`officegrid_relay_frames_total{space="hq",dir="out"} 20`,
		`officegrid_relay_dropped_total{space="hq"} 1`,
		`# TYPE officegrid_relay_rejected_total counter`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics missing %q:\n%s", want, out)
		}
	}
}
