package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "traffic")
	clock := time.Date(2026, 4, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	if err := w.Write(TrafficEntry{SpaceID: "hq", FramesIn: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write(TrafficEntry{SpaceID: "hq", FramesIn: 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	if err := w.Write(TrafficEntry{SpaceID: "hq", FramesIn: 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	first := filepath.Join(dir, "traffic-2026-04-01-10.jsonl.zst")
	second := filepath.Join(dir, "traffic-2026-04-01-11.jsonl.zst")
	var got []uint64
	for _, p := range []string{first, second} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("missing %s: %v", p, err)
		}
		err := ReadJSONL(p, func(raw json.RawMessage) error {
			var e TrafficEntry
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			got = append(got, e.FramesIn)
			return nil
		})
		if err != nil {
			t.Fatalf("ReadJSONL(%s): %v", p, err)
		}
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("entries=%v want [1 2 3]", got)
	}
}

func TestAuditLogger_WritesUnderAuditDir(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir)
	exp := time.Now().Add(time.Hour).UTC()
	if err := l.WriteAudit(AuditEntry{At: time.Now().UTC(), Action: "upsert", Origin: "a", Dest: "b", State: "approved", ExpiresAt: &exp}); err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "audit", "audit-*.jsonl.zst"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("audit files=%v err=%v", matches, err)
	}
	n := 0
	if err := ReadJSONL(matches[0], func(json.RawMessage) error { n++; return nil }); err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if n != 1 {
		t.Fatalf("entries=%d want 1", n)
	}
}
