//go:build cgo

package auditlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := New(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("creating audit log: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func sampleEntry(op string) Entry {
	return Entry{
		SessionID: "9f6a1c52-0000-0000-0000-000000000000",
		Operation: op,
		FilterKey: "t=0.6500|ter=Municipio|dep=|mun=|pol=0|pdet=0|iica=|mdm=|ipm=0.00-100.00",
		Territory: "Municipio",
		Duration:  12,
		RowCount:  340,
		CacheHit:  false,
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "audit.db")
	l, err := New(path)
	if err != nil {
		t.Fatalf("creating audit log in nested dir: %v", err)
	}
	l.Close()
}

func TestRecordAndRecent(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	for _, op := range []string{"metadata", "ranking", "ranking"} {
		if err := l.Record(ctx, sampleEntry(op)); err != nil {
			t.Fatalf("record %s: %v", op, err)
		}
	}

	entries, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	// Most recent first.
	if entries[0].Operation != "ranking" {
		t.Errorf("first entry: got %q", entries[0].Operation)
	}
	if entries[2].Operation != "metadata" {
		t.Errorf("last entry: got %q", entries[2].Operation)
	}

	e := entries[0]
	if e.SessionID == "" || e.FilterKey == "" || e.Territory != "Municipio" {
		t.Errorf("entry fields not persisted: %+v", e)
	}
	if e.RowCount != 340 || e.Duration != 12 {
		t.Errorf("numeric fields not persisted: %+v", e)
	}
	if e.CreatedAt.IsZero() {
		t.Error("created_at not populated")
	}
}

func TestRecentHonorsLimit(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.Record(ctx, sampleEntry("rows")); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	entries, err := l.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestCacheHitRoundTrip(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	hit := sampleEntry("metadata")
	hit.CacheHit = true
	if err := l.Record(ctx, hit); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Record(ctx, sampleEntry("metadata")); err != nil {
		t.Fatalf("record: %v", err)
	}

	entries, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if entries[0].CacheHit {
		t.Error("newest entry should be a miss")
	}
	if !entries[1].CacheHit {
		t.Error("older entry should be a hit")
	}
}

func TestOperationCounts(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	for _, op := range []string{"metadata", "ranking", "ranking", "export"} {
		if err := l.Record(ctx, sampleEntry(op)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	counts, err := l.OperationCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["ranking"] != 2 || counts["metadata"] != 1 || counts["export"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestPruneBefore(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	if err := l.Record(ctx, sampleEntry("metadata")); err != nil {
		t.Fatalf("record: %v", err)
	}

	// A cutoff in the past removes nothing.
	removed, err := l.PruneBefore(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("prune past: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected 0 removed, got %d", removed)
	}

	// A cutoff in the future removes the entry.
	removed, err = l.PruneBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune future: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	entries, _ := l.Recent(ctx, 10)
	if len(entries) != 0 {
		t.Fatalf("expected empty log after prune, got %d", len(entries))
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	// New already migrated once; a second run must be a clean no-op.
	if err := l.Migrate(ctx); err != nil {
		t.Fatalf("re-running migrations: %v", err)
	}

	var version int
	err := l.DB().QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		t.Fatalf("reading version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("schema version: got %d, want %d", version, len(migrations))
	}
}
