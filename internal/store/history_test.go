package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`CREATE TABLE added_at (compound_key TEXT PRIMARY KEY, added_at DATETIME NOT NULL)`); err != nil {
		t.Fatalf("creating added_at table: %v", err)
	}
	return NewHistory(db)
}

func TestHistoryRecordIfAbsentIsIdempotent(t *testing.T) {
	h := newTestHistory(t)
	key := "amule1:deadbeef"
	first := time.Now().Truncate(time.Second)
	if err := h.RecordIfAbsent(key, first); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := h.RecordIfAbsent(key, first.Add(time.Hour)); err != nil {
		t.Fatalf("second record: %v", err)
	}
	got, ok := h.AddedAt(key)
	if !ok {
		t.Fatalf("expected addedAt to be present")
	}
	if !got.Equal(first) {
		t.Fatalf("expected first-seen time %v to stick, got %v", first, got)
	}
}

func TestHistoryAddedAtMissing(t *testing.T) {
	h := newTestHistory(t)
	if _, ok := h.AddedAt("missing:key"); ok {
		t.Fatalf("expected no entry for an unrecorded key")
	}
}

func TestHistoryListAndClear(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	if err := h.RecordIfAbsent("a:1", time.Now()); err != nil {
		t.Fatalf("record a:1: %v", err)
	}
	if err := h.RecordIfAbsent("b:2", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("record b:2: %v", err)
	}
	entries, err := h.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if err := h.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	entries, err = h.List(ctx)
	if err != nil {
		t.Fatalf("list after clear: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty history after clear, got %d entries", len(entries))
	}
}
