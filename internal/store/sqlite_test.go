package store

import (
	"context"
	"testing"
	"time"
)

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	dir := t.TempDir()
	j, err := NewSQLiteJournal(dir, 0)
	if err != nil {
		t.Fatalf("NewSQLiteJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, typ := range []string{"ping", "get_scene", "refresh_assets"} {
		err := j.Record(ctx, Entry{
			CommandID: string(rune('1' + i)),
			Type:      typ,
			Outcome:   "ok",
			Duration:  time.Duration(i+1) * time.Millisecond,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Record %s: %v", typ, err)
		}
	}

	got, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Type != "refresh_assets" || got[1].Type != "get_scene" {
		t.Errorf("order = %s, %s; want newest first", got[0].Type, got[1].Type)
	}
	if got[0].Duration != 3*time.Millisecond {
		t.Errorf("Duration = %s, want 3ms", got[0].Duration)
	}
	if got[0].ID == "" || got[0].ID == got[1].ID {
		t.Errorf("ids not unique: %q %q", got[0].ID, got[1].ID)
	}
	if !got[0].StartedAt.Equal(base.Add(2 * time.Second)) {
		t.Errorf("StartedAt = %v", got[0].StartedAt)
	}
}

func TestRecordFailure(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	if err := j.Record(ctx, Entry{CommandID: "9", Type: "build", Outcome: "error", Error: "compile failed", Code: "E_BUILD"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Error != "compile failed" || got[0].Code != "E_BUILD" {
		t.Fatalf("got %+v", got)
	}
}

func TestPrune(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	now := time.Now().UTC()
	j.Record(ctx, Entry{CommandID: "1", Type: "old", Outcome: "ok", StartedAt: now.Add(-48 * time.Hour)})
	j.Record(ctx, Entry{CommandID: "2", Type: "new", Outcome: "ok", StartedAt: now})

	n, err := j.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	got, _ := j.Recent(ctx, 10)
	if len(got) != 1 || got[0].Type != "new" {
		t.Fatalf("remaining = %+v", got)
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j, err := NewSQLiteJournal(dir, time.Hour)
	if err != nil {
		t.Fatalf("NewSQLiteJournal: %v", err)
	}
	if err := j.Record(ctx, Entry{CommandID: "1", Type: "ping", Outcome: "ok"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	j.Close()

	j, err = NewSQLiteJournal(dir, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	got, err := j.Recent(ctx, 10)
	if err != nil || len(got) != 1 {
		t.Fatalf("Recent after reopen = %v, %v", got, err)
	}
}
