package seenset_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/silentq/dbopen"
	"github.com/hazyhaar/silentq/seenset"
)

func newSet(t *testing.T, opts seenset.Options) (*seenset.Set, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s := seenset.New(db, opts)
	if err := s.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, db
}

func TestUpsertAndHas(t *testing.T) {
	s, _ := newSet(t, seenset.Options{})
	ctx := context.Background()

	if err := s.Upsert(ctx, seenset.Entry{ID: "101", Handle: "Alice", Source: seenset.SourceSuccess}); err != nil {
		t.Fatal(err)
	}

	ok, err := s.Has(ctx, "101")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("101 should be present")
	}

	ok, _ = s.Has(ctx, "999")
	if ok {
		t.Fatal("999 should be absent")
	}
}

func TestHasAnyMixesMemoryAndDisk(t *testing.T) {
	s, db := newSet(t, seenset.Options{})
	ctx := context.Background()

	// One entry via Upsert (lands in memory), one written behind the
	// set's back (disk only).
	if err := s.Upsert(ctx, seenset.Entry{ID: "1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(
		`INSERT INTO seen_accounts (id, handle, source, last_seen) VALUES ('2','','filter',?)`,
		time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}

	found, err := s.HasAny(ctx, []string{"1", "2", "3", " ", ""})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("found %d ids, want 2: %v", len(found), found)
	}
	for _, id := range []string{"1", "2"} {
		if _, ok := found[id]; !ok {
			t.Fatalf("id %s missing from result", id)
		}
	}
}

func TestUpsertManyNormalizes(t *testing.T) {
	s, db := newSet(t, seenset.Options{})
	ctx := context.Background()

	err := s.UpsertMany(ctx, []seenset.Entry{
		{ID: " 7 ", Handle: " MixedCase "},
		{ID: ""}, // skipped
	})
	if err != nil {
		t.Fatal(err)
	}

	var handle string
	if err := db.QueryRow(`SELECT handle FROM seen_accounts WHERE id='7'`).Scan(&handle); err != nil {
		t.Fatal(err)
	}
	if handle != "mixedcase" {
		t.Fatalf("handle = %q, want mixedcase", handle)
	}

	n, _ := s.Count(ctx)
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestLoadRespectsMemLimit(t *testing.T) {
	s, db := newSet(t, seenset.Options{MemLimit: 2})
	ctx := context.Background()

	now := time.Now().UnixMilli()
	for i, id := range []string{"a", "b", "c"} {
		if _, err := db.Exec(
			`INSERT INTO seen_accounts (id, handle, source, last_seen) VALUES (?,?,?,?)`,
			id, "", "filter", now+int64(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}

	// All three resolve via HasAny regardless of what fits in memory.
	found, err := s.HasAny(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 3 {
		t.Fatalf("found %d, want 3", len(found))
	}

	if got := len(s.SampleIDs(10)); got != 2 {
		t.Fatalf("hot set size = %d, want 2", got)
	}
}

func TestPrune(t *testing.T) {
	s, db := newSet(t, seenset.Options{})
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	if _, err := db.Exec(
		`INSERT INTO seen_accounts (id, handle, source, last_seen) VALUES ('old','','filter',?)`, old); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, seenset.Entry{ID: "fresh"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	ok, _ := s.Has(ctx, "old")
	if ok {
		t.Fatal("old entry should be gone")
	}
	ok, _ = s.Has(ctx, "fresh")
	if !ok {
		t.Fatal("fresh entry should remain")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	s, _ := newSet(t, seenset.Options{})
	ctx := context.Background()

	want := []seenset.Entry{
		{ID: "1", Handle: "one", Source: seenset.SourceSuccess, LastSeen: 1000},
		{ID: "2", Handle: "two", Source: seenset.SourceGuard, LastSeen: 2000},
	}
	if err := s.UpsertMany(ctx, want); err != nil {
		t.Fatal(err)
	}

	exported, err := s.Export(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(exported) != 2 {
		t.Fatalf("exported %d entries, want 2", len(exported))
	}
	if exported[0].ID != "1" || exported[0].Source != seenset.SourceSuccess || exported[0].LastSeen != 1000 {
		t.Fatalf("unexpected first entry: %+v", exported[0])
	}

	other, _ := newSet(t, seenset.Options{})
	if err := other.ImportEntries(ctx, exported); err != nil {
		t.Fatal(err)
	}
	n, _ := other.Count(ctx)
	if n != 2 {
		t.Fatalf("imported count = %d, want 2", n)
	}
}

func TestSampleIDs(t *testing.T) {
	s, _ := newSet(t, seenset.Options{})
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3", "4"} {
		if err := s.Upsert(ctx, seenset.Entry{ID: id}); err != nil {
			t.Fatal(err)
		}
	}

	sample := s.SampleIDs(2)
	if len(sample) != 2 {
		t.Fatalf("sample size = %d, want 2", len(sample))
	}
	sample = s.SampleIDs(100)
	if len(sample) != 4 {
		t.Fatalf("sample size = %d, want 4", len(sample))
	}
}
