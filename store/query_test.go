package store_test

import (
	"testing"

	"github.com/gholt-successor/docs/keys"
	"github.com/gholt-successor/docs/store"
)

func seedQueryFixture(t *testing.T, s *store.Store) (keys.NamespaceSecret, keys.AuthorSecret, keys.AuthorSecret) {
	t.Helper()
	ns := mustNamespace(t)
	if _, err := s.ImportNamespaceWrite(ns); err != nil {
		t.Fatalf("import write: %v", err)
	}
	a1, err := s.NewAuthor()
	if err != nil {
		t.Fatalf("new author: %v", err)
	}
	a2, err := s.NewAuthor()
	if err != nil {
		t.Fatalf("new author: %v", err)
	}

	entries := []struct {
		author keys.AuthorSecret
		key    string
		ts     uint64
	}{
		{a1, "alpha", 1},
		{a1, "beta", 2},
		{a2, "alpha", 3},
		{a2, "gamma", 4},
	}
	for _, e := range entries {
		if _, err := s.Upsert(signedEntry(t, ns, e.author, e.key, []byte(e.key), e.ts)); err != nil {
			t.Fatalf("upsert %s: %v", e.key, err)
		}
	}
	return ns, a1, a2
}

func TestGetExactIncludeEmpty(t *testing.T) {
	s := openTestStore(t)
	ns := mustNamespace(t)
	if _, err := s.ImportNamespaceWrite(ns); err != nil {
		t.Fatalf("import write: %v", err)
	}
	author, err := s.NewAuthor()
	if err != nil {
		t.Fatalf("new author: %v", err)
	}
	if _, err := s.Upsert(signedEntry(t, ns, author, "k", nil, 1)); err != nil {
		t.Fatalf("upsert tombstone: %v", err)
	}

	if _, found, err := s.GetExact(ns.Id(), author.Id(), []byte("k"), false); err != nil {
		t.Fatalf("get exact: %v", err)
	} else if found {
		t.Fatalf("expected a tombstone to be hidden when includeEmpty is false")
	}
	if _, found, err := s.GetExact(ns.Id(), author.Id(), []byte("k"), true); err != nil {
		t.Fatalf("get exact: %v", err)
	} else if !found {
		t.Fatalf("expected a tombstone to be visible when includeEmpty is true")
	}
}

func TestGetManyFilterByAuthor(t *testing.T) {
	s := openTestStore(t)
	ns, a1, _ := seedQueryFixture(t, s)

	got, err := s.GetMany(ns.Id(), store.Query{
		Author: store.AuthorFilter{Kind: store.AuthorExact, Author: a1.Id()},
	})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for author 1, got %d", len(got))
	}
	for _, se := range got {
		if se.Entry.Identifier.Author != a1.Id() {
			t.Fatalf("unexpected author in result: %v", se.Entry.Identifier.Author)
		}
	}
}

func TestGetManyFilterByKeyPrefix(t *testing.T) {
	s := openTestStore(t)
	ns, _, _ := seedQueryFixture(t, s)

	got, err := s.GetMany(ns.Id(), store.Query{
		Key: store.KeyFilter{Kind: store.KeyPrefix, Key: []byte("al")},
	})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries matching prefix 'al', got %d", len(got))
	}
}

func TestGetManySortAndOrder(t *testing.T) {
	s := openTestStore(t)
	ns, _, _ := seedQueryFixture(t, s)

	got, err := s.GetMany(ns.Id(), store.Query{Sort: store.SortKeyAuthor, Order: store.Desc})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1].Entry.Identifier.Key, got[i].Entry.Identifier.Key
		if string(prev) < string(cur) {
			t.Fatalf("expected descending key order, got %q before %q", prev, cur)
		}
	}
}

func TestGetManyOffsetLimit(t *testing.T) {
	s := openTestStore(t)
	ns, _, _ := seedQueryFixture(t, s)

	limit := uint64(1)
	got, err := s.GetMany(ns.Id(), store.Query{Sort: store.SortKeyAuthor, Order: store.Asc, Offset: 1, Limit: &limit})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 entry with offset=1, limit=1, got %d", len(got))
	}
}

func TestGetManyLatestPerKeyCollapses(t *testing.T) {
	s := openTestStore(t)
	ns := mustNamespace(t)
	if _, err := s.ImportNamespaceWrite(ns); err != nil {
		t.Fatalf("import write: %v", err)
	}
	a1, err := s.NewAuthor()
	if err != nil {
		t.Fatalf("new author: %v", err)
	}
	a2, err := s.NewAuthor()
	if err != nil {
		t.Fatalf("new author: %v", err)
	}
	if _, err := s.Upsert(signedEntry(t, ns, a1, "shared", []byte("older"), 1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.Upsert(signedEntry(t, ns, a2, "shared", []byte("newer"), 2)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetMany(ns.Id(), store.Query{
		Key:          store.KeyFilter{Kind: store.KeyExact, Key: []byte("shared")},
		LatestPerKey: true,
	})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected LatestPerKey to collapse to 1 row, got %d", len(got))
	}
	if got[0].Entry.Record.Timestamp != 2 {
		t.Fatalf("expected the newer of the two rows to win, got timestamp %d", got[0].Entry.Record.Timestamp)
	}
}

func TestSnapshotStableAcrossConcurrentWrite(t *testing.T) {
	s := openTestStore(t)
	ns := mustNamespace(t)
	if _, err := s.ImportNamespaceWrite(ns); err != nil {
		t.Fatalf("import write: %v", err)
	}
	author, err := s.NewAuthor()
	if err != nil {
		t.Fatalf("new author: %v", err)
	}
	if _, err := s.Upsert(signedEntry(t, ns, author, "k", []byte("before"), 1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	defer snap.Close()

	if _, err := s.Upsert(signedEntry(t, ns, author, "k2", []byte("after"), 2)); err != nil {
		t.Fatalf("upsert after snapshot: %v", err)
	}

	got, err := snap.GetMany(ns.Id(), store.Query{})
	if err != nil {
		t.Fatalf("snapshot get many: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the snapshot to still see only the pre-snapshot row, got %d", len(got))
	}

	live, err := s.GetMany(ns.Id(), store.Query{})
	if err != nil {
		t.Fatalf("live get many: %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("expected the live store to see both rows, got %d", len(live))
	}
}
