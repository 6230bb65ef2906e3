package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gholt-successor/docs/docscfg"
	"github.com/gholt-successor/docs/docserr"
	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/keys"
	"github.com/gholt-successor/docs/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := docscfg.Default()
	cfg.FlushInterval = time.Hour
	s, err := store.Open(filepath.Join(t.TempDir(), "docs.db"), cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustNamespace(t *testing.T) keys.NamespaceSecret {
	t.Helper()
	ns, err := keys.NewNamespace()
	if err != nil {
		t.Fatalf("new namespace: %v", err)
	}
	return ns
}

func signedEntry(t *testing.T, ns keys.NamespaceSecret, author keys.AuthorSecret, key string, content []byte, ts uint64) entry.SignedEntry {
	t.Helper()
	e := entry.Entry{
		Identifier: entry.Identifier{Namespace: ns.Id(), Author: author.Id(), Key: []byte(key)},
		Record:     entry.Record{Hash: entry.HashBytes(content), Length: uint64(len(content)), Timestamp: ts},
	}
	return entry.Sign(ns, author, e)
}

func TestOpenCreatesAllTables(t *testing.T) {
	s := openTestStore(t)
	namespaces, err := s.ListNamespaces()
	if err != nil {
		t.Fatalf("list namespaces: %v", err)
	}
	if len(namespaces) != 0 {
		t.Fatalf("expected no namespaces on a fresh store, got %d", len(namespaces))
	}
}

func TestImportNamespaceWriteThenRead(t *testing.T) {
	s := openTestStore(t)
	ns := mustNamespace(t)

	result, err := s.ImportNamespaceWrite(ns)
	if err != nil {
		t.Fatalf("import write: %v", err)
	}
	if result != store.Inserted {
		t.Fatalf("expected Inserted, got %v", result)
	}

	capability, err := s.NamespaceCapability(ns.Id())
	if err != nil {
		t.Fatalf("namespace capability: %v", err)
	}
	if capability != keys.Write {
		t.Fatalf("expected Write capability, got %v", capability)
	}

	got, err := s.NamespaceSecret(ns.Id())
	if err != nil {
		t.Fatalf("namespace secret: %v", err)
	}
	if got.Id() != ns.Id() {
		t.Fatalf("round-tripped namespace secret has wrong id")
	}
}

func TestImportNamespaceReadCannotDowngradeWrite(t *testing.T) {
	s := openTestStore(t)
	ns := mustNamespace(t)

	if _, err := s.ImportNamespaceWrite(ns); err != nil {
		t.Fatalf("import write: %v", err)
	}
	result, err := s.ImportNamespaceRead(ns.Id())
	if err != nil {
		t.Fatalf("import read: %v", err)
	}
	if result != store.NoChange {
		t.Fatalf("expected NoChange when a read import follows a write import, got %v", result)
	}
	capability, err := s.NamespaceCapability(ns.Id())
	if err != nil {
		t.Fatalf("namespace capability: %v", err)
	}
	if capability != keys.Write {
		t.Fatalf("write capability should not be downgraded by a later read import")
	}
}

func TestImportNamespaceReadThenUpgradeToWrite(t *testing.T) {
	s := openTestStore(t)
	ns := mustNamespace(t)

	result, err := s.ImportNamespaceRead(ns.Id())
	if err != nil {
		t.Fatalf("import read: %v", err)
	}
	if result != store.Inserted {
		t.Fatalf("expected Inserted, got %v", result)
	}

	result, err = s.ImportNamespaceWrite(ns)
	if err != nil {
		t.Fatalf("import write: %v", err)
	}
	if result != store.Upgraded {
		t.Fatalf("expected Upgraded, got %v", result)
	}
}

func TestNamespaceSecretRefusedForReadOnly(t *testing.T) {
	s := openTestStore(t)
	ns := mustNamespace(t)
	if _, err := s.ImportNamespaceRead(ns.Id()); err != nil {
		t.Fatalf("import read: %v", err)
	}
	if _, err := s.NamespaceSecret(ns.Id()); !docserr.Is(err, docserr.KindReadOnly) {
		t.Fatalf("expected KindReadOnly, got %v", err)
	}
}

func TestOpenCloseReplicaRefcounts(t *testing.T) {
	s := openTestStore(t)
	ns := mustNamespace(t)
	if _, err := s.ImportNamespaceWrite(ns); err != nil {
		t.Fatalf("import write: %v", err)
	}

	refs, err := s.OpenReplica(ns.Id())
	if err != nil {
		t.Fatalf("open replica: %v", err)
	}
	if refs != 1 {
		t.Fatalf("expected refcount 1, got %d", refs)
	}
	refs, err = s.OpenReplica(ns.Id())
	if err != nil {
		t.Fatalf("open replica: %v", err)
	}
	if refs != 2 {
		t.Fatalf("expected refcount 2, got %d", refs)
	}

	refs, err = s.CloseReplica(ns.Id())
	if err != nil {
		t.Fatalf("close replica: %v", err)
	}
	if refs != 1 {
		t.Fatalf("expected refcount 1 after one close, got %d", refs)
	}
	refs, err = s.CloseReplica(ns.Id())
	if err != nil {
		t.Fatalf("close replica: %v", err)
	}
	if refs != 0 {
		t.Fatalf("expected refcount 0 after second close, got %d", refs)
	}
}

func TestOpenReplicaUnknownNamespace(t *testing.T) {
	s := openTestStore(t)
	ns := mustNamespace(t)
	if _, err := s.OpenReplica(ns.Id()); !docserr.Is(err, docserr.KindNotFound) {
		t.Fatalf("expected KindNotFound for an unimported namespace, got %v", err)
	}
}

func TestRemoveReplicaCascades(t *testing.T) {
	s := openTestStore(t)
	ns := mustNamespace(t)
	if _, err := s.ImportNamespaceWrite(ns); err != nil {
		t.Fatalf("import write: %v", err)
	}
	author, err := s.NewAuthor()
	if err != nil {
		t.Fatalf("new author: %v", err)
	}
	se := signedEntry(t, ns, author, "k", []byte("v"), 1)
	if _, err := s.Upsert(se); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.RemoveReplica(ns.Id()); err != nil {
		t.Fatalf("remove replica: %v", err)
	}
	if _, err := s.NamespaceCapability(ns.Id()); !docserr.Is(err, docserr.KindNotFound) {
		t.Fatalf("expected namespace row gone after RemoveReplica, got %v", err)
	}
	got, found, err := s.GetExact(ns.Id(), author.Id(), []byte("k"), false)
	if err != nil {
		t.Fatalf("get exact: %v", err)
	}
	if found {
		t.Fatalf("expected record to be gone after RemoveReplica, got %+v", got)
	}
}

func TestNewAuthorImportGetList(t *testing.T) {
	s := openTestStore(t)
	author, err := s.NewAuthor()
	if err != nil {
		t.Fatalf("new author: %v", err)
	}
	got, err := s.GetAuthor(author.Id())
	if err != nil {
		t.Fatalf("get author: %v", err)
	}
	if got.Id() != author.Id() {
		t.Fatalf("round-tripped author has wrong id")
	}
	ids, err := s.ListAuthors()
	if err != nil {
		t.Fatalf("list authors: %v", err)
	}
	if len(ids) != 1 || ids[0] != author.Id() {
		t.Fatalf("expected exactly the one imported author, got %v", ids)
	}
}

func TestDeleteAuthorRefusedWhileReferenced(t *testing.T) {
	s := openTestStore(t)
	ns := mustNamespace(t)
	if _, err := s.ImportNamespaceWrite(ns); err != nil {
		t.Fatalf("import write: %v", err)
	}
	author, err := s.NewAuthor()
	if err != nil {
		t.Fatalf("new author: %v", err)
	}
	se := signedEntry(t, ns, author, "k", []byte("v"), 1)
	if _, err := s.Upsert(se); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.DeleteAuthor(author.Id()); err == nil {
		t.Fatalf("expected DeleteAuthor to refuse while a record references the author")
	}
}

func TestDeleteAuthorSucceedsWhenUnreferenced(t *testing.T) {
	s := openTestStore(t)
	author, err := s.NewAuthor()
	if err != nil {
		t.Fatalf("new author: %v", err)
	}
	if err := s.DeleteAuthor(author.Id()); err != nil {
		t.Fatalf("delete author: %v", err)
	}
	if _, err := s.GetAuthor(author.Id()); !docserr.Is(err, docserr.KindNotFound) {
		t.Fatalf("expected author gone, got %v", err)
	}
}

func TestDefaultAuthorDanglingTreatedAsUnset(t *testing.T) {
	s := openTestStore(t)
	author, err := s.NewAuthor()
	if err != nil {
		t.Fatalf("new author: %v", err)
	}
	if err := s.SetDefaultAuthor(author.Id()); err != nil {
		t.Fatalf("set default author: %v", err)
	}
	if err := s.DeleteAuthor(author.Id()); err != nil {
		t.Fatalf("delete author: %v", err)
	}

	_, found, err := s.DefaultAuthor()
	if err != nil {
		t.Fatalf("default author: %v", err)
	}
	if found {
		t.Fatalf("expected a dangling default-author pointer to report unset")
	}
}

func TestUpsertLWWOlderRejected(t *testing.T) {
	s := openTestStore(t)
	ns := mustNamespace(t)
	if _, err := s.ImportNamespaceWrite(ns); err != nil {
		t.Fatalf("import write: %v", err)
	}
	author, err := s.NewAuthor()
	if err != nil {
		t.Fatalf("new author: %v", err)
	}

	newer := signedEntry(t, ns, author, "k", []byte("v2"), 10)
	older := signedEntry(t, ns, author, "k", []byte("v1"), 5)

	accepted, err := s.Upsert(newer)
	if err != nil {
		t.Fatalf("upsert newer: %v", err)
	}
	if !accepted {
		t.Fatalf("expected the first write to be accepted")
	}

	accepted, err = s.Upsert(older)
	if err != nil {
		t.Fatalf("upsert older: %v", err)
	}
	if accepted {
		t.Fatalf("expected an older write to be rejected")
	}

	got, found, err := s.GetExact(ns.Id(), author.Id(), []byte("k"), false)
	if err != nil {
		t.Fatalf("get exact: %v", err)
	}
	if !found {
		t.Fatalf("expected a row to remain")
	}
	if got.Entry.Record.Timestamp != 10 {
		t.Fatalf("expected the newer row to survive, got timestamp %d", got.Entry.Record.Timestamp)
	}
}

func TestUpsertAdvancesAuthorHead(t *testing.T) {
	s := openTestStore(t)
	ns := mustNamespace(t)
	if _, err := s.ImportNamespaceWrite(ns); err != nil {
		t.Fatalf("import write: %v", err)
	}
	author, err := s.NewAuthor()
	if err != nil {
		t.Fatalf("new author: %v", err)
	}

	if _, err := s.Upsert(signedEntry(t, ns, author, "a", []byte("v"), 3)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.Upsert(signedEntry(t, ns, author, "b", []byte("v"), 7)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.Upsert(signedEntry(t, ns, author, "c", []byte("v"), 2)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	heads, err := s.AuthorHeads(ns.Id())
	if err != nil {
		t.Fatalf("author heads: %v", err)
	}
	if heads[author.Id()] != 7 {
		t.Fatalf("expected author head 7 (the max timestamp written), got %d", heads[author.Id()])
	}
}

func TestContentHashesDeduplicates(t *testing.T) {
	s := openTestStore(t)
	ns := mustNamespace(t)
	if _, err := s.ImportNamespaceWrite(ns); err != nil {
		t.Fatalf("import write: %v", err)
	}
	author, err := s.NewAuthor()
	if err != nil {
		t.Fatalf("new author: %v", err)
	}

	if _, err := s.Upsert(signedEntry(t, ns, author, "a", []byte("same"), 1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.Upsert(signedEntry(t, ns, author, "b", []byte("same"), 2)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.Upsert(signedEntry(t, ns, author, "c", []byte("different"), 3)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hashes, err := s.ContentHashes()
	if err != nil {
		t.Fatalf("content hashes: %v", err)
	}
	if len(hashes) != 2 {
		t.Fatalf("expected 2 distinct content hashes, got %d", len(hashes))
	}
}

func TestRegisterAndGetSyncPeers(t *testing.T) {
	s := openTestStore(t)
	ns := mustNamespace(t)
	if _, err := s.ImportNamespaceWrite(ns); err != nil {
		t.Fatalf("import write: %v", err)
	}

	var p1, p2, p3 [32]byte
	p1[0], p2[0], p3[0] = 1, 2, 3

	if err := s.RegisterUsefulPeer(ns.Id(), p1); err != nil {
		t.Fatalf("register peer: %v", err)
	}
	if err := s.RegisterUsefulPeer(ns.Id(), p2); err != nil {
		t.Fatalf("register peer: %v", err)
	}
	if err := s.RegisterUsefulPeer(ns.Id(), p3); err != nil {
		t.Fatalf("register peer: %v", err)
	}

	peers, err := s.GetSyncPeers(ns.Id())
	if err != nil {
		t.Fatalf("get sync peers: %v", err)
	}
	if len(peers) != 3 || peers[0] != p3 {
		t.Fatalf("expected most-recently-registered peer first, got %v", peers)
	}
}
