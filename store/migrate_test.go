package store

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/gholt-successor/docs/docscfg"
	"github.com/gholt-successor/docs/docslog"
	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/keys"
)

func TestMigrateFreshDatabaseStampsCurrentVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.db")
	s, err := Open(path, docscfg.Default(), docslog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	var stamped int
	if err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(TableVersion)).Get(versionKey)
		stamped = int(binary.BigEndian.Uint32(raw))
		return nil
	}); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if stamped != currentSchemaVersion {
		t.Fatalf("expected a fresh database to be stamped at version %d, got %d", currentSchemaVersion, stamped)
	}
}

func TestMigrateFromVersion1RebuildsAuthorHeads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.db")

	ns, err := keys.NewNamespace()
	if err != nil {
		t.Fatalf("new namespace: %v", err)
	}
	author, err := keys.NewAuthor()
	if err != nil {
		t.Fatalf("new author: %v", err)
	}
	e := entry.Entry{
		Identifier: entry.Identifier{Namespace: ns.Id(), Author: author.Id(), Key: []byte("k")},
		Record:     entry.Record{Hash: entry.HashBytes([]byte("v")), Length: 1, Timestamp: 42},
	}
	se := entry.Sign(ns, author, e)

	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		t.Fatalf("bbolt open: %v", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allTables {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		if err := tx.Bucket([]byte(TableRecords)).Put(recordKey(e.Identifier), encodeRecordValue(se)); err != nil {
			return err
		}
		return tx.Bucket([]byte(TableVersion)).Put(versionKey, encodeVersion(1))
	}); err != nil {
		t.Fatalf("seed legacy database: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close legacy database: %v", err)
	}

	s, err := Open(path, docscfg.Default(), docslog.Nop())
	if err != nil {
		t.Fatalf("open migrated database: %v", err)
	}
	defer s.Close()

	heads, err := s.AuthorHeads(ns.Id())
	if err != nil {
		t.Fatalf("author heads: %v", err)
	}
	if heads[author.Id()] != 42 {
		t.Fatalf("expected rebuildAuthorHeads to recover timestamp 42, got %d", heads[author.Id()])
	}
}

func TestMigrateRefusesNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.db")

	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		t.Fatalf("bbolt open: %v", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allTables {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return tx.Bucket([]byte(TableVersion)).Put(versionKey, encodeVersion(currentSchemaVersion+1))
	}); err != nil {
		t.Fatalf("seed future-versioned database: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close future-versioned database: %v", err)
	}

	if _, err := Open(path, docscfg.Default(), docslog.Nop()); err == nil {
		t.Fatalf("expected Open to refuse a database stamped with a newer schema version")
	}
}
