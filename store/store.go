// Package store is the bbolt-backed ordered index over signed entries: the
// one piece of the docs core that owns a file on disk. It exposes the
// storage index's contract: reference-counted replica open/close,
// namespace and author management, queries over a stable snapshot, and
// the LWW compare-and-swap every insert ultimately goes through.
package store

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.etcd.io/bbolt"

	"github.com/gholt-successor/docs/docscfg"
	"github.com/gholt-successor/docs/docserr"
	"github.com/gholt-successor/docs/docslog"
	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/iface"
	"github.com/gholt-successor/docs/internal/shardmap"
	"github.com/gholt-successor/docs/keys"
	"github.com/gholt-successor/docs/metrics"
	"github.com/gholt-successor/docs/policy"
)

// Table names, one per top-level bbolt bucket, grounded on erigon-lib's
// kv table-registry style: a single place enumerating bucket names rather
// than string literals scattered through the package.
const (
	TableNamespaces      = "namespaces"
	TableAuthors         = "authors"
	TableRecords         = "records"
	TableLatestPerAuthor = "latest_per_author"
	TableDownloadPolicy  = "download_policy"
	TableUsefulPeers     = "useful_peers"
	TableDefaultAuthor   = "default_author"
	TableVersion         = "version"
)

var allTables = []string{
	TableNamespaces,
	TableAuthors,
	TableRecords,
	TableLatestPerAuthor,
	TableDownloadPolicy,
	TableUsefulPeers,
	TableDefaultAuthor,
	TableVersion,
}

// ImportResult reports what import_namespace did.
type ImportResult int

const (
	Inserted ImportResult = iota
	NoChange
	Upgraded
)

// Store is the open handle to one on-disk docs database.
type Store struct {
	db  *bbolt.DB
	cfg docscfg.Config
	log *docslog.Logger

	mu       sync.Mutex
	openRefs map[keys.NamespaceId]int

	peers *shardmap.Map[keys.NamespaceId, *lru.Cache[iface.NodeId, struct{}]]

	stopFlush chan struct{}
	flushWG   sync.WaitGroup
}

// Open opens (creating if absent) the database at path, running any
// pending schema migration inside the opening transaction so a failed
// migration never commits and the source file is left untouched: a
// migration failure refuses to open rather than leaving a half-migrated
// file behind.
func Open(path string, cfg docscfg.Config, log *docslog.Logger) (*Store, error) {
	const op = "store.open"
	if log == nil {
		log = docslog.Nop()
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, docserr.Wrap(docserr.KindStorage, op, err)
	}
	db.MaxBatchDelay = cfg.FlushInterval

	s := &Store{
		db:        db,
		cfg:       cfg,
		log:       log,
		openRefs:  make(map[keys.NamespaceId]int),
		peers:     shardmap.New[keys.NamespaceId, *lru.Cache[iface.NodeId, struct{}]](0, func(ns keys.NamespaceId) []byte { return ns[:] }),
		stopFlush: make(chan struct{}),
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allTables {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return migrate(tx, log, path)
	}); err != nil {
		_ = db.Close()
		if mErr, ok := err.(*migrationError); ok {
			log.MigrationRefused(path, mErr.from, currentSchemaVersion, mErr.cause)
			return nil, docserr.Wrap(docserr.KindStorage, op, mErr.cause)
		}
		return nil, docserr.Wrap(docserr.KindStorage, op, err)
	}

	s.flushWG.Add(1)
	go s.flushLoop()

	return s, nil
}

// Log returns the logger this store was opened with, so collaborators
// layered above it (replica, actor) log through the same sink.
func (s *Store) Log() *docslog.Logger { return s.log }

func (s *Store) flushLoop() {
	defer s.flushWG.Done()
	interval := s.cfg.FlushInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := s.db.Sync(); err == nil {
				metrics.StorageFlushes.Inc()
				metrics.StorageFlushSeconds.UpdateDuration(start)
			}
		case <-s.stopFlush:
			return
		}
	}
}

// Close flushes and closes the database. Every exit path closes the
// transaction it opened; Close itself is the final flush point.
func (s *Store) Close() error {
	close(s.stopFlush)
	s.flushWG.Wait()
	if err := s.db.Sync(); err != nil {
		return docserr.Wrap(docserr.KindStorage, "store.close", err)
	}
	if err := s.db.Close(); err != nil {
		return docserr.Wrap(docserr.KindStorage, "store.close", err)
	}
	return nil
}

// OpenReplica reference-counts an open handle on ns, failing with
// NotFound if the namespace row is absent.
func (s *Store) OpenReplica(ns keys.NamespaceId) (int, error) {
	const op = "store.open_replica"
	exists := false
	if err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(TableNamespaces))
		exists = b.Get(ns[:]) != nil
		return nil
	}); err != nil {
		return 0, docserr.Wrap(docserr.KindStorage, op, err)
	}
	if !exists {
		return 0, docserr.New(docserr.KindNotFound, op, "namespace not found")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.openRefs[ns]++
	metrics.StorageOpenReplicas.Inc()
	return s.openRefs[ns], nil
}

// CloseReplica decrements the reference count, flushing and releasing
// in-memory state once it reaches zero.
func (s *Store) CloseReplica(ns keys.NamespaceId) (int, error) {
	s.mu.Lock()
	refs := s.openRefs[ns]
	if refs > 0 {
		refs--
		s.openRefs[ns] = refs
		metrics.StorageOpenReplicas.Dec()
	}
	s.mu.Unlock()

	if refs == 0 {
		if err := s.db.Sync(); err != nil {
			return 0, docserr.Wrap(docserr.KindStorage, "store.close_replica", err)
		}
	}
	return refs, nil
}

// RemoveReplica deletes the namespace row and cascades all of its records,
// per-author aggregates, download policy, and useful-peers cache.
func (s *Store) RemoveReplica(ns keys.NamespaceId) error {
	const op = "store.remove_replica"
	err := s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(TableRecords))
		c := records.Cursor()
		prefix := ns[:]
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}

		heads := tx.Bucket([]byte(TableLatestPerAuthor))
		hc := heads.Cursor()
		for k, _ := hc.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = hc.Next() {
			if err := hc.Delete(); err != nil {
				return err
			}
		}

		if err := tx.Bucket([]byte(TableDownloadPolicy)).Delete(ns[:]); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(TableUsefulPeers)).Delete(ns[:]); err != nil {
			return err
		}
		return tx.Bucket([]byte(TableNamespaces)).Delete(ns[:])
	})
	if err != nil {
		return docserr.Wrap(docserr.KindStorage, op, err)
	}

	s.mu.Lock()
	delete(s.openRefs, ns)
	s.mu.Unlock()
	s.peers.Delete(ns)
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ImportNamespaceRead inserts a Read-capability namespace row, or leaves an
// existing Write row unchanged.
func (s *Store) ImportNamespaceRead(id keys.NamespaceId) (ImportResult, error) {
	return s.importNamespace(id, keys.Read, nil)
}

// ImportNamespaceWrite inserts (or upgrades to) a Write-capability
// namespace row from a full secret keypair.
func (s *Store) ImportNamespaceWrite(secret keys.NamespaceSecret) (ImportResult, error) {
	return s.importNamespace(secret.Id(), keys.Write, secret.Seed())
}

func (s *Store) importNamespace(id keys.NamespaceId, capability keys.Capability, seed []byte) (ImportResult, error) {
	const op = "store.import_namespace"
	result := Inserted
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(TableNamespaces))
		existing := b.Get(id[:])
		if existing != nil {
			existingCap, _, err := decodeNamespaceValue(existing)
			if err != nil {
				return err
			}
			switch {
			case existingCap == keys.Write:
				result = NoChange
				return nil
			case capability == keys.Read:
				result = NoChange
				return nil
			default:
				result = Upgraded
			}
		}
		return b.Put(id[:], encodeNamespaceValue(capability, seed))
	})
	if err != nil {
		return 0, docserr.Wrap(docserr.KindStorage, op, err)
	}
	return result, nil
}

// ListNamespaces returns every namespace row's id.
func (s *Store) ListNamespaces() ([]keys.NamespaceId, error) {
	var out []keys.NamespaceId
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(TableNamespaces)).ForEach(func(k, _ []byte) error {
			var id keys.NamespaceId
			copy(id[:], k)
			out = append(out, id)
			return nil
		})
	})
	if err != nil {
		return nil, docserr.Wrap(docserr.KindStorage, "store.list_namespaces", err)
	}
	return out, nil
}

// NamespaceCapability returns the capability this store holds for ns.
func (s *Store) NamespaceCapability(ns keys.NamespaceId) (keys.Capability, error) {
	var capability keys.Capability
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(TableNamespaces)).Get(ns[:])
		if v == nil {
			return nil
		}
		found = true
		c, _, err := decodeNamespaceValue(v)
		capability = c
		return err
	})
	if err != nil {
		return 0, docserr.Wrap(docserr.KindStorage, "store.namespace_capability", err)
	}
	if !found {
		return 0, docserr.New(docserr.KindNotFound, "store.namespace_capability", "namespace not found")
	}
	return capability, nil
}

// NamespaceSecret reconstitutes the Write keypair for ns, if this store
// holds Write capability for it.
func (s *Store) NamespaceSecret(ns keys.NamespaceId) (keys.NamespaceSecret, error) {
	const op = "store.namespace_secret"
	var seed []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(TableNamespaces)).Get(ns[:])
		if v == nil {
			return docserr.New(docserr.KindNotFound, op, "namespace not found")
		}
		capability, s, err := decodeNamespaceValue(v)
		if err != nil {
			return err
		}
		if capability != keys.Write {
			return docserr.New(docserr.KindReadOnly, op, "namespace is read-only")
		}
		seed = s
		return nil
	})
	if err != nil {
		return keys.NamespaceSecret{}, err
	}
	secret, err := keys.ImportNamespaceSecret(seed)
	if err != nil {
		return keys.NamespaceSecret{}, docserr.Wrap(docserr.KindStorage, op, err)
	}
	return secret, nil
}

// NewAuthor mints and persists a fresh author keypair.
func (s *Store) NewAuthor() (keys.AuthorSecret, error) {
	secret, err := keys.NewAuthor()
	if err != nil {
		return keys.AuthorSecret{}, docserr.Wrap(docserr.KindStorage, "store.new_author", err)
	}
	if err := s.ImportAuthor(secret); err != nil {
		return keys.AuthorSecret{}, err
	}
	return secret, nil
}

// ImportAuthor persists an author keypair the caller already holds.
func (s *Store) ImportAuthor(secret keys.AuthorSecret) error {
	id := secret.Id()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(TableAuthors)).Put(id[:], secret.Seed())
	})
	if err != nil {
		return docserr.Wrap(docserr.KindStorage, "store.import_author", err)
	}
	return nil
}

// GetAuthor reconstitutes an author's keypair.
func (s *Store) GetAuthor(id keys.AuthorId) (keys.AuthorSecret, error) {
	const op = "store.get_author"
	var seed []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(TableAuthors)).Get(id[:])
		if v == nil {
			return docserr.New(docserr.KindNotFound, op, "author not found")
		}
		seed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return keys.AuthorSecret{}, err
	}
	secret, err := keys.ImportAuthorSecret(seed)
	if err != nil {
		return keys.AuthorSecret{}, docserr.Wrap(docserr.KindStorage, op, err)
	}
	return secret, nil
}

// ListAuthors returns every persisted author id.
func (s *Store) ListAuthors() ([]keys.AuthorId, error) {
	var out []keys.AuthorId
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(TableAuthors)).ForEach(func(k, _ []byte) error {
			var id keys.AuthorId
			copy(id[:], k)
			out = append(out, id)
			return nil
		})
	})
	if err != nil {
		return nil, docserr.Wrap(docserr.KindStorage, "store.list_authors", err)
	}
	return out, nil
}

// DeleteAuthor removes an author's keypair, refusing if any record in any
// namespace still references it.
func (s *Store) DeleteAuthor(id keys.AuthorId) error {
	const op = "store.delete_author"
	err := s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(TableRecords))
		referenced := false
		_ = records.ForEach(func(k, _ []byte) error {
			ident, err := identifierFromRecordKey(k)
			if err != nil {
				return nil
			}
			if ident.Author == id {
				referenced = true
			}
			return nil
		})
		if referenced {
			return docserr.New(docserr.KindStorage, op, "author is referenced by existing records")
		}
		return tx.Bucket([]byte(TableAuthors)).Delete(id[:])
	})
	if err != nil {
		if dErr, ok := err.(*docserr.Error); ok {
			return dErr
		}
		return docserr.Wrap(docserr.KindStorage, op, err)
	}
	return nil
}

// DefaultAuthor returns the persisted default author pointer. A dangling
// pointer (the author row no longer exists) is treated as unset and
// logged, not returned as an error.
func (s *Store) DefaultAuthor() (keys.AuthorId, bool, error) {
	const op = "store.default_author"
	var id keys.AuthorId
	var set bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(TableDefaultAuthor)).Get([]byte("default"))
		if v == nil {
			return nil
		}
		copy(id[:], v)
		set = true
		return nil
	})
	if err != nil {
		return keys.AuthorId{}, false, docserr.Wrap(docserr.KindStorage, op, err)
	}
	if !set {
		return keys.AuthorId{}, false, nil
	}
	if _, err := s.GetAuthor(id); err != nil {
		if docserr.Is(err, docserr.KindNotFound) {
			s.log.DanglingDefaultAuthor(id.String())
			return keys.AuthorId{}, false, nil
		}
		return keys.AuthorId{}, false, err
	}
	return id, true, nil
}

// SetDefaultAuthor persists the default author pointer.
func (s *Store) SetDefaultAuthor(id keys.AuthorId) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(TableDefaultAuthor)).Put([]byte("default"), id[:])
	})
	if err != nil {
		return docserr.Wrap(docserr.KindStorage, "store.set_default_author", err)
	}
	return nil
}

// GetDownloadPolicy returns ns's policy, or the default if none was set.
func (s *Store) GetDownloadPolicy(ns keys.NamespaceId) (policy.DownloadPolicy, error) {
	var p policy.DownloadPolicy
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(TableDownloadPolicy)).Get(ns[:])
		decoded, err := decodeDownloadPolicy(v)
		p = decoded
		return err
	})
	if err != nil {
		return policy.DownloadPolicy{}, docserr.Wrap(docserr.KindStorage, "store.get_download_policy", err)
	}
	return p, nil
}

// SetDownloadPolicy persists ns's download policy.
func (s *Store) SetDownloadPolicy(ns keys.NamespaceId, p policy.DownloadPolicy) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(TableDownloadPolicy)).Put(ns[:], encodeDownloadPolicy(p))
	})
	if err != nil {
		return docserr.Wrap(docserr.KindStorage, "store.set_download_policy", err)
	}
	return nil
}

// AuthorHeads returns ns's per-author max-timestamp map.
func (s *Store) AuthorHeads(ns keys.NamespaceId) (map[keys.AuthorId]uint64, error) {
	heads := make(map[keys.AuthorId]uint64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(TableLatestPerAuthor)).Cursor()
		prefix := ns[:]
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var author keys.AuthorId
			copy(author[:], k[keys.PublicKeySize:])
			heads[author] = decodeUint64(v)
		}
		return nil
	})
	if err != nil {
		return nil, docserr.Wrap(docserr.KindStorage, "store.author_heads", err)
	}
	return heads, nil
}

// Upsert applies the storage index's LWW compare-and-swap: se replaces
// any existing row at its identifier only if the existing row is
// strictly older (by timestamp, then by lexicographically lesser hash).
// It also advances the per-author head aggregate. Validity
// (signatures, capability, emptiness) is the caller's concern — package
// replica — not storage's; this method only enforces the ordering
// invariant atomically.
func (s *Store) Upsert(se entry.SignedEntry) (accepted bool, err error) {
	const op = "store.upsert"
	txErr := s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(TableRecords))
		key := recordKey(se.Entry.Identifier)
		existingRaw := records.Get(key)
		if existingRaw != nil {
			existing, err := decodeRecordValue(se.Entry.Identifier, existingRaw)
			if err != nil {
				return err
			}
			if !existing.Entry.Less(se.Entry) {
				accepted = false
				return nil
			}
		}
		if err := records.Put(key, encodeRecordValue(se)); err != nil {
			return err
		}
		accepted = true

		heads := tx.Bucket([]byte(TableLatestPerAuthor))
		hk := authorHeadKey(se.Entry.Identifier.Namespace, se.Entry.Identifier.Author)
		cur := decodeUint64(heads.Get(hk))
		if se.Entry.Record.Timestamp > cur {
			return heads.Put(hk, encodeUint64(se.Entry.Record.Timestamp))
		}
		return nil
	})
	if txErr != nil {
		return false, docserr.Wrap(docserr.KindStorage, op, txErr)
	}
	return accepted, nil
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// ContentHashes returns every distinct content hash across all replicas,
// for the blob store's GC roots.
func (s *Store) ContentHashes() ([]entry.Hash, error) {
	seen := make(map[entry.Hash]struct{})
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(TableRecords)).ForEach(func(k, v []byte) error {
			ident, err := identifierFromRecordKey(k)
			if err != nil {
				return nil
			}
			se, err := decodeRecordValue(ident, v)
			if err != nil {
				return nil
			}
			seen[se.Entry.Record.Hash] = struct{}{}
			return nil
		})
	})
	if err != nil {
		return nil, docserr.Wrap(docserr.KindStorage, "store.content_hashes", err)
	}
	out := make([]entry.Hash, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}
