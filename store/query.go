package store

import (
	"bytes"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/gholt-successor/docs/docserr"
	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/keys"
)

// AuthorFilterKind discriminates a Query's author match rule.
type AuthorFilterKind int

const (
	AuthorAny AuthorFilterKind = iota
	AuthorExact
)

// AuthorFilter matches an author by exact id or unconditionally.
type AuthorFilter struct {
	Kind   AuthorFilterKind
	Author keys.AuthorId
}

// KeyFilterKind discriminates a Query's key match rule.
type KeyFilterKind int

const (
	KeyAny KeyFilterKind = iota
	KeyExact
	KeyPrefix
)

// KeyFilter matches a key by exact value, by prefix, or unconditionally.
type KeyFilter struct {
	Kind KeyFilterKind
	Key  []byte
}

// SortField is the pair of columns a Query can order by.
type SortField int

const (
	SortKeyAuthor SortField = iota
	SortAuthorKey
)

// SortOrder is ascending or descending.
type SortOrder int

const (
	Asc SortOrder = iota
	Desc
)

// Query selects and orders a slice of a namespace's entries.
type Query struct {
	Author       AuthorFilter
	Key          KeyFilter
	Sort         SortField
	Order        SortOrder
	Offset       uint64
	Limit        *uint64
	IncludeEmpty bool
	LatestPerKey bool
}

func (q Query) matches(id entry.Identifier) bool {
	switch q.Author.Kind {
	case AuthorExact:
		if id.Author != q.Author.Author {
			return false
		}
	}
	switch q.Key.Kind {
	case KeyExact:
		if !bytes.Equal(id.Key, q.Key.Key) {
			return false
		}
	case KeyPrefix:
		if !bytes.HasPrefix(id.Key, q.Key.Key) {
			return false
		}
	}
	return true
}

// GetExact returns at most one signed entry for (namespace, author, key).
func (s *Store) GetExact(ns keys.NamespaceId, author keys.AuthorId, key []byte, includeEmpty bool) (entry.SignedEntry, bool, error) {
	id := entry.Identifier{Namespace: ns, Author: author, Key: key}
	var (
		found bool
		se    entry.SignedEntry
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(TableRecords)).Get(recordKey(id))
		if v == nil {
			return nil
		}
		decoded, err := decodeRecordValue(id, v)
		if err != nil {
			return err
		}
		if decoded.Entry.IsEmpty() && !includeEmpty {
			return nil
		}
		se = decoded
		found = true
		return nil
	})
	if err != nil {
		return entry.SignedEntry{}, false, docserr.Wrap(docserr.KindStorage, "store.get_exact", err)
	}
	return se, found, nil
}

// GetMany evaluates q against ns's records within a single read
// transaction and returns the matching, sorted, paginated result as a
// stable slice, observing one consistent snapshot without pinning the
// transaction open for the caller's iteration lifetime.
func (s *Store) GetMany(ns keys.NamespaceId, q Query) ([]entry.SignedEntry, error) {
	var matched []entry.SignedEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(TableRecords)).Cursor()
		prefix := ns[:]
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			ident, err := identifierFromRecordKey(k)
			if err != nil {
				return err
			}
			if !q.matches(ident) {
				continue
			}
			se, err := decodeRecordValue(ident, v)
			if err != nil {
				return err
			}
			if se.Entry.IsEmpty() && !q.IncludeEmpty {
				continue
			}
			matched = append(matched, se)
		}
		return nil
	})
	if err != nil {
		return nil, docserr.Wrap(docserr.KindStorage, "store.get_many", err)
	}

	if q.LatestPerKey {
		matched = collapseLatestPerKey(matched)
	}

	sortEntries(matched, q.Sort, q.Order)

	offset := int(q.Offset)
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if q.Limit != nil && uint64(len(matched)) > *q.Limit {
		matched = matched[:*q.Limit]
	}
	return matched, nil
}

func collapseLatestPerKey(entries []entry.SignedEntry) []entry.SignedEntry {
	winners := make(map[string]entry.SignedEntry)
	for _, se := range entries {
		key := string(se.Entry.Identifier.Key)
		cur, ok := winners[key]
		if !ok || cur.Entry.Less(se.Entry) {
			winners[key] = se
		}
	}
	out := make([]entry.SignedEntry, 0, len(winners))
	for _, se := range winners {
		out = append(out, se)
	}
	return out
}

func sortEntries(entries []entry.SignedEntry, field SortField, order SortOrder) {
	less := func(i, j int) bool {
		a, b := entries[i].Entry.Identifier, entries[j].Entry.Identifier
		var cmp int
		switch field {
		case SortAuthorKey:
			if c := bytes.Compare(a.Author[:], b.Author[:]); c != 0 {
				cmp = c
			} else {
				cmp = bytes.Compare(a.Key, b.Key)
			}
		default: // SortKeyAuthor
			if c := bytes.Compare(a.Key, b.Key); c != 0 {
				cmp = c
			} else {
				cmp = bytes.Compare(a.Author[:], b.Author[:])
			}
		}
		if order == Desc {
			return cmp > 0
		}
		return cmp < 0
	}
	sort.SliceStable(entries, less)
}

// Snapshot is an owned, read-only view of the index whose reads remain
// stable across concurrent writes, backed by a single bbolt read
// transaction held until Close.
type Snapshot struct {
	tx *bbolt.Tx
}

// Snapshot opens a new read-only view. The caller must Close it.
func (s *Store) Snapshot() (*Snapshot, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, docserr.Wrap(docserr.KindStorage, "store.snapshot", err)
	}
	return &Snapshot{tx: tx}, nil
}

// Close releases the snapshot's underlying transaction.
func (sn *Snapshot) Close() error {
	return sn.tx.Rollback()
}

// GetExact reads within the snapshot's fixed point in time.
func (sn *Snapshot) GetExact(ns keys.NamespaceId, author keys.AuthorId, key []byte, includeEmpty bool) (entry.SignedEntry, bool, error) {
	id := entry.Identifier{Namespace: ns, Author: author, Key: key}
	v := sn.tx.Bucket([]byte(TableRecords)).Get(recordKey(id))
	if v == nil {
		return entry.SignedEntry{}, false, nil
	}
	decoded, err := decodeRecordValue(id, v)
	if err != nil {
		return entry.SignedEntry{}, false, docserr.Wrap(docserr.KindStorage, "snapshot.get_exact", err)
	}
	if decoded.Entry.IsEmpty() && !includeEmpty {
		return entry.SignedEntry{}, false, nil
	}
	return decoded, true, nil
}

// GetMany evaluates q within the snapshot's fixed point in time.
func (sn *Snapshot) GetMany(ns keys.NamespaceId, q Query) ([]entry.SignedEntry, error) {
	var matched []entry.SignedEntry
	c := sn.tx.Bucket([]byte(TableRecords)).Cursor()
	prefix := ns[:]
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		ident, err := identifierFromRecordKey(k)
		if err != nil {
			return nil, docserr.Wrap(docserr.KindStorage, "snapshot.get_many", err)
		}
		if !q.matches(ident) {
			continue
		}
		se, err := decodeRecordValue(ident, v)
		if err != nil {
			return nil, docserr.Wrap(docserr.KindStorage, "snapshot.get_many", err)
		}
		if se.Entry.IsEmpty() && !q.IncludeEmpty {
			continue
		}
		matched = append(matched, se)
	}
	if q.LatestPerKey {
		matched = collapseLatestPerKey(matched)
	}
	sortEntries(matched, q.Sort, q.Order)
	offset := int(q.Offset)
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if q.Limit != nil && uint64(len(matched)) > *q.Limit {
		matched = matched[:*q.Limit]
	}
	return matched, nil
}
