// Package entry defines the record identity, canonical encoding, and
// validity rules for documents in the docs core.
package entry

import (
	"bytes"
	"encoding/binary"

	"github.com/gholt-successor/docs/keys"
	"lukechampine.com/blake3"
)

// HashSize is the byte length of a BLAKE3 content hash.
const HashSize = 32

// Hash is a 32-byte BLAKE3 digest of a blob's content.
type Hash [HashSize]byte

// HashBytes computes the BLAKE3 hash of content.
func HashBytes(content []byte) Hash {
	return Hash(blake3.Sum256(content))
}

// EmptyHash is the hash of the empty byte string, the hash every tombstone
// must carry.
var EmptyHash = HashBytes(nil)

func (h Hash) Bytes() []byte { return h[:] }

// Less reports whether h sorts lexicographically before other; used as the
// LWW tie-break and to order content hash listings.
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

// Identifier is the triple (namespace, author, key) that the storage index
// orders on: the lexicographic order of namespace||author||key.
type Identifier struct {
	Namespace keys.NamespaceId
	Author    keys.AuthorId
	Key       []byte
}

// Compare orders two identifiers by namespace||author||key, the storage
// index's sort order.
func (id Identifier) Compare(other Identifier) int {
	if c := bytes.Compare(id.Namespace[:], other.Namespace[:]); c != 0 {
		return c
	}
	if c := bytes.Compare(id.Author[:], other.Author[:]); c != 0 {
		return c
	}
	return bytes.Compare(id.Key, other.Key)
}

// IndexKey returns the concatenated namespace||author||key bytes that the
// storage index uses as its sort/lookup key.
func (id Identifier) IndexKey() []byte {
	buf := make([]byte, 0, len(id.Namespace)+len(id.Author)+len(id.Key))
	buf = append(buf, id.Namespace[:]...)
	buf = append(buf, id.Author[:]...)
	buf = append(buf, id.Key...)
	return buf
}

// Record is a content descriptor: what the (namespace, author, key) tuple
// currently points at.
type Record struct {
	Hash      Hash
	Length    uint64
	Timestamp uint64 // microseconds since Unix epoch
}

// IsEmpty reports whether this record is a tombstone: zero length and the
// hash of the empty string.
func (r Record) IsEmpty() bool {
	return r.Length == 0 && r.Hash == EmptyHash
}

// EmptyRecord builds a tombstone record at the given timestamp.
func EmptyRecord(timestamp uint64) Record {
	return Record{Hash: EmptyHash, Length: 0, Timestamp: timestamp}
}

// Entry pairs an identifier with the record currently at it.
type Entry struct {
	Identifier Identifier
	Record     Record
}

// IsEmpty reports whether this entry is a tombstone.
func (e Entry) IsEmpty() bool { return e.Record.IsEmpty() }

// Canonical returns the fixed-layout byte encoding that is both the signing
// domain and the fingerprint hash input:
//
//	namespace(32) || author(32) || key_len(u32 BE) || key || hash(32) || length(u64 BE) || timestamp(u64 BE)
func (e Entry) Canonical() []byte {
	id := e.Identifier
	buf := make([]byte, 0, 32+32+4+len(id.Key)+32+8+8)
	buf = append(buf, id.Namespace[:]...)
	buf = append(buf, id.Author[:]...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(id.Key)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, id.Key...)
	buf = append(buf, e.Record.Hash[:]...)
	var n64 [8]byte
	binary.BigEndian.PutUint64(n64[:], e.Record.Length)
	buf = append(buf, n64[:]...)
	binary.BigEndian.PutUint64(n64[:], e.Record.Timestamp)
	buf = append(buf, n64[:]...)
	return buf
}

// Less orders entries by LWW precedence: greater timestamp wins, ties
// broken by lexicographically greater hash. Less reports whether e
// should be replaced by other.
func (e Entry) Less(other Entry) bool {
	if e.Record.Timestamp != other.Record.Timestamp {
		return e.Record.Timestamp < other.Record.Timestamp
	}
	return e.Record.Hash.Less(other.Record.Hash)
}
