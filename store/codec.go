package store

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/keys"
	"github.com/gholt-successor/docs/policy"
)

// recordKey builds the records/latest_per_author bucket key: the index's
// lex order is namespace||author||key.
func recordKey(id entry.Identifier) []byte {
	return id.IndexKey()
}

func authorHeadKey(ns keys.NamespaceId, author keys.AuthorId) []byte {
	buf := make([]byte, 0, keys.PublicKeySize*2)
	buf = append(buf, ns[:]...)
	buf = append(buf, author[:]...)
	return buf
}

func putBytesField(buf *bytes.Buffer, b []byte) {
	var lenB [4]byte
	binary.BigEndian.PutUint32(lenB[:], uint32(len(b)))
	buf.Write(lenB[:])
	buf.Write(b)
}

func readBytesField(r *bytes.Reader) ([]byte, error) {
	var lenB [4]byte
	if _, err := r.Read(lenB[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenB[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// encodeRecordValue serializes everything about a signed entry that isn't
// already part of its bucket key: the record fields and both signatures.
func encodeRecordValue(se entry.SignedEntry) []byte {
	var buf bytes.Buffer
	buf.Write(se.Entry.Record.Hash[:])
	var n64 [8]byte
	binary.BigEndian.PutUint64(n64[:], se.Entry.Record.Length)
	buf.Write(n64[:])
	binary.BigEndian.PutUint64(n64[:], se.Entry.Record.Timestamp)
	buf.Write(n64[:])
	putBytesField(&buf, se.NamespaceSig)
	putBytesField(&buf, se.AuthorSig)
	return buf.Bytes()
}

// decodeRecordValue rebuilds the SignedEntry for id from its stored value.
func decodeRecordValue(id entry.Identifier, value []byte) (entry.SignedEntry, error) {
	r := bytes.NewReader(value)
	var hash entry.Hash
	if _, err := r.Read(hash[:]); err != nil {
		return entry.SignedEntry{}, fmt.Errorf("store: decode record hash: %w", err)
	}
	var n64 [8]byte
	if _, err := r.Read(n64[:]); err != nil {
		return entry.SignedEntry{}, fmt.Errorf("store: decode record length: %w", err)
	}
	length := binary.BigEndian.Uint64(n64[:])
	if _, err := r.Read(n64[:]); err != nil {
		return entry.SignedEntry{}, fmt.Errorf("store: decode record timestamp: %w", err)
	}
	timestamp := binary.BigEndian.Uint64(n64[:])
	nsSig, err := readBytesField(r)
	if err != nil {
		return entry.SignedEntry{}, fmt.Errorf("store: decode namespace sig: %w", err)
	}
	authorSig, err := readBytesField(r)
	if err != nil {
		return entry.SignedEntry{}, fmt.Errorf("store: decode author sig: %w", err)
	}
	return entry.SignedEntry{
		Entry: entry.Entry{
			Identifier: id,
			Record:     entry.Record{Hash: hash, Length: length, Timestamp: timestamp},
		},
		NamespaceSig: nsSig,
		AuthorSig:    authorSig,
	}, nil
}

// identifierFromRecordKey splits a records-bucket key back into its
// namespace/author/key parts.
func identifierFromRecordKey(k []byte) (entry.Identifier, error) {
	if len(k) < keys.PublicKeySize*2 {
		return entry.Identifier{}, fmt.Errorf("store: truncated record key")
	}
	var ns keys.NamespaceId
	var author keys.AuthorId
	copy(ns[:], k[:keys.PublicKeySize])
	copy(author[:], k[keys.PublicKeySize:keys.PublicKeySize*2])
	key := append([]byte(nil), k[keys.PublicKeySize*2:]...)
	return entry.Identifier{Namespace: ns, Author: author, Key: key}, nil
}

const (
	capabilityRead  = byte(0)
	capabilityWrite = byte(1)
)

// encodeNamespaceValue stores the capability tag and, for Write capability,
// the 32-byte ed25519 seed needed to reconstitute the signing key.
func encodeNamespaceValue(capability keys.Capability, seed []byte) []byte {
	if capability == keys.Write {
		buf := make([]byte, 1+len(seed))
		buf[0] = capabilityWrite
		copy(buf[1:], seed)
		return buf
	}
	return []byte{capabilityRead}
}

func decodeNamespaceValue(v []byte) (capability keys.Capability, seed []byte, err error) {
	if len(v) == 0 {
		return 0, nil, fmt.Errorf("store: empty namespace value")
	}
	if v[0] == capabilityWrite {
		return keys.Write, append([]byte(nil), v[1:]...), nil
	}
	return keys.Read, nil, nil
}

func encodeDownloadPolicy(p policy.DownloadPolicy) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(p.Kind))
	var n32 [4]byte
	binary.BigEndian.PutUint32(n32[:], uint32(len(p.Filters)))
	buf.Write(n32[:])
	for _, f := range p.Filters {
		buf.WriteByte(byte(f.Kind))
		putBytesField(&buf, f.Bytes)
	}
	return buf.Bytes()
}

func decodeDownloadPolicy(v []byte) (policy.DownloadPolicy, error) {
	if len(v) == 0 {
		return policy.Default(), nil
	}
	r := bytes.NewReader(v)
	kindB, err := r.ReadByte()
	if err != nil {
		return policy.DownloadPolicy{}, err
	}
	var n32 [4]byte
	if _, err := r.Read(n32[:]); err != nil {
		return policy.DownloadPolicy{}, err
	}
	n := binary.BigEndian.Uint32(n32[:])
	filters := make([]policy.KeyFilter, 0, n)
	for i := uint32(0); i < n; i++ {
		fKindB, err := r.ReadByte()
		if err != nil {
			return policy.DownloadPolicy{}, err
		}
		fBytes, err := readBytesField(r)
		if err != nil {
			return policy.DownloadPolicy{}, err
		}
		filters = append(filters, policy.KeyFilter{Kind: policy.KeyFilterKind(fKindB), Bytes: fBytes})
	}
	return policy.DownloadPolicy{Kind: policy.Kind(kindB), Filters: filters}, nil
}
