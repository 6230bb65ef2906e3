package recon

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/keys"
)

// Kind discriminates the wire Message variants.
type Kind byte

const (
	KindAuthorHeads Kind = iota
	KindInitialFingerprint
	KindRangeFingerprints
	KindRangeItems
	KindDone
	KindAbort
)

// RangeSummary is one child range's descriptor as exchanged during a Split
// response: the range itself, its fingerprint, and its item count.
type RangeSummary struct {
	Range       Range
	Fingerprint Fingerprint
	Count       uint64
}

// Message is the tagged union of everything exchanged over a reconciliation
// session. Exactly one of the variant fields is meaningful per Kind.
type Message struct {
	Kind Kind

	// KindAuthorHeads
	AuthorHeads map[keys.AuthorId]uint64

	// KindInitialFingerprint
	InitialRange       Range
	InitialFingerprint Fingerprint
	InitialCount       uint64

	// KindRangeFingerprints
	Summaries []RangeSummary

	// KindRangeItems
	ItemsRange Range
	Items      []entry.SignedEntry

	// KindAbort
	Reason string
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func putIdentifier(buf *bytes.Buffer, id entry.Identifier) {
	buf.Write(id.Author[:])
	putBytes(buf, id.Key)
}

func readN(r *bytes.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("recon: short read: wanted %d: %w", n, err)
	}
	return b, nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	b, err := readN(r, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	b, err := readN(r, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	return readN(r, int(n))
}

func readIdentifier(r *bytes.Reader, namespace keys.NamespaceId) (entry.Identifier, error) {
	authorB, err := readN(r, keys.PublicKeySize)
	if err != nil {
		return entry.Identifier{}, err
	}
	key, err := readBytes(r)
	if err != nil {
		return entry.Identifier{}, err
	}
	var author keys.AuthorId
	copy(author[:], authorB)
	return entry.Identifier{Namespace: namespace, Author: author, Key: key}, nil
}

func putRange(buf *bytes.Buffer, r Range) {
	if r.Full {
		buf.WriteByte(1)
		return
	}
	buf.WriteByte(0)
	putIdentifier(buf, r.X)
	putIdentifier(buf, r.Y)
}

func readRange(r *bytes.Reader, namespace keys.NamespaceId) (Range, error) {
	full, err := r.ReadByte()
	if err != nil {
		return Range{}, err
	}
	if full == 1 {
		return FullRange(), nil
	}
	x, err := readIdentifier(r, namespace)
	if err != nil {
		return Range{}, err
	}
	y, err := readIdentifier(r, namespace)
	if err != nil {
		return Range{}, err
	}
	return Range{X: x, Y: y}, nil
}

func putSignedEntry(buf *bytes.Buffer, se entry.SignedEntry) {
	id := se.Entry.Identifier
	buf.Write(id.Namespace[:])
	buf.Write(id.Author[:])
	putBytes(buf, id.Key)
	buf.Write(se.Entry.Record.Hash[:])
	putUint64(buf, se.Entry.Record.Length)
	putUint64(buf, se.Entry.Record.Timestamp)
	putBytes(buf, se.NamespaceSig)
	putBytes(buf, se.AuthorSig)
}

func readSignedEntry(r *bytes.Reader) (entry.SignedEntry, error) {
	nsB, err := readN(r, keys.PublicKeySize)
	if err != nil {
		return entry.SignedEntry{}, err
	}
	authorB, err := readN(r, keys.PublicKeySize)
	if err != nil {
		return entry.SignedEntry{}, err
	}
	key, err := readBytes(r)
	if err != nil {
		return entry.SignedEntry{}, err
	}
	hashB, err := readN(r, entry.HashSize)
	if err != nil {
		return entry.SignedEntry{}, err
	}
	length, err := readUint64(r)
	if err != nil {
		return entry.SignedEntry{}, err
	}
	ts, err := readUint64(r)
	if err != nil {
		return entry.SignedEntry{}, err
	}
	nsSig, err := readBytes(r)
	if err != nil {
		return entry.SignedEntry{}, err
	}
	authorSig, err := readBytes(r)
	if err != nil {
		return entry.SignedEntry{}, err
	}

	var ns keys.NamespaceId
	copy(ns[:], nsB)
	var author keys.AuthorId
	copy(author[:], authorB)
	var hash entry.Hash
	copy(hash[:], hashB)

	return entry.SignedEntry{
		Entry: entry.Entry{
			Identifier: entry.Identifier{Namespace: ns, Author: author, Key: key},
			Record:     entry.Record{Hash: hash, Length: length, Timestamp: ts},
		},
		NamespaceSig: nsSig,
		AuthorSig:    authorSig,
	}, nil
}

// Encode serializes m into the compact, deterministic wire form framed by
// package framing.
func (m Message) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Kind))

	switch m.Kind {
	case KindAuthorHeads:
		authors := make([]keys.AuthorId, 0, len(m.AuthorHeads))
		for a := range m.AuthorHeads {
			authors = append(authors, a)
		}
		sort.Slice(authors, func(i, j int) bool { return bytes.Compare(authors[i][:], authors[j][:]) < 0 })
		putUint32(&buf, uint32(len(authors)))
		for _, a := range authors {
			buf.Write(a[:])
			putUint64(&buf, m.AuthorHeads[a])
		}
	case KindInitialFingerprint:
		putRange(&buf, m.InitialRange)
		buf.Write(m.InitialFingerprint[:])
		putUint64(&buf, m.InitialCount)
	case KindRangeFingerprints:
		putUint32(&buf, uint32(len(m.Summaries)))
		for _, s := range m.Summaries {
			putRange(&buf, s.Range)
			buf.Write(s.Fingerprint[:])
			putUint64(&buf, s.Count)
		}
	case KindRangeItems:
		putRange(&buf, m.ItemsRange)
		putUint32(&buf, uint32(len(m.Items)))
		for _, se := range m.Items {
			putSignedEntry(&buf, se)
		}
	case KindDone:
		// no payload
	case KindAbort:
		putBytes(&buf, []byte(m.Reason))
	}
	return buf.Bytes()
}

// Decode parses a wire Message. namespace is the session's namespace,
// needed to reconstitute Identifier values whose Namespace field is
// omitted from the wire encoding of ranges (it's constant per session).
func Decode(payload []byte, namespace keys.NamespaceId) (Message, error) {
	r := bytes.NewReader(payload)
	kindB, err := r.ReadByte()
	if err != nil {
		return Message{}, fmt.Errorf("recon: decode kind: %w", err)
	}
	m := Message{Kind: Kind(kindB)}

	switch m.Kind {
	case KindAuthorHeads:
		n, err := readUint32(r)
		if err != nil {
			return Message{}, err
		}
		m.AuthorHeads = make(map[keys.AuthorId]uint64, n)
		for i := uint32(0); i < n; i++ {
			authorB, err := readN(r, keys.PublicKeySize)
			if err != nil {
				return Message{}, err
			}
			ts, err := readUint64(r)
			if err != nil {
				return Message{}, err
			}
			var a keys.AuthorId
			copy(a[:], authorB)
			m.AuthorHeads[a] = ts
		}
	case KindInitialFingerprint:
		rg, err := readRange(r, namespace)
		if err != nil {
			return Message{}, err
		}
		fpB, err := readN(r, 32)
		if err != nil {
			return Message{}, err
		}
		count, err := readUint64(r)
		if err != nil {
			return Message{}, err
		}
		m.InitialRange = rg
		copy(m.InitialFingerprint[:], fpB)
		m.InitialCount = count
	case KindRangeFingerprints:
		n, err := readUint32(r)
		if err != nil {
			return Message{}, err
		}
		m.Summaries = make([]RangeSummary, 0, n)
		for i := uint32(0); i < n; i++ {
			rg, err := readRange(r, namespace)
			if err != nil {
				return Message{}, err
			}
			fpB, err := readN(r, 32)
			if err != nil {
				return Message{}, err
			}
			count, err := readUint64(r)
			if err != nil {
				return Message{}, err
			}
			var fp Fingerprint
			copy(fp[:], fpB)
			m.Summaries = append(m.Summaries, RangeSummary{Range: rg, Fingerprint: fp, Count: count})
		}
	case KindRangeItems:
		rg, err := readRange(r, namespace)
		if err != nil {
			return Message{}, err
		}
		n, err := readUint32(r)
		if err != nil {
			return Message{}, err
		}
		items := make([]entry.SignedEntry, 0, n)
		for i := uint32(0); i < n; i++ {
			se, err := readSignedEntry(r)
			if err != nil {
				return Message{}, err
			}
			items = append(items, se)
		}
		m.ItemsRange = rg
		m.Items = items
	case KindDone:
		// no payload
	case KindAbort:
		reason, err := readBytes(r)
		if err != nil {
			return Message{}, err
		}
		m.Reason = string(reason)
	default:
		return Message{}, fmt.Errorf("recon: unknown message kind %d", kindB)
	}
	return m, nil
}
