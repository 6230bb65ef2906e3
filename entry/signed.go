package entry

import (
	"time"

	"github.com/gholt-successor/docs/docserr"
	"github.com/gholt-successor/docs/keys"
)

// DefaultMaxSkew is the default allowance for how far a signed entry's
// timestamp may sit in the future of the local wall clock.
const DefaultMaxSkew = 10 * time.Minute

// SignedEntry is an Entry together with both signatures that authenticate
// it: one from the namespace key, one from the author key.
type SignedEntry struct {
	Entry        Entry
	NamespaceSig []byte
	AuthorSig    []byte
}

// Sign produces a SignedEntry for e, signed by both keypairs. The caller is
// responsible for ensuring ns.Id() and author.Id() match e.Identifier.
func Sign(ns keys.NamespaceSecret, author keys.AuthorSecret, e Entry) SignedEntry {
	canonical := e.Canonical()
	return SignedEntry{
		Entry:        e,
		NamespaceSig: ns.Sign(canonical),
		AuthorSig:    author.Sign(canonical),
	}
}

// Verify checks the full validity predicate:
//
//   - the length/hash emptiness rule holds (EmptyEntry)
//   - both signatures verify under the declared namespace and author keys
//     (SignatureInvalid / NamespaceMismatch)
//   - the timestamp is not more than maxSkew beyond now (TooFarInTheFuture)
//
// namespace is the expected namespace for this replica; a SignedEntry
// whose Identifier.Namespace differs fails with NamespaceMismatch.
func (se SignedEntry) Verify(namespace keys.NamespaceId, now time.Time, maxSkew time.Duration) error {
	const op = "entry.verify"

	id := se.Entry.Identifier
	if id.Namespace != namespace {
		return docserr.New(docserr.KindNamespaceMismatch, op, "entry namespace does not match replica")
	}

	rec := se.Entry.Record
	emptyLen := rec.Length == 0
	emptyHash := rec.Hash == EmptyHash
	if emptyLen != emptyHash {
		return docserr.New(docserr.KindEmptyEntry, op, "length/hash emptiness mismatch")
	}

	canonical := se.Entry.Canonical()
	if !keys.VerifyNamespace(id.Namespace, canonical, se.NamespaceSig) {
		return docserr.New(docserr.KindSignatureInvalid, op, "namespace signature invalid")
	}
	if !keys.VerifyAuthor(id.Author, canonical, se.AuthorSig) {
		return docserr.New(docserr.KindSignatureInvalid, op, "author signature invalid")
	}

	limit := uint64(now.Add(maxSkew).UnixMicro())
	if rec.Timestamp > limit {
		return docserr.New(docserr.KindTooFarInTheFuture, op, "timestamp exceeds allowed skew")
	}

	return nil
}
