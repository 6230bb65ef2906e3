// Package replica holds the per-namespace in-memory state layered over the
// storage index: capability, author-head timestamps, the subscriber
// fan-out, and the validate-sign-apply path for local and remote inserts.
package replica

import (
	"context"
	"sync"
	"time"

	"github.com/gholt-successor/docs/docserr"
	"github.com/gholt-successor/docs/docslog"
	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/iface"
	"github.com/gholt-successor/docs/keys"
	"github.com/gholt-successor/docs/store"
)

// Outcome reports what InsertRemote did with an incoming entry.
type Outcome int

const (
	// Accepted means the entry replaced the prior row (or there was none).
	Accepted Outcome = iota
	// Stale means an existing row was equal or newer; a quiet no-op, not
	// an error.
	Stale
	// Invalid means the entry failed signature or skew validation and was
	// dropped locally.
	Invalid
)

// ContentStatusFunc resolves whether a hash's bytes are already available
// locally. The zero value behaves as "always Missing".
type ContentStatusFunc func(ctx context.Context, hash entry.Hash) (iface.ContentStatus, error)

// Replica is one namespace's open, in-memory state.
type Replica struct {
	backing    *store.Store
	log        *docslog.Logger
	ns         keys.NamespaceId
	capability keys.Capability
	secret     keys.NamespaceSecret // valid iff capability == keys.Write
	maxSkew    time.Duration

	mu          sync.RWMutex
	authorHeads map[keys.AuthorId]uint64

	contentStatus ContentStatusFunc

	subs *subscriberSet
}

// Open attaches to ns's storage row, loading its capability and author
// heads, and reference-counts the open via the backing store.
func Open(backing *store.Store, ns keys.NamespaceId, maxSkew time.Duration) (*Replica, error) {
	const op = "replica.open"

	if _, err := backing.OpenReplica(ns); err != nil {
		return nil, err
	}

	capability, err := backing.NamespaceCapability(ns)
	if err != nil {
		_, _ = backing.CloseReplica(ns)
		return nil, err
	}

	var secret keys.NamespaceSecret
	if capability == keys.Write {
		secret, err = backing.NamespaceSecret(ns)
		if err != nil {
			_, _ = backing.CloseReplica(ns)
			return nil, err
		}
	}

	heads, err := backing.AuthorHeads(ns)
	if err != nil {
		_, _ = backing.CloseReplica(ns)
		return nil, docserr.Wrap(docserr.KindStorage, op, err)
	}

	return &Replica{
		backing:       backing,
		log:           backing.Log(),
		ns:            ns,
		capability:    capability,
		secret:        secret,
		maxSkew:       maxSkew,
		authorHeads:   heads,
		contentStatus: func(context.Context, entry.Hash) (iface.ContentStatus, error) { return iface.Missing, nil },
		subs:          newSubscriberSet(),
	}, nil
}

// Namespace returns the identity this replica is open on.
func (r *Replica) Namespace() keys.NamespaceId { return r.ns }

// Capability returns the capability this node holds over the namespace.
func (r *Replica) Capability() keys.Capability { return r.capability }

// AuthorHeads returns a snapshot copy of this replica's in-memory
// per-author max timestamps.
func (r *Replica) AuthorHeads() map[keys.AuthorId]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[keys.AuthorId]uint64, len(r.authorHeads))
	for k, v := range r.authorHeads {
		out[k] = v
	}
	return out
}

// SetContentStatusFunc installs the callback InsertRemote uses to populate
// an accepted event's content status. A nil fn restores the "always
// Missing" default.
func (r *Replica) SetContentStatusFunc(fn ContentStatusFunc) {
	if fn == nil {
		fn = func(context.Context, entry.Hash) (iface.ContentStatus, error) { return iface.Missing, nil }
	}
	r.mu.Lock()
	r.contentStatus = fn
	r.mu.Unlock()
}

// Close releases this handle's reference on the backing store and tears
// down the subscriber bus.
func (r *Replica) Close() error {
	_, err := r.backing.CloseReplica(r.ns)
	r.subs.closeAll()
	return err
}

// nextTimestamp advances author's head by at least one microsecond,
// preserving per-author monotonicity even when the wall clock hasn't
// moved or has gone backwards.
func (r *Replica) nextTimestamp(author keys.AuthorId) uint64 {
	now := uint64(time.Now().UnixMicro())
	r.mu.Lock()
	defer r.mu.Unlock()
	next := now
	if prior := r.authorHeads[author]; prior+1 > next {
		next = prior + 1
	}
	r.authorHeads[author] = next
	return next
}

func (r *Replica) observeTimestamp(author keys.AuthorId, ts uint64) {
	r.mu.Lock()
	if ts > r.authorHeads[author] {
		r.authorHeads[author] = ts
	}
	r.mu.Unlock()
}

// Insert signs and applies a local write. Requires Write capability.
func (r *Replica) Insert(author keys.AuthorSecret, key []byte, hash entry.Hash, length uint64) (entry.SignedEntry, error) {
	const op = "replica.insert"
	if r.capability != keys.Write {
		return entry.SignedEntry{}, docserr.New(docserr.KindReadOnly, op, "namespace is read-only")
	}

	rec := entry.Record{Hash: hash, Length: length, Timestamp: r.nextTimestamp(author.Id())}
	if (rec.Length == 0) != (rec.Hash == entry.EmptyHash) {
		return entry.SignedEntry{}, docserr.New(docserr.KindEmptyEntry, op, "length/hash emptiness mismatch")
	}

	e := entry.Entry{Identifier: entry.Identifier{Namespace: r.ns, Author: author.Id(), Key: key}, Record: rec}
	se := entry.Sign(r.secret, author, e)

	accepted, err := r.backing.Upsert(se)
	if err != nil {
		return entry.SignedEntry{}, err
	}
	if !accepted {
		return entry.SignedEntry{}, docserr.New(docserr.KindNewerEntryExists, op, "a newer entry already exists for this key")
	}

	r.subs.dispatch(Event{Kind: EventInsertLocal, Entry: se})
	return se, nil
}

// DeletePrefix writes a tombstone for every existing (author, key) pair
// whose key starts with prefix, returning the number written.
func (r *Replica) DeletePrefix(authorID keys.AuthorId, prefix []byte) (int, error) {
	const op = "replica.delete_prefix"
	if r.capability != keys.Write {
		return 0, docserr.New(docserr.KindReadOnly, op, "namespace is read-only")
	}

	author, err := r.backing.GetAuthor(authorID)
	if err != nil {
		return 0, err
	}

	existing, err := r.backing.GetMany(r.ns, store.Query{
		Author: store.AuthorFilter{Kind: store.AuthorExact, Author: authorID},
		Key:    store.KeyFilter{Kind: store.KeyPrefix, Key: prefix},
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, existingEntry := range existing {
		rec := entry.EmptyRecord(r.nextTimestamp(authorID))
		e := entry.Entry{Identifier: existingEntry.Entry.Identifier, Record: rec}
		se := entry.Sign(r.secret, author, e)
		accepted, err := r.backing.Upsert(se)
		if err != nil {
			return removed, err
		}
		if accepted {
			removed++
			r.subs.dispatch(Event{Kind: EventInsertLocal, Entry: se})
		}
	}
	return removed, nil
}

// InsertRemote validates and applies an entry received from a peer.
// Invalid entries are local drops, logged and returned as Outcome Invalid
// with the validation error — never propagated as a session-poisoning
// error by the caller.
func (r *Replica) InsertRemote(ctx context.Context, se entry.SignedEntry, from iface.NodeId) (Outcome, error) {
	const op = "replica.insert_remote"

	if err := se.Verify(r.ns, time.Now(), r.maxSkew); err != nil {
		r.log.DroppedEntry(op, docserr.KindOf(err).String(), err.Error())
		return Invalid, err
	}

	accepted, err := r.backing.Upsert(se)
	if err != nil {
		return Invalid, err
	}
	if !accepted {
		return Stale, nil
	}

	r.observeTimestamp(se.Entry.Identifier.Author, se.Entry.Record.Timestamp)

	if err := r.backing.RegisterUsefulPeer(r.ns, from); err != nil {
		r.log.DroppedEntry(op, "useful_peer", err.Error())
	}

	status := iface.Missing
	if !se.Entry.IsEmpty() {
		r.mu.RLock()
		fn := r.contentStatus
		r.mu.RUnlock()
		if s, err := fn(ctx, se.Entry.Record.Hash); err == nil {
			status = s
		}
	}

	r.subs.dispatch(Event{Kind: EventInsertRemote, Entry: se, From: from, ContentStatus: status})
	return Accepted, nil
}

// Publish hands an externally-produced event (content-readiness, gossip
// membership, or sync-session lifecycle) to this replica's subscribers.
// Those events don't originate from a local or remote insert, so they
// don't flow through InsertRemote/Insert.
func (r *Replica) Publish(ev Event) {
	r.subs.dispatch(ev)
}

// Subscribe registers a new event receiver with the given channel buffer.
func (r *Replica) Subscribe(buffer int) *Subscriber {
	return r.subs.add(buffer)
}

// Unsubscribe removes and closes a previously-registered receiver.
func (r *Replica) Unsubscribe(sub *Subscriber) {
	r.subs.remove(sub)
}
