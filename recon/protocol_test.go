package recon_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/iface"
	"github.com/gholt-successor/docs/keys"
	"github.com/gholt-successor/docs/recon"
)

// memSource is a minimal in-memory recon.Source used to test the
// reconciliation protocol in isolation from the storage engine.
type memSource struct {
	mu  sync.Mutex
	ns  keys.NamespaceId
	set map[string]entry.SignedEntry
}

func newMemSource(ns keys.NamespaceId) *memSource {
	return &memSource{ns: ns, set: map[string]entry.SignedEntry{}}
}

func (m *memSource) put(se entry.SignedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set[string(se.Entry.Identifier.IndexKey())] = se
}

func (m *memSource) sorted(r recon.Range) []entry.SignedEntry {
	var out []entry.SignedEntry
	for _, se := range m.set {
		if r.Contains(se.Entry.Identifier) {
			out = append(out, se)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Entry.Identifier.Compare(out[j].Entry.Identifier) < 0
	})
	return out
}

func (m *memSource) Fingerprint(_ keys.NamespaceId, r recon.Range) (recon.Fingerprint, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.sorted(r)
	var fp recon.Fingerprint
	for _, se := range items {
		fp = fp.Add(se.Entry)
	}
	return fp, uint64(len(items)), nil
}

func (m *memSource) Split(_ keys.NamespaceId, r recon.Range, k int) ([]recon.RangeSummary, error) {
	m.mu.Lock()
	items := m.sorted(r)
	m.mu.Unlock()

	ids := make([]entry.Identifier, len(items))
	for i, se := range items {
		ids[i] = se.Entry.Identifier
	}
	children := r.Split(ids, k)

	summaries := make([]recon.RangeSummary, 0, len(children))
	for _, c := range children {
		fp, count, _ := m.Fingerprint(m.ns, c)
		summaries = append(summaries, recon.RangeSummary{Range: c, Fingerprint: fp, Count: count})
	}
	return summaries, nil
}

func (m *memSource) Items(_ keys.NamespaceId, r recon.Range) ([]entry.SignedEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(r), nil
}

func (m *memSource) Accept(_ context.Context, _ keys.NamespaceId, se entry.SignedEntry, _ iface.NodeId) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(se.Entry.Identifier.IndexKey())
	existing, ok := m.set[key]
	if ok && !existing.Entry.Less(se.Entry) {
		return false, nil
	}
	m.set[key] = se
	return true, nil
}

func (m *memSource) AuthorHeads(_ keys.NamespaceId) map[keys.AuthorId]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	heads := map[keys.AuthorId]uint64{}
	for _, se := range m.set {
		a := se.Entry.Identifier.Author
		if se.Entry.Record.Timestamp > heads[a] {
			heads[a] = se.Entry.Record.Timestamp
		}
	}
	return heads
}

func (m *memSource) snapshot() map[string]entry.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]entry.Entry, len(m.set))
	for k, se := range m.set {
		out[k] = se.Entry
	}
	return out
}

// chanTransport is a Transport backed by a pair of channels, used to pair
// an initiator and a responder running in separate goroutines.
type chanTransport struct {
	out chan recon.Message
	in  chan recon.Message
}

func newChanPipe() (a, b *chanTransport) {
	c1 := make(chan recon.Message, 16)
	c2 := make(chan recon.Message, 16)
	return &chanTransport{out: c1, in: c2}, &chanTransport{out: c2, in: c1}
}

func (t *chanTransport) Send(ctx context.Context, m recon.Message) error {
	select {
	case t.out <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *chanTransport) Recv(ctx context.Context) (recon.Message, error) {
	select {
	case m := <-t.in:
		return m, nil
	case <-ctx.Done():
		return recon.Message{}, ctx.Err()
	}
}

func mkSignedEntry(t *testing.T, ns keys.NamespaceSecret, author keys.AuthorSecret, key string, content []byte, ts uint64) entry.SignedEntry {
	t.Helper()
	e := entry.Entry{
		Identifier: entry.Identifier{Namespace: ns.Id(), Author: author.Id(), Key: []byte(key)},
		Record:     entry.Record{Hash: entry.HashBytes(content), Length: uint64(len(content)), Timestamp: ts},
	}
	return entry.Sign(ns, author, e)
}

func TestReconciliationConverges(t *testing.T) {
	ns, err := keys.NewNamespace()
	require.NoError(t, err)
	author, err := keys.NewAuthor()
	require.NoError(t, err)

	a := newMemSource(ns.Id())
	b := newMemSource(ns.Id())

	// Entries only A has.
	for i := 0; i < 5; i++ {
		a.put(mkSignedEntry(t, ns, author, fmt.Sprintf("a/%d", i), []byte("va"), uint64(100+i)))
	}
	// Entries only B has.
	for i := 0; i < 5; i++ {
		b.put(mkSignedEntry(t, ns, author, fmt.Sprintf("b/%d", i), []byte("vb"), uint64(200+i)))
	}
	// A shared key where B's write is newer: both should converge on B's.
	a.put(mkSignedEntry(t, ns, author, "shared", []byte("old"), 300))
	b.put(mkSignedEntry(t, ns, author, "shared", []byte("new"), 301))

	tA, tB := newChanPipe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var initErr, respErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, initErr = recon.RunInitiator(ctx, ns.Id(), a, tA, recon.DefaultConfig(), iface.NodeId{})
	}()
	go func() {
		defer wg.Done()
		_, respErr = recon.RunResponder(ctx, ns.Id(), b, tB, recon.DefaultConfig(), iface.NodeId{})
	}()
	wg.Wait()

	require.NoError(t, initErr)
	require.NoError(t, respErr)

	snapA := a.snapshot()
	snapB := b.snapshot()
	require.Lenf(t, snapB, len(snapA), "replicas did not converge to the same size")
	for k, ea := range snapA {
		eb, ok := snapB[k]
		require.Truef(t, ok, "key %q missing from B after sync", k)
		require.Equalf(t, ea.Record.Hash, eb.Record.Hash, "key %q diverged in hash", k)
		require.Equalf(t, ea.Record.Timestamp, eb.Record.Timestamp, "key %q diverged in timestamp", k)
	}

	sharedKey := entry.Identifier{Namespace: ns.Id(), Author: author.Id(), Key: []byte("shared")}
	got := snapA[string(sharedKey.IndexKey())]
	require.Equal(t, uint64(301), got.Record.Timestamp, "expected the LWW winner to survive")
}
