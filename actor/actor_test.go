package actor_test

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gholt-successor/docs/actor"
	"github.com/gholt-successor/docs/docscfg"
	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/iface"
	"github.com/gholt-successor/docs/keys"
	"github.com/gholt-successor/docs/replica"
	"github.com/gholt-successor/docs/store"
)

// pipeConn adapts a net.Conn (from net.Pipe) to iface.Conn for tests; real
// callers get RemoteNode from their transport's handshake, which a raw
// in-memory pipe doesn't have, so the test assigns one explicitly.
type pipeConn struct {
	net.Conn
	remote iface.NodeId
}

func (p *pipeConn) RemoteNode() iface.NodeId { return p.remote }

// pairDialer hands back one fixed, pre-established connection regardless
// of which peer is requested, modeling a transport that already dialed
// out-of-band (e.g. during gossip join) and is just handing the actor its
// end of an existing stream.
type pairDialer struct {
	conn iface.Conn
}

func (d *pairDialer) Dial(ctx context.Context, ns keys.NamespaceId, peer iface.NodeId) (iface.Conn, error) {
	return d.conn, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "docs.db"), docscfg.Default(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustSeedWriteNamespace(t *testing.T, s *store.Store) (keys.NamespaceSecret, keys.AuthorSecret) {
	t.Helper()
	ns, err := keys.NewNamespace()
	require.NoError(t, err)
	_, err = s.ImportNamespaceWrite(ns)
	require.NoError(t, err)
	author, err := s.NewAuthor()
	require.NoError(t, err)
	return ns, author
}

func TestOpenInsertAndGetExact(t *testing.T) {
	s := openTestStore(t)
	ns, author := mustSeedWriteNamespace(t, s)

	a := actor.New(s, docscfg.Default())
	defer func() { _ = a.Shutdown(context.Background()) }()

	require.NoError(t, a.Open(ns.Id()))
	defer func() { _ = a.Close(ns.Id()) }()

	hash := entry.HashBytes([]byte("v"))
	se, err := a.Insert(ns.Id(), author, []byte("k"), hash, 1)
	require.NoError(t, err)
	require.Equal(t, hash, se.Entry.Record.Hash)

	got, found, err := a.GetExact(ns.Id(), author.Id(), []byte("k"), false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, hash, got.Entry.Record.Hash)
}

func TestInsertOnUnopenedNamespaceFails(t *testing.T) {
	s := openTestStore(t)
	ns, author := mustSeedWriteNamespace(t, s)

	a := actor.New(s, docscfg.Default())
	defer func() { _ = a.Shutdown(context.Background()) }()

	_, err := a.Insert(ns.Id(), author, []byte("k"), entry.HashBytes([]byte("v")), 1)
	require.Error(t, err)
}

func TestOpenCloseRefcounts(t *testing.T) {
	s := openTestStore(t)
	ns, author := mustSeedWriteNamespace(t, s)

	a := actor.New(s, docscfg.Default())
	defer func() { _ = a.Shutdown(context.Background()) }()

	require.NoError(t, a.Open(ns.Id()))
	require.NoError(t, a.Open(ns.Id()))
	require.NoError(t, a.Close(ns.Id()))

	_, err := a.Insert(ns.Id(), author, []byte("k"), entry.HashBytes([]byte("v")), 1)
	require.NoError(t, err, "namespace should still be open after one of two Close calls")

	require.NoError(t, a.Close(ns.Id()))
	_, err = a.Insert(ns.Id(), author, []byte("k"), entry.HashBytes([]byte("v")), 1)
	require.Error(t, err, "namespace should be closed after the matching second Close call")
}

func TestSubscribeReceivesLocalInsert(t *testing.T) {
	s := openTestStore(t)
	ns, author := mustSeedWriteNamespace(t, s)

	a := actor.New(s, docscfg.Default())
	defer func() { _ = a.Shutdown(context.Background()) }()
	require.NoError(t, a.Open(ns.Id()))
	defer func() { _ = a.Close(ns.Id()) }()

	sub, err := a.Subscribe(ns.Id(), 4)
	require.NoError(t, err)
	defer func() { _ = a.Unsubscribe(ns.Id(), sub) }()

	_, err = a.Insert(ns.Id(), author, []byte("k"), entry.HashBytes([]byte("v")), 1)
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		require.Equal(t, replica.EventInsertLocal, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected an InsertLocal event")
	}
}

func TestStartSyncAndAcceptSyncExchangeEntries(t *testing.T) {
	s1 := openTestStore(t)
	s2 := openTestStore(t)

	ns, err := keys.NewNamespace()
	require.NoError(t, err)
	_, err = s1.ImportNamespaceWrite(ns)
	require.NoError(t, err)
	_, err = s2.ImportNamespaceWrite(ns)
	require.NoError(t, err)
	author, err := s1.NewAuthor()
	require.NoError(t, err)
	require.NoError(t, s2.ImportAuthor(author))

	a1 := actor.New(s1, docscfg.Default())
	a2 := actor.New(s2, docscfg.Default())
	defer func() { _ = a1.Shutdown(context.Background()) }()
	defer func() { _ = a2.Shutdown(context.Background()) }()

	require.NoError(t, a1.Open(ns.Id()))
	require.NoError(t, a2.Open(ns.Id()))
	defer func() { _ = a1.Close(ns.Id()) }()
	defer func() { _ = a2.Close(ns.Id()) }()

	_, err = a1.Insert(ns.Id(), author, []byte("only-on-one"), entry.HashBytes([]byte("v1")), 2)
	require.NoError(t, err)

	clientSide, serverSide := net.Pipe()
	var initiatorNode, responderNode iface.NodeId
	initiatorNode[0], responderNode[0] = 0x01, 0x02

	resultCh := make(chan error, 1)
	go func() {
		_, err := a2.AcceptSync(context.Background(), ns.Id(), &pipeConn{Conn: serverSide, remote: initiatorNode})
		resultCh <- err
	}()

	dialer := &pairDialer{conn: &pipeConn{Conn: clientSide, remote: responderNode}}
	_, err = a1.StartSync(context.Background(), ns.Id(), responderNode, dialer, replica.OriginDialedByApi)
	require.NoError(t, err)
	require.NoError(t, <-resultCh)

	got, found, err := a2.GetExact(ns.Id(), author.Id(), []byte("only-on-one"), false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(2), got.Entry.Record.Length)
}

// blockingDialer reports when Dial was entered and then waits for either
// the caller's context to be cancelled or an explicit release, so a test
// can pin a session in the "dialing" state without needing real I/O.
type blockingDialer struct {
	entered chan struct{}
}

func (d *blockingDialer) Dial(ctx context.Context, ns keys.NamespaceId, peer iface.NodeId) (iface.Conn, error) {
	close(d.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStartSyncRejectsDuplicateInFlightSession(t *testing.T) {
	s := openTestStore(t)
	ns, err := keys.NewNamespace()
	require.NoError(t, err)
	_, err = s.ImportNamespaceWrite(ns)
	require.NoError(t, err)

	a := actor.New(s, docscfg.Default())
	defer func() { _ = a.Shutdown(context.Background()) }()
	require.NoError(t, a.Open(ns.Id()))
	defer func() { _ = a.Close(ns.Id()) }()

	var peer iface.NodeId
	peer[0] = 0x09
	dialer := &blockingDialer{entered: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_, _ = a.StartSync(ctx, ns.Id(), peer, dialer, replica.OriginDialedByApi)
		close(done)
	}()
	<-dialer.entered

	_, err = a.StartSync(context.Background(), ns.Id(), peer, dialer, replica.OriginDialedByApi)
	require.Error(t, err)

	cancel()
	<-done
}
