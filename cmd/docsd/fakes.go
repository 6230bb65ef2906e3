package main

import (
	"context"
	"net"
	"time"

	"github.com/gholt-successor/docs/actor"
	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/iface"
	"github.com/gholt-successor/docs/keys"
)

// pipeConn adapts a net.Conn half of an in-memory net.Pipe to iface.Conn by
// attaching the fixed NodeId of the node at the other end of the pipe.
type pipeConn struct {
	net.Conn
	node iface.NodeId
}

func (c *pipeConn) RemoteNode() iface.NodeId { return c.node }

// loopbackDialer is the one Dialer implementation docsd ever constructs:
// it hands back the client half of a net.Pipe whose server half was
// already wired up to AcceptSync by the caller. There is no real address
// space to dial into, so Dial ignores its peer argument and returns the
// pipe it was built with.
type loopbackDialer struct {
	client *pipeConn
	server *pipeConn
	peer   *pipeConn // identity of the node the client side dials
}

func newLoopbackDialer() *loopbackDialer {
	a, b := net.Pipe()
	var clientNode, serverNode iface.NodeId
	clientNode[0] = 1
	serverNode[0] = 2
	return &loopbackDialer{
		client: &pipeConn{Conn: a, node: serverNode},
		server: &pipeConn{Conn: b, node: clientNode},
		peer:   &pipeConn{Conn: nil, node: serverNode},
	}
}

func (d *loopbackDialer) Dial(ctx context.Context, ns keys.NamespaceId, peer iface.NodeId) (iface.Conn, error) {
	return d.client, nil
}

var _ actor.Dialer = (*loopbackDialer)(nil)

// fakeBlobStore answers every Has with Missing and completes a Request
// after a short fixed delay, as a stand-in for a real content-addressed
// blob collaborator.
type fakeBlobStore struct {
	ready chan entry.Hash
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{ready: make(chan entry.Hash, 16)}
}

func (b *fakeBlobStore) Has(ctx context.Context, hash entry.Hash) (iface.ContentStatus, error) {
	return iface.Missing, nil
}

func (b *fakeBlobStore) Request(ctx context.Context, hash entry.Hash, from iface.NodeId) error {
	go func() {
		time.Sleep(10 * time.Millisecond)
		select {
		case b.ready <- hash:
		case <-ctx.Done():
		}
	}()
	return nil
}

func (b *fakeBlobStore) Subscribe(ctx context.Context) (<-chan entry.Hash, error) {
	return b.ready, nil
}

var _ iface.BlobStore = (*fakeBlobStore)(nil)

// fakeGossip is a membership collaborator with no peers: Join and Leave
// succeed trivially and Events never produces anything, since docsd has
// no real swarm to join.
type fakeGossip struct{}

func (fakeGossip) Join(ctx context.Context, namespace keys.NamespaceId, bootstrap []iface.NodeId) error {
	return nil
}

func (fakeGossip) Leave(ctx context.Context, namespace keys.NamespaceId) error { return nil }

func (fakeGossip) Broadcast(ctx context.Context, namespace keys.NamespaceId, report iface.SyncReport) error {
	return nil
}

func (fakeGossip) Events(namespace keys.NamespaceId) (<-chan iface.GossipEvent, error) {
	ch := make(chan iface.GossipEvent)
	return ch, nil
}

var _ iface.Gossip = fakeGossip{}
