// Package iface declares the external collaborators the docs core calls
// through but does not implement: the network transport, the blob content
// store, and the gossip membership layer. Each is a small interface a
// real implementation (a QUIC/libp2p stream, a content-addressed blob
// store, a pubsub mesh) can satisfy without the core knowing which.
package iface

import (
	"context"
	"io"
	"time"

	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/keys"
)

// NodeId identifies a peer on the transport/gossip layer. The core treats
// it as an opaque comparable value.
type NodeId [32]byte

func (n NodeId) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, len(n)*2)
	for i, b := range n {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0xf]
	}
	return string(buf)
}

// Conn is an authenticated, ordered, bidirectional byte stream between two
// identified nodes, speaking an ALPN "iroh-docs/0"-equivalent protocol.
// It is the one thing the transport collaborator must provide;
// everything about framing and message shape lives in this module.
type Conn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	RemoteNode() NodeId
}

// ContentStatus describes whether a blob's bytes are available locally.
type ContentStatus int

const (
	Missing ContentStatus = iota
	Pending
	Complete
)

// BlobStore is the content-addressed blob collaborator. The docs core
// never moves content bytes itself; it only asks whether a hash is
// present and, if the download policy says so, requests it.
type BlobStore interface {
	Has(ctx context.Context, hash entry.Hash) (ContentStatus, error)
	Request(ctx context.Context, hash entry.Hash, from NodeId) error
	// Subscribe delivers a hash every time its content becomes Complete.
	Subscribe(ctx context.Context) (<-chan entry.Hash, error)
}

// SyncReport is the small, broadcastable digest gossip exchanges to hint
// that a peer may have news for a namespace.
type SyncReport struct {
	PeerNodeId         NodeId
	AuthorHeadsDigest  []byte // <= 1 KiB
}

// GossipEventKind discriminates the variants of GossipEvent.
type GossipEventKind int

const (
	GossipNeighborUp GossipEventKind = iota
	GossipNeighborDown
	GossipMessage
)

// GossipEvent is one item from a Gossip event stream.
type GossipEvent struct {
	Kind   GossipEventKind
	Peer   NodeId
	Report SyncReport // valid when Kind == GossipMessage
}

// Gossip is the membership/broadcast collaborator.
type Gossip interface {
	Join(ctx context.Context, namespace keys.NamespaceId, bootstrap []NodeId) error
	Leave(ctx context.Context, namespace keys.NamespaceId) error
	Broadcast(ctx context.Context, namespace keys.NamespaceId, report SyncReport) error
	Events(namespace keys.NamespaceId) (<-chan GossipEvent, error)
}
