package store

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gholt-successor/docs/docserr"
	"github.com/gholt-successor/docs/iface"
	"github.com/gholt-successor/docs/keys"
	"go.etcd.io/bbolt"
)

// usefulPeersFor returns (creating if absent) the in-memory bounded LRU of
// peers that have recently contributed to ns, lazily seeded from the
// persisted snapshot on first use after process start.
func (s *Store) usefulPeersFor(ns keys.NamespaceId) (*lru.Cache[iface.NodeId, struct{}], error) {
	if c, ok := s.peers.Get(ns); ok {
		return c, nil
	}
	size := s.cfg.UsefulPeersCacheSize
	if size < 5 {
		size = 5
	}
	c, err := lru.New[iface.NodeId, struct{}](size)
	if err != nil {
		return nil, err
	}

	var persisted [][]byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(TableUsefulPeers)).Get(ns[:])
		persisted = splitNodeIds(v)
		return nil
	}); err != nil {
		return nil, err
	}
	for i := len(persisted) - 1; i >= 0; i-- {
		var id iface.NodeId
		copy(id[:], persisted[i])
		c.Add(id, struct{}{})
	}

	return s.peers.Update(ns, func(old *lru.Cache[iface.NodeId, struct{}], existed bool) *lru.Cache[iface.NodeId, struct{}] {
		if existed {
			return old
		}
		return c
	}), nil
}

func splitNodeIds(v []byte) [][]byte {
	const n = 32
	var out [][]byte
	for len(v) >= n {
		out = append(out, v[:n])
		v = v[n:]
	}
	return out
}

// RegisterUsefulPeer records that peer recently contributed to ns,
// updating the bounded LRU and persisting the snapshot.
func (s *Store) RegisterUsefulPeer(ns keys.NamespaceId, peer iface.NodeId) error {
	c, err := s.usefulPeersFor(ns)
	if err != nil {
		return docserr.Wrap(docserr.KindStorage, "store.register_useful_peer", err)
	}
	c.Add(peer, struct{}{})
	return s.persistUsefulPeers(ns, c)
}

// GetSyncPeers returns ns's recently-useful peers, most recent first.
func (s *Store) GetSyncPeers(ns keys.NamespaceId) ([]iface.NodeId, error) {
	c, err := s.usefulPeersFor(ns)
	if err != nil {
		return nil, docserr.Wrap(docserr.KindStorage, "store.get_sync_peers", err)
	}
	keysList := c.Keys()
	out := make([]iface.NodeId, len(keysList))
	for i, k := range keysList {
		out[len(keysList)-1-i] = k
	}
	return out, nil
}

func (s *Store) persistUsefulPeers(ns keys.NamespaceId, c *lru.Cache[iface.NodeId, struct{}]) error {
	keysList := c.Keys()
	buf := make([]byte, 0, len(keysList)*32)
	for _, id := range keysList {
		buf = append(buf, id[:]...)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(TableUsefulPeers)).Put(ns[:], buf)
	})
	if err != nil {
		return err
	}
	return nil
}
