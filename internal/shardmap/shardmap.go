// Package shardmap provides a striped, lock-sharded generic map, adapted
// from valuelocmap.go's sharded-locks approach: rather than a single
// page-split trie keyed by a 128-bit location, this trades that structure
// for a fixed number of murmur3-sharded buckets, each independently
// locked. It backs store's per-namespace useful-peers cache, which needs
// concurrent access without serializing every reader behind one mutex.
package shardmap

import (
	"runtime"
	"sync"

	"github.com/spaolacci/murmur3"
)

const defaultShards = 32

// Map is a concurrent map[K]V sharded across a fixed number of
// independently-locked buckets. The zero value is not usable; use New.
type Map[K comparable, V any] struct {
	shards []*shard[K, V]
	mask   uint32
	keyFn  func(K) []byte
}

type shard[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// New creates a Map whose shard count is the next power of two at or above
// cores*4, capped at 1<<16 (cores defaults to GOMAXPROCS(0) when
// cores <= 0), mirroring
// valuelocmap.go's OptCores-driven sizing. keyFn turns a key into bytes
// for hashing; it must be deterministic.
func New[K comparable, V any](cores int, keyFn func(K) []byte) *Map[K, V] {
	if cores <= 0 {
		cores = runtime.GOMAXPROCS(0)
	}
	n := uint32(1)
	for int(n) < cores*4 && n < 1<<16 {
		n <<= 1
	}
	if n == 0 {
		n = defaultShards
	}
	shards := make([]*shard[K, V], n)
	for i := range shards {
		shards[i] = &shard[K, V]{m: make(map[K]V)}
	}
	return &Map[K, V]{shards: shards, mask: n - 1, keyFn: keyFn}
}

func (m *Map[K, V]) shardFor(k K) *shard[K, V] {
	h := murmur3.Sum32(m.keyFn(k))
	return m.shards[h&m.mask]
}

// Get returns the value stored for k, if any.
func (m *Map[K, V]) Get(k K) (V, bool) {
	s := m.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[k]
	return v, ok
}

// Set stores v for k.
func (m *Map[K, V]) Set(k K, v V) {
	s := m.shardFor(k)
	s.mu.Lock()
	s.m[k] = v
	s.mu.Unlock()
}

// Delete removes k.
func (m *Map[K, V]) Delete(k K) {
	s := m.shardFor(k)
	s.mu.Lock()
	delete(s.m, k)
	s.mu.Unlock()
}

// Update atomically applies fn to the current value for k (the zero value
// if absent) and stores the result, returning it. fn runs under the
// shard's write lock, so it must not call back into the Map.
func (m *Map[K, V]) Update(k K, fn func(old V, existed bool) V) V {
	s := m.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.m[k]
	next := fn(old, ok)
	s.m[k] = next
	return next
}

// Range calls fn for every entry. fn must not mutate the Map. Iteration
// order is unspecified and spans a best-effort, not point-in-time,
// snapshot: entries mutated during Range may or may not be observed.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.m {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Len returns the total number of entries across all shards.
func (m *Map[K, V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
