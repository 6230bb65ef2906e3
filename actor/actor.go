// Package actor is the single-owner serializer that sits above store and
// replica: every mutation to every open namespace, whether from a local
// API call or an in-progress sync session, is funneled through one goroutine
// so writers and reconciliation never race each other. The shape is the
// msg.go's MsgConn writer loop (one channel, one goroutine, everything
// else sends and waits) generalized from wire messages to closures.
package actor

import (
	"context"
	"sync"

	"github.com/gholt-successor/docs/docserr"
	"github.com/gholt-successor/docs/docscfg"
	"github.com/gholt-successor/docs/docslog"
	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/iface"
	"github.com/gholt-successor/docs/keys"
	"github.com/gholt-successor/docs/metrics"
	"github.com/gholt-successor/docs/replica"
	"github.com/gholt-successor/docs/store"
)

// openReplica tracks how many callers currently hold ns open through this
// actor, so the underlying replica is opened and closed exactly once
// regardless of how many callers are interested in it.
type openReplica struct {
	r    *replica.Replica
	refs int
}

// Actor owns every open replica and the in-flight sync session state for
// each of their namespaces.
type Actor struct {
	backing *store.Store
	cfg     docscfg.Config
	log     *docslog.Logger

	inbox chan func()
	done  chan struct{}
	wg    sync.WaitGroup

	sessionCtx    context.Context
	cancelSession context.CancelFunc

	replicas map[keys.NamespaceId]*openReplica
	syncs    map[keys.NamespaceId]*namespaceSync

	// connsMu guards conns directly, bypassing the inbox entirely: Shutdown
	// must be able to force-close a stuck session's connection without
	// racing the serializer goroutine's own drain-and-exit, which a
	// submit()-routed close could lose (the goroutine may already have
	// taken its final pass over the inbox by the time the close is
	// submitted).
	connsMu sync.Mutex
	conns   map[connKey]iface.Conn
}

// connKey identifies one in-flight session's connection.
type connKey struct {
	ns   keys.NamespaceId
	peer iface.NodeId
}

// New starts the actor's serializer goroutine over backing. The caller
// retains ownership of backing and closes it after Shutdown returns.
func New(backing *store.Store, cfg docscfg.Config) *Actor {
	log := backing.Log()
	if log == nil {
		log = docslog.Nop()
	}
	sessionCtx, cancel := context.WithCancel(context.Background())
	a := &Actor{
		backing:       backing,
		cfg:           cfg,
		log:           log,
		inbox:         make(chan func(), 64),
		done:          make(chan struct{}),
		sessionCtx:    sessionCtx,
		cancelSession: cancel,
		replicas:      make(map[keys.NamespaceId]*openReplica),
		syncs:         make(map[keys.NamespaceId]*namespaceSync),
		conns:         make(map[connKey]iface.Conn),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Actor) run() {
	defer a.wg.Done()
	for {
		select {
		case task := <-a.inbox:
			metrics.ActorInboxDepth.Dec()
			task()
		case <-a.done:
			a.drain()
			return
		}
	}
}

func (a *Actor) drain() {
	for {
		select {
		case task := <-a.inbox:
			metrics.ActorInboxDepth.Dec()
			task()
		default:
			return
		}
	}
}

// submit hands task to the serializer goroutine, refusing once Shutdown
// has begun.
func (a *Actor) submit(task func()) error {
	select {
	case <-a.done:
		return docserr.New(docserr.KindClosed, "actor.submit", "actor is shut down")
	default:
	}
	metrics.ActorInboxDepth.Inc()
	select {
	case a.inbox <- task:
		return nil
	case <-a.done:
		metrics.ActorInboxDepth.Dec()
		return docserr.New(docserr.KindClosed, "actor.submit", "actor is shut down")
	}
}

// ask runs fn on the serializer goroutine and waits for its result.
func ask[T any](a *Actor, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	reply := make(chan result, 1)
	if err := a.submit(func() {
		v, err := fn()
		reply <- result{v, err}
	}); err != nil {
		var zero T
		return zero, err
	}
	r := <-reply
	return r.v, r.err
}

// registerConn records the live connection for an in-flight session so
// Shutdown can force it closed, unblocking any goroutine parked in a
// blocking Read or Write on it. Unlike the rest of the session bookkeeping,
// this goes straight to a dedicated mutex instead of through the inbox.
func (a *Actor) registerConn(ns keys.NamespaceId, peer iface.NodeId, conn iface.Conn) {
	a.connsMu.Lock()
	a.conns[connKey{ns, peer}] = conn
	a.connsMu.Unlock()
}

// unregisterConn removes a session's connection once it has finished on
// its own, so Shutdown doesn't try to close an already-returned connection.
func (a *Actor) unregisterConn(ns keys.NamespaceId, peer iface.NodeId) {
	a.connsMu.Lock()
	delete(a.conns, connKey{ns, peer})
	a.connsMu.Unlock()
}

// replicaFor returns ns's open replica, opening it (and taking the first
// reference) if this is the first caller interested in it this process.
// Must run on the serializer goroutine.
func (a *Actor) replicaFor(ns keys.NamespaceId) (*replica.Replica, error) {
	if or, ok := a.replicas[ns]; ok {
		or.refs++
		return or.r, nil
	}
	r, err := replica.Open(a.backing, ns, a.cfg.SkewWindow)
	if err != nil {
		return nil, err
	}
	a.replicas[ns] = &openReplica{r: r, refs: 1}
	a.syncs[ns] = newNamespaceSync()
	return r, nil
}

// Open attaches to ns, making subsequent Insert/Subscribe/sync calls for
// it valid until a matching Close.
func (a *Actor) Open(ns keys.NamespaceId) error {
	_, err := ask(a, func() (struct{}, error) {
		_, err := a.replicaFor(ns)
		return struct{}{}, err
	})
	return err
}

// Close releases one reference on ns, closing its replica once the last
// caller has released it.
func (a *Actor) Close(ns keys.NamespaceId) error {
	_, err := ask(a, func() (struct{}, error) {
		or, ok := a.replicas[ns]
		if !ok {
			return struct{}{}, docserr.New(docserr.KindNotFound, "actor.close", "namespace is not open")
		}
		or.refs--
		if or.refs > 0 {
			return struct{}{}, nil
		}
		delete(a.replicas, ns)
		delete(a.syncs, ns)
		return struct{}{}, or.r.Close()
	})
	return err
}

// Insert signs and applies a local write to an already-open namespace.
func (a *Actor) Insert(ns keys.NamespaceId, author keys.AuthorSecret, key []byte, hash entry.Hash, length uint64) (entry.SignedEntry, error) {
	return ask(a, func() (entry.SignedEntry, error) {
		r, err := a.openedReplica(ns)
		if err != nil {
			return entry.SignedEntry{}, err
		}
		return r.Insert(author, key, hash, length)
	})
}

// DeletePrefix tombstones every entry of author whose key starts with
// prefix.
func (a *Actor) DeletePrefix(ns keys.NamespaceId, author keys.AuthorId, prefix []byte) (int, error) {
	return ask(a, func() (int, error) {
		r, err := a.openedReplica(ns)
		if err != nil {
			return 0, err
		}
		return r.DeletePrefix(author, prefix)
	})
}

// InsertRemote validates and applies an entry received outside of a
// recon session (for instance a single gossip-carried update).
func (a *Actor) InsertRemote(ctx context.Context, ns keys.NamespaceId, se entry.SignedEntry, from iface.NodeId) (replica.Outcome, error) {
	return ask(a, func() (replica.Outcome, error) {
		r, err := a.openedReplica(ns)
		if err != nil {
			return replica.Invalid, err
		}
		return r.InsertRemote(ctx, se, from)
	})
}

// openedReplica fetches an already-open replica without adjusting its
// refcount; callers must run on the serializer goroutine.
func (a *Actor) openedReplica(ns keys.NamespaceId) (*replica.Replica, error) {
	or, ok := a.replicas[ns]
	if !ok {
		return nil, docserr.New(docserr.KindNotFound, "actor", "namespace is not open")
	}
	return or.r, nil
}

// GetExact and GetMany are answered directly against the backing store:
// bbolt's MVCC read transactions are already safe to run concurrently
// with the serializer goroutine's writes, so routing reads through the
// inbox would only add latency without adding safety.

// GetExact returns at most one signed entry for (namespace, author, key).
func (a *Actor) GetExact(ns keys.NamespaceId, author keys.AuthorId, key []byte, includeEmpty bool) (entry.SignedEntry, bool, error) {
	return a.backing.GetExact(ns, author, key, includeEmpty)
}

// GetMany evaluates q against ns.
func (a *Actor) GetMany(ns keys.NamespaceId, q store.Query) ([]entry.SignedEntry, error) {
	return a.backing.GetMany(ns, q)
}

// Subscribe registers a new event receiver for ns.
func (a *Actor) Subscribe(ns keys.NamespaceId, buffer int) (*replica.Subscriber, error) {
	return ask(a, func() (*replica.Subscriber, error) {
		r, err := a.openedReplica(ns)
		if err != nil {
			return nil, err
		}
		return r.Subscribe(buffer), nil
	})
}

// Unsubscribe removes a previously-registered receiver.
func (a *Actor) Unsubscribe(ns keys.NamespaceId, sub *replica.Subscriber) error {
	_, err := ask(a, func() (struct{}, error) {
		r, err := a.openedReplica(ns)
		if err != nil {
			return struct{}{}, err
		}
		r.Unsubscribe(sub)
		return struct{}{}, nil
	})
	return err
}

// ContentReady publishes a ContentReady event to ns's subscribers, for the
// blob store collaborator to call once a pending hash finishes
// downloading.
func (a *Actor) ContentReady(ns keys.NamespaceId, hash entry.Hash) error {
	_, err := ask(a, func() (struct{}, error) {
		r, err := a.openedReplica(ns)
		if err != nil {
			return struct{}{}, err
		}
		r.Publish(replica.Event{Kind: replica.EventContentReady, Hash: hash})
		return struct{}{}, nil
	})
	return err
}

// DefaultAuthor and SetDefaultAuthor pass through to the backing store;
// the default author pointer isn't namespace-scoped state a replica
// holds.

// DefaultAuthor returns the persisted default author, if any.
func (a *Actor) DefaultAuthor() (keys.AuthorId, bool, error) {
	return a.backing.DefaultAuthor()
}

// SetDefaultAuthor persists the default author pointer.
func (a *Actor) SetDefaultAuthor(id keys.AuthorId) error {
	return a.backing.SetDefaultAuthor(id)
}

// Shutdown cancels every in-flight sync session, closes every open
// replica (which flushes the backing store via its reference-count
// teardown), and stops the serializer goroutine. The backing store itself
// is left open for the caller to close.
func (a *Actor) Shutdown(ctx context.Context) error {
	a.cancelSession()

	a.connsMu.Lock()
	for key, conn := range a.conns {
		_ = conn.Close()
		delete(a.conns, key)
	}
	a.connsMu.Unlock()

	_, err := ask(a, func() (struct{}, error) {
		var firstErr error
		for ns, or := range a.replicas {
			if cerr := or.r.Close(); cerr != nil && firstErr == nil {
				firstErr = cerr
			}
			delete(a.replicas, ns)
		}
		a.syncs = make(map[keys.NamespaceId]*namespaceSync)
		return struct{}{}, firstErr
	})
	close(a.done)
	a.wg.Wait()
	return err
}
