package actor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gholt-successor/docs/docserr"
	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/iface"
	"github.com/gholt-successor/docs/keys"
	"github.com/gholt-successor/docs/metrics"
	"github.com/gholt-successor/docs/recon"
	"github.com/gholt-successor/docs/replica"
	"github.com/gholt-successor/docs/store"
)

// Dialer opens an outbound connection to a peer for a given namespace.
// The gossip and transport collaborators supply a concrete implementation;
// the actor never constructs a connection itself.
type Dialer interface {
	Dial(ctx context.Context, ns keys.NamespaceId, peer iface.NodeId) (iface.Conn, error)
}

// namespaceSync is one namespace's live-sync bookkeeping: whether this
// node has joined the namespace's gossip swarm, the peers it's aware of,
// and sessions currently in flight.
type namespaceSync struct {
	joined     bool
	peers      map[iface.NodeId]struct{}
	inFlight   map[iface.NodeId]replica.SyncOrigin
	lastDigest map[iface.NodeId]string
}

func newNamespaceSync() *namespaceSync {
	return &namespaceSync{
		peers:      make(map[iface.NodeId]struct{}),
		inFlight:   make(map[iface.NodeId]replica.SyncOrigin),
		lastDigest: make(map[iface.NodeId]string),
	}
}

// syncSource adapts a store snapshot and a replica into recon.Source: the
// snapshot answers the read half (Fingerprint/Split/Items) against one
// fixed point in time, and the replica answers Accept/AuthorHeads against
// live state. Accept runs on the actor's serializer, exactly as
// Actor.InsertRemote does for a non-session insert.
type syncSource struct {
	a    *Actor
	snap *store.Snapshot
	r    *replica.Replica
}

func (s *syncSource) Fingerprint(ns keys.NamespaceId, r recon.Range) (recon.Fingerprint, uint64, error) {
	return s.snap.Fingerprint(ns, r)
}

func (s *syncSource) Split(ns keys.NamespaceId, r recon.Range, k int) ([]recon.RangeSummary, error) {
	return s.snap.Split(ns, r, k)
}

func (s *syncSource) Items(ns keys.NamespaceId, r recon.Range) ([]entry.SignedEntry, error) {
	return s.snap.Items(ns, r)
}

func (s *syncSource) Accept(ctx context.Context, ns keys.NamespaceId, se entry.SignedEntry, from iface.NodeId) (bool, error) {
	outcome, err := ask(s.a, func() (replica.Outcome, error) { return s.r.InsertRemote(ctx, se, from) })
	if err != nil {
		return false, err
	}
	return outcome == replica.Accepted, nil
}

func (s *syncSource) AuthorHeads(ns keys.NamespaceId) map[keys.AuthorId]uint64 {
	return s.r.AuthorHeads()
}

// beginSession reserves (ns, peer) for a new session, refusing a second
// concurrent attempt against the same pair.
func (a *Actor) beginSession(ns keys.NamespaceId, peer iface.NodeId, origin replica.SyncOrigin) error {
	sess, ok := a.syncs[ns]
	if !ok {
		return docserr.New(docserr.KindNotFound, "actor.sync", "namespace is not open")
	}
	if _, busy := sess.inFlight[peer]; busy {
		return docserr.New(docserr.KindAlreadySyncing, "actor.sync", "a session with this peer is already in flight")
	}
	sess.inFlight[peer] = origin
	sess.peers[peer] = struct{}{}
	return nil
}

func (a *Actor) endSession(ns keys.NamespaceId, peer iface.NodeId) {
	if sess, ok := a.syncs[ns]; ok {
		delete(sess.inFlight, peer)
	}
}

// runSession drives one full reconciliation session end to end: it opens
// a fresh storage snapshot for the read half, runs the protocol, applies
// each incoming entry through the serializer (so it takes the same
// validate-sign-apply path a local InsertRemote would), and reports the
// outcome to subscribers. The session itself runs on the caller's own
// goroutine, not the serializer's: a session can block in network I/O for
// the whole session timeout, which the single serializer goroutine must
// never do.
func (a *Actor) runSession(ctx context.Context, ns keys.NamespaceId, peer iface.NodeId, origin replica.SyncOrigin, r *replica.Replica, tr recon.Transport, asInitiator bool) (replica.SyncResult, error) {
	snap, err := a.backing.Snapshot()
	if err != nil {
		return replica.SyncResult{}, err
	}
	defer snap.Close()

	src := &syncSource{a: a, snap: snap, r: r}
	cfg := recon.Config{
		ThresholdEntries:       a.cfg.ThresholdEntries,
		SplitFanout:            a.cfg.SplitFanout,
		MaxBadEntries:          a.cfg.MaxBadEntries,
		UseAuthorHeadsShortcut: true,
	}

	sessionID := uuid.New()
	a.log.SessionStarted(sessionID.String(), ns.String(), peer.String(), sessionOriginString(origin))
	start := time.Now()

	var stats recon.Stats
	if asInitiator {
		stats, err = recon.RunInitiator(ctx, ns, src, tr, cfg, peer)
	} else {
		stats, err = recon.RunResponder(ctx, ns, src, tr, cfg, peer)
	}

	metrics.ReconSessionSeconds.UpdateDuration(start)
	metrics.ReconEntriesSent.Add(stats.Sent)
	metrics.ReconEntriesReceived.Add(stats.Received)
	if err != nil {
		metrics.ReconSessionsAborted.Inc()
	}
	a.log.SessionFinished(sessionID.String(), ns.String(), peer.String(), stats.Sent, stats.Received, err)

	result := replica.SyncResult{Sent: stats.Sent, Received: stats.Received, Err: err}
	r.Publish(replica.Event{
		Kind: replica.EventSyncFinished,
		Sync: replica.SyncFinishedReport{
			SessionID: sessionID, Namespace: ns, Peer: peer, Origin: origin,
			StartedAt: start, FinishedAt: time.Now(), Result: result,
		},
	})
	return result, err
}

func sessionOriginString(o replica.SyncOrigin) string {
	switch o {
	case replica.OriginAcceptedIncoming:
		return "accepted_incoming"
	case replica.OriginDialedByReport:
		return "dialed_by_report"
	case replica.OriginDialedByApi:
		return "dialed_by_api"
	case replica.OriginDialedByNeighbor:
		return "dialed_by_neighbor"
	default:
		return "unknown"
	}
}

// StartSync dials peer and runs a reconciliation session as the
// initiator. It returns AlreadySyncing if a session with this peer for
// this namespace is already in flight.
func (a *Actor) StartSync(ctx context.Context, ns keys.NamespaceId, peer iface.NodeId, dialer Dialer, origin replica.SyncOrigin) (replica.SyncResult, error) {
	sessCtx, cancel := a.deriveSessionContext(ctx)
	defer cancel()

	if err := a.runOnInbox(func() error { return a.beginSession(ns, peer, origin) }); err != nil {
		return replica.SyncResult{}, err
	}
	defer a.runOnInboxBestEffort(func() error { a.endSession(ns, peer); return nil })

	r, err := a.replicaHandle(ns)
	if err != nil {
		return replica.SyncResult{}, err
	}

	conn, err := dialer.Dial(sessCtx, ns, peer)
	if err != nil {
		return replica.SyncResult{}, docserr.Wrap(docserr.KindConnectFailed, "actor.start_sync", err)
	}
	defer conn.Close()
	a.registerConn(ns, peer, conn)
	defer a.unregisterConn(ns, peer)

	tr := &frameTransport{conn: conn, namespace: ns, roundTimeout: a.cfg.RoundTimeout}
	return a.runSession(sessCtx, ns, peer, origin, r, tr, true)
}

// AcceptSync runs a reconciliation session as the responder over an
// already-accepted inbound connection.
func (a *Actor) AcceptSync(ctx context.Context, ns keys.NamespaceId, conn iface.Conn) (replica.SyncResult, error) {
	peer := conn.RemoteNode()
	sessCtx, cancel := a.deriveSessionContext(ctx)
	defer cancel()

	if err := a.runOnInbox(func() error { return a.beginSession(ns, peer, replica.OriginAcceptedIncoming) }); err != nil {
		return replica.SyncResult{}, err
	}
	defer a.runOnInboxBestEffort(func() error { a.endSession(ns, peer); return nil })
	a.registerConn(ns, peer, conn)
	defer a.unregisterConn(ns, peer)

	r, err := a.replicaHandle(ns)
	if err != nil {
		return replica.SyncResult{}, err
	}

	tr := &frameTransport{conn: conn, namespace: ns, roundTimeout: a.cfg.RoundTimeout}
	return a.runSession(sessCtx, ns, peer, replica.OriginAcceptedIncoming, r, tr, false)
}

// replicaHandle fetches ns's open replica pointer through the serializer.
// The lookup itself is instant; only the eventual use of the pointer may
// block on network I/O, so this alone never holds up the serializer.
func (a *Actor) replicaHandle(ns keys.NamespaceId) (*replica.Replica, error) {
	return ask(a, func() (*replica.Replica, error) { return a.openedReplica(ns) })
}

// HandleGossipReport reacts to a gossip-carried SyncReport: a digest that
// differs from the last one seen for this peer is treated as "this peer
// likely has news", and triggers a dialed sync session.
func (a *Actor) HandleGossipReport(ctx context.Context, ns keys.NamespaceId, report iface.SyncReport, dialer Dialer) (bool, error) {
	news, err := ask(a, func() (bool, error) {
		sess, ok := a.syncs[ns]
		if !ok {
			return false, docserr.New(docserr.KindNotFound, "actor.gossip_report", "namespace is not open")
		}
		digest := string(report.AuthorHeadsDigest)
		if sess.lastDigest[report.PeerNodeId] == digest {
			return false, nil
		}
		sess.lastDigest[report.PeerNodeId] = digest
		return true, nil
	})
	if err != nil || !news {
		return false, err
	}
	_, err = a.StartSync(ctx, ns, report.PeerNodeId, dialer, replica.OriginDialedByReport)
	if err != nil && docserr.Is(err, docserr.KindAlreadySyncing) {
		return true, nil
	}
	return true, err
}

// deriveSessionContext ties a per-call context to the actor's shutdown
// signal, so Shutdown aborts every in-flight session without each caller
// needing to plumb it through explicitly. It also applies cfg.SessionTimeout
// as an end-to-end deadline: frameTransport resets its own deadline on every
// Send/Recv, which bounds a single round but not the session as a whole, so
// a session making slow-but-steady progress still needs this outer bound.
func (a *Actor) deriveSessionContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx := parent
	cancel := func() {}
	if a.cfg.SessionTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, a.cfg.SessionTimeout)
	}
	ctx, cancelInner := context.WithCancel(ctx)
	stop := make(chan struct{})
	go func() {
		select {
		case <-a.sessionCtx.Done():
			cancelInner()
		case <-stop:
		}
	}()
	return ctx, func() {
		close(stop)
		cancelInner()
		cancel()
	}
}

// runOnInbox runs fn on the serializer goroutine and returns its error.
func (a *Actor) runOnInbox(fn func() error) error {
	_, err := ask(a, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// runOnInboxBestEffort is runOnInbox for deferred cleanup where the actor
// may already be shutting down; a Closed error here is expected and
// silently ignored since Shutdown already tore the session state down.
func (a *Actor) runOnInboxBestEffort(fn func() error) {
	if err := a.runOnInbox(fn); err != nil && !docserr.Is(err, docserr.KindClosed) {
		a.log.DroppedEntry("actor.session_cleanup", docserr.KindOf(err).String(), err.Error())
	}
}
