package replica

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/iface"
	"github.com/gholt-successor/docs/keys"
	"github.com/gholt-successor/docs/metrics"
)

// EventKind discriminates the variants of Event.
type EventKind int

const (
	EventInsertLocal EventKind = iota
	EventInsertRemote
	EventContentReady
	EventNeighborUp
	EventNeighborDown
	EventSyncFinished
	EventPendingContentReady
)

// SyncOrigin is how a live-sync session with a peer came to exist.
type SyncOrigin int

const (
	OriginAcceptedIncoming SyncOrigin = iota
	OriginDialedByReport
	OriginDialedByApi
	OriginDialedByNeighbor
)

// SyncResult is a finished sync session's outcome: either a count of
// entries exchanged, or the error that aborted it.
type SyncResult struct {
	Sent     int
	Received int
	Err      error
}

// SyncFinishedReport is the detail payload of an EventSyncFinished event.
type SyncFinishedReport struct {
	SessionID  uuid.UUID
	Namespace  keys.NamespaceId
	Peer       iface.NodeId
	Origin     SyncOrigin
	StartedAt  time.Time
	FinishedAt time.Time
	Result     SyncResult
}

// Event is one item a subscriber receives.
type Event struct {
	Kind          EventKind
	Entry         entry.SignedEntry          // valid for InsertLocal, InsertRemote
	From          iface.NodeId               // valid for InsertRemote
	ContentStatus iface.ContentStatus        // valid for InsertRemote
	Hash          entry.Hash                 // valid for ContentReady, PendingContentReady
	Neighbor      iface.NodeId               // valid for NeighborUp, NeighborDown
	Sync          SyncFinishedReport         // valid for SyncFinished
}

// Subscriber is a live receive endpoint for a replica's event stream.
type Subscriber struct {
	ch chan Event
}

// Events returns the channel to range over; it is closed on Unsubscribe
// or when the replica closes.
func (s *Subscriber) Events() <-chan Event { return s.ch }

var errSubscriberFull = errors.New("replica: subscriber channel full")

// subscriberSet is the replica's fan-out bus: unidirectional and weak.
// The replica owns the senders, and a subscriber that stops draining its
// channel is dropped rather than allowed to block writers.
type subscriberSet struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{subs: make(map[*Subscriber]struct{})}
}

func (s *subscriberSet) add(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscriber{ch: make(chan Event, buffer)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

func (s *subscriberSet) remove(sub *Subscriber) {
	s.mu.Lock()
	_, present := s.subs[sub]
	delete(s.subs, sub)
	s.mu.Unlock()
	if present {
		close(sub.ch)
	}
}

func (s *subscriberSet) closeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[*Subscriber]struct{})
	s.mu.Unlock()
	for sub := range subs {
		close(sub.ch)
	}
}

// dispatch delivers ev to every current subscriber. A subscriber whose
// channel is full gets one backoff-spaced retry before being evicted —
// slow subscribers must never block writers.
func (s *subscriberSet) dispatch(ev Event) {
	s.mu.Lock()
	subs := make([]*Subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if trySend(sub, ev) {
			continue
		}
		b := backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), 1)
		err := backoff.Retry(func() error {
			if trySend(sub, ev) {
				return nil
			}
			return errSubscriberFull
		}, b)
		if err != nil {
			s.remove(sub)
			metrics.ActorSubscribersDropped.Inc()
		}
	}
}

func trySend(sub *Subscriber, ev Event) bool {
	select {
	case sub.ch <- ev:
		return true
	default:
		return false
	}
}
