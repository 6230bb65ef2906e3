package actor

import (
	"context"

	"github.com/gholt-successor/docs/iface"
	"github.com/gholt-successor/docs/keys"
	"github.com/gholt-successor/docs/replica"
)

// JoinGossip joins ns's gossip swarm and starts a background pump that
// turns its membership and report events into replica events and, for a
// report that looks like news, a dialed sync session. The pump exits when
// ctx is done or the gossip's event channel closes.
func (a *Actor) JoinGossip(ctx context.Context, ns keys.NamespaceId, g iface.Gossip, bootstrap []iface.NodeId, dialer Dialer) error {
	if err := g.Join(ctx, ns, bootstrap); err != nil {
		return err
	}
	if err := a.runOnInbox(func() error {
		sess, ok := a.syncs[ns]
		if !ok {
			return nil
		}
		sess.joined = true
		return nil
	}); err != nil {
		return err
	}

	events, err := g.Events(ns)
	if err != nil {
		return err
	}
	go a.pumpGossipEvents(ctx, ns, events, dialer)
	return nil
}

func (a *Actor) pumpGossipEvents(ctx context.Context, ns keys.NamespaceId, events <-chan iface.GossipEvent, dialer Dialer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.handleGossipEvent(ctx, ns, ev, dialer)
		}
	}
}

func (a *Actor) handleGossipEvent(ctx context.Context, ns keys.NamespaceId, ev iface.GossipEvent, dialer Dialer) {
	switch ev.Kind {
	case iface.GossipNeighborUp:
		_ = a.runOnInbox(func() error {
			r, err := a.openedReplica(ns)
			if err != nil {
				return nil
			}
			if sess, ok := a.syncs[ns]; ok {
				sess.peers[ev.Peer] = struct{}{}
			}
			r.Publish(replica.Event{Kind: replica.EventNeighborUp, Neighbor: ev.Peer})
			return nil
		})
		if dialer != nil {
			_, _ = a.StartSync(ctx, ns, ev.Peer, dialer, replica.OriginDialedByNeighbor)
		}
	case iface.GossipNeighborDown:
		_ = a.runOnInbox(func() error {
			r, err := a.openedReplica(ns)
			if err != nil {
				return nil
			}
			if sess, ok := a.syncs[ns]; ok {
				delete(sess.peers, ev.Peer)
			}
			r.Publish(replica.Event{Kind: replica.EventNeighborDown, Neighbor: ev.Peer})
			return nil
		})
	case iface.GossipMessage:
		if dialer != nil {
			_, _ = a.HandleGossipReport(ctx, ns, ev.Report, dialer)
		}
	}
}

// LeaveGossip leaves ns's gossip swarm.
func (a *Actor) LeaveGossip(ctx context.Context, ns keys.NamespaceId, g iface.Gossip) error {
	if err := g.Leave(ctx, ns); err != nil {
		return err
	}
	return a.runOnInbox(func() error {
		if sess, ok := a.syncs[ns]; ok {
			sess.joined = false
		}
		return nil
	})
}
