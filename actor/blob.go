package actor

import (
	"context"

	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/iface"
	"github.com/gholt-successor/docs/keys"
	"github.com/gholt-successor/docs/replica"
)

// WireBlobStore points ns's content-status lookups at blob, requests
// content for accepted remote entries the download policy approves of,
// and starts a background pump turning blob's "now complete"
// notifications into ContentReady events. Both pumps exit when ctx is
// done or their source channel closes.
func (a *Actor) WireBlobStore(ctx context.Context, ns keys.NamespaceId, blob iface.BlobStore) error {
	var sub *replica.Subscriber
	if err := a.runOnInbox(func() error {
		r, err := a.openedReplica(ns)
		if err != nil {
			return err
		}
		r.SetContentStatusFunc(blob.Has)
		sub = r.Subscribe(32)
		return nil
	}); err != nil {
		return err
	}
	go a.pumpDownloadRequests(ctx, ns, blob, sub)

	ready, err := blob.Subscribe(ctx)
	if err != nil {
		_ = a.Unsubscribe(ns, sub)
		return err
	}
	go a.pumpContentReady(ctx, ns, ready)
	return nil
}

func (a *Actor) pumpDownloadRequests(ctx context.Context, ns keys.NamespaceId, blob iface.BlobStore, sub *replica.Subscriber) {
	defer a.runOnInboxBestEffort(func() error {
		r, err := a.openedReplica(ns)
		if err != nil {
			return nil
		}
		r.Unsubscribe(sub)
		return nil
	})
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Kind != replica.EventInsertRemote || ev.ContentStatus != iface.Missing || ev.Entry.Entry.IsEmpty() {
				continue
			}
			policy, err := a.backing.GetDownloadPolicy(ns)
			if err != nil || !policy.ShouldDownload(ev.Entry.Entry.Identifier.Key) {
				continue
			}
			if err := blob.Request(ctx, ev.Entry.Entry.Record.Hash, ev.From); err != nil {
				continue
			}
			if r, err := a.replicaHandle(ns); err == nil {
				r.Publish(replica.Event{Kind: replica.EventPendingContentReady, Hash: ev.Entry.Entry.Record.Hash})
			}
		}
	}
}

func (a *Actor) pumpContentReady(ctx context.Context, ns keys.NamespaceId, ready <-chan entry.Hash) {
	for {
		select {
		case <-ctx.Done():
			return
		case hash, ok := <-ready:
			if !ok {
				return
			}
			_ = a.ContentReady(ns, hash)
		}
	}
}
