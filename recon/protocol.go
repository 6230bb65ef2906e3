package recon

import (
	"context"
	"fmt"

	"github.com/gholt-successor/docs/docserr"
	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/iface"
	"github.com/gholt-successor/docs/keys"
)

// Source is the read/write surface the reconciliation protocol needs from
// a replica's storage, decoupled from package store so this package can be
// tested against an in-memory fake.
type Source interface {
	// Fingerprint returns the fingerprint and item count of all entries
	// within r.
	Fingerprint(ns keys.NamespaceId, r Range) (Fingerprint, uint64, error)
	// Split partitions r into up to k child ranges, each with its own
	// freshly computed fingerprint and count.
	Split(ns keys.NamespaceId, r Range, k int) ([]RangeSummary, error)
	// Items returns every entry within r. Only called when a range's count
	// is within the small-range threshold.
	Items(ns keys.NamespaceId, r Range) ([]entry.SignedEntry, error)
	// Accept validates and applies an incoming entry. accepted reports
	// whether it changed local state (false for a strictly-older LWW
	// loser, which is not an error).
	Accept(ctx context.Context, ns keys.NamespaceId, se entry.SignedEntry, from iface.NodeId) (accepted bool, err error)
	// AuthorHeads returns this side's per-author max timestamp map.
	AuthorHeads(ns keys.NamespaceId) map[keys.AuthorId]uint64
}

// Transport sends and receives Message values for one reconciliation
// session. A real implementation frames each Message with package framing
// over an iface.Conn; tests use an in-memory pipe.
type Transport interface {
	Send(ctx context.Context, m Message) error
	Recv(ctx context.Context) (Message, error)
}

// Config tunes the protocol's thresholds.
type Config struct {
	ThresholdEntries    int  // default 16
	SplitFanout         int  // k, default 2
	MaxBadEntries        int  // default 64
	UseAuthorHeadsShortcut bool
}

// DefaultConfig returns the documented built-in defaults.
func DefaultConfig() Config {
	return Config{
		ThresholdEntries:       16,
		SplitFanout:            2,
		MaxBadEntries:          64,
		UseAuthorHeadsShortcut: true,
	}
}

// Stats summarizes one session's wire traffic for SyncFinished.
type Stats struct {
	Sent     int
	Received int
}

func dominates(local, remote map[keys.AuthorId]uint64) bool {
	for author, remoteTs := range remote {
		if local[author] < remoteTs {
			return false
		}
	}
	return true
}

// RunInitiator drives the reconciliation session from the side that
// initiates each round's probes, recursing into mismatched ranges until
// the residual difference is exhausted.
func RunInitiator(ctx context.Context, ns keys.NamespaceId, src Source, tr Transport, cfg Config, peer iface.NodeId) (Stats, error) {
	var stats Stats
	badEntries := 0

	if cfg.UseAuthorHeadsShortcut {
		local := src.AuthorHeads(ns)
		if err := tr.Send(ctx, Message{Kind: KindAuthorHeads, AuthorHeads: local}); err != nil {
			return stats, docserr.Wrap(docserr.KindConnectFailed, "recon.initiator", err)
		}
		reply, err := tr.Recv(ctx)
		if err != nil {
			return stats, docserr.Wrap(docserr.KindConnectFailed, "recon.initiator", err)
		}
		if reply.Kind == KindAuthorHeads && dominates(local, reply.AuthorHeads) && dominates(reply.AuthorHeads, local) {
			_ = tr.Send(ctx, Message{Kind: KindDone})
			return stats, nil
		}
	}

	pending := []Range{FullRange()}
	for len(pending) > 0 {
		r := pending[0]
		pending = pending[1:]

		fp, count, err := src.Fingerprint(ns, r)
		if err != nil {
			return stats, docserr.Wrap(docserr.KindStorage, "recon.initiator", err)
		}
		if err := tr.Send(ctx, Message{Kind: KindInitialFingerprint, InitialRange: r, InitialFingerprint: fp, InitialCount: count}); err != nil {
			return stats, docserr.Wrap(docserr.KindConnectFailed, "recon.initiator", err)
		}

		reply, err := tr.Recv(ctx)
		if err != nil {
			return stats, docserr.Wrap(docserr.KindConnectFailed, "recon.initiator", err)
		}

		switch reply.Kind {
		case KindDone:
			// fingerprints matched; nothing to do for this range.
		case KindRangeItems:
			peerItems := reply.Items
			have := map[string]entry.SignedEntry{}
			localItems, err := src.Items(ns, r)
			if err != nil {
				return stats, docserr.Wrap(docserr.KindStorage, "recon.initiator", err)
			}
			for _, se := range localItems {
				have[string(se.Entry.Identifier.IndexKey())] = se
			}
			var missing []entry.SignedEntry
			for _, se := range peerItems {
				key := string(se.Entry.Identifier.IndexKey())
				accepted, err := src.Accept(ctx, ns, se, peer)
				if err != nil {
					badEntries++
					if badEntries > cfg.MaxBadEntries {
						_ = tr.Send(ctx, Message{Kind: KindAbort, Reason: "too many invalid entries"})
						return stats, docserr.New(docserr.KindSyncAborted, "recon.initiator", "peer exceeded bad entry limit")
					}
					continue
				}
				if accepted {
					stats.Received++
				}
				if local, ok := have[key]; ok && se.Entry.Less(local.Entry) {
					// our copy is newer: keep it so it is echoed back
					continue
				}
				delete(have, key)
			}
			for _, se := range have {
				missing = append(missing, se)
			}
			if len(missing) > 0 {
				if err := tr.Send(ctx, Message{Kind: KindRangeItems, ItemsRange: r, Items: missing}); err != nil {
					return stats, docserr.Wrap(docserr.KindConnectFailed, "recon.initiator", err)
				}
				stats.Sent += len(missing)
			}
		case KindRangeFingerprints:
			for _, summary := range reply.Summaries {
				localFp, _, err := src.Fingerprint(ns, summary.Range)
				if err != nil {
					return stats, docserr.Wrap(docserr.KindStorage, "recon.initiator", err)
				}
				if localFp != summary.Fingerprint {
					pending = append(pending, summary.Range)
				}
			}
		case KindAbort:
			return stats, docserr.New(docserr.KindSyncAborted, "recon.initiator", reply.Reason)
		default:
			return stats, fmt.Errorf("recon: unexpected message kind %d from peer", reply.Kind)
		}
	}

	if err := tr.Send(ctx, Message{Kind: KindDone}); err != nil {
		return stats, docserr.Wrap(docserr.KindConnectFailed, "recon.initiator", err)
	}
	return stats, nil
}

// RunResponder drives the reconciliation session from the side that
// answers probes: it never initiates a range on its own, only replies to
// whatever the initiator asks about, until it sees the initiator's final
// Done. A RangeItems message arriving when the responder isn't mid-probe
// is the initiator echoing back entries the responder's own item list was
// missing or held in an older version: the responder accepts them and
// sends no reply.
func RunResponder(ctx context.Context, ns keys.NamespaceId, src Source, tr Transport, cfg Config, peer iface.NodeId) (Stats, error) {
	var stats Stats
	badEntries := 0

	for {
		msg, err := tr.Recv(ctx)
		if err != nil {
			return stats, docserr.Wrap(docserr.KindConnectFailed, "recon.responder", err)
		}

		switch msg.Kind {
		case KindAuthorHeads:
			local := src.AuthorHeads(ns)
			if err := tr.Send(ctx, Message{Kind: KindAuthorHeads, AuthorHeads: local}); err != nil {
				return stats, docserr.Wrap(docserr.KindConnectFailed, "recon.responder", err)
			}

		case KindDone:
			return stats, nil

		case KindAbort:
			return stats, docserr.New(docserr.KindSyncAborted, "recon.responder", msg.Reason)

		case KindRangeItems:
			for _, se := range msg.Items {
				accepted, err := src.Accept(ctx, ns, se, peer)
				if err != nil {
					badEntries++
					if badEntries > cfg.MaxBadEntries {
						_ = tr.Send(ctx, Message{Kind: KindAbort, Reason: "too many invalid entries"})
						return stats, docserr.New(docserr.KindSyncAborted, "recon.responder", "peer exceeded bad entry limit")
					}
					continue
				}
				if accepted {
					stats.Received++
				}
			}

		case KindInitialFingerprint:
			localFp, localCount, err := src.Fingerprint(ns, msg.InitialRange)
			if err != nil {
				return stats, docserr.Wrap(docserr.KindStorage, "recon.responder", err)
			}
			if localFp == msg.InitialFingerprint {
				if err := tr.Send(ctx, Message{Kind: KindDone}); err != nil {
					return stats, docserr.Wrap(docserr.KindConnectFailed, "recon.responder", err)
				}
				continue
			}

			small := int(localCount) <= cfg.ThresholdEntries && int(msg.InitialCount) <= cfg.ThresholdEntries
			if small {
				items, err := src.Items(ns, msg.InitialRange)
				if err != nil {
					return stats, docserr.Wrap(docserr.KindStorage, "recon.responder", err)
				}
				if err := tr.Send(ctx, Message{Kind: KindRangeItems, ItemsRange: msg.InitialRange, Items: items}); err != nil {
					return stats, docserr.Wrap(docserr.KindConnectFailed, "recon.responder", err)
				}
				stats.Sent += len(items)
				continue
			}

			summaries, err := src.Split(ns, msg.InitialRange, cfg.SplitFanout)
			if err != nil {
				return stats, docserr.Wrap(docserr.KindStorage, "recon.responder", err)
			}
			if err := tr.Send(ctx, Message{Kind: KindRangeFingerprints, Summaries: summaries}); err != nil {
				return stats, docserr.Wrap(docserr.KindConnectFailed, "recon.responder", err)
			}

		default:
			return stats, fmt.Errorf("recon: unexpected message kind %d from peer", msg.Kind)
		}
	}
}
