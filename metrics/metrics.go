// Package metrics exposes package-level counters and summaries for the
// storage index and the reconciliation protocol, in the VictoriaMetrics
// global-registry style: declare once, increment from anywhere, never
// required by core logic.
package metrics

import "github.com/VictoriaMetrics/metrics"

var (
	// StorageFlushes counts coalesced commit flushes.
	StorageFlushes = metrics.NewCounter(`docs_storage_flushes_total`)
	// StorageFlushSeconds times each coalesced flush.
	StorageFlushSeconds = metrics.GetOrCreateSummary(`docs_storage_flush_seconds`)
	// StorageOpenReplicas tracks the number of currently open replica
	// handles across all namespaces.
	StorageOpenReplicas = metrics.NewCounter(`docs_storage_open_replicas`)

	// ReconEntriesSent counts entries placed on the wire by this side.
	ReconEntriesSent = metrics.NewCounter(`docs_recon_entries_sent_total`)
	// ReconEntriesReceived counts entries accepted from a peer.
	ReconEntriesReceived = metrics.NewCounter(`docs_recon_entries_received_total`)
	// ReconSessionsAborted counts sessions that ended with an error.
	ReconSessionsAborted = metrics.NewCounter(`docs_recon_sessions_aborted_total`)
	// ReconSessionSeconds times a full reconciliation session.
	ReconSessionSeconds = metrics.GetOrCreateSummary(`docs_recon_session_seconds`)

	// ActorInboxDepth tracks how many commands are queued on the actor's
	// inbox at any moment.
	ActorInboxDepth = metrics.NewCounter(`docs_actor_inbox_depth`)
	// ActorSubscribersDropped counts subscribers evicted after exhausting
	// their backoff retry on a full channel.
	ActorSubscribersDropped = metrics.NewCounter(`docs_actor_subscribers_dropped_total`)
)
