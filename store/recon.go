package store

import (
	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/keys"
	"github.com/gholt-successor/docs/recon"
)

// entriesInRange returns every record in ns within r, in the index's
// native namespace||author||key order (the cursor already visits records
// in that order, so no separate sort is needed).
func (sn *Snapshot) entriesInRange(ns keys.NamespaceId, r recon.Range) ([]entry.SignedEntry, error) {
	var all []entry.SignedEntry
	c := sn.tx.Bucket([]byte(TableRecords)).Cursor()
	prefix := ns[:]
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		ident, err := identifierFromRecordKey(k)
		if err != nil {
			return nil, err
		}
		if !r.Contains(ident) {
			continue
		}
		se, err := decodeRecordValue(ident, v)
		if err != nil {
			return nil, err
		}
		all = append(all, se)
	}
	return all, nil
}

// Fingerprint computes r's fingerprint and item count from this snapshot
// by scanning the namespace's records in r and XOR-folding them on each
// call; recon.FingerprintOf's doc comment points here.
func (sn *Snapshot) Fingerprint(ns keys.NamespaceId, r recon.Range) (recon.Fingerprint, uint64, error) {
	items, err := sn.entriesInRange(ns, r)
	if err != nil {
		return recon.Fingerprint{}, 0, err
	}
	var fp recon.Fingerprint
	for _, se := range items {
		fp = fp.Add(se.Entry)
	}
	return fp, uint64(len(items)), nil
}

// Split partitions r into up to k child ranges, each with a freshly
// computed fingerprint and count.
func (sn *Snapshot) Split(ns keys.NamespaceId, r recon.Range, k int) ([]recon.RangeSummary, error) {
	items, err := sn.entriesInRange(ns, r)
	if err != nil {
		return nil, err
	}
	ids := make([]entry.Identifier, len(items))
	for i, se := range items {
		ids[i] = se.Entry.Identifier
	}
	children := r.Split(ids, k)
	summaries := make([]recon.RangeSummary, 0, len(children))
	for _, child := range children {
		fp, count, err := sn.Fingerprint(ns, child)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, recon.RangeSummary{Range: child, Fingerprint: fp, Count: count})
	}
	return summaries, nil
}

// Items returns every entry within r.
func (sn *Snapshot) Items(ns keys.NamespaceId, r recon.Range) ([]entry.SignedEntry, error) {
	return sn.entriesInRange(ns, r)
}
