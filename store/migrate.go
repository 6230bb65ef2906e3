package store

import (
	"encoding/binary"
	"fmt"

	"github.com/gholt-successor/docs/docslog"
	"go.etcd.io/bbolt"
)

// currentSchemaVersion is bumped whenever the on-disk layout changes in a
// way existing rows must be transcoded for. This module starts at 2 and
// treats 1 as the one known legacy layout worth migrating from (records
// stored without the latest_per_author aggregate, which must be rebuilt
// from a full scan).
const currentSchemaVersion = 2

var versionKey = []byte("schema_version")

// migrationError wraps a migration failure so Open can tell it apart from
// an ordinary storage error and log it distinctly. It is never committed:
// returning it from inside db.Update aborts the transaction, so a failed
// migration leaves the source file exactly as it was.
type migrationError struct {
	from  int
	cause error
}

func (e *migrationError) Error() string {
	return fmt.Sprintf("migration from schema version %d failed: %v", e.from, e.cause)
}

// migrate runs inside the same transaction that created any missing
// buckets on Open, so it sees a fully-initialized (if empty) database on
// first run and fails the whole open atomically if a later version's
// migration step errors.
func migrate(tx *bbolt.Tx, log *docslog.Logger, path string) error {
	versions := tx.Bucket([]byte(TableVersion))
	raw := versions.Get(versionKey)

	if raw == nil {
		// Fresh database: no legacy rows to transcode.
		return versions.Put(versionKey, encodeVersion(currentSchemaVersion))
	}

	from := int(binary.BigEndian.Uint32(raw))
	if from == currentSchemaVersion {
		return nil
	}
	if from > currentSchemaVersion {
		return &migrationError{from: from, cause: fmt.Errorf("database schema version %d is newer than this binary supports (%d)", from, currentSchemaVersion)}
	}

	for v := from; v < currentSchemaVersion; v++ {
		if err := migrateStep(tx, v); err != nil {
			return &migrationError{from: from, cause: err}
		}
	}
	return versions.Put(versionKey, encodeVersion(currentSchemaVersion))
}

// migrateStep runs the single transformation from schema version v to
// v+1.
func migrateStep(tx *bbolt.Tx, v int) error {
	switch v {
	case 1:
		return rebuildAuthorHeads(tx)
	default:
		return fmt.Errorf("no migration defined from schema version %d", v)
	}
}

// rebuildAuthorHeads repopulates latest_per_author from a full scan of
// records, for databases written before that aggregate bucket existed.
func rebuildAuthorHeads(tx *bbolt.Tx) error {
	records := tx.Bucket([]byte(TableRecords))
	heads := tx.Bucket([]byte(TableLatestPerAuthor))

	return records.ForEach(func(k, v []byte) error {
		ident, err := identifierFromRecordKey(k)
		if err != nil {
			return err
		}
		se, err := decodeRecordValue(ident, v)
		if err != nil {
			return err
		}
		hk := authorHeadKey(ident.Namespace, ident.Author)
		cur := decodeUint64(heads.Get(hk))
		if se.Entry.Record.Timestamp > cur {
			return heads.Put(hk, encodeUint64(se.Entry.Record.Timestamp))
		}
		return nil
	})
}

func encodeVersion(v int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}
