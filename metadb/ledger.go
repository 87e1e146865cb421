package metadb

import (
	"encoding/binary"

	"go.etcd.io/bbolt"

	"github.com/tursodatabase/libsql-sub009/libsqlerr"
)

var bucketLedger = []byte("backup_ledger")

// BoltLedger implements scheduler.Ledger on the same bbolt file as
// BoltMetaStore's segment index, keyed by namespace, so a primary with
// backups enabled has a single metadb file covering both concerns.
type BoltLedger struct {
	db *bbolt.DB
}

// OpenLedger opens (creating if needed) the backup ledger bucket on db.
// Call this with the *bbolt.DB backing an already-open BoltMetaStore
// (db.DB()) to share one file, or with a dedicated bbolt.Open result.
func OpenLedger(db *bbolt.DB) (*BoltLedger, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLedger)
		return err
	})
	if err != nil {
		return nil, libsqlerr.Wrap(libsqlerr.KindIO, "init backup ledger bucket", err)
	}
	return &BoltLedger{db: db}, nil
}

func (l *BoltLedger) DurableFrameNo(namespace string) (uint64, error) {
	var n uint64
	err := l.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketLedger).Get([]byte(namespace))
		if raw != nil {
			n = binary.LittleEndian.Uint64(raw)
		}
		return nil
	})
	if err != nil {
		return 0, libsqlerr.Wrap(libsqlerr.KindIO, "read durable_frame_no", err)
	}
	return n, nil
}

func (l *BoltLedger) SetDurableFrameNo(namespace string, frameNo uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, frameNo)
	err := l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLedger).Put([]byte(namespace), buf)
	})
	if err != nil {
		return libsqlerr.Wrap(libsqlerr.KindIO, "write durable_frame_no", err)
	}
	return nil
}

// DB exposes the underlying bbolt handle so callers can share one file
// between BoltMetaStore and BoltLedger.
func (m *BoltMetaStore) DB() *bbolt.DB { return m.db }
