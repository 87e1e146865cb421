// Package metadb is the durable index of known segments that the primary
// log writer consults on startup and updates on every rotation. It is
// grounded on the teacher's use of go.etcd.io/bbolt as the metaDB backing
// store (see the teacher's bench/bench_test.go comparison against
// raft-boltdb), generalized here from raft log segments to libsql frame
// segments.
package metadb

import (
	"encoding/json"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/tursodatabase/libsql-sub009/libsqlerr"
	"github.com/tursodatabase/libsql-sub009/types"
)

var (
	bucketMeta    = []byte("meta")
	keyPersistent = []byte("state")
)

// BoltMetaStore implements types.MetaStore on top of a single bbolt file.
// Writes are single transactions; bbolt's own fsync-on-commit gives the
// durability spec.md requires before the primary may seal a rotation.
type BoltMetaStore struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the metadb file at dir/metadb.
func Open(dir string) (*BoltMetaStore, error) {
	db, err := bbolt.Open(filepath.Join(dir, "metadb"), 0o644, nil)
	if err != nil {
		return nil, libsqlerr.Wrap(libsqlerr.KindIO, "open metadb", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, libsqlerr.Wrap(libsqlerr.KindIO, "init metadb bucket", err)
	}
	return &BoltMetaStore{db: db}, nil
}

// Load returns the persisted segment index, or a zero-value
// PersistentState (NextSegmentID=1, no segments) if the store is new.
func (m *BoltMetaStore) Load() (types.PersistentState, error) {
	var out types.PersistentState
	err := m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		raw := b.Get(keyPersistent)
		if raw == nil {
			out = types.PersistentState{NextSegmentID: 1}
			return nil
		}
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return types.PersistentState{}, libsqlerr.Wrap(libsqlerr.KindIO, "load metadb state", err)
	}
	return out, nil
}

// CommitState atomically persists the new segment index. The log writer
// calls it before creating a new tail segment file and before deleting
// pruned segment files, so a crash between the two always resolves in
// favor of replaying the smaller, already-durable state on next startup.
// On rotation the old tail is sealed on disk first and its sealed record
// is committed together with the new tail.
func (m *BoltMetaStore) CommitState(s types.PersistentState) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return libsqlerr.Wrap(libsqlerr.KindIO, "encode metadb state", err)
	}
	err = m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyPersistent, raw)
	})
	if err != nil {
		return libsqlerr.Wrap(libsqlerr.KindIO, "commit metadb state", err)
	}
	return nil
}

func (m *BoltMetaStore) Close() error {
	if err := m.db.Close(); err != nil {
		return libsqlerr.Wrap(libsqlerr.KindIO, "close metadb", err)
	}
	return nil
}
