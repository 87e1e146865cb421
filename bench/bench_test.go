// Package main benchmarks the frame log writer (walhook.LogWriter, backed
// by segment.FileFiler and metadb.BoltMetaStore) against a raw bbolt
// baseline, the same WAL-vs-Bolt comparison the teacher's own benchmark
// made for raft log entries, now applied to libsql frames.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/tursodatabase/libsql-sub009/metadb"
	"github.com/tursodatabase/libsql-sub009/segment"
	"github.com/tursodatabase/libsql-sub009/walhook"
)

func BenchmarkAppend(b *testing.B) {
	batchSizes := []int{1, 10}

	for _, bSize := range batchSizes {
		b.Run(fmt.Sprintf("batchSize=%d/v=WAL", bSize), func(b *testing.B) {
			w, done := openLogWriter(b)
			defer done()
			runAppendBench(b, w, bSize)
		})
		b.Run(fmt.Sprintf("batchSize=%d/v=Bolt", bSize), func(b *testing.B) {
			db, done := openBolt(b)
			defer done()
			runBoltAppendBench(b, db, bSize)
		})
	}
}

func openLogWriter(b *testing.B) (*walhook.LogWriter, func()) {
	tmpDir, err := os.MkdirTemp("", "libsqlwald-bench-*")
	require.NoError(b, err)

	sf, err := segment.NewFileFiler(filepath.Join(tmpDir, "wallog"), 1<<20, time.Hour)
	require.NoError(b, err)
	mdb, err := metadb.Open(tmpDir)
	require.NoError(b, err)

	w, err := walhook.Open(tmpDir, walhook.NewDatabaseID(), 4096, sf, mdb)
	require.NoError(b, err)

	return w, func() {
		w.Close()
		mdb.Close()
		os.RemoveAll(tmpDir)
	}
}

func openBolt(b *testing.B) (*bbolt.DB, func()) {
	tmpDir, err := os.MkdirTemp("", "libsqlwald-bench-*")
	require.NoError(b, err)

	db, err := bbolt.Open(filepath.Join(tmpDir, "bolt.db"), 0o644, nil)
	require.NoError(b, err)
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("frames"))
		return err
	})
	require.NoError(b, err)

	return db, func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
}

func runAppendBench(b *testing.B, w *walhook.LogWriter, n int) {
	pages := make([]walhook.PageUpdate, n)
	for i := range pages {
		pages[i] = walhook.PageUpdate{PageNo: uint32(i + 1), Data: randomData[:4096]}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StartTimer()
		err := w.Frames(pages, uint32(4096*n), true)
		b.StopTimer()
		if err != nil {
			b.Fatalf("error appending: %s", err)
		}
	}
}

func runBoltAppendBench(b *testing.B, db *bbolt.DB, n int) {
	b.ResetTimer()
	idx := uint64(1)
	for i := 0; i < b.N; i++ {
		b.StartTimer()
		err := db.Update(func(tx *bbolt.Tx) error {
			bucket := tx.Bucket([]byte("frames"))
			for j := 0; j < n; j++ {
				key := make([]byte, 8)
				for k := 0; k < 8; k++ {
					key[k] = byte(idx >> (8 * (7 - k)))
				}
				idx++
				if err := bucket.Put(key, randomData[:4096]); err != nil {
					return err
				}
			}
			return nil
		})
		b.StopTimer()
		if err != nil {
			b.Fatalf("error appending: %s", err)
		}
	}
}

var randomData = func() []byte {
	b := make([]byte, 1<<20)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}()
