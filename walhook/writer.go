// Package walhook implements the primary's WAL hook: the component that
// intercepts SQLite's xFrames callback, assigns monotonic frame numbers,
// appends to the current segment, and rotates segments on thresholds
// (spec.md §4.C). It is grounded on the teacher's WAL type (dreamsxin-wal,
// a raft-wal derivative): the same immutable-state / write-lock /
// background-rotation-goroutine shape, generalized from raft log indices
// to libsql frame numbers and from log truncation to commit-frame
// tracking and wait_for_frame.
package walhook

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tursodatabase/libsql-sub009/frame"
	"github.com/tursodatabase/libsql-sub009/libsqlerr"
	"github.com/tursodatabase/libsql-sub009/types"
)

// PageUpdate is one page SQLite is committing, as delivered to the xFrames
// hook before frame numbers or checksums are assigned.
type PageUpdate struct {
	PageNo uint32
	Data   []byte
}

// LogWriter is the primary's frame log writer: the sole writer of the
// current segment (spec.md §5 "Current segment: one writer"). Internally,
// reads acquire a reference to the current immutable state
// (acquireState); readers are bounded to LastCommittedFrameNo.
type LogWriter struct {
	closed uint32 // atomic; keep first for alignment, as the teacher does

	dir      string
	dbID     [16]byte
	pageSize uint32
	sf       types.SegmentFiler
	metaDB   types.MetaStore

	reg     prometheus.Registerer
	metrics *metrics
	logger  log.Logger

	maxSegmentFrames uint64
	maxSegmentAge    time.Duration

	s atomic.Value // *state

	writeMu sync.Mutex

	// commitCond broadcasts whenever lastCommittedFrameNo advances, the
	// suspension point behind WaitForFrame (spec.md §5).
	commitMu   sync.Mutex
	commitCond *sync.Cond

	triggerRotate chan uint64
	awaitRotate   chan struct{}
}

// Option configures a LogWriter at Open time.
type Option func(*LogWriter)

func WithLogger(l log.Logger) Option { return func(w *LogWriter) { w.logger = l } }
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *LogWriter) { w.reg = reg }
}
func WithMaxSegmentFrames(n uint64) Option { return func(w *LogWriter) { w.maxSegmentFrames = n } }
func WithMaxSegmentAge(d time.Duration) Option {
	return func(w *LogWriter) { w.maxSegmentAge = d }
}

// Open opens (or initializes) the frame log rooted at dir. sf and metaDB
// are the storage capabilities (normally segment.FileFiler and
// metadb.BoltMetaStore); dbID/pageSize identify the database this log
// belongs to.
func Open(dir string, dbID [16]byte, pageSize uint32, sf types.SegmentFiler, metaDB types.MetaStore, opts ...Option) (*LogWriter, error) {
	w := &LogWriter{
		dir:           dir,
		dbID:          dbID,
		pageSize:      pageSize,
		sf:            sf,
		metaDB:        metaDB,
		logger:        log.NewNopLogger(),
		triggerRotate: make(chan uint64, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.metrics = newMetrics(w.reg)
	w.commitCond = sync.NewCond(&w.commitMu)

	persisted, err := w.metaDB.Load()
	if err != nil {
		return nil, libsqlerr.Wrap(libsqlerr.KindIO, "load metadb", err)
	}

	newState := state{
		segments:      immutable.NewSortedMap[uint64, segmentState](nil),
		nextSegmentID: persisted.NextSegmentID,
	}
	if newState.nextSegmentID == 0 {
		newState.nextSegmentID = 1
	}

	onDisk, err := w.sf.List()
	if err != nil {
		return nil, libsqlerr.Wrap(libsqlerr.KindIO, "list segment directory", err)
	}

	recoveredTail := false
	for i, si := range persisted.Segments {
		delete(onDisk, si.ID)

		if !si.Sealed() {
			if i < len(persisted.Segments)-1 {
				return nil, libsqlerr.New(libsqlerr.KindCorruptSegment, "unsealed segment is not at tail")
			}
			sw, err := w.sf.RecoverTail(si)
			if err != nil {
				return nil, libsqlerr.Wrap(libsqlerr.KindIO, "recover tail segment", err)
			}
			newState.tail = sw
			newState.lastCommittedFrameNo = findLastCommitted(sw, si)
			newState.segments = newState.segments.Set(si.StartFrameNo, segmentState{SegmentInfo: si, w: sw})
			recoveredTail = true
			break
		}

		sr, err := w.sf.Open(si)
		if err != nil {
			return nil, libsqlerr.Wrap(libsqlerr.KindIO, "open sealed segment", err)
		}
		newState.segments = newState.segments.Set(si.StartFrameNo, segmentState{SegmentInfo: si, r: sr})
		if si.EndFrameNo > newState.lastCommittedFrameNo {
			newState.lastCommittedFrameNo = si.EndFrameNo
		}
	}

	if !recoveredTail {
		info := w.newSegmentInfo(newState.nextSegmentID, 1)
		newState.nextSegmentID++
		if err := w.metaDB.CommitState(withSegment(newState.persistent(), info)); err != nil {
			return nil, libsqlerr.Wrap(libsqlerr.KindIO, "commit new tail segment", err)
		}
		sw, err := w.sf.Create(info)
		if err != nil {
			return nil, libsqlerr.Wrap(libsqlerr.KindIO, "create new tail segment", err)
		}
		newState.tail = sw
		newState.segments = newState.segments.Set(info.StartFrameNo, segmentState{SegmentInfo: info, w: sw})
	}

	w.s.Store(&newState)
	w.deleteOrphans(onDisk)

	go w.runRotate()
	return w, nil
}

func withSegment(ps types.PersistentState, si types.SegmentInfo) types.PersistentState {
	ps.Segments = append(ps.Segments, si)
	ps.NextSegmentID = si.ID + 1
	return ps
}

// findLastCommitted scans the recovered tail backwards-compatible-style:
// forward from its start, remembering the last frame whose SizeAfter != 0.
// This re-establishes last_committed_frame_no after a crash, since the
// tail's own in-memory counter does not survive a restart.
func findLastCommitted(sw types.SegmentWriter, si types.SegmentInfo) uint64 {
	var last uint64
	for fno := si.StartFrameNo; fno <= sw.LastFrameNo() && sw.LastFrameNo() != 0; fno++ {
		f, err := sw.GetFrame(fno)
		if err != nil {
			break
		}
		if f.IsCommit() {
			last = f.FrameNo
		}
	}
	return last
}

func (w *LogWriter) newSegmentInfo(id, startFrameNo uint64) types.SegmentInfo {
	return types.SegmentInfo{
		ID:           id,
		DatabaseID:   w.dbID,
		StartFrameNo: startFrameNo,
		PageSize:     w.pageSize,
		SizeLimit:    uint32(w.maxSegmentFrames),
		CreateTime:   time.Now(),
	}
}

func (w *LogWriter) loadState() *state { return w.s.Load().(*state) }

func (w *LogWriter) acquireState() (*state, func()) {
	s := w.loadState()
	return s, s.acquire()
}

func (w *LogWriter) checkClosed() error {
	if atomic.LoadUint32(&w.closed) != 0 {
		return libsqlerr.ErrClosed
	}
	return nil
}

// Frames is the primary's xFrames hook entry point: SQLite (or its
// equivalent in this module, a caller standing in for the SQLite VM)
// invokes it with one transaction's worth of page updates. sizeAfter is
// the database size in pages after commit, non-zero iff isCommit.
func (w *LogWriter) Frames(pages []PageUpdate, sizeAfter uint32, isCommit bool) error {
	if err := w.checkClosed(); err != nil {
		return err
	}
	if len(pages) == 0 {
		return nil
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.awaitRotate != nil {
		ch := w.awaitRotate
		w.writeMu.Unlock()
		<-ch
		w.writeMu.Lock()
	}

	s, release := w.acquireState()
	defer release()

	last := s.lastFrameNo()
	prevCk := s.tail.LastChecksum()

	frames := make([]types.Frame, len(pages))
	var nBytes int
	for i, p := range pages {
		h := types.FrameHeader{FrameNo: last + uint64(i) + 1, PageNo: p.PageNo}
		if isCommit && i == len(pages)-1 {
			h.SizeAfter = sizeAfter
		}
		h.Checksum = frame.RollChecksum(prevCk, h, p.Data)
		prevCk = h.Checksum
		frames[i] = types.Frame{FrameHeader: h, Page: p.Data}
		nBytes += len(p.Data)
	}

	if err := s.tail.Append(frames); err != nil {
		return libsqlerr.Wrap(libsqlerr.KindIO, "append frames", err)
	}
	w.metrics.appends.Inc()
	w.metrics.framesWritten.Add(float64(len(frames)))
	w.metrics.bytesWritten.Add(float64(nBytes))

	if isCommit {
		w.publishCommit(frames[len(frames)-1].FrameNo)
	}

	sealed, indexStart, err := s.tail.Sealed()
	if err != nil {
		return err
	}
	if sealed {
		w.triggerRotateLocked(uint64(indexStart))
	}
	return nil
}

// publishCommit advances last_committed_frame_no with a release barrier
// (the mutex acquire/release around the store) and wakes every
// WaitForFrame waiter whose target is now satisfied, per spec.md §4.C.
func (w *LogWriter) publishCommit(frameNo uint64) {
	w.commitMu.Lock()
	s := w.loadState()
	if frameNo > s.lastCommittedFrameNo {
		s.lastCommittedFrameNo = frameNo
	}
	w.metrics.lastCommittedFrameNo.Set(float64(s.lastCommittedFrameNo))
	w.commitCond.Broadcast()
	w.commitMu.Unlock()
}

// WaitForFrame blocks until last_committed_frame_no >= frameNo or ctx is
// done. This is the suspension point replication source streams and
// backup scheduling block on (spec.md §5).
func (w *LogWriter) WaitForFrame(ctx context.Context, frameNo uint64) error {
	done := make(chan struct{})
	go func() {
		w.commitMu.Lock()
		defer w.commitMu.Unlock()
		for w.loadState().lastCommittedFrameNo < frameNo && atomic.LoadUint32(&w.closed) == 0 {
			w.commitCond.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		if err := w.checkClosed(); err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		// Wake the helper goroutine so it doesn't leak waiting on Cond
		// forever; a spurious broadcast here is harmless.
		w.commitMu.Lock()
		w.commitCond.Broadcast()
		w.commitMu.Unlock()
		return ctx.Err()
	}
}

// LastCommittedFrameNo returns the highest frame_no whose transaction has
// committed.
func (w *LogWriter) LastCommittedFrameNo() uint64 {
	s, release := w.acquireState()
	defer release()
	return s.lastCommittedFrameNo
}

// FirstFrameNo/LastFrameNo report the oldest and newest frame_no known to
// this log (including the uncommitted tail, for LastFrameNo).
func (w *LogWriter) FirstFrameNo() uint64 {
	s, release := w.acquireState()
	defer release()
	return s.firstFrameNo()
}

func (w *LogWriter) LastFrameNo() uint64 {
	s, release := w.acquireState()
	defer release()
	return s.lastFrameNo()
}

// Checkpoint always fails: libsql replaces SQLite's checkpoint/truncate
// with segment rotation, so a caller must never free WAL pages directly
// (spec.md §4.C).
func (w *LogWriter) Checkpoint() error {
	return libsqlerr.New(libsqlerr.KindWriteConflict,
		"checkpoint/truncate is rejected while the WAL hook is active; rotation replaces it")
}

func (w *LogWriter) triggerRotateLocked(indexStart uint64) {
	if atomic.LoadUint32(&w.closed) == 1 {
		return
	}
	w.awaitRotate = make(chan struct{})
	w.triggerRotate <- indexStart
}

func (w *LogWriter) runRotate() {
	for range w.triggerRotate {
		w.writeMu.Lock()
		if atomic.LoadUint32(&w.closed) == 1 {
			w.writeMu.Unlock()
			return
		}
		if err := w.rotateSegmentLocked(); err != nil {
			level.Error(w.logger).Log("msg", "segment rotation failed", "err", err)
		}
		done := w.awaitRotate
		w.awaitRotate = nil
		w.writeMu.Unlock()
		close(done)
	}
}

func (w *LogWriter) rotateSegmentLocked() error {
	s := w.loadState()
	s.acquire()
	defer s.release()

	newS := s.clone()
	tail := newS.getTailInfo()
	if tail == nil {
		return fmt.Errorf("no tail segment found during rotation")
	}
	sealedInfo, err := sealTail(newS.tail)
	if err != nil {
		return err
	}
	w.metrics.lastSegmentAgeSeconds.Set(time.Since(sealedInfo.CreateTime).Seconds())
	newS.segments = newS.segments.Set(sealedInfo.StartFrameNo, segmentState{SegmentInfo: sealedInfo, r: nil})

	newTailInfo := w.newSegmentInfo(newS.nextSegmentID, sealedInfo.EndFrameNo+1)
	newS.nextSegmentID++

	if err := w.metaDB.CommitState(withSegment(newS.persistent(), newTailInfo)); err != nil {
		return libsqlerr.Wrap(libsqlerr.KindIO, "commit rotation metadata", err)
	}

	sw, err := w.sf.Create(newTailInfo)
	if err != nil {
		return libsqlerr.Wrap(libsqlerr.KindIO, "create rotated segment", err)
	}
	newS.tail = sw
	newS.segments = newS.segments.Set(newTailInfo.StartFrameNo, segmentState{SegmentInfo: newTailInfo, w: sw})

	w.metrics.segmentRotations.Inc()
	s.finalizer.Store(func() {})
	w.s.Store(&newS)
	return nil
}

// sealTail seals a tail types.SegmentWriter and returns its final info.
// The concrete segment.Writer exposes Seal() beyond the narrow
// types.SegmentWriter interface; the log writer is the one caller allowed
// to use it.
func sealTail(sw types.SegmentWriter) (types.SegmentInfo, error) {
	type sealer interface{ Seal() (types.SegmentInfo, error) }
	s, ok := sw.(sealer)
	if !ok {
		return types.SegmentInfo{}, fmt.Errorf("segment writer does not support Seal")
	}
	return s.Seal()
}

// deleteOrphans removes segment files present on disk but absent from the
// recovered metadb state, left over from a crash between file creation
// and metadata commit.
func (w *LogWriter) deleteOrphans(onDisk map[uint64]uint64) {
	for id, startFrameNo := range onDisk {
		if err := w.sf.Delete(id, startFrameNo); err != nil {
			level.Error(w.logger).Log("msg", "failed to delete orphan segment", "id", id, "err", err)
		}
	}
}

// PruneSealedBefore deletes sealed segments entirely below
// keepFromFrameNo, called by the owner once the backup scheduler reports
// durable_frame_no has advanced past their end_frame_no (spec.md §4.B,
// §9). It never touches the tail.
func (w *LogWriter) PruneSealedBefore(keepFromFrameNo uint64) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	s := w.loadState()
	s.acquire()
	defer s.release()

	newS := s.clone()
	var toDelete []types.SegmentInfo
	it := newS.segments.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		if seg.Sealed() && seg.EndFrameNo < keepFromFrameNo {
			toDelete = append(toDelete, seg.SegmentInfo)
			newS.segments = newS.segments.Delete(seg.StartFrameNo)
		}
	}
	if len(toDelete) == 0 {
		return nil
	}
	if err := w.metaDB.CommitState(newS.persistent()); err != nil {
		return libsqlerr.Wrap(libsqlerr.KindIO, "commit prune", err)
	}
	s.finalizer.Store(func() {
		for _, seg := range toDelete {
			if err := w.sf.Delete(seg.ID, seg.StartFrameNo); err != nil {
				level.Error(w.logger).Log("msg", "failed to delete pruned segment", "err", err)
			}
		}
	})
	w.s.Store(&newS)
	return nil
}

func (w *LogWriter) Close() error {
	if old := atomic.SwapUint32(&w.closed, 1); old != 0 {
		return nil
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.awaitRotate = nil
	close(w.triggerRotate)

	w.commitMu.Lock()
	w.commitCond.Broadcast()
	w.commitMu.Unlock()

	return w.metaDB.Close()
}
