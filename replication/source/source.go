// Package source implements the replication source (spec.md §4.E): the
// primary-side logical RPCs (hello, log_entries, snapshot) that replicas
// pull from. It is grounded on the teacher's read-only access pattern for
// sealed segments (acquire a state, read, release) generalized to serve an
// external caller instead of an internal snapshotter/compactor.
package source

import (
	"context"
	"io"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tursodatabase/libsql-sub009/libsqlerr"
	"github.com/tursodatabase/libsql-sub009/snapshot"
	"github.com/tursodatabase/libsql-sub009/types"
)

// Log is the capability the source needs from the primary's frame log: the
// ability to read back a contiguous range. walhook.LogWriter provides
// LastCommittedFrameNo but has no DatabaseID, GenerationID, PageSize,
// OldestRetainedFrameNo or FrameAt method, so it does not satisfy Log by
// itself. Kept narrow so tests can substitute an in-memory fake.
type Log interface {
	DatabaseID() [16]byte
	GenerationID() [16]byte
	PageSize() uint32
	LastCommittedFrameNo() uint64
	// OldestRetainedFrameNo is the lowest frame_no still readable from a
	// sealed or tail segment (frames before it require a snapshot).
	OldestRetainedFrameNo() uint64
	// FrameAt reads back a single committed frame; ErrNotFound past the
	// commit boundary or below OldestRetainedFrameNo.
	FrameAt(frameNo uint64) (types.Frame, error)
}

type metrics struct {
	helloCalls       prometheus.Counter
	logEntriesCalls  prometheus.Counter
	snapshotCalls    prometheus.Counter
	needSnapshotHits prometheus.Counter
	framesServed     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		helloCalls: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "source_hello_calls", Help: "source_hello_calls counts hello() invocations.",
		}),
		logEntriesCalls: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "source_log_entries_calls", Help: "source_log_entries_calls counts log_entries() invocations.",
		}),
		snapshotCalls: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "source_snapshot_calls", Help: "source_snapshot_calls counts snapshot() invocations.",
		}),
		needSnapshotHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "source_need_snapshot_total", Help: "source_need_snapshot_total counts log_entries() calls that returned NEED_SNAPSHOT.",
		}),
		framesServed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "source_frames_served", Help: "source_frames_served counts frames streamed to replicas.",
		}),
	}
}

// Source serves replicas from a primary's log and snapshot index.
type Source struct {
	log  Log
	snap *snapshot.Index

	reg     prometheus.Registerer
	metrics *metrics
}

// Option configures a Source at New time.
type Option func(*Source)

func WithRegisterer(r prometheus.Registerer) Option { return func(s *Source) { s.reg = r } }

// New returns a Source reading from log, optionally consulting a snapshot
// index (nil if no snapshotter is configured for this database).
func New(log Log, snapIdx *snapshot.Index, opts ...Option) *Source {
	s := &Source{log: log, snap: snapIdx}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newMetrics(s.reg)
	return s
}

// Hello answers the handshake RPC (spec.md §4.E, §4.G).
func (s *Source) Hello() types.HelloResponse {
	s.metrics.helloCalls.Inc()
	return types.HelloResponse{
		DatabaseID:     s.log.DatabaseID(),
		GenerationID:   s.log.GenerationID(),
		CurrentFrameNo: s.log.LastCommittedFrameNo(),
		PageSize:       s.log.PageSize(),
	}
}

// LogEntries returns a FrameStream over frames with frame_no >= from, up to
// the current commit boundary, or ErrNeedSnapshot if from predates the
// oldest retained segment.
func (s *Source) LogEntries(ctx context.Context, from uint64) (types.FrameStream, error) {
	s.metrics.logEntriesCalls.Inc()
	if from < s.log.OldestRetainedFrameNo() {
		s.metrics.needSnapshotHits.Inc()
		return nil, libsqlerr.New(libsqlerr.KindNeedSnapshot, "requested frame_no predates oldest retained segment")
	}
	return &logStream{ctx: ctx, src: s, next: from, end: s.log.LastCommittedFrameNo()}, nil
}

// Snapshot returns a FrameStream over the most recent snapshot whose
// end_frame_no >= from, followed by any subsequent committed frames, ending
// at a commit boundary (spec.md §4.E).
func (s *Source) Snapshot(ctx context.Context, from uint64) (types.FrameStream, error) {
	s.metrics.snapshotCalls.Inc()
	if s.snap == nil {
		return nil, libsqlerr.New(libsqlerr.KindNeedSnapshot, "no snapshot available for this database")
	}
	info, ok := s.snap.Latest(from)
	if !ok {
		return nil, libsqlerr.New(libsqlerr.KindNeedSnapshot, "no snapshot covers the requested frame_no")
	}
	return newSnapshotStream(ctx, s, info, s.log.LastCommittedFrameNo())
}

// logStream streams committed frames directly off the live log in
// ascending frame_no order.
type logStream struct {
	ctx  context.Context
	src  *Source
	next uint64
	end  uint64
}

func (ls *logStream) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if ls.next > ls.end {
		return types.Frame{}, io.EOF
	}
	f, err := ls.src.log.FrameAt(ls.next)
	if err != nil {
		return types.Frame{}, err
	}
	ls.next++
	ls.src.metrics.framesServed.Inc()
	return f, nil
}

func (ls *logStream) Close() error { return nil }

// snapshotStream replays a snapshot file's frames (in the file's stored
// order) and then falls through to a logStream for anything committed
// after the snapshot's end_frame_no.
type snapshotStream struct {
	frames    []types.Frame
	pos       int
	sizeAfter uint32
	tail      *logStream
}

func newSnapshotStream(ctx context.Context, s *Source, info types.SnapshotInfo, lastCommitted uint64) (*snapshotStream, error) {
	frames, err := snapshot.ReadFrames(info)
	if err != nil {
		return nil, err
	}
	// ReadFrames already returns ascending frame_no order (re-chained at
	// build time); sorting here is just a defensive no-op against that
	// invariant ever drifting.
	sort.Slice(frames, func(i, j int) bool { return frames[i].FrameNo < frames[j].FrameNo })

	var tail *logStream
	if info.EndFrameNo < lastCommitted {
		tail = &logStream{ctx: ctx, src: s, next: info.EndFrameNo + 1, end: lastCommitted}
	}
	return &snapshotStream{frames: frames, sizeAfter: info.SizeAfter, tail: tail}, nil
}

func (ss *snapshotStream) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if ss.pos < len(ss.frames) {
		f := ss.frames[ss.pos]
		ss.pos++
		if ss.pos == len(ss.frames) {
			// The snapshot's header SizeAfter is the database size after
			// the single commit it represents; stamp it on the last frame
			// delivered so the injector recognizes the commit boundary.
			f.SizeAfter = ss.sizeAfter
		}
		return f, nil
	}
	if ss.tail != nil {
		return ss.tail.Next(ctx)
	}
	return types.Frame{}, io.EOF
}

// Batch returns the snapshot's full frame set in one call, stamped with
// size_after on the last frame, and advances past it so a subsequent Next
// falls through to any tail frames. Lets a caller apply the snapshot as a
// single InjectSnapshot batch instead of one frame at a time, which matters
// because the batch's frame_no sequence is deduplicated and routinely
// non-contiguous (spec.md §4.D).
func (ss *snapshotStream) Batch() []types.Frame {
	if ss.pos >= len(ss.frames) {
		return nil
	}
	batch := ss.frames[ss.pos:]
	if len(batch) > 0 {
		batch[len(batch)-1].SizeAfter = ss.sizeAfter
	}
	ss.pos = len(ss.frames)
	return batch
}

func (ss *snapshotStream) Close() error {
	if ss.tail != nil {
		return ss.tail.Close()
	}
	return nil
}
