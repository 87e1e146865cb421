// Package injector implements the replica-side injector (spec.md §4.F): it
// applies frames received from the replicator client to local SQLite
// through a custom WAL hook running in sync mode, buffering until a commit
// frame so a partial transaction is never exposed to readers. It is
// grounded on the teacher's xFrames-hook shape in walhook, run in reverse:
// instead of assigning frame numbers, the injector validates numbers it is
// handed and instead of sealing segments on thresholds, it commits to
// SQLite and the meta file on commit frames.
package injector

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tursodatabase/libsql-sub009/frame"
	"github.com/tursodatabase/libsql-sub009/libsqlerr"
	"github.com/tursodatabase/libsql-sub009/types"
)

// SQLiteSink is the local WAL hook surface the injector flushes committed
// transactions into: one call per completed, buffered transaction. It
// stands in for SQLite's xFrames ABI, generalized to a plain Go interface
// so tests can substitute an in-memory database.
type SQLiteSink interface {
	ApplyTransaction(pages []types.Frame) error
}

// MetaStore is the replica's durable meta file (spec.md §3/§6): write to
// temp, fsync, rename.
type MetaStore interface {
	Load() (types.ReplicaMeta, error)
	Save(types.ReplicaMeta) error
}

type metrics struct {
	framesInjected prometheus.Counter
	commits        prometheus.Counter
	rollbacks      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		framesInjected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "injector_frames_injected", Help: "injector_frames_injected counts frames buffered via Inject.",
		}),
		commits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "injector_commits", Help: "injector_commits counts transactions flushed to SQLite.",
		}),
		rollbacks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "injector_rollbacks", Help: "injector_rollbacks counts buffers discarded without a commit.",
		}),
	}
}

// Injector applies a replicated frame stream to local SQLite, one
// transaction at a time. Not safe for concurrent use; the replicator
// client drives it from a single goroutine per spec.md §4.G.
type Injector struct {
	sink SQLiteSink
	meta MetaStore

	reg     prometheus.Registerer
	metrics *metrics
	logger  log.Logger

	mu      sync.Mutex
	buf     []types.Frame
	current types.ReplicaMeta

	// chain is the checksum chain value the next Inject'd frame must roll
	// forward from; chainKnown is false right after a fresh handshake,
	// until the first frame of the session seeds it (this module has no
	// durable record of a prior session's checksum to resume from, only
	// frame numbers, so the trust boundary is the session's first frame).
	// commitChain/commitChainKnown are the restore point Rollback resets
	// to, since a discarded buffer must not leave chain pointing at a
	// never-committed frame.
	chain            uint64
	chainKnown       bool
	commitChain      uint64
	commitChainKnown bool
}

// Option configures an Injector at New time.
type Option func(*Injector)

func WithLogger(l log.Logger) Option             { return func(i *Injector) { i.logger = l } }
func WithRegisterer(r prometheus.Registerer) Option { return func(i *Injector) { i.reg = r } }

// New constructs an Injector, loading the replica's persisted meta and
// recovering the startup invariant from spec.md §3: if pre_commit !=
// post_commit, any partially injected frames are discarded by resetting
// pre_commit = post_commit.
func New(sink SQLiteSink, meta MetaStore, opts ...Option) (*Injector, error) {
	inj := &Injector{sink: sink, meta: meta, logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(inj)
	}
	inj.metrics = newMetrics(inj.reg)

	m, err := meta.Load()
	if err != nil {
		return nil, err
	}
	if m.NeedsRecovery() {
		level.Warn(inj.logger).Log("msg", "discarding partially injected frames on startup",
			"pre_commit", m.PreCommitFrameNo, "post_commit", m.PostCommitFrameNo)
		m.PreCommitFrameNo = m.PostCommitFrameNo
	}
	inj.current = m
	return inj, nil
}

// Meta returns the injector's current view of the replica meta file.
func (inj *Injector) Meta() types.ReplicaMeta {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.current
}

// Inject validates f.FrameNo == pre_commit_frame_no + 1 and f.Checksum against
// the running chain, buffers it, and (if f is a commit frame) flushes the
// buffered transaction to SQLite as one atomic unit before advancing meta
// to pre_commit = post_commit = f.FrameNo (spec.md §4.F). A frame-number or
// checksum-chain violation is fatal to the session: the buffer is
// discarded and an error is returned for the caller to reconnect on.
func (inj *Injector) Inject(ctx context.Context, f types.Frame) error {
	inj.mu.Lock()
	defer inj.mu.Unlock()

	expected := inj.current.PreCommitFrameNo + 1
	if f.FrameNo != expected {
		inj.rollbackLocked()
		return libsqlerr.New(libsqlerr.KindInvalidFrame,
			fmt.Sprintf("out-of-order frame: got %d, expected %d", f.FrameNo, expected))
	}
	if inj.chainKnown && !frame.VerifyChain(inj.chain, f.FrameHeader, f.Page) {
		inj.rollbackLocked()
		return libsqlerr.New(libsqlerr.KindChecksumMismatch,
			fmt.Sprintf("checksum chain broken at frame_no %d", f.FrameNo))
	}
	inj.chain = f.Checksum
	inj.chainKnown = true

	inj.buf = append(inj.buf, f)
	inj.current.PreCommitFrameNo = f.FrameNo
	inj.metrics.framesInjected.Inc()

	if !f.IsCommit() {
		return nil
	}

	if err := inj.sink.ApplyTransaction(inj.buf); err != nil {
		return libsqlerr.Wrap(libsqlerr.KindIO, "apply transaction", err)
	}
	inj.buf = inj.buf[:0]
	inj.current.PostCommitFrameNo = f.FrameNo
	inj.commitChain = inj.chain
	inj.commitChainKnown = true
	if err := inj.meta.Save(inj.current); err != nil {
		return err
	}
	inj.metrics.commits.Inc()
	return nil
}

// InjectSnapshot applies a snapshot's frame set as a single commit. A
// snapshot's frame_no sequence is deduplicated by page_no and routinely has
// gaps, so it cannot go through Inject's dense pre_commit_frame_no+1 check;
// instead the batch's own checksum chain is verified in isolation, rolled
// from 0 the same way the snapshotter re-chained it at build time
// (spec.md §4.D), and the batch must end on a commit frame.
func (inj *Injector) InjectSnapshot(frames []types.Frame) error {
	inj.mu.Lock()
	defer inj.mu.Unlock()

	if len(frames) == 0 {
		return nil
	}
	last := frames[len(frames)-1]
	if !last.IsCommit() {
		return libsqlerr.New(libsqlerr.KindInvalidFrame, "snapshot batch does not end on a commit frame")
	}

	var chain uint64
	for _, f := range frames {
		if !frame.VerifyChain(chain, f.FrameHeader, f.Page) {
			inj.rollbackLocked()
			return libsqlerr.New(libsqlerr.KindChecksumMismatch,
				fmt.Sprintf("snapshot checksum chain broken at frame_no %d", f.FrameNo))
		}
		chain = f.Checksum
	}

	if err := inj.sink.ApplyTransaction(frames); err != nil {
		return libsqlerr.Wrap(libsqlerr.KindIO, "apply snapshot transaction", err)
	}
	inj.buf = inj.buf[:0]
	inj.current.PreCommitFrameNo = last.FrameNo
	inj.current.PostCommitFrameNo = last.FrameNo
	inj.chain = chain
	inj.chainKnown = true
	inj.commitChain = chain
	inj.commitChainKnown = true
	if err := inj.meta.Save(inj.current); err != nil {
		return err
	}
	inj.metrics.commits.Inc()
	inj.metrics.framesInjected.Add(float64(len(frames)))
	return nil
}

// Rollback discards the buffered, not-yet-committed frames and resets
// pre_commit back to post_commit, called on stream abort before a commit
// frame is seen (spec.md §4.F) or on a checksum/ordering violation.
func (inj *Injector) Rollback() error {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.rollbackLocked()
}

func (inj *Injector) rollbackLocked() error {
	inj.buf = inj.buf[:0]
	inj.current.PreCommitFrameNo = inj.current.PostCommitFrameNo
	inj.chain = inj.commitChain
	inj.chainKnown = inj.commitChainKnown
	inj.metrics.rollbacks.Inc()
	return inj.meta.Save(inj.current)
}

// Flush is an advisory notification used by the backup layer; the injector
// itself has nothing to flush beyond what Inject already persisted on
// commit, so this is a no-op retained for interface symmetry with
// spec.md §4.F.
func (inj *Injector) Flush() error { return nil }

// DurableFrameNo is an advisory accessor for the backup layer: the highest
// frame_no this replica has durably applied.
func (inj *Injector) DurableFrameNo() uint64 {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.current.PostCommitFrameNo
}

// AdoptHello reconciles the replicator's handshake result against the
// replica's previously recorded identity (spec.md §4.G Handshake step):
// database_id must match or be first-time adopted; a generation_id
// regression is fatal and requires a rebuild from snapshot.
func (inj *Injector) AdoptHello(hello types.HelloResponse) error {
	inj.mu.Lock()
	defer inj.mu.Unlock()

	var zero [16]byte
	if inj.current.DatabaseID == zero {
		inj.current.DatabaseID = hello.DatabaseID
	} else if inj.current.DatabaseID != hello.DatabaseID {
		return libsqlerr.New(libsqlerr.KindDatabaseIDMismatch,
			"primary database_id does not match previously adopted identity")
	}

	if inj.current.GenerationID != zero && inj.current.GenerationID != hello.GenerationID {
		return libsqlerr.New(libsqlerr.KindGenerationMismatch,
			"primary generation_id changed; rebuild from snapshot required")
	}
	inj.current.GenerationID = hello.GenerationID

	// A new handshake starts a fresh verification window: whatever frame
	// arrives next seeds the chain, since this process has no durable
	// record of the checksum the stream left off at.
	inj.chainKnown = false
	inj.commitChainKnown = false

	return inj.meta.Save(inj.current)
}
