// Package scheduler implements the backup scheduler (spec.md §4.H): a
// per-namespace work queue that hands sealed segments to a Storage backend
// and tracks each namespace's durably-backed-up frame number. It is
// grounded on the teacher's immutable per-key state pattern (walhook.state)
// generalized from one segment registry to many independent namespace
// queues, and on robfig/cron for the periodic upload-retry sweep named
// in the corpus's own scheduling idiom (canonical-lxd).
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	"github.com/tursodatabase/libsql-sub009/libsqlerr"
	"github.com/tursodatabase/libsql-sub009/types"
)

// SegmentSource supplies the raw bytes for a sealed segment the scheduler
// has been asked to upload.
type SegmentSource interface {
	ReadSegment(meta types.SegmentBackupMeta) ([]byte, error)
}

// Ledger is the durable record of each namespace's durable_frame_no,
// backed by metadb/bbolt in production; kept as its own narrow interface
// so tests can use an in-memory fake.
type Ledger interface {
	DurableFrameNo(namespace string) (uint64, error)
	SetDurableFrameNo(namespace string, frameNo uint64) error
}

// Pruner deletes sealed segments entirely below keepFromFrameNo, backed by
// walhook.LogWriter.PruneSealedBefore in production. Optional: a Scheduler
// with no Pruner configured just leaves prune policy to its caller.
type Pruner interface {
	PruneSealedBefore(keepFromFrameNo uint64) error
}

type metrics struct {
	jobsEnqueued  prometheus.Counter
	jobsSucceeded prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsRetried   prometheus.Counter
	queueDepth    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		jobsEnqueued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "scheduler_jobs_enqueued", Help: "scheduler_jobs_enqueued counts segments registered for backup.",
		}),
		jobsSucceeded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "scheduler_jobs_succeeded", Help: "scheduler_jobs_succeeded counts successful uploads.",
		}),
		jobsFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "scheduler_jobs_failed", Help: "scheduler_jobs_failed counts upload attempts that errored.",
		}),
		jobsRetried: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "scheduler_jobs_retried", Help: "scheduler_jobs_retried counts retry attempts driven by the sweep.",
		}),
		queueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_queue_depth", Help: "scheduler_queue_depth is the total number of queued jobs across all namespaces.",
		}),
	}
}

// job is one segment queued for backup in a namespace. id is a ULID
// (lexically sortable by mint time) used only to correlate log lines and
// metrics across retries of the same upload.
type job struct {
	id      ulid.ULID
	meta    types.SegmentBackupMeta
	attempt int
	nextTry time.Time
}

var jobEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

func newJobID() ulid.ULID {
	return ulid.MustNew(ulid.Timestamp(time.Now()), jobEntropy)
}

// queue holds one namespace's in-order job list plus its last known
// end_frame_no, used to reject gaps on Register (spec.md §4.H).
type queue struct {
	jobs       []job
	lastQueued uint64 // end_frame_no of the most recently registered job, 0 if none was ever registered
	inFlight   bool
}

// Scheduler is the owner of all namespace queues. Safe for concurrent
// Register/sweep calls.
type Scheduler struct {
	storage types.Storage
	src     SegmentSource
	ledger  Ledger
	pruner  Pruner

	reg     prometheus.Registerer
	metrics *metrics
	logger  log.Logger

	backoffBase time.Duration
	backoffMax  time.Duration

	mu     sync.Mutex
	queues *immutable.Map[string, *queue]

	cronEngine *cron.Cron
}

// Option configures a Scheduler at New time.
type Option func(*Scheduler)

func WithLogger(l log.Logger) Option               { return func(s *Scheduler) { s.logger = l } }
func WithRegisterer(r prometheus.Registerer) Option { return func(s *Scheduler) { s.reg = r } }
func WithBackoff(base, max time.Duration) Option {
	return func(s *Scheduler) { s.backoffBase, s.backoffMax = base, max }
}
func WithPruner(p Pruner) Option { return func(s *Scheduler) { s.pruner = p } }

// New constructs a Scheduler over storage/src/ledger. It does not start the
// periodic sweep; call StartSweep for that.
func New(storage types.Storage, src SegmentSource, ledger Ledger, opts ...Option) *Scheduler {
	s := &Scheduler{
		storage:     storage,
		src:         src,
		ledger:      ledger,
		logger:      log.NewNopLogger(),
		backoffBase: time.Second,
		backoffMax:  5 * time.Minute,
		queues:      immutable.NewMap[string, *queue](nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newMetrics(s.reg)
	return s
}

// Register enqueues a newly sealed segment for namespace meta.Namespace.
// start_frame_no must equal the previous job's end_frame_no + 1; gaps are
// rejected (spec.md §4.H).
func (s *Scheduler) Register(meta types.SegmentBackupMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues.Get(meta.Namespace)
	if !ok {
		q = &queue{}
	}
	if q.lastQueued != 0 && meta.StartFrameNo != q.lastQueued+1 {
		return libsqlerr.New(libsqlerr.KindInvalidFrame,
			fmt.Sprintf("backup gap in namespace %s: start_frame_no %d does not follow %d",
				meta.Namespace, meta.StartFrameNo, q.lastQueued))
	}

	newQ := &queue{jobs: append(append([]job{}, q.jobs...), job{id: newJobID(), meta: meta}), lastQueued: meta.EndFrameNo, inFlight: q.inFlight}
	s.queues = s.queues.Set(meta.Namespace, newQ)
	s.metrics.jobsEnqueued.Inc()
	s.updateQueueDepth()
	return nil
}

func (s *Scheduler) updateQueueDepth() {
	total := 0
	it := s.queues.Iterator()
	for !it.Done() {
		_, q, _ := it.Next()
		total += len(q.jobs)
	}
	s.metrics.queueDepth.Set(float64(total))
}

// RunOnce drives at most one in-flight job per namespace to completion or
// failure, the unit of work the periodic sweep (or a test) invokes
// directly. It returns the number of jobs attempted.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	s.mu.Lock()
	namespaces := make([]string, 0)
	it := s.queues.Iterator()
	for !it.Done() {
		ns, q, _ := it.Next()
		if !q.inFlight && len(q.jobs) > 0 && !time.Now().Before(q.jobs[0].nextTry) {
			namespaces = append(namespaces, ns)
		}
	}
	s.mu.Unlock()

	attempted := 0
	for _, ns := range namespaces {
		s.attemptNamespace(ctx, ns)
		attempted++
	}
	return attempted
}

func (s *Scheduler) attemptNamespace(ctx context.Context, namespace string) {
	s.mu.Lock()
	q, ok := s.queues.Get(namespace)
	if !ok || len(q.jobs) == 0 || q.inFlight {
		s.mu.Unlock()
		return
	}
	cur := q.jobs[0]
	markedQ := &queue{jobs: q.jobs, lastQueued: q.lastQueued, inFlight: true}
	s.queues = s.queues.Set(namespace, markedQ)
	s.mu.Unlock()

	data, err := s.src.ReadSegment(cur.meta)
	if err == nil {
		err = s.storage.Store(ctx, cur.meta, bytes.NewReader(data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q, _ = s.queues.Get(namespace)
	if err != nil {
		s.metrics.jobsFailed.Inc()
		s.metrics.jobsRetried.Inc()
		level.Warn(s.logger).Log("msg", "backup upload failed, will retry", "job_id", cur.id, "namespace", namespace, "end_frame_no", cur.meta.EndFrameNo, "err", err)
		backedOff := job{id: cur.id, meta: cur.meta, attempt: cur.attempt + 1, nextTry: time.Now().Add(s.retryDelay(cur.attempt + 1))}
		newJobs := append([]job{backedOff}, q.jobs[1:]...)
		s.queues = s.queues.Set(namespace, &queue{jobs: newJobs, lastQueued: q.lastQueued, inFlight: false})
		return
	}

	s.metrics.jobsSucceeded.Inc()
	if err := s.ledger.SetDurableFrameNo(namespace, cur.meta.EndFrameNo); err != nil {
		level.Error(s.logger).Log("msg", "failed to persist durable_frame_no", "namespace", namespace, "err", err)
	} else if s.pruner != nil {
		if err := s.pruner.PruneSealedBefore(cur.meta.EndFrameNo + 1); err != nil {
			level.Error(s.logger).Log("msg", "failed to prune segments below durable_frame_no", "namespace", namespace, "err", err)
		}
	}
	newJobs := q.jobs[1:]
	s.queues = s.queues.Set(namespace, &queue{jobs: newJobs, lastQueued: q.lastQueued, inFlight: false})
	s.updateQueueDepth()
}

func (s *Scheduler) retryDelay(attempt int) time.Duration {
	d := s.backoffBase << uint(attempt)
	if d <= 0 || d > s.backoffMax {
		d = s.backoffMax
	}
	return d
}

// DurableFrameNo returns the namespace's last acknowledged durable frame
// number via the ledger.
func (s *Scheduler) DurableFrameNo(namespace string) (uint64, error) {
	return s.ledger.DurableFrameNo(namespace)
}

// IsEmpty reports whether every namespace queue is empty.
func (s *Scheduler) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.queues.Iterator()
	for !it.Done() {
		_, q, _ := it.Next()
		if len(q.jobs) > 0 {
			return false
		}
	}
	return true
}

// HasWork reports whether any namespace has a job ready to attempt (not
// simply queued-but-backed-off).
func (s *Scheduler) HasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.queues.Iterator()
	now := time.Now()
	for !it.Done() {
		_, q, _ := it.Next()
		if len(q.jobs) > 0 && !now.Before(q.jobs[0].nextTry) {
			return true
		}
	}
	return false
}

// StartSweep starts a periodic cron job that drives RunOnce, used so
// retried/backed-off jobs eventually get re-attempted without an external
// caller polling. spec string follows robfig/cron's standard 5-field
// syntax.
func (s *Scheduler) StartSweep(ctx context.Context, spec string) error {
	s.cronEngine = cron.New()
	_, err := s.cronEngine.AddFunc(spec, func() { s.RunOnce(ctx) })
	if err != nil {
		return libsqlerr.Wrap(libsqlerr.KindConfig, "schedule backup sweep", err)
	}
	s.cronEngine.Start()
	return nil
}

// StopSweep stops the periodic sweep started by StartSweep, waiting for
// any in-progress run to finish.
func (s *Scheduler) StopSweep() {
	if s.cronEngine != nil {
		<-s.cronEngine.Stop().Done()
	}
}
