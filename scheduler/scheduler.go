// Package scheduler drives a work queue: it waits out the back-off of each
// document and hands ready items to an executor under a concurrency limit.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/analysis"
	"github.com/rlch/crawler/coordinator"
	"github.com/rlch/crawler/metrics"
	"github.com/rlch/crawler/workqueue"
)

// Executor analyzes one work item against a snapshot.
type Executor interface {
	Execute(ctx context.Context, item workqueue.WorkItem, snap *crawler.Snapshot) analysis.Result
}

// SnapshotFunc returns the current snapshot of the workspace.
type SnapshotFunc func() *crawler.Snapshot

// Scheduler owns the loop goroutine of one registration.
type Scheduler struct {
	queue   *workqueue.Queue
	exec    Executor
	current SnapshotFunc

	maxConcurrency int
	pollInterval   time.Duration
	retry          crawler.FaultRetryConfig
	now            func() time.Time
	logger         *zap.Logger
	metrics        *metrics.Recorder

	sem     *semaphore.Weighted
	ctx     context.Context //nolint:containedctx
	cancel  context.CancelCauseFunc
	wg      sync.WaitGroup
	wake    chan struct{}
	started atomic.Bool
	stopped atomic.Bool

	mu      sync.Mutex
	active  int
	idle    chan struct{} // closed and replaced whenever work finishes
	retries map[crawler.DocumentID]*retryState
}

type retryState struct {
	attempts int
	backoff  *backoff.ExponentialBackOff
	timer    *time.Timer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxConcurrency bounds how many documents are analyzed at once.
func WithMaxConcurrency(n int) Option {
	return func(s *Scheduler) {
		s.maxConcurrency = n
	}
}

// WithPollInterval bounds how long the loop sleeps with nothing due.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.pollInterval = d
	}
}

// WithFaultRetry re-enqueues documents whose analyzers faulted.
func WithFaultRetry(cfg crawler.FaultRetryConfig) Option {
	return func(s *Scheduler) {
		s.retry = cfg
	}
}

// WithClock sets the time source used to decide which items are ready.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Scheduler) {
		s.metrics = r
	}
}

// New creates a Scheduler. Call Start to run it.
func New(q *workqueue.Queue, exec Executor, current SnapshotFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:          q,
		exec:           exec,
		current:        current,
		maxConcurrency: 4,
		pollInterval:   time.Second,
		now:            time.Now,
		logger:         zap.NewNop(),
		wake:           make(chan struct{}, 1),
		idle:           make(chan struct{}),
		retries:        make(map[crawler.DocumentID]*retryState),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.maxConcurrency < 1 {
		s.maxConcurrency = 1
	}

	s.sem = semaphore.NewWeighted(int64(s.maxConcurrency))
	s.logger = s.logger.With(zap.String("component", "scheduler"))

	return s
}

// Start launches the loop goroutine. Work runs under a context derived from
// parent. Start panics when called twice.
func (s *Scheduler) Start(parent context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		panic("scheduler: Start called twice")
	}

	s.ctx, s.cancel = context.WithCancelCause(parent)

	s.wg.Add(1)

	go s.loop()

	s.logger.Debug("scheduler started",
		zap.Int("max_concurrency", s.maxConcurrency),
		zap.Duration("backoff", s.queue.BackOff()),
	)
}

// Enqueue adds work for doc. It reports false once the scheduler is stopped.
func (s *Scheduler) Enqueue(doc crawler.DocumentID, reasons crawler.Reasons, version crawler.Version) bool {
	if s.stopped.Load() {
		return false
	}

	s.queue.Enqueue(doc, reasons, version)

	return true
}

// HasPendingWork reports whether items are queued or being analyzed. It is
// always false after Stop.
func (s *Scheduler) HasPendingWork() bool {
	if s.stopped.Load() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active > 0 || s.queue.Len() > 0
}

// Active returns the number of documents being analyzed.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active
}

// WaitIdle blocks until there is no pending work or ctx is done.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		busy := s.active > 0
		idle := s.idle
		s.mu.Unlock()

		if !s.HasPendingWork() {
			return nil
		}

		// Queued items finish through a worker, which closes idle. Items
		// still waiting out their back-off need the poll below.
		wait := s.queue.BackOff()
		if busy || wait <= 0 {
			wait = s.pollInterval
		}

		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()

			return context.Cause(ctx)
		case <-idle:
		case <-timer.C:
		}

		timer.Stop()
	}
}

// Stop cancels all work with coordinator.ErrShutdown, drops queued items and
// waits up to timeout for running analyses to return. It returns the number
// of analyses still running when the wait gave up; they are abandoned and
// finish on their own. A timeout of zero does not wait.
func (s *Scheduler) Stop(ctx context.Context, timeout time.Duration) int {
	if !s.stopped.CompareAndSwap(false, true) {
		return 0
	}

	if s.cancel != nil {
		s.cancel(coordinator.ErrShutdown)
	}

	dropped := s.queue.Drain()

	s.mu.Lock()
	for doc, st := range s.retries {
		if st.timer != nil {
			st.timer.Stop()
		}

		delete(s.retries, doc)
	}
	s.mu.Unlock()

	if timeout <= 0 {
		s.logger.Debug("scheduler stopped without waiting", zap.Int("dropped", len(dropped)))

		return 0
	}

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		s.logger.Debug("scheduler stopped", zap.Int("dropped", len(dropped)))

		return 0
	case <-timer.C:
	case <-ctx.Done():
	}

	abandoned := s.Active()
	s.metrics.Abandoned(abandoned)
	s.logger.Warn("abandoning analyses that ignored cancellation",
		zap.Int("abandoned", abandoned),
		zap.Duration("timeout", timeout),
	)

	return abandoned
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	timer := time.NewTimer(s.pollInterval)
	defer timer.Stop()

	for {
		s.dispatch()

		wait := s.pollInterval
		if deadline, ok := s.queue.NextDeadline(); ok {
			wait = min(wait, max(deadline.Sub(s.now()), 0))
		}

		timer.Reset(wait)

		select {
		case <-s.ctx.Done():
			return
		case <-s.queue.Ready():
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// dispatch starts a worker for every ready item while slots are free.
func (s *Scheduler) dispatch() {
	for s.ctx.Err() == nil {
		if !s.sem.TryAcquire(1) {
			return
		}

		s.mu.Lock()

		item, ok := s.queue.TryDequeueReady(s.now())
		if ok {
			s.active++
		}

		s.mu.Unlock()

		if !ok {
			s.sem.Release(1)

			return
		}

		s.logger.Debug("dispatching",
			zap.String("document", string(item.Document)),
			zap.Stringer("reasons", item.Reasons),
			zap.Int("coalesced", item.Coalesced),
		)

		s.wg.Add(1)

		go s.work(item)
	}
}

func (s *Scheduler) work(item workqueue.WorkItem) {
	defer s.wg.Done()
	defer s.finish()

	res := s.exec.Execute(s.ctx, item, s.current())

	if res.Err != nil {
		s.logger.Debug("analysis cancelled",
			zap.String("document", string(item.Document)),
			zap.String("cause", coordinator.CauseLabel(res.Err)),
		)

		return
	}

	s.afterRun(item, res)
}

func (s *Scheduler) finish() {
	s.sem.Release(1)

	s.mu.Lock()
	s.active--
	close(s.idle)
	s.idle = make(chan struct{})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// afterRun schedules a retry for a faulted document, or forgets the retry
// state of one that analyzed cleanly.
func (s *Scheduler) afterRun(item workqueue.WorkItem, res analysis.Result) {
	if s.retry.MaxAttempts <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !res.Faulted() || res.Removed {
		delete(s.retries, item.Document)

		return
	}

	st, ok := s.retries[item.Document]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.retry.InitialInterval
		b.MaxInterval = s.retry.MaxInterval

		st = &retryState{backoff: b}
		s.retries[item.Document] = st
	}

	if st.attempts >= s.retry.MaxAttempts {
		s.logger.Warn("giving up on faulting document",
			zap.String("document", string(item.Document)),
			zap.Int("attempts", st.attempts),
		)

		return
	}

	st.attempts++
	delay := st.backoff.NextBackOff()
	doc := item.Document

	s.logger.Debug("retrying faulted document",
		zap.String("document", string(doc)),
		zap.Int("attempt", st.attempts),
		zap.Duration("delay", delay),
	)

	st.timer = time.AfterFunc(delay, func() {
		s.Enqueue(doc, crawler.NewReasons(crawler.ReanalyzeRequested), s.current().Version())
	})
}
