// Package workqueue implements the coalescing, debounced queue of documents
// waiting for analysis.
package workqueue

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/metrics"
)

// WorkItem is a pending request to analyze one document.
type WorkItem struct {
	Document        crawler.DocumentID
	Reasons         crawler.Reasons
	SnapshotVersion crawler.Version

	// EnqueuedAt is the time of the first enqueue. It fixes FIFO order.
	EnqueuedAt time.Time
	// Deadline is the last enqueue plus the back-off.
	Deadline time.Time
	// Coalesced counts enqueues merged into this item.
	Coalesced int
}

// Queue holds at most one pending WorkItem per document.
//
// Enqueue never blocks on consumers. All methods are safe for concurrent use.
type Queue struct {
	backoff    time.Duration
	prioritize bool
	now        func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Recorder

	mu    sync.Mutex
	order *list.List // of *WorkItem, by first enqueue
	items map[crawler.DocumentID]*list.Element
	ready chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithBackOff sets the debounce delay.
func WithBackOff(d time.Duration) Option {
	return func(q *Queue) {
		q.backoff = d
	}
}

// WithPrioritizeHighPriority lets ready HighPriority items jump the FIFO order.
func WithPrioritizeHighPriority(enabled bool) Option {
	return func(q *Queue) {
		q.prioritize = enabled
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(q *Queue) {
		q.metrics = r
	}
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		now:    time.Now,
		logger: zap.NewNop(),
		order:  list.New(),
		items:  make(map[crawler.DocumentID]*list.Element),
		ready:  make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(q)
	}

	q.logger = q.logger.With(zap.String("component", "workqueue"))

	return q
}

// BackOff returns the debounce delay.
func (q *Queue) BackOff() time.Duration {
	return q.backoff
}

// Enqueue schedules doc for analysis. If doc is already pending, the reasons
// are merged, the version advances to the newest one and the deadline moves
// to now plus the back-off. It reports whether an existing item absorbed the
// request.
func (q *Queue) Enqueue(doc crawler.DocumentID, reasons crawler.Reasons, version crawler.Version) bool {
	now := q.now()

	q.mu.Lock()

	coalesced := false

	if el, ok := q.items[doc]; ok {
		item := el.Value.(*WorkItem) //nolint:forcetypeassert
		item.Reasons = item.Reasons.Union(reasons)
		item.SnapshotVersion = max(item.SnapshotVersion, version)
		item.Deadline = now.Add(q.backoff)
		item.Coalesced++
		coalesced = true
	} else {
		q.items[doc] = q.order.PushBack(&WorkItem{
			Document:        doc,
			Reasons:         reasons,
			SnapshotVersion: version,
			EnqueuedAt:      now,
			Deadline:        now.Add(q.backoff),
		})
	}

	depth := len(q.items)
	q.mu.Unlock()

	if coalesced {
		q.metrics.Coalesced()
	}

	q.metrics.QueueDepth(depth)

	q.logger.Debug("enqueued",
		zap.String("document", string(doc)),
		zap.Stringer("reasons", reasons),
		zap.Stringer("version", version),
		zap.Bool("coalesced", coalesced))

	q.signal()

	return coalesced
}

// TryDequeueReady removes and returns the oldest item whose deadline has
// passed at now. With prioritization on, ready HighPriority items go first.
func (q *Queue) TryDequeueReady(now time.Time) (WorkItem, bool) {
	q.mu.Lock()

	var pick *list.Element

	for el := q.order.Front(); el != nil; el = el.Next() {
		item := el.Value.(*WorkItem) //nolint:forcetypeassert
		if item.Deadline.After(now) {
			continue
		}

		if pick == nil {
			pick = el
		}

		if !q.prioritize || item.Reasons.Has(crawler.HighPriority) {
			pick = el

			break
		}
	}

	if pick == nil {
		q.mu.Unlock()

		return WorkItem{}, false
	}

	item := *q.order.Remove(pick).(*WorkItem) //nolint:forcetypeassert
	delete(q.items, item.Document)
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.QueueDepth(depth)

	return item, true
}

// NextDeadline returns the earliest deadline among pending items.
func (q *Queue) NextDeadline() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		earliest time.Time
		found    bool
	)

	for el := q.order.Front(); el != nil; el = el.Next() {
		item := el.Value.(*WorkItem) //nolint:forcetypeassert
		if !found || item.Deadline.Before(earliest) {
			earliest = item.Deadline
			found = true
		}
	}

	return earliest, found
}

// Pending returns a copy of the pending item for doc.
func (q *Queue) Pending(doc crawler.DocumentID) (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.items[doc]
	if !ok {
		return WorkItem{}, false
	}

	return *el.Value.(*WorkItem), true //nolint:forcetypeassert
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Ready is signalled after every enqueue. The channel has a buffer of one,
// so a slow consumer sees one signal for many enqueues.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Remove drops the pending item for doc. It reports whether one existed.
func (q *Queue) Remove(doc crawler.DocumentID) bool {
	q.mu.Lock()

	el, ok := q.items[doc]
	if ok {
		q.order.Remove(el)
		delete(q.items, doc)
	}

	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.QueueDepth(depth)

	return ok
}

// Drain removes and returns all pending items in FIFO order.
func (q *Queue) Drain() []WorkItem {
	q.mu.Lock()

	items := make([]WorkItem, 0, len(q.items))
	for el := q.order.Front(); el != nil; el = el.Next() {
		items = append(items, *el.Value.(*WorkItem)) //nolint:forcetypeassert
	}

	q.order.Init()
	clear(q.items)
	q.mu.Unlock()

	q.metrics.QueueDepth(0)

	return items
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
