package registration

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/analysis"
	"github.com/rlch/crawler/coordinator"
	"github.com/rlch/crawler/diagnostics"
	"github.com/rlch/crawler/metrics"
	"github.com/rlch/crawler/scheduler"
	"github.com/rlch/crawler/workqueue"
	"github.com/rlch/crawler/workspace"
)

// State is the lifecycle state of one (document, analyzer) pair.
type State int

// States. A pair starts Idle, becomes Queued when its document is enqueued
// and Running while the analyzer runs. A run that published rests in
// Published; any other outcome returns the pair to Idle until the next
// enqueue. LastOutcome tells those apart.
const (
	StateIdle State = iota
	StateQueued
	StateRunning
	StatePublished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StatePublished:
		return "published"
	default:
		return "unknown"
	}
}

type stateKey struct {
	doc      crawler.DocumentID
	analyzer crawler.AnalyzerID
}

// Registration is the engine attached to one workspace.
type Registration struct {
	store   *workspace.Store
	preview bool
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Recorder

	queue       *workqueue.Queue
	coordinator *coordinator.Coordinator
	publisher   *diagnostics.Publisher
	executor    *analysis.Executor
	scheduler   *scheduler.Scheduler

	unsubscribe []func()

	mu   sync.Mutex
	last map[stateKey]analysis.Outcome
}

// start subscribes to the store, enqueues the existing documents and starts
// the scheduler. The coordinator subscribes first so stale runs are
// cancelled before the replacement work is queued.
func (r *Registration) start() {
	r.unsubscribe = append(r.unsubscribe,
		r.store.Subscribe(r.coordinator.Observe),
		r.store.Subscribe(r.handle),
	)

	snap := r.store.Current()
	for _, doc := range snap.Documents() {
		r.enqueue(doc, crawler.NewReasons(crawler.SolutionChanged), snap.Version())
	}

	r.scheduler.Start(context.Background())
}

// stop tears the registration down and returns the number of abandoned runs.
func (r *Registration) stop(blocking bool) int {
	for _, unsubscribe := range r.unsubscribe {
		unsubscribe()
	}

	timeout := time.Duration(0)
	if blocking {
		timeout = r.timeout
	}

	abandoned := r.scheduler.Stop(context.Background(), timeout)
	r.coordinator.Close()
	r.publisher.Close()
	r.metrics.Forget()

	return abandoned
}

// handle turns a store change into queued work.
func (r *Registration) handle(ev workspace.ChangeEvent) {
	defer r.refreshProjects(ev)

	for _, id := range ev.Documents {
		doc, ok := ev.New.Document(id)
		if !ok {
			r.forget(id)

			continue
		}

		if r.preview && !doc.Open {
			// Closed preview documents keep nothing.
			if ev.Kind == workspace.DocumentClosed {
				r.forget(id)
			}

			continue
		}

		r.enqueue(doc, ev.Reasons, ev.New.Version())
	}
}

// refreshProjects re-queues the siblings of documents whose text changed or
// which were added or removed, so project-wide semantic results that read
// them are recomputed.
func (r *Registration) refreshProjects(ev workspace.ChangeEvent) {
	if r.preview || !r.projectWide() {
		return
	}

	changed := make(map[crawler.DocumentID]struct{}, len(ev.Documents))
	projects := make(map[crawler.ProjectID]struct{})

	for _, id := range ev.Documents {
		changed[id] = struct{}{}

		if !ev.TextChanged(id) {
			continue
		}

		if doc, ok := ev.Old.Document(id); ok {
			projects[doc.Project] = struct{}{}
		}

		if doc, ok := ev.New.Document(id); ok {
			projects[doc.Project] = struct{}{}
		}
	}

	reasons := crawler.NewReasons(crawler.ProjectChanged)

	for project := range projects {
		for _, doc := range ev.New.ProjectDocuments(project) {
			if _, ok := changed[doc.ID]; ok {
				continue
			}

			r.enqueue(doc, reasons, ev.New.Version())
		}
	}
}

func (r *Registration) projectWide() bool {
	for _, d := range r.executor.Registry().Descriptors() {
		if d.ProjectWide && d.SupportsSemantic {
			return true
		}
	}

	return false
}

func (r *Registration) enqueue(doc *crawler.DocumentSnapshot, reasons crawler.Reasons, version crawler.Version) {
	if r.preview && !doc.Open {
		return
	}

	if doc.Open {
		reasons = reasons.With(crawler.HighPriority)
	}

	r.scheduler.Enqueue(doc.ID, reasons, version)
}

// forget drops queued work, live runs and diagnostics of a document.
func (r *Registration) forget(id crawler.DocumentID) {
	r.queue.Remove(id)
	r.coordinator.CancelDocument(id, coordinator.ErrDocumentChanged)
	r.publisher.Clear(id)

	r.mu.Lock()
	for k := range r.last {
		if k.doc == id {
			delete(r.last, k)
		}
	}
	r.mu.Unlock()
}

func (r *Registration) observe(ev analysis.RunEvent) {
	if ev.Outcome == analysis.OutcomeRunning {
		return
	}

	r.mu.Lock()
	r.last[stateKey{ev.Document, ev.Analyzer}] = ev.Outcome
	r.mu.Unlock()
}

// ID returns the workspace ID.
func (r *Registration) ID() string {
	return r.store.ID()
}

// Store returns the registered store.
func (r *Registration) Store() *workspace.Store {
	return r.store
}

// Preview reports whether the registration only analyzes open documents.
func (r *Registration) Preview() bool {
	return r.preview
}

// Publisher returns the diagnostics of the workspace.
func (r *Registration) Publisher() *diagnostics.Publisher {
	return r.publisher
}

// Coordinator returns the run coordinator of the workspace.
func (r *Registration) Coordinator() *coordinator.Coordinator {
	return r.coordinator
}

// Analyzers returns the descriptors of the registered analyzers.
func (r *Registration) Analyzers() []crawler.AnalyzerDescriptor {
	return r.executor.Registry().Descriptors()
}

// State returns the lifecycle state of analyzer on doc.
func (r *Registration) State(doc crawler.DocumentID, analyzer crawler.AnalyzerID) State {
	for _, run := range r.coordinator.LiveFor(doc) {
		if run.Analyzer == analyzer {
			return StateRunning
		}
	}

	if _, ok := r.queue.Pending(doc); ok {
		return StateQueued
	}

	if o, ok := r.LastOutcome(doc, analyzer); ok && o == analysis.OutcomePublished {
		return StatePublished
	}

	return StateIdle
}

// LastOutcome returns the outcome of the last finished run of analyzer on
// doc. It is forgotten when the document leaves the workspace.
func (r *Registration) LastOutcome(doc crawler.DocumentID, analyzer crawler.AnalyzerID) (analysis.Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.last[stateKey{doc, analyzer}]

	return o, ok
}

// Reanalyze enqueues docs, or every analyzable document when none are
// given, with ReanalyzeRequested.
func (r *Registration) Reanalyze(docs ...crawler.DocumentID) int {
	snap := r.store.Current()
	reasons := crawler.NewReasons(crawler.ReanalyzeRequested)

	if len(docs) == 0 {
		docs = snap.DocumentIDs()
	}

	n := 0

	for _, id := range docs {
		doc, ok := snap.Document(id)
		if !ok || (r.preview && !doc.Open) {
			continue
		}

		r.enqueue(doc, reasons, snap.Version())
		n++
	}

	r.logger.Debug("reanalysis requested", zap.Int("documents", n))

	return n
}

// HasPendingWork reports whether documents are queued or being analyzed.
func (r *Registration) HasPendingWork() bool {
	return r.scheduler.HasPendingWork()
}

// WaitIdle blocks until there is no pending work or ctx is done.
func (r *Registration) WaitIdle(ctx context.Context) error {
	return r.scheduler.WaitIdle(ctx)
}
