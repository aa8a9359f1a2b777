// Package coordinator tracks in-flight analyzer runs and cancels the ones
// that newer edits have made stale.
package coordinator

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/metrics"
	"github.com/rlch/crawler/workspace"
)

// Cancellation causes, readable with context.Cause on a run context.
var (
	// ErrSuperseded means a newer run for the same document and analyzer started.
	ErrSuperseded = errors.New("superseded by a newer run")
	// ErrDocumentChanged means the document changed or was removed mid-run.
	ErrDocumentChanged = errors.New("document changed")
	// ErrShutdown means the registration is being torn down.
	ErrShutdown = errors.New("shutting down")
	// errCompleted releases the context of a finished run.
	errCompleted = errors.New("run completed")
)

// CauseLabel maps a cancellation cause to a metric label.
func CauseLabel(err error) string {
	switch {
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.Is(err, ErrDocumentChanged):
		return "document_changed"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	default:
		return "other"
	}
}

// Run is one in-flight invocation of an analyzer on a document.
type Run struct {
	ID              string
	Document        crawler.DocumentID
	Analyzer        crawler.AnalyzerID
	SnapshotVersion crawler.Version
	StartedAt       time.Time

	ctx    context.Context //nolint:containedctx
	cancel context.CancelCauseFunc
}

// Context returns the run context. It is cancelled with one of the package
// causes when the run goes stale.
func (r *Run) Context() context.Context {
	return r.ctx
}

// Cancelled reports whether the run was cancelled before completing.
func (r *Run) Cancelled() bool {
	return r.Cause() != nil
}

// Cause returns the cancellation cause, or nil while the run is live or
// after it completed normally.
func (r *Run) Cause() error {
	if r.ctx.Err() == nil {
		return nil
	}

	cause := context.Cause(r.ctx)
	if errors.Is(cause, errCompleted) {
		return nil
	}

	return cause
}

// Coordinator keeps at most one live Run per (document, analyzer).
type Coordinator struct {
	logger  *zap.Logger
	metrics *metrics.Recorder

	mu     sync.Mutex
	runs   map[crawler.DocumentID]map[crawler.AnalyzerID]*Run
	closed bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(c *Coordinator) {
		c.metrics = r
	}
}

// New creates a Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		logger: zap.NewNop(),
		runs:   make(map[crawler.DocumentID]map[crawler.AnalyzerID]*Run),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With(zap.String("component", "coordinator"))

	return c
}

// StartRun installs a new run for (doc, analyzer), cancelling any live one
// with ErrSuperseded first. After Close, the returned run is already
// cancelled with ErrShutdown.
func (c *Coordinator) StartRun(parent context.Context, doc crawler.DocumentID, analyzer crawler.AnalyzerID, version crawler.Version) *Run {
	ctx, cancel := context.WithCancelCause(parent)
	run := &Run{
		ID:              uuid.NewString(),
		Document:        doc,
		Analyzer:        analyzer,
		SnapshotVersion: version,
		StartedAt:       time.Now(),
		ctx:             ctx,
		cancel:          cancel,
	}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		cancel(ErrShutdown)

		return run
	}

	byAnalyzer, ok := c.runs[doc]
	if !ok {
		byAnalyzer = make(map[crawler.AnalyzerID]*Run)
		c.runs[doc] = byAnalyzer
	}

	prev := byAnalyzer[analyzer]
	if prev != nil {
		prev.cancel(ErrSuperseded)
	}

	byAnalyzer[analyzer] = run
	c.mu.Unlock()

	if prev != nil {
		c.metrics.Cancelled(CauseLabel(ErrSuperseded))
		c.logger.Debug("run superseded",
			zap.String("document", string(doc)),
			zap.String("analyzer", string(analyzer)),
			zap.Stringer("old", prev.SnapshotVersion),
			zap.Stringer("new", version))
	}

	return run
}

// Complete releases run. The (document, analyzer) entry is removed only if
// it still belongs to run; it reports whether it did.
func (c *Coordinator) Complete(run *Run) bool {
	c.mu.Lock()

	owned := false

	if byAnalyzer, ok := c.runs[run.Document]; ok && byAnalyzer[run.Analyzer] == run {
		delete(byAnalyzer, run.Analyzer)

		if len(byAnalyzer) == 0 {
			delete(c.runs, run.Document)
		}

		owned = true
	}

	c.mu.Unlock()

	run.cancel(errCompleted)

	return owned
}

// Observe cancels live runs made stale by a store change: runs on removed
// documents, and runs started against a version older than the document's
// new version.
func (c *Coordinator) Observe(ev workspace.ChangeEvent) {
	for _, doc := range ev.Documents {
		if !ev.TextChanged(doc) {
			continue
		}

		var current crawler.Version = ^crawler.Version(0)
		if d, ok := ev.New.Document(doc); ok {
			current = d.Version
		}

		c.cancelOlder(doc, current, ErrDocumentChanged)
	}
}

func (c *Coordinator) cancelOlder(doc crawler.DocumentID, version crawler.Version, cause error) {
	c.mu.Lock()

	var cancelled []*Run

	for id, run := range c.runs[doc] {
		if run.SnapshotVersion < version {
			run.cancel(cause)
			delete(c.runs[doc], id)
			cancelled = append(cancelled, run)
		}
	}

	if len(c.runs[doc]) == 0 {
		delete(c.runs, doc)
	}

	c.mu.Unlock()

	for _, run := range cancelled {
		c.metrics.Cancelled(CauseLabel(cause))
		c.logger.Debug("run cancelled",
			zap.String("document", string(doc)),
			zap.String("analyzer", string(run.Analyzer)),
			zap.Stringer("version", run.SnapshotVersion),
			zap.Error(cause))
	}
}

// CancelDocument cancels every live run of doc and returns how many.
func (c *Coordinator) CancelDocument(doc crawler.DocumentID, cause error) int {
	c.mu.Lock()
	runs := c.runs[doc]
	delete(c.runs, doc)
	c.mu.Unlock()

	for _, run := range runs {
		run.cancel(cause)
		c.metrics.Cancelled(CauseLabel(cause))
	}

	return len(runs)
}

// CancelAll cancels every live run and returns how many.
func (c *Coordinator) CancelAll(cause error) int {
	c.mu.Lock()
	all := c.runs
	c.runs = make(map[crawler.DocumentID]map[crawler.AnalyzerID]*Run)
	c.mu.Unlock()

	n := 0

	for _, byAnalyzer := range all {
		for _, run := range byAnalyzer {
			run.cancel(cause)
			c.metrics.Cancelled(CauseLabel(cause))
			n++
		}
	}

	if n > 0 {
		c.logger.Debug("cancelled all runs", zap.Int("count", n), zap.Error(cause))
	}

	return n
}

// Close cancels every live run with ErrShutdown and refuses new ones.
func (c *Coordinator) Close() int {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	return c.CancelAll(ErrShutdown)
}

// Live returns the number of live runs.
func (c *Coordinator) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, byAnalyzer := range c.runs {
		n += len(byAnalyzer)
	}

	return n
}

// LiveFor returns the live runs of doc, ordered by analyzer ID.
func (c *Coordinator) LiveFor(doc crawler.DocumentID) []*Run {
	c.mu.Lock()
	defer c.mu.Unlock()

	byAnalyzer := c.runs[doc]
	runs := make([]*Run, 0, len(byAnalyzer))

	for _, id := range slices.Sorted(maps.Keys(byAnalyzer)) {
		runs = append(runs, byAnalyzer[id])
	}

	return runs
}
