// Package analysis resolves the analyzers that apply to a work item and runs
// them against an immutable snapshot.
package analysis

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/coordinator"
	"github.com/rlch/crawler/diagnostics"
	"github.com/rlch/crawler/metrics"
	"github.com/rlch/crawler/workqueue"
)

var tracer = otel.Tracer("github.com/rlch/crawler/analysis")

// Executor runs the analyzers of one document at a time.
type Executor struct {
	registry    *Registry
	publisher   *diagnostics.Publisher
	coordinator *coordinator.Coordinator

	reporter    FaultReporter
	logger      *zap.Logger
	metrics     *metrics.Recorder
	preview     bool
	parallelism int
	observers   []func(RunEvent)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) ExecutorOption {
	return func(e *Executor) {
		e.metrics = r
	}
}

// WithFaultReporter sets where analyzer faults go.
func WithFaultReporter(r FaultReporter) ExecutorOption {
	return func(e *Executor) {
		e.reporter = r
	}
}

// WithPreview restricts execution to per-document analyzers.
func WithPreview(preview bool) ExecutorOption {
	return func(e *Executor) {
		e.preview = preview
	}
}

// WithParallelism bounds how many analyzers of one document run at once.
func WithParallelism(n int) ExecutorOption {
	return func(e *Executor) {
		e.parallelism = n
	}
}

// WithObserver registers fn for every run start and end.
func WithObserver(fn func(RunEvent)) ExecutorOption {
	return func(e *Executor) {
		e.observers = append(e.observers, fn)
	}
}

// NewExecutor creates an Executor.
func NewExecutor(reg *Registry, pub *diagnostics.Publisher, coord *coordinator.Coordinator, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    reg,
		publisher:   pub,
		coordinator: coord,
		logger:      zap.NewNop(),
		parallelism: 4,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.reporter == nil {
		e.reporter = NewLogReporter(e.logger, time.Minute, 3)
	}

	e.logger = e.logger.With(zap.String("component", "executor"))

	return e
}

// Registry returns the analyzer registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute analyzes the document of item against snap.
//
// Each applicable analyzer runs its syntax phase, then its semantic phase,
// under a run registered with the coordinator. Cancelling ctx cancels every
// analyzer of the document. A cancelled run publishes nothing. A fault is
// reported and leaves the previously published diagnostics in place. Faults
// never escape Execute.
func (e *Executor) Execute(ctx context.Context, item workqueue.WorkItem, snap *crawler.Snapshot) Result {
	res := Result{
		Document: item.Document,
		Version:  snap.Version(),
		Outcomes: make(map[crawler.AnalyzerID]Outcome),
	}

	doc, ok := snap.Document(item.Document)
	if !ok {
		e.coordinator.CancelDocument(item.Document, coordinator.ErrDocumentChanged)
		e.publisher.Clear(item.Document)
		res.Removed = true

		e.logger.Debug("document removed, diagnostics cleared", zap.String("document", string(item.Document)))

		return res
	}

	ctx, span := tracer.Start(ctx, "analysis.Execute",
		trace.WithAttributes(
			attribute.String("document", string(doc.ID)),
			attribute.Int64("version", int64(snap.Version())), //nolint:gosec
			attribute.String("reasons", item.Reasons.String()),
		),
	)
	defer span.End()

	entries := e.registry.ForDocument(doc, item.Reasons)

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if e.parallelism > 0 {
		g.SetLimit(e.parallelism)
	}

	for _, entry := range entries {
		if e.preview && entry.Desc.ProjectWide {
			mu.Lock()
			res.Outcomes[entry.Desc.ID] = OutcomeSkipped
			mu.Unlock()

			e.metrics.Outcome(OutcomeSkipped.String())

			continue
		}

		g.Go(func() error {
			outcome := e.run(gctx, entry, snap, doc)

			mu.Lock()
			res.Outcomes[entry.Desc.ID] = outcome
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	if ctx.Err() != nil {
		res.Err = context.Cause(ctx)
		span.SetStatus(codes.Error, "cancelled")
	}

	span.SetAttributes(
		attribute.Int("published", res.Count(OutcomePublished)),
		attribute.Int("faulted", res.Count(OutcomeFaulted)),
	)

	return res
}

// run executes one analyzer on doc and returns its outcome.
func (e *Executor) run(ctx context.Context, entry *Entry, snap *crawler.Snapshot, doc *crawler.DocumentSnapshot) Outcome {
	id := entry.Desc.ID
	version := snap.Version()

	run := e.coordinator.StartRun(ctx, doc.ID, id, version)
	defer e.coordinator.Complete(run)

	rctx, span := tracer.Start(run.Context(), "analysis.Run",
		trace.WithAttributes(
			attribute.String("analyzer", string(id)),
			attribute.String("run", run.ID),
		),
	)
	defer span.End()

	start := time.Now()
	e.emit(RunEvent{Document: doc.ID, Analyzer: id, Version: version, Outcome: OutcomeRunning})

	finish := func(o Outcome, err error) Outcome {
		d := time.Since(start)

		e.metrics.Outcome(o.String())
		e.metrics.RunDuration(string(id), d)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, o.String())
		}

		e.emit(RunEvent{Document: doc.ID, Analyzer: id, Version: version, Outcome: o, Duration: d, Err: err})

		return o
	}

	var diags []crawler.Diagnostic

	for _, phase := range entry.Desc.Phases() {
		if rctx.Err() != nil {
			return finish(OutcomeCancelled, run.Cause())
		}

		out, err := invoke(rctx, entry.Analyzer, phase, snap, doc)

		// Whatever a cancelled analyzer returned is discarded.
		if rctx.Err() != nil {
			return finish(OutcomeCancelled, run.Cause())
		}

		if err != nil {
			fault := &FaultError{
				Document: doc.ID,
				Analyzer: id,
				Phase:    phase,
				Version:  version,
				Err:      err,
			}

			if pe, ok := err.(*panicError); ok { //nolint:errorlint
				fault.Err = fmt.Errorf("panic: %v", pe.value)
				fault.Panicked = true
				fault.Stack = pe.stack
			}

			e.metrics.Fault(string(id))
			e.reporter.Report(fault)

			return finish(OutcomeFaulted, fault)
		}

		diags = append(diags, out...)
	}

	if rctx.Err() != nil {
		return finish(OutcomeCancelled, run.Cause())
	}

	if !e.publisher.Publish(doc.ID, id, version, entry.apply(diags)) {
		return finish(OutcomeStale, nil)
	}

	span.SetAttributes(attribute.Int("diagnostics", len(diags)))

	return finish(OutcomePublished, nil)
}

func (e *Executor) emit(ev RunEvent) {
	for _, fn := range e.observers {
		fn(ev)
	}
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// invoke calls the analyzer, turning a panic into a *panicError.
func invoke(ctx context.Context, a crawler.Analyzer, phase crawler.Phase, snap *crawler.Snapshot, doc *crawler.DocumentSnapshot) (diags []crawler.Diagnostic, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	return a.Analyze(ctx, phase, snap, doc)
}
