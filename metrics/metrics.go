// Package metrics exposes Prometheus metrics for the analysis engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "crawler"

var (
	// queueDepth is the number of pending work items.
	// Labels: workspace
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Pending work items in the queue",
	}, []string{"workspace"})

	// coalescedTotal counts enqueues merged into an existing pending item.
	// Labels: workspace
	coalescedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "coalesced_total",
		Help:      "Enqueues merged into an already pending item",
	}, []string{"workspace"})

	// runOutcomes counts finished analyzer runs.
	// Labels: workspace, outcome (published, cancelled, faulted, stale, skipped)
	runOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runs",
		Name:      "total",
		Help:      "Finished analyzer runs by outcome",
	}, []string{"workspace", "outcome"})

	// runDuration measures analyzer run duration.
	// Labels: workspace, analyzer
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "runs",
		Name:      "duration_seconds",
		Help:      "Analyzer run duration in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"workspace", "analyzer"})

	// cancellations counts cancelled runs.
	// Labels: workspace, cause (superseded, document_changed, shutdown, other)
	cancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runs",
		Name:      "cancellations_total",
		Help:      "Cancelled analyzer runs by cause",
	}, []string{"workspace", "cause"})

	// staleDiscards counts publishes dropped because a newer version exists.
	// Labels: workspace
	staleDiscards = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "publisher",
		Name:      "stale_discards_total",
		Help:      "Publishes discarded as stale",
	}, []string{"workspace"})

	// abandonedRuns counts runs still executing when shutdown gave up on them.
	// Labels: workspace
	abandonedRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "abandoned_total",
		Help:      "Runs abandoned at shutdown",
	}, []string{"workspace"})

	// faults counts analyzer faults.
	// Labels: workspace, analyzer
	faults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runs",
		Name:      "faults_total",
		Help:      "Analyzer faults (errors and panics)",
	}, []string{"workspace", "analyzer"})
)

// Recorder records metrics for one workspace. A nil Recorder discards
// everything, so components can hold one unconditionally.
type Recorder struct {
	workspace string
}

// For returns a Recorder labelled with a workspace ID.
func For(workspace string) *Recorder {
	return &Recorder{workspace: workspace}
}

// Workspace returns the workspace label.
func (r *Recorder) Workspace() string {
	if r == nil {
		return ""
	}

	return r.workspace
}

// QueueDepth sets the current queue depth.
func (r *Recorder) QueueDepth(n int) {
	if r == nil {
		return
	}

	queueDepth.WithLabelValues(r.workspace).Set(float64(n))
}

// Coalesced counts one merged enqueue.
func (r *Recorder) Coalesced() {
	if r == nil {
		return
	}

	coalescedTotal.WithLabelValues(r.workspace).Inc()
}

// Outcome counts one finished run.
func (r *Recorder) Outcome(outcome string) {
	if r == nil {
		return
	}

	runOutcomes.WithLabelValues(r.workspace, outcome).Inc()
}

// RunDuration observes the duration of one analyzer run.
func (r *Recorder) RunDuration(analyzer string, d time.Duration) {
	if r == nil {
		return
	}

	runDuration.WithLabelValues(r.workspace, analyzer).Observe(d.Seconds())
}

// Cancelled counts one cancellation.
func (r *Recorder) Cancelled(cause string) {
	if r == nil {
		return
	}

	cancellations.WithLabelValues(r.workspace, cause).Inc()
}

// StaleDiscarded counts one discarded publish.
func (r *Recorder) StaleDiscarded() {
	if r == nil {
		return
	}

	staleDiscards.WithLabelValues(r.workspace).Inc()
}

// Abandoned counts runs abandoned at shutdown.
func (r *Recorder) Abandoned(n int) {
	if r == nil || n == 0 {
		return
	}

	abandonedRuns.WithLabelValues(r.workspace).Add(float64(n))
}

// Fault counts one analyzer fault.
func (r *Recorder) Fault(analyzer string) {
	if r == nil {
		return
	}

	faults.WithLabelValues(r.workspace, analyzer).Inc()
}

// Forget drops all series of the workspace. Called on unregister.
func (r *Recorder) Forget() {
	if r == nil {
		return
	}

	labels := prometheus.Labels{"workspace": r.workspace}
	for _, vec := range []*prometheus.MetricVec{
		queueDepth.MetricVec,
		coalescedTotal.MetricVec,
		runOutcomes.MetricVec,
		runDuration.MetricVec,
		cancellations.MetricVec,
		staleDiscards.MetricVec,
		abandonedRuns.MetricVec,
		faults.MetricVec,
	} {
		vec.DeletePartialMatch(labels)
	}
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
