// Package registration attaches the background analysis engine to
// workspaces and tears it down again.
package registration

import (
	"context"
	"fmt"
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

// Mode is the host mode of a Service.
type Mode int

// Host modes.
const (
	// ModeHost is a full host: every document is analyzed.
	ModeHost Mode = iota
	// ModePreview is a restricted host: only open documents are analyzed,
	// project-wide analyzers are skipped and providers are fixed.
	ModePreview
)

func (m Mode) String() string {
	if m == ModePreview {
		return "preview"
	}

	return "host"
}

// ChangeHandler receives diagnostic changes of a registration.
type ChangeHandler func(reg *Registration, c diagnostics.Change)

// Service registers workspaces with the analysis engine.
type Service struct {
	cfg      *crawler.Config
	mode     Mode
	logger   *zap.Logger
	base     *zap.Logger
	reporter analysis.FaultReporter
	handlers []ChangeHandler
	runObs   []func(*Registration, analysis.RunEvent)
	metrics  bool

	mu        sync.Mutex
	providers []crawler.AnalyzerProvider
	registry  *analysis.Registry
	regs      map[string]*Registration
}

// Option configures a Service.
type Option func(*Service)

// WithMode sets the host mode.
func WithMode(m Mode) Option {
	return func(s *Service) {
		s.mode = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithFaultReporter sets where analyzer faults of every registration go.
func WithFaultReporter(r analysis.FaultReporter) Option {
	return func(s *Service) {
		s.reporter = r
	}
}

// WithChangeHandler subscribes fn to the diagnostics of every registration
// before its first analysis runs. fn must not block.
func WithChangeHandler(fn ChangeHandler) Option {
	return func(s *Service) {
		s.handlers = append(s.handlers, fn)
	}
}

// WithRunObserver is called for every analyzer run start and end.
func WithRunObserver(fn func(*Registration, analysis.RunEvent)) Option {
	return func(s *Service) {
		s.runObs = append(s.runObs, fn)
	}
}

// WithMetrics enables Prometheus metrics labelled by workspace ID.
func WithMetrics(enabled bool) Option {
	return func(s *Service) {
		s.metrics = enabled
	}
}

// NewService creates a Service. Providers named in cfg.Providers are
// resolved on the first Register. cfg may be nil.
func NewService(cfg *crawler.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = crawler.DefaultConfig()
	}

	s := &Service{
		cfg:    cfg,
		logger: zap.NewNop(),
		regs:   make(map[string]*Registration),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.reporter == nil {
		s.reporter = analysis.NewLogReporter(s.logger, time.Minute, 3)
	}

	s.base = s.logger
	s.logger = s.logger.With(zap.String("component", "registration"))

	return s
}

// Mode returns the host mode.
func (s *Service) Mode() Mode {
	return s.mode
}

// Config returns the configuration.
func (s *Service) Config() *crawler.Config {
	return s.cfg
}

// AddAnalyzerProvider adds analyzers to every future registration. It
// panics with crawler.ErrNotSupported in preview mode or once a workspace
// has been registered.
func (s *Service) AddAnalyzerProvider(p crawler.AnalyzerProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == ModePreview {
		crawler.Misuse("AddAnalyzerProvider", fmt.Errorf("%w in preview mode", crawler.ErrNotSupported))
	}

	if s.registry != nil {
		crawler.Misuse("AddAnalyzerProvider", fmt.Errorf("%w after Register", crawler.ErrNotSupported))
	}

	s.providers = append(s.providers, p)
}

// Analyzers returns the descriptors of the enabled analyzers, resolving the
// providers if no workspace was registered yet.
func (s *Service) Analyzers() ([]crawler.AnalyzerDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.resolve()
	if err != nil {
		return nil, err
	}

	return reg.Descriptors(), nil
}

// resolve builds the registry once. Callers hold s.mu.
func (s *Service) resolve() (*analysis.Registry, error) {
	if s.registry != nil {
		return s.registry, nil
	}

	providers := make([]crawler.AnalyzerProvider, 0, len(s.cfg.Providers)+len(s.providers))

	for _, name := range s.cfg.Providers {
		p, err := crawler.NewProvider(name, s.cfg)
		if err != nil {
			return nil, err
		}

		providers = append(providers, p)
	}

	providers = append(providers, s.providers...)

	reg, err := analysis.NewRegistry(s.cfg, providers...)
	if err != nil {
		return nil, err
	}

	s.registry = reg

	return reg, nil
}

// Register starts background analysis of store. Every document already in
// the store is enqueued. Registering the same store twice panics with
// crawler.ErrAlreadyRegistered.
func (s *Service) Register(store *workspace.Store) (*Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.regs[store.ID()]; ok {
		crawler.Misuse("Register", fmt.Errorf("%w: %s", crawler.ErrAlreadyRegistered, store.ID()))
	}

	registry, err := s.resolve()
	if err != nil {
		return nil, fmt.Errorf("resolving analyzers: %w", err)
	}

	r := s.build(store, registry)
	s.regs[store.ID()] = r

	r.start()

	s.logger.Info("workspace registered",
		zap.String("workspace", store.ID()),
		zap.Stringer("kind", store.Kind()),
		zap.Int("analyzers", registry.Len()),
		zap.Int("documents", store.Current().Len()),
	)

	return r, nil
}

func (s *Service) build(store *workspace.Store, registry *analysis.Registry) *Registration {
	cfg := s.cfg
	logger := s.base.With(zap.String("workspace", store.ID()))

	var rec *metrics.Recorder
	if s.metrics {
		rec = metrics.For(store.ID())
	}

	r := &Registration{
		store:   store,
		preview: s.mode == ModePreview || store.Kind() == workspace.KindPreview,
		logger:  logger.With(zap.String("component", "registration")),
		metrics: rec,
		timeout: cfg.ShutdownTimeout,
		last:    make(map[stateKey]analysis.Outcome),
	}

	r.queue = workqueue.New(
		workqueue.WithBackOff(cfg.BackOff),
		workqueue.WithPrioritizeHighPriority(cfg.PrioritizeHighPriority),
		workqueue.WithLogger(logger),
		workqueue.WithMetrics(rec),
	)
	r.coordinator = coordinator.New(
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(rec),
	)
	r.publisher = diagnostics.New(store.Current,
		diagnostics.WithLogger(logger),
		diagnostics.WithMetrics(rec),
	)

	execOpts := []analysis.ExecutorOption{
		analysis.WithLogger(logger),
		analysis.WithMetrics(rec),
		analysis.WithFaultReporter(s.reporter),
		analysis.WithPreview(r.preview),
		analysis.WithObserver(r.observe),
	}

	for _, fn := range s.runObs {
		execOpts = append(execOpts, analysis.WithObserver(func(ev analysis.RunEvent) { fn(r, ev) }))
	}

	r.executor = analysis.NewExecutor(registry, r.publisher, r.coordinator, execOpts...)
	r.scheduler = scheduler.New(r.queue, r.executor, store.Current,
		scheduler.WithMaxConcurrency(cfg.MaxConcurrency),
		scheduler.WithPollInterval(cfg.PollInterval),
		scheduler.WithFaultRetry(cfg.FaultRetry),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(rec),
	)

	for _, fn := range s.handlers {
		r.unsubscribe = append(r.unsubscribe, r.publisher.Subscribe(func(c diagnostics.Change) { fn(r, c) }))
	}

	return r
}

// Registration returns the registration of store.
func (s *Service) Registration(store *workspace.Store) (*Registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regs[store.ID()]

	return r, ok
}

// Unregister stops background analysis of store. In-flight runs are
// cancelled. When blocking, it waits for them up to the configured shutdown
// timeout and returns how many had to be abandoned. Unregistering an
// unknown store panics with crawler.ErrNotRegistered.
func (s *Service) Unregister(store *workspace.Store, blocking bool) int {
	s.mu.Lock()

	r, ok := s.regs[store.ID()]
	if !ok {
		s.mu.Unlock()
		crawler.Misuse("Unregister", fmt.Errorf("%w: %s", crawler.ErrNotRegistered, store.ID()))
	}

	delete(s.regs, store.ID())
	s.mu.Unlock()

	abandoned := r.stop(blocking)

	s.logger.Info("workspace unregistered",
		zap.String("workspace", store.ID()),
		zap.Bool("blocking", blocking),
		zap.Int("abandoned", abandoned),
	)

	return abandoned
}

// Close unregisters every workspace, blocking on each.
func (s *Service) Close(ctx context.Context) {
	s.mu.Lock()
	regs := make([]*Registration, 0, len(s.regs))

	for id, r := range s.regs {
		regs = append(regs, r)
		delete(s.regs, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup

	for _, r := range regs {
		wg.Add(1)

		go func() {
			defer wg.Done()
			r.stop(ctx.Err() == nil)
		}()
	}

	wg.Wait()
}
