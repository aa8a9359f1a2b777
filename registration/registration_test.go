package registration_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/analysis"
	"github.com/rlch/crawler/coordinator"
	"github.com/rlch/crawler/diagnostics"
	"github.com/rlch/crawler/registration"
	"github.com/rlch/crawler/workspace"
)

func testConfig() *crawler.Config {
	cfg := crawler.DefaultConfig()
	cfg.Providers = nil
	cfg.BackOff = 10 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = time.Second

	return cfg
}

// echo reports one warning carrying the document text.
func echo(id crawler.AnalyzerID) *crawler.AnalyzerFunc {
	return &crawler.AnalyzerFunc{
		Desc: crawler.AnalyzerDescriptor{ID: id, SupportsSyntax: true},
		Fn: func(_ context.Context, _ crawler.Phase, _ *crawler.Snapshot, doc *crawler.DocumentSnapshot) ([]crawler.Diagnostic, error) {
			return []crawler.Diagnostic{{Severity: crawler.SeverityWarning, Message: doc.Text}}, nil
		},
	}
}

func provider(analyzers ...crawler.Analyzer) crawler.AnalyzerProvider {
	return &crawler.StaticProvider{ProviderName: "test", List: analyzers}
}

type changes struct {
	mu  sync.Mutex
	all []diagnostics.Change
}

func (c *changes) handle(_ *registration.Registration, ch diagnostics.Change) {
	c.mu.Lock()
	c.all = append(c.all, ch)
	c.mu.Unlock()
}

func (c *changes) list() []diagnostics.Change {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]diagnostics.Change(nil), c.all...)
}

func newService(t *testing.T, cfg *crawler.Config, opts ...registration.Option) *registration.Service {
	t.Helper()

	opts = append([]registration.Option{registration.WithLogger(zaptest.NewLogger(t))}, opts...)

	return registration.NewService(cfg, opts...)
}

func register(t *testing.T, svc *registration.Service, store *workspace.Store) *registration.Registration {
	t.Helper()

	reg, err := svc.Register(store)
	require.NoError(t, err)
	t.Cleanup(func() {
		if _, ok := svc.Registration(store); ok {
			svc.Unregister(store, true)
		}
	})

	return reg
}

func waitIdle(t *testing.T, reg *registration.Registration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, reg.WaitIdle(ctx))
}

func TestScenario_DocumentAdded(t *testing.T) {
	t.Parallel()

	var got changes

	svc := newService(t, testConfig(), registration.WithChangeHandler(got.handle))
	svc.AddAnalyzerProvider(provider(echo("a1"), echo("a2")))

	store := workspace.NewStore()
	reg := register(t, svc, store)

	_, err := store.AddDocument(workspace.DocumentInfo{ID: "D1", Path: "d1.go", Text: "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(got.list()) == 2 }, 5*time.Second, 5*time.Millisecond)
	waitIdle(t, reg)

	analyzers := map[crawler.AnalyzerID]bool{}

	for _, c := range got.list() {
		assert.Equal(t, crawler.DocumentID("D1"), c.Document)
		assert.NotEmpty(t, c.Added)
		assert.Empty(t, c.Removed)

		analyzers[c.Analyzer] = true
	}

	assert.Equal(t, map[crawler.AnalyzerID]bool{"a1": true, "a2": true}, analyzers)
	assert.Equal(t, registration.StatePublished, reg.State("D1", "a1"))
	assert.Len(t, reg.Publisher().Diagnostics("D1"), 2)
}

func TestScenario_EditMidRunCancelsAndReruns(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	causes := make(chan error, 1)

	slow := &crawler.AnalyzerFunc{
		Desc: crawler.AnalyzerDescriptor{ID: "slow", SupportsSyntax: true},
		Fn: func(ctx context.Context, _ crawler.Phase, _ *crawler.Snapshot, doc *crawler.DocumentSnapshot) ([]crawler.Diagnostic, error) {
			if doc.Text == "v1" {
				started <- struct{}{}
				<-ctx.Done()
				causes <- context.Cause(ctx)

				return []crawler.Diagnostic{{Message: "v1"}}, nil
			}

			return []crawler.Diagnostic{{Message: doc.Text}}, nil
		},
	}

	var got changes

	svc := newService(t, testConfig(), registration.WithChangeHandler(got.handle))
	svc.AddAnalyzerProvider(provider(slow))

	store := workspace.NewStore()
	reg := register(t, svc, store)

	_, err := store.AddDocument(workspace.DocumentInfo{ID: "D1", Text: "v1"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("analysis of v1 never started")
	}

	assert.Equal(t, registration.StateRunning, reg.State("D1", "slow"))

	_, err = store.UpdateText("D1", "v2")
	require.NoError(t, err)

	require.ErrorIs(t, <-causes, coordinator.ErrDocumentChanged)

	require.Eventually(t, func() bool { return len(got.list()) == 1 }, 5*time.Second, 5*time.Millisecond)
	waitIdle(t, reg)

	list := got.list()
	require.Len(t, list, 1, "the cancelled run published nothing")
	assert.Equal(t, "v2", list[0].Added[0].Message)

	diags := reg.Publisher().Diagnostics("D1")
	require.Len(t, diags, 1)
	assert.Equal(t, "v2", diags[0].Message)
}

func TestSiblingEditRefreshesProjectWideResults(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Providers = []string{analysis.BuiltinProviderName}

	svc := newService(t, cfg)
	store := workspace.NewStore()

	for _, id := range []crawler.DocumentID{"a.go", "b.go"} {
		_, err := store.AddDocument(workspace.DocumentInfo{
			ID:      id,
			Path:    string(id),
			Project: "p",
			Text:    "package p\n\nfunc Foo() {}\n",
		})
		require.NoError(t, err)
	}

	reg := register(t, svc, store)
	waitIdle(t, reg)

	redeclared := func(doc crawler.DocumentID) []string {
		var msgs []string

		for _, d := range reg.Publisher().Diagnostics(doc) {
			if d.Code == "duplicate-declaration" {
				msgs = append(msgs, d.Message)
			}
		}

		return msgs
	}

	require.Equal(t, []string{"Foo redeclared (also declared in b.go:3)"}, redeclared("a.go"))

	_, err := store.UpdateText("b.go", "package p\n\nfunc Bar() {}\n")
	require.NoError(t, err)
	waitIdle(t, reg)

	assert.Empty(t, redeclared("a.go"), "renaming in b.go clears the error in a.go")

	_, err = store.UpdateText("b.go", "package p\n\nfunc Foo() {}\n")
	require.NoError(t, err)
	waitIdle(t, reg)
	require.Len(t, redeclared("a.go"), 1)

	_, err = store.RemoveDocument("b.go")
	require.NoError(t, err)
	waitIdle(t, reg)

	assert.Empty(t, redeclared("a.go"), "removing b.go clears the error in a.go")
}

func TestUnchangedResultReappearsAfterEdit(t *testing.T) {
	t.Parallel()

	constant := &crawler.AnalyzerFunc{
		Desc: crawler.AnalyzerDescriptor{ID: "constant", SupportsSyntax: true},
		Fn: func(ctx context.Context, _ crawler.Phase, _ *crawler.Snapshot, _ *crawler.DocumentSnapshot) ([]crawler.Diagnostic, error) {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			}

			return []crawler.Diagnostic{{Severity: crawler.SeverityHint, Message: "always"}}, nil
		},
	}

	var got changes

	svc := newService(t, testConfig(), registration.WithChangeHandler(got.handle))
	svc.AddAnalyzerProvider(provider(echo("echo"), constant))

	store := workspace.NewStore()
	reg := register(t, svc, store)

	_, err := store.AddDocument(workspace.DocumentInfo{ID: "D1", Text: "v1"})
	require.NoError(t, err)
	waitIdle(t, reg)

	snap, err := store.UpdateText("D1", "v2")
	require.NoError(t, err)

	// The edit hides the constant result until it is recomputed, so its
	// unchanged republish must still notify consumers.
	assert.Empty(t, reg.Publisher().Current("D1"))
	waitIdle(t, reg)

	var refreshed *diagnostics.Change

	for _, c := range got.list() {
		if c.Analyzer == "constant" && c.Version == snap.Version() {
			refreshed = &c
		}
	}

	require.NotNil(t, refreshed, "no change for the constant analyzer after the edit")
	assert.Empty(t, refreshed.Added)
	assert.Empty(t, refreshed.Removed)
	assert.Len(t, reg.Publisher().Diagnostics("D1"), 2)
}

func TestRemoveDocumentClearsDiagnostics(t *testing.T) {
	t.Parallel()

	svc := newService(t, testConfig())
	svc.AddAnalyzerProvider(provider(echo("a")))

	store := workspace.NewStore()
	_, err := store.AddDocument(workspace.DocumentInfo{ID: "D1", Text: "x"})
	require.NoError(t, err)

	reg := register(t, svc, store)
	waitIdle(t, reg)
	require.NotEmpty(t, reg.Publisher().Diagnostics("D1"), "existing documents are analyzed on Register")

	_, err = store.RemoveDocument("D1")
	require.NoError(t, err)

	assert.Empty(t, reg.Publisher().All())
	assert.Equal(t, registration.StateIdle, reg.State("D1", "a"))
}

func TestPreviewAnalyzesOpenDocumentsOnly(t *testing.T) {
	t.Parallel()

	svc := newService(t, testConfig())
	svc.AddAnalyzerProvider(provider(echo("a")))

	store := workspace.NewStore(workspace.WithKind(workspace.KindPreview))
	_, err := store.AddDocument(workspace.DocumentInfo{ID: "closed", Text: "x"})
	require.NoError(t, err)
	_, err = store.AddDocument(workspace.DocumentInfo{ID: "open", Text: "y", Open: true})
	require.NoError(t, err)

	reg := register(t, svc, store)
	require.True(t, reg.Preview())
	waitIdle(t, reg)

	assert.Empty(t, reg.Publisher().Diagnostics("closed"))
	assert.NotEmpty(t, reg.Publisher().Diagnostics("open"))

	_, err = store.OpenDocument("closed")
	require.NoError(t, err)
	waitIdle(t, reg)
	assert.NotEmpty(t, reg.Publisher().Diagnostics("closed"))

	_, err = store.CloseDocument("closed")
	require.NoError(t, err)
	assert.Empty(t, reg.Publisher().Diagnostics("closed"))

	assert.Zero(t, reg.Reanalyze("closed"), "closed preview documents are not reanalyzed")
}

func TestReanalyze(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		runs []crawler.DocumentID
	)

	svc := newService(t, testConfig(), registration.WithRunObserver(func(_ *registration.Registration, ev analysis.RunEvent) {
		if ev.Outcome == analysis.OutcomeRunning {
			mu.Lock()
			runs = append(runs, ev.Document)
			mu.Unlock()
		}
	}))
	svc.AddAnalyzerProvider(provider(echo("probe")))

	store := workspace.NewStore()
	for _, id := range []crawler.DocumentID{"a", "b"} {
		_, err := store.AddDocument(workspace.DocumentInfo{ID: id, Text: string(id)})
		require.NoError(t, err)
	}

	reg := register(t, svc, store)
	waitIdle(t, reg)

	assert.Equal(t, 2, reg.Reanalyze())
	waitIdle(t, reg)

	assert.Equal(t, 1, reg.Reanalyze("a", "missing"))
	waitIdle(t, reg)

	mu.Lock()
	defer mu.Unlock()

	assert.ElementsMatch(t, []crawler.DocumentID{"a", "b", "a", "b", "a"}, runs)
}

func TestFaultingAnalyzerDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	faults := analysis.NewChannelReporter(4)
	broken := &crawler.AnalyzerFunc{
		Desc: crawler.AnalyzerDescriptor{ID: "broken", SupportsSyntax: true},
		Fn: func(context.Context, crawler.Phase, *crawler.Snapshot, *crawler.DocumentSnapshot) ([]crawler.Diagnostic, error) {
			panic("boom")
		},
	}

	svc := newService(t, testConfig(), registration.WithFaultReporter(faults))
	svc.AddAnalyzerProvider(provider(broken, echo("ok")))

	store := workspace.NewStore()
	reg := register(t, svc, store)

	_, err := store.AddDocument(workspace.DocumentInfo{ID: "D1", Text: "x"})
	require.NoError(t, err)

	select {
	case f := <-faults.Faults():
		assert.True(t, f.Panicked)
	case <-time.After(5 * time.Second):
		t.Fatal("fault was not reported")
	}

	waitIdle(t, reg)

	assert.Equal(t, registration.StateIdle, reg.State("D1", "broken"), "a faulted pair returns to idle")
	assert.Equal(t, registration.StatePublished, reg.State("D1", "ok"))

	outcome, ok := reg.LastOutcome("D1", "broken")
	require.True(t, ok)
	assert.Equal(t, analysis.OutcomeFaulted, outcome)

	_, ok = reg.LastOutcome("D1", "missing")
	assert.False(t, ok)
}

func TestUnregisterBoundsTeardown(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})

	var once sync.Once

	stubborn := &crawler.AnalyzerFunc{
		Desc: crawler.AnalyzerDescriptor{ID: "stubborn", SupportsSyntax: true},
		Fn: func(context.Context, crawler.Phase, *crawler.Snapshot, *crawler.DocumentSnapshot) ([]crawler.Diagnostic, error) {
			once.Do(func() { close(started) })
			<-release

			return nil, nil
		},
	}

	cfg := testConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond

	svc := registration.NewService(cfg)
	svc.AddAnalyzerProvider(provider(stubborn))

	store := workspace.NewStore()
	_, err := store.AddDocument(workspace.DocumentInfo{ID: "D1", Text: "x"})
	require.NoError(t, err)

	reg, err := svc.Register(store)
	require.NoError(t, err)

	<-started

	begin := time.Now()
	abandoned := svc.Unregister(store, true)

	assert.Equal(t, 1, abandoned)
	assert.Less(t, time.Since(begin), time.Second)
	assert.False(t, reg.HasPendingWork())

	_, ok := svc.Registration(store)
	assert.False(t, ok)

	close(release)

	// Edits after teardown are ignored.
	_, err = store.UpdateText("D1", "y")
	require.NoError(t, err)
	assert.False(t, reg.HasPendingWork())
}

func TestMisuse(t *testing.T) {
	t.Parallel()

	misuse := func(t *testing.T, target error, fn func()) {
		t.Helper()

		defer func() {
			r := recover()
			require.NotNil(t, r, "expected a panic")

			err, ok := r.(error)
			require.True(t, ok)

			var me *crawler.MisuseError
			require.ErrorAs(t, err, &me)
			assert.ErrorIs(t, err, target)
		}()

		fn()
	}

	t.Run("register twice", func(t *testing.T) {
		t.Parallel()

		svc := newService(t, testConfig())
		store := workspace.NewStore()
		register(t, svc, store)

		misuse(t, crawler.ErrAlreadyRegistered, func() { _, _ = svc.Register(store) })
	})

	t.Run("provider after register", func(t *testing.T) {
		t.Parallel()

		svc := newService(t, testConfig())
		register(t, svc, workspace.NewStore())

		misuse(t, crawler.ErrNotSupported, func() { svc.AddAnalyzerProvider(provider(echo("late"))) })
	})

	t.Run("provider in preview mode", func(t *testing.T) {
		t.Parallel()

		svc := newService(t, testConfig(), registration.WithMode(registration.ModePreview))

		misuse(t, crawler.ErrNotSupported, func() { svc.AddAnalyzerProvider(provider(echo("a"))) })
	})

	t.Run("unregister unknown", func(t *testing.T) {
		t.Parallel()

		svc := newService(t, testConfig())

		misuse(t, crawler.ErrNotRegistered, func() { svc.Unregister(workspace.NewStore(), false) })
	})
}

func TestRegisterResolvesNamedProviders(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Providers = []string{analysis.BuiltinProviderName}

	svc := newService(t, cfg)

	descs, err := svc.Analyzers()
	require.NoError(t, err)
	assert.Len(t, descs, len(analysis.DefaultRules()))

	store := workspace.NewStore()
	_, err = store.AddDocument(workspace.DocumentInfo{ID: "main.go", Path: "main.go", Text: "package main \n"})
	require.NoError(t, err)

	reg := register(t, svc, store)
	waitIdle(t, reg)

	var codes []string
	for _, d := range reg.Publisher().Diagnostics("main.go") {
		codes = append(codes, d.Code)
	}

	assert.Contains(t, strings.Join(codes, ","), "trailing-whitespace")
}

func TestUnknownProvider(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Providers = []string{"nope"}

	_, err := newService(t, cfg).Register(workspace.NewStore())
	require.True(t, errors.Is(err, crawler.ErrUnknownProvider))
}
