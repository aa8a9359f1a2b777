package diagnostics_test

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/diagnostics"
	"github.com/rlch/crawler/workspace"
)

func diag(line int, msg string) crawler.Diagnostic {
	return crawler.Diagnostic{
		Range:    crawler.Range{Start: crawler.Position{Line: line}, End: crawler.Position{Line: line, Column: 1}},
		Severity: crawler.SeverityWarning,
		Message:  msg,
		Code:     "test",
		Source:   "test",
	}
}

type recorder struct {
	mu      sync.Mutex
	changes []diagnostics.Change
}

func (r *recorder) handle(c diagnostics.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.changes = append(r.changes, c)
}

func (r *recorder) all() []diagnostics.Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]diagnostics.Change(nil), r.changes...)
}

func newPublisher(t *testing.T) (*workspace.Store, *diagnostics.Publisher, *recorder) {
	t.Helper()

	store := workspace.NewStore()
	pub := diagnostics.New(store.Current)
	rec := &recorder{}
	t.Cleanup(pub.Subscribe(rec.handle))

	return store, pub, rec
}

func TestPublish_ReplacesAndReportsDelta(t *testing.T) {
	t.Parallel()

	store, pub, rec := newPublisher(t)
	snap, err := store.AddDocument(workspace.DocumentInfo{ID: "d1", Text: "x"})
	require.NoError(t, err)

	require.True(t, pub.Publish("d1", "a", snap.Version(), []crawler.Diagnostic{diag(0, "one"), diag(1, "two")}))
	require.True(t, pub.Publish("d1", "a", snap.Version(), []crawler.Diagnostic{diag(1, "two"), diag(2, "three")}))

	changes := rec.all()
	require.Len(t, changes, 2)

	assert.Len(t, changes[0].Added, 2)
	assert.Empty(t, changes[0].Removed)

	if diff := cmp.Diff([]crawler.Diagnostic{diag(2, "three")}, changes[1].Added); diff != "" {
		t.Errorf("added mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]crawler.Diagnostic{diag(0, "one")}, changes[1].Removed); diff != "" {
		t.Errorf("removed mismatch (-want +got):\n%s", diff)
	}

	set, ok := pub.Get("d1", "a")
	require.True(t, ok)
	assert.Len(t, set.Diagnostics, 2)
}

func TestPublish_IdenticalResultIsSilent(t *testing.T) {
	t.Parallel()

	store, pub, rec := newPublisher(t)
	snap, err := store.AddDocument(workspace.DocumentInfo{ID: "d1"})
	require.NoError(t, err)

	diags := []crawler.Diagnostic{diag(0, "one")}
	require.True(t, pub.Publish("d1", "a", snap.Version(), diags))
	require.True(t, pub.Publish("d1", "a", snap.Version(), diags))

	assert.Len(t, rec.all(), 1)
}

func TestPublish_RevivingStaleSetNotifies(t *testing.T) {
	t.Parallel()

	store, pub, rec := newPublisher(t)
	s1, err := store.AddDocument(workspace.DocumentInfo{ID: "d1", Text: "v1"})
	require.NoError(t, err)

	require.True(t, pub.Publish("d1", "changing", s1.Version(), []crawler.Diagnostic{diag(0, "v1")}))
	require.True(t, pub.Publish("d1", "constant", s1.Version(), []crawler.Diagnostic{diag(1, "always")}))
	require.Len(t, rec.all(), 2)

	s2, err := store.UpdateText("d1", "v2")
	require.NoError(t, err)

	require.True(t, pub.Publish("d1", "changing", s2.Version(), []crawler.Diagnostic{diag(0, "v2")}))
	assert.Len(t, pub.Diagnostics("d1"), 1, "the constant set is stale until it is republished")

	require.True(t, pub.Publish("d1", "constant", s2.Version(), []crawler.Diagnostic{diag(1, "always")}))

	changes := rec.all()
	require.Len(t, changes, 4)

	last := changes[3]
	assert.Equal(t, crawler.AnalyzerID("constant"), last.Analyzer)
	assert.Equal(t, s2.Version(), last.Version)
	assert.Empty(t, last.Added)
	assert.Empty(t, last.Removed)
	assert.Len(t, pub.Diagnostics("d1"), 2)

	// Republishing a set that is already current stays silent.
	require.True(t, pub.Publish("d1", "constant", s2.Version(), []crawler.Diagnostic{diag(1, "always")}))
	assert.Len(t, rec.all(), 4)
}

func TestPublish_MonotonicPerKey(t *testing.T) {
	t.Parallel()

	store, pub, _ := newPublisher(t)
	_, err := store.AddDocument(workspace.DocumentInfo{ID: "d1", Text: "v1"})
	require.NoError(t, err)

	// Bump the snapshot without touching d1, so versions 1..3 are all current for it.
	_, err = store.AddDocument(workspace.DocumentInfo{ID: "other"})
	require.NoError(t, err)
	_, err = store.SetOption("k", "v")
	require.NoError(t, err)

	// R2 (version 3) finishes first, then R1 (version 2) arrives late.
	require.True(t, pub.Publish("d1", "a", 3, []crawler.Diagnostic{diag(0, "new")}))
	assert.False(t, pub.Publish("d1", "a", 2, []crawler.Diagnostic{diag(0, "old")}))

	set, ok := pub.Get("d1", "a")
	require.True(t, ok)
	assert.Equal(t, crawler.Version(3), set.SnapshotVersion)
	assert.Equal(t, "new", set.Diagnostics[0].Message)
}

func TestPublish_DiscardsStaleDocumentVersion(t *testing.T) {
	t.Parallel()

	store, pub, rec := newPublisher(t)
	s1, err := store.AddDocument(workspace.DocumentInfo{ID: "d1", Text: "old"})
	require.NoError(t, err)
	_, err = store.UpdateText("d1", "new")
	require.NoError(t, err)

	assert.False(t, pub.Publish("d1", "a", s1.Version(), []crawler.Diagnostic{diag(0, "stale")}))
	assert.False(t, pub.Publish("missing", "a", 99, []crawler.Diagnostic{diag(0, "ghost")}))

	_, ok := pub.Get("d1", "a")
	assert.False(t, ok)
	assert.Empty(t, rec.all())
}

func TestCurrent_HidesStaleSets(t *testing.T) {
	t.Parallel()

	store, pub, _ := newPublisher(t)
	snap, err := store.AddDocument(workspace.DocumentInfo{ID: "d1", Text: "old"})
	require.NoError(t, err)

	require.True(t, pub.Publish("d1", "b", snap.Version(), []crawler.Diagnostic{diag(0, "b")}))
	require.True(t, pub.Publish("d1", "a", snap.Version(), []crawler.Diagnostic{diag(0, "a")}))

	sets := pub.Current("d1")
	require.Len(t, sets, 2)
	assert.Equal(t, crawler.AnalyzerID("a"), sets[0].Analyzer)
	assert.Len(t, pub.Diagnostics("d1"), 2)
	assert.Len(t, pub.All(), 2)

	_, err = store.UpdateText("d1", "new")
	require.NoError(t, err)

	// The sets are still stored, but no longer current.
	assert.Empty(t, pub.Current("d1"))
	assert.Empty(t, pub.All())

	_, ok := pub.Get("d1", "a")
	assert.True(t, ok)
}

func TestClear(t *testing.T) {
	t.Parallel()

	store, pub, rec := newPublisher(t)
	snap, err := store.AddDocument(workspace.DocumentInfo{ID: "d1"})
	require.NoError(t, err)
	_, err = store.AddDocument(workspace.DocumentInfo{ID: "d2"})
	require.NoError(t, err)

	require.True(t, pub.Publish("d1", "a", snap.Version(), []crawler.Diagnostic{diag(0, "x")}))
	require.True(t, pub.Publish("d1", "b", snap.Version(), []crawler.Diagnostic{diag(0, "y")}))
	require.True(t, pub.Publish("d2", "a", store.Current().Version(), []crawler.Diagnostic{diag(0, "z")}))

	assert.Equal(t, 2, pub.Clear("d1"))

	_, ok := pub.Get("d1", "a")
	assert.False(t, ok)
	_, ok = pub.Get("d2", "a")
	assert.True(t, ok)

	var cleared int

	for _, c := range rec.all() {
		if c.Cleared {
			cleared++

			assert.Equal(t, crawler.DocumentID("d1"), c.Document)
			assert.Len(t, c.Removed, 1)
		}
	}

	assert.Equal(t, 2, cleared)
}

func TestClose_DropsLatePublishes(t *testing.T) {
	t.Parallel()

	store, pub, rec := newPublisher(t)
	snap, err := store.AddDocument(workspace.DocumentInfo{ID: "d1"})
	require.NoError(t, err)

	pub.Close()

	assert.False(t, pub.Publish("d1", "a", snap.Version(), []crawler.Diagnostic{diag(0, "late")}))
	assert.Empty(t, rec.all())
}

func TestPublish_ConcurrentKeys(t *testing.T) {
	t.Parallel()

	store, pub, rec := newPublisher(t)

	docs := []crawler.DocumentID{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, id := range docs {
		_, err := store.AddDocument(workspace.DocumentInfo{ID: id})
		require.NoError(t, err)
	}

	version := store.Current().Version()

	var wg sync.WaitGroup

	for _, id := range docs {
		for _, analyzer := range []crawler.AnalyzerID{"x", "y"} {
			wg.Add(1)

			go func() {
				defer wg.Done()

				pub.Publish(id, analyzer, version, []crawler.Diagnostic{diag(0, string(id)+string(analyzer))})
			}()
		}
	}

	wg.Wait()

	assert.Len(t, pub.All(), 16)
	assert.Len(t, rec.all(), 16)
}

func TestDelta_Duplicates(t *testing.T) {
	t.Parallel()

	d := diag(0, "dup")

	added, removed := diagnostics.Delta([]crawler.Diagnostic{d, d}, []crawler.Diagnostic{d})
	assert.Empty(t, added)
	assert.Len(t, removed, 1)

	added, removed = diagnostics.Delta(nil, []crawler.Diagnostic{d, d})
	assert.Len(t, added, 2)
	assert.Empty(t, removed)
}
