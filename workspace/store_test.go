package workspace_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/workspace"
)

func record(t *testing.T, s *workspace.Store) *[]workspace.ChangeEvent {
	t.Helper()

	var events []workspace.ChangeEvent
	unsubscribe := s.Subscribe(func(ev workspace.ChangeEvent) {
		events = append(events, ev)
	})
	t.Cleanup(unsubscribe)

	return &events
}

func TestStore_VersionsAreMonotonic(t *testing.T) {
	t.Parallel()

	s := workspace.NewStore()
	events := record(t, s)

	s1, err := s.AddDocument(workspace.DocumentInfo{ID: "a.go", Project: "p", Path: "a.go", Text: "package a"})
	require.NoError(t, err)
	s2, err := s.UpdateText("a.go", "package a // edited")
	require.NoError(t, err)
	s3, err := s.RemoveDocument("a.go")
	require.NoError(t, err)

	assert.Equal(t, crawler.Version(1), s1.Version())
	assert.Equal(t, crawler.Version(2), s2.Version())
	assert.Equal(t, crawler.Version(3), s3.Version())
	assert.Same(t, s3, s.Current())

	// Old snapshots are never mutated.
	d, ok := s1.Document("a.go")
	require.True(t, ok)
	assert.Equal(t, "package a", d.Text)
	assert.Equal(t, crawler.Language("go"), d.Language)

	kinds := make([]workspace.ChangeKind, 0, len(*events))
	for _, ev := range *events {
		kinds = append(kinds, ev.Kind)
	}

	want := []workspace.ChangeKind{workspace.DocumentAdded, workspace.DocumentChanged, workspace.DocumentRemoved}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("event kinds mismatch (-want +got):\n%s", diff)
	}

	removed := (*events)[2]
	assert.True(t, removed.Removed("a.go"))
	assert.True(t, removed.TextChanged("a.go"))
	assert.True(t, removed.Reasons.Has(crawler.DocumentRemoved))
}

func TestStore_NoOpMutationsEmitNothing(t *testing.T) {
	t.Parallel()

	s := workspace.NewStore()
	_, err := s.AddDocument(workspace.DocumentInfo{ID: "a", Text: "x"})
	require.NoError(t, err)

	events := record(t, s)

	snap, err := s.UpdateText("a", "x")
	require.NoError(t, err)
	assert.Equal(t, crawler.Version(1), snap.Version())

	_, err = s.CloseDocument("a")
	require.NoError(t, err)

	assert.Empty(t, *events)
}

func TestStore_Errors(t *testing.T) {
	t.Parallel()

	s := workspace.NewStore()
	_, err := s.AddDocument(workspace.DocumentInfo{ID: "a"})
	require.NoError(t, err)

	_, err = s.AddDocument(workspace.DocumentInfo{ID: "a"})
	require.ErrorIs(t, err, crawler.ErrDuplicateDocument)

	_, err = s.UpdateText("missing", "x")
	require.ErrorIs(t, err, crawler.ErrUnknownDocument)

	_, err = s.RemoveDocument("missing")
	require.ErrorIs(t, err, crawler.ErrUnknownDocument)

	assert.Equal(t, crawler.Version(1), s.Current().Version())
}

func TestStore_OpenKeepsVersion(t *testing.T) {
	t.Parallel()

	s := workspace.NewStore(workspace.WithKind(workspace.KindPreview))
	assert.Equal(t, workspace.KindPreview, s.Kind())

	_, err := s.AddDocument(workspace.DocumentInfo{ID: "a", Text: "x"})
	require.NoError(t, err)

	events := record(t, s)

	snap, err := s.OpenDocument("a")
	require.NoError(t, err)

	d, _ := snap.Document("a")
	assert.True(t, d.Open)
	assert.Equal(t, crawler.Version(1), d.Version)
	assert.Equal(t, crawler.Version(2), snap.Version())

	require.Len(t, *events, 1)
	ev := (*events)[0]
	assert.True(t, ev.Reasons.Has(crawler.HighPriority))
	assert.False(t, ev.TextChanged("a"))
}

func TestStore_SetOptionTouchesAllDocuments(t *testing.T) {
	t.Parallel()

	s := workspace.NewStore()
	for _, id := range []crawler.DocumentID{"b", "a"} {
		_, err := s.AddDocument(workspace.DocumentInfo{ID: id})
		require.NoError(t, err)
	}

	events := record(t, s)

	_, err := s.SetOption("max-line-length", "80")
	require.NoError(t, err)
	_, err = s.SetOption("max-line-length", "80")
	require.NoError(t, err)

	require.Len(t, *events, 1)
	assert.Equal(t, []crawler.DocumentID{"a", "b"}, (*events)[0].Documents)
	assert.False(t, (*events)[0].TextChanged("a"))
}

func TestStore_MoveDocument(t *testing.T) {
	t.Parallel()

	s := workspace.NewStore()
	for _, info := range []workspace.DocumentInfo{
		{ID: "a", Project: "p"},
		{ID: "b", Project: "p"},
		{ID: "c", Project: "q"},
	} {
		_, err := s.AddDocument(info)
		require.NoError(t, err)
	}

	events := record(t, s)

	snap, err := s.MoveDocument("a", "q")
	require.NoError(t, err)

	d, _ := snap.Document("a")
	assert.Equal(t, crawler.ProjectID("q"), d.Project)
	assert.Equal(t, snap.Version(), d.Version)

	require.Len(t, *events, 1)
	assert.Equal(t, []crawler.DocumentID{"a", "b", "c"}, (*events)[0].Documents)
}

func TestStore_Reload(t *testing.T) {
	t.Parallel()

	s := workspace.NewStore()
	_, err := s.AddDocument(workspace.DocumentInfo{ID: "keep", Text: "same"})
	require.NoError(t, err)
	_, err = s.AddDocument(workspace.DocumentInfo{ID: "edit", Text: "old"})
	require.NoError(t, err)
	_, err = s.AddDocument(workspace.DocumentInfo{ID: "drop", Text: "gone"})
	require.NoError(t, err)

	events := record(t, s)

	snap, err := s.Reload([]workspace.DocumentInfo{
		{ID: "keep", Text: "same"},
		{ID: "edit", Text: "new"},
		{ID: "add", Text: "fresh"},
	})
	require.NoError(t, err)

	keep, _ := snap.Document("keep")
	assert.Equal(t, crawler.Version(1), keep.Version)

	require.Len(t, *events, 1)
	ev := (*events)[0]
	assert.Equal(t, []crawler.DocumentID{"add", "drop", "edit"}, ev.Documents)
	assert.True(t, ev.Removed("drop"))
	assert.True(t, ev.Reasons.Has(crawler.SolutionChanged))
}

func TestStore_Unsubscribe(t *testing.T) {
	t.Parallel()

	s := workspace.NewStore()

	calls := 0
	unsubscribe := s.Subscribe(func(workspace.ChangeEvent) { calls++ })

	_, err := s.AddDocument(workspace.DocumentInfo{ID: "a"})
	require.NoError(t, err)

	unsubscribe()

	_, err = s.AddDocument(workspace.DocumentInfo{ID: "b"})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}
