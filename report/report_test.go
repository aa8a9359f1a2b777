package report_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/diagnostics"
	"github.com/rlch/crawler/report"
	"github.com/rlch/crawler/workspace"
)

func diag(line, col int, sev crawler.Severity, code, msg string) crawler.Diagnostic {
	return crawler.Diagnostic{
		Range: crawler.Range{
			Start: crawler.Position{Line: line, Column: col},
			End:   crawler.Position{Line: line, Column: col + 1},
		},
		Severity: sev,
		Code:     code,
		Source:   code,
		Message:  msg,
	}
}

// fixture builds a report over two files with diagnostics and one without.
func fixture(t *testing.T) *report.Report {
	t.Helper()

	store := workspace.NewStore()

	for _, info := range []workspace.DocumentInfo{
		{ID: "b.go", Path: "b.go", Text: "package b\n"},
		{ID: "a.go", Path: "a.go", Text: "package a\n"},
		{ID: "clean.go", Path: "clean.go", Text: "package clean\n"},
	} {
		_, err := store.AddDocument(info)
		require.NoError(t, err)
	}

	pub := diagnostics.New(store.Current)
	v := store.Current().Version()

	require.True(t, pub.Publish("b.go", "x", v, []crawler.Diagnostic{
		diag(3, 0, crawler.SeverityError, "boom", "bad thing"),
		diag(0, 4, crawler.SeverityWarning, "meh", "odd thing"),
	}))
	require.True(t, pub.Publish("a.go", "y", v, []crawler.Diagnostic{
		diag(1, 2, crawler.SeverityHint, "tip", "consider this"),
	}))

	r := report.Build(store.Current(), pub)
	r.Summary.Elapsed = 1500 * time.Millisecond

	return r
}

func TestBuild(t *testing.T) {
	t.Parallel()

	r := fixture(t)

	require.Len(t, r.Files, 2)
	assert.Equal(t, "a.go", r.Files[0].Path)
	assert.Equal(t, "b.go", r.Files[1].Path)

	// Sorted by position within a file.
	assert.Equal(t, "meh", r.Files[1].Diagnostics[0].Code)
	assert.Equal(t, "boom", r.Files[1].Diagnostics[1].Code)

	want := report.Summary{Documents: 3, Errors: 1, Warnings: 1, Hints: 1, Elapsed: 1500 * time.Millisecond}
	if diff := cmp.Diff(want, r.Summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	assert.True(t, r.HasErrors())
	assert.Equal(t, 3, r.Summary.Total())
}

func TestTextRenderer(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, (&report.TextRenderer{Styles: report.PlainStyles()}).Render(&buf, fixture(t)))

	want := strings.Join([]string{
		"a.go",
		"  2:3      hint     consider this  tip",
		"",
		"b.go",
		"  1:5      warning  odd thing  meh",
		"  4:1      error    bad thing  boom",
		"",
		"✗ 3 problems (1 errors, 1 warnings, 0 infos, 1 hints) in 3 documents [1.50s]",
		"",
	}, "\n")

	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("text output mismatch (-want +got):\n%s", diff)
	}
}

func TestTextRenderer_Clean(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	r := &report.Report{Summary: report.Summary{Documents: 1}}
	require.NoError(t, (&report.TextRenderer{}).Render(&buf, r))
	assert.Equal(t, "✓ no problems in 1 document\n", buf.String())
}

func TestJSONRenderer(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, (&report.JSONRenderer{}).Render(&buf, fixture(t)))

	var out report.JSONOutput
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))

	require.Len(t, out.Files, 2)
	assert.Equal(t, "b.go", out.Files[1].Document)
	assert.Equal(t, report.JSONDiagnostic{
		Line:      4,
		Column:    1,
		EndLine:   4,
		EndColumn: 2,
		Severity:  crawler.SeverityError,
		Code:      "boom",
		Source:    "boom",
		Message:   "bad thing",
	}, out.Files[1].Diagnostics[1])
	assert.Equal(t, 3, out.Summary.Total)
	assert.Equal(t, int64(1500), out.Summary.ElapsedMS)
	assert.Contains(t, buf.String(), `"severity":"error"`)
}

func TestNewRenderer(t *testing.T) {
	t.Parallel()

	r, err := report.NewRenderer(report.FormatJSON, false)
	require.NoError(t, err)
	assert.IsType(t, &report.JSONRenderer{}, r)

	r, err = report.NewRenderer("", true)
	require.NoError(t, err)
	assert.IsType(t, &report.TextRenderer{}, r)

	_, err = report.NewRenderer("sarif", false)
	require.Error(t, err)
}
