// Package report renders the diagnostics of a workspace for humans and
// machines.
package report

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/diagnostics"
)

// File holds the diagnostics of one document, sorted by position.
type File struct {
	Document    crawler.DocumentID
	Path        string
	Diagnostics []crawler.Diagnostic
}

// Summary holds aggregate counts of a Report.
type Summary struct {
	Documents int
	Analyzers int
	Errors    int
	Warnings  int
	Infos     int
	Hints     int
	Faults    int
	Elapsed   time.Duration
}

// Total returns the number of diagnostics.
func (s Summary) Total() int {
	return s.Errors + s.Warnings + s.Infos + s.Hints
}

// Report is the diagnostics of a workspace at one snapshot. Only documents
// with diagnostics have a File.
type Report struct {
	Version crawler.Version
	Files   []File
	Summary Summary
}

// Build collects the current diagnostics of every document of snap.
func Build(snap *crawler.Snapshot, pub *diagnostics.Publisher) *Report {
	return BuildFor(snap, pub, snap.DocumentIDs()...)
}

// BuildFor collects the current diagnostics of docs. Documents missing from
// snap are ignored.
func BuildFor(snap *crawler.Snapshot, pub *diagnostics.Publisher, docs ...crawler.DocumentID) *Report {
	r := &Report{Version: snap.Version()}

	for _, id := range docs {
		doc, ok := snap.Document(id)
		if !ok {
			continue
		}

		r.Summary.Documents++

		diags := pub.Diagnostics(doc.ID)
		if len(diags) == 0 {
			continue
		}

		path := doc.Path
		if path == "" {
			path = string(doc.ID)
		}

		r.Files = append(r.Files, File{
			Document:    doc.ID,
			Path:        path,
			Diagnostics: SortDiagnostics(diags),
		})

		for _, d := range diags {
			r.Summary.count(d.Severity)
		}
	}

	slices.SortFunc(r.Files, func(a, b File) int {
		return cmp.Compare(a.Path, b.Path)
	})

	return r
}

func (s *Summary) count(sev crawler.Severity) {
	switch sev {
	case crawler.SeverityError:
		s.Errors++
	case crawler.SeverityWarning:
		s.Warnings++
	case crawler.SeverityInformation:
		s.Infos++
	case crawler.SeverityHint:
		s.Hints++
	}
}

// HasErrors reports whether any diagnostic has error severity.
func (r *Report) HasErrors() bool {
	return r.Summary.Errors > 0
}

// SortDiagnostics sorts a copy of diags by line, column and code for stable
// output.
func SortDiagnostics(diags []crawler.Diagnostic) []crawler.Diagnostic {
	sorted := slices.Clone(diags)
	slices.SortStableFunc(sorted, func(a, b crawler.Diagnostic) int {
		return cmp.Or(
			cmp.Compare(a.Range.Start.Line, b.Range.Start.Line),
			cmp.Compare(a.Range.Start.Column, b.Range.Start.Column),
			cmp.Compare(a.Code, b.Code),
			cmp.Compare(a.Message, b.Message),
		)
	})

	return sorted
}

// Renderer writes a Report.
type Renderer interface {
	Render(w io.Writer, r *Report) error
}

// Format is an output format.
type Format string

// Output formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// NewRenderer returns the renderer for format. Text output is colored when
// color is set.
func NewRenderer(format Format, color bool) (Renderer, error) { //nolint:ireturn
	switch format {
	case FormatText, "":
		styles := PlainStyles()
		if color {
			styles = DefaultStyles()
		}

		return &TextRenderer{Styles: styles}, nil
	case FormatJSON:
		return &JSONRenderer{Indent: true}, nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}
