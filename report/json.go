package report

import (
	"encoding/json"
	"io"

	"github.com/rlch/crawler"
)

// JSONOutput is the top-level structure for JSON output.
type JSONOutput struct {
	Version uint64      `json:"version"`
	Files   []JSONFile  `json:"files"`
	Summary JSONSummary `json:"summary"`
}

// JSONFile contains the diagnostics of a single document.
type JSONFile struct {
	Document    string           `json:"document"`
	Path        string           `json:"path"`
	Diagnostics []JSONDiagnostic `json:"diagnostics"`
}

// JSONDiagnostic is a diagnostic with one-based positions.
type JSONDiagnostic struct {
	Line      int              `json:"line"`
	Column    int              `json:"column"`
	EndLine   int              `json:"end_line"`
	EndColumn int              `json:"end_column"`
	Severity  crawler.Severity `json:"severity"`
	Code      string           `json:"code,omitempty"`
	Source    string           `json:"source,omitempty"`
	Message   string           `json:"message"`
}

// JSONSummary contains aggregate statistics.
type JSONSummary struct {
	Documents int   `json:"documents"`
	Analyzers int   `json:"analyzers"`
	Total     int   `json:"total"`
	Errors    int   `json:"errors"`
	Warnings  int   `json:"warnings"`
	Infos     int   `json:"infos"`
	Hints     int   `json:"hints"`
	Faults    int   `json:"faults"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

// JSONRenderer writes a Report as a single JSON document.
type JSONRenderer struct {
	Indent bool
}

// Render implements Renderer.
func (j *JSONRenderer) Render(w io.Writer, r *Report) error {
	out := JSONOutput{
		Version: uint64(r.Version),
		Files:   make([]JSONFile, 0, len(r.Files)),
		Summary: JSONSummary{
			Documents: r.Summary.Documents,
			Analyzers: r.Summary.Analyzers,
			Total:     r.Summary.Total(),
			Errors:    r.Summary.Errors,
			Warnings:  r.Summary.Warnings,
			Infos:     r.Summary.Infos,
			Hints:     r.Summary.Hints,
			Faults:    r.Summary.Faults,
			ElapsedMS: r.Summary.Elapsed.Milliseconds(),
		},
	}

	for _, f := range r.Files {
		jf := JSONFile{
			Document:    string(f.Document),
			Path:        f.Path,
			Diagnostics: make([]JSONDiagnostic, 0, len(f.Diagnostics)),
		}

		for _, d := range f.Diagnostics {
			jf.Diagnostics = append(jf.Diagnostics, JSONDiagnostic{
				Line:      d.Range.Start.Line + 1,
				Column:    d.Range.Start.Column + 1,
				EndLine:   d.Range.End.Line + 1,
				EndColumn: d.Range.End.Column + 1,
				Severity:  d.Severity,
				Code:      d.Code,
				Source:    d.Source,
				Message:   d.Message,
			})
		}

		out.Files = append(out.Files, jf)
	}

	enc := json.NewEncoder(w)
	if j.Indent {
		enc.SetIndent("", "  ")
	}

	return enc.Encode(out)
}
