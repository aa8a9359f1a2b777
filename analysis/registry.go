package analysis

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rlch/crawler"
)

// ErrDuplicateAnalyzer is returned when two providers supply the same analyzer ID.
var ErrDuplicateAnalyzer = errors.New("duplicate analyzer")

// Entry is a registered analyzer with its configured filters.
type Entry struct {
	Analyzer crawler.Analyzer
	Desc     crawler.AnalyzerDescriptor
	Provider string

	files    []string
	when     *vm.Program
	severity crawler.Severity
}

// Registry is the fixed set of analyzers of one registration.
type Registry struct {
	entries []*Entry
	byID    map[crawler.AnalyzerID]*Entry
}

// NewRegistry collects the analyzers of providers and applies the
// per-analyzer settings of cfg. Disabled analyzers are left out. cfg may be nil.
func NewRegistry(cfg *crawler.Config, providers ...crawler.AnalyzerProvider) (*Registry, error) {
	if cfg == nil {
		cfg = crawler.DefaultConfig()
	}

	r := &Registry{byID: make(map[crawler.AnalyzerID]*Entry)}

	for _, p := range providers {
		for _, a := range p.Analyzers() {
			desc := a.Descriptor()

			if prev, dup := r.byID[desc.ID]; dup {
				return nil, fmt.Errorf("%w: %s (from %s and %s)", ErrDuplicateAnalyzer, desc.ID, prev.Provider, p.Name())
			}

			ac := cfg.Analyzer(desc.ID)
			if ac.Disabled {
				continue
			}

			entry := &Entry{
				Analyzer: a,
				Desc:     desc,
				Provider: p.Name(),
				files:    ac.Files,
			}

			if ac.When != "" {
				program, err := expr.Compile(ac.When, expr.Env(crawler.PredicateEnv{}), expr.AsBool())
				if err != nil {
					return nil, fmt.Errorf("analyzer %s: when: %w", desc.ID, err)
				}

				entry.when = program
			}

			if ac.Severity != "" {
				sev, err := crawler.ParseSeverity(ac.Severity)
				if err != nil {
					return nil, fmt.Errorf("analyzer %s: %w", desc.ID, err)
				}

				entry.severity = sev
			}

			r.entries = append(r.entries, entry)
			r.byID[desc.ID] = entry
		}
	}

	slices.SortStableFunc(r.entries, func(a, b *Entry) int {
		return cmp.Or(cmp.Compare(b.Desc.Priority, a.Desc.Priority), cmp.Compare(a.Desc.ID, b.Desc.ID))
	})

	return r, nil
}

// Len returns the number of enabled analyzers.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id crawler.AnalyzerID) (*Entry, bool) {
	e, ok := r.byID[id]

	return e, ok
}

// Descriptors returns the descriptors of every enabled analyzer in run order.
func (r *Registry) Descriptors() []crawler.AnalyzerDescriptor {
	out := make([]crawler.AnalyzerDescriptor, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Desc
	}

	return out
}

// ForDocument returns the analyzers that must run on doc for reasons, in
// run order.
func (r *Registry) ForDocument(doc *crawler.DocumentSnapshot, reasons crawler.Reasons) []*Entry {
	var out []*Entry

	for _, e := range r.entries {
		if e.Matches(doc, reasons) {
			out = append(out, e)
		}
	}

	return out
}

// reasons that can change what any analyzer reports.
var textReasons = crawler.NewReasons(
	crawler.DocumentAdded,
	crawler.DocumentChanged,
	crawler.SyntaxChanged,
	crawler.SolutionChanged,
	crawler.ReanalyzeRequested,
	crawler.OptionChanged,
	crawler.DocumentOpened,
)

// NeedsRun reports whether an analyzer described by desc has to re-run for
// reasons. A project change only invalidates semantic results; closing a
// document or raising its priority invalidates nothing.
func NeedsRun(desc crawler.AnalyzerDescriptor, reasons crawler.Reasons) bool {
	switch {
	case reasons.IsEmpty(), reasons&textReasons != 0:
		return true
	case reasons.Has(crawler.ProjectChanged):
		return desc.SupportsSemantic
	default:
		return false
	}
}

// Matches reports whether the entry applies to doc for reasons: language,
// reasons, file patterns and the when predicate must all agree.
func (e *Entry) Matches(doc *crawler.DocumentSnapshot, reasons crawler.Reasons) bool {
	if !e.Desc.AppliesTo(doc.Language) || !NeedsRun(e.Desc, reasons) {
		return false
	}

	if len(e.files) > 0 {
		matched := false

		for _, pattern := range e.files {
			if ok, _ := doublestar.Match(pattern, doc.Path); ok {
				matched = true

				break
			}
		}

		if !matched {
			return false
		}
	}

	if e.when != nil {
		out, err := expr.Run(e.when, crawler.PredicateEnv{
			Language: string(doc.Language),
			Path:     doc.Path,
			Project:  string(doc.Project),
			Open:     doc.Open,
			Lines:    len(doc.Lines()),
			Reasons:  reasons.Names(),
		})
		if err != nil {
			return false
		}

		if ok, _ := out.(bool); !ok {
			return false
		}
	}

	return true
}

// apply rewrites analyzer output with the configured severity and fills in
// the source.
func (e *Entry) apply(diags []crawler.Diagnostic) []crawler.Diagnostic {
	for i := range diags {
		if e.severity != 0 {
			diags[i].Severity = e.severity
		}

		if diags[i].Source == "" {
			diags[i].Source = string(e.Desc.ID)
		}

		if diags[i].Severity == 0 {
			diags[i].Severity = cmp.Or(e.Desc.Severity, crawler.SeverityWarning)
		}
	}

	return diags
}
