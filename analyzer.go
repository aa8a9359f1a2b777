package crawler

import (
	"context"
	"slices"
)

// Phase selects which part of an analyzer runs.
type Phase int

// Analysis phases, in execution order.
const (
	// PhaseSyntax only looks at the document text. It is cheap.
	PhaseSyntax Phase = iota + 1
	// PhaseSemantic may look at other documents in the snapshot.
	PhaseSemantic
)

func (p Phase) String() string {
	switch p {
	case PhaseSyntax:
		return "syntax"
	case PhaseSemantic:
		return "semantic"
	default:
		return "unknown"
	}
}

// AnalyzerDescriptor describes an analyzer to the registry.
type AnalyzerDescriptor struct {
	ID  AnalyzerID
	Doc string

	// Languages restricts the analyzer to these languages. Empty means all.
	Languages []Language

	SupportsSyntax   bool
	SupportsSemantic bool

	// Priority orders analyzers of one document; higher runs first.
	Priority int

	// Severity is the default severity of the diagnostics it reports.
	Severity Severity

	// ProjectWide marks analyzers whose semantic phase reads other
	// documents of the project. They are skipped in preview workspaces.
	ProjectWide bool
}

// AppliesTo reports whether the analyzer handles lang.
func (d AnalyzerDescriptor) AppliesTo(lang Language) bool {
	return len(d.Languages) == 0 || slices.Contains(d.Languages, lang)
}

// Phases returns the phases the analyzer supports, in execution order.
func (d AnalyzerDescriptor) Phases() []Phase {
	var phases []Phase
	if d.SupportsSyntax {
		phases = append(phases, PhaseSyntax)
	}

	if d.SupportsSemantic {
		phases = append(phases, PhaseSemantic)
	}

	return phases
}

// Analyzer produces diagnostics for one document.
//
// Analyze must honor ctx: long loops should check ctx.Err() periodically.
// The snapshot is immutable and may be read without locking.
type Analyzer interface {
	Descriptor() AnalyzerDescriptor
	Analyze(ctx context.Context, phase Phase, snap *Snapshot, doc *DocumentSnapshot) ([]Diagnostic, error)
}

// AnalyzeFunc is the signature of Analyzer.Analyze.
type AnalyzeFunc func(ctx context.Context, phase Phase, snap *Snapshot, doc *DocumentSnapshot) ([]Diagnostic, error)

// AnalyzerFunc adapts a descriptor and a function to the Analyzer interface.
type AnalyzerFunc struct {
	Desc AnalyzerDescriptor
	Fn   AnalyzeFunc
}

// Descriptor implements Analyzer.
func (a *AnalyzerFunc) Descriptor() AnalyzerDescriptor {
	return a.Desc
}

// Analyze implements Analyzer.
func (a *AnalyzerFunc) Analyze(ctx context.Context, phase Phase, snap *Snapshot, doc *DocumentSnapshot) ([]Diagnostic, error) {
	return a.Fn(ctx, phase, snap, doc)
}
