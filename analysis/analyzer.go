package analysis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rlch/crawler"
)

// BuiltinProviderName is the name the built-in rules are registered under.
const BuiltinProviderName = "builtin"

// checkEvery is how many lines a rule processes between cancellation checks.
const checkEvery = 512

//nolint:gochecknoinits // Providers self-register, like database dialects.
func init() {
	crawler.RegisterProvider(BuiltinProviderName, func(cfg *crawler.Config) (crawler.AnalyzerProvider, error) {
		return NewBuiltinProvider(cfg), nil
	})
}

// Pass holds the state of one rule invocation on one document.
type Pass struct {
	Context  context.Context //nolint:containedctx
	Snapshot *crawler.Snapshot
	Document *crawler.DocumentSnapshot
	Phase    crawler.Phase

	// MaxLineLength is the configured limit, possibly overridden by the
	// "max-line-length" workspace option.
	MaxLineLength int

	// Diagnostics collects everything the rule reported.
	Diagnostics []crawler.Diagnostic

	rule  *Rule
	lines []string
}

// Lines returns the document lines, computed once per pass.
func (p *Pass) Lines() []string {
	if p.lines == nil {
		p.lines = p.Document.Lines()
	}

	return p.lines
}

// Report adds a diagnostic with the rule's code and severity.
func (p *Pass) Report(rng crawler.Range, msg string) {
	p.Diagnostics = append(p.Diagnostics, crawler.Diagnostic{
		Range:    rng,
		Severity: p.rule.Severity,
		Message:  msg,
		Code:     p.rule.Name,
		Source:   p.rule.Name,
	})
}

// Reportf is Report with formatting.
func (p *Pass) Reportf(rng crawler.Range, format string, args ...any) {
	p.Report(rng, fmt.Sprintf(format, args...))
}

// Checkpoint returns the context error every checkEvery iterations, so long
// loops can stop promptly when the run is cancelled.
func (p *Pass) Checkpoint(i int) error {
	if i%checkEvery != 0 {
		return nil
	}

	return p.Context.Err()
}

// ruleAnalyzer adapts a Rule to crawler.Analyzer.
type ruleAnalyzer struct {
	rule          *Rule
	maxLineLength int
}

// NewRuleAnalyzer wraps a Rule as an Analyzer. maxLineLength is passed to
// every Pass.
func NewRuleAnalyzer(rule *Rule, maxLineLength int) crawler.Analyzer { //nolint:ireturn
	return &ruleAnalyzer{rule: rule, maxLineLength: maxLineLength}
}

func (a *ruleAnalyzer) Descriptor() crawler.AnalyzerDescriptor {
	return crawler.AnalyzerDescriptor{
		ID:               crawler.AnalyzerID(a.rule.Name),
		Doc:              a.rule.Doc,
		Languages:        a.rule.Languages,
		SupportsSyntax:   a.rule.Phase == crawler.PhaseSyntax,
		SupportsSemantic: a.rule.Phase == crawler.PhaseSemantic,
		Priority:         a.rule.Priority,
		Severity:         a.rule.Severity,
		ProjectWide:      a.rule.ProjectWide,
	}
}

func (a *ruleAnalyzer) Analyze(ctx context.Context, phase crawler.Phase, snap *crawler.Snapshot, doc *crawler.DocumentSnapshot) ([]crawler.Diagnostic, error) {
	if phase != a.rule.Phase {
		return nil, nil
	}

	pass := &Pass{
		Context:       ctx,
		Snapshot:      snap,
		Document:      doc,
		Phase:         phase,
		MaxLineLength: a.maxLineLength,
		rule:          a.rule,
	}

	if v, ok := snap.Option("max-line-length"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			pass.MaxLineLength = n
		}
	}

	if err := a.rule.Run(pass); err != nil {
		return nil, err
	}

	return pass.Diagnostics, nil
}

// BuiltinProvider provides the built-in rules.
type BuiltinProvider struct {
	analyzers []crawler.Analyzer
}

// NewBuiltinProvider creates analyzers for DefaultRules. cfg may be nil.
func NewBuiltinProvider(cfg *crawler.Config) *BuiltinProvider {
	if cfg == nil {
		cfg = crawler.DefaultConfig()
	}

	rules := DefaultRules()
	analyzers := make([]crawler.Analyzer, 0, len(rules))

	for _, rule := range rules {
		analyzers = append(analyzers, NewRuleAnalyzer(rule, cfg.MaxLineLength))
	}

	return &BuiltinProvider{analyzers: analyzers}
}

// Name implements crawler.AnalyzerProvider.
func (p *BuiltinProvider) Name() string {
	return BuiltinProviderName
}

// Analyzers implements crawler.AnalyzerProvider.
func (p *BuiltinProvider) Analyzers() []crawler.Analyzer {
	return p.analyzers
}
