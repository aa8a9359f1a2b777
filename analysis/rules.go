package analysis

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/alecthomas/participle/v2/lexer"

	"github.com/rlch/crawler"
)

// Rule is a single built-in check.
// Inspired by go/analysis.Analyzer pattern.
type Rule struct {
	// Name is a short identifier for the rule (used as analyzer ID and diagnostic code).
	Name string

	// Doc is a brief description of what the rule checks.
	Doc string

	// Severity is the default severity for diagnostics from this rule.
	Severity crawler.Severity

	// Phase is the phase the rule runs in.
	Phase crawler.Phase

	// Languages restricts the rule. Empty means every language.
	Languages []crawler.Language

	// Priority orders rules of one document; higher runs first.
	Priority int

	// ProjectWide rules read other documents of the project.
	ProjectWide bool

	// Run executes the rule and reports diagnostics on the pass.
	Run func(p *Pass) error
}

// DefaultRules returns all built-in rules.
func DefaultRules() []*Rule {
	return []*Rule{
		// Syntax phase.
		unbalancedDelimiterRule,
		trailingWhitespaceRule,
		mixedIndentationRule,
		lineTooLongRule,
		todoCommentRule,

		// Semantic phase.
		duplicateDeclarationRule,
	}
}

func lineRange(line, start, end int) crawler.Range {
	return crawler.Range{
		Start: crawler.Position{Line: line, Column: start},
		End:   crawler.Position{Line: line, Column: end},
	}
}

// ----------------------------------------------------------------------------
// Rule: trailing-whitespace
// ----------------------------------------------------------------------------

var trailingWhitespaceRule = &Rule{
	Name:     "trailing-whitespace",
	Doc:      "Reports lines ending in spaces or tabs.",
	Severity: crawler.SeverityWarning,
	Phase:    crawler.PhaseSyntax,
	Run:      checkTrailingWhitespace,
}

func checkTrailingWhitespace(p *Pass) error {
	for i, line := range p.Lines() {
		if err := p.Checkpoint(i); err != nil {
			return err
		}

		trimmed := strings.TrimRight(line, " \t")
		if len(trimmed) != len(line) {
			p.Report(lineRange(i, len(trimmed), len(line)), "trailing whitespace")
		}
	}

	return nil
}

// ----------------------------------------------------------------------------
// Rule: line-too-long
// ----------------------------------------------------------------------------

var lineTooLongRule = &Rule{
	Name:     "line-too-long",
	Doc:      "Reports lines longer than max-line-length characters.",
	Severity: crawler.SeverityInformation,
	Phase:    crawler.PhaseSyntax,
	Run:      checkLineTooLong,
}

func checkLineTooLong(p *Pass) error {
	limit := p.MaxLineLength
	if limit <= 0 {
		return nil
	}

	for i, line := range p.Lines() {
		if err := p.Checkpoint(i); err != nil {
			return err
		}

		if n := utf8.RuneCountInString(line); n > limit {
			p.Reportf(lineRange(i, 0, len(line)), "line is %d characters long (max %d)", n, limit)
		}
	}

	return nil
}

// ----------------------------------------------------------------------------
// Rule: mixed-indentation
// ----------------------------------------------------------------------------

var mixedIndentationRule = &Rule{
	Name:     "mixed-indentation",
	Doc:      "Reports lines indented with both tabs and spaces.",
	Severity: crawler.SeverityWarning,
	Phase:    crawler.PhaseSyntax,
	Run:      checkMixedIndentation,
}

func checkMixedIndentation(p *Pass) error {
	for i, line := range p.Lines() {
		if err := p.Checkpoint(i); err != nil {
			return err
		}

		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if strings.Contains(indent, " ") && strings.Contains(indent, "\t") {
			p.Report(lineRange(i, 0, len(indent)), "indentation mixes tabs and spaces")
		}
	}

	return nil
}

// ----------------------------------------------------------------------------
// Rule: todo-comment
// ----------------------------------------------------------------------------

var todoCommentRule = &Rule{
	Name:     "todo-comment",
	Doc:      "Reports TODO and FIXME comments.",
	Severity: crawler.SeverityHint,
	Phase:    crawler.PhaseSyntax,
	Run:      checkTodoComments,
}

var todoPattern = regexp.MustCompile(`(?://|#|/\*|--)\s*(TODO|FIXME)\b:?\s*(.*)`)

func checkTodoComments(p *Pass) error {
	for i, line := range p.Lines() {
		if err := p.Checkpoint(i); err != nil {
			return err
		}

		m := todoPattern.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}

		tag := line[m[2]:m[3]]
		text := strings.TrimSpace(strings.TrimSuffix(line[m[4]:m[5]], "*/"))

		msg := tag
		if text != "" {
			msg += ": " + text
		}

		p.Report(lineRange(i, m[2], len(line)), msg)
	}

	return nil
}

// ----------------------------------------------------------------------------
// Rule: unbalanced-delimiter
// ----------------------------------------------------------------------------

var unbalancedDelimiterRule = &Rule{
	Name:      "unbalanced-delimiter",
	Doc:       "Reports unmatched brackets, braces and parentheses outside strings and comments.",
	Severity:  crawler.SeverityError,
	Phase:     crawler.PhaseSyntax,
	Languages: []crawler.Language{"go", "c", "cpp", "csharp", "java", "javascript", "typescript", "rust", "json"},
	Priority:  10,
	Run:       checkUnbalancedDelimiters,
}

// delimiterLexer splits C-family source into the tokens delimiter matching
// cares about. Everything else is lexed as Other.
var delimiterLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `//[^\n]*|/\*(?:[^*]|\*[^/])*\*/`},
	{Name: "String", Pattern: "\"(?:\\\\.|[^\"\\\\\\n])*\"|'(?:\\\\.|[^'\\\\\\n])*'|`[^`]*`"},
	{Name: "Open", Pattern: `[\(\[\{]`},
	{Name: "Close", Pattern: `[\)\]\}]`},
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Other", Pattern: "[^\\s\\(\\)\\[\\]\\{\\}\"'`/]+|."},
})

var closerFor = map[string]string{"(": ")", "[": "]", "{": "}"}

func checkUnbalancedDelimiters(p *Pass) error {
	lex, err := delimiterLexer.LexString(p.Document.Path, p.Document.Text)
	if err != nil {
		return err
	}

	tokens, err := lexer.ConsumeAll(lex)
	if err != nil {
		return err
	}

	symbols := delimiterLexer.Symbols()
	openType, closeType := symbols["Open"], symbols["Close"]

	var stack []lexer.Token

	for i, tok := range tokens {
		if err := p.Checkpoint(i); err != nil {
			return err
		}

		switch tok.Type {
		case openType:
			stack = append(stack, tok)
		case closeType:
			if len(stack) == 0 {
				p.Reportf(tokenRange(tok), "unmatched %q", tok.Value)

				continue
			}

			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if closerFor[top.Value] != tok.Value {
				p.Reportf(tokenRange(tok), "%q does not match %q on line %d", tok.Value, top.Value, top.Pos.Line)
			}
		}
	}

	for _, tok := range stack {
		p.Reportf(tokenRange(tok), "unclosed %q", tok.Value)
	}

	return nil
}

func tokenRange(tok lexer.Token) crawler.Range {
	// participle positions are 1-based.
	return lineRange(tok.Pos.Line-1, tok.Pos.Column-1, tok.Pos.Column-1+len(tok.Value))
}

// ----------------------------------------------------------------------------
// Rule: duplicate-declaration
// ----------------------------------------------------------------------------

var duplicateDeclarationRule = &Rule{
	Name:        "duplicate-declaration",
	Doc:         "Reports top-level declarations repeated within a document or across its project.",
	Severity:    crawler.SeverityError,
	Phase:       crawler.PhaseSemantic,
	Languages:   []crawler.Language{"go", "python"},
	ProjectWide: true,
	Run:         checkDuplicateDeclarations,
}

var declarationPatterns = map[crawler.Language][]*regexp.Regexp{
	"go": {
		regexp.MustCompile(`^func\s+([A-Za-z_]\w*)\s*[\(\[]`),
		regexp.MustCompile(`^type\s+([A-Za-z_]\w*)`),
		regexp.MustCompile(`^(?:var|const)\s+([A-Za-z_]\w*)`),
	},
	"python": {
		regexp.MustCompile(`^(?:async\s+)?def\s+([A-Za-z_]\w*)`),
		regexp.MustCompile(`^class\s+([A-Za-z_]\w*)`),
	},
}

type declaration struct {
	name string
	line int
	col  int
}

func declarations(doc *crawler.DocumentSnapshot) []declaration {
	patterns := declarationPatterns[doc.Language]

	var decls []declaration

	for i, line := range doc.Lines() {
		for _, re := range patterns {
			if m := re.FindStringSubmatchIndex(line); m != nil {
				decls = append(decls, declaration{name: line[m[2]:m[3]], line: i, col: m[2]})

				break
			}
		}
	}

	return decls
}

func checkDuplicateDeclarations(p *Pass) error {
	own := declarations(p.Document)
	if len(own) == 0 {
		return nil
	}

	seen := make(map[string]declaration, len(own))

	for _, d := range own {
		if d.name == "init" || d.name == "_" {
			continue
		}

		if first, ok := seen[d.name]; ok {
			p.Reportf(lineRange(d.line, d.col, d.col+len(d.name)),
				"%s redeclared in this document (first declared on line %d)", d.name, first.line+1)

			continue
		}

		seen[d.name] = d
	}

	if p.Document.Project == "" {
		return nil
	}

	for i, other := range p.Snapshot.ProjectDocuments(p.Document.Project) {
		if err := p.Checkpoint(i); err != nil {
			return err
		}

		if other.ID == p.Document.ID || other.Language != p.Document.Language {
			continue
		}

		for _, od := range declarations(other) {
			d, ok := seen[od.name]
			if !ok {
				continue
			}

			p.Reportf(lineRange(d.line, d.col, d.col+len(d.name)),
				"%s redeclared (also declared in %s:%d)", d.name, other.ID, od.line+1)
		}
	}

	return nil
}
