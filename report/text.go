package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/rlch/crawler"
)

// TextRenderer writes diagnostics grouped by file, one per line, followed
// by a summary line.
type TextRenderer struct {
	Styles *Styles
}

// Render implements Renderer.
func (t *TextRenderer) Render(w io.Writer, r *Report) error {
	s := t.Styles
	if s == nil {
		s = PlainStyles()
	}

	var b strings.Builder

	for _, f := range r.Files {
		b.WriteString(s.Path.Render(f.Path))
		b.WriteString("\n")

		for _, d := range f.Diagnostics {
			loc := fmt.Sprintf("%d:%d", d.Range.Start.Line+1, d.Range.Start.Column+1)
			sev := fmt.Sprintf("%-*s", s.SeverityWidth, d.Severity)

			fmt.Fprintf(&b, "  %s  %s  %s",
				s.Dim.Render(fmt.Sprintf("%-7s", loc)),
				severityStyle(s, d.Severity).Render(sev),
				d.Message,
			)

			if d.Code != "" {
				b.WriteString("  ")
				b.WriteString(s.Muted.Render(d.Code))
			}

			b.WriteString("\n")
		}

		b.WriteString("\n")
	}

	b.WriteString(summaryLine(s, r.Summary))
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())

	return err
}

func severityStyle(s *Styles, sev crawler.Severity) lipgloss.Style {
	switch sev {
	case crawler.SeverityError:
		return s.Error
	case crawler.SeverityWarning:
		return s.Warning
	case crawler.SeverityInformation:
		return s.Info
	default:
		return s.Hint
	}
}

func summaryLine(s *Styles, sum Summary) string {
	var b strings.Builder

	docs := plural(sum.Documents, "document")

	if sum.Total() == 0 {
		b.WriteString(s.Hint.Render(s.SymbolOK))
		fmt.Fprintf(&b, " no problems in %s", docs)
	} else {
		symbol := s.Warning.Render(s.SymbolFail)
		if sum.Errors > 0 {
			symbol = s.Error.Render(s.SymbolFail)
		}

		b.WriteString(symbol)
		fmt.Fprintf(&b, " %s (%d errors, %d warnings, %d infos, %d hints) in %s",
			plural(sum.Total(), "problem"), sum.Errors, sum.Warnings, sum.Infos, sum.Hints, docs)
	}

	if sum.Faults > 0 {
		b.WriteString(", ")
		b.WriteString(s.Error.Render(fmt.Sprintf("%s %s", s.SymbolFault, plural(sum.Faults, "analyzer fault"))))
	}

	if sum.Elapsed > 0 {
		b.WriteString(s.Dim.Render(fmt.Sprintf(" [%s]", formatDuration(sum.Elapsed))))
	}

	return b.String()
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}

	return fmt.Sprintf("%d %ss", n, word)
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
