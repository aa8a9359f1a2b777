package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v3"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/registration"
	"github.com/rlch/crawler/report"
)

func analyzersCommand() *cli.Command {
	return &cli.Command{
		Name:   "analyzers",
		Usage:  "List the enabled analyzers",
		Action: runAnalyzers,
	}
}

func runAnalyzers(ctx context.Context, cmd *cli.Command) error {
	e, err := setup(ctx, cmd, ".")
	if err != nil {
		return err
	}

	defer func() { _ = e.close() }()

	svc := registration.NewService(e.cfg, registration.WithLogger(e.logger))

	descs, err := svc.Analyzers()
	if err != nil {
		return err
	}

	styles := report.PlainStyles()
	if report.ColorEnabled(os.Stdout) {
		styles = report.DefaultStyles()
	}

	return printAnalyzers(os.Stdout, styles, descs)
}

// printAnalyzers writes one analyzer per line in execution order.
func printAnalyzers(w io.Writer, s *report.Styles, descs []crawler.AnalyzerDescriptor) error {
	width := 0
	for _, d := range descs {
		width = max(width, len(d.ID))
	}

	var b strings.Builder

	for _, d := range descs {
		phases := make([]string, 0, 2)
		for _, p := range d.Phases() {
			phases = append(phases, p.String())
		}

		langs := "all"
		if len(d.Languages) > 0 {
			names := make([]string, 0, len(d.Languages))
			for _, l := range d.Languages {
				names = append(names, string(l))
			}

			langs = strings.Join(names, ",")
		}

		id := lipgloss.NewStyle().Width(width).Render(string(d.ID))

		fmt.Fprintf(&b, "%s  %s  %s  %s",
			s.Bold.Render(id),
			s.Dim.Render(fmt.Sprintf("%-7s", d.Severity)),
			s.Muted.Render(fmt.Sprintf("[%s; %s]", strings.Join(phases, "+"), langs)),
			d.Doc,
		)

		if d.ProjectWide {
			b.WriteString(s.Dim.Render(" (project-wide)"))
		}

		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())

	return err
}
