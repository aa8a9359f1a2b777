package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/rlch/crawler/analysis"
	"github.com/rlch/crawler/registration"
	"github.com/rlch/crawler/report"
	"github.com/rlch/crawler/watch"
	"github.com/rlch/crawler/workspace"
)

// ErrNoDocuments is returned when check finds nothing to analyze.
var ErrNoDocuments = errors.New("no documents found")

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "Analyze files once and report diagnostics",
		ArgsUsage: "[files or directories...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "output results as JSON",
			},
			&cli.BoolFlag{
				Name:  "no-progress",
				Usage: "disable the progress display",
			},
		},
		Action: runCheck,
	}
}

func runCheck(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) == 0 {
		args = []string{"."}
	}

	paths, err := absPaths(args)
	if err != nil {
		return err
	}

	e, err := setup(ctx, cmd, configDir(paths[0]))
	if err != nil {
		return err
	}

	defer func() { _ = e.close() }()

	// A one-shot check has nothing to debounce.
	if !cmd.IsSet("backoff") {
		e.cfg.BackOff = 0
	}

	format := report.FormatText
	if cmd.Bool("json") {
		format = report.FormatJSON
	}

	res, err := check(ctx, e, paths, checkOptions{
		format:   format,
		out:      os.Stdout,
		progress: format == report.FormatText && !cmd.Bool("no-progress") && report.Interactive(os.Stderr),
	})
	if err != nil {
		return err
	}

	if res.HasErrors() {
		return cli.Exit("", 1)
	}

	return nil
}

type checkOptions struct {
	format   report.Format
	out      io.Writer
	progress bool
}

// check loads paths into a fresh workspace, waits until every document is
// analyzed and renders the report.
func check(ctx context.Context, e *env, paths []string, opts checkOptions) (*report.Report, error) {
	store := workspace.NewStore(workspace.WithLogger(e.logger))

	w, err := watch.New(".", store, watch.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}

	w.Sync(paths...)

	if store.Current().Len() == 0 {
		return nil, ErrNoDocuments
	}

	var (
		progress *report.Progress
		faults   atomic.Int64
	)

	svc := registration.NewService(e.cfg,
		registration.WithLogger(e.logger),
		registration.WithMetrics(e.metricsEnabled()),
		registration.WithRunObserver(func(_ *registration.Registration, ev analysis.RunEvent) {
			if ev.Outcome == analysis.OutcomeFaulted {
				faults.Add(1)
			}

			if progress != nil {
				progress.Observe(ev)
			}
		}),
	)

	analyzers, err := svc.Analyzers()
	if err != nil {
		return nil, err
	}

	if opts.progress {
		progress = report.NewProgress(os.Stderr, store.Current().Len()*len(analyzers), report.DefaultStyles())
		progress.Start()
	}

	start := time.Now()

	reg, err := svc.Register(store)
	if err != nil {
		if progress != nil {
			progress.Finish()
		}

		return nil, err
	}

	waitErr := reg.WaitIdle(ctx)

	if progress != nil {
		progress.Finish()
	}

	res := report.Build(store.Current(), reg.Publisher())
	res.Summary.Analyzers = len(analyzers)
	res.Summary.Faults = int(faults.Load())
	res.Summary.Elapsed = time.Since(start)

	if abandoned := svc.Unregister(store, true); abandoned > 0 {
		e.logger.Warn("analyses abandoned", zap.Int("count", abandoned))
	}

	if waitErr != nil {
		return nil, fmt.Errorf("waiting for analysis: %w", waitErr)
	}

	renderer, err := report.NewRenderer(opts.format, opts.format == report.FormatText && report.ColorEnabled(opts.out))
	if err != nil {
		return nil, err
	}

	if err := renderer.Render(opts.out, res); err != nil {
		return nil, err
	}

	return res, nil
}

func absPaths(args []string) ([]string, error) {
	paths := make([]string, 0, len(args))

	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}

		if _, err := os.Stat(abs); err != nil {
			return nil, err
		}

		paths = append(paths, abs)
	}

	return paths, nil
}

// configDir is where config discovery starts for path.
func configDir(path string) string {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return path
	}

	return filepath.Dir(path)
}
