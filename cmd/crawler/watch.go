package main

import (
	"context"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/diagnostics"
	"github.com/rlch/crawler/registration"
	"github.com/rlch/crawler/report"
	"github.com/rlch/crawler/watch"
	"github.com/rlch/crawler/workspace"
)

// printInterval batches diagnostic changes before they are printed.
const printInterval = 100 * time.Millisecond

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Analyze a directory continuously, printing diagnostics as files change",
		ArgsUsage: "[directory]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "output each batch of results as JSON",
			},
		},
		Action: runWatch,
	}
}

func runWatch(ctx context.Context, cmd *cli.Command) error {
	dir := cmd.Args().First()
	if dir == "" {
		dir = "."
	}

	paths, err := absPaths([]string{dir})
	if err != nil {
		return err
	}

	root := paths[0]

	e, err := setup(ctx, cmd, root)
	if err != nil {
		return err
	}

	defer func() { _ = e.close() }()

	format := report.FormatText
	if cmd.Bool("json") {
		format = report.FormatJSON
	}

	renderer, err := report.NewRenderer(format, format == report.FormatText && report.ColorEnabled(os.Stdout))
	if err != nil {
		return err
	}

	return watchDir(ctx, e, root, renderer, os.Stdout)
}

// watchDir mirrors root into a workspace and prints the diagnostics of every
// document whose results changed until ctx is done.
func watchDir(ctx context.Context, e *env, root string, renderer report.Renderer, out io.Writer) error {
	store := workspace.NewStore(workspace.WithID(root), workspace.WithLogger(e.logger))

	w, err := watch.New(root, store, watch.WithLogger(e.logger))
	if err != nil {
		return err
	}

	if err := w.Load(); err != nil {
		return err
	}

	changed := newChangedSet()

	svc := registration.NewService(e.cfg,
		registration.WithLogger(e.logger),
		registration.WithMetrics(e.metricsEnabled()),
		registration.WithChangeHandler(func(_ *registration.Registration, c diagnostics.Change) {
			changed.add(c.Document)
		}),
	)

	reg, err := svc.Register(store)
	if err != nil {
		return err
	}

	defer svc.Unregister(store, true)

	watchErr := make(chan error, 1)

	go func() { watchErr <- w.Run(ctx) }()

	e.logger.Info("watching", zap.String("root", root), zap.Int("documents", store.Current().Len()))

	ticker := time.NewTicker(printInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return <-watchErr
		case err := <-watchErr:
			return err
		case <-ticker.C:
			docs := changed.take()
			if len(docs) == 0 {
				continue
			}

			res := report.BuildFor(store.Current(), reg.Publisher(), docs...)
			if err := renderer.Render(out, res); err != nil {
				return err
			}
		}
	}
}

// changedSet collects documents from diagnostics handlers, which must not
// block.
type changedSet struct {
	mu   sync.Mutex
	docs map[crawler.DocumentID]struct{}
}

func newChangedSet() *changedSet {
	return &changedSet{docs: make(map[crawler.DocumentID]struct{})}
}

func (c *changedSet) add(id crawler.DocumentID) {
	c.mu.Lock()
	c.docs[id] = struct{}{}
	c.mu.Unlock()
}

func (c *changedSet) take() []crawler.DocumentID {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]crawler.DocumentID, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}

	clear(c.docs)
	slices.Sort(ids)

	return ids
}
