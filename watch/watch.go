// Package watch keeps a workspace store in sync with a directory on disk.
package watch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/workspace"
)

// DefaultIgnore lists the doublestar patterns skipped unless overridden.
var DefaultIgnore = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/vendor/**",
	"**/*.swp",
	"**/*~",
}

// DefaultMaxFileSize is the largest file loaded into the store.
const DefaultMaxFileSize = 1 << 20

// Watcher mirrors the files under a root directory into a Store. Documents
// are keyed by their slash-separated path relative to the root, and belong
// to the project named after their directory.
type Watcher struct {
	root        string
	store       *workspace.Store
	ignore      []string
	debounce    time.Duration
	maxFileSize int64
	logger      *zap.Logger

	fsw *fsnotify.Watcher
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithIgnore replaces the ignore patterns.
func WithIgnore(patterns ...string) Option {
	return func(w *Watcher) {
		w.ignore = patterns
	}
}

// WithDebounce sets how long events are collected before the store is
// updated.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithMaxFileSize skips files larger than n bytes.
func WithMaxFileSize(n int64) Option {
	return func(w *Watcher) {
		w.maxFileSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// New creates a Watcher for root. Call Load, then Run.
func New(root string, store *workspace.Store, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", root, err)
	}

	w := &Watcher{
		root:        abs,
		store:       store,
		ignore:      DefaultIgnore,
		debounce:    50 * time.Millisecond,
		maxFileSize: DefaultMaxFileSize,
		logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(w)
	}

	for _, p := range w.ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid ignore pattern %q", p)
		}
	}

	w.logger = w.logger.With(zap.String("component", "watch"), zap.String("root", abs))

	return w, nil
}

// Root returns the absolute root directory.
func (w *Watcher) Root() string {
	return w.root
}

// Load replaces the store contents with the files currently under the root.
func (w *Watcher) Load() error {
	var docs []workspace.DocumentInfo

	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel := w.rel(path)
		if w.ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.IsDir() {
			return nil
		}

		info, ok, err := w.read(path)
		if err != nil {
			return err
		}

		if ok {
			docs = append(docs, info)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("loading %s: %w", w.root, err)
	}

	if _, err := w.store.Reload(docs); err != nil {
		return err
	}

	w.logger.Info("workspace loaded", zap.Int("documents", len(docs)))

	return nil
}

// Run watches the root until ctx is done. File events are collected for the
// debounce interval and then applied to the store.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fsw.Close()

	w.fsw = fsw

	if err := w.addTree(w.root); err != nil {
		return err
	}

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}

			if w.ignored(w.rel(ev.Name)) {
				continue
			}

			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.logger.Warn("watching new directory", zap.String("path", ev.Name), zap.Error(err))
					}
				}
			}

			pending[ev.Name] = struct{}{}
			timer.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}

			w.logger.Error("watch error", zap.Error(err))

		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}

			clear(pending)
			slices.Sort(paths)
			w.Sync(paths...)
		}
	}
}

// Sync applies the current disk state of paths to the store. Directories
// are synced recursively; paths that no longer exist remove their documents.
func (w *Watcher) Sync(paths ...string) {
	for _, path := range paths {
		fi, err := os.Stat(path)

		switch {
		case errors.Is(err, fs.ErrNotExist):
			w.remove(w.rel(path))
		case err != nil:
			w.logger.Warn("stat failed", zap.String("path", path), zap.Error(err))
		case fi.IsDir():
			w.syncDir(path)
		default:
			w.syncFile(path)
		}
	}
}

func (w *Watcher) syncDir(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr
		}

		if w.ignored(w.rel(path)) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.IsDir() {
			w.syncFile(path)
		}

		return nil
	})
}

func (w *Watcher) syncFile(path string) {
	info, ok, err := w.read(path)
	if err != nil {
		w.logger.Warn("read failed", zap.String("path", path), zap.Error(err))

		return
	}

	if !ok {
		w.remove(w.rel(path))

		return
	}

	snap := w.store.Current()

	prev, exists := snap.Document(info.ID)
	switch {
	case !exists:
		_, err = w.store.AddDocument(info)
	case prev.Project != info.Project:
		_, err = w.store.MoveDocument(info.ID, info.Project)
		if err == nil {
			_, err = w.store.UpdateText(info.ID, info.Text)
		}
	default:
		_, err = w.store.UpdateText(info.ID, info.Text)
	}

	if err != nil {
		w.logger.Warn("store update failed", zap.String("document", string(info.ID)), zap.Error(err))

		return
	}

	w.logger.Debug("synced", zap.String("document", string(info.ID)))
}

// remove drops the document at rel and every document below it.
func (w *Watcher) remove(rel string) {
	prefix := rel + "/"

	for _, id := range w.store.Current().DocumentIDs() {
		if string(id) != rel && !strings.HasPrefix(string(id), prefix) {
			continue
		}

		if _, err := w.store.RemoveDocument(id); err != nil && !errors.Is(err, crawler.ErrUnknownDocument) {
			w.logger.Warn("remove failed", zap.String("document", string(id)), zap.Error(err))
		}
	}
}

// read loads path as a document. It reports false for files that are too
// large or look binary.
func (w *Watcher) read(path string) (workspace.DocumentInfo, bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return workspace.DocumentInfo{}, false, err
	}

	if !fi.Mode().IsRegular() || fi.Size() > w.maxFileSize {
		return workspace.DocumentInfo{}, false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return workspace.DocumentInfo{}, false, err
	}

	if bytes.IndexByte(data, 0) >= 0 {
		return workspace.DocumentInfo{}, false, nil
	}

	rel := w.rel(path)

	return workspace.DocumentInfo{
		ID:       crawler.DocumentID(rel),
		Project:  crawler.ProjectID(projectOf(rel)),
		Language: crawler.LanguageFromPath(rel),
		Path:     rel,
		Text:     string(data),
	}, true, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil //nolint:nilerr
		}

		if path != w.root && w.ignored(w.rel(path)) {
			return filepath.SkipDir
		}

		return w.fsw.Add(path)
	})
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}

	return filepath.ToSlash(rel)
}

func (w *Watcher) ignored(rel string) bool {
	if rel == "." {
		return false
	}

	for _, p := range w.ignore {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}

	return false
}

func projectOf(rel string) string {
	dir := filepath.ToSlash(filepath.Dir(filepath.FromSlash(rel)))
	if dir == "." {
		return ""
	}

	return dir
}
