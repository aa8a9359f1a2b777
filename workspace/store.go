// Package workspace holds the single-writer snapshot store and the change
// events it emits.
package workspace

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rlch/crawler"
)

// Kind distinguishes regular workspaces from restricted preview ones.
type Kind int

// Workspace kinds.
const (
	KindHost Kind = iota
	// KindPreview workspaces only analyze open documents.
	KindPreview
)

func (k Kind) String() string {
	if k == KindPreview {
		return "preview"
	}

	return "host"
}

// DocumentInfo describes a document to add to the store.
type DocumentInfo struct {
	ID       crawler.DocumentID
	Project  crawler.ProjectID
	Language crawler.Language
	Path     string
	Text     string
	Open     bool
}

// Store owns the current Snapshot of one workspace.
//
// All mutations are serialized; each successful mutation publishes a new
// Snapshot with the next version and then notifies subscribers, in version
// order, on the mutating goroutine. Handlers must not block and must not
// mutate the Store.
type Store struct {
	id     string
	kind   Kind
	logger *zap.Logger

	mu      sync.Mutex
	current atomic.Pointer[crawler.Snapshot]

	subsMu  sync.RWMutex
	subs    map[int]func(ChangeEvent)
	nextSub int
}

// Option configures a Store.
type Option func(*Store)

// WithKind sets the workspace kind.
func WithKind(k Kind) Option {
	return func(s *Store) {
		s.kind = k
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithID overrides the generated workspace ID.
func WithID(id string) Option {
	return func(s *Store) {
		s.id = id
	}
}

// NewStore creates an empty workspace at version zero.
func NewStore(opts ...Option) *Store {
	s := &Store{
		id:     uuid.NewString(),
		logger: zap.NewNop(),
		subs:   make(map[int]func(ChangeEvent)),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With(zap.String("component", "workspace"), zap.String("workspace", s.id))
	s.current.Store(crawler.EmptySnapshot())

	return s
}

// ID returns the workspace identifier.
func (s *Store) ID() string {
	return s.id
}

// Kind returns the workspace kind.
func (s *Store) Kind() Kind {
	return s.kind
}

// Current returns the latest snapshot. It never blocks on writers.
func (s *Store) Current() *crawler.Snapshot {
	return s.current.Load()
}

// Subscribe registers fn for every subsequent ChangeEvent and returns a
// function that removes it.
func (s *Store) Subscribe(fn func(ChangeEvent)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// AddDocument adds a new document.
func (s *Store) AddDocument(info DocumentInfo) (*crawler.Snapshot, error) {
	return s.mutate(DocumentAdded, func(b *crawler.SnapshotBuilder, old *crawler.Snapshot, v crawler.Version) ([]crawler.DocumentID, error) {
		if _, ok := old.Document(info.ID); ok {
			return nil, fmt.Errorf("%w: %s", crawler.ErrDuplicateDocument, info.ID)
		}

		b.Put(newDocument(info, v))

		return []crawler.DocumentID{info.ID}, nil
	})
}

// UpdateText replaces the text of a document. Setting identical text is a
// no-op and emits no event.
func (s *Store) UpdateText(id crawler.DocumentID, text string) (*crawler.Snapshot, error) {
	return s.mutate(DocumentChanged, func(b *crawler.SnapshotBuilder, old *crawler.Snapshot, v crawler.Version) ([]crawler.DocumentID, error) {
		d, ok := old.Document(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", crawler.ErrUnknownDocument, id)
		}

		if d.Text == text {
			return nil, errUnchanged
		}

		nd := *d
		nd.Text = text
		nd.Version = v
		b.Put(&nd)

		return []crawler.DocumentID{id}, nil
	})
}

// RemoveDocument removes a document.
func (s *Store) RemoveDocument(id crawler.DocumentID) (*crawler.Snapshot, error) {
	return s.mutate(DocumentRemoved, func(b *crawler.SnapshotBuilder, _ *crawler.Snapshot, _ crawler.Version) ([]crawler.DocumentID, error) {
		if !b.Delete(id) {
			return nil, fmt.Errorf("%w: %s", crawler.ErrUnknownDocument, id)
		}

		return []crawler.DocumentID{id}, nil
	})
}

// OpenDocument marks a document as open in an editor.
func (s *Store) OpenDocument(id crawler.DocumentID) (*crawler.Snapshot, error) {
	return s.setOpen(id, true)
}

// CloseDocument marks a document as closed.
func (s *Store) CloseDocument(id crawler.DocumentID) (*crawler.Snapshot, error) {
	return s.setOpen(id, false)
}

func (s *Store) setOpen(id crawler.DocumentID, open bool) (*crawler.Snapshot, error) {
	kind := DocumentClosed
	if open {
		kind = DocumentOpened
	}

	return s.mutate(kind, func(b *crawler.SnapshotBuilder, old *crawler.Snapshot, _ crawler.Version) ([]crawler.DocumentID, error) {
		d, ok := old.Document(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", crawler.ErrUnknownDocument, id)
		}

		if d.Open == open {
			return nil, errUnchanged
		}

		// Open state does not invalidate results, so Version is kept.
		nd := *d
		nd.Open = open
		b.Put(&nd)

		return []crawler.DocumentID{id}, nil
	})
}

// MoveDocument moves a document to another project.
func (s *Store) MoveDocument(id crawler.DocumentID, project crawler.ProjectID) (*crawler.Snapshot, error) {
	return s.mutate(ProjectChanged, func(b *crawler.SnapshotBuilder, old *crawler.Snapshot, v crawler.Version) ([]crawler.DocumentID, error) {
		d, ok := old.Document(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", crawler.ErrUnknownDocument, id)
		}

		if d.Project == project {
			return nil, errUnchanged
		}

		var affected []crawler.DocumentID
		for _, pd := range old.ProjectDocuments(d.Project) {
			affected = append(affected, pd.ID)
		}

		for _, pd := range old.ProjectDocuments(project) {
			affected = append(affected, pd.ID)
		}

		nd := *d
		nd.Project = project
		nd.Version = v
		b.Put(&nd)

		slices.Sort(affected)

		return affected, nil
	})
}

// SetOption changes a workspace option. Every document is affected, but
// document versions are kept.
func (s *Store) SetOption(key, value string) (*crawler.Snapshot, error) {
	return s.mutate(OptionChanged, func(b *crawler.SnapshotBuilder, old *crawler.Snapshot, _ crawler.Version) ([]crawler.DocumentID, error) {
		if cur, _ := old.Option(key); cur == value {
			return nil, errUnchanged
		}

		b.SetOption(key, value)

		return old.DocumentIDs(), nil
	})
}

// Reload replaces the whole document set. Documents whose text and project
// are unchanged keep their version.
func (s *Store) Reload(docs []DocumentInfo) (*crawler.Snapshot, error) {
	return s.mutate(SolutionReloaded, func(b *crawler.SnapshotBuilder, old *crawler.Snapshot, v crawler.Version) ([]crawler.DocumentID, error) {
		seen := make(map[crawler.DocumentID]struct{}, len(docs))
		affected := make(map[crawler.DocumentID]struct{})
		reopened := false

		for _, info := range docs {
			if _, dup := seen[info.ID]; dup {
				return nil, fmt.Errorf("%w: %s", crawler.ErrDuplicateDocument, info.ID)
			}

			seen[info.ID] = struct{}{}

			prev, ok := old.Document(info.ID)
			if ok && prev.Text == info.Text && prev.Project == info.Project {
				if prev.Open != info.Open {
					nd := *prev
					nd.Open = info.Open
					b.Put(&nd)

					reopened = true
				}

				continue
			}

			b.Put(newDocument(info, v))
			affected[info.ID] = struct{}{}
		}

		for _, id := range old.DocumentIDs() {
			if _, keep := seen[id]; !keep {
				b.Delete(id)
				affected[id] = struct{}{}
			}
		}

		if len(affected) == 0 && !reopened {
			return nil, errUnchanged
		}

		return slices.Sorted(maps.Keys(affected)), nil
	})
}

// errUnchanged aborts a mutation that would not change the snapshot.
var errUnchanged = errors.New("unchanged")

type mutation func(b *crawler.SnapshotBuilder, old *crawler.Snapshot, next crawler.Version) ([]crawler.DocumentID, error)

// mutate applies fn to a builder over the current snapshot and publishes the
// result as the next version.
func (s *Store) mutate(kind ChangeKind, fn mutation) (*crawler.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	next := old.Version() + 1
	b := crawler.NewSnapshotBuilder(old)

	affected, err := fn(b, old, next)
	if errors.Is(err, errUnchanged) {
		return old, nil
	}

	if err != nil {
		return old, err
	}

	snap := b.Build(next)
	s.current.Store(snap)

	ev := ChangeEvent{
		Old:       old,
		New:       snap,
		Kind:      kind,
		Documents: affected,
		Reasons:   kind.Reasons(),
	}

	s.logger.Debug("snapshot advanced",
		zap.Stringer("kind", kind),
		zap.Stringer("version", snap.Version()),
		zap.Int("documents", len(affected)))

	s.notify(ev)

	return snap, nil
}

func (s *Store) notify(ev ChangeEvent) {
	s.subsMu.RLock()
	ids := slices.Sorted(maps.Keys(s.subs))
	handlers := make([]func(ChangeEvent), 0, len(ids))

	for _, id := range ids {
		handlers = append(handlers, s.subs[id])
	}
	s.subsMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func newDocument(info DocumentInfo, v crawler.Version) *crawler.DocumentSnapshot {
	lang := info.Language
	if lang == "" {
		lang = crawler.LanguageFromPath(info.Path)
	}

	return &crawler.DocumentSnapshot{
		ID:       info.ID,
		Project:  info.Project,
		Language: lang,
		Path:     info.Path,
		Text:     info.Text,
		Version:  v,
		Open:     info.Open,
	}
}
