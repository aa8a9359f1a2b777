// Package diagnostics stores the latest diagnostics per document and
// analyzer and notifies subscribers of changes.
package diagnostics

import (
	"cmp"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/metrics"
)

const numShards = 32

// DiagnosticSet is the latest published result of one analyzer on one document.
type DiagnosticSet struct {
	Document        crawler.DocumentID
	Analyzer        crawler.AnalyzerID
	SnapshotVersion crawler.Version
	Diagnostics     []crawler.Diagnostic
}

// Change describes how the diagnostics of one (document, analyzer) changed.
// A Change with no Added or Removed diagnostics means a set that had gone
// stale after an edit is current again with the same contents.
type Change struct {
	Document crawler.DocumentID
	Analyzer crawler.AnalyzerID
	Version  crawler.Version
	Added    []crawler.Diagnostic
	Removed  []crawler.Diagnostic

	// Cleared is set when the document was removed.
	Cleared bool
}

type key struct {
	doc      crawler.DocumentID
	analyzer crawler.AnalyzerID
}

type shard struct {
	mu   sync.Mutex
	sets map[key]*DiagnosticSet
}

// SnapshotFunc returns the current workspace snapshot.
type SnapshotFunc func() *crawler.Snapshot

// Publisher holds DiagnosticSets sharded by key, so publishes for different
// keys do not contend.
//
// Subscribers are called synchronously while the key's shard is locked, which
// keeps per-key notifications in publish order. Handlers for different keys
// may run concurrently; they must not block and must not call back into the
// Publisher.
type Publisher struct {
	current SnapshotFunc
	logger  *zap.Logger
	metrics *metrics.Recorder

	shards [numShards]shard
	closed atomic.Bool

	subsMu  sync.RWMutex
	subs    map[int]func(Change)
	nextSub int
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(p *Publisher) {
		p.metrics = r
	}
}

// New creates a Publisher that checks staleness against current.
func New(current SnapshotFunc, opts ...Option) *Publisher {
	p := &Publisher{
		current: current,
		logger:  zap.NewNop(),
		subs:    make(map[int]func(Change)),
	}

	for i := range p.shards {
		p.shards[i].sets = make(map[key]*DiagnosticSet)
	}

	for _, opt := range opts {
		opt(p)
	}

	p.logger = p.logger.With(zap.String("component", "diagnostics"))

	return p
}

func (p *Publisher) shardFor(k key) *shard {
	h := xxh3.HashString(string(k.doc) + "\x00" + string(k.analyzer))

	return &p.shards[h%numShards]
}

// Publish replaces the diagnostics of (doc, analyzer) with diags computed at
// version. The write is discarded if version is older than the document's
// current version or than the set already stored, or if the Publisher is
// closed. It reports whether the write was applied.
func (p *Publisher) Publish(doc crawler.DocumentID, analyzer crawler.AnalyzerID, version crawler.Version, diags []crawler.Diagnostic) bool {
	if p.closed.Load() {
		return false
	}

	snap := p.current()
	if snap.IsStale(doc, version) {
		p.discard(doc, analyzer, version)

		return false
	}

	k := key{doc: doc, analyzer: analyzer}
	s := p.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.sets[k]
	if prev != nil && version < prev.SnapshotVersion {
		p.discard(doc, analyzer, version)

		return false
	}

	set := &DiagnosticSet{
		Document:        doc,
		Analyzer:        analyzer,
		SnapshotVersion: version,
		Diagnostics:     slices.Clone(diags),
	}
	s.sets[k] = set

	var old []crawler.Diagnostic
	if prev != nil {
		old = prev.Diagnostics
	}

	// Readers hide stale sets, so bringing one back is visible even when its
	// diagnostics did not change.
	revived := prev != nil && snap.IsStale(doc, prev.SnapshotVersion)

	added, removed := Delta(old, set.Diagnostics)
	if len(added) > 0 || len(removed) > 0 || revived {
		p.notify(Change{
			Document: doc,
			Analyzer: analyzer,
			Version:  version,
			Added:    added,
			Removed:  removed,
		})
	}

	return true
}

func (p *Publisher) discard(doc crawler.DocumentID, analyzer crawler.AnalyzerID, version crawler.Version) {
	p.metrics.StaleDiscarded()
	p.logger.Debug("stale publish discarded",
		zap.String("document", string(doc)),
		zap.String("analyzer", string(analyzer)),
		zap.Stringer("version", version))
}

// Clear drops every set of doc and notifies removals. Used when the
// document leaves the workspace.
func (p *Publisher) Clear(doc crawler.DocumentID) int {
	n := 0

	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()

		for k, set := range s.sets {
			if k.doc != doc {
				continue
			}

			delete(s.sets, k)
			n++

			p.notify(Change{
				Document: doc,
				Analyzer: k.analyzer,
				Version:  set.SnapshotVersion,
				Removed:  set.Diagnostics,
				Cleared:  true,
			})
		}

		s.mu.Unlock()
	}

	return n
}

// Get returns the stored set for (doc, analyzer), stale or not.
func (p *Publisher) Get(doc crawler.DocumentID, analyzer crawler.AnalyzerID) (DiagnosticSet, bool) {
	k := key{doc: doc, analyzer: analyzer}
	s := p.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[k]
	if !ok {
		return DiagnosticSet{}, false
	}

	return *set, true
}

// Current returns the non-stale sets of doc, ordered by analyzer.
func (p *Publisher) Current(doc crawler.DocumentID) []DiagnosticSet {
	snap := p.current()

	var sets []DiagnosticSet

	for _, set := range p.snapshotSets() {
		if set.Document == doc && !snap.IsStale(doc, set.SnapshotVersion) {
			sets = append(sets, set)
		}
	}

	return sets
}

// Diagnostics returns the flattened non-stale diagnostics of doc.
func (p *Publisher) Diagnostics(doc crawler.DocumentID) []crawler.Diagnostic {
	var out []crawler.Diagnostic
	for _, set := range p.Current(doc) {
		out = append(out, set.Diagnostics...)
	}

	return out
}

// All returns every non-stale set, ordered by document then analyzer.
func (p *Publisher) All() []DiagnosticSet {
	snap := p.current()

	var sets []DiagnosticSet

	for _, set := range p.snapshotSets() {
		if !snap.IsStale(set.Document, set.SnapshotVersion) {
			sets = append(sets, set)
		}
	}

	return sets
}

func (p *Publisher) snapshotSets() []DiagnosticSet {
	var sets []DiagnosticSet

	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()

		for _, set := range s.sets {
			sets = append(sets, *set)
		}

		s.mu.Unlock()
	}

	slices.SortFunc(sets, func(a, b DiagnosticSet) int {
		return cmp.Or(cmp.Compare(a.Document, b.Document), cmp.Compare(a.Analyzer, b.Analyzer))
	})

	return sets
}

// Subscribe registers fn for every subsequent Change and returns a function
// that removes it.
func (p *Publisher) Subscribe(fn func(Change)) func() {
	p.subsMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.subsMu.Unlock()

	return func() {
		p.subsMu.Lock()
		delete(p.subs, id)
		p.subsMu.Unlock()
	}
}

// Close makes every later Publish a no-op. Stored sets stay readable.
func (p *Publisher) Close() {
	p.closed.Store(true)
}

func (p *Publisher) notify(c Change) {
	p.subsMu.RLock()
	handlers := make([]func(Change), 0, len(p.subs))

	for _, id := range slices.Sorted(maps.Keys(p.subs)) {
		handlers = append(handlers, p.subs[id])
	}
	p.subsMu.RUnlock()

	for _, h := range handlers {
		h(c)
	}
}

// Delta returns the diagnostics of next missing from prev (added) and those
// of prev missing from next (removed), by identity.
func Delta(prev, next []crawler.Diagnostic) (added, removed []crawler.Diagnostic) {
	counts := make(map[uint64]int, len(prev))
	for _, d := range prev {
		counts[d.Key()]++
	}

	for _, d := range next {
		k := d.Key()
		if counts[k] > 0 {
			counts[k]--

			continue
		}

		added = append(added, d)
	}

	for _, d := range prev {
		k := d.Key()
		if counts[k] > 0 {
			counts[k]--

			removed = append(removed, d)
		}
	}

	return added, removed
}
