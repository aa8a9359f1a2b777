package crawler

import (
	"maps"
	"slices"
	"strings"

	"github.com/zeebo/xxh3"
)

// DocumentSnapshot is one immutable document inside a Snapshot.
type DocumentSnapshot struct {
	ID       DocumentID
	Project  ProjectID
	Language Language
	// Path is the on-disk location, if any.
	Path string
	Text string

	// Version is the snapshot version at which this document last changed.
	Version Version

	// Open reports whether an editor currently has the document open.
	Open bool
}

// Hash returns the xxh3 hash of the document text.
func (d *DocumentSnapshot) Hash() uint64 {
	return xxh3.HashString(d.Text)
}

// Lines splits the text into lines without their terminators.
func (d *DocumentSnapshot) Lines() []string {
	lines := strings.Split(d.Text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}

	return lines
}

// Snapshot is an immutable view of a workspace at one version.
//
// Snapshots are shared freely between goroutines. A new edit never mutates
// an existing Snapshot; it produces a new one through a SnapshotBuilder.
type Snapshot struct {
	version Version
	docs    map[DocumentID]*DocumentSnapshot
	options map[string]string
}

// EmptySnapshot returns the version zero snapshot.
func EmptySnapshot() *Snapshot {
	return &Snapshot{
		docs:    map[DocumentID]*DocumentSnapshot{},
		options: map[string]string{},
	}
}

// Version returns the snapshot version.
func (s *Snapshot) Version() Version {
	return s.version
}

// Document looks up a document by ID.
func (s *Snapshot) Document(id DocumentID) (*DocumentSnapshot, bool) {
	d, ok := s.docs[id]

	return d, ok
}

// Len returns the number of documents.
func (s *Snapshot) Len() int {
	return len(s.docs)
}

// DocumentIDs returns all document IDs in sorted order.
func (s *Snapshot) DocumentIDs() []DocumentID {
	return slices.Sorted(maps.Keys(s.docs))
}

// Documents returns all documents sorted by ID.
func (s *Snapshot) Documents() []*DocumentSnapshot {
	ids := s.DocumentIDs()
	docs := make([]*DocumentSnapshot, len(ids))

	for i, id := range ids {
		docs[i] = s.docs[id]
	}

	return docs
}

// ProjectDocuments returns the documents of one project sorted by ID.
func (s *Snapshot) ProjectDocuments(project ProjectID) []*DocumentSnapshot {
	var docs []*DocumentSnapshot

	for _, d := range s.Documents() {
		if d.Project == project {
			docs = append(docs, d)
		}
	}

	return docs
}

// OpenDocuments returns the documents currently open in an editor.
func (s *Snapshot) OpenDocuments() []*DocumentSnapshot {
	var docs []*DocumentSnapshot

	for _, d := range s.Documents() {
		if d.Open {
			docs = append(docs, d)
		}
	}

	return docs
}

// Option returns a workspace option value.
func (s *Snapshot) Option(key string) (string, bool) {
	v, ok := s.options[key]

	return v, ok
}

// Options returns a copy of all workspace options.
func (s *Snapshot) Options() map[string]string {
	return maps.Clone(s.options)
}

// IsStale reports whether a result computed at version v for doc is older
// than the document's current state. Missing documents are always stale.
func (s *Snapshot) IsStale(doc DocumentID, v Version) bool {
	d, ok := s.docs[doc]
	if !ok {
		return true
	}

	return v < d.Version
}

// SnapshotBuilder derives a new Snapshot from a base one.
type SnapshotBuilder struct {
	base    *Snapshot
	docs    map[DocumentID]*DocumentSnapshot
	options map[string]string
}

// NewSnapshotBuilder starts a copy-on-write edit of base.
func NewSnapshotBuilder(base *Snapshot) *SnapshotBuilder {
	if base == nil {
		base = EmptySnapshot()
	}

	return &SnapshotBuilder{
		base:    base,
		docs:    maps.Clone(base.docs),
		options: maps.Clone(base.options),
	}
}

// Put adds or replaces a document.
func (b *SnapshotBuilder) Put(d *DocumentSnapshot) {
	b.docs[d.ID] = d
}

// Delete removes a document. It reports whether the document existed.
func (b *SnapshotBuilder) Delete(id DocumentID) bool {
	_, ok := b.docs[id]
	delete(b.docs, id)

	return ok
}

// SetOption sets a workspace option. An empty value removes it.
func (b *SnapshotBuilder) SetOption(key, value string) {
	if value == "" {
		delete(b.options, key)

		return
	}

	b.options[key] = value
}

// Build freezes the builder into a Snapshot at version v.
func (b *SnapshotBuilder) Build(v Version) *Snapshot {
	return &Snapshot{
		version: v,
		docs:    b.docs,
		options: b.options,
	}
}
