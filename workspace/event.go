package workspace

import (
	"github.com/rlch/crawler"
)

// ChangeKind classifies a ChangeEvent.
type ChangeKind int

// Change kinds.
const (
	DocumentAdded ChangeKind = iota + 1
	DocumentChanged
	DocumentRemoved
	DocumentOpened
	DocumentClosed
	ProjectChanged
	OptionChanged
	SolutionReloaded
)

func (k ChangeKind) String() string {
	switch k {
	case DocumentAdded:
		return "DocumentAdded"
	case DocumentChanged:
		return "DocumentChanged"
	case DocumentRemoved:
		return "DocumentRemoved"
	case DocumentOpened:
		return "DocumentOpened"
	case DocumentClosed:
		return "DocumentClosed"
	case ProjectChanged:
		return "ProjectChanged"
	case OptionChanged:
		return "OptionChanged"
	case SolutionReloaded:
		return "SolutionReloaded"
	default:
		return "Unknown"
	}
}

// Reasons returns the invocation reasons a change of this kind implies.
func (k ChangeKind) Reasons() crawler.Reasons {
	switch k {
	case DocumentAdded:
		return crawler.NewReasons(crawler.DocumentAdded, crawler.SyntaxChanged)
	case DocumentChanged:
		return crawler.NewReasons(crawler.DocumentChanged, crawler.SyntaxChanged)
	case DocumentRemoved:
		return crawler.NewReasons(crawler.DocumentRemoved)
	case DocumentOpened:
		return crawler.NewReasons(crawler.DocumentOpened, crawler.HighPriority)
	case DocumentClosed:
		return crawler.NewReasons(crawler.DocumentClosed)
	case ProjectChanged:
		return crawler.NewReasons(crawler.ProjectChanged)
	case OptionChanged:
		return crawler.NewReasons(crawler.OptionChanged)
	case SolutionReloaded:
		return crawler.NewReasons(crawler.SolutionChanged)
	default:
		return 0
	}
}

// ChangeEvent is emitted after every successful Store mutation.
type ChangeEvent struct {
	Old  *crawler.Snapshot
	New  *crawler.Snapshot
	Kind ChangeKind

	// Documents lists the affected documents. A document missing from New
	// was removed.
	Documents []crawler.DocumentID

	Reasons crawler.Reasons
}

// Removed reports whether id was removed by this change.
func (e ChangeEvent) Removed(id crawler.DocumentID) bool {
	_, inNew := e.New.Document(id)

	return !inNew
}

// TextChanged reports whether the version of id advanced in this change.
func (e ChangeEvent) TextChanged(id crawler.DocumentID) bool {
	nd, inNew := e.New.Document(id)
	od, inOld := e.Old.Document(id)

	switch {
	case !inNew:
		return inOld
	case !inOld:
		return true
	default:
		return nd.Version > od.Version
	}
}
