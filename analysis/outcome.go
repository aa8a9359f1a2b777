package analysis

import (
	"time"

	"github.com/rlch/crawler"
)

// Outcome is the result of one analyzer run on one document.
type Outcome int

// Run outcomes.
const (
	// OutcomeRunning is only reported to observers when a run starts.
	OutcomeRunning Outcome = iota
	OutcomePublished
	OutcomeCancelled
	OutcomeFaulted
	// OutcomeStale means the run finished but the publisher rejected the
	// result because a newer version exists.
	OutcomeStale
	// OutcomeSkipped means the analyzer did not apply to this work item.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRunning:
		return "running"
	case OutcomePublished:
		return "published"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFaulted:
		return "faulted"
	case OutcomeStale:
		return "stale"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// RunEvent is reported to observers when an analyzer run starts or ends.
type RunEvent struct {
	Document crawler.DocumentID
	Analyzer crawler.AnalyzerID
	Version  crawler.Version
	Outcome  Outcome
	Duration time.Duration

	// Err is the cancellation cause or the fault, if any.
	Err error
}

// Result summarizes one Execute call.
type Result struct {
	Document crawler.DocumentID
	Version  crawler.Version

	// Outcomes holds one entry per resolved analyzer.
	Outcomes map[crawler.AnalyzerID]Outcome

	// Removed is set when the document no longer exists in the snapshot.
	Removed bool

	// Err is nil, or the cancellation cause if the whole execution was
	// cancelled before every analyzer finished.
	Err error
}

// Count returns how many analyzers ended with o.
func (r Result) Count(o Outcome) int {
	n := 0

	for _, got := range r.Outcomes {
		if got == o {
			n++
		}
	}

	return n
}

// Faulted reports whether any analyzer faulted.
func (r Result) Faulted() bool {
	return r.Count(OutcomeFaulted) > 0
}
