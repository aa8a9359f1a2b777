// Package crawler holds the shared data model of the background analysis
// engine: immutable workspace snapshots, invocation reasons, diagnostics,
// the analyzer contract and the engine configuration.
//
// The moving parts live in sub-packages:
//
//   - workspace:    single-writer snapshot store and change events
//   - workqueue:    coalescing, debounced per-document queue
//   - scheduler:    back-off loop that drains the queue
//   - analysis:     analyzer registry and executor
//   - coordinator:  per (document, analyzer) cancellation
//   - diagnostics:  result publisher and change notifications
//   - registration: wires a workspace to one instance of all of the above
package crawler

import (
	"strconv"
)

// DocumentID identifies a document within a workspace.
type DocumentID string

// ProjectID identifies the project a document belongs to.
type ProjectID string

// AnalyzerID identifies a registered analyzer.
type AnalyzerID string

// Language is a language identifier such as "go" or "python".
type Language string

// Version is a monotonic snapshot counter, scoped to one workspace.
type Version uint64

func (v Version) String() string {
	return "v" + strconv.FormatUint(uint64(v), 10)
}
