package lsp

import (
	"context"
	"slices"
	"sync"

	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/diagnostics"
	"github.com/rlch/crawler/registration"
)

// dirtySet collects documents whose diagnostics changed since they were
// last sent to the client.
type dirtySet struct {
	mu     sync.Mutex
	docs   map[crawler.DocumentID]struct{}
	signal chan struct{}
}

func newDirtySet() *dirtySet {
	return &dirtySet{
		docs:   make(map[crawler.DocumentID]struct{}),
		signal: make(chan struct{}, 1),
	}
}

func (d *dirtySet) mark(id crawler.DocumentID) {
	d.mu.Lock()
	d.docs[id] = struct{}{}
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *dirtySet) take() []crawler.DocumentID {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]crawler.DocumentID, 0, len(d.docs))
	for id := range d.docs {
		ids = append(ids, id)
	}

	clear(d.docs)
	slices.Sort(ids)

	return ids
}

// onChange runs on analysis workers, so it only marks the document.
func (s *Server) onChange(_ *registration.Registration, c diagnostics.Change) {
	s.dirty.mark(c.Document)
}

// publishLoop sends the merged diagnostics of every dirty document until ctx
// is done.
func (s *Server) publishLoop(ctx context.Context, reg *registration.Registration) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.dirty.signal:
		}

		for _, id := range s.dirty.take() {
			s.publishDiagnostics(ctx, reg, id)
		}
	}
}

// publishDiagnostics converts the current diagnostics of a document to LSP
// format and publishes them, tagged with the editor version of the text they
// were computed on.
func (s *Server) publishDiagnostics(ctx context.Context, reg *registration.Registration, id crawler.DocumentID) {
	var (
		lines []string
		text  crawler.Version
	)

	doc, exists := reg.Store().Current().Document(id)
	if exists {
		lines = doc.Lines()
		text = doc.Version
	}

	diags := reg.Publisher().Diagnostics(id)

	// An edit between the two reads would pair the diagnostics with the
	// wrong text; try again on the next pass.
	if after, ok := reg.Store().Current().Document(id); ok != exists || (ok && after.Version != text) {
		s.dirty.mark(id)

		return
	}

	params := &protocol.PublishDiagnosticsParams{
		URI:         s.documentURI(id),
		Diagnostics: convertDiagnostics(lines, diags),
	}

	if v, ok := s.version(id, text); ok && exists {
		params.Version = uint32(v) //nolint:gosec // LSP version numbers are always non-negative
	}

	s.logger.Debug("Publishing diagnostics",
		zap.String("document", string(id)),
		zap.Int("count", len(diags)))

	if err := s.client.PublishDiagnostics(ctx, params); err != nil {
		s.logger.Error("Failed to publish diagnostics", zap.Error(err))
	}
}

func convertDiagnostics(lines []string, diags []crawler.Diagnostic) []protocol.Diagnostic {
	out := make([]protocol.Diagnostic, 0, len(diags))
	for _, d := range diags {
		out = append(out, convertDiagnostic(lines, d))
	}

	return out
}

// convertDiagnostic converts a crawler.Diagnostic to an LSP protocol.Diagnostic.
func convertDiagnostic(lines []string, d crawler.Diagnostic) protocol.Diagnostic {
	return protocol.Diagnostic{
		Range:    toRange(lines, d.Range),
		Severity: convertSeverity(d.Severity),
		Code:     d.Code,
		Source:   d.Source,
		Message:  d.Message,
	}
}

// convertSeverity converts crawler severity to LSP severity.
func convertSeverity(sev crawler.Severity) protocol.DiagnosticSeverity {
	switch sev {
	case crawler.SeverityError:
		return protocol.DiagnosticSeverityError
	case crawler.SeverityWarning:
		return protocol.DiagnosticSeverityWarning
	case crawler.SeverityInformation:
		return protocol.DiagnosticSeverityInformation
	case crawler.SeverityHint:
		return protocol.DiagnosticSeverityHint
	default:
		return protocol.DiagnosticSeverityError
	}
}
