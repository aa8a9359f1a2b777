package lsp

import (
	"context"

	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

// fixable maps diagnostic codes to the title of a quick fix that deletes the
// diagnostic's range.
var fixable = map[string]string{
	"trailing-whitespace": "Remove trailing whitespace",
}

// CodeAction handles textDocument/codeAction requests.
// Returns quick fixes for the published diagnostics overlapping the range.
func (s *Server) CodeAction(_ context.Context, params *protocol.CodeActionParams) ([]protocol.CodeAction, error) {
	s.logger.Debug("CodeAction",
		zap.String("uri", string(params.TextDocument.URI)),
		zap.Int("diagnosticCount", len(params.Context.Diagnostics)))

	reg, ok := s.Registration()
	if !ok {
		return nil, nil
	}

	id := s.documentID(params.TextDocument.URI)

	doc, ok := reg.Store().Current().Document(id)
	if !ok {
		return nil, nil
	}

	lines := doc.Lines()

	var actions []protocol.CodeAction

	for _, d := range reg.Publisher().Diagnostics(id) {
		title, ok := fixable[d.Code]
		if !ok {
			continue
		}

		diag := convertDiagnostic(lines, d)
		if !rangesOverlap(diag.Range, params.Range) {
			continue
		}

		actions = append(actions, protocol.CodeAction{
			Title:       title,
			Kind:        protocol.QuickFix,
			Diagnostics: []protocol.Diagnostic{diag},
			IsPreferred: true,
			Edit: &protocol.WorkspaceEdit{
				Changes: map[protocol.DocumentURI][]protocol.TextEdit{
					params.TextDocument.URI: {{Range: diag.Range, NewText: ""}},
				},
			},
		})
	}

	return actions, nil
}
