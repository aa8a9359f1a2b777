package lsp

import (
	"context"
	"errors"
	"fmt"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/rlch/crawler"
)

// DidChangeConfiguration handles workspace/didChangeConfiguration. Settings
// are flattened to dotted keys and stored as workspace options, so analyzers
// whose "when" predicates read options are re-run.
func (s *Server) DidChangeConfiguration(_ context.Context, params *protocol.DidChangeConfigurationParams) error {
	store, ok := s.workspace()
	if !ok {
		return nil
	}

	settings, ok := params.Settings.(map[string]any)
	if !ok {
		s.logger.Debug("Ignoring non-object settings")

		return nil
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(settings, "."), nil); err != nil {
		return s.logged("DidChangeConfiguration", err)
	}

	for _, key := range k.Keys() {
		if _, err := store.SetOption(key, fmt.Sprint(k.Get(key))); err != nil {
			return s.logged("DidChangeConfiguration", err)
		}
	}

	s.logger.Info("Configuration changed", zap.Int("options", len(k.Keys())))

	return nil
}

// DidChangeWatchedFiles handles workspace/didChangeWatchedFiles. Open
// documents are owned by the editor and skipped.
func (s *Server) DidChangeWatchedFiles(_ context.Context, params *protocol.DidChangeWatchedFilesParams) error {
	store, ok := s.workspace()
	if !ok || s.watcher == nil {
		return nil
	}

	snap := store.Current()

	var paths []string

	for _, change := range params.Changes {
		id := s.documentID(protocol.DocumentURI(change.URI))
		if doc, ok := snap.Document(id); ok && doc.Open {
			continue
		}

		paths = append(paths, uriToPath(protocol.DocumentURI(change.URI)))
	}

	s.watcher.Sync(paths...)

	return nil
}

// ExecuteCommand handles workspace/executeCommand. ReanalyzeCommand takes
// optional document URIs and returns the number of documents enqueued.
func (s *Server) ExecuteCommand(_ context.Context, params *protocol.ExecuteCommandParams) (any, error) {
	s.logger.Info("ExecuteCommand", zap.String("command", params.Command))

	if params.Command != ReanalyzeCommand {
		return nil, fmt.Errorf("%w: unknown command %q", crawler.ErrNotSupported, params.Command)
	}

	reg, ok := s.Registration()
	if !ok {
		return nil, errors.New("server not initialized")
	}

	docs := make([]crawler.DocumentID, 0, len(params.Arguments))

	for _, arg := range params.Arguments {
		u, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("%s: expected document URI, got %T", ReanalyzeCommand, arg)
		}

		docs = append(docs, s.documentID(protocol.DocumentURI(u)))
	}

	return reg.Reanalyze(docs...), nil
}
