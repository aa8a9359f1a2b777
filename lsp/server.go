// Package lsp exposes the background analysis engine as a Language Server
// Protocol server.
package lsp

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/registration"
	"github.com/rlch/crawler/watch"
	"github.com/rlch/crawler/workspace"
)

// ReanalyzeCommand is the workspace/executeCommand name that requests a
// fresh analysis of the given document URIs, or of every document.
const ReanalyzeCommand = "crawler.reanalyze"

// Server implements the LSP Server interface on top of a workspace store.
// Editor buffers become open documents of the store; files under the root
// are loaded on initialize and analyzed in the background.
type Server struct {
	client protocol.Client
	logger *zap.Logger

	cfg     *crawler.Config
	mode    registration.Mode
	metrics bool

	mu       sync.RWMutex
	root     string
	service  *registration.Service
	store    *workspace.Store
	reg      *registration.Registration
	watcher  *watch.Watcher
	versions map[crawler.DocumentID]editorVersion

	dirty  *dirtySet
	cancel context.CancelFunc
	done   chan struct{}

	initialized bool
	shutdown    bool
}

// Option configures a Server.
type Option func(*Server)

// WithConfig sets the configuration. Without it the configuration is loaded
// from the workspace root on initialize.
func WithConfig(cfg *crawler.Config) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// WithMode sets the host mode. In preview mode no files are loaded from disk.
func WithMode(m registration.Mode) Option {
	return func(s *Server) {
		s.mode = m
	}
}

// WithMetrics enables Prometheus metrics for the workspace.
func WithMetrics(enabled bool) Option {
	return func(s *Server) {
		s.metrics = enabled
	}
}

// NewServer creates a new LSP server.
func NewServer(client protocol.Client, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		client:   client,
		logger:   logger,
		versions: make(map[crawler.DocumentID]editorVersion),
		dirty:    newDirtySet(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Initialize handles the initialize request.
func (s *Server) Initialize(_ context.Context, params *protocol.InitializeParams) (*protocol.InitializeResult, error) {
	s.logger.Info("Initialize", zap.String("rootURI", string(params.RootURI)))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reg != nil {
		return nil, fmt.Errorf("%w: initialize called twice", crawler.ErrAlreadyRegistered)
	}

	root, err := rootOf(params)
	if err != nil {
		return nil, err
	}

	s.root = root

	cfg := s.cfg
	if cfg == nil {
		dir := root
		if dir == "" {
			dir = "."
		}

		if cfg, err = crawler.LoadConfig(dir, nil); err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	}

	kind := workspace.KindHost
	if s.mode == registration.ModePreview {
		kind = workspace.KindPreview
	}

	id := root
	if id == "" {
		id = "lsp"
	}

	s.store = workspace.NewStore(
		workspace.WithID(id),
		workspace.WithKind(kind),
		workspace.WithLogger(s.logger),
	)

	if root != "" && kind == workspace.KindHost {
		w, err := watch.New(root, s.store, watch.WithLogger(s.logger))
		if err != nil {
			return nil, err
		}

		if err := w.Load(); err != nil {
			s.logger.Warn("Failed to load workspace", zap.Error(err))
		}

		s.watcher = w
	}

	s.service = registration.NewService(cfg,
		registration.WithMode(s.mode),
		registration.WithLogger(s.logger),
		registration.WithMetrics(s.metrics),
		registration.WithChangeHandler(s.onChange),
	)

	if s.reg, err = s.service.Register(s.store); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.publishLoop(ctx, s.reg)

	s.logger.Info("Workspace registered",
		zap.String("root", root),
		zap.Stringer("mode", s.mode),
		zap.Int("documents", s.store.Current().Len()))

	return &protocol.InitializeResult{
		Capabilities: protocol.ServerCapabilities{
			// Full document sync - client sends entire content on change
			TextDocumentSync: &protocol.TextDocumentSyncOptions{
				OpenClose: true,
				Change:    protocol.TextDocumentSyncKindFull,
				Save: &protocol.SaveOptions{
					IncludeText: true,
				},
			},
			// Quick fixes for mechanical diagnostics
			CodeActionProvider: &protocol.CodeActionOptions{
				CodeActionKinds: []protocol.CodeActionKind{
					protocol.QuickFix,
				},
			},
			ExecuteCommandProvider: &protocol.ExecuteCommandOptions{
				Commands: []string{ReanalyzeCommand},
			},
		},
		ServerInfo: &protocol.ServerInfo{
			Name:    "crawler-lsp",
			Version: "0.1.0",
		},
	}, nil
}

// rootOf picks the workspace root from RootURI, RootPath or the first
// workspace folder.
func rootOf(params *protocol.InitializeParams) (string, error) {
	var root string

	switch {
	case params.RootURI != "":
		root = uriToPath(params.RootURI)
	case params.RootPath != "":
		root = params.RootPath
	case len(params.WorkspaceFolders) > 0:
		root = uriToPath(protocol.DocumentURI(params.WorkspaceFolders[0].URI))
	default:
		return "", nil
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root %s: %w", root, err)
	}

	return abs, nil
}

// Initialized handles the initialized notification.
func (s *Server) Initialized(_ context.Context, _ *protocol.InitializedParams) error {
	s.logger.Info("Initialized")

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	return nil
}

// Shutdown handles the shutdown request. In-flight analyses are cancelled
// and waited for up to the configured shutdown timeout.
func (s *Server) Shutdown(_ context.Context) error {
	s.logger.Info("Shutdown")

	s.mu.Lock()
	if s.shutdown || s.reg == nil {
		s.shutdown = true
		s.mu.Unlock()

		return nil
	}

	s.shutdown = true
	s.mu.Unlock()

	if abandoned := s.service.Unregister(s.store, true); abandoned > 0 {
		s.logger.Warn("Abandoned analyses on shutdown", zap.Int("count", abandoned))
	}

	s.cancel()
	<-s.done

	return nil
}

// Exit handles the exit notification.
func (s *Server) Exit(_ context.Context) error {
	s.logger.Info("Exit")
	// The main loop should handle exiting after this
	return nil
}

// DidOpen handles textDocument/didOpen notifications.
func (s *Server) DidOpen(_ context.Context, params *protocol.DidOpenTextDocumentParams) error {
	s.logger.Info("DidOpen", zap.String("uri", string(params.TextDocument.URI)))

	store, ok := s.workspace()
	if !ok {
		return nil
	}

	id := s.documentID(params.TextDocument.URI)

	if _, exists := store.Current().Document(id); !exists {
		path := uriToPath(params.TextDocument.URI)

		snap, err := store.AddDocument(workspace.DocumentInfo{
			ID:       id,
			Project:  s.projectOf(path),
			Language: crawler.Language(params.TextDocument.LanguageID),
			Path:     path,
			Text:     params.TextDocument.Text,
			Open:     true,
		})
		if err == nil {
			s.setVersion(snap, id, params.TextDocument.Version)
		}

		return s.logged("DidOpen", err)
	}

	snap, err := store.UpdateText(id, params.TextDocument.Text)
	if err != nil {
		return s.logged("DidOpen", err)
	}

	s.setVersion(snap, id, params.TextDocument.Version)

	_, err = store.OpenDocument(id)

	return s.logged("DidOpen", err)
}

// DidChange handles textDocument/didChange notifications.
func (s *Server) DidChange(_ context.Context, params *protocol.DidChangeTextDocumentParams) error {
	s.logger.Debug("DidChange",
		zap.String("uri", string(params.TextDocument.URI)),
		zap.Int32("version", params.TextDocument.Version))

	store, ok := s.workspace()
	if !ok || len(params.ContentChanges) == 0 {
		return nil
	}

	id := s.documentID(params.TextDocument.URI)

	// Full sync - take the last content change (should only be one with full sync)
	text := params.ContentChanges[len(params.ContentChanges)-1].Text

	snap, err := store.UpdateText(id, text)
	if errors.Is(err, crawler.ErrUnknownDocument) {
		s.logger.Warn("DidChange for unknown document", zap.String("uri", string(params.TextDocument.URI)))

		return nil
	}

	if err == nil {
		s.setVersion(snap, id, params.TextDocument.Version)
	}

	return s.logged("DidChange", err)
}

// DidClose handles textDocument/didClose notifications. Documents outside
// the workspace root only exist while open, so they are removed.
func (s *Server) DidClose(_ context.Context, params *protocol.DidCloseTextDocumentParams) error {
	s.logger.Info("DidClose", zap.String("uri", string(params.TextDocument.URI)))

	store, ok := s.workspace()
	if !ok {
		return nil
	}

	id := s.documentID(params.TextDocument.URI)

	s.mu.Lock()
	delete(s.versions, id)
	s.mu.Unlock()

	var err error
	if s.inRoot(uriToPath(params.TextDocument.URI)) {
		_, err = store.CloseDocument(id)
	} else {
		_, err = store.RemoveDocument(id)
	}

	if errors.Is(err, crawler.ErrUnknownDocument) {
		return nil
	}

	return s.logged("DidClose", err)
}

// DidSave handles textDocument/didSave notifications.
func (s *Server) DidSave(_ context.Context, params *protocol.DidSaveTextDocumentParams) error {
	s.logger.Debug("DidSave", zap.String("uri", string(params.TextDocument.URI)))

	store, ok := s.workspace()
	if !ok || params.Text == "" {
		return nil
	}

	_, err := store.UpdateText(s.documentID(params.TextDocument.URI), params.Text)
	if errors.Is(err, crawler.ErrUnknownDocument) {
		return nil
	}

	return s.logged("DidSave", err)
}

// Registration returns the registration of the workspace, once initialized.
func (s *Server) Registration() (*registration.Registration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.reg, s.reg != nil
}

// workspace returns the store while the server is initialized and not shut
// down.
func (s *Server) workspace() (*workspace.Store, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.store == nil || s.shutdown {
		return nil, false
	}

	return s.store, true
}

// editorVersion pairs the editor's version of a buffer with the store
// version of the text it sent.
type editorVersion struct {
	text   crawler.Version
	editor int32
}

// setVersion records that the text of id in snap is the editor's version v.
func (s *Server) setVersion(snap *crawler.Snapshot, id crawler.DocumentID, v int32) {
	doc, ok := snap.Document(id)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A slower handler must not overwrite a newer buffer.
	if prev, ok := s.versions[id]; ok && prev.text > doc.Version {
		return
	}

	s.versions[id] = editorVersion{text: doc.Version, editor: v}
}

// version returns the editor version of the text of id at store version
// text, if the editor sent that text.
func (s *Server) version(id crawler.DocumentID, text crawler.Version) (int32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[id]
	if !ok || v.text != text {
		return 0, false
	}

	return v.editor, true
}

// logged logs err and returns nil; notification errors are not sent back to
// the client.
func (s *Server) logged(method string, err error) error {
	if err != nil {
		s.logger.Error("Failed to apply "+method, zap.Error(err))
	}

	return nil
}
