package lsp_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap/zaptest"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/lsp"
	"github.com/rlch/crawler/registration"
)

// mockClient implements protocol.Client for testing.
type mockClient struct {
	mu          sync.Mutex
	diagnostics []protocol.PublishDiagnosticsParams
}

func (m *mockClient) PublishDiagnostics(_ context.Context, params *protocol.PublishDiagnosticsParams) error {
	m.mu.Lock()
	m.diagnostics = append(m.diagnostics, *params)
	m.mu.Unlock()

	return nil
}

// last returns the most recent diagnostics published for u.
func (m *mockClient) last(u protocol.DocumentURI) (protocol.PublishDiagnosticsParams, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.diagnostics) - 1; i >= 0; i-- {
		if m.diagnostics[i].URI == u {
			return m.diagnostics[i], true
		}
	}

	return protocol.PublishDiagnosticsParams{}, false
}

// Stub out remaining Client interface methods.
func (m *mockClient) Progress(context.Context, *protocol.ProgressParams) error { return nil }
func (m *mockClient) WorkDoneProgressCreate(context.Context, *protocol.WorkDoneProgressCreateParams) error {
	return nil
}
func (m *mockClient) ShowMessage(context.Context, *protocol.ShowMessageParams) error { return nil }
func (m *mockClient) ShowMessageRequest(
	context.Context, *protocol.ShowMessageRequestParams,
) (*protocol.MessageActionItem, error) {
	return nil, nil //nolint:nilnil // Mock stub returns nil for tests
}
func (m *mockClient) LogMessage(context.Context, *protocol.LogMessageParams) error { return nil }
func (m *mockClient) Telemetry(context.Context, any) error                         { return nil }
func (m *mockClient) RegisterCapability(context.Context, *protocol.RegistrationParams) error {
	return nil
}
func (m *mockClient) UnregisterCapability(context.Context, *protocol.UnregistrationParams) error {
	return nil
}
func (m *mockClient) ApplyEdit(context.Context, *protocol.ApplyWorkspaceEditParams) (bool, error) {
	return false, nil
}
func (m *mockClient) Configuration(context.Context, *protocol.ConfigurationParams) ([]any, error) {
	return nil, nil
}
func (m *mockClient) WorkspaceFolders(context.Context) ([]protocol.WorkspaceFolder, error) {
	return nil, nil
}

func testConfig() *crawler.Config {
	cfg := crawler.DefaultConfig()
	cfg.BackOff = 10 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = time.Second

	return cfg
}

// newTestServer creates and initializes a server. An empty root starts
// without a workspace folder.
func newTestServer(t *testing.T, root string, opts ...lsp.Option) (*lsp.Server, *mockClient) {
	t.Helper()

	client := &mockClient{}
	opts = append([]lsp.Option{lsp.WithConfig(testConfig())}, opts...)
	server := lsp.NewServer(client, zaptest.NewLogger(t), opts...)

	params := &protocol.InitializeParams{}
	if root != "" {
		params.RootURI = protocol.DocumentURI(uri.File(root))
	}

	ctx := context.Background()

	_, err := server.Initialize(ctx, params)
	require.NoError(t, err)
	require.NoError(t, server.Initialized(ctx, &protocol.InitializedParams{}))

	t.Cleanup(func() {
		_ = server.Shutdown(context.Background())
	})

	return server, client
}

func open(t *testing.T, server *lsp.Server, path, text string) protocol.DocumentURI {
	t.Helper()

	u := protocol.DocumentURI(uri.File(path))
	err := server.DidOpen(context.Background(), &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        u,
			LanguageID: "plaintext",
			Version:    1,
			Text:       text,
		},
	})
	require.NoError(t, err)

	return u
}

// waitDiagnostics waits until the last publish for u satisfies cond.
func waitDiagnostics(t *testing.T, client *mockClient, u protocol.DocumentURI, cond func(protocol.PublishDiagnosticsParams) bool) protocol.PublishDiagnosticsParams {
	t.Helper()

	var got protocol.PublishDiagnosticsParams

	require.Eventually(t, func() bool {
		p, ok := client.last(u)
		got = p

		return ok && cond(p)
	}, 5*time.Second, 5*time.Millisecond)

	return got
}

func hasCode(code string) func(protocol.PublishDiagnosticsParams) bool {
	return func(p protocol.PublishDiagnosticsParams) bool {
		for _, d := range p.Diagnostics {
			if d.Code == code {
				return true
			}
		}

		return false
	}
}

func TestServer_Initialize(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	server := lsp.NewServer(client, zaptest.NewLogger(t), lsp.WithConfig(testConfig()))
	ctx := context.Background()

	result, err := server.Initialize(ctx, &protocol.InitializeParams{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = server.Shutdown(context.Background()) })

	textSync, ok := result.Capabilities.TextDocumentSync.(*protocol.TextDocumentSyncOptions)
	require.True(t, ok, "TextDocumentSync capability not set")
	assert.True(t, textSync.OpenClose)
	assert.Equal(t, protocol.TextDocumentSyncKindFull, textSync.Change)

	require.NotNil(t, result.Capabilities.ExecuteCommandProvider)
	assert.Equal(t, []string{lsp.ReanalyzeCommand}, result.Capabilities.ExecuteCommandProvider.Commands)

	require.NotNil(t, result.ServerInfo)
	assert.Equal(t, "crawler-lsp", result.ServerInfo.Name)

	_, err = server.Initialize(ctx, &protocol.InitializeParams{})
	require.ErrorIs(t, err, crawler.ErrAlreadyRegistered)
}

func TestServer_LoadsWorkspaceRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("dangling   \n"), 0o644))

	_, client := newTestServer(t, root)

	got := waitDiagnostics(t, client, protocol.DocumentURI(uri.File(path)), hasCode("trailing-whitespace"))

	for _, d := range got.Diagnostics {
		if d.Code == "trailing-whitespace" {
			assert.Equal(t, protocol.DiagnosticSeverityWarning, d.Severity)
			assert.Equal(t, uint32(8), d.Range.Start.Character)
		}
	}
}

func TestServer_DidOpenAndChange(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	server, client := newTestServer(t, root)
	u := open(t, server, filepath.Join(root, "a.txt"), "hello   \n")

	got := waitDiagnostics(t, client, u, hasCode("trailing-whitespace"))
	assert.Equal(t, uint32(1), got.Version)

	err := server.DidChange(context.Background(), &protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: u},
			Version:                2,
		},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: "hello\n"}},
	})
	require.NoError(t, err)

	got = waitDiagnostics(t, client, u, func(p protocol.PublishDiagnosticsParams) bool {
		return p.Version == 2 && len(p.Diagnostics) == 0
	})
	assert.NotNil(t, got.Diagnostics)
}

func TestServer_VersionMatchesAnalyzedText(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	server, client := newTestServer(t, root)
	u := open(t, server, filepath.Join(root, "a.txt"), "hello   \n")

	got := waitDiagnostics(t, client, u, hasCode("trailing-whitespace"))
	assert.Equal(t, uint32(1), got.Version)

	// Text the editor never versioned must not be tagged with version 1.
	err := server.DidSave(context.Background(), &protocol.DidSaveTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: u},
		Text:         "saved!   \n",
	})
	require.NoError(t, err)

	got = waitDiagnostics(t, client, u, func(p protocol.PublishDiagnosticsParams) bool {
		return len(p.Diagnostics) == 1 && p.Diagnostics[0].Range.Start.Character == 6
	})
	assert.Zero(t, got.Version)

	err = server.DidChange(context.Background(), &protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: u},
			Version:                3,
		},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: "hi \n"}},
	})
	require.NoError(t, err)

	got = waitDiagnostics(t, client, u, func(p protocol.PublishDiagnosticsParams) bool {
		return len(p.Diagnostics) == 1 && p.Diagnostics[0].Range.Start.Character == 2
	})
	assert.Equal(t, uint32(3), got.Version)
}

func TestServer_DidCloseOutsideRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	server, client := newTestServer(t, root)
	u := open(t, server, filepath.Join(t.TempDir(), "scratch.txt"), "x  \n")

	waitDiagnostics(t, client, u, hasCode("trailing-whitespace"))

	err := server.DidClose(context.Background(), &protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: u},
	})
	require.NoError(t, err)

	waitDiagnostics(t, client, u, func(p protocol.PublishDiagnosticsParams) bool {
		return len(p.Diagnostics) == 0
	})

	reg, ok := server.Registration()
	require.True(t, ok)
	assert.Zero(t, reg.Store().Current().Len())
}

func TestServer_CodeAction(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	server, client := newTestServer(t, root)

	// "é" is two bytes but one UTF-16 unit.
	u := open(t, server, filepath.Join(root, "b.txt"), "héllo  \n")
	waitDiagnostics(t, client, u, hasCode("trailing-whitespace"))

	actions, err := server.CodeAction(context.Background(), &protocol.CodeActionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: u},
		Range: protocol.Range{
			Start: protocol.Position{Line: 0, Character: 0},
			End:   protocol.Position{Line: 0, Character: 7},
		},
	})
	require.NoError(t, err)
	require.Len(t, actions, 1)

	action := actions[0]
	assert.Equal(t, "Remove trailing whitespace", action.Title)
	assert.Equal(t, protocol.QuickFix, action.Kind)

	require.NotNil(t, action.Edit)

	edits := action.Edit.Changes[u]
	require.Len(t, edits, 1)
	assert.Equal(t, protocol.Range{
		Start: protocol.Position{Line: 0, Character: 5},
		End:   protocol.Position{Line: 0, Character: 7},
	}, edits[0].Range)
	assert.Empty(t, edits[0].NewText)

	actions, err = server.CodeAction(context.Background(), &protocol.CodeActionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: u},
		Range: protocol.Range{
			Start: protocol.Position{Line: 1, Character: 0},
			End:   protocol.Position{Line: 1, Character: 0},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestServer_PreviewMode(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	onDisk := filepath.Join(root, "disk.txt")
	require.NoError(t, os.WriteFile(onDisk, []byte("disk  \n"), 0o644))

	server, client := newTestServer(t, root, lsp.WithMode(registration.ModePreview))

	reg, ok := server.Registration()
	require.True(t, ok)
	assert.True(t, reg.Preview())
	assert.Zero(t, reg.Store().Current().Len(), "preview mode must not load files")

	u := open(t, server, filepath.Join(root, "open.txt"), "open  \n")
	waitDiagnostics(t, client, u, hasCode("trailing-whitespace"))

	_, published := client.last(protocol.DocumentURI(uri.File(onDisk)))
	assert.False(t, published)
}

func TestServer_ExecuteCommand(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	server, client := newTestServer(t, root)
	u := open(t, server, filepath.Join(root, "c.txt"), "c  \n")
	waitDiagnostics(t, client, u, hasCode("trailing-whitespace"))

	ctx := context.Background()

	n, err := server.ExecuteCommand(ctx, &protocol.ExecuteCommandParams{
		Command:   lsp.ReanalyzeCommand,
		Arguments: []any{string(u)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = server.ExecuteCommand(ctx, &protocol.ExecuteCommandParams{Command: "nope"})
	require.ErrorIs(t, err, crawler.ErrNotSupported)

	_, err = server.ExecuteCommand(ctx, &protocol.ExecuteCommandParams{
		Command:   lsp.ReanalyzeCommand,
		Arguments: []any{42},
	})
	require.Error(t, err)
}

func TestServer_DidChangeConfiguration(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, t.TempDir())

	err := server.DidChangeConfiguration(context.Background(), &protocol.DidChangeConfigurationParams{
		Settings: map[string]any{
			"crawler": map[string]any{"strict": true},
		},
	})
	require.NoError(t, err)

	reg, ok := server.Registration()
	require.True(t, ok)

	v, ok := reg.Store().Current().Option("crawler.strict")
	require.True(t, ok)
	assert.Equal(t, "true", v)
}

func TestServer_Shutdown(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	server, _ := newTestServer(t, root)
	ctx := context.Background()

	require.NoError(t, server.Shutdown(ctx))
	require.NoError(t, server.Shutdown(ctx))

	// Notifications after shutdown are ignored.
	open(t, server, filepath.Join(root, "late.txt"), "late\n")

	reg, ok := server.Registration()
	require.True(t, ok)
	assert.False(t, reg.HasPendingWork())
	assert.Zero(t, reg.Store().Current().Len())
	require.NoError(t, server.Exit(ctx))
}
