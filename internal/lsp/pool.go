package lsp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Pool manages one language server client per language, routing operations
// by file path. Servers start lazily on first use and missing servers
// degrade to empty results rather than failures.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*Client

	configs          map[string]ServerConfig
	workspaceFolders []WorkspaceFolder
	autoStart        bool

	// startGroup serializes concurrent starts per language so two racing
	// callers share one client instead of spawning two processes.
	startGroup singleflight.Group

	diagHandler func(languageID string, uri DocumentURI, diagnostics []Diagnostic)
	hintLogged  map[string]bool
	closed      bool

	// newClient is a construction seam for tests.
	newClient func(config ServerConfig, logger *zap.Logger) *Client

	logger *zap.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the pool's logger. The default discards all output.
func WithLogger(logger *zap.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithAutoStart controls whether query and document operations start a
// server on demand. Enabled by default.
func WithAutoStart(enabled bool) PoolOption {
	return func(p *Pool) { p.autoStart = enabled }
}

// WithWorkspaceRoot sets the workspace folder sent to every server.
func WithWorkspaceRoot(path string) PoolOption {
	return func(p *Pool) {
		p.workspaceFolders = []WorkspaceFolder{WorkspaceFolderFromPath(path)}
	}
}

// WithServers replaces the default server configurations.
func WithServers(configs map[string]ServerConfig) PoolOption {
	return func(p *Pool) { p.configs = configs }
}

// WithDiagnosticsCallback registers a callback invoked whenever any server
// publishes diagnostics.
func WithDiagnosticsCallback(fn func(languageID string, uri DocumentURI, diagnostics []Diagnostic)) PoolOption {
	return func(p *Pool) { p.diagHandler = fn }
}

// NewPool creates a pool with the default server table. No servers are
// started until a matching file is touched.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		clients:    make(map[string]*Client),
		configs:    DefaultServerConfigs(),
		autoStart:  true,
		hintLogged: make(map[string]bool),
		logger:     zap.NewNop(),
	}
	p.newClient = NewClient
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// client returns the running client for a language, if any.
func (p *Pool) client(languageID string) *Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[languageID]
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// register adds a freshly started client, unless the pool was shut down
// while the start was in flight; then the client is stopped instead so
// teardown still releases every child process.
func (p *Pool) register(ctx context.Context, languageID string, c *Client) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if err := c.Stop(ctx); err != nil {
			p.logger.Warn("stop of orphaned client failed",
				zap.String("language", languageID),
				zap.Error(err))
		}
		return ErrShutdown
	}
	p.clients[languageID] = c
	p.mu.Unlock()
	return nil
}

// displace retires a degraded client before a replacement takes its slot,
// releasing its process and transport.
func (p *Pool) displace(ctx context.Context, languageID string) {
	old := p.client(languageID)
	if old == nil {
		return
	}
	if err := old.Stop(ctx); err != nil {
		p.logger.Warn("stop of failed client",
			zap.String("language", languageID),
			zap.Error(err))
	}
}

// clientFor resolves the client responsible for a path, starting it when
// permitted. Concurrent callers for the same language are collapsed onto a
// single start.
func (p *Pool) clientFor(ctx context.Context, path string, start bool) (*Client, error) {
	config, ok := ConfigForPath(p.configs, path)
	if !ok {
		return nil, ErrNoServer
	}

	if c := p.client(config.LanguageID); c != nil && c.Status() == ClientStatusReady {
		return c, nil
	}

	if p.isClosed() {
		return nil, ErrShutdown
	}

	if !start || !p.autoStart {
		return nil, ErrServerNotReady
	}

	if !config.Installed() {
		p.logInstallHint(config)
		return nil, &ServerError{LanguageID: config.LanguageID, Err: ErrServerUnavailable}
	}

	v, err, _ := p.startGroup.Do(config.LanguageID, func() (any, error) {
		if c := p.client(config.LanguageID); c != nil && c.Status() == ClientStatusReady {
			return c, nil
		}
		p.displace(ctx, config.LanguageID)

		c := p.newClient(config, p.logger)
		if p.diagHandler != nil {
			lang := config.LanguageID
			c.OnDiagnostics(func(uri DocumentURI, diagnostics []Diagnostic) {
				p.diagHandler(lang, uri, diagnostics)
			})
		}

		if err := c.Start(ctx, p.foldersFor(config, path)); err != nil {
			return nil, err
		}

		if err := p.register(ctx, config.LanguageID, c); err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

// foldersFor picks the workspace folders for a new server: the configured
// root when set, otherwise a root detected from the file's directory.
func (p *Pool) foldersFor(config ServerConfig, path string) []WorkspaceFolder {
	if len(p.workspaceFolders) > 0 {
		return p.workspaceFolders
	}
	dir := filepath.Dir(path)
	root := DetectWorkspaceRoot(dir, config.RootPatterns)
	return []WorkspaceFolder{WorkspaceFolderFromPath(root)}
}

// logInstallHint logs the install instruction for a missing server once per
// language.
func (p *Pool) logInstallHint(config ServerConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hintLogged[config.LanguageID] {
		return
	}
	p.hintLogged[config.LanguageID] = true
	p.logger.Warn("language server not installed",
		zap.String("language", config.LanguageID),
		zap.String("command", config.Command),
		zap.String("hint", config.InstallHint))
}

// --- Document lifecycle ---

// OpenDocument opens a file with its language's server, reading content from
// disk when text is empty, and starting the server if needed.
func (p *Pool) OpenDocument(ctx context.Context, path, text string) error {
	c, err := p.clientFor(ctx, path, true)
	if err != nil {
		return p.resolveErr(path, err)
	}
	if text == "" {
		text = readFileOrEmpty(path)
	}
	return c.OpenDocument(ctx, FilePathToURI(path), text)
}

// UpdateDocument pushes new content for a file, opening it first if needed.
func (p *Pool) UpdateDocument(ctx context.Context, path, text string) error {
	c, err := p.clientFor(ctx, path, true)
	if err != nil {
		return p.resolveErr(path, err)
	}
	return c.UpdateDocument(ctx, FilePathToURI(path), text)
}

// CloseDocument closes a file with its server. A file whose server is not
// running has nothing to close; this never starts a server.
func (p *Pool) CloseDocument(ctx context.Context, path string) error {
	c, err := p.clientFor(ctx, path, false)
	if err != nil {
		return nil
	}
	return c.CloseDocument(ctx, FilePathToURI(path))
}

// resolveErr normalizes client resolution failures for document operations.
// An unknown language is not an error; a missing or broken server is.
func (p *Pool) resolveErr(path string, err error) error {
	if errors.Is(err, ErrNoServer) {
		p.logger.Debug("no language server for file", zap.String("path", path))
		return nil
	}
	return fmt.Errorf("resolve server for %s: %w", filepath.Base(path), err)
}

// --- Queries ---
//
// Queries never fail: any resolution or protocol problem is logged and an
// empty result returned, so callers treat missing language support and a
// quiet server identically.

// Completions returns completion items for a position in a file.
func (p *Pool) Completions(ctx context.Context, path string, line, character int) []CompletionItem {
	c := p.queryClient(ctx, path)
	if c == nil {
		return nil
	}
	pos := Position{Line: line, Character: character}
	return c.Completions(ctx, FilePathToURI(path), pos)
}

// Hover returns hover information for a position in a file.
func (p *Pool) Hover(ctx context.Context, path string, line, character int) *Hover {
	c := p.queryClient(ctx, path)
	if c == nil {
		return nil
	}
	pos := Position{Line: line, Character: character}
	return c.Hover(ctx, FilePathToURI(path), pos)
}

// Definition returns definition locations for a position in a file.
func (p *Pool) Definition(ctx context.Context, path string, line, character int) []Location {
	c := p.queryClient(ctx, path)
	if c == nil {
		return nil
	}
	pos := Position{Line: line, Character: character}
	return c.Definition(ctx, FilePathToURI(path), pos)
}

// References returns reference locations for a position in a file.
func (p *Pool) References(ctx context.Context, path string, line, character int, includeDecl bool) []Location {
	c := p.queryClient(ctx, path)
	if c == nil {
		return nil
	}
	pos := Position{Line: line, Character: character}
	return c.References(ctx, FilePathToURI(path), pos, includeDecl)
}

// DocumentSymbols returns the symbols declared in a file.
func (p *Pool) DocumentSymbols(ctx context.Context, path string) []DocumentSymbol {
	c := p.queryClient(ctx, path)
	if c == nil {
		return nil
	}
	return c.DocumentSymbols(ctx, FilePathToURI(path))
}

// Diagnostics returns the cached diagnostics for a file. This reads the
// cache only and never starts a server.
func (p *Pool) Diagnostics(path string) []Diagnostic {
	config, ok := ConfigForPath(p.configs, path)
	if !ok {
		return nil
	}
	c := p.client(config.LanguageID)
	if c == nil {
		return nil
	}
	return c.Diagnostics(FilePathToURI(path))
}

// queryClient resolves and prepares a client for a query: the server is
// started if needed and the document opened from disk if it is not already
// open. Any failure is logged and reported as no client.
func (p *Pool) queryClient(ctx context.Context, path string) *Client {
	c, err := p.clientFor(ctx, path, true)
	if err != nil {
		if !errors.Is(err, ErrNoServer) {
			p.logger.Debug("query skipped",
				zap.String("path", path),
				zap.Error(err))
		}
		return nil
	}

	uri := FilePathToURI(path)
	if !c.IsOpen(uri) {
		if err := c.OpenDocument(ctx, uri, readFileOrEmpty(path)); err != nil {
			p.logger.Warn("open for query failed",
				zap.String("path", path),
				zap.Error(err))
			return nil
		}
	}
	return c
}

func readFileOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// --- Lifecycle ---

// Start eagerly starts the server for a language. Most callers rely on lazy
// start instead; this exists for warmup.
func (p *Pool) Start(ctx context.Context, languageID string) error {
	config, ok := p.configs[languageID]
	if !ok {
		return ErrNoServer
	}
	if p.isClosed() {
		return ErrShutdown
	}
	if !config.Installed() {
		p.logInstallHint(config)
		return &ServerError{LanguageID: languageID, Err: ErrServerUnavailable}
	}

	_, err, _ := p.startGroup.Do(languageID, func() (any, error) {
		if c := p.client(languageID); c != nil && c.Status() == ClientStatusReady {
			return c, nil
		}
		p.displace(ctx, languageID)

		c := p.newClient(config, p.logger)
		folders := p.workspaceFolders
		if len(folders) == 0 {
			folders = []WorkspaceFolder{WorkspaceFolderFromPath(".")}
		}
		if err := c.Start(ctx, folders); err != nil {
			return nil, err
		}
		if err := p.register(ctx, languageID, c); err != nil {
			return nil, err
		}
		return c, nil
	})
	return err
}

// Stop shuts down the server for one language. Stopping a language with no
// running server is a no-op.
func (p *Pool) Stop(ctx context.Context, languageID string) error {
	p.mu.Lock()
	c, ok := p.clients[languageID]
	delete(p.clients, languageID)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return c.Stop(ctx)
}

// Restart stops and starts the server for a language.
func (p *Pool) Restart(ctx context.Context, languageID string) error {
	if err := p.Stop(ctx, languageID); err != nil {
		p.logger.Warn("stop during restart failed",
			zap.String("language", languageID),
			zap.Error(err))
	}
	return p.Start(ctx, languageID)
}

// StopAll shuts down every running server and closes the pool: starts
// still in flight stop their client instead of registering it, and new
// starts are refused. Each server gets a graceful shutdown attempt;
// failures are collected, not short-circuited.
func (p *Pool) StopAll(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// --- Introspection ---

// LanguageStatus describes one running server for status displays.
type LanguageStatus struct {
	LanguageID    string   `json:"language_id"`
	Status        string   `json:"status"`
	Running       bool     `json:"running"`
	Initialized   bool     `json:"initialized"`
	OpenDocuments int      `json:"open_documents"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// Status reports every running server, sorted by language.
func (p *Pool) Status() []LanguageStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	statuses := make([]LanguageStatus, 0, len(p.clients))
	for lang, c := range p.clients {
		statuses = append(statuses, LanguageStatus{
			LanguageID:    lang,
			Status:        c.Status().String(),
			Running:       c.Running(),
			Initialized:   c.Initialized(),
			OpenDocuments: c.OpenDocumentCount(),
			Capabilities:  c.CapabilitySummary(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].LanguageID < statuses[j].LanguageID
	})
	return statuses
}

// ServerAvailability describes one configured server and whether its
// executable is installed.
type ServerAvailability struct {
	LanguageID  string `json:"language_id"`
	Name        string `json:"name"`
	Command     string `json:"command"`
	Installed   bool   `json:"installed"`
	Running     bool   `json:"running"`
	InstallHint string `json:"install_hint,omitempty"`
}

// AvailableServers reports every configured server, sorted by language.
func (p *Pool) AvailableServers() []ServerAvailability {
	p.mu.RLock()
	defer p.mu.RUnlock()

	servers := make([]ServerAvailability, 0, len(p.configs))
	for lang, config := range p.configs {
		c := p.clients[lang]
		servers = append(servers, ServerAvailability{
			LanguageID:  lang,
			Name:        config.Name,
			Command:     config.Command,
			Installed:   config.Installed(),
			Running:     c != nil && c.Running(),
			InstallHint: config.InstallHint,
		})
	}
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].LanguageID < servers[j].LanguageID
	})
	return servers
}
