package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ClientStatus indicates the current state of a client's server connection.
type ClientStatus int

const (
	ClientStatusStopped ClientStatus = iota
	ClientStatusStarting
	ClientStatusInitializing
	ClientStatusReady
	ClientStatusShuttingDown
	ClientStatusError
)

// String returns a human-readable status name.
func (s ClientStatus) String() string {
	switch s {
	case ClientStatusStopped:
		return "stopped"
	case ClientStatusStarting:
		return "starting"
	case ClientStatusInitializing:
		return "initializing"
	case ClientStatusReady:
		return "ready"
	case ClientStatusShuttingDown:
		return "shutting down"
	case ClientStatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Client owns a single language server process: it launches and tears down
// the process, performs the initialize handshake, tracks open documents and
// cached diagnostics, and exposes the query operations. One Client exists
// per running language.
type Client struct {
	mu sync.Mutex

	// Configuration
	config     ServerConfig
	languageID string

	// Process management
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	// Transport
	transport *Transport

	// State
	status       atomic.Int32
	exited       atomic.Bool
	capabilities ServerCapabilities
	serverInfo   *ServerInfo
	lastError    error

	// Document tracking
	documents   map[DocumentURI]*Document
	documentsMu sync.RWMutex

	// Diagnostics
	diagnostics   map[DocumentURI][]Diagnostic
	diagnosticsMu sync.RWMutex
	diagHandler   func(uri DocumentURI, diagnostics []Diagnostic)

	// Workspace
	workspaceFolders []WorkspaceFolder

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	exitCh chan error

	logger *zap.Logger
}

// Document represents an open document tracked by the client.
type Document struct {
	URI        DocumentURI
	LanguageID string
	Version    int
	Text       string
}

// NewClient creates a new client for one server config (not yet started).
func NewClient(config ServerConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		config:      config,
		languageID:  config.LanguageID,
		documents:   make(map[DocumentURI]*Document),
		diagnostics: make(map[DocumentURI][]Diagnostic),
		exitCh:      make(chan error, 1),
		logger:      logger.With(zap.String("language", config.LanguageID)),
	}
	c.status.Store(int32(ClientStatusStopped))
	return c
}

// Start launches the server process and performs the initialize handshake.
// Starting an already-running client is a no-op returning nil.
func (c *Client) Start(ctx context.Context, workspaceFolders []WorkspaceFolder) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.Status() {
	case ClientStatusReady:
		return nil
	case ClientStatusStopped, ClientStatusError:
		// Fresh or failed client may start.
	default:
		return ErrAlreadyStarted
	}

	c.status.Store(int32(ClientStatusStarting))
	c.resetExitState()
	c.workspaceFolders = workspaceFolders

	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.startProcess(); err != nil {
		c.status.Store(int32(ClientStatusError))
		c.lastError = err
		return &ServerError{LanguageID: c.languageID, Err: err}
	}

	c.transport = NewTransport(c.stdout, c.stdin, nil, c.logger)
	c.registerNotificationHandlers()
	c.transport.Start(c.ctx)

	go c.monitorProcess()
	go c.drainStderr()

	c.status.Store(int32(ClientStatusInitializing))
	if err := c.initialize(ctx); err != nil {
		c.status.Store(int32(ClientStatusError))
		c.lastError = err
		c.stopProcess()
		c.clearState()
		return &ServerError{LanguageID: c.languageID, Err: fmt.Errorf("initialize: %w", err)}
	}

	c.status.Store(int32(ClientStatusReady))
	c.logger.Info("language server started",
		zap.String("command", c.config.Command),
		zap.Int("pid", c.cmd.Process.Pid))
	return nil
}

// startProcess starts the language server executable with piped stdio.
func (c *Client) startProcess() error {
	cmd := exec.CommandContext(c.ctx, c.config.Command, c.config.Args...)

	cmd.Env = os.Environ()
	for k, v := range c.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if len(c.workspaceFolders) > 0 {
		cmd.Dir = URIToFilePath(c.workspaceFolders[0].URI)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start process: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = stdout
	c.stderr = stderr

	return nil
}

// resetExitState clears exit bookkeeping left by a previous process, so a
// stale buffered exit cannot satisfy the next Stop's graceful wait.
func (c *Client) resetExitState() {
	c.exited.Store(false)
	select {
	case <-c.exitCh:
	default:
	}
}

// monitorProcess watches the process and records its exit.
func (c *Client) monitorProcess() {
	if c.cmd == nil {
		return
	}

	err := c.cmd.Wait()
	c.exited.Store(true)
	select {
	case c.exitCh <- err:
	default:
	}

	// Exit during normal operation marks the client degraded; there is no
	// automatic restart.
	if c.Status() == ClientStatusReady {
		c.logger.Warn("language server exited unexpectedly", zap.Error(err))
		c.status.Store(int32(ClientStatusError))
	}
}

// drainStderr consumes the server's stderr so the process never blocks on a
// full pipe. Output is discarded; servers use window/logMessage for logs.
func (c *Client) drainStderr() {
	if c.stderr == nil {
		return
	}
	_, _ = io.Copy(io.Discard, c.stderr)
}

// stopProcess stops the server process and closes its pipes.
func (c *Client) stopProcess() {
	if c.transport != nil {
		c.transport.Close()
	}

	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.stdout != nil {
		c.stdout.Close()
	}
	if c.stderr != nil {
		c.stderr.Close()
	}

	if c.cmd != nil && c.cmd.Process != nil && !c.exited.Load() {
		c.cmd.Process.Kill()
	}
}

// initialize performs the LSP initialize handshake and pushes configured
// settings to the server.
func (c *Client) initialize(ctx context.Context) error {
	var rootURI DocumentURI
	if len(c.workspaceFolders) > 0 {
		rootURI = c.workspaceFolders[0].URI
	}

	var initOpts any
	if len(c.config.InitializationOptions) > 0 {
		initOpts = c.config.InitializationOptions
	}

	params := InitializeParams{
		ProcessID:             os.Getpid(),
		RootURI:               rootURI,
		Capabilities:          DefaultClientCapabilities(),
		InitializationOptions: initOpts,
		WorkspaceFolders:      c.workspaceFolders,
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout())
	defer cancel()

	var result InitializeResult
	if err := c.transport.Call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}

	c.capabilities = result.Capabilities
	c.serverInfo = result.ServerInfo

	if err := c.transport.Notify(ctx, "initialized", InitializedParams{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	if len(c.config.Settings) > 0 {
		params := DidChangeConfigurationParams{Settings: c.config.Settings}
		if err := c.transport.Notify(ctx, "workspace/didChangeConfiguration", params); err != nil {
			return fmt.Errorf("configuration notification: %w", err)
		}
	}

	return nil
}

// Stop gracefully shuts down the server: a shutdown request followed by an
// exit notification, then a bounded wait before killing the process. The
// transport, document map, and diagnostics cache are torn down together even
// when the graceful path fails. Stopping twice is safe.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.Status()
	if status == ClientStatusStopped || status == ClientStatusShuttingDown {
		return nil
	}

	c.status.Store(int32(ClientStatusShuttingDown))

	defer func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.stopProcess()
		c.clearState()
		c.status.Store(int32(ClientStatusStopped))
	}()

	var err error
	if c.transport != nil && !c.transport.IsClosed() && !c.exited.Load() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		err = c.transport.Call(shutdownCtx, "shutdown", nil, nil)
		_ = c.transport.Notify(shutdownCtx, "exit", nil)
	}

	if c.cmd != nil && c.cmd.Process != nil && !c.exited.Load() {
		select {
		case <-c.exitCh:
		case <-time.After(2 * time.Second):
			c.logger.Warn("language server did not exit, killing")
			c.cmd.Process.Kill()
		}
	}

	if err != nil {
		return &ServerError{LanguageID: c.languageID, Err: err}
	}
	return nil
}

// clearState drops in-flight, document, and diagnostics state. The document
// map and diagnostics cache are always cleared together.
func (c *Client) clearState() {
	c.documentsMu.Lock()
	c.documents = make(map[DocumentURI]*Document)
	c.documentsMu.Unlock()

	c.diagnosticsMu.Lock()
	c.diagnostics = make(map[DocumentURI][]Diagnostic)
	c.diagnosticsMu.Unlock()
}

// Status returns the current client status.
func (c *Client) Status() ClientStatus {
	return ClientStatus(c.status.Load())
}

// Running reports whether the underlying process is believed alive.
func (c *Client) Running() bool {
	switch c.Status() {
	case ClientStatusStarting, ClientStatusInitializing, ClientStatusReady:
		return !c.exited.Load()
	default:
		return false
	}
}

// Initialized reports whether the handshake has completed.
func (c *Client) Initialized() bool {
	return c.Status() == ClientStatusReady
}

// Capabilities returns the server's capabilities from the handshake.
func (c *Client) Capabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// CapabilitySummary lists the query features the server advertised.
func (c *Client) CapabilitySummary() []string {
	caps := c.Capabilities()

	var summary []string
	if caps.CompletionProvider != nil {
		summary = append(summary, "completion")
	}
	if HasCapability(caps.HoverProvider) {
		summary = append(summary, "hover")
	}
	if HasCapability(caps.DefinitionProvider) {
		summary = append(summary, "definition")
	}
	if HasCapability(caps.ReferencesProvider) {
		summary = append(summary, "references")
	}
	if HasCapability(caps.DocumentSymbolProvider) {
		summary = append(summary, "documentSymbol")
	}
	return summary
}

// ServerInfo returns the server's self-reported identity, if any.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// LastError returns the last lifecycle error that occurred.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// LanguageID returns the language this client handles.
func (c *Client) LanguageID() string {
	return c.languageID
}

// --- Query operations ---
//
// Queries degrade on failure: a timeout, server error, or missing capability
// yields an empty result and a log line, never an error. Lifecycle methods
// are the only ones that report failure to callers.

// Completions requests completion items at a position.
func (c *Client) Completions(ctx context.Context, uri DocumentURI, pos Position) []CompletionItem {
	if c.Status() != ClientStatusReady {
		return nil
	}
	if c.Capabilities().CompletionProvider == nil {
		c.logger.Debug("server does not support completion")
		return nil
	}

	params := CompletionParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
		Context: &CompletionContext{TriggerKind: CompletionTriggerKindInvoked},
	}

	var raw json.RawMessage
	if err := c.call(ctx, "textDocument/completion", params, &raw); err != nil {
		c.logQueryFailure("textDocument/completion", uri, err)
		return nil
	}

	list, err := ParseCompletionResult(raw)
	if err != nil {
		c.logQueryFailure("textDocument/completion", uri, err)
		return nil
	}
	return list.Items
}

// Hover requests hover information at a position. A nil result means the
// server had nothing to say.
func (c *Client) Hover(ctx context.Context, uri DocumentURI, pos Position) *Hover {
	if c.Status() != ClientStatusReady {
		return nil
	}
	if !HasCapability(c.Capabilities().HoverProvider) {
		c.logger.Debug("server does not support hover")
		return nil
	}

	params := HoverParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
	}

	var raw json.RawMessage
	if err := c.call(ctx, "textDocument/hover", params, &raw); err != nil {
		c.logQueryFailure("textDocument/hover", uri, err)
		return nil
	}

	hover, err := ParseHoverResult(raw)
	if err != nil {
		c.logQueryFailure("textDocument/hover", uri, err)
		return nil
	}
	return hover
}

// Definition returns the definition location(s) for the symbol at a position.
func (c *Client) Definition(ctx context.Context, uri DocumentURI, pos Position) []Location {
	if c.Status() != ClientStatusReady {
		return nil
	}
	if !HasCapability(c.Capabilities().DefinitionProvider) {
		c.logger.Debug("server does not support definition")
		return nil
	}

	params := TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}

	var raw json.RawMessage
	if err := c.call(ctx, "textDocument/definition", params, &raw); err != nil {
		c.logQueryFailure("textDocument/definition", uri, err)
		return nil
	}

	locs, err := ParseLocationResult(raw)
	if err != nil {
		c.logQueryFailure("textDocument/definition", uri, err)
		return nil
	}
	return locs
}

// References finds all references to the symbol at a position.
func (c *Client) References(ctx context.Context, uri DocumentURI, pos Position, includeDecl bool) []Location {
	if c.Status() != ClientStatusReady {
		return nil
	}
	if !HasCapability(c.Capabilities().ReferencesProvider) {
		c.logger.Debug("server does not support references")
		return nil
	}

	params := ReferenceParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
		Context: ReferenceContext{IncludeDeclaration: includeDecl},
	}

	var raw json.RawMessage
	if err := c.call(ctx, "textDocument/references", params, &raw); err != nil {
		c.logQueryFailure("textDocument/references", uri, err)
		return nil
	}

	locs, err := ParseLocationResult(raw)
	if err != nil {
		c.logQueryFailure("textDocument/references", uri, err)
		return nil
	}
	return locs
}

// DocumentSymbols returns symbols in a document.
func (c *Client) DocumentSymbols(ctx context.Context, uri DocumentURI) []DocumentSymbol {
	if c.Status() != ClientStatusReady {
		return nil
	}
	if !HasCapability(c.Capabilities().DocumentSymbolProvider) {
		c.logger.Debug("server does not support document symbols")
		return nil
	}

	params := DocumentSymbolParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	}

	var symbols []DocumentSymbol
	if err := c.call(ctx, "textDocument/documentSymbol", params, &symbols); err != nil {
		c.logQueryFailure("textDocument/documentSymbol", uri, err)
		return nil
	}
	return symbols
}

// call issues a request with the config's bounded timeout.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout())
	defer cancel()
	return c.transport.Call(ctx, method, params, result)
}

func (c *Client) logQueryFailure(method string, uri DocumentURI, err error) {
	c.logger.Warn("request failed",
		zap.String("method", method),
		zap.String("uri", string(uri)),
		zap.Error(err))
}
