package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeServer scripts the peer side of a client connection. It answers
// initialize and shutdown, serves configured per-method responses, and
// records every notification the client sends.
type fakeServer struct {
	t   *testing.T
	in  *bufio.Reader
	out io.Writer

	writeMu sync.Mutex

	mu        sync.Mutex
	responses map[string]string // method -> raw result JSON
	rpcErrors map[string]*RPCError
	seen      []fakeMessage

	capabilities string

	notified chan fakeMessage
}

type fakeMessage struct {
	Method string
	Params json.RawMessage
}

const fakeFullCapabilities = `{
	"textDocumentSync": 1,
	"completionProvider": {"triggerCharacters": ["."]},
	"hoverProvider": true,
	"definitionProvider": true,
	"referencesProvider": true,
	"documentSymbolProvider": true
}`

func (s *fakeServer) run() {
	for {
		body, err := readFrame(s.in)
		if err != nil {
			return
		}

		var msg struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			s.t.Errorf("fake server got malformed message: %v", err)
			continue
		}

		if msg.ID == nil {
			s.record(msg.Method, msg.Params)
			continue
		}

		s.respond(*msg.ID, msg.Method)
	}
}

func (s *fakeServer) record(method string, params json.RawMessage) {
	m := fakeMessage{Method: method, Params: params}
	s.mu.Lock()
	s.seen = append(s.seen, m)
	s.mu.Unlock()
	select {
	case s.notified <- m:
	default:
	}
}

func (s *fakeServer) respond(id int64, method string) {
	s.mu.Lock()
	result, hasResult := s.responses[method]
	rpcErr := s.rpcErrors[method]
	s.mu.Unlock()

	resp := Response{JSONRPC: "2.0", ID: id}
	switch {
	case rpcErr != nil:
		resp.Error = rpcErr
	case hasResult:
		resp.Result = json.RawMessage(result)
	case method == "initialize":
		resp.Result = json.RawMessage(`{"capabilities":` + s.capabilities + `,"serverInfo":{"name":"fake","version":"0.0"}}`)
	case method == "shutdown":
		resp.Result = json.RawMessage(`null`)
	default:
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found"}
	}

	body, err := json.Marshal(resp)
	if err != nil {
		s.t.Errorf("fake server marshal: %v", err)
		return
	}
	s.send(body)
}

// send writes one frame, serialized against concurrent publishes.
func (s *fakeServer) send(body []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := writeFrame(s.out, body); err != nil {
		s.t.Logf("fake server write: %v", err)
	}
}

// publishDiagnostics pushes a publishDiagnostics notification to the client.
func (s *fakeServer) publishDiagnostics(uri DocumentURI, diagnostics []Diagnostic) {
	params, err := json.Marshal(PublishDiagnosticsParams{URI: uri, Diagnostics: diagnostics})
	if err != nil {
		s.t.Fatalf("marshal diagnostics: %v", err)
	}
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "textDocument/publishDiagnostics",
		"params":  json.RawMessage(params),
	})
	if err != nil {
		s.t.Fatalf("marshal notification: %v", err)
	}
	s.send(body)
}

// notifications returns a copy of everything the client has sent with no id.
func (s *fakeServer) notifications() []fakeMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fakeMessage, len(s.seen))
	copy(out, s.seen)
	return out
}

// waitFor blocks until the client sends a notification with the method.
func (s *fakeServer) waitFor(method string) fakeMessage {
	s.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-s.notified:
			if m.Method == method {
				return m
			}
		case <-deadline:
			s.t.Fatalf("notification %q never arrived", method)
			return fakeMessage{}
		}
	}
}

// startFakeClient wires a client to a fake server over in-memory pipes and
// runs the initialize handshake, standing in for a spawned process.
func startFakeClient(t *testing.T, config ServerConfig, setup func(*fakeServer)) (*Client, *fakeServer) {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	srv := &fakeServer{
		t:            t,
		in:           bufio.NewReader(serverReader),
		out:          serverWriter,
		responses:    make(map[string]string),
		rpcErrors:    make(map[string]*RPCError),
		capabilities: fakeFullCapabilities,
		notified:     make(chan fakeMessage, 64),
	}
	if setup != nil {
		setup(srv)
	}
	go srv.run()

	c := NewClient(config, nil)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.transport = NewTransport(clientReader, clientWriter, nil, nil)
	c.registerNotificationHandlers()
	c.transport.Start(c.ctx)

	c.status.Store(int32(ClientStatusInitializing))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	c.status.Store(int32(ClientStatusReady))

	t.Cleanup(func() {
		c.Stop(context.Background())
		serverWriter.Close()
		clientWriter.Close()
	})

	return c, srv
}

func testConfig() ServerConfig {
	return ServerConfig{
		Name:           "fake",
		LanguageID:     "go",
		Extensions:     []string{".go"},
		Command:        "fake-ls",
		TimeoutSeconds: 2,
	}
}

func TestClientHandshake(t *testing.T) {
	config := testConfig()
	config.Settings = map[string]any{"gopls": map[string]any{"staticcheck": true}}

	c, srv := startFakeClient(t, config, nil)

	if got := c.Status(); got != ClientStatusReady {
		t.Fatalf("status = %v, want ready", got)
	}
	if c.Capabilities().CompletionProvider == nil {
		t.Error("completion capability not recorded")
	}
	if info := c.ServerInfo(); info == nil || info.Name != "fake" {
		t.Errorf("server info = %+v", info)
	}

	srv.waitFor("initialized")

	// Settings were configured, so the handshake pushes them.
	m := srv.waitFor("workspace/didChangeConfiguration")
	var p DidChangeConfigurationParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		t.Fatalf("unmarshal settings: %v", err)
	}
	if p.Settings == nil {
		t.Error("didChangeConfiguration carried no settings")
	}
}

func TestStartIdempotentWhenReady(t *testing.T) {
	c, _ := startFakeClient(t, testConfig(), nil)

	// A second Start on a ready client is a no-op, not a respawn.
	if err := c.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start on ready client: %v", err)
	}
	if got := c.Status(); got != ClientStatusReady {
		t.Errorf("status = %v, want ready", got)
	}
}

func TestResetExitStateDrainsStaleExit(t *testing.T) {
	c := NewClient(testConfig(), nil)

	// A previous process's exit left its mark; a fresh start must not let
	// that stale exit satisfy the next Stop's graceful wait.
	c.exited.Store(true)
	c.exitCh <- errors.New("process exited")

	c.resetExitState()

	if c.exited.Load() {
		t.Error("exited flag survived reset")
	}
	select {
	case err := <-c.exitCh:
		t.Errorf("stale exit %v survived reset", err)
	default:
	}
}

func TestClientCapabilitySummary(t *testing.T) {
	c, _ := startFakeClient(t, testConfig(), nil)

	want := []string{"completion", "hover", "definition", "references", "documentSymbol"}
	got := c.CapabilitySummary()
	if len(got) != len(want) {
		t.Fatalf("summary = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("summary[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDocumentVersioning(t *testing.T) {
	c, srv := startFakeClient(t, testConfig(), nil)
	ctx := context.Background()
	uri := DocumentURI("file:///src/main.go")

	if err := c.OpenDocument(ctx, uri, "package main"); err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}
	m := srv.waitFor("textDocument/didOpen")

	var open DidOpenTextDocumentParams
	if err := json.Unmarshal(m.Params, &open); err != nil {
		t.Fatalf("unmarshal didOpen: %v", err)
	}
	if open.TextDocument.Version != 1 {
		t.Errorf("open version = %d, want 1", open.TextDocument.Version)
	}
	if open.TextDocument.LanguageID != "go" {
		t.Errorf("language = %q, want go", open.TextDocument.LanguageID)
	}

	for want := 2; want <= 3; want++ {
		if err := c.UpdateDocument(ctx, uri, "package main\n"); err != nil {
			t.Fatalf("UpdateDocument: %v", err)
		}
		m = srv.waitFor("textDocument/didChange")

		var change DidChangeTextDocumentParams
		if err := json.Unmarshal(m.Params, &change); err != nil {
			t.Fatalf("unmarshal didChange: %v", err)
		}
		if change.TextDocument.Version != want {
			t.Errorf("change version = %d, want %d", change.TextDocument.Version, want)
		}
		if len(change.ContentChanges) != 1 || change.ContentChanges[0].Range != nil {
			t.Error("change was not a full-content replacement")
		}
	}

	if got := c.DocumentVersion(uri); got != 3 {
		t.Errorf("tracked version = %d, want 3", got)
	}

	// Close and reopen: versions restart at 1.
	if err := c.CloseDocument(ctx, uri); err != nil {
		t.Fatalf("CloseDocument: %v", err)
	}
	srv.waitFor("textDocument/didClose")

	if err := c.OpenDocument(ctx, uri, "package main"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	m = srv.waitFor("textDocument/didOpen")
	if err := json.Unmarshal(m.Params, &open); err != nil {
		t.Fatalf("unmarshal reopen: %v", err)
	}
	if open.TextDocument.Version != 1 {
		t.Errorf("reopen version = %d, want 1", open.TextDocument.Version)
	}
}

func TestOpenDocumentIdempotent(t *testing.T) {
	c, srv := startFakeClient(t, testConfig(), nil)
	ctx := context.Background()
	uri := DocumentURI("file:///src/a.go")

	if err := c.OpenDocument(ctx, uri, "one"); err != nil {
		t.Fatalf("first open: %v", err)
	}
	srv.waitFor("textDocument/didOpen")

	if err := c.OpenDocument(ctx, uri, "two"); err != nil {
		t.Fatalf("second open: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	opens := 0
	for _, m := range srv.notifications() {
		if m.Method == "textDocument/didOpen" {
			opens++
		}
	}
	if opens != 1 {
		t.Errorf("didOpen sent %d times, want 1", opens)
	}
	if got := c.DocumentVersion(uri); got != 1 {
		t.Errorf("version = %d, want 1", got)
	}
}

func TestUpdateUnopenedDocumentOpensIt(t *testing.T) {
	c, srv := startFakeClient(t, testConfig(), nil)
	uri := DocumentURI("file:///src/b.go")

	if err := c.UpdateDocument(context.Background(), uri, "content"); err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}

	m := srv.waitFor("textDocument/didOpen")
	var open DidOpenTextDocumentParams
	if err := json.Unmarshal(m.Params, &open); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if open.TextDocument.Version != 1 {
		t.Errorf("version = %d, want 1", open.TextDocument.Version)
	}
}

func TestCloseUnopenedDocumentIsNoOp(t *testing.T) {
	c, srv := startFakeClient(t, testConfig(), nil)

	if err := c.CloseDocument(context.Background(), "file:///src/ghost.go"); err != nil {
		t.Fatalf("CloseDocument: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	for _, m := range srv.notifications() {
		if m.Method == "textDocument/didClose" {
			t.Error("didClose sent for a document that was never open")
		}
	}
}

func waitForDiagnostics(t *testing.T, c *Client, uri DocumentURI, want int) []Diagnostic {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		diags := c.Diagnostics(uri)
		if len(diags) == want {
			return diags
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("diagnostics for %s never reached %d entries", uri, want)
	return nil
}

func TestDiagnosticsReplacedWholesale(t *testing.T) {
	c, srv := startFakeClient(t, testConfig(), nil)
	uri := DocumentURI("file:///src/main.go")

	var callbackMu sync.Mutex
	var callbackCount int
	c.OnDiagnostics(func(DocumentURI, []Diagnostic) {
		callbackMu.Lock()
		callbackCount++
		callbackMu.Unlock()
	})

	srv.publishDiagnostics(uri, []Diagnostic{
		{Message: "unused variable", Severity: DiagnosticSeverityWarning},
		{Message: "missing return", Severity: DiagnosticSeverityError},
	})
	waitForDiagnostics(t, c, uri, 2)

	// A new publish replaces the previous set, never merges with it.
	srv.publishDiagnostics(uri, []Diagnostic{
		{Message: "missing return", Severity: DiagnosticSeverityError},
	})
	diags := waitForDiagnostics(t, c, uri, 1)
	if diags[0].Message != "missing return" {
		t.Errorf("remaining diagnostic = %q", diags[0].Message)
	}

	// Empty publish clears the entry entirely.
	srv.publishDiagnostics(uri, nil)
	waitForDiagnostics(t, c, uri, 0)

	if all := c.AllDiagnostics(); len(all) != 0 {
		t.Errorf("AllDiagnostics has %d entries after clear", len(all))
	}

	callbackMu.Lock()
	defer callbackMu.Unlock()
	if callbackCount != 3 {
		t.Errorf("callback invoked %d times, want 3", callbackCount)
	}
}

func TestCloseDocumentDropsDiagnostics(t *testing.T) {
	c, srv := startFakeClient(t, testConfig(), nil)
	ctx := context.Background()
	uri := DocumentURI("file:///src/main.go")

	if err := c.OpenDocument(ctx, uri, "package main"); err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}
	srv.publishDiagnostics(uri, []Diagnostic{{Message: "oops"}})
	waitForDiagnostics(t, c, uri, 1)

	if err := c.CloseDocument(ctx, uri); err != nil {
		t.Fatalf("CloseDocument: %v", err)
	}
	if diags := c.Diagnostics(uri); diags != nil {
		t.Errorf("diagnostics survive close: %v", diags)
	}
}

func TestCompletionsResultShapes(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   int
	}{
		{name: "bare array", result: `[{"label":"Println"},{"label":"Printf"}]`, want: 2},
		{name: "completion list", result: `{"isIncomplete":false,"items":[{"label":"Println"}]}`, want: 1},
		{name: "null result", result: `null`, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := startFakeClient(t, testConfig(), func(s *fakeServer) {
				s.responses["textDocument/completion"] = tt.result
			})

			items := c.Completions(context.Background(), "file:///src/main.go", Position{Line: 1})
			if len(items) != tt.want {
				t.Errorf("items = %d, want %d", len(items), tt.want)
			}
		})
	}
}

func TestQueryErrorDegradesToEmpty(t *testing.T) {
	c, _ := startFakeClient(t, testConfig(), func(s *fakeServer) {
		s.rpcErrors["textDocument/completion"] = &RPCError{Code: CodeInternalError, Message: "boom"}
		s.rpcErrors["textDocument/definition"] = &RPCError{Code: CodeInternalError, Message: "boom"}
	})
	ctx := context.Background()

	if items := c.Completions(ctx, "file:///src/main.go", Position{}); items != nil {
		t.Errorf("Completions = %v, want nil", items)
	}
	if locs := c.Definition(ctx, "file:///src/main.go", Position{}); locs != nil {
		t.Errorf("Definition = %v, want nil", locs)
	}
}

func TestQueriesGatedOnCapabilities(t *testing.T) {
	c, srv := startFakeClient(t, testConfig(), func(s *fakeServer) {
		s.capabilities = `{"textDocumentSync": 1}`
	})
	ctx := context.Background()

	if items := c.Completions(ctx, "file:///src/main.go", Position{}); items != nil {
		t.Errorf("Completions = %v, want nil", items)
	}
	if h := c.Hover(ctx, "file:///src/main.go", Position{}); h != nil {
		t.Errorf("Hover = %v, want nil", h)
	}
	if locs := c.References(ctx, "file:///src/main.go", Position{}, true); locs != nil {
		t.Errorf("References = %v, want nil", locs)
	}

	// The gate short-circuits before any request reaches the wire; only
	// handshake traffic should have been seen.
	for _, m := range srv.notifications() {
		if m.Method == "textDocument/completion" {
			t.Error("completion request sent despite missing capability")
		}
	}
}

func TestHoverQuery(t *testing.T) {
	c, _ := startFakeClient(t, testConfig(), func(s *fakeServer) {
		s.responses["textDocument/hover"] = `{"contents":{"kind":"markdown","value":"func Println()"}}`
	})

	h := c.Hover(context.Background(), "file:///src/main.go", Position{Line: 3, Character: 4})
	if h == nil {
		t.Fatal("Hover = nil")
	}
	if h.Contents.Value != "func Println()" {
		t.Errorf("contents = %q", h.Contents.Value)
	}
	if h.Contents.Kind != MarkupKindMarkdown {
		t.Errorf("kind = %q, want markdown", h.Contents.Kind)
	}
}

func TestDefinitionResultShapes(t *testing.T) {
	loc := `{"uri":"file:///src/def.go","range":{"start":{"line":9,"character":0},"end":{"line":9,"character":5}}}`
	link := `{"targetUri":"file:///src/def.go","targetRange":{"start":{"line":9,"character":0},"end":{"line":12,"character":1}},"targetSelectionRange":{"start":{"line":9,"character":0},"end":{"line":9,"character":5}}}`

	tests := []struct {
		name   string
		result string
		want   int
	}{
		{name: "single location", result: loc, want: 1},
		{name: "location array", result: `[` + loc + `,` + loc + `]`, want: 2},
		{name: "location links", result: `[` + link + `]`, want: 1},
		{name: "null", result: `null`, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := startFakeClient(t, testConfig(), func(s *fakeServer) {
				s.responses["textDocument/definition"] = tt.result
			})

			locs := c.Definition(context.Background(), "file:///src/main.go", Position{})
			if len(locs) != tt.want {
				t.Fatalf("locations = %d, want %d", len(locs), tt.want)
			}
			for _, l := range locs {
				if l.URI != "file:///src/def.go" {
					t.Errorf("uri = %q", l.URI)
				}
				if l.Range.Start.Line != 9 {
					t.Errorf("line = %d, want 9", l.Range.Start.Line)
				}
			}
		})
	}
}

func TestDocumentSymbolsQuery(t *testing.T) {
	c, _ := startFakeClient(t, testConfig(), func(s *fakeServer) {
		s.responses["textDocument/documentSymbol"] = `[{
			"name": "Server",
			"kind": 23,
			"range": {"start":{"line":0,"character":0},"end":{"line":20,"character":1}},
			"selectionRange": {"start":{"line":0,"character":5},"end":{"line":0,"character":11}},
			"children": [{
				"name": "Start",
				"kind": 6,
				"range": {"start":{"line":5,"character":0},"end":{"line":8,"character":1}},
				"selectionRange": {"start":{"line":5,"character":5},"end":{"line":5,"character":10}}
			}]
		}]`
	})

	syms := c.DocumentSymbols(context.Background(), "file:///src/main.go")
	if len(syms) != 1 {
		t.Fatalf("symbols = %d, want 1", len(syms))
	}
	if syms[0].Name != "Server" || syms[0].Kind != SymbolKindStruct {
		t.Errorf("symbol = %s (%s)", syms[0].Name, syms[0].Kind)
	}
	if len(syms[0].Children) != 1 || syms[0].Children[0].Kind != SymbolKindMethod {
		t.Errorf("children = %+v", syms[0].Children)
	}
}

func TestStopClearsState(t *testing.T) {
	c, srv := startFakeClient(t, testConfig(), nil)
	ctx := context.Background()
	uri := DocumentURI("file:///src/main.go")

	if err := c.OpenDocument(ctx, uri, "package main"); err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}
	srv.publishDiagnostics(uri, []Diagnostic{{Message: "oops"}})
	waitForDiagnostics(t, c, uri, 1)

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := c.Status(); got != ClientStatusStopped {
		t.Errorf("status = %v, want stopped", got)
	}
	if n := c.OpenDocumentCount(); n != 0 {
		t.Errorf("open documents = %d after stop", n)
	}
	if diags := c.Diagnostics(uri); diags != nil {
		t.Errorf("diagnostics survive stop: %v", diags)
	}

	// Double stop is safe.
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestOperationsAfterStop(t *testing.T) {
	c, _ := startFakeClient(t, testConfig(), nil)
	ctx := context.Background()

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := c.OpenDocument(ctx, "file:///src/main.go", ""); err == nil {
		t.Error("OpenDocument after stop succeeded")
	}
	if items := c.Completions(ctx, "file:///src/main.go", Position{}); items != nil {
		t.Errorf("Completions after stop = %v", items)
	}
}
