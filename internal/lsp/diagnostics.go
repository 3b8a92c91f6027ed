package lsp

import (
	"encoding/json"

	"go.uber.org/zap"
)

// registerNotificationHandlers wires the server-initiated notifications the
// client cares about. Anything else is dropped by the transport.
func (c *Client) registerNotificationHandlers() {
	c.transport.OnNotification("textDocument/publishDiagnostics", c.handlePublishDiagnostics)
	c.transport.OnNotification("window/logMessage", c.handleLogMessage)
	c.transport.OnNotification("window/showMessage", c.handleLogMessage)
}

// handlePublishDiagnostics replaces the cached diagnostics for a document
// wholesale. An empty list clears the document's entry.
func (c *Client) handlePublishDiagnostics(_ string, params json.RawMessage) {
	var p PublishDiagnosticsParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("malformed publishDiagnostics", zap.Error(err))
		return
	}

	c.diagnosticsMu.Lock()
	if len(p.Diagnostics) == 0 {
		delete(c.diagnostics, p.URI)
	} else {
		c.diagnostics[p.URI] = p.Diagnostics
	}
	handler := c.diagHandler
	c.diagnosticsMu.Unlock()

	c.logger.Debug("diagnostics updated",
		zap.String("uri", string(p.URI)),
		zap.Int("count", len(p.Diagnostics)))

	if handler != nil {
		handler(p.URI, p.Diagnostics)
	}
}

// handleLogMessage forwards server log output to the client's logger at a
// level mapped from the LSP message type.
func (c *Client) handleLogMessage(_ string, params json.RawMessage) {
	var p LogMessageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}

	switch p.Type {
	case MessageTypeError:
		c.logger.Error("server message", zap.String("message", p.Message))
	case MessageTypeWarning:
		c.logger.Warn("server message", zap.String("message", p.Message))
	default:
		c.logger.Debug("server message", zap.String("message", p.Message))
	}
}

// Diagnostics returns the cached diagnostics for a document. The slice is a
// copy; the caller may hold it across later publishes.
func (c *Client) Diagnostics(uri DocumentURI) []Diagnostic {
	c.diagnosticsMu.RLock()
	defer c.diagnosticsMu.RUnlock()

	diags, ok := c.diagnostics[uri]
	if !ok {
		return nil
	}
	out := make([]Diagnostic, len(diags))
	copy(out, diags)
	return out
}

// AllDiagnostics returns cached diagnostics for every document that has any.
func (c *Client) AllDiagnostics() map[DocumentURI][]Diagnostic {
	c.diagnosticsMu.RLock()
	defer c.diagnosticsMu.RUnlock()

	out := make(map[DocumentURI][]Diagnostic, len(c.diagnostics))
	for uri, diags := range c.diagnostics {
		cp := make([]Diagnostic, len(diags))
		copy(cp, diags)
		out[uri] = cp
	}
	return out
}

// OnDiagnostics registers a callback invoked whenever the server publishes
// diagnostics for a document, including empty publishes that clear them.
func (c *Client) OnDiagnostics(handler func(uri DocumentURI, diagnostics []Diagnostic)) {
	c.diagnosticsMu.Lock()
	defer c.diagnosticsMu.Unlock()
	c.diagHandler = handler
}
