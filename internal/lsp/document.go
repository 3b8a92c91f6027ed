package lsp

import (
	"context"
)

// OpenDocument tells the server a document is open. Opening an already-open
// document is a no-op; new documents start at version 1.
func (c *Client) OpenDocument(ctx context.Context, uri DocumentURI, text string) error {
	if c.Status() != ClientStatusReady {
		return &ServerError{LanguageID: c.languageID, Err: ErrServerNotReady}
	}

	c.documentsMu.Lock()
	if _, ok := c.documents[uri]; ok {
		c.documentsMu.Unlock()
		return nil
	}
	doc := &Document{
		URI:        uri,
		LanguageID: c.languageID,
		Version:    1,
		Text:       text,
	}
	c.documents[uri] = doc
	c.documentsMu.Unlock()

	params := DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        uri,
			LanguageID: c.languageID,
			Version:    doc.Version,
			Text:       text,
		},
	}

	if err := c.transport.Notify(ctx, "textDocument/didOpen", params); err != nil {
		c.documentsMu.Lock()
		delete(c.documents, uri)
		c.documentsMu.Unlock()
		return &ServerError{LanguageID: c.languageID, Err: err}
	}
	return nil
}

// UpdateDocument replaces a document's content wholesale, bumping its
// version. Updating a document that is not open opens it instead.
func (c *Client) UpdateDocument(ctx context.Context, uri DocumentURI, text string) error {
	if c.Status() != ClientStatusReady {
		return &ServerError{LanguageID: c.languageID, Err: ErrServerNotReady}
	}

	c.documentsMu.Lock()
	doc, ok := c.documents[uri]
	if !ok {
		c.documentsMu.Unlock()
		return c.OpenDocument(ctx, uri, text)
	}
	doc.Version++
	doc.Text = text
	version := doc.Version
	c.documentsMu.Unlock()

	params := DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
			Version:                version,
		},
		ContentChanges: []TextDocumentContentChangeEvent{
			{Text: text}, // nil Range means full replacement
		},
	}

	if err := c.transport.Notify(ctx, "textDocument/didChange", params); err != nil {
		return &ServerError{LanguageID: c.languageID, Err: err}
	}
	return nil
}

// CloseDocument tells the server a document is closed and drops its cached
// diagnostics. Closing a document that is not open is a no-op.
func (c *Client) CloseDocument(ctx context.Context, uri DocumentURI) error {
	if c.Status() != ClientStatusReady {
		return &ServerError{LanguageID: c.languageID, Err: ErrServerNotReady}
	}

	c.documentsMu.Lock()
	if _, ok := c.documents[uri]; !ok {
		c.documentsMu.Unlock()
		return nil
	}
	delete(c.documents, uri)
	c.documentsMu.Unlock()

	c.diagnosticsMu.Lock()
	delete(c.diagnostics, uri)
	c.diagnosticsMu.Unlock()

	params := DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	}

	if err := c.transport.Notify(ctx, "textDocument/didClose", params); err != nil {
		return &ServerError{LanguageID: c.languageID, Err: err}
	}
	return nil
}

// IsOpen reports whether a document is currently open.
func (c *Client) IsOpen(uri DocumentURI) bool {
	c.documentsMu.RLock()
	defer c.documentsMu.RUnlock()
	_, ok := c.documents[uri]
	return ok
}

// DocumentVersion returns the tracked version of an open document, or 0 if
// the document is not open.
func (c *Client) DocumentVersion(uri DocumentURI) int {
	c.documentsMu.RLock()
	defer c.documentsMu.RUnlock()
	if doc, ok := c.documents[uri]; ok {
		return doc.Version
	}
	return 0
}

// OpenDocumentCount returns the number of open documents.
func (c *Client) OpenDocumentCount() int {
	c.documentsMu.RLock()
	defer c.documentsMu.RUnlock()
	return len(c.documents)
}

// OpenDocuments lists the URIs of all open documents.
func (c *Client) OpenDocuments() []DocumentURI {
	c.documentsMu.RLock()
	defer c.documentsMu.RUnlock()
	uris := make([]DocumentURI, 0, len(c.documents))
	for uri := range c.documents {
		uris = append(uris, uri)
	}
	return uris
}
