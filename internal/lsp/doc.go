// Package lsp provides a Language Server Protocol (LSP) client pool for Victor.
//
// The package speaks JSON-RPC 2.0 over stdio to external language servers
// (gopls, rust-analyzer, pyright, etc.) and hides the framing, request
// correlation, and process lifecycle behind a small query-oriented API.
//
// # Architecture
//
// The package is organized around three layers:
//
//   - Transport: JSON-RPC 2.0 framing and request/response correlation
//   - Client: One language server process, handshake, documents, diagnostics
//   - Pool: Routes file paths to per-language clients with lazy start
//
// # Quick Start
//
// Create a pool and query it by file path:
//
//	pool := lsp.NewPool(lsp.WithWorkspaceRoot("/path/to/project"))
//	defer pool.StopAll(ctx)
//
//	pool.OpenDocument(ctx, "/path/to/project/main.go", content)
//
//	items := pool.Completions(ctx, "/path/to/project/main.go", 10, 5)
//	hover := pool.Hover(ctx, "/path/to/project/main.go", 10, 5)
//
// The first operation touching a .go file starts gopls; later operations
// reuse the running server. Files whose language has no configured server,
// or whose server binary is not installed, yield empty results rather than
// errors, with an install hint logged once per language.
//
// # Server Configuration
//
// A built-in table covers common servers. Entries can be overridden from a
// TOML file:
//
//	[servers.go]
//	command = "gopls"
//	args = ["serve"]
//	extensions = [".go"]
//
//	configs, err := lsp.LoadServerConfigs("/path/to/servers.toml")
//	pool := lsp.NewPool(lsp.WithServers(configs))
//
// # Diagnostics
//
// Servers push diagnostics asynchronously; the pool caches the latest set
// per document. Diagnostics reads never block on the server:
//
//	diags := pool.Diagnostics("/path/to/project/main.go")
//
// # Thread Safety
//
// Pool and Client are safe for concurrent use. Concurrent operations that
// would start the same language's server share a single start.
package lsp
