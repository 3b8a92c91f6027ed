package lsp

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ServerConfig defines how to start and talk to one language server.
// Configs are registered once and never mutated afterwards.
type ServerConfig struct {
	// Name is the human-readable server name (e.g. "gopls").
	Name string `toml:"name"`

	// LanguageID is the LSP language identifier this server handles.
	LanguageID string `toml:"language_id"`

	// Extensions are file extensions routed to this server, with dot
	// (e.g. ".go").
	Extensions []string `toml:"extensions"`

	// Filenames are exact basenames routed to this server, for
	// extension-less conventions (e.g. "Dockerfile").
	Filenames []string `toml:"filenames"`

	// Command is the executable to run.
	Command string `toml:"command"`

	// Args are command-line arguments.
	Args []string `toml:"args"`

	// Env are additional environment variables.
	Env map[string]string `toml:"env"`

	// InitializationOptions are sent during initialize.
	InitializationOptions map[string]any `toml:"initialization_options"`

	// Settings are sent via workspace/didChangeConfiguration after the
	// handshake when present.
	Settings map[string]any `toml:"settings"`

	// RootPatterns are project markers used to detect the workspace root
	// (e.g. "go.mod").
	RootPatterns []string `toml:"root_patterns"`

	// InstallHint is the command a user can run to install the server.
	InstallHint string `toml:"install_hint"`

	// TimeoutSeconds bounds individual requests. Zero means the default.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// DefaultRequestTimeout bounds requests when a config does not set one.
const DefaultRequestTimeout = 30 * time.Second

// RequestTimeout returns the per-request deadline for this server.
func (c ServerConfig) RequestTimeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return DefaultRequestTimeout
}

// Installed reports whether the server executable is on PATH.
func (c ServerConfig) Installed() bool {
	_, err := exec.LookPath(c.Command)
	return err == nil
}

// DefaultServerConfigs returns the built-in server table.
func DefaultServerConfigs() map[string]ServerConfig {
	return map[string]ServerConfig{
		"go": {
			Name:         "gopls",
			LanguageID:   "go",
			Extensions:   []string{".go"},
			Command:      "gopls",
			Args:         []string{"serve"},
			RootPatterns: []string{"go.mod", "go.work", ".git"},
			InstallHint:  "go install golang.org/x/tools/gopls@latest",
		},
		"rust": {
			Name:         "rust-analyzer",
			LanguageID:   "rust",
			Extensions:   []string{".rs"},
			Command:      "rust-analyzer",
			RootPatterns: []string{"Cargo.toml", ".git"},
			InstallHint:  "rustup component add rust-analyzer",
		},
		"python": {
			Name:         "pyright",
			LanguageID:   "python",
			Extensions:   []string{".py", ".pyi"},
			Command:      "pyright-langserver",
			Args:         []string{"--stdio"},
			RootPatterns: []string{"pyproject.toml", "setup.py", "requirements.txt", ".git"},
			InstallHint:  "npm install -g pyright",
		},
		"typescript": {
			Name:         "typescript-language-server",
			LanguageID:   "typescript",
			Extensions:   []string{".ts", ".tsx"},
			Command:      "typescript-language-server",
			Args:         []string{"--stdio"},
			RootPatterns: []string{"tsconfig.json", "package.json", ".git"},
			InstallHint:  "npm install -g typescript-language-server typescript",
		},
		"javascript": {
			Name:         "typescript-language-server",
			LanguageID:   "javascript",
			Extensions:   []string{".js", ".jsx", ".mjs"},
			Command:      "typescript-language-server",
			Args:         []string{"--stdio"},
			RootPatterns: []string{"package.json", ".git"},
			InstallHint:  "npm install -g typescript-language-server typescript",
		},
		"c": {
			Name:         "clangd",
			LanguageID:   "c",
			Extensions:   []string{".c", ".h"},
			Command:      "clangd",
			RootPatterns: []string{"compile_commands.json", "Makefile", ".git"},
			InstallHint:  "apt install clangd (or: brew install llvm)",
		},
		"cpp": {
			Name:         "clangd",
			LanguageID:   "cpp",
			Extensions:   []string{".cpp", ".cc", ".cxx", ".hpp", ".hxx"},
			Command:      "clangd",
			RootPatterns: []string{"compile_commands.json", "CMakeLists.txt", ".git"},
			InstallHint:  "apt install clangd (or: brew install llvm)",
		},
	}
}

// serverFileConfig is the on-disk TOML shape: a [servers.<lang>] table per
// language.
type serverFileConfig struct {
	Servers map[string]ServerConfig `toml:"servers"`
}

// LoadServerConfigs reads a TOML server table from path and merges it over
// the built-in defaults. Entries in the file replace same-language defaults
// wholesale. A missing file yields the defaults unchanged.
func LoadServerConfigs(path string) (map[string]ServerConfig, error) {
	configs := DefaultServerConfigs()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return configs, nil
		}
		return nil, fmt.Errorf("read server config %s: %w", path, err)
	}

	var file serverFileConfig
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse server config %s: %w", path, err)
	}

	for lang, cfg := range file.Servers {
		if cfg.LanguageID == "" {
			cfg.LanguageID = lang
		}
		if cfg.Command == "" {
			return nil, fmt.Errorf("server config %s: language %q has no command", path, lang)
		}
		configs[lang] = cfg
	}

	return configs, nil
}

// ConfigForPath returns the server config whose extensions or exact
// filenames match the given path.
func ConfigForPath(configs map[string]ServerConfig, path string) (ServerConfig, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	base := filepath.Base(path)

	for _, cfg := range configs {
		for _, e := range cfg.Extensions {
			if ext != "" && strings.EqualFold(e, ext) {
				return cfg, true
			}
		}
		for _, name := range cfg.Filenames {
			if name == base {
				return cfg, true
			}
		}
	}
	return ServerConfig{}, false
}

// DetectWorkspaceRoot walks upward from dir looking for one of the config's
// root patterns. It falls back to dir when no marker is found.
func DetectWorkspaceRoot(dir string, patterns []string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}

	for current := abs; ; {
		for _, marker := range patterns {
			if _, err := os.Stat(filepath.Join(current, marker)); err == nil {
				return current
			}
		}
		parent := filepath.Dir(current)
		if parent == current {
			return abs
		}
		current = parent
	}
}

// WorkspaceFolderFromPath creates a workspace folder from a directory path.
func WorkspaceFolderFromPath(path string) WorkspaceFolder {
	absPath, _ := filepath.Abs(path)
	return WorkspaceFolder{
		URI:  FilePathToURI(absPath),
		Name: filepath.Base(absPath),
	}
}
