package lsp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultServerConfigs(t *testing.T) {
	configs := DefaultServerConfigs()

	for _, lang := range []string{"go", "rust", "python", "typescript", "javascript", "c", "cpp"} {
		cfg, ok := configs[lang]
		require.True(t, ok, "missing default for %s", lang)
		assert.Equal(t, lang, cfg.LanguageID)
		assert.NotEmpty(t, cfg.Command, "%s has no command", lang)
		assert.NotEmpty(t, cfg.Extensions, "%s has no extensions", lang)
		assert.NotEmpty(t, cfg.InstallHint, "%s has no install hint", lang)
		assert.NotEmpty(t, cfg.RootPatterns, "%s has no root patterns", lang)
	}
}

func TestRequestTimeout(t *testing.T) {
	assert.Equal(t, DefaultRequestTimeout, ServerConfig{}.RequestTimeout())
	assert.Equal(t, 5*time.Second, ServerConfig{TimeoutSeconds: 5}.RequestTimeout())
}

func TestConfigForPath(t *testing.T) {
	configs := map[string]ServerConfig{
		"go":     {LanguageID: "go", Extensions: []string{".go"}, Filenames: []string{"go.mod"}},
		"python": {LanguageID: "python", Extensions: []string{".py", ".pyi"}},
	}

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{path: "/src/main.go", want: "go", ok: true},
		{path: "main.GO", want: "go", ok: true},
		{path: "/src/go.mod", want: "go", ok: true},
		{path: "/src/types.pyi", want: "python", ok: true},
		{path: "/src/README.md", ok: false},
		{path: "/src/Makefile", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			cfg, ok := ConfigForPath(configs, tt.path)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, cfg.LanguageID)
			}
		})
	}
}

func TestLoadServerConfigs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.toml")

	content := `
[servers.go]
name = "gopls"
command = "gopls"
args = ["-remote=auto"]
extensions = [".go"]
timeout_seconds = 10

[servers.zig]
command = "zls"
extensions = [".zig"]
install_hint = "brew install zls"

[servers.go.settings]
staticcheck = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	configs, err := LoadServerConfigs(path)
	require.NoError(t, err)

	// File entries replace same-language defaults wholesale.
	goCfg := configs["go"]
	assert.Equal(t, []string{"-remote=auto"}, goCfg.Args)
	assert.Equal(t, 10, goCfg.TimeoutSeconds)
	assert.Equal(t, "go", goCfg.LanguageID)
	assert.Equal(t, true, goCfg.Settings["staticcheck"])

	// New languages are added; the table key becomes the language id.
	zig := configs["zig"]
	assert.Equal(t, "zig", zig.LanguageID)
	assert.Equal(t, "zls", zig.Command)

	// Untouched defaults survive the merge.
	assert.Equal(t, "rust-analyzer", configs["rust"].Command)
}

func TestLoadServerConfigsMissingFile(t *testing.T) {
	configs, err := LoadServerConfigs(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultServerConfigs(), configs)
}

func TestLoadServerConfigsRejectsMissingCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.toml")
	require.NoError(t, os.WriteFile(path, []byte("[servers.go]\nname = \"broken\"\n"), 0o644))

	_, err := LoadServerConfigs(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no command")
}

func TestLoadServerConfigsRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.toml")
	require.NoError(t, os.WriteFile(path, []byte("[servers.go\ncommand ="), 0o644))

	_, err := LoadServerConfigs(path)
	require.Error(t, err)
}

func TestDetectWorkspaceRoot(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "internal", "pkg")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644))

	got := DetectWorkspaceRoot(nested, []string{"go.mod"})
	assert.Equal(t, root, got)

	// No marker anywhere under an isolated tree: fall back to the
	// starting directory.
	lone := t.TempDir()
	got = DetectWorkspaceRoot(lone, []string{"definitely-absent.marker"})
	assert.Equal(t, lone, got)
}

func TestWorkspaceFolderFromPath(t *testing.T) {
	dir := t.TempDir()
	folder := WorkspaceFolderFromPath(dir)
	assert.Equal(t, filepath.Base(dir), folder.Name)
	assert.Equal(t, FilePathToURI(dir), folder.URI)
}

func TestInstalled(t *testing.T) {
	assert.True(t, ServerConfig{Command: "sh"}.Installed())
	assert.False(t, ServerConfig{Command: "no-such-binary-xyz"}.Installed())
}
