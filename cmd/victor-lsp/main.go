// Package main is the command-line front end for the Victor language
// server pool: it starts the right server for a file and runs one query
// against it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vjsingh1984/victor-coding-sub001/internal/lsp"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		workspace   string
		configPath  string
		logLevel    string
		wait        time.Duration
		showVersion bool
	)

	flag.StringVar(&workspace, "workspace", "", "Workspace/project directory")
	flag.StringVar(&workspace, "w", "", "Workspace/project directory (shorthand)")
	flag.StringVar(&configPath, "config", "", "Path to server configuration file (TOML)")
	flag.StringVar(&configPath, "c", "", "Path to server configuration file (shorthand)")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	flag.DurationVar(&wait, "wait", 2*time.Second, "How long to wait for diagnostics")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "victor-lsp - query language servers from the command line\n\n")
		fmt.Fprintf(os.Stderr, "Usage: victor-lsp [options] <command> [file [line col]]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  servers                      List configured servers and availability\n")
		fmt.Fprintf(os.Stderr, "  hover <file> <line> <col>    Hover information at a position\n")
		fmt.Fprintf(os.Stderr, "  complete <file> <line> <col> Completion items at a position\n")
		fmt.Fprintf(os.Stderr, "  definition <file> <line> <col> Definition locations\n")
		fmt.Fprintf(os.Stderr, "  references <file> <line> <col> Reference locations\n")
		fmt.Fprintf(os.Stderr, "  symbols <file>               Symbols declared in a file\n")
		fmt.Fprintf(os.Stderr, "  diagnostics <file>           Diagnostics published for a file\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("victor-lsp %s (%s)\n", version, commit)
		return 0
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return 2
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	configs, err := loadConfigs(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	opts := []lsp.PoolOption{
		lsp.WithLogger(logger),
		lsp.WithServers(configs),
	}
	if workspace != "" {
		opts = append(opts, lsp.WithWorkspaceRoot(workspace))
	}
	pool := lsp.NewPool(opts...)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := pool.StopAll(stopCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	if err := dispatch(ctx, pool, args, wait); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func loadConfigs(path string) (map[string]lsp.ServerConfig, error) {
	if path == "" {
		return lsp.DefaultServerConfigs(), nil
	}
	return lsp.LoadServerConfigs(path)
}

func dispatch(ctx context.Context, pool *lsp.Pool, args []string, wait time.Duration) error {
	command := args[0]

	switch command {
	case "servers":
		return printServers(pool)
	case "hover", "complete", "definition", "references":
		path, line, col, err := positionArgs(args)
		if err != nil {
			return err
		}
		return runPositionQuery(ctx, pool, command, path, line, col)
	case "symbols":
		path, err := fileArg(args)
		if err != nil {
			return err
		}
		return printSymbols(ctx, pool, path)
	case "diagnostics":
		path, err := fileArg(args)
		if err != nil {
			return err
		}
		return printDiagnostics(ctx, pool, path, wait)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func fileArg(args []string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("%s requires a file argument", args[0])
	}
	return filepath.Clean(args[1]), nil
}

func positionArgs(args []string) (path string, line, col int, err error) {
	if len(args) < 4 {
		return "", 0, 0, fmt.Errorf("%s requires <file> <line> <col>", args[0])
	}
	path = filepath.Clean(args[1])
	line, err = strconv.Atoi(args[2])
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid line %q", args[2])
	}
	col, err = strconv.Atoi(args[3])
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid column %q", args[3])
	}
	return path, line, col, nil
}

func printServers(pool *lsp.Pool) error {
	fmt.Printf("%-12s %-28s %-10s %s\n", "LANGUAGE", "COMMAND", "INSTALLED", "HINT")
	for _, s := range pool.AvailableServers() {
		hint := ""
		if !s.Installed {
			hint = s.InstallHint
		}
		fmt.Printf("%-12s %-28s %-10v %s\n", s.LanguageID, s.Command, s.Installed, hint)
	}
	return nil
}

func runPositionQuery(ctx context.Context, pool *lsp.Pool, command, path string, line, col int) error {
	switch command {
	case "hover":
		hover := pool.Hover(ctx, path, line, col)
		if hover == nil {
			fmt.Println("no hover information")
			return nil
		}
		fmt.Println(hover.Contents.Value)
	case "complete":
		for _, item := range pool.Completions(ctx, path, line, col) {
			if item.Detail != "" {
				fmt.Printf("%s\t%s\n", item.Label, item.Detail)
			} else {
				fmt.Println(item.Label)
			}
		}
	case "definition":
		printLocations(pool.Definition(ctx, path, line, col))
	case "references":
		printLocations(pool.References(ctx, path, line, col, true))
	}
	return nil
}

func printLocations(locs []lsp.Location) {
	for _, loc := range locs {
		fmt.Printf("%s:%d:%d\n",
			lsp.URIToFilePath(loc.URI),
			loc.Range.Start.Line+1,
			loc.Range.Start.Character+1)
	}
}

func printSymbols(ctx context.Context, pool *lsp.Pool, path string) error {
	for _, sym := range pool.DocumentSymbols(ctx, path) {
		printSymbol(sym, 0)
	}
	return nil
}

func printSymbol(sym lsp.DocumentSymbol, depth int) {
	fmt.Printf("%*s%s (%s)\n", depth*2, "", sym.Name, sym.Kind)
	for _, child := range sym.Children {
		printSymbol(child, depth+1)
	}
}

func printDiagnostics(ctx context.Context, pool *lsp.Pool, path string, wait time.Duration) error {
	if err := pool.OpenDocument(ctx, path, ""); err != nil {
		return err
	}

	// Diagnostics arrive asynchronously after the open.
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}

	diags := pool.Diagnostics(path)
	if len(diags) == 0 {
		fmt.Println("no diagnostics")
		return nil
	}
	for _, d := range diags {
		fmt.Printf("%s:%d:%d: %s: %s\n",
			path,
			d.Range.Start.Line+1,
			d.Range.Start.Character+1,
			d.Severity,
			d.Message)
	}
	return nil
}
