// Package cli implements the command-line interface for mastiff.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/mastiff/internal/config"
	"github.com/kilupskalvis/mastiff/internal/revindex"
	"github.com/kilupskalvis/mastiff/internal/storage"
)

var (
	configPath string
	logLevel   string
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	Logger *slog.Logger
}

// initContext loads the configuration and builds the stderr logger
func initContext() *cmdContext {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitError("%v", err)
	}
	level, err := config.ParseLevel(logLevel)
	if err != nil {
		exitError("%v", err)
	}
	return &cmdContext{Config: cfg, Logger: newLogger(os.Stderr, level)}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// indexOptions maps the [index] section onto engine options
func (c *cmdContext) indexOptions(backend string) (*revindex.Options, error) {
	if backend == "" {
		backend = c.Config.Index.Backend
	}
	kind, err := storage.ParseKind(backend)
	if err != nil {
		return nil, err
	}
	return &revindex.Options{
		Backend:   kind,
		UseColors: c.Config.Index.Colors,
		BatchSize: c.Config.Index.BatchSize,
		Logger:    c.Logger,
	}, nil
}

var rootCmd = &cobra.Command{
	Use:   "mastiff",
	Short: "Containment search over FracMinHash sketches",
	Long: `mastiff builds persistent reverse indexes over collections of sourmash
signatures and answers containment search and gather queries against them,
locally or through a mastiff server.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default: mastiff.toml found from the working directory, env: MASTIFF_CONFIG)")
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(gatherCmd)
	rootCmd.AddCommand(sketchCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(serverCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// createOutput opens path for writing; an empty path or "-" is stdout
func createOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// writeOutput runs fn against the output at path and closes it
func writeOutput(path string, fn func(io.Writer) error) error {
	out, err := createOutput(path)
	if err != nil {
		return err
	}
	if err := fn(out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
