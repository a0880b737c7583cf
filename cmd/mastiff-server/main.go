// Command mastiff-server serves search and gather over a mastiff index.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kilupskalvis/mastiff/internal/config"
	"github.com/kilupskalvis/mastiff/internal/revindex"
	"github.com/kilupskalvis/mastiff/internal/server"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	sc := &cfg.Server

	indexPath := flag.String("index", cfg.Index.Path, "Index location (env: MASTIFF_INDEX)")
	flag.StringVar(&sc.Listen, "listen", sc.Listen, "Listen address")
	flag.StringVar(&sc.Assets, "assets", sc.Assets, "Static assets directory")
	ksize := flag.Uint("ksize", uint(sc.KSize), "k-mer size queries are reduced to")
	flag.Uint64Var(&sc.Scaled, "scaled", sc.Scaled, "Scaled value queries are reduced to")
	flag.Uint64Var(&sc.ThresholdBP, "threshold-bp", sc.ThresholdBP, "Minimum overlap in base pairs")
	flag.Int64Var(&sc.MaxConcurrent, "max-concurrent", sc.MaxConcurrent, "Queries in flight before shedding load")
	flag.DurationVar(&sc.Timeout.Duration, "timeout", sc.Timeout.Duration, "Per-query timeout")
	flag.StringVar(&sc.LogLevel, "log-level", sc.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&sc.LogFormat, "log-format", sc.LogFormat, "Log format (json, text)")
	flag.Parse()
	sc.KSize = uint32(*ksize)
	if flag.NArg() > 0 {
		*indexPath = flag.Arg(0)
	}

	logger, err := server.NewLogger(os.Stdout, sc.LogLevel, sc.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *indexPath == "" {
		logger.Error("no index given (-index, MASTIFF_INDEX or index.path)")
		os.Exit(1)
	}
	if _, err := os.Stat(sc.Assets); err != nil {
		logger.Warn("assets directory not available, serving API only", "path", sc.Assets)
		sc.Assets = ""
	}

	idx, err := revindex.Open(*indexPath, &revindex.Options{ReadOnly: true, Logger: logger})
	if err != nil {
		logger.Error("failed to open index", "error", err, "path", *indexPath)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = server.Serve(ctx, sc.Listen, idx, server.ConfigFrom(*sc), logger)
	stop()
	idx.Close()
	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
