package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/mastiff/internal/revindex"
	"github.com/kilupskalvis/mastiff/internal/server"
)

var (
	serverListen      string
	serverAssets      string
	serverKSize       uint32
	serverScaled      uint64
	serverThresholdBP uint64
	serverLogFormat   string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the mastiff query server",
	Long:  "Commands for running the mastiff query server.",
}

var serverStartCmd = &cobra.Command{
	Use:   "start INDEX",
	Short: "Serve search and gather over an index",
	Long: `Open INDEX read-only and serve it over HTTP.

Routes:
  POST /search   signature JSON (optionally gzipped) -> CSV of matches
  POST /gather   signature JSON (optionally gzipped) -> CSV of gather rows
  GET  /healthz, /readyz, /metrics
Every other path is served from the assets directory.

Examples:
  mastiff server start sra.idx
  mastiff server start sra.idx --listen 0.0.0.0:3059 --assets ./assets -t 10000`,
	Args: cobra.ExactArgs(1),
	Run:  runServerStart,
}

func init() {
	serverCmd.AddCommand(serverStartCmd)

	f := serverStartCmd.Flags()
	f.StringVar(&serverListen, "listen", "127.0.0.1:3059", "Listen address (host:port, env: MASTIFF_LISTEN)")
	f.StringVar(&serverAssets, "assets", "assets/", "Directory served for unmatched paths (env: MASTIFF_ASSETS)")
	f.Uint32VarP(&serverKSize, "ksize", "k", 21, "k-mer size queries are reduced to")
	f.Uint64VarP(&serverScaled, "scaled", "s", 1000, "Scaled value queries are reduced to")
	f.Uint64VarP(&serverThresholdBP, "threshold-bp", "t", 50000, "Minimum overlap in base pairs")
	f.StringVar(&serverLogFormat, "log-format", "", "Log format (json|text, default: server.log_format)")
}

func runServerStart(cmd *cobra.Command, args []string) {
	c := initContext()
	sc := c.Config.Server
	sc.Listen = flagOrConfig(cmd, "listen", serverListen, sc.Listen)
	sc.Assets = flagOrConfig(cmd, "assets", serverAssets, sc.Assets)
	sc.KSize = flagOrConfig(cmd, "ksize", serverKSize, sc.KSize)
	sc.Scaled = flagOrConfig(cmd, "scaled", serverScaled, sc.Scaled)
	sc.ThresholdBP = flagOrConfig(cmd, "threshold-bp", serverThresholdBP, sc.ThresholdBP)
	if cmd.Flags().Changed("log-format") {
		sc.LogFormat = serverLogFormat
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		sc.LogLevel = logLevel
	}

	logger, err := server.NewLogger(os.Stdout, sc.LogLevel, sc.LogFormat)
	if err != nil {
		exitError("%v", err)
	}

	if _, err := os.Stat(sc.Assets); err != nil {
		logger.Warn("assets directory not available, serving API only", "path", sc.Assets, "error", err)
		sc.Assets = ""
	}

	idx, err := revindex.Open(args[0], &revindex.Options{ReadOnly: true, Logger: logger})
	if err != nil {
		logger.Error("failed to open index", "path", args[0], "error", err)
		os.Exit(1)
	}
	defer idx.Close()

	if tmpl := idx.Template(); tmpl.KSize != sc.KSize {
		logger.Warn("query ksize differs from the index, every query will be rejected", "ksize", sc.KSize, "index_ksize", tmpl.KSize)
	}

	ctx, stop := signalContext()
	defer stop()
	if err := server.Serve(ctx, sc.Listen, idx, server.ConfigFrom(sc), logger); err != nil {
		logger.Error("server error", "error", err)
		idx.Close()
		os.Exit(1)
	}
}
