package cli

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/mastiff/internal/remote"
)

var (
	remoteIsSig  bool
	remoteServer string
	remoteOutput string
	remoteKSize  uint32
	remoteScaled uint64
	remoteGather bool
)

var queryCmd = &cobra.Command{
	Use:   "query SEQUENCES",
	Short: "Search a mastiff server with sequences or a signature",
	Long: `Sketch SEQUENCES ("-" for stdin) and search the index served by a
mastiff server. With --sig, SEQUENCES is a signature file whose matching
sketch is sent without abundances.

The result CSV gains a "query" column naming the input.

Examples:
  mastiff query reads.fa
  mastiff query reads.sig --sig --server http://localhost:3059 -o matches.csv`,
	Args: cobra.ExactArgs(1),
	Run:  runQuery,
}

func init() {
	f := queryCmd.Flags()
	f.BoolVar(&remoteIsSig, "sig", false, "Input is a signature file")
	f.StringVar(&remoteServer, "server", "", "Server URL (default: client.server from config, env: MASTIFF_SERVER)")
	f.StringVarP(&remoteOutput, "output", "o", "", "Output file (default: stdout)")
	f.Uint32VarP(&remoteKSize, "ksize", "k", 21, "k-mer size of the query sketch")
	f.Uint64VarP(&remoteScaled, "scaled", "s", 1000, "Scaled value of the query sketch")
	f.BoolVar(&remoteGather, "gather", false, "Run gather instead of search")
}

// newRemoteClient builds a retrying client for server
func (c *cmdContext) newRemoteClient(server string) remote.RemoteClient {
	if server == "" {
		server = c.Config.Client.Server
	}
	cc := c.Config.Client
	httpClient := remote.NewHTTPClient(server, cc.Timeout.Duration)
	if cc.Retries <= 0 {
		return httpClient
	}
	return remote.NewRetryClient(httpClient, &remote.RetryConfig{
		MaxRetries:     cc.Retries,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	})
}

// runRemoteQuery prepares the query at path and writes the server's table
func runRemoteQuery(ctx context.Context, client remote.RemoteClient, w io.Writer, path string, p remote.QueryParams, gather bool) error {
	sig, queryName, err := remote.PrepareQuery(path, p)
	if err != nil {
		return err
	}

	var table *remote.Table
	if gather {
		table, err = client.Gather(ctx, sig, queryName)
	} else {
		table, err = client.Search(ctx, sig, queryName)
	}
	if err != nil {
		return err
	}
	return table.Write(w)
}

func runQuery(cmd *cobra.Command, args []string) {
	c := initContext()
	ctx, stop := signalContext()
	defer stop()

	p := remote.QueryParams{
		KSize:  flagOrConfig(cmd, "ksize", remoteKSize, c.Config.Client.KSize),
		Scaled: flagOrConfig(cmd, "scaled", remoteScaled, c.Config.Client.Scaled),
		IsSig:  remoteIsSig,
	}
	client := c.newRemoteClient(remoteServer)

	err := writeOutput(remoteOutput, func(w io.Writer) error {
		return runRemoteQuery(ctx, client, w, args[0], p, remoteGather)
	})
	if err != nil {
		exitError("query failed: %v", err)
	}
}
