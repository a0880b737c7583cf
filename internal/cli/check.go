package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/mastiff/internal/revindex"
	"github.com/kilupskalvis/mastiff/internal/storage"
)

var (
	checkQuick bool
	convertTo  string
)

var checkCmd = &cobra.Command{
	Use:   "check INDEX",
	Short: "Report index size and dataset statistics",
	Long: `Report the number and size of stored hashes, datasets and colors.

Without --quick every hash entry is decoded to summarize how many datasets
share each hash.`,
	Args: cobra.ExactArgs(1),
	Run:  runCheck,
}

var convertCmd = &cobra.Command{
	Use:   "convert INPUT OUTPUT",
	Short: "Copy an index into another storage backend",
	Long: `Copy every key of the index at INPUT into a new index at OUTPUT.

Examples:
  mastiff convert sra.idx sra-leveldb.idx --to leveldb`,
	Args: cobra.ExactArgs(2),
	Run:  runConvert,
}

func init() {
	checkCmd.Flags().BoolVar(&checkQuick, "quick", false, "Only count keys")
	convertCmd.Flags().StringVar(&convertTo, "to", string(storage.KindLevelDB), "Target backend (bolt|leveldb|sqlite)")
}

func runCheck(_ *cobra.Command, args []string) {
	c := initContext()

	idx, err := revindex.Open(args[0], &revindex.Options{ReadOnly: true, Logger: c.Logger})
	if err != nil {
		exitError("failed to open index: %v", err)
	}
	defer idx.Close()

	st, err := idx.Check(checkQuick)
	if err != nil {
		exitError("check failed: %v", err)
	}
	printStats(os.Stdout, idx, st)
}

func printStats(w io.Writer, idx *revindex.RevIndex, st *revindex.Stats) {
	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)

	bold.Fprintf(w, "Index %s\n", idx.Path())
	fmt.Fprintf(w, "  backend:    %s\n", idx.Backend().Kind())
	fmt.Fprintf(w, "  template:   %s\n", idx.Template())
	fmt.Fprintf(w, "  colors:     %t\n", idx.UseColors())
	fmt.Fprintf(w, "  datasets:   %s\n", humanize.Comma(st.Datasets))
	fmt.Fprintf(w, "  hashes:     %s (keys %s, values %s)\n",
		humanize.Comma(st.Hashes), humanize.Bytes(uint64(st.KeyBytes)), humanize.Bytes(uint64(st.ValueBytes)))
	if idx.UseColors() {
		fmt.Fprintf(w, "  color sets: %s\n", humanize.Comma(st.Colors))
	}
	if !st.Full {
		return
	}

	cyan.Fprintln(w, "Datasets per hash")
	fmt.Fprintf(w, "  distinct datasets: %s\n", humanize.Comma(int64(st.DistinctDatasets)))
	fmt.Fprintf(w, "  max:    %d\n", st.MaxOwners)
	fmt.Fprintf(w, "  mean:   %.2f (stddev %.2f)\n", st.MeanOwners, st.StdDevOwners)
	fmt.Fprintf(w, "  p25:    %g\n", st.P25Owners)
	fmt.Fprintf(w, "  median: %g\n", st.MedianOwners)
	fmt.Fprintf(w, "  p75:    %g\n", st.P75Owners)
}

func runConvert(_ *cobra.Command, args []string) {
	c := initContext()
	ctx, stop := signalContext()
	defer stop()

	kind, err := storage.ParseKind(convertTo)
	if err != nil {
		exitError("%v", err)
	}

	src, err := revindex.Open(args[0], &revindex.Options{ReadOnly: true, Logger: c.Logger})
	if err != nil {
		exitError("failed to open index: %v", err)
	}
	defer src.Close()

	if err := revindex.Convert(ctx, src, args[1], kind); err != nil {
		exitError("conversion failed: %v", err)
	}
	color.New(color.FgGreen).Printf("Converted %s to %s (%s)\n", args[0], args[1], kind)
}
