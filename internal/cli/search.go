package cli

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/mastiff/internal/models"
	"github.com/kilupskalvis/mastiff/internal/revindex"
	"github.com/kilupskalvis/mastiff/internal/server"
	"github.com/kilupskalvis/mastiff/internal/signature"
	"github.com/kilupskalvis/mastiff/internal/sketch"
)

var (
	queryKSize       uint32
	queryScaled      uint64
	queryThresholdBP uint64
	queryContainment float64
	queryOutput      string
)

var searchCmd = &cobra.Command{
	Use:   "search QUERY INDEX",
	Short: "Find indexed datasets containing a query signature",
	Long: `Report every dataset in INDEX sharing at least --threshold-bp base
pairs with the query and containing at least --containment of it.

Without -k/-s the index parameters are used to select the query sketch.

Examples:
  mastiff search query.sig sra.idx
  mastiff search query.sig.gz sra.idx -t 10000 -c 0.5 -o matches.csv`,
	Args: cobra.ExactArgs(2),
	Run:  runSearch,
}

var gatherCmd = &cobra.Command{
	Use:   "gather QUERY INDEX",
	Short: "Decompose a query into the indexed datasets that best explain it",
	Long: `Repeatedly pick the dataset covering the most unassigned query hashes
until no dataset covers at least --threshold-bp base pairs.

Examples:
  mastiff gather metagenome.sig sra.idx -o gather.csv`,
	Args: cobra.ExactArgs(2),
	Run:  runGather,
}

func init() {
	for _, cmd := range []*cobra.Command{searchCmd, gatherCmd} {
		f := cmd.Flags()
		f.Uint32VarP(&queryKSize, "ksize", "k", 31, "k-mer size of the query sketch")
		f.Uint64VarP(&queryScaled, "scaled", "s", 1000, "Scaled value of the query sketch")
		f.Uint64VarP(&queryThresholdBP, "threshold-bp", "t", 50000, "Minimum overlap in base pairs")
		f.StringVarP(&queryOutput, "output", "o", "", "Output file (default: stdout)")
	}
	searchCmd.Flags().Float64VarP(&queryContainment, "containment", "c", 0.2, "Minimum containment of the query")
}

// loadQuery opens the index and selects the matching query sketch
func (c *cmdContext) loadQuery(cmd *cobra.Command, queryPath, indexPath string) (*revindex.RevIndex, *signature.Signature, *sketch.Sketch) {
	idx, err := revindex.Open(indexPath, &revindex.Options{ReadOnly: true, Logger: c.Logger})
	if err != nil {
		exitError("failed to open index: %v", err)
	}

	sel := idx.Template().Selection()
	if cmd.Flags().Changed("ksize") {
		sel.KSize = queryKSize
	}
	if cmd.Flags().Changed("scaled") {
		sel.Scaled = queryScaled
	}

	sigs, err := signature.LoadFile(queryPath)
	if err != nil {
		idx.Close()
		exitError("failed to load query: %v", err)
	}
	sig, sk, err := signature.PrepareQuery(sigs, sel)
	if err != nil {
		idx.Close()
		exitError("%s: %v", queryPath, err)
	}
	c.Logger.Debug("selected query sketch", "name", sig.DisplayName(), "hashes", sk.Size())
	return idx, sig, sk
}

func runSearch(cmd *cobra.Command, args []string) {
	c := initContext()
	idx, sig, q := c.loadQuery(cmd, args[0], args[1])
	defer idx.Close()

	results, err := idx.Search(q, revindex.SearchParams{
		ThresholdBP:    flagOrConfig(cmd, "threshold-bp", queryThresholdBP, c.Config.Query.ThresholdBP),
		MinContainment: flagOrConfig(cmd, "containment", queryContainment, c.Config.Query.Containment),
	})
	if err != nil {
		exitError("search failed: %v", err)
	}

	if err := writeOutput(queryOutput, func(w io.Writer) error { return writeSearchCSV(w, results) }); err != nil {
		exitError("%v", err)
	}
	c.Logger.Info("search finished", "query", sig.DisplayName(), "matches", len(results))
}

// writeSearchCSV writes one row per match with the dataset accession
func writeSearchCSV(w io.Writer, results []models.SearchResult) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"SRA ID", "containment"})
	for _, r := range results {
		cw.Write([]string{r.Accession(), strconv.FormatFloat(r.Containment, 'f', -1, 64)})
	}
	cw.Flush()
	return cw.Error()
}

func runGather(cmd *cobra.Command, args []string) {
	c := initContext()
	idx, sig, q := c.loadQuery(cmd, args[0], args[1])
	defer idx.Close()

	results, err := idx.GatherQuery(q, revindex.GatherParams{
		ThresholdBP: flagOrConfig(cmd, "threshold-bp", queryThresholdBP, c.Config.Query.ThresholdBP),
	})
	if err != nil {
		exitError("gather failed: %v", err)
	}

	body, err := server.GatherCSV(results)
	if err != nil {
		exitError("%v", err)
	}
	if err := writeOutput(queryOutput, func(w io.Writer) error {
		_, err := w.Write(body)
		return err
	}); err != nil {
		exitError("%v", err)
	}

	if len(results) > 0 {
		last := results[len(results)-1]
		color.New(color.FgCyan).Fprintf(cmd.ErrOrStderr(), "%d matches explain %.1f%% of %s\n",
			len(results), 100*(1-last.FRemaining), sig.DisplayName())
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "no matches for %s\n", sig.DisplayName())
	}
}
