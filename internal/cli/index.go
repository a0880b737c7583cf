package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/mastiff/internal/collection"
	"github.com/kilupskalvis/mastiff/internal/models"
	"github.com/kilupskalvis/mastiff/internal/revindex"
)

var (
	indexOutput   string
	indexManifest string
	indexKSize    uint32
	indexScaled   uint64
	indexColors   bool
	indexBackend  string
	indexForce    bool
)

var indexCmd = &cobra.Command{
	Use:   "index LOCATION",
	Short: "Build a new index from a collection of signatures",
	Long: `Build a reverse index from every signature in LOCATION matching the
selected ksize and scaled.

LOCATION may be a zip collection, a directory holding a manifest, or a text
file listing one signature path per line.

Examples:
  mastiff index sigs.zip -o sra.idx
  mastiff index pathlist.txt -o sra.idx -k 21 --colors --backend leveldb
  mastiff index sigs/ -m manifest.csv -o sra.idx --force`,
	Args: cobra.ExactArgs(1),
	Run:  runIndex,
}

var updateCmd = &cobra.Command{
	Use:   "update LOCATION",
	Short: "Add new datasets to an existing index",
	Long: `Add every signature in LOCATION not already present to the index.
Datasets are matched by md5 and name, so an interrupted update can be re-run.

Examples:
  mastiff update new-sigs.zip -o sra.idx`,
	Args: cobra.ExactArgs(1),
	Run:  runUpdate,
}

func init() {
	for _, cmd := range []*cobra.Command{indexCmd, updateCmd} {
		f := cmd.Flags()
		f.StringVarP(&indexOutput, "output", "o", "", "Index location")
		f.StringVarP(&indexManifest, "manifest", "m", "", "Manifest overriding the one found in LOCATION")
		f.Uint32VarP(&indexKSize, "ksize", "k", 31, "k-mer size")
		f.Uint64VarP(&indexScaled, "scaled", "s", 1000, "Scaled value")
		cmd.MarkFlagRequired("output")
	}
	f := indexCmd.Flags()
	f.BoolVar(&indexColors, "colors", false, "Store dataset sets once per distinct set")
	f.StringVar(&indexBackend, "backend", "", "Storage backend (bolt|leveldb|sqlite)")
	f.BoolVar(&indexForce, "force", false, "Replace an existing index")
}

// signalContext is cancelled on SIGINT and SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type buildParams struct {
	Location string
	Output   string
	Manifest string
	KSize    uint32
	Scaled   uint64
}

func (p buildParams) selection() *models.Selection {
	return &models.Selection{KSize: p.KSize, Scaled: p.Scaled, Molecule: models.MoleculeDNA}
}

func (c *cmdContext) openCollection(ctx context.Context, p buildParams) (*collection.Collection, error) {
	coll, err := collection.Open(ctx, p.Location, p.Manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection: %w", err)
	}
	if c.Config.Index.Workers > 0 {
		coll.SetWorkers(c.Config.Index.Workers)
	}
	return coll, nil
}

// createIndex builds a new index at p.Output
func (c *cmdContext) createIndex(ctx context.Context, p buildParams, opts *revindex.Options) (*revindex.RevIndex, error) {
	coll, err := c.openCollection(ctx, p)
	if err != nil {
		return nil, err
	}
	defer coll.Close()

	selected := coll.Select(p.selection())
	c.Logger.Info("loaded collection", "location", p.Location, "records", coll.Len(), "selected", selected.Len())
	return revindex.Create(ctx, p.Output, selected, opts)
}

// updateIndex adds the datasets of p.Location to the index at p.Output
func (c *cmdContext) updateIndex(ctx context.Context, p buildParams, opts *revindex.Options) (*revindex.UpdateResult, error) {
	idx, err := revindex.Open(p.Output, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	defer idx.Close()

	coll, err := c.openCollection(ctx, p)
	if err != nil {
		return nil, err
	}
	defer coll.Close()

	sel := idx.Template().Selection()
	if p.KSize != 0 {
		sel.KSize = p.KSize
	}
	if p.Scaled != 0 {
		sel.Scaled = p.Scaled
	}
	return idx.Update(ctx, coll.Select(sel))
}

func runIndex(cmd *cobra.Command, args []string) {
	c := initContext()
	ctx, stop := signalContext()
	defer stop()

	opts, err := c.indexOptions(indexBackend)
	if err != nil {
		exitError("%v", err)
	}
	if cmd.Flags().Changed("colors") {
		opts.UseColors = indexColors
	}
	opts.Force = indexForce

	p := buildParams{
		Location: args[0],
		Output:   indexOutput,
		Manifest: indexManifest,
		KSize:    flagOrConfig(cmd, "ksize", indexKSize, c.Config.Query.KSize),
		Scaled:   flagOrConfig(cmd, "scaled", indexScaled, c.Config.Query.Scaled),
	}
	idx, err := c.createIndex(ctx, p, opts)
	if err != nil {
		exitError("failed to build index: %v", err)
	}
	defer idx.Close()

	printBuildSummary(os.Stdout, idx.Path(), idx.Len(), idx.Template())
}

func runUpdate(cmd *cobra.Command, args []string) {
	c := initContext()
	ctx, stop := signalContext()
	defer stop()

	opts, err := c.indexOptions("")
	if err != nil {
		exitError("%v", err)
	}
	p := buildParams{Location: args[0], Output: indexOutput, Manifest: indexManifest}
	if cmd.Flags().Changed("ksize") {
		p.KSize = indexKSize
	}
	if cmd.Flags().Changed("scaled") {
		p.Scaled = indexScaled
	}

	res, err := c.updateIndex(ctx, p, opts)
	if err != nil {
		exitError("failed to update index: %v", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Added %s datasets", humanize.Comma(int64(res.Added)))
	fmt.Printf(" (%s hashes), skipped %s\n", humanize.Comma(int64(res.Hashes)), humanize.Comma(int64(res.Skipped)))
}

func printBuildSummary(w io.Writer, path string, datasets int, tmpl revindex.Template) {
	green := color.New(color.FgGreen)
	green.Fprintf(w, "Indexed %s datasets", humanize.Comma(int64(datasets)))
	fmt.Fprintf(w, " into %s (%s)\n", path, tmpl)
}

// flagOrConfig returns the flag value when set on the command line and the
// configured value otherwise
func flagOrConfig[T comparable](cmd *cobra.Command, name string, flagVal, cfgVal T) T {
	var zero T
	if cmd.Flags().Changed(name) || cfgVal == zero {
		return flagVal
	}
	return cfgVal
}
