package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/mastiff/internal/collection"
	"github.com/kilupskalvis/mastiff/internal/models"
)

var (
	manifestKSize    uint32
	manifestBasepath string
	manifestOutput   string
)

var manifestCmd = &cobra.Command{
	Use:   "manifest PATHLIST",
	Short: "Build a manifest for a list of signature files",
	Long: `Read every signature listed in PATHLIST and write a manifest CSV
describing its sketches.

Examples:
  mastiff manifest paths.txt -k 21 -o manifest.csv
  mastiff manifest paths.txt -b /data/sigs -o /data/sigs/SOURMASH-MANIFEST.csv`,
	Args: cobra.ExactArgs(1),
	Run:  runManifest,
}

func init() {
	f := manifestCmd.Flags()
	f.Uint32VarP(&manifestKSize, "ksize", "k", 0, "Only record sketches with this k-mer size")
	f.StringVarP(&manifestBasepath, "basepath", "b", "", "Prefix stripped from recorded paths")
	f.StringVarP(&manifestOutput, "output", "o", "", "Output file (default: stdout)")
}

// writeManifest builds the manifest of every signature in pathList
func writeManifest(ctx context.Context, w io.Writer, pathList, basepath string, ksize uint32) (int, error) {
	paths, err := collection.ReadPathList(pathList)
	if err != nil {
		return 0, err
	}
	m, err := collection.BuildManifest(ctx, paths, basepath)
	if err != nil {
		return 0, err
	}
	if ksize != 0 {
		m = m.Select(&models.Selection{KSize: ksize})
	}
	return m.Len(), m.Write(w)
}

func runManifest(_ *cobra.Command, args []string) {
	c := initContext()
	ctx, stop := signalContext()
	defer stop()

	err := writeOutput(manifestOutput, func(w io.Writer) error {
		n, err := writeManifest(ctx, w, args[0], manifestBasepath, manifestKSize)
		if err == nil {
			c.Logger.Info("wrote manifest", "records", n)
		}
		return err
	})
	if err != nil {
		exitError("failed to build manifest: %v", err)
	}
}
