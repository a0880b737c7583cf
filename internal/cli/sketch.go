package cli

import (
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/mastiff/internal/signature"
	"github.com/kilupskalvis/mastiff/internal/sketch"
)

var (
	sketchKSize  uint32
	sketchScaled uint64
	sketchName   string
	sketchOutput string
	sketchStrict bool
)

var sketchCmd = &cobra.Command{
	Use:   "sketch SEQUENCES",
	Short: "Compute a signature from a FASTA/FASTQ file",
	Long: `Sketch every record of SEQUENCES ("-" for stdin, optionally compressed)
into a single signature.

The output is gzipped when its name ends in .gz.

Examples:
  mastiff sketch reads.fq.gz -o reads.sig
  cat contigs.fa | mastiff sketch - -k 31 -s 1000 --name contigs`,
	Args: cobra.ExactArgs(1),
	Run:  runSketch,
}

func init() {
	f := sketchCmd.Flags()
	f.Uint32VarP(&sketchKSize, "ksize", "k", 21, "k-mer size")
	f.Uint64VarP(&sketchScaled, "scaled", "s", 1000, "Scaled value")
	f.StringVar(&sketchName, "name", "", "Signature name (default: first record id)")
	f.StringVarP(&sketchOutput, "output", "o", "", "Output file (default: stdout)")
	f.BoolVar(&sketchStrict, "strict", false, "Fail on k-mers with non-ACGT bases instead of skipping them")
}

// sketchFile builds the signature of the sequences at path
func sketchFile(path string, p sketch.Params, name string, strict bool) (*signature.Signature, error) {
	sk, firstID, err := sketch.FromFastx(path, p, !strict)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = firstID
	}
	filename := path
	if path == "-" {
		filename = ""
	}
	return signature.New(name, filename, sk), nil
}

func writeSignature(path string, sig *signature.Signature) error {
	return writeOutput(path, func(w io.Writer) error {
		sigs := []*signature.Signature{sig}
		if strings.HasSuffix(filepath.Base(path), ".gz") {
			return signature.WriteGzip(w, sigs)
		}
		return signature.Write(w, sigs)
	})
}

func runSketch(_ *cobra.Command, args []string) {
	c := initContext()

	sig, err := sketchFile(args[0], sketch.Params{KSize: sketchKSize, Scaled: sketchScaled}, sketchName, sketchStrict)
	if err != nil {
		exitError("failed to sketch %s: %v", args[0], err)
	}
	if err := writeSignature(sketchOutput, sig); err != nil {
		exitError("%v", err)
	}
	c.Logger.Info("sketched sequences", "input", args[0], "name", sig.Name, "hashes", sig.Sketches[0].Size())
}
