package sketch

import (
	"errors"
	"fmt"
	"io"

	"github.com/shenwei356/bio/seqio/fastx"
)

// FromFastx sketches every record of a FASTA or FASTQ file, plain or
// compressed. A path of "-" reads standard input. It also returns the id of
// the first record.
func FromFastx(path string, p Params, force bool) (*Sketch, string, error) {
	reader, err := fastx.NewReader(nil, path, "")
	if err != nil {
		return nil, "", fmt.Errorf("failed to read seq file: %w", err)
	}
	defer reader.Close()

	sk := New(p)
	var firstID string
	for i := 0; ; i++ {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, "", fmt.Errorf("read seq %d in %s: %w", i, path, err)
		}
		if i == 0 {
			firstID = string(record.ID)
		}
		if err := sk.AddSequence(record.Seq.Seq, force); err != nil {
			return nil, "", fmt.Errorf("%s: %w", record.ID, err)
		}
	}
	return sk, firstID, nil
}
