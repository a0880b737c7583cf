package collection

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kilupskalvis/mastiff/internal/models"
	"github.com/kilupskalvis/mastiff/internal/signature"
	"github.com/kilupskalvis/mastiff/internal/sketch"
)

const manifestVersionLine = "# SOURMASH-MANIFEST-VERSION: 1.0"

var manifestColumns = []string{
	"internal_location", "md5", "md5short", "ksize", "moltype", "num",
	"scaled", "n_hashes", "with_abundance", "name", "filename",
}

// Record describes one sketch inside a collection
type Record struct {
	InternalLocation string
	MD5              string
	KSize            uint32
	Molecule         string
	Num              uint32
	Scaled           uint64
	NHashes          int
	WithAbundance    bool
	Name             string
	Filename         string
}

// Matches reports whether the record passes the selection
func (r *Record) Matches(sel *models.Selection) bool {
	return sel.MatchesParams(r.KSize, r.Scaled, r.Num, r.Molecule)
}

// RecordFor builds the manifest record of one sketch
func RecordFor(location string, sig *signature.Signature, sk *sketch.Sketch) Record {
	return Record{
		InternalLocation: location,
		MD5:              sk.MD5(),
		KSize:            sk.KSize(),
		Molecule:         sk.Molecule(),
		Num:              sk.Num(),
		Scaled:           sk.Scaled(),
		NHashes:          sk.Size(),
		WithAbundance:    sk.TrackAbundance(),
		Name:             sig.Name,
		Filename:         sig.Filename,
	}
}

// Manifest is an ordered list of records
type Manifest struct {
	Records []Record
}

// Len returns the number of records
func (m *Manifest) Len() int {
	return len(m.Records)
}

// Select returns a manifest holding only the records passing sel
func (m *Manifest) Select(sel *models.Selection) *Manifest {
	out := &Manifest{}
	for _, r := range m.Records {
		if r.Matches(sel) {
			out.Records = append(out.Records, r)
		}
	}
	return out
}

// ReadManifest parses a sourmash manifest CSV. Comment lines are skipped and
// columns are matched by header name.
func ReadManifest(r io.Reader) (*Manifest, error) {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.Comment = '#'
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read manifest header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	for _, col := range []string{"internal_location", "md5", "ksize"} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("manifest is missing column %q", col)
		}
	}

	field := func(row []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	m := &Manifest{}
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}

		rec := Record{
			InternalLocation: field(row, "internal_location"),
			MD5:              field(row, "md5"),
			Molecule:         field(row, "moltype"),
			Name:             field(row, "name"),
			Filename:         field(row, "filename"),
			WithAbundance:    parseBool(field(row, "with_abundance")),
		}
		if rec.Molecule == "" {
			rec.Molecule = models.MoleculeDNA
		}
		ksize, err := parseUint(field(row, "ksize"), 32)
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: ksize: %w", line, err)
		}
		rec.KSize = uint32(ksize)
		num, err := parseUint(field(row, "num"), 32)
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: num: %w", line, err)
		}
		rec.Num = uint32(num)
		if rec.Scaled, err = parseUint(field(row, "scaled"), 64); err != nil {
			return nil, fmt.Errorf("manifest line %d: scaled: %w", line, err)
		}
		nHashes, err := parseUint(field(row, "n_hashes"), 64)
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: n_hashes: %w", line, err)
		}
		rec.NHashes = int(nHashes)

		m.Records = append(m.Records, rec)
	}
	return m, nil
}

// ReadManifestFile parses a manifest CSV file
func ReadManifestFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := ReadManifest(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Write encodes the manifest as CSV with the version comment line
func (m *Manifest) Write(w io.Writer) error {
	if _, err := fmt.Fprintln(w, manifestVersionLine); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(manifestColumns); err != nil {
		return err
	}
	for _, r := range m.Records {
		md5short := r.MD5
		if len(md5short) > 8 {
			md5short = md5short[:8]
		}
		row := []string{
			r.InternalLocation,
			r.MD5,
			md5short,
			strconv.FormatUint(uint64(r.KSize), 10),
			r.Molecule,
			strconv.FormatUint(uint64(r.Num), 10),
			strconv.FormatUint(r.Scaled, 10),
			strconv.Itoa(r.NHashes),
			formatBool(r.WithAbundance),
			r.Name,
			r.Filename,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func parseUint(s string, bits int) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, bits)
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
