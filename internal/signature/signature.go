// Package signature reads and writes sourmash-compatible signature files.
// A signature file holds a JSON list of signatures, each carrying one or
// more sketches, optionally gzip compressed.
package signature

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kilupskalvis/mastiff/internal/models"
	"github.com/kilupskalvis/mastiff/internal/sketch"
)

const (
	signatureClass = "sourmash_signature"
	hashFunction   = "0.murmur64"
	formatVersion  = 0.4
	defaultLicense = "CC0"
)

// ErrNoCompatibleSketch is returned when no sketch passes a selection
var ErrNoCompatibleSketch = errors.New("no compatible sketch found")

// Signature is a named group of sketches computed from one source
type Signature struct {
	Name     string
	Filename string
	Email    string
	License  string
	Sketches []*sketch.Sketch
}

// New creates a signature with a single sketch
func New(name, filename string, sk *sketch.Sketch) *Signature {
	return &Signature{
		Name:     name,
		Filename: filename,
		License:  defaultLicense,
		Sketches: []*sketch.Sketch{sk},
	}
}

// DisplayName returns the name, falling back to the filename and then the
// md5 of the first sketch
func (s *Signature) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Filename != "" {
		return s.Filename
	}
	if len(s.Sketches) > 0 {
		return s.Sketches[0].MD5()
	}
	return ""
}

// Select returns the first sketch passing the selection. A sketch with a
// finer scaled than requested is downsampled.
func (s *Signature) Select(sel *models.Selection) (*sketch.Sketch, error) {
	for _, sk := range s.Sketches {
		if !sel.MatchesParams(sk.KSize(), sk.Scaled(), sk.Num(), sk.Molecule()) {
			continue
		}
		if sel != nil && sel.Scaled != 0 && sk.Scaled() != sel.Scaled {
			return sk.Downsample(sel.Scaled)
		}
		return sk, nil
	}
	return nil, fmt.Errorf("%w in %q (%s)", ErrNoCompatibleSketch, s.DisplayName(), sel.String())
}

type sketchJSON struct {
	Num        uint32   `json:"num"`
	KSize      uint32   `json:"ksize"`
	Seed       uint64   `json:"seed"`
	MaxHash    uint64   `json:"max_hash"`
	Mins       []uint64 `json:"mins"`
	MD5Sum     string   `json:"md5sum"`
	Abundances []uint64 `json:"abundances,omitempty"`
	Molecule   string   `json:"molecule"`
}

type signatureJSON struct {
	Class        string       `json:"class"`
	Email        string       `json:"email"`
	HashFunction string       `json:"hash_function"`
	Filename     string       `json:"filename"`
	Name         string       `json:"name,omitempty"`
	License      string       `json:"license"`
	Signatures   []sketchJSON `json:"signatures"`
	Version      float64      `json:"version"`
}

func (s *Signature) toJSON() signatureJSON {
	out := signatureJSON{
		Class:        signatureClass,
		Email:        s.Email,
		HashFunction: hashFunction,
		Filename:     s.Filename,
		Name:         s.Name,
		License:      s.License,
		Version:      formatVersion,
	}
	if out.License == "" {
		out.License = defaultLicense
	}
	for _, sk := range s.Sketches {
		mins := sk.Hashes()
		if mins == nil {
			mins = []uint64{}
		}
		out.Signatures = append(out.Signatures, sketchJSON{
			Num:        sk.Num(),
			KSize:      sk.KSize(),
			Seed:       sk.Seed(),
			MaxHash:    sk.MaxHash(),
			Mins:       mins,
			MD5Sum:     sk.MD5(),
			Abundances: sk.Abundances(),
			Molecule:   sk.Molecule(),
		})
	}
	return out
}

func fromJSON(in signatureJSON) (*Signature, error) {
	sig := &Signature{
		Name:     in.Name,
		Filename: in.Filename,
		Email:    in.Email,
		License:  in.License,
	}
	for i, sj := range in.Signatures {
		params := sketch.Params{
			KSize:    sj.KSize,
			Num:      sj.Num,
			Scaled:   sketch.ScaledForMaxHash(sj.MaxHash),
			Seed:     sj.Seed,
			Molecule: normalizeMolecule(sj.Molecule),
		}
		sk, err := sketch.FromHashes(params, sj.Mins, sj.Abundances)
		if err != nil {
			return nil, fmt.Errorf("sketch %d of %q: %w", i, sig.DisplayName(), err)
		}
		sig.Sketches = append(sig.Sketches, sk)
	}
	return sig, nil
}

func normalizeMolecule(m string) string {
	switch m {
	case "dna", "DNA", "":
		return models.MoleculeDNA
	default:
		return m
	}
}

// Load reads signatures from r. Gzip input is detected by its magic bytes;
// both a JSON list and a single JSON object are accepted.
func Load(r io.Reader) ([]*Signature, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		return decode(gz)
	}
	return decode(br)
}

func decode(r io.Reader) ([]*Signature, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read signatures: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("read signatures: empty input")
	}

	var raw []signatureJSON
	if data[0] == '{' {
		var one signatureJSON
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, fmt.Errorf("parse signature: %w", err)
		}
		raw = append(raw, one)
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse signatures: %w", err)
	}

	sigs := make([]*Signature, 0, len(raw))
	for _, r := range raw {
		sig, err := fromJSON(r)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// LoadFile reads signatures from a file
func LoadFile(path string) ([]*Signature, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sigs, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sigs, nil
}

// Write encodes signatures as a JSON list
func Write(w io.Writer, sigs []*Signature) error {
	raw := make([]signatureJSON, 0, len(sigs))
	for _, s := range sigs {
		raw = append(raw, s.toJSON())
	}
	return json.NewEncoder(w).Encode(raw)
}

// WriteGzip encodes signatures as a gzip compressed JSON list
func WriteGzip(w io.Writer, sigs []*Signature) error {
	gz := gzip.NewWriter(w)
	if err := Write(gz, sigs); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

// PrepareQuery picks the first sketch across sigs passing the selection and
// strips its abundances. The owning signature is returned alongside.
func PrepareQuery(sigs []*Signature, sel *models.Selection) (*Signature, *sketch.Sketch, error) {
	for _, sig := range sigs {
		sk, err := sig.Select(sel)
		if err != nil {
			if errors.Is(err, ErrNoCompatibleSketch) {
				continue
			}
			return nil, nil, err
		}
		if sk.TrackAbundance() {
			sk = sk.Clone()
			sk.DisableAbundance()
		}
		return sig, sk, nil
	}
	return nil, nil, fmt.Errorf("%w (%s)", ErrNoCompatibleSketch, sel.String())
}
