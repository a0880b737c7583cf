// Package sketch implements FracMinHash sketches: sorted sets of k-mer hashes
// retained when they fall at or below a threshold derived from a scaled
// factor.
package sketch

import (
	"crypto/md5"
	"encoding/hex"
	"math"
	"slices"
	"strconv"

	"github.com/kilupskalvis/mastiff/internal/models"
)

// DefaultSeed is the murmur3 seed used by sourmash-compatible sketches
const DefaultSeed = 42

// MaxHashForScaled returns the largest hash kept by a sketch with the given
// scaled factor. Zero means unbounded. The division is done in float64 so
// the bound is the one sourmash writes as max_hash.
func MaxHashForScaled(scaled uint64) uint64 {
	switch scaled {
	case 0:
		return 0
	case 1:
		return math.MaxUint64
	default:
		return uint64(float64(math.MaxUint64) / float64(scaled))
	}
}

// ScaledForMaxHash inverts MaxHashForScaled
func ScaledForMaxHash(maxHash uint64) uint64 {
	if maxHash == 0 {
		return 0
	}
	return uint64(math.Round(float64(math.MaxUint64) / float64(maxHash)))
}

// Params describe how a sketch is built
type Params struct {
	KSize          uint32
	Scaled         uint64
	Num            uint32
	Seed           uint64
	Molecule       string
	TrackAbundance bool
}

// Sketch is a FracMinHash sketch. The zero value is not usable; use New.
type Sketch struct {
	ksize    uint32
	num      uint32
	maxHash  uint64
	seed     uint64
	molecule string
	mins     []uint64
	abunds   []uint64
}

// New creates an empty sketch
func New(p Params) *Sketch {
	s := &Sketch{
		ksize:    p.KSize,
		num:      p.Num,
		maxHash:  MaxHashForScaled(p.Scaled),
		seed:     p.Seed,
		molecule: p.Molecule,
	}
	if s.seed == 0 {
		s.seed = DefaultSeed
	}
	if s.molecule == "" {
		s.molecule = models.MoleculeDNA
	}
	if p.TrackAbundance {
		s.abunds = []uint64{}
	}
	return s
}

// FromHashes builds a sketch from already computed hashes. Hashes are sorted
// and deduplicated; abundances, when given, must be parallel to hashes.
// Hashes above the max hash are dropped.
func FromHashes(p Params, hashes, abunds []uint64) (*Sketch, error) {
	if abunds != nil && len(abunds) != len(hashes) {
		return nil, &FormatError{Reason: "abundances and hashes differ in length"}
	}
	p.TrackAbundance = abunds != nil
	s := New(p)
	for i, h := range hashes {
		if abunds != nil {
			s.AddWithAbundance(h, abunds[i])
		} else {
			s.Add(h)
		}
	}
	return s, nil
}

func (s *Sketch) KSize() uint32    { return s.ksize }
func (s *Sketch) Num() uint32      { return s.num }
func (s *Sketch) MaxHash() uint64  { return s.maxHash }
func (s *Sketch) Seed() uint64     { return s.seed }
func (s *Sketch) Molecule() string { return s.molecule }
func (s *Sketch) Size() int        { return len(s.mins) }
func (s *Sketch) IsEmpty() bool    { return len(s.mins) == 0 }

// Scaled returns the scaled factor, or zero for num sketches
func (s *Sketch) Scaled() uint64 {
	return ScaledForMaxHash(s.maxHash)
}

// IsScaled returns true for FracMinHash sketches
func (s *Sketch) IsScaled() bool {
	return s.num == 0 && s.maxHash != 0
}

// TrackAbundance returns true if the sketch records per-hash abundances
func (s *Sketch) TrackAbundance() bool {
	return s.abunds != nil
}

// Hashes returns the sorted hashes. The slice must not be modified.
func (s *Sketch) Hashes() []uint64 {
	return s.mins
}

// Abundances returns the per-hash abundances, or nil
func (s *Sketch) Abundances() []uint64 {
	return s.abunds
}

// Contains returns true if h is in the sketch
func (s *Sketch) Contains(h uint64) bool {
	_, ok := slices.BinarySearch(s.mins, h)
	return ok
}

// Add inserts a hash with abundance one
func (s *Sketch) Add(h uint64) {
	s.AddWithAbundance(h, 1)
}

// AddWithAbundance inserts a hash, adding abund to its count when the sketch
// tracks abundance
func (s *Sketch) AddWithAbundance(h, abund uint64) {
	if s.maxHash != 0 && h > s.maxHash {
		return
	}
	if s.num > 0 && len(s.mins) >= int(s.num) && h > s.mins[len(s.mins)-1] {
		return
	}

	i, found := slices.BinarySearch(s.mins, h)
	if found {
		if s.abunds != nil {
			s.abunds[i] += abund
		}
		return
	}
	s.mins = slices.Insert(s.mins, i, h)
	if s.abunds != nil {
		s.abunds = slices.Insert(s.abunds, i, abund)
	}

	if s.num > 0 && len(s.mins) > int(s.num) {
		s.mins = s.mins[:s.num]
		if s.abunds != nil {
			s.abunds = s.abunds[:s.num]
		}
	}
}

// DisableAbundance drops abundance tracking. The hash set and md5 are unchanged.
func (s *Sketch) DisableAbundance() {
	s.abunds = nil
}

// Clone returns a deep copy
func (s *Sketch) Clone() *Sketch {
	c := *s
	c.mins = slices.Clone(s.mins)
	if s.abunds != nil {
		c.abunds = slices.Clone(s.abunds)
	}
	return &c
}

// MD5 returns the sourmash-compatible content digest of the sketch
func (s *Sketch) MD5() string {
	h := md5.New()
	h.Write([]byte(strconv.FormatUint(uint64(s.ksize), 10)))
	for _, m := range s.mins {
		h.Write([]byte(strconv.FormatUint(m, 10)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CheckCompatible returns an *IncompatibleError if the two sketches cannot be
// compared
func (s *Sketch) CheckCompatible(other *Sketch) error {
	if s.ksize != other.ksize {
		return &IncompatibleError{Field: "ksize", Want: s.ksize, Got: other.ksize}
	}
	if s.molecule != other.molecule {
		return &IncompatibleError{Field: "molecule", Want: s.molecule, Got: other.molecule}
	}
	if s.seed != other.seed {
		return &IncompatibleError{Field: "seed", Want: s.seed, Got: other.seed}
	}
	if s.num != other.num {
		return &IncompatibleError{Field: "num", Want: s.num, Got: other.num}
	}
	if s.maxHash != other.maxHash {
		return &IncompatibleError{Field: "scaled", Want: s.Scaled(), Got: other.Scaled()}
	}
	return nil
}

// Downsample returns a copy keeping only hashes valid for a coarser scaled.
// Requesting a finer scaled than the sketch has is an error.
func (s *Sketch) Downsample(scaled uint64) (*Sketch, error) {
	if !s.IsScaled() {
		return nil, &IncompatibleError{Field: "num", Want: uint32(0), Got: s.num}
	}
	current := s.Scaled()
	if scaled == current {
		return s.Clone(), nil
	}
	if scaled < current {
		return nil, &IncompatibleError{Field: "scaled", Want: scaled, Got: current}
	}

	maxHash := MaxHashForScaled(scaled)
	n := sortedCutoff(s.mins, maxHash)
	c := &Sketch{
		ksize:    s.ksize,
		maxHash:  maxHash,
		seed:     s.seed,
		molecule: s.molecule,
		mins:     slices.Clone(s.mins[:n]),
	}
	if s.abunds != nil {
		c.abunds = slices.Clone(s.abunds[:n])
	}
	return c, nil
}

// Intersection returns the number of hashes the sketches share
func (s *Sketch) Intersection(other *Sketch) (int, error) {
	if err := s.CheckCompatible(other); err != nil {
		return 0, err
	}
	return countCommon(s.mins, other.mins), nil
}

// ContainedBy returns |s ∩ other| / |s|
func (s *Sketch) ContainedBy(other *Sketch) (float64, error) {
	common, err := s.Intersection(other)
	if err != nil {
		return 0, err
	}
	if len(s.mins) == 0 {
		return 0, nil
	}
	return float64(common) / float64(len(s.mins)), nil
}

// sortedCutoff returns how many leading elements of sorted are <= limit
func sortedCutoff(sorted []uint64, limit uint64) int {
	i, found := slices.BinarySearch(sorted, limit)
	if found {
		return i + 1
	}
	return i
}

func countCommon(a, b []uint64) int {
	i, j, n := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			n++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return n
}
