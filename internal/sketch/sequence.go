package sketch

import (
	"bytes"
	"fmt"

	"github.com/spaolacci/murmur3"
)

var complement = [256]byte{
	'A': 'T', 'C': 'G', 'G': 'C', 'T': 'A',
}

// HashKmer returns the 64-bit murmur3 hash of a k-mer, matching sourmash
func HashKmer(kmer []byte, seed uint64) uint64 {
	h1, _ := murmur3.Sum128WithSeed(kmer, uint32(seed))
	return h1
}

// AddSequence hashes every canonical k-mer of a DNA sequence into the sketch.
// K-mers containing characters other than ACGT are an error unless force is
// set, in which case they are skipped.
func (s *Sketch) AddSequence(seq []byte, force bool) error {
	k := int(s.ksize)
	if k == 0 || len(seq) < k {
		return nil
	}

	fwd := bytes.ToUpper(seq)
	rc := reverseComplement(fwd)
	n := len(fwd)

	// bad tracks the position of the most recent invalid base
	bad := -1
	for i := 0; i < k-1; i++ {
		if complement[fwd[i]] == 0 {
			bad = i
		}
	}

	for i := 0; i+k <= n; i++ {
		if complement[fwd[i+k-1]] == 0 {
			bad = i + k - 1
		}
		if bad >= i {
			if !force {
				return fmt.Errorf("%w: k-mer %q at position %d", ErrInvalidSequence, fwd[i:i+k], i)
			}
			continue
		}

		kmer := fwd[i : i+k]
		krc := rc[n-i-k : n-i]
		if bytes.Compare(krc, kmer) < 0 {
			kmer = krc
		}
		s.Add(HashKmer(kmer, s.seed))
	}
	return nil
}

func reverseComplement(seq []byte) []byte {
	out := make([]byte, len(seq))
	for i, b := range seq {
		c := complement[b]
		if c == 0 {
			c = 'N'
		}
		out[len(seq)-1-i] = c
	}
	return out
}
