package sketch

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScaled(t *testing.T, ksize uint32, scaled uint64, hashes ...uint64) *Sketch {
	t.Helper()
	s, err := FromHashes(Params{KSize: ksize, Scaled: scaled}, hashes, nil)
	require.NoError(t, err)
	return s
}

func TestMaxHashForScaled(t *testing.T) {
	assert.Equal(t, uint64(0), MaxHashForScaled(0))
	assert.Equal(t, uint64(math.MaxUint64), MaxHashForScaled(1))
	assert.Equal(t, uint64(18446744073709552), MaxHashForScaled(1000))
	assert.Equal(t, uint64(9223372036854775808), MaxHashForScaled(2))

	// hashes equal to the bound are kept
	s := New(Params{KSize: 31, Scaled: 1000})
	s.Add(18446744073709552)
	s.Add(18446744073709553)
	assert.Equal(t, []uint64{18446744073709552}, s.Hashes())

	for _, scaled := range []uint64{1, 2, 10, 100, 1000, 10000} {
		assert.Equal(t, scaled, ScaledForMaxHash(MaxHashForScaled(scaled)), "scaled=%d", scaled)
	}
}

func TestSketch_AddKeepsSortedUnique(t *testing.T) {
	s := New(Params{KSize: 31, Scaled: 1})
	for _, h := range []uint64{5, 3, 9, 3, 1, 9} {
		s.Add(h)
	}

	assert.Equal(t, []uint64{1, 3, 5, 9}, s.Hashes())
	assert.Equal(t, 4, s.Size())
	assert.True(t, s.Contains(5))
	assert.False(t, s.Contains(4))
}

func TestSketch_AddDropsHashesAboveMax(t *testing.T) {
	s := New(Params{KSize: 31, Scaled: 1000})
	s.Add(10)
	s.Add(s.MaxHash())
	s.Add(s.MaxHash() + 1)

	assert.Equal(t, []uint64{10, s.MaxHash()}, s.Hashes())
}

func TestSketch_NumKeepsBottomK(t *testing.T) {
	s := New(Params{KSize: 21, Num: 3})
	for _, h := range []uint64{50, 10, 40, 20, 30} {
		s.Add(h)
	}

	assert.Equal(t, []uint64{10, 20, 30}, s.Hashes())
	assert.False(t, s.IsScaled())
}

func TestSketch_Abundance(t *testing.T) {
	s := New(Params{KSize: 31, Scaled: 1, TrackAbundance: true})
	s.Add(7)
	s.Add(7)
	s.AddWithAbundance(3, 5)
	md5 := s.MD5()

	assert.Equal(t, []uint64{3, 7}, s.Hashes())
	assert.Equal(t, []uint64{5, 2}, s.Abundances())

	s.DisableAbundance()
	assert.False(t, s.TrackAbundance())
	assert.Equal(t, []uint64{3, 7}, s.Hashes())
	assert.Equal(t, md5, s.MD5())
}

func TestFromHashes_AbundanceLengthMismatch(t *testing.T) {
	_, err := FromHashes(Params{KSize: 31, Scaled: 1}, []uint64{1, 2}, []uint64{1})
	var fe *FormatError
	assert.ErrorAs(t, err, &fe)
}

func TestSketch_MD5DependsOnKsizeAndHashes(t *testing.T) {
	a := newScaled(t, 31, 1, 1, 2, 3)
	b := newScaled(t, 31, 1, 3, 2, 1)
	c := newScaled(t, 21, 1, 1, 2, 3)

	assert.Equal(t, a.MD5(), b.MD5())
	assert.NotEqual(t, a.MD5(), c.MD5())
	assert.Len(t, a.MD5(), 32)
}

func TestSketch_CheckCompatible(t *testing.T) {
	base := newScaled(t, 31, 1000)

	tests := []struct {
		name  string
		other *Sketch
		field string
	}{
		{"ksize", newScaled(t, 21, 1000), "ksize"},
		{"scaled", newScaled(t, 31, 100), "scaled"},
		{"molecule", New(Params{KSize: 31, Scaled: 1000, Molecule: "protein"}), "molecule"},
		{"num", New(Params{KSize: 31, Num: 500}), "num"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := base.CheckCompatible(tt.other)
			require.ErrorIs(t, err, ErrIncompatible)
			var ie *IncompatibleError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.field, ie.Field)
		})
	}

	assert.NoError(t, base.CheckCompatible(newScaled(t, 31, 1000, 1, 2)))
}

func TestSketch_Downsample(t *testing.T) {
	fine := New(Params{KSize: 31, Scaled: 1, TrackAbundance: true})
	coarseMax := MaxHashForScaled(10)
	fine.AddWithAbundance(1, 2)
	fine.AddWithAbundance(coarseMax, 3)
	fine.AddWithAbundance(coarseMax+1, 4)

	coarse, err := fine.Downsample(10)
	require.NoError(t, err)

	assert.Equal(t, uint64(10), coarse.Scaled())
	assert.Equal(t, []uint64{1, coarseMax}, coarse.Hashes())
	assert.Equal(t, []uint64{2, 3}, coarse.Abundances())
	assert.Equal(t, 3, fine.Size(), "original is untouched")

	_, err = coarse.Downsample(1)
	assert.ErrorIs(t, err, ErrIncompatible)

	same, err := coarse.Downsample(10)
	require.NoError(t, err)
	assert.Equal(t, coarse.Hashes(), same.Hashes())
}

func TestSketch_ContainedBy(t *testing.T) {
	q := newScaled(t, 31, 1, 3, 4, 5)
	d1 := newScaled(t, 31, 1, 1, 2, 3, 4, 5)
	d3 := newScaled(t, 31, 1, 5, 6)

	c, err := q.ContainedBy(d1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, c)

	c, err = q.ContainedBy(d3)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, c, 1e-9)

	empty := newScaled(t, 31, 1)
	c, err = empty.ContainedBy(d1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, c)

	_, err = q.ContainedBy(newScaled(t, 21, 1, 3))
	assert.ErrorIs(t, err, ErrIncompatible)
}

func TestSketch_CloneIsIndependent(t *testing.T) {
	a := newScaled(t, 31, 1, 1, 2)
	b := a.Clone()
	b.Add(3)

	assert.Equal(t, []uint64{1, 2}, a.Hashes())
	assert.Equal(t, []uint64{1, 2, 3}, b.Hashes())
}
