package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SRR123", "SRR123"},
		{"SRR123.sig.gz", "SRR123"},
		{"/data/sigs/SRR123.sig", "SRR123"},
		{`C:\sigs\ERR9.fastq.gz`, "ERR9"},
		{"dir.v2/SRR5", "SRR5"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShortName(tt.in), tt.in)
	}
}

func TestSearchResult_Accession(t *testing.T) {
	assert.Equal(t, "SRR1", SearchResult{Name: "SRR9 sample", Filename: "sigs/SRR1.sig"}.Accession())
	assert.Equal(t, "SRR9 sample", SearchResult{Name: "SRR9 sample"}.Accession())
}

func TestDataset_DisplayName(t *testing.T) {
	assert.Equal(t, "a", (&Dataset{Name: "a", Filename: "f", MD5: "m"}).DisplayName())
	assert.Equal(t, "f", (&Dataset{Filename: "f", MD5: "m"}).DisplayName())
	assert.Equal(t, "m", (&Dataset{MD5: "m"}).DisplayName())
}

func TestDataset_DedupKey(t *testing.T) {
	a := &Dataset{Name: "x", MD5: "m"}
	b := &Dataset{Name: "y", MD5: "m"}
	assert.NotEqual(t, a.DedupKey(), b.DedupKey())
	assert.Equal(t, a.DedupKey(), (&Dataset{ID: 7, Name: "x", MD5: "m"}).DedupKey())
}

func TestSelection_MatchesParams(t *testing.T) {
	var none *Selection
	assert.True(t, none.MatchesParams(21, 1000, 0, MoleculeDNA))
	assert.True(t, none.IsEmpty())

	sel := &Selection{KSize: 31, Scaled: 1000, Molecule: MoleculeDNA}
	tests := []struct {
		name     string
		ksize    uint32
		scaled   uint64
		num      uint32
		molecule string
		want     bool
	}{
		{"exact", 31, 1000, 0, MoleculeDNA, true},
		{"finer scaled", 31, 100, 0, MoleculeDNA, true},
		{"coarser scaled", 31, 2000, 0, MoleculeDNA, false},
		{"num sketch", 31, 0, 500, MoleculeDNA, false},
		{"other ksize", 21, 1000, 0, MoleculeDNA, false},
		{"protein", 31, 1000, 0, MoleculeProtein, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sel.MatchesParams(tt.ksize, tt.scaled, tt.num, tt.molecule))
		})
	}
	assert.Equal(t, "ksize=31 scaled=1000 num=0 molecule=DNA", sel.String())
}
