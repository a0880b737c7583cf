package revindex

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/mastiff/internal/collection"
	"github.com/kilupskalvis/mastiff/internal/models"
	"github.com/kilupskalvis/mastiff/internal/sketch"
	"github.com/kilupskalvis/mastiff/internal/storage"
)

var (
	// ErrCorrupt is returned when stored data cannot be decoded
	ErrCorrupt = errors.New("corrupt index data")
	// ErrNoTemplate is returned when index parameters cannot be inferred
	ErrNoTemplate = errors.New("cannot determine ksize and scaled for the index")
)

// Meta keys
const (
	metaVersion     = "version"
	metaTemplate    = "template"
	metaUseColors   = "use_colors"
	metaNextDataset = "next_dataset"
	metaNextColor   = "next_color"
)

const formatVersion = 1

// DefaultBatchSize is the number of datasets merged per atomic write
const DefaultBatchSize = 64

// Options configure how an index is created or opened
type Options struct {
	Backend   storage.Kind
	UseColors bool
	ReadOnly  bool
	Force     bool
	BatchSize int
	Logger    *slog.Logger
}

// DefaultOptions returns options for a bolt-backed index storing sets
// directly
func DefaultOptions() *Options {
	return &Options{
		Backend:   storage.KindBolt,
		BatchSize: DefaultBatchSize,
	}
}

func (o *Options) withDefaults() *Options {
	out := DefaultOptions()
	if o == nil {
		out.Logger = slog.Default()
		return out
	}
	*out = *o
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultBatchSize
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Template holds the sketch parameters every indexed dataset and every query
// must share
type Template struct {
	KSize    uint32 `json:"ksize"`
	Scaled   uint64 `json:"scaled"`
	Molecule string `json:"molecule"`
	Seed     uint64 `json:"seed"`
}

// Selection returns a selection matching the template
func (t Template) Selection() *models.Selection {
	return &models.Selection{KSize: t.KSize, Scaled: t.Scaled, Molecule: t.Molecule}
}

func (t Template) String() string {
	return fmt.Sprintf("k=%d scaled=%d molecule=%s", t.KSize, t.Scaled, t.Molecule)
}

// templateFor derives the template from the collection's selection, filling
// unset fields from the first record
func templateFor(coll *collection.Collection) (Template, error) {
	t := Template{Molecule: models.MoleculeDNA, Seed: sketch.DefaultSeed}
	sel := coll.Selection()
	if sel != nil {
		t.KSize = sel.KSize
		t.Scaled = sel.Scaled
		if sel.Molecule != "" {
			t.Molecule = sel.Molecule
		}
	}

	if recs := coll.Manifest().Records; len(recs) > 0 {
		first := recs[0]
		if t.KSize == 0 {
			t.KSize = first.KSize
		}
		if t.Scaled == 0 {
			t.Scaled = first.Scaled
		}
		if sel == nil || sel.Molecule == "" {
			t.Molecule = first.Molecule
		}
	}

	if t.KSize == 0 || t.Scaled == 0 {
		return t, ErrNoTemplate
	}
	return t, nil
}

// checkQuery verifies a query sketch can be compared against the index
func (t Template) checkQuery(q *sketch.Sketch) error {
	if q.KSize() != t.KSize {
		return &sketch.IncompatibleError{Field: "ksize", Want: t.KSize, Got: q.KSize()}
	}
	if q.Molecule() != t.Molecule {
		return &sketch.IncompatibleError{Field: "molecule", Want: t.Molecule, Got: q.Molecule()}
	}
	if q.Seed() != t.Seed {
		return &sketch.IncompatibleError{Field: "seed", Want: t.Seed, Got: q.Seed()}
	}
	if !q.IsScaled() {
		return &sketch.IncompatibleError{Field: "num", Want: uint32(0), Got: q.Num()}
	}
	if q.Scaled() != t.Scaled {
		return &sketch.IncompatibleError{Field: "scaled", Want: t.Scaled, Got: q.Scaled()}
	}
	return nil
}

// conform brings a dataset sketch to the template, downsampling when its
// scaled is finer
func (t Template) conform(sk *sketch.Sketch) (*sketch.Sketch, error) {
	if sk.IsScaled() && sk.Scaled() < t.Scaled {
		down, err := sk.Downsample(t.Scaled)
		if err != nil {
			return nil, err
		}
		sk = down
	}
	if err := t.checkQuery(sk); err != nil {
		return nil, err
	}
	return sk, nil
}

// checkSelection verifies an explicit selection agrees with the template
func (t Template) checkSelection(sel *models.Selection) error {
	if sel == nil {
		return nil
	}
	if sel.KSize != 0 && sel.KSize != t.KSize {
		return &sketch.IncompatibleError{Field: "ksize", Want: t.KSize, Got: sel.KSize}
	}
	if sel.Scaled != 0 && sel.Scaled != t.Scaled {
		return &sketch.IncompatibleError{Field: "scaled", Want: t.Scaled, Got: sel.Scaled}
	}
	if sel.Molecule != "" && sel.Molecule != t.Molecule {
		return &sketch.IncompatibleError{Field: "molecule", Want: t.Molecule, Got: sel.Molecule}
	}
	return nil
}
