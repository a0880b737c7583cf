// Package revindex implements a persistent reverse index from FracMinHash
// hashes to the datasets containing them. It supports threshold containment
// search and greedy gather decomposition of a query.
package revindex

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/kilupskalvis/mastiff/internal/collection"
	"github.com/kilupskalvis/mastiff/internal/models"
	"github.com/kilupskalvis/mastiff/internal/storage"
)

// RevIndex is an open reverse index. Queries are safe for concurrent use;
// Update requires the handle to be opened for writing and must not run
// concurrently with itself.
type RevIndex struct {
	backend   storage.Backend
	template  Template
	useColors bool
	colors    *ColorTable
	batchSize int
	logger    *slog.Logger

	buildMu sync.Mutex

	mu          sync.RWMutex
	nextDataset models.DatasetID
	datasets    map[models.DatasetID]*models.Dataset
}

// UpdateResult summarizes an index build or update
type UpdateResult struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
	Hashes  int `json:"hashes"` // hashes merged, counting each dataset separately
}

// Create builds a new index at path from coll. The index parameters are
// taken from the collection's selection or its first record.
func Create(ctx context.Context, path string, coll *collection.Collection, opts *Options) (*RevIndex, error) {
	opts = opts.withDefaults()
	if opts.ReadOnly {
		return nil, storage.ErrReadOnly
	}

	tmpl, err := templateFor(coll)
	if err != nil {
		return nil, err
	}

	if opts.Force && opts.Backend != storage.KindMemory {
		if err := storage.Remove(path); err != nil {
			return nil, err
		}
	}
	backend, err := storage.Open(opts.Backend, path, storage.ModeCreate)
	if err != nil {
		return nil, err
	}

	idx := &RevIndex{
		backend:   backend,
		template:  tmpl,
		useColors: opts.UseColors,
		batchSize: opts.BatchSize,
		logger:    opts.Logger,
		datasets:  make(map[models.DatasetID]*models.Dataset),
	}
	if idx.useColors {
		idx.colors = newColorTable(backend, NoColor+1)
	}

	if err := idx.writeHeader(); err != nil {
		backend.Close()
		return nil, err
	}
	idx.logger.Info("creating index", "path", path, "backend", backend.Kind(), "template", tmpl.String(), "colors", idx.useColors)

	if _, err := idx.Update(ctx, coll); err != nil {
		backend.Close()
		return nil, err
	}
	return idx, nil
}

// Open opens an existing index
func Open(path string, opts *Options) (*RevIndex, error) {
	opts = opts.withDefaults()
	mode := storage.ModeReadWrite
	if opts.ReadOnly {
		mode = storage.ModeReadOnly
	}

	kind := opts.Backend
	if kind == storage.KindBolt {
		// let the directory decide so any backend opens by default
		kind = ""
	}
	backend, err := storage.Open(kind, path, mode)
	if err != nil {
		return nil, err
	}

	idx, err := load(backend, opts)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return idx, nil
}

// Attach wraps an already open backend holding an index
func Attach(backend storage.Backend, opts *Options) (*RevIndex, error) {
	return load(backend, opts.withDefaults())
}

func load(backend storage.Backend, opts *Options) (*RevIndex, error) {
	raw, err := backend.Get(storage.SpaceMeta, []byte(metaTemplate))
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s has no index metadata: %w", backend.Path(), storage.ErrNotFound)
	}
	var tmpl Template
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		return nil, fmt.Errorf("%w: template: %v", ErrCorrupt, err)
	}

	idx := &RevIndex{
		backend:   backend,
		template:  tmpl,
		batchSize: opts.BatchSize,
		logger:    opts.Logger,
		datasets:  make(map[models.DatasetID]*models.Dataset),
	}

	if v, err := backend.Get(storage.SpaceMeta, []byte(metaVersion)); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	} else if v != nil && string(v) != strconv.Itoa(formatVersion) {
		return nil, fmt.Errorf("unsupported index format version %s", v)
	}

	v, err := backend.Get(storage.SpaceMeta, []byte(metaUseColors))
	if err != nil {
		return nil, fmt.Errorf("read colors flag: %w", err)
	}
	idx.useColors = string(v) == "1"

	next, err := readCounter(backend, metaNextDataset)
	if err != nil {
		return nil, err
	}
	idx.nextDataset = models.DatasetID(next)

	if idx.useColors {
		nextColor, err := readCounter(backend, metaNextColor)
		if err != nil {
			return nil, err
		}
		if nextColor == 0 {
			nextColor = uint64(NoColor + 1)
		}
		idx.colors = newColorTable(backend, Color(nextColor))
	}
	return idx, nil
}

func readCounter(backend storage.Backend, key string) (uint64, error) {
	v, err := backend.Get(storage.SpaceMeta, []byte(key))
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	if v == nil {
		return 0, nil
	}
	return decodeUint64(v)
}

func (idx *RevIndex) writeHeader() error {
	raw, err := json.Marshal(idx.template)
	if err != nil {
		return err
	}
	colors := "0"
	if idx.useColors {
		colors = "1"
	}
	b := storage.NewBatch()
	b.Put(storage.SpaceMeta, []byte(metaVersion), []byte(strconv.Itoa(formatVersion)))
	b.Put(storage.SpaceMeta, []byte(metaTemplate), raw)
	b.Put(storage.SpaceMeta, []byte(metaUseColors), []byte(colors))
	b.Put(storage.SpaceMeta, []byte(metaNextDataset), encodeUint64(0))
	if err := idx.backend.Write(b); err != nil {
		return fmt.Errorf("write index header: %w", err)
	}
	return nil
}

// Update adds every new dataset of coll to the index. Datasets already
// present (same md5 and name) are skipped, so an interrupted update can be
// re-run with the same collection. Each batch commits atomically.
func (idx *RevIndex) Update(ctx context.Context, coll *collection.Collection) (*UpdateResult, error) {
	if idx.backend.ReadOnly() {
		return nil, storage.ErrReadOnly
	}
	idx.buildMu.Lock()
	defer idx.buildMu.Unlock()

	res := &UpdateResult{}
	recs := coll.Manifest().Records
	seen := make(map[string]struct{})

	for start := 0; start < len(recs); start += idx.batchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		chunk := recs[start:min(start+idx.batchSize, len(recs))]

		loadable := make([]collection.Record, 0, len(chunk))
		for _, rec := range chunk {
			if !idx.recordFits(rec) {
				idx.logger.Warn("skipping incompatible dataset", "name", rec.Name, "ksize", rec.KSize, "scaled", rec.Scaled, "molecule", rec.Molecule)
				res.Skipped++
				continue
			}
			loadable = append(loadable, rec)
		}

		sketches, err := coll.LoadSketches(ctx, loadable)
		if err != nil {
			return res, err
		}

		var pending []pendingDataset
		for i, sk := range sketches {
			rec := loadable[i]
			sk, err := idx.template.conform(sk)
			if err != nil {
				idx.logger.Warn("skipping incompatible dataset", "name", rec.Name, "error", err)
				res.Skipped++
				continue
			}
			if sk.IsEmpty() {
				idx.logger.Warn("skipping empty dataset", "name", rec.Name)
				res.Skipped++
				continue
			}

			ds := &models.Dataset{
				Name:     rec.Name,
				Filename: rec.Filename,
				MD5:      rec.MD5,
				Size:     sk.Size(),
				KSize:    sk.KSize(),
				Scaled:   sk.Scaled(),
				Molecule: sk.Molecule(),
			}
			if ds.MD5 == "" {
				ds.MD5 = sk.MD5()
			}

			key := ds.DedupKey()
			if _, dup := seen[key]; dup {
				res.Skipped++
				continue
			}
			seen[key] = struct{}{}
			exists, err := idx.hasDataset(key)
			if err != nil {
				return res, err
			}
			if exists {
				idx.logger.Debug("dataset already indexed", "name", ds.Name, "md5", ds.MD5)
				res.Skipped++
				continue
			}
			pending = append(pending, pendingDataset{dataset: ds, hashes: sk.Hashes()})
		}

		if len(pending) == 0 {
			continue
		}
		merged, err := idx.commitBatch(pending)
		if err != nil {
			return res, err
		}
		res.Added += len(pending)
		res.Hashes += merged
		idx.logger.Info("indexed batch", "datasets", res.Added, "records", len(recs), "hashes", merged)
	}

	idx.logger.Info("update finished", "added", res.Added, "skipped", res.Skipped)
	return res, nil
}

func (idx *RevIndex) recordFits(rec collection.Record) bool {
	if rec.KSize != idx.template.KSize || rec.Molecule != idx.template.Molecule || rec.Num != 0 {
		return false
	}
	return rec.Scaled != 0 && rec.Scaled <= idx.template.Scaled
}

func (idx *RevIndex) hasDataset(dedupKey string) (bool, error) {
	v, err := idx.backend.Get(storage.SpaceDigests, []byte(dedupKey))
	if err != nil {
		return false, fmt.Errorf("lookup dataset: %w", err)
	}
	return v != nil, nil
}

// Dataset returns the record of an indexed dataset
func (idx *RevIndex) Dataset(id models.DatasetID) (*models.Dataset, error) {
	idx.mu.RLock()
	ds, ok := idx.datasets[id]
	idx.mu.RUnlock()
	if ok {
		return ds, nil
	}

	v, err := idx.backend.Get(storage.SpaceDatasets, datasetKey(id))
	if err != nil {
		return nil, fmt.Errorf("load dataset %d: %w", id, err)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: unknown dataset %d", ErrCorrupt, id)
	}
	ds = &models.Dataset{}
	if err := json.Unmarshal(v, ds); err != nil {
		return nil, fmt.Errorf("%w: dataset %d: %v", ErrCorrupt, id, err)
	}

	idx.mu.Lock()
	idx.datasets[id] = ds
	idx.mu.Unlock()
	return ds, nil
}

// Datasets returns every indexed dataset ordered by id
func (idx *RevIndex) Datasets() ([]*models.Dataset, error) {
	var out []*models.Dataset
	err := idx.backend.Scan(storage.SpaceDatasets, nil, func(_, v []byte) error {
		ds := &models.Dataset{}
		if err := json.Unmarshal(v, ds); err != nil {
			return fmt.Errorf("%w: dataset: %v", ErrCorrupt, err)
		}
		out = append(out, ds)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *models.Dataset) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Template returns the sketch parameters of the index
func (idx *RevIndex) Template() Template {
	return idx.template
}

// UseColors reports whether hashes map to colors rather than sets
func (idx *RevIndex) UseColors() bool {
	return idx.useColors
}

// Len returns the number of indexed datasets
func (idx *RevIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int(idx.nextDataset)
}

// Path returns the index location
func (idx *RevIndex) Path() string {
	return idx.backend.Path()
}

// Backend returns the underlying storage
func (idx *RevIndex) Backend() storage.Backend {
	return idx.backend
}

// Close releases the index
func (idx *RevIndex) Close() error {
	return idx.backend.Close()
}
