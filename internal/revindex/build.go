package revindex

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/weaviate/sroar"

	"github.com/kilupskalvis/mastiff/internal/models"
	"github.com/kilupskalvis/mastiff/internal/storage"
)

type pendingDataset struct {
	dataset *models.Dataset
	hashes  []uint64
}

type edge struct {
	hash    uint64
	dataset models.DatasetID
}

// edgeLog is an append-only arena of (hash, dataset) edges for one batch.
// Edges are grouped by hash only when the batch is merged.
type edgeLog struct {
	edges []edge
}

func (l *edgeLog) add(hash uint64, ds models.DatasetID) {
	l.edges = append(l.edges, edge{hash: hash, dataset: ds})
}

// groups calls fn once per distinct hash, in hash order, with the set of
// datasets logged for it
func (l *edgeLog) groups(fn func(hash uint64, datasets *sroar.Bitmap) error) error {
	slices.SortFunc(l.edges, func(a, b edge) int {
		if c := cmp.Compare(a.hash, b.hash); c != 0 {
			return c
		}
		return cmp.Compare(a.dataset, b.dataset)
	})
	for i := 0; i < len(l.edges); {
		j := i
		set := sroar.NewBitmap()
		for ; j < len(l.edges) && l.edges[j].hash == l.edges[i].hash; j++ {
			set.Set(uint64(l.edges[j].dataset))
		}
		if err := fn(l.edges[i].hash, set); err != nil {
			return err
		}
		i = j
	}
	return nil
}

// commitBatch assigns ids to the pending datasets, merges their hashes into
// the index and writes everything in one atomic batch. On failure no id or
// color allocated here survives. It returns the number of edges merged.
func (idx *RevIndex) commitBatch(pending []pendingDataset) (int, error) {
	idx.mu.RLock()
	first := idx.nextDataset
	idx.mu.RUnlock()

	log := &edgeLog{}
	batch := storage.NewBatch()
	for i, p := range pending {
		p.dataset.ID = first + models.DatasetID(i)
		for _, h := range p.hashes {
			log.add(h, p.dataset.ID)
		}
		raw, err := json.Marshal(p.dataset)
		if err != nil {
			return 0, err
		}
		key := datasetKey(p.dataset.ID)
		batch.Put(storage.SpaceDatasets, key, raw)
		batch.Put(storage.SpaceDigests, []byte(p.dataset.DedupKey()), key)
	}
	edges := len(log.edges)
	next := first + models.DatasetID(len(pending))
	batch.Put(storage.SpaceMeta, []byte(metaNextDataset), encodeUint64(uint64(next)))

	if err := idx.merge(log, batch); err != nil {
		idx.abort(pending)
		return 0, err
	}
	if idx.colors != nil {
		idx.colors.stage(batch)
	}
	if err := idx.backend.Write(batch); err != nil {
		idx.abort(pending)
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	if idx.colors != nil {
		idx.colors.commit()
	}

	idx.mu.Lock()
	idx.nextDataset = next
	for _, p := range pending {
		idx.datasets[p.dataset.ID] = p.dataset
	}
	idx.mu.Unlock()
	return edges, nil
}

func (idx *RevIndex) abort(pending []pendingDataset) {
	if idx.colors != nil {
		idx.colors.rollback()
	}
	for _, p := range pending {
		p.dataset.ID = 0
	}
}

// merge unions the logged datasets of every hash with its committed owners
// and records the new hash entries in batch
func (idx *RevIndex) merge(log *edgeLog, batch *storage.Batch) error {
	return log.groups(func(h uint64, added *sroar.Bitmap) error {
		key := hashKey(h)
		current, err := idx.ownersByKey(key)
		if err != nil {
			return err
		}
		merged := added
		if current != nil {
			merged = current.Clone()
			merged.Or(added)
		}

		if idx.colors == nil {
			batch.Put(storage.SpaceHashes, key, encodeSet(merged))
			return nil
		}
		c, err := idx.colors.ColorFor(merged)
		if err != nil {
			return err
		}
		batch.Put(storage.SpaceHashes, key, colorKey(c))
		return nil
	})
}

// ownersByKey returns the committed dataset set of a hash, or nil
func (idx *RevIndex) ownersByKey(key []byte) (*sroar.Bitmap, error) {
	v, err := idx.backend.Get(storage.SpaceHashes, key)
	if err != nil {
		return nil, fmt.Errorf("read hash: %w", err)
	}
	if v == nil {
		return nil, nil
	}
	return idx.decodeOwners(v)
}

func (idx *RevIndex) decodeOwners(v []byte) (*sroar.Bitmap, error) {
	if idx.colors == nil {
		return decodeSet(v)
	}
	c, err := decodeColor(v)
	if err != nil {
		return nil, err
	}
	return idx.colors.DatasetsFor(c)
}
