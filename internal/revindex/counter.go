package revindex

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/kilupskalvis/mastiff/internal/models"
	"github.com/kilupskalvis/mastiff/internal/sketch"
	"github.com/kilupskalvis/mastiff/internal/storage"
)

// Counter maps dataset ids to the number of query hashes they contain
type Counter map[models.DatasetID]int

// Clone returns an independent copy
func (c Counter) Clone() Counter {
	out := make(Counter, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Match is a dataset and its shared hash count
type Match struct {
	Dataset *models.Dataset
	Count   int
}

// CounterForQuery counts, for every dataset, how many hashes of q it
// contains. Hashes absent from the index are ignored.
func (idx *RevIndex) CounterForQuery(q *sketch.Sketch) (Counter, error) {
	if err := idx.template.checkQuery(q); err != nil {
		return nil, err
	}

	counter := make(Counter)
	if idx.colors == nil {
		for _, h := range q.Hashes() {
			set, err := idx.ownersByKey(hashKey(h))
			if err != nil {
				return nil, err
			}
			if set == nil {
				continue
			}
			for _, d := range set.ToArray() {
				counter[models.DatasetID(d)]++
			}
		}
		return counter, nil
	}

	colorCounts, err := idx.colorCounts(q)
	if err != nil {
		return nil, err
	}
	for c, n := range colorCounts {
		set, err := idx.colors.DatasetsFor(c)
		if err != nil {
			return nil, err
		}
		for _, d := range set.ToArray() {
			counter[models.DatasetID(d)] += n
		}
	}
	return counter, nil
}

// colorCounts tallies the colors of the query hashes present in the index
func (idx *RevIndex) colorCounts(q *sketch.Sketch) (map[Color]int, error) {
	counts := make(map[Color]int)
	for _, h := range q.Hashes() {
		v, err := idx.backend.Get(storage.SpaceHashes, hashKey(h))
		if err != nil {
			return nil, fmt.Errorf("read hash: %w", err)
		}
		if v == nil {
			continue
		}
		c, err := decodeColor(v)
		if err != nil {
			return nil, err
		}
		counts[c]++
	}
	return counts, nil
}

// MatchesFromCounter returns the datasets with at least threshold shared
// hashes, ordered by count descending, then name, then id
func (idx *RevIndex) MatchesFromCounter(c Counter, threshold int) ([]Match, error) {
	matches := make([]Match, 0, len(c))
	for id, n := range c {
		if n <= 0 || n < threshold {
			continue
		}
		ds, err := idx.Dataset(id)
		if err != nil {
			return nil, err
		}
		matches = append(matches, Match{Dataset: ds, Count: n})
	}
	slices.SortFunc(matches, compareMatches)
	return matches, nil
}

func compareMatches(a, b Match) int {
	if c := cmp.Compare(b.Count, a.Count); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Dataset.DisplayName(), b.Dataset.DisplayName()); c != 0 {
		return c
	}
	return cmp.Compare(a.Dataset.ID, b.Dataset.ID)
}
