package revindex

import (
	"github.com/weaviate/sroar"

	"github.com/kilupskalvis/mastiff/internal/models"
	"github.com/kilupskalvis/mastiff/internal/sketch"
	"github.com/kilupskalvis/mastiff/internal/storage"
)

// QueryColors holds the dataset set of every color a query touches
type QueryColors map[Color]*sroar.Bitmap

// HashToColor maps each query hash present in the index to its color
type HashToColor map[uint64]Color

// GatherParams configure GatherQuery
type GatherParams struct {
	ThresholdBP uint64
	Selection   *models.Selection
}

// PrepareGatherCounters builds the per-query state Gather consumes. Indexes
// storing sets directly get colors from a per-query in-memory table.
func (idx *RevIndex) PrepareGatherCounters(q *sketch.Sketch) (Counter, QueryColors, HashToColor, error) {
	if err := idx.template.checkQuery(q); err != nil {
		return nil, nil, nil, err
	}

	table := idx.colors
	if table == nil {
		table = NewColorTable()
	}

	qc := make(QueryColors)
	h2c := make(HashToColor)
	colorCounts := make(map[Color]int)
	for _, h := range q.Hashes() {
		v, err := idx.backend.Get(storage.SpaceHashes, hashKey(h))
		if err != nil {
			return nil, nil, nil, err
		}
		if v == nil {
			continue
		}

		var c Color
		if idx.colors != nil {
			if c, err = decodeColor(v); err != nil {
				return nil, nil, nil, err
			}
		} else {
			set, err := decodeSet(v)
			if err != nil {
				return nil, nil, nil, err
			}
			if c, err = table.ColorFor(set); err != nil {
				return nil, nil, nil, err
			}
		}

		if _, ok := qc[c]; !ok {
			set, err := table.DatasetsFor(c)
			if err != nil {
				return nil, nil, nil, err
			}
			qc[c] = set
		}
		h2c[h] = c
		colorCounts[c]++
	}

	counter := make(Counter)
	for c, n := range colorCounts {
		for _, d := range qc[c].ToArray() {
			counter[models.DatasetID(d)] += n
		}
	}
	return counter, qc, h2c, nil
}

// Gather greedily decomposes the query: it repeatedly picks the dataset
// with the most unassigned query hashes, stops once that count falls below
// threshold, and removes the winner's hashes from every other dataset's
// count. Each query hash is attributed to at most one result. The inputs
// are not modified.
func (idx *RevIndex) Gather(c Counter, qc QueryColors, h2c HashToColor, threshold int, q *sketch.Sketch, sel *models.Selection) ([]models.GatherResult, error) {
	if err := idx.template.checkSelection(sel); err != nil {
		return nil, err
	}

	counter := c.Clone()
	unassigned := make(map[Color]int)
	for _, color := range h2c {
		unassigned[color]++
	}

	scaled := idx.template.Scaled
	origSize := q.Size()
	remaining := origSize

	var results []models.GatherResult
	for rank := 0; len(counter) > 0; rank++ {
		best, err := idx.bestMatch(counter)
		if err != nil {
			return nil, err
		}
		if best.Count <= 0 || best.Count < threshold {
			break
		}

		winner := uint64(best.Dataset.ID)
		for color, n := range unassigned {
			set := qc[color]
			if !set.Contains(winner) {
				continue
			}
			for _, d := range set.ToArray() {
				id := models.DatasetID(d)
				counter[id] -= n
				if counter[id] <= 0 {
					delete(counter, id)
				}
			}
			delete(unassigned, color)
		}

		remaining -= best.Count
		ds := best.Dataset
		results = append(results, models.GatherResult{
			Rank:        rank,
			Name:        ds.DisplayName(),
			Filename:    ds.Filename,
			MD5:         ds.MD5,
			IntersectBP: uint64(best.Count) * scaled,
			FMatch:      fraction(best.Count, ds.Size),
			FOrigQuery:  fraction(best.Count, origSize),
			FRemaining:  fraction(remaining, origSize),
			RemainingBP: uint64(remaining) * scaled,
			MatchSize:   ds.Size,
		})
	}
	return results, nil
}

// GatherQuery runs PrepareGatherCounters and Gather for q
func (idx *RevIndex) GatherQuery(q *sketch.Sketch, p GatherParams) ([]models.GatherResult, error) {
	counter, qc, h2c, err := idx.PrepareGatherCounters(q)
	if err != nil {
		return nil, err
	}
	return idx.Gather(counter, qc, h2c, idx.thresholdCount(p.ThresholdBP), q, p.Selection)
}

// bestMatch returns the counter entry ranked first by count, name and id
func (idx *RevIndex) bestMatch(counter Counter) (Match, error) {
	var best Match
	for id, n := range counter {
		if best.Dataset != nil && n < best.Count {
			continue
		}
		ds, err := idx.Dataset(id)
		if err != nil {
			return Match{}, err
		}
		m := Match{Dataset: ds, Count: n}
		if best.Dataset == nil || compareMatches(m, best) < 0 {
			best = m
		}
	}
	return best, nil
}

func fraction(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
