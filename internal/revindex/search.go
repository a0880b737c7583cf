package revindex

import (
	"github.com/kilupskalvis/mastiff/internal/models"
	"github.com/kilupskalvis/mastiff/internal/sketch"
)

// SearchParams filter search results
type SearchParams struct {
	// ThresholdBP is the minimum estimated overlap in base pairs; it is
	// divided by the index scaled to get a hash count
	ThresholdBP uint64
	// MinContainment is the minimum fraction of the query a match covers
	MinContainment float64
}

// Search returns every dataset sharing at least ThresholdBP/scaled hashes
// with q and containing at least MinContainment of it
func (idx *RevIndex) Search(q *sketch.Sketch, p SearchParams) ([]models.SearchResult, error) {
	counter, err := idx.CounterForQuery(q)
	if err != nil {
		return nil, err
	}
	matches, err := idx.MatchesFromCounter(counter, idx.thresholdCount(p.ThresholdBP))
	if err != nil {
		return nil, err
	}

	querySize := float64(q.Size())
	results := make([]models.SearchResult, 0, len(matches))
	for _, m := range matches {
		containment := float64(m.Count) / querySize
		if containment < p.MinContainment {
			continue
		}
		results = append(results, models.SearchResult{
			Name:        m.Dataset.DisplayName(),
			Filename:    m.Dataset.Filename,
			MD5:         m.Dataset.MD5,
			Containment: containment,
			Intersect:   m.Count,
			IntersectBP: uint64(m.Count) * idx.template.Scaled,
		})
	}
	return results, nil
}

func (idx *RevIndex) thresholdCount(thresholdBP uint64) int {
	return int(thresholdBP / idx.template.Scaled)
}
