package revindex

import (
	"sort"

	"github.com/weaviate/sroar"
	"gonum.org/v1/gonum/stat"

	"github.com/kilupskalvis/mastiff/internal/storage"
)

// Stats describes the contents of an index
type Stats struct {
	Datasets   int64 `json:"datasets"`
	Hashes     int64 `json:"hashes"`
	KeyBytes   int64 `json:"key_bytes"`
	ValueBytes int64 `json:"value_bytes"`
	Colors     int64 `json:"colors"`

	// Filled in by a full check only
	Full             bool    `json:"full"`
	DistinctDatasets int     `json:"distinct_datasets"`
	MaxOwners        int     `json:"max_owners"`
	MeanOwners       float64 `json:"mean_owners"`
	StdDevOwners     float64 `json:"stddev_owners"`
	MedianOwners     float64 `json:"median_owners"`
	P25Owners        float64 `json:"p25_owners"`
	P75Owners        float64 `json:"p75_owners"`
}

// Check reports key counts and sizes. Unless quick is set it also decodes
// every hash entry and summarizes how many datasets own each hash.
func (idx *RevIndex) Check(quick bool) (*Stats, error) {
	st := &Stats{}
	var err error
	if st.Hashes, st.KeyBytes, st.ValueBytes, err = idx.backend.Count(storage.SpaceHashes); err != nil {
		return nil, err
	}
	if st.Datasets, _, _, err = idx.backend.Count(storage.SpaceDatasets); err != nil {
		return nil, err
	}
	if idx.colors != nil {
		if st.Colors, _, _, err = idx.backend.Count(storage.SpaceColors); err != nil {
			return nil, err
		}
	}
	if quick {
		return st, nil
	}

	owners := make([]float64, 0, st.Hashes)
	all := sroar.NewBitmap()
	colorSizes := make(map[Color]int)
	err = idx.backend.Scan(storage.SpaceHashes, nil, func(_, v []byte) error {
		if idx.colors != nil {
			c, err := decodeColor(v)
			if err != nil {
				return err
			}
			if n, ok := colorSizes[c]; ok {
				owners = append(owners, float64(n))
				return nil
			}
			set, err := idx.colors.DatasetsFor(c)
			if err != nil {
				return err
			}
			colorSizes[c] = set.GetCardinality()
			owners = append(owners, float64(colorSizes[c]))
			all.Or(set)
			return nil
		}

		set, err := decodeSet(v)
		if err != nil {
			return err
		}
		owners = append(owners, float64(set.GetCardinality()))
		all.Or(set)
		return nil
	})
	if err != nil {
		return nil, err
	}

	st.Full = true
	st.DistinctDatasets = all.GetCardinality()
	if len(owners) == 0 {
		return st, nil
	}
	sort.Float64s(owners)
	st.MaxOwners = int(owners[len(owners)-1])
	st.MeanOwners, st.StdDevOwners = stat.MeanStdDev(owners, nil)
	st.MedianOwners = stat.Quantile(0.5, stat.Empirical, owners, nil)
	st.P25Owners = stat.Quantile(0.25, stat.Empirical, owners, nil)
	st.P75Owners = stat.Quantile(0.75, stat.Empirical, owners, nil)
	return st, nil
}
