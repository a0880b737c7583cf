package models

import "strings"

// SearchResult is a single dataset passing the search threshold
type SearchResult struct {
	Name        string  `json:"name"`
	Filename    string  `json:"filename,omitempty"`
	MD5         string  `json:"md5"`
	Containment float64 `json:"containment"`
	Intersect   int     `json:"intersect"`    // shared hashes
	IntersectBP uint64  `json:"intersect_bp"` // shared hashes times scaled
}

// GatherResult is one step of a greedy gather decomposition
type GatherResult struct {
	Rank        int     `json:"rank"`
	Name        string  `json:"name"`
	Filename    string  `json:"filename,omitempty"`
	MD5         string  `json:"md5"`
	IntersectBP uint64  `json:"intersect_bp"`
	FMatch      float64 `json:"f_match"`      // fraction of the match covered by the query
	FOrigQuery  float64 `json:"f_orig_query"` // fraction of the original query
	FRemaining  float64 `json:"f_remaining"`  // fraction of the query left unassigned
	RemainingBP uint64  `json:"remaining_bp"`
	MatchSize   int     `json:"match_size"`
}

// ShortName reduces a dataset path to its accession: the last path
// component up to the first dot
func ShortName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		path = path[i+1:]
	}
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = path[:i]
	}
	return path
}

// Accession returns the short name of a search result, preferring the file
// it was indexed from
func (r SearchResult) Accession() string {
	if r.Filename != "" {
		return ShortName(r.Filename)
	}
	return ShortName(r.Name)
}
