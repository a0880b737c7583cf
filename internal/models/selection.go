package models

import "fmt"

// Selection narrows a collection or signature down to comparable sketches.
// Zero-valued fields match anything.
type Selection struct {
	KSize    uint32 `json:"ksize,omitempty" toml:"ksize"`
	Scaled   uint64 `json:"scaled,omitempty" toml:"scaled"`
	Num      uint32 `json:"num,omitempty" toml:"num"`
	Molecule string `json:"molecule,omitempty" toml:"molecule"`
}

// IsEmpty returns true if the selection matches every sketch
func (s *Selection) IsEmpty() bool {
	return s == nil || (s.KSize == 0 && s.Scaled == 0 && s.Num == 0 && s.Molecule == "")
}

// MatchesParams reports whether a sketch with the given parameters passes the
// selection. A sketch with a finer scaled than requested still matches since
// it can be downsampled.
func (s *Selection) MatchesParams(ksize uint32, scaled uint64, num uint32, molecule string) bool {
	if s == nil {
		return true
	}
	if s.KSize != 0 && s.KSize != ksize {
		return false
	}
	if s.Molecule != "" && s.Molecule != molecule {
		return false
	}
	if s.Num != 0 && s.Num != num {
		return false
	}
	if s.Scaled != 0 && (scaled == 0 || scaled > s.Scaled) {
		return false
	}
	return true
}

func (s *Selection) String() string {
	if s.IsEmpty() {
		return "any"
	}
	return fmt.Sprintf("ksize=%d scaled=%d num=%d molecule=%s", s.KSize, s.Scaled, s.Num, s.Molecule)
}
