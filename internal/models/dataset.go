// Package models defines the core data structures used throughout mastiff
// including dataset records, sketch selections, and query results.
package models

// Molecule types understood by the sketch and signature packages
const (
	MoleculeDNA     = "DNA"
	MoleculeProtein = "protein"
	MoleculeDayhoff = "dayhoff"
	MoleculeHP      = "hp"
)

// DatasetID is the dense internal identifier of an indexed dataset
type DatasetID uint32

// Dataset is a reference dataset recorded in the index. Records are
// immutable once indexed.
type Dataset struct {
	ID       DatasetID `json:"id"`
	Name     string    `json:"name"`
	Filename string    `json:"filename,omitempty"`
	MD5      string    `json:"md5"`
	Size     int       `json:"size"` // number of hashes in the indexed sketch
	KSize    uint32    `json:"ksize"`
	Scaled   uint64    `json:"scaled"`
	Molecule string    `json:"molecule"`
}

// DisplayName returns the name used in reports, falling back to the filename
// and then the md5 when a dataset is unnamed.
func (d *Dataset) DisplayName() string {
	switch {
	case d.Name != "":
		return d.Name
	case d.Filename != "":
		return d.Filename
	default:
		return d.MD5
	}
}

// DedupKey identifies a dataset by content and name
func (d *Dataset) DedupKey() string {
	return d.MD5 + "\x00" + d.Name
}
