// Package storage provides the ordered key-value persistence behind the
// reverse index. Each backend stores a fixed set of keyspaces and applies
// batches atomically.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Sentinel errors returned by every backend
var (
	ErrNotFound      = errors.New("index not found")
	ErrLocked        = errors.New("index is locked by another process")
	ErrAlreadyExists = errors.New("index already exists")
	ErrReadOnly      = errors.New("index is opened read-only")
)

// Space names a keyspace
type Space string

// Keyspaces used by the reverse index
const (
	SpaceMeta      Space = "meta"
	SpaceHashes    Space = "hashes"
	SpaceColors    Space = "colors"
	SpaceColorSets Space = "colorsets"
	SpaceDatasets  Space = "datasets"
	SpaceDigests   Space = "digests"
)

// Spaces lists every keyspace in a stable order
var Spaces = []Space{SpaceMeta, SpaceHashes, SpaceColors, SpaceColorSets, SpaceDatasets, SpaceDigests}

// Mode controls how a backend is opened
type Mode int

const (
	// ModeReadOnly opens an existing index for queries
	ModeReadOnly Mode = iota
	// ModeReadWrite opens an existing index for updates
	ModeReadWrite
	// ModeCreate creates a new index; the path must be empty or absent
	ModeCreate
)

// Kind names a backend implementation
type Kind string

const (
	KindBolt    Kind = "bolt"
	KindLevelDB Kind = "leveldb"
	KindSQLite  Kind = "sqlite"
	KindMemory  Kind = "memory"
)

// Kinds lists the selectable backends
var Kinds = []Kind{KindBolt, KindLevelDB, KindSQLite, KindMemory}

// ParseKind validates a backend name. An empty name selects bolt.
func ParseKind(s string) (Kind, error) {
	if s == "" {
		return KindBolt, nil
	}
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown storage backend %q", s)
}

// Backend is an ordered key-value store split into keyspaces
type Backend interface {
	// Get returns the value for key, or nil if the key is absent
	Get(space Space, key []byte) ([]byte, error)
	// Scan calls fn for every key starting with prefix, in key order.
	// Slices passed to fn are only valid during the call.
	Scan(space Space, prefix []byte, fn func(k, v []byte) error) error
	// Write applies every operation in b atomically
	Write(b *Batch) error
	// Count returns the number of keys and the total key and value sizes
	Count(space Space) (keys, keyBytes, valueBytes int64, err error)
	ReadOnly() bool
	Kind() Kind
	Path() string
	Close() error
}

type op struct {
	space Space
	key   []byte
	value []byte
	del   bool
}

// Batch collects writes to apply atomically
type Batch struct {
	ops []op
}

// NewBatch creates an empty batch
func NewBatch() *Batch {
	return &Batch{}
}

// Put records a write. Key and value are not copied.
func (b *Batch) Put(space Space, key, value []byte) {
	b.ops = append(b.ops, op{space: space, key: key, value: value})
}

// Delete records a key removal
func (b *Batch) Delete(space Space, key []byte) {
	b.ops = append(b.ops, op{space: space, key: key, del: true})
}

// Len returns the number of recorded operations
func (b *Batch) Len() int {
	return len(b.ops)
}

// Reset empties the batch
func (b *Batch) Reset() {
	b.ops = b.ops[:0]
}

// Bytes returns the total size of recorded keys and values
func (b *Batch) Bytes() int {
	n := 0
	for _, o := range b.ops {
		n += len(o.key) + len(o.value)
	}
	return n
}

// Open opens the backend of the given kind rooted at the index directory
// path. With an empty kind the backend is detected from the directory.
func Open(kind Kind, path string, mode Mode) (Backend, error) {
	if kind == KindMemory {
		if mode == ModeReadOnly {
			return nil, fmt.Errorf("memory backend %s: %w", path, ErrNotFound)
		}
		return NewMemory(path), nil
	}

	switch mode {
	case ModeCreate:
		empty, err := isEmptyDir(path)
		if err != nil {
			return nil, err
		}
		if !empty {
			return nil, fmt.Errorf("%s: %w", path, ErrAlreadyExists)
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
		if kind == "" {
			kind = KindBolt
		}
	default:
		detected, err := Detect(path)
		if err != nil {
			return nil, err
		}
		if kind != "" && kind != detected {
			return nil, fmt.Errorf("%s holds a %s index, not %s", path, detected, kind)
		}
		kind = detected
	}

	var (
		b   Backend
		err error
	)
	switch kind {
	case KindBolt:
		b, err = openBolt(path, mode)
	case KindLevelDB:
		b, err = openLevelDB(path, mode)
	case KindSQLite:
		b, err = openSQLite(path, mode)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Detect returns the backend kind stored in the index directory path
func Detect(path string) (Kind, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not an index directory", path)
	}

	for _, kind := range []Kind{KindBolt, KindLevelDB, KindSQLite} {
		if _, err := os.Stat(filepath.Join(path, dataName(kind))); err == nil {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%s: %w", path, ErrNotFound)
}

// Remove deletes the index at path
func Remove(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove index %s: %w", path, err)
	}
	return nil
}

// dataName is the file or directory each backend keeps inside the index
// directory
func dataName(kind Kind) string {
	switch kind {
	case KindBolt:
		return "index.bolt"
	case KindLevelDB:
		return "leveldb"
	case KindSQLite:
		return "index.sqlite"
	}
	return ""
}

func isEmptyDir(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return len(entries) == 0, nil
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil if there is none
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
