package revindex

import (
	"fmt"
	"slices"
	"sync"

	"github.com/weaviate/sroar"

	"github.com/kilupskalvis/mastiff/internal/storage"
)

// Color identifies a distinct set of datasets. Colors are allocated densely
// from 1 and never reassigned; 0 means no color.
type Color uint64

// NoColor is never assigned to a set
const NoColor Color = 0

// maxCachedSets bounds the read-path set cache of a persisted table
const maxCachedSets = 1 << 16

// ColorTable maps colors to dataset sets and back. A persisted table reads
// committed colors from the backend and stages new ones until the owning
// batch commits. A table without a backend lives only in memory.
type ColorTable struct {
	mu      sync.RWMutex
	backend storage.Backend
	sets    map[Color]*sroar.Bitmap
	digests map[uint64][]Color
	next    Color

	staged []Color
	dirty  map[uint64]struct{}
}

// NewColorTable creates an in-memory color table
func NewColorTable() *ColorTable {
	return newColorTable(nil, NoColor+1)
}

func newColorTable(backend storage.Backend, next Color) *ColorTable {
	return &ColorTable{
		backend: backend,
		sets:    make(map[Color]*sroar.Bitmap),
		digests: make(map[uint64][]Color),
		next:    next,
		dirty:   make(map[uint64]struct{}),
	}
}

// Len returns the number of allocated colors
func (t *ColorTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int(t.next - 1)
}

// ColorFor returns the color of set, allocating a new one if the set has
// never been seen. The caller must not modify set afterwards.
func (t *ColorTable) ColorFor(set *sroar.Bitmap) (Color, error) {
	digest := setDigest(set)

	t.mu.Lock()
	defer t.mu.Unlock()

	candidates, err := t.candidatesLocked(digest)
	if err != nil {
		return NoColor, err
	}
	for _, c := range candidates {
		existing, err := t.setLocked(c)
		if err != nil {
			return NoColor, err
		}
		if sameSet(existing, set) {
			return c, nil
		}
	}

	c := t.next
	t.next++
	t.sets[c] = set
	t.digests[digest] = append(slices.Clone(candidates), c)
	t.dirty[digest] = struct{}{}
	t.staged = append(t.staged, c)
	return c, nil
}

// DatasetsFor returns the dataset set of a color. The returned bitmap is
// shared and must not be modified.
func (t *ColorTable) DatasetsFor(c Color) (*sroar.Bitmap, error) {
	t.mu.RLock()
	set, ok := t.sets[c]
	t.mu.RUnlock()
	if ok {
		return set, nil
	}

	set, err := t.load(c)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if len(t.sets) < maxCachedSets {
		t.sets[c] = set
	}
	t.mu.Unlock()
	return set, nil
}

func (t *ColorTable) setLocked(c Color) (*sroar.Bitmap, error) {
	if set, ok := t.sets[c]; ok {
		return set, nil
	}
	set, err := t.load(c)
	if err != nil {
		return nil, err
	}
	t.sets[c] = set
	return set, nil
}

func (t *ColorTable) load(c Color) (*sroar.Bitmap, error) {
	if t.backend == nil {
		return nil, fmt.Errorf("%w: unknown color %d", ErrCorrupt, c)
	}
	v, err := t.backend.Get(storage.SpaceColors, colorKey(c))
	if err != nil {
		return nil, fmt.Errorf("load color %d: %w", c, err)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: unknown color %d", ErrCorrupt, c)
	}
	set, err := decodeSet(v)
	if err != nil {
		return nil, fmt.Errorf("decode color %d: %w", c, err)
	}
	return set, nil
}

func (t *ColorTable) candidatesLocked(digest uint64) ([]Color, error) {
	if cs, ok := t.digests[digest]; ok {
		return cs, nil
	}
	if t.backend == nil {
		return nil, nil
	}
	v, err := t.backend.Get(storage.SpaceColorSets, encodeUint64(digest))
	if err != nil {
		return nil, fmt.Errorf("load color digest: %w", err)
	}
	if v == nil {
		return nil, nil
	}
	cs, err := decodeColors(v)
	if err != nil {
		return nil, err
	}
	t.digests[digest] = cs
	return cs, nil
}

// stage adds every color allocated since the last commit to b
func (t *ColorTable) stage(b *storage.Batch) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.staged {
		b.Put(storage.SpaceColors, colorKey(c), encodeSet(t.sets[c]))
	}
	for digest := range t.dirty {
		b.Put(storage.SpaceColorSets, encodeUint64(digest), encodeColors(t.digests[digest]))
	}
	b.Put(storage.SpaceMeta, []byte(metaNextColor), encodeUint64(uint64(t.next)))
}

// commit marks staged colors as persisted
func (t *ColorTable) commit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged = t.staged[:0]
	clear(t.dirty)
}

// rollback forgets every color allocated since the last commit
func (t *ColorTable) rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.staged) > 0 {
		t.next = t.staged[0]
	}
	for _, c := range t.staged {
		delete(t.sets, c)
	}
	for digest := range t.dirty {
		delete(t.digests, digest)
	}
	t.staged = t.staged[:0]
	clear(t.dirty)
}

// pending returns the number of staged colors
func (t *ColorTable) pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.staged)
}
