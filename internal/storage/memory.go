package storage

import (
	"bytes"
	"sort"
	"strings"
	"sync"
)

// Memory is a non-persistent backend. Tests and throwaway indexes use it.
type Memory struct {
	mu     sync.RWMutex
	path   string
	spaces map[Space]map[string][]byte
}

// NewMemory creates an empty in-memory backend
func NewMemory(path string) *Memory {
	m := &Memory{path: path, spaces: make(map[Space]map[string][]byte, len(Spaces))}
	for _, space := range Spaces {
		m.spaces[space] = make(map[string][]byte)
	}
	return m
}

func (m *Memory) Get(space Space, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.spaces[space][string(key)]
	if !ok {
		return nil, nil
	}
	return bytes.Clone(v), nil
}

func (m *Memory) Scan(space Space, prefix []byte, fn func(k, v []byte) error) error {
	m.mu.RLock()
	kv := m.spaces[space]
	keys := make([]string, 0, len(kv))
	for k := range kv {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	values := make([][]byte, len(keys))
	sort.Strings(keys)
	for i, k := range keys {
		values[i] = kv[k]
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if err := fn([]byte(k), values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Write(b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range b.ops {
		if o.del {
			delete(m.spaces[o.space], string(o.key))
			continue
		}
		m.spaces[o.space][string(o.key)] = bytes.Clone(o.value)
	}
	return nil
}

func (m *Memory) Count(space Space) (keys, keyBytes, valueBytes int64, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, v := range m.spaces[space] {
		keys++
		keyBytes += int64(len(k))
		valueBytes += int64(len(v))
	}
	return keys, keyBytes, valueBytes, nil
}

func (m *Memory) ReadOnly() bool { return false }
func (m *Memory) Kind() Kind     { return KindMemory }
func (m *Memory) Path() string   { return m.path }

func (m *Memory) Close() error { return nil }
