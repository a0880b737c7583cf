package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"syscall"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// levelBackend stores every keyspace in one LSM tree; keys are prefixed
// with the space name and a NUL separator
type levelBackend struct {
	db       *leveldb.DB
	path     string
	readOnly bool
}

func openLevelDB(dir string, mode Mode) (*levelBackend, error) {
	readOnly := mode == ModeReadOnly
	db, err := leveldb.OpenFile(filepath.Join(dir, dataName(KindLevelDB)), &opt.Options{
		ReadOnly:       readOnly,
		ErrorIfMissing: mode != ModeCreate,
	})
	if err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, fmt.Errorf("%s: %w", dir, ErrLocked)
		}
		return nil, fmt.Errorf("open leveldb index: %w", err)
	}
	return &levelBackend{db: db, path: dir, readOnly: readOnly}, nil
}

func spaceKey(space Space, key []byte) []byte {
	out := make([]byte, 0, len(space)+1+len(key))
	out = append(out, space...)
	out = append(out, 0)
	return append(out, key...)
}

func (l *levelBackend) Get(space Space, key []byte) ([]byte, error) {
	v, err := l.db.Get(spaceKey(space, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", space, err)
	}
	return v, nil
}

func (l *levelBackend) Scan(space Space, prefix []byte, fn func(k, v []byte) error) error {
	full := spaceKey(space, prefix)
	strip := len(space) + 1
	iter := l.db.NewIterator(util.BytesPrefix(full), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key()[strip:], iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (l *levelBackend) Write(batch *Batch) error {
	if l.readOnly {
		return ErrReadOnly
	}
	if batch.Len() == 0 {
		return nil
	}
	lb := new(leveldb.Batch)
	for _, o := range batch.ops {
		if o.del {
			lb.Delete(spaceKey(o.space, o.key))
		} else {
			lb.Put(spaceKey(o.space, o.key), o.value)
		}
	}
	if err := l.db.Write(lb, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	return nil
}

func (l *levelBackend) Count(space Space) (keys, keyBytes, valueBytes int64, err error) {
	err = l.Scan(space, nil, func(k, v []byte) error {
		keys++
		keyBytes += int64(len(k))
		valueBytes += int64(len(v))
		return nil
	})
	return keys, keyBytes, valueBytes, err
}

func (l *levelBackend) ReadOnly() bool { return l.readOnly }
func (l *levelBackend) Kind() Kind     { return KindLevelDB }
func (l *levelBackend) Path() string   { return l.path }

func (l *levelBackend) Close() error {
	return l.db.Close()
}
