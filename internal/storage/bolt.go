package storage

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

// lockTimeout bounds how long an open waits for the file lock
const lockTimeout = 1 * time.Second

// boltBackend keeps one bucket per keyspace in a single bbolt file
type boltBackend struct {
	db       *bolt.DB
	path     string
	readOnly bool
}

func openBolt(dir string, mode Mode) (*boltBackend, error) {
	readOnly := mode == ModeReadOnly
	db, err := bolt.Open(filepath.Join(dir, dataName(KindBolt)), 0600, &bolt.Options{
		Timeout:  lockTimeout,
		ReadOnly: readOnly,
	})
	if err != nil {
		if errors.Is(err, berrors.ErrTimeout) {
			return nil, fmt.Errorf("%s: %w", dir, ErrLocked)
		}
		return nil, fmt.Errorf("open bolt index: %w", err)
	}

	if !readOnly {
		if err := db.Update(func(tx *bolt.Tx) error {
			for _, space := range Spaces {
				if _, err := tx.CreateBucketIfNotExists([]byte(space)); err != nil {
					return fmt.Errorf("create bucket %s: %w", space, err)
				}
			}
			return nil
		}); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &boltBackend{db: db, path: dir, readOnly: readOnly}, nil
}

func (b *boltBackend) Get(space Space, key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(space))
		if bucket == nil {
			return nil
		}
		if v := bucket.Get(key); v != nil {
			out = bytes.Clone(v)
		}
		return nil
	})
	return out, err
}

func (b *boltBackend) Scan(space Space, prefix []byte, fn func(k, v []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(space))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		k, v := c.First()
		if len(prefix) > 0 {
			k, v = c.Seek(prefix)
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *boltBackend) Write(batch *Batch) error {
	if b.readOnly {
		return ErrReadOnly
	}
	if batch.Len() == 0 {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, o := range batch.ops {
			bucket := tx.Bucket([]byte(o.space))
			if bucket == nil {
				return fmt.Errorf("bucket %s not found", o.space)
			}
			var err error
			if o.del {
				err = bucket.Delete(o.key)
			} else {
				err = bucket.Put(o.key, o.value)
			}
			if err != nil {
				return fmt.Errorf("write %s: %w", o.space, err)
			}
		}
		return nil
	})
}

func (b *boltBackend) Count(space Space) (keys, keyBytes, valueBytes int64, err error) {
	err = b.Scan(space, nil, func(k, v []byte) error {
		keys++
		keyBytes += int64(len(k))
		valueBytes += int64(len(v))
		return nil
	})
	return keys, keyBytes, valueBytes, err
}

func (b *boltBackend) ReadOnly() bool { return b.readOnly }
func (b *boltBackend) Kind() Kind     { return KindBolt }
func (b *boltBackend) Path() string   { return b.path }

func (b *boltBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
