// Package bboltstore implements pkg/kvstore.KVStore on top of go.etcd.io/bbolt,
// a single-file embedded store with atomic bucketed transactions — the same
// role bbolt plays in other content-addressed Go systems, where one file
// backs several independent namespaces (chunks, bundles, keys) with
// per-transaction atomicity and no external database process.
package bboltstore

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/mwillis775/grabnet/pkg/kvstore"
)

// Store is a bbolt-backed KVStore.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("bboltstore: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close implements kvstore.KVStore.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put implements kvstore.KVStore.
func (s *Store) Put(bucket string, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return fmt.Errorf("bboltstore: create bucket %s: %w", bucket, err)
		}
		return b.Put(key, value)
	})
}

// Get implements kvstore.KVStore.
func (s *Store) Get(bucket string, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return kvstore.ErrNotFound
		}
		v := b.Get(key)
		if v == nil {
			return kvstore.ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Has implements kvstore.KVStore.
func (s *Store) Has(bucket string, key []byte) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		found = b.Get(key) != nil
		return nil
	})
	return found, err
}

// Delete implements kvstore.KVStore.
func (s *Store) Delete(bucket string, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete(key)
	})
}

// ScanPrefix implements kvstore.KVStore.
func (s *Store) ScanPrefix(bucket string, prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update implements kvstore.KVStore.
func (s *Store) Update(fn func(tx kvstore.Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&boltTx{btx: btx})
	})
}

type boltTx struct {
	btx *bolt.Tx
}

func (t *boltTx) Put(bucket string, key, value []byte) error {
	b, err := t.btx.CreateBucketIfNotExists([]byte(bucket))
	if err != nil {
		return fmt.Errorf("bboltstore: create bucket %s: %w", bucket, err)
	}
	return b.Put(key, value)
}

func (t *boltTx) Get(bucket string, key []byte) ([]byte, error) {
	b := t.btx.Bucket([]byte(bucket))
	if b == nil {
		return nil, kvstore.ErrNotFound
	}
	v := b.Get(key)
	if v == nil {
		return nil, kvstore.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *boltTx) Has(bucket string, key []byte) (bool, error) {
	b := t.btx.Bucket([]byte(bucket))
	if b == nil {
		return false, nil
	}
	return b.Get(key) != nil, nil
}

func (t *boltTx) Delete(bucket string, key []byte) error {
	b := t.btx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}
	return b.Delete(key)
}

func (t *boltTx) ScanPrefix(bucket string, prefix []byte, fn func(key, value []byte) error) error {
	b := t.btx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

var _ kvstore.KVStore = (*Store)(nil)
