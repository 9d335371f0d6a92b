// Package memstore implements kvstore.KVStore as an in-memory map, grounded
// on the teacher's MockDHT pattern (pkg/content/provider.go) of swapping a
// map-backed fake for the persisted store in tests.
package memstore

import (
	"sort"
	"strings"
	"sync"

	"github.com/mwillis775/grabnet/pkg/kvstore"
)

// Store is an in-memory KVStore. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// New returns an empty in-memory KVStore.
func New() *Store {
	return &Store{buckets: make(map[string]map[string][]byte)}
}

func (s *Store) Put(bucket string, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		s.buckets[bucket] = b
	}
	b[string(key)] = append([]byte(nil), value...)
	return nil
}

func (s *Store) Get(bucket string, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	v, ok := b[string(key)]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) Has(bucket string, key []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return false, nil
	}
	_, ok = b[string(key)]
	return ok, nil
}

func (s *Store) Delete(bucket string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[bucket]; ok {
		delete(b, string(key))
	}
	return nil
}

func (s *Store) ScanPrefix(bucket string, prefix []byte, fn func(key, value []byte) error) error {
	s.mu.RLock()
	b, ok := s.buckets[bucket]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make(map[string][]byte, len(keys))
	for _, k := range keys {
		values[k] = append([]byte(nil), b[k]...)
	}
	s.mu.RUnlock()

	for _, k := range keys {
		if err := fn([]byte(k), values[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Update(fn func(tx kvstore.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]map[string][]byte, len(s.buckets))
	for name, b := range s.buckets {
		copied := make(map[string][]byte, len(b))
		for k, v := range b {
			copied[k] = v
		}
		snapshot[name] = copied
	}
	if err := fn(&memTx{s: s}); err != nil {
		s.buckets = snapshot
		return err
	}
	return nil
}

func (s *Store) Close() error { return nil }

// memTx implements kvstore.Tx directly against the store's maps. Callers of
// Update already hold s.mu, so memTx must not re-lock.
type memTx struct {
	s *Store
}

func (t *memTx) bucket(name string) map[string][]byte {
	b, ok := t.s.buckets[name]
	if !ok {
		b = make(map[string][]byte)
		t.s.buckets[name] = b
	}
	return b
}

func (t *memTx) Put(bucket string, key, value []byte) error {
	t.bucket(bucket)[string(key)] = append([]byte(nil), value...)
	return nil
}

func (t *memTx) Get(bucket string, key []byte) ([]byte, error) {
	b, ok := t.s.buckets[bucket]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	v, ok := b[string(key)]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *memTx) Has(bucket string, key []byte) (bool, error) {
	b, ok := t.s.buckets[bucket]
	if !ok {
		return false, nil
	}
	_, ok = b[string(key)]
	return ok, nil
}

func (t *memTx) Delete(bucket string, key []byte) error {
	if b, ok := t.s.buckets[bucket]; ok {
		delete(b, string(key))
	}
	return nil
}

func (t *memTx) ScanPrefix(bucket string, prefix []byte, fn func(key, value []byte) error) error {
	b, ok := t.s.buckets[bucket]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), b[k]); err != nil {
			return err
		}
	}
	return nil
}

var _ kvstore.KVStore = (*Store)(nil)
