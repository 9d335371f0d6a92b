// Package chunkstore implements the Chunk Store (§4.B): content-addressed
// blob storage with reference counting, garbage collection, and an
// in-memory LRU read cache. Grounded on the teacher's ChunkStore interface
// (pkg/content/types.go) and chunking pipeline (pkg/content/chunker.go),
// generalized to GrabNet's per-chunk compression tag and pin/refcount model.
package chunkstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mwillis775/grabnet/pkg/canonical"
	"github.com/mwillis775/grabnet/pkg/hashsign"
	"github.com/mwillis775/grabnet/pkg/kvstore"
)

const (
	bucketChunks   = "chunks"
	bucketRefcount = "chunk_refcount"
	bucketPins     = "chunk_pins"
)

// Config configures a Store.
type Config struct {
	// CacheEntries bounds the in-memory LRU read cache. Counted in entries,
	// not bytes, since golang-lru/v2's core cache is count-bounded; the
	// byte budget described in §4.B is enforced by CacheEntries * average
	// chunk size staying near chunk_size, which the Bundler's fixed
	// chunking windows guarantee.
	CacheEntries int
}

// DefaultConfig returns the default Store configuration.
func DefaultConfig() Config {
	return Config{CacheEntries: 1024}
}

type cacheEntry struct {
	bytes       []byte
	compression canonical.Compression
}

// Store is the Chunk Store (§4.B).
type Store struct {
	kv    kvstore.KVStore
	cache *lru.Cache[hashsign.Hash, cacheEntry]

	mu sync.Mutex // serializes refcount/pin read-modify-write per Store
}

// New creates a Store backed by kv.
func New(kv kvstore.KVStore, cfg Config) (*Store, error) {
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = DefaultConfig().CacheEntries
	}
	cache, err := lru.New[hashsign.Hash, cacheEntry](cfg.CacheEntries)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: create LRU cache: %w", err)
	}
	return &Store{kv: kv, cache: cache}, nil
}

// storedChunk is the on-disk representation: the compression tag travels
// with the bytes so Get needs no out-of-band hint (§3).
type storedChunk struct {
	compression canonical.Compression
	bytes       []byte
}

func encodeStoredChunk(c storedChunk) []byte {
	out := make([]byte, 1+len(c.bytes))
	out[0] = byte(c.compression)
	copy(out[1:], c.bytes)
	return out
}

func decodeStoredChunk(b []byte) (storedChunk, error) {
	if len(b) < 1 {
		return storedChunk{}, fmt.Errorf("chunkstore: stored chunk too short")
	}
	return storedChunk{compression: canonical.Compression(b[0]), bytes: b[1:]}, nil
}

// Put stores chunkBytes under H = blake3(chunkBytes), returning H.
// Idempotent: if the chunk is already present, its existing hash is
// returned without rewriting it. put does not affect refcounts; those are
// only adjusted by the Bundle Store's commit step (§4.B).
func (s *Store) Put(chunkBytes []byte, compression canonical.Compression) (hashsign.Hash, error) {
	h := hashsign.Sum(chunkBytes)
	has, err := s.kv.Has(bucketChunks, h[:])
	if err != nil {
		return hashsign.Hash{}, fmt.Errorf("chunkstore: put: %w", err)
	}
	if has {
		return h, nil
	}
	encoded := encodeStoredChunk(storedChunk{compression: compression, bytes: chunkBytes})
	if err := s.kv.Put(bucketChunks, h[:], encoded); err != nil {
		return hashsign.Hash{}, fmt.Errorf("chunkstore: put: %w", err)
	}
	s.cache.Add(h, cacheEntry{bytes: chunkBytes, compression: compression})
	return h, nil
}

// ErrNotFound is returned by Get when a chunk is absent.
var ErrNotFound = errors.New("chunkstore: chunk not found")

// Get retrieves the bytes and compression tag stored under h.
func (s *Store) Get(h hashsign.Hash) ([]byte, canonical.Compression, error) {
	if entry, ok := s.cache.Get(h); ok {
		return entry.bytes, entry.compression, nil
	}

	raw, err := s.kv.Get(bucketChunks, h[:])
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("chunkstore: get: %w", err)
	}
	sc, err := decodeStoredChunk(raw)
	if err != nil {
		return nil, 0, err
	}
	s.cache.Add(h, cacheEntry{bytes: sc.bytes, compression: sc.compression})
	return sc.bytes, sc.compression, nil
}

// Has reports whether h is present in the store.
func (s *Store) Has(h hashsign.Hash) (bool, error) {
	if _, ok := s.cache.Get(h); ok {
		return true, nil
	}
	has, err := s.kv.Has(bucketChunks, h[:])
	if err != nil {
		return false, fmt.Errorf("chunkstore: has: %w", err)
	}
	return has, nil
}

func refcountKey(h hashsign.Hash) []byte { return h[:] }

func decodeCount(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func encodeCount(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// IncRef increments h's reference count by one. Called by the Bundle
// Store's put_bundle when committing a new manifest's chunks, never by Put.
func (s *Store) IncRef(h hashsign.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.refcount(h)
	if err != nil {
		return err
	}
	return s.kv.Put(bucketRefcount, refcountKey(h), encodeCount(cur+1))
}

// DecRef decrements h's reference count by one, floored at zero.
func (s *Store) DecRef(h hashsign.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.refcount(h)
	if err != nil {
		return err
	}
	if cur == 0 {
		return nil
	}
	return s.kv.Put(bucketRefcount, refcountKey(h), encodeCount(cur-1))
}

func (s *Store) refcount(h hashsign.Hash) (uint64, error) {
	raw, err := s.kv.Get(bucketRefcount, refcountKey(h))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("chunkstore: refcount: %w", err)
	}
	return decodeCount(raw), nil
}

// HasTx is Has scoped to an in-flight kvstore.Update transaction, for
// callers (the Bundle Store's put_bundle) that must check chunk presence
// as part of one atomic commit rather than a separate round-trip.
func (s *Store) HasTx(tx kvstore.Tx, h hashsign.Hash) (bool, error) {
	has, err := tx.Has(bucketChunks, h[:])
	if err != nil {
		return false, fmt.Errorf("chunkstore: has: %w", err)
	}
	return has, nil
}

// IncRefTx is IncRef scoped to an in-flight kvstore.Update transaction.
func (s *Store) IncRefTx(tx kvstore.Tx, h hashsign.Hash) error {
	cur, err := refcountTx(tx, h)
	if err != nil {
		return err
	}
	return tx.Put(bucketRefcount, refcountKey(h), encodeCount(cur+1))
}

// DecRefTx is DecRef scoped to an in-flight kvstore.Update transaction.
func (s *Store) DecRefTx(tx kvstore.Tx, h hashsign.Hash) error {
	cur, err := refcountTx(tx, h)
	if err != nil {
		return err
	}
	if cur == 0 {
		return nil
	}
	return tx.Put(bucketRefcount, refcountKey(h), encodeCount(cur-1))
}

func refcountTx(tx kvstore.Tx, h hashsign.Hash) (uint64, error) {
	raw, err := tx.Get(bucketRefcount, refcountKey(h))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("chunkstore: refcount: %w", err)
	}
	return decodeCount(raw), nil
}

// Pin marks h as retained regardless of refcount, per SPEC_FULL.md's
// user-pin retention supplement to §3's Lifecycles.
func (s *Store) Pin(h hashsign.Hash) error {
	return s.kv.Put(bucketPins, h[:], []byte{1})
}

// Unpin removes a previously-set pin on h.
func (s *Store) Unpin(h hashsign.Hash) error {
	return s.kv.Delete(bucketPins, h[:])
}

func (s *Store) isPinned(h hashsign.Hash) (bool, error) {
	has, err := s.kv.Has(bucketPins, h[:])
	if err != nil {
		return false, fmt.Errorf("chunkstore: pin check: %w", err)
	}
	return has, nil
}

// GC sweeps chunks whose refcount has reached zero, are not pinned, and are
// not named in roots (§4.B: "sweep chunks whose refcount reaches zero and
// are not in roots"). roots lets a caller protect chunks mid-commit before
// their refcount has been bumped yet.
func (s *Store) GC(roots map[hashsign.Hash]struct{}) (removed int, err error) {
	var toRemove []hashsign.Hash
	scanErr := s.kv.ScanPrefix(bucketChunks, nil, func(key, _ []byte) error {
		var h hashsign.Hash
		if len(key) != hashsign.HashSize {
			return nil
		}
		copy(h[:], key)

		if _, protected := roots[h]; protected {
			return nil
		}
		pinned, err := s.isPinned(h)
		if err != nil {
			return err
		}
		if pinned {
			return nil
		}
		count, err := s.refcount(h)
		if err != nil {
			return err
		}
		if count == 0 {
			toRemove = append(toRemove, h)
		}
		return nil
	})
	if scanErr != nil {
		return 0, fmt.Errorf("chunkstore: gc scan: %w", scanErr)
	}

	for _, h := range toRemove {
		if err := s.kv.Delete(bucketChunks, h[:]); err != nil {
			return removed, fmt.Errorf("chunkstore: gc delete: %w", err)
		}
		s.kv.Delete(bucketRefcount, refcountKey(h))
		s.cache.Remove(h)
		removed++
	}
	return removed, nil
}
