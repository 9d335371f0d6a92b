// Package kvstore defines the KVStore capability interface (§9 "Dynamic
// dispatch over stores/networks") that the Chunk Store, Bundle Store, and
// Key Store persist through. §4.B assumes the underlying store provides
// atomic per-key put/delete and prefix scans; this package fixes that
// contract so every caller depends on the interface, not a concrete engine.
package kvstore

import "errors"

// ErrNotFound is returned by Get when the key does not exist in the bucket.
var ErrNotFound = errors.New("kvstore: key not found")

// KVStore is a namespaced, embedded key-value store. Buckets model the
// persisted state layout's top-level namespaces (§6): "chunks", "bundles",
// "keys", plus whatever secondary indexes a component needs.
//
// All single-key operations are atomic; Put followed by Get from any
// goroutine observes the write in full or not at all — callers never see a
// torn value (§5 "Chunk writes are observable immediately... readers never
// see a torn chunk").
type KVStore interface {
	// Put writes value under key in bucket, creating the bucket if absent.
	Put(bucket string, key, value []byte) error

	// Get reads the value stored under key in bucket. Returns ErrNotFound
	// if the bucket or key does not exist.
	Get(bucket string, key []byte) ([]byte, error)

	// Has reports whether key exists in bucket.
	Has(bucket string, key []byte) (bool, error)

	// Delete removes key from bucket. It is not an error to delete a
	// key that does not exist.
	Delete(bucket string, key []byte) error

	// ScanPrefix invokes fn for every key in bucket that starts with
	// prefix, in ascending key order. Iteration stops and ScanPrefix
	// returns the error if fn returns a non-nil error.
	ScanPrefix(bucket string, prefix []byte, fn func(key, value []byte) error) error

	// Update runs fn inside a single read-write transaction scoped to
	// this store: all Put/Delete calls fn makes through the provided Tx
	// are applied atomically together, or not at all if fn returns an
	// error.
	Update(fn func(tx Tx) error) error

	// Close releases the underlying storage handle.
	Close() error
}

// Tx is a bucketed read-write transaction handed to KVStore.Update's
// callback, used by components that must make several related writes
// atomically (e.g. Bundle Store's put_bundle committing a new bundle and
// adjusting chunk refcounts together).
type Tx interface {
	Put(bucket string, key, value []byte) error
	Get(bucket string, key []byte) ([]byte, error)
	Has(bucket string, key []byte) (bool, error)
	Delete(bucket string, key []byte) error
	ScanPrefix(bucket string, prefix []byte, fn func(key, value []byte) error) error
}
