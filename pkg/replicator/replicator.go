// Package replicator implements the Replicator (§4.G): fetching a remote
// peer's manifest for a site, diffing it against what is already stored
// locally, pulling the missing chunks in bounded concurrent windows, and
// committing the result once every referenced chunk has been verified.
//
// Fetching is at-least-once (a retried window may re-request a hash the
// peer already served, which content-addressing makes harmless) and commit
// is at-most-once (bundlestore.Store.PutBundle is the single linearization
// point per site_id). Grounded on the teacher's ContentFetcher
// (pkg/content/fetcher.go): semaphore-bounded concurrent fetch with a
// per-chunk retry loop, adapted here to GrabNet's single-peer replication
// target and its site_id/revision bundle model instead of arbitrary CIDs.
package replicator

import (
	"context"
	"fmt"
	"time"

	"github.com/mwillis775/grabnet/pkg/bundlestore"
	"github.com/mwillis775/grabnet/pkg/canonical"
	"github.com/mwillis775/grabnet/pkg/chunkstore"
	"github.com/mwillis775/grabnet/pkg/constants"
	"github.com/mwillis775/grabnet/pkg/coordinator"
	"github.com/mwillis775/grabnet/pkg/hashsign"
)

// defaultMaxAttempts bounds retries per fetch window: with RetryBaseDelay
// (500ms) doubling between attempts, six attempts wait 0.5+1+2+4+8 = 15.5s
// in all, and no single wait reaches RetryMaxDelay (30s).
const defaultMaxAttempts = 6

// Config configures a Replicator.
type Config struct {
	// MaxInflightBytes bounds how many chunk bytes a single fetch window
	// requests at once (§4.G step 3).
	MaxInflightBytes int
	// ChunkSizeHint estimates a chunk's size for turning MaxInflightBytes
	// into a hash-count window, since RequestChunks is addressed by hash,
	// not by byte range.
	ChunkSizeHint int
	// RetryBaseDelay and RetryMaxDelay bound the exponential backoff
	// applied between fetch attempts for a window (§4.G step 4).
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// MaxAttempts bounds retries per window before giving up.
	MaxAttempts int
}

// DefaultConfig returns the default Replicator configuration.
func DefaultConfig() Config {
	return Config{
		MaxInflightBytes: constants.DefaultMaxInflightBytes,
		ChunkSizeHint:    constants.DefaultChunkSize,
		RetryBaseDelay:   constants.RetryBaseDelay,
		RetryMaxDelay:    constants.RetryMaxDelay,
		MaxAttempts:      defaultMaxAttempts,
	}
}

// PeerPenalizer is notified when a peer serves a chunk that fails
// content-address verification, or a manifest that fails signature or
// root_hash verification (§4.G step 3: "penalize peer on mismatch").
type PeerPenalizer interface {
	Penalize(peerId string, reason string)
}

// EventKind classifies a ReplicationEvent.
type EventKind int

const (
	// EventCommitted fires once Replicate durably commits a bundle.
	EventCommitted EventKind = iota
	// EventFailed fires when Replicate gives up for this call (the
	// Coordinator surfaces this as a Failed(R, reason) transition, §7's
	// "observable event" for persistent-failure surfacing).
	EventFailed
)

// ReplicationEvent reports the outcome of one Replicate call.
type ReplicationEvent struct {
	Kind     EventKind
	PeerId   string
	SiteId   hashsign.SiteId
	Revision uint64
	Err      error
}

// Replicator is the Replicator (§4.G).
type Replicator struct {
	cfg       Config
	substrate coordinator.NetworkSubstrate
	bundles   *bundlestore.Store
	chunks    *chunkstore.Store
	penalizer PeerPenalizer
	events    chan ReplicationEvent
}

// New creates a Replicator. penalizer may be nil.
func New(substrate coordinator.NetworkSubstrate, bundles *bundlestore.Store, chunks *chunkstore.Store, penalizer PeerPenalizer, cfg Config) *Replicator {
	if cfg.MaxInflightBytes <= 0 {
		cfg.MaxInflightBytes = constants.DefaultMaxInflightBytes
	}
	if cfg.ChunkSizeHint <= 0 {
		cfg.ChunkSizeHint = constants.DefaultChunkSize
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = constants.RetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = constants.RetryMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Replicator{
		cfg: cfg, substrate: substrate, bundles: bundles, chunks: chunks, penalizer: penalizer,
		events: make(chan ReplicationEvent, 64),
	}
}

// Events returns a channel of ReplicationEvents, one per completed or
// failed Replicate call. A slow or absent consumer does not block
// Replicate: events are dropped once the channel's buffer is full,
// matching the teacher's preference for a non-blocking notification
// channel over a callback (pkg/gossip's done-channel style).
func (r *Replicator) Events() <-chan ReplicationEvent {
	return r.events
}

func (r *Replicator) emit(ev ReplicationEvent) {
	select {
	case r.events <- ev:
	default:
	}
}

// Replicate fetches revision of siteId from peerId, pulls every chunk the
// local chunk store is missing, and commits the bundle (§4.G). It returns
// nil once the bundle is durably committed.
func (r *Replicator) Replicate(ctx context.Context, peerId string, siteId hashsign.SiteId, revision uint64) error {
	if err := r.replicate(ctx, peerId, siteId, revision); err != nil {
		r.emit(ReplicationEvent{Kind: EventFailed, PeerId: peerId, SiteId: siteId, Revision: revision, Err: err})
		return err
	}
	r.emit(ReplicationEvent{Kind: EventCommitted, PeerId: peerId, SiteId: siteId, Revision: revision})
	return nil
}

func (r *Replicator) replicate(ctx context.Context, peerId string, siteId hashsign.SiteId, revision uint64) error {
	bundle, err := r.fetchManifest(ctx, peerId, siteId, revision)
	if err != nil {
		return err
	}

	missing, err := r.missingChunks(bundle)
	if err != nil {
		return err
	}

	if err := r.fetchChunks(ctx, siteId, peerId, missing); err != nil {
		return err
	}

	if err := r.bundles.PutBundle(bundle); err != nil {
		return fmt.Errorf("replicator: commit bundle %x rev %d: %w", siteId, bundle.Revision, err)
	}
	return nil
}

func (r *Replicator) fetchManifest(ctx context.Context, peerId string, siteId hashsign.SiteId, revision uint64) (*bundlestore.Bundle, error) {
	raw, err := r.substrate.RequestManifest(ctx, peerId, siteId, revision)
	if err != nil {
		return nil, fmt.Errorf("replicator: request manifest from %s: %w", peerId, err)
	}
	bundle, err := bundlestore.Decode(raw)
	if err != nil {
		r.penalize(peerId, "malformed_message")
		return nil, fmt.Errorf("replicator: decode manifest from %s: %w", peerId, err)
	}
	if bundle.SiteId != siteId {
		r.penalize(peerId, "malformed_message")
		return nil, fmt.Errorf("replicator: manifest from %s names a different site", peerId)
	}
	if bundle.Revision < revision {
		return nil, fmt.Errorf("replicator: manifest from %s is revision %d, wanted at least %d", peerId, bundle.Revision, revision)
	}

	if !hashsign.Verify(bundle.Publisher, bundlestore.SignedMessage(bundle.SiteId, bundle.Revision, bundle.RootHash), bundle.Signature) {
		r.penalize(peerId, "bad_signature")
		return nil, fmt.Errorf("replicator: manifest from %s has an invalid signature", peerId)
	}

	root, err := canonical.RootHash(&bundle.Manifest)
	if err != nil {
		return nil, fmt.Errorf("replicator: compute root hash for manifest from %s: %w", peerId, err)
	}
	if root != bundle.RootHash {
		r.penalize(peerId, "bad_root_hash")
		return nil, fmt.Errorf("replicator: manifest from %s has a root hash mismatch", peerId)
	}

	return bundle, nil
}

// missingChunks returns the deduplicated set of chunk hashes bundle
// references that are not already present in the local chunk store.
func (r *Replicator) missingChunks(bundle *bundlestore.Bundle) ([]hashsign.Hash, error) {
	seen := make(map[hashsign.Hash]bool)
	var missing []hashsign.Hash
	for _, f := range bundle.Manifest.Files {
		for _, h := range f.Chunks {
			if seen[h] {
				continue
			}
			seen[h] = true
			has, err := r.chunks.Has(h)
			if err != nil {
				return nil, fmt.Errorf("replicator: check chunk store for %s: %w", h, err)
			}
			if !has {
				missing = append(missing, h)
			}
		}
	}
	return missing, nil
}

func (r *Replicator) fetchChunks(ctx context.Context, siteId hashsign.SiteId, peerId string, hashes []hashsign.Hash) error {
	if len(hashes) == 0 {
		return nil
	}
	windowSize := r.cfg.MaxInflightBytes / r.cfg.ChunkSizeHint
	if windowSize < 1 {
		windowSize = 1
	}

	for start := 0; start < len(hashes); start += windowSize {
		end := start + windowSize
		if end > len(hashes) {
			end = len(hashes)
		}
		if err := r.fetchWindowWithRetry(ctx, siteId, peerId, hashes[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// fetchWindowWithRetry requests hashes from peerId, storing each chunk that
// verifies and retrying only the hashes that came back missing or failed
// verification, backing off between attempts (§4.G step 4). A peer that
// serves a hash-mismatching chunk is added to an exclusion set and, if
// find_hosts for siteId names an untried alternate, replaced by it on the
// next attempt instead of being re-queried.
func (r *Replicator) fetchWindowWithRetry(ctx context.Context, siteId hashsign.SiteId, peerId string, hashes []hashsign.Hash) error {
	remaining := hashes
	delay := r.cfg.RetryBaseDelay
	var lastErr error
	currentPeer := peerId
	excluded := map[string]bool{}

	for attempt := 0; attempt < r.cfg.MaxAttempts && len(remaining) > 0; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > r.cfg.RetryMaxDelay {
				delay = r.cfg.RetryMaxDelay
			}
		}

		replies, err := r.substrate.RequestChunks(ctx, currentPeer, remaining)
		if err != nil {
			lastErr = fmt.Errorf("replicator: request chunks from %s: %w", currentPeer, err)
			continue
		}

		verified := make(map[hashsign.Hash][]byte, len(replies))
		compression := make(map[hashsign.Hash]canonical.Compression, len(replies))
		mismatched := false
		for _, c := range replies {
			if hashsign.Sum(c.Data) != c.Hash {
				r.penalize(currentPeer, "hash_mismatch")
				mismatched = true
				continue
			}
			verified[c.Hash] = c.Data
			compression[c.Hash] = canonical.Compression(c.Compression)
		}

		var stillMissing []hashsign.Hash
		for _, h := range remaining {
			data, ok := verified[h]
			if !ok {
				stillMissing = append(stillMissing, h)
				continue
			}
			if _, err := r.chunks.Put(data, compression[h]); err != nil {
				return fmt.Errorf("replicator: store chunk %s: %w", h, err)
			}
		}
		remaining = stillMissing
		lastErr = nil

		if mismatched && len(remaining) > 0 {
			excluded[currentPeer] = true
			if alt, ok := r.findAlternatePeer(ctx, siteId, excluded); ok {
				currentPeer = alt
			}
		}
	}

	if len(remaining) > 0 {
		if lastErr != nil {
			return fmt.Errorf("replicator: %d of %d chunks still missing from %s after retries: %w", len(remaining), len(hashes), currentPeer, lastErr)
		}
		return fmt.Errorf("replicator: %d of %d chunks still missing from %s after retries", len(remaining), len(hashes), currentPeer)
	}
	return nil
}

// findAlternatePeer asks the substrate for hosts of siteId, returning the
// first one not already in exclude.
func (r *Replicator) findAlternatePeer(ctx context.Context, siteId hashsign.SiteId, exclude map[string]bool) (string, bool) {
	hosts, err := r.substrate.FindHosts(ctx, siteId)
	if err != nil {
		return "", false
	}
	for _, h := range hosts {
		if !exclude[h.PeerId] {
			return h.PeerId, true
		}
	}
	return "", false
}

func (r *Replicator) penalize(peerId, reason string) {
	if r.penalizer != nil {
		r.penalizer.Penalize(peerId, reason)
	}
}
