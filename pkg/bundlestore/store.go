package bundlestore

import (
	"encoding/binary"
	"fmt"

	"github.com/mwillis775/grabnet/pkg/canonical"
	"github.com/mwillis775/grabnet/pkg/chunkstore"
	"github.com/mwillis775/grabnet/pkg/hashsign"
	"github.com/mwillis775/grabnet/pkg/kvstore"
)

const (
	bucketActive    = "bundles_active"
	bucketByName    = "bundles_by_name"
	bucketHistory   = "bundles_history"
	bucketHistIndex = "bundles_history_index"
	bucketPublisher = "bundle_publisher_binding"
)

// Config configures a Store.
type Config struct {
	// RequireChunksPresent rejects put_bundle with MissingChunks when any
	// referenced chunk is absent from the Chunk Store (§4.C).
	RequireChunksPresent bool
	// HistoryDepth is the bounded revision history window (§9 Open
	// Questions: "spec leaves this a configuration choice"). 0 means only
	// the active bundle is retained.
	HistoryDepth int
}

// DefaultConfig returns the default Store configuration.
func DefaultConfig() Config {
	return Config{RequireChunksPresent: true, HistoryDepth: 0}
}

// Summary is the lightweight form returned by List (§4.C).
type Summary struct {
	SiteId   hashsign.SiteId
	Name     string
	Revision uint64
}

// Store is the Bundle Store (§4.C).
type Store struct {
	kv     kvstore.KVStore
	chunks *chunkstore.Store
	cfg    Config
}

// New creates a Store backed by kv, coordinating chunk refcounts through chunks.
// PutBundle checks and adjusts refcounts inside its own kv transaction, so kv
// must be the same KVStore that chunks was created with.
func New(kv kvstore.KVStore, chunks *chunkstore.Store, cfg Config) *Store {
	return &Store{kv: kv, chunks: chunks, cfg: cfg}
}

func historyKey(siteId hashsign.SiteId, revision uint64) []byte {
	key := make([]byte, hashsign.HashSize+8)
	copy(key, siteId[:])
	binary.LittleEndian.PutUint64(key[hashsign.HashSize:], revision)
	return key
}

// manifestChunks returns every chunk hash referenced by m's files.
func manifestChunks(m *canonical.Manifest) []hashsign.Hash {
	var out []hashsign.Hash
	for _, f := range m.Files {
		out = append(out, f.Chunks...)
	}
	return out
}

// PutBundle validates and commits b, per §4.C.
//
//   - Signature and root_hash must verify.
//   - b.Revision must equal current_revision(site_id)+1, or 1 if there is
//     no prior bundle.
//   - The first accepted bundle for a site_id permanently binds its
//     publisher (§7 "Publisher identity rule"); a later bundle with a
//     different publisher is rejected with WrongPublisher even if its own
//     signature is self-consistent.
//
// The whole read-check-write sequence after signature/root_hash
// verification runs inside a single kvstore.Update transaction (§5's
// linearizability guarantee): two concurrent PutBundle calls for the same
// site_id must not both observe current_revision+1 and both commit, which
// a sequence of independent Get/Put calls would allow.
func (s *Store) PutBundle(b *Bundle) error {
	if !hashsign.Verify(b.Publisher, SignedMessage(b.SiteId, b.Revision, b.RootHash), b.Signature) {
		return newErr(CodeBadSignature, b.SiteId, fmt.Errorf("signature does not verify"))
	}

	computedRoot, err := canonical.RootHash(&b.Manifest)
	if err != nil {
		return newErr(CodeBadRootHash, b.SiteId, err)
	}
	if computedRoot != b.RootHash {
		return newErr(CodeBadRootHash, b.SiteId, fmt.Errorf("recomputed root_hash does not match stored root_hash"))
	}

	err = s.kv.Update(func(tx kvstore.Tx) error {
		boundPublisher, hasBinding, err := s.publisherBindingTx(tx, b.SiteId)
		if err != nil {
			return newErr(CodeBadSignature, b.SiteId, err)
		}
		if hasBinding && string(boundPublisher) != string(b.Publisher) {
			return newErr(CodeWrongPublisher, b.SiteId, fmt.Errorf("publisher does not match the binding established by the first accepted bundle"))
		}

		active, hasActive, err := s.getActiveRawTx(tx, b.SiteId)
		if err != nil {
			return newErr(CodeStaleRevision, b.SiteId, err)
		}
		if hasActive {
			if b.Revision != active.Revision+1 {
				return newErr(CodeStaleRevision, b.SiteId, fmt.Errorf("revision %d is not current_revision(%d)+1", b.Revision, active.Revision))
			}
		} else if b.Revision != 1 {
			return newErr(CodeStaleRevision, b.SiteId, fmt.Errorf("first bundle for a site must be revision 1, got %d", b.Revision))
		}

		if s.cfg.RequireChunksPresent {
			for _, h := range manifestChunks(&b.Manifest) {
				has, err := s.chunks.HasTx(tx, h)
				if err != nil {
					return newErr(CodeMissingChunks, b.SiteId, err)
				}
				if !has {
					return newErr(CodeMissingChunks, b.SiteId, fmt.Errorf("chunk %s referenced by manifest is absent", h))
				}
			}
		}

		for _, h := range manifestChunks(&b.Manifest) {
			if err := s.chunks.IncRefTx(tx, h); err != nil {
				return newErr(CodeMissingChunks, b.SiteId, fmt.Errorf("incrementing refcount: %w", err))
			}
		}

		if hasActive {
			if err := s.retireOrRetainTx(tx, b.SiteId, active); err != nil {
				return newErr(CodeMissingChunks, b.SiteId, fmt.Errorf("retiring superseded bundle: %w", err))
			}
		}

		if !hasBinding {
			if err := tx.Put(bucketPublisher, b.SiteId[:], b.Publisher); err != nil {
				return newErr(CodeBadSignature, b.SiteId, err)
			}
		}

		encoded, err := Encode(b)
		if err != nil {
			return newErr(CodeBadRootHash, b.SiteId, err)
		}
		if err := tx.Put(bucketActive, b.SiteId[:], encoded); err != nil {
			return newErr(CodeStaleRevision, b.SiteId, err)
		}
		if b.Name != "" {
			if err := tx.Put(bucketByName, []byte(b.Name), b.SiteId[:]); err != nil {
				return newErr(CodeStaleRevision, b.SiteId, err)
			}
		}
		return nil
	})
	return err
}

// retireOrRetainTx handles the superseded active bundle when a new revision
// commits: its chunk refcounts are decremented immediately unless
// Config.HistoryDepth keeps it retrievable, in which case its refcounts stay
// alive until it ages out of the retention window. Scoped to tx so it
// participates in PutBundle's single atomic commit.
func (s *Store) retireOrRetainTx(tx kvstore.Tx, siteId hashsign.SiteId, superseded *Bundle) error {
	if s.cfg.HistoryDepth <= 0 {
		for _, h := range manifestChunks(&superseded.Manifest) {
			if err := s.chunks.DecRefTx(tx, h); err != nil {
				return err
			}
		}
		return nil
	}

	encoded, err := Encode(superseded)
	if err != nil {
		return err
	}
	if err := tx.Put(bucketHistory, historyKey(siteId, superseded.Revision), encoded); err != nil {
		return err
	}

	revisions, err := s.historyIndexTx(tx, siteId)
	if err != nil {
		return err
	}
	revisions = append(revisions, superseded.Revision)
	for len(revisions) > s.cfg.HistoryDepth {
		oldest := revisions[0]
		revisions = revisions[1:]

		old, err := s.getHistoryRawTx(tx, siteId, oldest)
		if err != nil {
			return err
		}
		for _, h := range manifestChunks(&old.Manifest) {
			if err := s.chunks.DecRefTx(tx, h); err != nil {
				return err
			}
		}
		if err := tx.Delete(bucketHistory, historyKey(siteId, oldest)); err != nil {
			return err
		}
	}
	return s.putHistoryIndexTx(tx, siteId, revisions)
}

func (s *Store) historyIndexTx(tx kvstore.Tx, siteId hashsign.SiteId) ([]uint64, error) {
	raw, err := tx.Get(bucketHistIndex, siteId[:])
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	out := make([]uint64, len(raw)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return out, nil
}

func (s *Store) putHistoryIndexTx(tx kvstore.Tx, siteId hashsign.SiteId, revisions []uint64) error {
	raw := make([]byte, len(revisions)*8)
	for i, r := range revisions {
		binary.LittleEndian.PutUint64(raw[i*8:], r)
	}
	return tx.Put(bucketHistIndex, siteId[:], raw)
}

func (s *Store) publisherBindingTx(tx kvstore.Tx, siteId hashsign.SiteId) (hashsign.PublicKey, bool, error) {
	raw, err := tx.Get(bucketPublisher, siteId[:])
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return hashsign.PublicKey(raw), true, nil
}

func (s *Store) getActiveRaw(siteId hashsign.SiteId) (*Bundle, bool, error) {
	raw, err := s.kv.Get(bucketActive, siteId[:])
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	b, err := Decode(raw)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *Store) getActiveRawTx(tx kvstore.Tx, siteId hashsign.SiteId) (*Bundle, bool, error) {
	raw, err := tx.Get(bucketActive, siteId[:])
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	b, err := Decode(raw)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *Store) getHistoryRaw(siteId hashsign.SiteId, revision uint64) (*Bundle, error) {
	raw, err := s.kv.Get(bucketHistory, historyKey(siteId, revision))
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

func (s *Store) getHistoryRawTx(tx kvstore.Tx, siteId hashsign.SiteId, revision uint64) (*Bundle, error) {
	raw, err := tx.Get(bucketHistory, historyKey(siteId, revision))
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// GetActive returns the active bundle for siteId.
func (s *Store) GetActive(siteId hashsign.SiteId) (*Bundle, error) {
	b, ok, err := s.getActiveRaw(siteId)
	if err != nil {
		return nil, newErr(CodeBundleNotFound, siteId, err)
	}
	if !ok {
		return nil, newErr(CodeBundleNotFound, siteId, fmt.Errorf("no active bundle"))
	}
	return b, nil
}

// GetByName returns the active bundle for the site most recently published
// under the local label name (§4.C: "names are local labels").
func (s *Store) GetByName(name string) (*Bundle, error) {
	siteIdRaw, err := s.kv.Get(bucketByName, []byte(name))
	if err != nil {
		return nil, newErr(CodeBundleNotFound, hashsign.SiteId{}, fmt.Errorf("name %q not found", name))
	}
	var siteId hashsign.SiteId
	copy(siteId[:], siteIdRaw)
	return s.GetActive(siteId)
}

// GetByRevision returns the bundle for siteId at exactly revision, whether
// it is the current active bundle or retained history.
func (s *Store) GetByRevision(siteId hashsign.SiteId, revision uint64) (*Bundle, error) {
	if active, ok, err := s.getActiveRaw(siteId); err == nil && ok && active.Revision == revision {
		return active, nil
	}
	b, err := s.getHistoryRaw(siteId, revision)
	if err != nil {
		return nil, newErr(CodeBundleNotFound, siteId, fmt.Errorf("revision %d not found", revision))
	}
	return b, nil
}

// List returns a summary of every site with an active bundle.
func (s *Store) List() ([]Summary, error) {
	var out []Summary
	err := s.kv.ScanPrefix(bucketActive, nil, func(key, value []byte) error {
		b, err := Decode(value)
		if err != nil {
			return err
		}
		out = append(out, Summary{SiteId: b.SiteId, Name: b.Name, Revision: b.Revision})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bundlestore: list: %w", err)
	}
	return out, nil
}
