package replicator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mwillis775/grabnet/pkg/bundlestore"
	"github.com/mwillis775/grabnet/pkg/canonical"
	"github.com/mwillis775/grabnet/pkg/chunkstore"
	"github.com/mwillis775/grabnet/pkg/coordinator"
	"github.com/mwillis775/grabnet/pkg/hashsign"
	"github.com/mwillis775/grabnet/pkg/kvstore/memstore"
)

// fakeSubstrate is a coordinator.NetworkSubstrate test double that serves a
// single manifest and a fixed chunk set, optionally corrupting or dropping
// chunks to exercise verification and retry.
type fakeSubstrate struct {
	manifestBytes []byte
	chunks        map[hashsign.Hash][]byte
	corrupt       map[hashsign.Hash]bool
	dropOnce      map[hashsign.Hash]bool
	manifestErr   error
	hosts         []coordinator.SiteHost
	// corruptFromPeer, if set, limits corrupt to replies served by that
	// specific peer, so a test can assert fetchWindowWithRetry fails over
	// to a different peer instead of re-querying the bad one.
	corruptFromPeer string
}

func (f *fakeSubstrate) LocalPeerId() string { return "fake" }
func (f *fakeSubstrate) Announce(ctx context.Context, siteId hashsign.SiteId, revision uint64) error {
	return nil
}
func (f *fakeSubstrate) FindHosts(ctx context.Context, siteId hashsign.SiteId) ([]coordinator.SiteHost, error) {
	return f.hosts, nil
}
func (f *fakeSubstrate) OnAnnounce(cb coordinator.AnnounceHandler) {}
func (f *fakeSubstrate) Start(ctx context.Context) error           { return nil }
func (f *fakeSubstrate) Close() error                              { return nil }

func (f *fakeSubstrate) RequestManifest(ctx context.Context, peerId string, siteId hashsign.SiteId, revision uint64) ([]byte, error) {
	if f.manifestErr != nil {
		return nil, f.manifestErr
	}
	return f.manifestBytes, nil
}

func (f *fakeSubstrate) RequestChunks(ctx context.Context, peerId string, hashes []hashsign.Hash) ([]coordinator.ChunkReply, error) {
	var out []coordinator.ChunkReply
	for _, h := range hashes {
		if f.dropOnce[h] {
			delete(f.dropOnce, h)
			continue
		}
		data, ok := f.chunks[h]
		if !ok {
			continue
		}
		corrupt := f.corrupt[h]
		if f.corruptFromPeer != "" && peerId != f.corruptFromPeer {
			corrupt = false
		}
		if corrupt {
			data = append([]byte{}, data...)
			data[0] ^= 0xFF
		}
		out = append(out, coordinator.ChunkReply{Hash: h, Compression: 0, Data: data})
	}
	return out, nil
}

type fakePenalizer struct {
	penalties []string
}

func (p *fakePenalizer) Penalize(peerId, reason string) {
	p.penalties = append(p.penalties, reason)
}

func buildBundle(t *testing.T, cs *chunkstore.Store, pub hashsign.PublicKey, priv hashsign.PrivateKey, name string, revision uint64, body string) (*bundlestore.Bundle, hashsign.Hash) {
	t.Helper()
	chunkHash := hashsign.Sum([]byte(body))
	manifest := canonical.Manifest{
		Entry: "index.html",
		Files: []canonical.FileEntry{
			{Path: "index.html", ContentHash: chunkHash, Size: uint64(len(body)), MimeType: "text/html", Chunks: []hashsign.Hash{chunkHash}},
		},
	}
	root, err := canonical.RootHash(&manifest)
	if err != nil {
		t.Fatalf("RootHash: %v", err)
	}
	siteId := hashsign.ComputeSiteId(pub, name)
	sig := hashsign.Sign(priv, bundlestore.SignedMessage(siteId, revision, root))
	bundle := &bundlestore.Bundle{
		SiteId: siteId, Name: name, Revision: revision, RootHash: root,
		Publisher: pub, Signature: sig, Manifest: manifest,
	}
	_ = cs
	return bundle, chunkHash
}

func newLocalStores(t *testing.T) (*chunkstore.Store, *bundlestore.Store) {
	t.Helper()
	kv := memstore.New()
	cs, err := chunkstore.New(kv, chunkstore.DefaultConfig())
	if err != nil {
		t.Fatalf("chunkstore.New: %v", err)
	}
	bs := bundlestore.New(kv, cs, bundlestore.DefaultConfig())
	return cs, bs
}

func TestReplicateFetchesChunkAndCommits(t *testing.T) {
	pub, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	localChunks, localBundles := newLocalStores(t)

	bundle, chunkHash := buildBundle(t, localChunks, pub, priv, "example", 1, "hello world")
	manifestBytes, err := bundlestore.Encode(bundle)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	sub := &fakeSubstrate{
		manifestBytes: manifestBytes,
		chunks:        map[hashsign.Hash][]byte{chunkHash: []byte("hello world")},
	}
	penalizer := &fakePenalizer{}
	repl := New(sub, localBundles, localChunks, penalizer, DefaultConfig())

	if err := repl.Replicate(context.Background(), "peer-a", bundle.SiteId, 1); err != nil {
		t.Fatalf("Replicate: %v", err)
	}

	has, err := localChunks.Has(chunkHash)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if !has {
		t.Fatalf("expected chunk %s to be stored locally", chunkHash)
	}

	active, err := localBundles.GetActive(bundle.SiteId)
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if active.Revision != 1 {
		t.Fatalf("active revision = %d, want 1", active.Revision)
	}
	if len(penalizer.penalties) != 0 {
		t.Fatalf("unexpected penalties: %v", penalizer.penalties)
	}
}

func TestReplicateRejectsBadSignature(t *testing.T) {
	pub, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	localChunks, localBundles := newLocalStores(t)

	bundle, chunkHash := buildBundle(t, localChunks, pub, priv, "example", 1, "hello world")
	bundle.Signature[0] ^= 0xFF // tamper after signing
	manifestBytes, err := bundlestore.Encode(bundle)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	sub := &fakeSubstrate{
		manifestBytes: manifestBytes,
		chunks:        map[hashsign.Hash][]byte{chunkHash: []byte("hello world")},
	}
	penalizer := &fakePenalizer{}
	repl := New(sub, localBundles, localChunks, penalizer, DefaultConfig())

	err = repl.Replicate(context.Background(), "peer-a", bundle.SiteId, 1)
	if err == nil {
		t.Fatalf("Replicate with a tampered signature should fail")
	}
	if len(penalizer.penalties) != 1 || penalizer.penalties[0] != "bad_signature" {
		t.Fatalf("penalties = %v, want [bad_signature]", penalizer.penalties)
	}
}

func TestReplicateRetriesAfterCorruptChunk(t *testing.T) {
	pub, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	localChunks, localBundles := newLocalStores(t)

	bundle, chunkHash := buildBundle(t, localChunks, pub, priv, "example", 1, "hello world")
	manifestBytes, err := bundlestore.Encode(bundle)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	sub := &fakeSubstrate{
		manifestBytes: manifestBytes,
		chunks:        map[hashsign.Hash][]byte{chunkHash: []byte("hello world")},
		corrupt:       map[hashsign.Hash]bool{chunkHash: true},
	}
	penalizer := &fakePenalizer{}
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.MaxAttempts = 2
	repl := New(sub, localBundles, localChunks, penalizer, cfg)

	err = repl.Replicate(context.Background(), "peer-a", bundle.SiteId, 1)
	if err == nil {
		t.Fatalf("Replicate should fail when every attempt returns a corrupt chunk")
	}
	if len(penalizer.penalties) == 0 {
		t.Fatalf("expected at least one hash_mismatch penalty")
	}
	for _, reason := range penalizer.penalties {
		if reason != "hash_mismatch" {
			t.Fatalf("unexpected penalty reason %q", reason)
		}
	}
}

func TestReplicateFailsOverToAlternatePeerAfterHashMismatch(t *testing.T) {
	pub, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	localChunks, localBundles := newLocalStores(t)

	bundle, chunkHash := buildBundle(t, localChunks, pub, priv, "example", 1, "hello world")
	manifestBytes, err := bundlestore.Encode(bundle)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	sub := &fakeSubstrate{
		manifestBytes:   manifestBytes,
		chunks:          map[hashsign.Hash][]byte{chunkHash: []byte("hello world")},
		corrupt:         map[hashsign.Hash]bool{chunkHash: true},
		corruptFromPeer: "peer-bad",
		hosts:           []coordinator.SiteHost{{PeerId: "peer-bad", Revision: 1}, {PeerId: "peer-good", Revision: 1}},
	}
	penalizer := &fakePenalizer{}
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.MaxAttempts = 3
	repl := New(sub, localBundles, localChunks, penalizer, cfg)

	if err := repl.Replicate(context.Background(), "peer-bad", bundle.SiteId, 1); err != nil {
		t.Fatalf("Replicate should recover by failing over to peer-good: %v", err)
	}

	has, err := localChunks.Has(chunkHash)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if !has {
		t.Fatalf("expected chunk to be stored after failing over to the alternate peer")
	}
	if len(penalizer.penalties) != 1 || penalizer.penalties[0] != "hash_mismatch" {
		t.Fatalf("penalties = %v, want exactly one hash_mismatch (from peer-bad's single bad attempt)", penalizer.penalties)
	}
}

func TestReplicateRecoversFromOneDroppedAttempt(t *testing.T) {
	pub, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	localChunks, localBundles := newLocalStores(t)

	bundle, chunkHash := buildBundle(t, localChunks, pub, priv, "example", 1, "hello world")
	manifestBytes, err := bundlestore.Encode(bundle)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	sub := &fakeSubstrate{
		manifestBytes: manifestBytes,
		chunks:        map[hashsign.Hash][]byte{chunkHash: []byte("hello world")},
		dropOnce:      map[hashsign.Hash]bool{chunkHash: true},
	}
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	repl := New(sub, localBundles, localChunks, nil, cfg)

	if err := repl.Replicate(context.Background(), "peer-a", bundle.SiteId, 1); err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	has, err := localChunks.Has(chunkHash)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if !has {
		t.Fatalf("expected chunk to be stored after recovering from a dropped first attempt")
	}
}

func TestReplicateManifestTransportError(t *testing.T) {
	localChunks, localBundles := newLocalStores(t)
	sub := &fakeSubstrate{manifestErr: errors.New("peer unreachable")}
	repl := New(sub, localBundles, localChunks, nil, DefaultConfig())

	err := repl.Replicate(context.Background(), "peer-a", hashsign.Sum([]byte("ghost")), 1)
	if err == nil {
		t.Fatalf("Replicate should propagate a manifest transport error")
	}
}

func TestReplicateEmitsCommittedAndFailedEvents(t *testing.T) {
	pub, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	localChunks, localBundles := newLocalStores(t)
	bundle, chunkHash := buildBundle(t, localChunks, pub, priv, "example", 1, "hello world")
	manifestBytes, err := bundlestore.Encode(bundle)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	sub := &fakeSubstrate{
		manifestBytes: manifestBytes,
		chunks:        map[hashsign.Hash][]byte{chunkHash: []byte("hello world")},
	}
	repl := New(sub, localBundles, localChunks, nil, DefaultConfig())

	if err := repl.Replicate(context.Background(), "peer-a", bundle.SiteId, 1); err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	select {
	case ev := <-repl.Events():
		if ev.Kind != EventCommitted || ev.SiteId != bundle.SiteId || ev.Revision != 1 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatalf("expected a committed event")
	}

	failSub := &fakeSubstrate{manifestErr: errors.New("peer unreachable")}
	failRepl := New(failSub, localBundles, localChunks, nil, DefaultConfig())
	ghost := hashsign.Sum([]byte("ghost"))
	if err := failRepl.Replicate(context.Background(), "peer-a", ghost, 1); err == nil {
		t.Fatalf("Replicate should fail for an unreachable peer")
	}
	select {
	case ev := <-failRepl.Events():
		if ev.Kind != EventFailed || ev.SiteId != ghost || ev.Err == nil {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatalf("expected a failed event")
	}
}
