package bundlestore

import (
	"testing"

	"github.com/mwillis775/grabnet/pkg/canonical"
	"github.com/mwillis775/grabnet/pkg/chunkstore"
	"github.com/mwillis775/grabnet/pkg/hashsign"
	"github.com/mwillis775/grabnet/pkg/kvstore/memstore"
)

func newTestStore(t *testing.T) (*Store, *chunkstore.Store) {
	t.Helper()
	kv := memstore.New()
	cs, err := chunkstore.New(kv, chunkstore.DefaultConfig())
	if err != nil {
		t.Fatalf("chunkstore.New: %v", err)
	}
	return New(kv, cs, DefaultConfig()), cs
}

// signedBundle builds a valid, signed Bundle for name/revision, storing its
// manifest's chunks in cs so RequireChunksPresent validation passes.
func signedBundle(t *testing.T, cs *chunkstore.Store, pub hashsign.PublicKey, priv hashsign.PrivateKey, name string, revision uint64, body string) *Bundle {
	t.Helper()
	chunk, err := cs.Put([]byte(body), canonical.CompressionNone)
	if err != nil {
		t.Fatalf("cs.Put: %v", err)
	}

	manifest := canonical.Manifest{
		Files: []canonical.FileEntry{
			{
				Path:        "index.html",
				ContentHash: hashsign.Sum([]byte(body)),
				Size:        uint64(len(body)),
				MimeType:    "text/html",
				Chunks:      []hashsign.Hash{chunk},
				Compression: canonical.CompressionNone,
			},
		},
		Entry: "index.html",
	}
	root, err := canonical.RootHash(&manifest)
	if err != nil {
		t.Fatalf("RootHash: %v", err)
	}
	siteId := hashsign.ComputeSiteId(pub, name)
	sig := hashsign.Sign(priv, SignedMessage(siteId, revision, root))

	return &Bundle{
		SiteId:    siteId,
		Name:      name,
		Revision:  revision,
		RootHash:  root,
		Publisher: pub,
		Signature: sig,
		Manifest:  manifest,
	}
}

func TestPutBundleFirstPublishAndGetActive(t *testing.T) {
	s, cs := newTestStore(t)
	pub, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	b := signedBundle(t, cs, pub, priv, "example", 1, "hello")
	if err := s.PutBundle(b); err != nil {
		t.Fatalf("PutBundle: %v", err)
	}

	got, err := s.GetActive(b.SiteId)
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if got.Revision != 1 {
		t.Fatalf("GetActive revision = %d, want 1", got.Revision)
	}

	byName, err := s.GetByName("example")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if byName.SiteId != b.SiteId {
		t.Fatalf("GetByName returned a different site")
	}
}

func TestPutBundleRevisionUpdate(t *testing.T) {
	s, cs := newTestStore(t)
	pub, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	b1 := signedBundle(t, cs, pub, priv, "example", 1, "v1")
	if err := s.PutBundle(b1); err != nil {
		t.Fatalf("PutBundle rev 1: %v", err)
	}
	b2 := signedBundle(t, cs, pub, priv, "example", 2, "v2")
	if err := s.PutBundle(b2); err != nil {
		t.Fatalf("PutBundle rev 2: %v", err)
	}

	got, err := s.GetActive(b1.SiteId)
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if got.Revision != 2 {
		t.Fatalf("GetActive revision = %d, want 2", got.Revision)
	}
}

func TestPutBundleRejectsStaleRevision(t *testing.T) {
	s, cs := newTestStore(t)
	pub, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	b1 := signedBundle(t, cs, pub, priv, "example", 1, "v1")
	if err := s.PutBundle(b1); err != nil {
		t.Fatalf("PutBundle rev 1: %v", err)
	}

	stale := signedBundle(t, cs, pub, priv, "example", 1, "v1-again")
	err = s.PutBundle(stale)
	if !IsCode(err, CodeStaleRevision) {
		t.Fatalf("PutBundle stale revision = %v, want CodeStaleRevision", err)
	}

	skip := signedBundle(t, cs, pub, priv, "example", 3, "v3")
	err = s.PutBundle(skip)
	if !IsCode(err, CodeStaleRevision) {
		t.Fatalf("PutBundle skipped revision = %v, want CodeStaleRevision", err)
	}
}

func TestPutBundleRejectsBadSignature(t *testing.T) {
	s, cs := newTestStore(t)
	pub, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	b := signedBundle(t, cs, pub, priv, "example", 1, "hello")
	b.Signature[0] ^= 0xFF

	err = s.PutBundle(b)
	if !IsCode(err, CodeBadSignature) {
		t.Fatalf("PutBundle tampered signature = %v, want CodeBadSignature", err)
	}
}

func TestPutBundleRejectsBadRootHash(t *testing.T) {
	s, cs := newTestStore(t)
	pub, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	b := signedBundle(t, cs, pub, priv, "example", 1, "hello")
	b.Manifest.Entry = "tampered.html"

	err = s.PutBundle(b)
	if !IsCode(err, CodeBadRootHash) {
		t.Fatalf("PutBundle tampered manifest = %v, want CodeBadRootHash", err)
	}
}

func TestPutBundleRejectsWrongPublisher(t *testing.T) {
	s, cs := newTestStore(t)
	pub1, priv1, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	pub2, priv2, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	first := signedBundle(t, cs, pub1, priv1, "example", 1, "v1")
	if err := s.PutBundle(first); err != nil {
		t.Fatalf("PutBundle rev 1: %v", err)
	}

	// A different publisher's bundle for the same site_id would require
	// colliding ComputeSiteId(pub1, "example") == ComputeSiteId(pub2, "example"),
	// which cannot happen; instead exercise the binding check directly by
	// forging a second bundle that reuses the same site_id but is signed by
	// pub2 (simulating a hash collision or an attacker who learned the
	// site_id out of band).
	second := signedBundle(t, cs, pub2, priv2, "example", 2, "v2")
	second.SiteId = first.SiteId
	second.Signature = hashsign.Sign(priv2, SignedMessage(second.SiteId, second.Revision, second.RootHash))

	err = s.PutBundle(second)
	if !IsCode(err, CodeWrongPublisher) {
		t.Fatalf("PutBundle wrong publisher = %v, want CodeWrongPublisher", err)
	}
}

func TestPutBundleRejectsMissingChunks(t *testing.T) {
	s, cs := newTestStore(t)
	pub, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	b := signedBundle(t, cs, pub, priv, "example", 1, "hello")
	missing := hashsign.Sum([]byte("never stored"))
	b.Manifest.Files[0].Chunks = append(b.Manifest.Files[0].Chunks, missing)
	root, err := canonical.RootHash(&b.Manifest)
	if err != nil {
		t.Fatalf("RootHash: %v", err)
	}
	b.RootHash = root
	b.Signature = hashsign.Sign(priv, SignedMessage(b.SiteId, b.Revision, root))

	err = s.PutBundle(b)
	if !IsCode(err, CodeMissingChunks) {
		t.Fatalf("PutBundle missing chunk = %v, want CodeMissingChunks", err)
	}
}

func TestPutBundleRefcountsAdjustAcrossRevisions(t *testing.T) {
	s, cs := newTestStore(t)
	pub, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	b1 := signedBundle(t, cs, pub, priv, "example", 1, "v1")
	if err := s.PutBundle(b1); err != nil {
		t.Fatalf("PutBundle rev 1: %v", err)
	}
	oldChunk := b1.Manifest.Files[0].Chunks[0]

	b2 := signedBundle(t, cs, pub, priv, "example", 2, "v2")
	if err := s.PutBundle(b2); err != nil {
		t.Fatalf("PutBundle rev 2: %v", err)
	}

	removed, err := cs.GC(nil)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed != 1 {
		t.Fatalf("GC removed %d chunks, want 1 (the superseded revision's orphaned chunk)", removed)
	}
	if has, _ := cs.Has(oldChunk); has {
		t.Fatalf("superseded revision's chunk was not reclaimed")
	}
	if has, _ := cs.Has(b2.Manifest.Files[0].Chunks[0]); !has {
		t.Fatalf("active revision's chunk was reclaimed")
	}
}

func TestPutBundleHistoryDepthRetainsOldRevisions(t *testing.T) {
	pub, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	kv := memstore.New()
	cs, err := chunkstore.New(kv, chunkstore.DefaultConfig())
	if err != nil {
		t.Fatalf("chunkstore.New: %v", err)
	}
	s := New(kv, cs, Config{RequireChunksPresent: true, HistoryDepth: 1})

	b1 := signedBundle(t, cs, pub, priv, "example", 1, "v1")
	if err := s.PutBundle(b1); err != nil {
		t.Fatalf("PutBundle rev 1: %v", err)
	}
	b2 := signedBundle(t, cs, pub, priv, "example", 2, "v2")
	if err := s.PutBundle(b2); err != nil {
		t.Fatalf("PutBundle rev 2: %v", err)
	}

	got, err := s.GetByRevision(b1.SiteId, 1)
	if err != nil {
		t.Fatalf("GetByRevision(1): %v", err)
	}
	if got.Revision != 1 {
		t.Fatalf("GetByRevision(1) returned revision %d", got.Revision)
	}

	b3 := signedBundle(t, cs, pub, priv, "example", 3, "v3")
	if err := s.PutBundle(b3); err != nil {
		t.Fatalf("PutBundle rev 3: %v", err)
	}
	if _, err := s.GetByRevision(b1.SiteId, 1); !IsCode(err, CodeBundleNotFound) {
		t.Fatalf("GetByRevision(1) after aging out = %v, want CodeBundleNotFound", err)
	}
}

func TestListReturnsAllActiveSites(t *testing.T) {
	s, cs := newTestStore(t)
	pub1, priv1, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	pub2, priv2, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	a := signedBundle(t, cs, pub1, priv1, "site-a", 1, "a")
	b := signedBundle(t, cs, pub2, priv2, "site-b", 1, "b")
	if err := s.PutBundle(a); err != nil {
		t.Fatalf("PutBundle a: %v", err)
	}
	if err := s.PutBundle(b); err != nil {
		t.Fatalf("PutBundle b: %v", err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(list))
	}
}

func TestGetActiveMissingSiteReturnsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetActive(hashsign.Sum([]byte("nope")))
	if !IsCode(err, CodeBundleNotFound) {
		t.Fatalf("GetActive on unknown site = %v, want CodeBundleNotFound", err)
	}
}
