// Package bundlestore implements the Bundle Store (§4.C): the per-site
// manifest and revision index. Grounded on the teacher's manifest handling
// (pkg/content/manifest.go) and provider/refcount bookkeeping
// (pkg/content/provider.go), generalized to GrabNet's WebBundle/SiteManifest
// model and publisher-binding rule (§7).
package bundlestore

import (
	"encoding/binary"
	"fmt"

	"github.com/mwillis775/grabnet/pkg/canonical"
	"github.com/mwillis775/grabnet/pkg/hashsign"
)

// Bundle is the WebBundle of §3: a signed, content-addressed snapshot of a
// site at a given revision.
type Bundle struct {
	SiteId      hashsign.SiteId
	Name        string
	Revision    uint64
	RootHash    hashsign.Hash
	Publisher   hashsign.PublicKey
	Signature   hashsign.Signature
	Manifest    canonical.Manifest
	CreatedAtMs uint64
}

// SignedMessage returns the exact 72-byte message covered by Bundle.Signature
// (§3): site_id ‖ revision_as_u64_little_endian ‖ root_hash. Nothing else is
// covered by the signature.
func SignedMessage(siteId hashsign.SiteId, revision uint64, rootHash hashsign.Hash) []byte {
	msg := make([]byte, 0, hashsign.HashSize+8+hashsign.HashSize)
	msg = append(msg, siteId[:]...)
	var rev [8]byte
	binary.LittleEndian.PutUint64(rev[:], revision)
	msg = append(msg, rev[:]...)
	msg = append(msg, rootHash[:]...)
	return msg
}

// Encode serializes b as the wire's Manifest response payload (§6 tag 0x04):
// signature, publisher, site_id, revision, root_hash, then the canonical
// manifest bytes. This is the bundle_serialized form carried inside
// wire.ManifestBody, distinct from pkg/canonical's manifest-only encoding
// used for root_hash.
func Encode(b *Bundle) ([]byte, error) {
	manifestBytes, err := canonical.Encode(&b.Manifest)
	if err != nil {
		return nil, fmt.Errorf("bundlestore: encode manifest: %w", err)
	}

	out := make([]byte, 0, hashsign.SignatureSize+hashsign.PublicKeySize+hashsign.HashSize+8+hashsign.HashSize+len(manifestBytes))
	out = append(out, b.Signature...)
	out = append(out, b.Publisher...)
	out = append(out, b.SiteId[:]...)
	var rev [8]byte
	binary.LittleEndian.PutUint64(rev[:], b.Revision)
	out = append(out, rev[:]...)
	out = append(out, b.RootHash[:]...)
	out = append(out, manifestBytes...)
	return out, nil
}

// Decode parses the wire form produced by Encode. The Name field is not
// part of the wire format (§4.C: "names are local labels... not part of the
// protocol identifier") and is left empty.
func Decode(b []byte) (*Bundle, error) {
	min := hashsign.SignatureSize + hashsign.PublicKeySize + hashsign.HashSize + 8 + hashsign.HashSize
	if len(b) < min {
		return nil, fmt.Errorf("bundlestore: decode: truncated bundle (need at least %d bytes, got %d)", min, len(b))
	}

	pos := 0
	sig := append([]byte(nil), b[pos:pos+hashsign.SignatureSize]...)
	pos += hashsign.SignatureSize
	pub := append([]byte(nil), b[pos:pos+hashsign.PublicKeySize]...)
	pos += hashsign.PublicKeySize
	var siteId hashsign.SiteId
	copy(siteId[:], b[pos:pos+hashsign.HashSize])
	pos += hashsign.HashSize
	revision := binary.LittleEndian.Uint64(b[pos : pos+8])
	pos += 8
	var rootHash hashsign.Hash
	copy(rootHash[:], b[pos:pos+hashsign.HashSize])
	pos += hashsign.HashSize

	manifest, err := canonical.Decode(b[pos:])
	if err != nil {
		return nil, fmt.Errorf("bundlestore: decode manifest: %w", err)
	}

	return &Bundle{
		SiteId:    siteId,
		Revision:  revision,
		RootHash:  rootHash,
		Publisher: hashsign.PublicKey(pub),
		Signature: hashsign.Signature(sig),
		Manifest:  *manifest,
	}, nil
}
