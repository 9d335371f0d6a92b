// Package canonical implements GrabNet's fixed binary manifest serialization
// (§6 "Canonical manifest serialization"), used both to compute a bundle's
// root_hash and as the on-wire Manifest payload (wire tag 0x04).
//
// The layout is a strict, length-prefixed binary format with no version
// field —
// deliberately not CBOR or any self-describing encoding — because root_hash
// must be a pure function of the manifest's bytes and implementations on
// different networks must agree byte-for-byte without relying on a shared
// schema evolution story.
package canonical

import "github.com/mwillis775/grabnet/pkg/hashsign"

// Compression identifies how a chunk's stored bytes relate to its logical
// content.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionGzip Compression = 1
)

// FileEntry describes one file within a SiteManifest (§3).
type FileEntry struct {
	Path        string
	ContentHash hashsign.Hash
	Size        uint64
	MimeType    string
	Chunks      []hashsign.Hash
	Compression Compression
}

// HeaderRule is a single `headers` entry: the first matching glob against a
// request path contributes name/value to the response (§4.F).
type HeaderRule struct {
	Glob  string
	Name  string
	Value string
}

// Routes carries the resolver behaviors attached to a manifest (§3, §4.F).
type Routes struct {
	CleanURLs     bool
	SPAFallback   string
	HasSPAFallback bool
}

// Manifest is the canonical, serializable form of a SiteManifest (§3).
// Files must be sorted by Path; callers that build a Manifest from a
// directory walk are responsible for that ordering (see pkg/bundler).
type Manifest struct {
	Files   []FileEntry
	Entry   string
	Routes  Routes
	Headers []HeaderRule
}

// RootHash computes the BLAKE3 digest over the canonical serialization of m,
// as required by §3's root_hash definition.
func RootHash(m *Manifest) (hashsign.Hash, error) {
	b, err := Encode(m)
	if err != nil {
		return hashsign.Hash{}, err
	}
	return hashsign.Sum(b), nil
}
