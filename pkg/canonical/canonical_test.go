package canonical

import (
	"reflect"
	"testing"

	"github.com/mwillis775/grabnet/pkg/hashsign"
)

func sampleManifest() *Manifest {
	return &Manifest{
		Files: []FileEntry{
			{
				Path:        "about.html",
				ContentHash: hashsign.Sum([]byte("about")),
				Size:        5,
				MimeType:    "text/html",
				Chunks:      []hashsign.Hash{hashsign.Sum([]byte("about-chunk-0"))},
				Compression: CompressionNone,
			},
			{
				Path:        "index.html",
				ContentHash: hashsign.Sum([]byte("index")),
				Size:        11,
				MimeType:    "text/html",
				Chunks: []hashsign.Hash{
					hashsign.Sum([]byte("index-chunk-0")),
					hashsign.Sum([]byte("index-chunk-1")),
				},
				Compression: CompressionGzip,
			},
		},
		Entry: "index.html",
		Routes: Routes{
			CleanURLs:      true,
			HasSPAFallback: true,
			SPAFallback:    "index.html",
		},
		Headers: []HeaderRule{
			{Glob: "*.js", Name: "Cache-Control", Value: "public, max-age=31536000"},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := sampleManifest()

	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if !reflect.DeepEqual(m, got) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, m)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	m := sampleManifest()

	b1, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b2, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("Encode is not deterministic")
	}
}

func TestRootHashDiffersOnFieldChange(t *testing.T) {
	base := sampleManifest()
	baseHash, err := RootHash(base)
	if err != nil {
		t.Fatalf("RootHash: %v", err)
	}

	variants := []func(*Manifest){
		func(m *Manifest) { m.Entry = "other.html" },
		func(m *Manifest) { m.Routes.CleanURLs = false },
		func(m *Manifest) { m.Files[0].Size++ },
		func(m *Manifest) { m.Files[0].Compression = CompressionGzip },
		func(m *Manifest) { m.Headers[0].Value = "no-cache" },
	}

	for i, mutate := range variants {
		m := sampleManifest()
		mutate(m)
		h, err := RootHash(m)
		if err != nil {
			t.Fatalf("variant %d: RootHash: %v", i, err)
		}
		if h == baseHash {
			t.Fatalf("variant %d: root_hash unchanged after mutation", i)
		}
	}
}

func TestRootHashOnlyDependsOnManifestBytes(t *testing.T) {
	a := sampleManifest()
	b := sampleManifest()

	ha, err := RootHash(a)
	if err != nil {
		t.Fatalf("RootHash: %v", err)
	}
	hb, err := RootHash(b)
	if err != nil {
		t.Fatalf("RootHash: %v", err)
	}
	if ha != hb {
		t.Fatalf("identical manifests produced different root hashes")
	}
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	m := sampleManifest()
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for _, n := range []int{0, 1, 4, len(b) - 1} {
		if _, err := Decode(b[:n]); err == nil {
			t.Fatalf("Decode accepted truncated input of length %d", n)
		}
	}
}

func TestDecodeRejectsBadCompressionTag(t *testing.T) {
	path := "a"
	mime := "text/plain"
	m := &Manifest{
		Files: []FileEntry{
			{Path: path, MimeType: mime, Compression: CompressionNone},
		},
	}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Walk the layout forward to find the single file entry's compression
	// byte: file_count(4) + path(2+len) + content_hash(32) + size(8) +
	// mime(2+len) + chunk_count(4) + 0 chunks.
	compressionOffset := 4 + 2 + len(path) + 32 + 8 + 2 + len(mime) + 4
	b[compressionOffset] = 7

	if _, err := Decode(b); err == nil {
		t.Fatalf("Decode accepted an unknown compression tag")
	}
}

func TestEmptyManifestRoundTrips(t *testing.T) {
	m := &Manifest{Entry: "index.html"}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Files) != 0 || len(got.Headers) != 0 {
		t.Fatalf("expected empty files/headers, got %+v", got)
	}
	if got.Entry != m.Entry {
		t.Fatalf("Entry = %q, want %q", got.Entry, m.Entry)
	}
}
