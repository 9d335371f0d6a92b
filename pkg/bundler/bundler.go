// Package bundler implements the Bundler (§4.E): turns a filesystem
// directory into a signed WebBundle. Grounded on the teacher's chunking
// pipeline (pkg/content/chunker.go ChunkData / GenerateChunkCID) and the
// cmd/bee put command's walk-then-publish flow, generalized to GrabNet's
// manifest model, gzip compression tag, and publisher signing.
package bundler

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mwillis775/grabnet/pkg/bundlestore"
	"github.com/mwillis775/grabnet/pkg/canonical"
	"github.com/mwillis775/grabnet/pkg/chunkstore"
	"github.com/mwillis775/grabnet/pkg/hashsign"
	"github.com/mwillis775/grabnet/pkg/kvstore"
)

const bucketLabels = "bundler_labels"

// compressibleMimeTypes is the MIME set eligible for gzip (§4.E step 3).
var compressibleMimeTypes = map[string]bool{
	"application/json":       true,
	"application/xml":        true,
	"application/javascript": true,
	"image/svg+xml":          true,
}

func isCompressible(mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	return compressibleMimeTypes[mimeType]
}

// PublishOptions configures a Publish call (§4.E).
type PublishOptions struct {
	Name      string
	Entry     string
	Routes    canonical.Routes
	Headers   []canonical.HeaderRule
	Compress  bool
	ChunkSize int

	Publisher  hashsign.PublicKey
	PrivateKey hashsign.PrivateKey

	// PublisherLabel, if set, is a local handle for a repeatedly-published
	// project (e.g. a directory path or project name). The Bundler remembers
	// the site Name last published under a label and rejects a later
	// publish under the same label with a different Name (§4.E step 7,
	// §7 NameChange) — this catches an accidental site-name edit before it
	// silently starts a brand new site_id.
	PublisherLabel string

	// StrictMime rejects files whose MIME type cannot be determined from
	// their extension instead of falling back to application/octet-stream.
	StrictMime bool

	CreatedAtMs uint64
}

func (o *PublishOptions) setDefaults() {
	if o.Entry == "" {
		o.Entry = "index.html"
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 262144
	}
}

// Bundler walks a directory tree and commits signed bundles to a Bundle
// Store, chunking file contents into a Chunk Store along the way.
type Bundler struct {
	kv      kvstore.KVStore
	chunks  *chunkstore.Store
	bundles *bundlestore.Store
}

// New creates a Bundler. kv persists the PublisherLabel→Name bookkeeping
// used to detect NameChange.
func New(kv kvstore.KVStore, chunks *chunkstore.Store, bundles *bundlestore.Store) *Bundler {
	return &Bundler{kv: kv, chunks: chunks, bundles: bundles}
}

// Publish builds and commits a new WebBundle from the files under the
// directory root on the local filesystem.
func (b *Bundler) Publish(root string, opts PublishOptions) (*bundlestore.Bundle, error) {
	opts.setDefaults()
	if len(opts.Publisher) != hashsign.PublicKeySize {
		return nil, fmt.Errorf("bundler: publisher key must be %d bytes", hashsign.PublicKeySize)
	}

	if opts.PublisherLabel != "" {
		if err := b.checkNameChange(opts.PublisherLabel, opts.Name); err != nil {
			return nil, err
		}
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("bundler: resolve root: %w", err)
	}

	paths, err := walk(root)
	if err != nil {
		e := newErr(CodeBadPath, root)
		e.Cause = err
		return nil, e
	}
	if len(paths) == 0 {
		return nil, newErr(CodeEmptySite, root)
	}

	files := make([]canonical.FileEntry, 0, len(paths))
	for _, p := range paths {
		entry, err := b.chunkFile(root, p, opts)
		if err != nil {
			return nil, fmt.Errorf("bundler: %s: %w", p, err)
		}
		files = append(files, entry)
	}

	manifest := canonical.Manifest{
		Files:   files,
		Entry:   opts.Entry,
		Routes:  opts.Routes,
		Headers: opts.Headers,
	}
	rootHash, err := canonical.RootHash(&manifest)
	if err != nil {
		return nil, fmt.Errorf("bundler: root hash: %w", err)
	}

	siteId := hashsign.ComputeSiteId(opts.Publisher, opts.Name)

	revision := uint64(1)
	if prev, err := b.bundles.GetActive(siteId); err == nil {
		revision = prev.Revision + 1
	}

	sig := hashsign.Sign(opts.PrivateKey, bundlestore.SignedMessage(siteId, revision, rootHash))

	bundle := &bundlestore.Bundle{
		SiteId:      siteId,
		Name:        opts.Name,
		Revision:    revision,
		RootHash:    rootHash,
		Publisher:   opts.Publisher,
		Signature:   sig,
		Manifest:    manifest,
		CreatedAtMs: opts.CreatedAtMs,
	}

	if err := b.bundles.PutBundle(bundle); err != nil {
		return nil, fmt.Errorf("bundler: commit: %w", err)
	}

	if opts.PublisherLabel != "" {
		if err := b.kv.Put(bucketLabels, []byte(opts.PublisherLabel), []byte(opts.Name)); err != nil {
			return nil, fmt.Errorf("bundler: record label: %w", err)
		}
	}

	return bundle, nil
}

// checkNameChange rejects a publish whose Name differs from the one
// previously recorded for label, per §4.E step 7 / §7 NameChange.
func (b *Bundler) checkNameChange(label, name string) error {
	prev, err := b.kv.Get(bucketLabels, []byte(label))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil
		}
		return fmt.Errorf("bundler: check label: %w", err)
	}
	if string(prev) != name {
		return newErr(CodeNameChange, label)
	}
	return nil
}

// chunkFile reads one file's raw bytes, optionally compresses each
// chunk_size window, stores the chunks, and returns its FileEntry.
func (b *Bundler) chunkFile(root, relPath string, opts PublishOptions) (canonical.FileEntry, error) {
	raw, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(relPath)))
	if err != nil {
		return canonical.FileEntry{}, fmt.Errorf("read: %w", err)
	}

	mimeType, known := detectMime(relPath)
	if !known && opts.StrictMime {
		return canonical.FileEntry{}, newErr(CodeUnknownMime, relPath)
	}
	compress := opts.Compress && isCompressible(mimeType)

	var chunks []hashsign.Hash
	compression := canonical.CompressionNone
	if compress {
		compression = canonical.CompressionGzip
	}

	// An empty file produces zero chunks; ContentHash/Size still record it.
	for offset := 0; offset < len(raw); offset += opts.ChunkSize {
		end := offset + opts.ChunkSize
		if end > len(raw) {
			end = len(raw)
		}
		window := raw[offset:end]

		stored := window
		if compress {
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			if _, err := gw.Write(window); err != nil {
				return canonical.FileEntry{}, fmt.Errorf("gzip: %w", err)
			}
			if err := gw.Close(); err != nil {
				return canonical.FileEntry{}, fmt.Errorf("gzip: %w", err)
			}
			stored = buf.Bytes()
		}

		h, err := b.chunks.Put(stored, compression)
		if err != nil {
			return canonical.FileEntry{}, fmt.Errorf("chunk store put: %w", err)
		}
		chunks = append(chunks, h)
	}

	return canonical.FileEntry{
		Path:        relPath,
		ContentHash: hashsign.Sum(raw),
		Size:        uint64(len(raw)),
		MimeType:    mimeType,
		Chunks:      chunks,
		Compression: compression,
	}, nil
}

// detectMime reports the extension-derived MIME type and whether one was
// found; known is false when the fallback application/octet-stream was used.
func detectMime(relPath string) (mimeType string, known bool) {
	ext := filepath.Ext(relPath)
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.Index(t, ";"); i >= 0 {
			t = t[:i]
		}
		return strings.TrimSpace(t), true
	}
	return "application/octet-stream", false
}

// walk returns every regular file under the absolute path root, depth-first,
// sorted by lexicographic byte order of the normalized relative path (§4.E
// step 1). Symlinks that resolve outside root are skipped; any path
// containing ".." after normalization is rejected outright.
func walk(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(p)
			if err != nil {
				return fmt.Errorf("unresolvable symlink %s: %w", p, err)
			}
			relResolved, err := filepath.Rel(root, resolved)
			if err != nil || relResolved == ".." || strings.HasPrefix(relResolved, ".."+string(filepath.Separator)) {
				return nil // skip symlinks escaping root
			}
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." || strings.Contains(rel, "..") {
			return fmt.Errorf("path %q escapes the published tree", p)
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
