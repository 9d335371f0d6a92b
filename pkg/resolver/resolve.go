// Package resolver implements the Resolver/Server (§4.F): maps
// (site_id, request_path) to a response by walking a SiteManifest's file
// table and reassembling chunks from the Chunk Store. Grounded on the HTTP
// handler-tree conventions of the distribution-distribution/registry
// example pack repo, adapted to GrabNet's manifest-driven routing instead of
// a blob-registry's fixed API surface.
package resolver

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/mwillis775/grabnet/pkg/canonical"
	"github.com/mwillis775/grabnet/pkg/chunkstore"
)

// Result is a resolved response body plus the metadata needed to answer an
// HTTP request for it.
type Result struct {
	Entry      canonical.FileEntry
	Headers    map[string]string
	StatusCode int
}

// Resolve applies the path resolution rules of §4.F in order and returns the
// matching FileEntry, or an error if the path is malformed.
func Resolve(m *canonical.Manifest, requestPath string) (Result, error) {
	normalized, err := normalizePath(requestPath)
	if err != nil {
		return Result{}, err
	}

	if strings.HasSuffix(normalized, "/") {
		entry := m.Entry
		if entry == "" {
			entry = "index.html"
		}
		normalized += entry
	}
	normalized = strings.TrimPrefix(normalized, "/")

	byPath := make(map[string]canonical.FileEntry, len(m.Files))
	for _, f := range m.Files {
		byPath[f.Path] = f
	}

	if f, ok := byPath[normalized]; ok {
		return Result{Entry: f, Headers: headersFor(m, normalized), StatusCode: 200}, nil
	}

	if m.Routes.CleanURLs {
		if f, ok := byPath[normalized+".html"]; ok {
			return Result{Entry: f, Headers: headersFor(m, normalized+".html"), StatusCode: 200}, nil
		}
		if f, ok := byPath[normalized+"/index.html"]; ok {
			return Result{Entry: f, Headers: headersFor(m, normalized+"/index.html"), StatusCode: 200}, nil
		}
	}

	if m.Routes.HasSPAFallback && m.Routes.SPAFallback != "" {
		if f, ok := byPath[m.Routes.SPAFallback]; ok {
			return Result{Entry: f, Headers: headersFor(m, m.Routes.SPAFallback), StatusCode: 200}, nil
		}
	}

	return Result{StatusCode: 404}, nil
}

// ErrBadPath is returned by normalizePath for a request path containing a
// ".." segment after normalization (§4.F step 1).
var ErrBadPath = fmt.Errorf("resolver: request path contains a \"..\" segment")

func normalizePath(requestPath string) (string, error) {
	if i := strings.IndexAny(requestPath, "?#"); i >= 0 {
		requestPath = requestPath[:i]
	}
	if requestPath == "" {
		requestPath = "/"
	}

	for _, seg := range strings.Split(requestPath, "/") {
		if seg == ".." {
			return "", ErrBadPath
		}
	}

	trailingSlash := strings.HasSuffix(requestPath, "/")
	cleaned := path.Clean(requestPath)
	if trailingSlash && !strings.HasSuffix(cleaned, "/") {
		cleaned += "/"
	}
	return cleaned, nil
}

// headersFor returns the response headers of every glob rule that matches
// filePath; where several matching rules set the same header name, the
// first in manifest order wins (first-match-wins, §4.F).
func headersFor(m *canonical.Manifest, filePath string) map[string]string {
	headers := make(map[string]string)
	for _, rule := range m.Headers {
		matched, err := path.Match(rule.Glob, filePath)
		if err != nil || !matched {
			continue
		}
		if _, set := headers[rule.Name]; !set {
			headers[rule.Name] = rule.Value
		}
	}
	return headers
}

// ReadBody sequentially fetches entry's chunks, decompresses each according
// to its stored compression tag, and returns the concatenated logical file
// content (§4.F "Body reconstruction").
func ReadBody(chunks *chunkstore.Store, entry canonical.FileEntry) ([]byte, error) {
	var out bytes.Buffer
	for i, h := range entry.Chunks {
		stored, compression, err := chunks.Get(h)
		if err != nil {
			return nil, fmt.Errorf("resolver: fetch chunk %d of %s: %w", i, entry.Path, err)
		}
		switch compression {
		case canonical.CompressionNone:
			out.Write(stored)
		case canonical.CompressionGzip:
			gr, err := gzip.NewReader(bytes.NewReader(stored))
			if err != nil {
				return nil, fmt.Errorf("resolver: decompress chunk %d of %s: %w", i, entry.Path, err)
			}
			if _, err := io.Copy(&out, gr); err != nil {
				return nil, fmt.Errorf("resolver: decompress chunk %d of %s: %w", i, entry.Path, err)
			}
			gr.Close()
		default:
			return nil, fmt.Errorf("resolver: chunk %d of %s has unknown compression tag %d", i, entry.Path, compression)
		}
	}
	return out.Bytes(), nil
}
