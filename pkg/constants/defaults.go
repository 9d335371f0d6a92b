// Package constants collects GrabNet's fixed protocol and default
// configuration values, grounded on the teacher's own pkg/constants/defaults.go
// but trimmed to what GrabNet's wire protocol and components actually need.
package constants

import "time"

// Protocol version carried in every wire frame (§6).
const ProtocolVersion uint16 = 1

// MaxClockSkew bounds how far a frame's timestamp may drift from the local
// clock before BaseFrame.Validate rejects it.
const MaxClockSkew = 120 * time.Second

// Data configuration (§3, §4.E).
const (
	// DefaultChunkSize is chunk_size from §3: fixed-size windows used by
	// the Bundler, default 256 KiB.
	DefaultChunkSize = 262144
	// DefaultMaxInflightBytes bounds concurrent chunk fetch windows (§4.G).
	DefaultMaxInflightBytes = 4 * 1024 * 1024
	// DefaultConcurrentChunkFetch bounds the number of peers a Replicator
	// dials in parallel for a single site's delta.
	DefaultConcurrentChunkFetch = 4
)

// Replicator retry configuration (§4.G step 4).
const (
	RetryBaseDelay = 500 * time.Millisecond
	RetryMaxDelay  = 30 * time.Second
)

// Default network ports for the concrete NetworkSubstrate transports.
const (
	DefaultQUICPort = 27487
	DefaultTCPPort  = 27488
)

// DefaultEntry is the manifest entry file used when none is specified (§3).
const DefaultEntry = "index.html"

// HashAlgorithm names the hash used throughout GrabNet, carried in
// diagnostics and persisted alongside peer records.
const HashAlgorithm = "blake3-256"

// Wire message kinds (§6 "Wire messages"). Kind 0 is reserved for error
// frames, matching the convention of reserving the zero value for
// out-of-band protocol errors rather than a normal request/response.
const (
	KindError       uint16 = 0x00
	KindFindSite    uint16 = 0x01
	KindSiteHosts   uint16 = 0x02
	KindGetManifest uint16 = 0x03
	KindManifest    uint16 = 0x04
	KindGetChunks   uint16 = 0x05
	KindChunks      uint16 = 0x06
	KindAnnounce    uint16 = 0x07
)
