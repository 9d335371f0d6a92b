// Package coordinator implements the P2P Coordinator (§4.H): peer discovery
// and announcement over a NetworkSubstrate, plus the auto-replication loop
// that keeps hosted sites caught up with the newest revision seen on the
// network. Grounded on the teacher's agent lifecycle/state machine
// (pkg/agent/agent.go) wrapping its DHT and gossip layers, generalized so
// any NetworkSubstrate (in a running node, pkg/substrate's implementation
// over the TCP/QUIC transports) backs it instead of BID/honeytag presence
// records.
package coordinator

import (
	"context"

	"github.com/mwillis775/grabnet/pkg/hashsign"
)

// SiteHost is one entry of a find_hosts result: a peer known to host
// site_id at revision (§4.H).
type SiteHost struct {
	PeerId   string
	Revision uint64
}

// AnnounceHandler is invoked for every announcement received on the sites
// pub/sub topic (§4.H on_announce).
type AnnounceHandler func(siteId hashsign.SiteId, revision uint64, fromPeer string)

// NetworkSubstrate is the P2P Coordinator's external collaborator (§1, §4.H):
// persistent peer identity, a DHT mapping site_id to provider records, a
// pub/sub mesh for announcements, and direct request/response streams to a
// peer. Concrete implementations live in pkg/substrate; this package depends
// only on the interface so the Coordinator and Replicator are testable
// against an in-memory fake.
type NetworkSubstrate interface {
	// LocalPeerId returns this node's persistent peer identity.
	LocalPeerId() string

	// Announce publishes revision for siteId on the sites pub/sub topic and
	// writes a provider record in the DHT keyed by siteId.
	Announce(ctx context.Context, siteId hashsign.SiteId, revision uint64) error

	// FindHosts queries the DHT for peers hosting siteId, sorted descending
	// by revision.
	FindHosts(ctx context.Context, siteId hashsign.SiteId) ([]SiteHost, error)

	// RequestManifest fetches the wire-encoded bundle for (siteId, revision)
	// from peerId (§6 tag 0x03/0x04).
	RequestManifest(ctx context.Context, peerId string, siteId hashsign.SiteId, revision uint64) ([]byte, error)

	// RequestChunks fetches the given chunk hashes from peerId (§6 tag
	// 0x05/0x06), returning exactly one (hash, bytes, compression) result
	// per requested hash that the peer was able to serve.
	RequestChunks(ctx context.Context, peerId string, hashes []hashsign.Hash) ([]ChunkReply, error)

	// OnAnnounce registers cb to be invoked for every received
	// announcement. Multiple handlers may be registered.
	OnAnnounce(cb AnnounceHandler)

	// Start brings the substrate up (joins the DHT, subscribes to the sites
	// topic) and Close tears it down.
	Start(ctx context.Context) error
	Close() error
}

// ChunkReply is one fetched chunk plus the compression tag it was stored
// under, as carried by wire.ChunkEntry.
type ChunkReply struct {
	Hash        hashsign.Hash
	Compression uint8
	Data        []byte
}
