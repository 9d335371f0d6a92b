package wire

import (
	"fmt"

	"github.com/mwillis775/grabnet/pkg/codec/cborcanon"
	"github.com/mwillis775/grabnet/pkg/constants"
)

// FindSiteBody is the payload of a FindSite request (§6 tag 0x01):
// "which peers host this site, and at what revision?"
type FindSiteBody struct {
	SiteId []byte `cbor:"site_id"`
}

// SiteHost is one entry of a SiteHosts response.
type SiteHost struct {
	PeerId   string `cbor:"peer_id"`
	Revision uint64 `cbor:"revision"`
}

// SiteHostsBody is the payload of a SiteHosts response (§6 tag 0x02),
// sorted descending by revision per §4.H find_hosts.
type SiteHostsBody struct {
	Hosts []SiteHost `cbor:"hosts"`
}

// GetManifestBody is the payload of a GetManifest request (§6 tag 0x03).
type GetManifestBody struct {
	SiteId   []byte `cbor:"site_id"`
	Revision uint64 `cbor:"revision"`
}

// ManifestBody is the payload of a Manifest response (§6 tag 0x04): the
// full serialized bundle (signature, publisher, site_id, revision,
// root_hash, and the canonical manifest bytes).
type ManifestBody struct {
	BundleBytes []byte `cbor:"bundle"`
}

// GetChunksBody is the payload of a GetChunks request (§6 tag 0x05).
type GetChunksBody struct {
	Hashes [][]byte `cbor:"hashes"`
}

// ChunkEntry is one chunk returned in a Chunks response.
type ChunkEntry struct {
	Hash        []byte `cbor:"hash"`
	Compression uint8  `cbor:"compression"`
	Data        []byte `cbor:"data"`
}

// ChunksBody is the payload of a Chunks response (§6 tag 0x06).
type ChunksBody struct {
	Chunks []ChunkEntry `cbor:"chunks"`
}

// AnnounceBody is the payload of an Announce pubsub message (§6 tag 0x07):
// "I host revision R of this site."
type AnnounceBody struct {
	SiteId          []byte `cbor:"site_id"`
	Revision        uint64 `cbor:"revision"`
	PublisherPubKey []byte `cbor:"publisher_pubkey"`
}

// NewFindSiteFrame builds a FindSite request frame.
func NewFindSiteFrame(from string, seq uint64, siteId []byte) *BaseFrame {
	return NewBaseFrame(constants.KindFindSite, from, seq, &FindSiteBody{SiteId: siteId})
}

// NewSiteHostsFrame builds a SiteHosts response frame.
func NewSiteHostsFrame(from string, seq uint64, hosts []SiteHost) *BaseFrame {
	return NewBaseFrame(constants.KindSiteHosts, from, seq, &SiteHostsBody{Hosts: hosts})
}

// NewGetManifestFrame builds a GetManifest request frame.
func NewGetManifestFrame(from string, seq uint64, siteId []byte, revision uint64) *BaseFrame {
	return NewBaseFrame(constants.KindGetManifest, from, seq, &GetManifestBody{
		SiteId:   siteId,
		Revision: revision,
	})
}

// NewManifestFrame builds a Manifest response frame.
func NewManifestFrame(from string, seq uint64, bundleBytes []byte) *BaseFrame {
	return NewBaseFrame(constants.KindManifest, from, seq, &ManifestBody{BundleBytes: bundleBytes})
}

// NewGetChunksFrame builds a GetChunks request frame.
func NewGetChunksFrame(from string, seq uint64, hashes [][]byte) *BaseFrame {
	return NewBaseFrame(constants.KindGetChunks, from, seq, &GetChunksBody{Hashes: hashes})
}

// NewChunksFrame builds a Chunks response frame.
func NewChunksFrame(from string, seq uint64, chunks []ChunkEntry) *BaseFrame {
	return NewBaseFrame(constants.KindChunks, from, seq, &ChunksBody{Chunks: chunks})
}

// NewAnnounceFrame builds an Announce pubsub frame.
func NewAnnounceFrame(from string, seq uint64, siteId []byte, revision uint64, publisherPubKey []byte) *BaseFrame {
	return NewBaseFrame(constants.KindAnnounce, from, seq, &AnnounceBody{
		SiteId:          siteId,
		Revision:        revision,
		PublisherPubKey: publisherPubKey,
	})
}

// DecodeBody replaces frame.Body — which after Unmarshal holds cbor's
// generic decode of a map (map[string]interface{}) rather than the body's
// real Go type — with the concrete type for frame.Kind, by re-marshaling
// and unmarshaling through that type. Callers that receive a frame off the
// wire must call this before type-asserting frame.Body.
func DecodeBody(frame *BaseFrame) error {
	var target interface{}
	switch frame.Kind {
	case constants.KindError:
		target = &Error{}
	case constants.KindFindSite:
		target = &FindSiteBody{}
	case constants.KindSiteHosts:
		target = &SiteHostsBody{}
	case constants.KindGetManifest:
		target = &GetManifestBody{}
	case constants.KindManifest:
		target = &ManifestBody{}
	case constants.KindGetChunks:
		target = &GetChunksBody{}
	case constants.KindChunks:
		target = &ChunksBody{}
	case constants.KindAnnounce:
		target = &AnnounceBody{}
	default:
		return fmt.Errorf("wire: unknown frame kind %d", frame.Kind)
	}

	raw, err := cborcanon.Marshal(frame.Body)
	if err != nil {
		return fmt.Errorf("wire: re-marshal frame body: %w", err)
	}
	if err := cborcanon.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("wire: decode frame body for kind %d: %w", frame.Kind, err)
	}
	frame.Body = target
	return nil
}
