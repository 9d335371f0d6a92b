// Package substrate implements a concrete coordinator.NetworkSubstrate over
// GrabNet's own wire frames and transport abstraction. It condenses the
// teacher's DHT (internal/dht, provider records keyed by H("provide" |
// swarm | content)), gossip mesh (pkg/gossip, publish-and-fanout), and SWIM
// membership (pkg/swim, peer liveness) into a single implementation adapted
// to GrabNet's site_id/revision provider records instead of BID/honeytag
// presence: peer addresses are a flat directory seeded from bootstrap peers
// and grown from every inbound frame's sender, site hosting is a TTL'd
// provider table instead of a Kademlia-routed DHT, and announcements flood
// directly to known peers instead of relaying through a graft/prune mesh.
package substrate

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"

	"github.com/mwillis775/grabnet/pkg/bundlestore"
	"github.com/mwillis775/grabnet/pkg/chunkstore"
	"github.com/mwillis775/grabnet/pkg/constants"
	"github.com/mwillis775/grabnet/pkg/coordinator"
	"github.com/mwillis775/grabnet/pkg/hashsign"
	"github.com/mwillis775/grabnet/pkg/transport"
	"github.com/mwillis775/grabnet/pkg/wire"
)

// ProviderTTL bounds how long a received provider record is trusted before
// FindHosts stops returning it.
const ProviderTTL = 10 * time.Minute

// PeerAddr is a statically configured bootstrap peer.
type PeerAddr struct {
	PeerId string
	Addr   string
}

// Config wires a Substrate to its transport, local identity, and the local
// data a remote peer is allowed to pull from this node.
type Config struct {
	ListenAddr string
	Bootstrap  []PeerAddr
	Transport  transport.Transport
	TLSConfig  *tls.Config
	Bundles    *bundlestore.Store
	Chunks     *chunkstore.Store
	PublicKey  hashsign.PublicKey
	PrivateKey hashsign.PrivateKey
}

type providerEntry struct {
	revision uint64
	expireAt time.Time
}

// Substrate is a concrete coordinator.NetworkSubstrate.
type Substrate struct {
	cfg    Config
	selfId string

	peersMu sync.RWMutex
	peers   map[string]string // peerId -> addr

	providersMu sync.RWMutex
	providers   map[hashsign.SiteId]map[string]providerEntry // siteId -> peerId -> entry

	handlersMu sync.Mutex
	handlers   []coordinator.AnnounceHandler

	seq uint64

	listener transport.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a Substrate. It does not start listening until Start is called.
func New(cfg Config) (*Substrate, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("substrate: Transport is required")
	}
	if cfg.Bundles == nil || cfg.Chunks == nil {
		return nil, fmt.Errorf("substrate: Bundles and Chunks are required")
	}
	if len(cfg.PublicKey) != hashsign.PublicKeySize {
		return nil, fmt.Errorf("substrate: invalid public key length %d", len(cfg.PublicKey))
	}
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("substrate: TLSConfig is required (the teacher's transports fail closed rather than falling back to skip-verify)")
	}

	s := &Substrate{
		cfg:       cfg,
		selfId:    base58.Encode(cfg.PublicKey),
		peers:     make(map[string]string),
		providers: make(map[hashsign.SiteId]map[string]providerEntry),
	}
	for _, p := range cfg.Bootstrap {
		s.peers[p.PeerId] = p.Addr
	}
	return s, nil
}

// LocalPeerId returns this node's persistent peer identity: the base58
// encoding of its Ed25519 public key.
func (s *Substrate) LocalPeerId() string {
	return s.selfId
}

// ListenAddr returns the address the substrate is actually bound to, which
// may differ from Config.ListenAddr when that used an ephemeral port.
func (s *Substrate) ListenAddr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

// AddPeer registers or updates a known peer's dial address. Used to seed
// bootstrap peers discovered outside the substrate itself (e.g. from a
// rendezvous service or operator configuration).
func (s *Substrate) AddPeer(peerId, addr string) {
	s.rememberPeer(peerId, addr)
}

// Start brings the listener up and begins accepting connections.
func (s *Substrate) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	listener, err := s.cfg.Transport.Listen(s.ctx, s.cfg.ListenAddr, s.cfg.TLSConfig)
	if err != nil {
		return fmt.Errorf("substrate: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Close tears the listener down and waits for in-flight connections to
// finish being handled.
func (s *Substrate) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Substrate) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept(s.ctx)
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConn(conn)
		}()
	}
}

func (s *Substrate) handleConn(conn transport.Conn) {
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	frame, err := conn.ReadFrame()
	if err != nil {
		return
	}
	sender, err := base58.Decode(frame.From)
	if err != nil || len(sender) != hashsign.PublicKeySize || frame.Verify(sender) != nil {
		return
	}
	s.rememberPeer(frame.From, conn.RemoteAddr().String())

	switch frame.Kind {
	case constants.KindAnnounce:
		s.handleAnnounce(frame)
		// Pub/sub: the publisher does not wait for a response.
		return
	case constants.KindFindSite:
		s.handleFindSite(conn, frame)
	case constants.KindGetManifest:
		s.handleGetManifest(conn, frame)
	case constants.KindGetChunks:
		s.handleGetChunks(conn, frame)
	}
}

func (s *Substrate) nextSeq() uint64 {
	return atomic.AddUint64(&s.seq, 1)
}

func (s *Substrate) rememberPeer(peerId, addr string) {
	if peerId == "" || peerId == s.selfId {
		return
	}
	s.peersMu.Lock()
	s.peers[peerId] = addr
	s.peersMu.Unlock()
}

func (s *Substrate) knownPeers() []PeerAddr {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	out := make([]PeerAddr, 0, len(s.peers))
	for id, addr := range s.peers {
		out = append(out, PeerAddr{PeerId: id, Addr: addr})
	}
	return out
}

func (s *Substrate) peerAddr(peerId string) (string, bool) {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	addr, ok := s.peers[peerId]
	return addr, ok
}

// OnAnnounce registers cb to run for every announcement this node observes,
// whether received from a peer or (via its own Announce call) made locally.
func (s *Substrate) OnAnnounce(cb coordinator.AnnounceHandler) {
	s.handlersMu.Lock()
	s.handlers = append(s.handlers, cb)
	s.handlersMu.Unlock()
}

func (s *Substrate) fireAnnounce(siteId hashsign.SiteId, revision uint64, fromPeer string) {
	s.handlersMu.Lock()
	handlers := append([]coordinator.AnnounceHandler(nil), s.handlers...)
	s.handlersMu.Unlock()
	for _, cb := range handlers {
		cb(siteId, revision, fromPeer)
	}
}

func (s *Substrate) recordProvider(siteId hashsign.SiteId, peerId string, revision uint64) {
	s.providersMu.Lock()
	defer s.providersMu.Unlock()
	bySite, ok := s.providers[siteId]
	if !ok {
		bySite = make(map[string]providerEntry)
		s.providers[siteId] = bySite
	}
	bySite[peerId] = providerEntry{revision: revision, expireAt: time.Now().Add(ProviderTTL)}
}

func (s *Substrate) localProviders(siteId hashsign.SiteId) []coordinator.SiteHost {
	s.providersMu.RLock()
	defer s.providersMu.RUnlock()
	bySite := s.providers[siteId]
	now := time.Now()
	out := make([]coordinator.SiteHost, 0, len(bySite))
	for peerId, entry := range bySite {
		if now.After(entry.expireAt) {
			continue
		}
		out = append(out, coordinator.SiteHost{PeerId: peerId, Revision: entry.revision})
	}
	return out
}

// Announce publishes revision for siteId: it records the local provider
// entry, fires registered handlers, and floods the announcement to every
// known peer (§4.H announce).
func (s *Substrate) Announce(ctx context.Context, siteId hashsign.SiteId, revision uint64) error {
	s.recordProvider(siteId, s.selfId, revision)
	s.fireAnnounce(siteId, revision, s.selfId)

	frame := wire.NewAnnounceFrame(s.selfId, s.nextSeq(), siteId[:], revision, s.cfg.PublicKey)
	if err := frame.Sign(s.cfg.PrivateKey); err != nil {
		return fmt.Errorf("substrate: sign announce: %w", err)
	}

	var wg sync.WaitGroup
	for _, peer := range s.knownPeers() {
		wg.Add(1)
		go func(peer PeerAddr) {
			defer wg.Done()
			conn, err := s.dial(ctx, peer.Addr)
			if err != nil {
				return
			}
			defer conn.Close()
			conn.WriteFrame(frame)
		}(peer)
	}
	wg.Wait()
	return nil
}

func (s *Substrate) handleAnnounce(frame *wire.BaseFrame) {
	body, ok := frame.Body.(*wire.AnnounceBody)
	if !ok || len(body.SiteId) != hashsign.HashSize {
		return
	}
	var siteId hashsign.SiteId
	copy(siteId[:], body.SiteId)
	s.recordProvider(siteId, frame.From, body.Revision)
	s.fireAnnounce(siteId, body.Revision, frame.From)
}

// FindHosts merges this node's locally known provider records with a live
// FindSite query fanned out to every known peer, and returns the union
// sorted descending by revision (§4.H find_hosts).
func (s *Substrate) FindHosts(ctx context.Context, siteId hashsign.SiteId) ([]coordinator.SiteHost, error) {
	merged := make(map[string]uint64)
	for _, h := range s.localProviders(siteId) {
		merged[h.PeerId] = h.Revision
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, peer := range s.knownPeers() {
		wg.Add(1)
		go func(peer PeerAddr) {
			defer wg.Done()
			hosts, err := s.findSiteFrom(ctx, peer, siteId)
			if err != nil {
				return
			}
			mu.Lock()
			for _, h := range hosts {
				if cur, ok := merged[h.PeerId]; !ok || h.Revision > cur {
					merged[h.PeerId] = h.Revision
				}
			}
			mu.Unlock()
		}(peer)
	}
	wg.Wait()

	out := make([]coordinator.SiteHost, 0, len(merged))
	for peerId, revision := range merged {
		out = append(out, coordinator.SiteHost{PeerId: peerId, Revision: revision})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision > out[j].Revision })
	return out, nil
}

func (s *Substrate) findSiteFrom(ctx context.Context, peer PeerAddr, siteId hashsign.SiteId) ([]coordinator.SiteHost, error) {
	req := wire.NewFindSiteFrame(s.selfId, s.nextSeq(), siteId[:])
	if err := req.Sign(s.cfg.PrivateKey); err != nil {
		return nil, err
	}
	resp, err := s.roundTrip(ctx, peer.Addr, req)
	if err != nil {
		return nil, err
	}
	body, ok := resp.Body.(*wire.SiteHostsBody)
	if !ok {
		return nil, fmt.Errorf("substrate: unexpected response to FindSite from %s", peer.PeerId)
	}
	out := make([]coordinator.SiteHost, len(body.Hosts))
	for i, h := range body.Hosts {
		out[i] = coordinator.SiteHost{PeerId: h.PeerId, Revision: h.Revision}
	}
	return out, nil
}

func (s *Substrate) handleFindSite(conn transport.Conn, frame *wire.BaseFrame) {
	body, ok := frame.Body.(*wire.FindSiteBody)
	if !ok || len(body.SiteId) != hashsign.HashSize {
		return
	}
	var siteId hashsign.SiteId
	copy(siteId[:], body.SiteId)

	hosts := s.localProviders(siteId)
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Revision > hosts[j].Revision })
	wireHosts := make([]wire.SiteHost, len(hosts))
	for i, h := range hosts {
		wireHosts[i] = wire.SiteHost{PeerId: h.PeerId, Revision: h.Revision}
	}
	resp := wire.NewSiteHostsFrame(s.selfId, s.nextSeq(), wireHosts)
	resp.Sign(s.cfg.PrivateKey)
	conn.WriteFrame(resp)
}

// RequestManifest fetches the wire-encoded bundle for (siteId, revision)
// from peerId (§6 tag 0x03/0x04).
func (s *Substrate) RequestManifest(ctx context.Context, peerId string, siteId hashsign.SiteId, revision uint64) ([]byte, error) {
	addr, ok := s.peerAddr(peerId)
	if !ok {
		return nil, fmt.Errorf("substrate: unknown peer %s", peerId)
	}
	req := wire.NewGetManifestFrame(s.selfId, s.nextSeq(), siteId[:], revision)
	if err := req.Sign(s.cfg.PrivateKey); err != nil {
		return nil, err
	}
	resp, err := s.roundTrip(ctx, addr, req)
	if err != nil {
		return nil, err
	}
	body, ok := resp.Body.(*wire.ManifestBody)
	if !ok {
		return nil, fmt.Errorf("substrate: unexpected response to GetManifest from %s", peerId)
	}
	return body.BundleBytes, nil
}

func (s *Substrate) handleGetManifest(conn transport.Conn, frame *wire.BaseFrame) {
	body, ok := frame.Body.(*wire.GetManifestBody)
	if !ok || len(body.SiteId) != hashsign.HashSize {
		return
	}
	var siteId hashsign.SiteId
	copy(siteId[:], body.SiteId)

	var bundle *bundlestore.Bundle
	var err error
	if body.Revision == 0 {
		bundle, err = s.cfg.Bundles.GetActive(siteId)
	} else {
		bundle, err = s.cfg.Bundles.GetByRevision(siteId, body.Revision)
	}
	if err != nil {
		return
	}
	raw, err := bundlestore.Encode(bundle)
	if err != nil {
		return
	}
	resp := wire.NewManifestFrame(s.selfId, s.nextSeq(), raw)
	resp.Sign(s.cfg.PrivateKey)
	conn.WriteFrame(resp)
}

// RequestChunks fetches the given chunk hashes from peerId (§6 tag
// 0x05/0x06).
func (s *Substrate) RequestChunks(ctx context.Context, peerId string, hashes []hashsign.Hash) ([]coordinator.ChunkReply, error) {
	addr, ok := s.peerAddr(peerId)
	if !ok {
		return nil, fmt.Errorf("substrate: unknown peer %s", peerId)
	}
	wireHashes := make([][]byte, len(hashes))
	for i, h := range hashes {
		wireHashes[i] = h[:]
	}
	req := wire.NewGetChunksFrame(s.selfId, s.nextSeq(), wireHashes)
	if err := req.Sign(s.cfg.PrivateKey); err != nil {
		return nil, err
	}
	resp, err := s.roundTrip(ctx, addr, req)
	if err != nil {
		return nil, err
	}
	body, ok := resp.Body.(*wire.ChunksBody)
	if !ok {
		return nil, fmt.Errorf("substrate: unexpected response to GetChunks from %s", peerId)
	}
	out := make([]coordinator.ChunkReply, 0, len(body.Chunks))
	for _, c := range body.Chunks {
		if len(c.Hash) != hashsign.HashSize {
			continue
		}
		var h hashsign.Hash
		copy(h[:], c.Hash)
		out = append(out, coordinator.ChunkReply{Hash: h, Compression: c.Compression, Data: c.Data})
	}
	return out, nil
}

func (s *Substrate) handleGetChunks(conn transport.Conn, frame *wire.BaseFrame) {
	body, ok := frame.Body.(*wire.GetChunksBody)
	if !ok {
		return
	}
	entries := make([]wire.ChunkEntry, 0, len(body.Hashes))
	for _, raw := range body.Hashes {
		if len(raw) != hashsign.HashSize {
			continue
		}
		var h hashsign.Hash
		copy(h[:], raw)
		data, compression, err := s.cfg.Chunks.Get(h)
		if err != nil {
			continue
		}
		entries = append(entries, wire.ChunkEntry{Hash: raw, Compression: uint8(compression), Data: data})
	}
	resp := wire.NewChunksFrame(s.selfId, s.nextSeq(), entries)
	resp.Sign(s.cfg.PrivateKey)
	conn.WriteFrame(resp)
}

func (s *Substrate) dial(ctx context.Context, addr string) (transport.Conn, error) {
	return s.cfg.Transport.Dial(ctx, addr, s.cfg.TLSConfig)
}

func (s *Substrate) roundTrip(ctx context.Context, addr string, req *wire.BaseFrame) (*wire.BaseFrame, error) {
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("substrate: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	if err := conn.WriteFrame(req); err != nil {
		return nil, fmt.Errorf("substrate: write request: %w", err)
	}
	resp, err := conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("substrate: read response: %w", err)
	}
	if wire.IsErrorFrame(resp) {
		wireErr, _ := wire.ExtractError(resp)
		if wireErr != nil {
			return nil, wireErr
		}
		return nil, fmt.Errorf("substrate: peer returned an error frame")
	}
	return resp, nil
}
