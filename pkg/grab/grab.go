// Package grab wires GrabNet's components into a single running node:
// durable storage, the publishing pipeline, the HTTP resolver gateway, and
// peer-to-peer replication. Grounded on the teacher's Agent
// (pkg/agent/agent.go): the same State enum and Start/Stop lifecycle,
// generalized from BID/honeytag presence and DHT/gossip/SWIM wiring to
// GrabNet's keystore/bundler/resolver/coordinator stack.
package grab

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mwillis775/grabnet/pkg/bundlestore"
	"github.com/mwillis775/grabnet/pkg/bundler"
	"github.com/mwillis775/grabnet/pkg/chunkstore"
	"github.com/mwillis775/grabnet/pkg/constants"
	"github.com/mwillis775/grabnet/pkg/coordinator"
	"github.com/mwillis775/grabnet/pkg/hashsign"
	"github.com/mwillis775/grabnet/pkg/keystore"
	"github.com/mwillis775/grabnet/pkg/kvstore"
	"github.com/mwillis775/grabnet/pkg/kvstore/bboltstore"
	"github.com/mwillis775/grabnet/pkg/replicator"
	"github.com/mwillis775/grabnet/pkg/reputation"
	"github.com/mwillis775/grabnet/pkg/resolver"
	"github.com/mwillis775/grabnet/pkg/substrate"
	"github.com/mwillis775/grabnet/pkg/transport"
	"github.com/mwillis775/grabnet/pkg/transport/quic"
	"github.com/mwillis775/grabnet/pkg/transport/tcp"
)

// State mirrors the teacher's agent lifecycle states (pkg/agent/agent.go).
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config configures a Node.
type Config struct {
	// DataDir is the node's data directory; its bbolt database is the file
	// grab.db inside it. Required unless KV is set
	// directly (e.g. for tests using an in-memory store).
	DataDir string
	KV       kvstore.KVStore

	// ListenAddr is the address the substrate's transport listens on.
	ListenAddr string
	// UseQUIC selects the QUIC transport instead of TCP.
	UseQUIC bool
	TLSConfig *tls.Config

	Bootstrap []substrate.PeerAddr

	ChunkStore    chunkstore.Config
	BundleStore   bundlestore.Config
	Replicator    replicator.Config
	Coordinator   coordinator.Config
	Reputation    reputation.Config
}

// DefaultConfig returns a Config with every sub-component defaulted;
// ListenAddr and DataDir (or KV) must still be supplied.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  fmt.Sprintf("0.0.0.0:%d", constants.DefaultTCPPort),
		ChunkStore:  chunkstore.DefaultConfig(),
		BundleStore: bundlestore.DefaultConfig(),
		Replicator:  replicator.DefaultConfig(),
		Coordinator: coordinator.DefaultConfig(),
		Reputation:  reputation.DefaultConfig(),
	}
}

// Node is a running GrabNet node: the storage stack, the publishing
// pipeline, the HTTP resolver, and the P2P coordinator, all wired
// together and owned by a single lifecycle.
type Node struct {
	cfg Config

	mu    sync.RWMutex
	state State

	kv     kvstore.KVStore
	closer func() error

	Keys      *keystore.Store
	Chunks    *chunkstore.Store
	Bundles   *bundlestore.Store
	Bundler   *bundler.Bundler
	Resolver  *resolver.Server
	Substrate *substrate.Substrate
	Repl      *replicator.Replicator
	Coord     *coordinator.Coordinator

	identity *keystore.Identity

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Node. It opens storage and wires every component but does
// not start listening until Start is called.
func New(cfg Config) (*Node, error) {
	kv := cfg.KV
	var closer func() error
	if kv == nil {
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("grab: DataDir or KV is required")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("grab: create data dir: %w", err)
		}
		store, err := bboltstore.Open(filepath.Join(cfg.DataDir, "grab.db"))
		if err != nil {
			return nil, fmt.Errorf("grab: open bbolt store: %w", err)
		}
		kv = store
		closer = store.Close
	}

	chunks, err := chunkstore.New(kv, cfg.ChunkStore)
	if err != nil {
		return nil, fmt.Errorf("grab: create chunk store: %w", err)
	}
	bundles := bundlestore.New(kv, chunks, cfg.BundleStore)
	keys := keystore.New(kv)
	bndlr := bundler.New(kv, chunks, bundles)
	srv := resolver.NewServer(bundles, chunks)

	identity, err := keys.Default()
	if err != nil {
		identity, err = keys.Generate("default", uint64(time.Now().UnixMilli()))
		if err != nil {
			if closer != nil {
				closer()
			}
			return nil, fmt.Errorf("grab: provision default identity: %w", err)
		}
	}

	var tr transport.Transport
	if cfg.UseQUIC {
		tr = quic.New()
	} else {
		tr = tcp.New()
	}

	sub, err := substrate.New(substrate.Config{
		ListenAddr: cfg.ListenAddr,
		Bootstrap:  cfg.Bootstrap,
		Transport:  tr,
		TLSConfig:  cfg.TLSConfig,
		Bundles:    bundles,
		Chunks:     chunks,
		PublicKey:  identity.PublicKey,
		PrivateKey: identity.PrivateKey,
	})
	if err != nil {
		if closer != nil {
			closer()
		}
		return nil, fmt.Errorf("grab: create substrate: %w", err)
	}

	reputationTable := reputation.New(cfg.Reputation)
	repl := replicator.New(sub, bundles, chunks, reputationTable, cfg.Replicator)
	coord := coordinator.New(sub, bundles, repl, reputationTable, cfg.Coordinator)

	return &Node{
		cfg:       cfg,
		state:     StateStopped,
		kv:        kv,
		closer:    closer,
		Keys:      keys,
		Chunks:    chunks,
		Bundles:   bundles,
		Bundler:   bndlr,
		Resolver:  srv,
		Substrate: sub,
		Repl:      repl,
		Coord:     coord,
		identity:  identity,
	}, nil
}

// State returns the node's current lifecycle state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Identity returns the node's default publisher identity.
func (n *Node) Identity() *keystore.Identity {
	return n.identity
}

// PeerId returns the node's persistent peer identity on the substrate.
func (n *Node) PeerId() string {
	return n.Substrate.LocalPeerId()
}

// Start brings the node's substrate and coordinator up.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.state == StateRunning || n.state == StateStarting {
		n.mu.Unlock()
		return fmt.Errorf("grab: node is already %s", n.state)
	}
	n.state = StateStarting
	n.mu.Unlock()

	n.ctx, n.cancel = context.WithCancel(ctx)

	if err := n.Coord.Start(n.ctx); err != nil {
		n.setState(StateError)
		n.cancel()
		return fmt.Errorf("grab: start coordinator: %w", err)
	}

	n.setState(StateRunning)
	return nil
}

// Publish publishes root as a new revision of name under the node's
// default identity and announces the new revision to the network.
func (n *Node) Publish(root string, opts bundler.PublishOptions) (*bundlestore.Bundle, error) {
	if len(opts.Publisher) == 0 {
		opts.Publisher = n.identity.PublicKey
	}
	if len(opts.PrivateKey) == 0 {
		opts.PrivateKey = n.identity.PrivateKey
	}
	if opts.CreatedAtMs == 0 {
		opts.CreatedAtMs = uint64(time.Now().UnixMilli())
	}

	b, err := n.Bundler.Publish(root, opts)
	if err != nil {
		return nil, err
	}
	if n.ctx != nil {
		if err := n.Coord.Announce(n.ctx, b.SiteId, b.Revision); err != nil {
			return b, fmt.Errorf("grab: published %s but failed to announce: %w", hashsign.EncodeSiteId(b.SiteId), err)
		}
	}
	return b, nil
}

// Stop tears the node down.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.state == StateStopped || n.state == StateStopping {
		n.mu.Unlock()
		return fmt.Errorf("grab: node is already %s", n.state)
	}
	n.state = StateStopping
	n.mu.Unlock()

	var errs []error
	if err := n.Coord.Close(); err != nil {
		errs = append(errs, err)
	}
	if n.closer != nil {
		if err := n.closer(); err != nil {
			errs = append(errs, err)
		}
	}

	n.setState(StateStopped)
	if len(errs) > 0 {
		return fmt.Errorf("grab: stop: %v", errs)
	}
	return nil
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}
