package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mwillis775/grabnet/pkg/bundlestore"
	"github.com/mwillis775/grabnet/pkg/hashsign"
)

// reaperInterval is how often the worker loop checks for sites whose
// Failed cooldown has elapsed.
const reaperInterval = 5 * time.Second

// SiteState is a hosted site's position in the per-site replication state
// machine (§4.H): Idle -> Syncing(R) -> Idle on success; Syncing(R) ->
// Failed(R, reason) on give-up; Failed -> Idle after a cooldown.
type SiteState int

const (
	StateIdle SiteState = iota
	StateSyncing
	StateFailed
)

func (s SiteState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Replicator is the Coordinator's collaborator for pulling a site up to a
// target revision from a chosen peer (§4.G). Declared locally instead of
// importing pkg/replicator: that package depends on this package's
// NetworkSubstrate interface, and importing it back here would cycle.
// *replicator.Replicator satisfies this interface structurally.
type Replicator interface {
	Replicate(ctx context.Context, peerId string, siteId hashsign.SiteId, revision uint64) error
}

// PeerReputation reports how many un-decayed strikes a peer carries, so
// pickHost can de-prioritize peers that have served bad data (§5 "Shared
// resources": the peer-reputation table). Declared locally for the same
// import-cycle reason as Replicator; *reputation.Table satisfies this
// interface structurally. A nil PeerReputation is treated as every peer
// carrying zero strikes.
type PeerReputation interface {
	Strikes(peerId string) int
}

// Config configures a Coordinator.
type Config struct {
	// Cooldown is how long a site stays Failed before the Coordinator will
	// retry it, either on a fresh announcement or via the background
	// reaper (§4.H "Failed -> Idle after cooldown").
	Cooldown time.Duration
	// QueueSize bounds the pending replication work queue (§4.H "bounded
	// work queue deduplicating overlapping announcements per site_id").
	QueueSize int
}

// DefaultConfig returns the default Coordinator configuration.
func DefaultConfig() Config {
	return Config{Cooldown: 30 * time.Second, QueueSize: 256}
}

type siteStatus struct {
	state      SiteState
	target     uint64 // highest revision observed for this site so far
	failReason string
	failedAt   time.Time
}

type workItem struct {
	siteId hashsign.SiteId
	// fromPeer is the peer whose announcement triggered this work item, if
	// any (§4.H "from_peer, falling back to find_hosts if that peer
	// drops"). Empty when the item was enqueued by the reaper instead of a
	// fresh announcement.
	fromPeer string
}

// Coordinator is the P2P Coordinator (§4.H): it wraps a NetworkSubstrate,
// observes announcements, and drives a bounded pool of replication work
// toward the maximum revision observed for each site.
type Coordinator struct {
	cfg        Config
	substrate  NetworkSubstrate
	bundles    *bundlestore.Store
	repl       Replicator
	reputation PeerReputation

	mu    sync.Mutex
	sites map[hashsign.SiteId]*siteStatus

	queue    chan workItem
	queuedMu sync.Mutex
	queued   map[hashsign.SiteId]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator. bundles is consulted to learn the local
// revision already held for a site, so an announcement at or below it is
// ignored. reputation may be nil, in which case pickHost treats every
// candidate peer as equally trustworthy.
func New(substrate NetworkSubstrate, bundles *bundlestore.Store, repl Replicator, reputation PeerReputation, cfg Config) *Coordinator {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Coordinator{
		cfg:        cfg,
		substrate:  substrate,
		bundles:    bundles,
		repl:       repl,
		reputation: reputation,
		sites:      make(map[hashsign.SiteId]*siteStatus),
		queue:      make(chan workItem, cfg.QueueSize),
		queued:     make(map[hashsign.SiteId]bool),
	}
}

// Start brings the underlying substrate up, subscribes to its
// announcements, and begins the replication worker loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	if err := c.substrate.Start(c.ctx); err != nil {
		return fmt.Errorf("coordinator: start substrate: %w", err)
	}
	c.substrate.OnAnnounce(c.handleAnnounce)

	c.wg.Add(1)
	go c.workerLoop()
	return nil
}

// Close stops the worker loop and tears the substrate down.
func (c *Coordinator) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.substrate.Close()
}

// Announce publishes the local node's own revision for siteId, e.g. after
// the Bundler commits a new bundle to the Bundle Store.
func (c *Coordinator) Announce(ctx context.Context, siteId hashsign.SiteId, revision uint64) error {
	return c.substrate.Announce(ctx, siteId, revision)
}

// Status reports a hosted site's current replication state.
func (c *Coordinator) Status(siteId hashsign.SiteId) (SiteState, uint64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.sites[siteId]
	if !ok {
		return StateIdle, 0, ""
	}
	return status.state, status.target, status.failReason
}

func (c *Coordinator) handleAnnounce(siteId hashsign.SiteId, revision uint64, fromPeer string) {
	if fromPeer == c.substrate.LocalPeerId() {
		return
	}
	if revision <= c.localRevision(siteId) {
		return
	}

	shouldEnqueue := false
	c.mu.Lock()
	status, ok := c.sites[siteId]
	if !ok {
		status = &siteStatus{state: StateIdle}
		c.sites[siteId] = status
	}
	switch status.state {
	case StateSyncing:
		// Coalesce: a newer announcement during an in-flight sync just
		// bumps the target; syncSite notices and loops instead of
		// restarting (§4.H "newer announcement during Syncing coalesces").
		if revision > status.target {
			status.target = revision
		}
	case StateFailed:
		if time.Since(status.failedAt) < c.cfg.Cooldown {
			if revision > status.target {
				status.target = revision
			}
			break
		}
		status.state = StateIdle
		status.target = revision
		shouldEnqueue = true
	case StateIdle:
		status.target = revision
		shouldEnqueue = true
	}
	c.mu.Unlock()

	if shouldEnqueue {
		c.enqueue(siteId, fromPeer)
	}
}

func (c *Coordinator) localRevision(siteId hashsign.SiteId) uint64 {
	b, err := c.bundles.GetActive(siteId)
	if err != nil {
		return 0
	}
	return b.Revision
}

func (c *Coordinator) enqueue(siteId hashsign.SiteId, fromPeer string) {
	c.queuedMu.Lock()
	if c.queued[siteId] {
		c.queuedMu.Unlock()
		return
	}
	c.queued[siteId] = true
	c.queuedMu.Unlock()

	select {
	case c.queue <- workItem{siteId: siteId, fromPeer: fromPeer}:
	default:
		// Queue is full: drop it. A later announcement (or the reaper,
		// once the backlog drains) will pick the site back up.
		c.queuedMu.Lock()
		delete(c.queued, siteId)
		c.queuedMu.Unlock()
	}
}

func (c *Coordinator) workerLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case item := <-c.queue:
			c.queuedMu.Lock()
			delete(c.queued, item.siteId)
			c.queuedMu.Unlock()
			c.syncSite(item.siteId, item.fromPeer)
		case <-ticker.C:
			c.reapFailed()
		}
	}
}

// reapFailed moves sites whose Failed cooldown has elapsed back to Idle
// and re-enqueues them, so a site recovers even without a fresh
// announcement nudging it.
func (c *Coordinator) reapFailed() {
	now := time.Now()
	var retry []hashsign.SiteId
	c.mu.Lock()
	for siteId, status := range c.sites {
		if status.state == StateFailed && now.Sub(status.failedAt) >= c.cfg.Cooldown {
			status.state = StateIdle
			retry = append(retry, siteId)
		}
	}
	c.mu.Unlock()
	for _, siteId := range retry {
		// No announcing peer to prefer; pickHost falls back to find_hosts.
		c.enqueue(siteId, "")
	}
}

// syncSite drives siteId's state machine through one or more Syncing
// attempts until it either catches up to the latest observed target or
// gives up and transitions to Failed. The peer that announced the
// triggering revision, fromPeer, is tried first; any peer that fails is
// excluded and a fresh pickHost call is made before giving up, so a single
// bad peer does not sideline the whole sync (§4.G step 4 "rescheduled to
// another peer", §4.H "from_peer, falling back to find_hosts if that peer
// drops").
func (c *Coordinator) syncSite(siteId hashsign.SiteId, fromPeer string) {
	tried := make(map[string]bool)
	nextPeer := fromPeer

	for {
		c.mu.Lock()
		status := c.sites[siteId]
		target := status.target
		status.state = StateSyncing
		c.mu.Unlock()

		peer := nextPeer
		if peer == "" || tried[peer] {
			peer = c.pickHost(siteId, target, tried)
		}
		nextPeer = ""

		var err error
		if peer == "" {
			err = fmt.Errorf("coordinator: no known host for site %x at revision %d", siteId, target)
		} else {
			tried[peer] = true
			err = c.repl.Replicate(c.ctx, peer, siteId, target)
		}

		if err != nil {
			if peer != "" {
				if alt := c.pickHost(siteId, target, tried); alt != "" {
					nextPeer = alt
					continue
				}
			}
			c.mu.Lock()
			status.state = StateFailed
			status.failReason = err.Error()
			status.failedAt = time.Now()
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		if status.target > target {
			// A newer announcement coalesced in while we were syncing;
			// go again without leaving the Syncing state.
			c.mu.Unlock()
			tried = make(map[string]bool)
			continue
		}
		status.state = StateIdle
		c.mu.Unlock()
		return
	}
}

// pickHost returns the best candidate peer known to host siteId at or
// above minRevision, skipping anything in exclude and preferring whichever
// remaining candidate carries the fewest reputation strikes (§5 "Shared
// resources").
func (c *Coordinator) pickHost(siteId hashsign.SiteId, minRevision uint64, exclude map[string]bool) string {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	hosts, err := c.substrate.FindHosts(ctx, siteId)
	if err != nil {
		return ""
	}
	best := ""
	bestStrikes := -1
	for _, h := range hosts {
		if h.Revision < minRevision || exclude[h.PeerId] {
			continue
		}
		strikes := 0
		if c.reputation != nil {
			strikes = c.reputation.Strikes(h.PeerId)
		}
		if bestStrikes == -1 || strikes < bestStrikes {
			best = h.PeerId
			bestStrikes = strikes
		}
	}
	return best
}
