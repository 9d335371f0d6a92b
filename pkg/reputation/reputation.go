// Package reputation implements the P2P Coordinator's peer-reputation
// table (§5 "Shared resources"): a small in-memory, coarse-locked record of
// strikes accrued by peers that serve corrupt chunks or invalid manifests,
// consulted by the Coordinator to de-prioritize those peers when more than
// one host is available for the same site. Grounded on the teacher's SWIM
// member table (pkg/swim/swim.go): a single sync.RWMutex guarding a map
// keyed by peer id, with no per-entry locking.
package reputation

import (
	"sync"
	"time"
)

// Config configures a Table.
type Config struct {
	// Window bounds how long a strike counts against a peer before it
	// decays back to zero, so one bad response doesn't sideline a peer
	// permanently.
	Window time.Duration
}

// DefaultConfig returns the default Table configuration.
func DefaultConfig() Config {
	return Config{Window: 10 * time.Minute}
}

type entry struct {
	strikes    int
	lastStrike time.Time
}

// Table tracks strikes accrued by misbehaving peers (hash_mismatch,
// bad_signature, bad_root_hash, malformed_message) and reports a strike
// count back to callers choosing among candidate peers for the same site.
// It implements replicator.PeerPenalizer.
type Table struct {
	cfg Config

	mu     sync.RWMutex
	byPeer map[string]*entry
}

// New creates a Table.
func New(cfg Config) *Table {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Table{cfg: cfg, byPeer: make(map[string]*entry)}
}

// Penalize records a strike against peerId. reason identifies what the
// Replicator observed; the table does not weigh reasons differently, it
// only counts them.
func (t *Table) Penalize(peerId, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byPeer[peerId]
	if !ok {
		e = &entry{}
		t.byPeer[peerId] = e
	} else if time.Since(e.lastStrike) > t.cfg.Window {
		e.strikes = 0
	}
	e.strikes++
	e.lastStrike = time.Now()
}

// Strikes reports how many un-decayed strikes peerId currently carries.
// A peer never penalized, or whose last strike aged out of Window,
// reports zero.
func (t *Table) Strikes(peerId string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byPeer[peerId]
	if !ok {
		return 0
	}
	if time.Since(e.lastStrike) > t.cfg.Window {
		return 0
	}
	return e.strikes
}
