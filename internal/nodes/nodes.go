// Package nodes tracks the peer brokers known to this node for
// replication fan-out. Registration is idempotent and there is no
// staleness eviction; a peer persists until process exit.
package nodes

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mindcreek/non-messenger/internal/clock"
	"github.com/mindcreek/non-messenger/internal/metrics"
)

// Entry is one known peer.
type Entry struct {
	NodeURL   string
	PublicKey string
	LastSeen  time.Time
}

// Registry is the set of known peer brokers.
type Registry struct {
	mu     sync.RWMutex
	byURL  map[string]*Entry
	clock  clock.Clock
	logger zerolog.Logger
}

// New constructs an empty Registry, optionally seeded with urls (no public
// key, refreshed on first real registration from that peer).
func New(c clock.Clock, logger zerolog.Logger, seeds []string) *Registry {
	r := &Registry{
		byURL:  make(map[string]*Entry),
		clock:  c,
		logger: logger.With().Str("component", "node_registry").Logger(),
	}
	for _, url := range seeds {
		if url == "" {
			continue
		}
		r.byURL[url] = &Entry{NodeURL: url, LastSeen: c.Now()}
	}
	metrics.NodesRegistered.Set(float64(len(r.byURL)))
	return r
}

// Register inserts or refreshes the entry for nodeURL.
func (r *Registry) Register(nodeURL, publicKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byURL[nodeURL]
	if !ok {
		entry = &Entry{NodeURL: nodeURL}
		r.byURL[nodeURL] = entry
	}
	entry.PublicKey = publicKey
	entry.LastSeen = r.clock.Now()

	metrics.NodesRegistered.Set(float64(len(r.byURL)))
	r.logger.Debug().Str("node_url", nodeURL).Msg("node registered")
}

// List returns a snapshot of every known peer.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.byURL))
	for _, e := range r.byURL {
		out = append(out, *e)
	}
	return out
}

// Count returns the current number of known peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byURL)
}
