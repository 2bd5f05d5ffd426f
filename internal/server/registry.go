package server

import (
	"sort"
	"sync"
	"time"
)

// Registry holds the reconciler's in-memory view of every server seen by
// this process: the last player count and when population was last
// sampled. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	counts     map[string]int
	sampledAt  map[string]time.Time
	lastSeenAt map[string]time.Time
}

// ServerState is a read-only view of one registry entry.
type ServerState struct {
	ID       string    `json:"id"`
	Players  int       `json:"players"`
	LastSeen time.Time `json:"lastSeen"`
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counts:     make(map[string]int),
		sampledAt:  make(map[string]time.Time),
		lastSeenAt: make(map[string]time.Time),
	}
}

// ObserveCount stores players as the count of server id and reports
// whether it differs from the previous count. An unknown server always
// counts as changed.
func (r *Registry) ObserveCount(id string, players int, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, known := r.counts[id]
	r.counts[id] = players
	r.lastSeenAt[id] = at
	return !known || prev != players
}

// Count returns the cached player count of a server.
func (r *Registry) Count(id string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.counts[id]
	return n, ok
}

// ShouldSample reports whether a population sample for id is due and, if
// so, marks it taken at now.
func (r *Registry) ShouldSample(id string, now time.Time, interval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, ok := r.sampledAt[id]
	if ok && now.Sub(last) < interval {
		return false
	}
	r.sampledAt[id] = now
	return true
}

// Servers returns every known server seen at or after since, busiest
// first.
func (r *Registry) Servers(since time.Time) []ServerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerState, 0, len(r.counts))
	for id, n := range r.counts {
		seen := r.lastSeenAt[id]
		if seen.Before(since) {
			continue
		}
		out = append(out, ServerState{ID: id, Players: n, LastSeen: seen})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Players != out[j].Players {
			return out[i].Players > out[j].Players
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of servers in the registry.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.counts)
}
