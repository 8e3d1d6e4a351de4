package controller

import (
	"sync"
	"time"
)

// edgeRegistry remembers when each edge was last heard from.
type edgeRegistry struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newEdgeRegistry() *edgeRegistry {
	return &edgeRegistry{seen: make(map[string]time.Time)}
}

func (r *edgeRegistry) touch(edgeID string, at time.Time) {
	if edgeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.seen[edgeID]; !ok || at.After(prev) {
		r.seen[edgeID] = at
	}
}

func (r *edgeRegistry) snapshot() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Time, len(r.seen))
	for id, at := range r.seen {
		out[id] = at
	}
	return out
}

// evict forgets edges idle for ttl unless keep says otherwise.
func (r *edgeRegistry) evict(now time.Time, ttl time.Duration, keep func(string) bool) int {
	if ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, at := range r.seen {
		if now.Sub(at) >= ttl && !keep(id) {
			delete(r.seen, id)
			n++
		}
	}
	return n
}

func (r *edgeRegistry) has(edgeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[edgeID]
	return ok
}
