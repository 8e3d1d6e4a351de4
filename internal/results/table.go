// Package results correlates command results with the commands the relay
// delivered, and keeps a bounded ring of recent results for inspection.
package results

import (
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/edge-relay/pkg/types"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 500

type key struct {
	edgeID    string
	requestID string
}

// Resolution describes a correlated result.
type Resolution struct {
	Record  types.DispatchRecord
	Latency time.Duration
}

// Table is the pending-result table. The zero value is not usable; call New.
type Table struct {
	mu      sync.Mutex
	pending map[key]*types.DispatchRecord

	ring  []types.CommandResult
	head  int // next write position
	count int
}

// New creates a table whose recent-results ring holds capacity entries.
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{
		pending: make(map[key]*types.DispatchRecord),
		ring:    make([]types.CommandResult, capacity),
	}
}

// RecordDispatched starts tracking a delivered command. Re-dispatching the
// same (edge, request) pair resets its timestamp.
func (t *Table) RecordDispatched(requestID, edgeID, action string, at time.Time) {
	if requestID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[key{edgeID, requestID}] = &types.DispatchRecord{
		RequestID:    requestID,
		EdgeID:       edgeID,
		Action:       action,
		DispatchedAt: at,
		State:        types.StateDelivered,
	}
}

// RecordResult correlates a result with its dispatch. It returns false, and
// records nothing, when the request was never dispatched or was already
// resolved.
func (t *Table) RecordResult(res types.CommandResult) (Resolution, bool) {
	requestID := strings.TrimSpace(res.RequestID)
	if requestID == "" {
		return Resolution{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	k, rec := t.find(res.EdgeID, requestID)
	if rec == nil {
		return Resolution{}, false
	}
	delete(t.pending, k)

	if res.EdgeID == "" {
		res.EdgeID = rec.EdgeID
	}
	t.push(res)

	resolved := *rec
	resolved.State = types.StateResolved
	return Resolution{Record: resolved, Latency: res.ReceivedAt.Sub(rec.DispatchedAt)}, true
}

// find must be called with t.mu held.
func (t *Table) find(edgeID, requestID string) (key, *types.DispatchRecord) {
	if edgeID != "" {
		k := key{edgeID, requestID}
		return k, t.pending[k]
	}
	for k, rec := range t.pending {
		if k.requestID == requestID {
			return k, rec
		}
	}
	return key{}, nil
}

// push must be called with t.mu held.
func (t *Table) push(res types.CommandResult) {
	t.ring[t.head] = res
	t.head = (t.head + 1) % len(t.ring)
	if t.count < len(t.ring) {
		t.count++
	}
}

// ListRecent returns up to limit results newest first, optionally filtered by
// edge. limit <= 0 returns everything retained.
func (t *Table) ListRecent(edgeID string, limit int) []types.CommandResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := []types.CommandResult{}
	for i := 0; i < t.count; i++ {
		idx := (t.head - 1 - i + len(t.ring)) % len(t.ring)
		r := t.ring[idx]
		if edgeID != "" && r.EdgeID != edgeID {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ListUnresolved returns every tracked dispatch, delivered or expired.
func (t *Table) ListUnresolved() []types.DispatchRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.DispatchRecord, 0, len(t.pending))
	for _, rec := range t.pending {
		out = append(out, *rec)
	}
	return out
}

// Sweep marks delivered records older than timeout as expired and forgets
// expired records older than retention. It returns the newly expired
// records. Expiry never requeues anything.
func (t *Table) Sweep(now time.Time, timeout, retention time.Duration) []types.DispatchRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []types.DispatchRecord
	for k, rec := range t.pending {
		age := now.Sub(rec.DispatchedAt)
		switch {
		case rec.State == types.StateExpired && retention > 0 && age >= retention:
			delete(t.pending, k)
		case rec.State == types.StateDelivered && timeout > 0 && age >= timeout:
			rec.State = types.StateExpired
			expired = append(expired, *rec)
		}
	}
	return expired
}

// Restore re-tracks dispatch records from a snapshot.
func (t *Table) Restore(records []types.DispatchRecord) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, rec := range records {
		if rec.RequestID == "" {
			continue
		}
		r := rec
		if r.State == "" {
			r.State = types.StateDelivered
		}
		t.pending[key{r.EdgeID, r.RequestID}] = &r
		n++
	}
	return n
}

// Stats reports how many dispatches are tracked and how many results are
// retained.
func (t *Table) Stats() (unresolved, expired, retained int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.pending {
		if rec.State == types.StateExpired {
			expired++
		}
	}
	return len(t.pending), expired, t.count
}
